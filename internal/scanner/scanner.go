// Package scanner periodically re-reads the allowances an owner has granted
// to its trusted spenders and flags drift.
//
// The first reading of each spender is the baseline and produces no alert.
// Later readings are classified every cycle; a value that differs from the
// snapshot is logged as a change before the snapshot is updated.
package scanner

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/holiman/uint256"
	"golang.org/x/sync/errgroup"

	"github.com/telanks/wallet-guard/internal/chain"
	"github.com/telanks/wallet-guard/internal/risk"
	"github.com/telanks/wallet-guard/internal/traces"
	"github.com/telanks/wallet-guard/internal/validation"
)

// DefaultConcurrency bounds parallel allowance reads when unset.
const DefaultConcurrency = 4

// Publisher delivers risk events.
type Publisher interface {
	Publish(ctx context.Context, event *risk.Event) error
}

// Config for a scanner.
type Config struct {
	Owner       string
	Token       string
	Concurrency int
	// Publish sends non-SAFE verdicts for changed allowances to the
	// publisher. Off means scanner findings are log-only.
	Publish bool
}

// Result is the outcome of scanning one spender in a cycle.
type Result struct {
	Spender    string
	Allowance  *uint256.Int
	Previous   *uint256.Int
	Baseline   bool
	Changed    bool
	IsContract bool
	Verdict    risk.Verdict
	Err        error
}

// Scanner holds the allowance snapshot for one (owner, token) session.
type Scanner struct {
	owner       string
	token       string
	concurrency int
	publish     bool
	adapter     chain.Adapter
	publisher   Publisher
	logger      *slog.Logger

	mu       sync.Mutex
	snapshot map[string]*uint256.Int
}

// New creates a scanner. publisher may be nil when cfg.Publish is false.
func New(cfg Config, adapter chain.Adapter, publisher Publisher, logger *slog.Logger) (*Scanner, error) {
	owner, err := validation.NormalizeAddress(cfg.Owner)
	if err != nil {
		return nil, fmt.Errorf("scanner: owner: %w", err)
	}
	token, err := validation.NormalizeAddress(cfg.Token)
	if err != nil {
		return nil, fmt.Errorf("scanner: token: %w", err)
	}
	if cfg.Publish && publisher == nil {
		return nil, fmt.Errorf("scanner: publish enabled without a publisher")
	}
	concurrency := cfg.Concurrency
	if concurrency <= 0 {
		concurrency = DefaultConcurrency
	}
	return &Scanner{
		owner:       owner,
		token:       token,
		concurrency: concurrency,
		publish:     cfg.Publish,
		adapter:     adapter,
		publisher:   publisher,
		logger:      logger.With("component", "scanner", "owner", owner, "token", token),
		snapshot:    make(map[string]*uint256.Int),
	}, nil
}

// Owner returns the normalized owner address.
func (s *Scanner) Owner() string { return s.owner }

// Snapshot returns the last recorded allowance for spender.
func (s *Scanner) Snapshot(spender string) (*uint256.Int, bool) {
	key, err := validation.NormalizeAddress(spender)
	if err != nil {
		return nil, false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.snapshot[key]
	if !ok {
		return nil, false
	}
	return new(uint256.Int).Set(v), true
}

// RunCycle scans every spender once. A failure for one spender is logged
// and recorded in its Result; the others still run. Results follow the
// order of spenders. The only error returned is ctx's.
func (s *Scanner) RunCycle(ctx context.Context, spenders []string) ([]Result, error) {
	start := time.Now()
	defer func() { cycleDuration.Observe(time.Since(start).Seconds()) }()

	ctx, span := traces.StartSpan(ctx, "scanner.RunCycle", traces.Owner(s.owner), traces.Token(s.token))
	defer span.End()

	results := make([]Result, len(spenders))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.concurrency)
	for i, spender := range spenders {
		g.Go(func() error {
			results[i] = s.scanOne(gctx, spender)
			return nil
		})
	}
	_ = g.Wait()

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	risky := 0
	for _, r := range results {
		if r.Err == nil && !r.Baseline && !r.Verdict.IsSafe() {
			risky++
		}
	}
	riskyAllowances.Set(float64(risky))
	return results, nil
}

func (s *Scanner) scanOne(ctx context.Context, raw string) Result {
	spender, err := validation.NormalizeAddress(raw)
	if err != nil {
		s.logger.Warn("skipping malformed spender", "spender", raw)
		return Result{Spender: raw, Err: err}
	}
	res := Result{Spender: spender}

	allowance, err := s.adapter.Allowance(ctx, s.token, s.owner, spender)
	if err != nil {
		if ctx.Err() == nil {
			readErrors.Inc()
			s.logger.Error("allowance read failed", "spender", spender, "error", err)
		}
		res.Err = err
		return res
	}
	res.Allowance = allowance

	s.mu.Lock()
	prev, seen := s.snapshot[spender]
	switch {
	case !seen:
		res.Baseline = true
	case !prev.Eq(allowance):
		res.Changed = true
		res.Previous = prev
		allowanceChanges.Inc()
		s.logger.Warn("allowance changed",
			"spender", spender,
			"old", prev.Dec(),
			"new", allowance.Dec(),
		)
	}
	s.snapshot[spender] = new(uint256.Int).Set(allowance)
	s.mu.Unlock()

	if res.Baseline {
		return res
	}

	isContract, err := chain.IsContract(ctx, s.adapter, spender)
	if err != nil {
		if ctx.Err() == nil {
			s.logger.Error("code lookup failed", "spender", spender, "error", err)
		}
		res.Err = err
		return res
	}
	res.IsContract = isContract
	res.Verdict = risk.Classify(isContract, true, allowance)

	if res.Verdict.IsSafe() {
		return res
	}
	s.logger.Warn("allowance risk detected",
		"spender", spender,
		"allowance", allowance.Dec(),
		"risk", res.Verdict.Level,
		"reasons", res.Verdict.Reasons,
	)

	if s.publish && res.Changed && ctx.Err() == nil {
		event := risk.NewEvent(risk.Observation{
			Source:        risk.SourceScanner,
			Owner:         s.owner,
			Spender:       spender,
			Token:         s.token,
			Allowance:     allowance,
			IsContract:    isContract,
			IsWhitelisted: true,
		})
		if err := s.publisher.Publish(ctx, event); err != nil {
			s.logger.Error("failed to publish scanner finding", "spender", spender, "error", err)
		}
	}
	return res
}
