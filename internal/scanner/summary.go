package scanner

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/holiman/uint256"
	"golang.org/x/sync/errgroup"

	"github.com/telanks/wallet-guard/internal/chain"
	"github.com/telanks/wallet-guard/internal/risk"
	"github.com/telanks/wallet-guard/internal/traces"
	"github.com/telanks/wallet-guard/internal/units"
	"github.com/telanks/wallet-guard/internal/validation"
)

// UnlimitedLabel replaces the readable amount of infinite allowances.
const UnlimitedLabel = "UNLIMITED"

// WhitelistReader lists an owner's trusted spenders.
type WhitelistReader interface {
	Get(ctx context.Context, owner string) ([]string, error)
}

// SpenderReport is one nonzero allowance in a summary.
type SpenderReport struct {
	Spender           string       `json:"spender"`
	Allowance         string       `json:"allowance"`
	AllowanceReadable string       `json:"allowanceReadable"`
	IsInfinite        bool         `json:"isInfinite"`
	IsContract        bool         `json:"isContract"`
	IsWhitelisted     bool         `json:"isWhitelisted"`
	Risk              risk.Verdict `json:"risk"`
}

// Totals counts the reports in a summary.
type Totals struct {
	Total    int `json:"total"`
	Risky    int `json:"risky"`
	Infinite int `json:"infinite"`
}

// Summary is an on-demand view of everything an owner has approved to its
// trusted spenders for one token.
type Summary struct {
	Owner     string          `json:"owner"`
	Token     chain.Token     `json:"token"`
	ScannedAt int64           `json:"scannedAt"`
	Summary   Totals          `json:"summary"`
	Results   []SpenderReport `json:"results"`
}

// Reporter builds scan summaries. It keeps no state between calls.
type Reporter struct {
	adapter     chain.Adapter
	whitelist   WhitelistReader
	token       string
	concurrency int
	logger      *slog.Logger
}

// NewReporter creates a reporter for token.
func NewReporter(adapter chain.Adapter, whitelist WhitelistReader, token string, concurrency int, logger *slog.Logger) (*Reporter, error) {
	t, err := validation.NormalizeAddress(token)
	if err != nil {
		return nil, fmt.Errorf("scanner: token: %w", err)
	}
	if concurrency <= 0 {
		concurrency = DefaultConcurrency
	}
	return &Reporter{
		adapter:     adapter,
		whitelist:   whitelist,
		token:       t,
		concurrency: concurrency,
		logger:      logger.With("component", "scan_reporter"),
	}, nil
}

// Summarize reads the current allowance for every whitelisted spender of
// owner. Zero allowances are omitted. Any read failure fails the whole
// summary so callers never see a partial picture.
func (r *Reporter) Summarize(ctx context.Context, owner string) (*Summary, error) {
	owner, err := validation.NormalizeAddress(owner)
	if err != nil {
		return nil, err
	}
	ctx, span := traces.StartSpan(ctx, "scanner.Summarize", traces.Owner(owner), traces.Token(r.token))
	defer span.End()

	spenders, err := r.whitelist.Get(ctx, owner)
	if err != nil {
		return nil, fmt.Errorf("load whitelist: %w", err)
	}

	token, err := r.adapter.TokenInfo(ctx, r.token)
	if err != nil {
		return nil, fmt.Errorf("token info: %w", err)
	}

	reports := make([]*SpenderReport, len(spenders))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(r.concurrency)
	for i, spender := range spenders {
		g.Go(func() error {
			rep, err := r.report(gctx, owner, spender, token.Decimals)
			if err != nil {
				return fmt.Errorf("spender %s: %w", spender, err)
			}
			reports[i] = rep
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		traces.End(span, err)
		return nil, err
	}

	out := &Summary{
		Owner:     owner,
		Token:     token,
		ScannedAt: time.Now().UnixMilli(),
		Results:   make([]SpenderReport, 0, len(reports)),
	}
	for _, rep := range reports {
		if rep == nil {
			continue
		}
		out.Summary.Total++
		if !rep.Risk.IsSafe() {
			out.Summary.Risky++
		}
		if rep.IsInfinite {
			out.Summary.Infinite++
		}
		out.Results = append(out.Results, *rep)
	}
	return out, nil
}

// report returns nil for a zero allowance.
func (r *Reporter) report(ctx context.Context, owner, spender string, decimals uint8) (*SpenderReport, error) {
	allowance, err := r.adapter.Allowance(ctx, r.token, owner, spender)
	if err != nil {
		return nil, err
	}
	if allowance.IsZero() {
		return nil, nil
	}
	isContract, err := chain.IsContract(ctx, r.adapter, spender)
	if err != nil {
		return nil, err
	}
	return &SpenderReport{
		Spender:           spender,
		Allowance:         allowance.Dec(),
		AllowanceReadable: readable(allowance, decimals),
		IsInfinite:        risk.IsInfinite(allowance),
		IsContract:        isContract,
		IsWhitelisted:     true,
		Risk:              risk.Classify(isContract, true, allowance),
	}, nil
}

func readable(v *uint256.Int, decimals uint8) string {
	if risk.IsInfinite(v) {
		return UnlimitedLabel
	}
	return units.Format(v, decimals)
}
