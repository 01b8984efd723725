// Package listener turns on-chain Approval events for one watched owner into
// classified risk events.
//
// Approvals for the same spender are handled one at a time in arrival
// order; different spenders are handled concurrently. Failures of a single
// approval (code lookup, whitelist read, publish) are logged and the
// listener moves on.
package listener

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/telanks/wallet-guard/internal/chain"
	"github.com/telanks/wallet-guard/internal/metrics"
	"github.com/telanks/wallet-guard/internal/risk"
	"github.com/telanks/wallet-guard/internal/syncutil"
	"github.com/telanks/wallet-guard/internal/traces"
	"github.com/telanks/wallet-guard/internal/validation"
)

// ErrAlreadyStarted is returned by Start on a running listener.
var ErrAlreadyStarted = errors.New("listener: already started")

// WhitelistChecker answers membership queries.
type WhitelistChecker interface {
	Contains(ctx context.Context, owner, spender string) (bool, error)
}

// Publisher delivers risk events.
type Publisher interface {
	Publish(ctx context.Context, event *risk.Event) error
}

// Config for a listener.
type Config struct {
	Owner string
	Token string
	// Workers bounds how many spenders are processed concurrently.
	Workers int
}

// Listener watches Approval events for one (owner, token) pair.
type Listener struct {
	owner     string
	token     string
	workers   int
	adapter   chain.Adapter
	whitelist WhitelistChecker
	publisher Publisher
	logger    *slog.Logger

	mu      sync.Mutex
	sub     chain.Subscription
	exec    *syncutil.OrderedExecutor
	cancel  context.CancelFunc
	ctx     context.Context
	stopped atomic.Bool
}

// New creates a listener. Owner and token are normalized here.
func New(cfg Config, adapter chain.Adapter, whitelist WhitelistChecker, publisher Publisher, logger *slog.Logger) (*Listener, error) {
	owner, err := validation.NormalizeAddress(cfg.Owner)
	if err != nil {
		return nil, fmt.Errorf("listener: owner: %w", err)
	}
	token, err := validation.NormalizeAddress(cfg.Token)
	if err != nil {
		return nil, fmt.Errorf("listener: token: %w", err)
	}
	workers := cfg.Workers
	if workers <= 0 {
		workers = 8
	}
	return &Listener{
		owner:     owner,
		token:     token,
		workers:   workers,
		adapter:   adapter,
		whitelist: whitelist,
		publisher: publisher,
		logger:    logger.With("component", "listener", "owner", owner, "token", token),
	}, nil
}

// Start subscribes to Approval events. The listener runs until Stop or
// until ctx is cancelled.
func (l *Listener) Start(ctx context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.sub != nil {
		return ErrAlreadyStarted
	}

	l.ctx, l.cancel = context.WithCancel(ctx)
	l.exec = syncutil.NewOrderedExecutor(l.workers, func(spender string, recovered any) {
		l.logger.Error("panic handling approval", "spender", spender, "panic", recovered)
	})

	sub, err := l.adapter.SubscribeApprovals(l.ctx, chain.ApprovalQuery{Token: l.token, Owner: l.owner}, l.onApproval)
	if err != nil {
		l.cancel()
		l.exec.Close()
		return fmt.Errorf("listener: subscribe: %w", err)
	}
	l.sub = sub

	go l.watchSubscription(sub)

	l.logger.Info("approval listener started")
	return nil
}

// Stop tears the listener down. Results of approvals still in flight are
// discarded. Safe to call more than once.
func (l *Listener) Stop() {
	if l.stopped.Swap(true) {
		return
	}

	l.mu.Lock()
	sub, exec, cancel := l.sub, l.exec, l.cancel
	l.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if sub != nil {
		sub.Unsubscribe()
	}
	if exec != nil {
		exec.Close()
	}
	l.logger.Info("approval listener stopped")
}

func (l *Listener) watchSubscription(sub chain.Subscription) {
	if err, ok := <-sub.Err(); ok && err != nil && !l.stopped.Load() {
		l.logger.Error("approval subscription ended", "error", err)
	}
}

// onApproval is the subscription callback. It filters by owner and queues
// the approval behind earlier ones for the same spender.
func (l *Listener) onApproval(ap chain.Approval) {
	if l.stopped.Load() {
		return
	}
	owner, err := validation.NormalizeAddress(ap.Owner)
	if err != nil || owner != l.owner {
		metrics.ApprovalsObserved.WithLabelValues("foreign_owner").Inc()
		return
	}
	spender, err := validation.NormalizeAddress(ap.Spender)
	if err != nil {
		metrics.ApprovalsObserved.WithLabelValues("error").Inc()
		l.logger.Warn("approval with malformed spender", "spender", ap.Spender, "tx", ap.TxHash)
		return
	}
	ap.Owner, ap.Spender = owner, spender

	l.exec.Submit(spender, func() { l.handle(ap) })
}

func (l *Listener) handle(ap chain.Approval) {
	if l.stopped.Load() {
		return
	}
	ctx, span := traces.StartSpan(l.ctx, "listener.handle",
		traces.Owner(ap.Owner), traces.Spender(ap.Spender), traces.Token(l.token))

	event, err := l.classify(ctx, ap)
	if err != nil {
		traces.End(span, err)
		if l.stopped.Load() {
			return
		}
		metrics.ApprovalsObserved.WithLabelValues("error").Inc()
		l.logger.Error("failed to classify approval", "spender", ap.Spender, "tx", ap.TxHash, "error", err)
		return
	}
	span.SetAttributes(traces.RiskLevel(string(event.Risk.Level)))

	if l.stopped.Load() {
		traces.End(span, nil)
		return
	}
	err = l.publisher.Publish(ctx, event)
	traces.End(span, err)
	if err != nil {
		metrics.ApprovalsObserved.WithLabelValues("error").Inc()
		l.logger.Error("failed to publish risk event", "spender", ap.Spender, "tx", ap.TxHash, "error", err)
		return
	}

	metrics.ApprovalsObserved.WithLabelValues("processed").Inc()
	l.logger.Info("approval classified",
		"spender", ap.Spender,
		"allowance", event.Allowance,
		"risk", event.Risk.Level,
		"tx", ap.TxHash,
	)
}

func (l *Listener) classify(ctx context.Context, ap chain.Approval) (*risk.Event, error) {
	isWhitelisted, err := l.whitelist.Contains(ctx, ap.Owner, ap.Spender)
	if err != nil {
		return nil, fmt.Errorf("whitelist lookup: %w", err)
	}
	isContract, err := chain.IsContract(ctx, l.adapter, ap.Spender)
	if err != nil {
		return nil, fmt.Errorf("code lookup: %w", err)
	}
	return risk.NewEvent(risk.Observation{
		Source:        risk.SourceListener,
		Owner:         ap.Owner,
		Spender:       ap.Spender,
		Token:         l.token,
		Allowance:     ap.Value,
		IsContract:    isContract,
		IsWhitelisted: isWhitelisted,
		TxHash:        ap.TxHash,
		BlockNumber:   ap.BlockNumber,
	}), nil
}
