package scanner

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// DefaultInterval is the scan period when none is configured.
const DefaultInterval = 15 * time.Second

// SpenderSource returns the spenders to scan. It is consulted every cycle
// so whitelist edits take effect on the next run.
type SpenderSource func(ctx context.Context) ([]string, error)

// Timer runs a scanner once on start and then on an interval.
type Timer struct {
	scanner  *Scanner
	spenders SpenderSource
	logger   *slog.Logger

	mu       sync.Mutex
	interval time.Duration

	reset    chan struct{}
	stop     chan struct{}
	stopOnce sync.Once
	done     chan struct{}
	running  atomic.Bool
}

// NewTimer creates a scan timer. A non-positive interval uses DefaultInterval.
func NewTimer(scanner *Scanner, spenders SpenderSource, interval time.Duration, logger *slog.Logger) *Timer {
	if interval <= 0 {
		interval = DefaultInterval
	}
	return &Timer{
		scanner:  scanner,
		spenders: spenders,
		logger:   logger,
		interval: interval,
		reset:    make(chan struct{}, 1),
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
}

// Running reports whether the timer loop is actively running.
func (t *Timer) Running() bool {
	return t.running.Load()
}

// Interval returns the current scan period.
func (t *Timer) Interval() time.Duration {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.interval
}

// SetInterval changes the scan period. The running loop restarts its
// ticker so the next cycle is one full new interval away.
func (t *Timer) SetInterval(d time.Duration) {
	if d <= 0 {
		return
	}
	t.mu.Lock()
	t.interval = d
	t.mu.Unlock()

	select {
	case t.reset <- struct{}{}:
	default:
	}
}

// Start runs one cycle immediately and then one per interval until ctx is
// cancelled or Stop is called. Call in a goroutine.
func (t *Timer) Start(ctx context.Context) {
	defer close(t.done)
	select {
	case <-t.stop:
		return
	default:
	}

	t.running.Store(true)
	defer t.running.Store(false)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		select {
		case <-t.stop:
			cancel()
		case <-ctx.Done():
		}
	}()

	t.safeRun(ctx)

	ticker := time.NewTicker(t.Interval())
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-t.reset:
			ticker.Reset(t.Interval())
		case <-ticker.C:
			t.safeRun(ctx)
		}
	}
}

// Stop signals the timer to stop and cancels a cycle in progress.
// Safe to call more than once, and before Start.
func (t *Timer) Stop() {
	t.stopOnce.Do(func() { close(t.stop) })
}

// Done is closed when Start returns.
func (t *Timer) Done() <-chan struct{} {
	return t.done
}

func (t *Timer) safeRun(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			t.logger.Error("panic in scan timer", "panic", fmt.Sprint(r))
		}
	}()

	spenders, err := t.spenders(ctx)
	if err != nil {
		if ctx.Err() == nil {
			t.logger.Warn("failed to load spenders for scan", "error", err)
		}
		return
	}
	if _, err := t.scanner.RunCycle(ctx, spenders); err != nil && ctx.Err() == nil {
		t.logger.Warn("scan cycle failed", "error", err)
	}
}
