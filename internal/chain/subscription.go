package chain

import (
	"context"
	"math/big"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
)

// subscription runs one delivery goroutine. Callbacks execute on that
// goroutine, so Unsubscribe must not be called from inside a callback.
type subscription struct {
	cancel  context.CancelFunc
	done    chan struct{}
	errc    chan error
	stopped atomic.Bool
	once    sync.Once
}

func newSubscription(cancel context.CancelFunc) *subscription {
	return &subscription{
		cancel: cancel,
		done:   make(chan struct{}),
		errc:   make(chan error, 1),
	}
}

func (s *subscription) Unsubscribe() {
	s.once.Do(func() {
		s.stopped.Store(true)
		s.cancel()
		<-s.done
		close(s.errc)
	})
}

func (s *subscription) Err() <-chan error { return s.errc }

// finish is deferred by the delivery goroutine.
func (s *subscription) finish() {
	if !s.stopped.Load() {
		s.errc <- ErrSubscriptionClosed
	}
	close(s.done)
}

// SubscribeApprovals streams Approval logs matching q to fn, in chain order.
// With a stream client it uses eth_subscribe and backfills across
// reconnects; otherwise it polls eth_getLogs every PollInterval.
// Logs removed by a reorg are skipped.
func (a *EthAdapter) SubscribeApprovals(ctx context.Context, q ApprovalQuery, fn func(Approval)) (Subscription, error) {
	filter, err := approvalFilter(q)
	if err != nil {
		return nil, err
	}

	start, err := a.blockNumber(ctx)
	if err != nil {
		return nil, err
	}

	subCtx, cancel := context.WithCancel(ctx)
	s := newSubscription(cancel)

	if a.stream != nil {
		first, err := a.openStream(subCtx, filter)
		if err == nil {
			go a.streamLoop(subCtx, s, filter, first, start, fn)
			return s, nil
		}
		a.logger.Warn("log subscription failed, falling back to polling", "token", q.Token, "error", err)
	}

	go a.pollLoop(subCtx, s, filter, start, fn)
	return s, nil
}

func approvalFilter(q ApprovalQuery) (ethereum.FilterQuery, error) {
	token, err := parseAddress(q.Token)
	if err != nil {
		return ethereum.FilterQuery{}, err
	}
	topics := [][]common.Hash{{ApprovalTopic}}
	if q.Owner != "" {
		owner, err := parseAddress(q.Owner)
		if err != nil {
			return ethereum.FilterQuery{}, err
		}
		topics = append(topics, []common.Hash{common.BytesToHash(owner.Bytes())})
	}
	return ethereum.FilterQuery{
		Addresses: []common.Address{token},
		Topics:    topics,
	}, nil
}

func (a *EthAdapter) pollLoop(ctx context.Context, s *subscription, filter ethereum.FilterQuery, last uint64, fn func(Approval)) {
	defer s.finish()

	ticker := time.NewTicker(a.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			current, err := a.blockNumber(ctx)
			if err != nil {
				if ctx.Err() == nil {
					a.logger.Error("approval poll failed", "error", err)
				}
				continue
			}
			if current <= last {
				continue
			}
			next, err := a.deliverRange(ctx, filter, last+1, current, fn)
			if err != nil && ctx.Err() == nil {
				a.logger.Error("approval log query failed", "from", last+1, "to", current, "error", err)
			}
			last = next
		}
	}
}

// deliverRange fetches [from, to] in MaxBlockRange chunks and delivers the
// decoded approvals. It returns the last block fully delivered, so a
// failed chunk is retried on the next call.
func (a *EthAdapter) deliverRange(ctx context.Context, filter ethereum.FilterQuery, from, to uint64, fn func(Approval)) (uint64, error) {
	done := from - 1
	for lo := from; lo <= to; {
		hi := lo + a.cfg.MaxBlockRange - 1
		if hi > to {
			hi = to
		}
		q := filter
		q.FromBlock = new(big.Int).SetUint64(lo)
		q.ToBlock = new(big.Int).SetUint64(hi)

		logs, err := a.filterLogs(ctx, q)
		if err != nil {
			return done, err
		}
		for _, l := range logs {
			if ctx.Err() != nil {
				return done, ctx.Err()
			}
			a.deliver(l, fn)
		}
		done = hi
		lo = hi + 1
	}
	return done, nil
}

func (a *EthAdapter) deliver(l types.Log, fn func(Approval)) {
	if l.Removed {
		approvalLogs.WithLabelValues("removed").Inc()
		return
	}
	ap, err := decodeApproval(l)
	if err != nil {
		approvalLogs.WithLabelValues("malformed").Inc()
		a.logger.Warn("skipping malformed approval log", "tx", l.TxHash.Hex(), "error", err)
		return
	}
	approvalLogs.WithLabelValues("delivered").Inc()
	fn(ap)
}

type stream struct {
	sub  ethereum.Subscription
	logs chan types.Log
}

func (a *EthAdapter) openStream(ctx context.Context, filter ethereum.FilterQuery) (*stream, error) {
	ch := make(chan types.Log, 128)
	sub, err := a.stream.SubscribeFilterLogs(ctx, filter, ch)
	if err != nil {
		return nil, &CallError{Method: "eth_subscribe", Err: err}
	}
	return &stream{sub: sub, logs: ch}, nil
}

// streamLoop pumps pushed logs. When the stream drops it reconnects with
// backoff and backfills the blocks it may have missed before reading the
// new stream.
func (a *EthAdapter) streamLoop(ctx context.Context, s *subscription, filter ethereum.FilterQuery, st *stream, last uint64, fn func(Approval)) {
	defer s.finish()

	// floor is the highest block delivered by backfill. Pushed logs at or
	// below it were already delivered.
	var floor uint64
	delay := a.cfg.RetryDelay
	for {
		last = a.pump(ctx, st, last, floor, fn)
		st.sub.Unsubscribe()
		if ctx.Err() != nil {
			return
		}
		streamReconnects.Inc()

		for {
			select {
			case <-ctx.Done():
				return
			case <-time.After(delay):
			}
			var err error
			st, err = a.openStream(ctx, filter)
			if err == nil {
				delay = a.cfg.RetryDelay
				break
			}
			a.logger.Warn("log resubscribe failed", "error", err, "retryIn", delay)
			if delay < 30*time.Second {
				delay *= 2
			}
		}

		last = a.backfill(ctx, filter, last, fn)
		floor = last
	}
}

// backfill delivers every block after last up to the current head. It keeps
// partial progress and retries with backoff until the range is covered or
// ctx ends, returning the last block delivered.
func (a *EthAdapter) backfill(ctx context.Context, filter ethereum.FilterQuery, last uint64, fn func(Approval)) uint64 {
	delay := a.cfg.RetryDelay
	for {
		current, err := a.blockNumber(ctx)
		switch {
		case err != nil:
			if ctx.Err() == nil {
				a.logger.Error("approval backfill head lookup failed", "error", err)
			}
		case current <= last:
			return last
		default:
			var next uint64
			next, err = a.deliverRange(ctx, filter, last+1, current, fn)
			last = next
			if err == nil {
				return last
			}
			if ctx.Err() == nil {
				a.logger.Error("approval backfill failed", "from", last+1, "to", current, "error", err)
			}
		}

		select {
		case <-ctx.Done():
			return last
		case <-time.After(delay):
		}
		if delay < 30*time.Second {
			delay *= 2
		}
	}
}

// pump delivers logs until the stream errors or ctx ends, returning the
// highest block seen. Logs at or below floor are skipped.
func (a *EthAdapter) pump(ctx context.Context, st *stream, last, floor uint64, fn func(Approval)) uint64 {
	for {
		select {
		case <-ctx.Done():
			return last
		case err := <-st.sub.Err():
			if err != nil {
				a.logger.Warn("log subscription dropped", "error", err)
			}
			return last
		case l := <-st.logs:
			if floor > 0 && l.BlockNumber <= floor {
				continue
			}
			a.deliver(l, fn)
			if l.BlockNumber > last {
				last = l.BlockNumber
			}
		}
	}
}
