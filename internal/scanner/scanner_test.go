package scanner

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/holiman/uint256"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/telanks/wallet-guard/internal/chain/chaintest"
	"github.com/telanks/wallet-guard/internal/logging"
	"github.com/telanks/wallet-guard/internal/risk"
)

const (
	token    = "0x78f623e9408cc8cac5a64b1623cddd793fdfeb57"
	owner    = "0xaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa"
	spenderB = "0xbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbb"
	spenderC = "0xcccccccccccccccccccccccccccccccccccccccc"
)

// syncBuffer collects log output written from concurrent scans.
type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

// records returns every JSON log record with the given message.
func (b *syncBuffer) records(msg string) []map[string]any {
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []map[string]any
	for _, line := range strings.Split(strings.TrimSpace(b.buf.String()), "\n") {
		if line == "" {
			continue
		}
		var rec map[string]any
		if json.Unmarshal([]byte(line), &rec) == nil && rec["msg"] == msg {
			out = append(out, rec)
		}
	}
	return out
}

type recordingPublisher struct {
	mu     sync.Mutex
	events []*risk.Event
}

func (p *recordingPublisher) Publish(_ context.Context, e *risk.Event) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, e)
	return nil
}

func (p *recordingPublisher) count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.events)
}

func newScanner(t *testing.T, adapter *chaintest.Adapter, pub Publisher, publish bool) (*Scanner, *syncBuffer) {
	t.Helper()
	logs := &syncBuffer{}
	s, err := New(Config{Owner: owner, Token: token, Concurrency: 2, Publish: publish}, adapter, pub, logging.NewWriter(logs, "info", "json"))
	require.NoError(t, err)
	return s, logs
}

func TestRunCycle_BaselineThenChange(t *testing.T) {
	adapter := chaintest.New()
	adapter.SetContract(spenderC)
	s, logs := newScanner(t, adapter, nil, false)
	ctx := context.Background()

	// Cycle 1: baseline, no alert.
	adapter.SetAllowance(token, owner, spenderC, uint256.NewInt(1000))
	results, err := s.RunCycle(ctx, []string{spenderC})
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.True(t, results[0].Baseline)
	assert.False(t, results[0].Changed)
	snap, ok := s.Snapshot(spenderC)
	require.True(t, ok)
	assert.Equal(t, uint64(1000), snap.Uint64())
	assert.Empty(t, logs.records("allowance changed"))
	assert.Equal(t, 0, adapter.CodeCalls(), "baseline is not classified")

	// Cycle 2: same value, no change log.
	results, err = s.RunCycle(ctx, []string{spenderC})
	require.NoError(t, err)
	assert.False(t, results[0].Baseline)
	assert.False(t, results[0].Changed)
	assert.Equal(t, risk.LevelSafe, results[0].Verdict.Level)
	assert.Empty(t, logs.records("allowance changed"))

	// Cycle 3: revoked to zero.
	adapter.SetAllowance(token, owner, spenderC, uint256.NewInt(0))
	results, err = s.RunCycle(ctx, []string{spenderC})
	require.NoError(t, err)
	assert.True(t, results[0].Changed)
	assert.Equal(t, uint64(1000), results[0].Previous.Uint64())

	changed := logs.records("allowance changed")
	require.Len(t, changed, 1)
	assert.Equal(t, "1000", changed[0]["old"])
	assert.Equal(t, "0", changed[0]["new"])
	assert.Equal(t, spenderC, changed[0]["spender"])

	snap, _ = s.Snapshot(spenderC)
	assert.True(t, snap.IsZero())
}

func TestRunCycle_ClassifiesAsWhitelisted(t *testing.T) {
	adapter := chaintest.New()
	adapter.SetContract(spenderB)
	s, logs := newScanner(t, adapter, nil, false)
	ctx := context.Background()

	adapter.SetAllowance(token, owner, spenderB, uint256.NewInt(1))
	adapter.SetAllowance(token, owner, spenderC, uint256.NewInt(1))
	_, err := s.RunCycle(ctx, []string{spenderB, spenderC})
	require.NoError(t, err)

	adapter.SetAllowance(token, owner, spenderB, risk.MaxUint256)
	results, err := s.RunCycle(ctx, []string{spenderB, spenderC})
	require.NoError(t, err)

	// B: contract, unlimited.
	assert.Equal(t, risk.LevelDanger, results[0].Verdict.Level)
	assert.Equal(t, []string{risk.ReasonUnlimited}, results[0].Verdict.Reasons)
	// C: EOA, never "not whitelisted".
	assert.Equal(t, risk.LevelDanger, results[1].Verdict.Level)
	assert.Equal(t, []string{risk.ReasonEOA}, results[1].Verdict.Reasons)

	assert.Len(t, logs.records("allowance risk detected"), 2)
}

func TestRunCycle_ReadErrorDoesNotStopCycle(t *testing.T) {
	adapter := chaintest.New()
	adapter.FailAllowance(spenderB, errors.New("connection reset"))
	adapter.SetAllowance(token, owner, spenderC, uint256.NewInt(7))
	s, logs := newScanner(t, adapter, nil, false)

	results, err := s.RunCycle(context.Background(), []string{spenderB, spenderC})
	require.NoError(t, err)
	assert.Error(t, results[0].Err)
	assert.NoError(t, results[1].Err)
	assert.True(t, results[1].Baseline)

	_, ok := s.Snapshot(spenderB)
	assert.False(t, ok, "failed read leaves no snapshot")
	assert.Len(t, logs.records("allowance read failed"), 1)
}

func TestRunCycle_NormalizesSpenders(t *testing.T) {
	adapter := chaintest.New()
	s, _ := newScanner(t, adapter, nil, false)

	results, err := s.RunCycle(context.Background(), []string{strings.ToUpper("0x" + spenderB[2:]), "not-an-address"})
	require.NoError(t, err)
	assert.Equal(t, spenderB, results[0].Spender)
	assert.Error(t, results[1].Err)

	_, ok := s.Snapshot(spenderB)
	assert.True(t, ok)
}

func TestRunCycle_PublishesChangedRiskWhenEnabled(t *testing.T) {
	adapter := chaintest.New()
	pub := &recordingPublisher{}
	s, _ := newScanner(t, adapter, pub, true)
	ctx := context.Background()

	adapter.SetAllowance(token, owner, spenderC, uint256.NewInt(5))
	_, err := s.RunCycle(ctx, []string{spenderC})
	require.NoError(t, err)

	// Unchanged risky allowance: logged, not published.
	_, err = s.RunCycle(ctx, []string{spenderC})
	require.NoError(t, err)
	assert.Equal(t, 0, pub.count())

	adapter.SetAllowance(token, owner, spenderC, uint256.NewInt(6))
	_, err = s.RunCycle(ctx, []string{spenderC})
	require.NoError(t, err)
	require.Equal(t, 1, pub.count())

	e := pub.events[0]
	assert.Equal(t, risk.SourceScanner, e.Source)
	assert.True(t, e.IsWhitelisted)
	assert.Equal(t, "6", e.Allowance)
}

func TestRunCycle_PublishingOffByDefault(t *testing.T) {
	adapter := chaintest.New()
	pub := &recordingPublisher{}
	s, _ := newScanner(t, adapter, pub, false)
	ctx := context.Background()

	adapter.SetAllowance(token, owner, spenderC, uint256.NewInt(5))
	_, _ = s.RunCycle(ctx, []string{spenderC})
	adapter.SetAllowance(token, owner, spenderC, uint256.NewInt(6))
	_, _ = s.RunCycle(ctx, []string{spenderC})
	assert.Equal(t, 0, pub.count())
}

func TestRunCycle_CancelledContext(t *testing.T) {
	s, _ := newScanner(t, chaintest.New(), nil, false)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := s.RunCycle(ctx, []string{spenderB})
	assert.ErrorIs(t, err, context.Canceled)
}

func TestNew_Validation(t *testing.T) {
	_, err := New(Config{Owner: "0x12", Token: token}, chaintest.New(), nil, logging.Discard())
	assert.Error(t, err)
	_, err = New(Config{Owner: owner, Token: token, Publish: true}, chaintest.New(), nil, logging.Discard())
	assert.Error(t, err)
}

func TestTimer_RunsImmediatelyAndOnInterval(t *testing.T) {
	adapter := chaintest.New()
	adapter.SetAllowance(token, owner, spenderC, uint256.NewInt(1))
	s, _ := newScanner(t, adapter, nil, false)

	var mu sync.Mutex
	cycles := 0
	source := func(context.Context) ([]string, error) {
		mu.Lock()
		cycles++
		mu.Unlock()
		return []string{spenderC}, nil
	}
	count := func() int {
		mu.Lock()
		defer mu.Unlock()
		return cycles
	}

	timer := NewTimer(s, source, time.Hour, logging.Discard())
	go timer.Start(context.Background())

	require.Eventually(t, func() bool { return count() == 1 }, time.Second, 5*time.Millisecond)
	assert.True(t, timer.Running())

	timer.SetInterval(10 * time.Millisecond)
	assert.Equal(t, 10*time.Millisecond, timer.Interval())
	require.Eventually(t, func() bool { return count() >= 3 }, time.Second, 5*time.Millisecond)

	timer.Stop()
	select {
	case <-timer.Done():
	case <-time.After(time.Second):
		t.Fatal("timer did not stop")
	}
	assert.False(t, timer.Running())
}

func TestTimer_StopBeforeStart(t *testing.T) {
	s, _ := newScanner(t, chaintest.New(), nil, false)
	called := false
	timer := NewTimer(s, func(context.Context) ([]string, error) {
		called = true
		return nil, nil
	}, time.Second, logging.Discard())

	timer.Stop()
	timer.Stop()
	timer.Start(context.Background())
	assert.False(t, called)
}

func TestTimer_SourceErrorAndPanicAreContained(t *testing.T) {
	s, _ := newScanner(t, chaintest.New(), nil, false)
	var mu sync.Mutex
	n := 0
	timer := NewTimer(s, func(context.Context) ([]string, error) {
		mu.Lock()
		n++
		calls := n
		mu.Unlock()
		if calls == 1 {
			return nil, errors.New("db down")
		}
		panic("boom")
	}, 5*time.Millisecond, logging.Discard())

	ctx, cancel := context.WithCancel(context.Background())
	go timer.Start(ctx)
	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return n >= 3
	}, time.Second, 5*time.Millisecond)
	cancel()
	<-timer.Done()
}
