package chain

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"math/big"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/holiman/uint256"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	tokenAddr   = common.HexToAddress("0x78F623e9408Cc8caC5a64B1623cdDd793fdFeB57")
	ownerAddr   = common.HexToAddress("0xaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa")
	spenderAddr = common.HexToAddress("0xbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbb")
)

// fakeClient is an in-memory EthClient.
type fakeClient struct {
	mu         sync.Mutex
	allowances map[[2]common.Address]*big.Int
	code       map[common.Address][]byte
	meta       map[string][]byte // method → packed output
	block      uint64
	logs       []types.Log
	callErr    error
	blockFails int // BlockNumber calls left to fail
	logFails   int    // FilterLogs calls left to fail
	failFrom   uint64 // FilterLogs fails for ranges starting at or above this block
	logQueries int
	empty      bool
	callCount  int
	subCh      chan<- types.Log
	subErr     chan error
	subscribed chan struct{}
}

func newFakeClient() *fakeClient {
	return &fakeClient{
		allowances: make(map[[2]common.Address]*big.Int),
		code:       make(map[common.Address][]byte),
		meta:       make(map[string][]byte),
		block:      100,
		subscribed: make(chan struct{}, 4),
	}
}

func (f *fakeClient) CallContract(_ context.Context, call ethereum.CallMsg, _ *big.Int) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.callCount++
	if f.callErr != nil {
		return nil, f.callErr
	}
	if f.empty {
		return nil, nil
	}

	method, err := erc20.MethodById(call.Data[:4])
	if err != nil {
		return nil, err
	}
	if method.Name != "allowance" {
		return f.meta[method.Name], nil
	}
	args, err := method.Inputs.Unpack(call.Data[4:])
	if err != nil {
		return nil, err
	}
	key := [2]common.Address{args[0].(common.Address), args[1].(common.Address)}
	v := f.allowances[key]
	if v == nil {
		v = new(big.Int)
	}
	return method.Outputs.Pack(v)
}

func (f *fakeClient) CodeAt(_ context.Context, account common.Address, _ *big.Int) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.code[account], nil
}

func (f *fakeClient) BlockNumber(context.Context) (uint64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.blockFails > 0 {
		f.blockFails--
		return 0, errors.New("connection reset")
	}
	return f.block, nil
}

func (f *fakeClient) FilterLogs(_ context.Context, q ethereum.FilterQuery) ([]types.Log, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.logQueries++
	if f.logFails > 0 {
		f.logFails--
		return nil, errors.New("query timeout")
	}
	if f.failFrom > 0 && q.FromBlock.Uint64() >= f.failFrom {
		return nil, errors.New("query timeout")
	}
	var out []types.Log
	for _, l := range f.logs {
		if l.BlockNumber >= q.FromBlock.Uint64() && l.BlockNumber <= q.ToBlock.Uint64() {
			out = append(out, l)
		}
	}
	return out, nil
}

func (f *fakeClient) SubscribeFilterLogs(_ context.Context, _ ethereum.FilterQuery, ch chan<- types.Log) (ethereum.Subscription, error) {
	f.mu.Lock()
	f.subCh = ch
	f.subErr = make(chan error, 1)
	sub := &fakeSub{err: f.subErr}
	f.mu.Unlock()
	f.subscribed <- struct{}{}
	return sub, nil
}

func (f *fakeClient) Close() {}

func (f *fakeClient) setBlock(n uint64) {
	f.mu.Lock()
	f.block = n
	f.mu.Unlock()
}

func (f *fakeClient) addLog(l types.Log) {
	f.mu.Lock()
	f.logs = append(f.logs, l)
	f.mu.Unlock()
}

type fakeSub struct {
	err  chan error
	once sync.Once
}

func (s *fakeSub) Unsubscribe()      { s.once.Do(func() {}) }
func (s *fakeSub) Err() <-chan error { return s.err }

func approvalLog(block uint64, owner, spender common.Address, value *big.Int) types.Log {
	data, err := erc20.Events["Approval"].Inputs.NonIndexed().Pack(value)
	if err != nil {
		panic(err)
	}
	return types.Log{
		Address:     tokenAddr,
		Topics:      []common.Hash{ApprovalTopic, common.BytesToHash(owner.Bytes()), common.BytesToHash(spender.Bytes())},
		Data:        data,
		BlockNumber: block,
		TxHash:      common.BigToHash(big.NewInt(int64(block))),
	}
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestAdapter(t *testing.T, client *fakeClient, opts ...Option) *EthAdapter {
	t.Helper()
	cfg := DefaultConfig()
	cfg.PollInterval = 10 * time.Millisecond
	cfg.RetryDelay = time.Millisecond
	cfg.MaxAttempts = 2
	cfg.BreakerThreshold = 3
	cfg.BreakerOpenDuration = time.Minute
	opts = append([]Option{WithClient(client), WithLogger(quietLogger())}, opts...)
	a, err := New(context.Background(), cfg, opts...)
	require.NoError(t, err)
	return a
}

func TestApprovalTopic(t *testing.T) {
	assert.Equal(t,
		common.HexToHash("0x8c5be1e5ebec7d5bd14f71427d1e84f3dd0314c0f7b2291e5b200ac8c7c3b925"),
		ApprovalTopic)
}

func TestAllowance(t *testing.T) {
	client := newFakeClient()
	maxU := new(big.Int).Sub(new(big.Int).Lsh(big.NewInt(1), 256), big.NewInt(1))
	client.allowances[[2]common.Address{ownerAddr, spenderAddr}] = maxU
	a := newTestAdapter(t, client)

	got, err := a.Allowance(context.Background(), tokenAddr.Hex(), ownerAddr.Hex(), spenderAddr.Hex())
	require.NoError(t, err)
	assert.Equal(t, new(uint256.Int).SetAllOne(), got)

	got, err = a.Allowance(context.Background(), tokenAddr.Hex(), spenderAddr.Hex(), ownerAddr.Hex())
	require.NoError(t, err)
	assert.True(t, got.IsZero())
}

func TestAllowance_InvalidAddress(t *testing.T) {
	a := newTestAdapter(t, newFakeClient())
	_, err := a.Allowance(context.Background(), "nope", ownerAddr.Hex(), spenderAddr.Hex())
	assert.Error(t, err)
}

func TestAllowance_EmptyReturnIsNotERC20(t *testing.T) {
	client := newFakeClient()
	client.empty = true
	a := newTestAdapter(t, client)

	_, err := a.Allowance(context.Background(), tokenAddr.Hex(), ownerAddr.Hex(), spenderAddr.Hex())
	assert.ErrorIs(t, err, ErrNotERC20)
}

func TestCodeAndIsContract(t *testing.T) {
	client := newFakeClient()
	client.code[spenderAddr] = []byte{0x60, 0x80}
	a := newTestAdapter(t, client)
	ctx := context.Background()

	ok, err := IsContract(ctx, a, spenderAddr.Hex())
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = IsContract(ctx, a, ownerAddr.Hex())
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestRPCFailure_RetriesThenTripsBreaker(t *testing.T) {
	client := newFakeClient()
	client.callErr = errors.New("connection refused")
	a := newTestAdapter(t, client)
	ctx := context.Background()

	_, err := a.Allowance(ctx, tokenAddr.Hex(), ownerAddr.Hex(), spenderAddr.Hex())
	var callErr *CallError
	require.ErrorAs(t, err, &callErr)
	assert.Equal(t, "eth_call", callErr.Method)
	assert.Equal(t, 2, client.callCount, "one retry")

	// Third failure trips the breaker (threshold 3).
	_, _ = a.Allowance(ctx, tokenAddr.Hex(), ownerAddr.Hex(), spenderAddr.Hex())
	_, err = a.Allowance(ctx, tokenAddr.Hex(), ownerAddr.Hex(), spenderAddr.Hex())
	assert.ErrorIs(t, err, ErrCircuitOpen)
	assert.Contains(t, a.Breaker().OpenKeys(), "eth_call")

	// Other methods are unaffected.
	_, err = a.Code(ctx, spenderAddr.Hex())
	assert.NoError(t, err)
}

func TestTokenInfo(t *testing.T) {
	client := newFakeClient()
	client.meta["symbol"], _ = erc20.Methods["symbol"].Outputs.Pack("tUSD")
	client.meta["name"], _ = erc20.Methods["name"].Outputs.Pack("Test USD")
	client.meta["decimals"], _ = erc20.Methods["decimals"].Outputs.Pack(uint8(6))
	a := newTestAdapter(t, client)

	info, err := a.TokenInfo(context.Background(), tokenAddr.Hex())
	require.NoError(t, err)
	assert.Equal(t, Token{Address: lowerHex(tokenAddr), Symbol: "tUSD", Name: "Test USD", Decimals: 6}, info)

	calls := client.callCount
	_, _ = a.TokenInfo(context.Background(), tokenAddr.Hex())
	assert.Equal(t, calls, client.callCount, "second lookup is cached")
}

func TestTokenInfo_Fallbacks(t *testing.T) {
	a := newTestAdapter(t, newFakeClient())

	info, err := a.TokenInfo(context.Background(), tokenAddr.Hex())
	require.NoError(t, err)
	assert.Equal(t, UnknownSymbol, info.Symbol)
	assert.Equal(t, UnknownName, info.Name)
	assert.Equal(t, uint8(18), info.Decimals)
}

func TestDecodeApproval(t *testing.T) {
	l := approvalLog(7, ownerAddr, spenderAddr, big.NewInt(1000))
	ap, err := decodeApproval(l)
	require.NoError(t, err)
	assert.Equal(t, lowerHex(ownerAddr), ap.Owner)
	assert.Equal(t, lowerHex(spenderAddr), ap.Spender)
	assert.Equal(t, lowerHex(tokenAddr), ap.Token)
	assert.Equal(t, uint64(1000), ap.Value.Uint64())
	assert.Equal(t, uint64(7), ap.BlockNumber)

	l.Topics = l.Topics[:2]
	_, err = decodeApproval(l)
	assert.Error(t, err)
}

func collect() (func(Approval), func() []Approval) {
	var mu sync.Mutex
	var got []Approval
	return func(ap Approval) {
			mu.Lock()
			got = append(got, ap)
			mu.Unlock()
		}, func() []Approval {
			mu.Lock()
			defer mu.Unlock()
			return append([]Approval(nil), got...)
		}
}

func TestSubscribeApprovals_Polling(t *testing.T) {
	client := newFakeClient()
	a := newTestAdapter(t, client)

	fn, got := collect()
	sub, err := a.SubscribeApprovals(context.Background(), ApprovalQuery{Token: tokenAddr.Hex(), Owner: ownerAddr.Hex()}, fn)
	require.NoError(t, err)

	// Logs at or before the start block are not replayed.
	client.addLog(approvalLog(100, ownerAddr, spenderAddr, big.NewInt(1)))
	client.addLog(approvalLog(101, ownerAddr, spenderAddr, big.NewInt(2)))
	removed := approvalLog(102, ownerAddr, spenderAddr, big.NewInt(3))
	removed.Removed = true
	client.addLog(removed)
	client.addLog(approvalLog(103, ownerAddr, spenderAddr, big.NewInt(4)))
	client.setBlock(103)

	require.Eventually(t, func() bool { return len(got()) == 2 }, time.Second, 5*time.Millisecond)
	sub.Unsubscribe()

	aps := got()
	assert.Equal(t, uint64(2), aps[0].Value.Uint64())
	assert.Equal(t, uint64(4), aps[1].Value.Uint64())

	// Closed after Unsubscribe, no error delivered.
	_, open := <-sub.Err()
	assert.False(t, open)
}

func TestSubscribeApprovals_NoCallbacksAfterUnsubscribe(t *testing.T) {
	client := newFakeClient()
	a := newTestAdapter(t, client)

	fn, got := collect()
	sub, err := a.SubscribeApprovals(context.Background(), ApprovalQuery{Token: tokenAddr.Hex()}, fn)
	require.NoError(t, err)
	sub.Unsubscribe()

	client.addLog(approvalLog(101, ownerAddr, spenderAddr, big.NewInt(1)))
	client.setBlock(101)
	time.Sleep(50 * time.Millisecond)
	assert.Empty(t, got())
}

func TestSubscribeApprovals_StreamWithBackfill(t *testing.T) {
	rpc := newFakeClient()
	ws := newFakeClient()
	a := newTestAdapter(t, rpc, WithStreamClient(ws))

	fn, got := collect()
	sub, err := a.SubscribeApprovals(context.Background(), ApprovalQuery{Token: tokenAddr.Hex()}, fn)
	require.NoError(t, err)
	defer sub.Unsubscribe()
	<-ws.subscribed

	ws.mu.Lock()
	ch, errc := ws.subCh, ws.subErr
	ws.mu.Unlock()
	ch <- approvalLog(101, ownerAddr, spenderAddr, big.NewInt(1))
	require.Eventually(t, func() bool { return len(got()) == 1 }, time.Second, 5*time.Millisecond)

	// Drop the stream; a log lands while disconnected and is backfilled.
	rpc.addLog(approvalLog(102, ownerAddr, spenderAddr, big.NewInt(2)))
	rpc.setBlock(102)
	errc <- errors.New("websocket: close 1006")

	<-ws.subscribed
	require.Eventually(t, func() bool { return len(got()) == 2 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, uint64(2), got()[1].Value.Uint64())
}

// dropStream subscribes through ws, pushes one log at block 101, runs
// whileDown and then fails the stream so the adapter reconnects.
func dropStream(t *testing.T, a *EthAdapter, ws *fakeClient, fn func(Approval), got func() []Approval, whileDown func()) Subscription {
	t.Helper()
	sub, err := a.SubscribeApprovals(context.Background(), ApprovalQuery{Token: tokenAddr.Hex()}, fn)
	require.NoError(t, err)
	<-ws.subscribed

	ws.mu.Lock()
	ch, errc := ws.subCh, ws.subErr
	ws.mu.Unlock()
	ch <- approvalLog(101, ownerAddr, spenderAddr, big.NewInt(1))
	require.Eventually(t, func() bool { return len(got()) == 1 }, time.Second, 5*time.Millisecond)

	whileDown()
	errc <- errors.New("websocket: close 1006")
	<-ws.subscribed
	return sub
}

func TestSubscribeApprovals_BackfillRetriesFailedQuery(t *testing.T) {
	rpc := newFakeClient()
	ws := newFakeClient()
	a := newTestAdapter(t, rpc, WithStreamClient(ws))
	fn, got := collect()

	sub := dropStream(t, a, ws, fn, got, func() {
		rpc.mu.Lock()
		defer rpc.mu.Unlock()
		rpc.logs = append(rpc.logs, approvalLog(105, ownerAddr, spenderAddr, big.NewInt(2)))
		rpc.block = 110
		rpc.logFails = 2 // every attempt of the first eth_getLogs call
	})
	defer sub.Unsubscribe()

	require.Eventually(t, func() bool { return len(got()) == 2 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, uint64(2), got()[1].Value.Uint64())

	rpc.mu.Lock()
	assert.GreaterOrEqual(t, rpc.logQueries, 3)
	rpc.mu.Unlock()

	// Pushed logs already covered by the backfill are not repeated.
	ws.mu.Lock()
	ch := ws.subCh
	ws.mu.Unlock()
	ch <- approvalLog(105, ownerAddr, spenderAddr, big.NewInt(2))
	ch <- approvalLog(111, ownerAddr, spenderAddr, big.NewInt(3))
	require.Eventually(t, func() bool { return len(got()) == 3 }, time.Second, 5*time.Millisecond)
	time.Sleep(20 * time.Millisecond)
	require.Len(t, got(), 3)
	assert.Equal(t, uint64(3), got()[2].Value.Uint64())
}

func TestSubscribeApprovals_BackfillRetriesHeadLookup(t *testing.T) {
	rpc := newFakeClient()
	ws := newFakeClient()
	a := newTestAdapter(t, rpc, WithStreamClient(ws))
	fn, got := collect()

	sub := dropStream(t, a, ws, fn, got, func() {
		rpc.mu.Lock()
		defer rpc.mu.Unlock()
		rpc.logs = append(rpc.logs, approvalLog(104, ownerAddr, spenderAddr, big.NewInt(7)))
		rpc.block = 104
		rpc.blockFails = 2 // every attempt of the first eth_blockNumber call
	})
	defer sub.Unsubscribe()

	require.Eventually(t, func() bool { return len(got()) == 2 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, uint64(7), got()[1].Value.Uint64())
}

func TestDeliverRange_KeepsPartialProgress(t *testing.T) {
	client := newFakeClient()
	a := newTestAdapter(t, client)
	a.cfg.MaxBlockRange = 10

	client.addLog(approvalLog(105, ownerAddr, spenderAddr, big.NewInt(1)))
	client.addLog(approvalLog(115, ownerAddr, spenderAddr, big.NewInt(2)))
	client.mu.Lock()
	client.failFrom = 111
	client.mu.Unlock()

	filter, err := approvalFilter(ApprovalQuery{Token: tokenAddr.Hex()})
	require.NoError(t, err)
	fn, got := collect()

	next, err := a.deliverRange(context.Background(), filter, 101, 130, fn)
	require.Error(t, err)
	assert.Equal(t, uint64(110), next, "first chunk stays delivered")
	assert.Len(t, got(), 1)
}

func TestCallError(t *testing.T) {
	inner := errors.New("timeout")
	err := &CallError{Method: "eth_getLogs", Err: inner}
	assert.Equal(t, "chain: eth_getLogs failed: timeout", err.Error())
	assert.ErrorIs(t, err, inner)
}
