package chain

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/holiman/uint256"
	"github.com/telanks/wallet-guard/internal/circuitbreaker"
	"github.com/telanks/wallet-guard/internal/retry"
	"github.com/telanks/wallet-guard/internal/traces"
	"github.com/telanks/wallet-guard/internal/validation"
)

// EthClient abstracts the go-ethereum client for testing.
// *ethclient.Client satisfies it.
type EthClient interface {
	CallContract(ctx context.Context, call ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
	CodeAt(ctx context.Context, account common.Address, blockNumber *big.Int) ([]byte, error)
	BlockNumber(ctx context.Context) (uint64, error)
	FilterLogs(ctx context.Context, q ethereum.FilterQuery) ([]types.Log, error)
	SubscribeFilterLogs(ctx context.Context, q ethereum.FilterQuery, ch chan<- types.Log) (ethereum.Subscription, error)
	Close()
}

// Config for the Ethereum adapter.
type Config struct {
	RPCURL string
	// WSURL enables push subscriptions. Empty means poll with eth_getLogs.
	WSURL               string
	PollInterval        time.Duration
	MaxBlockRange       uint64
	DefaultDecimals     uint8
	MaxAttempts         int
	RetryDelay          time.Duration
	BreakerThreshold    int
	BreakerOpenDuration time.Duration
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		PollInterval:        5 * time.Second,
		MaxBlockRange:       2000,
		DefaultDecimals:     18,
		MaxAttempts:         3,
		RetryDelay:          250 * time.Millisecond,
		BreakerThreshold:    5,
		BreakerOpenDuration: 30 * time.Second,
	}
}

// Option configures the adapter.
type Option func(*EthAdapter)

// WithClient sets the request/response client (useful for testing).
func WithClient(c EthClient) Option {
	return func(a *EthAdapter) { a.client = c }
}

// WithStreamClient sets the client used for log subscriptions.
func WithStreamClient(c EthClient) Option {
	return func(a *EthAdapter) { a.stream = c }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(a *EthAdapter) { a.logger = l }
}

// EthAdapter implements Adapter over JSON-RPC.
type EthAdapter struct {
	client  EthClient
	stream  EthClient
	cfg     Config
	retry   retry.Policy
	breaker *circuitbreaker.Breaker
	logger  *slog.Logger

	tokens sync.Map // token address → Token
}

var _ Adapter = (*EthAdapter)(nil)

// New creates an adapter. Clients not supplied through options are dialed
// from cfg.RPCURL and cfg.WSURL.
func New(ctx context.Context, cfg Config, opts ...Option) (*EthAdapter, error) {
	def := DefaultConfig()
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = def.PollInterval
	}
	if cfg.MaxBlockRange == 0 {
		cfg.MaxBlockRange = def.MaxBlockRange
	}
	if cfg.DefaultDecimals == 0 {
		cfg.DefaultDecimals = def.DefaultDecimals
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = def.MaxAttempts
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = def.RetryDelay
	}

	a := &EthAdapter{
		cfg:     cfg,
		breaker: circuitbreaker.New(cfg.BreakerThreshold, cfg.BreakerOpenDuration),
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(a)
	}

	a.retry = retry.Policy{
		MaxAttempts: cfg.MaxAttempts,
		BaseDelay:   cfg.RetryDelay,
		MaxDelay:    10 * time.Second,
	}
	a.breaker.OnTransition(func(key string, from, to circuitbreaker.State) {
		a.logger.Warn("rpc circuit state changed", "method", key, "from", from.String(), "to", to.String())
	})

	if a.client == nil {
		if cfg.RPCURL == "" {
			return nil, errors.New("chain: RPC URL required")
		}
		c, err := ethclient.DialContext(ctx, cfg.RPCURL)
		if err != nil {
			return nil, fmt.Errorf("chain: failed to connect to RPC: %w", err)
		}
		a.client = c
	}
	if a.stream == nil && cfg.WSURL != "" {
		c, err := ethclient.DialContext(ctx, cfg.WSURL)
		if err != nil {
			a.logger.Warn("websocket RPC unavailable, falling back to polling", "error", err)
		} else {
			a.stream = c
		}
	}
	return a, nil
}

// Close releases the RPC connections.
func (a *EthAdapter) Close() {
	a.client.Close()
	if a.stream != nil {
		a.stream.Close()
	}
}

// Breaker exposes the per-method circuit breaker for health reporting.
func (a *EthAdapter) Breaker() *circuitbreaker.Breaker {
	return a.breaker
}

// Ping checks RPC reachability.
func (a *EthAdapter) Ping(ctx context.Context) error {
	_, err := a.blockNumber(ctx)
	return err
}

// Allowance reads token.allowance(owner, spender) at the latest block.
func (a *EthAdapter) Allowance(ctx context.Context, token, owner, spender string) (*uint256.Int, error) {
	tokenAddr, err := parseAddress(token)
	if err != nil {
		return nil, err
	}
	ownerAddr, err := parseAddress(owner)
	if err != nil {
		return nil, err
	}
	spenderAddr, err := parseAddress(spender)
	if err != nil {
		return nil, err
	}
	data, err := packAllowance(ownerAddr, spenderAddr)
	if err != nil {
		return nil, fmt.Errorf("chain: pack allowance: %w", err)
	}

	out, err := a.callContract(ctx, tokenAddr, data)
	if err != nil {
		return nil, err
	}
	return unpackUint256("allowance", out)
}

// Code returns the deployed bytecode at address (empty for an EOA).
func (a *EthAdapter) Code(ctx context.Context, address string) ([]byte, error) {
	addr, err := parseAddress(address)
	if err != nil {
		return nil, err
	}
	var code []byte
	err = a.do(ctx, "eth_getCode", func(ctx context.Context) error {
		var err error
		code, err = a.client.CodeAt(ctx, addr, nil)
		return err
	})
	return code, err
}

// TokenInfo returns symbol, name and decimals. Methods the token does not
// implement fall back to UnknownSymbol, UnknownName and the configured
// default decimals. Results are cached unless an RPC failed.
func (a *EthAdapter) TokenInfo(ctx context.Context, token string) (Token, error) {
	tokenAddr, err := parseAddress(token)
	if err != nil {
		return Token{}, err
	}
	key := lowerHex(tokenAddr)
	if cached, ok := a.tokens.Load(key); ok {
		return cached.(Token), nil
	}

	info := Token{
		Address:  key,
		Symbol:   UnknownSymbol,
		Name:     UnknownName,
		Decimals: a.cfg.DefaultDecimals,
	}
	transient := false
	read := func(method string) []byte {
		data, _ := erc20.Pack(method)
		out, err := a.callContract(ctx, tokenAddr, data)
		if err != nil {
			transient = true
			a.logger.Debug("token metadata call failed", "token", key, "method", method, "error", err)
			return nil
		}
		return out
	}

	if out := read("symbol"); out != nil {
		if s, err := unpackString("symbol", out); err == nil && s != "" {
			info.Symbol = s
		}
	}
	if out := read("name"); out != nil {
		if s, err := unpackString("name", out); err == nil && s != "" {
			info.Name = s
		}
	}
	if out := read("decimals"); out != nil {
		if d, err := unpackUint8("decimals", out); err == nil {
			info.Decimals = d
		}
	}

	if !transient {
		a.tokens.Store(key, info)
	}
	return info, nil
}

func (a *EthAdapter) callContract(ctx context.Context, to common.Address, data []byte) ([]byte, error) {
	var out []byte
	err := a.do(ctx, "eth_call", func(ctx context.Context) error {
		var err error
		out, err = a.client.CallContract(ctx, ethereum.CallMsg{To: &to, Data: data}, nil)
		return err
	})
	return out, err
}

func (a *EthAdapter) blockNumber(ctx context.Context) (uint64, error) {
	var n uint64
	err := a.do(ctx, "eth_blockNumber", func(ctx context.Context) error {
		var err error
		n, err = a.client.BlockNumber(ctx)
		return err
	})
	return n, err
}

func (a *EthAdapter) filterLogs(ctx context.Context, q ethereum.FilterQuery) ([]types.Log, error) {
	var logs []types.Log
	err := a.do(ctx, "eth_getLogs", func(ctx context.Context) error {
		var err error
		logs, err = a.client.FilterLogs(ctx, q)
		return err
	})
	return logs, err
}

// do runs one RPC under the retry policy and the method's circuit breaker.
// Failures caused by the caller's own cancellation are not counted against
// the breaker.
func (a *EthAdapter) do(ctx context.Context, method string, fn func(ctx context.Context) error) error {
	ctx, span := traces.StartSpan(ctx, "chain."+method, traces.RPCMethod(method))
	start := time.Now()

	err := a.retry.Do(ctx, func(ctx context.Context) error {
		if !a.breaker.Allow(method) {
			return retry.Permanent(ErrCircuitOpen)
		}
		err := fn(ctx)
		switch {
		case err == nil:
			a.breaker.RecordSuccess(method)
		case ctx.Err() != nil:
			return retry.Permanent(err)
		default:
			a.breaker.RecordFailure(method)
		}
		return err
	})

	observeRPC(method, start, err)
	traces.End(span, err)
	if err != nil {
		return &CallError{Method: method, Err: err}
	}
	return nil
}

func parseAddress(s string) (common.Address, error) {
	norm, err := validation.NormalizeAddress(s)
	if err != nil {
		return common.Address{}, fmt.Errorf("chain: %q: %w", s, err)
	}
	return common.HexToAddress(norm), nil
}
