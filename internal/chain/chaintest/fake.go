// Package chaintest provides an in-memory chain.Adapter for tests.
package chaintest

import (
	"context"
	"strings"
	"sync"

	"github.com/holiman/uint256"
	"github.com/telanks/wallet-guard/internal/chain"
)

// Adapter is a scriptable chain.Adapter. Addresses are matched
// case-insensitively.
type Adapter struct {
	mu           sync.Mutex
	allowances   map[string]*uint256.Int
	allowanceErr map[string]error
	code         map[string][]byte
	codeErr      error
	tokens       map[string]chain.Token
	subs         []*Subscription
	subscribeErr error
	pingErr      error

	allowanceCalls int
	codeCalls      int
}

var _ chain.Adapter = (*Adapter)(nil)

// New creates an empty fake adapter.
func New() *Adapter {
	return &Adapter{
		allowances:   make(map[string]*uint256.Int),
		allowanceErr: make(map[string]error),
		code:         make(map[string][]byte),
		tokens:       make(map[string]chain.Token),
	}
}

func key(parts ...string) string {
	return strings.ToLower(strings.Join(parts, "|"))
}

// SetAllowance sets the value Allowance returns.
func (a *Adapter) SetAllowance(token, owner, spender string, v *uint256.Int) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.allowances[key(token, owner, spender)] = new(uint256.Int).Set(v)
}

// FailAllowance makes Allowance for spender fail with err (nil clears).
func (a *Adapter) FailAllowance(spender string, err error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if err == nil {
		delete(a.allowanceErr, key(spender))
		return
	}
	a.allowanceErr[key(spender)] = err
}

// SetContract marks address as having code.
func (a *Adapter) SetContract(address string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.code[key(address)] = []byte{0x60, 0x80, 0x60, 0x40}
}

// FailCode makes every Code call fail with err (nil clears).
func (a *Adapter) FailCode(err error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.codeErr = err
}

// FailSubscribe makes SubscribeApprovals fail with err (nil clears).
func (a *Adapter) FailSubscribe(err error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.subscribeErr = err
}

// FailPing makes Ping fail with err (nil clears).
func (a *Adapter) FailPing(err error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.pingErr = err
}

// Ping reports the scripted node health.
func (a *Adapter) Ping(context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.pingErr
}

// SetToken sets the metadata TokenInfo returns.
func (a *Adapter) SetToken(t chain.Token) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.tokens[key(t.Address)] = t
}

func (a *Adapter) Allowance(ctx context.Context, token, owner, spender string) (*uint256.Int, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	a.allowanceCalls++
	if err := a.allowanceErr[key(spender)]; err != nil {
		return nil, &chain.CallError{Method: "eth_call", Err: err}
	}
	if v, ok := a.allowances[key(token, owner, spender)]; ok {
		return new(uint256.Int).Set(v), nil
	}
	return new(uint256.Int), nil
}

func (a *Adapter) Code(ctx context.Context, address string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	a.codeCalls++
	if a.codeErr != nil {
		return nil, &chain.CallError{Method: "eth_getCode", Err: a.codeErr}
	}
	return a.code[key(address)], nil
}

func (a *Adapter) TokenInfo(_ context.Context, token string) (chain.Token, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if t, ok := a.tokens[key(token)]; ok {
		return t, nil
	}
	return chain.Token{
		Address:  strings.ToLower(token),
		Symbol:   chain.UnknownSymbol,
		Name:     chain.UnknownName,
		Decimals: 18,
	}, nil
}

func (a *Adapter) SubscribeApprovals(_ context.Context, q chain.ApprovalQuery, fn func(chain.Approval)) (chain.Subscription, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.subscribeErr != nil {
		return nil, a.subscribeErr
	}
	s := &Subscription{query: q, fn: fn, errc: make(chan error, 1)}
	a.subs = append(a.subs, s)
	return s, nil
}

// Emit delivers ap synchronously to every active subscription for its
// token. Owner filtering is left to the subscriber.
func (a *Adapter) Emit(ap chain.Approval) {
	a.mu.Lock()
	subs := append([]*Subscription(nil), a.subs...)
	a.mu.Unlock()

	for _, s := range subs {
		if strings.EqualFold(s.query.Token, ap.Token) || ap.Token == "" {
			s.deliver(ap)
		}
	}
}

// ActiveSubscriptions counts subscriptions not yet unsubscribed.
func (a *Adapter) ActiveSubscriptions() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	n := 0
	for _, s := range a.subs {
		if !s.isClosed() {
			n++
		}
	}
	return n
}

// AllowanceCalls returns how many Allowance calls were made.
func (a *Adapter) AllowanceCalls() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.allowanceCalls
}

// CodeCalls returns how many Code calls were made.
func (a *Adapter) CodeCalls() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.codeCalls
}

// Subscription is the fake's chain.Subscription.
type Subscription struct {
	mu     sync.Mutex
	query  chain.ApprovalQuery
	fn     func(chain.Approval)
	errc   chan error
	closed bool
}

func (s *Subscription) deliver(ap chain.Approval) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.fn(ap)
}

func (s *Subscription) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

func (s *Subscription) Unsubscribe() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.closed {
		s.closed = true
		close(s.errc)
	}
}

func (s *Subscription) Err() <-chan error { return s.errc }
