// Package chain is the read-only view of the blockchain the monitor needs:
// ERC-20 allowances, account code, token metadata and Approval events.
//
// The service never signs or sends transactions. Every RPC goes through a
// retry policy and a per-method circuit breaker.
package chain

import (
	"context"
	"errors"
	"fmt"

	"github.com/holiman/uint256"
	"github.com/telanks/wallet-guard/internal/circuitbreaker"
)

var (
	// ErrCircuitOpen is returned when the breaker for an RPC method is open.
	ErrCircuitOpen = circuitbreaker.ErrOpen

	// ErrNotERC20 is returned when a call's return data cannot be decoded,
	// typically because the target has no such function.
	ErrNotERC20 = errors.New("chain: unexpected return data from token contract")

	// ErrSubscriptionClosed is sent on Subscription.Err when the underlying
	// stream ends and cannot be re-established.
	ErrSubscriptionClosed = errors.New("chain: approval subscription closed")
)

// CallError wraps a failed RPC with the method name.
type CallError struct {
	Method string
	Err    error
}

func (e *CallError) Error() string {
	return fmt.Sprintf("chain: %s failed: %v", e.Method, e.Err)
}

func (e *CallError) Unwrap() error { return e.Err }

// Approval is a decoded ERC-20 Approval(owner, spender, value) log.
// Addresses are normalized lowercase hex.
type Approval struct {
	Token       string
	Owner       string
	Spender     string
	Value       *uint256.Int
	TxHash      string
	BlockNumber uint64
	LogIndex    uint
}

// ApprovalQuery selects which Approval logs a subscription delivers.
// An empty Owner matches every owner.
type ApprovalQuery struct {
	Token string
	Owner string
}

// Subscription is a cancelable approval stream.
type Subscription interface {
	// Unsubscribe stops delivery. No callback runs after it returns.
	Unsubscribe()
	// Err receives at most one error if the stream fails permanently and
	// is closed on Unsubscribe.
	Err() <-chan error
}

// Token describes an ERC-20 contract.
type Token struct {
	Address  string `json:"address"`
	Symbol   string `json:"symbol"`
	Name     string `json:"name"`
	Decimals uint8  `json:"decimals"`
}

// Fallbacks used when a token does not implement the optional metadata calls.
const (
	UnknownSymbol = "UNKNOWN"
	UnknownName   = "Unknown Token"
)

// Adapter is the read-only chain surface consumed by the listener and scanner.
type Adapter interface {
	Allowance(ctx context.Context, token, owner, spender string) (*uint256.Int, error)
	Code(ctx context.Context, address string) ([]byte, error)
	SubscribeApprovals(ctx context.Context, q ApprovalQuery, fn func(Approval)) (Subscription, error)
	TokenInfo(ctx context.Context, token string) (Token, error)
}

// IsContract reports whether address has deployed code.
func IsContract(ctx context.Context, a Adapter, address string) (bool, error) {
	code, err := a.Code(ctx, address)
	if err != nil {
		return false, err
	}
	return len(code) > 0, nil
}
