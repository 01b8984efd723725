package risk

import (
	"context"
	"time"

	"github.com/holiman/uint256"
	"github.com/telanks/wallet-guard/internal/idgen"
)

// EventType tags messages pushed to subscribers.
const EventType = "RISK_EVENT"

// Source identifies which monitoring path observed an event.
type Source string

const (
	SourceListener Source = "listener"
	SourceScanner  Source = "scanner"
)

// Event is an observed approval together with its verdict. Events are
// created once and never mutated. Allowance is carried as decimal text so
// values above 2^53 survive JSON consumers.
type Event struct {
	ID            string    `json:"id"`
	Type          string    `json:"type"`
	Source        Source    `json:"source"`
	Owner         string    `json:"owner"`
	Spender       string    `json:"spender"`
	Token         string    `json:"token"`
	Allowance     string    `json:"allowance"`
	IsInfinite    bool      `json:"isInfinite"`
	IsContract    bool      `json:"isContract"`
	IsWhitelisted bool      `json:"isWhitelisted"`
	Risk          Verdict   `json:"risk"`
	TxHash        string    `json:"txHash,omitempty"`
	BlockNumber   uint64    `json:"blockNumber,omitempty"`
	Timestamp     time.Time `json:"timestamp"`
}

// Observation is the input to NewEvent.
type Observation struct {
	Source        Source
	Owner         string
	Spender       string
	Token         string
	Allowance     *uint256.Int
	IsContract    bool
	IsWhitelisted bool
	TxHash        string
	BlockNumber   uint64
}

// NewEvent classifies an observation and wraps it as an Event. Addresses
// are expected to be normalized by the caller.
func NewEvent(obs Observation) *Event {
	allowance := obs.Allowance
	if allowance == nil {
		allowance = new(uint256.Int)
	}
	return &Event{
		ID:            idgen.WithPrefix("risk_"),
		Type:          EventType,
		Source:        obs.Source,
		Owner:         obs.Owner,
		Spender:       obs.Spender,
		Token:         obs.Token,
		Allowance:     allowance.Dec(),
		IsInfinite:    IsInfinite(allowance),
		IsContract:    obs.IsContract,
		IsWhitelisted: obs.IsWhitelisted,
		Risk:          Classify(obs.IsContract, obs.IsWhitelisted, allowance),
		TxHash:        obs.TxHash,
		BlockNumber:   obs.BlockNumber,
		Timestamp:     time.Now().UTC(),
	}
}

// DedupeKey identifies the approval an event describes: one allowance slot
// per (owner, spender, token).
func (e *Event) DedupeKey() string {
	return e.Owner + "|" + e.Spender + "|" + e.Token
}

// clone returns a deep copy so stored events cannot be mutated by callers.
func (e *Event) clone() *Event {
	cp := *e
	cp.Risk.Reasons = append([]string(nil), e.Risk.Reasons...)
	return &cp
}

// Store persists risk events so late subscribers can catch up.
type Store interface {
	Record(ctx context.Context, event *Event) error
	ListByOwner(ctx context.Context, owner string, limit int) ([]*Event, error)
}
