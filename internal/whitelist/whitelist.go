// Package whitelist stores, per owner, the set of spender addresses the
// owner has marked as trusted.
//
// All addresses are normalized before they are used as keys, so callers may
// pass checksummed or unprefixed input. Mutations validate every address
// before touching the store and never apply partially.
package whitelist

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/telanks/wallet-guard/internal/validation"
)

var (
	// ErrDuplicate is returned by Add when the spender is already trusted.
	ErrDuplicate = errors.New("spender already whitelisted")

	// ErrInvalidAddress wraps validation failures for owner or spender input.
	ErrInvalidAddress = validation.ErrInvalidAddress

	// ErrTooMany is returned by Set when the replacement list is too large.
	ErrTooMany = fmt.Errorf("whitelist exceeds %d entries", validation.MaxWhitelistSize)
)

// Store is the persistence-agnostic whitelist interface. Addresses passed to
// a Store are already normalized; use Service for raw input.
type Store interface {
	Get(ctx context.Context, owner string) ([]string, error)
	Set(ctx context.Context, owner string, spenders []string) error
	Add(ctx context.Context, owner, spender string) error
	Remove(ctx context.Context, owner, spender string) error
	Contains(ctx context.Context, owner, spender string) (bool, error)
}

// Service validates and normalizes input before delegating to a Store.
type Service struct {
	store Store
}

// NewService creates a whitelist service backed by store.
func NewService(store Store) *Service {
	return &Service{store: store}
}

// Get returns the owner's trusted spenders in sorted order. Unknown owners
// have an empty list.
func (s *Service) Get(ctx context.Context, owner string) ([]string, error) {
	o, err := normalizeOwner(owner)
	if err != nil {
		return nil, err
	}
	return s.store.Get(ctx, o)
}

// Set atomically replaces the owner's list. Duplicates in the input collapse.
func (s *Service) Set(ctx context.Context, owner string, spenders []string) error {
	o, err := normalizeOwner(owner)
	if err != nil {
		return err
	}
	if len(spenders) > validation.MaxWhitelistSize {
		return ErrTooMany
	}
	normalized, err := normalizeSet(spenders)
	if err != nil {
		return err
	}
	return s.store.Set(ctx, o, normalized)
}

// Add marks spender as trusted for owner. ErrDuplicate if already present.
func (s *Service) Add(ctx context.Context, owner, spender string) error {
	o, sp, err := normalizePair(owner, spender)
	if err != nil {
		return err
	}
	return s.store.Add(ctx, o, sp)
}

// Remove drops spender from the owner's list. Removing an absent spender
// is not an error.
func (s *Service) Remove(ctx context.Context, owner, spender string) error {
	o, sp, err := normalizePair(owner, spender)
	if err != nil {
		return err
	}
	return s.store.Remove(ctx, o, sp)
}

// Contains reports whether owner trusts spender.
func (s *Service) Contains(ctx context.Context, owner, spender string) (bool, error) {
	o, sp, err := normalizePair(owner, spender)
	if err != nil {
		return false, err
	}
	return s.store.Contains(ctx, o, sp)
}

func normalizeOwner(owner string) (string, error) {
	o, err := validation.NormalizeAddress(owner)
	if err != nil {
		return "", fmt.Errorf("owner %q: %w", owner, ErrInvalidAddress)
	}
	return o, nil
}

func normalizePair(owner, spender string) (string, string, error) {
	o, err := normalizeOwner(owner)
	if err != nil {
		return "", "", err
	}
	sp, err := validation.NormalizeAddress(spender)
	if err != nil {
		return "", "", fmt.Errorf("spender %q: %w", spender, ErrInvalidAddress)
	}
	return o, sp, nil
}

func normalizeSet(spenders []string) ([]string, error) {
	seen := make(map[string]struct{}, len(spenders))
	out := make([]string, 0, len(spenders))
	for _, raw := range spenders {
		sp, err := validation.NormalizeAddress(raw)
		if err != nil {
			return nil, fmt.Errorf("spender %q: %w", raw, ErrInvalidAddress)
		}
		if _, dup := seen[sp]; dup {
			continue
		}
		seen[sp] = struct{}{}
		out = append(out, sp)
	}
	sort.Strings(out)
	return out, nil
}
