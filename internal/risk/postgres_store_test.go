//go:build integration

package risk

import (
	"context"
	"testing"

	"github.com/holiman/uint256"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/telanks/wallet-guard/internal/testutil"
)

func TestPostgresStore_RecordAndList(t *testing.T) {
	db, cleanup := testutil.PGTest(t)
	defer cleanup()

	ctx := context.Background()
	s := NewPostgresStore(db)
	owner := "0xaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa"

	e := NewEvent(Observation{
		Source:      SourceListener,
		Owner:       owner,
		Spender:     "0xbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbb",
		Token:       "0xcccccccccccccccccccccccccccccccccccccccc",
		Allowance:   MaxUint256,
		IsContract:  false,
		TxHash:      "0xabc",
		BlockNumber: 7,
	})
	require.NoError(t, s.Record(ctx, e))
	require.NoError(t, s.Record(ctx, e), "re-recording the same id is a no-op")
	require.NoError(t, s.Record(ctx, NewEvent(Observation{Owner: owner, Allowance: uint256.NewInt(5), IsContract: true, IsWhitelisted: true})))

	got, err := s.ListByOwner(ctx, owner, 10)
	require.NoError(t, err)
	require.Len(t, got, 2)

	var stored *Event
	for _, g := range got {
		if g.ID == e.ID {
			stored = g
		}
	}
	require.NotNil(t, stored)
	assert.Equal(t, MaxUint256.Dec(), stored.Allowance)
	assert.Equal(t, LevelDanger, stored.Risk.Level)
	assert.Equal(t, e.Risk.Reasons, stored.Risk.Reasons)
	assert.Equal(t, "0xabc", stored.TxHash)
	assert.Equal(t, uint64(7), stored.BlockNumber)
	assert.Equal(t, EventType, stored.Type)
}
