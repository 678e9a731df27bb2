// Package store persists the four record kinds addressed by state.Address.
// PostgreSQL is the source of truth; MemoryStore backs tests and single-node
// development; CachedReader adds a Redis read-through cache for views.
package store

import (
	"PerpCore/internal/state"
	"context"
	"errors"
	"sort"
)

// ErrNotFound is returned by loads of absent records.
var ErrNotFound = errors.New("record not found")

// Reader loads records. Returned records are copies owned by the caller.
type Reader interface {
	LoadMarket(ctx context.Context) (*state.MarketState, error)
	LoadPriceFeed(ctx context.Context) (*state.PriceFeed, error)
	LoadVault(ctx context.Context, owner state.AccountID) (*state.Vault, error)
	LoadPosition(ctx context.Context, owner state.AccountID, positionID uint64) (*state.Position, error)

	// ListPositions returns every position of owner ordered by position id.
	ListPositions(ctx context.Context, owner state.AccountID) ([]*state.Position, error)
}

// Store is a Reader that can atomically commit a ChangeSet.
type Store interface {
	Reader

	// Commit writes every record in cs or none of them.
	Commit(ctx context.Context, cs *ChangeSet) error
}

// ChangeSet is the full set of records one operation writes.
type ChangeSet struct {
	Market    *state.MarketState
	PriceFeed *state.PriceFeed
	Vaults    []*state.Vault
	Positions []*state.Position
}

func (cs *ChangeSet) PutVault(v *state.Vault) {
	for i, existing := range cs.Vaults {
		if existing.Owner == v.Owner {
			cs.Vaults[i] = v
			return
		}
	}
	cs.Vaults = append(cs.Vaults, v)
}

func (cs *ChangeSet) PutPosition(p *state.Position) {
	for i, existing := range cs.Positions {
		if existing.Owner == p.Owner && existing.PositionID == p.PositionID {
			cs.Positions[i] = p
			return
		}
	}
	cs.Positions = append(cs.Positions, p)
}

// IsEmpty reports whether the change set writes nothing.
func (cs *ChangeSet) IsEmpty() bool {
	return cs.Market == nil && cs.PriceFeed == nil && len(cs.Vaults) == 0 && len(cs.Positions) == 0
}

// Record is one written record with its address and canonical encoding.
type Record struct {
	Address   state.Address
	Canonical []byte
}

// Records returns every record in cs sorted by address.
func (cs *ChangeSet) Records() []Record {
	recs := make([]Record, 0, 2+len(cs.Vaults)+len(cs.Positions))
	if cs.Market != nil {
		recs = append(recs, Record{state.MarketAddress(), cs.Market.CanonicalBytes()})
	}
	if cs.PriceFeed != nil {
		recs = append(recs, Record{state.PriceFeedAddress(), cs.PriceFeed.CanonicalBytes()})
	}
	for _, v := range cs.Vaults {
		recs = append(recs, Record{state.VaultAddress(v.Owner), v.CanonicalBytes()})
	}
	for _, p := range cs.Positions {
		recs = append(recs, Record{p.Address(), p.CanonicalBytes()})
	}
	sort.Slice(recs, func(i, j int) bool {
		return recs[i].Address.Less(recs[j].Address)
	})
	return recs
}
