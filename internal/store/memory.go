package store

import (
	"PerpCore/internal/state"
	"context"
	"sort"
	"sync"
)

type positionKey struct {
	owner state.AccountID
	id    uint64
}

// MemoryStore implements Store with in-memory maps. Used for testing
// and development. Not suitable for production (no persistence).
type MemoryStore struct {
	mu        sync.RWMutex
	market    *state.MarketState
	priceFeed *state.PriceFeed
	vaults    map[state.AccountID]state.Vault
	positions map[positionKey]state.Position
}

// NewMemoryStore creates a new in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		vaults:    make(map[state.AccountID]state.Vault),
		positions: make(map[positionKey]state.Position),
	}
}

func (s *MemoryStore) LoadMarket(_ context.Context) (*state.MarketState, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.market == nil {
		return nil, ErrNotFound
	}
	m := *s.market
	return &m, nil
}

func (s *MemoryStore) LoadPriceFeed(_ context.Context) (*state.PriceFeed, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.priceFeed == nil {
		return nil, ErrNotFound
	}
	p := *s.priceFeed
	return &p, nil
}

func (s *MemoryStore) LoadVault(_ context.Context, owner state.AccountID) (*state.Vault, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	v, ok := s.vaults[owner]
	if !ok {
		return nil, ErrNotFound
	}
	return &v, nil
}

func (s *MemoryStore) LoadPosition(_ context.Context, owner state.AccountID, positionID uint64) (*state.Position, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	p, ok := s.positions[positionKey{owner, positionID}]
	if !ok {
		return nil, ErrNotFound
	}
	return &p, nil
}

func (s *MemoryStore) ListPositions(_ context.Context, owner state.AccountID) ([]*state.Position, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*state.Position
	for k, p := range s.positions {
		if k.owner == owner {
			cp := p
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].PositionID < out[j].PositionID })
	return out, nil
}

// Commit stores copies of every record under a single lock.
func (s *MemoryStore) Commit(_ context.Context, cs *ChangeSet) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if cs.Market != nil {
		m := *cs.Market
		s.market = &m
	}
	if cs.PriceFeed != nil {
		p := *cs.PriceFeed
		s.priceFeed = &p
	}
	for _, v := range cs.Vaults {
		s.vaults[v.Owner] = *v
	}
	for _, p := range cs.Positions {
		s.positions[positionKey{p.Owner, p.PositionID}] = *p
	}
	return nil
}
