package core

import (
	"PerpCore/internal/ledger"
	"PerpCore/internal/perperr"
	"PerpCore/internal/state"
	"PerpCore/internal/store"
	"context"
	"errors"
)

// txn collects the loads and writes of one operation. Nothing reaches the
// store until the engine commits cs.
type txn struct {
	ctx   context.Context
	st    store.Reader
	now   int64
	cs    *store.ChangeSet
	batch *ledger.Batch

	// vaultsBefore holds each loaded vault as it was in the store (zero for new ones)
	vaultsBefore map[state.AccountID]state.Vault
	vaults       map[state.AccountID]*state.Vault
}

func newTxn(ctx context.Context, st store.Reader, now int64) *txn {
	return &txn{
		ctx:          ctx,
		st:           st,
		now:          now,
		cs:           &store.ChangeSet{},
		batch:        ledger.NewBatch("", "", now),
		vaultsBefore: make(map[state.AccountID]state.Vault),
		vaults:       make(map[state.AccountID]*state.Vault),
	}
}

// market loads the market record; absent means NotInitialized.
func (t *txn) market() (*state.MarketState, error) {
	m, err := t.st.LoadMarket(t.ctx)
	if errors.Is(err, store.ErrNotFound) {
		return nil, perperr.New(perperr.CodeNotInitialized, "market is not initialized")
	}
	if err != nil {
		return nil, err
	}
	t.batch.Asset = m.CollateralAssetID
	return m, nil
}

func (t *txn) priceFeed() (*state.PriceFeed, error) {
	p, err := t.st.LoadPriceFeed(t.ctx)
	if errors.Is(err, store.ErrNotFound) {
		return nil, perperr.New(perperr.CodeNotInitialized, "price feed is not initialized")
	}
	return p, err
}

// vault loads owner's vault. A missing vault is created when create is set,
// otherwise store.ErrNotFound is returned for the caller to classify.
// Repeated calls for the same owner return the same record.
func (t *txn) vault(owner state.AccountID, create bool) (*state.Vault, error) {
	if v, ok := t.vaults[owner]; ok {
		return v, nil
	}
	v, err := t.st.LoadVault(t.ctx, owner)
	switch {
	case errors.Is(err, store.ErrNotFound):
		if !create {
			return nil, err
		}
		v = state.NewVault(owner)
	case err != nil:
		return nil, err
	}
	t.vaultsBefore[owner] = *v
	t.vaults[owner] = v
	return v, nil
}

func (t *txn) position(owner state.AccountID, id uint64) (*state.Position, error) {
	p, err := t.st.LoadPosition(t.ctx, owner, id)
	if errors.Is(err, store.ErrNotFound) {
		return nil, perperr.New(perperr.CodeAccountNotFound, "position %d of %s not found", id, owner)
	}
	return p, err
}

// ref names the batch after the operation for the journal log.
func (t *txn) ref(op string, requestID string) {
	if requestID != "" {
		t.batch.EventRef = requestID
	} else {
		t.batch.EventRef = op
	}
	for i := range t.batch.Journals {
		t.batch.Journals[i].EventRef = t.batch.EventRef
	}
}
