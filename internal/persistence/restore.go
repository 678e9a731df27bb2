package persistence

import (
	"PerpCore/internal/core"
	"PerpCore/internal/store"
	"context"
	"encoding/json"
	"fmt"
)

const restorePageSize = 1000

// ChangeSetFromReceipt rebuilds the records an operation wrote from its
// persisted receipt.
func ChangeSetFromReceipt(rcpt *core.Receipt) *store.ChangeSet {
	cs := &store.ChangeSet{Market: rcpt.Market, PriceFeed: rcpt.PriceFeed}
	if rcpt.Vault != nil {
		cs.PutVault(rcpt.Vault)
	}
	if rcpt.Liquidator != nil {
		cs.PutVault(rcpt.Liquidator)
	}
	if rcpt.Position != nil {
		cs.PutPosition(rcpt.Position)
	}
	return cs
}

// RestoreStore replays every receipt in the event log into st, in sequence
// order. It is used to warm a MemoryStore from the durable log at startup.
func (rm *RecoveryManager) RestoreStore(ctx context.Context, st store.Store) (int, error) {
	var from int64 = 1
	total := 0
	for {
		events, err := rm.LoadEventsFrom(ctx, from, restorePageSize)
		if err != nil {
			return total, fmt.Errorf("load events from %d: %w", from, err)
		}
		if len(events) == 0 {
			return total, nil
		}
		for _, e := range events {
			var rcpt core.Receipt
			if err := json.Unmarshal(e.Result, &rcpt); err != nil {
				return total, fmt.Errorf("decode receipt %d: %w", e.Sequence, err)
			}
			cs := ChangeSetFromReceipt(&rcpt)
			if cs.IsEmpty() {
				continue
			}
			if err := st.Commit(ctx, cs); err != nil {
				return total, fmt.Errorf("restore sequence %d: %w", e.Sequence, err)
			}
			total++
		}
		from = events[len(events)-1].Sequence + 1
	}
}
