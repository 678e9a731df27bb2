package core

import (
	"PerpCore/internal/ledger"
	"PerpCore/internal/state"
	"fmt"
)

// checkInvariants verifies a computed transaction before it is committed.
// A failure means the engine itself is wrong, never the caller.
func checkInvariants(tx *txn) error {
	if err := tx.batch.Validate(); err != nil {
		return fmt.Errorf("journal batch: %w", err)
	}

	for owner, v := range tx.vaults {
		if err := v.CheckInvariant(); err != nil {
			return err
		}
		if err := checkVaultJournals(tx.batch, tx.vaultsBefore[owner], v); err != nil {
			return err
		}
	}

	for _, p := range tx.cs.Positions {
		if err := checkPosition(p); err != nil {
			return err
		}
	}
	return nil
}

// checkVaultJournals verifies the batch moves exactly what the vault changed:
// locked tracks locked margin and free plus locked tracks deposits.
func checkVaultJournals(b *ledger.Batch, before state.Vault, after *state.Vault) error {
	lockedNet := b.NetChange(ledger.Locked(after.Owner))
	freeNet := b.NetChange(ledger.Free(after.Owner))

	if got := signedDiff(after.Locked, before.Locked); got != lockedNet {
		return fmt.Errorf("vault %s locked moved %d, journals moved %d", after.Owner, got, lockedNet)
	}
	if got := signedDiff(after.Deposited, before.Deposited); got != freeNet+lockedNet {
		return fmt.Errorf("vault %s deposited moved %d, journals moved %d", after.Owner, got, freeNet+lockedNet)
	}
	return nil
}

func checkPosition(p *state.Position) error {
	if p.IsOpen != (p.Status == state.PositionStatusOpen) {
		return fmt.Errorf("position %d is_open=%t with status %s", p.PositionID, p.IsOpen, p.Status)
	}
	if !p.Direction.Valid() {
		return fmt.Errorf("position %d has invalid direction %d", p.PositionID, uint8(p.Direction))
	}
	if p.Size == 0 || p.Margin == 0 || p.Leverage == 0 {
		return fmt.Errorf("position %d has zero size, margin or leverage", p.PositionID)
	}
	return nil
}

// signedDiff returns a - b. Amounts of a single operation fit in int64.
func signedDiff(a, b uint64) int64 {
	if a >= b {
		return int64(a - b)
	}
	return -int64(b - a)
}
