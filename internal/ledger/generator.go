package ledger

import (
	"github.com/google/uuid"
)

// Value movements per operation. Every function appends to b and leaves it
// balanced; the free plus locked balances of a vault track the vault's
// deposited amount, and locked tracks locked margin.

// GenerateDeposit moves funds: external:deposits → vault free
func GenerateDeposit(b *Batch, owner uuid.UUID, amount uint64) error {
	return b.Transfer(Free(owner), Deposits, amount, JournalTypeDeposit)
}

// GenerateWithdrawal moves funds: vault free → external:withdrawals
func GenerateWithdrawal(b *Batch, owner uuid.UUID, amount uint64) error {
	return b.Transfer(Withdrawals, Free(owner), amount, JournalTypeWithdrawal)
}

// GenerateMarginLock moves funds: vault free → vault locked
func GenerateMarginLock(b *Batch, owner uuid.UUID, margin uint64) error {
	return b.Transfer(Locked(owner), Free(owner), margin, JournalTypeMarginLock)
}

// GenerateClose releases margin and settles the owner's signed delta against
// the treasury.
func GenerateClose(b *Batch, owner, treasury uuid.UUID, margin uint64, delta int64) error {
	if err := generateRelease(b, owner, margin); err != nil {
		return err
	}
	return generatePnL(b, owner, treasury, delta)
}

// GenerateLiquidation releases margin, pays the fee from the treasury to the
// liquidator, and settles the owner's delta. The owner's delta already
// includes the fee, so the treasury nets out to -(delta + fee).
func GenerateLiquidation(b *Batch, owner, liquidator, treasury uuid.UUID, margin, fee uint64, delta int64) error {
	if err := generateRelease(b, owner, margin); err != nil {
		return err
	}
	if err := b.Transfer(Free(liquidator), Treasury(treasury), fee, JournalTypeLiquidationFee); err != nil {
		return err
	}
	return generatePnL(b, owner, treasury, delta)
}

func generateRelease(b *Batch, owner uuid.UUID, margin uint64) error {
	return b.Transfer(Free(owner), Locked(owner), margin, JournalTypeMarginRelease)
}

// generatePnL: gains flow treasury → vault free, losses the reverse.
func generatePnL(b *Batch, owner, treasury uuid.UUID, delta int64) error {
	if delta >= 0 {
		return b.Transfer(Free(owner), Treasury(treasury), uint64(delta), JournalTypeRealizedPnL)
	}
	return b.Transfer(Treasury(treasury), Free(owner), uint64(-delta), JournalTypeRealizedPnL)
}
