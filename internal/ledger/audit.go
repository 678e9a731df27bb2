package ledger

import (
	"errors"
	"fmt"

	"github.com/google/uuid"
)

// CheckZeroSum fails if value was created or destroyed inside the ledger.
func CheckZeroSum(bs *Balances) error {
	if total := bs.Sum(); total != 0 {
		return fmt.Errorf("ledger sums to %d, want 0", total)
	}
	return nil
}

// CheckVaultsNonNegative fails for every vault sub-account below zero.
func CheckVaultsNonNegative(bs *Balances) error {
	var errs []error
	for _, a := range bs.Accounts() {
		if a.IsVault() && bs.Of(a) < 0 {
			errs = append(errs, fmt.Errorf("account %s is negative: %d", a, bs.Of(a)))
		}
	}
	return errors.Join(errs...)
}

// CheckVault compares the journal-implied vault of owner with the recorded one.
func CheckVault(bs *Balances, owner uuid.UUID, deposited, locked uint64) error {
	gotDeposited, gotLocked := bs.Vault(owner)
	if gotLocked < 0 || uint64(gotLocked) != locked {
		return fmt.Errorf("vault %s: journals lock %d, record locks %d", owner, gotLocked, locked)
	}
	if gotDeposited < 0 || uint64(gotDeposited) != deposited {
		return fmt.Errorf("vault %s: journals deposit %d, record deposits %d", owner, gotDeposited, deposited)
	}
	return nil
}
