package state

import (
	fpmath "PerpCore/internal/math"
	"PerpCore/internal/perperr"
	"errors"
	"fmt"
)

// ErrVaultInvariant marks a vault whose locked margin exceeds its deposits.
var ErrVaultInvariant = errors.New("vault invariant violated")

// Vault is an account's collateral ledger. Invariant: Locked <= Deposited.
type Vault struct {
	Owner     AccountID `json:"owner"`
	Deposited uint64    `json:"deposited_amount"`
	Locked    uint64    `json:"locked_margin"`
}

func NewVault(owner AccountID) *Vault {
	return &Vault{Owner: owner}
}

// Available returns collateral not locked by open positions.
func (v *Vault) Available() uint64 {
	if v.Locked > v.Deposited {
		return 0
	}
	return v.Deposited - v.Locked
}

func (v *Vault) Deposit(amount uint64) error {
	if amount == 0 {
		return perperr.New(perperr.CodeZeroAmount, "deposit amount is zero")
	}
	d, err := fpmath.AddU64(v.Deposited, amount)
	if err != nil {
		return err
	}
	v.Deposited = d
	return nil
}

func (v *Vault) Withdraw(amount uint64) error {
	if amount == 0 {
		return perperr.New(perperr.CodeZeroAmount, "withdraw amount is zero")
	}
	if amount > v.Available() {
		return perperr.New(perperr.CodeInsufficientBalance, "withdraw %d exceeds available %d", amount, v.Available())
	}
	v.Deposited -= amount
	return nil
}

// Lock reserves margin for a position.
func (v *Vault) Lock(amount uint64) error {
	if amount > v.Available() {
		return perperr.New(perperr.CodeInsufficientMargin, "required margin %d exceeds available %d", amount, v.Available())
	}
	v.Locked += amount
	return nil
}

// Unlock releases margin. Releasing more than is locked is MathOverflow.
func (v *Vault) Unlock(amount uint64) error {
	l, err := fpmath.SubU64(v.Locked, amount)
	if err != nil {
		return err
	}
	v.Locked = l
	return nil
}

// Credit adds collateral without the zero check of Deposit (fees, payouts).
func (v *Vault) Credit(amount uint64) error {
	d, err := fpmath.AddU64(v.Deposited, amount)
	if err != nil {
		return err
	}
	v.Deposited = d
	return nil
}

// Settle releases a position's margin and applies the signed change to deposits.
func (v *Vault) Settle(margin uint64, delta int64) error {
	if err := v.Unlock(margin); err != nil {
		return err
	}
	d, err := fpmath.AddSigned(v.Deposited, delta)
	if err != nil {
		return err
	}
	v.Deposited = d
	return v.CheckInvariant()
}

// CheckInvariant verifies 0 <= locked <= deposited.
func (v *Vault) CheckInvariant() error {
	if v.Locked > v.Deposited {
		return fmt.Errorf("%w: vault %s locked %d exceeds deposited %d", ErrVaultInvariant, v.Owner, v.Locked, v.Deposited)
	}
	return nil
}

// CanonicalBytes for deterministic hashing
func (v *Vault) CanonicalBytes() []byte {
	buf := make([]byte, 0, 32)
	buf = append(buf, v.Owner[:]...)
	buf = appendUint64LE(buf, v.Deposited)
	buf = appendUint64LE(buf, v.Locked)
	return buf
}
