package ledger

import (
	"fmt"
	"strings"

	"github.com/google/uuid"
)

// AccountKind is the role an account plays in a journal entry.
type AccountKind uint8

const (
	// Vault sub-accounts. free + locked equals the vault's deposited amount.
	KindVaultFree AccountKind = iota
	KindVaultLocked

	// KindTreasury is the market's counterparty for PnL and fees.
	KindTreasury

	// Boundary accounts for collateral entering and leaving the market.
	KindDeposits
	KindWithdrawals
)

var kindNames = [...]string{
	KindVaultFree:   "free",
	KindVaultLocked: "locked",
	KindTreasury:    "treasury",
	KindDeposits:    "deposits",
	KindWithdrawals: "withdrawals",
}

func (k AccountKind) String() string {
	if int(k) < len(kindNames) {
		return kindNames[k]
	}
	return fmt.Sprintf("AccountKind(%d)", k)
}

// Account is one side of a journal entry. Owner is the vault owner or the
// treasury id, and zero for boundary accounts. Account is comparable and
// used directly as a map key.
type Account struct {
	Kind  AccountKind
	Owner uuid.UUID
}

// Free is the unlocked collateral of owner's vault.
func Free(owner uuid.UUID) Account { return Account{Kind: KindVaultFree, Owner: owner} }

// Locked is the margin owner's open positions hold.
func Locked(owner uuid.UUID) Account { return Account{Kind: KindVaultLocked, Owner: owner} }

func Treasury(id uuid.UUID) Account { return Account{Kind: KindTreasury, Owner: id} }

var (
	Deposits    = Account{Kind: KindDeposits}
	Withdrawals = Account{Kind: KindWithdrawals}
)

// IsVault reports whether a is a sub-account of a user vault.
func (a Account) IsVault() bool {
	return a.Kind == KindVaultFree || a.Kind == KindVaultLocked
}

// Path is the stored form of a:
//
//	vault:<owner>:free | vault:<owner>:locked
//	treasury:<id>
//	external:deposits | external:withdrawals
func (a Account) Path() string {
	switch a.Kind {
	case KindVaultFree, KindVaultLocked:
		return "vault:" + a.Owner.String() + ":" + a.Kind.String()
	case KindTreasury:
		return "treasury:" + a.Owner.String()
	case KindDeposits, KindWithdrawals:
		return "external:" + a.Kind.String()
	}
	return "unknown:" + a.Kind.String()
}

func (a Account) String() string { return a.Path() }

// ParseAccount is the inverse of Path.
func ParseAccount(path string) (Account, error) {
	parts := strings.Split(path, ":")
	switch {
	case len(parts) == 3 && parts[0] == "vault":
		owner, err := uuid.Parse(parts[1])
		if err != nil {
			return Account{}, fmt.Errorf("account %q: %w", path, err)
		}
		switch parts[2] {
		case "free":
			return Free(owner), nil
		case "locked":
			return Locked(owner), nil
		}
	case len(parts) == 2 && parts[0] == "treasury":
		id, err := uuid.Parse(parts[1])
		if err != nil {
			return Account{}, fmt.Errorf("account %q: %w", path, err)
		}
		return Treasury(id), nil
	case path == "external:deposits":
		return Deposits, nil
	case path == "external:withdrawals":
		return Withdrawals, nil
	}
	return Account{}, fmt.Errorf("unrecognized account %q", path)
}
