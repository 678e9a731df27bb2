package query

import (
	fpmath "PerpCore/internal/math"
	"PerpCore/internal/state"

	"github.com/google/uuid"
)

// Amount is a fixed-point value with its decimal rendering.
type Amount struct {
	Raw     uint64 `json:"raw"`
	Decimal string `json:"decimal"`
}

// SignedAmount is Amount for values that may be negative (PnL, funding).
type SignedAmount struct {
	Raw     int64  `json:"raw"`
	Decimal string `json:"decimal"`
}

func amountOf(v uint64) Amount {
	return Amount{Raw: v, Decimal: fpmath.AmountConfig.Format(v)}
}

func signedAmountOf(v int64) SignedAmount {
	return SignedAmount{Raw: v, Decimal: fpmath.AmountConfig.FormatSigned(v)}
}

func sizeOf(v uint64) Amount {
	return Amount{Raw: v, Decimal: fpmath.SizeConfig.Format(v)}
}

// VaultView is an account's collateral balance.
type VaultView struct {
	Owner     uuid.UUID `json:"owner"`
	Deposited Amount    `json:"deposited"`
	Locked    Amount    `json:"locked_margin"`
	Available Amount    `json:"available"` // deposited - locked
}

func newVaultView(v *state.Vault) *VaultView {
	return &VaultView{
		Owner:     v.Owner,
		Deposited: amountOf(v.Deposited),
		Locked:    amountOf(v.Locked),
		Available: amountOf(v.Available()),
	}
}
