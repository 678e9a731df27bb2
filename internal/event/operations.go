package event

import "PerpCore/internal/state"

// Initialize creates the market and oracle records. Caller becomes the authority.
type Initialize struct {
	Meta
	CollateralAssetID string                 `json:"collateral_asset_id"`
	Risk              state.RiskParamsUpdate `json:"risk"`
}

func (o *Initialize) OpType() OpType { return OpTypeInitialize }

// SetPrice pushes an oracle observation.
type SetPrice struct {
	Meta
	Price uint64 `json:"price"`
}

func (o *SetPrice) OpType() OpType { return OpTypeSetPrice }

// Deposit adds collateral to the caller's vault, creating it if needed.
type Deposit struct {
	Meta
	Amount uint64 `json:"amount"`
}

func (o *Deposit) OpType() OpType { return OpTypeDeposit }

// Withdraw removes unlocked collateral from the caller's vault.
type Withdraw struct {
	Meta
	Amount uint64 `json:"amount"`
}

func (o *Withdraw) OpType() OpType { return OpTypeWithdraw }

// OpenPosition locks margin and records a new position for the caller.
type OpenPosition struct {
	Meta
	Direction state.Direction `json:"direction"`
	Size      uint64          `json:"size"`
	Leverage  uint32          `json:"leverage"`
}

func (o *OpenPosition) OpType() OpType { return OpTypeOpenPosition }

// ClosePosition settles a position at the oracle price. A zero Owner means the caller.
type ClosePosition struct {
	Meta
	Owner      state.AccountID `json:"owner,omitempty"`
	PositionID uint64          `json:"position_id"`
}

func (o *ClosePosition) OpType() OpType { return OpTypeClosePosition }

// PositionOwner resolves the default owner.
func (o *ClosePosition) PositionOwner() state.AccountID {
	if o.Owner == (state.AccountID{}) {
		return o.Caller
	}
	return o.Owner
}

// Liquidate force-closes an undercollateralized position. Any caller may liquidate.
type Liquidate struct {
	Meta
	Owner      state.AccountID `json:"owner"`
	PositionID uint64          `json:"position_id"`
}

func (o *Liquidate) OpType() OpType { return OpTypeLiquidate }

// ApplyFunding advances the funding indices. Any caller may trigger it.
type ApplyFunding struct {
	Meta
}

func (o *ApplyFunding) OpType() OpType { return OpTypeApplyFunding }

// SetPaused toggles the market pause flag (authority only).
type SetPaused struct {
	Meta
	Paused bool `json:"paused"`
}

func (o *SetPaused) OpType() OpType { return OpTypeSetPaused }

// UpdateRiskParams replaces risk parameters (authority only). Open positions keep
// the margin they locked at open.
type UpdateRiskParams struct {
	Meta
	Risk state.RiskParamsUpdate `json:"risk"`
}

func (o *UpdateRiskParams) OpType() OpType { return OpTypeUpdateRiskParams }

// New returns an empty operation of type t, for decoding.
func New(t OpType) Operation {
	switch t {
	case OpTypeInitialize:
		return &Initialize{}
	case OpTypeSetPrice:
		return &SetPrice{}
	case OpTypeDeposit:
		return &Deposit{}
	case OpTypeWithdraw:
		return &Withdraw{}
	case OpTypeOpenPosition:
		return &OpenPosition{}
	case OpTypeClosePosition:
		return &ClosePosition{}
	case OpTypeLiquidate:
		return &Liquidate{}
	case OpTypeApplyFunding:
		return &ApplyFunding{}
	case OpTypeSetPaused:
		return &SetPaused{}
	case OpTypeUpdateRiskParams:
		return &UpdateRiskParams{}
	}
	return nil
}
