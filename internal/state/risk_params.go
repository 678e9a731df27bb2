package state

import "PerpCore/internal/perperr"

// Protocol constants of the reference deployment.
const (
	DefaultOracleMaxAgeSeconds    int64 = 30
	DefaultFundingIntervalSeconds int64 = 3600

	// Upper bound accepted for max_leverage overrides.
	MaxLeverageCeiling uint32 = 100
)

// RiskParams are the market's leverage and liquidation thresholds.
type RiskParams struct {
	MaxLeverage          uint32 `json:"max_leverage"`
	MaintenanceMarginBPS uint32 `json:"maintenance_margin_bps"`
	LiquidationFeeBPS    uint32 `json:"liquidation_fee_bps"`
}

// DefaultRiskParams: 50x max, 5% maintenance, 0.5% liquidation fee.
var DefaultRiskParams = RiskParams{
	MaxLeverage:          50,
	MaintenanceMarginBPS: 500,
	LiquidationFeeBPS:    50,
}

// ValidateRiskParams checks that risk parameters are within valid ranges:
// 1 <= max_leverage <= 100, 0 < mm < 10_000, fee < mm.
func ValidateRiskParams(p RiskParams) error {
	if p.MaxLeverage == 0 || p.MaxLeverage > MaxLeverageCeiling {
		return perperr.New(perperr.CodeInvalidParameter, "max_leverage must be in [1, %d], got %d", MaxLeverageCeiling, p.MaxLeverage)
	}
	if p.MaintenanceMarginBPS == 0 || p.MaintenanceMarginBPS >= 10_000 {
		return perperr.New(perperr.CodeInvalidParameter, "maintenance_margin_bps must be in (0, 10000), got %d", p.MaintenanceMarginBPS)
	}
	if p.LiquidationFeeBPS >= p.MaintenanceMarginBPS {
		return perperr.New(perperr.CodeInvalidParameter, "liquidation_fee_bps (%d) must be < maintenance_margin_bps (%d)",
			p.LiquidationFeeBPS, p.MaintenanceMarginBPS)
	}
	return nil
}

// RiskParamsUpdate carries optional overrides; nil fields keep the current value.
type RiskParamsUpdate struct {
	MaxLeverage          *uint32 `json:"max_leverage,omitempty"`
	MaintenanceMarginBPS *uint32 `json:"maintenance_margin_bps,omitempty"`
	LiquidationFeeBPS    *uint32 `json:"liquidation_fee_bps,omitempty"`
}

// Apply returns p with the non-nil fields of u substituted.
func (p RiskParams) Apply(u *RiskParamsUpdate) RiskParams {
	if u == nil {
		return p
	}
	if u.MaxLeverage != nil {
		p.MaxLeverage = *u.MaxLeverage
	}
	if u.MaintenanceMarginBPS != nil {
		p.MaintenanceMarginBPS = *u.MaintenanceMarginBPS
	}
	if u.LiquidationFeeBPS != nil {
		p.LiquidationFeeBPS = *u.LiquidationFeeBPS
	}
	return p
}

// IsEmpty reports whether the update changes nothing.
func (u *RiskParamsUpdate) IsEmpty() bool {
	return u == nil || (u.MaxLeverage == nil && u.MaintenanceMarginBPS == nil && u.LiquidationFeeBPS == nil)
}
