package state

import (
	fpmath "PerpCore/internal/math"
	"PerpCore/internal/perperr"
)

// ComputeNotional returns size * price at the amount scale.
func ComputeNotional(size, price uint64) (uint64, error) {
	return fpmath.MulDiv(size, price, fpmath.SizePrecision)
}

// ComputeRequiredMargin returns notional / leverage for 1 <= leverage <= maxLeverage.
func ComputeRequiredMargin(notional uint64, leverage, maxLeverage uint32) (uint64, error) {
	if leverage == 0 || leverage > maxLeverage {
		return 0, perperr.New(perperr.CodeInvalidLeverage, "leverage %d outside [1, %d]", leverage, maxLeverage)
	}
	return notional / uint64(leverage), nil
}

// ComputeUnrealizedPnL returns the signed PnL of a position marked at current.
func ComputeUnrealizedPnL(d Direction, entryPrice, currentPrice, size uint64) (int64, error) {
	switch d {
	case DirectionLong:
		return fpmath.DiffMulDiv(currentPrice, entryPrice, size, fpmath.SizePrecision)
	case DirectionShort:
		return fpmath.DiffMulDiv(entryPrice, currentPrice, size, fpmath.SizePrecision)
	}
	return 0, invalidDirection(d)
}

// ComputeMarginRatioBPS returns (margin + pnl) * 10_000 / notional(current).
// Non-positive effective margin or zero notional yields 0.
func ComputeMarginRatioBPS(d Direction, entryPrice, currentPrice, size, margin uint64) (uint64, error) {
	pnl, err := ComputeUnrealizedPnL(d, entryPrice, currentPrice, size)
	if err != nil {
		return 0, err
	}
	signedMargin, err := fpmath.ToInt64(margin)
	if err != nil {
		return 0, err
	}
	effective, err := fpmath.AddI64(signedMargin, pnl)
	if err != nil {
		return 0, err
	}
	if effective <= 0 {
		return 0, nil
	}
	notional, err := ComputeNotional(size, currentPrice)
	if err != nil {
		return 0, err
	}
	if notional == 0 {
		return 0, nil
	}
	return fpmath.MulDiv(uint64(effective), fpmath.BPSPrecision, notional)
}

// ComputeLiquidationPrice returns the price at which effective margin reaches zero.
// Long: max(0, entry - margin/size). Short: entry + margin/size.
func ComputeLiquidationPrice(d Direction, entryPrice, margin, size uint64) (uint64, error) {
	if size == 0 {
		return 0, perperr.New(perperr.CodeZeroSize, "position size is zero")
	}
	perUnit, err := fpmath.MulDiv(margin, fpmath.SizePrecision, size)
	if err != nil {
		return 0, err
	}
	switch d {
	case DirectionLong:
		if perUnit >= entryPrice {
			return 0, nil
		}
		return entryPrice - perUnit, nil
	case DirectionShort:
		return fpmath.AddU64(entryPrice, perUnit)
	}
	return 0, invalidDirection(d)
}

// IsLiquidatable reports ratio_bps < maintenance_bps.
func IsLiquidatable(ratioBPS uint64, maintenanceBPS uint32) bool {
	return ratioBPS < uint64(maintenanceBPS)
}

// MarginStatus summarizes a position's health at a price.
type MarginStatus struct {
	Notional         uint64 `json:"notional"`
	UnrealizedPnL    int64  `json:"unrealized_pnl"`
	MarginRatioBPS   uint64 `json:"margin_ratio_bps"`
	LiquidationPrice uint64 `json:"liquidation_price"`
	Liquidatable     bool   `json:"liquidatable"`
}

// ComputeMarginStatus evaluates p at currentPrice under the given maintenance threshold.
func ComputeMarginStatus(p *Position, currentPrice uint64, maintenanceBPS uint32) (*MarginStatus, error) {
	notional, err := ComputeNotional(p.Size, currentPrice)
	if err != nil {
		return nil, err
	}
	pnl, err := ComputeUnrealizedPnL(p.Direction, p.EntryPrice, currentPrice, p.Size)
	if err != nil {
		return nil, err
	}
	ratio, err := ComputeMarginRatioBPS(p.Direction, p.EntryPrice, currentPrice, p.Size, p.Margin)
	if err != nil {
		return nil, err
	}
	liqPrice, err := ComputeLiquidationPrice(p.Direction, p.EntryPrice, p.Margin, p.Size)
	if err != nil {
		return nil, err
	}
	return &MarginStatus{
		Notional:         notional,
		UnrealizedPnL:    pnl,
		MarginRatioBPS:   ratio,
		LiquidationPrice: liqPrice,
		Liquidatable:     IsLiquidatable(ratio, maintenanceBPS),
	}, nil
}
