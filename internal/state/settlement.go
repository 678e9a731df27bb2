package state

import (
	fpmath "PerpCore/internal/math"
)

// Settlement is the outcome of closing or liquidating a position.
type Settlement struct {
	ExitPrice   uint64 `json:"exit_price"`
	PnL         int64  `json:"pnl"`
	FundingOwed int64  `json:"funding_owed"`
	// Net is PnL minus funding owed.
	Net int64 `json:"net"`
	// OwnerDelta is the change applied to the owner's deposits after the margin unlock.
	OwnerDelta int64  `json:"owner_delta"`
	Margin     uint64 `json:"margin"`
	// Liquidation only.
	Fee    uint64 `json:"fee,omitempty"`
	Payout uint64 `json:"payout,omitempty"`
}

func netOf(p *Position, m *MarketState, price uint64) (pnl, owed, net int64, err error) {
	pnl, err = ComputeUnrealizedPnL(p.Direction, p.EntryPrice, price, p.Size)
	if err != nil {
		return 0, 0, 0, err
	}
	owed, err = m.FundingOwed(p)
	if err != nil {
		return 0, 0, 0, err
	}
	net, err = fpmath.SubI64(pnl, owed)
	if err != nil {
		return 0, 0, 0, err
	}
	return pnl, owed, net, nil
}

// ComputeCloseSettlement settles an owner-initiated close at price. A loss is
// bounded by the position's own margin; other collateral in the vault is untouched.
func ComputeCloseSettlement(p *Position, m *MarketState, price uint64) (*Settlement, error) {
	pnl, owed, net, err := netOf(p, m, price)
	if err != nil {
		return nil, err
	}
	margin, err := fpmath.ToInt64(p.Margin)
	if err != nil {
		return nil, err
	}

	delta := net
	if net < -margin {
		delta = -margin
	}

	return &Settlement{
		ExitPrice:   price,
		PnL:         pnl,
		FundingOwed: owed,
		Net:         net,
		OwnerDelta:  delta,
		Margin:      p.Margin,
	}, nil
}

// ComputeLiquidationSettlement settles a forced close: the liquidator earns
// margin * fee_bps / 10_000 and the owner keeps max(0, margin + net - fee).
func ComputeLiquidationSettlement(p *Position, m *MarketState, price uint64) (*Settlement, error) {
	pnl, owed, net, err := netOf(p, m, price)
	if err != nil {
		return nil, err
	}
	margin, err := fpmath.ToInt64(p.Margin)
	if err != nil {
		return nil, err
	}
	effective, err := fpmath.AddI64(margin, net)
	if err != nil {
		return nil, err
	}
	if effective < 0 {
		effective = 0
	}

	fee, err := fpmath.MulDiv(p.Margin, uint64(m.Risk.LiquidationFeeBPS), fpmath.BPSPrecision)
	if err != nil {
		return nil, err
	}

	var payout uint64
	if uint64(effective) > fee {
		payout = uint64(effective) - fee
	}

	signedPayout, err := fpmath.ToInt64(payout)
	if err != nil {
		return nil, err
	}
	delta, err := fpmath.SubI64(signedPayout, margin)
	if err != nil {
		return nil, err
	}

	return &Settlement{
		ExitPrice:   price,
		PnL:         pnl,
		FundingOwed: owed,
		Net:         net,
		OwnerDelta:  delta,
		Margin:      p.Margin,
		Fee:         fee,
		Payout:      payout,
	}, nil
}
