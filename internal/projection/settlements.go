package projection

import (
	"PerpCore/internal/core"
	"PerpCore/internal/event"
	"context"
	"errors"

	"github.com/google/uuid"
)

func writeSettlement(ctx context.Context, tx Execer, seq int64, op event.OpType, rcpt *core.Receipt) error {
	p, s := rcpt.Position, rcpt.Settlement
	if p == nil || s == nil {
		return errors.New("receipt carries no settlement")
	}

	kind := "close"
	var liquidator uuid.NullUUID
	if op == event.OpTypeLiquidate {
		kind = "liquidation"
		if rcpt.Liquidator != nil {
			liquidator = uuid.NullUUID{UUID: rcpt.Liquidator.Owner, Valid: true}
		}
	}

	_, err := tx.ExecContext(ctx, `
		INSERT INTO projections.settlements (
			sequence, kind, owner, position_id, direction, exit_price, pnl,
			funding_owed, owner_delta, margin, fee, liquidator, settled_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
		ON CONFLICT (sequence) DO NOTHING
	`,
		seq, kind, p.Owner, int64(p.PositionID), int16(p.Direction), int64(s.ExitPrice), s.PnL,
		s.FundingOwed, s.OwnerDelta, int64(s.Margin), int64(s.Fee), liquidator, rcpt.Timestamp,
	)
	return err
}

func writeFunding(ctx context.Context, tx Execer, seq int64, rcpt *core.Receipt) error {
	f := rcpt.Funding
	if f == nil {
		return errors.New("receipt carries no funding application")
	}
	_, err := tx.ExecContext(ctx, `
		INSERT INTO projections.funding_history (
			sequence, rate, accrual, elapsed_seconds, long_open_interest,
			short_open_interest, cumulative_long, cumulative_short, applied_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (sequence) DO NOTHING
	`,
		seq, f.Rate, f.Accrual, f.ElapsedSeconds, int64(f.LongOpenInterest),
		int64(f.ShortOpenInterest), f.CumulativeLong, f.CumulativeShort, f.AppliedAt,
	)
	return err
}
