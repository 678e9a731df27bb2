package projection

import (
	"PerpCore/internal/core"
	"PerpCore/internal/event"
	"PerpCore/internal/persistence"
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/rs/zerolog"
)

const rebuildPageSize = 1000

// Rebuild truncates the projection tables and replays every committed
// receipt from the event log. It returns the number of events replayed.
func Rebuild(ctx context.Context, db *sql.DB, logger zerolog.Logger) (int, error) {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()

	for _, stmt := range []string{
		`TRUNCATE projections.settlements`,
		`TRUNCATE projections.funding_history`,
		`DELETE FROM projections.watermark WHERE worker_id = 'main'`,
	} {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return 0, fmt.Errorf("truncate failed: %w", err)
		}
	}

	rm := persistence.NewRecoveryManager(db)
	replayed := 0
	var last int64
	for from := int64(1); ; {
		events, err := rm.LoadEventsFrom(ctx, from, rebuildPageSize)
		if err != nil {
			return replayed, fmt.Errorf("load events from %d: %w", from, err)
		}
		for _, e := range events {
			op, err := event.ParseOpType(e.OpType)
			if err != nil {
				return replayed, fmt.Errorf("event %d: %w", e.Sequence, err)
			}
			var rcpt core.Receipt
			if err := json.Unmarshal(e.Result, &rcpt); err != nil {
				return replayed, fmt.Errorf("event %d: decode receipt: %w", e.Sequence, err)
			}
			if _, err := Apply(ctx, tx, e.Sequence, op, &rcpt); err != nil {
				return replayed, fmt.Errorf("event %d: %w", e.Sequence, err)
			}
			last = e.Sequence
			replayed++
		}
		if len(events) < rebuildPageSize {
			break
		}
		from = last + 1
	}

	if last > 0 {
		if err := WriteWatermark(ctx, tx, last); err != nil {
			return replayed, err
		}
	}
	if err := tx.Commit(); err != nil {
		return replayed, err
	}

	logger.Info().Int("events", replayed).Int64("last_sequence", last).Msg("projection rebuild complete")
	return replayed, nil
}
