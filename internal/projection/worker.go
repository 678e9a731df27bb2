package projection

import (
	"PerpCore/internal/core"
	"PerpCore/internal/event"
	"PerpCore/internal/observability"
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/rs/zerolog"
)

// Execer is the subset of *sql.Tx the projection writers need.
type Execer interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
}

// ProjectionWorker updates projection tables from committed operations.
// The projection channel is non-blocking with drop on the engine side, so
// the tables may lag or miss rows; Rebuild restores them from the event log.
type ProjectionWorker struct {
	db        *sql.DB
	inputChan <-chan core.CoreOutput
	metrics   *observability.Metrics
	logger    zerolog.Logger
	lastSeq   int64
}

func NewProjectionWorker(db *sql.DB, inputChan <-chan core.CoreOutput, metrics *observability.Metrics, logger zerolog.Logger) *ProjectionWorker {
	return &ProjectionWorker{
		db:        db,
		inputChan: inputChan,
		metrics:   metrics,
		logger:    logger,
	}
}

// Run starts the projection worker loop.
func (pw *ProjectionWorker) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case output, ok := <-pw.inputChan:
			if !ok {
				return nil
			}
			if output.Envelope == nil || output.Receipt == nil {
				continue
			}

			seq := output.Envelope.Sequence
			if err := pw.process(ctx, seq, output.Envelope.OpType, output.Receipt); err != nil {
				// Projections are eventually consistent and can be rebuilt.
				pw.logger.Warn().Err(err).Int64("sequence", seq).Msg("projection update failed")
				continue
			}
			pw.lastSeq = seq
		}
	}
}

// LastSequence returns the last sequence applied by Run.
func (pw *ProjectionWorker) LastSequence() int64 {
	return pw.lastSeq
}

func (pw *ProjectionWorker) process(ctx context.Context, seq int64, op event.OpType, rcpt *core.Receipt) error {
	tx, err := pw.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if err := pw.apply(ctx, tx, seq, op, rcpt); err != nil {
		return err
	}
	if err := WriteWatermark(ctx, tx, seq); err != nil {
		return err
	}
	return tx.Commit()
}

func (pw *ProjectionWorker) apply(ctx context.Context, tx Execer, seq int64, op event.OpType, rcpt *core.Receipt) error {
	start := time.Now()
	name, err := Apply(ctx, tx, seq, op, rcpt)
	if err != nil {
		return err
	}
	if name != "" && pw.metrics != nil {
		pw.metrics.ProjectionUpdateDur.WithLabelValues(name).Observe(time.Since(start).Seconds())
	}
	return nil
}

// Apply writes the projection rows for one committed receipt and returns the
// name of the projection it touched, or "" when the operation projects nothing.
func Apply(ctx context.Context, tx Execer, seq int64, op event.OpType, rcpt *core.Receipt) (string, error) {
	switch op {
	case event.OpTypeClosePosition, event.OpTypeLiquidate:
		if err := writeSettlement(ctx, tx, seq, op, rcpt); err != nil {
			return "", fmt.Errorf("settlements projection: %w", err)
		}
		return "settlements", nil
	case event.OpTypeApplyFunding:
		if err := writeFunding(ctx, tx, seq, rcpt); err != nil {
			return "", fmt.Errorf("funding projection: %w", err)
		}
		return "funding_history", nil
	}
	return "", nil
}

// WriteWatermark records the last sequence reflected in the projections.
func WriteWatermark(ctx context.Context, tx Execer, seq int64) error {
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO projections.watermark (worker_id, last_sequence, updated_at)
		VALUES ('main', $1, NOW())
		ON CONFLICT (worker_id) DO UPDATE
			SET last_sequence = GREATEST(projections.watermark.last_sequence, $1), updated_at = NOW()
	`, seq); err != nil {
		return fmt.Errorf("watermark update: %w", err)
	}
	return nil
}
