package persistence

import (
	"PerpCore/internal/core"
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// maxRowsPerInsert keeps multi-row INSERTs below Postgres' 65535 parameter limit.
const maxRowsPerInsert = 1000

// EventLogWriter writes events and journals to Postgres using multi-row INSERTs.
type EventLogWriter struct {
	db *sql.DB
}

// EventRow represents a row in event_log.events
type EventRow struct {
	Sequence       int64
	OpType         string
	IdempotencyKey *string
	Caller         uuid.UUID
	Payload        []byte // JSON-encoded operation
	Result         []byte // JSON-encoded receipt
	StateHash      []byte
	PrevHash       []byte
	Timestamp      time.Time
}

// JournalRow represents a row in event_log.journal
type JournalRow struct {
	JournalID     uuid.UUID
	BatchID       uuid.UUID
	EventRef      string
	Sequence      int64
	DebitAccount  string
	CreditAccount string
	Asset         string
	Amount        int64
	JournalType   int32
	Timestamp     int64
}

func NewEventLogWriter(db *sql.DB) *EventLogWriter {
	return &EventLogWriter{db: db}
}

// RowsFromOutput converts one engine commit into its log rows.
func RowsFromOutput(out core.CoreOutput) (EventRow, []JournalRow) {
	env := out.Envelope
	row := EventRow{
		Sequence:  env.Sequence,
		OpType:    env.OpType.String(),
		Caller:    env.Caller,
		Payload:   env.Payload,
		Result:    env.Result,
		StateHash: append([]byte(nil), env.StateHash[:]...),
		PrevHash:  append([]byte(nil), env.PrevHash[:]...),
		Timestamp: time.Unix(env.Timestamp, 0).UTC(),
	}
	if env.RequestID != "" {
		key := env.RequestID
		row.IdempotencyKey = &key
	}

	var journals []JournalRow
	if out.Batch != nil {
		journals = make([]JournalRow, 0, len(out.Batch.Journals))
		for _, j := range out.Batch.Journals {
			journals = append(journals, JournalRow{
				JournalID:     j.JournalID,
				BatchID:       j.BatchID,
				EventRef:      j.EventRef,
				Sequence:      j.Sequence,
				DebitAccount:  j.DebitAccount.Path(),
				CreditAccount: j.CreditAccount.Path(),
				Asset:         j.Asset,
				Amount:        j.Amount,
				JournalType:   int32(j.JournalType),
				Timestamp:     j.Timestamp,
			})
		}
	}
	return row, journals
}

// WriteBatch writes events and their journals in a single transaction.
func (w *EventLogWriter) WriteBatch(ctx context.Context, events []EventRow, journals []JournalRow) error {
	tx, err := w.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	if err := w.WriteEventBatch(ctx, tx, events); err != nil {
		return fmt.Errorf("write events: %w", err)
	}
	if err := w.WriteJournalBatch(ctx, tx, journals); err != nil {
		return fmt.Errorf("write journals: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

// WriteEventBatch writes a batch of events to event_log.events using multi-row INSERT.
func (w *EventLogWriter) WriteEventBatch(ctx context.Context, tx *sql.Tx, events []EventRow) error {
	for start := 0; start < len(events); start += maxRowsPerInsert {
		end := start + maxRowsPerInsert
		if end > len(events) {
			end = len(events)
		}
		chunk := events[start:end]

		query := `INSERT INTO event_log.events
			(sequence, op_type, idempotency_key, caller, payload, result, state_hash, prev_hash, timestamp)
			VALUES `

		values := make([]string, 0, len(chunk))
		args := make([]interface{}, 0, len(chunk)*9)

		for i, e := range chunk {
			base := i * 9
			values = append(values, fmt.Sprintf(
				"($%d, $%d, $%d, $%d, $%d, $%d, $%d, $%d, $%d)",
				base+1, base+2, base+3, base+4, base+5, base+6, base+7, base+8, base+9,
			))
			args = append(args,
				e.Sequence, e.OpType, e.IdempotencyKey, e.Caller,
				e.Payload, e.Result, e.StateHash, e.PrevHash, e.Timestamp,
			)
		}

		query += strings.Join(values, ", ")
		query += " ON CONFLICT (sequence) DO NOTHING" // Idempotent writes

		if _, err := tx.ExecContext(ctx, query, args...); err != nil {
			return err
		}
	}
	return nil
}

// WriteJournalBatch writes a batch of journal entries to event_log.journal.
func (w *EventLogWriter) WriteJournalBatch(ctx context.Context, tx *sql.Tx, journals []JournalRow) error {
	for start := 0; start < len(journals); start += maxRowsPerInsert {
		end := start + maxRowsPerInsert
		if end > len(journals) {
			end = len(journals)
		}
		chunk := journals[start:end]

		query := `INSERT INTO event_log.journal
			(journal_id, batch_id, event_ref, sequence, debit_account, credit_account, asset, amount, journal_type, timestamp)
			VALUES `

		values := make([]string, 0, len(chunk))
		args := make([]interface{}, 0, len(chunk)*10)

		for i, j := range chunk {
			base := i * 10
			values = append(values, fmt.Sprintf(
				"($%d, $%d, $%d, $%d, $%d, $%d, $%d, $%d, $%d, $%d)",
				base+1, base+2, base+3, base+4, base+5, base+6, base+7, base+8, base+9, base+10,
			))
			args = append(args,
				j.JournalID, j.BatchID, j.EventRef, j.Sequence,
				j.DebitAccount, j.CreditAccount, j.Asset, j.Amount,
				j.JournalType, j.Timestamp,
			)
		}

		query += strings.Join(values, ", ")
		query += " ON CONFLICT (journal_id) DO NOTHING"

		if _, err := tx.ExecContext(ctx, query, args...); err != nil {
			return err
		}
	}
	return nil
}
