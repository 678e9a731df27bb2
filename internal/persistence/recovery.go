package persistence

import (
	"context"
	"database/sql"
	"fmt"
)

// RecoveryManager reads the event log on startup. Records live in the core
// schema, so a restart only needs the chain tip to resume sequencing.
type RecoveryManager struct {
	db *sql.DB
}

// RecoveryPoint is where the engine resumes: the last persisted sequence and
// its state hash. Zero values mean an empty log.
type RecoveryPoint struct {
	Sequence  int64
	StateHash [32]byte
}

func NewRecoveryManager(db *sql.DB) *RecoveryManager {
	return &RecoveryManager{db: db}
}

// LoadRecoveryPoint returns the tip of the event log.
func (rm *RecoveryManager) LoadRecoveryPoint(ctx context.Context) (*RecoveryPoint, error) {
	var seq int64
	var hash []byte
	err := rm.db.QueryRowContext(ctx, `
		SELECT sequence, state_hash FROM event_log.events
		ORDER BY sequence DESC
		LIMIT 1
	`).Scan(&seq, &hash)
	if err == sql.ErrNoRows {
		return &RecoveryPoint{}, nil // Empty event log: cold start
	}
	if err != nil {
		return nil, fmt.Errorf("load chain tip: %w", err)
	}
	if len(hash) != 32 {
		return nil, fmt.Errorf("event %d has a %d-byte state hash", seq, len(hash))
	}

	rp := &RecoveryPoint{Sequence: seq}
	copy(rp.StateHash[:], hash)
	return rp, nil
}

// LoadEventsFrom loads events with sequence >= fromSequence for replay.
func (rm *RecoveryManager) LoadEventsFrom(ctx context.Context, fromSequence int64, limit int) ([]EventRow, error) {
	rows, err := rm.db.QueryContext(ctx, `
		SELECT sequence, op_type, idempotency_key, caller, payload, result,
		       state_hash, prev_hash, timestamp
		FROM event_log.events
		WHERE sequence >= $1
		ORDER BY sequence ASC
		LIMIT $2
	`, fromSequence, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []EventRow
	for rows.Next() {
		var e EventRow
		var key sql.NullString
		if err := rows.Scan(
			&e.Sequence, &e.OpType, &key, &e.Caller, &e.Payload, &e.Result,
			&e.StateHash, &e.PrevHash, &e.Timestamp,
		); err != nil {
			return nil, err
		}
		if key.Valid {
			e.IdempotencyKey = &key.String
		}
		events = append(events, e)
	}

	return events, rows.Err()
}

// GetLatestSequence returns the highest sequence in the event log.
func (rm *RecoveryManager) GetLatestSequence(ctx context.Context) (int64, error) {
	var seq sql.NullInt64
	err := rm.db.QueryRowContext(ctx, `
		SELECT MAX(sequence) FROM event_log.events
	`).Scan(&seq)
	if err != nil {
		return 0, err
	}
	if !seq.Valid {
		return 0, nil // Empty event log
	}
	return seq.Int64, nil
}
