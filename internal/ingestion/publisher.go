package ingestion

import (
	"PerpCore/internal/persistence"
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/nats-io/nats.go/jetstream"
	"github.com/rs/zerolog"
)

const (
	// EventsStream carries committed operations for downstream consumers.
	EventsStream = "PERP_CORE_EVENTS"
	// EventsSubjectPrefix is followed by the operation name.
	EventsSubjectPrefix = "perp.core.events."
)

// OutboundPublisher publishes committed operations to NATS after they are
// persisted. Subjects follow the pattern perp.core.events.{op}.
type OutboundPublisher struct {
	js        jetstream.JetStream
	inputChan <-chan persistence.EventRow
	logger    zerolog.Logger
}

// PublishableEvent is the outbound wire form of a committed operation.
type PublishableEvent struct {
	Sequence       int64           `json:"sequence"`
	OpType         string          `json:"op_type"`
	IdempotencyKey string          `json:"idempotency_key,omitempty"`
	Caller         string          `json:"caller"`
	Receipt        json.RawMessage `json:"receipt"`
	StateHash      string          `json:"state_hash"`
	PrevHash       string          `json:"prev_hash"`
	Timestamp      time.Time       `json:"timestamp"`
}

// NewPublishableEvent converts a persisted event row.
func NewPublishableEvent(e persistence.EventRow) PublishableEvent {
	p := PublishableEvent{
		Sequence:  e.Sequence,
		OpType:    e.OpType,
		Caller:    e.Caller.String(),
		Receipt:   json.RawMessage(e.Result),
		StateHash: hex.EncodeToString(e.StateHash),
		PrevHash:  hex.EncodeToString(e.PrevHash),
		Timestamp: e.Timestamp,
	}
	if e.IdempotencyKey != nil {
		p.IdempotencyKey = *e.IdempotencyKey
	}
	return p
}

// Subject returns the outbound subject for the event.
func (p PublishableEvent) Subject() string {
	return EventsSubjectPrefix + p.OpType
}

func NewOutboundPublisher(js jetstream.JetStream, inputChan <-chan persistence.EventRow, logger zerolog.Logger) *OutboundPublisher {
	return &OutboundPublisher{
		js:        js,
		inputChan: inputChan,
		logger:    logger,
	}
}

// Run starts the outbound publisher loop.
func (op *OutboundPublisher) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case row, ok := <-op.inputChan:
			if !ok {
				return nil
			}

			if err := op.publish(ctx, NewPublishableEvent(row)); err != nil {
				// Non-fatal: downstream consumers can read the event log directly
				op.logger.Warn().Err(err).Int64("sequence", row.Sequence).Msg("outbound publish failed")
			}
		}
	}
}

func (op *OutboundPublisher) publish(ctx context.Context, evt PublishableEvent) error {
	data, err := json.Marshal(evt)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}

	// The sequence doubles as the JetStream message id, so a republish after
	// restart is deduplicated by the stream.
	_, err = op.js.Publish(ctx, evt.Subject(), data, jetstream.WithMsgID(strconv.FormatInt(evt.Sequence, 10)))
	return err
}

// EnsureOutboundStream creates the outbound events stream.
func EnsureOutboundStream(ctx context.Context, js jetstream.JetStream) error {
	_, err := js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:       EventsStream,
		Subjects:   []string{EventsSubjectPrefix + ">"},
		Storage:    jetstream.FileStorage,
		Retention:  jetstream.LimitsPolicy,
		MaxAge:     72 * time.Hour,
		Replicas:   1,
		Duplicates: 10 * time.Minute,
	})
	if err != nil {
		return fmt.Errorf("create outbound stream: %w", err)
	}
	return nil
}
