package ingestion

import (
	"PerpCore/internal/event"
	"PerpCore/internal/observability"
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/rs/zerolog"
)

const (
	// OpsStream holds inbound operations, one subject per operation.
	OpsStream = "PERP_OPS"
	// OpsSubjectPrefix is followed by the operation name, e.g. perp.ops.deposit.
	OpsSubjectPrefix = "perp.ops."
	// RPCSubjectPrefix serves synchronous core-NATS requests, e.g. perp.rpc.deposit.
	RPCSubjectPrefix = "perp.rpc."
	// ReplyToHeader names a subject that receives the Reply for a JetStream message.
	ReplyToHeader = "Perp-Reply-To"
)

// NATSSubscriber feeds operations from NATS into the engine. JetStream
// subjects give durable, at-least-once intake; the request idempotency key
// makes redelivery safe. Core-NATS request/reply serves interactive callers.
type NATSSubscriber struct {
	nc        *nats.Conn
	js        jetstream.JetStream
	exec      Executor
	metrics   *observability.Metrics
	logger    zerolog.Logger
	consumers []jetstream.ConsumeContext
	subs      []*nats.Subscription
}

// SubjectConfig maps a NATS subject to an operation.
type SubjectConfig struct {
	Subject      string
	OpName       string
	ConsumerName string
	StreamName   string
}

// DefaultSubjects returns one durable consumer per operation.
func DefaultSubjects() []SubjectConfig {
	subjects := make([]SubjectConfig, 0, len(event.AllOpTypes))
	for _, t := range event.AllOpTypes {
		subjects = append(subjects, SubjectConfig{
			Subject:      OpsSubjectPrefix + t.String(),
			OpName:       t.String(),
			ConsumerName: "core-" + strings.ReplaceAll(t.String(), "_", "-"),
			StreamName:   OpsStream,
		})
	}
	return subjects
}

func NewNATSSubscriber(nc *nats.Conn, js jetstream.JetStream, exec Executor, metrics *observability.Metrics, logger zerolog.Logger) *NATSSubscriber {
	return &NATSSubscriber{
		nc:      nc,
		js:      js,
		exec:    exec,
		metrics: metrics,
		logger:  logger,
	}
}

// Subscribe creates JetStream consumers for all configured subjects.
// Consumers use explicit ACK, max_deliver=5, ack_wait=30s.
func (ns *NATSSubscriber) Subscribe(ctx context.Context, subjects []SubjectConfig) error {
	for _, cfg := range subjects {
		consumer, err := ns.js.CreateOrUpdateConsumer(ctx, cfg.StreamName, jetstream.ConsumerConfig{
			Durable:       cfg.ConsumerName,
			FilterSubject: cfg.Subject,
			AckPolicy:     jetstream.AckExplicitPolicy,
			AckWait:       30 * time.Second,
			MaxDeliver:    5,
			DeliverPolicy: jetstream.DeliverAllPolicy,
		})
		if err != nil {
			return fmt.Errorf("create consumer %s: %w", cfg.ConsumerName, err)
		}

		opName := cfg.OpName
		consumerContext, err := consumer.Consume(func(msg jetstream.Msg) {
			ns.handleStream(ctx, opName, msg)
		})
		if err != nil {
			return fmt.Errorf("consume %s: %w", cfg.ConsumerName, err)
		}

		ns.consumers = append(ns.consumers, consumerContext)
		ns.logger.Info().Str("subject", cfg.Subject).Str("consumer", cfg.ConsumerName).Msg("subscribed")
	}

	return nil
}

// ServeRequests answers core-NATS requests on perp.rpc.<op> in a queue group,
// so several instances can share the load.
func (ns *NATSSubscriber) ServeRequests(ctx context.Context, queue string) error {
	sub, err := ns.nc.QueueSubscribe(RPCSubjectPrefix+">", queue, func(msg *nats.Msg) {
		opName := strings.TrimPrefix(msg.Subject, RPCSubjectPrefix)
		reply, _ := ns.dispatch(ctx, opName, msg.Data, time.Now())
		data, err := json.Marshal(reply)
		if err != nil {
			ns.logger.Error().Err(err).Str("op", opName).Msg("encode reply")
			return
		}
		if err := msg.Respond(data); err != nil {
			ns.logger.Warn().Err(err).Str("op", opName).Msg("respond failed")
		}
	})
	if err != nil {
		return fmt.Errorf("subscribe %s>: %w", RPCSubjectPrefix, err)
	}
	ns.subs = append(ns.subs, sub)
	ns.logger.Info().Str("subject", RPCSubjectPrefix+">").Str("queue", queue).Msg("serving requests")
	return nil
}

func (ns *NATSSubscriber) handleStream(ctx context.Context, opName string, msg jetstream.Msg) {
	published := time.Now()
	if md, err := msg.Metadata(); err == nil {
		published = md.Timestamp
	}

	reply, disp := ns.dispatch(ctx, opName, msg.Data(), published)

	if replyTo := msg.Headers().Get(ReplyToHeader); replyTo != "" && disp != Nak {
		if data, err := json.Marshal(reply); err == nil {
			if err := ns.nc.Publish(replyTo, data); err != nil {
				ns.logger.Warn().Err(err).Str("reply_to", replyTo).Msg("reply publish failed")
			}
		}
	}

	var err error
	switch disp {
	case Ack:
		err = msg.Ack()
	case Term:
		err = msg.Term()
	case Nak:
		err = msg.NakWithDelay(time.Second)
	}
	if err != nil {
		ns.logger.Warn().Err(err).Str("op", opName).Str("disposition", disp.String()).Msg("message settle failed")
	}
}

func (ns *NATSSubscriber) dispatch(ctx context.Context, opName string, data []byte, received time.Time) (Reply, Disposition) {
	reply, disp := Dispatch(ctx, ns.exec, opName, data)

	switch {
	case disp == Nak:
		ns.logger.Warn().Str("op", opName).Str("error", reply.Error.Message).Msg("operation failed, will redeliver")
	case reply.Error != nil:
		ns.logger.Debug().Str("op", opName).Str("code", reply.Error.Code).Msg("operation rejected")
	case ns.metrics != nil:
		ns.metrics.IngestToApply.WithLabelValues(opName).Observe(time.Since(received).Seconds())
	}
	return reply, disp
}

// EnsureStreams creates the inbound operations stream if it doesn't exist.
// The stream uses FileStorage, retention=Limits, max_age=72h.
func EnsureStreams(ctx context.Context, js jetstream.JetStream) error {
	cfg := jetstream.StreamConfig{
		Name:       OpsStream,
		Subjects:   []string{OpsSubjectPrefix + ">"},
		Storage:    jetstream.FileStorage,
		Retention:  jetstream.LimitsPolicy,
		MaxAge:     72 * time.Hour,
		Replicas:   1,
		Duplicates: 2 * time.Minute,
	}
	if _, err := js.CreateOrUpdateStream(ctx, cfg); err != nil {
		return fmt.Errorf("create stream %s: %w", cfg.Name, err)
	}
	return nil
}

// Stop gracefully stops all consumers and request subscriptions.
func (ns *NATSSubscriber) Stop() {
	for _, cc := range ns.consumers {
		cc.Stop()
	}
	for _, sub := range ns.subs {
		sub.Drain()
	}
	ns.logger.Info().Msg("NATS subscribers stopped")
}

// ConnectNATS establishes a NATS connection and returns a JetStream context.
func ConnectNATS(url string, logger zerolog.Logger) (*nats.Conn, jetstream.JetStream, error) {
	nc, err := nats.Connect(url,
		nats.Name("perpcore"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			logger.Warn().Err(err).Msg("NATS disconnected")
		}),
		nats.ReconnectHandler(func(_ *nats.Conn) {
			logger.Info().Msg("NATS reconnected")
		}),
	)
	if err != nil {
		return nil, nil, fmt.Errorf("nats connect: %w", err)
	}

	js, err := jetstream.New(nc)
	if err != nil {
		nc.Close()
		return nil, nil, fmt.Errorf("jetstream: %w", err)
	}

	return nc, js, nil
}
