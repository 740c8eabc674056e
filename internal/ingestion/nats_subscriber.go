package ingestion

import (
	"context"
	"fmt"
	"time"

	"PerpSettle/internal/observability"

	"github.com/ethereum/go-ethereum/common"
	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/rs/zerolog"
)

// SubscriberConfig names the JetStream stream and durable consumer that
// carry sequencer batches.
type SubscriberConfig struct {
	Stream     string
	Subject    string
	Consumer   string
	AckWait    time.Duration
	MaxDeliver int

	// TrustedCaller is used for batches that carry no signature header.
	TrustedCaller common.Address
}

// DefaultSubscriberConfig returns the standard batch subject layout.
func DefaultSubscriberConfig() SubscriberConfig {
	return SubscriberConfig{
		Stream:     "SETTLE_BATCHES",
		Subject:    "settle.batches.>",
		Consumer:   "settle-core",
		AckWait:    30 * time.Second,
		MaxDeliver: 5,
	}
}

// NATSSubscriber consumes framed batches from JetStream and hands them to
// the core loop. Messages are acked by the core loop once the batch has
// a terminal outcome.
type NATSSubscriber struct {
	js        jetstream.JetStream
	batchChan chan<- RawBatch
	metrics   *observability.Metrics
	logger    zerolog.Logger
	consumer  jetstream.ConsumeContext
}

func NewNATSSubscriber(js jetstream.JetStream, batchChan chan<- RawBatch, metrics *observability.Metrics, logger zerolog.Logger) *NATSSubscriber {
	return &NATSSubscriber{
		js:        js,
		batchChan: batchChan,
		metrics:   metrics,
		logger:    logger,
	}
}

// Subscribe creates the durable consumer and starts delivery. Consumers
// use explicit ack and deliver in stream order, one message in flight.
func (ns *NATSSubscriber) Subscribe(ctx context.Context, cfg SubscriberConfig) error {
	consumer, err := ns.js.CreateOrUpdateConsumer(ctx, cfg.Stream, jetstream.ConsumerConfig{
		Durable:       cfg.Consumer,
		FilterSubject: cfg.Subject,
		AckPolicy:     jetstream.AckExplicitPolicy,
		AckWait:       cfg.AckWait,
		MaxDeliver:    cfg.MaxDeliver,
		MaxAckPending: 1,
		DeliverPolicy: jetstream.DeliverAllPolicy,
	})
	if err != nil {
		return fmt.Errorf("create consumer %s: %w", cfg.Consumer, err)
	}

	cc, err := consumer.Consume(func(msg jetstream.Msg) {
		if meta, err := msg.Metadata(); err == nil && ns.metrics != nil {
			ns.metrics.NATSFetchLatency.Observe(time.Since(meta.Timestamp).Seconds())
		}

		raw, err := ParseBatchMessage(msg.Subject(), msg.Headers(), msg.Data(), cfg.TrustedCaller)
		if err != nil {
			// Malformed framing never decodes on redelivery either.
			ns.logger.Warn().Err(err).Str("subject", msg.Subject()).Msg("malformed batch terminated")
			ns.countBatch("malformed")
			_ = msg.Term()
			return
		}
		raw.AckFunc = func() { _ = msg.Ack() }
		raw.NakFunc = func() { _ = msg.Nak() }
		raw.TermFunc = func() { _ = msg.Term() }

		select {
		case ns.batchChan <- raw:
		case <-ctx.Done():
			_ = msg.Nak()
		}
	})
	if err != nil {
		return fmt.Errorf("consume %s: %w", cfg.Consumer, err)
	}
	ns.consumer = cc
	ns.logger.Info().Str("subject", cfg.Subject).Str("consumer", cfg.Consumer).Msg("subscribed")
	return nil
}

func (ns *NATSSubscriber) countBatch(outcome string) {
	if ns.metrics != nil {
		ns.metrics.IngestBatches.WithLabelValues(outcome).Inc()
	}
}

// EnsureStreams creates the inbound batch stream and the outbound event
// stream if they don't exist.
func EnsureStreams(ctx context.Context, js jetstream.JetStream, in SubscriberConfig, out PublisherConfig) error {
	streams := []jetstream.StreamConfig{
		{
			Name:       in.Stream,
			Subjects:   []string{in.Subject},
			Storage:    jetstream.FileStorage,
			Retention:  jetstream.LimitsPolicy,
			MaxAge:     72 * time.Hour,
			Duplicates: 10 * time.Minute,
			Replicas:   1,
		},
		{
			Name:       out.Stream,
			Subjects:   []string{out.SubjectPrefix + ".>"},
			Storage:    jetstream.FileStorage,
			Retention:  jetstream.LimitsPolicy,
			MaxAge:     72 * time.Hour,
			Duplicates: 10 * time.Minute,
			Replicas:   1,
		},
	}
	for _, cfg := range streams {
		if _, err := js.CreateOrUpdateStream(ctx, cfg); err != nil {
			return fmt.Errorf("create stream %s: %w", cfg.Name, err)
		}
	}
	return nil
}

// Stop stops delivery. In-flight messages are redelivered after AckWait.
func (ns *NATSSubscriber) Stop() {
	if ns.consumer != nil {
		ns.consumer.Stop()
	}
	ns.logger.Info().Msg("NATS subscriber stopped")
}

// ConnectNATS establishes a NATS connection and returns a JetStream context.
func ConnectNATS(url string, logger zerolog.Logger) (*nats.Conn, jetstream.JetStream, error) {
	nc, err := nats.Connect(url,
		nats.Name("perpsettle"),
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
