package ingestion

import (
	"context"
	"encoding/json"
	"fmt"

	"PerpSettle/internal/core"
	"PerpSettle/internal/event"
	"PerpSettle/internal/ledger"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/rs/zerolog"
)

// PublisherConfig names the outbound event stream.
type PublisherConfig struct {
	Stream        string
	SubjectPrefix string
}

func DefaultPublisherConfig() PublisherConfig {
	return PublisherConfig{
		Stream:        "SETTLE_EVENTS",
		SubjectPrefix: "settle.events",
	}
}

// OutboundPublisher publishes committed events to NATS for downstream
// reconciliation. Subjects follow {prefix}.{EventType}[.{market}].
type OutboundPublisher struct {
	js        jetstream.JetStream
	cfg       PublisherConfig
	inputChan <-chan *core.Output
	logger    zerolog.Logger
}

// PublishedEvent is the outbound wire form of one envelope.
type PublishedEvent struct {
	EventID    uuid.UUID        `json:"event_id"`
	CommandSeq int64            `json:"command_seq"`
	Index      int              `json:"index"`
	RecordSeq  *uint32          `json:"record_seq,omitempty"`
	EventType  string           `json:"event_type"`
	MarketID   *ledger.MarketID `json:"market_id,omitempty"`
	Status     event.Status     `json:"status"`
	Payload    json.RawMessage  `json:"payload"`
	StateHash  common.Hash      `json:"state_hash"`
}

func NewOutboundPublisher(js jetstream.JetStream, cfg PublisherConfig, inputChan <-chan *core.Output, logger zerolog.Logger) *OutboundPublisher {
	return &OutboundPublisher{
		js:        js,
		cfg:       cfg,
		inputChan: inputChan,
		logger:    logger,
	}
}

// Run publishes until ctx is cancelled or the input channel closes.
func (op *OutboundPublisher) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case out, ok := <-op.inputChan:
			if !ok {
				return nil
			}
			for _, msg := range Outbound(out) {
				if err := op.publish(ctx, msg); err != nil {
					// Downstream consumers can read the event log directly.
					op.logger.Warn().Err(err).Int64("command_seq", msg.CommandSeq).Msg("outbound publish failed")
				}
			}
		}
	}
}

// Outbound converts a committed output into its outbound events.
func Outbound(out *core.Output) []PublishedEvent {
	msgs := make([]PublishedEvent, 0, len(out.Envelopes))
	for _, env := range out.Envelopes {
		msgs = append(msgs, PublishedEvent{
			EventID:    env.EventID,
			CommandSeq: env.CommandSeq,
			Index:      env.Index,
			RecordSeq:  env.RecordSeq,
			EventType:  env.EventType.String(),
			MarketID:   env.MarketID,
			Status:     env.Status,
			Payload:    env.Payload,
			StateHash:  out.StateHash,
		})
	}
	return msgs
}

// Subject returns the subject an event is published on.
func (cfg PublisherConfig) Subject(evt PublishedEvent) string {
	subject := fmt.Sprintf("%s.%s", cfg.SubjectPrefix, evt.EventType)
	if evt.MarketID != nil {
		subject = fmt.Sprintf("%s.%d", subject, *evt.MarketID)
	}
	return subject
}

func (op *OutboundPublisher) publish(ctx context.Context, evt PublishedEvent) error {
	data, err := json.Marshal(evt)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	_, err = op.js.Publish(ctx, op.cfg.Subject(evt), data, jetstream.WithMsgID(evt.EventID.String()))
	return err
}
