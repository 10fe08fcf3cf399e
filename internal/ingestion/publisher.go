package ingestion

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	"SolvencyLedger/internal/event"
	"SolvencyLedger/internal/observability"

	"github.com/nats-io/nats.go/jetstream"
	"github.com/rs/zerolog"
)

const outboundSubjectPrefix = "solvency.ledger.events"

// Publisher is the subset of jetstream.JetStream the outbound publisher uses.
type Publisher interface {
	Publish(ctx context.Context, subject string, data []byte, opts ...jetstream.PublishOpt) (*jetstream.PubAck, error)
}

// OutboundPublisher publishes durably logged events for downstream
// consumers. It only sees envelopes after the persistence worker has
// committed them.
type OutboundPublisher struct {
	js        Publisher
	inputChan <-chan *event.EventEnvelope
	metrics   *observability.Metrics
	logger    zerolog.Logger
}

// OutboundEvent is the wire form of a published envelope.
type OutboundEvent struct {
	Sequence       int64           `json:"sequence"`
	EventType      string          `json:"event_type"`
	IdempotencyKey string          `json:"idempotency_key"`
	Partition      string          `json:"partition"`
	SourceSequence int64           `json:"source_sequence"`
	Payload        json.RawMessage `json:"payload"`
	StateHash      string          `json:"state_hash"`
	PrevHash       string          `json:"prev_hash"`
	Timestamp      time.Time       `json:"timestamp"`
}

func NewOutboundPublisher(js Publisher, inputChan <-chan *event.EventEnvelope, metrics *observability.Metrics, logger zerolog.Logger) *OutboundPublisher {
	return &OutboundPublisher{js: js, inputChan: inputChan, metrics: metrics, logger: logger}
}

// Run publishes until ctx is done or the input channel closes. Publish
// failures are logged and skipped; the event log stays authoritative.
func (op *OutboundPublisher) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case env, ok := <-op.inputChan:
			if !ok {
				return nil
			}
			if err := op.publish(ctx, env); err != nil {
				op.logger.Warn().Err(err).Int64("sequence", env.Sequence).Msg("outbound publish failed")
				if op.metrics != nil {
					op.metrics.PublishDrops.Inc()
				}
			}
		}
	}
}

func (op *OutboundPublisher) publish(ctx context.Context, env *event.EventEnvelope) error {
	data, err := json.Marshal(ToOutbound(env))
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	// Re-publishes after a restart fall inside the stream's dedup window.
	_, err = op.js.Publish(ctx, OutboundSubject(env.EventType), data,
		jetstream.WithMsgID(env.EventType.String()+":"+env.IdempotencyKey))
	return err
}

// ToOutbound converts an envelope to its published form.
func ToOutbound(env *event.EventEnvelope) OutboundEvent {
	return OutboundEvent{
		Sequence:       env.Sequence,
		EventType:      env.EventType.String(),
		IdempotencyKey: env.IdempotencyKey,
		Partition:      env.Partition,
		SourceSequence: env.SourceSequence,
		Payload:        json.RawMessage(env.Payload),
		StateHash:      hex.EncodeToString(env.StateHash[:]),
		PrevHash:       hex.EncodeToString(env.PrevHash[:]),
		Timestamp:      env.Timestamp,
	}
}

// OutboundSubject is solvency.ledger.events.{event_type}.
func OutboundSubject(et event.EventType) string {
	return outboundSubjectPrefix + "." + et.String()
}
