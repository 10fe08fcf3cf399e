package ingestion

import (
	"context"
	"fmt"
	"strings"
	"time"

	"SolvencyLedger/internal/event"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/rs/zerolog"
)

// Stream names. Stability Pool commands and position lifecycle events come
// from different producers and are ordered independently.
const (
	StreamStability = "SOLV_STABILITY"
	StreamPositions = "SOLV_POSITIONS"
	StreamOutbound  = "SOLV_LEDGER_EVENTS"

	streamMaxAge = 72 * time.Hour
)

// RawEvent is an undecoded message from NATS.
type RawEvent struct {
	Subject   string
	Data      []byte
	Timestamp time.Time
	AckFunc   func()
	NakFunc   func()
}

// SubjectConfig maps a NATS subject to an event type.
type SubjectConfig struct {
	Subject      string
	EventType    event.EventType
	ConsumerName string
	StreamName   string
}

// DefaultSubjects returns one subject per event type.
func DefaultSubjects() []SubjectConfig {
	return []SubjectConfig{
		{Subject: "solvency.stability.provide.>", EventType: event.EventTypeStabilityDepositProvided, ConsumerName: "ledger-sp-provide", StreamName: StreamStability},
		{Subject: "solvency.stability.withdraw.>", EventType: event.EventTypeStabilityDepositWithdrawn, ConsumerName: "ledger-sp-withdraw", StreamName: StreamStability},
		{Subject: "solvency.stability.realize.>", EventType: event.EventTypeStabilityGainsRealized, ConsumerName: "ledger-sp-realize", StreamName: StreamStability},
		{Subject: "solvency.positions.opened.>", EventType: event.EventTypePositionOpened, ConsumerName: "ledger-pos-open", StreamName: StreamPositions},
		{Subject: "solvency.positions.adjusted.>", EventType: event.EventTypePositionAdjusted, ConsumerName: "ledger-pos-adjust", StreamName: StreamPositions},
		{Subject: "solvency.positions.closed.>", EventType: event.EventTypePositionClosed, ConsumerName: "ledger-pos-close", StreamName: StreamPositions},
		{Subject: "solvency.positions.liquidated.>", EventType: event.EventTypePositionLiquidated, ConsumerName: "ledger-pos-liquidate", StreamName: StreamPositions},
	}
}

// Router resolves NATS subjects to event types by longest matching prefix.
type Router struct {
	prefixes map[string]event.EventType
}

func NewRouter(subjects []SubjectConfig) *Router {
	r := &Router{prefixes: make(map[string]event.EventType, len(subjects))}
	for _, cfg := range subjects {
		r.prefixes[strings.TrimSuffix(cfg.Subject, ".>")] = cfg.EventType
	}
	return r
}

// Resolve returns the event type for subject.
func (r *Router) Resolve(subject string) (event.EventType, bool) {
	best := ""
	et := event.EventTypeUnknown
	for prefix, t := range r.prefixes {
		if (subject == prefix || strings.HasPrefix(subject, prefix+".")) && len(prefix) > len(best) {
			best, et = prefix, t
		}
	}
	return et, best != ""
}

// NATSSubscriber consumes JetStream subjects and forwards raw messages.
type NATSSubscriber struct {
	js        jetstream.JetStream
	eventChan chan<- RawEvent
	consumers []jetstream.ConsumeContext
	logger    zerolog.Logger
}

func NewNATSSubscriber(js jetstream.JetStream, eventChan chan<- RawEvent, logger zerolog.Logger) *NATSSubscriber {
	return &NATSSubscriber{js: js, eventChan: eventChan, logger: logger}
}

// Subscribe creates a durable consumer per subject. Consumers use explicit
// ack, max_deliver=5 and ack_wait=30s.
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

		cc, err := consumer.Consume(func(msg jetstream.Msg) {
			raw := RawEvent{
				Subject:   msg.Subject(),
				Data:      msg.Data(),
				Timestamp: time.Now(),
				AckFunc:   func() { _ = msg.Ack() },
				NakFunc:   func() { _ = msg.Nak() },
			}
			select {
			case ns.eventChan <- raw:
			case <-ctx.Done():
				_ = msg.Nak()
			}
		})
		if err != nil {
			return fmt.Errorf("consume %s: %w", cfg.ConsumerName, err)
		}

		ns.consumers = append(ns.consumers, cc)
		ns.logger.Info().Str("subject", cfg.Subject).Str("consumer", cfg.ConsumerName).Msg("subscribed")
	}
	return nil
}

// Stop stops all consumers.
func (ns *NATSSubscriber) Stop() {
	for _, cc := range ns.consumers {
		cc.Stop()
	}
	ns.logger.Info().Msg("NATS subscribers stopped")
}

// EnsureStreams creates the inbound and outbound streams if missing.
func EnsureStreams(ctx context.Context, js jetstream.JetStream, logger zerolog.Logger) error {
	streams := []jetstream.StreamConfig{
		{Name: StreamStability, Subjects: []string{"solvency.stability.>"}},
		{Name: StreamPositions, Subjects: []string{"solvency.positions.>"}},
		{Name: StreamOutbound, Subjects: []string{outboundSubjectPrefix + ".>"}, Duplicates: 2 * time.Minute},
	}
	for _, cfg := range streams {
		cfg.Storage = jetstream.FileStorage
		cfg.Retention = jetstream.LimitsPolicy
		cfg.MaxAge = streamMaxAge
		cfg.Replicas = 1
		if _, err := js.CreateOrUpdateStream(ctx, cfg); err != nil {
			return fmt.Errorf("create stream %s: %w", cfg.Name, err)
		}
		logger.Info().Str("stream", cfg.Name).Msg("ensured stream")
	}
	return nil
}

// ConnectNATS establishes a NATS connection and returns a JetStream context.
func ConnectNATS(url string, logger zerolog.Logger) (*nats.Conn, jetstream.JetStream, error) {
	nc, err := nats.Connect(url,
		nats.Name("solvency-ledger"),
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
