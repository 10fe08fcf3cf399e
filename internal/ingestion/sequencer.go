package ingestion

import (
	"context"
	"errors"
	"time"

	"SolvencyLedger/internal/core"
	"SolvencyLedger/internal/event"
	"SolvencyLedger/internal/observability"

	"github.com/rs/zerolog"
)

// Result reports what the core did with a submitted event. Sequence is -1
// when the event was a duplicate or was rejected.
type Result struct {
	Sequence int64
	Err      error
}

// Command is one unit of work for the core goroutine. Exactly one of Event
// and Exclusive is set. Done, when non-nil, receives the outcome and must
// have room for one value.
type Command struct {
	Event      event.Event
	ReceivedAt time.Time
	Exclusive  func(*core.DeterministicCore) error
	Done       chan<- Result
}

// Sequencer owns the deterministic core and feeds it one command at a time.
// Everything that reads or mutates core state goes through it.
type Sequencer struct {
	core     *core.DeterministicCore
	commands chan Command
	metrics  *observability.Metrics
	logger   zerolog.Logger
}

func NewSequencer(c *core.DeterministicCore, capacity int, metrics *observability.Metrics, logger zerolog.Logger) *Sequencer {
	return &Sequencer{
		core:     c,
		commands: make(chan Command, capacity),
		metrics:  metrics,
		logger:   logger,
	}
}

// Commands is the inbound channel shared by every ingestion source.
func (s *Sequencer) Commands() chan<- Command {
	return s.commands
}

// Run processes commands until ctx is done. Commands already queued at
// that point were acked upstream, so they are applied before returning.
func (s *Sequencer) Run(ctx context.Context) error {
	for {
		if s.metrics != nil {
			s.metrics.ChannelSize.WithLabelValues("commands").Set(float64(len(s.commands)))
		}
		select {
		case <-ctx.Done():
			s.drain()
			return ctx.Err()
		case cmd := <-s.commands:
			s.run(cmd)
		}
	}
}

func (s *Sequencer) drain() {
	for {
		select {
		case cmd := <-s.commands:
			s.run(cmd)
		default:
			return
		}
	}
}

func (s *Sequencer) run(cmd Command) {
	res := s.apply(cmd)
	if cmd.Done != nil {
		cmd.Done <- res
	}
}

func (s *Sequencer) apply(cmd Command) Result {
	if cmd.Exclusive != nil {
		return Result{Sequence: s.core.GetSequence() - 1, Err: cmd.Exclusive(s.core)}
	}

	before := s.core.GetSequence()
	err := s.core.ProcessEvent(cmd.Event)
	if err != nil {
		level := s.logger.Warn()
		if !errors.Is(err, core.ErrRejected) {
			level = s.logger.Error()
		}
		level.Err(err).
			Str("event_type", cmd.Event.EventType().String()).
			Str("idempotency_key", cmd.Event.IdempotencyKey()).
			Msg("event not applied")
		return Result{Sequence: -1, Err: err}
	}
	if s.core.GetSequence() == before {
		return Result{Sequence: -1}
	}
	if s.metrics != nil && !cmd.ReceivedAt.IsZero() {
		s.metrics.IngestToApply.WithLabelValues(cmd.Event.EventType().String()).
			Observe(time.Since(cmd.ReceivedAt).Seconds())
	}
	return Result{Sequence: before}
}

// Submit sends evt to the core and waits for the outcome.
func (s *Sequencer) Submit(ctx context.Context, evt event.Event) (Result, error) {
	done := make(chan Result, 1)
	return s.await(ctx, Command{Event: evt, ReceivedAt: time.Now(), Done: done}, done)
}

// Do runs fn on the core goroutine, between events.
func (s *Sequencer) Do(ctx context.Context, fn func(*core.DeterministicCore) error) error {
	done := make(chan Result, 1)
	res, err := s.await(ctx, Command{Exclusive: fn, Done: done}, done)
	if err != nil {
		return err
	}
	return res.Err
}

func (s *Sequencer) await(ctx context.Context, cmd Command, done <-chan Result) (Result, error) {
	select {
	case s.commands <- cmd:
	case <-ctx.Done():
		return Result{Sequence: -1}, ctx.Err()
	}
	select {
	case res := <-done:
		return res, nil
	case <-ctx.Done():
		return Result{Sequence: -1}, ctx.Err()
	}
}

// Decode parses raw NATS messages and forwards them to the sequencer. A
// message is acked once it is queued for the core, not after it is applied,
// so slow processing never trips the consumer's ack wait. Messages that
// cannot be routed or parsed are acked and dropped.
func Decode(ctx context.Context, raw <-chan RawEvent, router *Router, out chan<- Command, metrics *observability.Metrics, logger zerolog.Logger) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-raw:
			if !ok {
				return nil
			}

			et, ok := router.Resolve(msg.Subject)
			if !ok {
				logger.Warn().Str("subject", msg.Subject).Msg("unknown subject")
				msg.AckFunc()
				continue
			}

			evt, err := ParseRawEvent(msg, et)
			if err != nil {
				logger.Warn().Err(err).Str("subject", msg.Subject).Msg("parse event failed")
				if metrics != nil {
					metrics.CoreEventsRejected.WithLabelValues(et.String(), "parse").Inc()
				}
				msg.AckFunc()
				continue
			}

			select {
			case out <- Command{Event: evt, ReceivedAt: msg.Timestamp}:
				msg.AckFunc()
			case <-ctx.Done():
				msg.NakFunc()
				return ctx.Err()
			}
		}
	}
}
