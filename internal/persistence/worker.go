package persistence

import (
	"context"
	"time"

	"SolvencyLedger/internal/core"
	"SolvencyLedger/internal/event"
	"SolvencyLedger/internal/observability"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"
)

const (
	initialBackoff = 100 * time.Millisecond
	maxBackoff     = 30 * time.Second
)

// BatchWriter persists one flush atomically. EventLogWriter is the
// Postgres implementation.
type BatchWriter interface {
	WriteBatch(ctx context.Context, events []EventRow, journals []JournalRow) error
}

// PersistenceWorker drains the persist channel and batch-writes to Postgres.
// The core sends on that channel with a blocking send, so a slow worker
// stalls the core instead of losing events.
type PersistenceWorker struct {
	writer       BatchWriter
	inputChan    <-chan core.CoreOutput
	publishChan  chan<- *event.EventEnvelope
	batchSize    int
	flushTimeout time.Duration
	clock        clockwork.Clock
	metrics      *observability.Metrics
	logger       zerolog.Logger
}

func NewPersistenceWorker(
	writer BatchWriter,
	inputChan <-chan core.CoreOutput,
	batchSize int,
	flushTimeout time.Duration,
	metrics *observability.Metrics,
	logger zerolog.Logger,
) *PersistenceWorker {
	if batchSize <= 0 {
		batchSize = 1
	}
	return &PersistenceWorker{
		writer:       writer,
		inputChan:    inputChan,
		batchSize:    batchSize,
		flushTimeout: flushTimeout,
		clock:        clockwork.NewRealClock(),
		metrics:      metrics,
		logger:       logger,
	}
}

// WithClock replaces the worker's clock. Tests drive flush timers with a
// fake clock.
func (pw *PersistenceWorker) WithClock(clock clockwork.Clock) *PersistenceWorker {
	pw.clock = clock
	return pw
}

// WithPublisher forwards each envelope to ch once its batch is durable.
// Sends never block; a full channel drops the envelope.
func (pw *PersistenceWorker) WithPublisher(ch chan<- *event.EventEnvelope) *PersistenceWorker {
	pw.publishChan = ch
	return pw
}

// Run batches incoming outputs and flushes when the batch is full or the
// flush timeout expires. Blocks until ctx is cancelled or the input
// channel is closed.
func (pw *PersistenceWorker) Run(ctx context.Context) error {
	pending := make([]core.CoreOutput, 0, pw.batchSize)
	var oldest time.Time

	timer := pw.clock.NewTimer(pw.flushTimeout)
	defer timer.Stop()

	flush := func(ctx context.Context) {
		if len(pending) == 0 {
			return
		}
		if err := pw.flushWithRetry(ctx, pending); err != nil {
			pw.logger.Error().Err(err).Int("events", len(pending)).Msg("batch flush failed")
		} else if pw.metrics != nil {
			pw.metrics.ApplyToPersist.Observe(pw.clock.Since(oldest).Seconds())
		}
		pending = pending[:0]
	}

	for {
		select {
		case <-ctx.Done():
			flush(context.Background())
			return ctx.Err()

		case output, ok := <-pw.inputChan:
			if !ok {
				flush(context.Background())
				return nil
			}
			if len(pending) == 0 {
				oldest = pw.clock.Now()
			}
			pending = append(pending, output)
			if len(pending) >= pw.batchSize {
				flush(ctx)
				timer.Reset(pw.flushTimeout)
			}

		case <-timer.Chan():
			flush(ctx)
			timer.Reset(pw.flushTimeout)
		}
	}
}

// flushWithRetry retries with exponential backoff until the write succeeds.
// Events are never dropped: on shutdown one last attempt is made with a
// background context.
func (pw *PersistenceWorker) flushWithRetry(ctx context.Context, outputs []core.CoreOutput) error {
	events, journals := toRows(outputs)
	backoff := initialBackoff

	for attempt := 0; ; attempt++ {
		if attempt > 0 {
			pw.logger.Warn().Int("attempt", attempt).Dur("backoff", backoff).
				Int("events", len(events)).Msg("persistence retry")
			select {
			case <-ctx.Done():
				return pw.flush(context.Background(), outputs, events, journals)
			case <-pw.clock.After(backoff):
			}
			backoff *= 2
			if backoff > maxBackoff {
				backoff = maxBackoff
			}
		}

		err := pw.flush(ctx, outputs, events, journals)
		if err == nil {
			if attempt > 0 {
				pw.logger.Info().Int("retries", attempt).Msg("persistence flush recovered")
			}
			return nil
		}
		pw.logger.Warn().Err(err).Msg("persistence flush failed")
		if pw.metrics != nil {
			pw.metrics.PersistErrors.WithLabelValues("retry").Inc()
		}
	}
}

func (pw *PersistenceWorker) flush(ctx context.Context, outputs []core.CoreOutput, events []EventRow, journals []JournalRow) error {
	start := pw.clock.Now()

	if err := pw.writer.WriteBatch(ctx, events, journals); err != nil {
		if pw.metrics != nil {
			pw.metrics.PersistErrors.WithLabelValues("write").Inc()
		}
		return err
	}

	if pw.metrics != nil {
		now := pw.clock.Now()
		pw.metrics.PersistBatchDur.Observe(now.Sub(start).Seconds())
		pw.metrics.PersistBatchSize.Observe(float64(len(events)))
		pw.metrics.PersistEventsWritten.Add(float64(len(events)))
		pw.metrics.PersistJournalsWritten.Add(float64(len(journals)))
		pw.metrics.PersistLastSequence.Set(float64(events[len(events)-1].Sequence))
	}

	pw.publish(outputs)
	return nil
}

func (pw *PersistenceWorker) publish(outputs []core.CoreOutput) {
	if pw.publishChan == nil {
		return
	}
	for _, out := range outputs {
		select {
		case pw.publishChan <- out.Envelope:
		default:
			if pw.metrics != nil {
				pw.metrics.PublishDrops.Inc()
			}
		}
	}
}

func toRows(outputs []core.CoreOutput) ([]EventRow, []JournalRow) {
	events := make([]EventRow, 0, len(outputs))
	var journals []JournalRow
	for _, out := range outputs {
		row, js := RowsFromOutput(out)
		events = append(events, row)
		journals = append(journals, js...)
	}
	return events, journals
}
