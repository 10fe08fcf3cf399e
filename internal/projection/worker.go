package projection

import (
	"context"
	"fmt"
	"sync/atomic"

	"SolvencyLedger/internal/core"
	"SolvencyLedger/internal/issuance"
	"SolvencyLedger/internal/observability"
	"SolvencyLedger/internal/persistence"

	"github.com/rs/zerolog"
)

const rebuildPageSize = 1000

// ProjectionWorker updates projection tables from core outputs. Its input
// is fed with non-blocking sends, so it may miss events under load; the
// full-state rows self-heal on the next touch, balances need a rebuild.
type ProjectionWorker struct {
	store     Store
	inputChan <-chan core.CoreOutput
	rebuilds  chan rebuildRequest
	metrics   *observability.Metrics
	logger    zerolog.Logger
	lastSeq   atomic.Int64
}

type rebuildRequest struct {
	src      persistence.EventSource
	schedule issuance.Schedule
	done     chan rebuildResult
}

type rebuildResult struct {
	events int64
	err    error
}

func NewProjectionWorker(store Store, inputChan <-chan core.CoreOutput, metrics *observability.Metrics, logger zerolog.Logger) *ProjectionWorker {
	pw := &ProjectionWorker{
		store:     store,
		inputChan: inputChan,
		rebuilds:  make(chan rebuildRequest),
		metrics:   metrics,
		logger:    logger,
	}
	pw.lastSeq.Store(-1)
	return pw
}

// Run applies outputs until ctx is done or the input closes.
func (pw *ProjectionWorker) Run(ctx context.Context) error {
	seq, err := pw.store.Watermark(ctx)
	if err != nil {
		return fmt.Errorf("load projection watermark: %w", err)
	}
	pw.lastSeq.Store(seq)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case req := <-pw.rebuilds:
			n, err := pw.rebuild(ctx, req.src, req.schedule)
			req.done <- rebuildResult{events: n, err: err}
		case out, ok := <-pw.inputChan:
			if !ok {
				return nil
			}
			pw.handle(ctx, out)
		}
	}
}

func (pw *ProjectionWorker) handle(ctx context.Context, out core.CoreOutput) {
	seq := out.Envelope.Sequence
	last := pw.lastSeq.Load()
	if seq <= last {
		return
	}
	if seq != last+1 {
		pw.logger.Warn().Int64("expected", last+1).Int64("got", seq).
			Msg("projection gap, balances stale until rebuild")
		pw.drop("gap")
	}

	if err := pw.store.Apply(ctx, FromOutput(out)); err != nil {
		pw.logger.Warn().Err(err).Int64("sequence", seq).Msg("projection update failed")
		pw.drop("error")
		return
	}
	pw.lastSeq.Store(seq)
}

func (pw *ProjectionWorker) drop(reason string) {
	if pw.metrics != nil {
		pw.metrics.ProjectionDrops.WithLabelValues(reason).Inc()
	}
}

// LastSequence is the last sequence applied by this worker.
func (pw *ProjectionWorker) LastSequence() int64 {
	return pw.lastSeq.Load()
}

// Rebuild runs a full rebuild on the worker goroutine, so no live update
// interleaves with it. Outputs queued meanwhile that the log already
// covers are skipped afterwards by sequence.
func (pw *ProjectionWorker) Rebuild(ctx context.Context, src persistence.EventSource, schedule issuance.Schedule) (int64, error) {
	req := rebuildRequest{src: src, schedule: schedule, done: make(chan rebuildResult, 1)}
	select {
	case pw.rebuilds <- req:
	case <-ctx.Done():
		return 0, ctx.Err()
	}
	select {
	case res := <-req.done:
		return res.events, res.err
	case <-ctx.Done():
		return 0, ctx.Err()
	}
}

func (pw *ProjectionWorker) rebuild(ctx context.Context, src persistence.EventSource, schedule issuance.Schedule) (int64, error) {
	n, err := RebuildProjections(ctx, pw.store, src, schedule, pw.logger)
	seq, werr := pw.store.Watermark(ctx)
	if werr != nil {
		return n, fmt.Errorf("reload projection watermark: %w", werr)
	}
	pw.lastSeq.Store(seq)
	return n, err
}

// RebuildProjections empties the projections and rebuilds them by
// replaying the event log through a scratch core.
func RebuildProjections(ctx context.Context, store Store, src persistence.EventSource, schedule issuance.Schedule, logger zerolog.Logger) (int64, error) {
	if err := store.Truncate(ctx); err != nil {
		return 0, fmt.Errorf("truncate projections: %w", err)
	}
	n, err := replayInto(ctx, store, src, schedule)
	if err != nil {
		return n, err
	}
	logger.Info().Int64("events", n).Msg("projection rebuild complete")
	return n, nil
}

func replayInto(ctx context.Context, store Store, src persistence.EventSource, schedule issuance.Schedule) (int64, error) {
	out := make(chan core.CoreOutput, 1)
	c := core.NewDeterministicCore(0, schedule, nil, out, nil, nil)

	var applied int64
	from := int64(0)
	for {
		rows, err := src.LoadEventsFrom(ctx, from, rebuildPageSize)
		if err != nil {
			return applied, fmt.Errorf("load events from seq %d: %w", from, err)
		}
		if len(rows) == 0 {
			return applied, nil
		}
		for i := range rows {
			evt, err := rows[i].ToEvent()
			if err != nil {
				return applied, err
			}
			if err := c.ReplayEvent(evt); err != nil {
				return applied, fmt.Errorf("replay seq %d: %w", rows[i].Sequence, err)
			}
			if err := store.Apply(ctx, FromOutput(<-out)); err != nil {
				return applied, fmt.Errorf("apply seq %d: %w", rows[i].Sequence, err)
			}
			applied++
		}
		from = rows[len(rows)-1].Sequence + 1
	}
}
