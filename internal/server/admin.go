package server

import (
	"context"
	"fmt"

	"SolvencyLedger/internal/core"
	"SolvencyLedger/internal/ingestion"
	"SolvencyLedger/internal/issuance"
	"SolvencyLedger/internal/observability"
	"SolvencyLedger/internal/persistence"
	"SolvencyLedger/internal/projection"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"
)

// CoreAdmin runs operator tasks. Anything touching the core goes through
// the sequencer so it never overlaps event processing.
type CoreAdmin struct {
	seq         *ingestion.Sequencer
	snapshots   *persistence.SnapshotManager
	projections *projection.ProjectionWorker
	schedule    issuance.Schedule
	health      *observability.HealthChecker
	metrics     *observability.Metrics
	clock       clockwork.Clock
	logger      zerolog.Logger
}

func NewCoreAdmin(
	seq *ingestion.Sequencer,
	snapshots *persistence.SnapshotManager,
	projections *projection.ProjectionWorker,
	schedule issuance.Schedule,
	health *observability.HealthChecker,
	metrics *observability.Metrics,
	clock clockwork.Clock,
	logger zerolog.Logger,
) *CoreAdmin {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &CoreAdmin{
		seq:         seq,
		snapshots:   snapshots,
		projections: projections,
		schedule:    schedule,
		health:      health,
		metrics:     metrics,
		clock:       clock,
		logger:      logger,
	}
}

// TakeSnapshot snapshots the live core between two events.
func (a *CoreAdmin) TakeSnapshot(ctx context.Context) (int64, error) {
	var seq int64
	err := a.seq.Do(ctx, func(c *core.DeterministicCore) error {
		var err error
		seq, err = persistence.TakeSnapshot(ctx, c, a.snapshots, a.metrics, a.clock.Now())
		return err
	})
	if err != nil {
		return seq, err
	}
	a.logger.Info().Int64("sequence", seq).Msg("snapshot taken")
	return seq, nil
}

func (a *CoreAdmin) RebuildProjections(ctx context.Context) (int64, error) {
	a.logger.Warn().Msg("projection rebuild requested")
	return a.projections.Rebuild(ctx, a.snapshots, a.schedule)
}

func (a *CoreAdmin) EventLogInfo(ctx context.Context) (*EventLogInfo, error) {
	info := &EventLogInfo{
		ProjectionSequence:   a.projections.LastSequence(),
		LastSnapshotSequence: -1,
	}

	logged, err := a.snapshots.GetLatestSequence(ctx)
	if err != nil {
		return nil, fmt.Errorf("latest logged sequence: %w", err)
	}
	info.LastLoggedSequence = logged

	snap, err := a.snapshots.LoadLatestSnapshot(ctx)
	if err != nil {
		return nil, fmt.Errorf("latest snapshot: %w", err)
	}
	if snap != nil {
		info.LastSnapshotSequence = snap.Sequence
	}

	if err := a.seq.Do(ctx, func(c *core.DeterministicCore) error {
		info.CoreSequence = c.GetSequence() - 1
		return nil
	}); err != nil {
		return nil, err
	}
	if a.health != nil {
		info.UptimeSeconds = int64(a.health.Uptime().Seconds())
	}
	return info, nil
}
