package persistence_test

import (
	"context"
	"testing"
	"time"

	"SolvencyLedger/internal/core"
	"SolvencyLedger/internal/event"
	"SolvencyLedger/internal/issuance"
	fpmath "SolvencyLedger/internal/math"
	"SolvencyLedger/internal/persistence"
	"SolvencyLedger/internal/testutil"

	"github.com/google/uuid"
	"github.com/holiman/uint256"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var t0 = time.Unix(1_700_000_000, 0).UTC()

func amt(s string) *uint256.Int { return fpmath.MustParseDecimal(s) }

// liveRun applies deposits, three positions and one liquidation, and
// returns the outputs the persistence worker would see.
func liveRun(t *testing.T) (*core.DeterministicCore, []core.CoreOutput, []event.Event) {
	t.Helper()
	out := make(chan core.CoreOutput, 16)
	c := core.NewDeterministicCore(0, issuance.DefaultSchedule(), out, nil, nil, nil)

	provide := &event.StabilityDepositProvided{OperationID: uuid.New(), DepositorID: uuid.New(), Sequence: 0, Timestamp: t0}
	provide.Amount.Set(amt("20"))
	events := []event.Event{provide}

	victim := uuid.New()
	for i, p := range []struct {
		id         uuid.UUID
		coll, debt string
	}{{uuid.New(), "10", "100"}, {uuid.New(), "30", "300"}, {victim, "4", "40"}} {
		e := &event.PositionOpened{PositionID: p.id, OwnerID: uuid.New(), Sequence: int64(i), Timestamp: t0}
		e.Collateral.Set(amt(p.coll))
		e.Debt.Set(amt(p.debt))
		events = append(events, e)
	}
	events = append(events, &event.PositionLiquidated{
		LiquidationID: uuid.New(), PositionID: victim, Sequence: 3, Timestamp: t0.Add(time.Hour),
	})

	for _, e := range events {
		require.NoError(t, c.ProcessEvent(e))
	}
	close(out)
	var outputs []core.CoreOutput
	for o := range out {
		outputs = append(outputs, o)
	}
	return c, outputs, events
}

func writeAll(t *testing.T, w *persistence.EventLogWriter, outputs []core.CoreOutput) {
	t.Helper()
	var events []persistence.EventRow
	var journals []persistence.JournalRow
	for _, o := range outputs {
		row, js := persistence.RowsFromOutput(o)
		events = append(events, row)
		journals = append(journals, js...)
	}
	require.NoError(t, w.WriteBatch(context.Background(), events, journals))
}

func TestIntegration_EventLogReplay(t *testing.T) {
	db := testutil.SetupTestDB(t)
	ctx := context.Background()

	live, outputs, events := liveRun(t)
	writeAll(t, persistence.NewEventLogWriter(db), outputs)

	sm := persistence.NewSnapshotManager(db)
	latest, err := sm.GetLatestSequence(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(len(outputs)-1), latest)

	c := core.NewDeterministicCore(0, issuance.DefaultSchedule(), nil, nil, nil, nil)
	n, err := persistence.Replay(ctx, sm, c, 0, nil)
	require.NoError(t, err)
	assert.Equal(t, int64(len(outputs)), n)
	assert.Equal(t, live.GetStateHash(), c.GetStateHash())

	idem := persistence.NewPostgresIdempotencyChecker(db)
	dup, err := idem.IsDuplicate(events[0].EventType().String(), events[0].IdempotencyKey())
	require.NoError(t, err)
	assert.True(t, dup)
	dup, err = idem.IsDuplicate(events[0].EventType().String(), uuid.NewString())
	require.NoError(t, err)
	assert.False(t, dup)

	keys, err := idem.RecentKeys(ctx, 2)
	require.NoError(t, err)
	assert.Len(t, keys, 2)
}

func TestIntegration_SnapshotRestore(t *testing.T) {
	db := testutil.SetupTestDB(t)
	ctx := context.Background()
	sm := persistence.NewSnapshotManager(db)

	live, outputs, _ := liveRun(t)

	// Nothing logged yet: a snapshot would run ahead of the log.
	_, err := persistence.TakeSnapshot(ctx, live, sm, nil, t0)
	require.ErrorIs(t, err, persistence.ErrSnapshotAhead)

	writeAll(t, persistence.NewEventLogWriter(db), outputs)
	seq, err := persistence.TakeSnapshot(ctx, live, sm, nil, t0)
	require.NoError(t, err)
	assert.Equal(t, int64(len(outputs)-1), seq)

	c := core.NewDeterministicCore(0, issuance.DefaultSchedule(), nil, nil, nil, nil)
	restored, err := persistence.RestoreLatest(ctx, sm, c, zerolog.Nop())
	require.NoError(t, err)
	assert.Equal(t, seq, restored)
	assert.Equal(t, live.GetStateHash(), c.GetStateHash())
	assert.Equal(t, live.StabilityLedger().TotalDeposits(), c.StabilityLedger().TotalDeposits())

	n, err := persistence.Replay(ctx, sm, c, restored+1, nil)
	require.NoError(t, err)
	assert.Zero(t, n)
}
