package persistence

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"SolvencyLedger/internal/core"
	"SolvencyLedger/internal/event"
	"SolvencyLedger/internal/issuance"
	fpmath "SolvencyLedger/internal/math"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var baseTime = time.Unix(1_700_000_000, 0).UTC()

type scenario struct {
	stability, positions int64
}

func (s *scenario) provide(depositor uuid.UUID, amount string, at time.Time) event.Event {
	e := &event.StabilityDepositProvided{
		OperationID: uuid.New(),
		DepositorID: depositor,
		Sequence:    s.stability,
		Timestamp:   at,
	}
	s.stability++
	e.Amount.Set(fpmath.MustParseDecimal(amount))
	return e
}

func (s *scenario) open(id uuid.UUID, coll, debt string) event.Event {
	e := &event.PositionOpened{
		PositionID: id,
		OwnerID:    uuid.New(),
		Sequence:   s.positions,
		Timestamp:  baseTime,
	}
	s.positions++
	e.Collateral.Set(fpmath.MustParseDecimal(coll))
	e.Debt.Set(fpmath.MustParseDecimal(debt))
	return e
}

func (s *scenario) liquidate(id uuid.UUID, at time.Time) event.Event {
	e := &event.PositionLiquidated{
		LiquidationID: uuid.New(),
		PositionID:    id,
		Sequence:      s.positions,
		Timestamp:     at,
	}
	s.positions++
	return e
}

// runScenario applies a provide/open/liquidate mix that touches every part
// of the snapshot: deposits, S/G sums, L_coll/L_debt, stakes and issuance.
func runScenario(t *testing.T) (*core.DeterministicCore, []core.CoreOutput) {
	t.Helper()
	out := make(chan core.CoreOutput, 64)
	c := core.NewDeterministicCore(0, issuance.DefaultSchedule(), out, nil, nil, nil)

	s := &scenario{}
	alice := uuid.New()
	a, b, victim := uuid.New(), uuid.New(), uuid.New()
	for _, e := range []event.Event{
		s.provide(alice, "20", baseTime),
		s.open(a, "10", "100"),
		s.open(b, "30", "300"),
		s.open(victim, "4", "40"),
		s.liquidate(victim, baseTime.Add(time.Hour)),
	} {
		require.NoError(t, c.ProcessEvent(e))
	}
	close(out)

	var outputs []core.CoreOutput
	for o := range out {
		outputs = append(outputs, o)
	}
	return c, outputs
}

func TestSnapshotData_RoundTripsThroughJSON(t *testing.T) {
	c, _ := runScenario(t)
	orig := c.CreateSnapshotState()

	data, err := json.Marshal(FromCoreState(orig, baseTime))
	require.NoError(t, err)

	var decoded SnapshotData
	require.NoError(t, json.Unmarshal(data, &decoded))
	st, err := decoded.ToCoreState()
	require.NoError(t, err)

	assert.Equal(t, orig.Sequence, st.Sequence)
	assert.Equal(t, orig.StateHash, st.StateHash)
	assert.Equal(t, orig.Balances, st.Balances)
	assert.Equal(t, orig.Stability, st.Stability)
	assert.Equal(t, orig.Pool, st.Pool)
	assert.Equal(t, orig.Issuance, st.Issuance)
	assert.Equal(t, orig.SequenceState, st.SequenceState)
	require.Len(t, st.Positions, len(orig.Positions))
	for i := range orig.Positions {
		assert.Equal(t, *orig.Positions[i], *st.Positions[i])
	}

	restored := core.NewDeterministicCore(0, issuance.DefaultSchedule(), nil, nil, nil, nil)
	restored.RestoreFromSnapshot(st)
	assert.Equal(t, c.GetStateHash(), restored.GetStateHash())
	assert.Equal(t, c.GetSequence(), restored.GetSequence())
}

func TestSnapshotData_RejectsBadInput(t *testing.T) {
	c, _ := runScenario(t)
	good := FromCoreState(c.CreateSnapshotState(), baseTime)

	bad := *good
	bad.FormatVersion = 99
	_, err := bad.ToCoreState()
	assert.Error(t, err)

	bad = *good
	bad.StateHash = "abcd"
	_, err = bad.ToCoreState()
	assert.Error(t, err)

	bad = *good
	bad.Stability.P = "not-a-number"
	_, err = bad.ToCoreState()
	assert.ErrorContains(t, err, "snapshot field p")
}

func TestRowsFromOutput(t *testing.T) {
	_, outputs := runScenario(t)
	last := outputs[len(outputs)-1]

	row, journals := RowsFromOutput(last)
	assert.Equal(t, last.Envelope.Sequence, row.Sequence)
	assert.Equal(t, "PositionLiquidated", row.EventType)
	assert.Equal(t, event.PartitionPositions, row.Partition)
	assert.Equal(t, last.Envelope.StateHash[:], row.StateHash)
	assert.Equal(t, last.Envelope.PrevHash[:], row.PrevHash)
	require.Len(t, journals, len(last.Batch.Journals))
	for i, j := range journals {
		src := last.Batch.Journals[i]
		assert.Equal(t, src.Amount.Dec(), j.Amount)
		assert.Equal(t, src.JournalType.String(), j.JournalType)
		assert.Equal(t, src.DebitAccount.AccountPath(), j.DebitAccount)
		assert.NotEmpty(t, j.Asset)
	}

	evt, err := row.ToEvent()
	require.NoError(t, err)
	assert.Equal(t, last.Envelope.IdempotencyKey, evt.IdempotencyKey())
}

type memSource struct {
	rows []EventRow
}

func (m *memSource) LoadEventsFrom(_ context.Context, from int64, limit int) ([]EventRow, error) {
	var out []EventRow
	for _, r := range m.rows {
		if r.Sequence >= from && len(out) < limit {
			out = append(out, r)
		}
	}
	return out, nil
}

func TestReplay_RebuildsStateAndVerifiesHashes(t *testing.T) {
	live, outputs := runScenario(t)
	events, _ := toRows(outputs)

	c := core.NewDeterministicCore(0, issuance.DefaultSchedule(), nil, nil, nil, nil)
	n, err := Replay(context.Background(), &memSource{rows: events}, c, 0, nil)
	require.NoError(t, err)
	assert.Equal(t, int64(len(events)), n)
	assert.Equal(t, live.GetStateHash(), c.GetStateHash())

	events[2].StateHash = make([]byte, 32)
	c = core.NewDeterministicCore(0, issuance.DefaultSchedule(), nil, nil, nil, nil)
	_, err = Replay(context.Background(), &memSource{rows: events}, c, 0, nil)
	assert.ErrorContains(t, err, "state hash mismatch at seq 2")
}

func TestReplay_FromSnapshot(t *testing.T) {
	live, outputs := runScenario(t)
	events, _ := toRows(outputs)

	// Rebuild a core that had only seen the first three events.
	partial := core.NewDeterministicCore(0, issuance.DefaultSchedule(), nil, nil, nil, nil)
	_, err := Replay(context.Background(), &memSource{rows: events[:3]}, partial, 0, nil)
	require.NoError(t, err)
	snap := partial.CreateSnapshotState()

	c := core.NewDeterministicCore(0, issuance.DefaultSchedule(), nil, nil, nil, nil)
	c.RestoreFromSnapshot(snap)
	n, err := Replay(context.Background(), &memSource{rows: events}, c, snap.Sequence+1, nil)
	require.NoError(t, err)
	assert.Equal(t, int64(len(events)-3), n)
	assert.Equal(t, live.GetStateHash(), c.GetStateHash())
}

// --- Persistence worker ---

type fakeWriter struct {
	mu      sync.Mutex
	fails   int
	calls   int
	written chan []EventRow
}

func newFakeWriter(fails int) *fakeWriter {
	return &fakeWriter{fails: fails, written: make(chan []EventRow, 16)}
}

func (w *fakeWriter) WriteBatch(_ context.Context, events []EventRow, _ []JournalRow) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.calls++
	if w.calls <= w.fails {
		return errors.New("connection reset")
	}
	w.written <- append([]EventRow(nil), events...)
	return nil
}

func waitWritten(t *testing.T, w *fakeWriter) []EventRow {
	t.Helper()
	select {
	case rows := <-w.written:
		return rows
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for flush")
		return nil
	}
}

func TestPersistenceWorker_FlushesFullBatch(t *testing.T) {
	_, outputs := runScenario(t)
	w := newFakeWriter(0)
	in := make(chan core.CoreOutput)
	published := make(chan *event.EventEnvelope, 8)
	clock := clockwork.NewFakeClock()

	pw := NewPersistenceWorker(w, in, 2, time.Second, nil, zerolog.Nop()).
		WithClock(clock).WithPublisher(published)
	done := make(chan error, 1)
	go func() { done <- pw.Run(context.Background()) }()

	in <- outputs[0]
	in <- outputs[1]
	rows := waitWritten(t, w)
	require.Len(t, rows, 2)
	assert.Equal(t, int64(0), rows[0].Sequence)
	assert.Equal(t, int64(1), rows[1].Sequence)
	assert.Equal(t, outputs[0].Envelope, <-published)

	// Closing the input flushes what is left.
	in <- outputs[2]
	close(in)
	rows = waitWritten(t, w)
	require.Len(t, rows, 1)
	require.NoError(t, <-done)
}

func TestPersistenceWorker_FlushesOnTimeout(t *testing.T) {
	_, outputs := runScenario(t)
	w := newFakeWriter(0)
	in := make(chan core.CoreOutput)
	clock := clockwork.NewFakeClock()

	pw := NewPersistenceWorker(w, in, 100, 10*time.Millisecond, nil, zerolog.Nop()).WithClock(clock)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go pw.Run(ctx)

	in <- outputs[0]
	require.NoError(t, clock.BlockUntilContext(ctx, 1))
	clock.Advance(10 * time.Millisecond)

	rows := waitWritten(t, w)
	require.Len(t, rows, 1)
}

func TestPersistenceWorker_RetriesUntilWritten(t *testing.T) {
	_, outputs := runScenario(t)
	w := newFakeWriter(2)
	in := make(chan core.CoreOutput)
	clock := clockwork.NewFakeClock()

	pw := NewPersistenceWorker(w, in, 1, time.Second, nil, zerolog.Nop()).WithClock(clock)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go pw.Run(ctx)

	in <- outputs[0]

	// flush timer plus the first backoff
	require.NoError(t, clock.BlockUntilContext(ctx, 2))
	clock.Advance(initialBackoff)
	require.NoError(t, clock.BlockUntilContext(ctx, 2))
	clock.Advance(2 * initialBackoff)

	rows := waitWritten(t, w)
	require.Len(t, rows, 1)
	w.mu.Lock()
	assert.Equal(t, 3, w.calls)
	w.mu.Unlock()
}

func TestPlaceholders(t *testing.T) {
	assert.Equal(t, "($1, $2::jsonb), ($3, $4::jsonb)", placeholders(2, 2, map[int]string{1: "::jsonb"}))
}
