package projection

import (
	"context"
	"errors"
	"testing"
	"time"

	"SolvencyLedger/internal/core"
	"SolvencyLedger/internal/event"
	"SolvencyLedger/internal/issuance"
	fpmath "SolvencyLedger/internal/math"
	"SolvencyLedger/internal/persistence"

	"github.com/google/uuid"
	"github.com/holiman/uint256"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var t0 = time.Unix(1_700_000_000, 0).UTC()

func amount(s string) uint256.Int {
	return *fpmath.MustParseDecimal(s)
}

// liquidationRun provides 20 to the pool, opens three positions and
// liquidates the smallest one: half its debt offsets, half redistributes.
func liquidationRun(t *testing.T) (*core.DeterministicCore, []core.CoreOutput, uuid.UUID) {
	t.Helper()
	out := make(chan core.CoreOutput, 16)
	c := core.NewDeterministicCore(0, issuance.DefaultSchedule(), out, nil, nil, nil)

	alice := uuid.New()
	a, b, victim := uuid.New(), uuid.New(), uuid.New()
	events := []event.Event{
		&event.StabilityDepositProvided{OperationID: uuid.New(), DepositorID: alice, Amount: amount("20"), Sequence: 0, Timestamp: t0},
		&event.PositionOpened{PositionID: a, OwnerID: uuid.New(), Collateral: amount("10"), Debt: amount("100"), Sequence: 0, Timestamp: t0},
		&event.PositionOpened{PositionID: b, OwnerID: uuid.New(), Collateral: amount("30"), Debt: amount("300"), Sequence: 1, Timestamp: t0},
		&event.PositionOpened{PositionID: victim, OwnerID: uuid.New(), Collateral: amount("4"), Debt: amount("40"), Sequence: 2, Timestamp: t0},
		&event.PositionLiquidated{LiquidationID: uuid.New(), PositionID: victim, Sequence: 3, Timestamp: t0.Add(time.Hour)},
	}
	for _, e := range events {
		require.NoError(t, c.ProcessEvent(e))
	}
	close(out)

	var outputs []core.CoreOutput
	for o := range out {
		outputs = append(outputs, o)
	}
	return c, outputs, alice
}

func TestFromOutput_Deposit(t *testing.T) {
	_, outputs, alice := liquidationRun(t)

	u := FromOutput(outputs[0])
	require.NotNil(t, u.Deposit)
	assert.Equal(t, alice.String(), u.Deposit.DepositorID)
	assert.Equal(t, fpmath.MustParseDecimal("20").Dec(), u.Deposit.InitialValue)
	assert.Equal(t, fpmath.Scale().Dec(), u.Deposit.SnapshotP)
	assert.Equal(t, fpmath.MustParseDecimal("20").Dec(), u.Pool.TotalDeposits)
	assert.Empty(t, u.DepositRemoved)

	// Balances net to zero across accounts.
	sum := new(uint256.Int)
	for _, b := range u.Balances {
		v, err := parseSignedRaw(b.Delta)
		require.NoError(t, err)
		sum.Add(sum, v)
	}
	assert.True(t, sum.IsZero())
}

func TestFromOutput_Liquidation(t *testing.T) {
	c, outputs, _ := liquidationRun(t)
	u := FromOutput(outputs[len(outputs)-1])

	require.Len(t, u.Positions, 1)
	assert.Equal(t, "ClosedByLiquidation", u.Positions[0].Status)
	assert.NotEmpty(t, u.Sums)
	assert.Equal(t, c.StabilityLedger().P().Dec(), u.Pool.P)
	assert.Equal(t, 2, u.Redistribution.ActivePositions)
	assert.Equal(t, c.PositionManager().TotalStakes().Dec(), u.Redistribution.TotalStakes)
}

func parseSignedRaw(s string) (*uint256.Int, error) {
	neg := len(s) > 0 && s[0] == '-'
	if neg {
		s = s[1:]
	}
	v, err := uint256.FromDecimal(s)
	if err != nil {
		return nil, err
	}
	if neg {
		v.Neg(v)
	}
	return v, nil
}

type memStore struct {
	watermark int64
	applied   []Update
	failAt    int64
	balances  map[string]*uint256.Int
	positions map[string]PositionRow
	pool      PoolRow
}

func newMemStore() *memStore {
	return &memStore{
		watermark: -1,
		failAt:    -1,
		balances:  map[string]*uint256.Int{},
		positions: map[string]PositionRow{},
	}
}

func (m *memStore) Apply(_ context.Context, u Update) error {
	if u.Sequence == m.failAt {
		return errors.New("deadlock detected")
	}
	for _, b := range u.Balances {
		v, err := parseSignedRaw(b.Delta)
		if err != nil {
			return err
		}
		cur, ok := m.balances[b.AccountPath]
		if !ok {
			cur = new(uint256.Int)
			m.balances[b.AccountPath] = cur
		}
		cur.Add(cur, v)
	}
	for _, p := range u.Positions {
		m.positions[p.PositionID] = p
	}
	m.pool = u.Pool
	m.applied = append(m.applied, u)
	m.watermark = u.Sequence
	return nil
}

func (m *memStore) Watermark(context.Context) (int64, error) {
	return m.watermark, nil
}

func (m *memStore) Truncate(context.Context) error {
	m.watermark = -1
	m.applied = nil
	m.balances = map[string]*uint256.Int{}
	m.positions = map[string]PositionRow{}
	m.pool = PoolRow{}
	return nil
}

func runWorker(t *testing.T, store Store, outputs []core.CoreOutput) *ProjectionWorker {
	t.Helper()
	in := make(chan core.CoreOutput, len(outputs))
	for _, o := range outputs {
		in <- o
	}
	close(in)
	w := NewProjectionWorker(store, in, nil, zerolog.Nop())
	require.NoError(t, w.Run(context.Background()))
	return w
}

func TestProjectionWorker_AppliesInOrder(t *testing.T) {
	c, outputs, _ := liquidationRun(t)
	store := newMemStore()

	w := runWorker(t, store, outputs)
	assert.Equal(t, int64(len(outputs)-1), w.LastSequence())
	require.Len(t, store.applied, len(outputs))

	for key, bal := range c.Balances().Snapshot() {
		got, ok := store.balances[key.AccountPath()]
		if bal.IsZero() && !ok {
			continue
		}
		require.True(t, ok, key.AccountPath())
		assert.Equal(t, bal, *got, key.AccountPath())
	}
}

func TestProjectionWorker_SkipsAlreadyApplied(t *testing.T) {
	_, outputs, _ := liquidationRun(t)
	store := newMemStore()
	store.watermark = 2

	runWorker(t, store, outputs)
	require.Len(t, store.applied, len(outputs)-3)
	assert.Equal(t, int64(3), store.applied[0].Sequence)
}

func TestProjectionWorker_ContinuesAfterGapAndError(t *testing.T) {
	_, outputs, _ := liquidationRun(t)
	store := newMemStore()
	store.failAt = 3

	// Drop sequence 1 on the floor.
	w := runWorker(t, store, append([]core.CoreOutput{outputs[0]}, outputs[2:]...))

	var seqs []int64
	for _, u := range store.applied {
		seqs = append(seqs, u.Sequence)
	}
	assert.Equal(t, []int64{0, 2, 4}, seqs)
	assert.Equal(t, int64(4), w.LastSequence())
}

type memSource struct {
	rows []persistence.EventRow
}

func (m *memSource) LoadEventsFrom(_ context.Context, from int64, limit int) ([]persistence.EventRow, error) {
	var out []persistence.EventRow
	for _, r := range m.rows {
		if r.Sequence >= from && len(out) < limit {
			out = append(out, r)
		}
	}
	return out, nil
}

func sourceOf(outputs []core.CoreOutput) *memSource {
	src := &memSource{}
	for _, o := range outputs {
		row, _ := persistence.RowsFromOutput(o)
		src.rows = append(src.rows, row)
	}
	return src
}

func TestReplayInto_RebuildsFromEventLog(t *testing.T) {
	c, outputs, _ := liquidationRun(t)
	src := sourceOf(outputs)

	store := newMemStore()
	n, err := replayInto(context.Background(), store, src, issuance.DefaultSchedule())
	require.NoError(t, err)
	assert.Equal(t, int64(len(outputs)), n)
	assert.Equal(t, c.StabilityLedger().TotalDeposits().Dec(), store.pool.TotalDeposits)
	assert.Len(t, store.positions, 3)
}

func TestProjectionWorker_RebuildOnWorkerGoroutine(t *testing.T) {
	c, outputs, _ := liquidationRun(t)
	store := newMemStore()

	// Only the first two outputs reach the worker live.
	in := make(chan core.CoreOutput, 2)
	in <- outputs[0]
	in <- outputs[1]
	w := NewProjectionWorker(store, in, nil, zerolog.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	errc := make(chan error, 1)
	go func() { errc <- w.Run(ctx) }()

	require.Eventually(t, func() bool { return w.LastSequence() == 1 }, time.Second, 5*time.Millisecond)

	n, err := w.Rebuild(ctx, sourceOf(outputs), issuance.DefaultSchedule())
	require.NoError(t, err)
	assert.Equal(t, int64(len(outputs)), n)
	assert.Equal(t, int64(len(outputs)-1), w.LastSequence())
	assert.Equal(t, c.StabilityLedger().TotalDeposits().Dec(), store.pool.TotalDeposits)

	cancel()
	assert.ErrorIs(t, <-errc, context.Canceled)
}
