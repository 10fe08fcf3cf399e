package core

import (
	"errors"
	"testing"

	"SolvencyLedger/internal/observability"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubDB struct {
	seen map[string]bool
	err  error
}

func (s *stubDB) IsDuplicate(eventType, key string) (bool, error) {
	if s.err != nil {
		return false, s.err
	}
	return s.seen[eventType+"/"+key], nil
}

func TestIdempotency_LRUThenPostgres(t *testing.T) {
	db := &stubDB{seen: map[string]bool{"PositionOpened/old": true}}
	metrics := observability.NewMetrics(prometheus.NewRegistry())
	ic := NewIdempotencyChecker(2, db, metrics)

	assert.False(t, ic.IsDuplicate("PositionOpened", "new"))
	ic.MarkProcessed("PositionOpened", "new")
	assert.True(t, ic.IsDuplicate("PositionOpened", "new"))

	assert.True(t, ic.IsDuplicate("PositionOpened", "old"))
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.IdempotencyDuplicates.WithLabelValues("PositionOpened", "lru")))
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.IdempotencyDuplicates.WithLabelValues("PositionOpened", "postgres")))

	// the postgres hit was promoted into the LRU
	db.seen = nil
	assert.True(t, ic.IsDuplicate("PositionOpened", "old"))
}

func TestIdempotency_EvictsOldest(t *testing.T) {
	ic := NewIdempotencyChecker(2, nil, nil)
	ic.MarkProcessed("A", "1")
	ic.MarkProcessed("A", "2")
	ic.MarkProcessed("A", "3")

	assert.Equal(t, 2, ic.Size())
	assert.False(t, ic.IsDuplicate("A", "1"))
	assert.Equal(t, []string{"A:2", "A:3"}, ic.Keys())
}

func TestIdempotency_Tier2ErrorIsNotDuplicate(t *testing.T) {
	metrics := observability.NewMetrics(prometheus.NewRegistry())
	ic := NewIdempotencyChecker(4, &stubDB{err: errors.New("connection refused")}, metrics)
	assert.False(t, ic.IsDuplicate("A", "1"))
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.IdempotencyDBErrors))
}

func TestIdempotency_WarmFromKeys(t *testing.T) {
	ic := NewIdempotencyChecker(4, nil, nil)
	ic.WarmFromKeys([]string{compositeKey("A", "1")})
	assert.True(t, ic.IsDuplicate("A", "1"))
}

func TestIdempotency_RestoreKeepsRecencyOrder(t *testing.T) {
	ic := NewIdempotencyChecker(3, nil, nil)
	ic.MarkProcessed("Z", "1")
	ic.MarkProcessed("A", "2")
	ic.MarkProcessed("M", "3")
	assert.Equal(t, []string{"Z:1", "A:2", "M:3"}, ic.Keys())

	restored := NewIdempotencyChecker(3, nil, nil)
	restored.WarmFromKeys(ic.Keys())
	restored.MarkProcessed("B", "4")

	// Z:1 was applied first, so it goes first even though it sorts last.
	assert.False(t, restored.IsDuplicate("Z", "1"))
	assert.True(t, restored.IsDuplicate("A", "2"))
	assert.Equal(t, []string{"A:2", "M:3", "B:4"}, restored.Keys())
}

func TestPartitionCursors(t *testing.T) {
	pc := make(partitionCursors)

	require.Nil(t, pc.check("stability", 0, false))
	require.Nil(t, pc.check("stability", 1, false))
	assert.Equal(t, int64(2), pc["stability"])

	gap := pc.check("stability", 5, false)
	require.NotNil(t, gap)
	assert.Equal(t, SequenceGap, gap.Violation)
	assert.Equal(t, "sequence gap: partition=stability, expected=2, got=5", gap.Error())

	assert.Nil(t, pc.check("stability", 0, true))
	stale := pc.check("stability", 0, false)
	require.NotNil(t, stale)
	assert.Equal(t, SequenceOutOfOrder, stale.Violation)

	assert.Nil(t, pc.check("positions", 0, false))

	pc.moveTo("positions", 10)
	exported := pc.export()
	assert.Equal(t, map[string]int64{"stability": 2, "positions": 10}, exported)
	exported["stability"] = 99
	assert.Equal(t, int64(2), pc["stability"])
}

func TestHashChain_ChainsAndRestores(t *testing.T) {
	h := newHashChain()
	genesis := h.tip
	prev, first := h.extend(0, []byte("a"))
	assert.Equal(t, genesis, prev)
	assert.NotEqual(t, genesis, first)

	other := hashChain{tip: first}
	_, want := h.extend(1, []byte("b"))
	_, got := other.extend(1, []byte("b"))
	assert.Equal(t, want, got)

	fresh := newHashChain()
	_, diverged := fresh.extend(0, []byte("b"))
	assert.NotEqual(t, first, diverged)
}
