package core

import (
	"SolvencyLedger/internal/issuance"
	"SolvencyLedger/internal/ledger"
	"SolvencyLedger/internal/stability"
	"SolvencyLedger/internal/state"

	"github.com/holiman/uint256"
)

// SnapshotState holds the serializable in-memory state for restore.
// persistence.SnapshotData is its on-disk encoding.
type SnapshotState struct {
	Sequence        int64 // last applied sequence
	StateHash       [32]byte
	Balances        map[ledger.AccountKey]uint256.Int
	Stability       stability.State
	Pool            state.PoolState
	Positions       []*state.Position
	Issuance        issuance.State
	SequenceState   map[string]int64
	IdempotencyKeys []string
}

// CreateSnapshotState captures the current in-memory state for persistence.
func (c *DeterministicCore) CreateSnapshotState() *SnapshotState {
	positions := c.positionManager.GetAllPositions()
	copies := make([]*state.Position, len(positions))
	for i, p := range positions {
		cp := *p
		copies[i] = &cp
	}
	return &SnapshotState{
		Sequence:        c.sequence - 1,
		StateHash:       c.chain.tip,
		Balances:        c.balanceTracker.Snapshot(),
		Stability:       c.stabilityLedger.ExportState(),
		Pool:            c.positionManager.ExportPoolState(),
		Positions:       copies,
		Issuance:        c.issuer.ExportState(),
		SequenceState:   c.cursors.export(),
		IdempotencyKeys: c.idempotency.Keys(),
	}
}

// RestoreFromSnapshot restores the core's in-memory state from a snapshot.
// On warm restart: load the latest snapshot, then replay later events.
func (c *DeterministicCore) RestoreFromSnapshot(snap *SnapshotState) {
	c.sequence = snap.Sequence + 1
	c.chain.tip = snap.StateHash

	for key, balance := range snap.Balances {
		b := balance
		c.balanceTracker.SetBalance(key, &b)
	}

	c.stabilityLedger.RestoreState(snap.Stability)
	c.positionManager.Restore(snap.Pool, snap.Positions)
	c.issuer.RestoreState(snap.Issuance)

	for partition, nextSeq := range snap.SequenceState {
		c.cursors.moveTo(partition, nextSeq)
	}
	c.idempotency.WarmFromKeys(snap.IdempotencyKeys)
}

// WarmLRU loads recent idempotency keys into the LRU cache so that
// recently processed events skip the Postgres lookup.
func (c *DeterministicCore) WarmLRU(keys []string) {
	c.idempotency.WarmFromKeys(keys)
}
