package core

import (
	"sort"

	"SolvencyLedger/internal/stability"
	"SolvencyLedger/internal/state"

	"github.com/google/uuid"
	"github.com/holiman/uint256"
)

// Effects is the domain-level outcome of one applied event. Projections are
// built from it; the journal batch carries the money movements.
type Effects struct {
	Deposit     *DepositEffect
	Positions   []state.Position
	Liquidation *state.LiquidationPlan
	Offset      *stability.OffsetResult

	// RewardIssued is the issuance triggered by the event. It reaches
	// depositors only when RewardDistributed is set.
	RewardIssued      uint256.Int
	RewardDistributed bool

	// Sums holds the S/G rows the event may have written.
	Sums []stability.SumEntry
	Pool PoolSummary
}

// DepositEffect is one depositor's change and their stored deposit after it.
type DepositEffect struct {
	DepositorID uuid.UUID
	Change      stability.DepositChange
	Deposit     stability.Deposit
	Removed     bool
}

// PoolSummary is the aggregate solvency state after an event.
type PoolSummary struct {
	TotalDeposits uint256.Int
	P             uint256.Int
	Epoch         uint64
	Scale         uint64

	LColl             uint256.Int
	LDebt             uint256.Int
	TotalStakes       uint256.Int
	ActiveCollateral  uint256.Int
	ActiveDebt        uint256.Int
	DefaultCollateral uint256.Int
	DefaultDebt       uint256.Int
	ActivePositions   int

	TotalIssued uint256.Int
}

func (c *DeterministicCore) fillPoolSummary(e *Effects) {
	sl := c.stabilityLedger
	pm := c.positionManager
	acc := pm.Accumulator()

	p := &e.Pool
	p.TotalDeposits.Set(sl.TotalDeposits())
	p.P.Set(sl.P())
	p.Epoch = sl.CurrentEpoch()
	p.Scale = sl.CurrentScale()
	p.LColl.Set(acc.CollateralPerUnitStaked())
	p.LDebt.Set(acc.DebtPerUnitStaked())
	p.TotalStakes.Set(pm.TotalStakes())
	p.ActiveCollateral.Set(pm.TotalCollateral())
	p.ActiveDebt.Set(pm.TotalDebt())
	p.DefaultCollateral.Set(pm.DefaultPoolCollateral())
	p.DefaultDebt.Set(pm.DefaultPoolDebt())
	p.ActivePositions = pm.ActiveCount()
	p.TotalIssued.Set(c.issuer.TotalIssued())
}

// touchedSums returns the S/G rows at the given keys that exist, in key
// order and without repeats.
func (c *DeterministicCore) touchedSums(keys ...stability.EpochScale) []stability.SumEntry {
	sort.Slice(keys, func(i, j int) bool {
		if keys[i].Epoch != keys[j].Epoch {
			return keys[i].Epoch < keys[j].Epoch
		}
		return keys[i].Scale < keys[j].Scale
	})
	var out []stability.SumEntry
	for i, k := range keys {
		if i > 0 && k == keys[i-1] {
			continue
		}
		if e, ok := c.stabilityLedger.SumEntryAt(k); ok {
			out = append(out, e)
		}
	}
	return out
}

func (c *DeterministicCore) currentKey() stability.EpochScale {
	return stability.EpochScale{
		Epoch: c.stabilityLedger.CurrentEpoch(),
		Scale: c.stabilityLedger.CurrentScale(),
	}
}

func (c *DeterministicCore) depositEffect(depositor uuid.UUID, change stability.DepositChange) *DepositEffect {
	d, ok := c.stabilityLedger.Deposit(depositor)
	return &DepositEffect{
		DepositorID: depositor,
		Change:      change,
		Deposit:     d,
		Removed:     !ok,
	}
}

func (c *DeterministicCore) positionEffect(id uuid.UUID) []state.Position {
	pos := c.positionManager.GetPosition(id)
	if pos == nil {
		return nil
	}
	return []state.Position{*pos}
}
