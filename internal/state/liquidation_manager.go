package state

import (
	"errors"
	"fmt"

	fpmath "SolvencyLedger/internal/math"
	"SolvencyLedger/internal/redistribution"

	"github.com/google/uuid"
	"github.com/holiman/uint256"
)

var (
	ErrNothingToLiquidate = errors.New("state: position has no debt to liquidate")
	// ErrLastPosition rejects a liquidation whose remainder would have to be
	// redistributed with no other stake left to receive it.
	ErrLastPosition = fmt.Errorf("%w: no other position can absorb the redistribution", redistribution.ErrNoStakesToRedistribute)
)

// LiquidationManager splits liquidated positions between the Stability Pool
// offset and redistribution to the remaining positions.
type LiquidationManager struct {
	positionManager *PositionManager
}

func NewLiquidationManager(pm *PositionManager) *LiquidationManager {
	return &LiquidationManager{positionManager: pm}
}

// LiquidationPlan is the full outcome of a liquidation computed without
// mutating state. Collateral and Debt include the pending reward.
type LiquidationPlan struct {
	PositionID    uuid.UUID
	PendingReward redistribution.Reward
	Collateral    uint256.Int
	Debt          uint256.Int

	DebtToOffset        uint256.Int
	CollToStabilityPool uint256.Int
	DebtToRedistribute  uint256.Int
	CollToRedistribute  uint256.Int

	remainingStakes uint256.Int
}

// Plan computes the liquidation split against the current Stability Pool
// deposits:
//
//	debtToOffset        = min(debt, totalDeposits)
//	collToStabilityPool = coll * debtToOffset / debt
//	remainder           redistributed by stake
func (lm *LiquidationManager) Plan(id uuid.UUID, totalDeposits *uint256.Int) (*LiquidationPlan, error) {
	pm := lm.positionManager
	pos, err := pm.active(id)
	if err != nil {
		return nil, err
	}

	work := pos.Position
	reward, err := pm.accumulator.ApplyPendingReward(&work)
	if err != nil {
		return nil, fmt.Errorf("pending reward: %w", err)
	}
	if work.Debt.IsZero() {
		return nil, fmt.Errorf("%w: %s", ErrNothingToLiquidate, id)
	}

	plan := &LiquidationPlan{PositionID: id, PendingReward: reward}
	plan.Collateral.Set(&work.Collateral)
	plan.Debt.Set(&work.Debt)

	if !totalDeposits.IsZero() {
		plan.DebtToOffset.Set(fpmath.Min(&work.Debt, totalDeposits))
		coll, err := fpmath.MulDiv(&work.Collateral, &plan.DebtToOffset, &work.Debt, fpmath.RoundDown)
		if err != nil {
			return nil, fmt.Errorf("collateral to stability pool: %w", err)
		}
		plan.CollToStabilityPool.Set(coll)
	}
	plan.DebtToRedistribute.Sub(&work.Debt, &plan.DebtToOffset)
	plan.CollToRedistribute.Sub(&work.Collateral, &plan.CollToStabilityPool)

	remaining, err := fpmath.Sub(pm.stakes.Total(), &work.Stake)
	if err != nil {
		return nil, fmt.Errorf("%w: position stake above total stakes", fpmath.ErrInvariantViolation)
	}
	if !plan.DebtToRedistribute.IsZero() && remaining.IsZero() {
		return nil, fmt.Errorf("%w: position %s", ErrLastPosition, id)
	}
	plan.remainingStakes.Set(remaining)
	return plan, nil
}

// Apply redistributes the plan's remainder, closes the position and
// refreshes the stake snapshots. The Stability Pool offset is applied by the
// caller. The plan must come from Plan with no state change in between.
func (lm *LiquidationManager) Apply(plan *LiquidationPlan) error {
	pm := lm.positionManager
	pos, err := pm.active(plan.PositionID)
	if err != nil {
		return err
	}

	p := pm.pools()
	if err := p.pullReward(&plan.PendingReward); err != nil {
		return err
	}
	if p.activeColl, err = fpmath.Sub(p.activeColl, &plan.Collateral); err != nil {
		return fmt.Errorf("%w: active collateral below liquidated collateral", fpmath.ErrInvariantViolation)
	}
	if p.activeDebt, err = fpmath.Sub(p.activeDebt, &plan.Debt); err != nil {
		return fmt.Errorf("%w: active debt below liquidated debt", fpmath.ErrInvariantViolation)
	}
	if p.defaultColl, err = fpmath.Add(p.defaultColl, &plan.CollToRedistribute); err != nil {
		return fmt.Errorf("default pool collateral: %w", err)
	}
	if p.defaultDebt, err = fpmath.Add(p.defaultDebt, &plan.DebtToRedistribute); err != nil {
		return fmt.Errorf("default pool debt: %w", err)
	}
	systemColl, err := fpmath.Add(p.activeColl, p.defaultColl)
	if err != nil {
		return fmt.Errorf("system collateral: %w", err)
	}

	if !plan.DebtToRedistribute.IsZero() {
		if err := pm.accumulator.ApplyLiquidationRedistribution(
			&plan.CollToRedistribute, &plan.DebtToRedistribute, &plan.remainingStakes); err != nil {
			return fmt.Errorf("redistribute: %w", err)
		}
	}

	work := pos.Position
	if err := pm.stakes.RemoveStake(&work); err != nil {
		return fmt.Errorf("stake: %w", err)
	}
	pm.stakes.UpdateSnapshots(systemColl)
	pm.commitPools(p)

	work.Collateral.Clear()
	work.Debt.Clear()
	work.Snapshot = redistribution.RewardSnapshot{}
	pos.Position = work
	pos.Status = PositionStatusClosedByLiquidation
	pos.Version++
	pm.activeCount--
	return nil
}
