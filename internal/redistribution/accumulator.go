// Package redistribution spreads the unabsorbed collateral and debt of a
// liquidated position across every remaining position, weighted by stake,
// in O(1). Positions pull their share lazily through PendingReward.
package redistribution

import (
	"errors"
	"fmt"

	fpmath "SolvencyLedger/internal/math"

	"github.com/holiman/uint256"
)

var ErrNoStakesToRedistribute = fmt.Errorf("%w: redistribution: total stakes is zero", fpmath.ErrInvariantViolation)

var errNilSnapshot = errors.New("redistribution: nil snapshot")

// RewardSnapshot is a position's copy of the accumulator at its last touch.
type RewardSnapshot struct {
	CollateralPerStake uint256.Int
	DebtPerStake       uint256.Int
}

// Reward is a position's pending (unapplied) redistribution share.
type Reward struct {
	Collateral uint256.Int
	Debt       uint256.Int
}

func (r Reward) IsZero() bool {
	return r.Collateral.IsZero() && r.Debt.IsZero()
}

// State is the serializable form of the accumulator.
type State struct {
	CollateralPerUnitStaked uint256.Int
	DebtPerUnitStaked       uint256.Int
	LastCollateralError     uint256.Int
	LastDebtError           uint256.Int
}

// Accumulator holds L_coll and L_debt. Both only ever increase.
// Not thread-safe: owned by the deterministic core.
type Accumulator struct {
	lColl     uint256.Int
	lDebt     uint256.Int
	collError uint256.Int
	debtError uint256.Int
}

func NewAccumulator() *Accumulator {
	return &Accumulator{}
}

// ApplyLiquidationRedistribution credits coll/totalStakes and debt/totalStakes
// to every unit of stake. The division remainders are carried into the next
// call's numerators.
func (a *Accumulator) ApplyLiquidationRedistribution(coll, debt, totalStakes *uint256.Int) error {
	if totalStakes.IsZero() {
		return ErrNoStakesToRedistribute
	}
	if debt.IsZero() && coll.IsZero() {
		return nil
	}

	collPerUnit, collErr, err := fpmath.DivWithCarry(coll, &a.collError, totalStakes)
	if err != nil {
		return fmt.Errorf("collateral per unit staked: %w", err)
	}
	debtPerUnit, debtErr, err := fpmath.DivWithCarry(debt, &a.debtError, totalStakes)
	if err != nil {
		return fmt.Errorf("debt per unit staked: %w", err)
	}
	newLColl, err := fpmath.Add(&a.lColl, collPerUnit)
	if err != nil {
		return fmt.Errorf("L_coll: %w", err)
	}
	newLDebt, err := fpmath.Add(&a.lDebt, debtPerUnit)
	if err != nil {
		return fmt.Errorf("L_debt: %w", err)
	}

	a.lColl.Set(newLColl)
	a.lDebt.Set(newLDebt)
	a.collError.Set(collErr)
	a.debtError.Set(debtErr)
	return nil
}

// PendingReward returns stake * (L - snapshot) / 1e18 for both assets.
func (a *Accumulator) PendingReward(stake *uint256.Int, snap *RewardSnapshot) (Reward, error) {
	if snap == nil {
		return Reward{}, errNilSnapshot
	}
	return PendingRewardAt(a.CollateralPerUnitStaked(), a.DebtPerUnitStaked(), stake, snap)
}

// PendingRewardAt computes a pending reward against explicit L values. The
// query side uses it with projected state.
func PendingRewardAt(lColl, lDebt, stake *uint256.Int, snap *RewardSnapshot) (Reward, error) {
	var r Reward
	coll, err := perStakeShare(lColl, &snap.CollateralPerStake, stake)
	if err != nil {
		return Reward{}, fmt.Errorf("pending collateral: %w", err)
	}
	debt, err := perStakeShare(lDebt, &snap.DebtPerStake, stake)
	if err != nil {
		return Reward{}, fmt.Errorf("pending debt: %w", err)
	}
	r.Collateral.Set(coll)
	r.Debt.Set(debt)
	return r, nil
}

func perStakeShare(current, snapshot, stake *uint256.Int) (*uint256.Int, error) {
	delta, err := fpmath.Sub(current, snapshot)
	if err != nil {
		// L never decreases, so a snapshot above it is corrupt state.
		return nil, fmt.Errorf("%w: snapshot %s above accumulator %s", fpmath.ErrInvariantViolation, snapshot.Dec(), current.Dec())
	}
	if delta.IsZero() || stake.IsZero() {
		return fpmath.Zero(), nil
	}
	return fpmath.MulDiv(stake, delta, fpmath.Unit(), fpmath.RoundDown)
}

// Snapshot returns the accumulator values a touched position should store.
func (a *Accumulator) Snapshot() RewardSnapshot {
	var s RewardSnapshot
	s.CollateralPerStake.Set(&a.lColl)
	s.DebtPerStake.Set(&a.lDebt)
	return s
}

func (a *Accumulator) CollateralPerUnitStaked() *uint256.Int {
	return a.lColl.Clone()
}

func (a *Accumulator) DebtPerUnitStaked() *uint256.Int {
	return a.lDebt.Clone()
}

// ExportState copies the accumulator for snapshotting.
func (a *Accumulator) ExportState() State {
	var s State
	s.CollateralPerUnitStaked.Set(&a.lColl)
	s.DebtPerUnitStaked.Set(&a.lDebt)
	s.LastCollateralError.Set(&a.collError)
	s.LastDebtError.Set(&a.debtError)
	return s
}

// RestoreState replaces the accumulator with a snapshotted copy.
func (a *Accumulator) RestoreState(s State) {
	a.lColl.Set(&s.CollateralPerUnitStaked)
	a.lDebt.Set(&s.DebtPerUnitStaked)
	a.collError.Set(&s.LastCollateralError)
	a.debtError.Set(&s.LastDebtError)
}
