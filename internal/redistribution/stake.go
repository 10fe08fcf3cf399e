package redistribution

import (
	"fmt"

	fpmath "SolvencyLedger/internal/math"

	"github.com/holiman/uint256"
)

// Position is the part of an open position the accumulator reads and
// writes: stored collateral/debt, the stake weight and the reward snapshot.
type Position struct {
	Collateral uint256.Int
	Debt       uint256.Int
	Stake      uint256.Int
	Snapshot   RewardSnapshot
}

// ApplyPendingReward folds the pending reward into the position's stored
// collateral and debt and refreshes its snapshot. It must run before any
// other mutation of the position. The position is left unchanged on error.
func (a *Accumulator) ApplyPendingReward(p *Position) (Reward, error) {
	reward, err := a.PendingReward(&p.Stake, &p.Snapshot)
	if err != nil {
		return Reward{}, err
	}

	coll, err := fpmath.Add(&p.Collateral, &reward.Collateral)
	if err != nil {
		return Reward{}, fmt.Errorf("apply pending collateral: %w", err)
	}
	debt, err := fpmath.Add(&p.Debt, &reward.Debt)
	if err != nil {
		return Reward{}, fmt.Errorf("apply pending debt: %w", err)
	}

	p.Collateral.Set(coll)
	p.Debt.Set(debt)
	p.Snapshot = a.Snapshot()
	return reward, nil
}

// StakeState is the serializable form of Stakes.
type StakeState struct {
	TotalStakes             uint256.Int
	TotalStakesSnapshot     uint256.Int
	TotalCollateralSnapshot uint256.Int
}

// Stakes maintains total stakes and the system snapshots taken after each
// liquidation. New stakes are scaled by snapshot ratio so that positions
// opened after a redistribution do not share in rewards that predate them.
type Stakes struct {
	total     uint256.Int
	snapTotal uint256.Int
	snapColl  uint256.Int
}

func NewStakes() *Stakes {
	return &Stakes{}
}

// ComputeNewStake returns coll * totalStakesSnapshot / totalCollateralSnapshot,
// or coll itself before the first liquidation.
func (s *Stakes) ComputeNewStake(coll *uint256.Int) (*uint256.Int, error) {
	if s.snapColl.IsZero() {
		return coll.Clone(), nil
	}
	if s.snapTotal.IsZero() {
		return nil, fmt.Errorf("%w: stakes snapshot is zero with collateral snapshot %s",
			fpmath.ErrInvariantViolation, s.snapColl.Dec())
	}
	return fpmath.MulDiv(coll, &s.snapTotal, &s.snapColl, fpmath.RoundDown)
}

// UpdateStake recomputes p's stake from its collateral and adjusts the total.
func (s *Stakes) UpdateStake(p *Position) error {
	newStake, err := s.ComputeNewStake(&p.Collateral)
	if err != nil {
		return err
	}
	without, err := fpmath.Sub(&s.total, &p.Stake)
	if err != nil {
		return fmt.Errorf("remove old stake: %w", err)
	}
	total, err := fpmath.Add(without, newStake)
	if err != nil {
		return fmt.Errorf("add new stake: %w", err)
	}
	s.total.Set(total)
	p.Stake.Set(newStake)
	return nil
}

// RemoveStake zeroes p's stake and subtracts it from the total.
func (s *Stakes) RemoveStake(p *Position) error {
	total, err := fpmath.Sub(&s.total, &p.Stake)
	if err != nil {
		return fmt.Errorf("remove stake: %w", err)
	}
	s.total.Set(total)
	p.Stake.Clear()
	return nil
}

// UpdateSnapshots records totalStakes and the system collateral (active plus
// pending redistribution) after a liquidation.
func (s *Stakes) UpdateSnapshots(systemCollateral *uint256.Int) {
	s.snapTotal.Set(&s.total)
	s.snapColl.Set(systemCollateral)
}

func (s *Stakes) Total() *uint256.Int {
	return s.total.Clone()
}

func (s *Stakes) ExportState() StakeState {
	var st StakeState
	st.TotalStakes.Set(&s.total)
	st.TotalStakesSnapshot.Set(&s.snapTotal)
	st.TotalCollateralSnapshot.Set(&s.snapColl)
	return st
}

func (s *Stakes) RestoreState(st StakeState) {
	s.total.Set(&st.TotalStakes)
	s.snapTotal.Set(&st.TotalStakesSnapshot)
	s.snapColl.Set(&st.TotalCollateralSnapshot)
}
