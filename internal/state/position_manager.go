package state

import (
	"errors"
	"fmt"
	"sort"

	fpmath "SolvencyLedger/internal/math"
	"SolvencyLedger/internal/redistribution"

	"github.com/google/uuid"
	"github.com/holiman/uint256"
)

var (
	ErrPositionNotFound       = errors.New("state: position not found")
	ErrPositionExists         = errors.New("state: position already exists")
	ErrPositionNotActive      = errors.New("state: position is not active")
	ErrZeroCollateral         = errors.New("state: collateral must be positive")
	ErrInsufficientCollateral = errors.New("state: collateral withdrawal exceeds position collateral")
	ErrRepayExceedsDebt       = errors.New("state: repayment exceeds position debt")
	ErrNoAdjustment           = errors.New("state: adjustment changes neither collateral nor debt")
)

// PositionManager owns every position together with the redistribution
// accumulator, the stake totals and the active/default pool totals. Every
// mutating method either fully applies or leaves state untouched.
// Not thread-safe: only accessed from the single-threaded deterministic core.
type PositionManager struct {
	positions   map[uuid.UUID]*Position
	accumulator *redistribution.Accumulator
	stakes      *redistribution.Stakes

	activeCollateral  uint256.Int
	activeDebt        uint256.Int
	defaultCollateral uint256.Int
	defaultDebt       uint256.Int

	activeCount int
}

func NewPositionManager() *PositionManager {
	return &PositionManager{
		positions:   make(map[uuid.UUID]*Position),
		accumulator: redistribution.NewAccumulator(),
		stakes:      redistribution.NewStakes(),
	}
}

// PositionChange reports what an operation moved, for journaling.
type PositionChange struct {
	PositionID        uuid.UUID
	PendingReward     redistribution.Reward
	CollateralAdded   uint256.Int
	CollateralRemoved uint256.Int
	DebtAdded         uint256.Int
	DebtRepaid        uint256.Int
}

// GetPosition returns existing position or nil
func (pm *PositionManager) GetPosition(id uuid.UUID) *Position {
	return pm.positions[id]
}

func (pm *PositionManager) active(id uuid.UUID) (*Position, error) {
	pos := pm.positions[id]
	if pos == nil {
		return nil, fmt.Errorf("%w: %s", ErrPositionNotFound, id)
	}
	if !pos.IsActive() {
		return nil, fmt.Errorf("%w: %s is %s", ErrPositionNotActive, id, pos.Status)
	}
	return pos, nil
}

// pools is a working copy of the pool totals.
type pools struct {
	activeColl, activeDebt, defaultColl, defaultDebt *uint256.Int
}

func (pm *PositionManager) pools() pools {
	return pools{
		activeColl:  pm.activeCollateral.Clone(),
		activeDebt:  pm.activeDebt.Clone(),
		defaultColl: pm.defaultCollateral.Clone(),
		defaultDebt: pm.defaultDebt.Clone(),
	}
}

func (pm *PositionManager) commitPools(p pools) {
	pm.activeCollateral.Set(p.activeColl)
	pm.activeDebt.Set(p.activeDebt)
	pm.defaultCollateral.Set(p.defaultColl)
	pm.defaultDebt.Set(p.defaultDebt)
}

// pullReward moves a pending redistribution reward from the default pool
// into the active pool on the working copies.
func (p *pools) pullReward(r *redistribution.Reward) error {
	var err error
	if p.defaultColl, err = fpmath.Sub(p.defaultColl, &r.Collateral); err != nil {
		return fmt.Errorf("%w: pending collateral exceeds default pool", fpmath.ErrInvariantViolation)
	}
	if p.defaultDebt, err = fpmath.Sub(p.defaultDebt, &r.Debt); err != nil {
		return fmt.Errorf("%w: pending debt exceeds default pool", fpmath.ErrInvariantViolation)
	}
	if p.activeColl, err = fpmath.Add(p.activeColl, &r.Collateral); err != nil {
		return err
	}
	if p.activeDebt, err = fpmath.Add(p.activeDebt, &r.Debt); err != nil {
		return err
	}
	return nil
}

// Open creates an active position and stakes its collateral.
func (pm *PositionManager) Open(id, owner uuid.UUID, coll, debt *uint256.Int, openedAt int64) (PositionChange, error) {
	if _, exists := pm.positions[id]; exists {
		return PositionChange{}, fmt.Errorf("%w: %s", ErrPositionExists, id)
	}
	if coll.IsZero() {
		return PositionChange{}, ErrZeroCollateral
	}

	work := redistribution.Position{Snapshot: pm.accumulator.Snapshot()}
	work.Collateral.Set(coll)
	work.Debt.Set(debt)

	p := pm.pools()
	var err error
	if p.activeColl, err = fpmath.Add(p.activeColl, coll); err != nil {
		return PositionChange{}, fmt.Errorf("active collateral: %w", err)
	}
	if p.activeDebt, err = fpmath.Add(p.activeDebt, debt); err != nil {
		return PositionChange{}, fmt.Errorf("active debt: %w", err)
	}
	if err := pm.stakes.UpdateStake(&work); err != nil {
		return PositionChange{}, fmt.Errorf("stake: %w", err)
	}

	pm.commitPools(p)
	pm.positions[id] = &Position{
		ID:       id,
		OwnerID:  owner,
		Status:   PositionStatusActive,
		Position: work,
		OpenedAt: openedAt,
		Version:  1,
	}
	pm.activeCount++

	change := PositionChange{PositionID: id}
	change.CollateralAdded.Set(coll)
	change.DebtAdded.Set(debt)
	return change, nil
}

// Adjust applies pending rewards, then the collateral and debt changes,
// then restakes the position.
func (pm *PositionManager) Adjust(id uuid.UUID, collChange *uint256.Int, collIncrease bool, debtChange *uint256.Int, debtIncrease bool) (PositionChange, error) {
	if collChange.IsZero() && debtChange.IsZero() {
		return PositionChange{}, ErrNoAdjustment
	}
	pos, err := pm.active(id)
	if err != nil {
		return PositionChange{}, err
	}

	work := pos.Position
	reward, err := pm.accumulator.ApplyPendingReward(&work)
	if err != nil {
		return PositionChange{}, fmt.Errorf("pending reward: %w", err)
	}
	p := pm.pools()
	if err := p.pullReward(&reward); err != nil {
		return PositionChange{}, err
	}

	change := PositionChange{PositionID: id, PendingReward: reward}
	var newColl, newDebt *uint256.Int
	if collIncrease {
		if newColl, err = fpmath.Add(&work.Collateral, collChange); err != nil {
			return PositionChange{}, fmt.Errorf("collateral: %w", err)
		}
		if p.activeColl, err = fpmath.Add(p.activeColl, collChange); err != nil {
			return PositionChange{}, fmt.Errorf("active collateral: %w", err)
		}
		change.CollateralAdded.Set(collChange)
	} else {
		if newColl, err = fpmath.Sub(&work.Collateral, collChange); err != nil {
			return PositionChange{}, fmt.Errorf("%w: have %s, withdraw %s", ErrInsufficientCollateral,
				fpmath.FormatDecimal(&work.Collateral), fpmath.FormatDecimal(collChange))
		}
		if p.activeColl, err = fpmath.Sub(p.activeColl, collChange); err != nil {
			return PositionChange{}, fmt.Errorf("%w: active collateral below position collateral", fpmath.ErrInvariantViolation)
		}
		change.CollateralRemoved.Set(collChange)
	}
	if newColl.IsZero() {
		return PositionChange{}, ErrZeroCollateral
	}

	if debtIncrease {
		if newDebt, err = fpmath.Add(&work.Debt, debtChange); err != nil {
			return PositionChange{}, fmt.Errorf("debt: %w", err)
		}
		if p.activeDebt, err = fpmath.Add(p.activeDebt, debtChange); err != nil {
			return PositionChange{}, fmt.Errorf("active debt: %w", err)
		}
		change.DebtAdded.Set(debtChange)
	} else {
		if newDebt, err = fpmath.Sub(&work.Debt, debtChange); err != nil {
			return PositionChange{}, fmt.Errorf("%w: have %s, repay %s", ErrRepayExceedsDebt,
				fpmath.FormatDecimal(&work.Debt), fpmath.FormatDecimal(debtChange))
		}
		if p.activeDebt, err = fpmath.Sub(p.activeDebt, debtChange); err != nil {
			return PositionChange{}, fmt.Errorf("%w: active debt below position debt", fpmath.ErrInvariantViolation)
		}
		change.DebtRepaid.Set(debtChange)
	}

	work.Collateral.Set(newColl)
	work.Debt.Set(newDebt)
	if err := pm.stakes.UpdateStake(&work); err != nil {
		return PositionChange{}, fmt.Errorf("stake: %w", err)
	}

	pm.commitPools(p)
	pos.Position = work
	pos.Version++
	return change, nil
}

// Close applies pending rewards, returns all collateral, repays all debt
// and removes the stake.
func (pm *PositionManager) Close(id uuid.UUID) (PositionChange, error) {
	pos, err := pm.active(id)
	if err != nil {
		return PositionChange{}, err
	}

	work := pos.Position
	reward, err := pm.accumulator.ApplyPendingReward(&work)
	if err != nil {
		return PositionChange{}, fmt.Errorf("pending reward: %w", err)
	}
	p := pm.pools()
	if err := p.pullReward(&reward); err != nil {
		return PositionChange{}, err
	}
	if p.activeColl, err = fpmath.Sub(p.activeColl, &work.Collateral); err != nil {
		return PositionChange{}, fmt.Errorf("%w: active collateral below position collateral", fpmath.ErrInvariantViolation)
	}
	if p.activeDebt, err = fpmath.Sub(p.activeDebt, &work.Debt); err != nil {
		return PositionChange{}, fmt.Errorf("%w: active debt below position debt", fpmath.ErrInvariantViolation)
	}

	change := PositionChange{PositionID: id, PendingReward: reward}
	change.CollateralRemoved.Set(&work.Collateral)
	change.DebtRepaid.Set(&work.Debt)

	if err := pm.stakes.RemoveStake(&work); err != nil {
		return PositionChange{}, fmt.Errorf("stake: %w", err)
	}

	pm.commitPools(p)
	work.Collateral.Clear()
	work.Debt.Clear()
	work.Snapshot = redistribution.RewardSnapshot{}
	pos.Position = work
	pos.Status = PositionStatusClosedByOwner
	pos.Version++
	pm.activeCount--
	return change, nil
}

// PendingReward returns the redistribution reward a position would pull on
// its next operation.
func (pm *PositionManager) PendingReward(id uuid.UUID) (redistribution.Reward, error) {
	pos := pm.positions[id]
	if pos == nil {
		return redistribution.Reward{}, fmt.Errorf("%w: %s", ErrPositionNotFound, id)
	}
	if !pos.IsActive() {
		return redistribution.Reward{}, nil
	}
	return pm.accumulator.PendingReward(&pos.Stake, &pos.Snapshot)
}

func (pm *PositionManager) Accumulator() *redistribution.Accumulator { return pm.accumulator }

func (pm *PositionManager) TotalStakes() *uint256.Int { return pm.stakes.Total() }

// TotalCollateral is the collateral held by active positions.
func (pm *PositionManager) TotalCollateral() *uint256.Int { return pm.activeCollateral.Clone() }

// TotalDebt is the debt held by active positions.
func (pm *PositionManager) TotalDebt() *uint256.Int { return pm.activeDebt.Clone() }

// DefaultPoolCollateral is redistributed collateral not yet pulled by a
// position.
func (pm *PositionManager) DefaultPoolCollateral() *uint256.Int { return pm.defaultCollateral.Clone() }

func (pm *PositionManager) DefaultPoolDebt() *uint256.Int { return pm.defaultDebt.Clone() }

// ActiveCount returns the number of active positions.
func (pm *PositionManager) ActiveCount() int {
	return pm.activeCount
}

// GetAllPositions returns all positions ordered by id (for iteration and
// snapshots).
func (pm *PositionManager) GetAllPositions() []*Position {
	result := make([]*Position, 0, len(pm.positions))
	for _, pos := range pm.positions {
		result = append(result, pos)
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].ID.String() < result[j].ID.String()
	})
	return result
}

// PoolState is the serializable form of the manager's aggregate state.
type PoolState struct {
	Accumulator       redistribution.State
	Stakes            redistribution.StakeState
	ActiveCollateral  uint256.Int
	ActiveDebt        uint256.Int
	DefaultCollateral uint256.Int
	DefaultDebt       uint256.Int
}

func (pm *PositionManager) ExportPoolState() PoolState {
	s := PoolState{
		Accumulator: pm.accumulator.ExportState(),
		Stakes:      pm.stakes.ExportState(),
	}
	s.ActiveCollateral.Set(&pm.activeCollateral)
	s.ActiveDebt.Set(&pm.activeDebt)
	s.DefaultCollateral.Set(&pm.defaultCollateral)
	s.DefaultDebt.Set(&pm.defaultDebt)
	return s
}

// Restore replaces all state (used for snapshot restore).
func (pm *PositionManager) Restore(s PoolState, positions []*Position) {
	pm.accumulator.RestoreState(s.Accumulator)
	pm.stakes.RestoreState(s.Stakes)
	pm.activeCollateral.Set(&s.ActiveCollateral)
	pm.activeDebt.Set(&s.ActiveDebt)
	pm.defaultCollateral.Set(&s.DefaultCollateral)
	pm.defaultDebt.Set(&s.DefaultDebt)

	pm.positions = make(map[uuid.UUID]*Position, len(positions))
	pm.activeCount = 0
	for _, pos := range positions {
		pm.positions[pos.ID] = pos
		if pos.IsActive() {
			pm.activeCount++
		}
	}
}
