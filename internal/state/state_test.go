package state_test

import (
	"errors"
	"testing"

	fpmath "SolvencyLedger/internal/math"
	"SolvencyLedger/internal/redistribution"
	"SolvencyLedger/internal/state"

	"github.com/google/uuid"
	"github.com/holiman/uint256"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func dec(s string) *uint256.Int { return fpmath.MustParseDecimal(s) }

func str(v *uint256.Int) string { return fpmath.FormatDecimal(v) }

func open(t *testing.T, pm *state.PositionManager, coll, debt string) uuid.UUID {
	t.Helper()
	id := uuid.New()
	_, err := pm.Open(id, uuid.New(), dec(coll), dec(debt), 0)
	require.NoError(t, err)
	return id
}

func liquidate(t *testing.T, pm *state.PositionManager, id uuid.UUID, deposits string) *state.LiquidationPlan {
	t.Helper()
	lm := state.NewLiquidationManager(pm)
	plan, err := lm.Plan(id, dec(deposits))
	require.NoError(t, err)
	require.NoError(t, lm.Apply(plan))
	return plan
}

func TestOpen_StakesCollateralBeforeFirstLiquidation(t *testing.T) {
	pm := state.NewPositionManager()
	id := open(t, pm, "10", "100")

	pos := pm.GetPosition(id)
	require.NotNil(t, pos)
	assert.True(t, pos.IsActive())
	assert.Equal(t, "10", str(&pos.Stake))
	assert.Equal(t, "10", str(pm.TotalStakes()))
	assert.Equal(t, "10", str(pm.TotalCollateral()))
	assert.Equal(t, "100", str(pm.TotalDebt()))
}

func TestOpen_Rejections(t *testing.T) {
	pm := state.NewPositionManager()
	id := open(t, pm, "1", "1")

	_, err := pm.Open(id, uuid.New(), dec("1"), dec("1"), 0)
	assert.ErrorIs(t, err, state.ErrPositionExists)

	_, err = pm.Open(uuid.New(), uuid.New(), fpmath.Zero(), dec("1"), 0)
	assert.ErrorIs(t, err, state.ErrZeroCollateral)
}

func TestLiquidation_FullRedistribution(t *testing.T) {
	pm := state.NewPositionManager()
	a := open(t, pm, "10", "100")
	b := open(t, pm, "30", "300")
	c := open(t, pm, "4", "40")

	plan := liquidate(t, pm, c, "0")
	assert.True(t, plan.DebtToOffset.IsZero())
	assert.Equal(t, "40", str(&plan.DebtToRedistribute))
	assert.Equal(t, "4", str(&plan.CollToRedistribute))

	acc := pm.Accumulator()
	assert.Equal(t, "0.1", str(acc.CollateralPerUnitStaked()))
	assert.Equal(t, "1", str(acc.DebtPerUnitStaked()))

	ra, err := pm.PendingReward(a)
	require.NoError(t, err)
	assert.Equal(t, "1", str(&ra.Collateral))
	assert.Equal(t, "10", str(&ra.Debt))
	rb, err := pm.PendingReward(b)
	require.NoError(t, err)
	assert.Equal(t, "3", str(&rb.Collateral))
	assert.Equal(t, "30", str(&rb.Debt))

	assert.Equal(t, state.PositionStatusClosedByLiquidation, pm.GetPosition(c).Status)
	assert.Equal(t, "40", str(pm.TotalStakes()))
	assert.Equal(t, "40", str(pm.TotalCollateral()))
	assert.Equal(t, "400", str(pm.TotalDebt()))
	assert.Equal(t, "4", str(pm.DefaultPoolCollateral()))
	assert.Equal(t, "40", str(pm.DefaultPoolDebt()))
}

func TestLiquidation_SplitsOffsetAndRedistribution(t *testing.T) {
	pm := state.NewPositionManager()
	open(t, pm, "10", "100")
	c := open(t, pm, "4", "40")

	plan := liquidate(t, pm, c, "25")
	assert.Equal(t, "25", str(&plan.DebtToOffset))
	assert.Equal(t, "2.5", str(&plan.CollToStabilityPool))
	assert.Equal(t, "15", str(&plan.DebtToRedistribute))
	assert.Equal(t, "1.5", str(&plan.CollToRedistribute))

	assert.Equal(t, "1.5", str(pm.DefaultPoolCollateral()))
	assert.Equal(t, "10", str(pm.TotalCollateral()))
}

func TestLiquidation_FullyOffsetNeedsNoOtherStake(t *testing.T) {
	pm := state.NewPositionManager()
	c := open(t, pm, "4", "40")

	plan := liquidate(t, pm, c, "100")
	assert.Equal(t, "40", str(&plan.DebtToOffset))
	assert.Equal(t, "4", str(&plan.CollToStabilityPool))
	assert.True(t, plan.DebtToRedistribute.IsZero())
	assert.True(t, pm.TotalStakes().IsZero())
}

func TestLiquidation_LastPositionRejected(t *testing.T) {
	pm := state.NewPositionManager()
	c := open(t, pm, "4", "40")

	_, err := state.NewLiquidationManager(pm).Plan(c, dec("10"))
	require.Error(t, err)
	assert.ErrorIs(t, err, state.ErrLastPosition)
	assert.True(t, errors.Is(err, redistribution.ErrNoStakesToRedistribute))
	assert.Equal(t, state.PositionStatusActive, pm.GetPosition(c).Status)
}

func TestLiquidation_ZeroDebtRejected(t *testing.T) {
	pm := state.NewPositionManager()
	c := open(t, pm, "4", "0")
	_, err := state.NewLiquidationManager(pm).Plan(c, dec("10"))
	assert.ErrorIs(t, err, state.ErrNothingToLiquidate)
}

func TestStake_ScaledBySnapshotsAfterLiquidation(t *testing.T) {
	pm := state.NewPositionManager()
	open(t, pm, "10", "100")
	open(t, pm, "30", "300")
	c := open(t, pm, "4", "40")
	liquidate(t, pm, c, "0")

	// snapshots: totalStakes 40, system collateral 44
	d := open(t, pm, "11", "1")
	assert.Equal(t, "10", str(&pm.GetPosition(d).Stake))

	r, err := pm.PendingReward(d)
	require.NoError(t, err)
	assert.True(t, r.IsZero())
}

func TestAdjust_AppliesPendingRewardFirst(t *testing.T) {
	pm := state.NewPositionManager()
	a := open(t, pm, "10", "100")
	open(t, pm, "30", "300")
	c := open(t, pm, "4", "40")
	liquidate(t, pm, c, "0")

	change, err := pm.Adjust(a, dec("2"), true, dec("10"), false)
	require.NoError(t, err)
	assert.Equal(t, "1", str(&change.PendingReward.Collateral))
	assert.Equal(t, "10", str(&change.PendingReward.Debt))
	assert.Equal(t, "2", str(&change.CollateralAdded))
	assert.Equal(t, "10", str(&change.DebtRepaid))

	pos := pm.GetPosition(a)
	assert.Equal(t, "13", str(&pos.Collateral))
	assert.Equal(t, "100", str(&pos.Debt))
	assert.Equal(t, "3", str(pm.DefaultPoolCollateral()))
	assert.Equal(t, "30", str(pm.DefaultPoolDebt()))
	assert.Equal(t, "43", str(pm.TotalCollateral()))

	// stake = 13 * 40 / 44
	want, err := fpmath.MulDiv(dec("13"), dec("40"), dec("44"), fpmath.RoundDown)
	require.NoError(t, err)
	assert.True(t, want.Eq(&pos.Stake))

	r, err := pm.PendingReward(a)
	require.NoError(t, err)
	assert.True(t, r.IsZero())
}

func TestAdjust_RejectionsLeaveStateUntouched(t *testing.T) {
	pm := state.NewPositionManager()
	a := open(t, pm, "10", "100")

	_, err := pm.Adjust(a, dec("11"), false, fpmath.Zero(), false)
	assert.ErrorIs(t, err, state.ErrInsufficientCollateral)
	_, err = pm.Adjust(a, fpmath.Zero(), false, dec("101"), false)
	assert.ErrorIs(t, err, state.ErrRepayExceedsDebt)
	_, err = pm.Adjust(a, dec("10"), false, fpmath.Zero(), false)
	assert.ErrorIs(t, err, state.ErrZeroCollateral)
	_, err = pm.Adjust(uuid.New(), dec("1"), true, fpmath.Zero(), false)
	assert.ErrorIs(t, err, state.ErrPositionNotFound)
	_, err = pm.Adjust(a, fpmath.Zero(), true, fpmath.Zero(), true)
	assert.ErrorIs(t, err, state.ErrNoAdjustment)

	pos := pm.GetPosition(a)
	assert.Equal(t, "10", str(&pos.Collateral))
	assert.Equal(t, "100", str(&pos.Debt))
	assert.Equal(t, "10", str(pm.TotalCollateral()))
	assert.Equal(t, int64(1), pos.Version)
}

func TestClose_ReturnsEverything(t *testing.T) {
	pm := state.NewPositionManager()
	a := open(t, pm, "10", "100")
	open(t, pm, "30", "300")
	c := open(t, pm, "4", "40")
	liquidate(t, pm, c, "0")

	change, err := pm.Close(a)
	require.NoError(t, err)
	assert.Equal(t, "11", str(&change.CollateralRemoved))
	assert.Equal(t, "110", str(&change.DebtRepaid))
	assert.Equal(t, state.PositionStatusClosedByOwner, pm.GetPosition(a).Status)
	assert.Equal(t, "30", str(pm.TotalStakes()))
	assert.Equal(t, "30", str(pm.TotalCollateral()))
	assert.Equal(t, 1, pm.ActiveCount())

	_, err = pm.Close(a)
	assert.ErrorIs(t, err, state.ErrPositionNotActive)
}

func TestPoolState_ExportRestore(t *testing.T) {
	pm := state.NewPositionManager()
	a := open(t, pm, "10", "100")
	open(t, pm, "30", "300")
	c := open(t, pm, "4", "40")
	liquidate(t, pm, c, "0")

	restored := state.NewPositionManager()
	restored.Restore(pm.ExportPoolState(), pm.GetAllPositions())

	assert.Equal(t, pm.ExportPoolState(), restored.ExportPoolState())
	r, err := restored.PendingReward(a)
	require.NoError(t, err)
	assert.Equal(t, "1", str(&r.Collateral))
	assert.Equal(t, pm.GetPosition(a).CanonicalBytes(), restored.GetPosition(a).CanonicalBytes())
}

func TestActiveCount_TracksOpenCloseLiquidate(t *testing.T) {
	pm := state.NewPositionManager()
	a := open(t, pm, "10", "100")
	b := open(t, pm, "30", "300")
	c := open(t, pm, "4", "40")
	assert.Equal(t, 3, pm.ActiveCount())

	liquidate(t, pm, c, "0")
	assert.Equal(t, 2, pm.ActiveCount())

	_, err := pm.Close(a)
	require.NoError(t, err)
	assert.Equal(t, 1, pm.ActiveCount())

	// rejected operations leave the count alone
	_, err = pm.Close(a)
	require.Error(t, err)
	_, err = pm.Open(b, uuid.New(), dec("1"), dec("1"), 0)
	require.Error(t, err)
	assert.Equal(t, 1, pm.ActiveCount())

	restored := state.NewPositionManager()
	restored.Restore(pm.ExportPoolState(), pm.GetAllPositions())
	assert.Equal(t, 1, restored.ActiveCount())
}
