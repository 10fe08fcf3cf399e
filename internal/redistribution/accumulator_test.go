package redistribution_test

import (
	"testing"

	fpmath "SolvencyLedger/internal/math"
	"SolvencyLedger/internal/redistribution"

	"github.com/holiman/uint256"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func dec(s string) *uint256.Int { return fpmath.MustParseDecimal(s) }

func newPosition(t *testing.T, acc *redistribution.Accumulator, stakes *redistribution.Stakes, coll, debt string) *redistribution.Position {
	t.Helper()
	p := &redistribution.Position{}
	p.Collateral.Set(dec(coll))
	p.Debt.Set(dec(debt))
	require.NoError(t, stakes.UpdateStake(p))
	p.Snapshot = acc.Snapshot()
	return p
}

// ============================================================================
// Test: ApplyLiquidationRedistribution
// ============================================================================

func TestRedistribution_Scenario(t *testing.T) {
	acc := redistribution.NewAccumulator()
	stakes := redistribution.NewStakes()
	a := newPosition(t, acc, stakes, "10", "5")
	b := newPosition(t, acc, stakes, "30", "15")
	require.Equal(t, dec("40"), stakes.Total())

	require.NoError(t, acc.ApplyLiquidationRedistribution(dec("4"), dec("40"), stakes.Total()))

	assert.Equal(t, "1", fpmath.FormatDecimal(acc.DebtPerUnitStaked()))
	assert.Equal(t, "0.1", fpmath.FormatDecimal(acc.CollateralPerUnitStaked()))

	ra, err := acc.PendingReward(&a.Stake, &a.Snapshot)
	require.NoError(t, err)
	rb, err := acc.PendingReward(&b.Stake, &b.Snapshot)
	require.NoError(t, err)

	assert.Equal(t, "10", fpmath.FormatDecimal(&ra.Debt))
	assert.Equal(t, "30", fpmath.FormatDecimal(&rb.Debt))
	assert.Equal(t, "1", fpmath.FormatDecimal(&ra.Collateral))
	assert.Equal(t, "3", fpmath.FormatDecimal(&rb.Collateral))

	sum := new(uint256.Int).Add(&ra.Debt, &rb.Debt)
	assert.True(t, sum.Eq(dec("40")))
}

func TestRedistribution_ZeroStakesIsInvariantViolation(t *testing.T) {
	acc := redistribution.NewAccumulator()
	before := acc.ExportState()

	err := acc.ApplyLiquidationRedistribution(dec("1"), dec("10"), fpmath.Zero())
	require.ErrorIs(t, err, redistribution.ErrNoStakesToRedistribute)
	require.ErrorIs(t, err, fpmath.ErrInvariantViolation)
	assert.Equal(t, before, acc.ExportState())
}

func TestRedistribution_OverflowLeavesStateUntouched(t *testing.T) {
	acc := redistribution.NewAccumulator()
	require.NoError(t, acc.ApplyLiquidationRedistribution(dec("1"), dec("1"), dec("3")))
	before := acc.ExportState()

	huge := new(uint256.Int).SetAllOne()
	err := acc.ApplyLiquidationRedistribution(dec("1"), huge, uint256.NewInt(1))
	require.ErrorIs(t, err, fpmath.ErrOverflow)
	assert.Equal(t, before, acc.ExportState())
}

func TestRedistribution_Monotonic(t *testing.T) {
	acc := redistribution.NewAccumulator()
	prevColl, prevDebt := acc.CollateralPerUnitStaked(), acc.DebtPerUnitStaked()

	amounts := []string{"0.3", "7", "0.000001", "123.456", "0"}
	for _, amt := range amounts {
		require.NoError(t, acc.ApplyLiquidationRedistribution(dec(amt), dec(amt), dec("17")))
		assert.False(t, acc.CollateralPerUnitStaked().Lt(prevColl))
		assert.False(t, acc.DebtPerUnitStaked().Lt(prevDebt))
		prevColl, prevDebt = acc.CollateralPerUnitStaked(), acc.DebtPerUnitStaked()
	}
}

func TestRedistribution_CarryKeepsCumulativeExact(t *testing.T) {
	tests := []struct {
		name   string
		stakes *uint256.Int
		amount *uint256.Int
		rounds int
	}{
		{"three tokens of stake", dec("3"), dec("1"), 500},
		{"stake below one token", uint256.NewInt(7), dec("0.000000000000000013"), 500},
		{"odd large stake", dec("123456.789"), dec("0.3"), 300},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			acc := redistribution.NewAccumulator()
			input := fpmath.Zero()
			for i := 0; i < tt.rounds; i++ {
				require.NoError(t, acc.ApplyLiquidationRedistribution(tt.amount, tt.amount, tt.stakes))
				input.Add(input, tt.amount)
			}

			// input*1e18 - L*totalStakes is the carry, always below totalStakes.
			scaled := new(uint256.Int).Mul(input, fpmath.Unit())
			claimed := new(uint256.Int).Mul(acc.DebtPerUnitStaked(), tt.stakes)
			require.False(t, claimed.Gt(scaled))
			carry := new(uint256.Int).Sub(scaled, claimed)
			assert.True(t, carry.Lt(tt.stakes), "carry %s", carry.Dec())

			// In base units the shortfall is at most ceil(totalStakes/1e18).
			claimable, err := fpmath.MulDiv(acc.DebtPerUnitStaked(), tt.stakes, fpmath.Unit(), fpmath.RoundDown)
			require.NoError(t, err)
			bound, err := fpmath.Div(tt.stakes, fpmath.Unit(), fpmath.RoundUp)
			require.NoError(t, err)
			gap := new(uint256.Int).Sub(input, claimable)
			assert.False(t, gap.Gt(bound), "gap %s bound %s", gap.Dec(), bound.Dec())
		})
	}
}

// ============================================================================
// Test: PendingReward / ApplyPendingReward
// ============================================================================

func TestPendingReward_ZeroWhenUntouched(t *testing.T) {
	acc := redistribution.NewAccumulator()
	stakes := redistribution.NewStakes()
	p := newPosition(t, acc, stakes, "10", "1")

	r, err := acc.PendingReward(&p.Stake, &p.Snapshot)
	require.NoError(t, err)
	assert.True(t, r.IsZero())
}

func TestApplyPendingReward_FoldsIntoPosition(t *testing.T) {
	acc := redistribution.NewAccumulator()
	stakes := redistribution.NewStakes()
	p := newPosition(t, acc, stakes, "10", "5")
	_ = newPosition(t, acc, stakes, "30", "15")
	require.NoError(t, acc.ApplyLiquidationRedistribution(dec("4"), dec("40"), stakes.Total()))

	reward, err := acc.ApplyPendingReward(p)
	require.NoError(t, err)
	assert.Equal(t, "10", fpmath.FormatDecimal(&reward.Debt))
	assert.Equal(t, "11", fpmath.FormatDecimal(&p.Collateral))
	assert.Equal(t, "15", fpmath.FormatDecimal(&p.Debt))

	again, err := acc.ApplyPendingReward(p)
	require.NoError(t, err)
	assert.True(t, again.IsZero())
}

func TestPendingReward_SnapshotAboveAccumulatorIsCorrupt(t *testing.T) {
	acc := redistribution.NewAccumulator()
	snap := redistribution.RewardSnapshot{}
	snap.DebtPerStake.Set(dec("1"))

	_, err := acc.PendingReward(dec("1"), &snap)
	require.ErrorIs(t, err, fpmath.ErrInvariantViolation)
}

// ============================================================================
// Test: Stakes
// ============================================================================

func TestStakes_ComputeNewStakeUsesSnapshotRatio(t *testing.T) {
	stakes := redistribution.NewStakes()

	s, err := stakes.ComputeNewStake(dec("5"))
	require.NoError(t, err)
	assert.True(t, s.Eq(dec("5")))

	p := &redistribution.Position{}
	p.Collateral.Set(dec("20"))
	require.NoError(t, stakes.UpdateStake(p))

	// After a liquidation 20 stakes back 40 collateral.
	stakes.UpdateSnapshots(dec("40"))
	s, err = stakes.ComputeNewStake(dec("10"))
	require.NoError(t, err)
	assert.Equal(t, "5", fpmath.FormatDecimal(s))
}

func TestStakes_UpdateAndRemove(t *testing.T) {
	stakes := redistribution.NewStakes()
	p := &redistribution.Position{}
	p.Collateral.Set(dec("10"))
	require.NoError(t, stakes.UpdateStake(p))

	p.Collateral.Set(dec("25"))
	require.NoError(t, stakes.UpdateStake(p))
	assert.True(t, stakes.Total().Eq(dec("25")))

	require.NoError(t, stakes.RemoveStake(p))
	assert.True(t, stakes.Total().IsZero())
	assert.True(t, p.Stake.IsZero())
}

func TestAccumulator_ExportRestore(t *testing.T) {
	acc := redistribution.NewAccumulator()
	require.NoError(t, acc.ApplyLiquidationRedistribution(dec("1"), dec("2"), dec("7")))

	restored := redistribution.NewAccumulator()
	restored.RestoreState(acc.ExportState())
	assert.Equal(t, acc.ExportState(), restored.ExportState())
}
