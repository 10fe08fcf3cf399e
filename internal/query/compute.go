package query

import (
	"fmt"

	fpmath "SolvencyLedger/internal/math"
	"SolvencyLedger/internal/redistribution"
	"SolvencyLedger/internal/stability"
	"SolvencyLedger/internal/state"

	"github.com/holiman/uint256"
)

// PoolState is the projected Stability Pool state a deposit compounds to.
type PoolState struct {
	P     uint256.Int
	Epoch uint64
	Scale uint64
}

// SumPair holds the S/G entries at a snapshot's (epoch, scale) and at the
// next scale. Missing rows are zero.
type SumPair struct {
	SAtSnap, SAtNext uint256.Int
	GAtSnap, GAtNext uint256.Int
}

// ComputeDeposit compounds a stored deposit with the same functions the
// core uses, so the answer matches what a withdrawal would pay.
func ComputeDeposit(d *stability.Deposit, pool *PoolState, sums *SumPair) (DepositResponse, error) {
	var resp DepositResponse
	snap := &d.Snapshot

	compounded, reason, err := stability.CompoundedDeposit(&d.InitialValue, snap, &pool.P, pool.Epoch, pool.Scale)
	if err != nil {
		return resp, err
	}
	coll, err := stability.GainFromSnapshots(&d.InitialValue, snap, &snap.S, &sums.SAtSnap, &sums.SAtNext)
	if err != nil {
		return resp, fmt.Errorf("collateral gain: %w", err)
	}
	reward, err := stability.GainFromSnapshots(&d.InitialValue, snap, &snap.G, &sums.GAtSnap, &sums.GAtNext)
	if err != nil {
		return resp, fmt.Errorf("reward gain: %w", err)
	}

	resp.InitialValue = fpmath.FormatDecimal(&d.InitialValue)
	resp.Compounded = fpmath.FormatDecimal(compounded)
	resp.CollateralGain = fpmath.FormatDecimal(coll)
	resp.RewardGain = fpmath.FormatDecimal(reward)
	resp.SnapshotEpoch = snap.Epoch
	resp.SnapshotScale = snap.Scale
	if reason != stability.ZeroReasonNone {
		resp.ZeroReason = reason.String()
	}
	resp.StaleZeroed = reason.StaleZeroed()
	return resp, nil
}

// ComputePosition applies the pending redistribution reward at the given
// L values. Closed positions have no pending reward.
func ComputePosition(p *state.Position, lColl, lDebt *uint256.Int) (PositionResponse, error) {
	var resp PositionResponse
	var pending redistribution.Reward
	if p.IsActive() {
		var err error
		pending, err = redistribution.PendingRewardAt(lColl, lDebt, &p.Stake, &p.Snapshot)
		if err != nil {
			return resp, err
		}
	}

	coll, err := fpmath.Add(&p.Collateral, &pending.Collateral)
	if err != nil {
		return resp, err
	}
	debt, err := fpmath.Add(&p.Debt, &pending.Debt)
	if err != nil {
		return resp, err
	}

	resp.PositionID = p.ID
	resp.OwnerID = p.OwnerID
	resp.Status = p.Status.String()
	resp.StoredCollateral = fpmath.FormatDecimal(&p.Collateral)
	resp.StoredDebt = fpmath.FormatDecimal(&p.Debt)
	resp.PendingCollateralReward = fpmath.FormatDecimal(&pending.Collateral)
	resp.PendingDebtReward = fpmath.FormatDecimal(&pending.Debt)
	resp.Collateral = fpmath.FormatDecimal(coll)
	resp.Debt = fpmath.FormatDecimal(debt)
	resp.Stake = fpmath.FormatDecimal(&p.Stake)
	resp.OpenedAtUs = p.OpenedAt
	resp.Version = p.Version
	return resp, nil
}
