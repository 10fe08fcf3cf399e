package stability

import (
	"fmt"

	fpmath "SolvencyLedger/internal/math"

	"github.com/google/uuid"
	"github.com/holiman/uint256"
)

// Snapshot is the ledger state a depositor captured at their last deposit,
// withdrawal or claim.
type Snapshot struct {
	P     uint256.Int
	S     uint256.Int
	G     uint256.Int
	Epoch uint64
	Scale uint64
}

// Deposit is one depositor's entitlement. An InitialValue of zero is empty.
type Deposit struct {
	InitialValue uint256.Int
	Snapshot     Snapshot
}

// ZeroReason explains why a non-empty deposit compounds to zero.
type ZeroReason uint8

const (
	ZeroReasonNone ZeroReason = iota
	// ZeroReasonEpochDepleted: the pool was fully depleted after the snapshot.
	ZeroReasonEpochDepleted
	// ZeroReasonScaleExhausted: more than one scale boundary was crossed
	// since the snapshot. Known approximation of the P/S technique.
	ZeroReasonScaleExhausted
	// ZeroReasonBelowPrecision: the compounded value fell under
	// initialValue/1e9 and is treated as fully lost.
	ZeroReasonBelowPrecision
)

func (r ZeroReason) String() string {
	switch r {
	case ZeroReasonEpochDepleted:
		return "epoch_depleted"
	case ZeroReasonScaleExhausted:
		return "scale_exhausted"
	case ZeroReasonBelowPrecision:
		return "below_precision"
	default:
		return "none"
	}
}

// StaleZeroed reports the precision-exhaustion cases that the depositor
// facing layer must surface as "your stale deposit was effectively zeroed".
func (r ZeroReason) StaleZeroed() bool {
	return r == ZeroReasonScaleExhausted || r == ZeroReasonBelowPrecision
}

// CompoundedDeposit computes a deposit's current value from its snapshot and
// the pool's current P, epoch and scale.
func CompoundedDeposit(initial *uint256.Int, snap *Snapshot, p *uint256.Int, epoch, scale uint64) (*uint256.Int, ZeroReason, error) {
	if initial.IsZero() {
		return fpmath.Zero(), ZeroReasonNone, nil
	}
	if snap.Epoch < epoch {
		return fpmath.Zero(), ZeroReasonEpochDepleted, nil
	}
	if snap.Epoch > epoch || snap.Scale > scale {
		return nil, ZeroReasonNone, fmt.Errorf("%w: snapshot (%d,%d) ahead of pool (%d,%d)",
			fpmath.ErrInvariantViolation, snap.Epoch, snap.Scale, epoch, scale)
	}

	var compounded *uint256.Int
	var err error
	switch scale - snap.Scale {
	case 0:
		compounded, err = fpmath.MulDiv(initial, p, &snap.P, fpmath.RoundDown)
	case 1:
		compounded, err = fpmath.MulDiv(initial, p, &snap.P, fpmath.RoundDown)
		if err == nil {
			compounded.Div(compounded, fpmath.Scale())
		}
	default:
		return fpmath.Zero(), ZeroReasonScaleExhausted, nil
	}
	if err != nil {
		return nil, ZeroReasonNone, fmt.Errorf("compounded deposit: %w", err)
	}

	threshold := new(uint256.Int).Div(initial, fpmath.Scale())
	if compounded.Lt(threshold) {
		return fpmath.Zero(), ZeroReasonBelowPrecision, nil
	}
	return compounded, ZeroReasonNone, nil
}

// GainFromSnapshots computes a depositor's gain from a sum table (S or G):
//
//	initial * ((sum[e][s] - snapSum) + sum[e][s+1]/SCALE_FACTOR) / snapP / 1e18
//
// sumAtSnap and sumAtNext are the table entries at the snapshot's epoch and
// at scales s and s+1. Gains beyond s+1 are lost to the depositor.
func GainFromSnapshots(initial *uint256.Int, snap *Snapshot, snapSum, sumAtSnap, sumAtNext *uint256.Int) (*uint256.Int, error) {
	if initial.IsZero() {
		return fpmath.Zero(), nil
	}
	first, err := fpmath.Sub(sumAtSnap, snapSum)
	if err != nil {
		return nil, fmt.Errorf("%w: sum below snapshot", fpmath.ErrInvariantViolation)
	}
	second := new(uint256.Int).Div(sumAtNext, fpmath.Scale())
	portion, err := fpmath.Add(first, second)
	if err != nil {
		return nil, err
	}
	gain, err := fpmath.MulDiv(initial, portion, &snap.P, fpmath.RoundDown)
	if err != nil {
		return nil, fmt.Errorf("gain: %w", err)
	}
	return gain.Div(gain, fpmath.Unit()), nil
}

// Deposit returns a copy of the stored deposit, if any.
func (l *Ledger) Deposit(depositor uuid.UUID) (Deposit, bool) {
	d, ok := l.deposits[depositor]
	if !ok {
		return Deposit{}, false
	}
	return *d, true
}

// DepositCount is the number of non-empty deposits.
func (l *Ledger) DepositCount() int {
	return len(l.deposits)
}

// GetCompoundedDeposit returns the depositor's current deposit value. Zero
// for unknown depositors and for the zeroing cases in ZeroReason.
func (l *Ledger) GetCompoundedDeposit(depositor uuid.UUID) (*uint256.Int, error) {
	v, _, err := l.compounded(depositor)
	return v, err
}

func (l *Ledger) compounded(depositor uuid.UUID) (*uint256.Int, ZeroReason, error) {
	d, ok := l.deposits[depositor]
	if !ok {
		return fpmath.Zero(), ZeroReasonNone, nil
	}
	return CompoundedDeposit(&d.InitialValue, &d.Snapshot, &l.p, l.currentEpoch, l.currentScale)
}

// GetDepositorCollateralGain returns the collateral accrued since the
// depositor's snapshot.
func (l *Ledger) GetDepositorCollateralGain(depositor uuid.UUID) (*uint256.Int, error) {
	d, ok := l.deposits[depositor]
	if !ok {
		return fpmath.Zero(), nil
	}
	snap := &d.Snapshot
	return GainFromSnapshots(&d.InitialValue, snap, &snap.S,
		l.SumAt(snap.Epoch, snap.Scale), l.SumAt(snap.Epoch, snap.Scale+1))
}

// GetDepositorRewardGain returns the reward tokens accrued since the
// depositor's snapshot.
func (l *Ledger) GetDepositorRewardGain(depositor uuid.UUID) (*uint256.Int, error) {
	d, ok := l.deposits[depositor]
	if !ok {
		return fpmath.Zero(), nil
	}
	snap := &d.Snapshot
	return GainFromSnapshots(&d.InitialValue, snap, &snap.G,
		l.RewardSumAt(snap.Epoch, snap.Scale), l.RewardSumAt(snap.Epoch, snap.Scale+1))
}

// DepositView is the depositor-facing read model.
type DepositView struct {
	InitialValue   uint256.Int
	Compounded     uint256.Int
	CollateralGain uint256.Int
	RewardGain     uint256.Int
	ZeroReason     ZeroReason
}

// StaleZeroed reports a deposit zeroed by precision exhaustion.
func (v DepositView) StaleZeroed() bool { return v.ZeroReason.StaleZeroed() }

// IsEmpty is true when there is neither deposit nor unclaimed gain.
func (v DepositView) IsEmpty() bool {
	return v.InitialValue.IsZero() && v.Compounded.IsZero() &&
		v.CollateralGain.IsZero() && v.RewardGain.IsZero()
}

func (l *Ledger) View(depositor uuid.UUID) (DepositView, error) {
	var view DepositView
	d, ok := l.deposits[depositor]
	if !ok {
		return view, nil
	}
	compounded, reason, err := l.compounded(depositor)
	if err != nil {
		return view, err
	}
	coll, err := l.GetDepositorCollateralGain(depositor)
	if err != nil {
		return view, err
	}
	reward, err := l.GetDepositorRewardGain(depositor)
	if err != nil {
		return view, err
	}
	view.InitialValue.Set(&d.InitialValue)
	view.Compounded.Set(compounded)
	view.CollateralGain.Set(coll)
	view.RewardGain.Set(reward)
	view.ZeroReason = reason
	return view, nil
}

// DepositChange is the outcome of Provide, Withdraw and RealizePendingGains.
type DepositChange struct {
	// CompoundedBefore is the deposit value before the change.
	CompoundedBefore   uint256.Int
	Loss               uint256.Int
	AmountProvided     uint256.Int
	AmountWithdrawn    uint256.Int
	CollateralGainPaid uint256.Int
	RewardGainPaid     uint256.Int
	NewDeposit         uint256.Int
	ZeroReason         ZeroReason
}

// Provide adds amount to the depositor's position. Pending gains are paid
// out and the deposit is resnapshotted at compounded + amount.
func (l *Ledger) Provide(depositor uuid.UUID, amount *uint256.Int) (DepositChange, error) {
	if amount.IsZero() {
		return DepositChange{}, ErrZeroAmount
	}
	change, err := l.settle(depositor)
	if err != nil {
		return DepositChange{}, err
	}
	newDeposit, err := fpmath.Add(&change.CompoundedBefore, amount)
	if err != nil {
		return DepositChange{}, fmt.Errorf("new deposit: %w", err)
	}
	newTotal, err := fpmath.Add(&l.totalDeposits, amount)
	if err != nil {
		return DepositChange{}, fmt.Errorf("total deposits: %w", err)
	}

	change.AmountProvided.Set(amount)
	change.NewDeposit.Set(newDeposit)
	l.totalDeposits.Set(newTotal)
	l.updateDepositAndSnapshot(depositor, newDeposit)
	return change, nil
}

// Withdraw removes up to amount from the depositor's compounded deposit.
// Requests above the compounded value are clamped to a full withdrawal.
func (l *Ledger) Withdraw(depositor uuid.UUID, amount *uint256.Int) (DepositChange, error) {
	if _, ok := l.deposits[depositor]; !ok {
		return DepositChange{}, ErrNoDeposit
	}
	change, err := l.settle(depositor)
	if err != nil {
		return DepositChange{}, err
	}
	withdrawn := fpmath.Min(amount, &change.CompoundedBefore)
	newDeposit := new(uint256.Int).Sub(&change.CompoundedBefore, withdrawn)
	newTotal, err := fpmath.Sub(&l.totalDeposits, withdrawn)
	if err != nil {
		return DepositChange{}, fmt.Errorf("%w: withdrawal above total deposits: %v", fpmath.ErrInvariantViolation, err)
	}

	change.AmountWithdrawn.Set(withdrawn)
	change.NewDeposit.Set(newDeposit)
	l.totalDeposits.Set(newTotal)
	l.updateDepositAndSnapshot(depositor, newDeposit)
	return change, nil
}

// RealizePendingGains pays out accrued collateral and reward gains and
// resets the deposit to its compounded value at the current snapshot.
// Callers run it before any operation that depends on a fresh snapshot.
func (l *Ledger) RealizePendingGains(depositor uuid.UUID) (DepositChange, error) {
	return l.Withdraw(depositor, fpmath.Zero())
}

// settle computes everything a deposit change pays out without mutating.
func (l *Ledger) settle(depositor uuid.UUID) (DepositChange, error) {
	var change DepositChange
	d, ok := l.deposits[depositor]
	if !ok {
		return change, nil
	}
	compounded, reason, err := l.compounded(depositor)
	if err != nil {
		return change, err
	}
	coll, err := l.GetDepositorCollateralGain(depositor)
	if err != nil {
		return change, err
	}
	reward, err := l.GetDepositorRewardGain(depositor)
	if err != nil {
		return change, err
	}
	change.CompoundedBefore.Set(compounded)
	change.Loss.Sub(&d.InitialValue, compounded)
	change.CollateralGainPaid.Set(coll)
	change.RewardGainPaid.Set(reward)
	change.ZeroReason = reason
	return change, nil
}

func (l *Ledger) updateDepositAndSnapshot(depositor uuid.UUID, value *uint256.Int) {
	if value.IsZero() {
		delete(l.deposits, depositor)
		return
	}
	d := &Deposit{}
	d.InitialValue.Set(value)
	d.Snapshot.P.Set(&l.p)
	d.Snapshot.S.Set(l.SumAt(l.currentEpoch, l.currentScale))
	d.Snapshot.G.Set(l.RewardSumAt(l.currentEpoch, l.currentScale))
	d.Snapshot.Epoch = l.currentEpoch
	d.Snapshot.Scale = l.currentScale
	l.deposits[depositor] = d
}
