// Package stability implements the Stability Pool ledger: depositors jointly
// absorb liquidated debt and receive collateral and reward-token gains
// pro rata, tracked with a running product P and per-(epoch, scale) sums S
// (collateral) and G (reward). No operation iterates depositors.
package stability

import (
	"errors"
	"fmt"
	"sort"

	fpmath "SolvencyLedger/internal/math"

	"github.com/google/uuid"
	"github.com/holiman/uint256"
)

var (
	ErrZeroAmount = errors.New("stability: amount must be positive")
	ErrNoDeposit  = errors.New("stability: depositor has no deposit")

	ErrEmptyPool             = fmt.Errorf("%w: stability: offset against empty pool", fpmath.ErrInvariantViolation)
	ErrOffsetExceedsDeposits = fmt.Errorf("%w: stability: offset debt exceeds total deposits", fpmath.ErrInvariantViolation)
	ErrProductUnderflow      = fmt.Errorf("%w: stability: P reached zero", fpmath.ErrInvariantViolation)
)

// EpochScale keys the append-only S and G tables.
type EpochScale struct {
	Epoch uint64
	Scale uint64
}

// Ledger is the Stability Pool state. Not thread-safe: owned by the
// deterministic core, which serializes every call.
type Ledger struct {
	totalDeposits uint256.Int
	p             uint256.Int
	currentScale  uint64
	currentEpoch  uint64

	sums       map[EpochScale]uint256.Int // S
	rewardSums map[EpochScale]uint256.Int // G

	lastCollError   uint256.Int
	lastLossError   uint256.Int
	lastRewardError uint256.Int

	deposits map[uuid.UUID]*Deposit
}

func NewLedger() *Ledger {
	l := &Ledger{
		sums:       make(map[EpochScale]uint256.Int),
		rewardSums: make(map[EpochScale]uint256.Int),
		deposits:   make(map[uuid.UUID]*Deposit),
	}
	l.p.Set(fpmath.Unit())
	return l
}

func (l *Ledger) TotalDeposits() *uint256.Int { return l.totalDeposits.Clone() }
func (l *Ledger) P() *uint256.Int             { return l.p.Clone() }
func (l *Ledger) CurrentEpoch() uint64        { return l.currentEpoch }
func (l *Ledger) CurrentScale() uint64        { return l.currentScale }

// SumAt returns S[epoch][scale], zero if never written.
func (l *Ledger) SumAt(epoch, scale uint64) *uint256.Int {
	v := l.sums[EpochScale{epoch, scale}]
	return &v
}

// RewardSumAt returns G[epoch][scale], zero if never written.
func (l *Ledger) RewardSumAt(epoch, scale uint64) *uint256.Int {
	v := l.rewardSums[EpochScale{epoch, scale}]
	return &v
}

// OffsetResult describes one committed offset.
type OffsetResult struct {
	DebtAbsorbed      uint256.Int
	CollateralAdded   uint256.Int
	RewardDistributed bool
	EpochBumped       bool
	ScaleBumped       bool
	Epoch             uint64
	Scale             uint64
	P                 uint256.Int
}

// pending collects computed updates so that an operation commits all of them
// or none.
type pending struct {
	key          EpochScale
	newS         *uint256.Int
	newG         *uint256.Int
	collErr      *uint256.Int
	lossErr      *uint256.Int
	rewardErr    *uint256.Int
	newP         *uint256.Int
	newEpoch     uint64
	newScale     uint64
	newTotal     *uint256.Int
	epochBumped  bool
	scaleBumped  bool
	rewardIssued bool
}

// IssueReward distributes reward over current deposits by adding
// rewardPerUnit * P to G[epoch][scale]. With an empty pool or a zero amount
// nothing is distributed and false is returned.
func (l *Ledger) IssueReward(reward *uint256.Int) (bool, error) {
	pend := &pending{key: l.currentKey()}
	if err := l.computeReward(pend, reward); err != nil {
		return false, err
	}
	l.commit(pend)
	return pend.rewardIssued, nil
}

func (l *Ledger) computeReward(pend *pending, reward *uint256.Int) error {
	if l.totalDeposits.IsZero() || reward.IsZero() {
		return nil
	}
	perUnit, carry, err := fpmath.DivWithCarry(reward, &l.lastRewardError, &l.totalDeposits)
	if err != nil {
		return fmt.Errorf("reward per unit staked: %w", err)
	}
	marginal, err := fpmath.Mul(perUnit, &l.p)
	if err != nil {
		return fmt.Errorf("marginal reward gain: %w", err)
	}
	current := l.rewardSums[pend.key]
	newG, err := fpmath.Add(&current, marginal)
	if err != nil {
		return fmt.Errorf("G update: %w", err)
	}
	pend.newG = newG
	pend.rewardErr = carry
	pend.rewardIssued = true
	return nil
}

// Offset cancels debt against pool deposits and credits coll to depositors.
// reward is the issuance allocated since the previous pool operation and is
// folded into G before the product changes. The caller must have capped debt
// at TotalDeposits; violating that, or offsetting against an empty pool, is
// an invariant breach. On any error no state is changed.
func (l *Ledger) Offset(debt, coll, reward *uint256.Int) (OffsetResult, error) {
	pend := &pending{key: l.currentKey()}
	if err := l.computeReward(pend, reward); err != nil {
		return OffsetResult{}, err
	}

	if debt.IsZero() {
		l.commit(pend)
		return l.offsetResult(pend, debt, coll), nil
	}
	if l.totalDeposits.IsZero() {
		return OffsetResult{}, ErrEmptyPool
	}
	if debt.Gt(&l.totalDeposits) {
		return OffsetResult{}, fmt.Errorf("%w: debt=%s total=%s", ErrOffsetExceedsDeposits, debt.Dec(), l.totalDeposits.Dec())
	}

	collPerUnit, lossPerUnit, err := l.computeRewardsPerUnitStaked(pend, debt, coll)
	if err != nil {
		return OffsetResult{}, err
	}
	if err := l.computeSumAndProduct(pend, collPerUnit, lossPerUnit); err != nil {
		return OffsetResult{}, err
	}
	newTotal, err := fpmath.Sub(&l.totalDeposits, debt)
	if err != nil {
		return OffsetResult{}, fmt.Errorf("total deposits: %w", err)
	}
	pend.newTotal = newTotal

	l.commit(pend)
	return l.offsetResult(pend, debt, coll), nil
}

// computeRewardsPerUnitStaked rounds the collateral gain down and the debt
// loss up, each with its own carried error. Rounding the loss up keeps the
// sum of compounded deposits at or below totalDeposits.
func (l *Ledger) computeRewardsPerUnitStaked(pend *pending, debt, coll *uint256.Int) (*uint256.Int, *uint256.Int, error) {
	total := &l.totalDeposits

	collPerUnit, collErr, err := fpmath.DivWithCarry(coll, &l.lastCollError, total)
	if err != nil {
		return nil, nil, fmt.Errorf("collateral gain per unit staked: %w", err)
	}
	pend.collErr = collErr

	if debt.Eq(total) {
		pend.lossErr = fpmath.Zero()
		return collPerUnit, fpmath.Unit(), nil
	}

	scaled, err := fpmath.Mul(debt, fpmath.Unit())
	if err != nil {
		return nil, nil, fmt.Errorf("loss numerator: %w", err)
	}
	numerator, err := fpmath.Sub(scaled, &l.lastLossError)
	if err != nil {
		return nil, nil, fmt.Errorf("loss numerator: %w", err)
	}
	lossPerUnit, err := fpmath.Div(numerator, total, fpmath.RoundDown)
	if err != nil {
		return nil, nil, err
	}
	lossPerUnit.AddUint64(lossPerUnit, 1)

	product, err := fpmath.Mul(lossPerUnit, total)
	if err != nil {
		return nil, nil, fmt.Errorf("loss error: %w", err)
	}
	lossErr, err := fpmath.Sub(product, numerator)
	if err != nil {
		return nil, nil, fmt.Errorf("loss error: %w", err)
	}
	pend.lossErr = lossErr
	return collPerUnit, lossPerUnit, nil
}

func (l *Ledger) computeSumAndProduct(pend *pending, collPerUnit, lossPerUnit *uint256.Int) error {
	unit := fpmath.Unit()
	if lossPerUnit.Gt(unit) {
		return fmt.Errorf("%w: loss per unit %s above 1", fpmath.ErrInvariantViolation, lossPerUnit.Dec())
	}
	factor := new(uint256.Int).Sub(unit, lossPerUnit)

	// S accrues against the pre-offset P.
	marginal, err := fpmath.Mul(collPerUnit, &l.p)
	if err != nil {
		return fmt.Errorf("marginal collateral gain: %w", err)
	}
	current := l.sums[pend.key]
	newS, err := fpmath.Add(&current, marginal)
	if err != nil {
		return fmt.Errorf("S update: %w", err)
	}
	pend.newS = newS

	pend.newEpoch, pend.newScale = l.currentEpoch, l.currentScale
	if factor.IsZero() {
		pend.newEpoch = l.currentEpoch + 1
		pend.newScale = 0
		pend.newP = fpmath.Unit()
		pend.epochBumped = true
		return nil
	}

	pf, err := fpmath.Mul(&l.p, factor)
	if err != nil {
		return fmt.Errorf("P * factor: %w", err)
	}
	next := new(uint256.Int).Div(pf, unit)
	if next.Lt(fpmath.Scale()) {
		next, err = fpmath.MulDiv(pf, fpmath.Scale(), unit, fpmath.RoundDown)
		if err != nil {
			return fmt.Errorf("rescale P: %w", err)
		}
		pend.newScale = l.currentScale + 1
		pend.scaleBumped = true
	}
	if next.IsZero() {
		return ErrProductUnderflow
	}
	pend.newP = next
	return nil
}

func (l *Ledger) commit(pend *pending) {
	if pend.newG != nil {
		l.rewardSums[pend.key] = *pend.newG
		l.lastRewardError.Set(pend.rewardErr)
	}
	if pend.newS != nil {
		l.sums[pend.key] = *pend.newS
		l.lastCollError.Set(pend.collErr)
		l.lastLossError.Set(pend.lossErr)
	}
	if pend.newP != nil {
		l.p.Set(pend.newP)
		l.currentEpoch = pend.newEpoch
		l.currentScale = pend.newScale
	}
	if pend.newTotal != nil {
		l.totalDeposits.Set(pend.newTotal)
	}
}

func (l *Ledger) offsetResult(pend *pending, debt, coll *uint256.Int) OffsetResult {
	r := OffsetResult{
		RewardDistributed: pend.rewardIssued,
		EpochBumped:       pend.epochBumped,
		ScaleBumped:       pend.scaleBumped,
		Epoch:             l.currentEpoch,
		Scale:             l.currentScale,
	}
	if pend.newS != nil {
		r.DebtAbsorbed.Set(debt)
		r.CollateralAdded.Set(coll)
	}
	r.P.Set(&l.p)
	return r
}

func (l *Ledger) currentKey() EpochScale {
	return EpochScale{Epoch: l.currentEpoch, Scale: l.currentScale}
}

// --- Snapshot export / restore ---

// SumEntry is one row of the append-only S/G table.
type SumEntry struct {
	Epoch uint64
	Scale uint64
	S     uint256.Int
	G     uint256.Int
}

// DepositEntry is one depositor's stored deposit.
type DepositEntry struct {
	DepositorID uuid.UUID
	Deposit     Deposit
}

// State is the serializable form of the ledger. Slices are sorted so that
// exports of equal ledgers are equal.
type State struct {
	TotalDeposits   uint256.Int
	P               uint256.Int
	CurrentScale    uint64
	CurrentEpoch    uint64
	LastCollError   uint256.Int
	LastLossError   uint256.Int
	LastRewardError uint256.Int
	Sums            []SumEntry
	Deposits        []DepositEntry
}

func (l *Ledger) ExportState() State {
	s := State{
		CurrentScale: l.currentScale,
		CurrentEpoch: l.currentEpoch,
	}
	s.TotalDeposits.Set(&l.totalDeposits)
	s.P.Set(&l.p)
	s.LastCollError.Set(&l.lastCollError)
	s.LastLossError.Set(&l.lastLossError)
	s.LastRewardError.Set(&l.lastRewardError)
	s.Sums = l.SumEntries()

	s.Deposits = make([]DepositEntry, 0, len(l.deposits))
	for id, d := range l.deposits {
		s.Deposits = append(s.Deposits, DepositEntry{DepositorID: id, Deposit: *d})
	}
	sort.Slice(s.Deposits, func(i, j int) bool {
		return s.Deposits[i].DepositorID.String() < s.Deposits[j].DepositorID.String()
	})
	return s
}

// SumEntryAt returns the S/G row at one key, if either sum was ever set.
func (l *Ledger) SumEntryAt(k EpochScale) (SumEntry, bool) {
	sum, hasS := l.sums[k]
	reward, hasG := l.rewardSums[k]
	if !hasS && !hasG {
		return SumEntry{}, false
	}
	return SumEntry{Epoch: k.Epoch, Scale: k.Scale, S: sum, G: reward}, true
}

// SumEntries returns every (epoch, scale) row ordered by key.
func (l *Ledger) SumEntries() []SumEntry {
	keys := make(map[EpochScale]struct{}, len(l.sums)+len(l.rewardSums))
	for k := range l.sums {
		keys[k] = struct{}{}
	}
	for k := range l.rewardSums {
		keys[k] = struct{}{}
	}
	out := make([]SumEntry, 0, len(keys))
	for k := range keys {
		e := SumEntry{Epoch: k.Epoch, Scale: k.Scale}
		e.S = l.sums[k]
		e.G = l.rewardSums[k]
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Epoch != out[j].Epoch {
			return out[i].Epoch < out[j].Epoch
		}
		return out[i].Scale < out[j].Scale
	})
	return out
}

func (l *Ledger) RestoreState(s State) {
	l.totalDeposits.Set(&s.TotalDeposits)
	l.p.Set(&s.P)
	l.currentScale = s.CurrentScale
	l.currentEpoch = s.CurrentEpoch
	l.lastCollError.Set(&s.LastCollError)
	l.lastLossError.Set(&s.LastLossError)
	l.lastRewardError.Set(&s.LastRewardError)

	l.sums = make(map[EpochScale]uint256.Int, len(s.Sums))
	l.rewardSums = make(map[EpochScale]uint256.Int, len(s.Sums))
	for _, e := range s.Sums {
		k := EpochScale{Epoch: e.Epoch, Scale: e.Scale}
		l.sums[k] = e.S
		l.rewardSums[k] = e.G
	}

	l.deposits = make(map[uuid.UUID]*Deposit, len(s.Deposits))
	for _, e := range s.Deposits {
		d := e.Deposit
		l.deposits[e.DepositorID] = &d
	}
}
