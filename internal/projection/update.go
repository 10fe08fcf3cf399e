package projection

import (
	"sort"
	"time"

	"SolvencyLedger/internal/core"
	"SolvencyLedger/internal/ledger"

	"github.com/holiman/uint256"
)

// Update is the set of projection rows one applied event touches. Amounts
// are raw 1e18 fixed-point integers in decimal, matching NUMERIC(78,0).
type Update struct {
	Sequence  int64
	EventType string
	Timestamp time.Time

	// Balances holds the signed net change per account path.
	Balances []BalanceDelta

	Deposit        *DepositRow
	DepositRemoved string

	Positions      []PositionRow
	Sums           []SumRow
	Pool           PoolRow
	Redistribution RedistributionRow
}

type BalanceDelta struct {
	AccountPath string
	Delta       string
}

type DepositRow struct {
	DepositorID   string
	InitialValue  string
	SnapshotP     string
	SnapshotS     string
	SnapshotG     string
	SnapshotEpoch uint64
	SnapshotScale uint64
}

type PositionRow struct {
	PositionID           string
	OwnerID              string
	Status               string
	Collateral           string
	Debt                 string
	Stake                string
	SnapshotCollPerStake string
	SnapshotDebtPerStake string
	OpenedAtUs           int64
	Version              int64
}

type SumRow struct {
	Epoch uint64
	Scale uint64
	S     string
	G     string
}

type PoolRow struct {
	TotalDeposits string
	P             string
	CurrentEpoch  uint64
	CurrentScale  uint64
	TotalIssued   string
}

type RedistributionRow struct {
	LColl             string
	LDebt             string
	TotalStakes       string
	ActiveCollateral  string
	ActiveDebt        string
	DefaultCollateral string
	DefaultDebt       string
	ActivePositions   int
}

// FromOutput flattens a core output into projection rows.
func FromOutput(out core.CoreOutput) Update {
	env := out.Envelope
	u := Update{
		Sequence:  env.Sequence,
		EventType: env.EventType.String(),
		Timestamp: env.Timestamp,
	}
	if out.Batch != nil {
		u.Balances = netBalances(out.Batch.Journals)
	}

	e := out.Effects
	if e == nil {
		return u
	}

	if d := e.Deposit; d != nil {
		id := d.DepositorID.String()
		if d.Removed {
			u.DepositRemoved = id
		} else {
			snap := &d.Deposit.Snapshot
			u.Deposit = &DepositRow{
				DepositorID:   id,
				InitialValue:  d.Deposit.InitialValue.Dec(),
				SnapshotP:     snap.P.Dec(),
				SnapshotS:     snap.S.Dec(),
				SnapshotG:     snap.G.Dec(),
				SnapshotEpoch: snap.Epoch,
				SnapshotScale: snap.Scale,
			}
		}
	}

	for i := range e.Positions {
		p := &e.Positions[i]
		u.Positions = append(u.Positions, PositionRow{
			PositionID:           p.ID.String(),
			OwnerID:              p.OwnerID.String(),
			Status:               p.Status.String(),
			Collateral:           p.Collateral.Dec(),
			Debt:                 p.Debt.Dec(),
			Stake:                p.Stake.Dec(),
			SnapshotCollPerStake: p.Snapshot.CollateralPerStake.Dec(),
			SnapshotDebtPerStake: p.Snapshot.DebtPerStake.Dec(),
			OpenedAtUs:           p.OpenedAt,
			Version:              p.Version,
		})
	}

	for _, s := range e.Sums {
		u.Sums = append(u.Sums, SumRow{Epoch: s.Epoch, Scale: s.Scale, S: s.S.Dec(), G: s.G.Dec()})
	}

	p := &e.Pool
	u.Pool = PoolRow{
		TotalDeposits: p.TotalDeposits.Dec(),
		P:             p.P.Dec(),
		CurrentEpoch:  p.Epoch,
		CurrentScale:  p.Scale,
		TotalIssued:   p.TotalIssued.Dec(),
	}
	u.Redistribution = RedistributionRow{
		LColl:             p.LColl.Dec(),
		LDebt:             p.LDebt.Dec(),
		TotalStakes:       p.TotalStakes.Dec(),
		ActiveCollateral:  p.ActiveCollateral.Dec(),
		ActiveDebt:        p.ActiveDebt.Dec(),
		DefaultCollateral: p.DefaultCollateral.Dec(),
		DefaultDebt:       p.DefaultDebt.Dec(),
		ActivePositions:   p.ActivePositions,
	}
	return u
}

// netBalances folds journals into one signed delta per account, debits
// positive and credits negative, sorted by path so row locks are taken in
// a stable order.
func netBalances(journals []ledger.Journal) []BalanceDelta {
	net := make(map[string]*uint256.Int)
	add := func(path string, amt *uint256.Int, credit bool) {
		v, ok := net[path]
		if !ok {
			v = new(uint256.Int)
			net[path] = v
		}
		if credit {
			v.Sub(v, amt)
		} else {
			v.Add(v, amt)
		}
	}
	for i := range journals {
		j := &journals[i]
		add(j.DebitAccount.AccountPath(), &j.Amount, false)
		add(j.CreditAccount.AccountPath(), &j.Amount, true)
	}

	out := make([]BalanceDelta, 0, len(net))
	for path, v := range net {
		if v.IsZero() {
			continue
		}
		out = append(out, BalanceDelta{AccountPath: path, Delta: signedRaw(v)})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].AccountPath < out[j].AccountPath })
	return out
}

func signedRaw(v *uint256.Int) string {
	if v.Sign() < 0 {
		return "-" + new(uint256.Int).Neg(v).Dec()
	}
	return v.Dec()
}
