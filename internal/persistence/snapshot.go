package persistence

import (
	"context"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"SolvencyLedger/internal/core"
	"SolvencyLedger/internal/issuance"
	"SolvencyLedger/internal/ledger"
	"SolvencyLedger/internal/stability"
	"SolvencyLedger/internal/state"

	"github.com/google/uuid"
	"github.com/holiman/uint256"
)

// SnapshotFormatVersion is bumped whenever SnapshotData changes shape.
const SnapshotFormatVersion = 1

// SnapshotManager stores and loads state snapshots for recovery.
type SnapshotManager struct {
	db *sql.DB
}

func NewSnapshotManager(db *sql.DB) *SnapshotManager {
	return &SnapshotManager{db: db}
}

// SnapshotData is the JSON encoding of core.SnapshotState. Amounts are raw
// 1e18 fixed-point integers in decimal; balances may carry a leading '-'.
type SnapshotData struct {
	FormatVersion   int               `json:"format_version"`
	Sequence        int64             `json:"sequence"`
	StateHash       string            `json:"state_hash"`
	Balances        map[string]string `json:"balances"`
	Stability       StabilitySnap     `json:"stability"`
	Pool            PoolSnap          `json:"pool"`
	Positions       []PositionSnap    `json:"positions"`
	Issuance        IssuanceSnap      `json:"issuance"`
	SequenceState   map[string]int64  `json:"sequence_state"`
	IdempotencyKeys []string          `json:"idempotency_keys"`
	CreatedAt       time.Time         `json:"created_at"`
}

type StabilitySnap struct {
	TotalDeposits   string        `json:"total_deposits"`
	P               string        `json:"p"`
	CurrentEpoch    uint64        `json:"current_epoch"`
	CurrentScale    uint64        `json:"current_scale"`
	LastCollError   string        `json:"last_coll_error"`
	LastLossError   string        `json:"last_loss_error"`
	LastRewardError string        `json:"last_reward_error"`
	Sums            []SumSnap     `json:"sums"`
	Deposits        []DepositSnap `json:"deposits"`
}

type SumSnap struct {
	Epoch uint64 `json:"epoch"`
	Scale uint64 `json:"scale"`
	S     string `json:"s"`
	G     string `json:"g"`
}

type DepositSnap struct {
	DepositorID  string `json:"depositor_id"`
	InitialValue string `json:"initial_value"`
	P            string `json:"p"`
	S            string `json:"s"`
	G            string `json:"g"`
	Epoch        uint64 `json:"epoch"`
	Scale        uint64 `json:"scale"`
}

type PoolSnap struct {
	LColl                   string `json:"l_coll"`
	LDebt                   string `json:"l_debt"`
	LastCollError           string `json:"last_coll_error"`
	LastDebtError           string `json:"last_debt_error"`
	TotalStakes             string `json:"total_stakes"`
	TotalStakesSnapshot     string `json:"total_stakes_snapshot"`
	TotalCollateralSnapshot string `json:"total_collateral_snapshot"`
	ActiveCollateral        string `json:"active_collateral"`
	ActiveDebt              string `json:"active_debt"`
	DefaultCollateral       string `json:"default_collateral"`
	DefaultDebt             string `json:"default_debt"`
}

type PositionSnap struct {
	ID           string `json:"id"`
	OwnerID      string `json:"owner_id"`
	Status       string `json:"status"`
	Collateral   string `json:"collateral"`
	Debt         string `json:"debt"`
	Stake        string `json:"stake"`
	CollPerStake string `json:"coll_per_stake"`
	DebtPerStake string `json:"debt_per_stake"`
	OpenedAt     int64  `json:"opened_at_us"`
	Version      int64  `json:"version"`
}

type IssuanceSnap struct {
	TotalIssued    string `json:"total_issued"`
	DeploymentTime int64  `json:"deployment_time"`
	LastIssuedAt   int64  `json:"last_issued_at"`
}

// FromCoreState encodes a core snapshot.
func FromCoreState(s *core.SnapshotState, createdAt time.Time) *SnapshotData {
	d := &SnapshotData{
		FormatVersion:   SnapshotFormatVersion,
		Sequence:        s.Sequence,
		StateHash:       hex.EncodeToString(s.StateHash[:]),
		Balances:        make(map[string]string, len(s.Balances)),
		SequenceState:   s.SequenceState,
		IdempotencyKeys: s.IdempotencyKeys,
		CreatedAt:       createdAt,
	}
	for key, bal := range s.Balances {
		b := bal
		d.Balances[key.AccountPath()] = signedDec(&b)
	}

	st := &s.Stability
	d.Stability = StabilitySnap{
		TotalDeposits:   st.TotalDeposits.Dec(),
		P:               st.P.Dec(),
		CurrentEpoch:    st.CurrentEpoch,
		CurrentScale:    st.CurrentScale,
		LastCollError:   st.LastCollError.Dec(),
		LastLossError:   st.LastLossError.Dec(),
		LastRewardError: st.LastRewardError.Dec(),
	}
	for _, e := range st.Sums {
		d.Stability.Sums = append(d.Stability.Sums, SumSnap{Epoch: e.Epoch, Scale: e.Scale, S: e.S.Dec(), G: e.G.Dec()})
	}
	for _, e := range st.Deposits {
		snap := &e.Deposit.Snapshot
		d.Stability.Deposits = append(d.Stability.Deposits, DepositSnap{
			DepositorID:  e.DepositorID.String(),
			InitialValue: e.Deposit.InitialValue.Dec(),
			P:            snap.P.Dec(),
			S:            snap.S.Dec(),
			G:            snap.G.Dec(),
			Epoch:        snap.Epoch,
			Scale:        snap.Scale,
		})
	}

	p := &s.Pool
	d.Pool = PoolSnap{
		LColl:                   p.Accumulator.CollateralPerUnitStaked.Dec(),
		LDebt:                   p.Accumulator.DebtPerUnitStaked.Dec(),
		LastCollError:           p.Accumulator.LastCollateralError.Dec(),
		LastDebtError:           p.Accumulator.LastDebtError.Dec(),
		TotalStakes:             p.Stakes.TotalStakes.Dec(),
		TotalStakesSnapshot:     p.Stakes.TotalStakesSnapshot.Dec(),
		TotalCollateralSnapshot: p.Stakes.TotalCollateralSnapshot.Dec(),
		ActiveCollateral:        p.ActiveCollateral.Dec(),
		ActiveDebt:              p.ActiveDebt.Dec(),
		DefaultCollateral:       p.DefaultCollateral.Dec(),
		DefaultDebt:             p.DefaultDebt.Dec(),
	}

	d.Positions = make([]PositionSnap, 0, len(s.Positions))
	for _, pos := range s.Positions {
		d.Positions = append(d.Positions, PositionSnap{
			ID:           pos.ID.String(),
			OwnerID:      pos.OwnerID.String(),
			Status:       pos.Status.String(),
			Collateral:   pos.Collateral.Dec(),
			Debt:         pos.Debt.Dec(),
			Stake:        pos.Stake.Dec(),
			CollPerStake: pos.Snapshot.CollateralPerStake.Dec(),
			DebtPerStake: pos.Snapshot.DebtPerStake.Dec(),
			OpenedAt:     pos.OpenedAt,
			Version:      pos.Version,
		})
	}

	d.Issuance = IssuanceSnap{
		TotalIssued:    s.Issuance.TotalIssued.Dec(),
		DeploymentTime: s.Issuance.DeploymentTime,
		LastIssuedAt:   s.Issuance.LastIssuedAt,
	}
	return d
}

// ToCoreState decodes the snapshot back into core form.
func (d *SnapshotData) ToCoreState() (*core.SnapshotState, error) {
	if d.FormatVersion != SnapshotFormatVersion {
		return nil, fmt.Errorf("snapshot format version %d, want %d", d.FormatVersion, SnapshotFormatVersion)
	}

	var dec decoder
	s := &core.SnapshotState{
		Sequence:        d.Sequence,
		Balances:        make(map[ledger.AccountKey]uint256.Int, len(d.Balances)),
		SequenceState:   d.SequenceState,
		IdempotencyKeys: d.IdempotencyKeys,
	}

	hash, err := hex.DecodeString(d.StateHash)
	if err != nil || len(hash) != len(s.StateHash) {
		return nil, fmt.Errorf("snapshot state hash %q is not 32 bytes of hex", d.StateHash)
	}
	copy(s.StateHash[:], hash)

	for path, bal := range d.Balances {
		key, err := ledger.ParseAccountPath(path)
		if err != nil {
			return nil, fmt.Errorf("snapshot balance: %w", err)
		}
		var v uint256.Int
		dec.signed(&v, bal, path)
		s.Balances[key] = v
	}

	st := &s.Stability
	ds := &d.Stability
	dec.u256(&st.TotalDeposits, ds.TotalDeposits, "total_deposits")
	dec.u256(&st.P, ds.P, "p")
	st.CurrentEpoch = ds.CurrentEpoch
	st.CurrentScale = ds.CurrentScale
	dec.u256(&st.LastCollError, ds.LastCollError, "last_coll_error")
	dec.u256(&st.LastLossError, ds.LastLossError, "last_loss_error")
	dec.u256(&st.LastRewardError, ds.LastRewardError, "last_reward_error")
	for _, e := range ds.Sums {
		entry := stability.SumEntry{Epoch: e.Epoch, Scale: e.Scale}
		dec.u256(&entry.S, e.S, "sum.s")
		dec.u256(&entry.G, e.G, "sum.g")
		st.Sums = append(st.Sums, entry)
	}
	for _, e := range ds.Deposits {
		entry := stability.DepositEntry{DepositorID: dec.id(e.DepositorID, "depositor_id")}
		dec.u256(&entry.Deposit.InitialValue, e.InitialValue, "initial_value")
		snap := &entry.Deposit.Snapshot
		dec.u256(&snap.P, e.P, "deposit.p")
		dec.u256(&snap.S, e.S, "deposit.s")
		dec.u256(&snap.G, e.G, "deposit.g")
		snap.Epoch = e.Epoch
		snap.Scale = e.Scale
		st.Deposits = append(st.Deposits, entry)
	}

	p := &s.Pool
	dp := &d.Pool
	dec.u256(&p.Accumulator.CollateralPerUnitStaked, dp.LColl, "l_coll")
	dec.u256(&p.Accumulator.DebtPerUnitStaked, dp.LDebt, "l_debt")
	dec.u256(&p.Accumulator.LastCollateralError, dp.LastCollError, "pool.last_coll_error")
	dec.u256(&p.Accumulator.LastDebtError, dp.LastDebtError, "pool.last_debt_error")
	dec.u256(&p.Stakes.TotalStakes, dp.TotalStakes, "total_stakes")
	dec.u256(&p.Stakes.TotalStakesSnapshot, dp.TotalStakesSnapshot, "total_stakes_snapshot")
	dec.u256(&p.Stakes.TotalCollateralSnapshot, dp.TotalCollateralSnapshot, "total_collateral_snapshot")
	dec.u256(&p.ActiveCollateral, dp.ActiveCollateral, "active_collateral")
	dec.u256(&p.ActiveDebt, dp.ActiveDebt, "active_debt")
	dec.u256(&p.DefaultCollateral, dp.DefaultCollateral, "default_collateral")
	dec.u256(&p.DefaultDebt, dp.DefaultDebt, "default_debt")

	for _, ps := range d.Positions {
		pos := &state.Position{
			ID:       dec.id(ps.ID, "position.id"),
			OwnerID:  dec.id(ps.OwnerID, "position.owner_id"),
			Status:   state.ParsePositionStatus(ps.Status),
			OpenedAt: ps.OpenedAt,
			Version:  ps.Version,
		}
		dec.u256(&pos.Collateral, ps.Collateral, "position.collateral")
		dec.u256(&pos.Debt, ps.Debt, "position.debt")
		dec.u256(&pos.Stake, ps.Stake, "position.stake")
		dec.u256(&pos.Snapshot.CollateralPerStake, ps.CollPerStake, "position.coll_per_stake")
		dec.u256(&pos.Snapshot.DebtPerStake, ps.DebtPerStake, "position.debt_per_stake")
		s.Positions = append(s.Positions, pos)
	}

	s.Issuance = issuance.State{
		DeploymentTime: d.Issuance.DeploymentTime,
		LastIssuedAt:   d.Issuance.LastIssuedAt,
	}
	dec.u256(&s.Issuance.TotalIssued, d.Issuance.TotalIssued, "total_issued")

	if dec.err != nil {
		return nil, dec.err
	}
	return s, nil
}

// decoder keeps the first parse error so that field lists stay flat.
type decoder struct {
	err error
}

func (d *decoder) u256(dst *uint256.Int, s, field string) {
	if d.err != nil {
		return
	}
	if s == "" {
		dst.Clear()
		return
	}
	if err := dst.SetFromDecimal(s); err != nil {
		d.err = fmt.Errorf("snapshot field %s: %w", field, err)
	}
}

func (d *decoder) signed(dst *uint256.Int, s, field string) {
	neg := len(s) > 0 && s[0] == '-'
	if neg {
		s = s[1:]
	}
	d.u256(dst, s, field)
	if neg {
		dst.Neg(dst)
	}
}

func (d *decoder) id(s, field string) uuid.UUID {
	if d.err != nil {
		return uuid.Nil
	}
	id, err := uuid.Parse(s)
	if err != nil {
		d.err = fmt.Errorf("snapshot field %s: %w", field, err)
	}
	return id
}

func signedDec(v *uint256.Int) string {
	if v.Sign() < 0 {
		return "-" + new(uint256.Int).Neg(v).Dec()
	}
	return v.Dec()
}

// SaveSnapshot persists a snapshot and returns its encoded size. A new
// snapshot starts unverified.
func (sm *SnapshotManager) SaveSnapshot(ctx context.Context, snap *SnapshotData) (int, error) {
	data, err := json.Marshal(snap)
	if err != nil {
		return 0, fmt.Errorf("marshal snapshot: %w", err)
	}
	hash, err := hex.DecodeString(snap.StateHash)
	if err != nil {
		return 0, fmt.Errorf("snapshot state hash: %w", err)
	}

	_, err = sm.db.ExecContext(ctx, `
		INSERT INTO event_log.snapshots
			(snapshot_id, sequence, data, state_hash, format_version, size_bytes, verified, created_at)
		VALUES ($1, $2, $3::jsonb, $4, $5, $6, FALSE, $7)
		ON CONFLICT (sequence) DO UPDATE SET data = EXCLUDED.data, state_hash = EXCLUDED.state_hash,
			size_bytes = EXCLUDED.size_bytes, verified = FALSE
	`, uuid.New(), snap.Sequence, string(data), hash, snap.FormatVersion, len(data), snap.CreatedAt)
	if err != nil {
		return 0, fmt.Errorf("save snapshot: %w", err)
	}
	return len(data), nil
}

// LoadLatestSnapshot loads the most recent verified snapshot, or nil when
// there is none.
func (sm *SnapshotManager) LoadLatestSnapshot(ctx context.Context) (*SnapshotData, error) {
	var data []byte
	err := sm.db.QueryRowContext(ctx, `
		SELECT data FROM event_log.snapshots
		WHERE verified = TRUE
		ORDER BY sequence DESC
		LIMIT 1
	`).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load snapshot: %w", err)
	}

	var snap SnapshotData
	if err := json.Unmarshal(data, &snap); err != nil {
		return nil, fmt.Errorf("unmarshal snapshot: %w", err)
	}
	return &snap, nil
}

// MarkVerified marks a snapshot as usable for recovery.
func (sm *SnapshotManager) MarkVerified(ctx context.Context, sequence int64) error {
	_, err := sm.db.ExecContext(ctx, `
		UPDATE event_log.snapshots SET verified = TRUE WHERE sequence = $1
	`, sequence)
	return err
}

// LoadEventsFrom loads up to limit events starting at fromSequence.
func (sm *SnapshotManager) LoadEventsFrom(ctx context.Context, fromSequence int64, limit int) ([]EventRow, error) {
	rows, err := sm.db.QueryContext(ctx, `
		SELECT sequence, event_type, idempotency_key, partition, payload,
		       state_hash, prev_hash, timestamp, source_sequence
		FROM event_log.events
		WHERE sequence >= $1
		ORDER BY sequence ASC
		LIMIT $2
	`, fromSequence, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []EventRow
	for rows.Next() {
		var e EventRow
		if err := rows.Scan(
			&e.Sequence, &e.EventType, &e.IdempotencyKey, &e.Partition, &e.Payload,
			&e.StateHash, &e.PrevHash, &e.Timestamp, &e.SourceSequence,
		); err != nil {
			return nil, err
		}
		events = append(events, e)
	}
	return events, rows.Err()
}

// GetLatestSequence returns the highest sequence in the event log, or -1
// when the log is empty.
func (sm *SnapshotManager) GetLatestSequence(ctx context.Context) (int64, error) {
	var seq sql.NullInt64
	if err := sm.db.QueryRowContext(ctx, `SELECT MAX(sequence) FROM event_log.events`).Scan(&seq); err != nil {
		return 0, err
	}
	if !seq.Valid {
		return -1, nil
	}
	return seq.Int64, nil
}
