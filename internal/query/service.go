package query

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"SolvencyLedger/internal/stability"
	"SolvencyLedger/internal/state"

	"github.com/google/uuid"
	"github.com/holiman/uint256"
)

// ErrNotFound is returned for unknown depositors and positions.
var ErrNotFound = errors.New("query: not found")

// QueryService provides read-only access to projection tables. Every
// response carries as_of_sequence, the projection watermark it reflects.
type QueryService struct {
	db *sql.DB
}

func NewQueryService(db *sql.DB) *QueryService {
	return &QueryService{db: db}
}

// GetDeposit returns a depositor's compounded deposit and pending gains.
func (qs *QueryService) GetDeposit(ctx context.Context, depositorID uuid.UUID) (*DepositResponse, error) {
	asOfSeq, err := qs.getWatermark(ctx)
	if err != nil {
		return nil, fmt.Errorf("watermark: %w", err)
	}

	var d stability.Deposit
	var initial, p, s, g string
	var epoch, scale int64
	err = qs.db.QueryRowContext(ctx, `
		SELECT initial_value, snapshot_p, snapshot_s, snapshot_g, snapshot_epoch, snapshot_scale
		FROM projections.stability_deposits WHERE depositor_id = $1
	`, depositorID).Scan(&initial, &p, &s, &g, &epoch, &scale)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: depositor %s", ErrNotFound, depositorID)
	}
	if err != nil {
		return nil, err
	}
	if err := parseAll(
		field{&d.InitialValue, initial}, field{&d.Snapshot.P, p},
		field{&d.Snapshot.S, s}, field{&d.Snapshot.G, g},
	); err != nil {
		return nil, err
	}
	d.Snapshot.Epoch, d.Snapshot.Scale = uint64(epoch), uint64(scale)

	pool, err := qs.poolState(ctx)
	if err != nil {
		return nil, err
	}

	var sums SumPair
	if err := qs.sumAt(ctx, d.Snapshot.Epoch, d.Snapshot.Scale, &sums.SAtSnap, &sums.GAtSnap); err != nil {
		return nil, err
	}
	if err := qs.sumAt(ctx, d.Snapshot.Epoch, d.Snapshot.Scale+1, &sums.SAtNext, &sums.GAtNext); err != nil {
		return nil, err
	}

	resp, err := ComputeDeposit(&d, pool, &sums)
	if err != nil {
		return nil, err
	}
	resp.DepositorID = depositorID
	resp.AsOfSequence = asOfSeq
	return &resp, nil
}

const positionColumns = `position_id, owner_id, status, collateral, debt, stake,
	snapshot_coll_per_stake, snapshot_debt_per_stake, opened_at_us, version`

// GetPosition returns a position with its pending redistribution reward.
func (qs *QueryService) GetPosition(ctx context.Context, positionID uuid.UUID) (*PositionResponse, error) {
	positions, err := qs.queryPositions(ctx,
		`SELECT `+positionColumns+` FROM projections.positions WHERE position_id = $1`, positionID)
	if err != nil {
		return nil, err
	}
	if len(positions) == 0 {
		return nil, fmt.Errorf("%w: position %s", ErrNotFound, positionID)
	}
	return &positions[0], nil
}

// GetPositionsByOwner returns an owner's positions, newest first.
func (qs *QueryService) GetPositionsByOwner(ctx context.Context, ownerID uuid.UUID) ([]PositionResponse, error) {
	return qs.queryPositions(ctx,
		`SELECT `+positionColumns+` FROM projections.positions WHERE owner_id = $1 ORDER BY opened_at_us DESC`, ownerID)
}

func (qs *QueryService) queryPositions(ctx context.Context, query string, args ...interface{}) ([]PositionResponse, error) {
	asOfSeq, err := qs.getWatermark(ctx)
	if err != nil {
		return nil, fmt.Errorf("watermark: %w", err)
	}
	lColl, lDebt, err := qs.accumulator(ctx)
	if err != nil {
		return nil, err
	}

	rows, err := qs.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []PositionResponse
	for rows.Next() {
		var pos state.Position
		var status, coll, debt, stake, snapColl, snapDebt string
		if err := rows.Scan(&pos.ID, &pos.OwnerID, &status, &coll, &debt, &stake,
			&snapColl, &snapDebt, &pos.OpenedAt, &pos.Version); err != nil {
			return nil, err
		}
		pos.Status = state.ParsePositionStatus(status)
		if err := parseAll(
			field{&pos.Collateral, coll}, field{&pos.Debt, debt}, field{&pos.Stake, stake},
			field{&pos.Snapshot.CollateralPerStake, snapColl}, field{&pos.Snapshot.DebtPerStake, snapDebt},
		); err != nil {
			return nil, err
		}

		resp, err := ComputePosition(&pos, lColl, lDebt)
		if err != nil {
			return nil, fmt.Errorf("position %s: %w", pos.ID, err)
		}
		resp.AsOfSequence = asOfSeq
		out = append(out, resp)
	}
	return out, rows.Err()
}

// GetPool returns the Stability Pool and redistribution singletons.
func (qs *QueryService) GetPool(ctx context.Context) (*PoolResponse, error) {
	asOfSeq, err := qs.getWatermark(ctx)
	if err != nil {
		return nil, fmt.Errorf("watermark: %w", err)
	}

	resp := &PoolResponse{P: "1000000000000000000", AsOfSequence: asOfSeq}
	var totalDeposits, totalIssued string
	var epoch, scale int64
	err = qs.db.QueryRowContext(ctx, `
		SELECT total_deposits, p, current_epoch, current_scale, total_issued
		FROM projections.stability_pool WHERE id = 1
	`).Scan(&totalDeposits, &resp.P, &epoch, &scale, &totalIssued)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		totalDeposits, totalIssued = "0", "0"
	case err != nil:
		return nil, err
	}
	resp.CurrentEpoch, resp.CurrentScale = uint64(epoch), uint64(scale)

	raw := []string{"0", "0", "0", "0", "0", "0", "0"}
	err = qs.db.QueryRowContext(ctx, `
		SELECT l_coll, l_debt, total_stakes, active_collateral, active_debt,
		       default_collateral, default_debt, active_positions
		FROM projections.redistribution WHERE id = 1
	`).Scan(&raw[0], &raw[1], &raw[2], &raw[3], &raw[4], &raw[5], &raw[6], &resp.ActivePositions)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return nil, err
	}
	resp.LColl, resp.LDebt = raw[0], raw[1]

	amounts := []struct {
		dst *string
		src string
	}{
		{&resp.TotalDeposits, totalDeposits},
		{&resp.TotalIssued, totalIssued},
		{&resp.TotalStakes, raw[2]},
		{&resp.ActiveCollateral, raw[3]},
		{&resp.ActiveDebt, raw[4]},
		{&resp.DefaultCollateral, raw[5]},
		{&resp.DefaultDebt, raw[6]},
	}
	for _, a := range amounts {
		if *a.dst, err = wholeUnits(a.src); err != nil {
			return nil, err
		}
	}
	return resp, nil
}

// ListSums returns the S/G rows for an epoch in scale order.
func (qs *QueryService) ListSums(ctx context.Context, epoch uint64) ([]SumResponse, error) {
	rows, err := qs.db.QueryContext(ctx, `
		SELECT epoch, scale, s, g FROM projections.epoch_scale_sums
		WHERE epoch = $1 ORDER BY scale
	`, int64(epoch))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []SumResponse
	for rows.Next() {
		var r SumResponse
		var e, s int64
		if err := rows.Scan(&e, &s, &r.S, &r.G); err != nil {
			return nil, err
		}
		r.Epoch, r.Scale = uint64(e), uint64(s)
		out = append(out, r)
	}
	return out, rows.Err()
}

// GetJournalHistory returns journal entries touching an account path
// prefix, newest first. afterSequence pages backwards.
func (qs *QueryService) GetJournalHistory(
	ctx context.Context,
	accountPrefix string,
	limit int,
	afterSequence *int64,
) ([]JournalHistoryEntry, error) {
	query := `
		SELECT journal_id, batch_id, event_ref, sequence,
		       debit_account, credit_account, asset, amount, journal_type, timestamp_us
		FROM event_log.journal
		WHERE (debit_account LIKE $1 OR credit_account LIKE $1)
	`
	args := []interface{}{accountPrefix + "%"}
	argIdx := 2

	if afterSequence != nil {
		query += fmt.Sprintf(" AND sequence < $%d", argIdx)
		args = append(args, *afterSequence)
		argIdx++
	}

	query += " ORDER BY sequence DESC, journal_id"
	query += fmt.Sprintf(" LIMIT $%d", argIdx)
	args = append(args, limit)

	rows, err := qs.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []JournalHistoryEntry
	for rows.Next() {
		var e JournalHistoryEntry
		var amount string
		if err := rows.Scan(
			&e.JournalID, &e.BatchID, &e.EventRef, &e.Sequence,
			&e.DebitAccount, &e.CreditAccount, &e.Asset, &amount,
			&e.JournalType, &e.TimestampUs,
		); err != nil {
			return nil, err
		}
		if e.Amount, err = wholeUnits(amount); err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}

	return entries, rows.Err()
}

// --- Admin APIs ---

// VerifyIntegrity checks the hash chain and that balances net to zero per
// asset.
func (qs *QueryService) VerifyIntegrity(ctx context.Context) (*IntegrityReport, error) {
	report := &IntegrityReport{}

	rows, err := qs.db.QueryContext(ctx, `
		SELECT e1.sequence
		FROM event_log.events e1
		JOIN event_log.events e2 ON e2.sequence = e1.sequence - 1
		WHERE e1.prev_hash <> e2.state_hash
		ORDER BY e1.sequence
		LIMIT 10
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	for rows.Next() {
		var seq int64
		if err := rows.Scan(&seq); err != nil {
			return nil, err
		}
		report.HashChainBreaks = append(report.HashChainBreaks, seq)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	balanceRows, err := qs.db.QueryContext(ctx, `
		SELECT split_part(account_path, ':', 3) AS asset, SUM(balance)::text
		FROM projections.balances
		GROUP BY asset
		HAVING SUM(balance) <> 0
	`)
	if err != nil {
		return nil, err
	}
	defer balanceRows.Close()

	for balanceRows.Next() {
		var u UnbalancedAsset
		if err := balanceRows.Scan(&u.Asset, &u.Imbalance); err != nil {
			return nil, err
		}
		report.UnbalancedAssets = append(report.UnbalancedAssets, u)
	}
	if err := balanceRows.Err(); err != nil {
		return nil, err
	}

	report.IsHealthy = len(report.HashChainBreaks) == 0 && len(report.UnbalancedAssets) == 0
	return report, nil
}

// --- helpers ---

func (qs *QueryService) getWatermark(ctx context.Context) (int64, error) {
	var seq int64
	err := qs.db.QueryRowContext(ctx, `
		SELECT last_sequence FROM projections.watermark WHERE worker_id = 'main'
	`).Scan(&seq)
	if errors.Is(err, sql.ErrNoRows) {
		return -1, nil
	}
	return seq, err
}

func (qs *QueryService) poolState(ctx context.Context) (*PoolState, error) {
	pool := &PoolState{}
	var p string
	var epoch, scale int64
	err := qs.db.QueryRowContext(ctx, `
		SELECT p, current_epoch, current_scale FROM projections.stability_pool WHERE id = 1
	`).Scan(&p, &epoch, &scale)
	if err != nil {
		return nil, fmt.Errorf("stability pool: %w", err)
	}
	if err := pool.P.SetFromDecimal(p); err != nil {
		return nil, fmt.Errorf("stability pool p: %w", err)
	}
	pool.Epoch, pool.Scale = uint64(epoch), uint64(scale)
	return pool, nil
}

func (qs *QueryService) sumAt(ctx context.Context, epoch, scale uint64, s, g *uint256.Int) error {
	var sRaw, gRaw string
	err := qs.db.QueryRowContext(ctx, `
		SELECT s, g FROM projections.epoch_scale_sums WHERE epoch = $1 AND scale = $2
	`, int64(epoch), int64(scale)).Scan(&sRaw, &gRaw)
	if errors.Is(err, sql.ErrNoRows) {
		s.Clear()
		g.Clear()
		return nil
	}
	if err != nil {
		return err
	}
	return parseAll(field{s, sRaw}, field{g, gRaw})
}

func (qs *QueryService) accumulator(ctx context.Context) (*uint256.Int, *uint256.Int, error) {
	lColl, lDebt := new(uint256.Int), new(uint256.Int)
	var c, d string
	err := qs.db.QueryRowContext(ctx, `
		SELECT l_coll, l_debt FROM projections.redistribution WHERE id = 1
	`).Scan(&c, &d)
	if errors.Is(err, sql.ErrNoRows) {
		return lColl, lDebt, nil
	}
	if err != nil {
		return nil, nil, err
	}
	if err := parseAll(field{lColl, c}, field{lDebt, d}); err != nil {
		return nil, nil, err
	}
	return lColl, lDebt, nil
}
