package projection

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"SolvencyLedger/internal/observability"
)

const watermarkID = "main"

// Store applies projection updates.
type Store interface {
	Apply(ctx context.Context, u Update) error
	Watermark(ctx context.Context) (int64, error)
	Truncate(ctx context.Context) error
}

// PostgresStore writes the projections schema. Each update commits in one
// transaction together with the watermark, so a crash never leaves a
// half-applied event behind.
type PostgresStore struct {
	db      *sql.DB
	metrics *observability.Metrics
}

func NewPostgresStore(db *sql.DB, metrics *observability.Metrics) *PostgresStore {
	return &PostgresStore{db: db, metrics: metrics}
}

// Apply writes u. Rows other than balances carry full state and are
// upserted; balances are incremented by their delta.
func (s *PostgresStore) Apply(ctx context.Context, u Update) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	steps := []struct {
		name string
		fn   func(context.Context, *sql.Tx, Update) error
	}{
		{"balances", applyBalances},
		{"stability_deposits", applyDeposit},
		{"positions", applyPositions},
		{"epoch_scale_sums", applySums},
		{"stability_pool", applyPool},
		{"redistribution", applyRedistribution},
	}
	for _, step := range steps {
		start := time.Now()
		if err := step.fn(ctx, tx, u); err != nil {
			return fmt.Errorf("%s: %w", step.name, err)
		}
		if s.metrics != nil {
			s.metrics.ProjectionUpdateDur.WithLabelValues(step.name).Observe(time.Since(start).Seconds())
		}
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO projections.watermark (worker_id, last_sequence, updated_at)
		VALUES ($1, $2, $3)
		ON CONFLICT (worker_id) DO UPDATE SET last_sequence = EXCLUDED.last_sequence, updated_at = EXCLUDED.updated_at
	`, watermarkID, u.Sequence, u.Timestamp); err != nil {
		return fmt.Errorf("watermark: %w", err)
	}
	return tx.Commit()
}

// Watermark returns the last applied sequence, or -1 if none.
func (s *PostgresStore) Watermark(ctx context.Context) (int64, error) {
	var seq int64
	err := s.db.QueryRowContext(ctx,
		`SELECT last_sequence FROM projections.watermark WHERE worker_id = $1`, watermarkID).Scan(&seq)
	if errors.Is(err, sql.ErrNoRows) {
		return -1, nil
	}
	if err != nil {
		return -1, err
	}
	return seq, nil
}

// Truncate empties every projection table.
func (s *PostgresStore) Truncate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `TRUNCATE
		projections.balances,
		projections.stability_deposits,
		projections.positions,
		projections.stability_pool,
		projections.redistribution,
		projections.epoch_scale_sums,
		projections.watermark`)
	return err
}

func applyBalances(ctx context.Context, tx *sql.Tx, u Update) error {
	for _, b := range u.Balances {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO projections.balances (account_path, balance, last_sequence)
			VALUES ($1, $2::numeric, $3)
			ON CONFLICT (account_path)
			DO UPDATE SET balance = projections.balances.balance + EXCLUDED.balance,
			              last_sequence = EXCLUDED.last_sequence
		`, b.AccountPath, b.Delta, u.Sequence); err != nil {
			return err
		}
	}
	return nil
}

func applyDeposit(ctx context.Context, tx *sql.Tx, u Update) error {
	if u.DepositRemoved != "" {
		_, err := tx.ExecContext(ctx,
			`DELETE FROM projections.stability_deposits WHERE depositor_id = $1`, u.DepositRemoved)
		return err
	}
	d := u.Deposit
	if d == nil {
		return nil
	}
	_, err := tx.ExecContext(ctx, `
		INSERT INTO projections.stability_deposits
			(depositor_id, initial_value, snapshot_p, snapshot_s, snapshot_g,
			 snapshot_epoch, snapshot_scale, last_sequence, updated_at)
		VALUES ($1, $2::numeric, $3::numeric, $4::numeric, $5::numeric, $6, $7, $8, $9)
		ON CONFLICT (depositor_id) DO UPDATE SET
			initial_value  = EXCLUDED.initial_value,
			snapshot_p     = EXCLUDED.snapshot_p,
			snapshot_s     = EXCLUDED.snapshot_s,
			snapshot_g     = EXCLUDED.snapshot_g,
			snapshot_epoch = EXCLUDED.snapshot_epoch,
			snapshot_scale = EXCLUDED.snapshot_scale,
			last_sequence  = EXCLUDED.last_sequence,
			updated_at     = EXCLUDED.updated_at
	`, d.DepositorID, d.InitialValue, d.SnapshotP, d.SnapshotS, d.SnapshotG,
		int64(d.SnapshotEpoch), int64(d.SnapshotScale), u.Sequence, u.Timestamp)
	return err
}

func applyPositions(ctx context.Context, tx *sql.Tx, u Update) error {
	for _, p := range u.Positions {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO projections.positions
				(position_id, owner_id, status, collateral, debt, stake,
				 snapshot_coll_per_stake, snapshot_debt_per_stake, opened_at_us, version, last_sequence)
			VALUES ($1, $2, $3, $4::numeric, $5::numeric, $6::numeric, $7::numeric, $8::numeric, $9, $10, $11)
			ON CONFLICT (position_id) DO UPDATE SET
				status                  = EXCLUDED.status,
				collateral              = EXCLUDED.collateral,
				debt                    = EXCLUDED.debt,
				stake                   = EXCLUDED.stake,
				snapshot_coll_per_stake = EXCLUDED.snapshot_coll_per_stake,
				snapshot_debt_per_stake = EXCLUDED.snapshot_debt_per_stake,
				version                 = EXCLUDED.version,
				last_sequence           = EXCLUDED.last_sequence
		`, p.PositionID, p.OwnerID, p.Status, p.Collateral, p.Debt, p.Stake,
			p.SnapshotCollPerStake, p.SnapshotDebtPerStake, p.OpenedAtUs, p.Version, u.Sequence); err != nil {
			return err
		}
	}
	return nil
}

func applySums(ctx context.Context, tx *sql.Tx, u Update) error {
	for _, s := range u.Sums {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO projections.epoch_scale_sums (epoch, scale, s, g, last_sequence)
			VALUES ($1, $2, $3::numeric, $4::numeric, $5)
			ON CONFLICT (epoch, scale) DO UPDATE SET
				s = EXCLUDED.s, g = EXCLUDED.g, last_sequence = EXCLUDED.last_sequence
		`, int64(s.Epoch), int64(s.Scale), s.S, s.G, u.Sequence); err != nil {
			return err
		}
	}
	return nil
}

func applyPool(ctx context.Context, tx *sql.Tx, u Update) error {
	p := u.Pool
	if p.P == "" {
		return nil
	}
	_, err := tx.ExecContext(ctx, `
		INSERT INTO projections.stability_pool
			(id, total_deposits, p, current_epoch, current_scale, total_issued, last_sequence, updated_at)
		VALUES (1, $1::numeric, $2::numeric, $3, $4, $5::numeric, $6, $7)
		ON CONFLICT (id) DO UPDATE SET
			total_deposits = EXCLUDED.total_deposits,
			p              = EXCLUDED.p,
			current_epoch  = EXCLUDED.current_epoch,
			current_scale  = EXCLUDED.current_scale,
			total_issued   = EXCLUDED.total_issued,
			last_sequence  = EXCLUDED.last_sequence,
			updated_at     = EXCLUDED.updated_at
	`, p.TotalDeposits, p.P, int64(p.CurrentEpoch), int64(p.CurrentScale), p.TotalIssued, u.Sequence, u.Timestamp)
	return err
}

func applyRedistribution(ctx context.Context, tx *sql.Tx, u Update) error {
	r := u.Redistribution
	if r.LColl == "" {
		return nil
	}
	_, err := tx.ExecContext(ctx, `
		INSERT INTO projections.redistribution
			(id, l_coll, l_debt, total_stakes, active_collateral, active_debt,
			 default_collateral, default_debt, active_positions, last_sequence, updated_at)
		VALUES (1, $1::numeric, $2::numeric, $3::numeric, $4::numeric, $5::numeric, $6::numeric, $7::numeric, $8, $9, $10)
		ON CONFLICT (id) DO UPDATE SET
			l_coll             = EXCLUDED.l_coll,
			l_debt             = EXCLUDED.l_debt,
			total_stakes       = EXCLUDED.total_stakes,
			active_collateral  = EXCLUDED.active_collateral,
			active_debt        = EXCLUDED.active_debt,
			default_collateral = EXCLUDED.default_collateral,
			default_debt       = EXCLUDED.default_debt,
			active_positions   = EXCLUDED.active_positions,
			last_sequence      = EXCLUDED.last_sequence,
			updated_at         = EXCLUDED.updated_at
	`, r.LColl, r.LDebt, r.TotalStakes, r.ActiveCollateral, r.ActiveDebt,
		r.DefaultCollateral, r.DefaultDebt, r.ActivePositions, u.Sequence, u.Timestamp)
	return err
}
