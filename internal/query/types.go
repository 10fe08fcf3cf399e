package query

import "github.com/google/uuid"

// Amounts in responses are decimal strings in whole units ("700.5"), the
// same format producers use on the wire.

// DepositResponse is a depositor's Stability Pool position, compounded to
// the projected pool state.
type DepositResponse struct {
	DepositorID    uuid.UUID `json:"depositor_id"`
	InitialValue   string    `json:"initial_value"`
	Compounded     string    `json:"compounded"`
	CollateralGain string    `json:"collateral_gain"`
	RewardGain     string    `json:"reward_gain"`
	SnapshotEpoch  uint64    `json:"snapshot_epoch"`
	SnapshotScale  uint64    `json:"snapshot_scale"`
	ZeroReason     string    `json:"zero_reason,omitempty"`
	StaleZeroed    bool      `json:"stale_zeroed"`
	AsOfSequence   int64     `json:"as_of_sequence"`
}

// PositionResponse is a position with its pending redistribution reward
// applied to the stored values.
type PositionResponse struct {
	PositionID              uuid.UUID `json:"position_id"`
	OwnerID                 uuid.UUID `json:"owner_id"`
	Status                  string    `json:"status"`
	StoredCollateral        string    `json:"stored_collateral"`
	StoredDebt              string    `json:"stored_debt"`
	PendingCollateralReward string    `json:"pending_collateral_reward"`
	PendingDebtReward       string    `json:"pending_debt_reward"`
	Collateral              string    `json:"collateral"`
	Debt                    string    `json:"debt"`
	Stake                   string    `json:"stake"`
	OpenedAtUs              int64     `json:"opened_at_us"`
	Version                 int64     `json:"version"`
	AsOfSequence            int64     `json:"as_of_sequence"`
}

// PoolResponse is the aggregate solvency state. P, LColl and LDebt are
// raw 1e18 fixed-point integers.
type PoolResponse struct {
	TotalDeposits     string `json:"total_deposits"`
	P                 string `json:"p"`
	CurrentEpoch      uint64 `json:"current_epoch"`
	CurrentScale      uint64 `json:"current_scale"`
	TotalIssued       string `json:"total_issued"`
	LColl             string `json:"l_coll"`
	LDebt             string `json:"l_debt"`
	TotalStakes       string `json:"total_stakes"`
	ActiveCollateral  string `json:"active_collateral"`
	ActiveDebt        string `json:"active_debt"`
	DefaultCollateral string `json:"default_collateral"`
	DefaultDebt       string `json:"default_debt"`
	ActivePositions   int    `json:"active_positions"`
	AsOfSequence      int64  `json:"as_of_sequence"`
}

// SumResponse is one row of the S/G table, in raw 1e18 fixed-point.
type SumResponse struct {
	Epoch uint64 `json:"epoch"`
	Scale uint64 `json:"scale"`
	S     string `json:"s"`
	G     string `json:"g"`
}

// JournalHistoryEntry represents a journal entry for API queries.
type JournalHistoryEntry struct {
	JournalID     string `json:"journal_id"`
	BatchID       string `json:"batch_id"`
	EventRef      string `json:"event_ref"`
	Sequence      int64  `json:"sequence"`
	DebitAccount  string `json:"debit_account"`
	CreditAccount string `json:"credit_account"`
	Asset         string `json:"asset"`
	Amount        string `json:"amount"`
	JournalType   string `json:"journal_type"`
	TimestampUs   int64  `json:"timestamp_us"`
}

// IntegrityReport is the result of an integrity verification check.
type IntegrityReport struct {
	IsHealthy        bool              `json:"is_healthy"`
	HashChainBreaks  []int64           `json:"hash_chain_breaks,omitempty"`
	UnbalancedAssets []UnbalancedAsset `json:"unbalanced_assets,omitempty"`
}

// UnbalancedAsset represents an asset with non-zero global balance sum.
type UnbalancedAsset struct {
	Asset     string `json:"asset"`
	Imbalance string `json:"imbalance"`
}
