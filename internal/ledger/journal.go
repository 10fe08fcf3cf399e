package ledger

import (
	"fmt"

	"github.com/google/uuid"
	"github.com/holiman/uint256"
)

// JournalType represents the purpose of a journal entry
type JournalType int32

const (
	JournalTypeStabilityDeposit JournalType = iota
	JournalTypeStabilityWithdrawal
	JournalTypeCollateralGainPayout
	JournalTypeRewardGainPayout
	JournalTypeRewardIssuance
	JournalTypeOffsetBurn
	JournalTypeOffsetDebtCancel
	JournalTypeOffsetCollateral
	JournalTypeRedistribution
	JournalTypePendingRewardApplied
	JournalTypeCollateralDeposit
	JournalTypeCollateralWithdrawal
	JournalTypeDebtIssue
	JournalTypeDebtRepay
)

func (jt JournalType) String() string {
	switch jt {
	case JournalTypeStabilityDeposit:
		return "stability_deposit"
	case JournalTypeStabilityWithdrawal:
		return "stability_withdrawal"
	case JournalTypeCollateralGainPayout:
		return "collateral_gain_payout"
	case JournalTypeRewardGainPayout:
		return "reward_gain_payout"
	case JournalTypeRewardIssuance:
		return "reward_issuance"
	case JournalTypeOffsetBurn:
		return "offset_burn"
	case JournalTypeOffsetDebtCancel:
		return "offset_debt_cancel"
	case JournalTypeOffsetCollateral:
		return "offset_collateral"
	case JournalTypeRedistribution:
		return "redistribution"
	case JournalTypePendingRewardApplied:
		return "pending_reward_applied"
	case JournalTypeCollateralDeposit:
		return "collateral_deposit"
	case JournalTypeCollateralWithdrawal:
		return "collateral_withdrawal"
	case JournalTypeDebtIssue:
		return "debt_issue"
	case JournalTypeDebtRepay:
		return "debt_repay"
	default:
		return "unknown"
	}
}

// Journal represents a single double-entry journal entry
type Journal struct {
	JournalID     uuid.UUID   // Unique identifier
	BatchID       uuid.UUID   // Groups balanced entries
	EventRef      string      // Idempotency key of source event
	Sequence      int64       // Global event sequence
	DebitAccount  AccountKey  // Account receiving debit (balance increases)
	CreditAccount AccountKey  // Account receiving credit (balance decreases)
	AssetID       AssetID     // Asset being transferred
	Amount        uint256.Int // 1e18 fixed-point (ALWAYS positive)
	JournalType   JournalType // Entry type
	Timestamp     int64       // Versioned input timestamp (epoch microseconds)
}

// Batch represents a balanced set of journal entries
type Batch struct {
	BatchID   uuid.UUID
	EventRef  string
	Sequence  int64
	Timestamp int64
	Journals  []Journal
}

// idNamespace seeds name-based journal and batch ids so that replaying the
// event log reproduces identical ids.
var idNamespace = uuid.MustParse("6f1c2a52-8d4e-4b7a-9c1d-3e5f7a9b0c2d")

// NewBatch starts an empty batch for the event identified by eventRef.
func NewBatch(eventRef string, sequence, timestamp int64) *Batch {
	return &Batch{
		BatchID:   uuid.NewSHA1(idNamespace, []byte(fmt.Sprintf("batch:%d:%s", sequence, eventRef))),
		EventRef:  eventRef,
		Sequence:  sequence,
		Timestamp: timestamp,
	}
}

// Transfer appends a journal moving amount from one account to another.
// Zero amounts are skipped.
func (b *Batch) Transfer(from, to AccountKey, amount *uint256.Int, jt JournalType) {
	if amount.IsZero() {
		return
	}
	j := Journal{
		JournalID:     uuid.NewSHA1(b.BatchID, []byte(fmt.Sprintf("journal:%d", len(b.Journals)))),
		BatchID:       b.BatchID,
		EventRef:      b.EventRef,
		Sequence:      b.Sequence,
		DebitAccount:  to,
		CreditAccount: from,
		AssetID:       to.AssetID,
		JournalType:   jt,
		Timestamp:     b.Timestamp,
	}
	j.Amount.Set(amount)
	b.Journals = append(b.Journals, j)
}

// Validate ensures the batch is well-formed.
// Each journal moves a single positive amount between two accounts of the
// same asset, so every entry is balanced by construction and so is the
// batch.
func (b *Batch) Validate() error {
	if len(b.Journals) == 0 {
		return fmt.Errorf("batch %s is empty", b.BatchID)
	}

	for _, j := range b.Journals {
		if j.Amount.IsZero() {
			return fmt.Errorf("journal %s has non-positive amount", j.JournalID)
		}

		if j.BatchID != b.BatchID {
			return fmt.Errorf("journal %s has mismatched batch_id", j.JournalID)
		}

		if j.DebitAccount == j.CreditAccount {
			return fmt.Errorf("journal %s has same debit and credit account", j.JournalID)
		}

		if j.DebitAccount.AssetID != j.AssetID || j.CreditAccount.AssetID != j.AssetID {
			return fmt.Errorf("journal %s mixes assets: %s -> %s",
				j.JournalID, j.CreditAccount.AccountPath(), j.DebitAccount.AccountPath())
		}
	}

	return nil
}
