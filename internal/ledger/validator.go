package ledger

import (
	"fmt"

	"github.com/holiman/uint256"
)

// InvariantValidator checks ledger invariants
type InvariantValidator struct {
	tracker *BalanceTracker
}

func NewInvariantValidator(tracker *BalanceTracker) *InvariantValidator {
	return &InvariantValidator{
		tracker: tracker,
	}
}

func (v *InvariantValidator) ValidateBatchBalance(batch *Batch) error {
	return batch.Validate()
}

// ValidateMirrors checks that an account balance equals the figure the
// domain state reports for it.
func (v *InvariantValidator) ValidateMirrors(key AccountKey, expected *uint256.Int) error {
	balance := v.tracker.GetBalance(key)
	if !balance.Eq(expected) {
		return fmt.Errorf("account %s balance %s does not match domain state %s",
			key.AccountPath(), FormatSigned(balance), FormatSigned(expected))
	}
	return nil
}

// ValidateSystemNonNegative verifies no protocol-held balance went negative.
func (v *InvariantValidator) ValidateSystemNonNegative() error {
	return v.tracker.ValidateSystemNonNegative()
}

// ValidateGlobalBalance verifies the system is zero-sum per asset.
func (v *InvariantValidator) ValidateGlobalBalance() error {
	totals := v.tracker.ComputeGlobalBalance()

	for assetID, total := range totals {
		if !total.IsZero() {
			assetName, _ := GetAssetName(assetID)
			return fmt.Errorf("global balance for %s is non-zero: %s", assetName, FormatSigned(total))
		}
	}

	return nil
}
