package ledger

import (
	"SolvencyLedger/internal/redistribution"
	"SolvencyLedger/internal/stability"

	"github.com/holiman/uint256"
)

// JournalGenerator turns the outcome of a domain operation into journal
// legs on a batch. It never decides amounts; the stability ledger and the
// redistribution accumulator do.
type JournalGenerator struct{}

func NewJournalGenerator() *JournalGenerator {
	return &JournalGenerator{}
}

// GenerateRewardIssuance moves newly issued reward tokens into the pool.
// Called only when the issuance was actually distributed to depositors.
func (jg *JournalGenerator) GenerateRewardIssuance(b *Batch, amount *uint256.Int) {
	b.Transfer(
		NewExternalAccountKey(SubTypeCommunityIssuance, AssetReward),
		StabilityRewardGains,
		amount,
		JournalTypeRewardIssuance,
	)
}

// GenerateDepositChange records gain payouts plus the deposit or
// withdrawal of a single Stability Pool operation.
//
//	sp_collateral_gains -> gain_payouts      (COLL)
//	sp_reward_gains     -> reward_payouts    (REWARD)
//	depositor_funds     -> sp_deposits       (STABLE, provide)
//	sp_deposits         -> withdrawals       (STABLE, withdraw)
func (jg *JournalGenerator) GenerateDepositChange(b *Batch, change *stability.DepositChange) {
	b.Transfer(StabilityCollateralGains,
		NewExternalAccountKey(SubTypeGainPayouts, AssetCollateral),
		&change.CollateralGainPaid, JournalTypeCollateralGainPayout)
	b.Transfer(StabilityRewardGains,
		NewExternalAccountKey(SubTypeRewardPayouts, AssetReward),
		&change.RewardGainPaid, JournalTypeRewardGainPayout)
	b.Transfer(NewExternalAccountKey(SubTypeDepositorFunds, AssetStable),
		StabilityDeposits,
		&change.AmountProvided, JournalTypeStabilityDeposit)
	b.Transfer(StabilityDeposits,
		NewExternalAccountKey(SubTypeWithdrawals, AssetStable),
		&change.AmountWithdrawn, JournalTypeStabilityWithdrawal)
}

// GenerateOffset burns pool deposits against liquidated debt and moves the
// matching collateral to depositors.
func (jg *JournalGenerator) GenerateOffset(b *Batch, debt, coll *uint256.Int) {
	b.Transfer(StabilityDeposits,
		NewExternalAccountKey(SubTypeBurned, AssetStable),
		debt, JournalTypeOffsetBurn)
	b.Transfer(ActivePoolDebt,
		NewExternalAccountKey(SubTypeDebtCancelled, AssetDebt),
		debt, JournalTypeOffsetDebtCancel)
	b.Transfer(ActivePoolCollateral, StabilityCollateralGains, coll, JournalTypeOffsetCollateral)
}

// GenerateRedistribution parks the remainder of a liquidation in the
// default pool until positions pull their share.
func (jg *JournalGenerator) GenerateRedistribution(b *Batch, coll, debt *uint256.Int) {
	b.Transfer(ActivePoolCollateral, DefaultPoolCollateral, coll, JournalTypeRedistribution)
	b.Transfer(ActivePoolDebt, DefaultPoolDebt, debt, JournalTypeRedistribution)
}

// GeneratePendingReward moves a position's redistribution share back from
// the default pool into the active pool.
func (jg *JournalGenerator) GeneratePendingReward(b *Batch, reward *redistribution.Reward) {
	b.Transfer(DefaultPoolCollateral, ActivePoolCollateral, &reward.Collateral, JournalTypePendingRewardApplied)
	b.Transfer(DefaultPoolDebt, ActivePoolDebt, &reward.Debt, JournalTypePendingRewardApplied)
}

func (jg *JournalGenerator) GenerateCollateralDeposit(b *Batch, amount *uint256.Int) {
	b.Transfer(NewExternalAccountKey(SubTypePositionFunds, AssetCollateral),
		ActivePoolCollateral, amount, JournalTypeCollateralDeposit)
}

func (jg *JournalGenerator) GenerateCollateralWithdrawal(b *Batch, amount *uint256.Int) {
	b.Transfer(ActivePoolCollateral,
		NewExternalAccountKey(SubTypePositionFunds, AssetCollateral),
		amount, JournalTypeCollateralWithdrawal)
}

func (jg *JournalGenerator) GenerateDebtIssue(b *Batch, amount *uint256.Int) {
	b.Transfer(NewExternalAccountKey(SubTypeDebtIssued, AssetDebt),
		ActivePoolDebt, amount, JournalTypeDebtIssue)
}

func (jg *JournalGenerator) GenerateDebtRepay(b *Batch, amount *uint256.Int) {
	b.Transfer(ActivePoolDebt,
		NewExternalAccountKey(SubTypeDebtIssued, AssetDebt),
		amount, JournalTypeDebtRepay)
}
