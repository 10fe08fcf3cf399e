package core

import (
	"fmt"
	"time"

	"SolvencyLedger/internal/event"
	"SolvencyLedger/internal/ledger"
	fpmath "SolvencyLedger/internal/math"
	"SolvencyLedger/internal/stability"

	"github.com/google/uuid"
	"github.com/holiman/uint256"
)

// Handlers validate first and return an error only before the first
// mutation. Anything that fails after that point is an invariant breach.
func fatal(op string, err error) {
	panic(fmt.Sprintf("FATAL: %s: %v", op, err))
}

// issueReward releases the issuance accrued up to ts and folds it into G.
// Issue is atomic, so its error is still a rejection.
func (c *DeterministicCore) issueReward(ts time.Time, batch *ledger.Batch, e *Effects) error {
	issued, err := c.issuer.Issue(ts.Unix())
	if err != nil {
		return fmt.Errorf("issuance: %w", err)
	}
	distributed, err := c.stabilityLedger.IssueReward(issued)
	if err != nil {
		fatal("issue reward", err)
	}
	e.RewardIssued.Set(issued)
	e.RewardDistributed = distributed
	if distributed {
		c.journalGen.GenerateRewardIssuance(batch, issued)
	}
	return nil
}

func noDeposit(depositor uuid.UUID) error {
	return fmt.Errorf("%w: %s", stability.ErrNoDeposit, depositor)
}

func (c *DeterministicCore) handleDepositProvided(evt *event.StabilityDepositProvided, batch *ledger.Batch) (*Effects, error) {
	if evt.Amount.IsZero() {
		return nil, stability.ErrZeroAmount
	}
	if _, err := fpmath.Add(c.stabilityLedger.TotalDeposits(), &evt.Amount); err != nil {
		return nil, fmt.Errorf("total deposits: %w", err)
	}

	effects := &Effects{}
	key := c.currentKey()
	if err := c.issueReward(evt.Timestamp, batch, effects); err != nil {
		return nil, err
	}

	change, err := c.stabilityLedger.Provide(evt.DepositorID, &evt.Amount)
	if err != nil {
		fatal("provide", err)
	}
	c.journalGen.GenerateDepositChange(batch, &change)

	effects.Deposit = c.depositEffect(evt.DepositorID, change)
	effects.Sums = c.touchedSums(key)
	return effects, nil
}

// A zero Amount withdraws nothing and only pays out pending gains.
func (c *DeterministicCore) handleDepositWithdrawn(evt *event.StabilityDepositWithdrawn, batch *ledger.Batch) (*Effects, error) {
	if _, ok := c.stabilityLedger.Deposit(evt.DepositorID); !ok {
		return nil, noDeposit(evt.DepositorID)
	}

	effects := &Effects{}
	key := c.currentKey()
	if err := c.issueReward(evt.Timestamp, batch, effects); err != nil {
		return nil, err
	}

	change, err := c.stabilityLedger.Withdraw(evt.DepositorID, &evt.Amount)
	if err != nil {
		fatal("withdraw", err)
	}
	c.journalGen.GenerateDepositChange(batch, &change)

	effects.Deposit = c.depositEffect(evt.DepositorID, change)
	effects.Sums = c.touchedSums(key)
	return effects, nil
}

func (c *DeterministicCore) handleGainsRealized(evt *event.StabilityGainsRealized, batch *ledger.Batch) (*Effects, error) {
	if _, ok := c.stabilityLedger.Deposit(evt.DepositorID); !ok {
		return nil, noDeposit(evt.DepositorID)
	}

	effects := &Effects{}
	key := c.currentKey()
	if err := c.issueReward(evt.Timestamp, batch, effects); err != nil {
		return nil, err
	}

	change, err := c.stabilityLedger.RealizePendingGains(evt.DepositorID)
	if err != nil {
		fatal("realize gains", err)
	}
	c.journalGen.GenerateDepositChange(batch, &change)

	effects.Deposit = c.depositEffect(evt.DepositorID, change)
	effects.Sums = c.touchedSums(key)
	return effects, nil
}

func (c *DeterministicCore) handlePositionOpened(evt *event.PositionOpened, batch *ledger.Batch) (*Effects, error) {
	change, err := c.positionManager.Open(evt.PositionID, evt.OwnerID,
		&evt.Collateral, &evt.Debt, evt.Timestamp.UnixMicro())
	if err != nil {
		return nil, err
	}
	c.journalGen.GenerateCollateralDeposit(batch, &change.CollateralAdded)
	c.journalGen.GenerateDebtIssue(batch, &change.DebtAdded)

	return &Effects{Positions: c.positionEffect(evt.PositionID)}, nil
}

func (c *DeterministicCore) handlePositionAdjusted(evt *event.PositionAdjusted, batch *ledger.Batch) (*Effects, error) {
	change, err := c.positionManager.Adjust(evt.PositionID,
		&evt.CollateralChange, evt.CollateralIncrease,
		&evt.DebtChange, evt.DebtIncrease)
	if err != nil {
		return nil, err
	}
	c.journalGen.GeneratePendingReward(batch, &change.PendingReward)
	c.journalGen.GenerateCollateralDeposit(batch, &change.CollateralAdded)
	c.journalGen.GenerateCollateralWithdrawal(batch, &change.CollateralRemoved)
	c.journalGen.GenerateDebtIssue(batch, &change.DebtAdded)
	c.journalGen.GenerateDebtRepay(batch, &change.DebtRepaid)

	return &Effects{Positions: c.positionEffect(evt.PositionID)}, nil
}

func (c *DeterministicCore) handlePositionClosed(evt *event.PositionClosed, batch *ledger.Batch) (*Effects, error) {
	change, err := c.positionManager.Close(evt.PositionID)
	if err != nil {
		return nil, err
	}
	c.journalGen.GeneratePendingReward(batch, &change.PendingReward)
	c.journalGen.GenerateCollateralWithdrawal(batch, &change.CollateralRemoved)
	c.journalGen.GenerateDebtRepay(batch, &change.DebtRepaid)

	return &Effects{Positions: c.positionEffect(evt.PositionID)}, nil
}

// handlePositionLiquidated offsets as much debt as the Stability Pool can
// absorb and redistributes the rest over the remaining stakes.
func (c *DeterministicCore) handlePositionLiquidated(evt *event.PositionLiquidated, batch *ledger.Batch) (*Effects, error) {
	plan, err := c.liquidationMgr.Plan(evt.PositionID, c.stabilityLedger.TotalDeposits())
	if err != nil {
		return nil, err
	}

	effects := &Effects{Liquidation: plan}
	key := c.currentKey()

	var issued *uint256.Int
	if !plan.DebtToOffset.IsZero() {
		if issued, err = c.issuer.Issue(evt.Timestamp.Unix()); err != nil {
			return nil, fmt.Errorf("issuance: %w", err)
		}
		res, err := c.stabilityLedger.Offset(&plan.DebtToOffset, &plan.CollToStabilityPool, issued)
		if err != nil {
			fatal("offset", err)
		}
		effects.Offset = &res
		effects.RewardIssued.Set(issued)
		effects.RewardDistributed = res.RewardDistributed
	}

	if err := c.liquidationMgr.Apply(plan); err != nil {
		fatal("liquidate", err)
	}

	c.journalGen.GeneratePendingReward(batch, &plan.PendingReward)
	if effects.RewardDistributed {
		c.journalGen.GenerateRewardIssuance(batch, issued)
	}
	c.journalGen.GenerateOffset(batch, &plan.DebtToOffset, &plan.CollToStabilityPool)
	c.journalGen.GenerateRedistribution(batch, &plan.CollToRedistribute, &plan.DebtToRedistribute)

	effects.Positions = c.positionEffect(evt.PositionID)
	effects.Sums = c.touchedSums(key, c.currentKey())
	return effects, nil
}
