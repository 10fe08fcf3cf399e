package core

import (
	"errors"
	"fmt"
	"time"

	"SolvencyLedger/internal/event"
	"SolvencyLedger/internal/issuance"
	"SolvencyLedger/internal/ledger"
	"SolvencyLedger/internal/observability"
	"SolvencyLedger/internal/stability"
	"SolvencyLedger/internal/state"

	"github.com/holiman/uint256"
)

// DefaultLRUCapacity bounds the in-memory idempotency tier.
const DefaultLRUCapacity = 1_000_000

// globalCheckInterval is how often (in sequences) the zero-sum check runs.
const globalCheckInterval = 1000

// ErrRejected wraps every validation failure. Rejected events leave state
// untouched and are not written to the event log.
var ErrRejected = errors.New("core: event rejected")

// ErrSequence marks out-of-order or gapped source sequences. The producer
// must resend from the expected sequence.
var ErrSequence = errors.New("core: source sequence violation")

// DeterministicCore is the single-threaded event processor
type DeterministicCore struct {
	sequence          int64
	chain             hashChain
	balanceTracker    *ledger.BalanceTracker
	journalGen        *ledger.JournalGenerator
	validator         *ledger.InvariantValidator
	stabilityLedger   *stability.Ledger
	positionManager   *state.PositionManager
	liquidationMgr    *state.LiquidationManager
	issuer            *issuance.Issuer
	idempotency       *IdempotencyChecker
	cursors           partitionCursors
	metrics           *observability.Metrics

	persistChan    chan<- CoreOutput
	projectionChan chan<- CoreOutput
}

// CoreOutput is everything downstream workers need about one applied event.
type CoreOutput struct {
	Envelope   *event.EventEnvelope
	Batch      *ledger.Batch
	StateDelta []byte
	Effects    *Effects
}

func NewDeterministicCore(
	startSequence int64,
	schedule issuance.Schedule,
	persistChan, projectionChan chan<- CoreOutput,
	dbChecker DBIdempotencyChecker,
	metrics *observability.Metrics,
) *DeterministicCore {
	balanceTracker := ledger.NewBalanceTracker()
	positionMgr := state.NewPositionManager()

	return &DeterministicCore{
		sequence:          startSequence,
		chain:             newHashChain(),
		balanceTracker:    balanceTracker,
		journalGen:        ledger.NewJournalGenerator(),
		validator:         ledger.NewInvariantValidator(balanceTracker),
		stabilityLedger:   stability.NewLedger(),
		positionManager:   positionMgr,
		liquidationMgr:    state.NewLiquidationManager(positionMgr),
		issuer:            issuance.NewIssuer(schedule),
		idempotency:       NewIdempotencyChecker(DefaultLRUCapacity, dbChecker, metrics),
		cursors:           make(partitionCursors),
		metrics:           metrics,
		persistChan:       persistChan,
		projectionChan:    projectionChan,
	}
}

// ProcessEvent is the main processing pipeline. It returns an error wrapping
// ErrRejected for events that fail validation, and panics with "FATAL:" when
// an invariant breaks after the first mutation.
func (c *DeterministicCore) ProcessEvent(evt event.Event) error {
	return c.process(evt, false)
}

// ReplayEvent re-applies an event read back from the event log. The log is
// already deduplicated, and rejected events consume source sequences
// without reaching it, so the partition is moved to the event first.
func (c *DeterministicCore) ReplayEvent(evt event.Event) error {
	c.cursors.moveTo(evt.Partition(), evt.SourceSequence())
	return c.process(evt, true)
}

// SetOutputs attaches the downstream channels. Recovery replays with no
// outputs attached, since replayed events are already persisted.
func (c *DeterministicCore) SetOutputs(persistChan, projectionChan chan<- CoreOutput) {
	c.persistChan = persistChan
	c.projectionChan = projectionChan
}

func (c *DeterministicCore) process(evt event.Event, replay bool) error {
	start := time.Now()
	eventType := evt.EventType().String()
	idempotencyKey := evt.IdempotencyKey()

	// Step 1: Idempotency check (two-tier)
	isDuplicate := !replay && c.idempotency.IsDuplicate(eventType, idempotencyKey)

	// Step 2: Sequence validation
	partition := evt.Partition()
	if serr := c.cursors.check(partition, evt.SourceSequence(), isDuplicate); serr != nil {
		c.reject(eventType, "sequence")
		c.recordSequenceError(serr)
		return fmt.Errorf("%w: %w", ErrSequence, serr)
	}

	if isDuplicate {
		c.reject(eventType, "duplicate")
		return nil
	}

	payload, err := event.Marshal(evt)
	if err != nil {
		c.reject(eventType, "encode")
		return fmt.Errorf("%w: encode payload: %v", ErrRejected, err)
	}

	// Step 3: Dispatch. Handlers validate, then mutate and fill the batch.
	timestamp := evt.OccurredAt()
	batch := ledger.NewBatch(idempotencyKey, c.sequence, timestamp.UnixMicro())
	effects, err := c.dispatchEvent(evt, batch)
	if err != nil {
		c.reject(eventType, "validation")
		return fmt.Errorf("%w: %s: %v", ErrRejected, eventType, err)
	}

	// Step 4: Validate and apply the batch. Events that move nothing (a
	// realize with no gains) still get an envelope in the event log.
	if len(batch.Journals) > 0 {
		if err := c.validator.ValidateBatchBalance(batch); err != nil {
			panic(fmt.Sprintf("FATAL: unbalanced batch: %v", err))
		}
		if err := c.balanceTracker.ApplyBatch(batch); err != nil {
			panic(fmt.Sprintf("FATAL: apply batch failed: %v", err))
		}
	}

	// Step 5: Post-checks
	if err := c.postCheckInvariants(); err != nil {
		panic(fmt.Sprintf("FATAL: invariant violated: %v", err))
	}

	c.fillPoolSummary(effects)

	// Step 6: Hash chain
	stateDigest := c.computeStateDigest(batch)
	prevHash, stateHash := c.chain.extend(c.sequence, stateDigest)

	envelope := &event.EventEnvelope{
		Sequence:       c.sequence,
		IdempotencyKey: idempotencyKey,
		EventType:      evt.EventType(),
		Partition:      partition,
		Timestamp:      timestamp,
		SourceSequence: evt.SourceSequence(),
		Payload:        payload,
		StateHash:      stateHash,
		PrevHash:       prevHash,
	}

	output := CoreOutput{
		Envelope:   envelope,
		Batch:      batch,
		StateDelta: stateDigest,
		Effects:    effects,
	}
	c.sequence++

	// Step 7: Emit. Persist is a blocking send (backpressure, nothing lost);
	// projection is non-blocking and rebuilt from the log when it drops.
	if c.persistChan != nil {
		c.persistChan <- output
	}
	if c.projectionChan != nil {
		select {
		case c.projectionChan <- output:
		default:
			if c.metrics != nil {
				c.metrics.ProjectionDrops.WithLabelValues("core").Inc()
			}
		}
	}

	// Step 8: Mark as processed (add to LRU)
	c.idempotency.MarkProcessed(eventType, idempotencyKey)

	c.recordApplied(eventType, batch, effects, start)
	return nil
}

func (c *DeterministicCore) reject(eventType, reason string) {
	if c.metrics != nil {
		c.metrics.CoreEventsRejected.WithLabelValues(eventType, reason).Inc()
	}
}

func (c *DeterministicCore) recordApplied(eventType string, batch *ledger.Batch, effects *Effects, start time.Time) {
	m := c.metrics
	if m == nil {
		return
	}
	m.CoreEventsApplied.WithLabelValues(eventType).Inc()
	m.CoreEventDuration.WithLabelValues(eventType).Observe(time.Since(start).Seconds())
	m.CoreSequence.Set(float64(c.sequence))
	m.DedupLRUSize.Set(float64(c.idempotency.Size()))
	for _, j := range batch.Journals {
		m.CoreJournals.WithLabelValues(j.JournalType.String()).Inc()
	}

	pool := &effects.Pool
	m.StabilityTotalDeposits.Set(wholeUnits(&pool.TotalDeposits))
	m.StabilityProduct.Set(wholeUnits(&pool.P))
	m.StabilityEpoch.Set(float64(pool.Epoch))
	m.StabilityScale.Set(float64(pool.Scale))
	m.TotalStakes.Set(wholeUnits(&pool.TotalStakes))
	m.ActivePositions.Set(float64(pool.ActivePositions))

	if effects.Deposit != nil && effects.Deposit.Change.ZeroReason.StaleZeroed() {
		m.StaleDepositsZeroed.Inc()
	}
	if !effects.RewardIssued.IsZero() {
		outcome := "undistributed"
		if effects.RewardDistributed {
			outcome = "distributed"
		}
		m.RewardIssued.WithLabelValues(outcome).Inc()
	}
	if off := effects.Offset; off != nil {
		if off.EpochBumped {
			m.StabilityEpochBumps.Inc()
		}
		if off.ScaleBumped {
			m.StabilityScaleBumps.Inc()
		}
	}
	if plan := effects.Liquidation; plan != nil {
		m.LiquidationsApplied.WithLabelValues(liquidationOutcome(plan)).Inc()
	}
}

func liquidationOutcome(plan *state.LiquidationPlan) string {
	switch {
	case plan.DebtToRedistribute.IsZero():
		return "offset"
	case plan.DebtToOffset.IsZero():
		return "redistributed"
	default:
		return "split"
	}
}

// wholeUnits converts a 1e18 fixed-point amount to a float for gauges.
func wholeUnits(v *uint256.Int) float64 {
	return new(uint256.Int).Div(v, uint256.NewInt(1e9)).Float64() / 1e9
}

// postCheckInvariants verifies that the journal balances mirror the domain
// state after every event.
func (c *DeterministicCore) postCheckInvariants() error {
	pm := c.positionManager
	mirrors := []struct {
		key      ledger.AccountKey
		expected *uint256.Int
	}{
		{ledger.StabilityDeposits, c.stabilityLedger.TotalDeposits()},
		{ledger.ActivePoolCollateral, pm.TotalCollateral()},
		{ledger.ActivePoolDebt, pm.TotalDebt()},
		{ledger.DefaultPoolCollateral, pm.DefaultPoolCollateral()},
		{ledger.DefaultPoolDebt, pm.DefaultPoolDebt()},
	}
	for _, m := range mirrors {
		if err := c.validator.ValidateMirrors(m.key, m.expected); err != nil {
			return fmt.Errorf("post-check mirror: %w", err)
		}
	}

	if err := c.validator.ValidateSystemNonNegative(); err != nil {
		return fmt.Errorf("post-check non-negative: %w", err)
	}

	if c.sequence > 0 && c.sequence%globalCheckInterval == 0 {
		if err := c.validator.ValidateGlobalBalance(); err != nil {
			return fmt.Errorf("post-check global balance at seq %d: %w", c.sequence, err)
		}
	}
	return nil
}

func (c *DeterministicCore) dispatchEvent(evt event.Event, batch *ledger.Batch) (*Effects, error) {
	switch e := evt.(type) {
	case *event.StabilityDepositProvided:
		return c.handleDepositProvided(e, batch)
	case *event.StabilityDepositWithdrawn:
		return c.handleDepositWithdrawn(e, batch)
	case *event.StabilityGainsRealized:
		return c.handleGainsRealized(e, batch)
	case *event.PositionOpened:
		return c.handlePositionOpened(e, batch)
	case *event.PositionAdjusted:
		return c.handlePositionAdjusted(e, batch)
	case *event.PositionClosed:
		return c.handlePositionClosed(e, batch)
	case *event.PositionLiquidated:
		return c.handlePositionLiquidated(e, batch)
	default:
		return nil, fmt.Errorf("unknown event type: %T", evt)
	}
}

// --- Read access (query service, tests) ---

// GetSequence returns the next global sequence number to be assigned.
func (c *DeterministicCore) GetSequence() int64 {
	return c.sequence
}

// GetStateHash returns the current state hash (chain tip).
func (c *DeterministicCore) GetStateHash() [32]byte {
	return c.chain.tip
}

func (c *DeterministicCore) StabilityLedger() *stability.Ledger {
	return c.stabilityLedger
}

func (c *DeterministicCore) PositionManager() *state.PositionManager {
	return c.positionManager
}

func (c *DeterministicCore) Balances() *ledger.BalanceTracker {
	return c.balanceTracker
}

func (c *DeterministicCore) Issuer() *issuance.Issuer {
	return c.issuer
}
