package event

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/holiman/uint256"
)

// StabilityDepositProvided adds Amount of stablecoin to a depositor's
// Stability Pool position.
type StabilityDepositProvided struct {
	OperationID uuid.UUID
	DepositorID uuid.UUID
	Amount      uint256.Int // 1e18 fixed-point
	Sequence    int64
	Timestamp   time.Time
}

func (d *StabilityDepositProvided) IdempotencyKey() string {
	return d.OperationID.String()
}

func (d *StabilityDepositProvided) EventType() EventType {
	return EventTypeStabilityDepositProvided
}

func (d *StabilityDepositProvided) Partition() string {
	return PartitionStability
}

func (d *StabilityDepositProvided) SourceSequence() int64 {
	return d.Sequence
}

func (d *StabilityDepositProvided) OccurredAt() time.Time {
	return d.Timestamp
}

// StabilityDepositWithdrawn withdraws up to Amount from the compounded
// deposit. Amounts above the compounded value withdraw everything.
type StabilityDepositWithdrawn struct {
	OperationID uuid.UUID
	DepositorID uuid.UUID
	Amount      uint256.Int
	Sequence    int64
	Timestamp   time.Time
}

func (w *StabilityDepositWithdrawn) IdempotencyKey() string {
	return w.OperationID.String()
}

func (w *StabilityDepositWithdrawn) EventType() EventType {
	return EventTypeStabilityDepositWithdrawn
}

func (w *StabilityDepositWithdrawn) Partition() string {
	return PartitionStability
}

func (w *StabilityDepositWithdrawn) SourceSequence() int64 {
	return w.Sequence
}

func (w *StabilityDepositWithdrawn) OccurredAt() time.Time {
	return w.Timestamp
}

// StabilityGainsRealized pays out accrued collateral and reward gains
// without moving the deposit.
type StabilityGainsRealized struct {
	OperationID uuid.UUID
	DepositorID uuid.UUID
	Sequence    int64
	Timestamp   time.Time
}

func (r *StabilityGainsRealized) IdempotencyKey() string {
	return fmt.Sprintf("%s:realize", r.OperationID)
}

func (r *StabilityGainsRealized) EventType() EventType {
	return EventTypeStabilityGainsRealized
}

func (r *StabilityGainsRealized) Partition() string {
	return PartitionStability
}

func (r *StabilityGainsRealized) SourceSequence() int64 {
	return r.Sequence
}

func (r *StabilityGainsRealized) OccurredAt() time.Time {
	return r.Timestamp
}
