package event

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/holiman/uint256"
)

// PositionOpened records a new collateralized debt position.
type PositionOpened struct {
	PositionID uuid.UUID
	OwnerID    uuid.UUID
	Collateral uint256.Int
	Debt       uint256.Int
	Sequence   int64
	Timestamp  time.Time
}

func (p *PositionOpened) IdempotencyKey() string {
	return fmt.Sprintf("%s:open", p.PositionID)
}

func (p *PositionOpened) EventType() EventType {
	return EventTypePositionOpened
}

func (p *PositionOpened) Partition() string {
	return PartitionPositions
}

func (p *PositionOpened) SourceSequence() int64 {
	return p.Sequence
}

func (p *PositionOpened) OccurredAt() time.Time {
	return p.Timestamp
}

// PositionAdjusted changes collateral and/or debt of an open position. A
// zero change leaves that side untouched; the flags pick the direction.
type PositionAdjusted struct {
	AdjustmentID       uuid.UUID
	PositionID         uuid.UUID
	CollateralChange   uint256.Int
	CollateralIncrease bool
	DebtChange         uint256.Int
	DebtIncrease       bool
	Sequence           int64
	Timestamp          time.Time
}

func (p *PositionAdjusted) IdempotencyKey() string {
	return p.AdjustmentID.String()
}

func (p *PositionAdjusted) EventType() EventType {
	return EventTypePositionAdjusted
}

func (p *PositionAdjusted) Partition() string {
	return PartitionPositions
}

func (p *PositionAdjusted) SourceSequence() int64 {
	return p.Sequence
}

func (p *PositionAdjusted) OccurredAt() time.Time {
	return p.Timestamp
}

// PositionClosed repays all debt and returns all collateral to the owner.
type PositionClosed struct {
	PositionID uuid.UUID
	Sequence   int64
	Timestamp  time.Time
}

func (p *PositionClosed) IdempotencyKey() string {
	return fmt.Sprintf("%s:close", p.PositionID)
}

func (p *PositionClosed) EventType() EventType {
	return EventTypePositionClosed
}

func (p *PositionClosed) Partition() string {
	return PartitionPositions
}

func (p *PositionClosed) SourceSequence() int64 {
	return p.Sequence
}

func (p *PositionClosed) OccurredAt() time.Time {
	return p.Timestamp
}

// PositionLiquidated is emitted by the upstream liquidation trigger. The
// ledger decides the split between the Stability Pool offset and
// redistribution.
type PositionLiquidated struct {
	LiquidationID uuid.UUID
	PositionID    uuid.UUID
	Sequence      int64
	Timestamp     time.Time
}

func (p *PositionLiquidated) IdempotencyKey() string {
	return p.LiquidationID.String()
}

func (p *PositionLiquidated) EventType() EventType {
	return EventTypePositionLiquidated
}

func (p *PositionLiquidated) Partition() string {
	return PartitionPositions
}

func (p *PositionLiquidated) SourceSequence() int64 {
	return p.Sequence
}

func (p *PositionLiquidated) OccurredAt() time.Time {
	return p.Timestamp
}
