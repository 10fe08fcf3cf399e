package event

import (
	"time"
)

// EventType discriminator for event payloads
type EventType int32

const (
	EventTypeUnknown EventType = iota
	EventTypeStabilityDepositProvided
	EventTypeStabilityDepositWithdrawn
	EventTypeStabilityGainsRealized
	EventTypePositionOpened
	EventTypePositionAdjusted
	EventTypePositionClosed
	EventTypePositionLiquidated
)

// Source-sequence partitions. Stability Pool commands and position
// lifecycle events come from independent upstream producers.
const (
	PartitionStability = "stability"
	PartitionPositions = "positions"
)

// EventEnvelope wraps every event in the log
type EventEnvelope struct {
	// Global monotonic sequence assigned by core
	Sequence int64

	// Stable idempotency key from upstream
	IdempotencyKey string

	EventType EventType

	Partition string

	// Versioned input timestamp (NOT wall-clock)
	Timestamp time.Time

	// Upstream sequence for ordering validation
	SourceSequence int64

	// JSON wire encoding of the event, used for replay
	Payload []byte

	// SHA-256 of state AFTER applying this event
	StateHash [32]byte

	// Previous event's state hash (chain integrity)
	PrevHash [32]byte
}

// Event is the interface all event payloads must implement
type Event interface {
	// IdempotencyKey returns the stable dedup key
	IdempotencyKey() string

	EventType() EventType

	// Partition returns the source-sequence partition
	Partition() string

	// SourceSequence returns upstream ordering key
	SourceSequence() int64

	// OccurredAt is the versioned input timestamp. The core never reads the
	// wall clock.
	OccurredAt() time.Time
}

func (et EventType) String() string {
	switch et {
	case EventTypeStabilityDepositProvided:
		return "StabilityDepositProvided"
	case EventTypeStabilityDepositWithdrawn:
		return "StabilityDepositWithdrawn"
	case EventTypeStabilityGainsRealized:
		return "StabilityGainsRealized"
	case EventTypePositionOpened:
		return "PositionOpened"
	case EventTypePositionAdjusted:
		return "PositionAdjusted"
	case EventTypePositionClosed:
		return "PositionClosed"
	case EventTypePositionLiquidated:
		return "PositionLiquidated"
	default:
		return "Unknown"
	}
}

// ParseEventType is the inverse of String.
func ParseEventType(s string) (EventType, bool) {
	for et := EventTypeStabilityDepositProvided; et <= EventTypePositionLiquidated; et++ {
		if et.String() == s {
			return et, true
		}
	}
	return EventTypeUnknown, false
}
