package ingestion

import (
	"errors"
	"fmt"

	"SolvencyLedger/internal/event"

	"github.com/google/uuid"
)

// ErrInvalidEvent marks payloads that decode but fail shape validation.
var ErrInvalidEvent = errors.New("ingestion: invalid event")

// ParseRawEvent decodes a raw payload of the given type and checks the
// fields the core relies on. Business rules (zero amounts, unknown
// depositors) are left to the core.
func ParseRawEvent(raw RawEvent, eventType event.EventType) (event.Event, error) {
	evt, err := event.Unmarshal(eventType, raw.Data)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidEvent, err)
	}
	if err := Validate(evt); err != nil {
		return nil, err
	}
	return evt, nil
}

// Validate rejects events with missing ids, negative source sequences or
// no timestamp.
func Validate(evt event.Event) error {
	if evt.SourceSequence() < 0 {
		return fmt.Errorf("%w: negative sequence %d", ErrInvalidEvent, evt.SourceSequence())
	}
	if evt.OccurredAt().UnixMicro() <= 0 {
		return fmt.Errorf("%w: missing timestamp", ErrInvalidEvent)
	}

	switch e := evt.(type) {
	case *event.StabilityDepositProvided:
		return requireIDs(idField{"operation_id", e.OperationID}, idField{"depositor_id", e.DepositorID})
	case *event.StabilityDepositWithdrawn:
		return requireIDs(idField{"operation_id", e.OperationID}, idField{"depositor_id", e.DepositorID})
	case *event.StabilityGainsRealized:
		return requireIDs(idField{"operation_id", e.OperationID}, idField{"depositor_id", e.DepositorID})
	case *event.PositionOpened:
		return requireIDs(idField{"position_id", e.PositionID}, idField{"owner_id", e.OwnerID})
	case *event.PositionAdjusted:
		return requireIDs(idField{"adjustment_id", e.AdjustmentID}, idField{"position_id", e.PositionID})
	case *event.PositionClosed:
		return requireIDs(idField{"position_id", e.PositionID})
	case *event.PositionLiquidated:
		return requireIDs(idField{"liquidation_id", e.LiquidationID}, idField{"position_id", e.PositionID})
	default:
		return fmt.Errorf("%w: unsupported type %T", ErrInvalidEvent, evt)
	}
}

type idField struct {
	name string
	id   uuid.UUID
}

func requireIDs(fields ...idField) error {
	for _, f := range fields {
		if f.id == uuid.Nil {
			return fmt.Errorf("%w: %s is required", ErrInvalidEvent, f.name)
		}
	}
	return nil
}
