package event

import (
	"encoding/json"
	"fmt"
	"time"

	fpmath "SolvencyLedger/internal/math"

	"github.com/google/uuid"
	"github.com/holiman/uint256"
)

// Wire formats. Field names use snake_case to match upstream producers.
// Amounts are decimal strings in whole units ("1000.25"), timestamps are
// unix microseconds.

type stabilityJSON struct {
	OperationID string `json:"operation_id"`
	DepositorID string `json:"depositor_id"`
	Amount      string `json:"amount,omitempty"`
	Sequence    int64  `json:"sequence"`
	TimestampUs int64  `json:"timestamp_us"`
}

type positionOpenedJSON struct {
	PositionID  string `json:"position_id"`
	OwnerID     string `json:"owner_id"`
	Collateral  string `json:"collateral"`
	Debt        string `json:"debt"`
	Sequence    int64  `json:"sequence"`
	TimestampUs int64  `json:"timestamp_us"`
}

type positionAdjustedJSON struct {
	AdjustmentID       string `json:"adjustment_id"`
	PositionID         string `json:"position_id"`
	CollateralChange   string `json:"collateral_change,omitempty"`
	CollateralIncrease bool   `json:"collateral_increase"`
	DebtChange         string `json:"debt_change,omitempty"`
	DebtIncrease       bool   `json:"debt_increase"`
	Sequence           int64  `json:"sequence"`
	TimestampUs        int64  `json:"timestamp_us"`
}

type positionClosedJSON struct {
	PositionID  string `json:"position_id"`
	Sequence    int64  `json:"sequence"`
	TimestampUs int64  `json:"timestamp_us"`
}

type positionLiquidatedJSON struct {
	LiquidationID string `json:"liquidation_id"`
	PositionID    string `json:"position_id"`
	Sequence      int64  `json:"sequence"`
	TimestampUs   int64  `json:"timestamp_us"`
}

// Marshal encodes evt in its wire format.
func Marshal(evt Event) ([]byte, error) {
	switch e := evt.(type) {
	case *StabilityDepositProvided:
		return json.Marshal(stabilityJSON{
			OperationID: e.OperationID.String(),
			DepositorID: e.DepositorID.String(),
			Amount:      fpmath.FormatDecimal(&e.Amount),
			Sequence:    e.Sequence,
			TimestampUs: e.Timestamp.UnixMicro(),
		})
	case *StabilityDepositWithdrawn:
		return json.Marshal(stabilityJSON{
			OperationID: e.OperationID.String(),
			DepositorID: e.DepositorID.String(),
			Amount:      fpmath.FormatDecimal(&e.Amount),
			Sequence:    e.Sequence,
			TimestampUs: e.Timestamp.UnixMicro(),
		})
	case *StabilityGainsRealized:
		return json.Marshal(stabilityJSON{
			OperationID: e.OperationID.String(),
			DepositorID: e.DepositorID.String(),
			Sequence:    e.Sequence,
			TimestampUs: e.Timestamp.UnixMicro(),
		})
	case *PositionOpened:
		return json.Marshal(positionOpenedJSON{
			PositionID:  e.PositionID.String(),
			OwnerID:     e.OwnerID.String(),
			Collateral:  fpmath.FormatDecimal(&e.Collateral),
			Debt:        fpmath.FormatDecimal(&e.Debt),
			Sequence:    e.Sequence,
			TimestampUs: e.Timestamp.UnixMicro(),
		})
	case *PositionAdjusted:
		return json.Marshal(positionAdjustedJSON{
			AdjustmentID:       e.AdjustmentID.String(),
			PositionID:         e.PositionID.String(),
			CollateralChange:   fpmath.FormatDecimal(&e.CollateralChange),
			CollateralIncrease: e.CollateralIncrease,
			DebtChange:         fpmath.FormatDecimal(&e.DebtChange),
			DebtIncrease:       e.DebtIncrease,
			Sequence:           e.Sequence,
			TimestampUs:        e.Timestamp.UnixMicro(),
		})
	case *PositionClosed:
		return json.Marshal(positionClosedJSON{
			PositionID:  e.PositionID.String(),
			Sequence:    e.Sequence,
			TimestampUs: e.Timestamp.UnixMicro(),
		})
	case *PositionLiquidated:
		return json.Marshal(positionLiquidatedJSON{
			LiquidationID: e.LiquidationID.String(),
			PositionID:    e.PositionID.String(),
			Sequence:      e.Sequence,
			TimestampUs:   e.Timestamp.UnixMicro(),
		})
	default:
		return nil, fmt.Errorf("marshal: unknown event type %T", evt)
	}
}

// Unmarshal decodes a wire payload of the given type.
func Unmarshal(et EventType, data []byte) (Event, error) {
	switch et {
	case EventTypeStabilityDepositProvided, EventTypeStabilityDepositWithdrawn, EventTypeStabilityGainsRealized:
		return unmarshalStability(et, data)
	case EventTypePositionOpened:
		return unmarshalPositionOpened(data)
	case EventTypePositionAdjusted:
		return unmarshalPositionAdjusted(data)
	case EventTypePositionClosed:
		var j positionClosedJSON
		if err := json.Unmarshal(data, &j); err != nil {
			return nil, fmt.Errorf("parse PositionClosed: %w", err)
		}
		positionID, err := parseID("position_id", j.PositionID)
		if err != nil {
			return nil, err
		}
		return &PositionClosed{
			PositionID: positionID,
			Sequence:   j.Sequence,
			Timestamp:  time.UnixMicro(j.TimestampUs),
		}, nil
	case EventTypePositionLiquidated:
		var j positionLiquidatedJSON
		if err := json.Unmarshal(data, &j); err != nil {
			return nil, fmt.Errorf("parse PositionLiquidated: %w", err)
		}
		liqID, err := parseID("liquidation_id", j.LiquidationID)
		if err != nil {
			return nil, err
		}
		positionID, err := parseID("position_id", j.PositionID)
		if err != nil {
			return nil, err
		}
		return &PositionLiquidated{
			LiquidationID: liqID,
			PositionID:    positionID,
			Sequence:      j.Sequence,
			Timestamp:     time.UnixMicro(j.TimestampUs),
		}, nil
	default:
		return nil, fmt.Errorf("unknown event type: %s", et)
	}
}

func unmarshalStability(et EventType, data []byte) (Event, error) {
	var j stabilityJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return nil, fmt.Errorf("parse %s: %w", et, err)
	}
	opID, err := parseID("operation_id", j.OperationID)
	if err != nil {
		return nil, err
	}
	depositorID, err := parseID("depositor_id", j.DepositorID)
	if err != nil {
		return nil, err
	}
	ts := time.UnixMicro(j.TimestampUs)

	if et == EventTypeStabilityGainsRealized {
		return &StabilityGainsRealized{
			OperationID: opID,
			DepositorID: depositorID,
			Sequence:    j.Sequence,
			Timestamp:   ts,
		}, nil
	}

	amount, err := parseAmount("amount", j.Amount)
	if err != nil {
		return nil, err
	}
	if et == EventTypeStabilityDepositProvided {
		e := &StabilityDepositProvided{OperationID: opID, DepositorID: depositorID, Sequence: j.Sequence, Timestamp: ts}
		e.Amount.Set(amount)
		return e, nil
	}
	e := &StabilityDepositWithdrawn{OperationID: opID, DepositorID: depositorID, Sequence: j.Sequence, Timestamp: ts}
	e.Amount.Set(amount)
	return e, nil
}

func unmarshalPositionOpened(data []byte) (Event, error) {
	var j positionOpenedJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return nil, fmt.Errorf("parse PositionOpened: %w", err)
	}
	positionID, err := parseID("position_id", j.PositionID)
	if err != nil {
		return nil, err
	}
	ownerID, err := parseID("owner_id", j.OwnerID)
	if err != nil {
		return nil, err
	}
	coll, err := parseAmount("collateral", j.Collateral)
	if err != nil {
		return nil, err
	}
	debt, err := parseAmount("debt", j.Debt)
	if err != nil {
		return nil, err
	}
	e := &PositionOpened{
		PositionID: positionID,
		OwnerID:    ownerID,
		Sequence:   j.Sequence,
		Timestamp:  time.UnixMicro(j.TimestampUs),
	}
	e.Collateral.Set(coll)
	e.Debt.Set(debt)
	return e, nil
}

func unmarshalPositionAdjusted(data []byte) (Event, error) {
	var j positionAdjustedJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return nil, fmt.Errorf("parse PositionAdjusted: %w", err)
	}
	adjID, err := parseID("adjustment_id", j.AdjustmentID)
	if err != nil {
		return nil, err
	}
	positionID, err := parseID("position_id", j.PositionID)
	if err != nil {
		return nil, err
	}
	e := &PositionAdjusted{
		AdjustmentID:       adjID,
		PositionID:         positionID,
		CollateralIncrease: j.CollateralIncrease,
		DebtIncrease:       j.DebtIncrease,
		Sequence:           j.Sequence,
		Timestamp:          time.UnixMicro(j.TimestampUs),
	}
	if j.CollateralChange != "" {
		v, err := parseAmount("collateral_change", j.CollateralChange)
		if err != nil {
			return nil, err
		}
		e.CollateralChange.Set(v)
	}
	if j.DebtChange != "" {
		v, err := parseAmount("debt_change", j.DebtChange)
		if err != nil {
			return nil, err
		}
		e.DebtChange.Set(v)
	}
	return e, nil
}

func parseID(field, s string) (uuid.UUID, error) {
	id, err := uuid.Parse(s)
	if err != nil {
		return uuid.Nil, fmt.Errorf("parse %s: %w", field, err)
	}
	return id, nil
}

func parseAmount(field, s string) (*uint256.Int, error) {
	v, err := fpmath.ParseDecimal(s)
	if err != nil {
		return nil, fmt.Errorf("parse %s: %w", field, err)
	}
	return v, nil
}
