package state

import (
	"encoding/binary"

	"SolvencyLedger/internal/redistribution"

	"github.com/google/uuid"
	"github.com/holiman/uint256"
)

// PositionStatus tracks the lifecycle of a collateralized debt position
type PositionStatus int32

const (
	PositionStatusNonExistent PositionStatus = iota
	PositionStatusActive
	PositionStatusClosedByOwner
	PositionStatusClosedByLiquidation
)

func (s PositionStatus) String() string {
	switch s {
	case PositionStatusActive:
		return "Active"
	case PositionStatusClosedByOwner:
		return "ClosedByOwner"
	case PositionStatusClosedByLiquidation:
		return "ClosedByLiquidation"
	default:
		return "NonExistent"
	}
}

// ParsePositionStatus is the inverse of String.
func ParsePositionStatus(s string) PositionStatus {
	for st := PositionStatusActive; st <= PositionStatusClosedByLiquidation; st++ {
		if st.String() == s {
			return st
		}
	}
	return PositionStatusNonExistent
}

// Position is one owner's collateralized debt position. Collateral and Debt
// are stored values; redistribution rewards accrue on top of them until the
// next operation folds them in.
type Position struct {
	ID      uuid.UUID
	OwnerID uuid.UUID
	Status  PositionStatus
	redistribution.Position
	OpenedAt int64 // unix micros of the opening event
	Version  int64
}

func (p *Position) IsActive() bool {
	return p.Status == PositionStatusActive
}

// CanonicalBytes returns deterministic serialization for hashing
func (p *Position) CanonicalBytes() []byte {
	buf := make([]byte, 0, 16*2+1+32*5+16)

	buf = append(buf, p.ID[:]...)
	buf = append(buf, p.OwnerID[:]...)
	buf = append(buf, byte(p.Status))

	buf = appendUint256(buf, &p.Collateral)
	buf = appendUint256(buf, &p.Debt)
	buf = appendUint256(buf, &p.Stake)
	buf = appendUint256(buf, &p.Snapshot.CollateralPerStake)
	buf = appendUint256(buf, &p.Snapshot.DebtPerStake)

	buf = binary.LittleEndian.AppendUint64(buf, uint64(p.OpenedAt))
	buf = binary.LittleEndian.AppendUint64(buf, uint64(p.Version))
	return buf
}

func appendUint256(buf []byte, v *uint256.Int) []byte {
	b := v.Bytes32()
	return append(buf, b[:]...)
}
