package core

import "fmt"

// SequenceViolation classifies a rejected source sequence.
type SequenceViolation uint8

const (
	SequenceGap SequenceViolation = iota + 1
	SequenceOutOfOrder
)

func (v SequenceViolation) String() string {
	switch v {
	case SequenceGap:
		return "sequence gap"
	case SequenceOutOfOrder:
		return "out-of-order event"
	default:
		return "sequence violation"
	}
}

// SequenceError reports a source sequence other than the partition's next one.
type SequenceError struct {
	Partition string
	Expected  int64
	Got       int64
	Violation SequenceViolation
}

func (e *SequenceError) Error() string {
	return fmt.Sprintf("%s: partition=%s, expected=%d, got=%d", e.Violation, e.Partition, e.Expected, e.Got)
}

// partitionCursors holds the next expected source sequence for the
// "stability" and "positions" partitions. Owned by the core goroutine.
type partitionCursors map[string]int64

// check consumes sequence when it is the expected one. A redelivered
// duplicate below the cursor passes so the caller can drop it quietly.
// Events rejected later in the pipeline keep the sequence consumed.
func (pc partitionCursors) check(partition string, sequence int64, duplicate bool) *SequenceError {
	expected := pc[partition]
	switch {
	case sequence == expected:
		pc[partition] = expected + 1
		return nil
	case sequence < expected && duplicate:
		return nil
	case sequence < expected:
		return &SequenceError{Partition: partition, Expected: expected, Got: sequence, Violation: SequenceOutOfOrder}
	default:
		return &SequenceError{Partition: partition, Expected: expected, Got: sequence, Violation: SequenceGap}
	}
}

// moveTo sets the next expected sequence, used by replay and restore.
func (pc partitionCursors) moveTo(partition string, next int64) {
	pc[partition] = next
}

func (pc partitionCursors) export() map[string]int64 {
	out := make(map[string]int64, len(pc))
	for k, v := range pc {
		out[k] = v
	}
	return out
}

// recordSequenceError counts a violation on the per-partition counters.
func (c *DeterministicCore) recordSequenceError(err *SequenceError) {
	if c.metrics == nil {
		return
	}
	switch err.Violation {
	case SequenceGap:
		c.metrics.EventSequenceGap.WithLabelValues(err.Partition).Inc()
	case SequenceOutOfOrder:
		c.metrics.EventOutOfOrder.WithLabelValues(err.Partition).Inc()
	}
}
