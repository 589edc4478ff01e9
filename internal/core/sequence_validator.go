package core

import (
	"errors"
	"fmt"
)

var (
	ErrSequenceGap   = errors.New("sequence gap")
	ErrSequenceStale = errors.New("stale sequence")
)

// SequenceValidator checks that sequences arrive contiguously per partition.
// Replay uses it on the persisted envelope log. Not thread-safe.
type SequenceValidator struct {
	expectedNextSeq map[string]int64 // partition -> next expected sequence
}

func NewSequenceValidator() *SequenceValidator {
	return &SequenceValidator{
		expectedNextSeq: make(map[string]int64),
	}
}

// ValidateSequence accepts seq only when it is exactly the expected next
// sequence for partition, then advances.
func (sv *SequenceValidator) ValidateSequence(partition string, seq int64) error {
	expected := sv.expectedNextSeq[partition]

	switch {
	case seq < expected:
		return fmt.Errorf("partition=%s, expected=%d, got=%d: %w", partition, expected, seq, ErrSequenceStale)
	case seq > expected:
		return fmt.Errorf("partition=%s, expected=%d, got=%d: %w", partition, expected, seq, ErrSequenceGap)
	}
	sv.expectedNextSeq[partition] = expected + 1
	return nil
}

// GetExpectedSequence returns next expected sequence for a partition
func (sv *SequenceValidator) GetExpectedSequence(partition string) int64 {
	return sv.expectedNextSeq[partition]
}

// SetExpectedSequence initializes expected sequence (used during recovery)
func (sv *SequenceValidator) SetExpectedSequence(partition string, seq int64) {
	sv.expectedNextSeq[partition] = seq
}
