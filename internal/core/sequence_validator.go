package core

import (
	"errors"
	"fmt"
	"math"

	"PerpSettle/internal/ledger"
	"PerpSettle/internal/observability"
)

var (
	ErrSequenceGap       = errors.New("sequence gap")
	ErrSequenceStale     = errors.New("stale sequence")
	ErrCounterExhausted  = errors.New("record counter exhausted")
	ErrCommandOutOfOrder = errors.New("command out of order")
)

// SequenceValidator owns the record counter: the sequence id the next
// record must carry. Advances go through the undo log so a rejected batch
// leaves the counter where it started.
// Not thread-safe; guarded by the engine lock.
type SequenceValidator struct {
	undo    *ledger.UndoLog
	next    uint32
	metrics *observability.Metrics
}

func NewSequenceValidator(undo *ledger.UndoLog, metrics *observability.Metrics) *SequenceValidator {
	return &SequenceValidator{undo: undo, metrics: metrics}
}

// Validate checks seq against the counter without advancing it.
func (sv *SequenceValidator) Validate(seq uint32) error {
	switch {
	case seq == sv.next:
		return nil
	case seq > sv.next:
		if sv.metrics != nil {
			sv.metrics.RecordSequenceGap.Inc()
		}
		return fmt.Errorf("%w: expected=%d, got=%d", ErrSequenceGap, sv.next, seq)
	default:
		if sv.metrics != nil {
			sv.metrics.RecordSequenceStale.Inc()
		}
		return fmt.Errorf("%w: expected=%d, got=%d", ErrSequenceStale, sv.next, seq)
	}
}

// Advance consumes the current sequence id.
func (sv *SequenceValidator) Advance() error {
	if sv.next == math.MaxUint32 {
		return ErrCounterExhausted
	}
	ledger.SetValue(sv.undo, &sv.next, sv.next+1)
	return nil
}

// Expected returns the sequence id the next record must carry.
func (sv *SequenceValidator) Expected() uint32 {
	return sv.next
}

// SetExpected initializes the counter (used during recovery)
func (sv *SequenceValidator) SetExpected(next uint32) {
	sv.next = next
}

// ValidateCommandSeq checks a replayed command follows the last applied one.
func ValidateCommandSeq(last, got int64) error {
	if got != last+1 {
		return fmt.Errorf("%w: expected=%d, got=%d", ErrCommandOutOfOrder, last+1, got)
	}
	return nil
}
