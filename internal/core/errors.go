package core

import (
	"errors"
	"fmt"

	"PerpSettle/internal/operation"
)

var (
	ErrUnauthorized  = errors.New("caller lacks required role")
	ErrEmptyBatch    = errors.New("empty batch")
	ErrUnknownAdmin  = errors.New("unknown admin call")
	ErrVaultAccount  = errors.New("vault accounts cannot move funds directly")
	ErrSignerAccount = errors.New("signer registration requires a main or vault account")
	ErrSameAccount   = errors.New("source and destination are the same account")
	ErrNotRelated    = errors.New("transfer only between a main account and its subaccounts")
	ErrHashMismatch  = errors.New("replayed state hash mismatch")
	ErrInvalidAmount = errors.New("amount must be positive")
	ErrMissingID     = errors.New("admin call requires an id")
	ErrZeroAddress   = errors.New("zero address")
)

// FatalError rejects a whole batch. Index is the position of the failing
// record in the batch, or -1 when the batch failed before any record.
type FatalError struct {
	Index  int
	SeqID  uint32
	Opcode operation.Opcode
	Err    error
}

func (e *FatalError) Error() string {
	if e.Index < 0 {
		return fmt.Sprintf("batch rejected: %v", e.Err)
	}
	return fmt.Sprintf("batch rejected at record %d (seq %d, %s): %v", e.Index, e.SeqID, e.Opcode, e.Err)
}

func (e *FatalError) Unwrap() error { return e.Err }

// IsFatal reports whether err rejected a batch.
func IsFatal(err error) bool {
	var fe *FatalError
	return errors.As(err, &fe)
}
