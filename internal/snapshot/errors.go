package snapshot

import (
	"errors"
	"fmt"
)

// ErrMalformedSnapshot is returned for snapshots that cannot be decoded or
// that reference collections the store does not have.
var ErrMalformedSnapshot = errors.New("malformed snapshot")

// TransactionError reports that the store rejected or aborted the
// transaction of an operation.
type TransactionError struct {
	Op  string
	Err error
}

func (e *TransactionError) Error() string {
	return fmt.Sprintf("%s: transaction failed: %v", e.Op, e.Err)
}

func (e *TransactionError) Unwrap() error { return e.Err }

// SubOperationError reports the first failing cursor step, insert or clear.
type SubOperationError struct {
	Op         string
	Collection string
	Err        error
}

func (e *SubOperationError) Error() string {
	return fmt.Sprintf("%s %q: %v", e.Op, e.Collection, e.Err)
}

func (e *SubOperationError) Unwrap() error { return e.Err }
