package stm

import (
	"errors"

	"github.com/nrayburn/gostm/hlock"
)

// Error taxonomy, one sentinel per condition in the spec, re-exported the
// way dacapoday-smol's bptree and internal/heap packages re-export a
// shared sentinel set (errors.New + fmt.Errorf("%w: ...") wrapping at the
// call site) rather than typed error structs.
var (
	// ErrValidation is returned when a new value fails an atom's
	// validator predicate.
	ErrValidation = errors.New("stm: validation failed")

	// ErrTransactionIsolation is returned when an atom's latest
	// committed version exceeds the transaction's read version.
	ErrTransactionIsolation = errors.New("stm: transaction isolation violated")

	// ErrNestedTransaction is returned when a worker already running a
	// transaction attempts to start another.
	ErrNestedTransaction = errors.New("stm: transaction already active on this worker")

	// ErrInvalidSavepoint is returned when rolling back to a savepoint
	// handle not present in the active chain.
	ErrInvalidSavepoint = errors.New("stm: invalid savepoint")

	// ErrInternalConsistency indicates an assertion failure inside the
	// runtime: a contract the core itself is responsible for upholding
	// was violated.
	ErrInternalConsistency = errors.New("stm: internal consistency violation")

	// ErrNoTransaction is returned by operations that require an active
	// transaction on the calling worker when none is installed.
	ErrNoTransaction = errors.New("stm: no active transaction on this worker")

	// ErrDeadlockDetected, ErrInterrupted, and ErrInvalidHandleState are
	// re-exported from hlock so callers of this package need not import
	// hlock directly to match on them.
	ErrDeadlockDetected   = hlock.ErrDeadlockDetected
	ErrInterrupted        = hlock.ErrInterrupted
	ErrInvalidHandleState = hlock.ErrInvalidHandleState
)
