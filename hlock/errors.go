package hlock

import "errors"

var (
	// ErrWouldBlock is returned by the Try* variants when the requested
	// mode is not immediately compatible with the lock's current state.
	ErrWouldBlock = errors.New("hlock: would block")

	// ErrTimeout is returned by the *Timed variants when the deadline
	// elapses before the lock becomes available.
	ErrTimeout = errors.New("hlock: timed out acquiring lock")

	// ErrInterrupted is returned by the context-aware variants when the
	// supplied context is cancelled before the lock becomes available.
	ErrInterrupted = errors.New("hlock: interrupted")

	// ErrDeadlockDetected is returned instead of blocking when the
	// pre-park waits-for cycle search finds that parking this worker
	// would deadlock.
	ErrDeadlockDetected = errors.New("hlock: deadlock detected")

	// ErrInvalidHandleState is returned by Handle operations performed
	// on a handle that has already been released, or left invalid by a
	// failed promotion. A successful promotion or demotion keeps the same
	// handle valid in its new mode.
	ErrInvalidHandleState = errors.New("hlock: invalid handle state")
)
