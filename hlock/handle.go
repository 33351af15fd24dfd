package hlock

import (
	"context"
	"sync"
	"time"
)

type handleState int32

const (
	handleHeld handleState = iota
	handleReleased
	handleInvalid
)

// Handle is a held lock token returned by one of Lock's Acquire*
// variants. A Handle is single-use: once Released, or left Invalid by a
// failed promotion, every further operation on it fails with
// ErrInvalidHandleState.
type Handle struct {
	mu       sync.Mutex
	lock     *Lock
	workerID uint64
	mode     Mode
	state    handleState
}

func (l *Lock) newHandle(workerID uint64, mode Mode) *Handle {
	return &Handle{lock: l, workerID: workerID, mode: mode, state: handleHeld}
}

// Mode reports the mode currently held by this handle.
func (h *Handle) Mode() Mode {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.mode
}

// Release gives up the hold represented by this handle. The handle is
// invalid for any further use afterwards.
func (h *Handle) Release() error {
	h.mu.Lock()
	if h.state != handleHeld {
		h.mu.Unlock()
		return ErrInvalidHandleState
	}
	lock, workerID, mode := h.lock, h.workerID, h.mode
	h.state = handleReleased
	h.mu.Unlock()

	lock.release(workerID, mode)
	return nil
}

// PromoteToExclusive releases the shared token and reacquires exclusive.
// This is atomic only when the caller is the sole shared holder and no
// exclusive waiter is queued ahead; otherwise another worker's request may
// be interleaved between the release and the reacquire.
func (h *Handle) PromoteToExclusive() error {
	return h.promote(acquireCtx{})
}

// TryPromoteToExclusive attempts the promotion without blocking.
func (h *Handle) TryPromoteToExclusive() error {
	return h.promote(acquireCtx{try: true})
}

// PromoteToExclusiveTimed bounds the reacquire phase of the promotion to d.
func (h *Handle) PromoteToExclusiveTimed(d time.Duration) error {
	return h.promote(acquireCtx{hasDeadline: true, deadline: time.Now().Add(d)})
}

// PromoteToExclusiveContext bounds the reacquire phase by ctx.
func (h *Handle) PromoteToExclusiveContext(ctx context.Context) error {
	return h.promote(acquireCtx{ctx: ctx})
}

func (h *Handle) promote(ctx acquireCtx) error {
	h.mu.Lock()
	if h.state != handleHeld || h.mode != ModeShared {
		h.mu.Unlock()
		return ErrInvalidHandleState
	}
	lock, workerID := h.lock, h.workerID
	h.mu.Unlock()

	lock.release(workerID, ModeShared)
	newHandle, err := lock.acquire(ctx, ModeExclusive)

	h.mu.Lock()
	defer h.mu.Unlock()
	if err != nil {
		h.state = handleInvalid
		return err
	}
	_ = newHandle
	h.mode = ModeExclusive
	h.state = handleHeld
	return nil
}

// DemoteToShared atomically converts a held exclusive handle to shared,
// without ever releasing the lock in between.
func (h *Handle) DemoteToShared() error {
	h.mu.Lock()
	if h.state != handleHeld || h.mode != ModeExclusive {
		h.mu.Unlock()
		return ErrInvalidHandleState
	}
	lock, workerID := h.lock, h.workerID
	h.mode = ModeShared
	h.mu.Unlock()

	lock.demote(workerID)
	return nil
}

// demote converts one outstanding exclusive hold by workerID into one
// outstanding shared hold, atomically with respect to every other
// acquirer: the lock is never visible as unheld in between.
func (l *Lock) demote(workerID uint64) {
	ancestors := ancestorChain(l)
	path := append(append([]*Lock{}, ancestors...), l)
	lockChain(path)

	l.exclusiveCount--
	if l.exclusiveCount <= 0 {
		l.exclusiveCount = 0
		l.exclusiveHolder = 0
	}
	l.shared[workerID]++

	for _, a := range ancestors {
		a.subtreeExclusive[workerID]--
		if a.subtreeExclusive[workerID] <= 0 {
			delete(a.subtreeExclusive, workerID)
		}
	}
	unlockChain(path)

	l.pump()
	for _, a := range ancestors {
		a.pump()
	}
	globalBump.Fire()
}
