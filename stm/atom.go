// Package stm implements the software-transactional-memory core: atoms
// holding multi-version chains, a transaction runtime coordinating
// multi-atom commits through the hierarchical lock, and the retry policy
// around isolation and deadlock failures.
package stm

import (
	"fmt"
	"reflect"
	"sync"

	"github.com/nrayburn/gostm/future"
	"github.com/nrayburn/gostm/hlock"
	"github.com/nrayburn/gostm/internal/version"
)

// node is one entry of an atom's multi-version chain: a value, the
// version it was committed at, and a link to the next-older node.
// Versions strictly decrease walking prev.
type node[T any] struct {
	value   T
	version int64
	prev    *node[T]
}

// Validator reports whether v is an acceptable value for an atom. A
// validator returning false causes the write that produced v to fail
// with ErrValidation.
type Validator[T any] func(v T) bool

// Watcher observes a committed net change to an atom's value. Watchers
// are registered with set semantics (by function identity) and any panic
// raised from one is swallowed so it cannot disrupt the committing
// worker or other watchers.
type Watcher[T any] func(atom *TransactionalAtom[T], old, new T)

// TransactionalAtom is a thread-safe, observable, mutable reference cell
// whose writes participate in the STM runtime's multi-atom transactions.
type TransactionalAtom[T any] struct {
	lock *hlock.Lock

	mu       sync.Mutex
	head     *node[T]
	markedBy *Transaction

	validator Validator[T]

	watchMu  sync.Mutex
	watchers map[uintptr]Watcher[T]
}

// AtomOption configures a TransactionalAtom at construction time.
type AtomOption func(*atomOptions)

type atomOptions struct {
	fair bool
}

// WithFairLocks selects strict FIFO queuing (fair_locks=true) on the
// atom's hierarchical lock, per §6's "fair_locks" configuration option.
// The default, omitting this option, is the unfair mode described in
// §4.1: a compatible shared request may barge ahead of a queued
// incompatible waiter.
func WithFairLocks() AtomOption {
	return func(o *atomOptions) { o.fair = true }
}

func resolveAtomOptions(opts []AtomOption) atomOptions {
	var o atomOptions
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// NewAtom constructs a root transactional atom holding initial, with an
// optional validator (nil accepts every value).
func NewAtom[T any](initial T, validator Validator[T], opts ...AtomOption) *TransactionalAtom[T] {
	o := resolveAtomOptions(opts)
	return &TransactionalAtom[T]{
		lock:      hlock.NewRoot(o.fair),
		head:      &node[T]{value: initial, version: version.Current()},
		validator: validator,
		watchers:  make(map[uintptr]Watcher[T]),
	}
}

// NewChild constructs a transactional atom whose lock node is a child of
// this atom's lock, per the hierarchical lock's tree-structured
// compositionality (spec scenario 6). The child inherits the parent
// lock's fairness mode, since fairness is a property of the lock tree as
// a whole, not of any one node.
func (a *TransactionalAtom[T]) NewChild(initial T, validator Validator[T]) *TransactionalAtom[T] {
	return &TransactionalAtom[T]{
		lock:      a.lock.NewChild(),
		head:      &node[T]{value: initial, version: version.Current()},
		validator: validator,
		watchers:  make(map[uintptr]Watcher[T]),
	}
}

// Get returns the atom's current value. Within an active transaction
// this delegates to a snapshot- or lock-qualified read per the
// transaction's isolation level; outside one it is simply the head.
func (a *TransactionalAtom[T]) Get() T {
	if tx, ok := CurrentTransaction(); ok {
		v, err := Read(tx, a)
		if err != nil {
			panic(err)
		}
		return v
	}
	return a.GetLatestValue()
}

// Set unconditionally replaces the atom's value, returning the previous
// value. Within a transaction this buffers the write until commit;
// outside one it validates, commits, and notifies watchers immediately.
func (a *TransactionalAtom[T]) Set(v T) (T, error) {
	if tx, ok := CurrentTransaction(); ok {
		return Write(tx, a, v)
	}
	return a.writeImmediate(v)
}

// Update replaces the atom's value with f applied to the current value,
// returning the new value.
func (a *TransactionalAtom[T]) Update(f func(T) T) (T, error) {
	if tx, ok := CurrentTransaction(); ok {
		old, err := Read(tx, a)
		if err != nil {
			var zero T
			return zero, err
		}
		return Write(tx, a, f(old))
	}
	return a.writeImmediate(f(a.GetLatestValue()))
}

// Commute enqueues a commutative update, deferred until commit, and
// returns a Future settled with the value observed after this function
// is applied during commit (or immediately, outside a transaction).
func (a *TransactionalAtom[T]) Commute(f func(T) T) *future.Future[T] {
	if tx, ok := CurrentTransaction(); ok {
		return EnqueueCommute(tx, a, f)
	}
	fut := future.New[T]()
	v, err := a.writeImmediate(f(a.GetLatestValue()))
	if err != nil {
		fut.Reject(err)
		return fut
	}
	fut.Resolve(v)
	return fut
}

// Pin returns the atom's value as seen by the active transaction,
// additionally taking a shared lock and performing a version check
// regardless of isolation level. It is only valid within a transaction.
func (a *TransactionalAtom[T]) Pin() (T, error) {
	tx, ok := CurrentTransaction()
	if !ok {
		var zero T
		return zero, ErrNoTransaction
	}
	return Pin(tx, a)
}

// AddWatcher registers w, a no-op if an equal function is already
// registered (set semantics by function identity).
func (a *TransactionalAtom[T]) AddWatcher(w Watcher[T]) {
	key := reflect.ValueOf(w).Pointer()
	a.watchMu.Lock()
	defer a.watchMu.Unlock()
	a.watchers[key] = w
}

// RemoveWatcher unregisters w.
func (a *TransactionalAtom[T]) RemoveWatcher(w Watcher[T]) {
	key := reflect.ValueOf(w).Pointer()
	a.watchMu.Lock()
	defer a.watchMu.Unlock()
	delete(a.watchers, key)
}

func (a *TransactionalAtom[T]) notifyWatchers(old, new T) {
	a.watchMu.Lock()
	snapshot := make([]Watcher[T], 0, len(a.watchers))
	for _, w := range a.watchers {
		snapshot = append(snapshot, w)
	}
	a.watchMu.Unlock()

	for _, w := range snapshot {
		func() {
			defer func() {
				if r := recover(); r != nil {
					log.Warn().Interface("panic", r).Msg("watcher panicked, swallowed")
				}
			}()
			w(a, old, new)
		}()
	}
}

// writeImmediate performs a non-transactional set/update/commute:
// validate, acquire exclusive, allocate and publish a new version,
// release, notify watchers.
func (a *TransactionalAtom[T]) writeImmediate(v T) (T, error) {
	var zero T
	if a.validator != nil && !a.validator(v) {
		return zero, ErrValidation
	}
	h, err := a.lock.AcquireExclusive()
	if err != nil {
		return zero, err
	}

	old := a.GetLatestValue()
	w := version.NewPinnedVersion()
	o := version.OldestPinned()
	a.Append(v, w, o)
	version.Unpin(w)
	h.Release()
	a.notifyWatchers(old, v)
	return v, nil
}

// GetLatestValue returns the value at the head of the chain.
func (a *TransactionalAtom[T]) GetLatestValue() T {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.head.value
}

// GetLatestVersion returns the version at the head of the chain.
func (a *TransactionalAtom[T]) GetLatestVersion() int64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.head.version
}

// ExclusiveLock acquires the atom's hierarchical lock in exclusive mode.
func (a *TransactionalAtom[T]) ExclusiveLock() (*hlock.Handle, error) {
	return a.lock.AcquireExclusive()
}

// SharedLock acquires the atom's hierarchical lock in shared mode.
func (a *TransactionalAtom[T]) SharedLock() (*hlock.Handle, error) {
	return a.lock.AcquireShared()
}

// ReadAt returns the value of the most recent chain node whose version is
// <= v, waiting on any in-flight commit whose eventual version might be
// needed to satisfy v.
func (a *TransactionalAtom[T]) ReadAt(v int64) (T, error) {
	waited := false
	for {
		a.mu.Lock()
		if marker := a.markedBy; marker != nil && !waited && a.head.version < v {
			a.mu.Unlock()
			marker.awaitCommit(v)
			waited = true
			continue
		}
		for n := a.head; n != nil; n = n.prev {
			if n.version <= v {
				val := n.value
				a.mu.Unlock()
				return val, nil
			}
		}
		marker := a.markedBy
		a.mu.Unlock()

		if marker == nil {
			var zero T
			return zero, fmt.Errorf("%w: no chain node at or below requested version", ErrInternalConsistency)
		}
		marker.awaitCommit(v)
	}
}

// MarkForCommit installs t as the atom's single in-flight-commit marker.
// Marking an already-marked atom is a programming error.
func (a *TransactionalAtom[T]) MarkForCommit(t *Transaction) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.markedBy != nil {
		return fmt.Errorf("%w: atom already marked for commit", ErrInternalConsistency)
	}
	a.markedBy = t
	return nil
}

// Unmark clears the atom's in-flight-commit marker.
func (a *TransactionalAtom[T]) Unmark() {
	a.mu.Lock()
	a.markedBy = nil
	a.mu.Unlock()
}

// Append prepends value as the new head at commitVersion, then severs the
// chain's predecessor link at the first node whose version is <=
// oldestPinned: that node becomes the oldest reachable node.
func (a *TransactionalAtom[T]) Append(value T, commitVersion, oldestPinned int64) {
	a.mu.Lock()
	defer a.mu.Unlock()
	newHead := &node[T]{value: value, version: commitVersion, prev: a.head}
	a.head = newHead
	for n := newHead; n != nil; n = n.prev {
		if n.version <= oldestPinned {
			if n.prev != nil {
				log.Debug().Int64("severedAt", n.version).Int64("oldestPinned", oldestPinned).
					Int64("commitVersion", commitVersion).Msg("gc: severed chain predecessor link")
			}
			n.prev = nil
			break
		}
	}
}

// Validate reports whether v satisfies this atom's validator, if any.
func (a *TransactionalAtom[T]) Validate(v T) bool {
	return a.validator == nil || a.validator(v)
}
