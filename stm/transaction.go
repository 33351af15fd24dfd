package stm

import (
	"errors"
	"sync"

	"github.com/nrayburn/gostm/future"
	"github.com/nrayburn/gostm/hlock"
	"github.com/nrayburn/gostm/internal/version"
)

// Isolation selects the read/pin/lock policy a Transaction follows, per
// §4.4.1.
type Isolation int

const (
	// ReadCommitted reads always return the atom's current head value
	// and pins no read version.
	ReadCommitted Isolation = iota
	// RepeatableRead pins a read version on first read and returns
	// snapshot-consistent values thereafter. Default isolation level.
	RepeatableRead
	// Serializable behaves as RepeatableRead but additionally takes a
	// shared lock and validates the version on every read, preventing
	// write skew.
	Serializable
)

func (i Isolation) String() string {
	switch i {
	case ReadCommitted:
		return "ReadCommitted"
	case RepeatableRead:
		return "RepeatableRead"
	case Serializable:
		return "Serializable"
	default:
		return "Unknown"
	}
}

// Default retry budgets, per §6's recognized configuration options.
const (
	DefaultMaxIsolationFailures = 1000
	DefaultMaxDeadlockFailures  = 10
)

// commitAnnouncement lets readers blocked on an in-flight commit learn
// the resulting commit version, or wait for the commit to finish
// entirely.
type commitAnnouncement struct {
	versionFuture *future.Future[int64]
	gate          chan struct{}
}

func newCommitAnnouncement() *commitAnnouncement {
	return &commitAnnouncement{versionFuture: future.New[int64](), gate: make(chan struct{})}
}

// Transaction is a worker's per-attempt STM state: isolation level,
// savepoint chain, working set, and in-flight commit bookkeeping. A
// Transaction is created fresh for each attempt of a computation and is
// only ever driven by the worker that created it, except for the
// announcement fields, which other workers' readers consult while
// waiting on this transaction's commit.
type Transaction struct {
	isolation Isolation

	hasReadVersion bool
	readVersion    int64

	head *savepoint

	announceMu sync.Mutex
	announce   *commitAnnouncement

	rollbackRequested bool
}

func newTransaction(isolation Isolation) *Transaction {
	return &Transaction{isolation: isolation, head: newSavepoint(nil)}
}

// Isolation reports the level this transaction is running at.
func (t *Transaction) Isolation() Isolation { return t.isolation }

// Rollback requests that this attempt be abandoned once the computation
// returns, without retrying: the computation's own return value still
// propagates to Run's caller, but no writes are published and every
// pending commute future is cancelled.
func (t *Transaction) Rollback() {
	t.rollbackRequested = true
}

// awaitCommit blocks the calling (reader) worker until this transaction
// either finishes committing, or its announced commit version is known
// to already satisfy vWanted.
func (t *Transaction) awaitCommit(vWanted int64) {
	t.announceMu.Lock()
	ann := t.announce
	t.announceMu.Unlock()
	if ann == nil {
		return
	}
	select {
	case <-ann.versionFuture.Done():
		if w, err := ann.versionFuture.Wait(); err == nil && vWanted < w {
			return
		}
	default:
	}
	<-ann.gate
}

// entryFor returns the working-set entry for key, cloning it into this
// transaction's active savepoint on first touch (copy-on-write across
// the savepoint chain) or constructing a fresh one via factory.
func (t *Transaction) entryFor(key atomKey, factory func() boundEntry) boundEntry {
	if _, touched := t.head.touched[key]; touched {
		return t.head.entries[key]
	}
	if e, ok := t.head.entries[key]; ok {
		cloned := e.clone()
		t.head.entries[key] = cloned
		t.head.touched[key] = struct{}{}
		return cloned
	}
	e := factory()
	t.head.entries[key] = e
	t.head.touched[key] = struct{}{}
	return e
}

// Read performs an isolation-qualified read of atom within tx.
func Read[T any](tx *Transaction, atom *TransactionalAtom[T]) (T, error) {
	var zero T
	e := tx.entryFor(atom, func() boundEntry { return newEntry(atom) }).(*entry[T])
	if e.dirty {
		return e.pending, nil
	}

	switch tx.isolation {
	case ReadCommitted:
		return atom.GetLatestValue(), nil
	case RepeatableRead:
		tx.ensureReadVersion()
		return atom.ReadAt(tx.readVersion)
	case Serializable:
		tx.ensureReadVersion()
		if err := e.realizeLock(tx, hlock.ModeShared); err != nil {
			return zero, err
		}
		if atom.GetLatestVersion() > tx.readVersion {
			return zero, ErrTransactionIsolation
		}
		return atom.ReadAt(tx.readVersion)
	default:
		return zero, errors.New("stm: unknown isolation level")
	}
}

// Write buffers v as atom's pending value within tx, to be published at
// commit.
func Write[T any](tx *Transaction, atom *TransactionalAtom[T], v T) (T, error) {
	var zero T
	e := tx.entryFor(atom, func() boundEntry { return newEntry(atom) }).(*entry[T])

	if err := e.realizeLock(tx, hlock.ModeExclusive); err != nil {
		return zero, err
	}
	// RepeatableRead/Serializable validate against the pinned read
	// version; ReadCommitted establishes one only through Pin, so an RC
	// write without a prior Pin has nothing to validate against.
	if tx.hasReadVersion && atom.GetLatestVersion() > tx.readVersion {
		return zero, ErrTransactionIsolation
	}
	if !atom.Validate(v) {
		return zero, ErrValidation
	}
	e.recordPreIfNeeded()
	e.pending = v
	e.dirty = true
	return v, nil
}

// Pin reads atom's value, always taking a shared lock and validating the
// version regardless of isolation level.
func Pin[T any](tx *Transaction, atom *TransactionalAtom[T]) (T, error) {
	var zero T
	e := tx.entryFor(atom, func() boundEntry { return newEntry(atom) }).(*entry[T])
	if e.dirty {
		return e.pending, nil
	}

	tx.ensureReadVersion()
	if err := e.realizeLock(tx, hlock.ModeShared); err != nil {
		return zero, err
	}
	if atom.GetLatestVersion() > tx.readVersion {
		return zero, ErrTransactionIsolation
	}
	return atom.ReadAt(tx.readVersion)
}

// EnqueueCommute buffers a commutative update against atom within tx,
// returning a Future settled at commit (or rollback).
func EnqueueCommute[T any](tx *Transaction, atom *TransactionalAtom[T], f func(T) T) *future.Future[T] {
	fut := future.New[T]()
	e := tx.entryFor(atom, func() boundEntry { return newEntry(atom) }).(*entry[T])

	if tx.isolation == Serializable {
		if err := e.realizeLock(tx, hlock.ModeExclusive); err != nil {
			fut.Reject(err)
			return fut
		}
		if tx.hasReadVersion && atom.GetLatestVersion() > tx.readVersion {
			fut.Reject(ErrTransactionIsolation)
			return fut
		}
	}

	e.commutes = append(e.commutes, commuteOp[T]{fn: f, fut: fut})
	return fut
}

func (t *Transaction) ensureReadVersion() {
	if !t.hasReadVersion {
		t.readVersion = version.NewPinnedVersion()
		t.hasReadVersion = true
	}
}

func (t *Transaction) entriesSnapshot() []boundEntry {
	out := make([]boundEntry, 0, len(t.head.entries))
	for _, e := range t.head.entries {
		out = append(out, e)
	}
	return out
}

func (t *Transaction) collectAsyncActionsChronological() []asyncAction {
	var chain []*savepoint
	for s := t.head; s != nil; s = s.prev {
		chain = append(chain, s)
	}
	var out []asyncAction
	for i := len(chain) - 1; i >= 0; i-- {
		out = append(out, chain[i].asyncActions...)
	}
	return out
}

// commit is the linear ten-step commit sequence of §4.4.4.
func (t *Transaction) commit() error {
	entries := t.entriesSnapshot()
	asyncActions := t.collectAsyncActionsChronological()

	// 1. Apply commutes.
	for _, e := range entries {
		if err := e.applyCommutes(t); err != nil {
			return err
		}
	}

	// 2. Release the read pin.
	if t.hasReadVersion {
		version.Unpin(t.readVersion)
	}

	// 3. Announce the commit.
	ann := newCommitAnnouncement()
	t.announceMu.Lock()
	t.announce = ann
	t.announceMu.Unlock()

	// 4. Mark all dirty atoms.
	var dirty []boundEntry
	for _, e := range entries {
		if e.isDirty() {
			if err := e.markForCommit(t); err != nil {
				return err
			}
			dirty = append(dirty, e)
		}
	}

	// 5. Allocate commit version, append, unmark.
	w := version.NewPinnedVersion()
	ann.versionFuture.Resolve(w)
	o := version.OldestPinned()
	for _, e := range dirty {
		e.commitAppend(t, w, o)
		e.unmark()
	}
	version.Unpin(w)

	// 6. Drop all locks.
	for _, e := range entries {
		e.releaseLock()
	}
	t.head = newSavepoint(nil)
	t.hasReadVersion = false

	// 7. Publish pending commute futures.
	for _, e := range entries {
		e.resolvePendingFutures()
	}

	// 8. Submit buffered asynchronous actions.
	for _, aa := range asyncActions {
		aa.submit()
	}

	// 9. Open the commit-announcement gate.
	close(ann.gate)

	// 10. Notify watchers.
	for _, e := range dirty {
		e.notifyIfChanged()
	}
	return nil
}

// fullRollback discards the entire transaction's state: every queued
// commute future is cancelled, every held lock released, any pinned read
// version unpinned, and any in-flight commit announcement cleared.
func (t *Transaction) fullRollback() {
	for _, e := range t.entriesSnapshot() {
		e.truncateAndCancel(0)
		_ = e.realizeLock(t, hlock.ModeNone)
		e.unmark()
	}
	for s := t.head; s != nil; s = s.prev {
		for _, aa := range s.asyncActions {
			aa.cancel()
		}
	}
	if t.hasReadVersion {
		version.Unpin(t.readVersion)
		t.hasReadVersion = false
	}
	t.announceMu.Lock()
	t.announce = nil
	t.announceMu.Unlock()
	t.head = newSavepoint(nil)
}

// Run installs and drives a transaction to completion, retrying on
// recoverable isolation or deadlock failures up to the default bounds.
func Run[R any](isolation Isolation, fn func(*Transaction) (R, error)) (R, error) {
	return run[R](isolation, DefaultMaxIsolationFailures, DefaultMaxDeadlockFailures, fn)
}

// RunWithBudgets is Run with explicit retry bounds, per §6's
// "max_isolation_failures"/"max_deadlock_failures" configuration options:
// the recoverable-failure counters are bounded by maxIsolationFailures and
// maxDeadlockFailures respectively rather than the package defaults.
func RunWithBudgets[R any](isolation Isolation, maxIsolationFailures, maxDeadlockFailures int, fn func(*Transaction) (R, error)) (R, error) {
	return run[R](isolation, maxIsolationFailures, maxDeadlockFailures, fn)
}

// RunNonIdempotent drives a transaction with both retry bounds set to 1,
// so any recoverable failure still surfaces rather than silently
// re-executing a side-effectful computation.
func RunNonIdempotent[R any](isolation Isolation, fn func(*Transaction) (R, error)) (R, error) {
	return run[R](isolation, 1, 1, fn)
}

func run[R any](isolation Isolation, maxIsolationFailures, maxDeadlockFailures int, fn func(*Transaction) (R, error)) (R, error) {
	var zero R
	isolationFailures := 0
	deadlockFailures := 0

	for {
		t := newTransaction(isolation)
		if err := installCurrent(t); err != nil {
			return zero, err
		}

		// Atom.Get panics with read errors; isolation and deadlock ones are retried.
		result, err := func() (r R, err error) {
			defer func() {
				if p := recover(); p != nil {
					perr, ok := p.(error)
					if !ok || !(errors.Is(perr, ErrTransactionIsolation) || errors.Is(perr, ErrDeadlockDetected)) {
						t.fullRollback()
						clearCurrent()
						panic(p)
					}
					err = perr
				}
			}()
			return fn(t)
		}()
		if err == nil {
			if t.rollbackRequested {
				t.fullRollback()
				clearCurrent()
				return result, nil
			}
			if cerr := t.commit(); cerr != nil {
				err = cerr
			} else {
				clearCurrent()
				return result, nil
			}
		}

		t.fullRollback()
		clearCurrent()

		switch {
		case errors.Is(err, ErrTransactionIsolation):
			isolationFailures++
			log.Debug().Int("attempt", isolationFailures).Int("budget", maxIsolationFailures).
				Str("isolation", isolation.String()).Msg("retrying after isolation failure")
			if isolationFailures < maxIsolationFailures {
				continue
			}
			return zero, err
		case errors.Is(err, ErrDeadlockDetected):
			deadlockFailures++
			log.Debug().Int("attempt", deadlockFailures).Int("budget", maxDeadlockFailures).
				Str("isolation", isolation.String()).Msg("retrying after deadlock detected")
			if deadlockFailures < maxDeadlockFailures {
				continue
			}
			return zero, err
		default:
			return zero, err
		}
	}
}
