package stm

import (
	"fmt"

	"github.com/nrayburn/gostm/future"
	"github.com/nrayburn/gostm/hlock"
)

// atomKey identifies a TransactionalAtom[T] in a transaction's working
// set regardless of T: the atom's own pointer, boxed. Two boxed pointers
// compare equal iff they are the same atom.
type atomKey = any

// boundEntry is the type-erased vtable a Transaction uses to manipulate
// one atom's working-set entry without knowing its value type T, per the
// design note on polymorphism: only the operations the runtime needs at
// the working-set/commit/rollback boundary are exposed.
type boundEntry interface {
	lockMode() hlock.Mode
	realizeLock(tx *Transaction, desired hlock.Mode) error
	releaseLock()

	isDirty() bool
	hasCommutes() bool

	applyCommutes(tx *Transaction) error
	commitAppend(tx *Transaction, commitVersion, oldestPinned int64)
	notifyIfChanged()

	markForCommit(tx *Transaction) error
	unmark()

	clone() boundEntry
	truncateAndCancel(priorLen int)
	commuteLen() int

	resolvePendingFutures()
}

type commuteOp[T any] struct {
	fn     func(T) T
	fut    *future.Future[T]
	result T
}

// entry is one transaction's working-set state for a single atom: its
// pending value, dirty flag, current/no-longer-needed lock bookkeeping,
// and queued commute operations. It satisfies boundEntry.
type entry[T any] struct {
	atom *TransactionalAtom[T]

	mode   hlock.Mode
	handle *hlock.Handle

	dirty   bool
	pending T

	hasPre bool
	pre    T

	commutes []commuteOp[T]
}

func newEntry[T any](a *TransactionalAtom[T]) *entry[T] {
	return &entry[T]{atom: a}
}

func (e *entry[T]) lockMode() hlock.Mode { return e.mode }

// realizeLock transitions the atom's real hierarchical lock from e.mode
// to desired, per the "realize lock state" routine (§4.4.2): NONE->SHARED
// and NONE->EXCLUSIVE acquire, SHARED->EXCLUSIVE promotes,
// EXCLUSIVE->SHARED demotes, anything ->NONE releases.
func (e *entry[T]) realizeLock(tx *Transaction, desired hlock.Mode) error {
	if e.mode == desired {
		return nil
	}
	switch {
	case e.mode == hlock.ModeNone && desired == hlock.ModeShared:
		h, err := e.atom.SharedLock()
		if err != nil {
			return err
		}
		e.handle, e.mode = h, hlock.ModeShared
	case e.mode == hlock.ModeNone && desired == hlock.ModeExclusive:
		h, err := e.atom.ExclusiveLock()
		if err != nil {
			return err
		}
		e.handle, e.mode = h, hlock.ModeExclusive
	case e.mode == hlock.ModeShared && desired == hlock.ModeExclusive:
		if err := e.handle.PromoteToExclusive(); err != nil {
			return err
		}
		e.mode = hlock.ModeExclusive
	case e.mode == hlock.ModeExclusive && desired == hlock.ModeShared:
		if err := e.handle.DemoteToShared(); err != nil {
			return err
		}
		e.mode = hlock.ModeShared
	case desired == hlock.ModeNone:
		e.releaseLock()
	default:
		return fmt.Errorf("%w: unreachable lock transition %v->%v", ErrInternalConsistency, e.mode, desired)
	}
	return nil
}

func (e *entry[T]) releaseLock() {
	if e.handle != nil {
		e.handle.Release()
		e.handle = nil
	}
	e.mode = hlock.ModeNone
}

func (e *entry[T]) isDirty() bool      { return e.dirty }
func (e *entry[T]) hasCommutes() bool  { return len(e.commutes) > 0 }
func (e *entry[T]) commuteLen() int    { return len(e.commutes) }

func (e *entry[T]) recordPreIfNeeded() {
	if !e.hasPre {
		e.pre = e.atom.GetLatestValue()
		e.hasPre = true
	}
}

// applyCommutes is commit step 1 for this atom: take the atom's exclusive
// lock (held until commit step 6, so concurrent commuters are applied one
// after another), read a commutative base value (no version validation,
// since commute functions are assumed commutative), apply every queued
// function in order, and record each intermediate result for later
// future resolution.
func (e *entry[T]) applyCommutes(tx *Transaction) error {
	if len(e.commutes) == 0 {
		return nil
	}
	e.recordPreIfNeeded()

	if err := e.realizeLock(tx, hlock.ModeExclusive); err != nil {
		return err
	}
	var err error
	base := e.pending
	if !e.dirty {
		if tx.hasReadVersion {
			base, err = e.atom.ReadAt(tx.readVersion)
		} else {
			base = e.atom.GetLatestValue()
		}
	}
	if err != nil {
		return err
	}

	accum := base
	for i := range e.commutes {
		accum = e.commutes[i].fn(accum)
		if !e.atom.Validate(accum) {
			return ErrValidation
		}
		e.commutes[i].result = accum
	}

	e.pending = accum
	e.dirty = true
	return nil
}

// commitAppend is commit step 5 for this atom: publish the pending value
// as the new head at commitVersion and GC below oldestPinned.
func (e *entry[T]) commitAppend(tx *Transaction, commitVersion, oldestPinned int64) {
	if !e.dirty {
		return
	}
	e.recordPreIfNeeded()
	e.atom.Append(e.pending, commitVersion, oldestPinned)
}

func (e *entry[T]) notifyIfChanged() {
	if !e.dirty || !e.hasPre {
		return
	}
	e.atom.notifyWatchers(e.pre, e.pending)
}

func (e *entry[T]) markForCommit(tx *Transaction) error {
	if !e.dirty {
		return nil
	}
	return e.atom.MarkForCommit(tx)
}

func (e *entry[T]) unmark() {
	if e.dirty {
		e.atom.Unmark()
	}
}

// clone returns a shallow copy of e, used when a savepoint first touches
// an atom it inherited from its predecessor, so mutation never reaches
// back into an ancestor savepoint's view.
func (e *entry[T]) clone() boundEntry {
	cp := *e
	cp.commutes = append([]commuteOp[T]{}, e.commutes...)
	return &cp
}

// truncateAndCancel drops every commute queued after priorLen (the
// length this entry had at the enclosing savepoint) and cancels their
// futures, per rollback_to's "commute futures are moved to Cancelled."
func (e *entry[T]) truncateAndCancel(priorLen int) {
	if priorLen >= len(e.commutes) {
		return
	}
	for i := priorLen; i < len(e.commutes); i++ {
		e.commutes[i].fut.Cancel()
	}
	e.commutes = e.commutes[:priorLen]
}

// resolvePendingFutures fulfills every queued commute's future with the
// intermediate value recorded for it during applyCommutes. Called from
// commit step 7, after locks are dropped and the commit is final.
func (e *entry[T]) resolvePendingFutures() {
	for i := range e.commutes {
		e.commutes[i].fut.Resolve(e.commutes[i].result)
	}
}
