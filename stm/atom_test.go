package stm

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNonTransactionalSetGet(t *testing.T) {
	a := NewAtom(1, nil)
	old, err := a.Set(2)
	require.NoError(t, err)
	assert.Equal(t, 2, old)
	assert.Equal(t, 2, a.Get())
}

func TestNonTransactionalUpdate(t *testing.T) {
	a := NewAtom(10, nil)
	v, err := a.Update(func(v int) int { return v + 5 })
	require.NoError(t, err)
	assert.Equal(t, 15, v)
}

func TestValidatorRejectsInvalidWrite(t *testing.T) {
	a := NewAtom(10, func(v int) bool { return v >= 0 })
	_, err := a.Set(-1)
	assert.ErrorIs(t, err, ErrValidation)
	assert.Equal(t, 10, a.Get())
}

func TestNonTransactionalCommuteResolvesImmediately(t *testing.T) {
	a := NewAtom(10, nil)
	fut := a.Commute(func(v int) int { return v * 2 })
	v, err := fut.Wait()
	require.NoError(t, err)
	assert.Equal(t, 20, v)
	assert.Equal(t, 20, a.Get())
}

func TestWatcherReceivesNetChange(t *testing.T) {
	a := NewAtom(0, nil)
	var gotOld, gotNew int
	calls := 0
	w := func(atom *TransactionalAtom[int], old, new int) {
		calls++
		gotOld, gotNew = old, new
	}
	a.AddWatcher(w)
	_, err := a.Set(5)
	require.NoError(t, err)
	assert.Equal(t, 1, calls)
	assert.Equal(t, 0, gotOld)
	assert.Equal(t, 5, gotNew)

	a.RemoveWatcher(w)
	_, err = a.Set(6)
	require.NoError(t, err)
	assert.Equal(t, 1, calls, "removed watcher must not fire again")
}

func TestWatcherSetSemanticsDedupDuplicateRegistration(t *testing.T) {
	a := NewAtom(0, nil)
	calls := 0
	w := func(atom *TransactionalAtom[int], old, new int) { calls++ }
	a.AddWatcher(w)
	a.AddWatcher(w)
	_, err := a.Set(1)
	require.NoError(t, err)
	assert.Equal(t, 1, calls)
}

func TestWatcherPanicSwallowed(t *testing.T) {
	a := NewAtom(0, nil)
	a.AddWatcher(func(atom *TransactionalAtom[int], old, new int) {
		panic("boom")
	})
	assert.NotPanics(t, func() {
		_, err := a.Set(1)
		require.NoError(t, err)
	})
}

func TestWithFairLocksSelectsFIFOQueuing(t *testing.T) {
	a := NewAtom(0, nil, WithFairLocks())
	assert.True(t, a.lock.IsFair())
	b := NewAtom(0, nil)
	assert.False(t, b.lock.IsFair())
}

func TestNewChildAtomSharesLockHierarchy(t *testing.T) {
	parent := NewAtom(0, nil)
	child := parent.NewChild(0, nil)
	ph, err := parent.ExclusiveLock()
	require.NoError(t, err)
	// Another goroutine must be refused; the parent's holder would reenter.
	got := make(chan error, 1)
	go func() {
		h, err := child.lock.TryAcquireExclusive()
		if err == nil {
			h.Release()
		}
		got <- err
	}()
	assert.Error(t, <-got)
	require.NoError(t, ph.Release())
}
