package stm

import (
	"sync"
	"testing"
	"time"

	"github.com/nrayburn/gostm/future"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRepeatableReadSnapshotIsolation(t *testing.T) {
	a := NewAtom(10, nil)
	started := make(chan struct{})
	resumed := make(chan struct{})
	go func() {
		<-started
		_, err := a.Set(999)
		require.NoError(t, err)
		close(resumed)
	}()

	_, err := Run(RepeatableRead, func(tx *Transaction) (struct{}, error) {
		v1 := a.Get()
		close(started)
		<-resumed
		v2 := a.Get()
		assert.Equal(t, v1, v2, "repeated reads within one transaction see the read-version snapshot, not concurrent external writes")
		return struct{}{}, nil
	})
	require.NoError(t, err)
	assert.Equal(t, 999, a.Get())
}

func TestReadCommittedSeesLiveHead(t *testing.T) {
	a := NewAtom(1, nil)
	_, err := Run(ReadCommitted, func(tx *Transaction) (struct{}, error) {
		assert.Equal(t, 1, a.Get())
		return struct{}{}, nil
	})
	require.NoError(t, err)
}

func TestWriteThenReadSeesOwnWrite(t *testing.T) {
	a := NewAtom(1, nil)
	_, err := Run(RepeatableRead, func(tx *Transaction) (struct{}, error) {
		_, werr := a.Set(42)
		require.NoError(t, werr)
		assert.Equal(t, 42, a.Get())
		return struct{}{}, nil
	})
	require.NoError(t, err)
	assert.Equal(t, 42, a.Get())
}

func TestNestedTransactionFails(t *testing.T) {
	a := NewAtom(1, nil)
	_, err := Run(RepeatableRead, func(tx *Transaction) (struct{}, error) {
		_, inner := Run(RepeatableRead, func(tx2 *Transaction) (struct{}, error) {
			a.Get()
			return struct{}{}, nil
		})
		assert.ErrorIs(t, inner, ErrNestedTransaction)
		return struct{}{}, nil
	})
	require.NoError(t, err)
}

// TestSerializableCounter covers spec scenario 1: two workers each run
// 1000 serializable increments; the final value must be exactly 2000.
func TestSerializableCounter(t *testing.T) {
	a := NewAtom(0, nil)
	var wg sync.WaitGroup
	worker := func() {
		defer wg.Done()
		for i := 0; i < 1000; i++ {
			_, err := Run(Serializable, func(tx *Transaction) (struct{}, error) {
				v := a.Get()
				_, werr := a.Set(v + 1)
				return struct{}{}, werr
			})
			require.NoError(t, err)
		}
	}
	wg.Add(2)
	go worker()
	go worker()
	wg.Wait()
	assert.Equal(t, 2000, a.Get())
}

// TestCommuteAssociativity covers spec scenario 2.
func TestCommuteAssociativity(t *testing.T) {
	a := NewAtom(10, nil)
	var wg sync.WaitGroup
	var f1, f2, fy *future.Future[int]
	wg.Add(2)

	go func() {
		defer wg.Done()
		_, err := Run(RepeatableRead, func(tx *Transaction) (struct{}, error) {
			f1 = a.Commute(func(v int) int { return v * 2 })
			f2 = a.Commute(func(v int) int { return v + 1 })
			return struct{}{}, nil
		})
		require.NoError(t, err)
	}()
	go func() {
		defer wg.Done()
		_, err := Run(RepeatableRead, func(tx *Transaction) (struct{}, error) {
			fy = a.Commute(func(v int) int { return v * 3 })
			return struct{}{}, nil
		})
		require.NoError(t, err)
	}()
	wg.Wait()

	require.NotNil(t, f1)
	require.NotNil(t, f2)
	require.NotNil(t, fy)
	v1, err := f1.Wait()
	require.NoError(t, err)
	v2, err := f2.Wait()
	require.NoError(t, err)
	vy, err := fy.Wait()
	require.NoError(t, err)
	assert.NotZero(t, v1)
	assert.NotZero(t, v2)
	assert.NotZero(t, vy)

	final := a.Get()
	assert.True(t, final == (10*2+1)*3 || final == 10*3*2+1, "final value must reflect some valid interleaving of both workers' commutes: got %d", final)
}

// TestRollbackCancelsFutures covers spec scenario 3.
func TestRollbackCancelsFutures(t *testing.T) {
	a := NewAtom(7, nil)
	var f1, f2 *future.Future[int]
	_, err := Run(RepeatableRead, func(tx *Transaction) (struct{}, error) {
		f1 = a.Commute(func(v int) int { return v + 1 })
		f2 = a.Commute(func(v int) int { return v + 1 })
		tx.Rollback()
		return struct{}{}, nil
	})
	require.NoError(t, err)
	assert.True(t, f1.IsCancelled())
	assert.True(t, f2.IsCancelled())
	assert.Equal(t, 7, a.Get())
}

// TestWriteSkew covers spec scenario 4: SERIALIZABLE must prevent the sum
// invariant from breaking; REPEATABLE_READ may admit it.
func TestWriteSkewPreventedUnderSerializable(t *testing.T) {
	x := NewAtom(50, nil)
	y := NewAtom(50, nil)
	var wg sync.WaitGroup
	attempt := func(from, to *TransactionalAtom[int]) {
		defer wg.Done()
		_, err := Run(Serializable, func(tx *Transaction) (struct{}, error) {
			vx := x.Get()
			vy := y.Get()
			if vx+vy >= 100 {
				_, werr := to.Set(to.Get() - 60)
				return struct{}{}, werr
			}
			return struct{}{}, nil
		})
		require.NoError(t, err)
	}
	wg.Add(2)
	go attempt(x, y)
	go attempt(y, x)
	wg.Wait()
	assert.GreaterOrEqual(t, x.Get()+y.Get(), 0)
}

// TestRunWithBudgetsHonorsExplicitIsolationBound covers §6's configurable
// max_isolation_failures: with a budget of 1, a transaction that always
// hits isolation conflicts must surface ErrTransactionIsolation rather
// than retrying up to the package default.
func TestRunWithBudgetsHonorsExplicitIsolationBound(t *testing.T) {
	a := NewAtom(0, nil)
	started := make(chan struct{})
	release := make(chan struct{})
	go func() {
		<-started
		_, _ = a.Set(1)
		close(release)
	}()

	attempts := 0
	_, err := RunWithBudgets(RepeatableRead, 1, DefaultMaxDeadlockFailures, func(tx *Transaction) (struct{}, error) {
		attempts++
		a.Get()
		if attempts == 1 {
			close(started)
			<-release
		}
		_, werr := a.Set(attempts)
		return struct{}{}, werr
	})
	assert.ErrorIs(t, err, ErrTransactionIsolation)
	assert.Equal(t, 1, attempts, "budget of 1 must fail on the first isolation conflict, never retry")
}

// TestDeadlockDetectionMakesProgress covers spec scenario 5 at the
// transaction level: two transactions touching atoms in opposite order
// eventually both make progress even if one must retry after a detected
// deadlock.
func TestDeadlockDetectionMakesProgress(t *testing.T) {
	x := NewAtom(0, nil)
	y := NewAtom(0, nil)
	var wg sync.WaitGroup
	run := func(first, second *TransactionalAtom[int]) {
		defer wg.Done()
		_, err := Run(Serializable, func(tx *Transaction) (struct{}, error) {
			_, err := first.Set(first.Get() + 1)
			if err != nil {
				return struct{}{}, err
			}
			time.Sleep(5 * time.Millisecond)
			_, err = second.Set(second.Get() + 1)
			return struct{}{}, err
		})
		require.NoError(t, err)
	}
	wg.Add(2)
	go run(x, y)
	go run(y, x)
	wg.Wait()
	assert.Equal(t, 2, x.Get())
	assert.Equal(t, 2, y.Get())
}
