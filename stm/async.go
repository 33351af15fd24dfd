package stm

import "github.com/nrayburn/gostm/future"

// AsyncExecutor hands a fully-formed task to whatever backs an
// asynchronous atom; the STM core never inspects the task, only
// sequences when it is submitted. This is the minimal contract consumed
// from the async-atom collaborator per §4.5 — the async atom's own
// blocked/resumed state machine and its `restart` cancel-or-retain
// behavior are out of scope for this package (see design notes).
type AsyncExecutor func(task func())

// asyncAction is one buffered submission, queued on a savepoint's
// asyncActions list and handed to its executor only on commit (§4.4.4
// step 8), or dropped on rollback (§4.4.5).
type asyncAction struct {
	executor AsyncExecutor
	task     func()
	fut      *future.Future[struct{}]
}

func (a asyncAction) submit() {
	task := a.task
	a.executor(func() {
		task()
		if a.fut != nil {
			a.fut.Resolve(struct{}{})
		}
	})
}

func (a asyncAction) cancel() {
	if a.fut != nil {
		a.fut.Cancel()
	}
}

// AsyncAtom is the minimal surface a transactional integration needs from
// an asynchronous atom: somewhere to hand a deferred task once this
// transaction's writes are durably ordered.
type AsyncAtom interface {
	Executor() AsyncExecutor
}

// EnqueueAsync buffers task against atom's executor on tx's active
// savepoint. Outside a transaction, the task is submitted immediately.
func EnqueueAsync(tx *Transaction, atom AsyncAtom, task func()) *future.Future[struct{}] {
	fut := future.New[struct{}]()
	action := asyncAction{executor: atom.Executor(), task: task, fut: fut}
	if tx == nil {
		action.submit()
		return fut
	}
	tx.head.asyncActions = append(tx.head.asyncActions, action)
	return fut
}
