package stm

import "github.com/nrayburn/gostm/hlock"

// savepoint is a checkpoint in a transaction's working set: it carries a
// copy-on-write view of every atom touched so far (inherited entries are
// shared by reference with its predecessor until first mutated) plus the
// asynchronous actions enqueued while it was the active head.
type savepoint struct {
	prev         *savepoint
	entries      map[atomKey]boundEntry
	touched      map[atomKey]struct{} // keys cloned or created while this frame was head
	asyncActions []asyncAction
}

func newSavepoint(prev *savepoint) *savepoint {
	entries := make(map[atomKey]boundEntry)
	if prev != nil {
		for k, v := range prev.entries {
			entries[k] = v
		}
	}
	return &savepoint{prev: prev, entries: entries, touched: make(map[atomKey]struct{})}
}

// Handle identifies a savepoint to roll back to. It is returned by
// Transaction.Savepoint and names the state as of just before that call.
type Handle struct {
	sp *savepoint
}

// Savepoint inserts a new head savepoint and returns a handle naming the
// state immediately prior to this call.
func (t *Transaction) Savepoint() Handle {
	prior := t.head
	t.head = newSavepoint(t.head)
	return Handle{sp: prior}
}

// RollbackTo discards every savepoint more recent than h: queued commute
// futures enqueued since are cancelled, lock-state transitions recorded
// since are reverted, and a fresh head savepoint is installed on top.
func (t *Transaction) RollbackTo(h Handle) error {
	found := false
	for s := t.head; s != nil; s = s.prev {
		if s == h.sp {
			found = true
			break
		}
	}
	if !found {
		return ErrInvalidSavepoint
	}
	if t.head == h.sp {
		return nil
	}

	for t.head != h.sp {
		cur := t.head
		for key := range cur.touched {
			e := cur.entries[key]
			priorMode := hlock.ModeNone
			priorLen := 0
			if cur.prev != nil {
				if priorEntry, ok := cur.prev.entries[key]; ok {
					priorMode = priorEntry.lockMode()
					priorLen = priorEntry.commuteLen()
				}
			}
			e.truncateAndCancel(priorLen)
			if err := e.realizeLock(t, priorMode); err != nil {
				return err
			}
		}
		for _, aa := range cur.asyncActions {
			aa.cancel()
		}
		t.head = cur.prev
	}
	t.head = newSavepoint(t.head)
	return nil
}
