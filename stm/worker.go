package stm

import (
	"sync"

	"github.com/nrayburn/gostm/hlock"
)

// workerTransactions maps a goroutine (worker) ID, per hlock.CallerID, to
// the Transaction it is currently running. Go has no native thread-local
// storage; this mirrors the goroutine-id-keyed lookup idiom used for
// hlock's own waits-for bookkeeping, applied here to transaction identity
// instead of lock identity.
var (
	workerMu  sync.Mutex
	workerTxs = map[uint64]*Transaction{}
)

// installCurrent binds t as the current transaction for the calling
// worker. It fails with ErrNestedTransaction if one is already installed.
func installCurrent(t *Transaction) error {
	id := hlock.CallerID()
	workerMu.Lock()
	defer workerMu.Unlock()
	if _, ok := workerTxs[id]; ok {
		return ErrNestedTransaction
	}
	workerTxs[id] = t
	return nil
}

// clearCurrent removes the current worker's transaction binding.
func clearCurrent() {
	id := hlock.CallerID()
	workerMu.Lock()
	defer workerMu.Unlock()
	delete(workerTxs, id)
}

// CurrentTransaction returns the Transaction running on the calling
// worker, if any.
func CurrentTransaction() (*Transaction, bool) {
	id := hlock.CallerID()
	workerMu.Lock()
	defer workerMu.Unlock()
	t, ok := workerTxs[id]
	return t, ok
}
