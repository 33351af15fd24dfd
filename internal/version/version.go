// Package version implements the process-wide monotonic version counter
// and pinned-version multiset that the STM core uses for multi-version
// concurrency control: every committed write gets a new version, and a
// version stays pinned (and therefore un-collectible) for as long as any
// reader's snapshot still needs it.
//
// Grounded on the acquire/release reference-counted Checkpoint idiom in
// dacapoday-smol's atom.Atom ("Acquire returns ... acquired checkpoint for
// reading ... caller must call ckpt.Release() when done"): a pinned
// version here plays exactly that role, just keyed by version number
// instead of by a Checkpoint value, and aggregated across every
// transactional atom in the process rather than scoped to one Atom.
package version

import (
	"sync"
	"sync/atomic"
)

type pinEntry struct {
	version int64
	count   int
}

// Registry is a monotonic version counter plus the multiset of versions
// currently pinned against garbage collection.
type Registry struct {
	counter atomic.Int64

	mu   sync.Mutex
	pins []pinEntry // sorted ascending by version; small by construction
}

// NewRegistry returns a fresh Registry starting at version 0.
func NewRegistry() *Registry {
	return &Registry{}
}

// Current returns the counter's present value without allocating or
// pinning a new version.
func (r *Registry) Current() int64 {
	return r.counter.Load()
}

// NewPinnedVersion atomically allocates the next version and pins it,
// while also momentarily pinning the prior counter value across the
// increment. Without that prior-pin step, a concurrent commit could
// observe zero pins (between this call reading the old counter and
// pinning the new one) and garbage-collect data the new transaction
// intends to read.
func (r *Registry) NewPinnedVersion() int64 {
	r.mu.Lock()
	defer r.mu.Unlock()

	prior := r.counter.Load()
	r.pinLocked(prior)
	next := r.counter.Add(1)
	r.pinLocked(next)
	r.unpinLocked(prior)
	return next
}

// Pin increments the pin count for v, inserting it into the pinned set on
// the 0->1 transition.
func (r *Registry) Pin(v int64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.pinLocked(v)
}

// Unpin decrements the pin count for v, removing it from the pinned set
// on the 1->0 transition.
func (r *Registry) Unpin(v int64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.unpinLocked(v)
}

// OldestPinned returns the minimum pinned version, or Current() if
// nothing is pinned.
func (r *Registry) OldestPinned() int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.pins) == 0 {
		return r.counter.Load()
	}
	return r.pins[0].version
}

func (r *Registry) search(v int64) (int, bool) {
	lo, hi := 0, len(r.pins)
	for lo < hi {
		mid := (lo + hi) / 2
		if r.pins[mid].version < v {
			lo = mid + 1
		} else {
			hi = mid
		}
	}
	if lo < len(r.pins) && r.pins[lo].version == v {
		return lo, true
	}
	return lo, false
}

func (r *Registry) pinLocked(v int64) {
	idx, found := r.search(v)
	if found {
		r.pins[idx].count++
		return
	}
	r.pins = append(r.pins, pinEntry{})
	copy(r.pins[idx+1:], r.pins[idx:])
	r.pins[idx] = pinEntry{version: v, count: 1}
}

func (r *Registry) unpinLocked(v int64) {
	idx, found := r.search(v)
	if !found {
		return
	}
	r.pins[idx].count--
	if r.pins[idx].count <= 0 {
		r.pins = append(r.pins[:idx], r.pins[idx+1:]...)
	}
}

// global is the single process-wide registry every TransactionalAtom and
// Transaction shares, per the spec's "three globals" design note.
var global = NewRegistry()

// Current returns the process-wide counter's present value.
func Current() int64 { return global.Current() }

// NewPinnedVersion allocates and pins the next process-wide version.
func NewPinnedVersion() int64 { return global.NewPinnedVersion() }

// Pin pins v in the process-wide registry.
func Pin(v int64) { global.Pin(v) }

// Unpin unpins v in the process-wide registry.
func Unpin(v int64) { global.Unpin(v) }

// OldestPinned returns the process-wide oldest pinned version.
func OldestPinned() int64 { return global.OldestPinned() }
