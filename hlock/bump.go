package hlock

import "sync"

// bump is a broadcast-once-then-replace channel, the same "close to wake
// everyone, swap in a fresh channel" shape as ilock.Mutex's sync.Cond, but
// expressed as a channel so a waiter can select on it alongside a timeout
// or a context's Done channel (sync.Cond.Wait offers no such escape hatch).
//
// Every release or demotion anywhere in the forest fires the single
// package-wide bump, which nudges every parked acquire loop to re-attempt
// progress at its own node. This trades a little precision (a change to
// one subtree wakes waiters elsewhere too) for a much simpler correctness
// argument: progress is driven by re-validation under the node's own
// mutex, never by trusting a stale "you can go now" signal.
type bump struct {
	mu sync.Mutex
	ch chan struct{}
}

func newBump() *bump {
	return &bump{ch: make(chan struct{})}
}

func (b *bump) C() <-chan struct{} {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.ch
}

func (b *bump) Fire() {
	b.mu.Lock()
	old := b.ch
	b.ch = make(chan struct{})
	b.mu.Unlock()
	close(old)
}

var globalBump = newBump()
