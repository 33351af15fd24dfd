package hlock

import "runtime"

// CallerID returns an identifier for the calling goroutine, used wherever
// this package needs to know "which worker" is acquiring or holding a
// lock: reentrance checks, the waits-for graph, and FIFO waiter identity.
//
// Go has no public goroutine-id API; this parses the "goroutine N ..."
// prefix that runtime.Stack always emits, the same trick used to recover a
// goroutine id from inside a library (see eventloop.getGoroutineID in the
// corpus this package was adapted from).
func CallerID() uint64 {
	var buf [64]byte
	n := runtime.Stack(buf[:], false)
	var id uint64
	i := len("goroutine ")
	for ; i < n; i++ {
		c := buf[i]
		if c < '0' || c > '9' {
			break
		}
		id = id*10 + uint64(c-'0')
	}
	return id
}
