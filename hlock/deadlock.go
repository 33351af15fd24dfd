package hlock

import "sync"

// waitGraph is the process-wide waits-for multigraph: an edge from worker A
// to worker B records that A is currently blocked on a lock held (or
// queued ahead) by B. It is consulted, under its own mutex, immediately
// before a worker would park, and is the only place in this package that
// reasons about more than one Lock node at a time.
type waitGraph struct {
	mu    sync.Mutex
	edges map[uint64]map[uint64]struct{}
}

// deadlocks is the single package-wide waits-for graph, per the spec's
// "three globals" design note (the others being the version counter and
// pinned-version map, both in package version).
var deadlocks = &waitGraph{edges: make(map[uint64]map[uint64]struct{})}

func (g *waitGraph) addEdges(from uint64, to map[uint64]struct{}) {
	if len(to) == 0 {
		return
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	set := g.edges[from]
	if set == nil {
		set = make(map[uint64]struct{}, len(to))
		g.edges[from] = set
	}
	for w := range to {
		set[w] = struct{}{}
	}
}

func (g *waitGraph) removeEdges(from uint64) {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.edges, from)
}

// wouldCycle runs a depth-first search from each worker in `to`, looking
// for a path back to `from`. A hit means parking `from` on these blockers
// would complete a cycle in the waits-for graph, i.e. a deadlock.
func (g *waitGraph) wouldCycle(from uint64, to map[uint64]struct{}) bool {
	if len(to) == 0 {
		return false
	}
	g.mu.Lock()
	defer g.mu.Unlock()

	visited := make(map[uint64]bool)
	var dfs func(n uint64) bool
	dfs = func(n uint64) bool {
		if n == from {
			return true
		}
		if visited[n] {
			return false
		}
		visited[n] = true
		for next := range g.edges[n] {
			if dfs(next) {
				return true
			}
		}
		return false
	}

	for w := range to {
		if w == from {
			continue
		}
		if dfs(w) {
			log.Debug().Uint64("worker", from).Uint64("via", w).Msg("deadlock cycle detected, refusing to park")
			return true
		}
	}
	return false
}
