package graphdb

import "sync"

// keyedMutex serializes work per graph while letting distinct graphs
// proceed concurrently. The registry map itself is guarded by a global
// mutex held only long enough to find or create the per-key entry.
type keyedMutex struct {
	mu    *sync.Mutex
	pools map[string]*dbPool
	locks map[string]*sync.Mutex
}

func newKeyedMutex() keyedMutex {
	return keyedMutex{
		mu:    &sync.Mutex{},
		pools: make(map[string]*dbPool),
		locks: make(map[string]*sync.Mutex),
	}
}

// withKey runs fn with the per-graph lock held, creating the pool entry on
// first use.
func (k keyedMutex) withKey(graphID string, fn func(*dbPool)) {
	k.mu.Lock()
	lock, ok := k.locks[graphID]
	if !ok {
		lock = &sync.Mutex{}
		k.locks[graphID] = lock
		k.pools[graphID] = &dbPool{graphID: graphID}
	}
	dp := k.pools[graphID]
	k.mu.Unlock()

	lock.Lock()
	defer lock.Unlock()
	fn(dp)
}

// global runs fn under the registry lock and reports its result.
func (k keyedMutex) global(fn func() bool) bool {
	k.mu.Lock()
	defer k.mu.Unlock()
	return fn()
}

// keys snapshots the known graph IDs.
func (k keyedMutex) keys() []string {
	k.mu.Lock()
	defer k.mu.Unlock()
	out := make([]string, 0, len(k.pools))
	for id := range k.pools {
		out = append(out, id)
	}
	return out
}

// drop forgets a graph's entry. The caller must have already closed its
// connections.
func (k keyedMutex) drop(graphID string) {
	k.mu.Lock()
	defer k.mu.Unlock()
	delete(k.pools, graphID)
	delete(k.locks, graphID)
}
