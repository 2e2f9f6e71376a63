package pool

import "sync/atomic"

// Handle publishes an immutable Pool to concurrent readers.
//
// A reload builds a complete new Pool first and swaps it in atomically:
// readers either see the old pool in full or the new one in full, never a
// partial rebuild. A failed rebuild simply never swaps, leaving the
// previous good pool serving.
type Handle struct {
	current atomic.Pointer[Pool]
}

// NewHandle creates a handle serving the given pool.
func NewHandle(p *Pool) *Handle {
	h := &Handle{}
	h.current.Store(p)
	return h
}

// Current returns the pool snapshot to use for one query. Callers must
// hold on to the returned pool for the whole query rather than call
// Current repeatedly, so a concurrent swap cannot split one query across
// two snapshots.
func (h *Handle) Current() *Pool {
	return h.current.Load()
}

// Swap publishes a freshly built pool.
func (h *Handle) Swap(p *Pool) {
	h.current.Store(p)
}
