package playback

import "sync"

// QueueRef is the indirection that makes the interrupt queue-swap race-free.
// The synthesizer and the router both hold the ref, never a queue directly;
// the interrupt path swaps the cell's contents, so a chunk in flight toward
// the old queue lands in a queue nothing reads anymore.
type QueueRef struct {
	mu sync.RWMutex
	q  *Queue
}

// NewQueueRef creates a ref pointing at q.
func NewQueueRef(q *Queue) *QueueRef {
	return &QueueRef{q: q}
}

// Get returns the current queue.
func (r *QueueRef) Get() *Queue {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.q
}

// Swap installs a fresh queue and returns the old one.
func (r *QueueRef) Swap(next *Queue) *Queue {
	r.mu.Lock()
	defer r.mu.Unlock()
	old := r.q
	r.q = next
	return old
}
