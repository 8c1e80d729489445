package playback

import (
	"sync/atomic"
	"time"
)

// Chunk is one playable unit of canonical-format PCM. Label carries the
// sentence text it belongs to, or "" for silence and padding. Ownership
// transfers on enqueue; a chunk is consumed exactly once.
type Chunk struct {
	PCM   []byte
	Label string
}

// Queue is the hand-off between the synthesizer and one sink's worker. It is
// never shared across interrupts: the interrupt path replaces the whole queue
// with a fresh instance, so a chunk in flight toward an old queue can never
// surface after the swap.
type Queue struct {
	ch     chan Chunk
	closed atomic.Bool
}

// NewQueue creates a queue with enough capacity that the synthesizer never
// blocks on a healthy sink.
func NewQueue() *Queue {
	return &Queue{ch: make(chan Chunk, 1024)}
}

// Put enqueues a chunk. Returns false when the queue is closed or full;
// the caller drops the chunk (a full queue means the sink is wedged and
// backpressure onto the synthesis worker would stall cancellation checks).
func (q *Queue) Put(c Chunk) bool {
	if q.closed.Load() {
		return false
	}
	select {
	case q.ch <- c:
		return true
	default:
		return false
	}
}

// Get dequeues the next chunk, waiting up to timeout. The bounded wait keeps
// the sink worker responsive to its stopping flag.
func (q *Queue) Get(timeout time.Duration) (Chunk, bool) {
	select {
	case c := <-q.ch:
		return c, true
	case <-time.After(timeout):
		return Chunk{}, false
	}
}

// Len returns the number of queued chunks.
func (q *Queue) Len() int {
	return len(q.ch)
}

// Empty reports whether no chunks are queued.
func (q *Queue) Empty() bool {
	return len(q.ch) == 0
}

// Close marks the queue closed and discards everything queued. Closed queues
// reject further puts; the underlying channel is left open so a racing
// producer can never panic.
func (q *Queue) Close() {
	q.closed.Store(true)
	q.Drain()
}

// Drain discards all currently queued chunks without waiting.
func (q *Queue) Drain() {
	for {
		select {
		case <-q.ch:
		default:
			return
		}
	}
}
