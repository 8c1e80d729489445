package audio

import (
	"time"
)

// Coalescer merges the small, irregular buffers a synthesis engine emits
// into flush-sized chunks before they reach the playback pipe. Per-increment
// writes cause pipe overhead and audible stutter; buffering a whole sentence
// kills latency. The dual size/time threshold is the trade-off knob.
type Coalescer struct {
	targetBytes  int           // emit once the accumulator holds this much
	floorBytes   int           // never emit below this on a timeout flush
	flushTimeout time.Duration

	consumed  int // bytes of the growing sentence buffer already taken
	buf       []byte
	lastFlush time.Time
	now       func() time.Time
}

// CoalescerConfig sizes the accumulator in audio time; the byte thresholds
// are derived from the playback format.
type CoalescerConfig struct {
	Format       Format
	TargetMs     int
	FloorMs      int
	FlushTimeout time.Duration
}

// NewCoalescer creates a coalescer for the given playback format.
func NewCoalescer(cfg CoalescerConfig) *Coalescer {
	c := &Coalescer{
		targetBytes:  cfg.Format.BytesFor(time.Duration(cfg.TargetMs) * time.Millisecond),
		floorBytes:   cfg.Format.BytesFor(time.Duration(cfg.FloorMs) * time.Millisecond),
		flushTimeout: cfg.FlushTimeout,
		now:          time.Now,
	}
	c.lastFlush = c.now()
	return c
}

// OfferGrown accepts the monotonically growing buffer of everything
// synthesized so far for the current sentence, appends the newly arrived
// tail to the accumulator, and returns a ready chunk when the accumulator
// reaches the target size, or when the flush timeout has elapsed and the
// accumulator is at least the floor size. Returns nil when nothing is ready.
func (c *Coalescer) OfferGrown(fullSoFar []byte) []byte {
	if len(fullSoFar) == 0 {
		return nil
	}

	var tail []byte
	if len(fullSoFar) > c.consumed {
		tail = fullSoFar[c.consumed:]
		c.consumed = len(fullSoFar)
	} else {
		// Caller handed a non-grown buffer; treat it all as fresh.
		tail = fullSoFar
	}
	c.buf = append(c.buf, tail...)

	now := c.now()
	if len(c.buf) >= c.targetBytes ||
		(now.Sub(c.lastFlush) >= c.flushTimeout && len(c.buf) >= c.floorBytes) {
		out := c.take()
		c.lastFlush = now
		return out
	}
	return nil
}

// Flush force-emits whatever remains, regardless of the floor. Used at
// sentence end so the tail is not stranded.
func (c *Coalescer) Flush() []byte {
	if len(c.buf) == 0 {
		return nil
	}
	out := c.take()
	c.lastFlush = c.now()
	return out
}

// Reset clears the consumption counter and the accumulator. Must run once
// per sentence, never mid-sentence.
func (c *Coalescer) Reset() {
	c.consumed = 0
	c.buf = c.buf[:0]
	c.lastFlush = c.now()
}

// Pending returns the bytes currently accumulated but not yet emitted.
func (c *Coalescer) Pending() int {
	return len(c.buf)
}

func (c *Coalescer) take() []byte {
	out := make([]byte, len(c.buf))
	copy(out, c.buf)
	c.buf = c.buf[:0]
	return out
}
