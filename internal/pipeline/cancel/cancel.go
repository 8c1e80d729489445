// Package cancel provides the shared turn-scoped cancellation flag.
//
// Cancellation is cooperative: producers check the flag at every safe point
// and stop emitting; nothing is preempted. The flag is the only cross-worker
// mutable state besides the voice level, and both tolerate stale reads
// because every consumer re-checks before an irreversible action.
package cancel

import "sync/atomic"

// Flag is a turn-scoped cancellation signal. Set by the interrupt path,
// cleared by reset before the next turn.
type Flag struct {
	set atomic.Bool
}

// New creates a cleared flag.
func New() *Flag {
	return &Flag{}
}

// Set raises the signal.
func (f *Flag) Set() {
	f.set.Store(true)
}

// Clear lowers the signal for the next turn.
func (f *Flag) Clear() {
	f.set.Store(false)
}

// IsSet reports whether cancellation has been requested.
func (f *Flag) IsSet() bool {
	return f.set.Load()
}
