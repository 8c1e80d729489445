package pipeline

import (
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/voxloop/voice-loop/internal/observability"
	"github.com/voxloop/voice-loop/internal/pipeline/cancel"
	"github.com/voxloop/voice-loop/internal/playback"
	"github.com/voxloop/voice-loop/internal/synth"
)

// AudioSink is the slice of the playback sink the router drives: hard stop.
// Everything else the sink does is between it and its queue.
type AudioSink interface {
	Stop()
}

// SinkFactory builds and starts a fresh playback sink reading from q.
// Called at router construction and again on every interrupt.
type SinkFactory func(q *playback.Queue) (AudioSink, error)

// Router converts a live word stream into sentence-sized synthesis requests
// and owns the turn-level interrupt/reset state machine. The synthesizer and
// sink are its children: it creates them, swaps them on interrupt, and tears
// them down on close.
type Router struct {
	flag        *cancel.Flag
	synthesizer *synth.Synthesizer
	queueRef    *playback.QueueRef
	sinkFactory SinkFactory
	logger      zerolog.Logger

	mu   sync.Mutex
	sink AudioSink

	words []string // pending partial sentence
}

// NewRouter wires a router around an already-constructed synthesizer and the
// shared queue ref. The factory's first sink is started here.
func NewRouter(flag *cancel.Flag, synthesizer *synth.Synthesizer, queueRef *playback.QueueRef, factory SinkFactory) (*Router, error) {
	r := &Router{
		flag:        flag,
		synthesizer: synthesizer,
		queueRef:    queueRef,
		sinkFactory: factory,
		logger:      observability.ForComponent("router"),
	}

	sink, err := factory(queueRef.Get())
	if err != nil {
		return nil, err
	}
	r.sink = sink
	return r, nil
}

// AddWords appends a fragment to the pending buffer and emits every complete
// sentence it closes, in order. A fragment may close more than one sentence;
// a trailing partial sentence stays buffered.
func (r *Router) AddWords(fragment string) {
	for _, tok := range strings.Fields(fragment) {
		r.words = append(r.words, tok)
	}

	for {
		end := -1
		for i, tok := range r.words {
			if endsSentence(tok) {
				end = i
				break
			}
		}
		if end < 0 {
			return
		}
		r.emit(r.words[:end+1])
		r.words = append([]string(nil), r.words[end+1:]...)
	}
}

// FinishStream flushes any remaining partial buffer as a forced-final
// sentence, then blocks until the synthesizer has consumed everything
// enqueued (the drain barrier), or the timeout elapses.
func (r *Router) FinishStream(timeout time.Duration) {
	if len(r.words) > 0 {
		r.emit(r.words)
		r.words = nil
	}
	r.synthesizer.WaitUntilDrained(timeout)
}

// InterruptNow is the hard-cancel path: raise the cancellation signal, kill
// playback, purge both queues, then replace the audio queue and the sink
// with fresh instances. The swap, not a clear, is what makes this race-free:
// a chunk in flight toward the old queue at the moment of interrupt lands in
// a queue nothing reads anymore.
func (r *Router) InterruptNow() {
	r.flag.Set()

	r.mu.Lock()
	old := r.sink
	r.mu.Unlock()
	if old != nil {
		old.Stop()
	}

	r.synthesizer.DrainSentences()

	fresh := playback.NewQueue()
	stale := r.queueRef.Swap(fresh)
	stale.Close()

	sink, err := r.sinkFactory(fresh)
	if err != nil {
		observability.RecordError("sink_respawn", "router")
		r.logger.Error().Err(err).Msg("Failed to start replacement sink after interrupt")
	}
	r.mu.Lock()
	r.sink = sink
	r.mu.Unlock()

	r.words = nil
	r.logger.Info().Msg("Interrupted: playback cut, queues swapped")
}

// Reset drains both queues, clears the word buffer and the cancellation
// signal, re-arming for the next turn.
func (r *Router) Reset() {
	r.synthesizer.DrainSentences()
	r.queueRef.Get().Drain()
	r.words = nil
	r.flag.Clear()
}

// Idle reports both queues empty and no synthesis in progress.
func (r *Router) Idle() bool {
	return r.synthesizer.Idle() && r.queueRef.Get().Empty()
}

// Close stops the synthesizer worker and the current sink.
func (r *Router) Close() {
	r.synthesizer.Stop()
	r.mu.Lock()
	sink := r.sink
	r.mu.Unlock()
	if sink != nil {
		sink.Stop()
	}
}

func (r *Router) emit(tokens []string) {
	sentence := joinWords(tokens)
	if sentence == "" {
		return
	}
	r.logger.Debug().Str("sentence", sentence).Msg("Sentence complete")
	r.synthesizer.Enqueue(sentence)
}

// endsSentence reports whether a token closes a sentence: a standalone
// punctuation token, or a word ending in . ! or ?.
func endsSentence(tok string) bool {
	if tok == "" {
		return false
	}
	switch tok[len(tok)-1] {
	case '.', '!', '?':
		return true
	}
	return false
}

var punctJoin = strings.NewReplacer(" .", ".", " !", "!", " ?", "?", " ,", ",", " ;", ";", " :", ":")

// joinWords joins tokens with single spaces and removes space-before-
// punctuation artifacts. A punctuation-only sentence collapses to "".
func joinWords(tokens []string) string {
	s := strings.TrimSpace(punctJoin.Replace(strings.Join(tokens, " ")))
	if strings.Trim(s, ".!?,;: ") == "" {
		return ""
	}
	return s
}
