package synth

import (
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/voxloop/voice-loop/internal/audio"
	"github.com/voxloop/voice-loop/internal/observability"
	"github.com/voxloop/voice-loop/internal/pipeline/cancel"
	"github.com/voxloop/voice-loop/internal/playback"
)

// Config tunes the synthesis path.
type Config struct {
	NativeRate   int // engine output, mono
	PlaybackRate int // canonical sink format, stereo

	CoalesceTargetMs int
	CoalesceFloorMs  int
	CoalesceTimeout  time.Duration
	FullSentenceMode bool          // render the whole sentence before any enqueue
	SentenceSlice    time.Duration // >0: slice full-sentence audio into slabs
	InterSentenceGap time.Duration // silence between sentences
}

// Synthesizer turns sentence requests into playback chunks. One worker
// goroutine renders sentences strictly in arrival order; the cancellation
// flag is checked at every safe point, and no chunk is enqueued after the
// flag is observed set.
type Synthesizer struct {
	cfg    Config
	engine Engine
	flag   *cancel.Flag
	out    *playback.QueueRef
	logger zerolog.Logger

	up   *audio.Upconverter
	coal *audio.Coalescer

	sentences chan string
	active    atomic.Bool // synthesis in progress for the current sentence
	done      chan struct{}
	exited    chan struct{}
}

// NewSynthesizer creates a synthesizer writing into the queue behind out.
func NewSynthesizer(cfg Config, engine Engine, flag *cancel.Flag, out *playback.QueueRef) *Synthesizer {
	playFmt := audio.Format{SampleRate: cfg.PlaybackRate, Channels: 2}
	return &Synthesizer{
		cfg:    cfg,
		engine: engine,
		flag:   flag,
		out:    out,
		logger: observability.ForComponent("synth"),
		up:     audio.NewUpconverter(cfg.NativeRate, cfg.PlaybackRate),
		coal: audio.NewCoalescer(audio.CoalescerConfig{
			Format:       playFmt,
			TargetMs:     cfg.CoalesceTargetMs,
			FloorMs:      cfg.CoalesceFloorMs,
			FlushTimeout: cfg.CoalesceTimeout,
		}),
		sentences: make(chan string, 64),
		done:      make(chan struct{}),
		exited:    make(chan struct{}),
	}
}

// Start launches the render worker.
func (s *Synthesizer) Start() {
	go s.run()
}

// Stop shuts the worker down. Pending sentences are abandoned.
func (s *Synthesizer) Stop() {
	close(s.done)
	select {
	case <-s.exited:
	case <-time.After(2 * time.Second):
		s.logger.Warn().Msg("Synthesis worker did not exit in time")
	}
}

// Enqueue hands one sentence to the worker. Returns false when the sentence
// queue is full (the worker is wedged; dropping beats blocking the router).
func (s *Synthesizer) Enqueue(sentence string) bool {
	select {
	case s.sentences <- sentence:
		return true
	default:
		observability.RecordError("sentence_queue_full", "synth")
		s.logger.Warn().Str("sentence", sentence).Msg("Sentence queue full, dropping")
		return false
	}
}

// Pending returns the number of sentences not yet picked up by the worker.
func (s *Synthesizer) Pending() int {
	return len(s.sentences)
}

// Active reports whether a sentence is currently being rendered.
func (s *Synthesizer) Active() bool {
	return s.active.Load()
}

// Idle reports no pending sentences and no render in progress.
func (s *Synthesizer) Idle() bool {
	return len(s.sentences) == 0 && !s.active.Load()
}

// DrainSentences discards every queued sentence without rendering.
func (s *Synthesizer) DrainSentences() {
	for {
		select {
		case <-s.sentences:
		default:
			return
		}
	}
}

// WaitUntilDrained blocks until every enqueued sentence has been consumed
// and rendering is idle, or the timeout elapses. The drain barrier for
// stream finish.
func (s *Synthesizer) WaitUntilDrained(timeout time.Duration) bool {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if s.Idle() || s.flag.IsSet() {
			return true
		}
		time.Sleep(20 * time.Millisecond)
	}
	s.logger.Warn().Dur("timeout", timeout).Msg("Sentence drain barrier timed out")
	return false
}

func (s *Synthesizer) run() {
	defer close(s.exited)
	for {
		select {
		case <-s.done:
			return
		case sentence := <-s.sentences:
			s.processSentence(sentence)
		}
	}
}

func (s *Synthesizer) processSentence(sentence string) {
	if s.flag.IsSet() {
		observability.RecordSentence("canceled", 0)
		return
	}

	s.active.Store(true)
	start := time.Now()
	defer s.active.Store(false)

	// Converter and coalescer state never crosses sentences
	s.up.Reset()
	s.coal.Reset()

	var outcome string
	if s.cfg.FullSentenceMode {
		outcome = s.renderFull(sentence)
	} else {
		outcome = s.renderStreaming(sentence)
	}
	observability.RecordSentence(outcome, time.Since(start))

	if outcome == "completed" && s.cfg.InterSentenceGap > 0 && !s.flag.IsSet() {
		gap := s.PlayFormat().Silence(s.cfg.InterSentenceGap)
		s.out.Get().Put(playback.Chunk{PCM: gap})
	}
}

// renderStreaming converts and enqueues audio as the engine produces it.
func (s *Synthesizer) renderStreaming(sentence string) string {
	canceled := false
	var grown []byte

	err := s.engine.Synthesize(sentence, func(raw []byte) {
		if canceled || s.flag.IsSet() {
			canceled = true
			return
		}
		converted := s.up.Convert(raw)
		if s.flag.IsSet() {
			canceled = true
			return
		}
		grown = append(grown, converted...)
		chunk := s.coal.OfferGrown(grown)
		if chunk == nil {
			return
		}
		if s.flag.IsSet() {
			canceled = true
			return
		}
		s.put(chunk, sentence)
	})

	if err != nil {
		// Engine failure cancels this sentence only; the turn continues.
		observability.RecordError("engine", "synth")
		s.logger.Error().Err(err).Str("sentence", sentence).Msg("Synthesis failed")
		tryStop(s.engine, s.logger)
		return "error"
	}
	if canceled || s.flag.IsSet() {
		// Remainder stays discarded: no flush after cancellation
		tryStop(s.engine, s.logger)
		return "canceled"
	}

	if rem := s.coal.Flush(); rem != nil && !s.flag.IsSet() {
		s.put(rem, sentence)
	}
	return "completed"
}

// renderFull accumulates the entire raw rendering before converting. A
// cancellation before completion discards everything accumulated.
func (s *Synthesizer) renderFull(sentence string) string {
	canceled := false
	var raw []byte

	err := s.engine.Synthesize(sentence, func(inc []byte) {
		if canceled || s.flag.IsSet() {
			canceled = true
			return
		}
		raw = append(raw, inc...)
	})

	if err != nil {
		observability.RecordError("engine", "synth")
		s.logger.Error().Err(err).Str("sentence", sentence).Msg("Synthesis failed")
		tryStop(s.engine, s.logger)
		return "error"
	}
	if canceled || s.flag.IsSet() {
		tryStop(s.engine, s.logger)
		return "canceled"
	}

	converted := s.up.Convert(raw)
	if s.flag.IsSet() {
		return "canceled"
	}

	if s.cfg.SentenceSlice > 0 {
		slab := s.PlayFormat().BytesFor(s.cfg.SentenceSlice)
		for off := 0; off < len(converted); off += slab {
			if s.flag.IsSet() {
				return "canceled"
			}
			end := off + slab
			if end > len(converted) {
				end = len(converted)
			}
			s.put(converted[off:end], sentence)
		}
	} else {
		s.put(converted, sentence)
	}
	return "completed"
}

func (s *Synthesizer) put(pcm []byte, sentence string) {
	if len(pcm) == 0 {
		return
	}
	if !s.out.Get().Put(playback.Chunk{PCM: pcm, Label: sentence}) {
		s.logger.Debug().Int("bytes", len(pcm)).Msg("Audio queue rejected chunk")
	}
}

// PlayFormat returns the canonical playback format chunks are emitted in.
func (s *Synthesizer) PlayFormat() audio.Format {
	return audio.Format{SampleRate: s.cfg.PlaybackRate, Channels: 2}
}
