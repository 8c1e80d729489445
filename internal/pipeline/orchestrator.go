package pipeline

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/voxloop/voice-loop/internal/barge"
	"github.com/voxloop/voice-loop/internal/observability"
	"github.com/voxloop/voice-loop/internal/pipeline/cancel"
)

// Events receives turn lifecycle notifications for the live monitor feed.
type Events interface {
	Publish(kind string, fields map[string]interface{})
}

// OrchestratorConfig tunes the per-turn state machine.
type OrchestratorConfig struct {
	WordDelay        time.Duration // pacing between forwarded words
	Quiet            time.Duration // continuous quiet required after interrupt
	QuietTimeout     time.Duration
	QuietBelowFactor float64
	DrainTimeout     time.Duration // bound on the stream-finish barrier
	PlaybackTimeout  time.Duration // bound on the playback wait
	IdleConfirm      time.Duration // guards against momentary queue emptiness
	PollInterval     time.Duration
}

func (c *OrchestratorConfig) applyDefaults() {
	if c.DrainTimeout <= 0 {
		c.DrainTimeout = 30 * time.Second
	}
	if c.PlaybackTimeout <= 0 {
		c.PlaybackTimeout = 120 * time.Second
	}
	if c.IdleConfirm <= 0 {
		c.IdleConfirm = 150 * time.Millisecond
	}
	if c.PollInterval <= 0 {
		c.PollInterval = 30 * time.Millisecond
	}
}

// Orchestrator drives one conversational turn: Streaming, then PlaybackWait,
// ending Interrupted or Idle. It talks to the other workers only through the
// router's queues and the shared flags.
type Orchestrator struct {
	cfg    OrchestratorConfig
	router *Router
	gate   *barge.Gate
	flag   *cancel.Flag
	events Events
	logger zerolog.Logger

	turn atomic.Pointer[observability.TurnMetrics]
}

// NewOrchestrator creates the turn driver. events may be nil.
func NewOrchestrator(cfg OrchestratorConfig, router *Router, gate *barge.Gate, flag *cancel.Flag, events Events) *Orchestrator {
	cfg.applyDefaults()
	return &Orchestrator{
		cfg:    cfg,
		router: router,
		gate:   gate,
		flag:   flag,
		events: events,
		logger: observability.ForComponent("orchestrator"),
	}
}

// NoteFirstPlay marks the first audible audio of the current turn. Handed to
// the sink factory as its first-play callback.
func (o *Orchestrator) NoteFirstPlay() {
	if t := o.turn.Load(); t != nil {
		t.RecordFirstSpeech()
	}
}

// RunTurn streams LLM words into the router while watching the gate, then
// waits out playback. Returns true when the user barged in. abort is the
// LLM's best-effort stream abort; it runs only on a mid-stream interrupt.
// The caller resets the router before the next turn.
func (o *Orchestrator) RunTurn(ctx context.Context, turn *observability.TurnMetrics, words <-chan string, abort func()) bool {
	o.turn.Store(turn)
	defer o.turn.Store(nil)
	o.gate.ResetTrigger()

	o.publish("turn_start", nil)

	// Streaming: forward words, watching the gate between each
streaming:
	for {
		select {
		case <-ctx.Done():
			if abort != nil {
				abort()
			}
			go discardWords(words)
			o.router.InterruptNow()
			turn.RecordTurnEnd(false, "")
			return false
		case w, ok := <-words:
			if !ok {
				break streaming
			}
			if o.gate.Triggered() {
				if abort != nil {
					abort()
				}
				go discardWords(words)
				o.interrupt(turn, "stream")
				return true
			}
			o.router.AddWords(w)
			if o.cfg.WordDelay > 0 {
				time.Sleep(o.cfg.WordDelay)
			}
		}
	}

	o.router.FinishStream(o.cfg.DrainTimeout)

	// PlaybackWait: poll the gate and the idle condition
	deadline := time.Now().Add(o.cfg.PlaybackTimeout)
	for time.Now().Before(deadline) {
		if o.gate.Triggered() {
			o.interrupt(turn, "playback")
			return true
		}
		if o.router.Idle() {
			// One bounded confirmation wait: a queue can look empty between
			// an offer and the matching enqueue
			time.Sleep(o.cfg.IdleConfirm)
			if o.router.Idle() {
				if o.gate.Triggered() {
					o.interrupt(turn, "playback")
					return true
				}
				turn.RecordTurnEnd(false, "")
				o.publish("turn_idle", nil)
				return false
			}
		}
		time.Sleep(o.cfg.PollInterval)
	}

	// A hung collaborator must not wedge the turn
	o.logger.Warn().Dur("timeout", o.cfg.PlaybackTimeout).Msg("Playback wait timed out, proceeding")
	turn.RecordTurnEnd(false, "")
	return false
}

func (o *Orchestrator) interrupt(turn *observability.TurnMetrics, phase string) {
	o.logger.Info().Str("phase", phase).Msg("Barge-in, cutting turn")
	o.router.InterruptNow()
	o.publish("interrupt", map[string]interface{}{"phase": phase})

	// Never re-listen into the trailing audio tail
	o.gate.WaitForQuiet(o.cfg.Quiet, o.cfg.QuietTimeout, o.cfg.QuietBelowFactor)
	o.gate.ResetTrigger()
	turn.RecordTurnEnd(true, phase)
}

// discardWords unblocks the stream producer after an interrupt cut the
// forwarding loop short. The producer closes the channel once its own
// cancellation lands, ending the drain.
func discardWords(words <-chan string) {
	for range words {
	}
}

func (o *Orchestrator) publish(kind string, fields map[string]interface{}) {
	if o.events != nil {
		o.events.Publish(kind, fields)
	}
}
