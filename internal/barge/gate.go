package barge

import (
	"math"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/voxloop/voice-loop/internal/audio"
	"github.com/voxloop/voice-loop/internal/observability"
)

// GateConfig tunes the barge-in detector.
type GateConfig struct {
	Threshold   float64       // normalized mean-abs energy [0,1]
	Hold        time.Duration // energy must stay at/above threshold this long
	LogInterval time.Duration // level log rate limit
}

// Gate watches microphone energy for sustained speech during playback. A
// rising edge starts a hold timer; one dip below threshold resets it; only
// continuous energy for the full hold duration latches the trigger. The
// latched flag stays set until ResetTrigger.
//
// HandleFrame is the single writer of all detection state. Triggered and
// Level are read lock-free by other goroutines; a stale read is harmless
// because every consumer re-checks before acting.
type Gate struct {
	cfg    GateConfig
	logger zerolog.Logger
	now    func() time.Time

	triggered atomic.Bool
	degraded  atomic.Bool
	level     atomic.Uint64 // float64 bits of the latest energy estimate

	// HandleFrame-only state
	holdActive bool
	holdStart  time.Time
	lastLog    time.Time
}

// NewGate creates a detector with the given tuning.
func NewGate(cfg GateConfig) *Gate {
	return &Gate{
		cfg:    cfg,
		logger: observability.ForComponent("barge"),
		now:    time.Now,
	}
}

// HandleFrame processes one microphone frame. Called from the capture
// source's reader goroutine; must stay cheap.
func (g *Gate) HandleFrame(samples []int16) {
	level := audio.MeanAbsLevel(samples)
	g.level.Store(math.Float64bits(level))

	now := g.now()
	if g.cfg.LogInterval > 0 && now.Sub(g.lastLog) >= g.cfg.LogInterval {
		g.lastLog = now
		g.logger.Debug().
			Float64("level", level).
			Float64("threshold", g.cfg.Threshold).
			Bool("triggered", g.triggered.Load()).
			Msg("Mic level")
	}

	if g.triggered.Load() {
		return
	}

	if level >= g.cfg.Threshold {
		if !g.holdActive {
			g.holdActive = true
			g.holdStart = now
			return
		}
		if now.Sub(g.holdStart) >= g.cfg.Hold {
			g.triggered.Store(true)
			g.holdActive = false
			g.logger.Info().
				Float64("level", level).
				Dur("held", now.Sub(g.holdStart)).
				Msg("Barge-in detected")
		}
		return
	}

	// One dip below threshold resets the hold timer
	g.holdActive = false
}

// Triggered reports whether sustained speech has been latched.
func (g *Gate) Triggered() bool {
	return g.triggered.Load()
}

// ResetTrigger clears the latch for the next turn. Hold state stays with
// HandleFrame, its only writer; the next sub-threshold frame resets it.
func (g *Gate) ResetTrigger() {
	g.triggered.Store(false)
}

// Level returns the most recent energy estimate.
func (g *Gate) Level() float64 {
	return math.Float64frombits(g.level.Load())
}

// SetDegraded marks the gate as running without a capture device. A
// degraded gate never triggers and quiet-waits succeed after a minimal
// delay, so the conversation continues without barge-in.
func (g *Gate) SetDegraded(on bool) {
	g.degraded.Store(on)
	if on {
		g.logger.Warn().Msg("Capture unavailable, barge-in disabled")
	}
}

// Degraded reports whether the gate is running without a capture device.
func (g *Gate) Degraded() bool {
	return g.degraded.Load()
}

// WaitForQuiet blocks until the energy estimate stays below
// threshold*belowFactor for quiet continuously, or until timeout elapses.
// Returns false on timeout. Used after an interrupt so the loop never
// re-listens into its own trailing audio.
func (g *Gate) WaitForQuiet(quiet, timeout time.Duration, belowFactor float64) bool {
	if g.degraded.Load() {
		time.Sleep(50 * time.Millisecond)
		return true
	}

	limit := g.cfg.Threshold * belowFactor
	deadline := g.now().Add(timeout)
	var quietSince time.Time

	for {
		now := g.now()
		if now.After(deadline) {
			g.logger.Warn().Dur("timeout", timeout).Msg("Quiet wait timed out")
			return false
		}

		if g.Level() < limit {
			if quietSince.IsZero() {
				quietSince = now
			}
			if now.Sub(quietSince) >= quiet {
				return true
			}
		} else {
			quietSince = time.Time{}
		}

		time.Sleep(20 * time.Millisecond)
	}
}
