package barge

import (
	"testing"
	"time"
)

// frameAt builds a 20ms/16kHz frame whose normalized mean-abs level is lvl.
func frameAt(lvl float64) []int16 {
	amp := int16(lvl * 32768)
	frame := make([]int16, 320)
	for i := range frame {
		if i%2 == 0 {
			frame[i] = amp
		} else {
			frame[i] = -amp
		}
	}
	return frame
}

func newTestGate(threshold float64, hold time.Duration) (*Gate, *time.Time) {
	g := NewGate(GateConfig{Threshold: threshold, Hold: hold})
	clock := time.Unix(0, 0)
	g.now = func() time.Time { return clock }
	return g, &clock
}

func feedFor(g *Gate, clock *time.Time, lvl float64, d time.Duration) {
	frame := frameAt(lvl)
	for elapsed := time.Duration(0); elapsed <= d; elapsed += 20 * time.Millisecond {
		g.HandleFrame(frame)
		*clock = clock.Add(20 * time.Millisecond)
	}
}

func TestGate_SustainedEnergyTriggers(t *testing.T) {
	g, clock := newTestGate(0.02, 200*time.Millisecond)

	feedFor(g, clock, 0.03, 250*time.Millisecond)
	if !g.Triggered() {
		t.Error("Expected trigger after 250ms of sustained energy with 200ms hold")
	}
}

func TestGate_ShortBurstDoesNotTrigger(t *testing.T) {
	g, clock := newTestGate(0.02, 200*time.Millisecond)

	feedFor(g, clock, 0.03, 100*time.Millisecond)
	feedFor(g, clock, 0.001, 100*time.Millisecond)
	if g.Triggered() {
		t.Error("100ms burst must not trigger with a 200ms hold")
	}
}

func TestGate_DipResetsHoldTimer(t *testing.T) {
	g, clock := newTestGate(0.02, 200*time.Millisecond)

	// 150ms loud, one quiet frame, 150ms loud: neither stretch spans the hold
	feedFor(g, clock, 0.03, 150*time.Millisecond)
	g.HandleFrame(frameAt(0.001))
	*clock = clock.Add(20 * time.Millisecond)
	feedFor(g, clock, 0.03, 150*time.Millisecond)

	if g.Triggered() {
		t.Error("Hold timer must reset on a dip below threshold")
	}
}

func TestGate_TriggerLatchesUntilReset(t *testing.T) {
	g, clock := newTestGate(0.02, 200*time.Millisecond)

	feedFor(g, clock, 0.05, 300*time.Millisecond)
	if !g.Triggered() {
		t.Fatal("Expected trigger")
	}

	// Silence does not clear the latch
	feedFor(g, clock, 0.0, 500*time.Millisecond)
	if !g.Triggered() {
		t.Error("Trigger must stay latched through silence")
	}

	g.ResetTrigger()
	if g.Triggered() {
		t.Error("ResetTrigger must clear the latch")
	}
}

func TestGate_BelowThresholdNeverTriggers(t *testing.T) {
	g, clock := newTestGate(0.02, 200*time.Millisecond)

	feedFor(g, clock, 0.015, 2*time.Second)
	if g.Triggered() {
		t.Error("Sub-threshold energy must never trigger")
	}
}

func TestGate_ResetTriggerConcurrentWithFrames(t *testing.T) {
	// ResetTrigger runs on the turn loop while capture keeps delivering
	// frames; the race detector guards the overlap.
	g := NewGate(GateConfig{Threshold: 0.02, Hold: 5 * time.Millisecond})

	done := make(chan struct{})
	go func() {
		defer close(done)
		loud := frameAt(0.05)
		quiet := frameAt(0.001)
		for i := 0; i < 2000; i++ {
			g.HandleFrame(loud)
			g.HandleFrame(quiet)
		}
	}()

	for i := 0; i < 2000; i++ {
		g.ResetTrigger()
		g.Triggered()
	}
	<-done
}

func TestGate_WaitForQuiet(t *testing.T) {
	g := NewGate(GateConfig{Threshold: 0.02, Hold: 200 * time.Millisecond})

	// Level is already quiet, so the wait succeeds after the quiet window
	g.HandleFrame(frameAt(0.001))
	start := time.Now()
	if !g.WaitForQuiet(50*time.Millisecond, 1*time.Second, 0.9) {
		t.Fatal("Expected quiet wait to succeed")
	}
	if time.Since(start) < 50*time.Millisecond {
		t.Error("Quiet wait returned before the quiet window elapsed")
	}
}

func TestGate_WaitForQuietTimeout(t *testing.T) {
	g := NewGate(GateConfig{Threshold: 0.02, Hold: 200 * time.Millisecond})

	g.HandleFrame(frameAt(0.05))
	if g.WaitForQuiet(50*time.Millisecond, 150*time.Millisecond, 0.9) {
		t.Error("Expected timeout with sustained loud level")
	}
}

func TestGate_DegradedMode(t *testing.T) {
	g := NewGate(GateConfig{Threshold: 0.02, Hold: 200 * time.Millisecond})
	g.SetDegraded(true)

	if g.Triggered() {
		t.Error("Degraded gate must report not-triggered")
	}
	if !g.WaitForQuiet(10*time.Second, 20*time.Second, 0.9) {
		t.Error("Degraded quiet wait must succeed immediately")
	}
}
