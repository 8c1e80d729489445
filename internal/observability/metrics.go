package observability

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Turn metrics
	turnsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "voiceloop_turns_total",
		Help: "Total number of conversational turns",
	})

	interruptsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "voiceloop_interrupts_total",
		Help: "Total number of barge-in interrupts",
	}, []string{"phase"}) // phase: "stream" or "playback"

	turnDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "voiceloop_turn_duration_seconds",
		Help:    "Duration of a conversational turn in seconds",
		Buckets: []float64{1, 2, 5, 10, 20, 40, 60, 120},
	})

	questionToSpeech = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "voiceloop_question_to_speech_seconds",
		Help:    "Latency from question end to first audible speech",
		Buckets: []float64{0.25, 0.5, 0.75, 1.0, 1.5, 2.0, 3.0, 5.0},
	})

	// LLM metrics
	llmFirstToken = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "voiceloop_llm_first_token_seconds",
		Help:    "LLM time to first token",
		Buckets: []float64{0.1, 0.25, 0.5, 1.0, 2.0, 5.0},
	})

	llmRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "voiceloop_llm_requests_total",
		Help: "Total number of LLM streaming requests",
	}, []string{"backend", "status"})

	// Synthesis metrics
	sentencesSynthesized = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "voiceloop_sentences_total",
		Help: "Sentences handed to the synthesizer",
	}, []string{"outcome"}) // outcome: "completed", "canceled", "error"

	synthesisLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "voiceloop_synthesis_seconds",
		Help:    "Wall time to synthesize one sentence",
		Buckets: []float64{0.1, 0.25, 0.5, 1.0, 2.0, 5.0},
	})

	// Playback metrics
	audioBytesOut = promauto.NewCounter(prometheus.CounterOpts{
		Name: "voiceloop_audio_bytes_out_total",
		Help: "PCM bytes written to the playback sink",
	})

	chunksDropped = promauto.NewCounter(prometheus.CounterOpts{
		Name: "voiceloop_chunks_dropped_total",
		Help: "Audio chunks dropped after a failed respawn-and-retry",
	})

	sinkRespawns = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "voiceloop_sink_respawns_total",
		Help: "Playback process respawns",
	}, []string{"reason"}) // reason: "probe_fallback", "died", "write_failed"

	// Error metrics
	errorsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "voiceloop_errors_total",
		Help: "Total number of errors",
	}, []string{"type", "component"})

	// Circuit breaker metrics (STT connection)
	circuitBreakerState = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "voiceloop_circuit_breaker_state",
		Help: "Circuit breaker state (0=closed, 1=open, 2=half-open)",
	}, []string{"service"})

	circuitBreakerFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "voiceloop_circuit_breaker_failures_total",
		Help: "Total circuit breaker failures",
	}, []string{"service"})
)

// TurnMetrics tracks latency checkpoints for a single conversational turn.
// One writer (the orchestrator goroutine); the question-end timestamp is the
// reference point for the question-to-speech histogram.
type TurnMetrics struct {
	turnID      string
	startTime   time.Time
	questionEnd time.Time
	llmStart    time.Time
	firstSpeech bool
	mu          sync.Mutex
}

// NewTurnMetrics starts tracking a turn
func NewTurnMetrics(turnID string) *TurnMetrics {
	turnsTotal.Inc()
	return &TurnMetrics{
		turnID:    turnID,
		startTime: time.Now(),
	}
}

// RecordQuestionEnd marks the moment the user finished the question
func (m *TurnMetrics) RecordQuestionEnd() {
	m.mu.Lock()
	m.questionEnd = time.Now()
	m.mu.Unlock()
}

// RecordLLMStart marks the start of the LLM request
func (m *TurnMetrics) RecordLLMStart() {
	m.mu.Lock()
	m.llmStart = time.Now()
	m.mu.Unlock()
}

// RecordLLMFirstToken observes time-to-first-token for the current request
func (m *TurnMetrics) RecordLLMFirstToken() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.llmStart.IsZero() {
		llmFirstToken.Observe(time.Since(m.llmStart).Seconds())
	}
}

// RecordFirstSpeech observes question-end to first audible audio, once per turn
func (m *TurnMetrics) RecordFirstSpeech() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.firstSpeech {
		return
	}
	m.firstSpeech = true
	if !m.questionEnd.IsZero() {
		questionToSpeech.Observe(time.Since(m.questionEnd).Seconds())
	}
}

// RecordTurnEnd closes out the turn
func (m *TurnMetrics) RecordTurnEnd(interrupted bool, phase string) {
	turnDuration.Observe(time.Since(m.startTime).Seconds())
	if interrupted {
		interruptsTotal.WithLabelValues(phase).Inc()
	}
}

// RecordLLMRequest records the outcome of an LLM streaming request
func RecordLLMRequest(backend string, success bool) {
	status := "success"
	if !success {
		status = "error"
	}
	llmRequests.WithLabelValues(backend, status).Inc()
}

// RecordSentence records the outcome of one sentence synthesis
func RecordSentence(outcome string, elapsed time.Duration) {
	sentencesSynthesized.WithLabelValues(outcome).Inc()
	if outcome == "completed" {
		synthesisLatency.Observe(elapsed.Seconds())
	}
}

// RecordAudioOut records PCM bytes written to the sink
func RecordAudioOut(bytes int) {
	audioBytesOut.Add(float64(bytes))
}

// RecordChunkDropped records a chunk dropped after retry gave up
func RecordChunkDropped() {
	chunksDropped.Inc()
}

// RecordSinkRespawn records a playback process respawn
func RecordSinkRespawn(reason string) {
	sinkRespawns.WithLabelValues(reason).Inc()
}

// RecordError records an error by type and component
func RecordError(errorType, component string) {
	errorsTotal.WithLabelValues(errorType, component).Inc()
}

// UpdateCircuitBreakerState updates circuit breaker state metric
func UpdateCircuitBreakerState(service string, state int) {
	circuitBreakerState.WithLabelValues(service).Set(float64(state))
}

// IncrementCircuitBreakerFailures increments circuit breaker failure counter
func IncrementCircuitBreakerFailures(service string) {
	circuitBreakerFailures.WithLabelValues(service).Inc()
}
