package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/voxloop/voice-loop/internal/barge"
	"github.com/voxloop/voice-loop/internal/config"
	"github.com/voxloop/voice-loop/internal/llm"
	"github.com/voxloop/voice-loop/internal/mic"
	"github.com/voxloop/voice-loop/internal/monitor"
	"github.com/voxloop/voice-loop/internal/observability"
	"github.com/voxloop/voice-loop/internal/pipeline"
	"github.com/voxloop/voice-loop/internal/pipeline/cancel"
	"github.com/voxloop/voice-loop/internal/playback"
	"github.com/voxloop/voice-loop/internal/stt"
	"github.com/voxloop/voice-loop/internal/synth"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "configuration error: %v\n", err)
		os.Exit(1)
	}

	observability.InitLogger(cfg.LogLevel, cfg.LogPretty)
	logger := observability.GetLogger()
	logger.Info().
		Str("llm_backend", cfg.LLMBackend).
		Bool("stt", cfg.STTEnabled).
		Bool("full_sentence", cfg.FullSentenceMode).
		Msg("Starting voice loop")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	hub := monitor.NewHub()
	defer hub.Close()

	llmClient, err := llm.New(cfg)
	if err != nil {
		logger.Fatal().Err(err).Msg("LLM client setup failed")
	}
	go func() {
		warmCtx, cancelWarm := context.WithTimeout(ctx, 30*time.Second)
		defer cancelWarm()
		if err := llmClient.Prewarm(warmCtx); err != nil {
			logger.Warn().Err(err).Msg("Prewarm failed, first answer will be slower")
		}
	}()

	// Shared turn state
	flag := cancel.New()
	gate := barge.NewGate(barge.GateConfig{
		Threshold:   cfg.BargeInThreshold,
		Hold:        time.Duration(cfg.BargeInHoldMs) * time.Millisecond,
		LogInterval: time.Duration(cfg.BargeInLogEveryMs) * time.Millisecond,
	})

	// Speech recognition (optional)
	var recognizer *stt.GatedRecognizer
	if cfg.STTEnabled {
		dg := stt.NewDeepgramClient(cfg)
		if err := dg.Start(); err != nil {
			logger.Fatal().Err(err).Msg("Speech recognition setup failed")
		}
		recognizer = stt.NewGatedRecognizer(dg)
		defer recognizer.Close()
	}

	// One capture process feeds both the barge-in gate and recognition
	micSrc := mic.NewProcessSource(mic.ProcessConfig{
		Command:    cfg.MicCommand,
		Device:     cfg.MicDevice,
		SampleRate: cfg.MicSampleRate,
		FrameMs:    cfg.MicFrameMs,
	})
	if err := micSrc.Start(func(samples []int16) {
		gate.HandleFrame(samples)
		if recognizer != nil {
			recognizer.HandleFrame(samples)
		}
	}); err != nil {
		logger.Warn().Err(err).Msg("Microphone unavailable")
		gate.SetDegraded(true)
	}
	defer micSrc.Stop()

	// Synthesis and playback
	engine := synth.NewProcessEngine(synth.ProcessEngineConfig{
		Command:    cfg.TTSCommand,
		ModelPath:  cfg.TTSModelPath,
		SampleRate: cfg.SynthSampleRate,
	})
	queueRef := playback.NewQueueRef(playback.NewQueue())
	synthesizer := synth.NewSynthesizer(synth.Config{
		NativeRate:       cfg.SynthSampleRate,
		PlaybackRate:     cfg.PlaybackSampleRate,
		CoalesceTargetMs: cfg.CoalesceTargetMs,
		CoalesceFloorMs:  cfg.CoalesceFloorMs,
		CoalesceTimeout:  time.Duration(cfg.CoalesceTimeoutMs) * time.Millisecond,
		FullSentenceMode: cfg.FullSentenceMode,
		SentenceSlice:    time.Duration(cfg.SentenceSliceMs) * time.Millisecond,
		InterSentenceGap: time.Duration(cfg.InterSentenceMs) * time.Millisecond,
	}, engine, flag, queueRef)
	synthesizer.Start()

	var orch *pipeline.Orchestrator
	capability := &playback.Capability{}
	sinkFactory := func(q *playback.Queue) (pipeline.AudioSink, error) {
		s := playback.NewSink(playback.SinkConfig{
			FfplayPath: cfg.FfplayPath,
			SDLDriver:  cfg.SDLDriver,
			Format:     synthesizer.PlayFormat(),
			Fade:       time.Duration(cfg.FadeMs) * time.Millisecond,
			Prime:      time.Duration(cfg.PrimeMs) * time.Millisecond,
			HeadPad:    time.Duration(cfg.HeadPadMs) * time.Millisecond,
		}, q, capability, func() {
			if orch != nil {
				orch.NoteFirstPlay()
			}
		})
		if err := s.Start(); err != nil {
			return nil, err
		}
		return s, nil
	}

	router, err := pipeline.NewRouter(flag, synthesizer, queueRef, sinkFactory)
	if err != nil {
		logger.Fatal().Err(err).Msg("Playback setup failed")
	}
	defer router.Close()

	orch = pipeline.NewOrchestrator(pipeline.OrchestratorConfig{
		WordDelay:        time.Duration(cfg.WordDelayMs) * time.Millisecond,
		Quiet:            time.Duration(cfg.QuietWindowMs) * time.Millisecond,
		QuietTimeout:     time.Duration(cfg.QuietTimeoutS * float64(time.Second)),
		QuietBelowFactor: cfg.QuietBelowFactor,
	}, router, gate, flag, hub)

	startHTTPServer(ctx, cfg, hub, llmClient, logger)

	runConversation(ctx, cfg, logger, llmClient, recognizer, router, orch, gate)

	logger.Info().Msg("Voice loop stopped")
}

// startHTTPServer serves metrics, health, readiness, and the monitor feed.
func startHTTPServer(ctx context.Context, cfg *config.Config, hub *monitor.Hub, llmClient llm.Client, logger zerolog.Logger) {
	mux := http.NewServeMux()
	if cfg.MetricsEnabled {
		mux.Handle("/metrics", promhttp.Handler())
	}
	mux.HandleFunc("/health", observability.HealthCheckHandler())
	mux.HandleFunc("/ready", observability.ReadinessHandler(map[string]observability.HealthCheckFunc{
		"llm": func(ctx context.Context) (bool, error) {
			if err := llmClient.Prewarm(ctx); err != nil {
				return false, err
			}
			return true, nil
		},
	}))
	mux.HandleFunc("/monitor", hub.Handler())
	mux.HandleFunc("/history/clear", historyClearHandler(llmClient))

	server := &http.Server{Addr: ":" + cfg.HTTPPort, Handler: mux}
	go func() {
		logger.Info().Str("port", cfg.HTTPPort).Msg("HTTP server listening")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error().Err(err).Msg("HTTP server failed")
		}
	}()
	go func() {
		<-ctx.Done()
		shutCtx, cancelShut := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancelShut()
		server.Shutdown(shutCtx)
	}()
}

// historyClearHandler drops the rolling conversation, an operator control
// for switching topics without restarting the loop.
func historyClearHandler(llmClient llm.Client) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		llmClient.ClearHistory()
		w.WriteHeader(http.StatusNoContent)
	}
}

// runConversation is the outer loop: get a question, run the turn with
// barge-in, re-arm, repeat.
func runConversation(
	ctx context.Context,
	cfg *config.Config,
	logger zerolog.Logger,
	llmClient llm.Client,
	recognizer *stt.GatedRecognizer,
	router *pipeline.Router,
	orch *pipeline.Orchestrator,
	gate *barge.Gate,
) {
	console := consoleQuestions(ctx)
	questionTimeout := time.Duration(cfg.QuestionTimeout) * time.Second

	for ctx.Err() == nil {
		question, ok := nextQuestion(ctx, logger, recognizer, console, questionTimeout)
		if !ok {
			continue
		}
		if question == "" {
			return // input source closed
		}

		turnID := observability.NewTurnID()
		turnLogger := observability.WithTurnID(turnID)
		turnLogger.Info().Str("question", question).Msg("Question received")

		turn := observability.NewTurnMetrics(turnID)
		turn.RecordQuestionEnd()
		turn.RecordLLMStart()

		// Each turn gets its own context so an interrupt (or the turn
		// simply ending) tears the answer stream down instead of leaving
		// the reader goroutine holding the connection.
		turnCtx, cancelTurn := context.WithCancel(ctx)
		words, err := llmClient.StreamWords(turnCtx, question)
		if err != nil {
			cancelTurn()
			turnLogger.Error().Err(err).Msg("Answer stream failed to start")
			continue
		}

		interrupted := orch.RunTurn(ctx, turn, firstTokenTap(turnCtx, turn, words), func() {
			cancelTurn()
			abortCtx, cancelAbort := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancelAbort()
			if err := llmClient.Abort(abortCtx); err != nil {
				turnLogger.Debug().Err(err).Msg("Stream abort failed")
			}
		})
		cancelTurn()

		router.Reset()
		gate.ResetTrigger()
		turnLogger.Info().Bool("interrupted", interrupted).Msg("Turn finished")
	}
}

// nextQuestion blocks on the recognizer, falling back to console input when
// recognition is disabled. Returns ok=false for a timeout (keep waiting).
func nextQuestion(
	ctx context.Context,
	logger zerolog.Logger,
	recognizer *stt.GatedRecognizer,
	console <-chan string,
	timeout time.Duration,
) (string, bool) {
	if recognizer == nil {
		select {
		case <-ctx.Done():
			return "", true
		case line, open := <-console:
			if !open {
				return "", true
			}
			return line, line != ""
		}
	}

	// Recognition re-arms here, strictly after the previous turn's playback
	// has ceased
	recognizer.Resume()
	defer recognizer.Pause()

	question, err := recognizer.NextQuestion(ctx, timeout)
	switch {
	case err == nil:
		return question, true
	case errors.Is(err, stt.ErrQuestionTimeout):
		logger.Debug().Msg("No question yet, still listening")
		return "", false
	case errors.Is(err, stt.ErrAborted):
		return "", false
	case errors.Is(err, context.Canceled):
		return "", true
	default:
		logger.Error().Err(err).Msg("Recognition failed")
		return "", true
	}
}

// consoleQuestions feeds typed questions when recognition is off.
func consoleQuestions(ctx context.Context) <-chan string {
	out := make(chan string)
	go func() {
		defer close(out)
		scanner := bufio.NewScanner(os.Stdin)
		for scanner.Scan() {
			select {
			case out <- scanner.Text():
			case <-ctx.Done():
				return
			}
		}
	}()
	return out
}

// firstTokenTap mirrors the word stream, marking time-to-first-token once.
// After ctx is cancelled it keeps draining the source so the stream reader
// can finish and close it.
func firstTokenTap(ctx context.Context, turn *observability.TurnMetrics, words <-chan string) <-chan string {
	out := make(chan string, 64)
	go func() {
		defer close(out)
		first := true
		for w := range words {
			if first {
				turn.RecordLLMFirstToken()
				first = false
			}
			select {
			case out <- w:
			case <-ctx.Done():
			}
		}
	}()
	return out
}
