package stt

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	websocketv1api "github.com/deepgram/deepgram-go-sdk/v3/pkg/api/listen/v1/websocket"
	msginterfaces "github.com/deepgram/deepgram-go-sdk/v3/pkg/api/listen/v1/websocket/interfaces"
	interfaces "github.com/deepgram/deepgram-go-sdk/v3/pkg/client/interfaces"
	listenClient "github.com/deepgram/deepgram-go-sdk/v3/pkg/client/listen"
	"github.com/rs/zerolog"

	"github.com/voxloop/voice-loop/internal/config"
	"github.com/voxloop/voice-loop/internal/observability"
	"github.com/voxloop/voice-loop/internal/resilience"
)

// messageCallbackHandler adapts the SDK's callback interface. It embeds the
// default handler and overrides only message and error delivery.
type messageCallbackHandler struct {
	*websocketv1api.DefaultCallbackHandler
	onMessage func(*msginterfaces.MessageResponse)
	onError   func(*msginterfaces.ErrorResponse) error
}

func (m *messageCallbackHandler) Message(msg *msginterfaces.MessageResponse) error {
	m.onMessage(msg)
	return nil
}

func (m *messageCallbackHandler) Error(errResp *msginterfaces.ErrorResponse) error {
	if m.onError != nil {
		return m.onError(errResp)
	}
	return m.DefaultCallbackHandler.Error(errResp)
}

// DeepgramClient streams microphone PCM to Deepgram's live transcription
// websocket and delivers results on a channel. The circuit breaker keeps a
// dead connection from burning reconnect attempts on every frame.
type DeepgramClient struct {
	cfg        *config.Config
	logger     zerolog.Logger
	transcript chan *TranscriptionResult
	breaker    *resilience.CircuitBreaker

	mu       sync.RWMutex
	client   *listenClient.WSCallback
	isActive bool

	ctx    context.Context
	cancel context.CancelFunc
}

// NewDeepgramClient creates a client; Start opens the stream.
func NewDeepgramClient(cfg *config.Config) *DeepgramClient {
	ctx, cancel := context.WithCancel(context.Background())
	return &DeepgramClient{
		cfg:        cfg,
		logger:     observability.ForComponent("stt"),
		transcript: make(chan *TranscriptionResult, 100),
		breaker: resilience.NewCircuitBreaker(
			"deepgram",
			cfg.CircuitBreakerMaxFailures,
			time.Duration(cfg.CircuitBreakerResetTimeout)*time.Second,
		),
		ctx:    ctx,
		cancel: cancel,
	}
}

// Start opens a live transcription session over the microphone format
// (linear16 mono at the capture sample rate).
func (d *DeepgramClient) Start() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.isActive {
		return fmt.Errorf("deepgram client is already active")
	}

	tOptions := &interfaces.LiveTranscriptionOptions{
		Model:          d.cfg.DeepgramModel,
		Language:       d.cfg.DeepgramLanguage,
		Punctuate:      true,
		InterimResults: true,
		UtteranceEndMs: "1000",
		VadEvents:      true,
		Encoding:       "linear16",
		Channels:       1,
		SampleRate:     d.cfg.MicSampleRate,
	}

	callback := &messageCallbackHandler{
		DefaultCallbackHandler: websocketv1api.NewDefaultCallbackHandler(),
		onMessage:              d.handleMessage,
		onError: func(errResp *msginterfaces.ErrorResponse) error {
			d.logger.Error().Interface("response", errResp).Msg("Stream error")
			observability.RecordError("stream", "stt")
			d.breaker.RecordResult(false)

			select {
			case <-d.ctx.Done():
				return nil
			default:
				d.mu.Lock()
				d.isActive = false
				d.mu.Unlock()
				go d.attemptReconnect()
			}
			return nil
		},
	}

	client, err := listenClient.NewWSUsingCallback(d.ctx, d.cfg.DeepgramAPIKey, nil, tOptions, callback)
	if err != nil {
		d.breaker.RecordResult(false)
		return fmt.Errorf("failed to create deepgram client: %w", err)
	}

	d.client = client
	d.isActive = true
	d.breaker.RecordResult(true)

	d.logger.Info().
		Str("model", d.cfg.DeepgramModel).
		Str("language", d.cfg.DeepgramLanguage).
		Str("sample_rate", strconv.Itoa(d.cfg.MicSampleRate)).
		Msg("Transcription stream started")
	return nil
}

func (d *DeepgramClient) handleMessage(msg *msginterfaces.MessageResponse) {
	if msg == nil {
		return
	}

	switch msg.Type {
	case "SpeechStarted":
		d.logger.Debug().Msg("Speech started")
	case "UtteranceEnd":
		d.logger.Debug().Msg("Utterance ended")
	case "Metadata":
		// Connection metadata, nothing to route
	case "Results", "Message":
		if len(msg.Channel.Alternatives) == 0 {
			return
		}
		alt := msg.Channel.Alternatives[0]
		if alt.Transcript == "" {
			return
		}

		result := &TranscriptionResult{
			Text:       alt.Transcript,
			IsFinal:    msg.IsFinal,
			Confidence: alt.Confidence,
		}
		select {
		case d.transcript <- result:
			if msg.IsFinal {
				d.logger.Info().Str("text", alt.Transcript).Float64("confidence", alt.Confidence).Msg("Final transcription")
			}
		default:
			d.logger.Warn().Msg("Transcript channel full, dropping result")
		}
	default:
		d.logger.Debug().Str("type", msg.Type).Msg("Unhandled message type")
	}
}

// SendAudio forwards one linear16 audio buffer to the stream.
func (d *DeepgramClient) SendAudio(pcm []byte) error {
	return d.breaker.Call(func() error {
		d.mu.RLock()
		active := d.isActive
		client := d.client
		d.mu.RUnlock()

		if !active || client == nil {
			return fmt.Errorf("deepgram client is not active")
		}
		if _, err := client.Write(pcm); err != nil {
			go d.attemptReconnect()
			return fmt.Errorf("failed to send audio: %w", err)
		}
		return nil
	})
}

func (d *DeepgramClient) attemptReconnect() {
	select {
	case <-d.ctx.Done():
		return
	default:
	}

	d.mu.RLock()
	active := d.isActive
	d.mu.RUnlock()
	if active {
		return
	}

	err := resilience.Reconnect(d.ctx, "deepgram", d.Start, &resilience.ReconnectConfig{
		MaxAttempts: d.cfg.ReconnectMaxAttempts,
		Backoff:     time.Duration(d.cfg.ReconnectBackoff) * time.Millisecond,
		Multiplier:  2.0,
		MaxBackoff:  30 * time.Second,
	})
	if err != nil {
		d.logger.Error().Err(err).Msg("Transcription stream not recovered")
	}
}

// Transcriptions returns the result channel.
func (d *DeepgramClient) Transcriptions() <-chan *TranscriptionResult {
	return d.transcript
}

// IsActive reports whether the stream is up.
func (d *DeepgramClient) IsActive() bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.isActive
}

// Stop finishes the current session. The client can Start again.
func (d *DeepgramClient) Stop() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.isActive {
		return
	}
	d.client.Finish()
	d.isActive = false
	d.logger.Info().Msg("Transcription stream stopped")
}

// Close tears the client down for good.
func (d *DeepgramClient) Close() error {
	d.cancel()
	d.Stop()
	return nil
}
