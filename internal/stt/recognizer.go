package stt

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/voxloop/voice-loop/internal/audio"
	"github.com/voxloop/voice-loop/internal/observability"
)

// Stream is the slice of the transcription client the recognizer needs.
type Stream interface {
	Transcriptions() <-chan *TranscriptionResult
	SendAudio(pcm []byte) error
	Close() error
}

// GatedRecognizer turns a continuous transcription stream into the blocking
// next-question call the conversation loop wants, with the listening gate
// that keeps the system from transcribing its own speech. The gate replaces
// the out-of-band turn-done signaling between processes: within one process
// a flag flip is enough.
type GatedRecognizer struct {
	stream    Stream
	logger    zerolog.Logger
	listening atomic.Bool
	abort     chan struct{}
}

// NewGatedRecognizer wraps a transcription stream. The recognizer starts
// paused; call Resume once the loop is ready to listen.
func NewGatedRecognizer(stream Stream) *GatedRecognizer {
	return &GatedRecognizer{
		stream: stream,
		logger: observability.ForComponent("recognizer"),
		abort:  make(chan struct{}, 1),
	}
}

// HandleFrame forwards one microphone frame to the stream while listening.
// Wired to the shared capture source alongside the barge-in gate.
func (g *GatedRecognizer) HandleFrame(samples []int16) {
	if !g.listening.Load() {
		return
	}
	if err := g.stream.SendAudio(audio.EncodeS16LE(samples)); err != nil {
		// Breaker-rejected or dead stream; the client reconnects on its own
		g.logger.Debug().Err(err).Msg("Frame not sent")
	}
}

// NextQuestion blocks until the next non-empty finalized utterance, the
// timeout, an abort, or context cancellation.
func (g *GatedRecognizer) NextQuestion(ctx context.Context, timeout time.Duration) (string, error) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-timer.C:
			return "", ErrQuestionTimeout
		case <-g.abort:
			return "", ErrAborted
		case result, ok := <-g.stream.Transcriptions():
			if !ok {
				return "", fmt.Errorf("transcription stream closed")
			}
			if result.IsFinal && result.Text != "" {
				return result.Text, nil
			}
		}
	}
}

// Abort cancels a pending NextQuestion.
func (g *GatedRecognizer) Abort() {
	select {
	case g.abort <- struct{}{}:
	default:
	}
}

// Pause stops forwarding microphone audio and discards stale results.
// Called before the system starts speaking.
func (g *GatedRecognizer) Pause() {
	g.listening.Store(false)
	g.drain()
}

// Resume re-arms recognition. Only call after synthesis and playback have
// fully ceased, or the loop hears its own tail.
func (g *GatedRecognizer) Resume() {
	g.drain()
	g.listening.Store(true)
}

// Listening reports whether frames are being forwarded.
func (g *GatedRecognizer) Listening() bool {
	return g.listening.Load()
}

// Close tears down the underlying stream.
func (g *GatedRecognizer) Close() error {
	g.listening.Store(false)
	return g.stream.Close()
}

func (g *GatedRecognizer) drain() {
	for {
		select {
		case <-g.stream.Transcriptions():
		default:
			return
		}
	}
}
