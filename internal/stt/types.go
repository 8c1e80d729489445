package stt

import (
	"context"
	"errors"
	"time"
)

// TranscriptionResult is one recognition hypothesis from the engine.
type TranscriptionResult struct {
	Text       string
	IsFinal    bool
	Confidence float64
}

// ErrQuestionTimeout is returned when no finalized utterance arrives in time.
var ErrQuestionTimeout = errors.New("timed out waiting for a question")

// ErrAborted is returned when the current utterance wait was aborted.
var ErrAborted = errors.New("question wait aborted")

// Recognizer is the speech-recognition collaborator. NextQuestion blocks
// until the next finalized utterance. Recognition is gated: frames are only
// forwarded between Resume and Pause, so the loop never transcribes its own
// speech. Resume must not be called until synthesis and playback for the
// turn have fully ceased.
type Recognizer interface {
	NextQuestion(ctx context.Context, timeout time.Duration) (string, error)
	Abort()
	Pause()
	Resume()
	Close() error
}
