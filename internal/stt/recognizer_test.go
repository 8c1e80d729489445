package stt

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

type fakeStream struct {
	mu      sync.Mutex
	results chan *TranscriptionResult
	sent    [][]byte
	closed  bool
}

func newFakeStream() *fakeStream {
	return &fakeStream{results: make(chan *TranscriptionResult, 16)}
}

func (f *fakeStream) Transcriptions() <-chan *TranscriptionResult { return f.results }

func (f *fakeStream) SendAudio(pcm []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, pcm)
	return nil
}

func (f *fakeStream) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

func (f *fakeStream) sentCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.sent)
}

func TestRecognizer_ReturnsFinalUtterance(t *testing.T) {
	stream := newFakeStream()
	r := NewGatedRecognizer(stream)

	stream.results <- &TranscriptionResult{Text: "what is", IsFinal: false}
	stream.results <- &TranscriptionResult{Text: "what is the time", IsFinal: true}

	got, err := r.NextQuestion(context.Background(), time.Second)
	if err != nil {
		t.Fatal(err)
	}
	if got != "what is the time" {
		t.Errorf("Got %q", got)
	}
}

func TestRecognizer_InterimResultsSkipped(t *testing.T) {
	stream := newFakeStream()
	r := NewGatedRecognizer(stream)

	stream.results <- &TranscriptionResult{Text: "partial", IsFinal: false}

	if _, err := r.NextQuestion(context.Background(), 100*time.Millisecond); !errors.Is(err, ErrQuestionTimeout) {
		t.Errorf("Interim-only stream must time out, got %v", err)
	}
}

func TestRecognizer_Timeout(t *testing.T) {
	r := NewGatedRecognizer(newFakeStream())
	start := time.Now()
	_, err := r.NextQuestion(context.Background(), 100*time.Millisecond)
	if !errors.Is(err, ErrQuestionTimeout) {
		t.Fatalf("Expected timeout sentinel, got %v", err)
	}
	if time.Since(start) < 100*time.Millisecond {
		t.Error("Returned before the timeout")
	}
}

func TestRecognizer_Abort(t *testing.T) {
	r := NewGatedRecognizer(newFakeStream())

	go func() {
		time.Sleep(30 * time.Millisecond)
		r.Abort()
	}()

	if _, err := r.NextQuestion(context.Background(), 5*time.Second); !errors.Is(err, ErrAborted) {
		t.Errorf("Expected abort sentinel, got %v", err)
	}
}

func TestRecognizer_GateBlocksFramesWhilePaused(t *testing.T) {
	stream := newFakeStream()
	r := NewGatedRecognizer(stream)

	frame := make([]int16, 320)

	// Starts paused
	r.HandleFrame(frame)
	if stream.sentCount() != 0 {
		t.Fatal("Paused recognizer must not forward frames")
	}

	r.Resume()
	r.HandleFrame(frame)
	if stream.sentCount() != 1 {
		t.Fatal("Resumed recognizer must forward frames")
	}

	r.Pause()
	r.HandleFrame(frame)
	if stream.sentCount() != 1 {
		t.Error("Pause must stop forwarding again")
	}
}

func TestRecognizer_ResumeDiscardsStaleResults(t *testing.T) {
	stream := newFakeStream()
	r := NewGatedRecognizer(stream)

	// A final result that arrived while the system was speaking
	stream.results <- &TranscriptionResult{Text: "echo of own speech", IsFinal: true}
	r.Resume()

	if _, err := r.NextQuestion(context.Background(), 100*time.Millisecond); !errors.Is(err, ErrQuestionTimeout) {
		t.Errorf("Stale pre-resume result must be discarded, got %v", err)
	}
}
