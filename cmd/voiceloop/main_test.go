package main

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
)

type fakeLLM struct {
	cleared int
}

func (f *fakeLLM) StreamWords(ctx context.Context, prompt string) (<-chan string, error) {
	ch := make(chan string)
	close(ch)
	return ch, nil
}
func (f *fakeLLM) Abort(ctx context.Context) error   { return nil }
func (f *fakeLLM) Prewarm(ctx context.Context) error { return nil }
func (f *fakeLLM) ClearHistory()                     { f.cleared++ }
func (f *fakeLLM) Backend() string                   { return "fake" }

func TestHistoryClearHandler(t *testing.T) {
	client := &fakeLLM{}
	handler := historyClearHandler(client)

	rec := httptest.NewRecorder()
	handler(rec, httptest.NewRequest(http.MethodPost, "/history/clear", nil))
	if rec.Code != http.StatusNoContent {
		t.Errorf("Got status %d", rec.Code)
	}
	if client.cleared != 1 {
		t.Errorf("ClearHistory called %d times, want 1", client.cleared)
	}

	rec = httptest.NewRecorder()
	handler(rec, httptest.NewRequest(http.MethodGet, "/history/clear", nil))
	if rec.Code != http.StatusMethodNotAllowed {
		t.Errorf("GET must be rejected, got %d", rec.Code)
	}
	if client.cleared != 1 {
		t.Error("GET must not clear history")
	}
}
