package llm

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/voxloop/voice-loop/internal/config"
)

// Message is one chat history entry.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Client streams an answer for a prompt as individual words. The word
// channel closes when the stream ends or dies; a failed start returns the
// error instead. Abort is best-effort and may be a no-op.
type Client interface {
	StreamWords(ctx context.Context, prompt string) (<-chan string, error)
	Abort(ctx context.Context) error
	Prewarm(ctx context.Context) error
	ClearHistory()
	Backend() string
}

// New builds the configured backend client.
func New(cfg *config.Config) (Client, error) {
	switch cfg.LLMBackend {
	case "ollama":
		return NewOllamaClient(cfg), nil
	case "openai":
		return NewOpenAIClient(cfg), nil
	default:
		return nil, fmt.Errorf("unknown LLM backend %q", cfg.LLMBackend)
	}
}

// history is the rolling conversation kept across turns: the system prompt
// plus at most max recent exchanges. Both backends share it.
type history struct {
	mu     sync.Mutex
	system Message
	msgs   []Message
	max    int // exchanges (user+assistant pairs) kept
}

func newHistory(systemPrompt string, maxExchanges int) *history {
	return &history{
		system: Message{Role: "system", Content: systemPrompt},
		max:    maxExchanges,
	}
}

// messagesWith returns the request payload: system prompt, rolling history,
// then the new user prompt.
func (h *history) messagesWith(prompt string) []Message {
	h.mu.Lock()
	defer h.mu.Unlock()

	out := make([]Message, 0, len(h.msgs)+2)
	out = append(out, h.system)
	out = append(out, h.msgs...)
	out = append(out, Message{Role: "user", Content: prompt})
	return out
}

// commit appends a completed exchange and trims to the last max exchanges.
func (h *history) commit(prompt, answer string) {
	if answer == "" {
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()

	h.msgs = append(h.msgs,
		Message{Role: "user", Content: prompt},
		Message{Role: "assistant", Content: answer},
	)
	if limit := h.max * 2; len(h.msgs) > limit {
		h.msgs = append([]Message(nil), h.msgs[len(h.msgs)-limit:]...)
	}
}

func (h *history) clear() {
	h.mu.Lock()
	h.msgs = nil
	h.mu.Unlock()
}

func (h *history) len() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.msgs)
}

// wordSplitter turns arbitrary content fragments into whole words, carrying
// a trailing partial word until the next fragment completes it.
type wordSplitter struct {
	pending string
}

func (w *wordSplitter) feed(text string) []string {
	w.pending += text
	idx := strings.LastIndexAny(w.pending, " \t\n\r")
	if idx < 0 {
		return nil
	}
	complete := w.pending[:idx+1]
	w.pending = w.pending[idx+1:]
	return strings.Fields(complete)
}

func (w *wordSplitter) flush() (string, bool) {
	tail := strings.TrimSpace(w.pending)
	w.pending = ""
	return tail, tail != ""
}
