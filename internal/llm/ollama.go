package llm

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/voxloop/voice-loop/internal/config"
	"github.com/voxloop/voice-loop/internal/observability"
	"github.com/voxloop/voice-loop/internal/resilience"
)

// OllamaClient streams chat completions from a local Ollama server over its
// NDJSON chat API.
type OllamaClient struct {
	baseURL     string
	model       string
	keepAlive   string
	temperature float64
	maxTokens   int

	http   *http.Client
	hist   *history
	retry  *resilience.RetryConfig
	logger zerolog.Logger
}

// NewOllamaClient creates a client from config.
func NewOllamaClient(cfg *config.Config) *OllamaClient {
	return &OllamaClient{
		baseURL:     strings.TrimRight(cfg.OllamaBaseURL, "/"),
		model:       cfg.OllamaModel,
		keepAlive:   cfg.OllamaKeepAlive,
		temperature: cfg.LLMTemperature,
		maxTokens:   cfg.LLMMaxTokens,
		http:        &http.Client{}, // streaming: no overall timeout
		hist:        newHistory(cfg.SystemPrompt, cfg.LLMHistoryMax),
		retry: &resilience.RetryConfig{
			MaxAttempts:    cfg.RetryMaxAttempts,
			InitialBackoff: time.Duration(cfg.RetryInitialBackoff) * time.Millisecond,
			MaxBackoff:     5 * time.Second,
			Multiplier:     2.0,
			Jitter:         true,
		},
		logger: observability.ForComponent("llm").With().Str("backend", "ollama").Logger(),
	}
}

// Backend identifies this client in logs and metrics.
func (c *OllamaClient) Backend() string { return "ollama" }

// ClearHistory drops the rolling conversation.
func (c *OllamaClient) ClearHistory() { c.hist.clear() }

type ollamaChatRequest struct {
	Model     string                 `json:"model"`
	Messages  []Message              `json:"messages"`
	Stream    bool                   `json:"stream"`
	KeepAlive string                 `json:"keep_alive,omitempty"`
	Options   map[string]interface{} `json:"options,omitempty"`
}

type ollamaChatResponse struct {
	Message Message `json:"message"`
	Done    bool    `json:"done"`
	Error   string  `json:"error,omitempty"`
}

// StreamWords starts one answer stream. The initial connect is retried on
// transient network errors; once streaming, failures end the channel early
// and the partial answer is still committed to history.
func (c *OllamaClient) StreamWords(ctx context.Context, prompt string) (<-chan string, error) {
	body, err := json.Marshal(ollamaChatRequest{
		Model:     c.model,
		Messages:  c.hist.messagesWith(prompt),
		Stream:    true,
		KeepAlive: c.keepAlive,
		Options: map[string]interface{}{
			"temperature": c.temperature,
			"num_predict": c.maxTokens,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("marshal chat request: %w", err)
	}

	var resp *http.Response
	err = resilience.Retry(ctx, func() error {
		req, reqErr := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/chat", bytes.NewReader(body))
		if reqErr != nil {
			return reqErr
		}
		req.Header.Set("Content-Type", "application/json")

		r, doErr := c.http.Do(req)
		if doErr != nil {
			return doErr
		}
		if r.StatusCode != http.StatusOK {
			r.Body.Close()
			return fmt.Errorf("ollama chat returned %s", r.Status)
		}
		resp = r
		return nil
	}, c.retry, resilience.IsRetryableNetworkError)
	if err != nil {
		observability.RecordLLMRequest("ollama", false)
		return nil, fmt.Errorf("ollama chat request failed: %w", err)
	}

	words := make(chan string, 64)
	go c.consume(ctx, resp, prompt, words)
	return words, nil
}

func (c *OllamaClient) consume(ctx context.Context, resp *http.Response, prompt string, words chan<- string) {
	defer close(words)
	defer resp.Body.Close()

	var answer strings.Builder
	var split wordSplitter
	ok := true

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}

		var chunk ollamaChatResponse
		if err := json.Unmarshal(line, &chunk); err != nil {
			c.logger.Warn().Err(err).Msg("Skipping malformed stream line")
			continue
		}
		if chunk.Error != "" {
			c.logger.Error().Str("error", chunk.Error).Msg("Stream error from server")
			ok = false
			break
		}

		answer.WriteString(chunk.Message.Content)
		for _, w := range split.feed(chunk.Message.Content) {
			select {
			case words <- w:
			case <-ctx.Done():
				c.finish(prompt, answer.String(), false)
				return
			}
		}
		if chunk.Done {
			break
		}
	}
	if err := scanner.Err(); err != nil && ctx.Err() == nil {
		c.logger.Warn().Err(err).Msg("Stream read failed")
		ok = false
	}

	if tail, has := split.flush(); has {
		select {
		case words <- tail:
		case <-ctx.Done():
		}
	}
	c.finish(prompt, answer.String(), ok)
}

func (c *OllamaClient) finish(prompt, answer string, ok bool) {
	observability.RecordLLMRequest("ollama", ok)
	c.hist.commit(prompt, answer)
	c.logger.Debug().Int("answer_chars", len(answer)).Bool("ok", ok).Msg("Stream finished")
}

// Abort is a no-op: Ollama has no out-of-band cancel. Cancelling the request
// context closes the connection and the server stops generating.
func (c *OllamaClient) Abort(ctx context.Context) error {
	return nil
}

// Prewarm loads the model so the first real question skips the cold start.
func (c *OllamaClient) Prewarm(ctx context.Context) error {
	body, err := json.Marshal(ollamaChatRequest{
		Model:     c.model,
		Stream:    false,
		KeepAlive: c.keepAlive,
	})
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/chat", bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("prewarm request failed: %w", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("prewarm returned %s", resp.Status)
	}
	c.logger.Info().Str("model", c.model).Msg("Model prewarmed")
	return nil
}
