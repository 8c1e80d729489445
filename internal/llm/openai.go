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

// OpenAIClient streams chat completions from an OpenAI-compatible endpoint
// over server-sent events.
type OpenAIClient struct {
	baseURL     string
	apiKey      string
	model       string
	temperature float64
	maxTokens   int

	http   *http.Client
	hist   *history
	retry  *resilience.RetryConfig
	logger zerolog.Logger
}

// NewOpenAIClient creates a client from config.
func NewOpenAIClient(cfg *config.Config) *OpenAIClient {
	return &OpenAIClient{
		baseURL:     strings.TrimRight(cfg.OpenAIBaseURL, "/"),
		apiKey:      cfg.OpenAIAPIKey,
		model:       cfg.OpenAIModel,
		temperature: cfg.LLMTemperature,
		maxTokens:   cfg.LLMMaxTokens,
		http:        &http.Client{},
		hist:        newHistory(cfg.SystemPrompt, cfg.LLMHistoryMax),
		retry: &resilience.RetryConfig{
			MaxAttempts:    cfg.RetryMaxAttempts,
			InitialBackoff: time.Duration(cfg.RetryInitialBackoff) * time.Millisecond,
			MaxBackoff:     5 * time.Second,
			Multiplier:     2.0,
			Jitter:         true,
		},
		logger: observability.ForComponent("llm").With().Str("backend", "openai").Logger(),
	}
}

// Backend identifies this client in logs and metrics.
func (c *OpenAIClient) Backend() string { return "openai" }

// ClearHistory drops the rolling conversation.
func (c *OpenAIClient) ClearHistory() { c.hist.clear() }

type openAIChatRequest struct {
	Model       string    `json:"model"`
	Messages    []Message `json:"messages"`
	Stream      bool      `json:"stream"`
	Temperature float64   `json:"temperature,omitempty"`
	MaxTokens   int       `json:"max_tokens,omitempty"`
}

type openAIStreamChunk struct {
	Choices []struct {
		Delta struct {
			Content string `json:"content"`
		} `json:"delta"`
		FinishReason *string `json:"finish_reason"`
	} `json:"choices"`
}

// StreamWords starts one answer stream over SSE.
func (c *OpenAIClient) StreamWords(ctx context.Context, prompt string) (<-chan string, error) {
	body, err := json.Marshal(openAIChatRequest{
		Model:       c.model,
		Messages:    c.hist.messagesWith(prompt),
		Stream:      true,
		Temperature: c.temperature,
		MaxTokens:   c.maxTokens,
	})
	if err != nil {
		return nil, fmt.Errorf("marshal chat request: %w", err)
	}

	var resp *http.Response
	err = resilience.Retry(ctx, func() error {
		req, reqErr := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/chat/completions", bytes.NewReader(body))
		if reqErr != nil {
			return reqErr
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("Authorization", "Bearer "+c.apiKey)

		r, doErr := c.http.Do(req)
		if doErr != nil {
			return doErr
		}
		if r.StatusCode != http.StatusOK {
			r.Body.Close()
			return fmt.Errorf("chat completions returned %s", r.Status)
		}
		resp = r
		return nil
	}, c.retry, resilience.IsRetryableNetworkError)
	if err != nil {
		observability.RecordLLMRequest("openai", false)
		return nil, fmt.Errorf("openai chat request failed: %w", err)
	}

	words := make(chan string, 64)
	go c.consume(ctx, resp, prompt, words)
	return words, nil
}

func (c *OpenAIClient) consume(ctx context.Context, resp *http.Response, prompt string, words chan<- string) {
	defer close(words)
	defer resp.Body.Close()

	var answer strings.Builder
	var split wordSplitter
	ok := true

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if !strings.HasPrefix(line, "data:") {
			continue
		}
		payload := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
		if payload == "[DONE]" {
			break
		}

		var chunk openAIStreamChunk
		if err := json.Unmarshal([]byte(payload), &chunk); err != nil {
			c.logger.Warn().Err(err).Msg("Skipping malformed event")
			continue
		}
		if len(chunk.Choices) == 0 {
			continue
		}

		content := chunk.Choices[0].Delta.Content
		answer.WriteString(content)
		for _, w := range split.feed(content) {
			select {
			case words <- w:
			case <-ctx.Done():
				c.finish(prompt, answer.String(), false)
				return
			}
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

func (c *OpenAIClient) finish(prompt, answer string, ok bool) {
	observability.RecordLLMRequest("openai", ok)
	c.hist.commit(prompt, answer)
	c.logger.Debug().Int("answer_chars", len(answer)).Bool("ok", ok).Msg("Stream finished")
}

// Abort is a no-op: the API has no out-of-band cancel, the caller's context
// cancellation tears the stream down instead.
func (c *OpenAIClient) Abort(ctx context.Context) error {
	return nil
}

// Prewarm issues a one-token request so connection setup and any model
// routing happen before the first real question.
func (c *OpenAIClient) Prewarm(ctx context.Context) error {
	body, err := json.Marshal(openAIChatRequest{
		Model:     c.model,
		Messages:  []Message{{Role: "user", Content: "ok"}},
		MaxTokens: 1,
	})
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.apiKey)

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("prewarm request failed: %w", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("prewarm returned %s", resp.Status)
	}
	c.logger.Info().Str("model", c.model).Msg("Endpoint prewarmed")
	return nil
}
