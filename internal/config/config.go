package config

import (
	"fmt"
	"os"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
)

// Config holds all configuration for the voice loop
type Config struct {
	// LLM backend selection: "ollama" or "openai"
	LLMBackend string `envconfig:"LLM_BACKEND" default:"ollama"`

	// System prompt given to the LLM for every conversation. Required:
	// the loop refuses to start without an explicit persona/instruction.
	SystemPrompt string `envconfig:"SYSTEM_PROMPT" required:"true"`

	// Ollama configuration
	OllamaBaseURL   string `envconfig:"OLLAMA_BASE_URL" default:"http://127.0.0.1:11434"`
	OllamaModel     string `envconfig:"OLLAMA_MODEL" default:""`
	OllamaKeepAlive string `envconfig:"OLLAMA_KEEP_ALIVE" default:"30m"`

	// OpenAI-compatible configuration
	OpenAIBaseURL string `envconfig:"OPENAI_BASE_URL" default:"https://api.openai.com/v1"`
	OpenAIAPIKey  string `envconfig:"OPENAI_API_KEY" default:""`
	OpenAIModel   string `envconfig:"OPENAI_MODEL" default:""`

	// Shared LLM tuning
	LLMTemperature float64 `envconfig:"LLM_TEMPERATURE" default:"0.7"`
	LLMMaxTokens   int     `envconfig:"LLM_MAX_TOKENS" default:"512"`
	LLMHistoryMax  int     `envconfig:"LLM_HISTORY_MAX" default:"10"` // exchanges kept in rolling history

	// Deepgram STT configuration
	STTEnabled       bool   `envconfig:"STT_ENABLED" default:"true"`
	DeepgramAPIKey   string `envconfig:"DEEPGRAM_API_KEY" default:""`
	DeepgramModel    string `envconfig:"DEEPGRAM_MODEL" default:"nova-2"`
	DeepgramLanguage string `envconfig:"DEEPGRAM_LANGUAGE" default:"en"`
	QuestionTimeout  int    `envconfig:"QUESTION_TIMEOUT_S" default:"120"` // seconds to wait for a question

	// Microphone capture (shared by barge-in gate and STT feed)
	MicCommand    string `envconfig:"MIC_COMMAND" default:"ffmpeg"`
	MicDevice     string `envconfig:"MIC_DEVICE" default:"default"`
	MicSampleRate int    `envconfig:"MIC_SAMPLE_RATE" default:"16000"`
	MicFrameMs    int    `envconfig:"MIC_FRAME_MS" default:"20"`

	// Barge-in voice activity gate
	BargeInThreshold  float64 `envconfig:"BARGE_IN_THRESH" default:"0.018"`     // normalized mean-abs energy [0,1]
	BargeInHoldMs     int     `envconfig:"BARGE_IN_HOLD_MS" default:"240"`      // sustained energy before trigger
	BargeInLogEveryMs int     `envconfig:"BARGE_IN_LOG_EVERY_MS" default:"200"` // level log rate limit
	QuietWindowMs     int     `envconfig:"QUIET_WINDOW_MS" default:"600"`       // continuous quiet before re-listen
	QuietTimeoutS     float64 `envconfig:"QUIET_TIMEOUT_S" default:"6.0"`
	QuietBelowFactor  float64 `envconfig:"QUIET_BELOW_FACTOR" default:"0.9"`

	// Speech synthesis engine (external process, text in, raw PCM out)
	TTSCommand   string `envconfig:"TTS_COMMAND" default:"piper"`
	TTSModelPath string `envconfig:"TTS_MODEL_PATH" default:""`

	// Synthesis engine native format and canonical playback format
	SynthSampleRate    int `envconfig:"SYNTH_SAMPLE_RATE" default:"24000"` // engine native, mono
	PlaybackSampleRate int `envconfig:"PLAYBACK_SAMPLE_RATE" default:"44100"`

	// Chunk coalescing (platform-tuned defaults; raise target/floor on sinks
	// with expensive pipe writes)
	CoalesceTargetMs  int `envconfig:"COALESCE_TARGET_MS" default:"220"` // flush when accumulator reaches this much audio
	CoalesceTimeoutMs int `envconfig:"COALESCE_TIMEOUT_MS" default:"80"` // time-based flush...
	CoalesceFloorMs   int `envconfig:"COALESCE_FLOOR_MS" default:"80"`   // ...but never below this floor

	// Synthesizer behavior
	FullSentenceMode bool `envconfig:"SYNTH_FULL_SENTENCE" default:"false"`   // render whole sentence before enqueue
	SentenceSliceMs  int  `envconfig:"SYNTH_SENTENCE_SLICE_MS" default:"0"`   // >0: slice full-sentence audio into slabs
	InterSentenceMs  int  `envconfig:"SYNTH_INTER_SENTENCE_MS" default:"160"` // silence gap between sentences

	// Playback sink (external ffplay process)
	FfplayPath string `envconfig:"FFPLAY_PATH" default:"ffplay"`
	SDLDriver  string `envconfig:"SDL_DRIVER" default:""`
	FadeMs     int    `envconfig:"PLAYBACK_FADE_MS" default:"6"`     // linear fade-in/out per chunk
	PrimeMs    int    `envconfig:"PLAYBACK_PRIME_MS" default:"25"`   // silence written right after spawn
	HeadPadMs  int    `envconfig:"PLAYBACK_HEAD_PAD_MS" default:"0"` // extra once-per-session pad before first chunk

	// Orchestration pacing
	WordDelayMs int `envconfig:"WORD_DELAY_MS" default:"10"` // pause between forwarded LLM words

	// Resilience configuration
	CircuitBreakerMaxFailures  int `envconfig:"CIRCUIT_BREAKER_MAX_FAILURES" default:"5"`   // failures before opening circuit
	CircuitBreakerResetTimeout int `envconfig:"CIRCUIT_BREAKER_RESET_TIMEOUT" default:"30"` // seconds before attempting recovery
	RetryMaxAttempts           int `envconfig:"RETRY_MAX_ATTEMPTS" default:"3"`             // LLM request retry attempts
	RetryInitialBackoff        int `envconfig:"RETRY_INITIAL_BACKOFF" default:"100"`        // initial backoff in milliseconds
	ReconnectMaxAttempts       int `envconfig:"RECONNECT_MAX_ATTEMPTS" default:"5"`         // STT reconnection attempts
	ReconnectBackoff           int `envconfig:"RECONNECT_BACKOFF" default:"1000"`           // reconnection backoff in milliseconds

	// Observability
	LogLevel       string `envconfig:"LOG_LEVEL" default:"info"`
	LogPretty      bool   `envconfig:"LOG_PRETTY" default:"false"`
	MetricsEnabled bool   `envconfig:"METRICS_ENABLED" default:"true"`
	HTTPPort       string `envconfig:"HTTP_PORT" default:"8080"` // metrics, health, monitor feed
}

// Load reads configuration from the environment, first merging an optional
// .env file. Missing required identifiers (system prompt, model name) are
// fatal here rather than surfacing later mid-conversation.
func Load() (*Config, error) {
	_ = godotenv.Load()
	return LoadFromEnv()
}

// LoadFromEnv loads configuration directly from environment variables
// without attempting to load a .env file.
func LoadFromEnv() (*Config, error) {
	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate enforces the startup invariants that cannot be expressed as
// envconfig tags (cross-field requirements).
func (c *Config) Validate() error {
	switch c.LLMBackend {
	case "ollama":
		if c.OllamaModel == "" {
			return fmt.Errorf("OLLAMA_MODEL is required when LLM_BACKEND=ollama")
		}
	case "openai":
		if c.OpenAIModel == "" {
			return fmt.Errorf("OPENAI_MODEL is required when LLM_BACKEND=openai")
		}
		if c.OpenAIAPIKey == "" {
			return fmt.Errorf("OPENAI_API_KEY is required when LLM_BACKEND=openai")
		}
	default:
		return fmt.Errorf("unknown LLM_BACKEND %q (want ollama or openai)", c.LLMBackend)
	}

	if c.STTEnabled && c.DeepgramAPIKey == "" {
		return fmt.Errorf("DEEPGRAM_API_KEY is required when STT_ENABLED=true")
	}

	if c.CoalesceFloorMs > c.CoalesceTargetMs {
		return fmt.Errorf("COALESCE_FLOOR_MS (%d) must not exceed COALESCE_TARGET_MS (%d)",
			c.CoalesceFloorMs, c.CoalesceTargetMs)
	}
	return nil
}

// GetEnv returns the value of an environment variable or a default value
func GetEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}
