// Package completion talks to the LLM provider proxies. It offers one Client
// interface with an OpenAI-shaped and an Anthropic-shaped implementation, and
// a Summarizer that turns a transcript into a summary with structured
// metadata.
//
// Every non-2xx response becomes a *chat.TransportError carrying the HTTP
// status. Responses that signal an exhausted balance also wrap
// chat.ErrInsufficientCredits. Rate limits and upstream 5xx responses are
// retried before surfacing.
package completion

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/DennisMainhardt/bestii-sub000/common/retry"
	"github.com/DennisMainhardt/bestii-sub000/internal/bestii/chat"
)

const (
	BackendOpenAI    = "openai"
	BackendAnthropic = "anthropic"

	defaultTimeout = 60 * time.Second
)

// Message is one role-tagged turn sent to the model.
type Message struct {
	Role    chat.Role
	Content string
}

// Request is a single completion call.
type Request struct {
	// System is the system prompt. OpenAI-shaped clients send it as the
	// first message, Anthropic-shaped clients as the sibling "system" field.
	System   string
	Messages []Message
	// MaxTokens overrides the client's sampling default when positive.
	MaxTokens int
}

// Usage is the token accounting reported by the provider, when present.
type Usage struct {
	PromptTokens     int
	CompletionTokens int
	TotalTokens      int
}

// Response is the result of a completion call.
type Response struct {
	Content   string
	Model     string
	Usage     Usage
	LatencyMS int64
}

// Client produces completions. Implementations are safe for concurrent use.
type Client interface {
	Complete(ctx context.Context, req Request) (*Response, error)
	// Backend names the wire shape, BackendOpenAI or BackendAnthropic.
	Backend() string
}

// Sampling holds the generation parameters sent with every request.
type Sampling struct {
	Temperature      float64
	MaxTokens        int
	TopP             float64
	FrequencyPenalty float64
	PresencePenalty  float64
}

// DefaultSampling matches the companion personas' conversational tone.
var DefaultSampling = Sampling{
	Temperature:      0.8,
	MaxTokens:        1024,
	TopP:             1,
	FrequencyPenalty: 0.3,
	PresencePenalty:  0.3,
}

// Observer receives one call per completed request. *metrics.Metrics
// satisfies it.
type Observer interface {
	ObserveCompletion(backend, outcome string, elapsed time.Duration)
}

// Config configures a provider client.
type Config struct {
	// APIKey authenticates against the provider or proxy.
	APIKey string
	// BaseURL is the provider or proxy endpoint. Each backend has a default.
	BaseURL string
	// Model is the model name. Each backend has a default.
	Model string
	// Sampling defaults to DefaultSampling when zero.
	Sampling Sampling
	// Timeout bounds a single HTTP attempt. Defaults to 60 s.
	Timeout time.Duration
	// Retry controls retries of 429 and 5xx responses. Defaults to
	// retry.DefaultConfig.
	Retry retry.Config
	// HTTPClient replaces the default client.
	HTTPClient *http.Client
	Observer   Observer
	Logger     *slog.Logger
}

func (cfg Config) withDefaults(baseURL, model string) Config {
	if cfg.BaseURL == "" {
		cfg.BaseURL = baseURL
	}
	if cfg.Model == "" {
		cfg.Model = model
	}
	if cfg.Sampling == (Sampling{}) {
		cfg.Sampling = DefaultSampling
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = defaultTimeout
	}
	if cfg.Retry.MaxAttempts == 0 {
		cfg.Retry = retry.DefaultConfig
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{Timeout: cfg.Timeout}
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return cfg
}

func (s Sampling) maxTokens(override int) int {
	if override > 0 {
		return override
	}
	return s.MaxTokens
}
