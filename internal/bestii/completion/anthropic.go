package completion

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/DennisMainhardt/bestii-sub000/internal/bestii/chat"
)

const (
	defaultAnthropicBase    = "https://api.anthropic.com/v1"
	defaultAnthropicModel   = "claude-3-5-haiku-latest"
	anthropicVersion        = "2023-06-01"
	anthropicVersionHeader  = "anthropic-version"
	anthropicAPIKeyHeader   = "x-api-key"
	defaultAnthropicMaxToks = 1024
)

// Anthropic is a Client for the Anthropic messages API or a proxy that
// speaks its wire format. The system prompt travels in the top-level
// "system" field rather than in the message list.
type Anthropic struct {
	cfg Config
}

// NewAnthropic returns a client posting to BaseURL + "/messages".
func NewAnthropic(cfg Config) *Anthropic {
	cfg = cfg.withDefaults(defaultAnthropicBase, defaultAnthropicModel)
	if cfg.Sampling.MaxTokens == 0 {
		// The messages API rejects requests without max_tokens.
		cfg.Sampling.MaxTokens = defaultAnthropicMaxToks
	}
	return &Anthropic{cfg: cfg}
}

// Backend implements Client.
func (c *Anthropic) Backend() string { return BackendAnthropic }

type antMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type antRequest struct {
	Model       string       `json:"model"`
	System      string       `json:"system,omitempty"`
	Messages    []antMessage `json:"messages"`
	MaxTokens   int          `json:"max_tokens"`
	Temperature float64      `json:"temperature"`
	TopP        float64      `json:"top_p,omitempty"`
}

type antResponse struct {
	Model   string `json:"model"`
	Content []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	} `json:"content"`
	Usage *struct {
		InputTokens  int `json:"input_tokens"`
		OutputTokens int `json:"output_tokens"`
	} `json:"usage,omitempty"`
}

// Complete implements Client.
func (c *Anthropic) Complete(ctx context.Context, req Request) (*Response, error) {
	msgs := make([]antMessage, 0, len(req.Messages))
	for _, m := range req.Messages {
		msgs = append(msgs, antMessage{Role: string(m.Role), Content: m.Content})
	}

	// Anthropic allows temperature in [0, 1].
	temperature := min(c.cfg.Sampling.Temperature, 1)

	body := antRequest{
		Model:       c.cfg.Model,
		System:      req.System,
		Messages:    msgs,
		MaxTokens:   c.cfg.Sampling.maxTokens(req.MaxTokens),
		Temperature: temperature,
		TopP:        c.cfg.Sampling.TopP,
	}

	start := time.Now()
	var resp antResponse
	err := postJSON(ctx, c.cfg, BackendAnthropic,
		strings.TrimRight(c.cfg.BaseURL, "/")+"/messages",
		map[string]string{
			anthropicAPIKeyHeader:  c.cfg.APIKey,
			anthropicVersionHeader: anthropicVersion,
		},
		body, &resp)
	if err != nil {
		return nil, fmt.Errorf("completion: anthropic: %w", err)
	}

	var b strings.Builder
	for _, block := range resp.Content {
		if block.Type == "text" {
			b.WriteString(block.Text)
		}
	}
	if b.Len() == 0 {
		return nil, fmt.Errorf("completion: anthropic: %w", &chat.TransportError{
			Op: "anthropic completion", StatusCode: 200, Err: fmt.Errorf("no text content returned"),
		})
	}

	out := &Response{
		Content:   strings.TrimSpace(b.String()),
		Model:     resp.Model,
		LatencyMS: time.Since(start).Milliseconds(),
	}
	if resp.Usage != nil {
		out.Usage = Usage{
			PromptTokens:     resp.Usage.InputTokens,
			CompletionTokens: resp.Usage.OutputTokens,
			TotalTokens:      resp.Usage.InputTokens + resp.Usage.OutputTokens,
		}
	}
	return out, nil
}

var _ Client = (*Anthropic)(nil)
