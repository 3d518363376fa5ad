package completion

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/DennisMainhardt/bestii-sub000/internal/bestii/chat"
)

const (
	defaultOpenAIBase  = "https://api.openai.com/v1"
	defaultOpenAIModel = "gpt-4o-mini"
)

// OpenAI is a Client for the OpenAI chat completions API or any proxy that
// speaks its wire format.
type OpenAI struct {
	cfg Config
}

// NewOpenAI returns a client posting to BaseURL + "/chat/completions".
func NewOpenAI(cfg Config) *OpenAI {
	return &OpenAI{cfg: cfg.withDefaults(defaultOpenAIBase, defaultOpenAIModel)}
}

// Backend implements Client.
func (c *OpenAI) Backend() string { return BackendOpenAI }

// --- minimal OpenAI wire types ---

type oaiMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type oaiRequest struct {
	Model            string       `json:"model"`
	Messages         []oaiMessage `json:"messages"`
	Temperature      float64      `json:"temperature"`
	MaxTokens        int          `json:"max_tokens,omitempty"`
	TopP             float64      `json:"top_p,omitempty"`
	FrequencyPenalty float64      `json:"frequency_penalty,omitempty"`
	PresencePenalty  float64      `json:"presence_penalty,omitempty"`
}

type oaiResponse struct {
	Model   string      `json:"model"`
	Choices []oaiChoice `json:"choices"`
	Usage   *struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
		TotalTokens      int `json:"total_tokens"`
	} `json:"usage,omitempty"`
}

type oaiChoice struct {
	Message      oaiMessage `json:"message"`
	FinishReason string     `json:"finish_reason"`
}

// Complete implements Client.
func (c *OpenAI) Complete(ctx context.Context, req Request) (*Response, error) {
	msgs := make([]oaiMessage, 0, len(req.Messages)+1)
	if req.System != "" {
		msgs = append(msgs, oaiMessage{Role: "system", Content: req.System})
	}
	for _, m := range req.Messages {
		msgs = append(msgs, oaiMessage{Role: string(m.Role), Content: m.Content})
	}

	body := oaiRequest{
		Model:            c.cfg.Model,
		Messages:         msgs,
		Temperature:      c.cfg.Sampling.Temperature,
		MaxTokens:        c.cfg.Sampling.maxTokens(req.MaxTokens),
		TopP:             c.cfg.Sampling.TopP,
		FrequencyPenalty: c.cfg.Sampling.FrequencyPenalty,
		PresencePenalty:  c.cfg.Sampling.PresencePenalty,
	}

	start := time.Now()
	var resp oaiResponse
	err := postJSON(ctx, c.cfg, BackendOpenAI,
		strings.TrimRight(c.cfg.BaseURL, "/")+"/chat/completions",
		map[string]string{"Authorization": "Bearer " + c.cfg.APIKey},
		body, &resp)
	if err != nil {
		return nil, fmt.Errorf("completion: openai: %w", err)
	}

	if len(resp.Choices) == 0 {
		return nil, fmt.Errorf("completion: openai: %w", &chat.TransportError{
			Op: "openai completion", StatusCode: 200, Err: fmt.Errorf("no choices returned"),
		})
	}

	out := &Response{
		Content:   strings.TrimSpace(resp.Choices[0].Message.Content),
		Model:     resp.Model,
		LatencyMS: time.Since(start).Milliseconds(),
	}
	if resp.Usage != nil {
		out.Usage = Usage{
			PromptTokens:     resp.Usage.PromptTokens,
			CompletionTokens: resp.Usage.CompletionTokens,
			TotalTokens:      resp.Usage.TotalTokens,
		}
	}
	return out, nil
}

var _ Client = (*OpenAI)(nil)
