package completion

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/DennisMainhardt/bestii-sub000/internal/bestii/chat"
)

// scriptedClient returns a fixed reply and records the last request.
type scriptedClient struct {
	reply string
	err   error
	last  Request
	calls int
}

func (c *scriptedClient) Complete(_ context.Context, req Request) (*Response, error) {
	c.calls++
	c.last = req
	if c.err != nil {
		return nil, c.err
	}
	return &Response{Content: c.reply}, nil
}

func (c *scriptedClient) Backend() string { return "scripted" }

func TestStripFences(t *testing.T) {
	tests := []struct {
		name, in, want string
	}{
		{"bare", `{"summary":"x"}`, `{"summary":"x"}`},
		{"json fence", "```json\n{\"summary\":\"x\"}\n```", `{"summary":"x"}`},
		{"plain fence", "```\n{\"summary\":\"x\"}\n```", `{"summary":"x"}`},
		{"inline fence", "```json {\"summary\":\"x\"}```", `{"summary":"x"}`},
		{"chatter around", "Here you go:\n```json\n{\"summary\":\"x\"}\n```\nHope it helps", `{"summary":"x"}`},
		{"prose prefix", `Sure! {"summary":"x"} Done.`, `{"summary":"x"}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := StripFences(tt.in); got != tt.want {
				t.Errorf("StripFences = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestParseSummary(t *testing.T) {
	res, err := ParseSummary("```json\n" + `{
		"summary": " Alex talked about moving to Berlin. ",
		"metadata": {"key_people": ["Alex", "Mia"], "emotional_themes": ["anxiety"]}
	}` + "\n```")
	if err != nil {
		t.Fatalf("ParseSummary: %v", err)
	}
	if res.Summary != "Alex talked about moving to Berlin." {
		t.Errorf("Summary = %q", res.Summary)
	}
	if len(res.Metadata.KeyPeople) != 2 || res.Metadata.EmotionalThemes[0] != "anxiety" {
		t.Errorf("Metadata = %+v", res.Metadata)
	}
	if res.Metadata.KeyEvents == nil || res.Metadata.Triggers == nil {
		t.Error("missing categories must default to empty lists")
	}
}

func TestParseSummary_MissingMetadata(t *testing.T) {
	res, err := ParseSummary(`{"summary": "short"}`)
	if err != nil {
		t.Fatalf("ParseSummary: %v", err)
	}
	md := res.Metadata
	if md.KeyPeople == nil || md.KeyEvents == nil || md.EmotionalThemes == nil || md.Triggers == nil {
		t.Errorf("expected empty lists, got %+v", md)
	}
}

func TestParseSummary_Rejects(t *testing.T) {
	tests := []struct {
		name, in string
	}{
		{"not json", "I could not summarise this."},
		{"empty", "   "},
		{"missing summary", `{"metadata": {}}`},
		{"summary not string", `{"summary": 42}`},
		{"people not list", `{"summary": "x", "metadata": {"key_people": "Alex"}}`},
		{"list of numbers", `{"summary": "x", "metadata": {"triggers": [1, 2]}}`},
		{"truncated", "```json\n{\"summary\": \"x\", \"metad"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseSummary(tt.in)
			var pe *chat.ParseError
			if !errors.As(err, &pe) {
				t.Fatalf("expected *ParseError, got %v", err)
			}
		})
	}
}

func TestSummarizer_Summarize(t *testing.T) {
	client := &scriptedClient{reply: "```json\n{\"summary\": \"They planned a trip.\", \"metadata\": {\"key_events\": [\"trip\"]}}\n```"}
	s := NewSummarizer(client, EstimateTokens)

	at := time.Date(2026, 10, 16, 8, 0, 0, 0, time.UTC)
	msgs := []chat.Message{
		{ID: chat.StoredID("m1"), Role: chat.RoleUser, Content: "let's plan a trip", CreatedAt: at},
		{ID: chat.StoredID("m2"), Role: chat.RoleAssistant, Content: "where to?", CreatedAt: at.Add(time.Second)},
	}
	res, err := s.Summarize(context.Background(), msgs)
	if err != nil {
		t.Fatalf("Summarize: %v", err)
	}
	if res.Summary != "They planned a trip." {
		t.Errorf("Summary = %q", res.Summary)
	}
	if res.TokenCount != EstimateTokens("They planned a trip.") {
		t.Errorf("TokenCount = %d", res.TokenCount)
	}

	if client.last.System == "" {
		t.Error("summarisation request should carry a system prompt")
	}
	if len(client.last.Messages) != 1 {
		t.Fatalf("expected one user message, got %d", len(client.last.Messages))
	}
	body := client.last.Messages[0].Content
	if !strings.Contains(body, "user: let's plan a trip\nassistant: where to?") {
		t.Errorf("transcript missing from prompt: %q", body)
	}
	for _, key := range []string{"key_people", "key_events", "emotional_themes", "triggers"} {
		if !strings.Contains(body, key) {
			t.Errorf("prompt should request %s", key)
		}
	}
}

func TestSummarizer_PropagatesErrors(t *testing.T) {
	transport := &chat.TransportError{Op: "openai completion", StatusCode: 503, Err: errors.New("unavailable")}
	s := NewSummarizer(&scriptedClient{err: transport}, EstimateTokens)
	_, err := s.Summarize(context.Background(), []chat.Message{{Role: chat.RoleUser, Content: "x"}})
	if chat.StatusCode(err) != 503 {
		t.Fatalf("expected transport error with 503, got %v", err)
	}

	s = NewSummarizer(&scriptedClient{reply: "nope"}, EstimateTokens)
	_, err = s.Summarize(context.Background(), []chat.Message{{Role: chat.RoleUser, Content: "x"}})
	var pe *chat.ParseError
	if !errors.As(err, &pe) {
		t.Fatalf("expected *ParseError, got %v", err)
	}
}

func TestSummarizer_NoMessagesSkipsCall(t *testing.T) {
	client := &scriptedClient{}
	res, err := NewSummarizer(client, EstimateTokens).Summarize(context.Background(), nil)
	if err != nil || res.Summary != "" {
		t.Fatalf("unexpected result %+v, %v", res, err)
	}
	if client.calls != 0 {
		t.Error("no completion call expected for an empty transcript")
	}
}
