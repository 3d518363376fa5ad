package completion

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/DennisMainhardt/bestii-sub000/internal/bestii/chat"
)

const (
	summarySystemPrompt = "You maintain the long-term memory of an AI companion. " +
		"You read conversations and write compact, factual memory notes about the user."

	summaryInstruction = `Summarize the conversation below in 3-6 sentences. Capture the major events, the people involved, the emotional themes and any turning points.

Respond with a single JSON object and nothing else:
{
  "summary": "<3-6 sentences>",
  "metadata": {
    "key_people": ["<name or relation>"],
    "key_events": ["<event>"],
    "emotional_themes": ["<theme>"],
    "triggers": ["<topic that upsets the user>"]
  }
}

Conversation:
`

	summaryMaxTokens = 600
)

const summarySchemaJSON = `{
  "type": "object",
  "required": ["summary"],
  "properties": {
    "summary": {"type": "string"},
    "metadata": {
      "type": ["object", "null"],
      "properties": {
        "key_people":       {"$ref": "#/definitions/list"},
        "key_events":       {"$ref": "#/definitions/list"},
        "emotional_themes": {"$ref": "#/definitions/list"},
        "triggers":         {"$ref": "#/definitions/list"}
      }
    }
  },
  "definitions": {
    "list": {"type": ["array", "null"], "items": {"type": "string"}}
  }
}`

var summarySchema = jsonschema.MustCompileString("bestii://summary.schema.json", summarySchemaJSON)

// SummaryResult is the decoded output of a summarisation call.
type SummaryResult struct {
	Summary    string
	Metadata   chat.Metadata
	TokenCount int
}

// Summarizer asks a Client to compress a transcript into a summary.
type Summarizer struct {
	client Client
	count  TokenCounter
}

// NewSummarizer returns a Summarizer using client. A nil counter uses
// NewTokenCounter.
func NewSummarizer(client Client, count TokenCounter) *Summarizer {
	if count == nil {
		count = NewTokenCounter()
	}
	return &Summarizer{client: client, count: count}
}

// Summarize sends msgs as a role-tagged transcript and decodes the reply.
// Transport failures are returned as is; an unusable reply is a
// *chat.ParseError. TokenCount is the size of the summary text.
func (s *Summarizer) Summarize(ctx context.Context, msgs []chat.Message) (*SummaryResult, error) {
	if len(msgs) == 0 {
		return &SummaryResult{Metadata: chat.Metadata{}.Normalize()}, nil
	}

	resp, err := s.client.Complete(ctx, Request{
		System: summarySystemPrompt,
		Messages: []Message{{
			Role:    chat.RoleUser,
			Content: summaryInstruction + FormatTranscript(msgs),
		}},
		MaxTokens: summaryMaxTokens,
	})
	if err != nil {
		return nil, err
	}

	result, err := ParseSummary(resp.Content)
	if err != nil {
		return nil, err
	}
	result.TokenCount = s.count(result.Summary)
	return result, nil
}

// FormatTranscript renders messages as "role: content" lines.
func FormatTranscript(msgs []chat.Message) string {
	var b strings.Builder
	for i, m := range msgs {
		if i > 0 {
			b.WriteByte('\n')
		}
		fmt.Fprintf(&b, "%s: %s", m.Role, m.Content)
	}
	return b.String()
}

// ParseSummary strips optional markdown fencing from text, validates the
// JSON against the summary schema and decodes it. Missing metadata lists
// default to empty. Any failure is a *chat.ParseError.
func ParseSummary(text string) (*SummaryResult, error) {
	body := StripFences(text)
	if body == "" {
		return nil, &chat.ParseError{Raw: text, Err: fmt.Errorf("empty completion")}
	}

	dec := json.NewDecoder(strings.NewReader(body))
	dec.UseNumber()
	var doc any
	if err := dec.Decode(&doc); err != nil {
		return nil, &chat.ParseError{Raw: text, Err: err}
	}
	if err := summarySchema.Validate(doc); err != nil {
		return nil, &chat.ParseError{Raw: text, Err: err}
	}

	var out struct {
		Summary  string         `json:"summary"`
		Metadata *chat.Metadata `json:"metadata"`
	}
	if err := json.Unmarshal([]byte(body), &out); err != nil {
		return nil, &chat.ParseError{Raw: text, Err: err}
	}

	res := &SummaryResult{Summary: strings.TrimSpace(out.Summary)}
	if out.Metadata != nil {
		res.Metadata = *out.Metadata
	}
	res.Metadata = res.Metadata.Normalize()
	return res, nil
}

// StripFences removes a surrounding ``` or ```json fence. Text around a
// fence, or around a bare JSON object, is dropped.
func StripFences(text string) string {
	s := strings.TrimSpace(text)

	if start := strings.Index(s, "```"); start >= 0 {
		rest := s[start+3:]
		// Drop the info string ("json") up to the end of the fence line.
		if nl := strings.IndexByte(rest, '\n'); nl >= 0 {
			rest = rest[nl+1:]
		} else {
			rest = strings.TrimPrefix(rest, "json")
		}
		if end := strings.LastIndex(rest, "```"); end >= 0 {
			rest = rest[:end]
		}
		s = strings.TrimSpace(rest)
	}

	if !strings.HasPrefix(s, "{") {
		first := strings.IndexByte(s, '{')
		last := strings.LastIndexByte(s, '}')
		if first >= 0 && last > first {
			s = s[first : last+1]
		}
	}
	return strings.TrimSpace(s)
}
