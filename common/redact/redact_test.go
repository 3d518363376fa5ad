package redact_test

import (
	"errors"
	"testing"

	"github.com/DennisMainhardt/bestii-sub000/common/redact"
)

func TestString_RedactsSensitiveValues(t *testing.T) {
	key := "sk-test-1234567890"
	line := "POST /chat/completions Authorization: Bearer sk-test-1234567890"
	got := redact.String(line, key)
	const want = "POST /chat/completions Authorization: Bearer [REDACTED]"
	if got != want {
		t.Fatalf("expected %q, got %q", want, got)
	}
}

func TestString_SkipsShortValues(t *testing.T) {
	line := "abc token"
	if got := redact.String(line, "abc"); got != line {
		t.Fatalf("short value should not be redacted; got %q", got)
	}
}

func TestError(t *testing.T) {
	if got := redact.Error(nil, "secret-value"); got != "" {
		t.Fatalf("nil error should give empty string, got %q", got)
	}
	err := errors.New("upstream rejected key ant-key-abcdef")
	if got := redact.Error(err, "ant-key-abcdef"); got != "upstream rejected key [REDACTED]" {
		t.Fatalf("unexpected result: %q", got)
	}
}

func TestMap_RedactsSensitiveKeys(t *testing.T) {
	m := map[string]any{
		"persona":       "bestie",
		"api_key":       "key_abc",
		"authorization": "Bearer x",
		"max_tokens":    512,
	}
	out := redact.Map(m)

	if out["persona"] != "bestie" {
		t.Errorf("persona should not be redacted, got %v", out["persona"])
	}
	if out["api_key"] != "[REDACTED]" {
		t.Errorf("api_key should be redacted, got %v", out["api_key"])
	}
	if out["authorization"] != "[REDACTED]" {
		t.Errorf("authorization should be redacted, got %v", out["authorization"])
	}
	if out["max_tokens"] != 512 {
		t.Errorf("non-string max_tokens should be unchanged, got %v", out["max_tokens"])
	}
	if m["api_key"] != "key_abc" {
		t.Error("Map mutated the original")
	}
}
