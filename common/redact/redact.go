// Package redact strips provider API keys and other secrets from strings
// before they reach a log line.
//
// Redaction works on string representations and only knows the values it is
// given. Call sites should still avoid logging request headers or message
// content in the first place.
package redact

import (
	"strings"
)

const placeholder = "[REDACTED]"

// String replaces every occurrence of each sensitive value in s with
// [REDACTED]. Values shorter than 4 characters are skipped.
//
//	safe := redact.String(line, openAIKey, anthropicKey)
func String(s string, sensitiveValues ...string) string {
	for _, v := range sensitiveValues {
		if len(v) < 4 {
			continue
		}
		s = strings.ReplaceAll(s, v, placeholder)
	}
	return s
}

// Error returns err's message with the sensitive values removed, or "" for a
// nil error.
func Error(err error, sensitiveValues ...string) string {
	if err == nil {
		return ""
	}
	return String(err.Error(), sensitiveValues...)
}

// Map returns a shallow copy of m in which string values under secret-looking
// keys (password, token, key, secret, credential, auth) are replaced.
func Map(m map[string]any) map[string]any {
	out := make(map[string]any, len(m))
	for k, v := range m {
		if str, ok := v.(string); ok && str != "" && isSensitiveKey(k) {
			out[k] = placeholder
			continue
		}
		out[k] = v
	}
	return out
}

func isSensitiveKey(key string) bool {
	lower := strings.ToLower(key)
	for _, word := range []string{"password", "passwd", "token", "secret", "key", "credential", "auth"} {
		if strings.Contains(lower, word) {
			return true
		}
	}
	return false
}
