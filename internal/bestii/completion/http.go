package completion

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/DennisMainhardt/bestii-sub000/common/redact"
	"github.com/DennisMainhardt/bestii-sub000/common/retry"
	"github.com/DennisMainhardt/bestii-sub000/internal/bestii/chat"
)

// maxErrorBody caps how much of an error response is kept.
const maxErrorBody = 4 << 10

// errorEnvelope covers both providers' error bodies:
// OpenAI {"error":{"message","type","code"}} and
// Anthropic {"type":"error","error":{"type","message"}}.
type errorEnvelope struct {
	Error *struct {
		Message string `json:"message"`
		Type    string `json:"type"`
	} `json:"error"`
}

var creditMarkers = []string{
	"insufficient credit",
	"insufficient_quota",
	"insufficient balance",
	"credit balance",
	"out of credits",
	"no credits",
}

// postJSON sends body to url and decodes a 2xx response into out. It retries
// according to cfg.Retry and reports the outcome to cfg.Observer.
func postJSON(ctx context.Context, cfg Config, backend, url string, headers map[string]string, body, out any) error {
	data, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("completion: %s: marshal request: %w", backend, err)
	}

	rc := cfg.Retry
	rc.ShouldRetry = isTransient
	rc.Logger = cfg.Logger

	start := time.Now()
	err = retry.Do(ctx, rc, func() error {
		return postOnce(ctx, cfg, backend, url, headers, data, out)
	})
	if cfg.Observer != nil {
		cfg.Observer.ObserveCompletion(backend, outcome(err), time.Since(start))
	}
	if err != nil {
		cfg.Logger.Warn("completion request failed",
			"backend", backend,
			"status", chat.StatusCode(err),
			"err", redact.Error(err, cfg.APIKey),
		)
	}
	return err
}

func postOnce(ctx context.Context, cfg Config, backend, url string, headers map[string]string, data []byte, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("completion: %s: create http request: %w", backend, err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := cfg.HTTPClient.Do(req)
	if err != nil {
		return &chat.TransportError{Op: backend + " completion", Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return statusError(backend, resp.StatusCode, raw)
	}

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return &chat.TransportError{Op: backend + " completion", StatusCode: resp.StatusCode, Err: err}
	}
	if err := json.Unmarshal(respBody, out); err != nil {
		return &chat.TransportError{
			Op:         backend + " completion",
			StatusCode: resp.StatusCode,
			Err:        fmt.Errorf("decode response: %w", err),
		}
	}
	return nil
}

// statusError builds the error for a non-2xx response.
func statusError(backend string, status int, raw []byte) error {
	msg := strings.TrimSpace(string(raw))
	var env errorEnvelope
	if json.Unmarshal(raw, &env) == nil && env.Error != nil {
		msg = env.Error.Message
		if env.Error.Type != "" {
			msg = env.Error.Type + ": " + msg
		}
	}
	if msg == "" {
		msg = http.StatusText(status)
	}

	var cause error = errors.New(msg)
	if status == http.StatusPaymentRequired || mentionsCredits(msg) {
		cause = fmt.Errorf("%w: %s", chat.ErrInsufficientCredits, msg)
	}
	return &chat.TransportError{Op: backend + " completion", StatusCode: status, Err: cause}
}

func mentionsCredits(msg string) bool {
	lower := strings.ToLower(msg)
	for _, m := range creditMarkers {
		if strings.Contains(lower, m) {
			return true
		}
	}
	return false
}

// isTransient reports whether a failed attempt is worth repeating: rate
// limits, upstream 5xx and network failures without a status.
func isTransient(err error) bool {
	if errors.Is(err, chat.ErrInsufficientCredits) ||
		errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	var te *chat.TransportError
	if !errors.As(err, &te) {
		return false
	}
	switch {
	case te.StatusCode == 0:
		return true
	case te.StatusCode == http.StatusTooManyRequests:
		return true
	case te.StatusCode >= 500:
		return true
	}
	return false
}

func outcome(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, chat.ErrInsufficientCredits):
		return "no_credits"
	case chat.StatusCode(err) != 0:
		return fmt.Sprintf("http_%d", chat.StatusCode(err))
	default:
		return "error"
	}
}
