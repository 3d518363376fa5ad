package app_test

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/DennisMainhardt/bestii-sub000/common/retry"
	"github.com/DennisMainhardt/bestii-sub000/internal/bestii/app"
	"github.com/DennisMainhardt/bestii-sub000/internal/bestii/chat"
	"github.com/DennisMainhardt/bestii-sub000/internal/bestii/conversation"
)

// fakeProxy answers OpenAI-shaped and Anthropic-shaped requests. Requests
// whose system prompt asks for memory notes get a summary JSON reply.
type fakeProxy struct {
	mu    sync.Mutex
	paths []string
}

func (p *fakeProxy) hits(path string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := 0
	for _, h := range p.paths {
		if h == path {
			n++
		}
	}
	return n
}

func (p *fakeProxy) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	p.mu.Lock()
	p.paths = append(p.paths, r.URL.Path)
	p.mu.Unlock()

	var body struct {
		System   string `json:"system"`
		Messages []struct {
			Role    string `json:"role"`
			Content string `json:"content"`
		} `json:"messages"`
	}
	_ = json.NewDecoder(r.Body).Decode(&body)
	system := body.System
	if len(body.Messages) > 0 && body.Messages[0].Role == "system" {
		system = body.Messages[0].Content
	}

	reply := "that sounds lovely"
	if strings.Contains(system, "long-term memory") {
		reply = `{"summary": "The user shared good news.", "metadata": {"key_events": ["good news"]}}`
	}

	w.Header().Set("Content-Type", "application/json")
	switch r.URL.Path {
	case "/openai/chat/completions":
		_ = json.NewEncoder(w).Encode(map[string]any{
			"model":   "gpt-test",
			"choices": []any{map[string]any{"message": map[string]any{"role": "assistant", "content": reply}}},
		})
	case "/anthropic/messages":
		_ = json.NewEncoder(w).Encode(map[string]any{
			"model":   "claude-test",
			"content": []any{map[string]any{"type": "text", "text": reply}},
		})
	default:
		http.NotFound(w, r)
	}
}

func newApp(t *testing.T, mutate ...func(*app.Config)) (*app.App, *fakeProxy) {
	t.Helper()
	proxy := &fakeProxy{}
	srv := httptest.NewServer(proxy)
	t.Cleanup(srv.Close)

	cfg := app.Config{
		DatabasePath:     filepath.Join(t.TempDir(), "bestii.db"),
		OpenAIURL:        srv.URL + "/openai",
		OpenAIAPIKey:     "sk-test",
		AnthropicURL:     srv.URL + "/anthropic",
		AnthropicAPIKey:  "ant-test",
		Retry:            retry.Config{MaxAttempts: 1, InitialDelay: time.Millisecond, MaxDelay: time.Millisecond},
		SummaryThreshold: 2,
		DailyCredits:     2,
		MonthlyCredits:   10,
	}
	for _, m := range mutate {
		m(&cfg)
	}
	a, err := app.New(context.Background(), cfg, nil)
	if err != nil {
		t.Fatalf("app.New: %v", err)
	}
	t.Cleanup(func() { a.Close() })
	return a, proxy
}

func TestApp_TurnsSummariesAndCredits(t *testing.T) {
	a, proxy := newApp(t)
	ctx := context.Background()

	ctrl, err := a.NewController("u1", nil)
	if err != nil {
		t.Fatal(err)
	}
	defer ctrl.Close()

	if err := ctrl.Activate(ctx, "bestie"); err != nil {
		t.Fatal(err)
	}
	reply, err := ctrl.Send(ctx, "I got the job!")
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	if reply.Content != "that sounds lovely" {
		t.Errorf("reply = %q", reply.Content)
	}
	if err := a.Consume(ctx, "u1"); err != nil {
		t.Fatal(err)
	}
	a.Summariser().Wait()

	sums, err := a.Store().ListRecentSummaries(ctx, chat.Scope{UserID: "u1", PersonaID: "bestie"}, 3)
	if err != nil {
		t.Fatal(err)
	}
	if len(sums) != 1 || sums[0].Summary != "The user shared good news." || sums[0].MessageCount != 2 {
		t.Fatalf("summaries = %+v", sums)
	}

	// sage talks to the Anthropic-shaped endpoint.
	if err := ctrl.Activate(ctx, "sage"); err != nil {
		t.Fatal(err)
	}
	if _, err := ctrl.Send(ctx, "hello sage"); err != nil {
		t.Fatalf("Send sage: %v", err)
	}
	if err := a.Consume(ctx, "u1"); err != nil {
		t.Fatal(err)
	}
	if proxy.hits("/anthropic/messages") != 1 {
		t.Errorf("anthropic hits = %d, want 1", proxy.hits("/anthropic/messages"))
	}

	bal, ok, err := a.Balance(ctx, "u1")
	if err != nil || !ok {
		t.Fatalf("Balance: %v, %v", ok, err)
	}
	if bal.Remaining != 0 || bal.DailyUsed != 2 {
		t.Errorf("balance = %+v", bal)
	}

	a.Summariser().Wait()
	if _, err := ctrl.Send(ctx, "one more"); !errors.Is(err, conversation.ErrNoCredits) {
		t.Errorf("third Send = %v, want ErrNoCredits", err)
	}
}

func TestApp_UnlimitedCredits(t *testing.T) {
	a, _ := newApp(t, func(c *app.Config) { c.DailyCredits = -1 })
	ctx := context.Background()

	if _, ok, _ := a.Balance(ctx, "u1"); ok {
		t.Error("balance should be unavailable with credits disabled")
	}
	if err := a.Consume(ctx, "u1"); err != nil {
		t.Errorf("Consume: %v", err)
	}
}

func TestApp_PersonasFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "personas.yaml")
	yaml := `personas:
  - id: coach
    backend: anthropic
    instructions: You are a running coach.
`
	if err := os.WriteFile(path, []byte(yaml), 0o600); err != nil {
		t.Fatal(err)
	}
	a, proxy := newApp(t, func(c *app.Config) { c.PersonasFile = path })

	ids := a.Personas().IDs()
	if strings.Join(ids, ",") != "bestie,coach,sage" {
		t.Fatalf("personas = %v", ids)
	}

	ctrl, err := a.NewController("u2", nil)
	if err != nil {
		t.Fatal(err)
	}
	defer ctrl.Close()
	ctx := context.Background()
	if err := ctrl.Activate(ctx, "coach"); err != nil {
		t.Fatal(err)
	}
	if _, err := ctrl.Send(ctx, "5k tips?"); err != nil {
		t.Fatal(err)
	}
	if proxy.hits("/anthropic/messages") != 1 {
		t.Errorf("coach should use the anthropic endpoint")
	}
}

func TestApp_RejectsBadConfig(t *testing.T) {
	tests := []struct {
		name string
		cfg  app.Config
	}{
		{"unknown backend", app.Config{StoreBackend: "postgres"}},
		{"firestore without project", app.Config{StoreBackend: app.BackendFirestore}},
		{"missing personas file", app.Config{
			DatabasePath: filepath.Join(t.TempDir(), "x.db"),
			PersonasFile: filepath.Join(t.TempDir(), "absent.yaml"),
		}},
		{"unknown summary backend", app.Config{
			DatabasePath:   filepath.Join(t.TempDir(), "y.db"),
			SummaryBackend: "gemini",
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			a, err := app.New(context.Background(), tt.cfg, nil)
			if err == nil {
				a.Close()
				t.Fatal("expected an error")
			}
		})
	}
}

func TestApp_RunServesHealthDuringSession(t *testing.T) {
	a, _ := newApp(t, func(c *app.Config) { c.HTTPAddr = "127.0.0.1:0" })

	var status int
	err := a.Run(context.Background(), func(ctx context.Context) error {
		req, _ := http.NewRequestWithContext(ctx, http.MethodGet, "http://"+a.Health().Addr()+"/health", nil)
		resp, err := http.DefaultClient.Do(req)
		if err != nil {
			return err
		}
		resp.Body.Close()
		status = resp.StatusCode
		return nil
	})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if status != http.StatusOK {
		t.Errorf("health status = %d", status)
	}
}

func TestApp_RunStopsOnCancel(t *testing.T) {
	a, _ := newApp(t)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- a.Run(ctx, nil) }()
	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Run = %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}

func TestConfigFromEnv(t *testing.T) {
	t.Setenv("BESTII_STORE_BACKEND", "sqlite")
	t.Setenv("BESTII_DATABASE_PATH", "/tmp/chat.db")
	t.Setenv("BESTII_SUMMARY_THRESHOLD", "8")
	t.Setenv("BESTII_DAILY_CREDITS", "3")
	t.Setenv("BESTII_HTTP_ADDR", ":9090")

	cfg, err := app.ConfigFromEnv()
	if err != nil {
		t.Fatal(err)
	}
	if cfg.DatabasePath != "/tmp/chat.db" || cfg.SummaryThreshold != 8 || cfg.DailyCredits != 3 || cfg.HTTPAddr != ":9090" {
		t.Errorf("cfg = %+v", cfg)
	}

	t.Setenv("BESTII_STORE_BACKEND", "mongo")
	if _, err := app.ConfigFromEnv(); err == nil {
		t.Error("expected an error for an unknown backend")
	}
}
