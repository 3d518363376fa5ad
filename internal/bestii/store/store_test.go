package store_test

import (
	"context"
	"errors"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/DennisMainhardt/bestii-sub000/internal/bestii/chat"
	"github.com/DennisMainhardt/bestii-sub000/internal/bestii/store"
)

var (
	ctx    = context.Background()
	alice  = chat.Scope{UserID: "alice", PersonaID: "bestie"}
	aliceB = chat.Scope{UserID: "alice", PersonaID: "sage"}
)

func newTestStore(t *testing.T, opts ...store.Option) *store.Store {
	t.Helper()
	f, err := os.CreateTemp(t.TempDir(), "bestii-test-*.db")
	if err != nil {
		t.Fatalf("failed to create temp db file: %v", err)
	}
	f.Close()

	s, err := store.New(f.Name(), opts...)
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

// frozenClock makes every write collide on the same wall-clock instant.
func frozenClock() func() time.Time {
	at := time.Date(2026, 10, 16, 12, 0, 0, 0, time.UTC)
	return func() time.Time { return at }
}

func appendN(t *testing.T, s *store.Store, scope chat.Scope, n int) []chat.Message {
	t.Helper()
	out := make([]chat.Message, 0, n)
	for i := range n {
		role := chat.RoleUser
		if i%2 == 1 {
			role = chat.RoleAssistant
		}
		msg, err := s.Append(ctx, scope, role, fmt.Sprintf("message %d", i))
		if err != nil {
			t.Fatalf("Append #%d: %v", i, err)
		}
		out = append(out, msg)
	}
	return out
}

func TestNew_MigrationsAreIdempotent(t *testing.T) {
	path := t.TempDir() + "/bestii.db"
	s, err := store.New(path)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if _, err := s.Append(ctx, alice, chat.RoleUser, "hello"); err != nil {
		t.Fatalf("Append: %v", err)
	}
	s.Close()

	s, err = store.New(path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer s.Close()

	var versions int
	if err := s.DB().QueryRow("SELECT COUNT(*) FROM schema_migrations").Scan(&versions); err != nil {
		t.Fatalf("count migrations: %v", err)
	}
	if versions != 2 {
		t.Errorf("schema_migrations rows = %d, want 2", versions)
	}
	st, err := s.Stats(ctx)
	if err != nil {
		t.Fatalf("Stats: %v", err)
	}
	if st.Messages != 1 {
		t.Errorf("Messages = %d, want 1", st.Messages)
	}
}

func TestAppend_Validation(t *testing.T) {
	s := newTestStore(t)
	tests := []struct {
		name    string
		scope   chat.Scope
		role    chat.Role
		content string
		field   string
	}{
		{"empty content", alice, chat.RoleUser, "", "content"},
		{"blank content", alice, chat.RoleUser, "  \n", "content"},
		{"missing user", chat.Scope{PersonaID: "bestie"}, chat.RoleUser, "hi", "user_id"},
		{"missing persona", chat.Scope{UserID: "alice"}, chat.RoleUser, "hi", "persona_id"},
		{"unknown role", alice, chat.Role("system"), "hi", "role"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := s.Append(ctx, tt.scope, tt.role, tt.content)
			var ve *chat.ValidationError
			if !errors.As(err, &ve) {
				t.Fatalf("expected *ValidationError, got %v", err)
			}
			if ve.Field != tt.field {
				t.Errorf("Field = %q, want %q", ve.Field, tt.field)
			}
		})
	}
}

func TestAppend_TimestampsStrictlyIncrease(t *testing.T) {
	s := newTestStore(t, store.WithClock(frozenClock()))
	msgs := appendN(t, s, alice, 5)
	for i := 1; i < len(msgs); i++ {
		if !msgs[i].CreatedAt.After(msgs[i-1].CreatedAt) {
			t.Fatalf("message %d at %v is not after %v", i, msgs[i].CreatedAt, msgs[i-1].CreatedAt)
		}
	}
	for _, m := range msgs {
		if m.Pending() {
			t.Fatalf("stored message %v reported pending", m.ID)
		}
	}
}

func TestFetchPage_Termination(t *testing.T) {
	tests := []struct {
		total, pageSize, wantCalls int
	}{
		{0, 4, 1},
		{3, 4, 1},
		{8, 4, 2},
		{10, 4, 3},
		{12, 5, 3},
	}
	for _, tt := range tests {
		t.Run(fmt.Sprintf("%d_by_%d", tt.total, tt.pageSize), func(t *testing.T) {
			s := newTestStore(t, store.WithClock(frozenClock()))
			appended := appendN(t, s, alice, tt.total)
			appendN(t, s, aliceB, 3)

			var (
				cursor chat.PageCursor
				seen   []chat.Message
				calls  int
			)
			for {
				calls++
				if calls > 100 {
					t.Fatal("pagination did not terminate")
				}
				page, err := s.FetchPage(ctx, alice, tt.pageSize, cursor)
				if err != nil {
					t.Fatalf("FetchPage: %v", err)
				}
				if len(page.Messages) > tt.pageSize {
					t.Fatalf("page of %d exceeds page size", len(page.Messages))
				}
				if len(page.Messages) < tt.pageSize && !page.Exhausted {
					t.Fatal("short page must be exhausted")
				}
				seen = append(seen, page.Messages...)
				if page.Exhausted {
					break
				}
				cursor = page.Next
			}

			if calls != tt.wantCalls {
				t.Errorf("calls = %d, want %d", calls, tt.wantCalls)
			}
			if len(seen) != tt.total {
				t.Fatalf("collected %d messages, want %d", len(seen), tt.total)
			}
			// Newest first: seen is appended reversed.
			for i, m := range seen {
				want := appended[tt.total-1-i]
				if m.ID != want.ID {
					t.Fatalf("position %d: got %v, want %v", i, m.ID, want.ID)
				}
			}
		})
	}
}

func TestFetchPage_BadInput(t *testing.T) {
	s := newTestStore(t)
	if _, err := s.FetchPage(ctx, alice, 0, ""); !chat.IsValidation(err) {
		t.Errorf("page size 0: expected validation error, got %v", err)
	}
	if _, err := s.FetchPage(ctx, alice, 5, "%%%not-base64"); !chat.IsValidation(err) {
		t.Errorf("bad cursor: expected validation error, got %v", err)
	}
}

func TestMessagesSince(t *testing.T) {
	s := newTestStore(t)
	msgs := appendN(t, s, alice, 6)

	all, err := s.MessagesSince(ctx, alice, nil)
	if err != nil {
		t.Fatalf("MessagesSince(nil): %v", err)
	}
	if len(all) != 6 {
		t.Fatalf("len = %d, want 6", len(all))
	}

	cut := msgs[3].CreatedAt
	rest, err := s.MessagesSince(ctx, alice, &cut)
	if err != nil {
		t.Fatalf("MessagesSince: %v", err)
	}
	if len(rest) != 2 || rest[0].ID != msgs[4].ID || rest[1].ID != msgs[5].ID {
		t.Fatalf("unexpected candidates: %+v", rest)
	}
}

func TestDeleteScope(t *testing.T) {
	s := newTestStore(t)
	msgs := appendN(t, s, alice, 4)
	appendN(t, s, aliceB, 2)
	if _, err := s.AppendSummary(ctx, alice, chat.Summary{Summary: "x", LastMessageTimestamp: msgs[3].CreatedAt}); err != nil {
		t.Fatalf("AppendSummary: %v", err)
	}
	if err := s.AdvanceCursor(ctx, alice, msgs[3].CreatedAt); err != nil {
		t.Fatalf("AdvanceCursor: %v", err)
	}

	removed, err := s.DeleteScope(ctx, alice)
	if err != nil {
		t.Fatalf("DeleteScope: %v", err)
	}
	if removed != 4 {
		t.Errorf("removed = %d, want 4", removed)
	}
	if left, _ := s.MessagesSince(ctx, alice, nil); len(left) != 0 {
		t.Errorf("alice still has %d messages", len(left))
	}
	if other, _ := s.MessagesSince(ctx, aliceB, nil); len(other) != 2 {
		t.Errorf("other persona lost messages: %d", len(other))
	}
	if cur, _ := s.GetCursor(ctx, alice); cur != nil {
		t.Errorf("cursor survived delete: %v", cur)
	}
}

func TestCreditUsage(t *testing.T) {
	s := newTestStore(t)
	if used, err := s.CreditUsage(ctx, "alice", "day:2026-10-16"); err != nil || used != 0 {
		t.Fatalf("initial usage = %d, %v", used, err)
	}
	for range 3 {
		if err := s.AddCreditUsage(ctx, "alice", 2, "day:2026-10-16", "month:2026-10"); err != nil {
			t.Fatalf("AddCreditUsage: %v", err)
		}
	}
	day, _ := s.CreditUsage(ctx, "alice", "day:2026-10-16")
	month, _ := s.CreditUsage(ctx, "alice", "month:2026-10")
	if day != 6 || month != 6 {
		t.Errorf("day = %d, month = %d, want 6 and 6", day, month)
	}
	if err := s.AddCreditUsage(ctx, "", 1, "day:2026-10-16"); !chat.IsValidation(err) {
		t.Errorf("expected validation error for empty user, got %v", err)
	}
}
