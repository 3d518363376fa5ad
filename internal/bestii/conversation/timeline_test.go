package conversation

import (
	"fmt"
	"math/rand"
	"testing"
	"time"

	"github.com/DennisMainhardt/bestii-sub000/internal/bestii/chat"
)

var t0 = time.Date(2026, 10, 16, 10, 0, 0, 0, time.UTC)

func stored(id string, role chat.Role, content string, offset int) chat.Message {
	return chat.Message{
		ID:        chat.StoredID(id),
		Role:      role,
		Content:   content,
		CreatedAt: t0.Add(time.Duration(offset) * time.Second),
	}
}

func assertAscending(t *testing.T, msgs []chat.Message) {
	t.Helper()
	seenPending := false
	for i, m := range msgs {
		if m.Pending() {
			seenPending = true
			continue
		}
		if seenPending {
			t.Fatalf("persisted message %v rendered after a pending one", m.ID)
		}
		if i > 0 && m.CreatedAt.Before(msgs[i-1].CreatedAt) {
			t.Fatalf("messages out of order at %d: %v before %v", i, msgs[i-1].CreatedAt, m.CreatedAt)
		}
	}
}

func TestTimeline_OrderingUnderShuffledDelivery(t *testing.T) {
	all := make([]chat.Message, 30)
	for i := range all {
		role := chat.RoleUser
		if i%2 == 1 {
			role = chat.RoleAssistant
		}
		all[i] = stored(fmt.Sprintf("m%02d", i), role, "m", i)
	}

	rng := rand.New(rand.NewSource(7))
	tl := NewTimeline()
	tl.AddPending("still sending")
	for round := 0; round < 20; round++ {
		start := rng.Intn(len(all))
		window := append([]chat.Message(nil), all[start:min(start+10, len(all))]...)
		rng.Shuffle(len(window), func(i, j int) { window[i], window[j] = window[j], window[i] })
		tl.ApplySnapshot(window)
		assertAscending(t, tl.Messages())
	}

	tl.ApplySnapshot(all)
	msgs := tl.Messages()
	if len(msgs) != 31 {
		t.Fatalf("len = %d, want 31", len(msgs))
	}
	assertAscending(t, msgs)
}

func TestTimeline_SnapshotBeforeAppendReturns(t *testing.T) {
	tl := NewTimeline()
	tl.ApplySnapshot([]chat.Message{stored("m1", chat.RoleUser, "earlier", 0)})

	local := tl.AddPending("hello")
	// The subscription sees the write before Append returned.
	persisted := stored("m2", chat.RoleUser, "hello", 1)
	tl.ApplySnapshot([]chat.Message{stored("m1", chat.RoleUser, "earlier", 0), persisted})

	if tl.Pending() != 0 {
		t.Fatalf("pending = %d, want 0", tl.Pending())
	}
	tl.Confirm(local.ID.(chat.LocalID), "m2")
	tl.Resolve(local.ID.(chat.LocalID), persisted)

	assertExactlyOnce(t, tl.Messages(), "hello")
}

func TestTimeline_SnapshotAfterConfirm(t *testing.T) {
	tl := NewTimeline()
	local := tl.AddPending("hello").ID.(chat.LocalID)
	tl.Confirm(local, "m1")

	// A snapshot without the confirmed id keeps the pending entry.
	tl.ApplySnapshot(nil)
	if tl.Pending() != 1 {
		t.Fatalf("pending = %d, want 1", tl.Pending())
	}

	tl.ApplySnapshot([]chat.Message{stored("m1", chat.RoleUser, "hello", 0)})
	if tl.Pending() != 0 {
		t.Fatalf("pending = %d after snapshot with confirmed id", tl.Pending())
	}
	tl.Resolve(local, stored("m1", chat.RoleUser, "hello", 0))
	assertExactlyOnce(t, tl.Messages(), "hello")
}

func TestTimeline_ResolveThenSnapshot(t *testing.T) {
	tl := NewTimeline()
	local := tl.AddPending("hello").ID.(chat.LocalID)
	user := stored("m1", chat.RoleUser, "hello", 0)
	tl.Confirm(local, "m1")
	tl.Resolve(local, user)
	tl.Insert(stored("m2", chat.RoleAssistant, "hi!", 1))

	tl.ApplySnapshot([]chat.Message{user, stored("m2", chat.RoleAssistant, "hi!", 1)})
	tl.ApplySnapshot([]chat.Message{user, stored("m2", chat.RoleAssistant, "hi!", 1)})

	msgs := tl.Messages()
	if len(msgs) != 2 {
		t.Fatalf("len = %d, want 2", len(msgs))
	}
	assertExactlyOnce(t, msgs, "hello")
}

func TestTimeline_RepeatedContent(t *testing.T) {
	tl := NewTimeline()
	first := tl.AddPending("ok").ID.(chat.LocalID)
	tl.Confirm(first, "m1")
	tl.AddPending("ok")

	// m1 belongs to the first entry; it must not retire the second.
	tl.ApplySnapshot([]chat.Message{stored("m1", chat.RoleUser, "ok", 0)})
	if tl.Pending() != 1 {
		t.Fatalf("pending = %d, want 1", tl.Pending())
	}

	tl.ApplySnapshot([]chat.Message{stored("m1", chat.RoleUser, "ok", 0), stored("m2", chat.RoleUser, "ok", 1)})
	if tl.Pending() != 0 {
		t.Fatalf("pending = %d, want 0", tl.Pending())
	}
	if len(tl.Messages()) != 2 {
		t.Errorf("len = %d, want 2", len(tl.Messages()))
	}
}

func TestTimeline_AssistantContentDoesNotRetirePending(t *testing.T) {
	tl := NewTimeline()
	tl.AddPending("same words")
	tl.ApplySnapshot([]chat.Message{stored("m1", chat.RoleAssistant, "same words", 0)})
	if tl.Pending() != 1 {
		t.Errorf("pending = %d, want 1", tl.Pending())
	}
}

func TestTimeline_Discard(t *testing.T) {
	tl := NewTimeline()
	local := tl.AddPending("oops").ID.(chat.LocalID)
	tl.Discard(local)
	tl.Discard(local)
	if tl.Len() != 0 {
		t.Errorf("len = %d, want 0", tl.Len())
	}
}

func TestTimeline_InsertIgnoresLocalIDs(t *testing.T) {
	tl := NewTimeline()
	tl.Insert(chat.Message{ID: chat.NewLocalID(), Role: chat.RoleUser, Content: "x"})
	tl.ApplySnapshot([]chat.Message{{ID: chat.NewLocalID(), Role: chat.RoleUser, Content: "y"}})
	if tl.Len() != 0 {
		t.Errorf("local ids must never be merged, len = %d", tl.Len())
	}
}

func assertExactlyOnce(t *testing.T, msgs []chat.Message, content string) {
	t.Helper()
	n := 0
	for _, m := range msgs {
		if m.Content == content {
			n++
			if m.Pending() {
				t.Errorf("%q is still pending", content)
			}
		}
	}
	if n != 1 {
		t.Errorf("%q appears %d times, want 1", content, n)
	}
}
