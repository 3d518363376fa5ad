package conversation

import (
	"sort"

	"github.com/DennisMainhardt/bestii-sub000/internal/bestii/chat"
)

// pendingEntry is an optimistic message. confirmed is set once the store
// accepted the message but the turn has not finished yet.
type pendingEntry struct {
	msg       chat.Message
	confirmed chat.StoredID
}

// Timeline merges persisted messages from subscriptions and pages with the
// optimistic messages of turns in flight. It is not safe for concurrent
// use.
//
// Persisted messages are keyed by StoredID, so repeated deliveries never
// duplicate. A pending entry disappears when its persisted counterpart
// arrives: by confirmed id, or, before the append returned, as a newly seen
// user message with the same content.
type Timeline struct {
	persisted map[chat.StoredID]chat.Message
	pending   []pendingEntry
}

// NewTimeline returns an empty Timeline.
func NewTimeline() *Timeline {
	return &Timeline{persisted: make(map[chat.StoredID]chat.Message)}
}

// AddPending inserts an optimistic user message and returns it.
func (t *Timeline) AddPending(content string) chat.Message {
	msg := chat.Message{ID: chat.NewLocalID(), Role: chat.RoleUser, Content: content}
	t.pending = append(t.pending, pendingEntry{msg: msg})
	return msg
}

// Confirm records that the store accepted the pending message local as id.
// The entry stays visible until the turn resolves or a snapshot carries id.
func (t *Timeline) Confirm(local chat.LocalID, id chat.StoredID) {
	for i := range t.pending {
		if t.pending[i].msg.ID == local {
			t.pending[i].confirmed = id
			return
		}
	}
}

// Resolve replaces the pending message local with its persisted counterpart.
func (t *Timeline) Resolve(local chat.LocalID, stored chat.Message) {
	t.Discard(local)
	t.insert(stored)
}

// Discard removes the pending message local. Unknown ids are ignored.
func (t *Timeline) Discard(local chat.LocalID) {
	for i := range t.pending {
		if t.pending[i].msg.ID == local {
			t.pending = append(t.pending[:i], t.pending[i+1:]...)
			return
		}
	}
}

// Insert adds persisted messages, such as an older page or an assistant
// reply. Messages without a StoredID are ignored.
func (t *Timeline) Insert(msgs ...chat.Message) {
	for _, m := range msgs {
		t.insert(m)
	}
}

func (t *Timeline) insert(m chat.Message) bool {
	id, ok := m.Stored()
	if !ok {
		return false
	}
	if _, seen := t.persisted[id]; seen {
		return false
	}
	t.persisted[id] = m
	return true
}

// ApplySnapshot merges a subscription delivery and retires the pending
// entries it supersedes. Delivery order is irrelevant.
func (t *Timeline) ApplySnapshot(msgs []chat.Message) {
	arrived := make(map[chat.StoredID]bool, len(msgs))
	var fresh []chat.Message
	for _, m := range msgs {
		id, ok := m.Stored()
		if !ok {
			continue
		}
		arrived[id] = true
		if t.insert(m) && m.Role == chat.RoleUser {
			fresh = append(fresh, m)
		}
	}

	// A message confirmed for one entry cannot stand in for another.
	claimed := make(map[chat.StoredID]bool, len(t.pending))
	for _, p := range t.pending {
		if p.confirmed != "" {
			claimed[p.confirmed] = true
		}
	}
	unclaimed := fresh[:0]
	for _, m := range fresh {
		if id, _ := m.Stored(); !claimed[id] {
			unclaimed = append(unclaimed, m)
		}
	}
	fresh = unclaimed

	kept := t.pending[:0]
	for _, p := range t.pending {
		switch {
		case p.confirmed != "" && arrived[p.confirmed]:
			continue
		case p.confirmed == "" && claim(&fresh, p.msg.Content):
			continue
		}
		kept = append(kept, p)
	}
	t.pending = kept
}

// claim removes the first message in fresh with content and reports whether
// one was found. Each fresh message supersedes at most one pending entry.
func claim(fresh *[]chat.Message, content string) bool {
	for i, m := range *fresh {
		if m.Content == content {
			*fresh = append((*fresh)[:i], (*fresh)[i+1:]...)
			return true
		}
	}
	return false
}

// Messages returns the rendered list: persisted messages ascending by
// CreatedAt, then pending messages in the order they were sent.
func (t *Timeline) Messages() []chat.Message {
	out := make([]chat.Message, 0, len(t.persisted)+len(t.pending))
	for _, m := range t.persisted {
		out = append(out, m)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID.String() < out[j].ID.String()
	})
	for _, p := range t.pending {
		out = append(out, p.msg)
	}
	return out
}

// Pending returns the number of optimistic messages.
func (t *Timeline) Pending() int { return len(t.pending) }

// Len returns the number of messages, pending included.
func (t *Timeline) Len() int { return len(t.persisted) + len(t.pending) }
