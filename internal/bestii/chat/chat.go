// Package chat defines the domain types shared by every bestii component:
// conversation scopes, messages and their identities, summaries and the
// pagination envelope.
package chat

import (
	"strings"
	"time"

	"github.com/google/uuid"
)

// Role identifies the author of a message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Valid reports whether r is one of the known roles.
func (r Role) Valid() bool {
	return r == RoleUser || r == RoleAssistant
}

// Scope is the (user, persona) pair every message, summary and cursor
// belongs to. Nothing is shared across scopes.
type Scope struct {
	UserID    string
	PersonaID string
}

// Validate returns a *ValidationError when either id is missing.
func (s Scope) Validate() error {
	if strings.TrimSpace(s.UserID) == "" {
		return &ValidationError{Field: "user_id", Reason: "must not be empty"}
	}
	if strings.TrimSpace(s.PersonaID) == "" {
		return &ValidationError{Field: "persona_id", Reason: "must not be empty"}
	}
	return nil
}

// Key returns a stable string form of the scope for map keys and channel names.
func (s Scope) Key() string {
	return s.UserID + "/" + s.PersonaID
}

func (s Scope) String() string { return s.Key() }

// ID is the identity of a message. It is either a LocalID, assigned when a
// message is shown before the store has accepted it, or a StoredID assigned
// by the store. The two never compare equal.
type ID interface {
	isMessageID()
	String() string
}

// LocalID identifies an optimistic message that has not been persisted.
type LocalID string

// StoredID identifies a persisted message.
type StoredID string

func (LocalID) isMessageID()  {}
func (StoredID) isMessageID() {}

func (id LocalID) String() string  { return string(id) }
func (id StoredID) String() string { return string(id) }

// NewLocalID returns a fresh LocalID.
func NewLocalID() LocalID {
	return LocalID("local-" + uuid.NewString())
}

// NewStoredID returns a fresh id for a store that assigns its own ids.
func NewStoredID() StoredID {
	return StoredID(uuid.NewString())
}

// Message is one turn of a conversation. Messages are immutable once stored.
type Message struct {
	ID      ID
	Role    Role
	Content string
	// CreatedAt is server-assigned; zero while the message is pending.
	CreatedAt time.Time
}

// Pending reports whether the message only exists locally.
func (m Message) Pending() bool {
	_, ok := m.ID.(LocalID)
	return ok
}

// Stored returns the message's StoredID when it has one.
func (m Message) Stored() (StoredID, bool) {
	id, ok := m.ID.(StoredID)
	return id, ok
}

// Metadata is the structured part of a summary. Every list is non-nil after
// Normalize, so callers and the stores never see a null collection.
type Metadata struct {
	KeyPeople       []string `json:"key_people"`
	KeyEvents       []string `json:"key_events"`
	EmotionalThemes []string `json:"emotional_themes"`
	Triggers        []string `json:"triggers"`
}

// Normalize returns a copy of m with nil lists replaced by empty ones and
// blank entries removed.
func (m Metadata) Normalize() Metadata {
	return Metadata{
		KeyPeople:       cleanList(m.KeyPeople),
		KeyEvents:       cleanList(m.KeyEvents),
		EmotionalThemes: cleanList(m.EmotionalThemes),
		Triggers:        cleanList(m.Triggers),
	}
}

func cleanList(in []string) []string {
	out := make([]string, 0, len(in))
	for _, s := range in {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}

// Summary compresses a contiguous run of messages. It is written once and
// never modified.
type Summary struct {
	ID                   string
	Summary              string
	Metadata             Metadata
	SourceMessageIDs     []StoredID
	MessageCount         int
	LastMessageTimestamp time.Time
	TokenCount           int
	SummarizedAt         time.Time
}

// PageCursor is an opaque position in a scope's message history. The zero
// value means "start from the newest message".
type PageCursor string

// Page is one slice of history returned by a paginated fetch.
type Page struct {
	// Messages are ordered newest first.
	Messages []Message
	// Next fetches the page of messages older than this one.
	Next PageCursor
	// Exhausted is set when fewer than the requested number of messages were
	// returned, meaning no older messages remain.
	Exhausted bool
}
