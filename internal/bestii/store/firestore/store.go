// Package firestore is the Cloud Firestore backend for messages, summaries,
// summarisation cursors and credit usage. It offers the same operations as
// the SQLite store and uses Firestore snapshot listeners for subscriptions.
//
// Layout:
//
//	users/{uid}/personas/{persona}/messages/{id}
//	users/{uid}/personas/{persona}/summaries/{id}
//	users/{uid}/personas/{persona}/state/summary_cursor
//	users/{uid}/credit_usage/{period}
//
// Message timestamps are Firestore commit timestamps. Messages committed at
// the same instant are ordered by document id.
package firestore

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"cloud.google.com/go/firestore"
	"google.golang.org/api/iterator"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/DennisMainhardt/bestii-sub000/internal/bestii/chat"
)

// SubscriptionWindow is the number of most recent messages a subscription
// delivers on every change.
const SubscriptionWindow = 50

// Store implements the message and summary store operations on Firestore.
type Store struct {
	client *firestore.Client
	logger *slog.Logger
}

// New creates a Firestore client for projectID. When FIRESTORE_EMULATOR_HOST
// is set the client talks to the emulator.
func New(ctx context.Context, projectID string, logger *slog.Logger) (*Store, error) {
	if projectID == "" {
		return nil, fmt.Errorf("firestore: project id is required")
	}
	client, err := firestore.NewClient(ctx, projectID)
	if err != nil {
		return nil, fmt.Errorf("firestore: create client: %w", err)
	}
	return NewWithClient(client, logger), nil
}

// NewWithClient wraps an existing client.
func NewWithClient(client *firestore.Client, logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{client: client, logger: logger.With("component", "store.firestore")}
}

// Close closes the Firestore client.
func (s *Store) Close() error {
	return s.client.Close()
}

// --- paths ---

func (s *Store) personaDoc(scope chat.Scope) *firestore.DocumentRef {
	return s.client.Collection("users").Doc(scope.UserID).Collection("personas").Doc(scope.PersonaID)
}

func (s *Store) messagesCol(scope chat.Scope) *firestore.CollectionRef {
	return s.personaDoc(scope).Collection("messages")
}

func (s *Store) summariesCol(scope chat.Scope) *firestore.CollectionRef {
	return s.personaDoc(scope).Collection("summaries")
}

func (s *Store) cursorDoc(scope chat.Scope) *firestore.DocumentRef {
	return s.personaDoc(scope).Collection("state").Doc("summary_cursor")
}

func (s *Store) creditDoc(userID, period string) *firestore.DocumentRef {
	return s.client.Collection("users").Doc(userID).Collection("credit_usage").Doc(period)
}

// --- documents ---

type messageDoc struct {
	Role      string    `firestore:"role"`
	Content   string    `firestore:"content"`
	CreatedAt time.Time `firestore:"created_at"`
}

type summaryDoc struct {
	Summary              string    `firestore:"summary"`
	KeyPeople            []string  `firestore:"key_people"`
	KeyEvents            []string  `firestore:"key_events"`
	EmotionalThemes      []string  `firestore:"emotional_themes"`
	Triggers             []string  `firestore:"triggers"`
	SourceMessageIDs     []string  `firestore:"source_message_ids"`
	MessageCount         int       `firestore:"message_count"`
	LastMessageTimestamp time.Time `firestore:"last_message_timestamp"`
	TokenCount           int       `firestore:"token_count"`
	SummarizedAt         time.Time `firestore:"summarized_at"`
}

type cursorDoc struct {
	LastSummaryTimestamp time.Time `firestore:"last_summary_timestamp"`
}

func toMessage(snap *firestore.DocumentSnapshot) (chat.Message, error) {
	var doc messageDoc
	if err := snap.DataTo(&doc); err != nil {
		return chat.Message{}, fmt.Errorf("firestore: decode message %s: %w", snap.Ref.ID, err)
	}
	return chat.Message{
		ID:        chat.StoredID(snap.Ref.ID),
		Role:      chat.Role(doc.Role),
		Content:   doc.Content,
		CreatedAt: doc.CreatedAt.UTC(),
	}, nil
}

func transportErr(op string, err error) error {
	return &chat.TransportError{Op: "firestore " + op, Err: err}
}

// --- messages ---

// Append stores a message stamped with the commit timestamp.
func (s *Store) Append(ctx context.Context, scope chat.Scope, role chat.Role, content string) (chat.Message, error) {
	if err := scope.Validate(); err != nil {
		return chat.Message{}, err
	}
	if !role.Valid() {
		return chat.Message{}, &chat.ValidationError{Field: "role", Reason: fmt.Sprintf("unknown role %q", role)}
	}
	if strings.TrimSpace(content) == "" {
		return chat.Message{}, &chat.ValidationError{Field: "content", Reason: "must not be empty"}
	}

	ref := s.messagesCol(scope).NewDoc()
	wr, err := ref.Create(ctx, map[string]any{
		"role":       string(role),
		"content":    content,
		"created_at": firestore.ServerTimestamp,
	})
	if err != nil {
		return chat.Message{}, transportErr("append", err)
	}
	return chat.Message{
		ID:        chat.StoredID(ref.ID),
		Role:      role,
		Content:   content,
		CreatedAt: wr.UpdateTime.UTC(),
	}, nil
}

// FetchPage returns up to pageSize messages older than cursor, newest first.
func (s *Store) FetchPage(ctx context.Context, scope chat.Scope, pageSize int, cursor chat.PageCursor) (chat.Page, error) {
	if err := scope.Validate(); err != nil {
		return chat.Page{}, err
	}
	if pageSize <= 0 {
		return chat.Page{}, &chat.ValidationError{Field: "page_size", Reason: "must be positive"}
	}

	col := s.messagesCol(scope)
	q := col.OrderBy("created_at", firestore.Desc).OrderBy(firestore.DocumentID, firestore.Desc)
	if cursor != "" {
		at, id, err := decodeCursor(cursor)
		if err != nil {
			return chat.Page{}, err
		}
		q = q.StartAfter(at, col.Doc(id))
	}

	msgs, err := s.collect(ctx, q.Limit(pageSize+1), "fetch page")
	if err != nil {
		return chat.Page{}, err
	}

	page := chat.Page{Next: cursor}
	if len(msgs) > pageSize {
		msgs = msgs[:pageSize]
	} else {
		page.Exhausted = true
	}
	page.Messages = msgs
	if n := len(msgs); n > 0 {
		last := msgs[n-1]
		page.Next = encodeCursor(last.CreatedAt, last.ID.String())
	}
	return page, nil
}

// MessagesSince returns messages created strictly after after, ascending.
func (s *Store) MessagesSince(ctx context.Context, scope chat.Scope, after *time.Time) ([]chat.Message, error) {
	if err := scope.Validate(); err != nil {
		return nil, err
	}
	q := s.messagesCol(scope).Query
	if after != nil {
		q = q.Where("created_at", ">", *after)
	}
	q = q.OrderBy("created_at", firestore.Asc).OrderBy(firestore.DocumentID, firestore.Asc)
	return s.collect(ctx, q, "messages since")
}

func (s *Store) collect(ctx context.Context, q firestore.Query, op string) ([]chat.Message, error) {
	iter := q.Documents(ctx)
	defer iter.Stop()

	var out []chat.Message
	for {
		snap, err := iter.Next()
		if errors.Is(err, iterator.Done) {
			break
		}
		if err != nil {
			return nil, transportErr(op, err)
		}
		msg, err := toMessage(snap)
		if err != nil {
			return nil, err
		}
		out = append(out, msg)
	}
	return out, nil
}

// Subscribe listens to the newest SubscriptionWindow messages of scope and
// delivers them in ascending order on every change. The returned function
// stops the listener and is safe to call more than once.
func (s *Store) Subscribe(ctx context.Context, scope chat.Scope, onUpdate func([]chat.Message), onError func(error)) (func(), error) {
	if err := scope.Validate(); err != nil {
		return nil, err
	}
	if onUpdate == nil {
		return nil, fmt.Errorf("firestore: subscribe: onUpdate is required")
	}

	listenCtx, cancel := context.WithCancel(ctx)
	it := s.messagesCol(scope).
		OrderBy("created_at", firestore.Desc).
		Limit(SubscriptionWindow).
		Snapshots(listenCtx)

	go func() {
		defer it.Stop()
		for {
			qs, err := it.Next()
			if err != nil {
				if listenCtx.Err() != nil || status.Code(err) == codes.Canceled {
					return
				}
				s.logger.Warn("subscription listener failed", "scope", scope.Key(), "err", err)
				if onError != nil {
					onError(transportErr("subscribe", err))
				}
				return
			}
			docs, err := qs.Documents.GetAll()
			if err != nil {
				if onError != nil {
					onError(transportErr("subscribe", err))
				}
				continue
			}
			msgs := make([]chat.Message, 0, len(docs))
			for i := len(docs) - 1; i >= 0; i-- {
				msg, err := toMessage(docs[i])
				if err != nil {
					s.logger.Warn("skipping undecodable message", "scope", scope.Key(), "err", err)
					continue
				}
				msgs = append(msgs, msg)
			}
			onUpdate(msgs)
		}
	}()

	var once sync.Once
	return func() { once.Do(cancel) }, nil
}

// DeleteScope removes the messages, summaries and cursor of scope.
func (s *Store) DeleteScope(ctx context.Context, scope chat.Scope) (int64, error) {
	if err := scope.Validate(); err != nil {
		return 0, err
	}
	bw := s.client.BulkWriter(ctx)
	var removed int64
	for _, col := range []*firestore.CollectionRef{s.messagesCol(scope), s.summariesCol(scope)} {
		refs, err := col.DocumentRefs(ctx).GetAll()
		if err != nil {
			bw.End()
			return 0, transportErr("delete scope", err)
		}
		for _, ref := range refs {
			if _, err := bw.Delete(ref); err != nil {
				bw.End()
				return 0, transportErr("delete scope", err)
			}
			if col.ID == "messages" {
				removed++
			}
		}
	}
	if _, err := bw.Delete(s.cursorDoc(scope)); err != nil {
		bw.End()
		return 0, transportErr("delete scope", err)
	}
	bw.End()
	return removed, nil
}

// --- summaries ---

// AppendSummary stores one immutable summary record.
func (s *Store) AppendSummary(ctx context.Context, scope chat.Scope, sum chat.Summary) (string, error) {
	if err := scope.Validate(); err != nil {
		return "", err
	}
	if strings.TrimSpace(sum.Summary) == "" {
		return "", &chat.ValidationError{Field: "summary", Reason: "must not be empty"}
	}
	md := sum.Metadata.Normalize()
	ids := make([]string, len(sum.SourceMessageIDs))
	for i, id := range sum.SourceMessageIDs {
		ids[i] = string(id)
	}

	ref := s.summariesCol(scope).NewDoc()
	if sum.ID != "" {
		ref = s.summariesCol(scope).Doc(sum.ID)
	}
	_, err := ref.Create(ctx, map[string]any{
		"summary":                sum.Summary,
		"key_people":             md.KeyPeople,
		"key_events":             md.KeyEvents,
		"emotional_themes":       md.EmotionalThemes,
		"triggers":               md.Triggers,
		"source_message_ids":     ids,
		"message_count":          sum.MessageCount,
		"last_message_timestamp": sum.LastMessageTimestamp,
		"token_count":            sum.TokenCount,
		"summarized_at":          firestore.ServerTimestamp,
	})
	if err != nil {
		return "", transportErr("append summary", err)
	}
	return ref.ID, nil
}

// ListRecentSummaries returns up to count summaries, newest first.
func (s *Store) ListRecentSummaries(ctx context.Context, scope chat.Scope, count int) ([]chat.Summary, error) {
	if err := scope.Validate(); err != nil {
		return nil, err
	}
	if count <= 0 {
		return nil, nil
	}

	iter := s.summariesCol(scope).OrderBy("summarized_at", firestore.Desc).Limit(count).Documents(ctx)
	defer iter.Stop()

	var out []chat.Summary
	for {
		snap, err := iter.Next()
		if errors.Is(err, iterator.Done) {
			break
		}
		if err != nil {
			return nil, transportErr("list summaries", err)
		}
		var doc summaryDoc
		if err := snap.DataTo(&doc); err != nil {
			return nil, fmt.Errorf("firestore: decode summary %s: %w", snap.Ref.ID, err)
		}
		ids := make([]chat.StoredID, len(doc.SourceMessageIDs))
		for i, id := range doc.SourceMessageIDs {
			ids[i] = chat.StoredID(id)
		}
		out = append(out, chat.Summary{
			ID:      snap.Ref.ID,
			Summary: doc.Summary,
			Metadata: chat.Metadata{
				KeyPeople:       doc.KeyPeople,
				KeyEvents:       doc.KeyEvents,
				EmotionalThemes: doc.EmotionalThemes,
				Triggers:        doc.Triggers,
			}.Normalize(),
			SourceMessageIDs:     ids,
			MessageCount:         doc.MessageCount,
			LastMessageTimestamp: doc.LastMessageTimestamp.UTC(),
			TokenCount:           doc.TokenCount,
			SummarizedAt:         doc.SummarizedAt.UTC(),
		})
	}
	return out, nil
}

// GetCursor returns the summarisation cursor, or nil when absent.
func (s *Store) GetCursor(ctx context.Context, scope chat.Scope) (*time.Time, error) {
	if err := scope.Validate(); err != nil {
		return nil, err
	}
	snap, err := s.cursorDoc(scope).Get(ctx)
	if status.Code(err) == codes.NotFound {
		return nil, nil
	}
	if err != nil {
		return nil, transportErr("get cursor", err)
	}
	var doc cursorDoc
	if err := snap.DataTo(&doc); err != nil {
		return nil, fmt.Errorf("firestore: decode cursor: %w", err)
	}
	ts := doc.LastSummaryTimestamp.UTC()
	return &ts, nil
}

// AdvanceCursor moves the cursor to ts inside a transaction. A concurrent
// writer that already moved it further wins: the cursor never moves back.
func (s *Store) AdvanceCursor(ctx context.Context, scope chat.Scope, ts time.Time) error {
	if err := scope.Validate(); err != nil {
		return err
	}
	if ts.IsZero() {
		return &chat.ValidationError{Field: "cursor", Reason: "timestamp must be set"}
	}
	ref := s.cursorDoc(scope)
	err := s.client.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		snap, err := tx.Get(ref)
		if err != nil && status.Code(err) != codes.NotFound {
			return err
		}
		if err == nil {
			var doc cursorDoc
			if err := snap.DataTo(&doc); err != nil {
				return err
			}
			if !ts.After(doc.LastSummaryTimestamp) {
				return nil
			}
		}
		return tx.Set(ref, map[string]any{
			"last_summary_timestamp": ts,
			"updated_at":             firestore.ServerTimestamp,
		}, firestore.MergeAll)
	})
	if err != nil {
		return transportErr("advance cursor", err)
	}
	return nil
}

// --- credits ---

// CreditUsage returns the credits userID has consumed in period.
func (s *Store) CreditUsage(ctx context.Context, userID, period string) (int, error) {
	if strings.TrimSpace(userID) == "" {
		return 0, &chat.ValidationError{Field: "user_id", Reason: "must not be empty"}
	}
	snap, err := s.creditDoc(userID, period).Get(ctx)
	if status.Code(err) == codes.NotFound {
		return 0, nil
	}
	if err != nil {
		return 0, transportErr("credit usage", err)
	}
	used, err := snap.DataAt("used")
	if err != nil {
		return 0, nil
	}
	n, _ := used.(int64)
	return int(n), nil
}

// AddCreditUsage increments userID's usage in every listed period in one batch.
func (s *Store) AddCreditUsage(ctx context.Context, userID string, n int, periods ...string) error {
	if strings.TrimSpace(userID) == "" {
		return &chat.ValidationError{Field: "user_id", Reason: "must not be empty"}
	}
	err := s.client.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		for _, period := range periods {
			if err := tx.Set(s.creditDoc(userID, period), map[string]any{
				"used":       firestore.Increment(n),
				"updated_at": firestore.ServerTimestamp,
			}, firestore.MergeAll); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return transportErr("add credit usage", err)
	}
	return nil
}

// --- cursors ---

func encodeCursor(at time.Time, id string) chat.PageCursor {
	raw := fmt.Sprintf("%d|%s", at.UnixNano(), id)
	return chat.PageCursor(base64.RawURLEncoding.EncodeToString([]byte(raw)))
}

func decodeCursor(c chat.PageCursor) (time.Time, string, error) {
	raw, err := base64.RawURLEncoding.DecodeString(string(c))
	if err != nil {
		return time.Time{}, "", &chat.ValidationError{Field: "cursor", Reason: "malformed"}
	}
	nanos, id, ok := strings.Cut(string(raw), "|")
	if !ok || id == "" {
		return time.Time{}, "", &chat.ValidationError{Field: "cursor", Reason: "malformed"}
	}
	var n int64
	if _, err := fmt.Sscanf(nanos, "%d", &n); err != nil {
		return time.Time{}, "", &chat.ValidationError{Field: "cursor", Reason: "malformed"}
	}
	return time.Unix(0, n).UTC(), id, nil
}
