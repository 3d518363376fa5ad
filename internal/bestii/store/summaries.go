package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/DennisMainhardt/bestii-sub000/internal/bestii/chat"
)

// AppendSummary stores one immutable summary record and returns its id.
// SummarizedAt is assigned by the store; ID is generated when empty.
func (s *Store) AppendSummary(ctx context.Context, scope chat.Scope, sum chat.Summary) (string, error) {
	if err := scope.Validate(); err != nil {
		return "", err
	}
	if strings.TrimSpace(sum.Summary) == "" {
		return "", &chat.ValidationError{Field: "summary", Reason: "must not be empty"}
	}
	if sum.ID == "" {
		sum.ID = uuid.NewString()
	}

	metadataJSON, err := json.Marshal(sum.Metadata.Normalize())
	if err != nil {
		return "", fmt.Errorf("store: marshal summary metadata: %w", err)
	}
	ids := make([]string, len(sum.SourceMessageIDs))
	for i, id := range sum.SourceMessageIDs {
		ids[i] = string(id)
	}
	idsJSON, err := json.Marshal(ids)
	if err != nil {
		return "", fmt.Errorf("store: marshal source message ids: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO summaries (id, user_id, persona_id, summary, metadata, source_message_ids,
		                       message_count, last_message_at, token_count, summarized_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, sum.ID, scope.UserID, scope.PersonaID, sum.Summary, string(metadataJSON), string(idsJSON),
		sum.MessageCount, sum.LastMessageTimestamp.UnixNano(), sum.TokenCount, s.stamp().UnixNano())
	if err != nil {
		return "", transportErr("append summary", err)
	}
	return sum.ID, nil
}

// ListRecentSummaries returns up to count summaries of scope, newest first.
func (s *Store) ListRecentSummaries(ctx context.Context, scope chat.Scope, count int) ([]chat.Summary, error) {
	if err := scope.Validate(); err != nil {
		return nil, err
	}
	if count <= 0 {
		return nil, nil
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, summary, metadata, source_message_ids, message_count,
		       last_message_at, token_count, summarized_at
		FROM summaries
		WHERE user_id = ? AND persona_id = ?
		ORDER BY summarized_at DESC, seq DESC
		LIMIT ?
	`, scope.UserID, scope.PersonaID, count)
	if err != nil {
		return nil, transportErr("list summaries", err)
	}
	defer rows.Close()

	var out []chat.Summary
	for rows.Next() {
		sum, err := scanSummary(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, sum)
	}
	if err := rows.Err(); err != nil {
		return nil, transportErr("list summaries", err)
	}
	return out, nil
}

func scanSummary(rows *sql.Rows) (chat.Summary, error) {
	var (
		sum                   chat.Summary
		metadataJSON, idsJSON string
		lastAt, summarizedAt  int64
	)
	if err := rows.Scan(&sum.ID, &sum.Summary, &metadataJSON, &idsJSON, &sum.MessageCount,
		&lastAt, &sum.TokenCount, &summarizedAt); err != nil {
		return chat.Summary{}, transportErr("list summaries", err)
	}
	if err := json.Unmarshal([]byte(metadataJSON), &sum.Metadata); err != nil {
		return chat.Summary{}, fmt.Errorf("store: decode summary %s metadata: %w", sum.ID, err)
	}
	sum.Metadata = sum.Metadata.Normalize()

	var ids []string
	if err := json.Unmarshal([]byte(idsJSON), &ids); err != nil {
		return chat.Summary{}, fmt.Errorf("store: decode summary %s source ids: %w", sum.ID, err)
	}
	sum.SourceMessageIDs = make([]chat.StoredID, len(ids))
	for i, id := range ids {
		sum.SourceMessageIDs[i] = chat.StoredID(id)
	}
	sum.LastMessageTimestamp = fromNanos(lastAt)
	sum.SummarizedAt = fromNanos(summarizedAt)
	return sum, nil
}

// GetCursor returns the summarisation cursor of scope, or nil when nothing
// has been summarised yet.
func (s *Store) GetCursor(ctx context.Context, scope chat.Scope) (*time.Time, error) {
	if err := scope.Validate(); err != nil {
		return nil, err
	}
	var n int64
	err := s.db.QueryRowContext(ctx, `
		SELECT last_summary_at FROM summary_cursors WHERE user_id = ? AND persona_id = ?
	`, scope.UserID, scope.PersonaID).Scan(&n)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, transportErr("get cursor", err)
	}
	ts := fromNanos(n)
	return &ts, nil
}

// AdvanceCursor moves the cursor of scope to ts, creating it when absent.
// The cursor never moves backwards: an older ts leaves it unchanged.
func (s *Store) AdvanceCursor(ctx context.Context, scope chat.Scope, ts time.Time) error {
	if err := scope.Validate(); err != nil {
		return err
	}
	if ts.IsZero() {
		return &chat.ValidationError{Field: "cursor", Reason: "timestamp must be set"}
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO summary_cursors (user_id, persona_id, last_summary_at, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT (user_id, persona_id) DO UPDATE SET
			last_summary_at = MAX(summary_cursors.last_summary_at, excluded.last_summary_at),
			updated_at = excluded.updated_at
	`, scope.UserID, scope.PersonaID, ts.UnixNano(), time.Now().UTC().UnixNano())
	if err != nil {
		return transportErr("advance cursor", err)
	}
	return nil
}
