package store

import (
	"context"
	"database/sql"
	"encoding/base64"
	"fmt"
	"strings"
	"time"

	"github.com/DennisMainhardt/bestii-sub000/internal/bestii/chat"
)

// Append stores a message with a server-assigned timestamp and notifies
// subscribers of the scope.
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

	msg := chat.Message{
		ID:        chat.NewStoredID(),
		Role:      role,
		Content:   content,
		CreatedAt: s.stamp(),
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO messages (id, user_id, persona_id, role, content, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`, msg.ID.String(), scope.UserID, scope.PersonaID, string(role), content, msg.CreatedAt.UnixNano())
	if err != nil {
		return chat.Message{}, transportErr("append", err)
	}

	s.publish(ctx, scope)
	return msg, nil
}

// FetchPage returns up to pageSize messages older than cursor, newest first.
// An empty cursor starts from the newest message. Page.Exhausted is set when
// no older messages remain, which is always the case for a short page.
func (s *Store) FetchPage(ctx context.Context, scope chat.Scope, pageSize int, cursor chat.PageCursor) (chat.Page, error) {
	if err := scope.Validate(); err != nil {
		return chat.Page{}, err
	}
	if pageSize <= 0 {
		return chat.Page{}, &chat.ValidationError{Field: "page_size", Reason: "must be positive"}
	}

	// One extra row tells whether an older page exists.
	limit := pageSize + 1
	var (
		rows *sql.Rows
		err  error
	)
	if cursor == "" {
		rows, err = s.db.QueryContext(ctx, `
			SELECT id, role, content, created_at, seq FROM messages
			WHERE user_id = ? AND persona_id = ?
			ORDER BY created_at DESC, seq DESC
			LIMIT ?
		`, scope.UserID, scope.PersonaID, limit)
	} else {
		pos, perr := decodeCursor(cursor)
		if perr != nil {
			return chat.Page{}, perr
		}
		rows, err = s.db.QueryContext(ctx, `
			SELECT id, role, content, created_at, seq FROM messages
			WHERE user_id = ? AND persona_id = ?
			  AND (created_at < ? OR (created_at = ? AND seq < ?))
			ORDER BY created_at DESC, seq DESC
			LIMIT ?
		`, scope.UserID, scope.PersonaID, pos.createdAt, pos.createdAt, pos.seq, limit)
	}
	if err != nil {
		return chat.Page{}, transportErr("fetch page", err)
	}

	msgs, positions, err := scanMessages(rows)
	if err != nil {
		return chat.Page{}, transportErr("fetch page", err)
	}

	page := chat.Page{Next: cursor}
	if len(msgs) > pageSize {
		msgs = msgs[:pageSize]
		positions = positions[:pageSize]
	} else {
		page.Exhausted = true
	}
	page.Messages = msgs
	if n := len(positions); n > 0 {
		page.Next = encodeCursor(positions[n-1])
	}
	return page, nil
}

// Recent returns the newest n messages of scope in ascending order.
func (s *Store) Recent(ctx context.Context, scope chat.Scope, n int) ([]chat.Message, error) {
	if err := scope.Validate(); err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, role, content, created_at, seq FROM (
			SELECT id, role, content, created_at, seq FROM messages
			WHERE user_id = ? AND persona_id = ?
			ORDER BY created_at DESC, seq DESC
			LIMIT ?
		) ORDER BY created_at ASC, seq ASC
	`, scope.UserID, scope.PersonaID, n)
	if err != nil {
		return nil, transportErr("recent", err)
	}
	msgs, _, err := scanMessages(rows)
	if err != nil {
		return nil, transportErr("recent", err)
	}
	return msgs, nil
}

// MessagesSince returns every message of scope created strictly after
// after, in ascending order. A nil after returns the whole history.
func (s *Store) MessagesSince(ctx context.Context, scope chat.Scope, after *time.Time) ([]chat.Message, error) {
	if err := scope.Validate(); err != nil {
		return nil, err
	}
	var since int64 = -1
	if after != nil {
		since = after.UnixNano()
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, role, content, created_at, seq FROM messages
		WHERE user_id = ? AND persona_id = ? AND created_at > ?
		ORDER BY created_at ASC, seq ASC
	`, scope.UserID, scope.PersonaID, since)
	if err != nil {
		return nil, transportErr("messages since", err)
	}
	msgs, _, err := scanMessages(rows)
	if err != nil {
		return nil, transportErr("messages since", err)
	}
	return msgs, nil
}

type position struct {
	createdAt int64
	seq       int64
}

func scanMessages(rows *sql.Rows) ([]chat.Message, []position, error) {
	defer rows.Close()

	var (
		msgs      []chat.Message
		positions []position
	)
	for rows.Next() {
		var (
			id, role, content string
			pos               position
		)
		if err := rows.Scan(&id, &role, &content, &pos.createdAt, &pos.seq); err != nil {
			return nil, nil, err
		}
		msgs = append(msgs, chat.Message{
			ID:        chat.StoredID(id),
			Role:      chat.Role(role),
			Content:   content,
			CreatedAt: fromNanos(pos.createdAt),
		})
		positions = append(positions, pos)
	}
	return msgs, positions, rows.Err()
}

func encodeCursor(p position) chat.PageCursor {
	raw := fmt.Sprintf("%d.%d", p.createdAt, p.seq)
	return chat.PageCursor(base64.RawURLEncoding.EncodeToString([]byte(raw)))
}

func decodeCursor(c chat.PageCursor) (position, error) {
	raw, err := base64.RawURLEncoding.DecodeString(string(c))
	if err != nil {
		return position{}, &chat.ValidationError{Field: "cursor", Reason: "malformed"}
	}
	var p position
	if _, err := fmt.Sscanf(string(raw), "%d.%d", &p.createdAt, &p.seq); err != nil {
		return position{}, &chat.ValidationError{Field: "cursor", Reason: "malformed"}
	}
	return p, nil
}
