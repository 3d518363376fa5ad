package store

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"time"

	"github.com/DennisMainhardt/bestii-sub000/internal/bestii/chat"
)

// CreditUsage returns the credits userID has consumed in period, 0 when none.
func (s *Store) CreditUsage(ctx context.Context, userID, period string) (int, error) {
	if strings.TrimSpace(userID) == "" {
		return 0, &chat.ValidationError{Field: "user_id", Reason: "must not be empty"}
	}
	var used int
	err := s.db.QueryRowContext(ctx, `
		SELECT used FROM credit_usage WHERE user_id = ? AND period = ?
	`, userID, period).Scan(&used)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, transportErr("credit usage", err)
	}
	return used, nil
}

// AddCreditUsage adds n to userID's usage in every listed period, atomically.
func (s *Store) AddCreditUsage(ctx context.Context, userID string, n int, periods ...string) error {
	if strings.TrimSpace(userID) == "" {
		return &chat.ValidationError{Field: "user_id", Reason: "must not be empty"}
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return transportErr("add credit usage", err)
	}
	defer tx.Rollback()

	now := time.Now().UTC().UnixNano()
	for _, period := range periods {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO credit_usage (user_id, period, used, updated_at) VALUES (?, ?, ?, ?)
			ON CONFLICT (user_id, period) DO UPDATE SET
				used = credit_usage.used + excluded.used,
				updated_at = excluded.updated_at
		`, userID, period, n, now); err != nil {
			return transportErr("add credit usage", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return transportErr("add credit usage", err)
	}
	return nil
}
