// Package credits throttles usage with a daily and a monthly allowance per
// user.
//
// One credit is one completed conversation turn. Usage counters live in a
// UsageStore keyed by period ("day:2026-10-16", "month:2026-10"), so the
// allowance resets at midnight UTC and on the first of each month without any
// background job. Callers should:
//  1. Call Remaining before a turn; zero means the user may not send.
//  2. Call Consume after the turn succeeded.
package credits

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"
)

const (
	// DefaultDaily is the daily allowance when none is configured.
	DefaultDaily = 25
	// DefaultMonthly is the monthly allowance when none is configured.
	DefaultMonthly = 300
)

// UsageStore persists per-period usage counters. Both message stores
// implement it.
type UsageStore interface {
	CreditUsage(ctx context.Context, userID, period string) (int, error)
	AddCreditUsage(ctx context.Context, userID string, n int, periods ...string) error
}

// Ledger enforces the allowances. It is safe for concurrent use.
type Ledger struct {
	store   UsageStore
	daily   int
	monthly int
	now     func() time.Time
}

// Option configures a Ledger.
type Option func(*Ledger)

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(l *Ledger) { l.now = now }
}

// NewLedger returns a Ledger with the given allowances. Non-positive values
// take DefaultDaily and DefaultMonthly.
func NewLedger(store UsageStore, daily, monthly int, opts ...Option) *Ledger {
	if daily <= 0 {
		daily = DefaultDaily
	}
	if monthly <= 0 {
		monthly = DefaultMonthly
	}
	l := &Ledger{store: store, daily: daily, monthly: monthly, now: time.Now}
	for _, o := range opts {
		o(l)
	}
	return l
}

// Balance is a user's standing in the current periods.
type Balance struct {
	DailyUsed      int
	DailyLimit     int
	MonthlyUsed    int
	MonthlyLimit   int
	Remaining      int
	DailyResetAt   time.Time
	MonthlyResetAt time.Time
}

// Balance reports usage against both allowances.
func (l *Ledger) Balance(ctx context.Context, userID string) (Balance, error) {
	now := l.now().UTC()
	day, month := Periods(now)

	dUsed, err := l.store.CreditUsage(ctx, userID, day)
	if err != nil {
		return Balance{}, fmt.Errorf("credits: daily usage: %w", err)
	}
	mUsed, err := l.store.CreditUsage(ctx, userID, month)
	if err != nil {
		return Balance{}, fmt.Errorf("credits: monthly usage: %w", err)
	}

	b := Balance{
		DailyUsed:      dUsed,
		DailyLimit:     l.daily,
		MonthlyUsed:    mUsed,
		MonthlyLimit:   l.monthly,
		Remaining:      max(min(l.daily-dUsed, l.monthly-mUsed), 0),
		DailyResetAt:   time.Date(now.Year(), now.Month(), now.Day()+1, 0, 0, 0, 0, time.UTC),
		MonthlyResetAt: time.Date(now.Year(), now.Month()+1, 1, 0, 0, 0, 0, time.UTC),
	}
	return b, nil
}

// Remaining returns how many turns userID may still take now: the smaller of
// the daily and monthly remainders, never negative.
func (l *Ledger) Remaining(ctx context.Context, userID string) (int, error) {
	b, err := l.Balance(ctx, userID)
	if err != nil {
		return 0, err
	}
	return b.Remaining, nil
}

// Consume records n credits against both current periods.
func (l *Ledger) Consume(ctx context.Context, userID string, n int) error {
	if n <= 0 {
		return nil
	}
	day, month := Periods(l.now().UTC())
	if err := l.store.AddCreditUsage(ctx, userID, n, day, month); err != nil {
		return fmt.Errorf("credits: consume: %w", err)
	}
	return nil
}

// Periods returns the day and month period keys containing t.
func Periods(t time.Time) (day, month string) {
	t = t.UTC()
	return "day:" + t.Format(time.DateOnly), "month:" + t.Format("2006-01")
}

// Unlimited is a credits source that never runs out. The CLI uses it when
// credits are disabled.
type Unlimited struct{}

// Remaining implements the controller's credits collaborator.
func (Unlimited) Remaining(context.Context, string) (int, error) { return 1 << 30, nil }

// MemoryUsage is an in-process UsageStore.
type MemoryUsage struct {
	mu    sync.Mutex
	usage map[string]int
}

// NewMemoryUsage returns an empty MemoryUsage.
func NewMemoryUsage() *MemoryUsage {
	return &MemoryUsage{usage: make(map[string]int)}
}

func usageKey(userID, period string) string { return userID + "|" + period }

// CreditUsage implements UsageStore.
func (m *MemoryUsage) CreditUsage(_ context.Context, userID, period string) (int, error) {
	if userID == "" {
		return 0, errors.New("credits: empty user id")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.usage[usageKey(userID, period)], nil
}

// AddCreditUsage implements UsageStore.
func (m *MemoryUsage) AddCreditUsage(_ context.Context, userID string, n int, periods ...string) error {
	if userID == "" {
		return errors.New("credits: empty user id")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, p := range periods {
		m.usage[usageKey(userID, p)] += n
	}
	return nil
}
