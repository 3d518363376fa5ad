// Package memory gives personas long-term recall. The Summariser folds
// runs of unsummarised messages into immutable summary records and advances
// a per-scope cursor; the Composer injects the most recent summaries into the
// system prompt of every turn.
package memory

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/DennisMainhardt/bestii-sub000/internal/bestii/chat"
	"github.com/DennisMainhardt/bestii-sub000/internal/bestii/completion"
	"github.com/DennisMainhardt/bestii-sub000/internal/bestii/metrics"
	"github.com/DennisMainhardt/bestii-sub000/internal/bestii/observability"
)

// DefaultThreshold is the number of unsummarised messages (three
// user/assistant pairs) that makes a scope eligible for summarisation.
const DefaultThreshold = 6

// SummaryStore is the persistence the Summariser needs. store.Store and
// firestore.Store implement it.
type SummaryStore interface {
	MessagesSince(ctx context.Context, scope chat.Scope, after *time.Time) ([]chat.Message, error)
	AppendSummary(ctx context.Context, scope chat.Scope, sum chat.Summary) (string, error)
	GetCursor(ctx context.Context, scope chat.Scope) (*time.Time, error)
	AdvanceCursor(ctx context.Context, scope chat.Scope, ts time.Time) error
}

// TranscriptSummarizer compresses messages into a summary.
// *completion.Summarizer implements it.
type TranscriptSummarizer interface {
	Summarize(ctx context.Context, msgs []chat.Message) (*completion.SummaryResult, error)
}

// Outcome is the result of one summarisation check.
type Outcome string

const (
	OutcomeBusy           Outcome = "busy"
	OutcomeBelowThreshold Outcome = "below_threshold"
	OutcomeFailed         Outcome = "failed"
	OutcomeEmpty          Outcome = "empty"
	OutcomeCursorFailed   Outcome = "cursor_failed"
	OutcomeSummarised     Outcome = "summarised"
)

// Config configures a Summariser.
type Config struct {
	// Threshold defaults to DefaultThreshold.
	Threshold int
	Metrics   *metrics.Metrics
	Logger    *slog.Logger
}

// Summariser decides after each turn whether a scope has accumulated enough
// new messages and, if so, summarises them exactly once per range.
//
// Summarisation of one scope never overlaps itself within a process: a
// check that finds the scope busy is skipped and the range is picked up by
// the next trigger. Errors are logged and swallowed.
type Summariser struct {
	store     SummaryStore
	llm       TranscriptSummarizer
	threshold int
	metrics   *metrics.Metrics
	logger    *slog.Logger

	mu       sync.Mutex
	inflight map[string]struct{}

	wg sync.WaitGroup
}

// NewSummariser returns a Summariser writing through store.
func NewSummariser(store SummaryStore, llm TranscriptSummarizer, cfg Config) *Summariser {
	if cfg.Threshold <= 0 {
		cfg.Threshold = DefaultThreshold
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Summariser{
		store:     store,
		llm:       llm,
		threshold: cfg.Threshold,
		metrics:   cfg.Metrics,
		logger:    cfg.Logger,
		inflight:  make(map[string]struct{}),
	}
}

// Threshold returns the configured threshold.
func (s *Summariser) Threshold() int { return s.threshold }

func (s *Summariser) tryLock(key string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, busy := s.inflight[key]; busy {
		return false
	}
	s.inflight[key] = struct{}{}
	return true
}

func (s *Summariser) unlock(key string) {
	s.mu.Lock()
	delete(s.inflight, key)
	s.mu.Unlock()
}

// Trigger runs MaybeSummarise in the background. The check outlives ctx's
// cancellation but keeps its values. Use Wait to drain pending checks.
func (s *Summariser) Trigger(ctx context.Context, scope chat.Scope) {
	ctx = context.WithoutCancel(ctx)
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.MaybeSummarise(ctx, scope)
	}()
}

// Wait blocks until every triggered check has finished.
func (s *Summariser) Wait() {
	s.wg.Wait()
}

// MaybeSummarise runs one summarisation check for scope:
//  1. Skip when a check for scope is already running.
//  2. Collect the messages newer than the cursor.
//  3. Below the threshold, stop without calling the model.
//  4. Summarise; an error or an empty summary writes nothing.
//  5. Write the summary, then advance the cursor to its last message.
//
// The cursor is never advanced unless the summary write succeeded. If the
// advance itself fails the range is summarised again on a later check.
func (s *Summariser) MaybeSummarise(ctx context.Context, scope chat.Scope) Outcome {
	outcome, tokens := s.run(ctx, scope)
	s.metrics.RecordSummarisation(string(outcome), tokens)
	return outcome
}

func (s *Summariser) run(ctx context.Context, scope chat.Scope) (Outcome, int) {
	logger := observability.WithTrace(ctx, s.logger).With("scope", scope.Key())

	if !s.tryLock(scope.Key()) {
		logger.Debug("summariser: check already running, skipping")
		return OutcomeBusy, 0
	}
	defer s.unlock(scope.Key())

	cursor, err := s.store.GetCursor(ctx, scope)
	if err != nil {
		logger.Warn("summariser: read cursor failed", "err", err)
		return OutcomeFailed, 0
	}
	candidates, err := s.store.MessagesSince(ctx, scope, cursor)
	if err != nil {
		logger.Warn("summariser: read candidate messages failed", "err", err)
		return OutcomeFailed, 0
	}
	if len(candidates) < s.threshold {
		logger.Debug("summariser: below threshold",
			"candidates", len(candidates), "threshold", s.threshold)
		return OutcomeBelowThreshold, 0
	}

	start := time.Now()
	res, err := s.llm.Summarize(ctx, candidates)
	if err != nil {
		var pe *chat.ParseError
		if errors.As(err, &pe) {
			logger.Warn("summariser: unusable summary output, skipping cycle",
				"candidates", len(candidates), "raw_len", len(pe.Raw), "err", pe.Err)
		} else {
			logger.Warn("summariser: summarisation call failed, skipping cycle",
				"candidates", len(candidates), "status", chat.StatusCode(err), "err", err)
		}
		return OutcomeFailed, 0
	}
	if strings.TrimSpace(res.Summary) == "" {
		logger.Info("summariser: model returned an empty summary, nothing written",
			"candidates", len(candidates))
		return OutcomeEmpty, 0
	}

	ids := make([]chat.StoredID, 0, len(candidates))
	for _, m := range candidates {
		if id, ok := m.Stored(); ok {
			ids = append(ids, id)
		}
	}
	last := candidates[len(candidates)-1].CreatedAt

	summaryID, err := s.store.AppendSummary(ctx, scope, chat.Summary{
		Summary:              strings.TrimSpace(res.Summary),
		Metadata:             res.Metadata.Normalize(),
		SourceMessageIDs:     ids,
		MessageCount:         len(candidates),
		LastMessageTimestamp: last,
		TokenCount:           res.TokenCount,
	})
	if err != nil {
		logger.Warn("summariser: write summary failed, cursor unchanged", "err", err)
		return OutcomeFailed, 0
	}

	if err := s.store.AdvanceCursor(ctx, scope, last); err != nil {
		logger.Error("summariser: summary written but cursor not advanced; range will be summarised again",
			"summary_id", summaryID, "last_message_at", last, "err", err)
		return OutcomeCursorFailed, res.TokenCount
	}

	logger.Info("summariser: scope summarised",
		"summary_id", summaryID,
		"messages", len(candidates),
		"tokens", res.TokenCount,
		"elapsed", time.Since(start).String(),
	)
	logger.Debug("summariser: summary written",
		"summary_len", len(res.Summary),
		"key_people", len(res.Metadata.KeyPeople),
		"key_events", len(res.Metadata.KeyEvents),
	)
	return OutcomeSummarised, res.TokenCount
}
