package memory

import (
	"context"
	"log/slog"
	"strings"

	"github.com/DennisMainhardt/bestii-sub000/internal/bestii/chat"
	"github.com/DennisMainhardt/bestii-sub000/internal/bestii/observability"
)

const (
	// RecentSummaries is how many summaries are injected into a prompt.
	RecentSummaries = 3

	// NoMemoriesPlaceholder stands in for the memory block of a new scope.
	NoMemoriesPlaceholder = "No previous conversations yet. This is the start of your story together."

	memoryHeader = "## What you remember about the user"
	inputHeader  = "## The user's new message"
	bullet       = "• "
)

// SummaryReader lists the most recent summaries of a scope, newest first.
type SummaryReader interface {
	ListRecentSummaries(ctx context.Context, scope chat.Scope, count int) ([]chat.Summary, error)
}

// InstructionSource returns a persona's base instructions, falling back to
// a generic instruction for unknown personas. *persona.Catalog implements it.
type InstructionSource interface {
	Instructions(personaID string) string
}

// Composer builds the system prompt of a turn. It keeps no state between
// turns, so the prompt stays bounded by RecentSummaries summaries plus the
// persona instructions however long the conversation grows.
type Composer struct {
	summaries SummaryReader
	personas  InstructionSource
	logger    *slog.Logger
}

// NewComposer returns a Composer. If logger is nil, the default slog logger
// is used.
func NewComposer(summaries SummaryReader, personas InstructionSource, logger *slog.Logger) *Composer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Composer{summaries: summaries, personas: personas, logger: logger}
}

// Compose returns, in order: the memory block, the persona's instructions
// and the user's new input. A failed summary read degrades to the
// placeholder rather than failing the turn.
func (c *Composer) Compose(ctx context.Context, scope chat.Scope, input string) string {
	sums, err := c.summaries.ListRecentSummaries(ctx, scope, RecentSummaries)
	if err != nil {
		observability.WithTrace(ctx, c.logger).Warn("composer: read summaries failed, continuing without memories",
			"scope", scope.Key(), "err", err)
		sums = nil
	}

	var b strings.Builder
	b.WriteString(memoryHeader)
	b.WriteString("\n")
	b.WriteString(FuseSummaries(sums))
	b.WriteString("\n\n")
	b.WriteString(strings.TrimSpace(c.personas.Instructions(scope.PersonaID)))
	b.WriteString("\n\n")
	b.WriteString(inputHeader)
	b.WriteString("\n")
	b.WriteString(input)
	return b.String()
}

// FuseSummaries renders summaries (newest first, as listed by the store) as
// bullet lines in chronological order. No summaries yields the placeholder.
func FuseSummaries(newestFirst []chat.Summary) string {
	lines := make([]string, 0, len(newestFirst))
	for i := len(newestFirst) - 1; i >= 0; i-- {
		text := strings.TrimSpace(newestFirst[i].Summary)
		if text == "" {
			continue
		}
		lines = append(lines, bullet+text)
	}
	if len(lines) == 0 {
		return NoMemoriesPlaceholder
	}
	return strings.Join(lines, "\n")
}
