package main

import (
	"context"
	"fmt"
	"io"
	"slices"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/DennisMainhardt/bestii-sub000/internal/bestii/app"
	"github.com/DennisMainhardt/bestii-sub000/internal/bestii/chat"
)

func newHistoryCmd(opts *options) *cobra.Command {
	var (
		personaID string
		limit     int
	)
	cmd := &cobra.Command{
		Use:   "history",
		Short: "Print the newest stored messages of a conversation",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			scope := chat.Scope{UserID: opts.userID, PersonaID: personaID}
			return withApp(cmd, opts, func(ctx context.Context, a *app.App) error {
				page, err := a.Store().FetchPage(ctx, scope, limit, "")
				if err != nil {
					return err
				}
				printHistory(cmd.OutOrStdout(), page.Messages)
				return nil
			})
		},
	}
	cmd.Flags().StringVarP(&personaID, "persona", "p", "bestie", "persona of the conversation")
	cmd.Flags().IntVarP(&limit, "limit", "n", 20, "number of messages")
	return cmd
}

// printHistory prints a newest-first page oldest first.
func printHistory(w io.Writer, newestFirst []chat.Message) {
	msgs := slices.Clone(newestFirst)
	slices.Reverse(msgs)
	for _, m := range msgs {
		fmt.Fprintf(w, "%s  %-9s  %s\n", m.CreatedAt.Local().Format(time.DateTime), m.Role, m.Content)
	}
}

func newSummariesCmd(opts *options) *cobra.Command {
	var (
		personaID string
		limit     int
	)
	cmd := &cobra.Command{
		Use:   "summaries",
		Short: "Print the memories stored for a conversation",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			scope := chat.Scope{UserID: opts.userID, PersonaID: personaID}
			return withApp(cmd, opts, func(ctx context.Context, a *app.App) error {
				sums, err := a.Store().ListRecentSummaries(ctx, scope, limit)
				if err != nil {
					return err
				}
				printSummaries(cmd.OutOrStdout(), sums)
				return nil
			})
		},
	}
	cmd.Flags().StringVarP(&personaID, "persona", "p", "bestie", "persona of the conversation")
	cmd.Flags().IntVarP(&limit, "limit", "n", 10, "number of summaries")
	return cmd
}

func printSummaries(w io.Writer, newestFirst []chat.Summary) {
	if len(newestFirst) == 0 {
		fmt.Fprintln(w, "(no memories yet)")
		return
	}
	for _, s := range newestFirst {
		fmt.Fprintf(w, "%s  %d messages, %d tokens\n  %s\n",
			s.SummarizedAt.Local().Format(time.DateTime), s.MessageCount, s.TokenCount, s.Summary)
		md := s.Metadata
		for _, row := range []struct {
			label string
			items []string
		}{
			{"people", md.KeyPeople},
			{"events", md.KeyEvents},
			{"themes", md.EmotionalThemes},
			{"triggers", md.Triggers},
		} {
			if len(row.items) > 0 {
				fmt.Fprintf(w, "  %s: %s\n", row.label, strings.Join(row.items, ", "))
			}
		}
	}
}

func newPurgeCmd(opts *options) *cobra.Command {
	var (
		personaID string
		yes       bool
	)
	cmd := &cobra.Command{
		Use:   "purge",
		Short: "Delete every message and memory of a conversation",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if !yes {
				return fmt.Errorf("purge: refusing to delete %s/%s without --yes", opts.userID, personaID)
			}
			scope := chat.Scope{UserID: opts.userID, PersonaID: personaID}
			return withApp(cmd, opts, func(ctx context.Context, a *app.App) error {
				n, err := a.Store().DeleteScope(ctx, scope)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "deleted %d messages from %s\n", n, scope)
				return nil
			})
		},
	}
	cmd.Flags().StringVarP(&personaID, "persona", "p", "bestie", "persona of the conversation")
	cmd.Flags().BoolVar(&yes, "yes", false, "confirm the deletion")
	return cmd
}
