package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"

	"github.com/spf13/cobra"

	"github.com/DennisMainhardt/bestii-sub000/internal/bestii/app"
	"github.com/DennisMainhardt/bestii-sub000/internal/bestii/chat"
	"github.com/DennisMainhardt/bestii-sub000/internal/bestii/conversation"
	"github.com/DennisMainhardt/bestii-sub000/internal/bestii/credits"
)

const replHelp = `Commands:
  /persona <id>   switch persona
  /personas       list personas
  /older          load older messages
  /credits        show your remaining credits
  /help           show this help
  /quit           leave`

// conversationSession is the part of *conversation.Controller the REPL
// drives.
type conversationSession interface {
	Activate(ctx context.Context, personaID string) error
	Active() string
	Send(ctx context.Context, text string) (chat.Message, error)
	LoadOlder(ctx context.Context) (bool, error)
	Messages(personaID string) []chat.Message
	Notice(personaID string) conversation.Notice
}

// creditAccount charges and reports credits. *app.App implements it.
type creditAccount interface {
	Consume(ctx context.Context, userID string) error
	Balance(ctx context.Context, userID string) (credits.Balance, bool, error)
}

type repl struct {
	conv     conversationSession
	credits  creditAccount
	personas []string
	userID   string
	out      io.Writer
}

func newChatCmd(opts *options) *cobra.Command {
	var personaID string
	cmd := &cobra.Command{
		Use:   "chat",
		Short: "Start an interactive conversation",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, opts, func(ctx context.Context, a *app.App) error {
				ctrl, err := a.NewController(opts.userID, nil)
				if err != nil {
					return err
				}
				defer ctrl.Close()

				r := &repl{
					conv:     ctrl,
					credits:  a,
					personas: a.Personas().IDs(),
					userID:   opts.userID,
					out:      cmd.OutOrStdout(),
				}
				return a.Run(ctx, func(ctx context.Context) error {
					return r.run(ctx, personaID, cmd.InOrStdin())
				})
			})
		},
	}
	cmd.Flags().StringVarP(&personaID, "persona", "p", "bestie", "persona to talk to")
	return cmd
}

// run reads lines from in until /quit, EOF or ctx is cancelled.
func (r *repl) run(ctx context.Context, personaID string, in io.Reader) error {
	if err := r.switchPersona(ctx, personaID); err != nil {
		return err
	}
	fmt.Fprintln(r.out, "Type a message, or /help.")

	lines := make(chan string)
	done := make(chan struct{})
	defer close(done)
	go func() {
		defer close(lines)
		sc := bufio.NewScanner(in)
		for sc.Scan() {
			select {
			case lines <- sc.Text():
			case <-done:
				return
			}
		}
	}()

	for {
		fmt.Fprint(r.out, "> ")
		var line string
		select {
		case <-ctx.Done():
			fmt.Fprintln(r.out)
			return nil
		case l, ok := <-lines:
			if !ok {
				fmt.Fprintln(r.out)
				return nil
			}
			line = strings.TrimSpace(l)
		}
		if line == "" {
			continue
		}
		if strings.HasPrefix(line, "/") {
			quit, err := r.command(ctx, line)
			if err != nil {
				fmt.Fprintln(r.out, "!", err)
			}
			if quit {
				return nil
			}
			continue
		}
		r.send(ctx, line)
	}
}

func (r *repl) command(ctx context.Context, line string) (quit bool, err error) {
	fields := strings.Fields(line)
	switch fields[0] {
	case "/quit", "/exit":
		return true, nil
	case "/help":
		fmt.Fprintln(r.out, replHelp)
	case "/personas":
		for _, id := range r.personas {
			marker := " "
			if id == r.conv.Active() {
				marker = "*"
			}
			fmt.Fprintf(r.out, "%s %s\n", marker, id)
		}
	case "/persona":
		if len(fields) != 2 {
			return false, fmt.Errorf("usage: /persona <id>")
		}
		return false, r.switchPersona(ctx, fields[1])
	case "/older":
		before := len(r.conv.Messages(r.conv.Active()))
		fetched, err := r.conv.LoadOlder(ctx)
		if err != nil {
			return false, err
		}
		if !fetched {
			fmt.Fprintln(r.out, "(no older messages)")
			return false, nil
		}
		msgs := r.conv.Messages(r.conv.Active())
		added := len(msgs) - before
		r.print(msgs[:max(added, 0)])
	case "/credits":
		b, ok, err := r.credits.Balance(ctx, r.userID)
		if err != nil {
			return false, err
		}
		if !ok {
			fmt.Fprintln(r.out, "Credits are not limited.")
			return false, nil
		}
		fmt.Fprintf(r.out, "%d credits left (today %d/%d, this month %d/%d)\n",
			b.Remaining, b.DailyUsed, b.DailyLimit, b.MonthlyUsed, b.MonthlyLimit)
	default:
		return false, fmt.Errorf("unknown command %s, try /help", fields[0])
	}
	return false, nil
}

func (r *repl) switchPersona(ctx context.Context, personaID string) error {
	if err := r.conv.Activate(ctx, personaID); err != nil {
		return err
	}
	fmt.Fprintf(r.out, "-- talking to %s --\n", personaID)
	r.print(r.conv.Messages(personaID))
	return nil
}

func (r *repl) send(ctx context.Context, text string) {
	personaID := r.conv.Active()
	reply, err := r.conv.Send(ctx, text)
	if err != nil {
		slog.Debug("chat: send failed", "persona", personaID, "err", err)
		switch {
		case errors.Is(err, conversation.ErrBusy):
			fmt.Fprintln(r.out, "! still waiting for the last reply")
		case chat.IsValidation(err):
			fmt.Fprintln(r.out, "!", err)
		default:
			notice := r.conv.Notice(personaID)
			if notice.Text == "" {
				notice.Text = conversation.GenericErrorText
			}
			fmt.Fprintln(r.out, "!", notice.Text)
		}
		return
	}
	fmt.Fprintf(r.out, "%s: %s\n", personaID, reply.Content)
	if err := r.credits.Consume(ctx, r.userID); err != nil {
		slog.Warn("chat: recording credit usage failed", "err", err)
	}
}

func (r *repl) print(msgs []chat.Message) {
	for _, m := range msgs {
		who := "you"
		if m.Role == chat.RoleAssistant {
			who = r.conv.Active()
		}
		fmt.Fprintf(r.out, "%s: %s\n", who, m.Content)
	}
}
