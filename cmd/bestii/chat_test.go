package main

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/DennisMainhardt/bestii-sub000/common/version"
	"github.com/DennisMainhardt/bestii-sub000/internal/bestii/chat"
	"github.com/DennisMainhardt/bestii-sub000/internal/bestii/conversation"
	"github.com/DennisMainhardt/bestii-sub000/internal/bestii/credits"
)

type fakeSession struct {
	active   string
	history  map[string][]chat.Message
	older    []chat.Message
	sendErr  error
	notice   conversation.Notice
	sent     []string
	activate []string
}

func (f *fakeSession) Activate(_ context.Context, personaID string) error {
	if personaID == "ghost" {
		return conversation.ErrUnknownPersona
	}
	f.active = personaID
	f.activate = append(f.activate, personaID)
	return nil
}

func (f *fakeSession) Active() string { return f.active }

func (f *fakeSession) Send(_ context.Context, text string) (chat.Message, error) {
	if f.sendErr != nil {
		return chat.Message{}, f.sendErr
	}
	f.sent = append(f.sent, text)
	return chat.Message{ID: chat.StoredID("r"), Role: chat.RoleAssistant, Content: "echo " + text}, nil
}

func (f *fakeSession) LoadOlder(context.Context) (bool, error) {
	if f.older == nil {
		return false, nil
	}
	f.history[f.active] = append(f.older, f.history[f.active]...)
	f.older = nil
	return true, nil
}

func (f *fakeSession) Messages(personaID string) []chat.Message { return f.history[personaID] }

func (f *fakeSession) Notice(string) conversation.Notice { return f.notice }

type fakeAccount struct {
	consumed int
	balance  *credits.Balance
}

func (f *fakeAccount) Consume(context.Context, string) error {
	f.consumed++
	return nil
}

func (f *fakeAccount) Balance(context.Context, string) (credits.Balance, bool, error) {
	if f.balance == nil {
		return credits.Balance{}, false, nil
	}
	return *f.balance, true, nil
}

func runREPL(t *testing.T, sess *fakeSession, acct *fakeAccount, input string) string {
	t.Helper()
	var out bytes.Buffer
	r := &repl{
		conv:     sess,
		credits:  acct,
		personas: []string{"bestie", "sage"},
		userID:   "u1",
		out:      &out,
	}
	if err := r.run(context.Background(), "bestie", strings.NewReader(input)); err != nil {
		t.Fatalf("run: %v", err)
	}
	return out.String()
}

func msg(role chat.Role, content string) chat.Message {
	return chat.Message{ID: chat.NewStoredID(), Role: role, Content: content, CreatedAt: time.Now()}
}

func TestREPL_SendAndConsume(t *testing.T) {
	sess := &fakeSession{history: map[string][]chat.Message{
		"bestie": {msg(chat.RoleUser, "earlier"), msg(chat.RoleAssistant, "earlier reply")},
	}}
	acct := &fakeAccount{}

	out := runREPL(t, sess, acct, "hi there\n\n/quit\nnever sent\n")

	for _, want := range []string{"-- talking to bestie --", "you: earlier", "bestie: earlier reply", "bestie: echo hi there"} {
		if !strings.Contains(out, want) {
			t.Errorf("output missing %q:\n%s", want, out)
		}
	}
	if len(sess.sent) != 1 {
		t.Errorf("sent = %v", sess.sent)
	}
	if acct.consumed != 1 {
		t.Errorf("consumed = %d, want 1", acct.consumed)
	}
}

func TestREPL_FailedSendShowsNotice(t *testing.T) {
	tests := []struct {
		name   string
		err    error
		notice conversation.Notice
		want   string
	}{
		{"no credits", conversation.ErrNoCredits, conversation.Notice{Kind: conversation.NoticeNoCredits, Text: conversation.NoCreditsText}, conversation.NoCreditsText},
		{"transport", fmt.Errorf("conversation: completion: %w", &chat.TransportError{StatusCode: 500}), conversation.Notice{}, conversation.GenericErrorText},
		{"validation", &chat.ValidationError{Field: "content", Reason: "must not be empty"}, conversation.Notice{}, "must not be empty"},
		{"busy", conversation.ErrBusy, conversation.Notice{}, "still waiting"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sess := &fakeSession{history: map[string][]chat.Message{}, sendErr: tt.err, notice: tt.notice}
			acct := &fakeAccount{}
			out := runREPL(t, sess, acct, "hello\n")
			if !strings.Contains(out, tt.want) {
				t.Errorf("output missing %q:\n%s", tt.want, out)
			}
			if acct.consumed != 0 {
				t.Error("a failed turn must not consume credits")
			}
		})
	}
}

func TestREPL_Commands(t *testing.T) {
	sess := &fakeSession{
		history: map[string][]chat.Message{"bestie": {msg(chat.RoleUser, "newest")}},
		older:   []chat.Message{msg(chat.RoleUser, "oldest")},
	}
	acct := &fakeAccount{balance: &credits.Balance{Remaining: 4, DailyUsed: 1, DailyLimit: 5, MonthlyUsed: 9, MonthlyLimit: 300}}

	out := runREPL(t, sess, acct, strings.Join([]string{
		"/older",
		"/older",
		"/credits",
		"/personas",
		"/persona ghost",
		"/persona sage",
		"/bogus",
	}, "\n"))

	for _, want := range []string{
		"you: oldest",
		"(no older messages)",
		"4 credits left (today 1/5, this month 9/300)",
		"* bestie",
		"unknown persona",
		"-- talking to sage --",
		"unknown command /bogus",
	} {
		if !strings.Contains(out, want) {
			t.Errorf("output missing %q:\n%s", want, out)
		}
	}
	if strings.Join(sess.activate, ",") != "bestie,sage" {
		t.Errorf("activations = %v", sess.activate)
	}
}

func TestREPL_UnknownStartPersona(t *testing.T) {
	r := &repl{conv: &fakeSession{}, credits: &fakeAccount{}, out: &bytes.Buffer{}}
	err := r.run(context.Background(), "ghost", strings.NewReader(""))
	if !errors.Is(err, conversation.ErrUnknownPersona) {
		t.Errorf("err = %v", err)
	}
}

func TestRootCmd_Version(t *testing.T) {
	var out bytes.Buffer
	cmd := newRootCmd()
	cmd.SetOut(&out)
	cmd.SetArgs([]string{"version"})
	if err := cmd.Execute(); err != nil {
		t.Fatal(err)
	}
	if strings.TrimSpace(out.String()) != version.Info() {
		t.Errorf("version output = %q", out.String())
	}
}

func TestRootCmd_PurgeNeedsConfirmation(t *testing.T) {
	cmd := newRootCmd()
	cmd.SetOut(&bytes.Buffer{})
	cmd.SetArgs([]string{"purge", "--persona", "sage", "--user", "u9"})
	err := cmd.Execute()
	if err == nil || !strings.Contains(err.Error(), "without --yes") {
		t.Errorf("err = %v", err)
	}
}

func TestPrintSummaries(t *testing.T) {
	var out bytes.Buffer
	printSummaries(&out, nil)
	if !strings.Contains(out.String(), "no memories yet") {
		t.Errorf("empty output = %q", out.String())
	}

	out.Reset()
	printSummaries(&out, []chat.Summary{{
		Summary:      "They moved to Lisbon.",
		MessageCount: 6,
		Metadata:     chat.Metadata{KeyPeople: []string{"sister"}, KeyEvents: []string{"move"}}.Normalize(),
	}})
	for _, want := range []string{"6 messages", "They moved to Lisbon.", "people: sister", "events: move"} {
		if !strings.Contains(out.String(), want) {
			t.Errorf("output missing %q:\n%s", want, out.String())
		}
	}
	if strings.Contains(out.String(), "themes:") {
		t.Error("empty metadata lists should be omitted")
	}
}
