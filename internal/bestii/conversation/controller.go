// Package conversation drives chat turns for one user across personas.
//
// Each persona has its own session: a live subscription to the persona's
// message history, a Timeline merging it with optimistic messages, a
// pagination cursor and a turn state machine. Sessions are independent, so
// a turn started on one persona completes in that persona's session even
// after the user switched to another.
package conversation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/DennisMainhardt/bestii-sub000/common/trace"
	"github.com/DennisMainhardt/bestii-sub000/internal/bestii/chat"
	"github.com/DennisMainhardt/bestii-sub000/internal/bestii/completion"
	"github.com/DennisMainhardt/bestii-sub000/internal/bestii/metrics"
	"github.com/DennisMainhardt/bestii-sub000/internal/bestii/observability"
)

// DefaultPageSize is the number of messages loaded per history page.
const DefaultPageSize = 20

// GenericErrorText is shown when a turn fails for a reason other than
// credits.
const GenericErrorText = "Something went wrong sending your message. Please try again."

// NoCreditsText is shown when the user has no credits left.
const NoCreditsText = "You're out of credits for now. Come back tomorrow or check your plan."

var (
	// ErrNoCredits is returned by Send when the credits pre-check fails.
	ErrNoCredits = errors.New("conversation: no credits remaining")
	// ErrNoActivePersona is returned by Send before any persona is active.
	ErrNoActivePersona = errors.New("conversation: no active persona")
	// ErrUnknownPersona is returned for a persona without a completion client.
	ErrUnknownPersona = errors.New("conversation: unknown persona")
	// ErrClosed is returned after Close.
	ErrClosed = errors.New("conversation: controller closed")
)

// MessageStore is the message persistence a controller needs.
type MessageStore interface {
	Append(ctx context.Context, scope chat.Scope, role chat.Role, content string) (chat.Message, error)
	FetchPage(ctx context.Context, scope chat.Scope, pageSize int, cursor chat.PageCursor) (chat.Page, error)
	Subscribe(ctx context.Context, scope chat.Scope, onUpdate func([]chat.Message), onError func(error)) (func(), error)
}

// Credits reports how many turns a user may still take.
type Credits interface {
	Remaining(ctx context.Context, userID string) (int, error)
}

// PromptComposer builds the system prompt of a turn.
type PromptComposer interface {
	Compose(ctx context.Context, scope chat.Scope, input string) string
}

// Summariser is triggered after every successful turn.
type Summariser interface {
	Trigger(ctx context.Context, scope chat.Scope)
	Wait()
}

// NoticeKind classifies the banner a renderer should show.
type NoticeKind int

const (
	NoticeNone NoticeKind = iota
	NoticeNoCredits
	NoticeError
)

// Notice is the user-facing outcome of the last failed turn.
type Notice struct {
	Kind NoticeKind
	Text string
}

// Config wires a Controller.
type Config struct {
	UserID     string
	Store      MessageStore
	Composer   PromptComposer
	Credits    Credits
	Summariser Summariser
	// Clients holds one completion client per persona id.
	Clients map[string]completion.Client
	// PageSize defaults to DefaultPageSize.
	PageSize int
	// OnChange is called with a persona's rendered messages whenever they
	// change. It runs on store or caller goroutines and must not block.
	OnChange func(personaID string, msgs []chat.Message)
	Metrics  *metrics.Metrics
	Logger   *slog.Logger
}

// Controller owns the sessions of one user.
type Controller struct {
	cfg    Config
	logger *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc

	mu       sync.Mutex
	sessions map[string]*session
	active   string
	closed   bool
}

type session struct {
	scope chat.Scope

	mu         sync.Mutex
	fsm        Machine
	timeline   *Timeline
	next       chat.PageCursor
	exhausted  bool
	paginating bool
	notice     Notice

	unsubscribe func()
	stopped     bool
}

// stop releases the subscription. Only the first call has an effect.
func (s *session) stop() {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return
	}
	s.stopped = true
	unsubscribe := s.unsubscribe
	s.mu.Unlock()
	if unsubscribe != nil {
		unsubscribe()
	}
}

// New returns a Controller for cfg.UserID.
func New(cfg Config) (*Controller, error) {
	if strings.TrimSpace(cfg.UserID) == "" {
		return nil, &chat.ValidationError{Field: "user_id", Reason: "must not be empty"}
	}
	if cfg.Store == nil || cfg.Composer == nil || cfg.Credits == nil {
		return nil, fmt.Errorf("conversation: store, composer and credits are required")
	}
	if len(cfg.Clients) == 0 {
		return nil, fmt.Errorf("conversation: at least one persona client is required")
	}
	if cfg.PageSize <= 0 {
		cfg.PageSize = DefaultPageSize
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Controller{
		cfg:      cfg,
		logger:   cfg.Logger,
		ctx:      ctx,
		cancel:   cancel,
		sessions: make(map[string]*session),
	}, nil
}

// Activate makes personaID the active persona. The first activation opens
// the persona's session: it subscribes to the history and loads the newest
// page. Later activations only switch.
func (c *Controller) Activate(ctx context.Context, personaID string) error {
	if _, ok := c.cfg.Clients[personaID]; !ok {
		return fmt.Errorf("%w: %q", ErrUnknownPersona, personaID)
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	sess, exists := c.sessions[personaID]
	if !exists {
		sess = &session{
			scope:    chat.Scope{UserID: c.cfg.UserID, PersonaID: personaID},
			timeline: NewTimeline(),
		}
		c.sessions[personaID] = sess
	}
	c.active = personaID
	c.mu.Unlock()

	if exists {
		c.notify(sess)
		return nil
	}

	unsubscribe, err := c.cfg.Store.Subscribe(c.ctx, sess.scope,
		func(msgs []chat.Message) {
			sess.mu.Lock()
			sess.timeline.ApplySnapshot(msgs)
			sess.mu.Unlock()
			c.notify(sess)
		},
		func(err error) {
			c.logger.Warn("conversation: subscription error", "scope", sess.scope.Key(), "err", err)
		},
	)
	if err != nil {
		c.mu.Lock()
		delete(c.sessions, personaID)
		c.mu.Unlock()
		return fmt.Errorf("conversation: subscribe %s: %w", sess.scope, err)
	}
	sess.mu.Lock()
	if sess.stopped {
		sess.mu.Unlock()
		unsubscribe()
		return ErrClosed
	}
	sess.unsubscribe = unsubscribe
	sess.mu.Unlock()

	if _, err := c.loadPage(ctx, sess); err != nil {
		return err
	}
	return nil
}

// Active returns the active persona id, or "" before the first Activate.
func (c *Controller) Active() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.active
}

func (c *Controller) session(personaID string) *session {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sessions[personaID]
}

// Send runs one turn on the active persona and returns the persisted
// assistant reply.
//
// With no credits left it returns ErrNoCredits without touching the store.
// Any later failure removes the optimistic message, sets the session's
// notice and returns the session to idle, ready for a retry.
func (c *Controller) Send(ctx context.Context, text string) (chat.Message, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return chat.Message{}, &chat.ValidationError{Field: "content", Reason: "must not be empty"}
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return chat.Message{}, ErrClosed
	}
	sess := c.sessions[c.active]
	c.mu.Unlock()
	if sess == nil {
		return chat.Message{}, ErrNoActivePersona
	}
	personaID := sess.scope.PersonaID
	client := c.cfg.Clients[personaID]

	ctx, traceID := trace.Ensure(ctx)
	logger := observability.WithTrace(ctx, c.logger).With("scope", sess.scope.Key())

	remaining, err := c.cfg.Credits.Remaining(ctx, c.cfg.UserID)
	if err != nil {
		return chat.Message{}, fmt.Errorf("conversation: read credits: %w", err)
	}
	if remaining <= 0 {
		sess.mu.Lock()
		sess.notice = Notice{Kind: NoticeNoCredits, Text: NoCreditsText}
		sess.mu.Unlock()
		c.notify(sess)
		c.cfg.Metrics.RecordTurn(personaID, "no_credits")
		logger.Info("conversation: send refused, no credits")
		return chat.Message{}, ErrNoCredits
	}

	sess.mu.Lock()
	if err := sess.fsm.Begin(); err != nil {
		sess.mu.Unlock()
		return chat.Message{}, err
	}
	pending := sess.timeline.AddPending(text)
	local := pending.ID.(chat.LocalID)
	sess.notice = Notice{}
	sess.mu.Unlock()
	c.notify(sess)

	logger.Debug("conversation: turn started", "trace_id", traceID, "input_len", len(text))

	user, err := c.cfg.Store.Append(ctx, sess.scope, chat.RoleUser, text)
	if err != nil {
		return chat.Message{}, c.fail(sess, local, "append user message", err, logger)
	}
	c.cfg.Metrics.RecordMessage(string(chat.RoleUser))
	userID, _ := user.Stored()
	if err := c.advance(sess, StateAwaitingCompletion, func() { sess.timeline.Confirm(local, userID) }); err != nil {
		return chat.Message{}, c.fail(sess, local, "advance", err, logger)
	}

	system := c.cfg.Composer.Compose(ctx, sess.scope, text)
	resp, err := client.Complete(ctx, completion.Request{
		System:   system,
		Messages: []completion.Message{{Role: chat.RoleUser, Content: text}},
	})
	if err != nil {
		return chat.Message{}, c.fail(sess, local, "completion", err, logger)
	}
	if err := c.advance(sess, StatePersisting, nil); err != nil {
		return chat.Message{}, c.fail(sess, local, "advance", err, logger)
	}

	reply, err := c.cfg.Store.Append(ctx, sess.scope, chat.RoleAssistant, resp.Content)
	if err != nil {
		return chat.Message{}, c.fail(sess, local, "append assistant message", err, logger)
	}
	c.cfg.Metrics.RecordMessage(string(chat.RoleAssistant))
	if err := c.advance(sess, StateIdle, func() {
		sess.timeline.Resolve(local, user)
		sess.timeline.Insert(reply)
	}); err != nil {
		return chat.Message{}, c.fail(sess, local, "advance", err, logger)
	}
	c.notify(sess)

	c.cfg.Metrics.RecordTurn(personaID, "ok")
	logger.Info("conversation: turn completed",
		"backend", client.Backend(),
		"reply_len", len(resp.Content),
		"tokens", resp.Usage.TotalTokens,
		"latency_ms", resp.LatencyMS,
	)

	if c.cfg.Summariser != nil {
		c.cfg.Summariser.Trigger(ctx, sess.scope)
	}
	return reply, nil
}

// advance applies update and moves sess to next under the session lock.
func (c *Controller) advance(sess *session, next State, update func()) error {
	sess.mu.Lock()
	defer sess.mu.Unlock()
	if update != nil {
		update()
	}
	return sess.fsm.Transition(next)
}

// fail rolls back a turn: Error, optimistic entry removed, notice set, Idle.
func (c *Controller) fail(sess *session, local chat.LocalID, step string, cause error, logger *slog.Logger) error {
	notice := Notice{Kind: NoticeError, Text: GenericErrorText}
	outcome := "error"
	if errors.Is(cause, chat.ErrInsufficientCredits) {
		notice = Notice{Kind: NoticeNoCredits, Text: NoCreditsText}
		outcome = "no_credits"
	}

	sess.mu.Lock()
	from := sess.fsm.State()
	if err := sess.fsm.Transition(StateError); err != nil {
		logger.Error("conversation: cannot enter error state", "from", from.String(), "err", err)
	}
	sess.timeline.Discard(local)
	sess.notice = notice
	if err := sess.fsm.Transition(StateIdle); err != nil {
		logger.Error("conversation: cannot recover to idle", "err", err)
	}
	sess.mu.Unlock()
	c.notify(sess)

	c.cfg.Metrics.RecordTurn(sess.scope.PersonaID, outcome)
	logger.Warn("conversation: turn failed",
		"step", step,
		"state", from.String(),
		"status", chat.StatusCode(cause),
		"err", cause,
	)
	return fmt.Errorf("conversation: %s: %w", step, cause)
}

// LoadOlder prepends the next older page of the active persona's history.
// It reports whether a page was fetched: false once the history is
// exhausted or while another load is running.
func (c *Controller) LoadOlder(ctx context.Context) (bool, error) {
	sess := c.session(c.Active())
	if sess == nil {
		return false, ErrNoActivePersona
	}
	return c.loadPage(ctx, sess)
}

func (c *Controller) loadPage(ctx context.Context, sess *session) (bool, error) {
	sess.mu.Lock()
	if sess.exhausted || sess.paginating {
		sess.mu.Unlock()
		return false, nil
	}
	sess.paginating = true
	cursor := sess.next
	sess.mu.Unlock()

	page, err := c.cfg.Store.FetchPage(ctx, sess.scope, c.cfg.PageSize, cursor)

	sess.mu.Lock()
	sess.paginating = false
	if err != nil {
		sess.mu.Unlock()
		return false, fmt.Errorf("conversation: load history %s: %w", sess.scope, err)
	}
	sess.timeline.Insert(page.Messages...)
	sess.next = page.Next
	sess.exhausted = page.Exhausted
	sess.mu.Unlock()

	c.notify(sess)
	return true, nil
}

// Messages returns the rendered messages of personaID.
func (c *Controller) Messages(personaID string) []chat.Message {
	sess := c.session(personaID)
	if sess == nil {
		return nil
	}
	sess.mu.Lock()
	defer sess.mu.Unlock()
	return sess.timeline.Messages()
}

// Notice returns the notice of personaID's last failed turn.
func (c *Controller) Notice(personaID string) Notice {
	sess := c.session(personaID)
	if sess == nil {
		return Notice{}
	}
	sess.mu.Lock()
	defer sess.mu.Unlock()
	return sess.notice
}

// State returns the turn state of personaID's session.
func (c *Controller) State(personaID string) State {
	sess := c.session(personaID)
	if sess == nil {
		return StateIdle
	}
	sess.mu.Lock()
	defer sess.mu.Unlock()
	return sess.fsm.State()
}

// HistoryExhausted reports whether personaID's oldest message is loaded.
func (c *Controller) HistoryExhausted(personaID string) bool {
	sess := c.session(personaID)
	if sess == nil {
		return false
	}
	sess.mu.Lock()
	defer sess.mu.Unlock()
	return sess.exhausted
}

func (c *Controller) notify(sess *session) {
	if c.cfg.OnChange == nil {
		return
	}
	sess.mu.Lock()
	msgs := sess.timeline.Messages()
	sess.mu.Unlock()
	c.cfg.OnChange(sess.scope.PersonaID, msgs)
}

// Close releases every subscription exactly once and waits for triggered
// summarisations. It is safe to call more than once.
func (c *Controller) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	sessions := make([]*session, 0, len(c.sessions))
	for _, s := range c.sessions {
		sessions = append(sessions, s)
	}
	c.mu.Unlock()

	for _, s := range sessions {
		s.stop()
	}
	c.cancel()
	if c.cfg.Summariser != nil {
		c.cfg.Summariser.Wait()
	}
	return nil
}
