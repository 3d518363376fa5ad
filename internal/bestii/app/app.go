// Package app wires the bestii components into a running application.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/DennisMainhardt/bestii-sub000/common/version"
	"github.com/DennisMainhardt/bestii-sub000/internal/bestii/chat"
	"github.com/DennisMainhardt/bestii-sub000/internal/bestii/completion"
	"github.com/DennisMainhardt/bestii-sub000/internal/bestii/conversation"
	"github.com/DennisMainhardt/bestii-sub000/internal/bestii/credits"
	"github.com/DennisMainhardt/bestii-sub000/internal/bestii/memory"
	"github.com/DennisMainhardt/bestii-sub000/internal/bestii/metrics"
	"github.com/DennisMainhardt/bestii-sub000/internal/bestii/persona"
	"github.com/DennisMainhardt/bestii-sub000/internal/bestii/realtime"
	"github.com/DennisMainhardt/bestii-sub000/internal/bestii/store"
	"github.com/DennisMainhardt/bestii-sub000/internal/bestii/store/firestore"
)

// Backend is everything the application needs from a store. store.Store and
// firestore.Store implement it.
type Backend interface {
	conversation.MessageStore
	memory.SummaryStore
	memory.SummaryReader
	credits.UsageStore
	DeleteScope(ctx context.Context, scope chat.Scope) (int64, error)
	Close() error
}

// summaryDefaults keeps summaries factual and short.
var summaryDefaults = completion.Sampling{
	Temperature: 0.3,
	MaxTokens:   600,
	TopP:        1,
}

// App is the bestii application.
type App struct {
	cfg    Config
	logger *slog.Logger

	backend    Backend
	notifier   realtime.Notifier
	personas   *persona.Catalog
	metrics    *metrics.Metrics
	credits    conversation.Credits
	ledger     *credits.Ledger
	clients    map[string]completion.Client
	summariser *memory.Summariser
	composer   *memory.Composer
	health     *HealthServer
}

// New opens the store and builds every component. Close releases them.
func New(ctx context.Context, cfg Config, logger *slog.Logger) (*App, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}

	personas, err := persona.Load(cfg.PersonasFile)
	if err != nil {
		return nil, fmt.Errorf("app: %w", err)
	}

	a := &App{
		cfg:      cfg,
		logger:   logger,
		personas: personas,
		metrics:  metrics.New(),
	}

	if err := a.openBackend(ctx); err != nil {
		return nil, err
	}

	a.clients = make(map[string]completion.Client, len(personas.IDs()))
	for _, p := range personas.All() {
		client, err := a.newClient(p.Backend, p.Model, p.CompletionSampling())
		if err != nil {
			a.Close()
			return nil, fmt.Errorf("app: persona %s: %w", p.ID, err)
		}
		a.clients[p.ID] = client
	}

	summaryClient, err := a.newClient(cfg.SummaryBackend, cfg.SummaryModel, summaryDefaults)
	if err != nil {
		a.Close()
		return nil, fmt.Errorf("app: summariser: %w", err)
	}
	a.summariser = memory.NewSummariser(a.backend,
		completion.NewSummarizer(summaryClient, completion.NewTokenCounter()),
		memory.Config{
			Threshold: cfg.SummaryThreshold,
			Metrics:   a.metrics,
			Logger:    logger,
		})
	a.composer = memory.NewComposer(a.backend, personas, logger)

	if cfg.DailyCredits < 0 {
		a.credits = credits.Unlimited{}
	} else {
		a.ledger = credits.NewLedger(a.backend, cfg.DailyCredits, cfg.MonthlyCredits)
		a.credits = a.ledger
	}

	if cfg.HTTPAddr != "" {
		a.health = NewHealthServer(cfg.HTTPAddr, a.backend, personas, a.metrics)
	}

	logger.Info("bestii initialised",
		append(version.Fields(),
			"store", cfg.StoreBackend,
			"personas", personas.IDs(),
			"summary_threshold", a.summariser.Threshold(),
			"http", cfg.HTTPAddr != "",
		)...)
	return a, nil
}

func (a *App) openBackend(ctx context.Context) error {
	switch a.cfg.StoreBackend {
	case BackendFirestore:
		fs, err := firestore.New(ctx, a.cfg.FirestoreProject, a.logger)
		if err != nil {
			return fmt.Errorf("app: %w", err)
		}
		a.backend = fs
		return nil
	}

	opts := []store.Option{store.WithLogger(a.logger)}
	if a.cfg.RedisAddr != "" {
		n, err := realtime.NewRedis(ctx, realtime.RedisConfig{
			Addr:     a.cfg.RedisAddr,
			Password: a.cfg.RedisPassword,
			Channel:  a.cfg.RedisChannel,
		}, a.logger)
		if err != nil {
			return fmt.Errorf("app: %w", err)
		}
		a.notifier = n
		opts = append(opts, store.WithNotifier(n))
	}
	st, err := store.New(a.cfg.DatabasePath, opts...)
	if err != nil {
		if a.notifier != nil {
			_ = a.notifier.Close()
		}
		return fmt.Errorf("app: %w", err)
	}
	a.backend = st
	return nil
}

func (a *App) newClient(backend, model string, sampling completion.Sampling) (completion.Client, error) {
	switch backend {
	case completion.BackendOpenAI, "":
		return completion.NewOpenAI(completion.Config{
			APIKey:   a.cfg.OpenAIAPIKey,
			BaseURL:  a.cfg.OpenAIURL,
			Model:    model,
			Sampling: sampling,
			Timeout:  a.cfg.CompletionTimeout,
			Retry:    a.cfg.Retry,
			Observer: a.metrics,
			Logger:   a.logger,
		}), nil
	case completion.BackendAnthropic:
		return completion.NewAnthropic(completion.Config{
			APIKey:   a.cfg.AnthropicAPIKey,
			BaseURL:  a.cfg.AnthropicURL,
			Model:    model,
			Sampling: sampling,
			Timeout:  a.cfg.CompletionTimeout,
			Retry:    a.cfg.Retry,
			Observer: a.metrics,
			Logger:   a.logger,
		}), nil
	default:
		return nil, fmt.Errorf("unknown completion backend %q", backend)
	}
}

// NewController returns a conversation controller for userID. onChange may
// be nil.
func (a *App) NewController(userID string, onChange func(personaID string, msgs []chat.Message)) (*conversation.Controller, error) {
	return conversation.New(conversation.Config{
		UserID:     userID,
		Store:      a.backend,
		Composer:   a.composer,
		Credits:    a.credits,
		Summariser: a.summariser,
		Clients:    a.clients,
		PageSize:   a.cfg.PageSize,
		OnChange:   onChange,
		Metrics:    a.metrics,
		Logger:     a.logger,
	})
}

// Consume charges userID for one completed turn. It is a no-op when credits
// are disabled.
func (a *App) Consume(ctx context.Context, userID string) error {
	if a.ledger == nil {
		return nil
	}
	return a.ledger.Consume(ctx, userID, 1)
}

// Balance returns userID's credit balance. ok is false when credits are
// disabled.
func (a *App) Balance(ctx context.Context, userID string) (b credits.Balance, ok bool, err error) {
	if a.ledger == nil {
		return credits.Balance{}, false, nil
	}
	b, err = a.ledger.Balance(ctx, userID)
	return b, err == nil, err
}

// Store returns the message and summary store.
func (a *App) Store() Backend { return a.backend }

// Personas returns the persona catalogue.
func (a *App) Personas() *persona.Catalog { return a.personas }

// Summariser returns the memory summariser.
func (a *App) Summariser() *memory.Summariser { return a.summariser }

// Metrics returns the application's instruments.
func (a *App) Metrics() *metrics.Metrics { return a.metrics }

// Health returns the HTTP server, or nil when HTTPAddr is empty.
func (a *App) Health() *HealthServer { return a.health }

// Run serves the HTTP endpoints, when configured, alongside session. It
// returns when session returns or ctx is cancelled. A nil session serves
// until ctx is cancelled.
func (a *App) Run(ctx context.Context, session func(ctx context.Context) error) error {
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	g, gctx := errgroup.WithContext(runCtx)

	if a.health != nil {
		if err := a.health.Listen(); err != nil {
			return err
		}
		g.Go(func() error { return a.health.Serve(gctx) })
	}

	g.Go(func() error {
		defer cancel()
		if session == nil {
			<-gctx.Done()
			return nil
		}
		return session(gctx)
	})

	err := g.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// Close waits for running summarisations and closes the store.
func (a *App) Close() error {
	var errs []error
	if a.summariser != nil {
		done := make(chan struct{})
		go func() {
			a.summariser.Wait()
			close(done)
		}()
		select {
		case <-done:
		case <-time.After(30 * time.Second):
			a.logger.Warn("app: summarisations still running at shutdown")
		}
	}
	if a.backend != nil {
		if err := a.backend.Close(); err != nil {
			errs = append(errs, fmt.Errorf("app: close store: %w", err))
		}
	}
	if a.notifier != nil {
		if err := a.notifier.Close(); err != nil {
			errs = append(errs, fmt.Errorf("app: close notifier: %w", err))
		}
	}
	return errors.Join(errs...)
}
