// Command bestii is a terminal client for the companion chat: talk to a
// persona, inspect stored history and memories, and serve health and
// metrics endpoints.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/DennisMainhardt/bestii-sub000/common/environment"
	"github.com/DennisMainhardt/bestii-sub000/common/version"
	"github.com/DennisMainhardt/bestii-sub000/internal/bestii/app"
	"github.com/DennisMainhardt/bestii-sub000/internal/bestii/observability"
)

// options are the flags shared by every command. Unset flags keep the value
// read from the environment.
type options struct {
	cfg    app.Config
	userID string
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	opts := &options{}

	root := &cobra.Command{
		Use:           "bestii",
		Short:         "Chat with an AI companion that remembers you",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			observability.Setup(opts.cfg.LogLevel, opts.cfg.LogFormat)
			return nil
		},
	}

	envCfg, envErr := app.ConfigFromEnv()
	if envErr != nil {
		// Surface the bad variable when a command runs, keep flags usable.
		root.PersistentPreRunE = func(*cobra.Command, []string) error { return envErr }
	}
	opts.cfg = envCfg

	f := root.PersistentFlags()
	f.StringVar(&opts.userID, "user", environment.StringOr(environment.Key("user_id"), "local"), "user id the conversation belongs to")
	f.StringVar(&opts.cfg.StoreBackend, "store", opts.cfg.StoreBackend, "store backend: sqlite or firestore")
	f.StringVar(&opts.cfg.DatabasePath, "db", opts.cfg.DatabasePath, "SQLite database path")
	f.StringVar(&opts.cfg.FirestoreProject, "firestore-project", opts.cfg.FirestoreProject, "Google Cloud project for the firestore backend")
	f.StringVar(&opts.cfg.RedisAddr, "redis", opts.cfg.RedisAddr, "Redis address for cross-process change notifications")
	f.StringVar(&opts.cfg.PersonasFile, "personas", opts.cfg.PersonasFile, "YAML persona catalogue")
	f.StringVar(&opts.cfg.HTTPAddr, "http", opts.cfg.HTTPAddr, "address of the health/status/metrics server")
	f.StringVar(&opts.cfg.LogLevel, "log-level", opts.cfg.LogLevel, "log level: debug, info, warn, error")
	f.StringVar(&opts.cfg.LogFormat, "log-format", opts.cfg.LogFormat, "log format: text or json")

	root.AddCommand(
		newChatCmd(opts),
		newHistoryCmd(opts),
		newSummariesCmd(opts),
		newPurgeCmd(opts),
		newServeCmd(opts),
		newVersionCmd(),
	)
	return root
}

// withApp builds the application, runs fn and closes it. SIGINT and SIGTERM
// cancel ctx.
func withApp(cmd *cobra.Command, opts *options, fn func(ctx context.Context, a *app.App) error) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := app.New(ctx, opts.cfg, nil)
	if err != nil {
		return err
	}
	defer a.Close()
	return fn(ctx, a)
}

func newServeCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Serve /health, /status and /metrics until interrupted",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if opts.cfg.HTTPAddr == "" {
				return fmt.Errorf("serve: --http (or BESTII_HTTP_ADDR) is required")
			}
			return withApp(cmd, opts, func(ctx context.Context, a *app.App) error {
				return a.Run(ctx, nil)
			})
		},
	}
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print build information",
		Args:  cobra.NoArgs,
		PersistentPreRunE: func(*cobra.Command, []string) error {
			return nil
		},
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintln(cmd.OutOrStdout(), version.Info())
		},
	}
}
