// Package cli provides the conciergectl admin command line.
package cli

import (
	"context"
	"database/sql"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"concierge/internal/app"
	"concierge/internal/config"
	"concierge/pkg/logger"
	"concierge/pkg/utils"
)

var (
	cfg config.Config
	log *slog.Logger

	closeLog func() error
)

var rootCmd = &cobra.Command{
	Use:   "conciergectl",
	Short: "Admin tooling for the concierge backend",
	Long: `conciergectl runs migrations, mints tokens and nudges stuck requests.

It reads the same environment (and .env file) as the api and worker.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if cmd.Name() == "help" {
			return nil
		}
		var err error
		cfg, err = config.Load()
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}
		log, closeLog = logger.New(cfg.App.Env, cfg.Log.File)
		slog.SetDefault(log)
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if closeLog != nil {
			if err := closeLog(); err != nil {
				fmt.Fprintf(os.Stderr, "Warning: failed to close log file: %v\n", err)
			}
		}
	},
}

func init() {
	rootCmd.AddCommand(migrateCmd, tokenCmd, resumeCmd, retryProviderCmd, notifyCmd)
}

// ExecuteContext runs the root command; ctx is canceled on SIGINT/SIGTERM.
func ExecuteContext(ctx context.Context) error {
	return rootCmd.ExecuteContext(ctx)
}

func openDB(ctx context.Context) (*sql.DB, error) {
	db, err := utils.OpenPostgres(ctx, "pgx", cfg.PostgresDSN(), utils.PostgresPoolConfig{MaxOpenConns: 2})
	if err != nil {
		return nil, fmt.Errorf("connect to database: %w", err)
	}
	return db, nil
}

// withApp builds the full service graph for commands that act on requests.
func withApp(ctx context.Context, fn func(a *app.App) error) error {
	a, err := app.New(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer a.Close()
	return fn(a)
}

func printf(w io.Writer, format string, args ...any) {
	_, _ = fmt.Fprintf(w, format, args...)
}
