package main

import (
	"fmt"
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/Martian-dev/mailmove/internal/config"
	"github.com/Martian-dev/mailmove/internal/jobs"
	"github.com/Martian-dev/mailmove/internal/logging"
	"github.com/Martian-dev/mailmove/internal/store"
	"github.com/Martian-dev/mailmove/internal/store/postgres"
	"github.com/Martian-dev/mailmove/internal/store/sqlite"
)

var (
	// Global flags
	cfgPath   string
	logLevel  string
	logFormat string
	globalCfg *config.Config
	logger    *slog.Logger

	globalStore closableStore
)

// closableStore is a store.Store owned by this process.
type closableStore interface {
	store.Store
	Close() error
}

// NewRootCmd creates and returns the root command
func NewRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "mailmove",
		Short: "Migrate mailboxes between Google, Microsoft 365 and IMAP accounts",
		Long: `mailmove copies emails, contacts and calendar events from one account to
another, keeps the target in sync while users still work on the source, and
completes the cut-over on request.`,
		Example: `  mailmove serve
  mailmove account add --provider GOOGLE --email ana@gmail.com
  mailmove job create --name ana --source <id> --target <id>
  mailmove job start <job-id>
  mailmove job logs <job-id> --limit 20`,
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if cfgPath == "" {
				if path, err := config.FindConfigFile(); err == nil {
					cfgPath = path
				}
			}
			cfg, err := config.Load(cfgPath)
			if err != nil {
				return fmt.Errorf("failed to load config: %w", err)
			}
			if cmd.Flags().Changed("log-level") {
				cfg.Logging.Level = logLevel
			}
			if cmd.Flags().Changed("log-format") {
				cfg.Logging.Format = logFormat
			}
			globalCfg = cfg

			logger = logging.New(logging.Config{Level: cfg.Logging.Level, Format: cfg.Logging.Format})
			slog.SetDefault(logger)
			logger.Debug("config loaded", "path", cfgPath, "driver", cfg.Database.Driver)
			return nil
		},
		PersistentPostRun: func(cmd *cobra.Command, args []string) {
			closeStore()
		},
	}

	cmd.PersistentFlags().StringVar(&cfgPath, "config", "", "path to config file (auto-discovered if not specified)")
	cmd.PersistentFlags().StringVar(&logLevel, "log-level", "info", "log level (debug, info, warn, error)")
	cmd.PersistentFlags().StringVar(&logFormat, "log-format", "text", "log format (text or json)")

	cmd.AddCommand(
		newServeCmd(),
		newDBCmd(),
		newAccountCmd(),
		newJobCmd(),
	)
	return cmd
}

// openStore opens the configured store once per process.
func openStore() (closableStore, error) {
	if globalStore != nil {
		return globalStore, nil
	}
	var (
		st  closableStore
		err error
	)
	switch globalCfg.Database.Driver {
	case config.DriverPostgres:
		st, err = postgres.Open(globalCfg.Database.URL, logger)
	default:
		st, err = sqlite.Open(globalCfg.Database.SQLitePath, logger)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to initialize store: %w", err)
	}
	globalStore = st
	return st, nil
}

// closeStore closes the global store connection
func closeStore() {
	if globalStore == nil {
		return
	}
	if err := globalStore.Close(); err != nil {
		logger.Error("failed to close store", "error", err)
	}
	globalStore = nil
}

// controlService returns a job service without a worker pool: status
// changes are stored and a running server picks them up.
func controlService() (*jobs.Service, error) {
	st, err := openStore()
	if err != nil {
		return nil, err
	}
	return jobs.New(st, nil, nil, nil, logger), nil
}
