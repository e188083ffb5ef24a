// Package cli provides the command-line interface for jobstatus.
package cli

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/spf13/cobra"
	_ "modernc.org/sqlite"

	"github.com/mohans/jobstatus"
	"github.com/mohans/jobstatus/gormstore"
	"github.com/mohans/jobstatus/internal/config"
	"github.com/mohans/jobstatus/memstore"
)

var (
	// Version is set at build time.
	Version = "0.1.0"

	cfg     config.Config
	logger  *slog.Logger
	store   jobstatus.Store
	updater *jobstatus.Updater

	closers []func() error
)

var rootCmd = &cobra.Command{
	Use:   "jobstatus",
	Short: "Track the lifecycle of queued jobs",
	Long: `jobstatus records the status, progress, attempts and history of asynq
jobs in a relational store, and lets you query them by id, unique id,
batch or chain.`,
	Version:       Version,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if cmd.Name() == "version" || cmd.Name() == "help" {
			return nil
		}

		var err error
		cfg, err = config.Load()
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}

		var closeLog func() error
		logger, closeLog = config.SetupLogger(cfg.LogFile, cfg.LogLevel)
		closers = append(closers, closeLog)

		store, err = openStore(cmd.Context(), cfg.Tracking, logger)
		if err != nil {
			return err
		}
		updater = jobstatus.NewUpdater(store,
			jobstatus.WithConfig(cfg.Tracking),
			jobstatus.WithLogger(logger),
		)
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		for i := len(closers) - 1; i >= 0; i-- {
			if err := closers[i](); err != nil {
				fmt.Fprintf(os.Stderr, "Warning: cleanup failed: %v\n", err)
			}
		}
		closers = nil
	},
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.ExecuteContext(context.Background())
}

func init() {
	rootCmd.AddCommand(migrateCmd, showCmd, historyCmd, uniqueCmd, runningCmd, batchCmd, chainCmd)
	rootCmd.AddCommand(workerCmd, enqueueDemoCmd)
}

type migrator interface {
	Migrate(ctx context.Context) error
}

// openStore builds the store selected by the tracking config.
func openStore(ctx context.Context, c jobstatus.Config, log *slog.Logger) (jobstatus.Store, error) {
	switch c.Model {
	case jobstatus.ModelMemory:
		return memstore.New(), nil

	case jobstatus.ModelGorm:
		db, err := gormstore.Open(c.DatabaseDriver, c.DatabaseConnection, log)
		if err != nil {
			return nil, err
		}
		if sqlDB, err := db.DB(); err == nil {
			closers = append(closers, sqlDB.Close)
		}
		return gormstore.New(db), nil

	default:
		driverName := "sqlite"
		dialect := jobstatus.DialectSQLite
		if c.DatabaseDriver == "postgres" {
			driverName, dialect = "pgx", jobstatus.DialectPostgres
		}
		db, err := sql.Open(driverName, c.DatabaseConnection)
		if err != nil {
			return nil, fmt.Errorf("open %s: %w", c.DatabaseDriver, err)
		}
		if err := db.PingContext(ctx); err != nil {
			db.Close()
			return nil, fmt.Errorf("connect to %s: %w", c.DatabaseDriver, err)
		}
		if dialect == jobstatus.DialectSQLite {
			db.SetMaxOpenConns(1)
		}
		closers = append(closers, db.Close)
		return jobstatus.NewSQLStore(db, dialect), nil
	}
}

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Create the job status tables",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		m, ok := store.(migrator)
		if !ok {
			return fmt.Errorf("store %T has no schema", store)
		}
		if err := m.Migrate(cmd.Context()); err != nil {
			return err
		}
		logger.Info("schema migrated", "model", cfg.Tracking.Model, "driver", cfg.Tracking.DatabaseDriver)
		return nil
	},
}
