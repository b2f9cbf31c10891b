package main

import (
	"context"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/untoldecay/lix/internal/backend"
	"github.com/untoldecay/lix/internal/config"
	"github.com/untoldecay/lix/internal/engine"
)

var (
	flagDB      string
	flagDialect string
)

var rootCmd = &cobra.Command{
	Use:   "lix",
	Short: "Versioned, change-tracked state engine behind a SQL surface",
	Long: `lix stores state as an append-only change log with commits, branches
(versions), and per-schema materialized projections. Clients talk plain SQL
against logical views like lix_state, lix_file, and lix_state_history.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if err := config.Initialize(); err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}
		if flagDB != "" {
			config.Set("database.path", flagDB)
		}
		if flagDialect != "" {
			config.Set("database.dialect", flagDialect)
		}
		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&flagDB, "db", "", "database path or DSN (default from config)")
	rootCmd.PersistentFlags().StringVar(&flagDialect, "dialect", "", "backend dialect: sqlite or postgres")
}

// openEngine constructs an initialized engine from the active config.
func openEngine(ctx context.Context) (*engine.Engine, error) {
	dialect := config.GetString("database.dialect")
	dsn := config.GetString("database.path")

	var (
		b   backend.Backend
		err error
	)
	switch strings.ToLower(dialect) {
	case "postgres":
		b, err = backend.OpenPostgres(dsn)
	default:
		b, err = backend.OpenSQLite(dsn)
	}
	if err != nil {
		return nil, err
	}

	e := engine.New(engine.Config{Backend: b})
	if err := e.Init(ctx); err != nil {
		b.Close()
		return nil, err
	}
	return e, nil
}
