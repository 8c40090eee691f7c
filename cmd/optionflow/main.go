package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/stratlab/optionflow/internal/app"
	"github.com/stratlab/optionflow/internal/config"
	"github.com/stratlab/optionflow/internal/store/postgres"
)

const (
	appName = "optionflow"
	version = "v1.2.0"
)

func main() {
	zerolog.TimeFieldFormat = time.RFC3339
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.Kitchen})

	var configPath string
	var verbose bool

	rootCmd := &cobra.Command{
		Use:     appName,
		Short:   "Index options aggregation and delivery pipeline",
		Version: version,
		Long: `optionflow consumes live index option ticks, aggregates them into
per-strike time buckets at 1/5/15 minute resolution, persists them to
Postgres, and serves them over REST and WebSocket with a tiered cache.`,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			if verbose {
				zerolog.SetGlobalLevel(zerolog.DebugLevel)
			} else {
				zerolog.SetGlobalLevel(zerolog.InfoLevel)
			}
		},
	}
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "config/optionflow.yaml", "Path to configuration file")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable debug logging")

	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the full pipeline",
		Long:  "Start the consumer, aggregator, backfill engine, and query surface.",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			application, err := app.New(cmd.Context(), cfg)
			if err != nil {
				return err
			}
			return application.Run(cmd.Context())
		},
	}

	schemaCmd := &cobra.Command{
		Use:   "schema",
		Short: "Print the database schema DDL",
		Long:  "Print the CREATE TABLE statements for all aggregated tables to stdout.",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Println(postgres.Schema())
		},
	}

	healthCmd := &cobra.Command{
		Use:   "health",
		Short: "Check dependency reachability",
		Long:  "Connect to Postgres with the configured DSN and report the result.",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			ctx, cancel := context.WithTimeout(cmd.Context(), 10*time.Second)
			defer cancel()
			db, err := postgres.Connect(ctx, cfg.Database)
			if err != nil {
				return fmt.Errorf("postgres check failed: %w", err)
			}
			defer db.Close()
			log.Info().Msg("postgres reachable")
			return nil
		},
	}

	rootCmd.AddCommand(serveCmd, schemaCmd, healthCmd)

	if err := rootCmd.Execute(); err != nil {
		log.Error().Err(err).Msg("command failed")
		os.Exit(1)
	}
}
