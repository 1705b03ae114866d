// Command engine runs the attendance analytics and badge evaluation engine:
// one-off evaluations and admin tasks from the command line, and the
// long-running worker that consumes evaluation triggers.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/campusflow/attendance-engine/config"
	"github.com/campusflow/attendance-engine/pkg/logger"
)

var version = "dev"

// cli carries state shared by every subcommand.
type cli struct {
	cfg    *config.Config
	log    zerolog.Logger
	output string
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	c := &cli{}
	var logLevel, logFormat string

	root := &cobra.Command{
		Use:           "engine",
		Short:         "Attendance analytics and badge evaluation engine",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			if cmd.Flags().Changed("log-level") {
				cfg.Observability.LogLevel = logLevel
			}
			if cmd.Flags().Changed("log-format") {
				cfg.Observability.LogFormat = logFormat
			}
			if c.output != "table" && c.output != "json" {
				return fmt.Errorf("--output must be table or json, got %q", c.output)
			}

			opts := logger.DefaultOptions()
			opts.Output = os.Stderr
			opts.Level = logger.ParseLevel(cfg.Observability.LogLevel)
			opts.Format = logger.ParseFormat(cfg.Observability.LogFormat)
			opts.Service = cfg.App.Name
			c.cfg = cfg
			c.log = logger.New(opts).With().Str("version", version).Logger()
			return nil
		},
	}

	root.PersistentFlags().StringVar(&logLevel, "log-level", "info", "log level (debug|info|warn|error)")
	root.PersistentFlags().StringVar(&logFormat, "log-format", "json", "log format (json|console)")
	root.PersistentFlags().StringVarP(&c.output, "output", "o", "table", "output format (table|json)")

	root.AddCommand(
		c.migrateCmd(),
		c.seedBadgesCmd(),
		c.evaluateCmd(),
		c.evaluateAllCmd(),
		c.badgesCmd(),
		c.studentBadgesCmd(),
		c.awardCmd(),
		c.recordEventCmd(),
		c.enqueueCmd(),
		c.workerCmd(),
	)
	return root
}
