package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"tablealert/internal/app"
	"tablealert/internal/config"
	"tablealert/internal/database"
	"tablealert/internal/logger"
	transport "tablealert/internal/transport/http"
)

func main() {
	if err := newRootCommand().Execute(); err != nil {
		os.Exit(1)
	}
}

type rootOptions struct {
	cfg *config.Config
	log *logrus.Logger
}

func newRootCommand() *cobra.Command {
	opts := &rootOptions{}

	cmd := &cobra.Command{
		Use:          "alertd",
		Short:        "Booking alert delivery service",
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadConfig()
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			opts.cfg = cfg
			opts.log = logger.New(cfg)
			return nil
		},
	}

	cmd.AddCommand(newServeCommand(opts))
	cmd.AddCommand(newTickCommand(opts))
	cmd.AddCommand(newMigrateCommand(opts))
	return cmd
}

func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}

func newServeCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Serve the HTTP API and change feed and run the scheduled worker",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signalContext()
			defer stop()

			a, err := app.New(ctx, opts.cfg, opts.log)
			if err != nil {
				return err
			}
			defer a.Close()
			return transport.Run(ctx, a)
		},
	}
}

func newTickCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "tick",
		Short: "Run one delivery worker pass and exit",
		Long:  "Runs Phase A deliveries and Phase B repeats once, for use from an external scheduler.",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signalContext()
			defer stop()

			a, err := app.New(ctx, opts.cfg, opts.log)
			if err != nil {
				return err
			}
			defer a.Close()

			sum, err := a.Manager.Tick(ctx)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(),
				"run=%s claimed=%d sent=%d skipped=%d retried=%d failed=%d repeats=%d stopped=%d disabled=%d\n",
				sum.RunID, sum.Claimed, sum.Sent, sum.Skipped, sum.Retried, sum.Failed,
				sum.RepeatsCreated, sum.RepeatsStopped, sum.DevicesDisabled)
			return nil
		},
	}
}

func newMigrateCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply the database schema",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
			defer cancel()

			db, err := database.Connect(opts.cfg, opts.log)
			if err != nil {
				return err
			}
			defer db.Close()

			if err := database.Migrate(ctx, db); err != nil {
				return err
			}
			opts.log.Info("Schema applied")
			return nil
		},
	}
}
