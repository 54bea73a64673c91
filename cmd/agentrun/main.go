package main

import (
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/seantiz/agentrun/internal/api"
	"github.com/seantiz/agentrun/internal/config"
	"github.com/seantiz/agentrun/internal/reconcile"
)

func main() {
	// A missing .env is fine; variables already set always win.
	_ = godotenv.Load()

	var configFile string
	rootCmd := &cobra.Command{
		Use:   "agentrun",
		Short: "Agent execution lifecycle service",
		Long:  "agentrun accepts agent executions, runs each as a Nomad batch job and tracks it from PENDING to a terminal status.",
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			if configFile != "" {
				os.Setenv("AGENTRUN_CONFIG_FILE", configFile)
			}
		},
		SilenceUsage: true,
	}
	rootCmd.PersistentFlags().StringVar(&configFile, "config", "", "YAML config file (overrides AGENTRUN_CONFIG_FILE)")

	rootCmd.AddCommand(newServeCommand())
	rootCmd.AddCommand(newReconcileCommand())
	rootCmd.AddCommand(newMigrateCommand())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func newServeCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API and the reconciler",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			a, err := newApp(ctx)
			if err != nil {
				return err
			}
			defer a.Close()

			a.logger.Info("agentrun: starting",
				"listen_addr", a.cfg.ListenAddr,
				"store_driver", a.cfg.Store.Driver,
				"backend", a.cfg.Backend,
				"backend_configured", a.backend.Configured(),
			)

			done := make(chan struct{})
			go func() {
				defer close(done)
				a.reconciler.Run(ctx, a.cfg.Reconcile.Interval)
			}()

			srv := api.NewServer(a.cfg.ListenAddr, a.engine, a.logger)
			err = srv.Run(ctx)
			stop()
			<-done
			return err
		},
	}
}

func newReconcileCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "reconcile",
		Short: "Run one reconciliation sweep and exit",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			a, err := newApp(ctx)
			if err != nil {
				return err
			}
			defer a.Close()

			res, err := a.reconciler.Sweep(ctx)
			if err != nil {
				return fmt.Errorf("sweep: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(),
				"checked=%d dispatched=%d started=%d completed=%d failed=%d orphans_deleted=%d errors=%d\n",
				res.Checked, res.Dispatched, res.Started, res.Completed, res.Failed, res.OrphansDeleted, res.Errors)
			return nil
		},
	}
}

func newMigrateCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Create or upgrade the store schema and exit",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			logger := config.NewLogger(os.Stdout, cfg.Level())

			s, err := openStore(cmd.Context(), cfg)
			if err != nil {
				return err
			}
			defer s.Close()

			logger.Info("schema up to date", "store_driver", cfg.Store.Driver)
			return nil
		},
	}
}

// setupLocker returns a Consul session lock when Consul is configured so that
// only one replica sweeps at a time.
func setupLocker(cfg config.Config, logger *slog.Logger) reconcile.Locker {
	if cfg.Reconcile.ConsulAddr == "" {
		return &reconcile.LocalLocker{}
	}
	l, err := reconcile.NewConsulLocker(cfg.Reconcile.ConsulAddr, cfg.Reconcile.ConsulLockKey, logger)
	if err != nil {
		logger.Warn("consul unavailable, reconciler lock is process-local", "error", err)
		return &reconcile.LocalLocker{}
	}
	return l
}
