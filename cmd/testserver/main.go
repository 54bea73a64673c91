// testserver starts an agentrun API server backed by an in-memory job backend
// that walks every job from pending to succeeded. Used for E2E testing and
// local frontend work.
// Usage: go run ./cmd/testserver
package main

import (
	"context"
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/seantiz/agentrun/internal/api"
	"github.com/seantiz/agentrun/internal/backend"
	"github.com/seantiz/agentrun/internal/backend/backendtest"
	"github.com/seantiz/agentrun/internal/engine"
	"github.com/seantiz/agentrun/internal/reconcile"
	"github.com/seantiz/agentrun/internal/store"
)

const (
	stepInterval      = 500 * time.Millisecond
	reconcileInterval = 250 * time.Millisecond
)

// simulate advances every job one phase per tick: pending jobs start
// running, running jobs succeed with a short log.
func simulate(ctx context.Context, b *backendtest.Backend) {
	ticker := time.NewTicker(stepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		jobs, err := b.ListJobs(ctx)
		if err != nil {
			continue
		}
		for _, j := range jobs {
			switch j.Phase {
			case backend.PhasePending:
				b.SetPhase(j.ExecutionID, backend.PhaseRunning, "sim-"+j.ExecutionID[:8])
			case backend.PhaseRunning:
				b.SetLogs(j.ExecutionID, fmt.Sprintf("[sim] job %s finished\n", j.JobID))
				b.SetPhase(j.ExecutionID, backend.PhaseSucceeded, "sim-"+j.ExecutionID[:8])
			}
		}
	}
}

func main() {
	addr := ":8080"
	if v := os.Getenv("AGENTRUN_LISTEN_ADDR"); v != "" {
		addr = v
	}

	db, err := store.NewSQLiteStore(":memory:")
	if err != nil {
		log.Fatalf("failed to open database: %v", err)
	}
	defer db.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))
	b := backendtest.New(store.DefaultJobPrefix)
	eng := engine.New(db, b, engine.Config{}, logger)
	rec := reconcile.New(eng, db, b, logger)

	go simulate(ctx, b)
	go rec.Run(ctx, reconcileInterval)

	srv := api.NewServer(addr, eng, logger)
	logger.Info("testserver: starting", "addr", addr)
	if err := srv.Run(ctx); err != nil {
		log.Fatalf("server error: %v", err)
	}
}
