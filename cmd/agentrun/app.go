package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/seantiz/agentrun/internal/artifact"
	"github.com/seantiz/agentrun/internal/backend"
	"github.com/seantiz/agentrun/internal/backend/kubernetes"
	"github.com/seantiz/agentrun/internal/backend/nomad"
	"github.com/seantiz/agentrun/internal/config"
	"github.com/seantiz/agentrun/internal/engine"
	"github.com/seantiz/agentrun/internal/reconcile"
	"github.com/seantiz/agentrun/internal/store"
)

// jobBackend is a job backend that can report whether its orchestrator was
// reachable at startup.
type jobBackend interface {
	backend.JobBackend
	Configured() bool
}

// app holds the wired components shared by the serve and reconcile commands.
type app struct {
	cfg        config.Config
	logger     *slog.Logger
	store      store.Store
	backend    jobBackend
	engine     *engine.Engine
	reconciler *reconcile.Reconciler
}

func newApp(ctx context.Context) (*app, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	logger := config.NewLogger(os.Stdout, cfg.Level())

	s, err := openStore(ctx, cfg)
	if err != nil {
		return nil, err
	}

	b := newBackend(cfg, logger)

	eng := engine.New(s, b, engine.Config{
		DefaultModel:          cfg.Engine.DefaultModel,
		DefaultMaxTokens:      cfg.Engine.DefaultMaxTokens,
		MaxTokensCap:          cfg.Engine.MaxTokensCap,
		DefaultTimeoutSeconds: cfg.Engine.DefaultTimeoutSeconds,
		MaxTimeoutSeconds:     cfg.Engine.MaxTimeoutSeconds,
	}, logger)

	opts := []reconcile.Option{
		reconcile.WithLocker(setupLocker(cfg, logger)),
		reconcile.WithBatchSize(cfg.Reconcile.BatchSize),
	}
	if cfg.S3.Endpoint != "" {
		arch, err := artifact.NewMinioArchiver(ctx, artifact.Config{
			Endpoint:  cfg.S3.Endpoint,
			AccessKey: cfg.S3.AccessKey,
			SecretKey: cfg.S3.SecretKey,
			Region:    cfg.S3.Region,
			Bucket:    cfg.S3.Bucket,
			UseSSL:    cfg.S3.UseSSL,
		}, logger)
		if err != nil {
			logger.Warn("log archiving disabled", "error", err)
		} else {
			opts = append(opts, reconcile.WithArchiver(arch))
		}
	}

	return &app{
		cfg:        cfg,
		logger:     logger,
		store:      s,
		backend:    b,
		engine:     eng,
		reconciler: reconcile.New(eng, s, b, logger, opts...),
	}, nil
}

func (a *app) Close() {
	if err := a.store.Close(); err != nil {
		a.logger.Error("close store", "error", err)
	}
}

// openStore opens the configured store and brings its schema up to date.
func openStore(ctx context.Context, cfg config.Config) (store.Store, error) {
	opts := []store.Option{store.WithJobPrefix(cfg.Store.JobPrefix)}

	switch cfg.Store.Driver {
	case config.DriverPostgres:
		s, err := store.NewPostgresStore(ctx, cfg.Store.DatabaseURL, opts...)
		if err != nil {
			return nil, fmt.Errorf("open postgres store: %w", err)
		}
		if err := s.Migrate(ctx); err != nil {
			s.Close()
			return nil, fmt.Errorf("migrate postgres store: %w", err)
		}
		return s, nil
	default:
		s, err := store.NewSQLiteStore(cfg.Store.SQLitePath, opts...)
		if err != nil {
			return nil, fmt.Errorf("open sqlite store: %w", err)
		}
		return s, nil
	}
}

// newBackend builds the job backend selected by cfg.Backend.
func newBackend(cfg config.Config, logger *slog.Logger) jobBackend {
	if cfg.Backend == config.BackendKubernetes {
		return kubernetes.New(kubernetes.Config{
			Kubeconfig:            cfg.Kubernetes.Kubeconfig,
			Namespace:             cfg.Kubernetes.Namespace,
			JobPrefix:             cfg.Store.JobPrefix,
			Image:                 cfg.Kubernetes.Image,
			RunnerCommand:         cfg.Kubernetes.RunnerCommand,
			DefaultCPUMillis:      cfg.Kubernetes.CPUMillis,
			DefaultMemoryMB:       cfg.Kubernetes.MemoryMB,
			DefaultTimeoutSeconds: cfg.Engine.DefaultTimeoutSeconds,
			BackoffLimit:          cfg.Kubernetes.BackoffLimit,
		}, logger)
	}
	return nomad.New(nomad.Config{
		Address:               cfg.Nomad.Address,
		Region:                cfg.Nomad.Region,
		Namespace:             cfg.Nomad.Namespace,
		Datacenters:           cfg.Nomad.Datacenters,
		JobPrefix:             cfg.Store.JobPrefix,
		Image:                 cfg.Nomad.Image,
		RunnerCommand:         cfg.Nomad.RunnerCommand,
		DefaultCPU:            cfg.Nomad.CPU,
		DefaultMemoryMB:       cfg.Nomad.MemoryMB,
		DefaultTimeoutSeconds: cfg.Engine.DefaultTimeoutSeconds,
		RestartAttempts:       cfg.Nomad.RestartAttempts,
	}, logger)
}
