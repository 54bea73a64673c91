package reconcile

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	consulapi "github.com/hashicorp/consul/api"
)

// Locker elects the single replica allowed to sweep. TryLock never blocks
// waiting for another holder: ok is false when the lock is taken. When ok is
// true, held is derived from ctx and is cancelled once the lock is lost or
// unlock is called; the sweep runs under held.
type Locker interface {
	TryLock(ctx context.Context) (held context.Context, unlock func(), ok bool, err error)
}

// LocalLocker serializes sweeps within one process.
type LocalLocker struct {
	mu sync.Mutex
}

func (l *LocalLocker) TryLock(ctx context.Context) (context.Context, func(), bool, error) {
	if !l.mu.TryLock() {
		return nil, nil, false, nil
	}
	held, cancel := context.WithCancel(ctx)
	return held, func() {
		cancel()
		l.mu.Unlock()
	}, true, nil
}

// ConsulLocker holds a Consul session lock on a KV key for the duration of a
// sweep, so only one replica sweeps at a time.
type ConsulLocker struct {
	client *consulapi.Client
	key    string
	logger *slog.Logger
}

// NewConsulLocker connects to the Consul agent at addr and checks it answers.
func NewConsulLocker(addr, key string, logger *slog.Logger) (*ConsulLocker, error) {
	cfg := consulapi.DefaultConfig()
	cfg.Address = addr

	client, err := consulapi.NewClient(cfg)
	if err != nil {
		return nil, fmt.Errorf("consul client: %w", err)
	}
	if _, err := client.Status().Leader(); err != nil {
		return nil, fmt.Errorf("consul unreachable: %w", err)
	}
	return &ConsulLocker{client: client, key: key, logger: logger}, nil
}

func (l *ConsulLocker) TryLock(ctx context.Context) (context.Context, func(), bool, error) {
	lock, err := l.client.LockOpts(&consulapi.LockOptions{
		Key:          l.key,
		SessionName:  "agentrun-reconciler",
		SessionTTL:   "30s",
		LockTryOnce:  true,
		LockWaitTime: time.Second,
	})
	if err != nil {
		return nil, nil, false, fmt.Errorf("create lock: %w", err)
	}

	lost, err := lock.Lock(ctx.Done())
	if err != nil {
		return nil, nil, false, fmt.Errorf("acquire lock %s: %w", l.key, err)
	}
	if lost == nil {
		return nil, nil, false, nil
	}

	held, cancel := context.WithCancel(ctx)
	go func() {
		select {
		case <-lost:
			if held.Err() == nil {
				l.logger.Warn("reconcile lock lost, stopping sweep", "key", l.key)
			}
			cancel()
		case <-held.Done():
		}
	}()

	return held, func() {
		cancel()
		if err := lock.Unlock(); err != nil {
			l.logger.Warn("release reconcile lock", "key", l.key, "error", err)
		}
	}, true, nil
}
