// Package utils holds small process-level helpers.
package utils

import (
	"context"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"go.uber.org/zap"
)

// ShutdownManager turns SIGINT/SIGTERM into one cascading cancellation and
// runs registered hooks in reverse registration order, bounded by a grace
// period.
type ShutdownManager struct {
	ctx         context.Context
	cancel      context.CancelFunc
	gracePeriod time.Duration
	log         *zap.Logger

	mu    sync.Mutex
	hooks []namedHook
	once  sync.Once
	done  chan struct{}
}

type namedHook struct {
	name string
	fn   func() error
}

// NewShutdownManager installs the signal handler.
func NewShutdownManager(gracePeriod time.Duration, log *zap.Logger) *ShutdownManager {
	ctx, cancel := context.WithCancel(context.Background())
	sm := &ShutdownManager{
		ctx:         ctx,
		cancel:      cancel,
		gracePeriod: gracePeriod,
		log:         log,
		done:        make(chan struct{}),
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		select {
		case sig := <-sigCh:
			log.Info("shutdown signal received", zap.String("signal", sig.String()))
			sm.Shutdown()
		case <-ctx.Done():
		}
	}()

	return sm
}

// Context is cancelled when shutdown begins; every background task hangs off
// it.
func (sm *ShutdownManager) Context() context.Context {
	return sm.ctx
}

// Register adds a hook. Components register in boot order; hooks run in
// reverse.
func (sm *ShutdownManager) Register(name string, fn func() error) {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	sm.hooks = append(sm.hooks, namedHook{name: name, fn: fn})
}

// Shutdown cancels the context and runs the hooks, newest first. Hooks that
// outlive the grace period are abandoned with a warning.
func (sm *ShutdownManager) Shutdown() {
	sm.once.Do(func() {
		defer close(sm.done)
		sm.cancel()

		sm.mu.Lock()
		hooks := make([]namedHook, len(sm.hooks))
		copy(hooks, sm.hooks)
		sm.mu.Unlock()

		deadline := time.After(sm.gracePeriod)
		for i := len(hooks) - 1; i >= 0; i-- {
			h := hooks[i]
			finished := make(chan error, 1)
			go func() { finished <- h.fn() }()

			select {
			case err := <-finished:
				if err != nil {
					sm.log.Warn("shutdown hook failed",
						zap.String("hook", h.name), zap.Error(err))
				}
			case <-deadline:
				sm.log.Warn("grace period expired, abandoning remaining hooks",
					zap.String("hook", h.name))
				return
			}
		}
		sm.log.Info("shutdown complete")
	})
}

// Wait blocks until shutdown has finished.
func (sm *ShutdownManager) Wait() {
	<-sm.done
}
