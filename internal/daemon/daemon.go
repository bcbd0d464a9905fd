// Package daemon is the shared runtime shell for the long-running
// processes: single-instance locking, signal-driven shutdown, the periodic
// execute-with-retry loop and operator notifications.
package daemon

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/gofrs/flock"
	"go.uber.org/zap"

	"cross-lister/internal/notify"
)

// Task is one cycle of daemon work.
type Task func(ctx context.Context) error

// Config shapes the daemon loop. Interval <= 0 means run one cycle and
// exit (one-shot tools share the shell with the daemons).
type Config struct {
	Name       string
	LockDir    string
	Interval   time.Duration
	MaxRetries int
	RetryDelay time.Duration
	Notifier   *notify.Notifier
	Log        *zap.Logger
}

// ErrAlreadyRunning means another instance holds the lock file.
var ErrAlreadyRunning = errors.New("another instance is already running")

// Run acquires the instance lock, installs signal handling and drives the
// loop until SIGINT/SIGTERM. The returned error is the last cycle failure,
// nil on a clean shutdown.
func Run(cfg Config, task Task) error {
	if err := os.MkdirAll(cfg.LockDir, 0o755); err != nil {
		return fmt.Errorf("lock dir: %w", err)
	}
	lock := flock.New(filepath.Join(cfg.LockDir, cfg.Name+".lock"))
	held, err := lock.TryLock()
	if err != nil {
		return fmt.Errorf("acquire lock: %w", err)
	}
	if !held {
		return fmt.Errorf("%s: %w", cfg.Name, ErrAlreadyRunning)
	}
	defer lock.Unlock()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	return RunWithContext(ctx, cfg, task)
}

// RunWithContext is the loop body behind Run, split out so tests drive it
// with their own context.
func RunWithContext(ctx context.Context, cfg Config, task Task) error {
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 3
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = 30 * time.Second
	}

	cfg.Log.Info("daemon starting", zap.String("name", cfg.Name),
		zap.Duration("interval", cfg.Interval), zap.Int("pid", os.Getpid()))
	if cfg.Notifier != nil {
		cfg.Notifier.Notify(ctx, "daemon_start", cfg.Name+" started",
			fmt.Sprintf("pid %d", os.Getpid()), notify.LevelInfo)
	}

	var lastErr error
	for {
		err := runWithRetry(ctx, cfg, task)
		switch {
		case err == nil:
			lastErr = nil
		case errors.Is(err, context.Canceled):
			// Shutdown mid-cycle is clean.
		default:
			lastErr = err
			cfg.Log.Error("cycle failed after retries", zap.Error(err))
			if cfg.Notifier != nil {
				cfg.Notifier.Notify(ctx, "retry_exhausted", cfg.Name+" cycle failed",
					err.Error(), notify.LevelError)
			}
		}

		if cfg.Interval <= 0 || ctx.Err() != nil {
			break
		}
		next := time.Now().Add(cfg.Interval)
		cfg.Log.Info("next run scheduled", zap.Time("at", next))
		select {
		case <-time.After(cfg.Interval):
		case <-ctx.Done():
		}
		if ctx.Err() != nil {
			break
		}
	}

	cfg.Log.Info("daemon stopping", zap.String("name", cfg.Name))
	if cfg.Notifier != nil {
		// Shutdown context is done; deliver the stop event on a fresh one.
		stopCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		cfg.Notifier.Notify(stopCtx, "daemon_stop", cfg.Name+" stopped", "", notify.LevelInfo)
	}
	return lastErr
}

// runWithRetry runs one cycle, retrying transient failures with a constant
// delay. Cancellation aborts the retry wait.
func runWithRetry(ctx context.Context, cfg Config, task Task) error {
	attempt := 0
	operation := func() error {
		attempt++
		if err := task(ctx); err != nil {
			if errors.Is(err, context.Canceled) {
				return backoff.Permanent(err)
			}
			cfg.Log.Warn("cycle attempt failed",
				zap.Int("attempt", attempt), zap.Error(err))
			return err
		}
		return nil
	}
	policy := backoff.WithContext(
		backoff.WithMaxRetries(backoff.NewConstantBackOff(cfg.RetryDelay), uint64(cfg.MaxRetries)),
		ctx)
	return backoff.Retry(operation, policy)
}
