package worker

import (
	"context"
	"log/slog"
	"time"
)

// Liveness reports the health of the broker connection.
type Liveness interface {
	// CheckHeartbeat returns an error once the connection missed its
	// heartbeat or was closed.
	CheckHeartbeat() error
	// Lost is closed when the connection goes away.
	Lost() <-chan struct{}
}

// Watchdog polls a Liveness on its own ticker, independent of job
// processing, so a long running job cannot hide a dead connection.
type Watchdog struct {
	liveness Liveness
	interval time.Duration
	logger   *slog.Logger
}

// NewWatchdog creates a watchdog checking liveness every interval.
func NewWatchdog(liveness Liveness, interval time.Duration, logger *slog.Logger) *Watchdog {
	if interval <= 0 {
		interval = time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Watchdog{liveness: liveness, interval: interval, logger: logger}
}

// Run blocks until the connection fails, returning the failure, or until
// ctx is done, returning nil.
func (w *Watchdog) Run(ctx context.Context) error {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil

		case <-w.liveness.Lost():
			err := w.liveness.CheckHeartbeat()
			if err == nil {
				err = ErrRestartRequired
			}
			w.logger.Error("broker connection lost", "error", err)
			return err

		case <-ticker.C:
			if err := w.liveness.CheckHeartbeat(); err != nil {
				w.logger.Error("broker heartbeat check failed", "error", err)
				return err
			}
		}
	}
}
