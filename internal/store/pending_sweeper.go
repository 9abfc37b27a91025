package store

import (
	"context"
	"log/slog"
	"time"
)

// PendingSweeper periodically hard-deletes expired pending clarifications. Expiry is already
// enforced at read time; the sweeper only keeps the table small.
type PendingSweeper struct {
	repo         PendingStore
	pollInterval time.Duration
	now          func() time.Time
}

// NewPendingSweeper creates a new PendingSweeper.
func NewPendingSweeper(repo PendingStore, pollInterval time.Duration) *PendingSweeper {
	if pollInterval <= 0 {
		pollInterval = time.Minute
	}
	return &PendingSweeper{
		repo:         repo,
		pollInterval: pollInterval,
		now:          time.Now,
	}
}

// Run starts the sweep loop. It blocks until the context is cancelled.
func (w *PendingSweeper) Run(ctx context.Context) {
	slog.Info("PendingSweeper.Run: starting pending sweeper", "pollInterval", w.pollInterval)

	ticker := time.NewTicker(w.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			slog.Info("PendingSweeper.Run: stopping")
			return
		case <-ticker.C:
			w.Sweep(ctx)
		}
	}
}

// Sweep runs a single purge and returns the number of removed rows.
func (w *PendingSweeper) Sweep(ctx context.Context) int64 {
	n, err := w.repo.PurgeExpiredPending(ctx, w.now())
	if err != nil {
		slog.Error("PendingSweeper.Sweep: purge failed", "error", err)
		return 0
	}
	if n > 0 {
		slog.Info("PendingSweeper.Sweep: removed expired pending clarifications", "count", n)
	}
	return n
}
