package session

import (
	"context"
	"log/slog"
	"time"
)

// Sweeper is the part of Store the janitor needs.
type Sweeper interface {
	SweepExpired(ctx context.Context, now time.Time) (int, error)
}

// Janitor periodically removes expired sessions.
type Janitor struct {
	store    Sweeper
	interval time.Duration
	clock    func() time.Time
	log      *slog.Logger
}

func NewJanitor(store Sweeper, interval time.Duration, log *slog.Logger) *Janitor {
	if interval <= 0 {
		interval = DefaultCleanupInterval
	}
	if log == nil {
		log = slog.Default()
	}
	return &Janitor{store: store, interval: interval, clock: time.Now, log: log}
}

// Run sweeps on every interval until ctx is done.
func (j *Janitor) Run(ctx context.Context) {
	j.log.Info("session janitor started", "interval", j.interval.String())

	ticker := time.NewTicker(j.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			j.log.Info("session janitor stopped")
			return
		case <-ticker.C:
			j.SweepOnce(ctx)
		}
	}
}

// SweepOnce runs a single sweep and returns how many sessions were removed.
func (j *Janitor) SweepOnce(ctx context.Context) int {
	n, err := j.store.SweepExpired(ctx, j.clock().UTC())
	if err != nil {
		j.log.Error("session sweep failed", "err", err, "removed", n)
		return n
	}
	if n > 0 {
		j.log.Info("expired sessions removed", "removed", n)
	}
	return n
}
