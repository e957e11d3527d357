package memory

import (
	"context"
	"log/slog"
	"time"

	"convobot/internal/domain"
)

// RetentionConfig configures periodic history pruning.
type RetentionConfig struct {
	Days     int           // keep this many days; <= 0 disables pruning
	Interval time.Duration // default 6h
	Logger   *slog.Logger
	Now      func() time.Time
}

// Retention deletes history older than the configured number of days.
type Retention struct {
	store    domain.HistoryStore
	keep     time.Duration
	interval time.Duration
	logger   *slog.Logger
	now      func() time.Time
}

func NewRetention(store domain.HistoryStore, cfg RetentionConfig) *Retention {
	if cfg.Interval < time.Minute {
		cfg.Interval = 6 * time.Hour
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Retention{
		store:    store,
		keep:     time.Duration(cfg.Days) * 24 * time.Hour,
		interval: cfg.Interval,
		logger:   cfg.Logger,
		now:      cfg.Now,
	}
}

// Start prunes once, then on every tick. Blocks until ctx is cancelled.
func (r *Retention) Start(ctx context.Context) {
	if r.keep <= 0 {
		return
	}
	r.logger.Info("history retention started", "keep", r.keep, "interval", r.interval)

	r.PruneOnce(ctx)
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			r.logger.Info("history retention stopped")
			return
		case <-ticker.C:
			r.PruneOnce(ctx)
		}
	}
}

// PruneOnce deletes everything older than the retention window.
func (r *Retention) PruneOnce(ctx context.Context) int64 {
	if r.keep <= 0 {
		return 0
	}
	n, err := r.store.PruneBefore(ctx, r.now().Add(-r.keep))
	if err != nil {
		r.logger.Warn("history prune failed", "error", err)
		return n
	}
	if n > 0 {
		r.logger.Info("history pruned", "deleted", n)
	}
	return n
}
