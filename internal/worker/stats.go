package worker

import (
	"context"
	"log/slog"
	"time"

	"github.com/hyperengineering/tailor/internal/types"
)

// StatsSource provides aggregate store statistics.
type StatsSource interface {
	GetStats(ctx context.Context) (*types.StoreStats, error)
}

// ListenerCounter reports the number of open listen streams.
type ListenerCounter interface {
	Count() int
}

// StatsWorker periodically logs document and listener counts.
type StatsWorker struct {
	store     StatsSource
	listeners ListenerCounter
	interval  time.Duration
}

// NewStatsWorker creates a worker with the given sources and interval.
func NewStatsWorker(store StatsSource, listeners ListenerCounter, interval time.Duration) *StatsWorker {
	return &StatsWorker{
		store:     store,
		listeners: listeners,
		interval:  interval,
	}
}

// Run starts the worker loop. Reports immediately on start, then on each
// interval, until ctx is cancelled.
func (w *StatsWorker) Run(ctx context.Context) {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	w.report(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.report(ctx)
		}
	}
}

func (w *StatsWorker) report(ctx context.Context) {
	stats, err := w.store.GetStats(ctx)
	if err != nil {
		if ctx.Err() != nil {
			return
		}
		slog.Warn("stats collection failed",
			"component", "worker",
			"action", "stats_failed",
			"error", err,
		)
		return
	}

	attrs := []any{
		"component", "worker",
		"action", "stats",
		"documents", stats.DocumentCount,
		"collections", stats.CollectionCount,
		"listeners", w.listeners.Count(),
	}
	if stats.LastWrite != nil {
		attrs = append(attrs, "last_write", stats.LastWrite.Format(time.RFC3339))
	}
	slog.Info("store stats", attrs...)
}
