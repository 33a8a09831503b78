package registry

import (
	"context"
	"log/slog"
	"time"
)

const ttlWorkerInterval = time.Minute

// Pruner drops expired entries from a time-windowed structure.
type Pruner interface {
	Prune(now time.Time) int
}

// EvictCallback is called for every session the TTL worker evicts.
type EvictCallback func(callID string)

// StartTTLWorker runs a background goroutine that periodically evicts
// completed sessions older than retention and prunes the given windows.
func StartTTLWorker(ctx context.Context, reg *Registry, retention time.Duration, onEvict EvictCallback, pruners ...Pruner) {
	ticker := time.NewTicker(ttlWorkerInterval)
	go func() {
		defer ticker.Stop()
		slog.Info("TTL worker started", "interval", ttlWorkerInterval, "retention", retention)

		for {
			select {
			case <-ticker.C:
				sweepOnce(reg, retention, onEvict, pruners...)
			case <-ctx.Done():
				slog.Info("TTL worker shutting down", "reason", ctx.Err())
				return
			}
		}
	}()
}

func sweepOnce(reg *Registry, retention time.Duration, onEvict EvictCallback, pruners ...Pruner) {
	now := reg.Now()
	evicted := reg.Sweep(now.Add(-retention))
	for _, id := range evicted {
		if onEvict != nil {
			onEvict(id)
		}
	}
	if len(evicted) > 0 {
		slog.Info("TTL worker evicted completed sessions", "count", len(evicted), "in_memory", reg.Len())
	}

	for _, p := range pruners {
		if n := p.Prune(now); n > 0 {
			slog.Debug("TTL worker pruned dedup entries", "count", n)
		}
	}
}
