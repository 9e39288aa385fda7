package inventory

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

var _ Provider = (*Aggregator)(nil)

// Aggregator merges ordered sources into one inventory and caches the
// result for a TTL. Earlier sources win when ids collide.
type Aggregator struct {
	sources []Source
	ttl     time.Duration
	logger  *slog.Logger

	mu       sync.Mutex
	cached   Inventory
	cachedAt time.Time
}

// NewAggregator builds a provider over the given sources. A nonpositive TTL
// defaults to 30 seconds.
func NewAggregator(sources []Source, ttl time.Duration, logger *slog.Logger) *Aggregator {
	if ttl <= 0 {
		ttl = 30 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Aggregator{sources: sources, ttl: ttl, logger: logger}
}

// GetAggregatedInventory returns the merged inventory, served from cache
// within the TTL. A failing source is logged and skipped; the call fails
// only when every source fails.
func (a *Aggregator) GetAggregatedInventory(ctx context.Context) (Inventory, error) {
	a.mu.Lock()
	if !a.cachedAt.IsZero() && time.Since(a.cachedAt) < a.ttl {
		inv := a.cached
		a.mu.Unlock()
		return inv, nil
	}
	a.mu.Unlock()

	var merged Inventory
	seenNodes := make(map[string]bool)
	seenGroups := make(map[string]bool)
	var firstErr error
	failures := 0

	for _, src := range a.sources {
		inv, err := src.Fetch(ctx)
		if err != nil {
			failures++
			if firstErr == nil {
				firstErr = err
			}
			a.logger.Error("inventory source failed", "source", src.Name(), "error", err)
			continue
		}
		for _, n := range inv.Nodes {
			if n.ID == "" || seenNodes[n.ID] {
				continue
			}
			seenNodes[n.ID] = true
			merged.Nodes = append(merged.Nodes, n)
		}
		for _, g := range inv.Groups {
			if g.ID == "" || seenGroups[g.ID] {
				continue
			}
			seenGroups[g.ID] = true
			if g.Source == "" {
				g.Source = src.Name()
			}
			merged.Groups = append(merged.Groups, g)
		}
	}

	if len(a.sources) > 0 && failures == len(a.sources) {
		return Inventory{}, fmt.Errorf("all inventory sources failed: %w", firstErr)
	}

	a.mu.Lock()
	a.cached = merged
	a.cachedAt = time.Now()
	a.mu.Unlock()
	return merged, nil
}

// Invalidate drops the cached inventory; the next call hits the sources.
func (a *Aggregator) Invalidate() {
	a.mu.Lock()
	a.cachedAt = time.Time{}
	a.mu.Unlock()
}
