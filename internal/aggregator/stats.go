package aggregator

import (
	"context"
	"time"

	"github.com/johnrirwin/spinefeed/internal/cache"
	"github.com/johnrirwin/spinefeed/internal/logging"
	"github.com/johnrirwin/spinefeed/internal/models"
)

// Stats summarizes stored content. Subsystems that could not be read are listed in Errors and
// the rest of the payload is still filled in.
type Stats struct {
	Totals      map[models.Kind]int            `json:"totals"`
	Sources     map[models.Kind]map[string]int `json:"sources"`
	Tracked     map[models.Kind]int            `json:"tracked_sources"`
	LastUpdated *time.Time                     `json:"last_updated"`
	Scheduler   *models.SchedulerStatus        `json:"scheduler,omitempty"`
	GeneratedAt time.Time                      `json:"generated_at"`
	Errors      map[string]string              `json:"errors,omitempty"`
}

// SourceSummary is a tracked source with its stored item count.
type SourceSummary struct {
	models.SourceConfig
	Items int `json:"items"`
}

func (a *Aggregator) Stats(ctx context.Context) Stats {
	stats, ok := cache.Load[Stats](a.cache, statsCacheKey)
	if !ok {
		stats = a.computeStats(ctx)
		if len(stats.Errors) == 0 && a.cache != nil {
			a.cache.SetWithTTL(statsCacheKey, stats, statsCacheTTL)
		}
	}

	if a.status != nil {
		status := a.status()
		stats.Scheduler = &status
	}
	return stats
}

func (a *Aggregator) computeStats(ctx context.Context) Stats {
	stats := Stats{
		Totals:      make(map[models.Kind]int, len(models.Kinds)),
		Sources:     make(map[models.Kind]map[string]int, len(models.Kinds)),
		Tracked:     make(map[models.Kind]int, len(models.Kinds)),
		GeneratedAt: a.now().UTC(),
	}
	for _, kind := range models.Kinds {
		stats.Totals[kind] = 0
		stats.Sources[kind] = map[string]int{}
		stats.Tracked[kind] = 0
	}

	fail := func(subsystem string, err error) {
		if stats.Errors == nil {
			stats.Errors = make(map[string]string)
		}
		stats.Errors[subsystem] = err.Error()
		a.logger.Warn("Stats subsystem unavailable", logging.WithFields(map[string]interface{}{
			"subsystem": subsystem,
			"error":     err,
		}))
	}

	if counts, err := a.store.Counts(ctx); err != nil {
		fail("items", err)
	} else {
		for kind, totals := range counts.Kinds {
			stats.Totals[kind] = totals.Total
			stats.Sources[kind] = totals.Sources
		}
		stats.LastUpdated = counts.LastIngested
	}

	if srcs, err := a.store.ListSources(ctx, ""); err != nil {
		fail("sources", err)
	} else {
		for _, s := range srcs {
			stats.Tracked[s.Kind]++
		}
	}
	return stats
}

// Sources lists tracked sources of kind ("" for all) with their item counts.
func (a *Aggregator) Sources(ctx context.Context, kind models.Kind) ([]SourceSummary, error) {
	srcs, err := a.store.ListSources(ctx, kind)
	if err != nil {
		return nil, err
	}
	counts, err := a.store.Counts(ctx)
	if err != nil {
		return nil, err
	}

	out := make([]SourceSummary, 0, len(srcs))
	for _, s := range srcs {
		summary := SourceSummary{SourceConfig: s}
		if totals, ok := counts.Kinds[s.Kind]; ok {
			summary.Items = totals.Sources[s.Key]
		}
		out = append(out, summary)
	}
	return out, nil
}

// Invalidate drops cached statistics after new items were stored.
func (a *Aggregator) Invalidate() {
	if a.cache != nil {
		a.cache.Delete(statsCacheKey)
	}
}
