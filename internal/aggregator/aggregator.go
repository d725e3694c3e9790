// Package aggregator builds the unified feed and the statistics views over the store.
package aggregator

import (
	"container/heap"
	"context"
	"iter"
	"math"
	"time"

	"github.com/johnrirwin/spinefeed/internal/cache"
	"github.com/johnrirwin/spinefeed/internal/logging"
	"github.com/johnrirwin/spinefeed/internal/models"
)

const (
	statsCacheKey = "stats"
	statsCacheTTL = 5 * time.Minute
)

// Store is the read surface the aggregator needs.
type Store interface {
	QueryItems(ctx context.Context, kind models.Kind, q models.ItemQuery) iter.Seq2[models.ContentItem, error]
	Counts(ctx context.Context) (models.Counts, error)
	ListSources(ctx context.Context, kind models.Kind) ([]models.SourceConfig, error)
}

type Aggregator struct {
	store  Store
	cache  cache.Cache
	logger *logging.Logger
	status func() models.SchedulerStatus
	now    func() time.Time
}

func New(store Store, c cache.Cache, logger *logging.Logger) *Aggregator {
	return &Aggregator{
		store:  store,
		cache:  c,
		logger: logger,
		now:    time.Now,
	}
}

// SetStatusSource attaches the scheduler snapshot reported in Stats.
func (a *Aggregator) SetStatusSource(fn func() models.SchedulerStatus) {
	a.status = fn
}

// BuildFeed returns up to limit items matching filter, newest first, after skipping filter.Skip.
// Each selected kind is queried separately and the sorted streams are merged.
func (a *Aggregator) BuildFeed(ctx context.Context, filter models.FeedFilter, limit int) ([]models.ContentItem, error) {
	if limit <= 0 {
		limit = models.DefaultFeedLimit
	}
	if filter.Skip < 0 {
		filter.Skip = 0
	}
	want := limit
	if filter.Skip > math.MaxInt-limit {
		want = math.MaxInt
	} else {
		want += filter.Skip
	}

	q := filter.ItemQuery
	q.Limit = want

	streams := make([]iter.Seq2[models.ContentItem, error], 0, len(models.Kinds))
	for _, kind := range filter.Kinds() {
		streams = append(streams, a.store.QueryItems(ctx, kind, q))
	}

	merged, err := mergeStreams(streams, want)
	if err != nil {
		return nil, err
	}
	if filter.Skip >= len(merged) {
		return []models.ContentItem{}, nil
	}
	return merged[filter.Skip:], nil
}

// cursor is the current head of one sorted stream.
type cursor struct {
	head models.ContentItem
	next func() (models.ContentItem, error, bool)
}

type cursorHeap []*cursor

func (h cursorHeap) Len() int           { return len(h) }
func (h cursorHeap) Less(i, j int) bool { return models.Less(h[i].head, h[j].head) }
func (h cursorHeap) Swap(i, j int)      { h[i], h[j] = h[j], h[i] }
func (h *cursorHeap) Push(x any)        { *h = append(*h, x.(*cursor)) }
func (h *cursorHeap) Pop() any {
	old := *h
	n := len(old)
	c := old[n-1]
	*h = old[:n-1]
	return c
}

// mergeStreams k-way merges streams already ordered by models.Less, stopping after max items.
func mergeStreams(streams []iter.Seq2[models.ContentItem, error], max int) ([]models.ContentItem, error) {
	h := make(cursorHeap, 0, len(streams))
	for _, stream := range streams {
		next, stop := iter.Pull2(stream)
		defer stop()

		item, err, ok := next()
		if err != nil {
			return nil, err
		}
		if ok {
			h = append(h, &cursor{head: item, next: next})
		}
	}
	heap.Init(&h)

	out := make([]models.ContentItem, 0, min(max, 64))
	for h.Len() > 0 && len(out) < max {
		c := h[0]
		out = append(out, c.head)

		item, err, ok := c.next()
		switch {
		case err != nil:
			return nil, err
		case ok:
			c.head = item
			heap.Fix(&h, 0)
		default:
			heap.Pop(&h)
		}
	}
	return out, nil
}

// Feed builds the response body for a feed request.
func (a *Aggregator) Feed(ctx context.Context, filter models.FeedFilter) (models.FeedResponse, error) {
	items, err := a.BuildFeed(ctx, filter, filter.Limit)
	if err != nil {
		return models.FeedResponse{}, err
	}

	names := a.sourceNames(ctx)
	feedItems := make([]models.FeedItem, 0, len(items))
	for _, item := range items {
		feedItems = append(feedItems, ToFeedItem(item, names[sourceKey(item.Kind, item.Source)]))
	}

	typ := filter.Type
	if typ == "" {
		typ = "both"
	}
	return models.FeedResponse{
		Items: feedItems,
		Count: len(feedItems),
		Limit: filter.Limit,
		Skip:  filter.Skip,
		Type:  typ,
	}, nil
}

func sourceKey(kind models.Kind, key string) string {
	return string(kind) + "/" + key
}

// sourceNames maps kind/key to display names. Missing names fall back to the key.
func (a *Aggregator) sourceNames(ctx context.Context) map[string]string {
	srcs, err := a.store.ListSources(ctx, "")
	if err != nil {
		a.logger.Warn("Failed to load source names", logging.WithField("error", err))
		return nil
	}
	names := make(map[string]string, len(srcs))
	for _, s := range srcs {
		names[sourceKey(s.Kind, s.Key)] = s.DisplayName
	}
	return names
}

// ToFeedItem converts a stored item to its client view. Locally stored media is served from
// /media/{ref}.
func ToFeedItem(item models.ContentItem, sourceName string) models.FeedItem {
	if sourceName == "" {
		sourceName = item.Source
		if item.Kind == models.KindTweet {
			sourceName = "@" + item.Source
		}
	}

	content := models.FeedContent{Text: item.Text}
	if item.Kind == models.KindArticle {
		content = models.FeedContent{Title: item.Title, Summary: item.Summary}
	}

	media := make([]models.FeedMedia, 0, len(item.Media))
	for _, m := range item.Media {
		u := m.URL
		if m.Ref != "" {
			u = "/media/" + m.Ref
		}
		media = append(media, models.FeedMedia{URL: u, Type: string(m.Kind)})
	}

	tags := item.Tags
	if tags == nil {
		tags = []string{}
	}
	metadata := item.Metadata
	if metadata == nil {
		metadata = map[string]any{}
	}

	return models.FeedItem{
		ID:   item.ID,
		Type: item.Kind,
		Date: item.PublishedAt,
		Source: models.FeedSource{
			Name: sourceName,
			Key:  item.Source,
			Type: string(item.Kind),
		},
		URL:      item.URL,
		Author:   item.Author,
		Content:  content,
		Media:    media,
		Tags:     tags,
		Metadata: metadata,
	}
}
