package database

import (
	"cmp"
	"context"
	"fmt"
	"iter"
	"slices"
	"sync"
	"time"

	"github.com/johnrirwin/spinefeed/internal/models"
)

type itemKey struct {
	kind models.Kind
	id   string
}

// MemoryStore keeps everything in process memory. It is used in tests and when no database
// is configured.
type MemoryStore struct {
	mu      sync.RWMutex
	items   map[itemKey]models.ContentItem
	seen    map[itemKey]models.SeenRecord
	sources map[itemKey]models.SourceConfig
	runs    map[string]models.RunRecord
	media   map[string]models.MediaBlob
	hashes  map[string]string
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		items:   make(map[itemKey]models.ContentItem),
		seen:    make(map[itemKey]models.SeenRecord),
		sources: make(map[itemKey]models.SourceConfig),
		runs:    make(map[string]models.RunRecord),
		media:   make(map[string]models.MediaBlob),
		hashes:  make(map[string]string),
	}
}

func (m *MemoryStore) Ping(context.Context) error { return nil }
func (m *MemoryStore) Close() error               { return nil }

func (m *MemoryStore) InsertItem(_ context.Context, item models.ContentItem) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.insertItemLocked(item)
}

func (m *MemoryStore) insertItemLocked(item models.ContentItem) error {
	key := itemKey{item.Kind, item.ID}
	if _, ok := m.items[key]; ok {
		return fmt.Errorf("item %s/%s: %w", item.Kind, item.ID, ErrDuplicateKey)
	}
	m.items[key] = normalizeItem(item)
	return nil
}

func (m *MemoryStore) InsertSeen(_ context.Context, rec models.SeenRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := itemKey{rec.Kind, rec.ID}
	if _, ok := m.seen[key]; ok {
		return fmt.Errorf("seen %s/%s: %w", rec.Kind, rec.ID, ErrDuplicateKey)
	}
	m.seen[key] = rec
	return nil
}

func (m *MemoryStore) HasSeen(_ context.Context, id string, kind models.Kind) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.seen[itemKey{kind, id}]
	return ok, nil
}

func (m *MemoryStore) IngestItem(_ context.Context, item models.ContentItem) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := itemKey{item.Kind, item.ID}
	if _, ok := m.seen[key]; ok {
		return false, nil
	}
	if err := m.insertItemLocked(item); err != nil {
		return false, err
	}
	m.seen[key] = models.SeenRecord{ID: item.ID, Kind: item.Kind, FirstSeenAt: item.IngestedAt}
	return true, nil
}

func (m *MemoryStore) QueryItems(_ context.Context, kind models.Kind, q models.ItemQuery) iter.Seq2[models.ContentItem, error] {
	m.mu.RLock()
	matched := make([]models.ContentItem, 0)
	for key, item := range m.items {
		if key.kind == kind && q.Matches(item) {
			matched = append(matched, item)
		}
	}
	m.mu.RUnlock()

	slices.SortFunc(matched, func(a, b models.ContentItem) int {
		if models.Less(a, b) {
			return -1
		}
		if models.Less(b, a) {
			return 1
		}
		return 0
	})
	if q.Limit > 0 && len(matched) > q.Limit {
		matched = matched[:q.Limit]
	}

	return func(yield func(models.ContentItem, error) bool) {
		for _, item := range matched {
			if !yield(item, nil) {
				return
			}
		}
	}
}

func (m *MemoryStore) GetItem(_ context.Context, kind models.Kind, id string) (*models.ContentItem, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	item, ok := m.items[itemKey{kind, id}]
	if !ok {
		return nil, fmt.Errorf("item %s/%s: %w", kind, id, ErrNotFound)
	}
	return &item, nil
}

func (m *MemoryStore) Counts(context.Context) (models.Counts, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	counts := models.NewCounts()
	for _, item := range m.items {
		counts.Add(item.Kind, item.Source, 1)
		if counts.LastIngested == nil || item.IngestedAt.After(*counts.LastIngested) {
			t := item.IngestedAt
			counts.LastIngested = &t
		}
	}
	return counts, nil
}

func (m *MemoryStore) ListSources(_ context.Context, kind models.Kind) ([]models.SourceConfig, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]models.SourceConfig, 0, len(m.sources))
	for _, src := range m.sources {
		if kind == "" || src.Kind == kind {
			out = append(out, src)
		}
	}
	slices.SortFunc(out, func(a, b models.SourceConfig) int {
		switch {
		case a.Kind != b.Kind:
			return cmp.Compare(string(a.Kind), string(b.Kind))
		case !a.CreatedAt.Equal(b.CreatedAt):
			return a.CreatedAt.Compare(b.CreatedAt)
		}
		return cmp.Compare(a.Key, b.Key)
	})
	return out, nil
}

func (m *MemoryStore) GetSource(_ context.Context, kind models.Kind, key string) (*models.SourceConfig, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	src, ok := m.sources[itemKey{kind, key}]
	if !ok {
		return nil, fmt.Errorf("source %s/%s: %w", kind, key, ErrNotFound)
	}
	return &src, nil
}

func (m *MemoryStore) AddSource(_ context.Context, src models.SourceConfig) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := itemKey{src.Kind, src.Key}
	if _, ok := m.sources[key]; ok {
		return fmt.Errorf("source %s/%s: %w", src.Kind, src.Key, ErrDuplicateKey)
	}
	m.sources[key] = src
	return nil
}

func (m *MemoryStore) SeedSources(_ context.Context, srcs []models.SourceConfig) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, src := range srcs {
		key := itemKey{src.Kind, src.Key}
		if _, ok := m.sources[key]; !ok {
			m.sources[key] = src
		}
	}
	return nil
}

func (m *MemoryStore) RemoveSource(_ context.Context, kind models.Kind, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	k := itemKey{kind, key}
	if _, ok := m.sources[k]; !ok {
		return fmt.Errorf("source %s/%s: %w", kind, key, ErrNotFound)
	}
	delete(m.sources, k)
	return nil
}

func (m *MemoryStore) StartRun(_ context.Context, run models.RunRecord) (models.RunRecord, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, existing := range m.runs {
		if existing.Status == models.RunRunning && existing.SourceKind == run.SourceKind && existing.SourceKey == run.SourceKey {
			return existing, false, nil
		}
	}
	if _, ok := m.runs[run.ID]; ok {
		return models.RunRecord{}, false, fmt.Errorf("run %s: %w", run.ID, ErrDuplicateKey)
	}

	run.Status = models.RunRunning
	run.StartedAt = run.StartedAt.UTC()
	m.runs[run.ID] = run
	return run, true, nil
}

func (m *MemoryStore) FinishRun(_ context.Context, run models.RunRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.runs[run.ID]; !ok {
		return fmt.Errorf("run %s: %w", run.ID, ErrNotFound)
	}
	if run.FinishedAt == nil {
		now := time.Now().UTC()
		run.FinishedAt = &now
	}
	m.runs[run.ID] = run
	return nil
}

func (m *MemoryStore) GetRun(_ context.Context, id string) (*models.RunRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	run, ok := m.runs[id]
	if !ok {
		return nil, fmt.Errorf("run %s: %w", id, ErrNotFound)
	}
	return &run, nil
}

func (m *MemoryStore) ListRuns(_ context.Context, filter RunFilter) ([]models.RunRecord, error) {
	m.mu.RLock()
	out := make([]models.RunRecord, 0)
	for _, run := range m.runs {
		if filter.matches(run) {
			out = append(out, run)
		}
	}
	m.mu.RUnlock()

	slices.SortFunc(out, func(a, b models.RunRecord) int {
		if c := b.StartedAt.Compare(a.StartedAt); c != 0 {
			return c
		}
		return cmp.Compare(a.ID, b.ID)
	})
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

func (m *MemoryStore) FailStaleRuns(_ context.Context, cutoff time.Time, detail string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	n := 0
	now := time.Now().UTC()
	for id, run := range m.runs {
		if run.Status == models.RunRunning && run.StartedAt.Before(cutoff) {
			run.Status = models.RunFailed
			run.ErrorDetail = detail
			run.FinishedAt = &now
			m.runs[id] = run
			n++
		}
	}
	return n, nil
}

func (m *MemoryStore) SaveMedia(_ context.Context, blob models.MediaBlob) (string, error) {
	blob, err := prepareBlob(blob)
	if err != nil {
		return "", err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if id, ok := m.hashes[blob.SHA256]; ok {
		return id, nil
	}
	m.media[blob.ID] = blob
	m.hashes[blob.SHA256] = blob.ID
	return blob.ID, nil
}

func (m *MemoryStore) LoadMedia(_ context.Context, id string) (*models.MediaBlob, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	blob, ok := m.media[id]
	if !ok {
		return nil, fmt.Errorf("media %s: %w", id, ErrNotFound)
	}
	return &blob, nil
}

var (
	_ Store = (*MemoryStore)(nil)
	_ Store = (*SQLStore)(nil)
)
