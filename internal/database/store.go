package database

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"time"

	"github.com/johnrirwin/spinefeed/internal/models"
)

var (
	// ErrDuplicateKey is returned when a uniqueness constraint rejects an insert.
	ErrDuplicateKey = errors.New("duplicate key")
	ErrNotFound     = errors.New("not found")
	// ErrUnavailable wraps failures talking to the underlying database.
	ErrUnavailable = errors.New("storage unavailable")
)

func unavailable(op string, err error) error {
	return fmt.Errorf("%s: %w: %w", op, ErrUnavailable, err)
}

// ItemStore holds content items and the seen-set.
type ItemStore interface {
	InsertItem(ctx context.Context, item models.ContentItem) error
	InsertSeen(ctx context.Context, rec models.SeenRecord) error
	HasSeen(ctx context.Context, id string, kind models.Kind) (bool, error)
	// IngestItem records the seen entry and the item atomically. It reports false when the
	// id was already seen.
	IngestItem(ctx context.Context, item models.ContentItem) (bool, error)
	// QueryItems streams one kind's matching items newest first, ties by ascending id.
	QueryItems(ctx context.Context, kind models.Kind, q models.ItemQuery) iter.Seq2[models.ContentItem, error]
	GetItem(ctx context.Context, kind models.Kind, id string) (*models.ContentItem, error)
	Counts(ctx context.Context) (models.Counts, error)
}

type SourceStore interface {
	ListSources(ctx context.Context, kind models.Kind) ([]models.SourceConfig, error)
	GetSource(ctx context.Context, kind models.Kind, key string) (*models.SourceConfig, error)
	AddSource(ctx context.Context, src models.SourceConfig) error
	RemoveSource(ctx context.Context, kind models.Kind, key string) error
	// SeedSources inserts the sources that are not tracked yet.
	SeedSources(ctx context.Context, srcs []models.SourceConfig) error
}

type RunStore interface {
	// StartRun records a running run unless the source already has one, in which case the
	// existing record is returned with started=false.
	StartRun(ctx context.Context, run models.RunRecord) (rec models.RunRecord, started bool, err error)
	FinishRun(ctx context.Context, run models.RunRecord) error
	GetRun(ctx context.Context, id string) (*models.RunRecord, error)
	ListRuns(ctx context.Context, filter RunFilter) ([]models.RunRecord, error)
	// FailStaleRuns marks runs still running since before cutoff as failed.
	FailStaleRuns(ctx context.Context, cutoff time.Time, detail string) (int, error)
}

type MediaStore interface {
	// SaveMedia stores blob and returns its ID; identical content returns the existing ID.
	SaveMedia(ctx context.Context, blob models.MediaBlob) (string, error)
	LoadMedia(ctx context.Context, id string) (*models.MediaBlob, error)
}

// Store is the full persistence surface used by the application.
type Store interface {
	ItemStore
	SourceStore
	RunStore
	MediaStore
	Ping(ctx context.Context) error
	Close() error
}

// RunFilter narrows ListRuns. Zero values are unconstrained.
type RunFilter struct {
	SourceKind models.Kind
	SourceKey  string
	TaskID     string
	Status     models.RunStatus
	Limit      int
}

func (f RunFilter) matches(r models.RunRecord) bool {
	if f.SourceKind != "" && r.SourceKind != f.SourceKind {
		return false
	}
	if f.SourceKey != "" && r.SourceKey != f.SourceKey {
		return false
	}
	if f.TaskID != "" && r.TaskID != f.TaskID {
		return false
	}
	if f.Status != "" && r.Status != f.Status {
		return false
	}
	return true
}

func normalizeItem(item models.ContentItem) models.ContentItem {
	item.PublishedAt = item.PublishedAt.UTC().Truncate(time.Microsecond)
	item.IngestedAt = item.IngestedAt.UTC().Truncate(time.Microsecond)
	if item.Media == nil {
		item.Media = []models.Media{}
	}
	if item.Tags == nil {
		item.Tags = []string{}
	}
	if item.Metadata == nil {
		item.Metadata = map[string]any{}
	}
	return item
}
