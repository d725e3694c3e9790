// Package dedup decides whether an item has been ingested before.
package dedup

import (
	"context"
	"errors"
	"time"

	"github.com/johnrirwin/spinefeed/internal/database"
	"github.com/johnrirwin/spinefeed/internal/models"
)

// SeenStore is the persistence the gate relies on. Uniqueness of (id, kind) must be enforced by
// the store itself so independent processes agree.
type SeenStore interface {
	InsertSeen(ctx context.Context, rec models.SeenRecord) error
	HasSeen(ctx context.Context, id string, kind models.Kind) (bool, error)
	IngestItem(ctx context.Context, item models.ContentItem) (bool, error)
}

type Gate struct {
	store SeenStore
	now   func() time.Time
}

func New(store SeenStore) *Gate {
	return &Gate{store: store, now: time.Now}
}

// Admit returns true exactly once per (id, kind). A uniqueness conflict means "already seen"
// and is not an error.
func (g *Gate) Admit(ctx context.Context, id string, kind models.Kind) (bool, error) {
	err := g.store.InsertSeen(ctx, models.SeenRecord{ID: id, Kind: kind, FirstSeenAt: g.now().UTC()})
	switch {
	case err == nil:
		return true, nil
	case errors.Is(err, database.ErrDuplicateKey):
		return false, nil
	}
	return false, err
}

// Seen reports whether id was admitted before without admitting it.
func (g *Gate) Seen(ctx context.Context, id string, kind models.Kind) (bool, error) {
	return g.store.HasSeen(ctx, id, kind)
}

// AdmitItem admits item and stores it as one unit. It returns false for items already seen.
func (g *Gate) AdmitItem(ctx context.Context, item models.ContentItem) (bool, error) {
	if item.IngestedAt.IsZero() {
		item.IngestedAt = g.now().UTC()
	}
	return g.store.IngestItem(ctx, item)
}
