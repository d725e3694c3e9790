package database

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/google/uuid"

	"github.com/johnrirwin/spinefeed/internal/models"
)

type mediaRow struct {
	ID          string `db:"id"`
	SHA256      string `db:"sha256"`
	ContentType string `db:"content_type"`
	Size        int64  `db:"size"`
	SourceURL   string `db:"source_url"`
	Data        []byte `db:"data"`
	CreatedAt   dbTime `db:"created_at"`
}

func (r mediaRow) toModel() *models.MediaBlob {
	return &models.MediaBlob{
		ID:          r.ID,
		ContentType: r.ContentType,
		Size:        r.Size,
		SHA256:      r.SHA256,
		SourceURL:   r.SourceURL,
		Data:        r.Data,
		CreatedAt:   r.CreatedAt.Time,
	}
}

// prepareBlob fills in the derived fields of a blob about to be saved.
func prepareBlob(blob models.MediaBlob) (models.MediaBlob, error) {
	if len(blob.Data) == 0 {
		return blob, fmt.Errorf("media data is required")
	}
	sum := sha256.Sum256(blob.Data)
	blob.SHA256 = hex.EncodeToString(sum[:])
	blob.Size = int64(len(blob.Data))
	if blob.ID == "" {
		blob.ID = uuid.NewString()
	}
	if blob.CreatedAt.IsZero() {
		blob.CreatedAt = time.Now().UTC()
	}
	if blob.ContentType == "" {
		blob.ContentType = "application/octet-stream"
	}
	return blob, nil
}

// SaveMedia stores media bytes, deduplicated by content hash.
func (s *SQLStore) SaveMedia(ctx context.Context, blob models.MediaBlob) (string, error) {
	blob, err := prepareBlob(blob)
	if err != nil {
		return "", err
	}

	query, args, err := s.db.builder.Insert("media_blobs").
		Columns("id", "sha256", "content_type", "size", "source_url", "data", "created_at").
		Values(blob.ID, blob.SHA256, blob.ContentType, blob.Size, blob.SourceURL, blob.Data, s.db.timeArg(blob.CreatedAt)).
		ToSql()
	if err != nil {
		return "", fmt.Errorf("build insert: %w", err)
	}

	_, err = s.db.ExecContext(ctx, query, args...)
	if err == nil {
		return blob.ID, nil
	}
	if !isUniqueViolation(err) {
		return "", unavailable("save media", err)
	}

	query, args, err = s.db.builder.Select("id").From("media_blobs").
		Where(sq.Eq{"sha256": blob.SHA256}).ToSql()
	if err != nil {
		return "", fmt.Errorf("build query: %w", err)
	}
	var id string
	if err := s.db.GetContext(ctx, &id, query, args...); err != nil {
		return "", unavailable("lookup media", err)
	}
	return id, nil
}

// LoadMedia retrieves media by ID.
func (s *SQLStore) LoadMedia(ctx context.Context, id string) (*models.MediaBlob, error) {
	query, args, err := s.db.builder.
		Select("id", "sha256", "content_type", "size", "source_url", "data", "created_at").
		From("media_blobs").Where(sq.Eq{"id": id}).ToSql()
	if err != nil {
		return nil, fmt.Errorf("build query: %w", err)
	}

	var row mediaRow
	err = s.db.GetContext(ctx, &row, query, args...)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("media %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, unavailable("load media", err)
	}
	return row.toModel(), nil
}
