package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	sq "github.com/Masterminds/squirrel"

	"github.com/johnrirwin/spinefeed/internal/models"
)

var sourceColumns = []string{"kind", "source_key", "display_name", "mode", "endpoint", "enabled", "built_in", "created_at"}

type sourceRow struct {
	Kind        string `db:"kind"`
	Key         string `db:"source_key"`
	DisplayName string `db:"display_name"`
	Mode        string `db:"mode"`
	Endpoint    string `db:"endpoint"`
	Enabled     bool   `db:"enabled"`
	BuiltIn     bool   `db:"built_in"`
	CreatedAt   dbTime `db:"created_at"`
}

func (r sourceRow) toModel() models.SourceConfig {
	return models.SourceConfig{
		Key:         r.Key,
		DisplayName: r.DisplayName,
		Kind:        models.Kind(r.Kind),
		Mode:        models.SourceMode(r.Mode),
		Endpoint:    r.Endpoint,
		Enabled:     r.Enabled,
		BuiltIn:     r.BuiltIn,
		CreatedAt:   r.CreatedAt.Time,
	}
}

// ListSources returns tracked sources of kind, or of every kind when kind is empty.
func (s *SQLStore) ListSources(ctx context.Context, kind models.Kind) ([]models.SourceConfig, error) {
	sel := s.db.builder.Select(sourceColumns...).From("tracked_sources").OrderBy("kind", "created_at", "source_key")
	if kind != "" {
		sel = sel.Where(sq.Eq{"kind": string(kind)})
	}
	query, args, err := sel.ToSql()
	if err != nil {
		return nil, fmt.Errorf("build query: %w", err)
	}

	var rows []sourceRow
	if err := s.db.SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, unavailable("list sources", err)
	}

	out := make([]models.SourceConfig, 0, len(rows))
	for _, r := range rows {
		out = append(out, r.toModel())
	}
	return out, nil
}

func (s *SQLStore) GetSource(ctx context.Context, kind models.Kind, key string) (*models.SourceConfig, error) {
	query, args, err := s.db.builder.Select(sourceColumns...).From("tracked_sources").
		Where(sq.Eq{"kind": string(kind), "source_key": key}).ToSql()
	if err != nil {
		return nil, fmt.Errorf("build query: %w", err)
	}

	var row sourceRow
	err = s.db.GetContext(ctx, &row, query, args...)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("source %s/%s: %w", kind, key, ErrNotFound)
	}
	if err != nil {
		return nil, unavailable("get source", err)
	}
	src := row.toModel()
	return &src, nil
}

func (s *SQLStore) insertSource(ctx context.Context, src models.SourceConfig, ignoreConflict bool) error {
	insert := s.db.builder.Insert("tracked_sources").Columns(sourceColumns...).Values(
		string(src.Kind), src.Key, src.DisplayName, string(src.Mode), src.Endpoint,
		s.db.boolArg(src.Enabled), s.db.boolArg(src.BuiltIn), s.db.timeArg(src.CreatedAt),
	)
	if ignoreConflict {
		insert = insert.Suffix("ON CONFLICT (kind, source_key) DO NOTHING")
	}
	query, args, err := insert.ToSql()
	if err != nil {
		return fmt.Errorf("build insert: %w", err)
	}

	if _, err := s.db.ExecContext(ctx, query, args...); err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("source %s/%s: %w", src.Kind, src.Key, ErrDuplicateKey)
		}
		return unavailable("insert source", err)
	}
	return nil
}

func (s *SQLStore) AddSource(ctx context.Context, src models.SourceConfig) error {
	return s.insertSource(ctx, src, false)
}

func (s *SQLStore) SeedSources(ctx context.Context, srcs []models.SourceConfig) error {
	for _, src := range srcs {
		if err := s.insertSource(ctx, src, true); err != nil {
			return err
		}
	}
	return nil
}

func (s *SQLStore) RemoveSource(ctx context.Context, kind models.Kind, key string) error {
	query, args, err := s.db.builder.Delete("tracked_sources").
		Where(sq.Eq{"kind": string(kind), "source_key": key}).ToSql()
	if err != nil {
		return fmt.Errorf("build delete: %w", err)
	}

	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return unavailable("remove source", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return unavailable("remove source", err)
	}
	if n == 0 {
		return fmt.Errorf("source %s/%s: %w", kind, key, ErrNotFound)
	}
	return nil
}
