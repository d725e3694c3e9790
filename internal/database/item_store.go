package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"iter"
	"strings"

	sq "github.com/Masterminds/squirrel"

	"github.com/johnrirwin/spinefeed/internal/models"
)

// SQLStore persists everything in PostgreSQL or SQLite.
type SQLStore struct {
	db *DB
}

func NewSQLStore(db *DB) *SQLStore {
	return &SQLStore{db: db}
}

func (s *SQLStore) Ping(ctx context.Context) error {
	if err := s.db.PingContext(ctx); err != nil {
		return unavailable("ping", err)
	}
	return nil
}

func (s *SQLStore) Close() error {
	return s.db.Close()
}

var itemColumns = []string{
	"kind", "id", "source", "title", "summary", "body", "author", "url",
	"published_at", "ingested_at", "media", "tags", "metadata",
}

type itemRow struct {
	Kind        string                     `db:"kind"`
	ID          string                     `db:"id"`
	Source      string                     `db:"source"`
	Title       string                     `db:"title"`
	Summary     string                     `db:"summary"`
	Body        string                     `db:"body"`
	Author      string                     `db:"author"`
	URL         string                     `db:"url"`
	PublishedAt dbTime                     `db:"published_at"`
	IngestedAt  dbTime                     `db:"ingested_at"`
	Media       jsonColumn[[]models.Media] `db:"media"`
	Tags        jsonColumn[[]string]       `db:"tags"`
	Metadata    jsonColumn[map[string]any] `db:"metadata"`
}

func (r itemRow) toModel() models.ContentItem {
	return normalizeItem(models.ContentItem{
		ID:          r.ID,
		Kind:        models.Kind(r.Kind),
		Source:      r.Source,
		Title:       r.Title,
		Summary:     r.Summary,
		Text:        r.Body,
		Author:      r.Author,
		URL:         r.URL,
		PublishedAt: r.PublishedAt.Time,
		IngestedAt:  r.IngestedAt.Time,
		Media:       r.Media.V,
		Tags:        r.Tags.V,
		Metadata:    r.Metadata.V,
	})
}

func (s *SQLStore) insertItemQuery(item models.ContentItem) (sq.InsertBuilder, error) {
	item = normalizeItem(item)
	media, err := jsonArg(item.Media)
	if err != nil {
		return sq.InsertBuilder{}, fmt.Errorf("marshal media: %w", err)
	}
	tags, err := jsonArg(item.Tags)
	if err != nil {
		return sq.InsertBuilder{}, fmt.Errorf("marshal tags: %w", err)
	}
	metadata, err := jsonArg(item.Metadata)
	if err != nil {
		return sq.InsertBuilder{}, fmt.Errorf("marshal metadata: %w", err)
	}

	return s.db.builder.Insert("content_items").Columns(itemColumns...).Values(
		string(item.Kind), item.ID, item.Source, item.Title, item.Summary, item.Text, item.Author, item.URL,
		s.db.timeArg(item.PublishedAt), s.db.timeArg(item.IngestedAt), media, tags, metadata,
	), nil
}

func (s *SQLStore) InsertItem(ctx context.Context, item models.ContentItem) error {
	insert, err := s.insertItemQuery(item)
	if err != nil {
		return err
	}
	query, args, err := insert.ToSql()
	if err != nil {
		return fmt.Errorf("build insert: %w", err)
	}

	if _, err := s.db.ExecContext(ctx, query, args...); err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("item %s/%s: %w", item.Kind, item.ID, ErrDuplicateKey)
		}
		return unavailable("insert item", err)
	}
	return nil
}

func (s *SQLStore) InsertSeen(ctx context.Context, rec models.SeenRecord) error {
	query, args, err := s.db.builder.Insert("seen_records").
		Columns("kind", "id", "first_seen_at").
		Values(string(rec.Kind), rec.ID, s.db.timeArg(rec.FirstSeenAt)).
		ToSql()
	if err != nil {
		return fmt.Errorf("build insert: %w", err)
	}

	if _, err := s.db.ExecContext(ctx, query, args...); err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("seen %s/%s: %w", rec.Kind, rec.ID, ErrDuplicateKey)
		}
		return unavailable("insert seen", err)
	}
	return nil
}

func (s *SQLStore) HasSeen(ctx context.Context, id string, kind models.Kind) (bool, error) {
	query, args, err := s.db.builder.Select("1").From("seen_records").
		Where(sq.Eq{"kind": string(kind), "id": id}).ToSql()
	if err != nil {
		return false, fmt.Errorf("build select: %w", err)
	}

	var one int
	err = s.db.QueryRowxContext(ctx, query, args...).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, unavailable("has seen", err)
	}
	return true, nil
}

func (s *SQLStore) IngestItem(ctx context.Context, item models.ContentItem) (bool, error) {
	seenQuery, seenArgs, err := s.db.builder.Insert("seen_records").
		Columns("kind", "id", "first_seen_at").
		Values(string(item.Kind), item.ID, s.db.timeArg(item.IngestedAt)).
		Suffix("ON CONFLICT (kind, id) DO NOTHING").
		ToSql()
	if err != nil {
		return false, fmt.Errorf("build seen insert: %w", err)
	}
	insert, err := s.insertItemQuery(item)
	if err != nil {
		return false, err
	}
	itemQuery, itemArgs, err := insert.ToSql()
	if err != nil {
		return false, fmt.Errorf("build item insert: %w", err)
	}

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return false, unavailable("begin tx", err)
	}
	defer func() { _ = tx.Rollback() }()

	res, err := tx.ExecContext(ctx, seenQuery, seenArgs...)
	if err != nil {
		return false, unavailable("insert seen", err)
	}
	if n, err := res.RowsAffected(); err != nil {
		return false, unavailable("insert seen", err)
	} else if n == 0 {
		return false, nil
	}

	if _, err := tx.ExecContext(ctx, itemQuery, itemArgs...); err != nil {
		if isUniqueViolation(err) {
			return false, fmt.Errorf("item %s/%s: %w", item.Kind, item.ID, ErrDuplicateKey)
		}
		return false, unavailable("insert item", err)
	}

	if err := tx.Commit(); err != nil {
		return false, unavailable("commit", err)
	}
	return true, nil
}

// escapeLike escapes LIKE wildcards so search terms match literally.
func escapeLike(s string) string {
	return strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`).Replace(s)
}

func (s *SQLStore) itemSelect(kind models.Kind, q models.ItemQuery) sq.SelectBuilder {
	sel := s.db.builder.Select(itemColumns...).From("content_items").
		Where(sq.Eq{"kind": string(kind)})

	if q.Source != "" {
		sel = sel.Where("LOWER(source) = ?", strings.ToLower(q.Source))
	}
	if !q.Start.IsZero() {
		sel = sel.Where(sq.GtOrEq{"published_at": s.db.timeArg(q.Start)})
	}
	if !q.End.IsZero() {
		sel = sel.Where(sq.LtOrEq{"published_at": s.db.timeArg(q.End)})
	}
	if q.Search != "" {
		pattern := "%" + escapeLike(strings.ToLower(q.Search)) + "%"
		if kind == models.KindTweet {
			sel = sel.Where(`LOWER(body) LIKE ? ESCAPE '\'`, pattern)
		} else {
			sel = sel.Where(`(LOWER(title) LIKE ? ESCAPE '\' OR LOWER(summary) LIKE ? ESCAPE '\' OR LOWER(body) LIKE ? ESCAPE '\')`,
				pattern, pattern, pattern)
		}
	}

	// Ties must follow byte order to agree with models.Less; Postgres would otherwise use the
	// database collation.
	idOrder := "id ASC"
	if s.db.driver == DriverPostgres {
		idOrder = `id COLLATE "C" ASC`
	}
	sel = sel.OrderBy("published_at DESC", idOrder)
	if q.Limit > 0 {
		sel = sel.Limit(uint64(q.Limit))
	}
	return sel
}

func (s *SQLStore) QueryItems(ctx context.Context, kind models.Kind, q models.ItemQuery) iter.Seq2[models.ContentItem, error] {
	return func(yield func(models.ContentItem, error) bool) {
		query, args, err := s.itemSelect(kind, q).ToSql()
		if err != nil {
			yield(models.ContentItem{}, fmt.Errorf("build query: %w", err))
			return
		}

		rows, err := s.db.QueryxContext(ctx, query, args...)
		if err != nil {
			yield(models.ContentItem{}, unavailable("query items", err))
			return
		}
		defer rows.Close()

		for rows.Next() {
			var row itemRow
			if err := rows.StructScan(&row); err != nil {
				yield(models.ContentItem{}, fmt.Errorf("scan item: %w", err))
				return
			}
			if !yield(row.toModel(), nil) {
				return
			}
		}
		if err := rows.Err(); err != nil {
			yield(models.ContentItem{}, unavailable("query items", err))
		}
	}
}

func (s *SQLStore) GetItem(ctx context.Context, kind models.Kind, id string) (*models.ContentItem, error) {
	query, args, err := s.db.builder.Select(itemColumns...).From("content_items").
		Where(sq.Eq{"kind": string(kind), "id": id}).ToSql()
	if err != nil {
		return nil, fmt.Errorf("build query: %w", err)
	}

	var row itemRow
	err = s.db.QueryRowxContext(ctx, query, args...).StructScan(&row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("item %s/%s: %w", kind, id, ErrNotFound)
	}
	if err != nil {
		return nil, unavailable("get item", err)
	}
	item := row.toModel()
	return &item, nil
}

func (s *SQLStore) Counts(ctx context.Context) (models.Counts, error) {
	counts := models.NewCounts()

	query, args, err := s.db.builder.Select("kind", "source", "COUNT(*) AS n").
		From("content_items").GroupBy("kind", "source").ToSql()
	if err != nil {
		return counts, fmt.Errorf("build query: %w", err)
	}

	var groups []struct {
		Kind   string `db:"kind"`
		Source string `db:"source"`
		N      int    `db:"n"`
	}
	if err := s.db.SelectContext(ctx, &groups, query, args...); err != nil {
		return counts, unavailable("count items", err)
	}
	for _, g := range groups {
		counts.Add(models.Kind(g.Kind), g.Source, g.N)
	}

	var last dbTime
	if err := s.db.QueryRowxContext(ctx, "SELECT MAX(ingested_at) FROM content_items").Scan(&last); err != nil {
		return counts, unavailable("last ingested", err)
	}
	counts.LastIngested = last.ptr()
	return counts, nil
}
