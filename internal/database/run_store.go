package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	sq "github.com/Masterminds/squirrel"

	"github.com/johnrirwin/spinefeed/internal/models"
)

var runColumns = []string{
	"id", "task_id", "source_kind", "source_key", "status", "started_at", "finished_at",
	"items_found", "items_new", "duplicates", "skipped", "error_detail",
}

type runRow struct {
	ID          string `db:"id"`
	TaskID      string `db:"task_id"`
	SourceKind  string `db:"source_kind"`
	SourceKey   string `db:"source_key"`
	Status      string `db:"status"`
	StartedAt   dbTime `db:"started_at"`
	FinishedAt  dbTime `db:"finished_at"`
	ItemsFound  int    `db:"items_found"`
	ItemsNew    int    `db:"items_new"`
	Duplicates  int    `db:"duplicates"`
	Skipped     int    `db:"skipped"`
	ErrorDetail string `db:"error_detail"`
}

func (r runRow) toModel() models.RunRecord {
	return models.RunRecord{
		ID:          r.ID,
		TaskID:      r.TaskID,
		SourceKind:  models.Kind(r.SourceKind),
		SourceKey:   r.SourceKey,
		Status:      models.RunStatus(r.Status),
		StartedAt:   r.StartedAt.Time,
		FinishedAt:  r.FinishedAt.ptr(),
		ItemsFound:  r.ItemsFound,
		ItemsNew:    r.ItemsNew,
		Duplicates:  r.Duplicates,
		Skipped:     r.Skipped,
		ErrorDetail: r.ErrorDetail,
	}
}

func (s *SQLStore) runningRun(ctx context.Context, kind models.Kind, key string) (*models.RunRecord, error) {
	query, args, err := s.db.builder.Select(runColumns...).From("run_records").
		Where(sq.Eq{"source_kind": string(kind), "source_key": key, "status": string(models.RunRunning)}).
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("build query: %w", err)
	}

	var row runRow
	err = s.db.GetContext(ctx, &row, query, args...)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, unavailable("running run", err)
	}
	rec := row.toModel()
	return &rec, nil
}

func (s *SQLStore) StartRun(ctx context.Context, run models.RunRecord) (models.RunRecord, bool, error) {
	run.Status = models.RunRunning
	run.StartedAt = run.StartedAt.UTC()

	query, args, err := s.db.builder.Insert("run_records").
		Columns("id", "task_id", "source_kind", "source_key", "status", "started_at").
		Values(run.ID, run.TaskID, string(run.SourceKind), run.SourceKey, string(run.Status), s.db.timeArg(run.StartedAt)).
		ToSql()
	if err != nil {
		return models.RunRecord{}, false, fmt.Errorf("build insert: %w", err)
	}

	// A conflicting run may finish between the failed insert and the lookup.
	for attempt := 0; attempt < 3; attempt++ {
		_, err = s.db.ExecContext(ctx, query, args...)
		if err == nil {
			return run, true, nil
		}
		if !isUniqueViolation(err) {
			return models.RunRecord{}, false, unavailable("start run", err)
		}

		existing, err := s.runningRun(ctx, run.SourceKind, run.SourceKey)
		if err != nil {
			return models.RunRecord{}, false, err
		}
		if existing != nil {
			return *existing, false, nil
		}
	}
	return models.RunRecord{}, false, fmt.Errorf("start run %s/%s: %w", run.SourceKind, run.SourceKey, ErrDuplicateKey)
}

func (s *SQLStore) FinishRun(ctx context.Context, run models.RunRecord) error {
	if run.FinishedAt == nil {
		now := time.Now().UTC()
		run.FinishedAt = &now
	}

	query, args, err := s.db.builder.Update("run_records").
		SetMap(map[string]any{
			"status":       string(run.Status),
			"finished_at":  s.db.nullableTimeArg(run.FinishedAt),
			"items_found":  run.ItemsFound,
			"items_new":    run.ItemsNew,
			"duplicates":   run.Duplicates,
			"skipped":      run.Skipped,
			"error_detail": run.ErrorDetail,
		}).
		Where(sq.Eq{"id": run.ID}).
		ToSql()
	if err != nil {
		return fmt.Errorf("build update: %w", err)
	}

	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return unavailable("finish run", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("run %s: %w", run.ID, ErrNotFound)
	}
	return nil
}

func (s *SQLStore) GetRun(ctx context.Context, id string) (*models.RunRecord, error) {
	query, args, err := s.db.builder.Select(runColumns...).From("run_records").
		Where(sq.Eq{"id": id}).ToSql()
	if err != nil {
		return nil, fmt.Errorf("build query: %w", err)
	}

	var row runRow
	err = s.db.GetContext(ctx, &row, query, args...)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("run %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, unavailable("get run", err)
	}
	rec := row.toModel()
	return &rec, nil
}

func (s *SQLStore) ListRuns(ctx context.Context, filter RunFilter) ([]models.RunRecord, error) {
	sel := s.db.builder.Select(runColumns...).From("run_records").OrderBy("started_at DESC", "id")
	eq := sq.Eq{}
	if filter.SourceKind != "" {
		eq["source_kind"] = string(filter.SourceKind)
	}
	if filter.SourceKey != "" {
		eq["source_key"] = filter.SourceKey
	}
	if filter.TaskID != "" {
		eq["task_id"] = filter.TaskID
	}
	if filter.Status != "" {
		eq["status"] = string(filter.Status)
	}
	if len(eq) > 0 {
		sel = sel.Where(eq)
	}
	if filter.Limit > 0 {
		sel = sel.Limit(uint64(filter.Limit))
	}

	query, args, err := sel.ToSql()
	if err != nil {
		return nil, fmt.Errorf("build query: %w", err)
	}

	var rows []runRow
	if err := s.db.SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, unavailable("list runs", err)
	}

	out := make([]models.RunRecord, 0, len(rows))
	for _, r := range rows {
		out = append(out, r.toModel())
	}
	return out, nil
}

func (s *SQLStore) FailStaleRuns(ctx context.Context, cutoff time.Time, detail string) (int, error) {
	query, args, err := s.db.builder.Update("run_records").
		Set("status", string(models.RunFailed)).
		Set("finished_at", s.db.timeArg(time.Now())).
		Set("error_detail", detail).
		Where(sq.Eq{"status": string(models.RunRunning)}).
		Where(sq.Lt{"started_at": s.db.timeArg(cutoff)}).
		ToSql()
	if err != nil {
		return 0, fmt.Errorf("build update: %w", err)
	}

	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, unavailable("fail stale runs", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, unavailable("fail stale runs", err)
	}
	return int(n), nil
}
