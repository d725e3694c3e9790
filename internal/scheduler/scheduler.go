// Package scheduler triggers ingestion runs on an interval and on demand.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"

	"github.com/johnrirwin/spinefeed/internal/cache"
	"github.com/johnrirwin/spinefeed/internal/database"
	"github.com/johnrirwin/spinefeed/internal/logging"
	"github.com/johnrirwin/spinefeed/internal/models"
	"github.com/johnrirwin/spinefeed/internal/ratelimit"
)

var (
	ErrUnknownTask   = errors.New("unknown task")
	ErrUnknownSource = errors.New("unknown source")
	ErrRateLimited   = errors.New("scrape recently triggered, try again later")
	ErrNoSources     = errors.New("no enabled sources")
)

// Store is the persistence the scheduler needs. Run records carry the idle/running state.
type Store interface {
	ListSources(ctx context.Context, kind models.Kind) ([]models.SourceConfig, error)
	GetSource(ctx context.Context, kind models.Kind, key string) (*models.SourceConfig, error)
	StartRun(ctx context.Context, run models.RunRecord) (models.RunRecord, bool, error)
	FinishRun(ctx context.Context, run models.RunRecord) error
	GetRun(ctx context.Context, id string) (*models.RunRecord, error)
	ListRuns(ctx context.Context, filter database.RunFilter) ([]models.RunRecord, error)
}

// Runner executes one run to completion.
type Runner interface {
	Run(ctx context.Context, run models.RunRecord, src models.SourceConfig) models.RunRecord
}

type Config struct {
	Interval   time.Duration
	RunTimeout time.Duration
	RunOnStart bool
	TaskTTL    time.Duration
}

func DefaultConfig() Config {
	return Config{
		Interval:   10 * time.Hour,
		RunTimeout: 30 * time.Minute,
		RunOnStart: true,
		TaskTTL:    24 * time.Hour,
	}
}

type Scheduler struct {
	store    Store
	runner   Runner
	cache    cache.Cache
	limiter  ratelimit.RateLimiter
	logger   *logging.Logger
	config   Config
	now      func() time.Time
	onFinish func(models.RunRecord)

	cron    *cron.Cron
	entry   cron.EntryID
	started bool

	mu       sync.Mutex
	active   map[string]string // kind/key -> run id
	lastTick *time.Time

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

type Option func(*Scheduler)

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(s *Scheduler) { s.now = now }
}

// WithRateLimiter limits manual triggers per kind.
func WithRateLimiter(l ratelimit.RateLimiter) Option {
	return func(s *Scheduler) { s.limiter = l }
}

// OnRunFinished registers a callback invoked after each run is recorded.
func OnRunFinished(fn func(models.RunRecord)) Option {
	return func(s *Scheduler) { s.onFinish = fn }
}

func New(store Store, runner Runner, c cache.Cache, logger *logging.Logger, config Config, opts ...Option) *Scheduler {
	if config.Interval <= 0 {
		config.Interval = DefaultConfig().Interval
	}
	if config.TaskTTL <= 0 {
		config.TaskTTL = DefaultConfig().TaskTTL
	}
	ctx, cancel := context.WithCancel(context.Background())
	s := &Scheduler{
		store:  store,
		runner: runner,
		cache:  c,
		logger: logger,
		config: config,
		now:    time.Now,
		active: make(map[string]string),
		ctx:    ctx,
		cancel: cancel,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.cron = cron.New(cron.WithLogger(cronLogger{logger}), cron.WithChain(cron.SkipIfStillRunning(cronLogger{logger})))
	return s
}

// Start schedules Tick every Interval and, if configured, runs one immediately.
func (s *Scheduler) Start() error {
	entry, err := s.cron.AddFunc(fmt.Sprintf("@every %s", s.config.Interval), func() {
		s.Tick(s.ctx)
	})
	if err != nil {
		return fmt.Errorf("failed to schedule refresh: %w", err)
	}
	s.entry = entry
	s.cron.Start()

	s.mu.Lock()
	s.started = true
	s.mu.Unlock()

	s.logger.Info("Scheduler started", logging.WithField("interval", s.config.Interval.String()))

	if s.config.RunOnStart {
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.Tick(s.ctx)
		}()
	}
	return nil
}

// Stop halts the interval trigger, cancels in-flight runs and waits for them to be recorded.
func (s *Scheduler) Stop(ctx context.Context) error {
	stopped := s.cron.Stop()
	s.cancel()

	done := make(chan struct{})
	go func() {
		<-stopped.Done()
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Tick runs every enabled source and waits for the runs it started. Sources already running
// are left alone.
func (s *Scheduler) Tick(ctx context.Context) []models.RunRecord {
	now := s.now().UTC()
	s.mu.Lock()
	s.lastTick = &now
	s.mu.Unlock()

	srcs, err := s.store.ListSources(ctx, "")
	if err != nil {
		s.logger.Error("Failed to list sources", logging.WithField("error", err))
		return nil
	}

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		results []models.RunRecord
	)
	for _, src := range srcs {
		if !src.Enabled {
			continue
		}
		wg.Add(1)
		_, started, err := s.start(ctx, src, "", func(run models.RunRecord) {
			mu.Lock()
			results = append(results, run)
			mu.Unlock()
			wg.Done()
		})
		if !started {
			wg.Done()
		}
		if err != nil {
			s.logger.Error("Failed to start run", logging.WithFields(map[string]interface{}{
				"kind":   string(src.Kind),
				"source": src.Key,
				"error":  err,
			}))
		}
	}
	wg.Wait()
	return results
}

// Trigger starts runs for the given sources of kind, or all enabled sources of kind when keys
// is empty, and returns without waiting. Sources that are already running contribute their
// current run instead of a new one.
//
// The rate limit applies only when at least one source would start a new run, so re-triggering a
// running source always returns its current run.
func (s *Scheduler) Trigger(ctx context.Context, kind models.Kind, keys []string) (models.Task, error) {
	var srcs []models.SourceConfig
	if len(keys) == 0 {
		all, err := s.store.ListSources(ctx, kind)
		if err != nil {
			return models.Task{}, err
		}
		for _, src := range all {
			if src.Enabled {
				srcs = append(srcs, src)
			}
		}
	} else {
		for _, key := range keys {
			src, err := s.store.GetSource(ctx, kind, key)
			if errors.Is(err, database.ErrNotFound) {
				return models.Task{}, fmt.Errorf("%w: %s/%s", ErrUnknownSource, kind, key)
			}
			if err != nil {
				return models.Task{}, err
			}
			srcs = append(srcs, *src)
		}
	}
	if len(srcs) == 0 {
		return models.Task{}, fmt.Errorf("%w for %s", ErrNoSources, kind)
	}

	if s.limiter != nil {
		idle, err := s.anyIdle(ctx, srcs)
		if err != nil {
			return models.Task{}, err
		}
		if idle && !s.limiter.Allow("scrape:"+string(kind)) {
			return models.Task{}, ErrRateLimited
		}
	}

	task := models.Task{
		ID:        uuid.NewString(),
		Kind:      kind,
		RunIDs:    make([]string, 0, len(srcs)),
		CreatedAt: s.now().UTC(),
	}
	for _, src := range srcs {
		run, _, err := s.start(ctx, src, task.ID, nil)
		if err != nil {
			return models.Task{}, err
		}
		task.RunIDs = append(task.RunIDs, run.ID)
	}

	if s.cache != nil {
		s.cache.SetWithTTL(taskKey(task.ID), task, s.config.TaskTTL)
	}
	s.logger.Info("Scrape triggered", logging.WithFields(map[string]interface{}{
		"task_id": task.ID,
		"kind":    string(kind),
		"runs":    len(task.RunIDs),
	}))
	return task, nil
}

// anyIdle reports whether any of srcs has no run in progress.
func (s *Scheduler) anyIdle(ctx context.Context, srcs []models.SourceConfig) (bool, error) {
	for _, src := range srcs {
		running, err := s.store.ListRuns(ctx, database.RunFilter{
			SourceKind: src.Kind,
			SourceKey:  src.Key,
			Status:     models.RunRunning,
			Limit:      1,
		})
		if err != nil {
			return false, err
		}
		if len(running) == 0 {
			return true, nil
		}
	}
	return false, nil
}

func taskKey(id string) string {
	return "task:" + id
}

// TaskStatus summarizes the runs of a manual trigger.
func (s *Scheduler) TaskStatus(ctx context.Context, id string) (models.TaskStatus, error) {
	task, ok := cache.Load[models.Task](s.cache, taskKey(id))
	if !ok {
		// The cache may have been flushed; runs started for the task still name it.
		runs, err := s.store.ListRuns(ctx, database.RunFilter{TaskID: id})
		if err != nil {
			return models.TaskStatus{}, err
		}
		if len(runs) == 0 {
			return models.TaskStatus{}, fmt.Errorf("%w: %s", ErrUnknownTask, id)
		}
		task = models.Task{ID: id, Kind: runs[0].SourceKind, CreatedAt: runs[len(runs)-1].StartedAt}
		for _, r := range runs {
			task.RunIDs = append(task.RunIDs, r.ID)
		}
	}

	runs := make([]models.RunRecord, 0, len(task.RunIDs))
	for _, runID := range task.RunIDs {
		run, err := s.store.GetRun(ctx, runID)
		if errors.Is(err, database.ErrNotFound) {
			continue
		}
		if err != nil {
			return models.TaskStatus{}, err
		}
		runs = append(runs, *run)
	}
	return models.SummarizeTask(task, runs), nil
}

// Status reports the interval, next and last ticks and the sources currently running.
func (s *Scheduler) Status() models.SchedulerStatus {
	s.mu.Lock()
	defer s.mu.Unlock()

	status := models.SchedulerStatus{
		Started:       s.started,
		Interval:      s.config.Interval.String(),
		ActiveSources: make([]string, 0, len(s.active)),
	}
	if s.lastTick != nil {
		t := *s.lastTick
		status.LastRun = &t
	}
	if s.started {
		if next := s.cron.Entry(s.entry).Next; !next.IsZero() {
			next = next.UTC()
			status.NextRun = &next
		}
	}
	for key := range s.active {
		status.ActiveSources = append(status.ActiveSources, key)
	}
	slices.Sort(status.ActiveSources)
	return status
}

// start records a running run for src and executes it in the background. done, when set, is
// called with the finished record; it is not called when the source was already running.
func (s *Scheduler) start(ctx context.Context, src models.SourceConfig, taskID string, done func(models.RunRecord)) (models.RunRecord, bool, error) {
	run, started, err := s.store.StartRun(ctx, models.RunRecord{
		ID:         uuid.NewString(),
		TaskID:     taskID,
		SourceKind: src.Kind,
		SourceKey:  src.Key,
		Status:     models.RunRunning,
		StartedAt:  s.now().UTC(),
	})
	if err != nil {
		return models.RunRecord{}, false, err
	}
	if !started {
		s.logger.Info("Source already running", logging.WithFields(map[string]interface{}{
			"kind":   string(src.Kind),
			"source": src.Key,
			"run_id": run.ID,
		}))
		return run, false, nil
	}

	activeKey := string(src.Kind) + "/" + src.Key
	s.mu.Lock()
	s.active[activeKey] = run.ID
	s.mu.Unlock()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		finished := s.execute(run, src)

		s.mu.Lock()
		delete(s.active, activeKey)
		s.mu.Unlock()

		if s.onFinish != nil {
			s.onFinish(finished)
		}
		if done != nil {
			done(finished)
		}
	}()
	return run, true, nil
}

// execute runs the pipeline under the scheduler's own context so runs outlive the request that
// triggered them.
func (s *Scheduler) execute(run models.RunRecord, src models.SourceConfig) models.RunRecord {
	ctx := s.ctx
	if s.config.RunTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.config.RunTimeout)
		defer cancel()
	}

	finished := s.runner.Run(ctx, run, src)
	if !finished.Status.Finished() {
		finished.Status = models.RunFailed
		finished.ErrorDetail = "run ended without an outcome"
	}
	if finished.FinishedAt == nil {
		t := s.now().UTC()
		finished.FinishedAt = &t
	}

	// The run context may be cancelled already; recording the outcome must still happen.
	saveCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := s.store.FinishRun(saveCtx, finished); err != nil {
		s.logger.Error("Failed to record run", logging.WithFields(map[string]interface{}{
			"run_id": run.ID,
			"error":  err,
		}))
	}
	return finished
}

// cronLogger adapts the application logger to cron's logger.
type cronLogger struct {
	logger *logging.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.logger.Debug("cron: "+msg, kvFields(keysAndValues))
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	fields := kvFields(keysAndValues)
	fields["error"] = err
	l.logger.Error("cron: "+msg, fields)
}

func kvFields(kv []interface{}) logging.Fields {
	fields := logging.Fields{}
	for i := 0; i+1 < len(kv); i += 2 {
		fields[fmt.Sprint(kv[i])] = kv[i+1]
	}
	return fields
}
