package scheduler

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/johnrirwin/spinefeed/internal/cache"
	"github.com/johnrirwin/spinefeed/internal/database"
	"github.com/johnrirwin/spinefeed/internal/models"
	"github.com/johnrirwin/spinefeed/internal/ratelimit"
	"github.com/johnrirwin/spinefeed/internal/testutil"
)

// fakeRunner records calls; sources with a gate block until it is closed.
type fakeRunner struct {
	mu    sync.Mutex
	calls map[string]int
	gates map[string]chan struct{}
}

func newFakeRunner() *fakeRunner {
	return &fakeRunner{calls: map[string]int{}, gates: map[string]chan struct{}{}}
}

func (f *fakeRunner) block(key string) chan struct{} {
	f.mu.Lock()
	defer f.mu.Unlock()
	gate := make(chan struct{})
	f.gates[key] = gate
	return gate
}

func (f *fakeRunner) count(key string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[key]
}

func (f *fakeRunner) Run(ctx context.Context, run models.RunRecord, src models.SourceConfig) models.RunRecord {
	f.mu.Lock()
	f.calls[src.Key]++
	gate := f.gates[src.Key]
	f.mu.Unlock()

	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			run.Status = models.RunFailed
			run.ErrorDetail = ctx.Err().Error()
			return run
		}
	}
	run.Status = models.RunSuccess
	run.ItemsFound = 2
	run.ItemsNew = 1
	run.Duplicates = 1
	return run
}

func seedSources(t *testing.T, store *database.MemoryStore, keys ...string) {
	t.Helper()
	for _, key := range keys {
		src, err := models.NewTweetSource(key, "", models.ModeUser)
		require.NoError(t, err)
		require.NoError(t, store.AddSource(context.Background(), src))
	}
}

func newTestScheduler(t *testing.T, store Store, runner Runner, opts ...Option) *Scheduler {
	t.Helper()
	c := cache.NewMemory(time.Hour)
	t.Cleanup(c.Stop)

	config := DefaultConfig()
	config.RunOnStart = false
	s := New(store, runner, c, testutil.NullLogger(), config, opts...)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = s.Stop(ctx)
	})
	return s
}

func waitForTask(t *testing.T, s *Scheduler, id string) models.TaskStatus {
	t.Helper()
	var status models.TaskStatus
	require.Eventually(t, func() bool {
		var err error
		status, err = s.TaskStatus(context.Background(), id)
		return err == nil && status.Status != models.TaskRunning
	}, 5*time.Second, 10*time.Millisecond)
	return status
}

func TestTriggerDoesNotOverlapRuns(t *testing.T) {
	store := database.NewMemoryStore()
	seedSources(t, store, "drspine")
	runner := newFakeRunner()
	gate := runner.block("drspine")
	s := newTestScheduler(t, store, runner)

	first, err := s.Trigger(context.Background(), models.KindTweet, []string{"drspine"})
	require.NoError(t, err)
	require.Len(t, first.RunIDs, 1)

	second, err := s.Trigger(context.Background(), models.KindTweet, []string{"drspine"})
	require.NoError(t, err)
	assert.NotEqual(t, first.ID, second.ID)
	assert.Equal(t, first.RunIDs, second.RunIDs, "a running source reports its current run")

	running, err := store.ListRuns(context.Background(), database.RunFilter{Status: models.RunRunning})
	require.NoError(t, err)
	assert.Len(t, running, 1)
	assert.Equal(t, []string{"tweet/drspine"}, s.Status().ActiveSources)

	close(gate)
	status := waitForTask(t, s, first.ID)
	assert.Equal(t, models.TaskCompleted, status.Status)
	assert.Equal(t, 2, status.ItemsFound)
	assert.Equal(t, 1, status.ItemsNew)
	assert.Equal(t, 1, runner.count("drspine"))

	// The second task shares the run and completes with it.
	assert.Equal(t, models.TaskCompleted, waitForTask(t, s, second.ID).Status)
}

func TestTickSkipsSourcesAlreadyRunning(t *testing.T) {
	store := database.NewMemoryStore()
	seedSources(t, store, "busy", "idle")
	runner := newFakeRunner()
	gate := runner.block("busy")
	s := newTestScheduler(t, store, runner)

	task, err := s.Trigger(context.Background(), models.KindTweet, []string{"busy"})
	require.NoError(t, err)

	results := s.Tick(context.Background())
	require.Len(t, results, 1)
	assert.Equal(t, "idle", results[0].SourceKey)
	assert.Equal(t, models.RunSuccess, results[0].Status)
	assert.Equal(t, 1, runner.count("busy"))

	close(gate)
	waitForTask(t, s, task.ID)
	assert.Empty(t, s.Status().ActiveSources)
}

func TestTickSkipsDisabledSources(t *testing.T) {
	store := database.NewMemoryStore()
	seedSources(t, store, "enabled")
	disabled, err := models.NewTweetSource("disabled", "", models.ModeUser)
	require.NoError(t, err)
	disabled.Enabled = false
	require.NoError(t, store.AddSource(context.Background(), disabled))

	runner := newFakeRunner()
	results := newTestScheduler(t, store, runner).Tick(context.Background())
	require.Len(t, results, 1)
	assert.Equal(t, 0, runner.count("disabled"))
}

func TestTickUsesInjectedClock(t *testing.T) {
	store := database.NewMemoryStore()
	seedSources(t, store, "drspine")
	fixed := time.Date(2024, 2, 3, 4, 5, 6, 0, time.UTC)
	s := newTestScheduler(t, store, newFakeRunner(), WithClock(func() time.Time { return fixed }))

	results := s.Tick(context.Background())
	require.Len(t, results, 1)
	assert.True(t, fixed.Equal(results[0].StartedAt))

	status := s.Status()
	require.NotNil(t, status.LastRun)
	assert.True(t, fixed.Equal(*status.LastRun))
	assert.False(t, status.Started)
	assert.Nil(t, status.NextRun)

	stored, err := store.GetRun(context.Background(), results[0].ID)
	require.NoError(t, err)
	assert.Equal(t, models.RunSuccess, stored.Status)
	require.NotNil(t, stored.FinishedAt)
}

func TestTriggerRateLimitedPerKind(t *testing.T) {
	store := database.NewMemoryStore()
	seedSources(t, store, "drspine")
	require.NoError(t, store.AddSource(context.Background(), models.SourceConfig{
		Key: "beckers_spine", Kind: models.KindArticle, Mode: models.ModeSite, Enabled: true, BuiltIn: true,
	}))
	s := newTestScheduler(t, store, newFakeRunner(), WithRateLimiter(ratelimit.New(time.Hour)))

	task, err := s.Trigger(context.Background(), models.KindTweet, nil)
	require.NoError(t, err)
	waitForTask(t, s, task.ID)

	_, err = s.Trigger(context.Background(), models.KindTweet, nil)
	assert.ErrorIs(t, err, ErrRateLimited)

	article, err := s.Trigger(context.Background(), models.KindArticle, nil)
	require.NoError(t, err)
	waitForTask(t, s, article.ID)
}

func TestTriggerRunningSourceIgnoresRateLimit(t *testing.T) {
	store := database.NewMemoryStore()
	seedSources(t, store, "drspine", "spinedoc")
	runner := newFakeRunner()
	gate := runner.block("drspine")
	s := newTestScheduler(t, store, runner, WithRateLimiter(ratelimit.New(2*time.Minute)))

	first, err := s.Trigger(context.Background(), models.KindTweet, []string{"drspine"})
	require.NoError(t, err)

	second, err := s.Trigger(context.Background(), models.KindTweet, []string{"drspine"})
	require.NoError(t, err)
	assert.Equal(t, first.RunIDs, second.RunIDs)

	// A source that is idle would start a new run, so the limit applies.
	_, err = s.Trigger(context.Background(), models.KindTweet, []string{"drspine", "spinedoc"})
	assert.ErrorIs(t, err, ErrRateLimited)
	assert.Equal(t, 0, runner.count("spinedoc"))

	close(gate)
	assert.Equal(t, models.TaskCompleted, waitForTask(t, s, first.ID).Status)
}

func TestTriggerErrors(t *testing.T) {
	store := database.NewMemoryStore()
	s := newTestScheduler(t, store, newFakeRunner())

	_, err := s.Trigger(context.Background(), models.KindTweet, []string{"nobody"})
	assert.ErrorIs(t, err, ErrUnknownSource)

	_, err = s.Trigger(context.Background(), models.KindTweet, nil)
	assert.ErrorIs(t, err, ErrNoSources)

	_, err = s.TaskStatus(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrUnknownTask)
}

func TestTaskStatusWithoutCache(t *testing.T) {
	store := database.NewMemoryStore()
	seedSources(t, store, "drspine")

	config := DefaultConfig()
	config.RunOnStart = false
	s := New(store, newFakeRunner(), nil, nil, config)
	defer func() { _ = s.Stop(context.Background()) }()

	task, err := s.Trigger(context.Background(), models.KindTweet, nil)
	require.NoError(t, err)

	status := waitForTask(t, s, task.ID)
	assert.Equal(t, models.TaskCompleted, status.Status)
	assert.Equal(t, models.KindTweet, status.Kind)
	require.Len(t, status.Runs, 1)
}

func TestOnRunFinished(t *testing.T) {
	store := database.NewMemoryStore()
	seedSources(t, store, "a", "b")

	var finished atomic.Int32
	s := newTestScheduler(t, store, newFakeRunner(), OnRunFinished(func(run models.RunRecord) {
		finished.Add(1)
	}))
	s.Tick(context.Background())
	assert.Equal(t, int32(2), finished.Load())
}

func TestStopCancelsRunningRuns(t *testing.T) {
	store := database.NewMemoryStore()
	seedSources(t, store, "slow")
	runner := newFakeRunner()
	runner.block("slow")

	config := DefaultConfig()
	config.RunOnStart = false
	s := New(store, runner, nil, testutil.NullLogger(), config)
	require.NoError(t, s.Start())

	status := s.Status()
	assert.True(t, status.Started)
	require.NotNil(t, status.NextRun)

	task, err := s.Trigger(context.Background(), models.KindTweet, nil)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, s.Stop(ctx))

	run, err := store.GetRun(context.Background(), task.RunIDs[0])
	require.NoError(t, err)
	assert.Equal(t, models.RunFailed, run.Status)
}
