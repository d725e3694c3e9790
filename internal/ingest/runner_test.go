package ingest

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/johnrirwin/spinefeed/internal/database"
	"github.com/johnrirwin/spinefeed/internal/dedup"
	"github.com/johnrirwin/spinefeed/internal/models"
	"github.com/johnrirwin/spinefeed/internal/ratelimit"
	"github.com/johnrirwin/spinefeed/internal/sources"
	"github.com/johnrirwin/spinefeed/internal/testutil"
)

// fakeParser yields n candidates; locators listed in fail are skipped on extraction.
type fakeParser struct {
	n        int
	fail     map[string]bool
	listErr  error
	errAfter int
	media    string
	extracts atomic.Int32
}

func (p *fakeParser) Candidates(_ context.Context, src models.SourceConfig, max int) iter.Seq2[sources.Candidate, error] {
	return func(yield func(sources.Candidate, error) bool) {
		for i := 0; i < p.n; i++ {
			if p.listErr != nil && i == p.errAfter {
				yield(sources.Candidate{}, p.listErr)
				return
			}
			id := fmt.Sprintf("item-%d", i)
			if !yield(sources.Candidate{Locator: id, URL: "https://example.com/" + id}, nil) {
				return
			}
		}
		if p.listErr != nil && p.errAfter >= p.n {
			yield(sources.Candidate{}, p.listErr)
		}
	}
}

func (p *fakeParser) Extract(_ context.Context, src models.SourceConfig, c sources.Candidate) (models.ContentItem, error) {
	p.extracts.Add(1)
	if p.fail[c.Locator] {
		return models.ContentItem{}, &sources.SkipError{Locator: c.Locator, Err: sources.ErrPermanent}
	}
	item := models.ContentItem{
		ID:          c.Locator,
		Kind:        src.Kind,
		Source:      src.Key,
		Title:       "Lumbar fusion " + c.Locator,
		Text:        "A lumbar fusion device raised $10 million.",
		URL:         c.URL,
		PublishedAt: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC),
	}
	if p.media != "" {
		item.Media = []models.Media{{URL: p.media, Kind: models.MediaImage}}
	}
	return item, nil
}

type fakeResolver struct{ parser sources.Parser }

func (f fakeResolver) ParserFor(models.SourceConfig) (sources.Parser, error) { return f.parser, nil }

// brokenStore fails every seen-set lookup.
type brokenStore struct{ *database.MemoryStore }

func (brokenStore) HasSeen(context.Context, string, models.Kind) (bool, error) {
	return false, fmt.Errorf("ping: %w", database.ErrUnavailable)
}

var articleSource = models.SourceConfig{Key: "test_site", Kind: models.KindArticle, Mode: models.ModeSite, Enabled: true}

func newRunner(parser sources.Parser, store dedup.SeenStore, media database.MediaStore, dl Downloader) *Runner {
	return NewRunner(fakeResolver{parser}, dedup.New(store), media, dl, nil, testutil.NullLogger(), DefaultConfig())
}

func TestRunSkipsFailedItems(t *testing.T) {
	store := database.NewMemoryStore()
	parser := &fakeParser{n: 6, fail: map[string]bool{"item-1": true, "item-4": true}}
	r := newRunner(parser, store, store, nil)

	run := r.Run(context.Background(), models.RunRecord{ID: "run-1", Status: models.RunRunning}, articleSource)
	assert.Equal(t, models.RunSuccess, run.Status)
	assert.Equal(t, 6, run.ItemsFound)
	assert.Equal(t, 4, run.ItemsNew)
	assert.Equal(t, 2, run.Skipped)
	assert.Equal(t, 0, run.Duplicates)
	require.NotNil(t, run.FinishedAt)

	stored, err := store.GetItem(context.Background(), models.KindArticle, "item-0")
	require.NoError(t, err)
	assert.Contains(t, stored.Tags, "Fusion")
	assert.Equal(t, "industry_news", stored.Metadata[models.MetaCategory])
	assert.False(t, stored.IngestedAt.IsZero())
}

func TestRunIsIdempotent(t *testing.T) {
	store := database.NewMemoryStore()
	parser := &fakeParser{n: 5, fail: map[string]bool{"item-2": true}}
	r := newRunner(parser, store, store, nil)

	first := r.Run(context.Background(), models.RunRecord{ID: "a"}, articleSource)
	require.Equal(t, 4, first.ItemsNew)

	parser.extracts.Store(0)
	second := r.Run(context.Background(), models.RunRecord{ID: "b"}, articleSource)
	assert.Equal(t, models.RunSuccess, second.Status)
	assert.Equal(t, 0, second.ItemsNew)
	assert.Equal(t, 4, second.Duplicates)
	assert.Equal(t, 1, second.Skipped)
	// Only the previously failed candidate is fetched again.
	assert.Equal(t, int32(1), parser.extracts.Load())

	counts, err := store.Counts(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 4, counts.Kinds[models.KindArticle].Total)
}

func TestRunStatusFromListing(t *testing.T) {
	unreachable := errors.New("listing: connection refused")

	tests := []struct {
		name     string
		parser   *fakeParser
		status   models.RunStatus
		newItems int
	}{
		{"unreachable endpoint", &fakeParser{n: 3, listErr: unreachable, errAfter: 0}, models.RunFailed, 0},
		{"listing broke off", &fakeParser{n: 3, listErr: unreachable, errAfter: 2}, models.RunPartial, 2},
		{"nothing listed", &fakeParser{n: 0}, models.RunSuccess, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store := database.NewMemoryStore()
			run := newRunner(tt.parser, store, store, nil).Run(context.Background(), models.RunRecord{ID: "r"}, articleSource)
			assert.Equal(t, tt.status, run.Status)
			assert.Equal(t, tt.newItems, run.ItemsNew)
			if tt.status != models.RunSuccess {
				assert.Contains(t, run.ErrorDetail, "connection refused")
			}
		})
	}
}

func TestRunFailsWhenStoreUnavailable(t *testing.T) {
	store := brokenStore{database.NewMemoryStore()}
	run := newRunner(&fakeParser{n: 3}, store, store, nil).Run(context.Background(), models.RunRecord{ID: "r"}, articleSource)

	assert.Equal(t, models.RunFailed, run.Status)
	assert.Equal(t, 3, run.ItemsFound)
	assert.Equal(t, 0, run.ItemsNew)
	assert.Contains(t, run.ErrorDetail, database.ErrUnavailable.Error())
}

func TestRunStoresTweetMedia(t *testing.T) {
	png := []byte("\x89PNG\r\n\x1a\nfake-image-bytes")
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		if r.URL.Path != "/pic/a.png" {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Content-Type", "image/png")
		_, _ = w.Write(png)
	}))
	defer srv.Close()

	config := sources.DefaultConfig()
	config.Backoff = 0
	client := sources.NewClient(config, ratelimit.New(0), ratelimit.NewHostGate(2))

	store := database.NewMemoryStore()
	tweets := models.SourceConfig{Key: "drspine", Kind: models.KindTweet, Mode: models.ModeUser, Enabled: true}
	r := newRunner(&fakeParser{n: 2, media: srv.URL + "/pic/a.png"}, store, store, client)

	run := r.Run(context.Background(), models.RunRecord{ID: "r"}, tweets)
	require.Equal(t, 2, run.ItemsNew)

	item, err := store.GetItem(context.Background(), models.KindTweet, "item-0")
	require.NoError(t, err)
	require.Len(t, item.Media, 1)
	require.NotEmpty(t, item.Media[0].Ref)

	other, err := store.GetItem(context.Background(), models.KindTweet, "item-1")
	require.NoError(t, err)
	assert.Equal(t, item.Media[0].Ref, other.Media[0].Ref, "identical content is stored once")

	blob, err := store.LoadMedia(context.Background(), item.Media[0].Ref)
	require.NoError(t, err)
	assert.Equal(t, "image/png", blob.ContentType)
	assert.Equal(t, png, blob.Data)
}

func TestRunRejectsMediaThatIsNotAnImage(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// Declared as an image, but the body is a page with script.
		w.Header().Set("Content-Type", "image/png")
		_, _ = w.Write([]byte("<html><script>alert(document.cookie)</script></html>"))
	}))
	defer srv.Close()

	config := sources.DefaultConfig()
	config.Backoff = 0
	client := sources.NewClient(config, nil, nil)

	store := database.NewMemoryStore()
	tweets := models.SourceConfig{Key: "drspine", Kind: models.KindTweet, Mode: models.ModeUser}
	run := newRunner(&fakeParser{n: 1, media: srv.URL + "/pic.png"}, store, store, client).
		Run(context.Background(), models.RunRecord{ID: "r"}, tweets)
	require.Equal(t, 1, run.ItemsNew)

	item, err := store.GetItem(context.Background(), models.KindTweet, "item-0")
	require.NoError(t, err)
	assert.Empty(t, item.Media[0].Ref)
	assert.Equal(t, srv.URL+"/pic.png", item.Media[0].URL)
}

func TestRunKeepsItemWhenMediaFails(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	defer srv.Close()

	config := sources.DefaultConfig()
	config.Backoff = 0
	client := sources.NewClient(config, nil, nil)

	store := database.NewMemoryStore()
	tweets := models.SourceConfig{Key: "drspine", Kind: models.KindTweet, Mode: models.ModeUser}
	run := newRunner(&fakeParser{n: 1, media: srv.URL + "/gone.png"}, store, store, client).
		Run(context.Background(), models.RunRecord{ID: "r"}, tweets)

	assert.Equal(t, models.RunSuccess, run.Status)
	assert.Equal(t, 1, run.ItemsNew)

	item, err := store.GetItem(context.Background(), models.KindTweet, "item-0")
	require.NoError(t, err)
	assert.Empty(t, item.Media[0].Ref)
}
