// Package ingest runs one source through listing, extraction, enrichment and storage.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/johnrirwin/spinefeed/internal/database"
	"github.com/johnrirwin/spinefeed/internal/dedup"
	"github.com/johnrirwin/spinefeed/internal/logging"
	"github.com/johnrirwin/spinefeed/internal/models"
	"github.com/johnrirwin/spinefeed/internal/sources"
	"github.com/johnrirwin/spinefeed/internal/tagging"
)

// ParserResolver picks the parser for a source.
type ParserResolver interface {
	ParserFor(src models.SourceConfig) (sources.Parser, error)
}

// Downloader fetches media bodies.
type Downloader interface {
	Download(ctx context.Context, rawURL string, maxBytes int64) (*sources.Response, error)
}

type Config struct {
	Workers       int
	MaxCandidates int
	DownloadMedia bool
	MaxMediaBytes int64
	MaxMediaItems int
}

func DefaultConfig() Config {
	return Config{
		Workers:       4,
		MaxCandidates: 100,
		DownloadMedia: true,
		MaxMediaBytes: 15 << 20,
		MaxMediaItems: 4,
	}
}

type Runner struct {
	parsers    ParserResolver
	gate       *dedup.Gate
	media      database.MediaStore
	downloader Downloader
	tagger     *tagging.Tagger
	logger     *logging.Logger
	config     Config
	now        func() time.Time
}

func NewRunner(parsers ParserResolver, gate *dedup.Gate, media database.MediaStore, downloader Downloader,
	tagger *tagging.Tagger, logger *logging.Logger, config Config) *Runner {
	if config.Workers < 1 {
		config.Workers = 1
	}
	if tagger == nil {
		tagger = tagging.New()
	}
	return &Runner{
		parsers:    parsers,
		gate:       gate,
		media:      media,
		downloader: downloader,
		tagger:     tagger,
		logger:     logger,
		config:     config,
		now:        time.Now,
	}
}

// tally accumulates per-candidate outcomes from concurrent workers.
type tally struct {
	mu         sync.Mutex
	found      int
	fresh      int
	duplicates int
	skipped    int
	storeErrs  int
	firstStore error
}

func (t *tally) add(fn func(t *tally)) {
	t.mu.Lock()
	defer t.mu.Unlock()
	fn(t)
}

// Run ingests src and returns run with its outcome filled in. It never returns a running record.
func (r *Runner) Run(ctx context.Context, run models.RunRecord, src models.SourceConfig) models.RunRecord {
	log := r.logger.With(logging.WithFields(map[string]interface{}{
		"run_id": run.ID,
		"kind":   string(src.Kind),
		"source": src.Key,
	}))

	parser, err := r.parsers.ParserFor(src)
	if err != nil {
		return r.finish(run, models.RunFailed, &tally{}, err.Error(), log)
	}

	var (
		t       tally
		listErr error
		g       errgroup.Group
	)
	g.SetLimit(r.config.Workers)

	for c, err := range parser.Candidates(ctx, src, r.config.MaxCandidates) {
		if err != nil {
			listErr = err
			break
		}
		t.add(func(t *tally) { t.found++ })
		g.Go(func() error {
			r.process(ctx, parser, src, c, &t, log)
			return nil
		})
	}
	_ = g.Wait()

	status, detail := outcome(&t, listErr, ctx.Err())
	return r.finish(run, status, &t, detail, log)
}

func outcome(t *tally, listErr, ctxErr error) (models.RunStatus, string) {
	switch {
	case listErr != nil && t.found == 0:
		return models.RunFailed, listErr.Error()
	case t.storeErrs > 0 && t.fresh == 0 && t.duplicates == 0:
		return models.RunFailed, t.firstStore.Error()
	case listErr != nil:
		return models.RunPartial, fmt.Sprintf("listing stopped after %d candidates: %v", t.found, listErr)
	case t.storeErrs > 0:
		return models.RunPartial, fmt.Sprintf("%d items not stored: %v", t.storeErrs, t.firstStore)
	case ctxErr != nil:
		return models.RunPartial, ctxErr.Error()
	}
	return models.RunSuccess, ""
}

func (r *Runner) finish(run models.RunRecord, status models.RunStatus, t *tally, detail string, log *logging.Logger) models.RunRecord {
	finished := r.now().UTC()
	run.Status = status
	run.FinishedAt = &finished
	run.ItemsFound = t.found
	run.ItemsNew = t.fresh
	run.Duplicates = t.duplicates
	run.Skipped = t.skipped
	run.ErrorDetail = detail

	fields := logging.WithFields(map[string]interface{}{
		"status":      string(status),
		"items_found": t.found,
		"items_new":   t.fresh,
		"duplicates":  t.duplicates,
		"skipped":     t.skipped,
	})
	if status == models.RunFailed {
		log.Warn("Run failed", fields, logging.WithField("error", detail))
	} else {
		log.Info("Run finished", fields)
	}
	return run
}

func (r *Runner) process(ctx context.Context, parser sources.Parser, src models.SourceConfig, c sources.Candidate, t *tally, log *logging.Logger) {
	storeErr := func(err error) {
		t.add(func(t *tally) {
			t.storeErrs++
			t.skipped++
			if t.firstStore == nil {
				t.firstStore = err
			}
		})
		log.Error("Failed to store item", logging.WithFields(map[string]interface{}{
			"locator": c.Locator,
			"error":   err,
		}))
	}

	seen, err := r.gate.Seen(ctx, c.Locator, src.Kind)
	if err != nil {
		storeErr(err)
		return
	}
	if seen {
		t.add(func(t *tally) { t.duplicates++ })
		return
	}

	item, err := parser.Extract(ctx, src, c)
	if err != nil {
		t.add(func(t *tally) { t.skipped++ })
		log.Debug("Skipped item", logging.WithFields(map[string]interface{}{
			"locator":   c.Locator,
			"transient": errors.Is(err, sources.ErrTransient),
			"error":     err,
		}))
		return
	}

	r.tagger.Enrich(&item)
	if item.Kind == models.KindTweet && r.config.DownloadMedia {
		r.storeMedia(ctx, &item, log)
	}

	admitted, err := r.gate.AdmitItem(ctx, item)
	switch {
	case err != nil:
		storeErr(err)
	case admitted:
		t.add(func(t *tally) { t.fresh++ })
	default:
		t.add(func(t *tally) { t.duplicates++ })
	}
}

// storeMedia keeps local copies of an item's media. Failures leave the remote URL in place.
func (r *Runner) storeMedia(ctx context.Context, item *models.ContentItem, log *logging.Logger) {
	if r.media == nil || r.downloader == nil {
		return
	}
	for i := range item.Media {
		if r.config.MaxMediaItems > 0 && i >= r.config.MaxMediaItems {
			return
		}
		m := &item.Media[i]
		resp, err := r.downloader.Download(ctx, m.URL, r.config.MaxMediaBytes)
		if err != nil {
			log.Debug("Media download failed", logging.WithFields(map[string]interface{}{
				"url":   m.URL,
				"error": err,
			}))
			continue
		}
		contentType, ok := models.DetectMediaType(resp.Body)
		if !ok {
			log.Warn("Rejected media that is not an image or video", logging.WithFields(map[string]interface{}{
				"url":          m.URL,
				"content_type": contentType,
			}))
			continue
		}
		id, err := r.media.SaveMedia(ctx, models.MediaBlob{
			ContentType: contentType,
			SourceURL:   m.URL,
			Data:        resp.Body,
			CreatedAt:   r.now().UTC(),
		})
		if err != nil {
			log.Warn("Failed to save media", logging.WithFields(map[string]interface{}{
				"url":   m.URL,
				"error": err,
			}))
			continue
		}
		m.Ref = id
	}
}
