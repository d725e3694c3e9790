package sources

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"time"

	"github.com/mmcdole/gofeed"

	"github.com/johnrirwin/spinefeed/internal/models"
)

var (
	// ErrTransient marks failures worth retrying: timeouts, resets, 5xx, 429.
	ErrTransient = errors.New("transient fetch error")
	// ErrPermanent marks failures that will not succeed on retry: 4xx, bad URLs, unusable markup.
	ErrPermanent = errors.New("permanent error")
	// ErrUnsupported is returned when no parser handles a source.
	ErrUnsupported = errors.New("unsupported source")
)

// permanent builds a skip reason that must not be retried.
func permanent(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrPermanent, fmt.Sprintf(format, args...))
}

// SkipError is returned by Extract when a candidate yields no item.
type SkipError struct {
	Locator string
	Err     error
}

func (e *SkipError) Error() string {
	return fmt.Sprintf("skip %s: %v", e.Locator, e.Err)
}

func (e *SkipError) Unwrap() error { return e.Err }

func skip(c Candidate, err error) error {
	if err == nil {
		return nil
	}
	if !errors.Is(err, ErrTransient) && !errors.Is(err, ErrPermanent) {
		err = fmt.Errorf("%w: %w", ErrPermanent, err)
	}
	return &SkipError{Locator: c.Locator, Err: err}
}

// Candidate is a discovered item locator that may or may not yield a ContentItem.
type Candidate struct {
	Locator string
	URL     string

	entry *gofeed.Item
}

// Parser lists and extracts items for one family of sources.
//
// Candidates yields up to max locators, most recent first where the source orders them. It yields
// at most one error and then stops; an error before any candidate means the endpoint could not
// be reached at all.
//
// Extract never aborts a batch: every non-nil error is a skip outcome for that one candidate.
type Parser interface {
	Candidates(ctx context.Context, src models.SourceConfig, max int) iter.Seq2[Candidate, error]
	Extract(ctx context.Context, src models.SourceConfig, c Candidate) (models.ContentItem, error)
}

type FetcherConfig struct {
	Timeout     time.Duration
	MaxAttempts int
	Backoff     time.Duration
	MaxBodySize int64
	UserAgent   string
}

func DefaultConfig() FetcherConfig {
	return FetcherConfig{
		Timeout:     20 * time.Second,
		MaxAttempts: 3,
		Backoff:     500 * time.Millisecond,
		MaxBodySize: 10 << 20,
		UserAgent:   "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0 Safari/537.36",
	}
}

// Registry selects the parser for a source by kind and mode.
type Registry struct {
	articles *ArticleParser
	tweets   *TweetParser
}

func NewRegistry(articles *ArticleParser, tweets *TweetParser) *Registry {
	return &Registry{articles: articles, tweets: tweets}
}

func (r *Registry) ParserFor(src models.SourceConfig) (Parser, error) {
	switch {
	case src.Kind == models.KindArticle && r.articles != nil:
		return r.articles, nil
	case src.Kind == models.KindTweet && r.tweets != nil:
		return r.tweets, nil
	}
	return nil, fmt.Errorf("%w: %s/%s", ErrUnsupported, src.Kind, src.Key)
}
