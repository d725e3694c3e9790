package models

import (
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"
)

const (
	DefaultFeedLimit = 50
	MaxFeedLimit     = 500
	MaxFeedSkip      = 100_000
)

// ErrInvalidFilter is returned for malformed feed filter parameters.
var ErrInvalidFilter = errors.New("invalid filter")

// ItemQuery is a conjunction of optional predicates over one kind's collection.
// Zero values leave a predicate unconstrained; Start and End are inclusive.
type ItemQuery struct {
	Source string
	Start  time.Time
	End    time.Time
	Search string
	Limit  int
}

// Matches reports whether item satisfies every predicate of q.
func (q ItemQuery) Matches(item ContentItem) bool {
	if q.Source != "" && !strings.EqualFold(item.Source, q.Source) {
		return false
	}
	if !q.Start.IsZero() && item.PublishedAt.Before(q.Start) {
		return false
	}
	if !q.End.IsZero() && item.PublishedAt.After(q.End) {
		return false
	}
	if q.Search != "" && !strings.Contains(strings.ToLower(item.SearchText()), strings.ToLower(q.Search)) {
		return false
	}
	return true
}

// FeedFilter is a parsed feed request.
type FeedFilter struct {
	ItemQuery
	Type string
	Skip int
}

// Kinds returns the collections the filter's type selects.
func (f FeedFilter) Kinds() []Kind {
	switch f.Type {
	case string(KindArticle):
		return []Kind{KindArticle}
	case string(KindTweet):
		return []Kind{KindTweet}
	}
	return Kinds
}

// ParseFeedFilter parses feed query parameters.
func ParseFeedFilter(values url.Values) (FeedFilter, error) {
	f := FeedFilter{Type: "both"}
	f.Limit = DefaultFeedLimit

	if v := strings.TrimSpace(values.Get("limit")); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			return FeedFilter{}, fmt.Errorf("%w: limit must be a positive integer", ErrInvalidFilter)
		}
		f.Limit = min(n, MaxFeedLimit)
	}

	if v := strings.TrimSpace(values.Get("skip")); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			return FeedFilter{}, fmt.Errorf("%w: skip must be a non-negative integer", ErrInvalidFilter)
		}
		if n > MaxFeedSkip {
			return FeedFilter{}, fmt.Errorf("%w: skip must be at most %d", ErrInvalidFilter, MaxFeedSkip)
		}
		f.Skip = n
	}

	if v := strings.ToLower(strings.TrimSpace(values.Get("type"))); v != "" {
		switch v {
		case "both", "all":
			f.Type = "both"
		case "article", "articles":
			f.Type = string(KindArticle)
		case "tweet", "tweets":
			f.Type = string(KindTweet)
		default:
			return FeedFilter{}, fmt.Errorf("%w: type must be one of both, article, tweet", ErrInvalidFilter)
		}
	}

	f.Source = strings.TrimPrefix(strings.TrimSpace(values.Get("source")), "@")
	f.Search = strings.TrimSpace(values.Get("search"))

	if v := values.Get("start_date"); strings.TrimSpace(v) != "" {
		t, _, ok := ParseDateFilter(v)
		if !ok {
			return FeedFilter{}, fmt.Errorf("%w: start_date %q is not a date", ErrInvalidFilter, v)
		}
		f.Start = t
	}
	if v := values.Get("end_date"); strings.TrimSpace(v) != "" {
		t, dateOnly, ok := ParseDateFilter(v)
		if !ok {
			return FeedFilter{}, fmt.Errorf("%w: end_date %q is not a date", ErrInvalidFilter, v)
		}
		if dateOnly {
			t = EndOfDay(t)
		}
		f.End = t
	}
	if !f.Start.IsZero() && !f.End.IsZero() && f.End.Before(f.Start) {
		return FeedFilter{}, fmt.Errorf("%w: end_date is before start_date", ErrInvalidFilter)
	}

	return f, nil
}
