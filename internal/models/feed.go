package models

import "time"

// FeedSource names the origin of a feed item.
type FeedSource struct {
	Name string `json:"name"`
	Key  string `json:"key"`
	Type string `json:"type"`
}

// FeedContent carries the kind-dependent text fields.
type FeedContent struct {
	Title   string `json:"title,omitempty"`
	Summary string `json:"summary,omitempty"`
	Text    string `json:"text,omitempty"`
}

// FeedMedia is a media entry as served to clients.
type FeedMedia struct {
	URL  string `json:"url"`
	Type string `json:"type"`
}

// FeedItem is the JSON view of a ContentItem.
type FeedItem struct {
	ID       string         `json:"id"`
	Type     Kind           `json:"type"`
	Date     time.Time      `json:"date"`
	Source   FeedSource     `json:"source"`
	URL      string         `json:"url"`
	Author   string         `json:"author,omitempty"`
	Content  FeedContent    `json:"content"`
	Media    []FeedMedia    `json:"media"`
	Tags     []string       `json:"tags"`
	Metadata map[string]any `json:"metadata"`
}

// FeedResponse is the body of a feed request.
type FeedResponse struct {
	Items []FeedItem `json:"items"`
	Count int        `json:"count"`
	Limit int        `json:"limit"`
	Skip  int        `json:"skip"`
	Type  string     `json:"type"`
}

// KindTotals is a per-source breakdown of one kind.
type KindTotals struct {
	Total   int            `json:"total"`
	Sources map[string]int `json:"sources"`
}

// Counts are the store's aggregate counters.
type Counts struct {
	Kinds        map[Kind]*KindTotals `json:"kinds"`
	LastIngested *time.Time           `json:"last_ingested,omitempty"`
}

// NewCounts returns zeroed counters for every kind.
func NewCounts() Counts {
	c := Counts{Kinds: make(map[Kind]*KindTotals, len(Kinds))}
	for _, k := range Kinds {
		c.Kinds[k] = &KindTotals{Sources: map[string]int{}}
	}
	return c
}

// Add records n items for a source.
func (c Counts) Add(kind Kind, source string, n int) {
	t, ok := c.Kinds[kind]
	if !ok {
		t = &KindTotals{Sources: map[string]int{}}
		c.Kinds[kind] = t
	}
	t.Total += n
	t.Sources[source] += n
}
