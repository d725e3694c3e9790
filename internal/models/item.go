package models

import "time"

// Kind identifies which collection a ContentItem belongs to.
type Kind string

const (
	KindArticle Kind = "article"
	KindTweet   Kind = "tweet"
)

// Kinds lists every content kind in a stable order.
var Kinds = []Kind{KindArticle, KindTweet}

// ParseKind validates a kind string.
func ParseKind(s string) (Kind, bool) {
	switch Kind(s) {
	case KindArticle, KindTweet:
		return Kind(s), true
	}
	return "", false
}

// MediaKind is the type of an attached media item.
type MediaKind string

const (
	MediaImage MediaKind = "image"
	MediaVideo MediaKind = "video"
)

// Media is an attachment on a content item. Ref is the local media store ID when a copy was kept.
type Media struct {
	URL  string    `json:"url"`
	Kind MediaKind `json:"kind"`
	Ref  string    `json:"ref,omitempty"`
}

// Recognised metadata keys.
const (
	MetaFinancialMentions = "financial_mentions"
	MetaSpineProcedures   = "spine_procedures"
	MetaContentLength     = "content_length"
	MetaCategory          = "category"

	MetaTweetType   = "tweet_type"
	MetaHasMedia    = "has_media"
	MetaRetweetInfo = "retweet_info"
)

// Tweet types stored under MetaTweetType.
const (
	TweetTypeTweet   = "TWEET"
	TweetTypeRetweet = "RETWEET"
	TweetTypeReply   = "REPLY"
)

// RetweetInfo is stored under MetaRetweetInfo for retweets.
type RetweetInfo struct {
	IsRetweet      bool   `json:"is_retweet"`
	OriginalAuthor string `json:"original_author"`
	RetweetAuthor  string `json:"retweet_author"`
}

// ContentItem is a normalized article or tweet.
type ContentItem struct {
	ID          string         `json:"id"`
	Kind        Kind           `json:"kind"`
	Source      string         `json:"source"`
	Title       string         `json:"title,omitempty"`
	Summary     string         `json:"summary,omitempty"`
	Text        string         `json:"text,omitempty"`
	Author      string         `json:"author,omitempty"`
	URL         string         `json:"url"`
	PublishedAt time.Time      `json:"published_at"`
	IngestedAt  time.Time      `json:"ingested_at"`
	Media       []Media        `json:"media"`
	Tags        []string       `json:"tags"`
	Metadata    map[string]any `json:"metadata"`
}

// SearchText is the text a search filter is matched against: title, summary and body for
// articles, the tweet text alone for tweets.
func (c ContentItem) SearchText() string {
	if c.Kind == KindTweet {
		return c.Text
	}
	return c.Title + "\n" + c.Summary + "\n" + c.Text
}

// SeenRecord marks an (id, kind) pair as already ingested.
type SeenRecord struct {
	ID          string    `json:"id"`
	Kind        Kind      `json:"kind"`
	FirstSeenAt time.Time `json:"first_seen_at"`
}

// Less orders items newest first, ties broken by ascending ID and then by kind.
func Less(a, b ContentItem) bool {
	if !a.PublishedAt.Equal(b.PublishedAt) {
		return a.PublishedAt.After(b.PublishedAt)
	}
	if a.ID != b.ID {
		return a.ID < b.ID
	}
	return a.Kind < b.Kind
}
