package sources

import (
	"bytes"
	"context"
	"fmt"
	"iter"
	"net/url"
	"regexp"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"github.com/mmcdole/gofeed"

	"github.com/johnrirwin/spinefeed/internal/models"
)

var (
	statusIDPattern = regexp.MustCompile(`/status(?:es)?/(\d+)`)
	retweetPrefix   = regexp.MustCompile(`^RT by @(\w+):\s*`)
	replyPrefix     = regexp.MustCompile(`^R to @(\w+):\s*`)
)

// TweetParser reads user timelines and keyword searches from a Nitter-compatible RSS bridge.
type TweetParser struct {
	client *Client
	bridge *url.URL
	feeds  *gofeed.Parser
}

func NewTweetParser(client *Client, bridgeURL string) (*TweetParser, error) {
	u, err := url.Parse(strings.TrimRight(bridgeURL, "/"))
	if err != nil || u.Host == "" {
		return nil, fmt.Errorf("invalid tweet bridge url %q", bridgeURL)
	}
	return &TweetParser{client: client, bridge: u, feeds: gofeed.NewParser()}, nil
}

// FeedURL returns the bridge feed for a tweet source.
func (p *TweetParser) FeedURL(src models.SourceConfig) (string, error) {
	key := src.Endpoint
	if key == "" {
		key = src.Key
	}
	switch src.Mode {
	case models.ModeUser, "":
		return p.bridge.String() + "/" + url.PathEscape(strings.TrimPrefix(key, "@")) + "/rss", nil
	case models.ModeKeyword:
		q := url.Values{"f": {"tweets"}, "q": {key}}
		return p.bridge.String() + "/search/rss?" + q.Encode(), nil
	}
	return "", fmt.Errorf("%w: tweet mode %q", ErrUnsupported, src.Mode)
}

// Candidates yields one candidate per status in the feed, carrying the feed entry along.
func (p *TweetParser) Candidates(ctx context.Context, src models.SourceConfig, max int) iter.Seq2[Candidate, error] {
	return func(yield func(Candidate, error) bool) {
		feedURL, err := p.FeedURL(src)
		if err != nil {
			yield(Candidate{}, err)
			return
		}

		resp, err := p.client.Get(ctx, feedURL)
		if err != nil {
			yield(Candidate{}, err)
			return
		}
		feed, err := p.feeds.Parse(bytes.NewReader(resp.Body))
		if err != nil {
			yield(Candidate{}, permanent("parse tweet feed: %v", err))
			return
		}

		count := 0
		for _, entry := range feed.Items {
			id := statusID(entry.Link)
			if id == "" {
				continue
			}
			if !yield(Candidate{Locator: id, URL: entry.Link, entry: entry}, nil) {
				return
			}
			count++
			if max > 0 && count >= max {
				return
			}
		}
	}
}

func statusID(link string) string {
	m := statusIDPattern.FindStringSubmatch(link)
	if m == nil {
		return ""
	}
	return m[1]
}

// Extract normalizes the feed entry carried by the candidate.
func (p *TweetParser) Extract(_ context.Context, src models.SourceConfig, c Candidate) (models.ContentItem, error) {
	if c.entry == nil {
		return models.ContentItem{}, skip(c, permanent("candidate has no feed entry"))
	}
	item, err := parseTweet(p.bridge, src, c.Locator, c.entry)
	if err != nil {
		return models.ContentItem{}, skip(c, err)
	}
	return item, nil
}

func parseTweet(bridge *url.URL, src models.SourceConfig, id string, entry *gofeed.Item) (models.ContentItem, error) {
	published := entry.PublishedParsed
	if published == nil {
		published = entry.UpdatedParsed
	}
	if published == nil {
		return models.ContentItem{}, permanent("tweet %s has no timestamp", id)
	}

	author := tweetAuthor(entry)
	if author == "" && src.Mode == models.ModeUser {
		author = src.Key
	}

	title := strings.TrimSpace(entry.Title)
	metadata := map[string]any{models.MetaTweetType: models.TweetTypeTweet}
	if m := retweetPrefix.FindStringSubmatch(title); m != nil {
		metadata[models.MetaTweetType] = models.TweetTypeRetweet
		metadata[models.MetaRetweetInfo] = map[string]any{
			"is_retweet":      true,
			"original_author": author,
			"retweet_author":  strings.ToLower(m[1]),
		}
		title = title[len(m[0]):]
	} else if m := replyPrefix.FindStringSubmatch(title); m != nil {
		metadata[models.MetaTweetType] = models.TweetTypeReply
		title = title[len(m[0]):]
	}

	text := htmlText(entry.Description)
	if text == "" {
		text = cleanText(title)
	}
	media := tweetMedia(bridge, entry.Description)
	if text == "" && len(media) == 0 {
		return models.ContentItem{}, permanent("tweet %s has no text or media", id)
	}
	metadata[models.MetaHasMedia] = len(media) > 0

	link := fmt.Sprintf("https://twitter.com/%s/status/%s", author, id)
	if author == "" {
		link = fmt.Sprintf("https://twitter.com/i/status/%s", id)
	}

	return models.ContentItem{
		ID:          id,
		Kind:        models.KindTweet,
		Source:      src.Key,
		Title:       "Tweet by @" + author,
		Text:        text,
		Author:      author,
		URL:         link,
		PublishedAt: published.UTC(),
		Media:       media,
		Tags:        []string{},
		Metadata:    metadata,
	}, nil
}

func tweetAuthor(entry *gofeed.Item) string {
	if entry.DublinCoreExt != nil && len(entry.DublinCoreExt.Creator) > 0 {
		return strings.ToLower(strings.TrimPrefix(strings.TrimSpace(entry.DublinCoreExt.Creator[0]), "@"))
	}
	if entry.Author != nil {
		return strings.ToLower(strings.TrimPrefix(strings.TrimSpace(entry.Author.Name), "@"))
	}
	return ""
}

func tweetMedia(bridge *url.URL, description string) []models.Media {
	if strings.TrimSpace(description) == "" {
		return nil
	}
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(description))
	if err != nil {
		return nil
	}

	var media []models.Media
	seen := make(map[string]bool)
	add := func(src string, kind models.MediaKind) {
		u, ok := resolveURL(bridge, src)
		if !ok || seen[u.String()] {
			return
		}
		seen[u.String()] = true
		media = append(media, models.Media{URL: u.String(), Kind: kind})
	}
	doc.Find("img[src]").Each(func(_ int, s *goquery.Selection) {
		add(s.AttrOr("src", ""), models.MediaImage)
	})
	doc.Find("video[src], video source[src]").Each(func(_ int, s *goquery.Selection) {
		add(s.AttrOr("src", ""), models.MediaVideo)
	})
	return media
}
