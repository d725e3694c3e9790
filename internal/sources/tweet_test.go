package sources

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/johnrirwin/spinefeed/internal/models"
	"github.com/johnrirwin/spinefeed/internal/testutil"
)

const timelineFeed = `<?xml version="1.0" encoding="UTF-8"?>
<rss version="2.0" xmlns:dc="http://purl.org/dc/elements/1.1/">
<channel>
<title>drspine / Twitter</title>
<link>https://bridge.example/drspine</link>
<item>
  <title>New data on cervical disc replacement</title>
  <dc:creator>@DrSpine</dc:creator>
  <description><![CDATA[<p>New data on cervical disc replacement</p><img src="/pic/media_abc.jpg" />]]></description>
  <pubDate>Mon, 04 Mar 2024 12:00:00 GMT</pubDate>
  <link>https://bridge.example/DrSpine/status/1001#m</link>
</item>
<item>
  <title>RT by @drspine: Robotic navigation is here</title>
  <dc:creator>@OrthoNews</dc:creator>
  <description><![CDATA[<p>Robotic navigation is here</p>]]></description>
  <pubDate>Mon, 04 Mar 2024 11:00:00 GMT</pubDate>
  <link>https://bridge.example/OrthoNews/status/1000#m</link>
</item>
<item>
  <title>R to @someone: Agreed</title>
  <dc:creator>@DrSpine</dc:creator>
  <description><![CDATA[<p>Agreed</p>]]></description>
  <pubDate>Mon, 04 Mar 2024 10:00:00 GMT</pubDate>
  <link>https://bridge.example/DrSpine/status/999#m</link>
</item>
<item>
  <title>Pinned profile link</title>
  <link>https://bridge.example/DrSpine</link>
  <pubDate>Mon, 04 Mar 2024 09:00:00 GMT</pubDate>
</item>
<item>
  <title>No date</title>
  <dc:creator>@DrSpine</dc:creator>
  <description><![CDATA[<p>No date</p>]]></description>
  <link>https://bridge.example/DrSpine/status/998#m</link>
</item>
</channel>
</rss>`

func TestTweetParserFeedURL(t *testing.T) {
	p, err := NewTweetParser(newTestClient(), "https://bridge.example/")
	require.NoError(t, err)

	user, _ := models.NewTweetSource("@DrSpine", "", models.ModeUser)
	got, err := p.FeedURL(user)
	require.NoError(t, err)
	assert.Equal(t, "https://bridge.example/drspine/rss", got)

	keyword, _ := models.NewTweetSource("spinal fusion", "", models.ModeKeyword)
	got, err = p.FeedURL(keyword)
	require.NoError(t, err)
	assert.Equal(t, "https://bridge.example/search/rss?f=tweets&q=spinal+fusion", got)

	_, err = NewTweetParser(newTestClient(), "not a url")
	assert.Error(t, err)
}

func TestTweetParserTimeline(t *testing.T) {
	srv := testutil.NewFixtureServer(t, map[string]testutil.Fixture{
		"/drspine/rss": {Body: timelineFeed},
	})
	p, err := NewTweetParser(newTestClient(), srv.URL)
	require.NoError(t, err)
	src, err := models.NewTweetSource("drspine", "", models.ModeUser)
	require.NoError(t, err)

	var (
		items   []models.ContentItem
		skipped int
	)
	for c, err := range p.Candidates(context.Background(), src, 0) {
		require.NoError(t, err)
		item, err := p.Extract(context.Background(), src, c)
		if err != nil {
			assert.ErrorIs(t, err, ErrPermanent)
			skipped++
			continue
		}
		items = append(items, item)
	}
	require.Len(t, items, 3)
	assert.Equal(t, 1, skipped)

	first := items[0]
	assert.Equal(t, "1001", first.ID)
	assert.Equal(t, models.KindTweet, first.Kind)
	assert.Equal(t, "drspine", first.Source)
	assert.Equal(t, "drspine", first.Author)
	assert.Equal(t, "https://twitter.com/drspine/status/1001", first.URL)
	assert.Equal(t, "New data on cervical disc replacement", first.Text)
	assert.Equal(t, time.Date(2024, 3, 4, 12, 0, 0, 0, time.UTC), first.PublishedAt)
	require.Len(t, first.Media, 1)
	assert.Equal(t, srv.URL+"/pic/media_abc.jpg", first.Media[0].URL)
	assert.Equal(t, models.MediaImage, first.Media[0].Kind)
	assert.Equal(t, models.TweetTypeTweet, first.Metadata[models.MetaTweetType])
	assert.Equal(t, true, first.Metadata[models.MetaHasMedia])

	rt := items[1]
	assert.Equal(t, "1000", rt.ID)
	assert.Equal(t, models.TweetTypeRetweet, rt.Metadata[models.MetaTweetType])
	assert.Equal(t, map[string]any{
		"is_retweet":      true,
		"original_author": "orthonews",
		"retweet_author":  "drspine",
	}, rt.Metadata[models.MetaRetweetInfo])
	assert.Equal(t, "Robotic navigation is here", rt.Text)

	reply := items[2]
	assert.Equal(t, models.TweetTypeReply, reply.Metadata[models.MetaTweetType])
	assert.Equal(t, false, reply.Metadata[models.MetaHasMedia])
}

func TestTweetParserUnreachableBridge(t *testing.T) {
	srv := testutil.NewFixtureServer(t, nil)
	p, err := NewTweetParser(newTestClient(), srv.URL)
	require.NoError(t, err)
	src, _ := models.NewTweetSource("nobody", "", models.ModeUser)

	count := 0
	var lastErr error
	for _, err := range p.Candidates(context.Background(), src, 0) {
		count++
		lastErr = err
	}
	assert.Equal(t, 1, count)
	assert.Error(t, lastErr)
}

func TestTweetExtractWithoutEntry(t *testing.T) {
	p, err := NewTweetParser(newTestClient(), "https://bridge.example")
	require.NoError(t, err)
	_, err = p.Extract(context.Background(), models.SourceConfig{Kind: models.KindTweet}, Candidate{Locator: "1"})
	assert.ErrorIs(t, err, ErrPermanent)
}
