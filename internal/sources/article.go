package sources

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"iter"
	"net/url"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"
	"github.com/araddon/dateparse"
	readability "github.com/go-shiori/go-readability"
	"github.com/mmcdole/gofeed"

	"github.com/johnrirwin/spinefeed/internal/models"
)

const summaryRunes = 200

// ArticleParser crawls article websites described by site profiles.
type ArticleParser struct {
	client *Client
	sites  map[string]SiteProfile
	feeds  *gofeed.Parser
}

func NewArticleParser(client *Client, sites []SiteProfile) *ArticleParser {
	p := &ArticleParser{
		client: client,
		sites:  make(map[string]SiteProfile, len(sites)),
		feeds:  gofeed.NewParser(),
	}
	for _, site := range sites {
		p.sites[site.Key] = site
	}
	return p
}

// profile returns the site profile for src, deriving one from its endpoint for unknown keys.
func (p *ArticleParser) profile(src models.SourceConfig) (SiteProfile, error) {
	if site, ok := p.sites[src.Key]; ok {
		if src.Endpoint != "" && src.Endpoint != site.ListingURL {
			site.ListingURL = src.Endpoint
		}
		return site, nil
	}
	u, err := url.Parse(src.Endpoint)
	if err != nil || u.Host == "" {
		return SiteProfile{}, permanent("source %s has no usable listing url", src.Key)
	}
	return SiteProfile{
		Key:             src.Key,
		Name:            src.DisplayName,
		BaseURL:         u.Scheme + "://" + u.Host,
		ListingURL:      src.Endpoint,
		MaxPages:        1,
		ExcludeContains: commonExcludes,
	}, nil
}

func (s SiteProfile) pageURL(page int) string {
	if page <= 1 {
		return s.ListingURL
	}
	return fmt.Sprintf("%s/page/%d/", strings.TrimRight(s.ListingURL, "/"), page)
}

func (s SiteProfile) pages() int {
	if !s.Paginate || s.MaxPages < 1 {
		return 1
	}
	return s.MaxPages
}

func (s SiteProfile) excluded(u *url.URL) bool {
	for _, frag := range s.ExcludeContains {
		if strings.Contains(u.Path, frag) {
			return true
		}
	}
	path := strings.TrimRight(u.Path, "/")
	for _, exact := range s.ExcludeExact {
		if path == strings.TrimRight(exact, "/") {
			return true
		}
	}
	return false
}

// Candidates walks the listing pages and yields article URLs in listing order.
func (p *ArticleParser) Candidates(ctx context.Context, src models.SourceConfig, max int) iter.Seq2[Candidate, error] {
	return func(yield func(Candidate, error) bool) {
		site, err := p.profile(src)
		if err != nil {
			yield(Candidate{}, err)
			return
		}

		seen := make(map[string]bool)
		count := 0
		emit := func(c Candidate) bool {
			if seen[c.Locator] {
				return true
			}
			seen[c.Locator] = true
			count++
			return yield(c, nil) && (max <= 0 || count < max)
		}

		for page := 1; page <= site.pages(); page++ {
			resp, err := p.client.Get(ctx, site.pageURL(page))
			if err != nil {
				if page > 1 && IsNotFound(err) {
					return
				}
				yield(Candidate{}, fmt.Errorf("listing page %d: %w", page, err))
				return
			}

			doc, err := goquery.NewDocumentFromReader(bytes.NewReader(resp.Body))
			if err != nil {
				yield(Candidate{}, permanent("listing page %d: %v", page, err))
				return
			}

			links := listingLinks(site, resp.URL, doc)
			if page == 1 && len(links) == 0 {
				p.feedCandidates(ctx, site, resp.URL, doc, emit, yield)
				return
			}

			fresh := 0
			for _, link := range links {
				if seen[link] {
					continue
				}
				fresh++
				if !emit(Candidate{Locator: link, URL: link}) {
					return
				}
			}
			if fresh == 0 {
				return
			}
		}
	}
}

// feedCandidates falls back to the site's RSS or Atom feed.
func (p *ArticleParser) feedCandidates(ctx context.Context, site SiteProfile, base *url.URL, doc *goquery.Document,
	emit func(Candidate) bool, yield func(Candidate, error) bool) {
	feedURL := site.FeedURL
	if feedURL == "" {
		href, ok := doc.Find(`link[rel="alternate"][type*="rss"], link[rel="alternate"][type*="atom"]`).First().Attr("href")
		if !ok {
			return
		}
		resolved, ok := resolveURL(base, href)
		if !ok {
			return
		}
		feedURL = resolved.String()
	}

	resp, err := p.client.Get(ctx, feedURL)
	if err != nil {
		yield(Candidate{}, fmt.Errorf("feed: %w", err))
		return
	}
	feed, err := p.feeds.Parse(bytes.NewReader(resp.Body))
	if err != nil {
		yield(Candidate{}, permanent("feed %s: %v", feedURL, err))
		return
	}

	for _, entry := range feed.Items {
		link, err := CanonicalURL(entry.Link)
		if err != nil {
			continue
		}
		if !emit(Candidate{Locator: link, URL: entry.Link, entry: entry}) {
			return
		}
	}
}

// listingLinks extracts same-site article links from a listing page, deduplicated, in page order.
func listingLinks(site SiteProfile, base *url.URL, doc *goquery.Document) []string {
	baseCanonical, _ := CanonicalURL(site.BaseURL)
	listingCanonical, _ := CanonicalURL(site.ListingURL)

	var links []string
	seen := make(map[string]bool)
	collect := func(href string) {
		u, ok := resolveURL(base, href)
		if !ok || (u.Scheme != "http" && u.Scheme != "https") || !sameSite(u.Host, base.Host) {
			return
		}
		if site.excluded(u) {
			return
		}
		link, err := CanonicalURL(u.String())
		if err != nil || link == baseCanonical || link == listingCanonical || seen[link] {
			return
		}
		if parsed, _ := url.Parse(link); parsed != nil && parsed.Path == "/" {
			return
		}
		seen[link] = true
		links = append(links, link)
	}

	containers := site.Containers
	if containers == "" {
		containers = defaultContainers
	}
	doc.Find(containers).Each(func(_ int, s *goquery.Selection) {
		a := s.Find("h1 a[href], h2 a[href], h3 a[href], h4 a[href]").First()
		if a.Length() == 0 {
			a = s.Find("a[href]").First()
		}
		if href, ok := a.Attr("href"); ok {
			collect(href)
		}
	})

	if len(links) == 0 {
		headings := site.Headings
		if headings == "" {
			headings = defaultHeadings
		}
		doc.Find(headings).Each(func(_ int, a *goquery.Selection) {
			if href, ok := a.Attr("href"); ok {
				collect(href)
			}
		})
	}
	return links
}

// Extract fetches one article page and normalizes it.
func (p *ArticleParser) Extract(ctx context.Context, src models.SourceConfig, c Candidate) (models.ContentItem, error) {
	site, err := p.profile(src)
	if err != nil {
		return models.ContentItem{}, skip(c, err)
	}

	resp, err := p.client.Get(ctx, c.URL)
	if err != nil {
		return models.ContentItem{}, skip(c, err)
	}

	item, err := parseArticle(site, resp.URL, resp.Body, c.entry)
	if err != nil {
		return models.ContentItem{}, skip(c, err)
	}
	item.ID = c.Locator
	item.Source = src.Key
	return item, nil
}

// parseArticle extracts an article from raw HTML. entry, when set, fills fields the page lacks.
func parseArticle(site SiteProfile, pageURL *url.URL, raw []byte, entry *gofeed.Item) (models.ContentItem, error) {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(raw))
	if err != nil {
		return models.ContentItem{}, permanent("parse html: %v", err)
	}

	// Dates may live in JSON-LD scripts, so read them before any scripts are stripped.
	published, ok := publishedTime(doc)
	if !ok && entry != nil {
		switch {
		case entry.PublishedParsed != nil:
			published, ok = *entry.PublishedParsed, true
		case entry.UpdatedParsed != nil:
			published, ok = *entry.UpdatedParsed, true
		}
	}
	if !ok {
		return models.ContentItem{}, permanent("no publication date")
	}

	title := articleTitle(doc)
	if title == "" && entry != nil {
		title = strings.TrimSpace(entry.Title)
	}
	if title == "" {
		return models.ContentItem{}, permanent("no title")
	}
	if site.Name != "" && !strings.Contains(strings.ToLower(title), strings.ToLower(site.Name)) {
		title = title + " - " + site.Name
	}

	body := articleBody(doc, raw, pageURL)
	if body == "" && entry != nil {
		body = htmlText(firstNonEmpty(entry.Content, entry.Description))
	}
	if body == "" {
		return models.ContentItem{}, permanent("no body text")
	}

	author := articleAuthor(doc)
	if author == "" && entry != nil && entry.Author != nil {
		author = entry.Author.Name
	}

	var tags []string
	doc.Find(`meta[property="article:tag"]`).Each(func(_ int, s *goquery.Selection) {
		if tag := strings.TrimSpace(s.AttrOr("content", "")); tag != "" {
			tags = append(tags, tag)
		}
	})

	var media []models.Media
	if img, ok := doc.Find(`meta[property="og:image"]`).Attr("content"); ok {
		if u, ok := resolveURL(pageURL, img); ok {
			media = append(media, models.Media{URL: u.String(), Kind: models.MediaImage})
		}
	}

	return models.ContentItem{
		Kind:        models.KindArticle,
		Title:       title,
		Summary:     truncate(body, summaryRunes),
		Text:        body,
		Author:      author,
		URL:         pageURL.String(),
		PublishedAt: published.UTC(),
		Media:       media,
		Tags:        tags,
		Metadata:    map[string]any{},
	}, nil
}

func articleTitle(doc *goquery.Document) string {
	for _, sel := range []string{"h1.entry-title", "h1"} {
		if t := strings.TrimSpace(doc.Find(sel).First().Text()); t != "" {
			return cleanText(t)
		}
	}
	if t, ok := doc.Find(`meta[property="og:title"]`).Attr("content"); ok && strings.TrimSpace(t) != "" {
		return strings.TrimSpace(t)
	}
	return cleanText(doc.Find("title").First().Text())
}

var dateMetaSelectors = []string{
	`meta[property="article:published_time"]`,
	`meta[itemprop="datePublished"]`,
	`meta[name="date"]`,
	`meta[name="pubdate"]`,
	`meta[name="publish-date"]`,
}

func publishedTime(doc *goquery.Document) (time.Time, bool) {
	for _, sel := range dateMetaSelectors {
		if v, ok := doc.Find(sel).First().Attr("content"); ok {
			if t, ok := parseDate(v); ok {
				return t, true
			}
		}
	}

	if t, ok := jsonLDDate(doc); ok {
		return t, true
	}

	var (
		found time.Time
		ok    bool
	)
	doc.Find("time").EachWithBreak(func(_ int, s *goquery.Selection) bool {
		v := s.AttrOr("datetime", "")
		if v == "" {
			v = s.Text()
		}
		found, ok = parseDate(v)
		return !ok
	})
	if ok {
		return found, true
	}

	for _, sel := range []string{".entry-date", ".post-date", ".published", ".date"} {
		if t, ok := parseDate(doc.Find(sel).First().Text()); ok {
			return t, true
		}
	}
	return time.Time{}, false
}

func parseDate(s string) (time.Time, bool) {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}, false
	}
	t, err := dateparse.ParseAny(s)
	if err != nil || t.IsZero() {
		return time.Time{}, false
	}
	return t, true
}

func jsonLDDate(doc *goquery.Document) (time.Time, bool) {
	var (
		found time.Time
		ok    bool
	)
	doc.Find(`script[type="application/ld+json"]`).EachWithBreak(func(_ int, s *goquery.Selection) bool {
		var data any
		if err := json.Unmarshal([]byte(s.Text()), &data); err != nil {
			return true
		}
		if v := findDatePublished(data); v != "" {
			found, ok = parseDate(v)
		}
		return !ok
	})
	return found, ok
}

func findDatePublished(v any) string {
	switch node := v.(type) {
	case map[string]any:
		if s, ok := node["datePublished"].(string); ok && s != "" {
			return s
		}
		for _, child := range node {
			if s := findDatePublished(child); s != "" {
				return s
			}
		}
	case []any:
		for _, child := range node {
			if s := findDatePublished(child); s != "" {
				return s
			}
		}
	}
	return ""
}

const junkSelectors = "script, style, nav, header, footer, aside, form, noscript, iframe"

func articleBody(doc *goquery.Document, raw []byte, pageURL *url.URL) string {
	if article := doc.Find("article").First(); article.Length() > 0 {
		if text := blockText(article.Clone()); text != "" {
			return text
		}
	}

	for _, sel := range []string{".entry-content", ".post-content", ".article-content", ".content"} {
		if s := doc.Find(sel).First(); s.Length() > 0 {
			if text := blockText(s.Clone()); text != "" {
				return text
			}
		}
	}

	if parsed, err := readability.FromReader(bytes.NewReader(raw), pageURL); err == nil {
		if text := cleanText(parsed.TextContent); text != "" {
			return text
		}
	}

	var paragraphs []string
	doc.Find("p").Each(func(_ int, s *goquery.Selection) {
		if t := strings.TrimSpace(s.Text()); t != "" {
			paragraphs = append(paragraphs, t)
		}
	})
	return cleanText(strings.Join(paragraphs, "\n\n"))
}

// blockText returns the text of s with one paragraph per block element.
func blockText(s *goquery.Selection) string {
	s.Find(junkSelectors).Remove()

	var blocks []string
	s.Find("p, h2, h3, h4, li, blockquote").Each(func(_ int, b *goquery.Selection) {
		if b.ParentsFiltered("p, li, blockquote").Length() > 0 {
			return
		}
		if t := strings.TrimSpace(b.Text()); t != "" {
			blocks = append(blocks, t)
		}
	})
	if len(blocks) == 0 {
		return cleanText(s.Text())
	}
	return cleanText(strings.Join(blocks, "\n\n"))
}

func articleAuthor(doc *goquery.Document) string {
	if v, ok := doc.Find(`meta[name="author"]`).Attr("content"); ok && strings.TrimSpace(v) != "" {
		return strings.TrimSpace(v)
	}
	for _, sel := range []string{`[rel="author"]`, ".author"} {
		if t := cleanText(doc.Find(sel).First().Text()); t != "" {
			return t
		}
	}
	return ""
}

// htmlText reduces an HTML fragment to plain text.
func htmlText(fragment string) string {
	if strings.TrimSpace(fragment) == "" {
		return ""
	}
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(fragment))
	if err != nil {
		return cleanText(fragment)
	}
	return blockText(doc.Selection)
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}
