package sources

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/johnrirwin/spinefeed/internal/models"
)

// SiteProfile describes how to crawl one article website.
type SiteProfile struct {
	Key        string `json:"key" yaml:"key"`
	Name       string `json:"name" yaml:"name"`
	BaseURL    string `json:"base_url" yaml:"base_url"`
	ListingURL string `json:"listing_url" yaml:"listing_url"`
	FeedURL    string `json:"feed_url,omitempty" yaml:"feed_url,omitempty"`
	// Paginate follows "page/N/" listing pages up to MaxPages.
	Paginate bool `json:"paginate" yaml:"paginate"`
	MaxPages int  `json:"max_pages" yaml:"max_pages"`
	// Containers hold one article teaser each; Headings is the fallback link selector.
	Containers string `json:"containers,omitempty" yaml:"containers,omitempty"`
	Headings   string `json:"headings,omitempty" yaml:"headings,omitempty"`
	// ExcludeContains drops links whose path contains any entry; ExcludeExact drops landing pages.
	ExcludeContains []string `json:"exclude_contains" yaml:"exclude_contains"`
	ExcludeExact    []string `json:"exclude_exact,omitempty" yaml:"exclude_exact,omitempty"`
	Enabled         *bool    `json:"enabled,omitempty" yaml:"enabled,omitempty"`
}

func (p SiteProfile) enabled() bool {
	return p.Enabled == nil || *p.Enabled
}

// Source converts the profile to its tracked-source form.
func (p SiteProfile) Source(now time.Time) models.SourceConfig {
	return models.SourceConfig{
		Key:         p.Key,
		DisplayName: p.Name,
		Kind:        models.KindArticle,
		Mode:        models.ModeSite,
		Endpoint:    p.ListingURL,
		Enabled:     p.enabled(),
		BuiltIn:     true,
		CreatedAt:   now,
	}
}

const (
	defaultContainers = `article, div[class*="post"], div[class*="article"], div[class*="entry"]`
	defaultHeadings   = "h2 a[href], h3 a[href]"
)

var commonExcludes = []string{"/category/", "/tag/", "/author/", "/about", "/contact", "/privacy", "/terms", "/page/"}

// DefaultSites are the built-in article sources.
func DefaultSites() []SiteProfile {
	return []SiteProfile{
		{
			Key:             "spine_market_group",
			Name:            "Spine Market Group",
			BaseURL:         "https://thespinemarketgroup.com",
			ListingURL:      "https://thespinemarketgroup.com/category/articles/",
			Paginate:        true,
			MaxPages:        10,
			ExcludeContains: []string{"/category/", "/tag/", "/page/", "/author/", "/about", "/contact", "/product", "/companies"},
		},
		{
			Key:             "ortho_spine_news",
			Name:            "Ortho Spine News",
			BaseURL:         "https://orthospinenews.com",
			ListingURL:      "https://orthospinenews.com/",
			Paginate:        true,
			MaxPages:        10,
			ExcludeContains: commonExcludes,
		},
		{
			Key:             "beckers_spine",
			Name:            "Becker's Spine Review",
			BaseURL:         "https://www.beckersspine.com",
			ListingURL:      "https://www.beckersspine.com/",
			Paginate:        true,
			MaxPages:        10,
			Headings:        "h2 a[href], h3 a[href], h4 a[href]",
			ExcludeContains: append(append([]string{}, commonExcludes...), "/advertise"),
			ExcludeExact:    []string{"/spine", "/spinal-tech", "/spine-leaders"},
		},
	}
}

// TwitterSeed lists tweet sources tracked from first start.
type TwitterSeed struct {
	Users    []string `json:"users" yaml:"users"`
	Keywords []string `json:"keywords" yaml:"keywords"`
}

// SourcesConfig is the optional sources file.
type SourcesConfig struct {
	Sites   []SiteProfile `json:"sites" yaml:"sites"`
	Twitter TwitterSeed   `json:"twitter" yaml:"twitter"`
}

// DefaultSourcesConfig returns the built-in configuration used when no file is found.
func DefaultSourcesConfig() *SourcesConfig {
	return &SourcesConfig{Sites: DefaultSites()}
}

// LoadSourcesConfig reads a JSON or YAML sources file, chosen by extension.
func LoadSourcesConfig(path string) (*SourcesConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read sources config: %w", err)
	}

	var config SourcesConfig
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		err = yaml.Unmarshal(data, &config)
	default:
		err = json.Unmarshal(data, &config)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to parse sources config: %w", err)
	}

	if len(config.Sites) == 0 {
		config.Sites = DefaultSites()
	}
	for i, site := range config.Sites {
		if site.Key == "" || site.ListingURL == "" {
			return nil, fmt.Errorf("site %d: key and listing_url are required", i)
		}
		if site.BaseURL == "" {
			config.Sites[i].BaseURL = strings.TrimRight(site.ListingURL, "/")
		}
		if site.Name == "" {
			config.Sites[i].Name = site.Key
		}
	}
	return &config, nil
}

// FindSourcesConfig searches common locations for a sources file.
func FindSourcesConfig(explicit string) string {
	locations := []string{
		"sources.yaml",
		"sources.yml",
		"sources.json",
		"config/sources.yaml",
		"config/sources.json",
		"/app/sources.yaml",
	}
	if explicit != "" {
		locations = []string{explicit}
	}

	for _, loc := range locations {
		if _, err := os.Stat(loc); err == nil {
			absPath, _ := filepath.Abs(loc)
			return absPath
		}
	}
	return ""
}

// TweetSources converts the seed lists into tracked sources, skipping invalid entries.
func (c *SourcesConfig) TweetSources(now time.Time) ([]models.SourceConfig, []error) {
	var (
		out  []models.SourceConfig
		errs []error
	)
	add := func(key string, mode models.SourceMode) {
		src, err := models.NewTweetSource(key, "", mode)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s %q: %w", mode, key, err))
			return
		}
		src.CreatedAt = now
		out = append(out, src)
	}
	for _, u := range c.Twitter.Users {
		add(u, models.ModeUser)
	}
	for _, k := range c.Twitter.Keywords {
		add(k, models.ModeKeyword)
	}
	return out, errs
}
