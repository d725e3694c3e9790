package models

import (
	"errors"
	"fmt"
	"net/url"
	"regexp"
	"strings"
	"time"
)

// SourceMode selects the parser variant for a source.
type SourceMode string

const (
	ModeSite    SourceMode = "site"
	ModeUser    SourceMode = "user"
	ModeKeyword SourceMode = "keyword"
)

// SourceConfig is a tracked source. Endpoint is a listing URL for sites, and a username or
// keyword for tweet sources.
type SourceConfig struct {
	Key         string     `json:"key"`
	DisplayName string     `json:"display_name"`
	Kind        Kind       `json:"kind"`
	Mode        SourceMode `json:"mode"`
	Endpoint    string     `json:"endpoint"`
	Enabled     bool       `json:"enabled"`
	BuiltIn     bool       `json:"built_in"`
	CreatedAt   time.Time  `json:"created_at"`
}

var (
	ErrInvalidSource = errors.New("invalid source")

	usernamePattern = regexp.MustCompile(`^[A-Za-z0-9_]{1,15}$`)
	siteKeyPattern  = regexp.MustCompile(`^[a-z0-9_]{1,40}$`)
)

// SourceKey is the stored key for a source named raw: trimmed, inner spaces collapsed and
// lowercased, and for tweets without a leading "@". Every lookup by key goes through it.
func SourceKey(kind Kind, raw string) string {
	key := strings.ToLower(strings.Join(strings.Fields(raw), " "))
	if kind == KindTweet {
		key = strings.TrimPrefix(key, "@")
	}
	return key
}

// NewTweetSource builds a tracked tweet source from user input. Usernames lose a leading "@";
// keywords keep their case in the display name and the search endpoint.
func NewTweetSource(key, displayName string, mode SourceMode) (SourceConfig, error) {
	text := strings.Join(strings.Fields(key), " ")
	if mode == "" {
		mode = ModeUser
	}

	switch mode {
	case ModeUser:
		text = strings.TrimPrefix(text, "@")
		if !usernamePattern.MatchString(text) {
			return SourceConfig{}, fmt.Errorf("%w: username must be 1-15 letters, digits or underscores", ErrInvalidSource)
		}
		text = strings.ToLower(text)
		if displayName == "" {
			displayName = "@" + text
		}
	case ModeKeyword:
		if text == "" || len(text) > 100 {
			return SourceConfig{}, fmt.Errorf("%w: keyword must be 1-100 characters", ErrInvalidSource)
		}
		if strings.HasPrefix(text, "@") {
			return SourceConfig{}, fmt.Errorf("%w: track %q as a user, not a keyword", ErrInvalidSource, text)
		}
		if displayName == "" {
			displayName = text
		}
	default:
		return SourceConfig{}, fmt.Errorf("%w: mode must be user or keyword", ErrInvalidSource)
	}

	return SourceConfig{
		Key:         SourceKey(KindTweet, text),
		DisplayName: displayName,
		Kind:        KindTweet,
		Mode:        mode,
		Endpoint:    text,
		Enabled:     true,
	}, nil
}

// NewSiteSource builds a tracked article site from user input. The listing URL must be absolute.
func NewSiteSource(key, displayName, listingURL string) (SourceConfig, error) {
	key = SourceKey(KindArticle, key)
	if !siteKeyPattern.MatchString(key) {
		return SourceConfig{}, fmt.Errorf("%w: site key must be 1-40 lowercase letters, digits or underscores", ErrInvalidSource)
	}
	u, err := url.Parse(strings.TrimSpace(listingURL))
	if err != nil || u.Host == "" || (u.Scheme != "http" && u.Scheme != "https") {
		return SourceConfig{}, fmt.Errorf("%w: listing url must be an absolute http(s) url", ErrInvalidSource)
	}
	if displayName == "" {
		displayName = key
	}

	return SourceConfig{
		Key:         key,
		DisplayName: displayName,
		Kind:        KindArticle,
		Mode:        ModeSite,
		Endpoint:    u.String(),
		Enabled:     true,
	}, nil
}
