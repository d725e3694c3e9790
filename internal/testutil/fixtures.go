package testutil

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
)

// Fixture is a canned response.
type Fixture struct {
	Status      int
	ContentType string
	Body        string
}

// FixtureServer serves canned pages by path and counts hits.
type FixtureServer struct {
	*httptest.Server

	mu       sync.Mutex
	fixtures map[string]Fixture
	hits     map[string]int
}

// NewFixtureServer starts a server answering the given paths; anything else is a 404.
// Keys may include a query string to match a full request URI.
func NewFixtureServer(t *testing.T, fixtures map[string]Fixture) *FixtureServer {
	t.Helper()

	if fixtures == nil {
		fixtures = make(map[string]Fixture)
	}
	fs := &FixtureServer{fixtures: fixtures, hits: make(map[string]int)}
	fs.Server = httptest.NewServer(http.HandlerFunc(fs.serve))
	t.Cleanup(fs.Close)
	return fs
}

func (fs *FixtureServer) serve(w http.ResponseWriter, r *http.Request) {
	fs.mu.Lock()
	fx, ok := fs.fixtures[r.URL.RequestURI()]
	if !ok {
		fx, ok = fs.fixtures[r.URL.Path]
	}
	fs.hits[r.URL.Path]++
	fs.mu.Unlock()

	if !ok {
		http.NotFound(w, r)
		return
	}
	contentType := fx.ContentType
	if contentType == "" {
		contentType = "text/html; charset=utf-8"
		if strings.HasPrefix(strings.TrimSpace(fx.Body), "<?xml") {
			contentType = "application/rss+xml"
		}
	}
	w.Header().Set("Content-Type", contentType)
	status := fx.Status
	if status == 0 {
		status = http.StatusOK
	}
	w.WriteHeader(status)
	_, _ = w.Write([]byte(fx.Body))
}

// Set replaces the fixture for path.
func (fs *FixtureServer) Set(path string, fx Fixture) {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	fs.fixtures[path] = fx
}

// Hits returns how many requests reached path.
func (fs *FixtureServer) Hits(path string) int {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	return fs.hits[path]
}

// HTML wraps body in a minimal page.
func HTML(head, body string) Fixture {
	return Fixture{Body: "<!DOCTYPE html><html><head>" + head + "</head><body>" + body + "</body></html>"}
}
