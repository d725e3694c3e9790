package httpapi

import (
	"bytes"
	"embed"
	"html/template"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/johnrirwin/spinefeed/internal/logging"
	"github.com/johnrirwin/spinefeed/internal/models"
)

//go:embed templates/*.html
var templateFS embed.FS

var pageFuncs = template.FuncMap{
	"date": func(t time.Time) string { return t.UTC().Format("January 2, 2006") },
}

func parsePages() *template.Template {
	return template.Must(template.New("pages").Funcs(pageFuncs).ParseFS(templateFS, "templates/*.html"))
}

type indexPage struct {
	Sources []sourceOption
}

type sourceOption struct {
	Key   string
	Name  string
	Kind  models.Kind
	Items int
}

type articlePage struct {
	Item       models.ContentItem
	SourceName string
	Paragraphs []string
	Image      string
}

func (s *Server) render(w http.ResponseWriter, status int, name string, data interface{}) {
	var buf bytes.Buffer
	if err := s.pages.ExecuteTemplate(&buf, name, data); err != nil {
		s.logger.Error("Failed to render page", logging.WithFields(map[string]interface{}{
			"template": name,
			"error":    err,
		}))
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(status)
	w.Write(buf.Bytes())
}

func (s *Server) notFoundPage(w http.ResponseWriter) {
	s.render(w, http.StatusNotFound, "not_found.html", nil)
}

// handleIndex serves the feed page; filtering happens client side against /api/feed.
func (s *Server) handleIndex(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/" {
		s.notFoundPage(w)
		return
	}
	if r.Method != http.MethodGet && r.Method != http.MethodHead {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	page := indexPage{}
	srcs, err := s.agg.Sources(r.Context(), "")
	if err != nil {
		s.logger.Warn("Index rendered without source list", logging.WithField("error", err))
	}
	for _, src := range srcs {
		page.Sources = append(page.Sources, sourceOption{
			Key:   src.Key,
			Name:  src.DisplayName,
			Kind:  src.Kind,
			Items: src.Items,
		})
	}
	s.render(w, http.StatusOK, "index.html", page)
}

// handleArticle serves GET /article?id=
func (s *Server) handleArticle(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	id := strings.TrimSpace(r.URL.Query().Get("id"))
	if id == "" {
		s.notFoundPage(w)
		return
	}

	item, err := s.store.GetItem(r.Context(), models.KindArticle, id)
	if err != nil {
		if !isNotFound(err) {
			s.logger.Error("Failed to load article", logging.WithFields(map[string]interface{}{
				"id":    id,
				"error": err,
			}))
		}
		s.notFoundPage(w)
		return
	}

	page := articlePage{Item: *item, SourceName: item.Source}
	if src, err := s.store.GetSource(r.Context(), models.KindArticle, item.Source); err == nil {
		page.SourceName = src.DisplayName
	}
	for _, p := range strings.Split(item.Text, "\n\n") {
		if p = strings.TrimSpace(p); p != "" {
			page.Paragraphs = append(page.Paragraphs, p)
		}
	}
	for _, m := range item.Media {
		if m.Kind != models.MediaImage {
			continue
		}
		page.Image = m.URL
		if m.Ref != "" {
			page.Image = "/media/" + m.Ref
		}
		break
	}
	s.render(w, http.StatusOK, "article.html", page)
}

// handleMedia serves GET /media/{id} from the media store
func (s *Server) handleMedia(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet && r.Method != http.MethodHead {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	id := strings.TrimPrefix(r.URL.Path, "/media/")
	if id == "" || strings.Contains(id, "/") {
		http.NotFound(w, r)
		return
	}

	blob, err := s.store.LoadMedia(r.Context(), id)
	if err != nil {
		if isNotFound(err) {
			http.NotFound(w, r)
			return
		}
		s.logger.Error("Failed to load media", logging.WithFields(map[string]interface{}{
			"id":    id,
			"error": err,
		}))
		http.Error(w, "media temporarily unavailable", http.StatusServiceUnavailable)
		return
	}

	contentType := blob.ContentType
	if !models.AllowedMediaType(contentType) {
		contentType = "application/octet-stream"
		w.Header().Set("Content-Disposition", "attachment")
	}
	w.Header().Set("Content-Type", contentType)
	w.Header().Set("X-Content-Type-Options", "nosniff")
	w.Header().Set("Content-Security-Policy", "default-src 'none'; sandbox")
	w.Header().Set("Content-Length", strconv.Itoa(len(blob.Data)))
	w.Header().Set("Cache-Control", "public, max-age=31536000, immutable")
	w.Header().Set("ETag", `"`+blob.SHA256+`"`)
	if match := r.Header.Get("If-None-Match"); match != "" && match == `"`+blob.SHA256+`"` {
		w.WriteHeader(http.StatusNotModified)
		return
	}
	w.WriteHeader(http.StatusOK)
	if r.Method == http.MethodGet {
		w.Write(blob.Data)
	}
}
