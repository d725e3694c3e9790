package httpapi

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/samber/lo"

	"github.com/johnrirwin/spinefeed/internal/database"
	"github.com/johnrirwin/spinefeed/internal/logging"
	"github.com/johnrirwin/spinefeed/internal/models"
	"github.com/johnrirwin/spinefeed/internal/scheduler"
)

const maxBodyBytes = 64 << 10

// AddSourceRequest is the body of POST /api/sources. Endpoint is the listing URL of an article site.
type AddSourceRequest struct {
	Kind        models.Kind       `json:"kind"`
	Key         string            `json:"key"`
	DisplayName string            `json:"display_name"`
	Mode        models.SourceMode `json:"mode"`
	Endpoint    string            `json:"endpoint"`
}

// ScrapeRequest is the body of POST /api/scrape. An empty Sources list scrapes every enabled source of Kind.
type ScrapeRequest struct {
	Kind    models.Kind `json:"kind"`
	Sources []string    `json:"sources"`
}

// ScrapeResponse acknowledges a manual scrape.
type ScrapeResponse struct {
	TaskID    string      `json:"task_id"`
	Kind      models.Kind `json:"kind"`
	Runs      []string    `json:"runs"`
	StatusURL string      `json:"status_url"`
}

func decodeJSON(r *http.Request, v interface{}) error {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		return err
	}
	if len(body) == 0 {
		return errors.New("request body is empty")
	}
	return json.Unmarshal(body, v)
}

// handleSources handles GET and POST /api/sources
func (s *Server) handleSources(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		s.handleListSources(w, r)
	case http.MethodPost:
		s.authMiddleware.RequireAdmin(s.handleAddSource)(w, r)
	default:
		s.methodNotAllowed(w)
	}
}

func (s *Server) handleAddSource(w http.ResponseWriter, r *http.Request) {
	var req AddSourceRequest
	if err := decodeJSON(r, &req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid_request", "invalid request body")
		return
	}
	if req.Kind == "" {
		req.Kind = models.KindTweet
	}

	var (
		src models.SourceConfig
		err error
	)
	switch req.Kind {
	case models.KindTweet:
		src, err = models.NewTweetSource(req.Key, req.DisplayName, req.Mode)
	case models.KindArticle:
		src, err = models.NewSiteSource(req.Key, req.DisplayName, req.Endpoint)
	default:
		err = fmt.Errorf("%w: kind must be article or tweet", models.ErrInvalidSource)
	}
	if err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid_source", err.Error())
		return
	}
	src.CreatedAt = time.Now().UTC()

	if err := s.store.AddSource(r.Context(), src); err != nil {
		if errors.Is(err, database.ErrDuplicateKey) {
			s.writeError(w, http.StatusConflict, "already_tracked",
				fmt.Sprintf("%s source %q is already tracked", src.Kind, src.Key))
			return
		}
		s.writeStoreError(w, err)
		return
	}
	s.agg.Invalidate()

	s.logger.Info("Source added", logging.WithFields(map[string]interface{}{
		"kind": string(src.Kind),
		"key":  src.Key,
		"mode": string(src.Mode),
	}))
	s.writeJSON(w, http.StatusCreated, src)
}

// handleSourceByKey handles DELETE /api/sources/{kind}/{key}
func (s *Server) handleSourceByKey(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodDelete {
		s.methodNotAllowed(w)
		return
	}

	rest := strings.TrimPrefix(r.URL.EscapedPath(), "/api/sources/")
	rawKind, rawKey, ok := strings.Cut(rest, "/")
	kind, kindOK := models.ParseKind(rawKind)
	key, err := url.PathUnescape(rawKey)
	if !ok || !kindOK || err != nil || key == "" {
		s.writeError(w, http.StatusBadRequest, "invalid_request", "expected /api/sources/{kind}/{key}")
		return
	}
	key = models.SourceKey(kind, key)

	ctx := r.Context()
	src, err := s.store.GetSource(ctx, kind, key)
	if err == nil && src.BuiltIn && kind == models.KindArticle {
		s.writeError(w, http.StatusBadRequest, "built_in_source",
			fmt.Sprintf("%q is a built-in site and cannot be removed; disable it in the sources file", key))
		return
	}
	if err == nil {
		err = s.store.RemoveSource(ctx, kind, key)
	}
	if err != nil {
		if isNotFound(err) {
			s.writeError(w, http.StatusNotFound, "not_found", fmt.Sprintf("%s source %q not found", kind, key))
			return
		}
		s.writeStoreError(w, err)
		return
	}
	s.agg.Invalidate()

	s.logger.Info("Source removed", logging.WithFields(map[string]interface{}{
		"kind": string(kind),
		"key":  key,
	}))
	w.WriteHeader(http.StatusNoContent)
}

// handleScrape handles POST /api/scrape
func (s *Server) handleScrape(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		s.methodNotAllowed(w)
		return
	}

	var req ScrapeRequest
	if err := decodeJSON(r, &req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid_request", "invalid request body")
		return
	}
	kind, ok := models.ParseKind(string(req.Kind))
	if !ok {
		s.writeError(w, http.StatusBadRequest, "invalid_kind", "kind must be article or tweet")
		return
	}
	keys := lo.Uniq(lo.Compact(lo.Map(req.Sources, func(k string, _ int) string {
		return models.SourceKey(kind, k)
	})))

	task, err := s.scraper.Trigger(r.Context(), kind, keys)
	switch {
	case err == nil:
	case errors.Is(err, scheduler.ErrRateLimited):
		s.writeError(w, http.StatusTooManyRequests, "rate_limited", err.Error())
		return
	case errors.Is(err, scheduler.ErrUnknownSource):
		s.writeError(w, http.StatusNotFound, "unknown_source", err.Error())
		return
	case errors.Is(err, scheduler.ErrNoSources):
		s.writeError(w, http.StatusBadRequest, "no_sources", err.Error())
		return
	default:
		s.writeStoreError(w, err)
		return
	}

	s.writeJSON(w, http.StatusAccepted, ScrapeResponse{
		TaskID:    task.ID,
		Kind:      task.Kind,
		Runs:      task.RunIDs,
		StatusURL: "/api/tasks/" + task.ID,
	})
}

// handleTask handles GET /api/tasks/{id}
func (s *Server) handleTask(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.methodNotAllowed(w)
		return
	}

	id := strings.TrimPrefix(r.URL.Path, "/api/tasks/")
	if id == "" || strings.Contains(id, "/") {
		s.writeError(w, http.StatusNotFound, "not_found", "task not found")
		return
	}

	status, err := s.scraper.TaskStatus(r.Context(), id)
	if err != nil {
		if errors.Is(err, scheduler.ErrUnknownTask) {
			s.writeError(w, http.StatusNotFound, "not_found", "task not found")
			return
		}
		s.writeStoreError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, status)
}
