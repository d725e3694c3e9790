package httpapi

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/johnrirwin/spinefeed/internal/database"
	"github.com/johnrirwin/spinefeed/internal/models"
)

const (
	defaultRunsLimit = 50
	maxRunsLimit     = 500
)

func (s *Server) handleFeed(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.methodNotAllowed(w)
		return
	}

	filter, err := models.ParseFeedFilter(r.URL.Query())
	if err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid_filter", err.Error())
		return
	}

	response, err := s.agg.Feed(r.Context(), filter)
	if err != nil {
		s.writeStoreError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, response)
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.methodNotAllowed(w)
		return
	}
	s.writeJSON(w, http.StatusOK, s.agg.Stats(r.Context()))
}

func (s *Server) handleListSources(w http.ResponseWriter, r *http.Request) {
	var kind models.Kind
	if v := r.URL.Query().Get("kind"); v != "" {
		k, ok := models.ParseKind(v)
		if !ok {
			s.writeError(w, http.StatusBadRequest, "invalid_kind", "kind must be article or tweet")
			return
		}
		kind = k
	}

	srcs, err := s.agg.Sources(r.Context(), kind)
	if err != nil {
		s.writeStoreError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"sources": srcs,
		"count":   len(srcs),
	})
}

func (s *Server) handleRuns(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.methodNotAllowed(w)
		return
	}

	query := r.URL.Query()
	filter := database.RunFilter{
		SourceKey: query.Get("source"),
		TaskID:    query.Get("task"),
		Status:    models.RunStatus(query.Get("status")),
		Limit:     defaultRunsLimit,
	}
	if v := query.Get("kind"); v != "" {
		k, ok := models.ParseKind(v)
		if !ok {
			s.writeError(w, http.StatusBadRequest, "invalid_kind", "kind must be article or tweet")
			return
		}
		filter.SourceKind = k
	}
	if l := query.Get("limit"); l != "" {
		parsed, err := strconv.Atoi(l)
		if err != nil || parsed <= 0 {
			s.writeError(w, http.StatusBadRequest, "invalid_limit", "limit must be a positive integer")
			return
		}
		filter.Limit = min(parsed, maxRunsLimit)
	}

	runs, err := s.store.ListRuns(r.Context(), filter)
	if err != nil {
		s.writeStoreError(w, err)
		return
	}
	if runs == nil {
		runs = []models.RunRecord{}
	}
	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"runs":  runs,
		"count": len(runs),
	})
}

func (s *Server) handleScraperStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.methodNotAllowed(w)
		return
	}
	s.writeJSON(w, http.StatusOK, s.scraper.Status())
}

func isNotFound(err error) bool {
	return errors.Is(err, database.ErrNotFound)
}
