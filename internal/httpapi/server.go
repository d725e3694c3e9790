package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"html/template"
	"net/http"
	"time"

	"github.com/johnrirwin/spinefeed/internal/aggregator"
	"github.com/johnrirwin/spinefeed/internal/auth"
	"github.com/johnrirwin/spinefeed/internal/database"
	"github.com/johnrirwin/spinefeed/internal/logging"
	"github.com/johnrirwin/spinefeed/internal/models"
)

// Scraper is the part of the scheduler the API drives.
type Scraper interface {
	Trigger(ctx context.Context, kind models.Kind, keys []string) (models.Task, error)
	TaskStatus(ctx context.Context, id string) (models.TaskStatus, error)
	Status() models.SchedulerStatus
}

type Server struct {
	agg            *aggregator.Aggregator
	store          database.Store
	scraper        Scraper
	authMiddleware *auth.Middleware
	logger         *logging.Logger
	pages          *template.Template
	server         *http.Server
}

func New(agg *aggregator.Aggregator, store database.Store, scraper Scraper, authMiddleware *auth.Middleware, logger *logging.Logger) *Server {
	return &Server{
		agg:            agg,
		store:          store,
		scraper:        scraper,
		authMiddleware: authMiddleware,
		logger:         logger,
		pages:          parsePages(),
	}
}

// Handler builds the route table.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	// Feed routes
	mux.HandleFunc("/api/feed", s.corsMiddleware(s.handleFeed))
	mux.HandleFunc("/api/stats", s.corsMiddleware(s.handleStats))
	mux.HandleFunc("/api/runs", s.corsMiddleware(s.handleRuns))
	mux.HandleFunc("/api/scraper/status", s.corsMiddleware(s.handleScraperStatus))

	// Source management and manual scrapes
	mux.HandleFunc("/api/sources", s.corsMiddleware(s.handleSources))
	mux.HandleFunc("/api/sources/", s.corsMiddleware(s.authMiddleware.RequireAdmin(s.handleSourceByKey)))
	mux.HandleFunc("/api/scrape", s.corsMiddleware(s.authMiddleware.RequireAdmin(s.handleScrape)))
	mux.HandleFunc("/api/tasks/", s.corsMiddleware(s.handleTask))

	// Pages and media
	mux.HandleFunc("/media/", s.handleMedia)
	mux.HandleFunc("/article", s.handleArticle)
	mux.HandleFunc("/", s.handleIndex)

	// Health check
	mux.HandleFunc("/health", s.handleHealth)

	return mux
}

func (s *Server) Start(addr string) error {
	s.server = &http.Server{
		Addr:         addr,
		Handler:      s.Handler(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
	}

	s.logger.Info("HTTP API server starting", logging.WithField("addr", addr))
	return s.server.ListenAndServe()
}

func (s *Server) Shutdown(ctx context.Context) error {
	if s.server != nil {
		return s.server.Shutdown(ctx)
	}
	return nil
}

func (s *Server) corsMiddleware(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}

		next(w, r)
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	if err := s.store.Ping(ctx); err != nil {
		s.logger.Warn("Health check failed", logging.WithField("error", err))
		s.writeJSON(w, http.StatusServiceUnavailable, map[string]string{
			"status": "degraded",
			"store":  "unavailable",
		})
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{
		"status": "healthy",
		"store":  "ok",
	})
}

// writeStoreError answers 503 for an unavailable store and 500 otherwise.
func (s *Server) writeStoreError(w http.ResponseWriter, err error) {
	if errors.Is(err, database.ErrUnavailable) {
		s.logger.Error("Store unavailable", logging.WithField("error", err))
		s.writeError(w, http.StatusServiceUnavailable, "store_unavailable", "storage is temporarily unavailable")
		return
	}
	s.logger.Error("Request failed", logging.WithField("error", err))
	s.writeError(w, http.StatusInternalServerError, "internal_error", "internal error")
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func (s *Server) writeError(w http.ResponseWriter, status int, code, message string) {
	s.writeJSON(w, status, map[string]string{
		"code":    code,
		"message": message,
	})
}

func (s *Server) methodNotAllowed(w http.ResponseWriter) {
	s.writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "method not allowed")
}
