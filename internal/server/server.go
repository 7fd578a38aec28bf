// Package server provides the daemon's admin HTTP API.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/bryan-buckman/feedreader/internal/database"
	"github.com/bryan-buckman/feedreader/internal/metrics"
	"github.com/bryan-buckman/feedreader/internal/model"
	"github.com/bryan-buckman/feedreader/internal/opml"
)

// Store is the part of the storage engine the API reads and writes.
type Store interface {
	AddFeed(ctx context.Context, url string) (int64, error)
	DeleteFeeds(ctx context.Context, feedIDs []int64) error
	GetFeeds(ctx context.Context, activeFeedID *int64) ([]model.Feed, int64, error)
	GetFeedItems(ctx context.Context, feedID int64) ([]model.ItemSummary, error)
	GetFeedItemsByItemID(ctx context.Context, feedID int64, itemID string) ([]model.Item, error)
	SetSeen(ctx context.Context, feedID *int64) error
	GetFeedUpdateRevision(ctx context.Context) (int64, error)
}

// Trigger requests an out-of-schedule refresh cycle.
type Trigger interface {
	Trigger()
}

// Server is the admin HTTP server.
type Server struct {
	store   Store
	trigger Trigger
	logger  *zap.Logger
	router  chi.Router
}

// New creates a server. trigger may be nil, in which case refresh requests
// are rejected.
func New(store Store, trigger Trigger, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Server{
		store:   store,
		trigger: trigger,
		logger:  logger,
	}
	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(s.logRequests)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", s.handleHealthz)
	r.Handle("/metrics", metrics.Handler())

	r.Route("/api", func(r chi.Router) {
		r.Post("/refresh", s.handleRefresh)
		r.Get("/revision", s.handleRevision)
		r.Post("/seen", s.handleSeen)
		r.Post("/import-opml", s.handleImportOPML)
		r.Get("/export-opml", s.handleExportOPML)
		r.Route("/feeds", func(r chi.Router) {
			r.Get("/", s.handleListFeeds)
			r.Post("/", s.handleAddFeed)
			r.Route("/{feedID}", func(r chi.Router) {
				r.Delete("/", s.handleDeleteFeed)
				r.Get("/items", s.handleFeedItems)
				r.Get("/items/{itemID}/history", s.handleItemHistory)
			})
		})
	})

	s.router = r
}

// Handler returns the router for use with http.Server.
func (s *Server) Handler() http.Handler {
	return s.router
}

// ListenAndServe serves on addr until ctx is cancelled.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	errc := make(chan error, 1)
	go func() {
		s.logger.Info("admin server listening", zap.String("addr", addr))
		errc <- srv.ListenAndServe()
	}()
	select {
	case err := <-errc:
		return fmt.Errorf("admin server: %w", err)
	case <-ctx.Done():
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("admin server shutdown: %w", err)
	}
	if err := <-errc; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("admin server: %w", err)
	}
	return nil
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		s.logger.Debug("http request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.Status()),
			zap.Duration("duration", time.Since(start)),
			zap.String("request_id", middleware.GetReqID(r.Context())))
	})
}

// --- Handlers ---

func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleRefresh(w http.ResponseWriter, _ *http.Request) {
	if s.trigger == nil {
		writeError(w, http.StatusServiceUnavailable, "refresh not available")
		return
	}
	s.trigger.Trigger()
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "triggered"})
}

func (s *Server) handleRevision(w http.ResponseWriter, r *http.Request) {
	rev, err := s.store.GetFeedUpdateRevision(r.Context())
	if err != nil {
		s.internalError(w, "get revision", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int64{"revision": rev})
}

func (s *Server) handleListFeeds(w http.ResponseWriter, r *http.Request) {
	var active *int64
	if v := r.URL.Query().Get("active"); v != "" {
		id, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid active feed id")
			return
		}
		active = &id
	}
	feeds, rev, err := s.store.GetFeeds(r.Context(), active)
	if err != nil {
		s.internalError(w, "get feeds", err)
		return
	}
	if feeds == nil {
		feeds = []model.Feed{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"feeds": feeds, "revision": rev})
}

func (s *Server) handleAddFeed(w http.ResponseWriter, r *http.Request) {
	var req struct {
		URL string `json:"url"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.URL == "" {
		writeError(w, http.StatusBadRequest, "missing url")
		return
	}
	id, err := s.store.AddFeed(r.Context(), req.URL)
	if err != nil {
		s.internalError(w, "add feed", err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]int64{"id": id})
}

func (s *Server) handleDeleteFeed(w http.ResponseWriter, r *http.Request) {
	id, ok := feedIDParam(w, r)
	if !ok {
		return
	}
	if err := s.store.DeleteFeeds(r.Context(), []int64{id}); err != nil {
		s.internalError(w, "delete feed", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleFeedItems(w http.ResponseWriter, r *http.Request) {
	id, ok := feedIDParam(w, r)
	if !ok {
		return
	}
	items, err := s.store.GetFeedItems(r.Context(), id)
	if err != nil {
		s.internalError(w, "get feed items", err)
		return
	}
	if items == nil {
		items = []model.ItemSummary{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items})
}

func (s *Server) handleItemHistory(w http.ResponseWriter, r *http.Request) {
	id, ok := feedIDParam(w, r)
	if !ok {
		return
	}
	items, err := s.store.GetFeedItemsByItemID(r.Context(), id, chi.URLParam(r, "itemID"))
	if err != nil {
		s.internalError(w, "get item history", err)
		return
	}
	if len(items) == 0 {
		writeError(w, http.StatusNotFound, "item not found")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items})
}

func (s *Server) handleSeen(w http.ResponseWriter, r *http.Request) {
	var req struct {
		FeedID *int64 `json:"feed_id"`
	}
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid request")
			return
		}
	}
	if err := s.store.SetSeen(r.Context(), req.FeedID); err != nil {
		s.internalError(w, "set seen", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleImportOPML(w http.ResponseWriter, r *http.Request) {
	file, _, err := r.FormFile("opml")
	if err != nil {
		writeError(w, http.StatusBadRequest, "no file provided")
		return
	}
	defer file.Close()

	subs, err := opml.Parse(file)
	if err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("failed to parse OPML: %v", err))
		return
	}
	feeds, _, err := s.store.GetFeeds(r.Context(), nil)
	if err != nil {
		s.internalError(w, "get feeds", err)
		return
	}
	fresh := opml.NewURLs(subs, feeds)
	for _, sub := range fresh {
		if _, err := s.store.AddFeed(r.Context(), sub.URL); err != nil {
			s.internalError(w, "add feed", err)
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status":   "ok",
		"imported": len(fresh),
		"total":    len(subs),
	})
}

func (s *Server) handleExportOPML(w http.ResponseWriter, r *http.Request) {
	feeds, _, err := s.store.GetFeeds(r.Context(), nil)
	if err != nil {
		s.internalError(w, "get feeds", err)
		return
	}
	data, err := opml.Export("feedreader subscriptions", feeds, time.Now())
	if err != nil {
		s.internalError(w, "export opml", err)
		return
	}
	w.Header().Set("Content-Type", "application/xml")
	w.Header().Set("Content-Disposition", "attachment; filename=feedreader-feeds.opml")
	_, _ = w.Write(data)
}

// --- Helpers ---

func feedIDParam(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, "feedID"), 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid feed id")
		return 0, false
	}
	return id, true
}

// internalError logs err and answers with a generic failure.
func (s *Server) internalError(w http.ResponseWriter, op string, err error) {
	s.logger.Error("request failed", zap.String("op", op), zap.Error(err))
	if errors.Is(err, database.ErrFeedNotFound) {
		writeError(w, http.StatusNotFound, "feed not found")
		return
	}
	writeError(w, http.StatusInternalServerError, op+" failed")
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
