package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/TobiSchelling/feedrefresh/internal/database"
	"github.com/TobiSchelling/feedrefresh/internal/pipeline"
	"github.com/TobiSchelling/feedrefresh/internal/refresh"
)

const maxBodyBytes = 1 << 20

// Server is the HTTP trigger surface of the refresh engine.
type Server struct {
	db       *database.DB
	pipeline *pipeline.Pipeline
	logger   *slog.Logger
	mux      *http.ServeMux
}

// New creates a new Server.
func New(db *database.DB, p *pipeline.Pipeline, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{db: db, pipeline: p, logger: logger, mux: http.NewServeMux()}
	s.routes()
	return s
}

// Handler returns the HTTP handler for the server.
func (s *Server) Handler() http.Handler {
	return s.mux
}

func (s *Server) routes() {
	s.mux.HandleFunc("GET /healthz", s.handleHealth)
	s.mux.Handle("GET /metrics", promhttp.Handler())

	s.mux.HandleFunc("POST /api/users/{user}/refresh", s.handleRefresh)
	s.mux.HandleFunc("POST /api/users/{user}/feeds", s.handleAddFeed)
	s.mux.HandleFunc("GET /api/users/{user}/feeds", s.handleListFeeds)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type refreshRequest struct {
	FeedIDs []string `json:"feed_ids"`
}

func (s *Server) handleRefresh(w http.ResponseWriter, r *http.Request) {
	user := r.PathValue("user")

	force := false
	if v := r.URL.Query().Get("force"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid force parameter")
			return
		}
		force = b
	}

	// An empty body refreshes every due feed of the user.
	var req refreshRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	result, err := s.pipeline.RefreshForUser(r.Context(), user, req.FeedIDs, force)
	var limited *pipeline.RateLimitedError
	switch {
	case errors.As(err, &limited):
		w.Header().Set("Retry-After", strconv.Itoa(limited.RetryAfterMinutes*60))
		writeJSON(w, http.StatusTooManyRequests, map[string]any{
			"error":               "rate_limited",
			"retry_after_minutes": limited.RetryAfterMinutes,
		})
		return
	case err != nil:
		s.logger.Error("interactive refresh failed", "user", user, "error", err)
		writeError(w, http.StatusInternalServerError, "refresh failed")
		return
	}

	if result.Results == nil {
		result.Results = []refresh.Result{}
	}
	writeJSON(w, http.StatusOK, result)
}

type addFeedRequest struct {
	URL   string `json:"url"`
	Title string `json:"title"`
}

type addFeedResponse struct {
	Feed    feedView       `json:"feed"`
	Refresh refresh.Result `json:"refresh"`
}

func (s *Server) handleAddFeed(w http.ResponseWriter, r *http.Request) {
	user := r.PathValue("user")

	var req addFeedRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	feed, res, err := s.pipeline.AddFeed(r.Context(), user, req.URL, req.Title)
	switch {
	case errors.Is(err, pipeline.ErrInvalidURL):
		writeError(w, http.StatusBadRequest, err.Error())
		return
	case errors.Is(err, database.ErrFeedExists):
		writeError(w, http.StatusConflict, "feed already subscribed")
		return
	case err != nil:
		s.logger.Error("adding feed failed", "user", user, "error", err)
		writeError(w, http.StatusInternalServerError, "adding feed failed")
		return
	}

	writeJSON(w, http.StatusCreated, addFeedResponse{Feed: newFeedView(feed), Refresh: res})
}

func (s *Server) handleListFeeds(w http.ResponseWriter, r *http.Request) {
	feeds, err := s.db.ListFeeds(r.Context(), r.PathValue("user"))
	if err != nil {
		s.logger.Error("listing feeds failed", "error", err)
		writeError(w, http.StatusInternalServerError, "listing feeds failed")
		return
	}

	views := make([]feedView, 0, len(feeds))
	for i := range feeds {
		views = append(views, newFeedView(&feeds[i]))
	}
	writeJSON(w, http.StatusOK, map[string]any{"feeds": views})
}

// feedView is the scheduling view of a feed returned by the API.
type feedView struct {
	ID              string     `json:"id"`
	URL             string     `json:"url"`
	Title           string     `json:"title"`
	Status          string     `json:"status"`
	ErrorCount      int        `json:"error_count"`
	ErrorMessage    string     `json:"error_message,omitempty"`
	NextFetchAt     *time.Time `json:"next_fetch_at"`
	LastRefreshedAt *time.Time `json:"last_refreshed_at"`
	LastEntryAt     *time.Time `json:"last_entry_at"`
}

func newFeedView(f *database.Feed) feedView {
	v := feedView{
		ID:              f.ID,
		URL:             f.URL,
		Title:           f.Title,
		Status:          string(f.Status),
		ErrorCount:      f.ErrorCount,
		NextFetchAt:     f.NextFetchAt,
		LastRefreshedAt: f.LastRefreshedAt,
		LastEntryAt:     f.LastEntryAt,
	}
	if f.ErrorMessage != nil {
		v.ErrorMessage = *f.ErrorMessage
	}
	return v
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("encoding response", "error", err)
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// Serve listens on 127.0.0.1:port until ctx is done, then shuts down gracefully.
func Serve(ctx context.Context, s *Server, port int) error {
	addr := fmt.Sprintf("127.0.0.1:%d", port)
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("server listening", "addr", "http://"+addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutting down server: %w", err)
	}
	return nil
}
