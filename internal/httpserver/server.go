package httpserver

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/blackmichael/plebbit-feeds/internal/authors"
	"github.com/blackmichael/plebbit-feeds/internal/config"
	"github.com/blackmichael/plebbit-feeds/internal/domain"
	"github.com/blackmichael/plebbit-feeds/internal/engine"
	"github.com/blackmichael/plebbit-feeds/internal/feeds"
	"github.com/goccy/go-json"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Server is the HTTP server that exposes feeds, reply feeds and author
// histories.
type Server struct {
	cfg        *config.Config
	engine     *engine.Engine
	logger     *slog.Logger
	handler    http.Handler
	httpServer *http.Server
}

// NewServer creates a new HTTP server over the given engine.
func NewServer(cfg *config.Config, eng *engine.Engine, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		cfg:    cfg,
		engine: eng,
		logger: logger,
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.Handle("GET /metrics", promhttp.Handler())

	mux.HandleFunc("POST /feeds", s.handleAddFeed(eng.Feeds, false))
	mux.HandleFunc("GET /feeds", s.handleGetFeed(eng.Feeds))
	mux.HandleFunc("POST /feeds/next", s.handleNextPage(eng.Feeds))

	mux.HandleFunc("POST /replies", s.handleAddFeed(eng.Replies, true))
	mux.HandleFunc("GET /replies", s.handleGetFeed(eng.Replies))
	mux.HandleFunc("POST /replies/next", s.handleNextPage(eng.Replies))

	mux.HandleFunc("POST /authors", s.handleAddAuthor)
	mux.HandleFunc("GET /authors", s.handleGetAuthor)
	mux.HandleFunc("POST /authors/next", s.handleNextAuthorPage)

	s.handler = withLogging(logger, mux)
	s.httpServer = &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      s.handler,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	return s
}

// Handler returns the routes of the server.
func (s *Server) Handler() http.Handler {
	return s.handler
}

// Start begins listening for HTTP requests. It blocks until the server is
// shut down or an error occurs.
func (s *Server) Start() error {
	s.logger.Info("starting HTTP server", "addr", s.httpServer.Addr)
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully shuts down the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type addFeedRequest struct {
	Name         string   `json:"name"`
	Account      string   `json:"account"`
	Sources      []string `json:"sources"`
	SortType     string   `json:"sortType"`
	BufferedOnly bool     `json:"bufferedOnly"`

	// Flat defaults to false for post feeds and true for reply feeds.
	Flat *bool `json:"flat"`
}

type feedResponse struct {
	Name          string            `json:"name"`
	PageNumber    int               `json:"pageNumber"`
	HasMore       bool              `json:"hasMore"`
	BufferedCount int               `json:"bufferedCount"`
	Comments      []*domain.Comment `json:"comments"`
}

// aggregatorFunc resolves the current aggregator on every request, since
// the engine replaces them on reset.
type aggregatorFunc func() *feeds.Aggregator

func (s *Server) handleAddFeed(aggregator aggregatorFunc, flatByDefault bool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req addFeedRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "InvalidRequest", "invalid JSON body")
			return
		}

		flat := flatByDefault
		if req.Flat != nil {
			flat = *req.Flat
		}

		name, err := aggregator().AddFeed(domain.FeedOptions{
			Name:         req.Name,
			Account:      domain.Account{ID: req.Account},
			SourceIDs:    req.Sources,
			SortType:     req.SortType,
			Flat:         flat,
			BufferedOnly: req.BufferedOnly,
		})
		if err != nil {
			s.logger.Warn("failed to add feed", "sources", req.Sources, "sort", req.SortType, "error", err)
			writeFeedError(w, err)
			return
		}

		s.logger.Info("feed added", "feed", name, "sources", req.Sources, "sort", req.SortType)
		writeJSON(w, http.StatusOK, map[string]string{"name": name})
	}
}

func (s *Server) handleGetFeed(aggregator aggregatorFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		name := r.URL.Query().Get("name")
		if name == "" {
			writeError(w, http.StatusBadRequest, "InvalidRequest", "name parameter is required")
			return
		}

		agg := aggregator()
		feed, ok := agg.Feed(name)
		if !ok {
			// registered but not computed yet
			opts, registered := agg.Options(name)
			if !registered {
				writeError(w, http.StatusNotFound, "NotFound", "feed not found")
				return
			}
			feed = feeds.Feed{Options: opts, HasMore: true}
		}

		comments := feed.Loaded
		if comments == nil {
			comments = []*domain.Comment{}
		}
		writeJSON(w, http.StatusOK, feedResponse{
			Name:          name,
			PageNumber:    feed.Options.PageNumber,
			HasMore:       feed.HasMore,
			BufferedCount: len(feed.Buffered),
			Comments:      comments,
		})
	}
}

func (s *Server) handleNextPage(aggregator aggregatorFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		name := r.URL.Query().Get("name")
		if name == "" {
			writeError(w, http.StatusBadRequest, "InvalidRequest", "name parameter is required")
			return
		}
		if err := aggregator().IncrementPageNumber(name); err != nil {
			writeFeedError(w, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}

type addAuthorRequest struct {
	Account  string `json:"account"`
	Address  string `json:"address"`
	StartCid string `json:"startCid"`
}

type authorResponse struct {
	Address        string            `json:"address"`
	PageNumber     int               `json:"pageNumber"`
	LastCommentCid string            `json:"lastCommentCid"`
	HasMore        bool              `json:"hasMore"`
	BufferedCount  int               `json:"bufferedCount"`
	Comments       []*domain.Comment `json:"comments"`
	Error          string            `json:"error,omitempty"`
}

func (s *Server) handleAddAuthor(w http.ResponseWriter, r *http.Request) {
	var req addAuthorRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "InvalidRequest", "invalid JSON body")
		return
	}

	err := s.engine.Authors().AddAuthor(domain.Account{ID: req.Account}, req.Address, req.StartCid, nil)
	if err != nil {
		writeAuthorError(w, err)
		return
	}

	s.logger.Info("author added", "author", req.Address, "start_cid", req.StartCid)
	writeJSON(w, http.StatusOK, map[string]string{"address": req.Address})
}

func (s *Server) handleGetAuthor(w http.ResponseWriter, r *http.Request) {
	address := r.URL.Query().Get("address")
	if address == "" {
		writeError(w, http.StatusBadRequest, "InvalidRequest", "address parameter is required")
		return
	}

	walker := s.engine.Authors()
	feed, ok := walker.Feed(address)
	if !ok {
		writeError(w, http.StatusNotFound, "NotFound", "author not found")
		return
	}

	resp := authorResponse{
		Address:        address,
		PageNumber:     feed.PageNumber,
		LastCommentCid: feed.LastCommentCid,
		HasMore:        feed.HasMore,
		BufferedCount:  len(feed.Buffered),
		Comments:       feed.Loaded,
	}
	if resp.Comments == nil {
		resp.Comments = []*domain.Comment{}
	}
	if err := walker.Err(address); err != nil {
		resp.Error = err.Error()
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleNextAuthorPage(w http.ResponseWriter, r *http.Request) {
	address := r.URL.Query().Get("address")
	if address == "" {
		writeError(w, http.StatusBadRequest, "InvalidRequest", "address parameter is required")
		return
	}
	if err := s.engine.Authors().IncrementPageNumber(address); err != nil {
		writeAuthorError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func writeFeedError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, feeds.ErrInvalidFeed):
		writeError(w, http.StatusBadRequest, "InvalidRequest", err.Error())
	case errors.Is(err, feeds.ErrUnknownFeed):
		writeError(w, http.StatusNotFound, "NotFound", err.Error())
	case errors.Is(err, feeds.ErrConflictingFeed):
		writeError(w, http.StatusConflict, "Conflict", err.Error())
	case errors.Is(err, feeds.ErrPageNotLoaded):
		writeError(w, http.StatusConflict, "PageNotLoaded", err.Error())
	default:
		writeError(w, http.StatusInternalServerError, "InternalError", "internal error")
	}
}

func writeAuthorError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, authors.ErrInvalidAuthor):
		writeError(w, http.StatusBadRequest, "InvalidRequest", err.Error())
	case errors.Is(err, authors.ErrUnknownAuthor):
		writeError(w, http.StatusNotFound, "NotFound", err.Error())
	case errors.Is(err, authors.ErrPageNotLoaded):
		writeError(w, http.StatusConflict, "PageNotLoaded", err.Error())
	default:
		writeError(w, http.StatusInternalServerError, "InternalError", "internal error")
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, errType, message string) {
	writeJSON(w, status, map[string]string{
		"error":   errType,
		"message": message,
	})
}

func withLogging(logger *slog.Logger, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		wrapped := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(wrapped, r)
		logger.Info("http request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", wrapped.status,
			"duration", time.Since(start),
		)
	})
}

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(status int) {
	w.status = status
	w.ResponseWriter.WriteHeader(status)
}
