// Package server exposes migrated entities, run history and verification
// over a read-only HTTP API.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/ha1tch/storysync/pkg/cache"
	"github.com/ha1tch/storysync/pkg/config"
	"github.com/ha1tch/storysync/pkg/models"
	"github.com/ha1tch/storysync/pkg/storage"
	"github.com/rs/zerolog"
)

// Server represents the HTTP server
type Server struct {
	config *config.Config
	store  storage.Store
	cache  cache.Cache
	logger zerolog.Logger
	router *chi.Mux
	http   *http.Server

	// generation is the id of the newest recorded run. Cached responses are
	// keyed by it so a finished migration invalidates them.
	genMu      sync.Mutex
	generation string
}

// New creates a new server instance
func New(cfg *config.Config, store storage.Store, c cache.Cache, logger zerolog.Logger) *Server {
	if c == nil {
		c = cache.NopCache{}
	}
	s := &Server{
		config: cfg,
		store:  store,
		cache:  c,
		logger: logger.With().Str("component", "server").Logger(),
		router: chi.NewRouter(),
	}

	s.setupRoutes()
	return s
}

// setupRoutes configures all HTTP routes
func (s *Server) setupRoutes() {
	s.router.Use(middleware.RequestID)
	s.router.Use(middleware.RealIP)
	s.router.Use(s.requestLogger)
	s.router.Use(middleware.Recoverer)
	s.router.Use(middleware.Timeout(60 * time.Second))

	s.router.Get("/health", s.handleHealth)
	s.router.Get("/version", s.handleVersion)

	s.router.Route("/api/v1", func(r chi.Router) {
		r.Get("/entities/{entity}", s.handleList)
		r.Get("/entities/{entity}/{id}", s.handleGet)

		r.Get("/runs", s.handleListRuns)
		r.Get("/runs/{run_id}", s.handleGetRun)

		r.Get("/verify", s.handleVerify)

		r.Get("/graph/path", s.handleGraphPath)
		r.Get("/graph/stats", s.handleGraphStats)
	})
}

// Start serves until Shutdown is called
func (s *Server) Start() error {
	addr := fmt.Sprintf("%s:%d", s.config.Host, s.config.Port)
	s.http = &http.Server{
		Addr:              addr,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	s.logger.Info().Str("addr", addr).Msg("Starting server")
	if err := s.http.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown stops the server gracefully
func (s *Server) Shutdown(ctx context.Context) error {
	if s.http == nil {
		return nil
	}
	return s.http.Shutdown(ctx)
}

// Handler returns the HTTP handler (useful for testing)
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	body := map[string]interface{}{
		"status":  "ok",
		"version": config.Version,
	}
	if ip, ok := s.store.(storage.InfoProvider); ok {
		info := ip.Info()
		body["store"] = map[string]interface{}{
			"type":         info.Type,
			"version":      info.Version,
			"foreign_keys": info.ForeignKeys,
		}
	}
	s.writeJSON(w, http.StatusOK, body)
}

func (s *Server) handleVersion(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]string{
		"version": config.Version,
	})
}

func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		s.logger.Debug().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", ww.Status()).
			Int("bytes", ww.BytesWritten()).
			Dur("elapsed", time.Since(start)).
			Str("request_id", middleware.GetReqID(r.Context())).
			Msg("Request")
	})
}

// cachePrefix returns the key prefix of the current generation, dropping
// entries of the previous one when a new run has been recorded.
func (s *Server) cachePrefix(ctx context.Context) string {
	gen := "none"
	if rec, ok := s.store.(storage.RunRecorder); ok {
		if runs, err := rec.ListRuns(ctx, 1); err == nil && len(runs) > 0 {
			gen = runs[0].RunID + ":" + string(runs[0].Status)
		}
	}

	s.genMu.Lock()
	prev := s.generation
	s.generation = gen
	s.genMu.Unlock()

	if prev != "" && prev != gen {
		if err := s.cache.DeletePrefix(ctx, "storysync:"+prev+":"); err != nil {
			s.logger.Warn().Err(err).Msg("Failed to drop stale cache entries")
		}
	}
	return "storysync:" + gen + ":"
}

// cached serves key from the cache or computes, caches and serves it
func (s *Server) cached(w http.ResponseWriter, r *http.Request, key string, compute func() (interface{}, int, error)) {
	ctx := r.Context()
	if body, err := s.cache.Get(ctx, key); err == nil {
		w.Header().Set("X-Cache", "HIT")
		s.writeRaw(w, http.StatusOK, body)
		return
	}

	data, status, err := compute()
	if err != nil {
		s.writeError(w, status, err.Error())
		return
	}
	body, err := json.Marshal(data)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, "Failed to encode response")
		return
	}
	ttl := time.Duration(s.config.CacheTTL) * time.Second
	if err := s.cache.Set(ctx, key, body, ttl); err != nil {
		s.logger.Warn().Err(err).Str("key", key).Msg("Failed to cache response")
	}
	w.Header().Set("X-Cache", "MISS")
	s.writeRaw(w, http.StatusOK, body)
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func (s *Server) writeRaw(w http.ResponseWriter, status int, body []byte) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	w.Write(body)
}

func (s *Server) writeError(w http.ResponseWriter, status int, message string) {
	resp := models.ErrorResponse{}
	resp.Error.Message = message
	resp.Error.Status = status
	s.writeJSON(w, status, resp)
}
