package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/rs/zerolog/log"

	"github.com/stratlab/optionflow/internal/cache"
	"github.com/stratlab/optionflow/internal/config"
	"github.com/stratlab/optionflow/internal/hub"
	"github.com/stratlab/optionflow/internal/store"
	"github.com/stratlab/optionflow/internal/telemetry"
)

// HealthFunc reports one dependency's health. A nil error means healthy.
type HealthFunc func(ctx context.Context) error

// Server is the query surface: REST reads over the aggregated tables,
// the bucket-stream WebSocket, health and metrics.
type Server struct {
	cfg     *config.Config
	store   store.Store
	cache   *cache.TieredCache
	hub     *hub.Hub
	metrics *telemetry.Metrics
	checks  map[string]HealthFunc

	httpServer *http.Server
}

// NewServer wires the routes and middleware. checks are exposed on
// /healthz; pass the dependencies worth probing.
func NewServer(cfg *config.Config, st store.Store, tc *cache.TieredCache, h *hub.Hub, metrics *telemetry.Metrics, checks map[string]HealthFunc) *Server {
	s := &Server{
		cfg:     cfg,
		store:   st,
		cache:   tc,
		hub:     h,
		metrics: metrics,
		checks:  checks,
	}

	r := mux.NewRouter()
	r.Use(s.requestIDMiddleware)
	r.Use(s.loggingMiddleware)
	r.Use(s.recoverMiddleware)

	v1 := r.PathPrefix("/api/v1/fo").Subrouter()
	v1.HandleFunc("/strike-distribution", s.handleStrikeDistribution).Methods(http.MethodGet)
	v1.HandleFunc("/moneyness-series", s.handleMoneynessSeries).Methods(http.MethodGet)
	v1.HandleFunc("/strike-history", s.handleStrikeHistory).Methods(http.MethodGet)
	v1.HandleFunc("/stream", s.handleStream)

	r.HandleFunc("/healthz", s.handleHealth).Methods(http.MethodGet)
	if metrics != nil {
		r.Handle("/metrics", metrics.Handler()).Methods(http.MethodGet)
	}

	s.httpServer = &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.HTTP.Host, cfg.HTTP.Port),
		Handler:      r,
		ReadTimeout:  cfg.HTTP.ReadTimeout,
		WriteTimeout: cfg.HTTP.WriteTimeout,
		IdleTimeout:  cfg.HTTP.IdleTimeout,
	}
	return s
}

// Start runs the HTTP server until it fails or Shutdown is called.
func (s *Server) Start() error {
	log.Info().Str("addr", s.httpServer.Addr).Msg("query surface listening")
	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("http server failed: %w", err)
	}
	return nil
}

// Shutdown drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get("X-Request-ID")
		if id == "" {
			id = uuid.New().String()
		}
		w.Header().Set("X-Request-ID", id)
		next.ServeHTTP(w, r.WithContext(contextWithRequestID(r.Context(), id)))
	})
}

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		wrapped := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(wrapped, r)
		log.Debug().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", wrapped.status).
			Dur("elapsed", time.Since(start)).
			Str("request_id", requestIDFromContext(r.Context())).
			Msg("http request")
	})
}

func (s *Server) recoverMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				log.Error().Interface("panic", rec).Str("path", r.URL.Path).Msg("handler panicked")
				writeError(w, http.StatusInternalServerError, ErrKindInternal, "internal error", 0)
			}
		}()
		next.ServeHTTP(w, r)
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	status := "ok"
	deps := make(map[string]string, len(s.checks))
	for name, check := range s.checks {
		if err := check(ctx); err != nil {
			deps[name] = err.Error()
			status = "degraded"
		} else {
			deps[name] = "ok"
		}
	}

	code := http.StatusOK
	if status != "ok" {
		code = http.StatusServiceUnavailable
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(map[string]interface{}{
		"status":       status,
		"subscribers":  s.hub.SubscriberCount(),
		"dependencies": deps,
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

type ctxKey int

const requestIDKey ctxKey = 0

func contextWithRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, requestIDKey, id)
}

func requestIDFromContext(ctx context.Context) string {
	if id, ok := ctx.Value(requestIDKey).(string); ok {
		return id
	}
	return ""
}
