package api

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/httprate"

	"github.com/harundwi/wa-gateway/internal/config"
	"github.com/harundwi/wa-gateway/internal/dispatch"
	"github.com/harundwi/wa-gateway/internal/health"
	"github.com/harundwi/wa-gateway/internal/phone"
	"github.com/harundwi/wa-gateway/internal/session"
	"github.com/harundwi/wa-gateway/internal/store"
)

// Server exposes the gateway over HTTP: message dispatch, session status,
// restart control, and a health endpoint.
type Server struct {
	apiKey       string
	rateLimitRPM int

	session    *session.Session
	dispatcher *dispatch.Dispatcher
	normalizer phone.Normalizer
	store      *store.Store
	monitor    *health.Monitor
	log        *slog.Logger
}

// NewServer creates the HTTP server. The store may be nil; dispatch history
// is then not persisted.
func NewServer(
	cfg *config.Config,
	sess *session.Session,
	dispatcher *dispatch.Dispatcher,
	normalizer phone.Normalizer,
	storeDB *store.Store,
	monitor *health.Monitor,
	log *slog.Logger,
) *Server {
	return &Server{
		apiKey:       cfg.APIKey,
		rateLimitRPM: cfg.RateLimitRPM,
		session:      sess,
		dispatcher:   dispatcher,
		normalizer:   normalizer,
		store:        storeDB,
		monitor:      monitor,
		log:          log,
	}
}

// Router builds the chi router with the full middleware stack.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(s.requestLogger)
	r.Use(middleware.Recoverer)
	r.Use(httprate.Limit(
		s.rateLimitRPM,
		time.Minute,
		httprate.WithKeyFuncs(httprate.KeyByIP),
		httprate.WithLimitHandler(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Retry-After", "60")
			writeError(w, http.StatusTooManyRequests, &APIError{
				Code:    ErrRateLimited,
				Message: "Too many requests",
				Retry:   true,
			})
		}),
	))

	// Liveness probe, deliberately unauthenticated.
	r.Get("/health", s.handleHealth)

	r.Group(func(r chi.Router) {
		r.Use(s.authenticate)
		r.Post("/send-message", s.handleSendMessage)
		r.Get("/status", s.handleStatus)
		r.Get("/restart", s.handleRestart)
	})

	return r
}

func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		s.log.Info("http request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"duration_ms", time.Since(start).Milliseconds(),
			"request_id", middleware.GetReqID(r.Context()),
		)
	})
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, apiErr *APIError) {
	writeJSON(w, status, map[string]interface{}{
		"status": false,
		"error":  apiErr,
	})
}
