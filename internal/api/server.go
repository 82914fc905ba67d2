// Package api exposes the review service over HTTP.
package api

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"go.uber.org/zap"

	"github.com/sells-group/secpipe/internal/config"
	"github.com/sells-group/secpipe/internal/monitoring"
	"github.com/sells-group/secpipe/internal/pipeline"
)

// maxBodyBytes bounds request bodies; the size guard runs on the decoded code.
const maxBodyBytes = 4 << 20

// Server routes HTTP requests to the review service.
type Server struct {
	svc       *pipeline.Service
	collector *monitoring.Collector
	cfg       config.ServerConfig
	mon       config.MonitoringConfig
}

// NewServer creates a Server. collector may be nil, which disables /metrics.
func NewServer(svc *pipeline.Service, collector *monitoring.Collector, cfg config.ServerConfig, mon config.MonitoringConfig) *Server {
	return &Server{svc: svc, collector: collector, cfg: cfg, mon: mon}
}

// Handler builds the router.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(requestLogger)
	r.Use(middleware.Recoverer)

	origins := s.cfg.CORSOrigins
	if len(origins) == 0 {
		origins = []string{"*"}
	}
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: origins,
		AllowedMethods: []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Authorization", "Content-Type"},
		MaxAge:         300,
	}))

	r.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	r.Group(func(r chi.Router) {
		if s.cfg.JWTSecret != "" {
			r.Use(authenticate(s.cfg.JWTSecret))
		}
		r.Get("/metrics", s.handleMetrics)
		r.Route("/reviews", func(r chi.Router) {
			r.Post("/", s.handleSubmit)
			r.Get("/", s.handleList)
			r.Get("/compare", s.handleCompare)
			r.Route("/{id}", func(r chi.Router) {
				r.Get("/", s.handleStatus)
				r.Get("/records", s.handleRecords)
				r.Post("/approval", s.handleApproval)
				r.Get("/remediations", s.handleRemediations)
				r.Get("/sarif", s.handleSARIF)
			})
		})
	})

	return r
}

func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		zap.L().Debug("api: request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.Status()),
			zap.String("request_id", middleware.GetReqID(r.Context())),
			zap.Int64("duration_ms", time.Since(start).Milliseconds()),
		)
	})
}

type errorBody struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		zap.L().Warn("api: encode response", zap.Error(err))
	}
}

func writeError(w http.ResponseWriter, status int, code, msg string) {
	writeJSON(w, status, errorBody{Error: code, Message: msg})
}
