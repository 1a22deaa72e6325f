package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/knoguchi/costrag/internal/observability"
	"github.com/knoguchi/costrag/internal/retrieval"
	"github.com/knoguchi/costrag/internal/service"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// maxBodyBytes bounds request bodies; evaluation requests may carry labels.
const maxBodyBytes = 8 << 20

// API is what the HTTP handlers call.
type API interface {
	service.RetrievalServiceServer
	Ready(ctx context.Context) error
}

// HTTPServer serves the retrieval API as JSON over HTTP.
type HTTPServer struct {
	server *http.Server
	router *chi.Mux
	logger *slog.Logger
}

// HTTPServerConfig holds configuration for the HTTP server
type HTTPServerConfig struct {
	Port           int
	Logger         *slog.Logger
	AllowedOrigins []string // CORS allowed origins
	Metrics        *observability.Metrics

	// Gatherer backs /metrics; nil disables the endpoint.
	Gatherer prometheus.Gatherer

	// RequestTimeout bounds retrieve and stats handlers; 0 means none.
	RequestTimeout time.Duration

	// EvalTimeout is the longest evaluation run; the write timeout is
	// stretched to fit it.
	EvalTimeout time.Duration
}

// NewHTTPServer creates the HTTP server and its routes.
func NewHTTPServer(cfg HTTPServerConfig, api API) (*HTTPServer, error) {
	if api == nil {
		return nil, fmt.Errorf("api is required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	h := &handlers{api: api, logger: logger}

	// Create chi router
	router := chi.NewRouter()

	// Add middleware
	router.Use(middleware.RequestID)
	router.Use(middleware.RealIP)
	router.Use(requestLoggingMiddleware(logger, cfg.Metrics))
	router.Use(middleware.Recoverer)
	router.Use(corsMiddleware(cfg.AllowedOrigins))

	// Mount health check endpoints
	router.Get("/healthz", healthCheckHandler())
	router.Get("/readyz", readinessCheckHandler(api))
	if cfg.Gatherer != nil {
		router.Handle("/metrics", promhttp.HandlerFor(cfg.Gatherer, promhttp.HandlerOpts{}))
	}

	router.Route("/v1", func(r chi.Router) {
		r.Group(func(r chi.Router) {
			if cfg.RequestTimeout > 0 {
				r.Use(middleware.Timeout(cfg.RequestTimeout))
			}
			r.Post("/retrieve", h.retrieve)
			r.Get("/stats", h.stats)
		})
		// Evaluation runs many retrievals; its budget is the evaluator's
		// own timeout, and each query keeps the pipeline request timeout.
		r.Post("/evaluate", h.evaluate)
	})

	writeTimeout := 5 * time.Minute
	if cfg.EvalTimeout+30*time.Second > writeTimeout {
		writeTimeout = cfg.EvalTimeout + 30*time.Second
	}
	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      router,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: writeTimeout,
		IdleTimeout:  120 * time.Second,
	}

	return &HTTPServer{
		server: server,
		router: router,
		logger: logger,
	}, nil
}

// Start starts the HTTP server
func (s *HTTPServer) Start() error {
	s.logger.Info("starting HTTP server", "address", s.server.Addr)

	if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("HTTP server error: %w", err)
	}

	return nil
}

// Shutdown gracefully shuts down the HTTP server
func (s *HTTPServer) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down HTTP server")

	if err := s.server.Shutdown(ctx); err != nil {
		return fmt.Errorf("HTTP server shutdown error: %w", err)
	}

	s.logger.Info("HTTP server stopped")
	return nil
}

// Handler returns the router, for tests and embedding.
func (s *HTTPServer) Handler() http.Handler {
	return s.router
}

// ErrorResponse is the body of every non-2xx API response.
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message,omitempty"`
}

type handlers struct {
	api    API
	logger *slog.Logger
}

func (h *handlers) retrieve(w http.ResponseWriter, r *http.Request) {
	var req service.RetrieveRequest
	if !h.decode(w, r, &req) {
		return
	}
	resp, err := h.api.Retrieve(r.Context(), &req)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, resp)
}

func (h *handlers) stats(w http.ResponseWriter, r *http.Request) {
	resp, err := h.api.Stats(r.Context(), &service.StatsRequest{})
	if err != nil {
		h.fail(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, resp)
}

func (h *handlers) evaluate(w http.ResponseWriter, r *http.Request) {
	var req service.EvaluateRequest
	if r.ContentLength != 0 && !h.decode(w, r, &req) {
		return
	}
	resp, err := h.api.Evaluate(r.Context(), &req)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, resp)
}

// decode reads a JSON body, writing a 400 and returning false on failure.
func (h *handlers) decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		msg := "invalid JSON body: " + err.Error()
		if errors.Is(err, io.EOF) {
			msg = "request body is required"
		}
		respondError(w, http.StatusBadRequest, string(retrieval.KindInvalidRequest), msg)
		return false
	}
	return true
}

// fail maps a domain error to a status code and writes it.
func (h *handlers) fail(w http.ResponseWriter, r *http.Request, err error) {
	kind := retrieval.KindOf(err)
	code := StatusCode(kind)
	if code >= 500 {
		h.logger.Error("request failed",
			"path", r.URL.Path,
			"kind", kind,
			"error", err,
			"request_id", middleware.GetReqID(r.Context()),
		)
	}
	if kind == "" {
		respondError(w, code, "internal", "internal server error")
		return
	}
	respondError(w, code, string(kind), retrieval.ReasonOf(err))
}

// StatusCode maps a retrieval error kind to an HTTP status.
func StatusCode(kind retrieval.Kind) int {
	switch kind {
	case retrieval.KindInvalidRequest:
		return http.StatusBadRequest
	case retrieval.KindEmbeddingFailure:
		return http.StatusBadGateway
	case retrieval.KindStoreUnavailable, retrieval.KindRerankerUnavailable:
		return http.StatusServiceUnavailable
	case retrieval.KindTimeout:
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

// respondJSON writes a JSON response
func respondJSON(w http.ResponseWriter, statusCode int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	_ = json.NewEncoder(w).Encode(data)
}

// respondError writes an error JSON response
func respondError(w http.ResponseWriter, statusCode int, err, message string) {
	respondJSON(w, statusCode, ErrorResponse{Error: err, Message: message})
}

// requestLoggingMiddleware logs HTTP requests and records their latency
func requestLoggingMiddleware(logger *slog.Logger, metrics *observability.Metrics) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()

			// Wrap response writer to capture status code
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

			next.ServeHTTP(ww, r)

			duration := time.Since(start)

			route := r.URL.Path
			if rctx := chi.RouteContext(r.Context()); rctx != nil && rctx.RoutePattern() != "" {
				route = rctx.RoutePattern()
			}
			metrics.HTTPRequest(r.Method, route, ww.Status(), duration)

			logger.Info("HTTP request",
				"method", r.Method,
				"path", r.URL.Path,
				"status", ww.Status(),
				"bytes", ww.BytesWritten(),
				"duration", duration,
				"remote_addr", r.RemoteAddr,
				"request_id", middleware.GetReqID(r.Context()),
			)
		})
	}
}

// corsMiddleware handles CORS headers
func corsMiddleware(allowedOrigins []string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			origin := r.Header.Get("Origin")

			// Check if origin is allowed
			allowed := false
			if len(allowedOrigins) == 0 {
				// If no origins specified, allow all in development
				allowed = true
				origin = "*"
			} else {
				for _, o := range allowedOrigins {
					if o == "*" || o == origin {
						allowed = true
						break
					}
				}
			}

			if allowed {
				w.Header().Set("Access-Control-Allow-Origin", origin)
				w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
				w.Header().Set("Access-Control-Allow-Headers", "Accept, Content-Type, X-Request-ID")
				w.Header().Set("Access-Control-Max-Age", "86400")
			}

			// Handle preflight requests
			if r.Method == http.MethodOptions {
				w.WriteHeader(http.StatusNoContent)
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

// healthCheckHandler returns a handler for the /healthz endpoint
func healthCheckHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		respondJSON(w, http.StatusOK, map[string]string{"status": "healthy"})
	}
}

// readinessCheckHandler reports ready once the vector store answers.
func readinessCheckHandler(api API) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := api.Ready(ctx); err != nil {
			respondJSON(w, http.StatusServiceUnavailable, map[string]string{
				"status": "not ready",
				"reason": retrieval.ReasonOf(err),
			})
			return
		}
		respondJSON(w, http.StatusOK, map[string]string{"status": "ready"})
	}
}
