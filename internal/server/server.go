// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/jeranaias/rigrun-router/internal/cache"
	"github.com/jeranaias/rigrun-router/internal/engine"
	"github.com/jeranaias/rigrun-router/internal/logging"
	"github.com/jeranaias/rigrun-router/internal/model"
	"github.com/jeranaias/rigrun-router/internal/orchestrator"
	"github.com/jeranaias/rigrun-router/internal/telemetry"
)

// ============================================================================
// CONSTANTS
// ============================================================================

// MaxRequestBodySize caps request bodies.
const MaxRequestBodySize = 1 << 20

// Error types reported in the "type" field of error bodies.
const (
	ErrTypeInvalidRequest = "invalid_request_error"
	ErrTypeAuth           = "authentication_error"
	ErrTypeRateLimit      = "rate_limit_error"
	ErrTypeTimeout        = "timeout_error"
	ErrTypeInternal       = "internal_error"
	ErrTypeUnavailable    = "service_unavailable"
)

// Server timeouts.
const (
	DefaultReadHeaderTimeout = 10 * time.Second
	DefaultReadTimeout       = 30 * time.Second
	DefaultIdleTimeout       = 120 * time.Second
	// writeTimeoutSlack is added to the request timeout so a handler can
	// still write its timeout error.
	writeTimeoutSlack = 5 * time.Second
)

// ============================================================================
// ENGINE
// ============================================================================

// Engine is the subset of *engine.Engine the server calls.
type Engine interface {
	HandleGraphQuery(ctx context.Context, q model.QueryContext) (*orchestrator.GraphResponse, error)
	HandleSmartQuery(ctx context.Context, q model.QueryContext) (*orchestrator.SmartResponse, error)
	ClearCache(ctx context.Context) error
	CacheStats(ctx context.Context) cache.Stats
	EvaluationSummary(n int) (telemetry.EvaluationSummary, error)
	Health(ctx context.Context) engine.HealthReport
}

var _ Engine = (*engine.Engine)(nil)

// ============================================================================
// SERVER
// ============================================================================

// Config holds the HTTP settings.
type Config struct {
	Addr           string
	RateLimitRPS   float64
	RateLimitBurst int
	RequestTimeout time.Duration
	AuthToken      string
	Version        string

	// Metrics, when non-nil, is served on GET /metrics.
	Metrics http.Handler
	Logger  logging.Logger
}

// Server exposes an Engine over HTTP.
type Server struct {
	cfg    Config
	engine Engine
	logger logging.Logger
	mux    *http.ServeMux

	mu       sync.Mutex
	server   *http.Server
	listener net.Listener
	closed   bool
}

// New builds a server around eng. Routes are registered immediately so
// Handler can be used without Start.
func New(eng Engine, cfg Config) *Server {
	if cfg.Logger == nil {
		cfg.Logger = logging.Default()
	}
	if cfg.Version == "" {
		cfg.Version = "dev"
	}
	s := &Server{
		cfg:    cfg,
		engine: eng,
		logger: cfg.Logger.With("component", "server"),
		mux:    http.NewServeMux(),
	}
	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	s.mux.HandleFunc("POST /v1/query", s.handleQuery)
	s.mux.HandleFunc("POST /v1/query/smart", s.handleSmartQuery)
	s.mux.HandleFunc("POST /v1/cache/clear", s.handleCacheClear)
	s.mux.HandleFunc("GET /v1/cache/stats", s.handleCacheStats)
	s.mux.HandleFunc("GET /v1/evaluations", s.handleEvaluations)
	s.mux.HandleFunc("GET /health", s.handleHealth)
	if s.cfg.Metrics != nil {
		s.mux.Handle("GET /metrics", s.cfg.Metrics)
	}
	s.mux.HandleFunc("/", s.handleNotFound)
}

// Handler returns the routes wrapped in the middleware chain.
func (s *Server) Handler() http.Handler {
	return Chain(
		RecoveryMiddleware(),
		RequestIDMiddleware(s.logger),
		LoggingMiddleware(),
		SecurityHeadersMiddleware(),
		RateLimitMiddleware(NewRateLimiter(s.cfg.RateLimitRPS, s.cfg.RateLimitBurst)),
		AuthMiddleware(s.cfg.AuthToken),
	)(s.mux)
}

// ============================================================================
// QUERY HANDLERS
// ============================================================================

// QueryRequest is the body of both query endpoints. UseCache defaults to
// true when omitted.
type QueryRequest struct {
	Query       string `json:"query"`
	SessionID   string `json:"session_id,omitempty"`
	UserID      string `json:"user_id,omitempty"`
	OptimizeFor string `json:"optimize_for,omitempty"`
	UseCache    *bool  `json:"use_cache,omitempty"`
}

// QueryContext converts the request into the engine input.
func (r QueryRequest) QueryContext() model.QueryContext {
	q := model.QueryContext{
		Query:       r.Query,
		SessionID:   strings.TrimSpace(r.SessionID),
		UserID:      strings.TrimSpace(r.UserID),
		OptimizeFor: model.OptimizeFor(r.OptimizeFor),
		UseCache:    true,
	}
	if r.UseCache != nil {
		q.UseCache = *r.UseCache
	}
	return q
}

func (s *Server) handleQuery(w http.ResponseWriter, r *http.Request) {
	q, ok := s.decodeQuery(w, r)
	if !ok {
		return
	}
	ctx, cancel := s.requestContext(r)
	defer cancel()

	resp, err := s.engine.HandleGraphQuery(ctx, q)
	if err != nil {
		s.writeEngineError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleSmartQuery(w http.ResponseWriter, r *http.Request) {
	q, ok := s.decodeQuery(w, r)
	if !ok {
		return
	}
	ctx, cancel := s.requestContext(r)
	defer cancel()

	resp, err := s.engine.HandleSmartQuery(ctx, q)
	if err != nil {
		s.writeEngineError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

// decodeQuery reads and validates the body. On failure it writes the error
// response and returns false.
func (s *Server) decodeQuery(w http.ResponseWriter, r *http.Request) (model.QueryContext, bool) {
	r.Body = http.MaxBytesReader(w, r.Body, MaxRequestBodySize)
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()

	var req QueryRequest
	if err := dec.Decode(&req); err != nil {
		var tooLarge *http.MaxBytesError
		switch {
		case errors.As(err, &tooLarge):
			writeError(w, http.StatusRequestEntityTooLarge, ErrTypeInvalidRequest,
				fmt.Sprintf("request body exceeds %d bytes", MaxRequestBodySize))
		case errors.Is(err, io.EOF):
			writeError(w, http.StatusBadRequest, ErrTypeInvalidRequest, "request body is empty")
		default:
			writeError(w, http.StatusBadRequest, ErrTypeInvalidRequest, "invalid JSON: "+err.Error())
		}
		return model.QueryContext{}, false
	}
	if dec.More() {
		writeError(w, http.StatusBadRequest, ErrTypeInvalidRequest, "request body must hold a single JSON object")
		return model.QueryContext{}, false
	}

	q := req.QueryContext()
	if err := q.Validate(); err != nil {
		writeError(w, http.StatusBadRequest, ErrTypeInvalidRequest, err.Error())
		return model.QueryContext{}, false
	}
	return q, true
}

func (s *Server) requestContext(r *http.Request) (context.Context, context.CancelFunc) {
	if s.cfg.RequestTimeout <= 0 {
		return context.WithCancel(r.Context())
	}
	return context.WithTimeout(r.Context(), s.cfg.RequestTimeout)
}

// writeEngineError maps pipeline errors onto status codes. The underlying
// error is logged but never returned to the client.
func (s *Server) writeEngineError(w http.ResponseWriter, r *http.Request, err error) {
	logger := logging.FromContext(r.Context())
	switch {
	case errors.Is(err, model.ErrEmptyQuery), errors.Is(err, model.ErrQueryTooLong):
		writeError(w, http.StatusBadRequest, ErrTypeInvalidRequest, err.Error())
	case errors.Is(err, context.DeadlineExceeded):
		logger.Warn("query timed out", "err", err)
		writeError(w, http.StatusGatewayTimeout, ErrTypeTimeout, "request timed out")
	case errors.Is(err, context.Canceled):
		logger.Debug("query cancelled", "err", err)
		writeError(w, http.StatusServiceUnavailable, ErrTypeUnavailable, "request cancelled")
	default:
		logger.Error("query failed", "err", err)
		writeError(w, http.StatusInternalServerError, ErrTypeInternal, "query failed")
	}
}

// ============================================================================
// CACHE HANDLERS
// ============================================================================

// CacheClearResponse is the body of POST /v1/cache/clear.
type CacheClearResponse struct {
	Status  string `json:"status"`
	Message string `json:"message"`
}

func (s *Server) handleCacheClear(w http.ResponseWriter, r *http.Request) {
	if err := s.engine.ClearCache(r.Context()); err != nil {
		logging.FromContext(r.Context()).Error("cache clear failed", "err", err)
		writeError(w, http.StatusInternalServerError, ErrTypeInternal, "cache clear failed")
		return
	}
	writeJSON(w, http.StatusOK, CacheClearResponse{Status: "ok", Message: "cache cleared"})
}

func (s *Server) handleCacheStats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.engine.CacheStats(r.Context()))
}

// handleEvaluations serves the run quality summary. ?last=N narrows the
// window; the default is evaluation.summary_window.
func (s *Server) handleEvaluations(w http.ResponseWriter, r *http.Request) {
	n := 0
	if v := r.URL.Query().Get("last"); v != "" {
		parsed, err := strconv.Atoi(v)
		if err != nil || parsed < 1 {
			writeError(w, http.StatusBadRequest, ErrTypeInvalidRequest, "last must be a positive integer")
			return
		}
		n = parsed
	}
	summary, err := s.engine.EvaluationSummary(n)
	if errors.Is(err, engine.ErrEvaluationDisabled) {
		writeError(w, http.StatusServiceUnavailable, ErrTypeUnavailable, "evaluation log disabled")
		return
	}
	if err != nil {
		logging.FromContext(r.Context()).Error("evaluation summary failed", "err", err)
		writeError(w, http.StatusInternalServerError, ErrTypeInternal, "evaluation summary failed")
		return
	}
	writeJSON(w, http.StatusOK, summary)
}

// ============================================================================
// HEALTH
// ============================================================================

// HealthResponse is the body of GET /health.
type HealthResponse struct {
	engine.HealthReport
	Version string `json:"version"`
}

// handleHealth answers 503 only when every tier is down.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	report := s.engine.Health(r.Context())
	status := http.StatusOK
	if report.Status == engine.StatusDown {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, HealthResponse{HealthReport: report, Version: s.cfg.Version})
}

func (s *Server) handleNotFound(w http.ResponseWriter, r *http.Request) {
	writeError(w, http.StatusNotFound, ErrTypeInvalidRequest, "no route for "+r.Method+" "+r.URL.Path)
}

// ============================================================================
// SERVER LIFECYCLE
// ============================================================================

// Start listens on cfg.Addr and serves until Shutdown. It returns nil after
// a graceful shutdown.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", s.cfg.Addr, err)
	}
	return s.Serve(ln)
}

// Serve serves on ln until Shutdown.
func (s *Server) Serve(ln net.Listener) error {
	srv := &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: DefaultReadHeaderTimeout,
		ReadTimeout:       DefaultReadTimeout,
		IdleTimeout:       DefaultIdleTimeout,
	}
	if s.cfg.RequestTimeout > 0 {
		srv.WriteTimeout = s.cfg.RequestTimeout + writeTimeoutSlack
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		_ = ln.Close()
		return nil
	}
	if s.server != nil {
		s.mu.Unlock()
		return errors.New("server already started")
	}
	s.server = srv
	s.listener = ln
	s.mu.Unlock()

	s.logger.Info("listening", "addr", ln.Addr().String(), "version", s.cfg.Version)
	if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Addr returns the bound address once serving, else the configured one.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener != nil {
		return s.listener.Addr().String()
	}
	return s.cfg.Addr
}

// Shutdown stops accepting connections and waits for in-flight requests
// until ctx is done. A later Serve returns immediately.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	s.closed = true
	srv := s.server
	s.mu.Unlock()
	if srv == nil {
		return nil
	}
	s.logger.Info("shutting down")
	return srv.Shutdown(ctx)
}

// ============================================================================
// HELPERS
// ============================================================================

// ErrorBody is the JSON error envelope.
type ErrorBody struct {
	Error ErrorDetail `json:"error"`
}

// ErrorDetail describes one error.
type ErrorDetail struct {
	Message string `json:"message"`
	Type    string `json:"type"`
	Code    int    `json:"code"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, errType, message string) {
	writeJSON(w, status, ErrorBody{Error: ErrorDetail{Message: message, Type: errType, Code: status}})
}
