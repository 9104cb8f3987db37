// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/jeranaias/rigrun-router/internal/cache"
	"github.com/jeranaias/rigrun-router/internal/engine"
	"github.com/jeranaias/rigrun-router/internal/logging"
	"github.com/jeranaias/rigrun-router/internal/model"
	"github.com/jeranaias/rigrun-router/internal/orchestrator"
	"github.com/jeranaias/rigrun-router/internal/telemetry"
)

// =============================================================================
// FAKE ENGINE
// =============================================================================

type fakeEngine struct {
	mu      sync.Mutex
	queries []model.QueryContext

	graphErr error
	smartErr error
	clearErr error
	panicked bool
	status   string
	cleared  int
	evalErr  error
	evalN    int
}

func (f *fakeEngine) record(q model.QueryContext) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.queries = append(f.queries, q)
}

func (f *fakeEngine) last() (model.QueryContext, int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.queries) == 0 {
		return model.QueryContext{}, 0
	}
	return f.queries[len(f.queries)-1], len(f.queries)
}

func (f *fakeEngine) HandleGraphQuery(ctx context.Context, q model.QueryContext) (*orchestrator.GraphResponse, error) {
	f.record(q)
	if f.panicked {
		panic("boom")
	}
	if f.graphErr != nil {
		return nil, f.graphErr
	}
	return &orchestrator.GraphResponse{RunID: "run-1", Answer: "graph: " + q.Query, ModelUsed: "local", QualityPassed: true, Attempts: 1}, nil
}

func (f *fakeEngine) HandleSmartQuery(ctx context.Context, q model.QueryContext) (*orchestrator.SmartResponse, error) {
	f.record(q)
	if f.smartErr != nil {
		return nil, f.smartErr
	}
	return &orchestrator.SmartResponse{RunID: "run-2", Answer: "smart: " + q.Query, ModelUsed: "cloud_fast", OptimizeFor: q.Objective(), Attempts: 1}, nil
}

func (f *fakeEngine) ClearCache(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.clearErr != nil {
		return f.clearErr
	}
	f.cleared++
	return nil
}

func (f *fakeEngine) CacheStats(context.Context) cache.Stats {
	return cache.Stats{Enabled: true, Misses: 3, Writes: 2, HitRate: 0.25}
}

func (f *fakeEngine) EvaluationSummary(n int) (telemetry.EvaluationSummary, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.evalN = n
	if f.evalErr != nil {
		return telemetry.EvaluationSummary{}, f.evalErr
	}
	return telemetry.EvaluationSummary{TotalEvaluations: 4, AvgOverallScore: 0.81, ByOutcome: map[string]int{"accepted": 4}}, nil
}

func (f *fakeEngine) Health(context.Context) engine.HealthReport {
	status := f.status
	if status == "" {
		status = engine.StatusOK
	}
	return engine.HealthReport{Status: status, Sessions: 2}
}

// =============================================================================
// HELPERS
// =============================================================================

func newTestServer(eng Engine, mutate func(*Config)) http.Handler {
	cfg := Config{Addr: "127.0.0.1:0", Version: "test", Logger: logging.Nop()}
	if mutate != nil {
		mutate(&cfg)
	}
	return New(eng, cfg).Handler()
}

func do(t *testing.T, h http.Handler, method, path, body string, headers ...string) *httptest.ResponseRecorder {
	t.Helper()
	var r io.Reader
	if body != "" {
		r = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, r)
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func decodeError(t *testing.T, rec *httptest.ResponseRecorder) ErrorDetail {
	t.Helper()
	var body ErrorBody
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("error body is not JSON: %v (%q)", err, rec.Body.String())
	}
	if body.Error.Code != rec.Code {
		t.Errorf("error code = %d, want %d", body.Error.Code, rec.Code)
	}
	return body.Error
}

// =============================================================================
// QUERY TESTS
// =============================================================================

func TestHandleQuery(t *testing.T) {
	eng := &fakeEngine{}
	h := newTestServer(eng, nil)

	rec := do(t, h, http.MethodPost, "/v1/query", `{"query":"what is go?","session_id":" s1 ","user_id":"u1"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200 (%s)", rec.Code, rec.Body.String())
	}
	if ct := rec.Header().Get("Content-Type"); ct != "application/json" {
		t.Errorf("Content-Type = %q", ct)
	}

	var resp orchestrator.GraphResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.Answer != "graph: what is go?" {
		t.Errorf("Answer = %q", resp.Answer)
	}

	q, n := eng.last()
	if n != 1 {
		t.Fatalf("engine called %d times, want 1", n)
	}
	if q.SessionID != "s1" || q.UserID != "u1" {
		t.Errorf("identity = %q/%q, want s1/u1", q.SessionID, q.UserID)
	}
	if !q.UseCache {
		t.Error("UseCache should default to true")
	}
}

func TestHandleQuery_UseCacheFalse(t *testing.T) {
	eng := &fakeEngine{}
	h := newTestServer(eng, nil)

	rec := do(t, h, http.MethodPost, "/v1/query", `{"query":"hi","use_cache":false}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if q, _ := eng.last(); q.UseCache {
		t.Error("UseCache should be false when the client says so")
	}
}

func TestHandleQuery_InvalidRequests(t *testing.T) {
	tests := []struct {
		name   string
		body   string
		status int
	}{
		{"empty body", "", http.StatusBadRequest},
		{"malformed JSON", `{"query":`, http.StatusBadRequest},
		{"blank query", `{"query":"   "}`, http.StatusBadRequest},
		{"unknown field", `{"query":"hi","temperature":1}`, http.StatusBadRequest},
		{"trailing object", `{"query":"hi"}{"query":"again"}`, http.StatusBadRequest},
		{"bad objective", `{"query":"hi","optimize_for":"vibes"}`, http.StatusBadRequest},
		{"too long", `{"query":"` + strings.Repeat("a", model.MaxQueryLength+1) + `"}`, http.StatusBadRequest},
		{"too large", `{"query":"` + strings.Repeat("a", MaxRequestBodySize) + `"}`, http.StatusRequestEntityTooLarge},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			eng := &fakeEngine{}
			h := newTestServer(eng, nil)

			rec := do(t, h, http.MethodPost, "/v1/query", tt.body)
			if rec.Code != tt.status {
				t.Fatalf("status = %d, want %d (%s)", rec.Code, tt.status, rec.Body.String())
			}
			if detail := decodeError(t, rec); detail.Type != ErrTypeInvalidRequest {
				t.Errorf("type = %q, want %q", detail.Type, ErrTypeInvalidRequest)
			}
			if _, n := eng.last(); n != 0 {
				t.Errorf("engine called %d times for an invalid request", n)
			}
		})
	}
}

func TestHandleQuery_EngineErrors(t *testing.T) {
	tests := []struct {
		name    string
		err     error
		status  int
		errType string
	}{
		{"internal", errors.New("openrouter: 401 invalid key sk-or-secret"), http.StatusInternalServerError, ErrTypeInternal},
		{"deadline", fmt.Errorf("generate: %w", context.DeadlineExceeded), http.StatusGatewayTimeout, ErrTypeTimeout},
		{"cancelled", context.Canceled, http.StatusServiceUnavailable, ErrTypeUnavailable},
		{"validation", model.ErrEmptyQuery, http.StatusBadRequest, ErrTypeInvalidRequest},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newTestServer(&fakeEngine{graphErr: tt.err}, nil)

			rec := do(t, h, http.MethodPost, "/v1/query", `{"query":"hi"}`)
			if rec.Code != tt.status {
				t.Fatalf("status = %d, want %d", rec.Code, tt.status)
			}
			if detail := decodeError(t, rec); detail.Type != tt.errType {
				t.Errorf("type = %q, want %q", detail.Type, tt.errType)
			}
			if strings.Contains(rec.Body.String(), "sk-or-secret") {
				t.Error("response leaks the provider error")
			}
		})
	}
}

func TestHandleQuery_RequestTimeout(t *testing.T) {
	eng := &deadlineEngine{fakeEngine: &fakeEngine{}}
	h := newTestServer(eng, func(c *Config) { c.RequestTimeout = 20 * time.Millisecond })

	rec := do(t, h, http.MethodPost, "/v1/query", `{"query":"slow"}`)
	if rec.Code != http.StatusGatewayTimeout {
		t.Fatalf("status = %d, want 504", rec.Code)
	}
	if !eng.hadDeadline {
		t.Error("engine context should carry the request timeout")
	}
}

// deadlineEngine blocks until its context is done.
type deadlineEngine struct {
	*fakeEngine
	hadDeadline bool
}

func (d *deadlineEngine) HandleGraphQuery(ctx context.Context, q model.QueryContext) (*orchestrator.GraphResponse, error) {
	_, d.hadDeadline = ctx.Deadline()
	<-ctx.Done()
	return nil, ctx.Err()
}

func TestHandleSmartQuery(t *testing.T) {
	eng := &fakeEngine{}
	h := newTestServer(eng, nil)

	rec := do(t, h, http.MethodPost, "/v1/query/smart", `{"query":"prove it","optimize_for":"Quality"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d (%s)", rec.Code, rec.Body.String())
	}
	var resp orchestrator.SmartResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.Answer != "smart: prove it" {
		t.Errorf("Answer = %q", resp.Answer)
	}
	if resp.OptimizeFor != model.OptimizeQuality {
		t.Errorf("OptimizeFor = %q, want quality", resp.OptimizeFor)
	}

	t.Run("wrong method", func(t *testing.T) {
		rec := do(t, h, http.MethodGet, "/v1/query/smart", "")
		if rec.Code == http.StatusOK {
			t.Error("GET should not be served")
		}
	})
}

func TestRecoveryMiddleware(t *testing.T) {
	h := newTestServer(&fakeEngine{panicked: true}, nil)

	rec := do(t, h, http.MethodPost, "/v1/query", `{"query":"hi"}`)
	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("status = %d, want 500", rec.Code)
	}
	if detail := decodeError(t, rec); detail.Type != ErrTypeInternal {
		t.Errorf("type = %q", detail.Type)
	}
}

// =============================================================================
// CACHE AND HEALTH TESTS
// =============================================================================

func TestCacheEndpoints(t *testing.T) {
	eng := &fakeEngine{}
	h := newTestServer(eng, nil)

	rec := do(t, h, http.MethodPost, "/v1/cache/clear", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("clear status = %d", rec.Code)
	}
	var cleared CacheClearResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &cleared); err != nil || cleared.Status != "ok" {
		t.Errorf("clear body = %s", rec.Body.String())
	}
	if eng.cleared != 1 {
		t.Errorf("cleared = %d, want 1", eng.cleared)
	}

	rec = do(t, h, http.MethodGet, "/v1/cache/stats", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("stats status = %d", rec.Code)
	}
	var stats cache.Stats
	if err := json.Unmarshal(rec.Body.Bytes(), &stats); err != nil {
		t.Fatalf("decode stats: %v", err)
	}
	if !stats.Enabled || stats.Misses != 3 || stats.Writes != 2 {
		t.Errorf("stats = %+v", stats)
	}

	t.Run("clear failure", func(t *testing.T) {
		h := newTestServer(&fakeEngine{clearErr: errors.New("redis: connection refused")}, nil)
		rec := do(t, h, http.MethodPost, "/v1/cache/clear", "")
		if rec.Code != http.StatusInternalServerError {
			t.Fatalf("status = %d, want 500", rec.Code)
		}
		if strings.Contains(rec.Body.String(), "redis") {
			t.Error("response leaks the backend error")
		}
	})
}

func TestHandleEvaluations(t *testing.T) {
	eng := &fakeEngine{}
	h := newTestServer(eng, nil)

	rec := do(t, h, http.MethodGet, "/v1/evaluations?last=25", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	var summary telemetry.EvaluationSummary
	if err := json.Unmarshal(rec.Body.Bytes(), &summary); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if summary.TotalEvaluations != 4 || summary.ByOutcome["accepted"] != 4 {
		t.Errorf("summary = %+v", summary)
	}
	if eng.evalN != 25 {
		t.Errorf("window = %d, want 25", eng.evalN)
	}

	rec = do(t, h, http.MethodGet, "/v1/evaluations", "")
	if rec.Code != http.StatusOK || eng.evalN != 0 {
		t.Errorf("default window: status = %d, n = %d", rec.Code, eng.evalN)
	}

	rec = do(t, h, http.MethodGet, "/v1/evaluations?last=zero", "")
	if rec.Code != http.StatusBadRequest {
		t.Errorf("bad window status = %d, want 400", rec.Code)
	}

	t.Run("disabled", func(t *testing.T) {
		h := newTestServer(&fakeEngine{evalErr: engine.ErrEvaluationDisabled}, nil)
		rec := do(t, h, http.MethodGet, "/v1/evaluations", "")
		if rec.Code != http.StatusServiceUnavailable {
			t.Fatalf("status = %d, want 503", rec.Code)
		}
	})

	t.Run("read failure", func(t *testing.T) {
		h := newTestServer(&fakeEngine{evalErr: errors.New("open /var/lib/rigrun/evaluations.jsonl: permission denied")}, nil)
		rec := do(t, h, http.MethodGet, "/v1/evaluations", "")
		if rec.Code != http.StatusInternalServerError {
			t.Fatalf("status = %d, want 500", rec.Code)
		}
		if strings.Contains(rec.Body.String(), "permission denied") {
			t.Error("response leaks the storage error")
		}
	})
}

func TestHandleHealth(t *testing.T) {
	tests := []struct {
		status string
		code   int
	}{
		{engine.StatusOK, http.StatusOK},
		{engine.StatusDegraded, http.StatusOK},
		{engine.StatusDown, http.StatusServiceUnavailable},
	}
	for _, tt := range tests {
		t.Run(tt.status, func(t *testing.T) {
			h := newTestServer(&fakeEngine{status: tt.status}, nil)
			rec := do(t, h, http.MethodGet, "/health", "")
			if rec.Code != tt.code {
				t.Fatalf("status = %d, want %d", rec.Code, tt.code)
			}
			var resp HealthResponse
			if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
				t.Fatalf("decode: %v", err)
			}
			if resp.Status != tt.status || resp.Version != "test" || resp.Sessions != 2 {
				t.Errorf("health = %+v", resp)
			}
		})
	}
}

func TestMetricsRoute(t *testing.T) {
	metrics := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, "rigrun_up 1\n")
	})

	h := newTestServer(&fakeEngine{}, func(c *Config) { c.Metrics = metrics })
	rec := do(t, h, http.MethodGet, "/metrics", "")
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), "rigrun_up") {
		t.Errorf("metrics = %d %q", rec.Code, rec.Body.String())
	}

	h = newTestServer(&fakeEngine{}, nil)
	if rec := do(t, h, http.MethodGet, "/metrics", ""); rec.Code != http.StatusNotFound {
		t.Errorf("metrics without handler = %d, want 404", rec.Code)
	}
}

func TestNotFound(t *testing.T) {
	h := newTestServer(&fakeEngine{}, nil)
	rec := do(t, h, http.MethodGet, "/v1/chat/completions", "")
	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", rec.Code)
	}
	decodeError(t, rec)
}

// =============================================================================
// MIDDLEWARE TESTS
// =============================================================================

func TestRequestID(t *testing.T) {
	h := newTestServer(&fakeEngine{}, nil)

	rec := do(t, h, http.MethodGet, "/health", "")
	if id := rec.Header().Get(HeaderRequestID); len(id) != 36 {
		t.Errorf("generated request ID = %q, want a UUID", id)
	}

	rec = do(t, h, http.MethodGet, "/health", "", HeaderRequestID, "client-42")
	if id := rec.Header().Get(HeaderRequestID); id != "client-42" {
		t.Errorf("request ID = %q, want client-42", id)
	}

	rec = do(t, h, http.MethodGet, "/health", "", HeaderRequestID, "has spaces")
	if id := rec.Header().Get(HeaderRequestID); id == "has spaces" {
		t.Error("invalid client request ID should be replaced")
	}
}

func TestSecurityHeaders(t *testing.T) {
	h := newTestServer(&fakeEngine{}, nil)
	rec := do(t, h, http.MethodGet, "/health", "")

	want := map[string]string{
		"X-Content-Type-Options": "nosniff",
		"X-Frame-Options":        "DENY",
		"Cache-Control":          "no-store",
	}
	for k, v := range want {
		if got := rec.Header().Get(k); got != v {
			t.Errorf("%s = %q, want %q", k, got, v)
		}
	}
}

func TestAuthMiddleware(t *testing.T) {
	h := newTestServer(&fakeEngine{}, func(c *Config) { c.AuthToken = "s3cret" })

	tests := []struct {
		name   string
		path   string
		auth   string
		status int
	}{
		{"missing header", "/v1/cache/stats", "", http.StatusUnauthorized},
		{"wrong scheme", "/v1/cache/stats", "Basic s3cret", http.StatusUnauthorized},
		{"wrong token", "/v1/cache/stats", "Bearer nope", http.StatusUnauthorized},
		{"valid token", "/v1/cache/stats", "Bearer s3cret", http.StatusOK},
		{"health is public", "/health", "", http.StatusOK},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var headers []string
			if tt.auth != "" {
				headers = []string{"Authorization", tt.auth}
			}
			rec := do(t, h, http.MethodGet, tt.path, "", headers...)
			if rec.Code != tt.status {
				t.Errorf("status = %d, want %d", rec.Code, tt.status)
			}
			if tt.status == http.StatusUnauthorized {
				if detail := decodeError(t, rec); detail.Type != ErrTypeAuth {
					t.Errorf("type = %q", detail.Type)
				}
			}
		})
	}
}

func TestValidateBearerToken(t *testing.T) {
	tests := []struct {
		token, expected string
		want            bool
	}{
		{"abc", "abc", true},
		{"abc", "abd", false},
		{"", "abc", false},
		{"abc", "", false},
		{"", "", false},
	}
	for _, tt := range tests {
		if got := ValidateBearerToken(tt.token, tt.expected); got != tt.want {
			t.Errorf("ValidateBearerToken(%q, %q) = %v, want %v", tt.token, tt.expected, got, tt.want)
		}
	}
}

func TestRateLimitMiddleware(t *testing.T) {
	h := newTestServer(&fakeEngine{}, func(c *Config) {
		c.RateLimitRPS = 0.001
		c.RateLimitBurst = 2
	})

	for i := 0; i < 2; i++ {
		if rec := do(t, h, http.MethodGet, "/v1/cache/stats", ""); rec.Code != http.StatusOK {
			t.Fatalf("request %d status = %d, want 200", i, rec.Code)
		}
	}
	rec := do(t, h, http.MethodGet, "/v1/cache/stats", "")
	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("status = %d, want 429", rec.Code)
	}
	if rec.Header().Get("Retry-After") == "" {
		t.Error("Retry-After should be set")
	}
	if detail := decodeError(t, rec); detail.Type != ErrTypeRateLimit {
		t.Errorf("type = %q", detail.Type)
	}

	if rec := do(t, h, http.MethodGet, "/health", ""); rec.Code != http.StatusOK {
		t.Errorf("/health should be exempt, got %d", rec.Code)
	}
}

func TestRateLimiter_PerClient(t *testing.T) {
	rl := NewRateLimiter(0.001, 1)
	if !rl.Allow("10.0.0.1") {
		t.Fatal("first request should pass")
	}
	if rl.Allow("10.0.0.1") {
		t.Error("second request from the same client should be limited")
	}
	if !rl.Allow("10.0.0.2") {
		t.Error("another client has its own budget")
	}

	disabled := NewRateLimiter(0, 0)
	if disabled != nil || !disabled.Allow("x") {
		t.Error("rps 0 should disable limiting")
	}
}

func TestGetClientIP(t *testing.T) {
	tests := []struct {
		name       string
		remoteAddr string
		xff        string
		xri        string
		want       string
	}{
		{"direct", "203.0.113.9:5555", "", "", "203.0.113.9"},
		{"untrusted peer ignores XFF", "203.0.113.9:5555", "1.2.3.4", "", "203.0.113.9"},
		{"trusted proxy XFF", "127.0.0.1:5555", "1.2.3.4, 10.0.0.1", "", "1.2.3.4"},
		{"trusted proxy bad XFF falls back to X-Real-IP", "10.1.2.3:80", "not-an-ip", "5.6.7.8", "5.6.7.8"},
		{"trusted proxy no headers", "[::1]:80", "", "", "::1"},
		{"no port", "198.51.100.1", "", "", "198.51.100.1"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := httptest.NewRequest(http.MethodGet, "/", nil)
			r.RemoteAddr = tt.remoteAddr
			if tt.xff != "" {
				r.Header.Set("X-Forwarded-For", tt.xff)
			}
			if tt.xri != "" {
				r.Header.Set("X-Real-IP", tt.xri)
			}
			if got := GetClientIP(r); got != tt.want {
				t.Errorf("GetClientIP() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestChain_Order(t *testing.T) {
	var order []string
	mw := func(name string) Middleware {
		return func(next http.Handler) http.Handler {
			return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				order = append(order, name)
				next.ServeHTTP(w, r)
			})
		}
	}
	h := Chain(mw("a"), mw("b"), mw("c"))(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		order = append(order, "handler")
	}))
	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/", nil))

	if got := strings.Join(order, ","); got != "a,b,c,handler" {
		t.Errorf("order = %s", got)
	}
}

// =============================================================================
// LIFECYCLE TESTS
// =============================================================================

func TestServeAndShutdown(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	srv := New(&fakeEngine{}, Config{Logger: logging.Nop(), RequestTimeout: time.Second})

	errCh := make(chan error, 1)
	go func() { errCh <- srv.Serve(ln) }()

	url := "http://" + ln.Addr().String()
	resp, err := http.Post(url+"/v1/query", "application/json", bytes.NewBufferString(`{"query":"ping"}`))
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	_ = resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	if srv.Addr() != ln.Addr().String() {
		t.Errorf("Addr() = %q, want %q", srv.Addr(), ln.Addr().String())
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		t.Fatalf("shutdown: %v", err)
	}
	select {
	case err := <-errCh:
		if err != nil {
			t.Errorf("Serve returned %v after shutdown", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Serve did not return after shutdown")
	}

	if err := srv.Serve(ln); err == nil {
		t.Error("second Serve should fail")
	}
}

func TestShutdownBeforeStart(t *testing.T) {
	srv := New(&fakeEngine{}, Config{Logger: logging.Nop()})
	if err := srv.Shutdown(context.Background()); err != nil {
		t.Errorf("Shutdown() = %v, want nil", err)
	}
}
