package crest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"sync"
	"time"
)

const (
	// maxBodySize is the default cap on request bodies (10MB).
	maxBodySize = 10 * 1024 * 1024
)

// AuthConfig enables API key authentication on the HTTP server. Keys in
// APIKeys may do anything; keys in ReadOnlyKeys are rejected on POST, PUT
// and DELETE. Paths in ExcludePaths skip authentication entirely; /health
// is always excluded.
type AuthConfig struct {
	Enabled      bool
	APIKeys      []string
	ReadOnlyKeys []string
	ExcludePaths []string
}

// ServerConfig configures the HTTP API server.
type ServerConfig struct {
	// Addr is the listen address. Defaults to 127.0.0.1:8808.
	Addr string
	// RateLimitPerSecond caps requests per client IP. Zero means the
	// default of 100; negative disables rate limiting.
	RateLimitPerSecond int
	// MaxBodyBytes caps request bodies. Zero means 10MB.
	MaxBodyBytes int64
	// ReadTimeout and WriteTimeout apply to the underlying http.Server.
	// Zero means 15 seconds.
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	// Auth enables API key authentication when non-nil and Enabled.
	Auth *AuthConfig
}

// DefaultServerConfig returns the server defaults.
func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		Addr:               "127.0.0.1:8808",
		RateLimitPerSecond: 100,
		MaxBodyBytes:       maxBodySize,
		ReadTimeout:        15 * time.Second,
		WriteTimeout:       15 * time.Second,
	}
}

// rateLimiter implements a simple token bucket rate limiter per IP
type rateLimiter struct {
	mu       sync.Mutex
	visitors map[string]*visitor
	rate     int           // requests per window
	window   time.Duration // time window
	cleanup  time.Duration // cleanup interval
	stop     chan struct{}
	stopOnce sync.Once
}

type visitor struct {
	tokens    int
	lastReset time.Time
}

// newRateLimiter creates a rate limiter with the given rate per window.
func newRateLimiter(rate int, window time.Duration) *rateLimiter {
	rl := &rateLimiter{
		visitors: make(map[string]*visitor),
		rate:     rate,
		window:   window,
		cleanup:  window * 2,
		stop:     make(chan struct{}),
	}
	go rl.cleanupLoop()
	return rl
}

func (rl *rateLimiter) cleanupLoop() {
	ticker := time.NewTicker(rl.cleanup)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			rl.mu.Lock()
			now := time.Now()
			for ip, v := range rl.visitors {
				if now.Sub(v.lastReset) > rl.cleanup {
					delete(rl.visitors, ip)
				}
			}
			rl.mu.Unlock()
		case <-rl.stop:
			return
		}
	}
}

func (rl *rateLimiter) close() {
	rl.stopOnce.Do(func() { close(rl.stop) })
}

func (rl *rateLimiter) allow(ip string) bool {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := time.Now()
	v, exists := rl.visitors[ip]
	if !exists {
		rl.visitors[ip] = &visitor{tokens: rl.rate - 1, lastReset: now}
		return true
	}

	if now.Sub(v.lastReset) >= rl.window {
		v.tokens = rl.rate - 1
		v.lastReset = now
		return true
	}

	if v.tokens > 0 {
		v.tokens--
		return true
	}

	return false
}

// getClientIP extracts the client IP from the request
func getClientIP(r *http.Request) string {
	// Check X-Forwarded-For header
	xff := r.Header.Get("X-Forwarded-For")
	if xff != "" {
		ips := strings.Split(xff, ",")
		if len(ips) > 0 {
			return strings.TrimSpace(ips[0])
		}
	}

	// Check X-Real-IP header
	xri := r.Header.Get("X-Real-IP")
	if xri != "" {
		return xri
	}

	// Fall back to RemoteAddr
	ip, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return ip
}

// rateLimitMiddleware wraps a handler with rate limiting
func rateLimitMiddleware(rl *rateLimiter, next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ip := getClientIP(r)
		if !rl.allow(ip) {
			w.Header().Set("Retry-After", "1")
			http.Error(w, "rate limit exceeded", http.StatusTooManyRequests)
			return
		}
		next(w, r)
	}
}

// authenticator handles API key authentication
type authenticator struct {
	enabled      bool
	apiKeys      map[string]bool
	readOnlyKeys map[string]bool
	excludePaths map[string]bool
}

func newAuthenticator(cfg *AuthConfig) *authenticator {
	a := &authenticator{
		apiKeys:      make(map[string]bool),
		readOnlyKeys: make(map[string]bool),
		excludePaths: make(map[string]bool),
	}

	if cfg == nil || !cfg.Enabled {
		a.enabled = false
		return a
	}

	a.enabled = true
	for _, key := range cfg.APIKeys {
		a.apiKeys[key] = true
	}
	for _, key := range cfg.ReadOnlyKeys {
		a.readOnlyKeys[key] = true
	}
	for _, path := range cfg.ExcludePaths {
		a.excludePaths[path] = true
	}
	// Always allow health endpoint without auth
	a.excludePaths["/health"] = true

	return a
}

// extractAPIKey extracts the API key from the request
func extractAPIKey(r *http.Request) string {
	// Check Authorization header (Bearer token)
	auth := r.Header.Get("Authorization")
	if strings.HasPrefix(auth, "Bearer ") {
		return strings.TrimPrefix(auth, "Bearer ")
	}

	// Check X-API-Key header
	if key := r.Header.Get("X-API-Key"); key != "" {
		return key
	}

	// Check query parameter
	return r.URL.Query().Get("api_key")
}

// isWriteOperation returns true if the request mutates server state. Every
// POST here does: analysis persists runs and remote write fills the
// collector.
func isWriteOperation(r *http.Request) bool {
	switch r.Method {
	case http.MethodPost, http.MethodPut, http.MethodDelete:
		return true
	}
	return false
}

// authMiddleware wraps a handler with authentication
func authMiddleware(auth *authenticator, next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !auth.enabled {
			next(w, r)
			return
		}

		// Check if path is excluded from auth
		if auth.excludePaths[r.URL.Path] {
			next(w, r)
			return
		}

		apiKey := extractAPIKey(r)
		if apiKey == "" {
			w.Header().Set("WWW-Authenticate", "Bearer")
			http.Error(w, "authentication required", http.StatusUnauthorized)
			return
		}

		// Check if it's a full-access key
		if auth.apiKeys[apiKey] {
			next(w, r)
			return
		}

		// Check if it's a read-only key
		if auth.readOnlyKeys[apiKey] {
			if isWriteOperation(r) {
				http.Error(w, "read-only API key cannot perform write operations", http.StatusForbidden)
				return
			}
			next(w, r)
			return
		}

		http.Error(w, "invalid API key", http.StatusUnauthorized)
	}
}

// Server exposes analysis, run storage and metric collection over HTTP.
// Construct with NewServer, then either call Start for a managed listener
// or mount Handler on an existing server.
type Server struct {
	config    ServerConfig
	analyzer  *Analyzer
	store     ResultStore
	collector *Collector
	limiter   *rateLimiter
	auth      *authenticator
	srv       *http.Server
	listener  net.Listener
}

// NewServer builds a server around an analyzer. The store may be nil, in
// which case runs are not persisted and the run endpoints answer 503.
func NewServer(analyzer *Analyzer, store ResultStore, config ServerConfig) *Server {
	if analyzer == nil {
		analyzer = NewAnalyzer()
	}
	if config.Addr == "" {
		config.Addr = DefaultServerConfig().Addr
	}
	if config.RateLimitPerSecond == 0 {
		config.RateLimitPerSecond = DefaultServerConfig().RateLimitPerSecond
	}
	if config.MaxBodyBytes <= 0 {
		config.MaxBodyBytes = maxBodySize
	}
	if config.ReadTimeout <= 0 {
		config.ReadTimeout = 15 * time.Second
	}
	if config.WriteTimeout <= 0 {
		config.WriteTimeout = 15 * time.Second
	}

	s := &Server{
		config:    config,
		analyzer:  analyzer,
		store:     store,
		collector: NewCollector(),
		auth:      newAuthenticator(config.Auth),
	}
	if config.RateLimitPerSecond > 0 {
		s.limiter = newRateLimiter(config.RateLimitPerSecond, time.Second)
	}
	return s
}

// Collector returns the remote write collector backing /api/v1/write.
func (s *Server) Collector() *Collector {
	return s.collector
}

// Handler builds the route table. Safe to mount under httptest or an
// external http.Server.
func (s *Server) Handler() http.Handler {
	wrap := func(h http.HandlerFunc) http.HandlerFunc {
		h = authMiddleware(s.auth, h)
		if s.limiter != nil {
			h = rateLimitMiddleware(s.limiter, h)
		}
		return h
	}

	mux := http.NewServeMux()

	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, map[string]string{"status": "ok"})
	})

	mux.HandleFunc("/api/v1/analyze", wrap(s.handleAnalyze))
	mux.HandleFunc("/api/v1/analyze/collected", wrap(s.handleAnalyzeCollected))
	mux.HandleFunc("/api/v1/write", wrap(s.handleRemoteWrite))
	mux.HandleFunc("/api/v1/runs", wrap(s.handleRuns))
	mux.HandleFunc("/api/v1/runs/", wrap(s.handleRun))

	// Streaming WebSocket endpoint
	if s.analyzer.Hub != nil {
		mux.HandleFunc("/api/v1/stream", s.analyzer.Hub.WebSocketHandler())
	}

	return mux
}

// Start listens on the configured address and serves in the background.
func (s *Server) Start() error {
	listener, err := net.Listen("tcp", s.config.Addr)
	if err != nil {
		return err
	}
	s.listener = listener
	s.srv = &http.Server{
		Handler:      s.Handler(),
		ReadTimeout:  s.config.ReadTimeout,
		WriteTimeout: s.config.WriteTimeout,
	}
	go func() {
		_ = s.srv.Serve(listener)
	}()
	slog.Info("http server listening", "addr", listener.Addr().String())
	return nil
}

// Addr returns the bound listen address after Start, useful with port 0.
func (s *Server) Addr() string {
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

// Close shuts the server down, waiting up to five seconds for in-flight
// requests.
func (s *Server) Close() error {
	if s.limiter != nil {
		s.limiter.close()
	}
	if s.srv == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return s.srv.Shutdown(ctx)
}

// analyzeRequest is the body of POST /api/v1/analyze. Sample values use
// null for NaN, matching archive envelopes. Detection and anomaly blocks
// overlay the server's defaults per request.
type analyzeRequest struct {
	Times      floatColumn            `json:"times"`
	Signals    map[string]floatColumn `json:"signals"`
	SampleRate float64                `json:"sample_rate,omitempty"`
	Names      []string               `json:"names,omitempty"`
	Detection  *DetectionSpec         `json:"detection,omitempty"`
	Anomaly    *AnomalySpec           `json:"anomaly,omitempty"`
}

// collectedRequest is the optional body of POST /api/v1/analyze/collected.
type collectedRequest struct {
	Names     []string       `json:"names,omitempty"`
	Reset     bool           `json:"reset,omitempty"`
	Detection *DetectionSpec `json:"detection,omitempty"`
	Anomaly   *AnomalySpec   `json:"anomaly,omitempty"`
}

// requestAnalyzer derives a per-request analyzer from the server's,
// overlaying any detection and anomaly overrides.
func (s *Server) requestAnalyzer(detection *DetectionSpec, anomaly *AnomalySpec) (*Analyzer, error) {
	a := &Analyzer{
		Params:  s.analyzer.Params,
		Anomaly: s.analyzer.Anomaly,
		Workers: s.analyzer.Workers,
		Hub:     s.analyzer.Hub,
	}
	if detection != nil || anomaly != nil {
		var spec AnalysisSpec
		if detection != nil {
			spec.Detection = *detection
		}
		if anomaly != nil {
			for _, m := range anomaly.Methods {
				if !AnomalyMethod(m).Valid() {
					return nil, fmt.Errorf("anomaly.methods: unknown method %q", m)
				}
			}
			spec.Anomaly = *anomaly
		}
		if detection != nil {
			a.Params = spec.PeakParams()
		}
		if anomaly != nil {
			a.Anomaly = spec.AnomalyConfig()
		}
	}
	return a, nil
}

func (s *Server) handleAnalyze(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	r.Body = http.MaxBytesReader(w, r.Body, s.config.MaxBodyBytes)

	var req analyzeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		jsonError(w, http.StatusBadRequest, "decode", err.Error())
		return
	}
	if len(req.Times) == 0 {
		jsonError(w, http.StatusBadRequest, "validation", "times is required")
		return
	}
	if len(req.Signals) == 0 {
		jsonError(w, http.StatusBadRequest, "validation", "at least one signal is required")
		return
	}

	set := NewSignalSet(req.Times)
	if req.SampleRate > 0 {
		set.SetSampleRate(req.SampleRate)
	}
	names := make([]string, 0, len(req.Signals))
	for name := range req.Signals {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		if err := set.AddSignal(name, req.Signals[name]); err != nil {
			jsonError(w, http.StatusBadRequest, "validation", err.Error())
			return
		}
	}

	analyzer, err := s.requestAnalyzer(req.Detection, req.Anomaly)
	if err != nil {
		jsonError(w, http.StatusBadRequest, "validation", err.Error())
		return
	}

	run, err := analyzer.Analyze(r.Context(), set, req.Names)
	if err != nil {
		jsonError(w, http.StatusInternalServerError, "analysis", err.Error())
		return
	}
	if s.store != nil {
		if err := s.store.SaveRun(r.Context(), run); err != nil {
			jsonError(w, http.StatusInternalServerError, "storage", err.Error())
			return
		}
	}
	writeJSON(w, run)
}

func (s *Server) handleAnalyzeCollected(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	r.Body = http.MaxBytesReader(w, r.Body, s.config.MaxBodyBytes)

	var req collectedRequest
	body, err := io.ReadAll(r.Body)
	if err != nil {
		jsonError(w, http.StatusBadRequest, "decode", err.Error())
		return
	}
	if len(body) > 0 {
		if err := json.Unmarshal(body, &req); err != nil {
			jsonError(w, http.StatusBadRequest, "decode", err.Error())
			return
		}
	}

	set, err := s.collector.BuildSignalSet()
	if err != nil {
		jsonError(w, http.StatusBadRequest, "validation", err.Error())
		return
	}

	analyzer, err := s.requestAnalyzer(req.Detection, req.Anomaly)
	if err != nil {
		jsonError(w, http.StatusBadRequest, "validation", err.Error())
		return
	}

	run, err := analyzer.Analyze(r.Context(), set, req.Names)
	if err != nil {
		jsonError(w, http.StatusInternalServerError, "analysis", err.Error())
		return
	}
	if s.store != nil {
		if err := s.store.SaveRun(r.Context(), run); err != nil {
			jsonError(w, http.StatusInternalServerError, "storage", err.Error())
			return
		}
	}
	if req.Reset {
		s.collector.Reset()
	}
	writeJSON(w, run)
}

func (s *Server) handleRemoteWrite(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	r.Body = http.MaxBytesReader(w, r.Body, s.config.MaxBodyBytes)
	body, err := io.ReadAll(r.Body)
	if err != nil {
		jsonError(w, http.StatusBadRequest, "decode", err.Error())
		return
	}
	n, err := s.collector.IngestSnappy(body)
	if err != nil {
		jsonError(w, http.StatusBadRequest, "decode", err.Error())
		return
	}
	slog.Debug("remote write ingested", "samples", n, "total", s.collector.SampleCount())
	w.WriteHeader(http.StatusAccepted)
}

func (s *Server) handleRuns(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	if s.store == nil {
		jsonError(w, http.StatusServiceUnavailable, "storage", "no result store configured")
		return
	}
	runs, err := s.store.ListRuns(r.Context())
	if err != nil {
		jsonError(w, http.StatusInternalServerError, "storage", err.Error())
		return
	}
	if runs == nil {
		runs = []RunSummary{}
	}
	writeJSON(w, runs)
}

// handleRun serves /api/v1/runs/{id} and /api/v1/runs/{id}/report.
func (s *Server) handleRun(w http.ResponseWriter, r *http.Request) {
	if s.store == nil {
		jsonError(w, http.StatusServiceUnavailable, "storage", "no result store configured")
		return
	}

	rest := strings.TrimPrefix(r.URL.Path, "/api/v1/runs/")
	runID, sub, _ := strings.Cut(rest, "/")
	if unescaped, err := url.PathUnescape(runID); err == nil {
		runID = unescaped
	}
	if runID == "" {
		http.NotFound(w, r)
		return
	}

	switch sub {
	case "":
	case "report":
		if r.Method != http.MethodGet {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		run, err := s.store.LoadRun(r.Context(), runID)
		if err != nil {
			s.runError(w, runID, err)
			return
		}
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		if err := WriteSummaryReport(w, run); err != nil {
			slog.Error("failed to write summary report", "run", runID, "err", err)
		}
		return
	default:
		http.NotFound(w, r)
		return
	}

	switch r.Method {
	case http.MethodGet:
		run, err := s.store.LoadRun(r.Context(), runID)
		if err != nil {
			s.runError(w, runID, err)
			return
		}
		writeJSON(w, run)

	case http.MethodDelete:
		if err := s.store.DeleteRun(r.Context(), runID); err != nil {
			s.runError(w, runID, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)

	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

func (s *Server) runError(w http.ResponseWriter, runID string, err error) {
	if errors.Is(err, ErrRunNotFound) {
		jsonError(w, http.StatusNotFound, "not_found", "run "+runID+" not found")
		return
	}
	jsonError(w, http.StatusInternalServerError, "storage", err.Error())
}
