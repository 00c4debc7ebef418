// Package server exposes the placer over HTTP and wires its runtime.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"

	"github.com/regionplacer/placer/internal/api"
	"github.com/regionplacer/placer/internal/config"
	"github.com/regionplacer/placer/internal/placement"
	"github.com/regionplacer/placer/internal/store"
	"github.com/regionplacer/placer/internal/traffic"
)

// Engine is the part of placement.Engine the HTTP surface uses
type Engine interface {
	RunCycle(ctx context.Context) (*api.CycleResult, error)
	State(ctx context.Context) (api.DeploymentState, store.Mode, error)
	History(ctx context.Context) ([]api.TrafficSnapshot, store.Mode, error)
}

// Server serves the placer HTTP routes
type Server struct {
	engine    Engine
	provider  config.Provider
	collector traffic.Collector
	gatherer  prometheus.Gatherer
	limiter   *rate.Limiter
	now       func() time.Time

	metricsAuth struct {
		enabled  bool
		user     string
		password string
	}
}

// New creates a server. Rate limit and metrics credentials come from the configuration at construction.
func New(engine Engine, provider config.Provider, collector traffic.Collector, gatherer prometheus.Gatherer) *Server {
	cfg := provider.Current()

	burst := cfg.Server.TriggerBurst
	if burst < 1 {
		burst = 1
	}

	s := &Server{
		engine:    engine,
		provider:  provider,
		collector: collector,
		gatherer:  gatherer,
		limiter:   rate.NewLimiter(rate.Limit(cfg.Server.TriggerRPS), burst),
		now:       time.Now,
	}

	s.metricsAuth.enabled = cfg.Server.MetricsUser != "" && cfg.Server.MetricsPassword != ""
	s.metricsAuth.user = cfg.Server.MetricsUser
	s.metricsAuth.password = cfg.Server.MetricsPassword
	return s
}

// Handler returns the HTTP routes
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", s.handleHealth)
	mux.Handle("/metrics", s.metricsHandler())
	mux.HandleFunc("/v1/traffic", s.handleTraffic)
	mux.HandleFunc("/v1/state", s.handleState)
	mux.HandleFunc("/v1/history", s.handleHistory)
	mux.HandleFunc("/v1/trigger", s.handleTrigger)
	return mux
}

// HealthResponse is the body of GET /health
type HealthResponse struct {
	Status       string `json:"status"`
	ConfigLoaded bool   `json:"config_loaded"`
	DryRun       bool   `json:"dry_run"`
	Mode         string `json:"mode"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	cfg := s.provider.Current()
	resp := HealthResponse{Status: "healthy", ConfigLoaded: cfg != nil}
	if cfg != nil {
		resp.DryRun = cfg.DryRun
		resp.Mode = string(store.ModeFor(cfg.DryRun))
	}
	respondJSON(w, http.StatusOK, resp)
}

func (s *Server) metricsHandler() http.Handler {
	handler := promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{})

	if !s.metricsAuth.enabled {
		return handler
	}

	// Wrap with Basic Auth
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		user, pass, ok := r.BasicAuth()
		if !ok || user != s.metricsAuth.user || pass != s.metricsAuth.password {
			w.Header().Set("WWW-Authenticate", `Basic realm="Metrics"`)
			http.Error(w, "Unauthorized", http.StatusUnauthorized)
			return
		}
		handler.ServeHTTP(w, r)
	})
}

// TrafficResponse is the body of GET /v1/traffic
type TrafficResponse struct {
	Timestamp time.Time          `json:"timestamp"`
	Counts    map[string]float64 `json:"counts"`
}

func (s *Server) handleTraffic(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	counts, err := s.collector.Collect(r.Context())
	if err != nil {
		logrus.WithError(err).Error("Failed to collect traffic")
		respondError(w, http.StatusBadGateway, "failed to collect traffic")
		return
	}
	for region, v := range counts {
		if !api.ValidCount(v) {
			delete(counts, region)
		}
	}
	respondJSON(w, http.StatusOK, TrafficResponse{Timestamp: s.now().UTC(), Counts: counts})
}

// StateResponse is the body of GET /v1/state
type StateResponse struct {
	Mode    string                `json:"mode"`
	Placed  []string              `json:"placed"`
	Regions map[string]*time.Time `json:"regions"`
}

func (s *Server) handleState(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	st, mode, err := s.engine.State(r.Context())
	if err != nil {
		logrus.WithError(err).Error("Failed to load deployment state")
		respondError(w, http.StatusServiceUnavailable, "failed to load deployment state")
		return
	}
	respondJSON(w, http.StatusOK, StateResponse{Mode: string(mode), Placed: st.PlacedRegions(), Regions: st.Regions})
}

// HistoryResponse is the body of GET /v1/history
type HistoryResponse struct {
	Mode    string                `json:"mode"`
	Entries []api.TrafficSnapshot `json:"entries"`
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	limit := 0
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			respondError(w, http.StatusBadRequest, "limit must be a non-negative integer")
			return
		}
		limit = n
	}

	entries, mode, err := s.engine.History(r.Context())
	if err != nil {
		logrus.WithError(err).Error("Failed to load traffic history")
		respondError(w, http.StatusServiceUnavailable, "failed to load traffic history")
		return
	}
	if limit > 0 && len(entries) > limit {
		entries = entries[:limit]
	}
	if entries == nil {
		entries = []api.TrafficSnapshot{}
	}
	respondJSON(w, http.StatusOK, HistoryResponse{Mode: string(mode), Entries: entries})
}

func (s *Server) handleTrigger(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	// Rate limiting
	if !s.limiter.Allow() {
		w.Header().Set("Retry-After", "10")
		http.Error(w, "Too many requests", http.StatusTooManyRequests)
		return
	}

	res, err := s.engine.RunCycle(r.Context())
	if err != nil {
		respondError(w, statusFor(err), err.Error())
		return
	}
	respondJSON(w, http.StatusOK, res)
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, placement.ErrConfig):
		return http.StatusUnprocessableEntity
	case errors.Is(err, placement.ErrStorage):
		return http.StatusServiceUnavailable
	default:
		return http.StatusBadGateway
	}
}

// ErrorResponse is the body of every non-2xx JSON response
type ErrorResponse struct {
	Error string `json:"error"`
}

func respondError(w http.ResponseWriter, status int, msg string) {
	respondJSON(w, status, ErrorResponse{Error: msg})
}

func respondJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logrus.WithError(err).Warn("Failed to write response")
	}
}
