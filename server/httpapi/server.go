// Package httpapi serves Prometheus metrics and a read-only JSON view of the
// connection cache and upstream backends.
package httpapi

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/migadu/imapcache/logger"
	"github.com/migadu/imapcache/pkg/conncache"
	"github.com/migadu/imapcache/server/proxy"
)

// PoolSource reports connection cache counters.
type PoolSource interface {
	Stats() conncache.Stats
}

// BackendSource reports upstream backend health.
type BackendSource interface {
	BackendHealthStatuses() []proxy.BackendHealthInfo
}

// Server is the status HTTP server.
type Server struct {
	addr         string
	metricsPath  string
	apiKey       string
	allowedHosts []string

	pool     PoolSource
	backends BackendSource

	server *http.Server
}

// ServerOptions holds configuration options for the status server
type ServerOptions struct {
	Addr         string
	MetricsPath  string // default "/metrics"
	APIKey       string // when set, /api requires "Authorization: Bearer <key>"
	AllowedHosts []string
	Pool         PoolSource
	Backends     BackendSource
}

// New creates a status server
func New(options ServerOptions) (*Server, error) {
	if options.Pool == nil {
		return nil, fmt.Errorf("a pool source is required for the status server")
	}
	if options.MetricsPath == "" {
		options.MetricsPath = "/metrics"
	}
	if !strings.HasPrefix(options.MetricsPath, "/") {
		return nil, fmt.Errorf("metrics path %q must start with /", options.MetricsPath)
	}

	return &Server{
		addr:         options.Addr,
		metricsPath:  options.MetricsPath,
		apiKey:       options.APIKey,
		allowedHosts: options.AllowedHosts,
		pool:         options.Pool,
		backends:     options.Backends,
	}, nil
}

// Start runs the server until ctx is done. Failures other than a normal
// shutdown are sent on errChan.
func Start(ctx context.Context, options ServerOptions, errChan chan error) {
	server, err := New(options)
	if err != nil {
		errChan <- fmt.Errorf("failed to create status server: %w", err)
		return
	}

	logger.Info("Starting status server", "addr", options.Addr, "metrics_path", server.metricsPath)
	if err := server.start(ctx); err != nil && err != http.ErrServerClosed && ctx.Err() == nil {
		errChan <- fmt.Errorf("status server failed: %w", err)
	}
}

func (s *Server) start(ctx context.Context) error {
	s.server = &http.Server{
		Addr:              s.addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		<-ctx.Done()
		logger.Info("Shutting down status server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.server.Shutdown(shutdownCtx); err != nil {
			logger.Warn("Error shutting down status server", "error", err)
		}
	}()

	return s.server.ListenAndServe()
}

// Handler returns the router with all routes and middleware installed.
func (s *Server) Handler() http.Handler {
	router := mux.NewRouter()

	router.Use(s.loggingMiddleware)
	router.Use(s.allowedHostsMiddleware)

	router.Handle(s.metricsPath, promhttp.Handler()).Methods("GET")

	v1 := router.PathPrefix("/api/v1").Subrouter()
	if s.apiKey != "" {
		v1.Use(s.authMiddleware)
	}
	v1.HandleFunc("/pool", s.handlePoolStats).Methods("GET")
	v1.HandleFunc("/backends", s.handleBackends).Methods("GET")
	v1.HandleFunc("/health", s.handleHealth).Methods("GET")

	return router
}

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		logger.Debug("HTTP API: request", "method", r.Method, "path", r.URL.Path, "remote", r.RemoteAddr, "duration", time.Since(start))
	})
}

func (s *Server) allowedHostsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if len(s.allowedHosts) == 0 {
			next.ServeHTTP(w, r)
			return
		}

		if !hostAllowed(s.allowedHosts, getClientIP(r)) {
			s.writeError(w, http.StatusForbidden, "Host not allowed")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func hostAllowed(allowed []string, clientIP string) bool {
	ip := net.ParseIP(clientIP)
	for _, entry := range allowed {
		if entry == clientIP {
			return true
		}
		if strings.Contains(entry, "/") && ip != nil {
			if _, cidr, err := net.ParseCIDR(entry); err == nil && cidr.Contains(ip) {
				return true
			}
		}
	}
	return false
}

func (s *Server) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		authHeader := r.Header.Get("Authorization")
		if authHeader == "" {
			s.writeError(w, http.StatusUnauthorized, "Authorization header required")
			return
		}

		scheme, token, ok := strings.Cut(authHeader, " ")
		if !ok || !strings.EqualFold(scheme, "bearer") {
			s.writeError(w, http.StatusUnauthorized, "Authorization header must be 'Bearer <token>'")
			return
		}

		if subtle.ConstantTimeCompare([]byte(token), []byte(s.apiKey)) != 1 {
			s.writeError(w, http.StatusForbidden, "Invalid API key")
			return
		}

		next.ServeHTTP(w, r)
	})
}

// getClientIP uses the connection's peer address. Forwarding headers are
// not trusted: the status port is not meant to sit behind a proxy.
func getClientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// PoolStatsResponse is the body of GET /api/v1/pool.
type PoolStatsResponse struct {
	Slots        int    `json:"slots"`
	Free         int    `json:"free"`
	InUse        int    `json:"in_use"`
	Retained     int    `json:"retained"`
	Peak         int    `json:"peak"`
	TotalCreated uint64 `json:"total_created"`
	TotalReused  uint64 `json:"total_reused"`
}

func (s *Server) handlePoolStats(w http.ResponseWriter, r *http.Request) {
	st := s.pool.Stats()
	s.writeJSON(w, http.StatusOK, PoolStatsResponse{
		Slots:        st.Slots,
		Free:         st.Free,
		InUse:        st.InUse,
		Retained:     st.Retained,
		Peak:         st.Peak,
		TotalCreated: st.TotalCreated,
		TotalReused:  st.TotalReused,
	})
}

func (s *Server) handleBackends(w http.ResponseWriter, r *http.Request) {
	if s.backends == nil {
		s.writeError(w, http.StatusServiceUnavailable, "Backend status not available")
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"backends": s.backends.BackendHealthStatuses()})
}

// handleHealth answers 200 while at least one backend accepts connections.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if s.backends == nil {
		s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
		return
	}

	healthy := 0
	statuses := s.backends.BackendHealthStatuses()
	for _, b := range statuses {
		if b.IsHealthy {
			healthy++
		}
	}
	if healthy == 0 {
		s.writeJSON(w, http.StatusServiceUnavailable, map[string]any{"status": "unavailable", "healthy_backends": 0, "backends": len(statuses)})
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"status": "ok", "healthy_backends": healthy, "backends": len(statuses)})
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		logger.Warn("HTTP API: Error encoding JSON response", "error", err)
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, message string) {
	s.writeJSON(w, status, map[string]string{"error": message})
}
