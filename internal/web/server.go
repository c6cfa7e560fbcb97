package web

import (
	"crypto/subtle"
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"addon-home/internal/events"
	"addon-home/internal/manager"
	"addon-home/internal/metrics"
)

// ServerOption configures the web server.
type ServerOption func(*Server)

// WithAPIKey enables API key authentication.
func WithAPIKey(key string) ServerOption {
	return func(s *Server) {
		s.apiKey = key
	}
}

// WithAllowedOrigins sets allowed origin patterns for mutating requests
// and WebSocket upgrades.
func WithAllowedOrigins(origins []string) ServerOption {
	return func(s *Server) {
		s.allowedOrigins = origins
	}
}

// WithVersion sets the application version string reported by /api/version.
func WithVersion(v string) ServerOption {
	return func(s *Server) {
		s.version = v
	}
}

// WithMetrics serves c at /metrics and records every API request in it.
func WithMetrics(c *metrics.Collector) ServerOption {
	return func(s *Server) {
		s.metrics = c
	}
}

// Server is the HTTP front end of the add-on manager.
type Server struct {
	mgr            *manager.Manager
	wsHub          *WSHub
	logger         *slog.Logger
	mux            *http.ServeMux
	apiKey         string
	allowedOrigins []string
	version        string
	metrics        *metrics.Collector
	wg             sync.WaitGroup
	unsubEvents    func()
}

// NewServer creates the server and starts its WebSocket hub. Every event
// on bus is forwarded to connected WebSocket clients.
func NewServer(mgr *manager.Manager, bus *events.Bus, logger *slog.Logger, opts ...ServerOption) *Server {
	s := &Server{
		mgr:    mgr,
		logger: logger.With("component", "web"),
		mux:    http.NewServeMux(),
	}
	for _, opt := range opts {
		opt(s)
	}

	s.wsHub = NewWSHub(s.logger)
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.wsHub.Run()
	}()

	s.unsubEvents = bus.OnAll(func(event events.Event) {
		s.wsHub.Publish(event)
	})

	s.routes()
	return s
}

// Stop gracefully shuts down the WebSocket hub and waits for goroutines.
func (s *Server) Stop() {
	if s.unsubEvents != nil {
		s.unsubEvents()
	}
	s.wsHub.Stop()
	s.wg.Wait()
}

func (s *Server) routes() {
	s.mux.HandleFunc("GET /api/addons", s.handleAPIListAddOns)
	s.mux.HandleFunc("POST /api/addons", s.handleAPIInstallAddOn)
	s.mux.HandleFunc("GET /api/addons/{name}", s.handleAPIGetAddOn)
	s.mux.HandleFunc("GET /api/addons/{name}/xml", s.handleAPIExportAddOn)
	s.mux.HandleFunc("DELETE /api/addons/{name}", s.handleAPIUninstallAddOn)
	s.mux.HandleFunc("POST /api/addons/{name}/activate", s.handleAPIActivateAddOn)
	s.mux.HandleFunc("POST /api/addons/{name}/deactivate", s.handleAPIDeactivateAddOn)
	s.mux.HandleFunc("GET /api/version", s.handleAPIVersion)

	s.mux.HandleFunc("GET /ws", s.handleWS)

	if s.metrics != nil {
		s.mux.Handle("GET /metrics", s.metrics.Handler())
	}
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

// ServeHTTP implements http.Handler, applying auth, CORS and metrics middleware.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	// The WebSocket upgrade needs the original writer to hijack the connection.
	if s.metrics == nil || r.URL.Path == "/ws" {
		s.serve(w, r)
		return
	}
	rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
	start := time.Now()
	s.serve(rec, r)
	_, route := s.mux.Handler(r)
	if route == "" {
		route = "unmatched"
	}
	s.metrics.ObserveHTTP(r.Method, route, rec.status, time.Since(start))
}

func (s *Server) serve(w http.ResponseWriter, r *http.Request) {
	// CORS: check Origin on mutating requests to prevent CSRF.
	if len(s.allowedOrigins) > 0 {
		origin := r.Header.Get("Origin")
		if origin != "" {
			if r.Method == http.MethodOptions {
				if s.isOriginAllowed(origin) {
					w.Header().Set("Access-Control-Allow-Origin", origin)
					w.Header().Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
					w.Header().Set("Access-Control-Allow-Headers", "Content-Type, X-API-Key")
					w.Header().Set("Access-Control-Max-Age", "3600")
					w.WriteHeader(http.StatusNoContent)
					return
				}
				http.Error(w, "Forbidden", http.StatusForbidden)
				return
			}

			if r.Method != http.MethodGet {
				if !s.isOriginAllowed(origin) {
					http.Error(w, "Forbidden", http.StatusForbidden)
					return
				}
				w.Header().Set("Access-Control-Allow-Origin", origin)
			}
		}
	}

	// The WebSocket endpoint is left open: browsers cannot set headers on upgrade.
	if s.apiKey != "" && strings.HasPrefix(r.URL.Path, "/api/") {
		key := r.Header.Get("X-API-Key")
		if subtle.ConstantTimeCompare([]byte(key), []byte(s.apiKey)) != 1 {
			http.Error(w, "Unauthorized", http.StatusUnauthorized)
			return
		}
	}
	s.mux.ServeHTTP(w, r)
}

// isOriginAllowed checks if the origin matches any allowed origin pattern.
func (s *Server) isOriginAllowed(origin string) bool {
	for _, allowed := range s.allowedOrigins {
		if allowed == "*" || allowed == origin {
			return true
		}
	}
	return false
}

func (s *Server) handleAPIVersion(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]string{"version": s.version})
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Error("writeJSON encode failed", "err", err)
	}
}
