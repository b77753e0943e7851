// Package server wires the MCP endpoint, the OAuth endpoints and the
// auxiliary HTTP routes into one chi router.
package server

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"runtime"
	"sort"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/cors"

	"github.com/pouriya/redashmcp/internal/httplog"
	"github.com/pouriya/redashmcp/internal/mcp"
	"github.com/pouriya/redashmcp/internal/metrics"
	"github.com/pouriya/redashmcp/internal/oauth"
	"github.com/pouriya/redashmcp/internal/orders"
)

// Config holds the collaborators served by the router. OAuth and Metrics
// may be nil.
type Config struct {
	Store    *orders.Store
	MCP      *mcp.Server
	OAuth    *oauth.Server
	Metrics  *metrics.Metrics
	Upstream string
}

// Server is the HTTP front of the process.
type Server struct {
	cfg     Config
	router  chi.Router
	started time.Time
}

// New builds the router.
func New(cfg Config) *Server {
	s := &Server{cfg: cfg, started: time.Now()}

	var rec httplog.Recorder
	if cfg.Metrics != nil {
		rec = cfg.Metrics
	}

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(middleware.RealIP)
	r.Use(httplog.Middleware(rec))
	r.Use(cors.New(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders: []string{"*"},
		ExposedHeaders: []string{"Mcp-Session-Id"},
	}).Handler)

	r.Handle("/", cfg.MCP)
	r.Handle("/mcp", cfg.MCP)

	r.Get("/health", s.health)
	r.Get("/test", s.test)
	r.Get("/debug", s.debug)
	r.Get("/force-refresh", s.forceRefresh)
	r.Post("/force-refresh", s.forceRefresh)
	r.Get("/endpoints", s.endpoints)
	if cfg.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", cfg.Metrics.Handler())
	}

	r.Route("/api/orders", func(api chi.Router) {
		api.Get("/", s.listOrders)
		api.Get("/search", s.searchOrders)
		api.Get("/stats", s.ordersStats)
		api.Get("/{number}", s.getOrder)
	})

	if cfg.OAuth != nil {
		cfg.OAuth.Routes(r)
	}

	s.router = r
	return s
}

// Handler returns the root handler.
func (s *Server) Handler() http.Handler { return s.router }

func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	resp := map[string]any{
		"status":         "healthy",
		"timestamp":      time.Now().Format(time.RFC3339),
		"auth_required":  s.cfg.MCP.AuthRequired(),
		"oauth_enabled":  s.cfg.OAuth != nil,
		"mcp_protocol":   mcp.ProtocolVersion,
		"uptime_seconds": int(time.Since(s.started).Seconds()),
	}
	if snap := s.cfg.Store.Snapshot(); snap != nil {
		resp["cache"] = map[string]any{
			"records":     len(snap.Records),
			"age_seconds": int(time.Since(snap.FetchedAt).Seconds()),
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) test(w http.ResponseWriter, r *http.Request) {
	result := map[string]any{"success": false}
	snap, err := s.cfg.Store.Get(r.Context())
	if err != nil {
		result["error"] = err.Error()
	} else {
		result["success"] = true
		result["records"] = len(snap.Records)
		result["columns"] = snap.Columns
		result["source"] = snap.Source
		result["retrieved_at"] = snap.FetchedAt.Format(time.RFC3339)
		if len(snap.Records) > 0 {
			result["sample"] = snap.Records[0]
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"test_result":   result,
		"timestamp":     time.Now().Format(time.RFC3339),
		"server_status": "operational",
	})
}

func (s *Server) debug(w http.ResponseWriter, r *http.Request) {
	cache := map[string]any{
		"window_seconds": int(s.cfg.Store.Window().Seconds()),
		"has_data":       false,
	}
	if snap := s.cfg.Store.Snapshot(); snap != nil {
		age := time.Since(snap.FetchedAt)
		cache["has_data"] = true
		cache["fetched_at"] = snap.FetchedAt.Format(time.RFC3339)
		cache["age_seconds"] = int(age.Seconds())
		cache["fresh"] = age < s.cfg.Store.Window()
		cache["records"] = len(snap.Records)
		cache["columns"] = snap.Columns
		cache["skipped_rows"] = snap.Skipped
		cache["blank_rows"] = snap.Blank
	}
	if at, err := s.cfg.Store.LastError(); err != nil {
		cache["last_error"] = err.Error()
		cache["last_error_at"] = at.Format(time.RFC3339)
	}

	resp := map[string]any{
		"cache":    cache,
		"upstream": s.cfg.Upstream,
		"sessions": s.cfg.MCP.Sessions(),
		"runtime": map[string]any{
			"go_version":     runtime.Version(),
			"goroutines":     runtime.NumGoroutine(),
			"uptime_seconds": int(time.Since(s.started).Seconds()),
		},
	}
	if s.cfg.OAuth != nil {
		if st, err := s.cfg.OAuth.DB.Stats(r.Context()); err == nil {
			resp["oauth"] = st
		} else {
			slog.Warn("oauth stats", "error", err)
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) forceRefresh(w http.ResponseWriter, r *http.Request) {
	snap, err := s.cfg.Store.Refresh(r.Context())
	if err != nil {
		writeJSON(w, http.StatusBadGateway, map[string]any{"success": false, "error": err.Error()})
		return
	}
	slog.Info("cache refreshed", "records", len(snap.Records))
	writeJSON(w, http.StatusOK, map[string]any{
		"success":    true,
		"records":    len(snap.Records),
		"fetched_at": snap.FetchedAt.Format(time.RFC3339),
	})
}

func (s *Server) endpoints(w http.ResponseWriter, r *http.Request) {
	routes := map[string][]string{}
	err := chi.Walk(s.router, func(method, route string, _ http.Handler, _ ...func(http.Handler) http.Handler) error {
		route = strings.Replace(route, "/*/", "/", -1)
		if len(route) > 1 {
			route = strings.TrimSuffix(route, "/")
		}
		routes[route] = append(routes[route], method)
		return nil
	})
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	paths := make([]string, 0, len(routes))
	for p := range routes {
		paths = append(paths, p)
	}
	sort.Strings(paths)
	list := make([]map[string]any, 0, len(paths))
	for _, p := range paths {
		methods := routes[p]
		sort.Strings(methods)
		list = append(list, map[string]any{"path": p, "methods": methods})
	}
	writeJSON(w, http.StatusOK, map[string]any{"endpoints": list})
}

// storeError writes a failed snapshot read.
func storeError(w http.ResponseWriter, err error) {
	status := http.StatusBadGateway
	if errors.Is(err, orders.ErrNoRows) {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.Header().Set("Cache-Control", "no-cache")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
