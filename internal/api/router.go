// Package api exposes the collector and dashboard HTTP surface.
package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/IngaCherny/AgentsLeak/internal/config"
	"github.com/IngaCherny/AgentsLeak/internal/engine"
	"github.com/IngaCherny/AgentsLeak/internal/store"
	"github.com/IngaCherny/AgentsLeak/internal/websocket"
)

// Server bundles the dependencies the handlers need.
type Server struct {
	cfg    *config.Config
	store  *store.Store
	engine *engine.Engine
	hub    *websocket.Hub
}

// NewServer wires the handlers to their dependencies.
func NewServer(cfg *config.Config, st *store.Store, eng *engine.Engine, hub *websocket.Hub) *Server {
	return &Server{cfg: cfg, store: st, engine: eng, hub: hub}
}

// Router builds the full route tree: collector endpoints under
// /api/collect, the dashboard REST API under /api, the pub/sub upgrade at
// /ws, and Prometheus metrics at /metrics.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(chimiddleware.Recoverer)
	r.Use(requestLogger)
	r.Use(corsMiddleware(s.cfg.CORSOrigins))

	r.Route("/api", func(r chi.Router) {
		r.Route("/collect", func(r chi.Router) {
			r.Use(collectorAuth(s.cfg.APIKey))
			r.Get("/health", s.collectorHealth)
			r.Post("/pre-tool-use", s.collectPreToolUse)
			r.Post("/post-tool-use", s.collectPostToolUse)
			r.Post("/post-tool-use-error", s.collectPostToolUseError)
			r.Post("/session-start", s.collectSessionStart)
			r.Post("/session-end", s.collectSessionEnd)
			r.Post("/subagent-start", s.collectSubagentStart)
			r.Post("/subagent-stop", s.collectSubagentStop)
			r.Post("/permission-request", s.collectPermissionRequest)
			r.Post("/user-prompt-submit", s.collectUserPromptSubmit)
		})

		r.Get("/health", s.health)

		r.Group(func(r chi.Router) {
			r.Use(dashboardAuth(s.cfg.DashboardToken))

			r.Get("/overview", s.overview)

			r.Route("/sessions", func(r chi.Router) {
				r.Get("/", s.listSessions)
				r.Get("/{sessionID}", s.getSession)
				r.Get("/{sessionID}/events", s.getSessionEvents)
				r.Get("/{sessionID}/timeline", s.getSessionTimeline)
				r.Post("/{sessionID}/terminate", s.terminateSession)
			})

			r.Route("/events", func(r chi.Router) {
				r.Get("/", s.listEvents)
				r.Get("/{eventID}", s.getEvent)
			})

			r.Route("/alerts", func(r chi.Router) {
				r.Get("/", s.listAlerts)
				r.Get("/{alertID}", s.getAlert)
				r.Patch("/{alertID}", s.updateAlert)
				r.Post("/{alertID}/acknowledge", s.acknowledgeAlert)
				r.Post("/{alertID}/resolve", s.resolveAlert)
				r.Get("/{alertID}/context", s.getAlertContext)
				r.Get("/{alertID}/graph", s.getAlertGraph)
			})

			r.Route("/policies", func(r chi.Router) {
				r.Get("/", s.listPolicies)
				r.Post("/", s.createPolicy)
				r.Get("/assistant-status", s.assistantStatus)
				r.Post("/generate", s.generatePolicy)
				r.Get("/{policyID}", s.getPolicy)
				r.Put("/{policyID}", s.updatePolicy)
				r.Delete("/{policyID}", s.deletePolicy)
				r.Post("/{policyID}/toggle", s.togglePolicy)
			})

			r.Route("/graph", func(r chi.Router) {
				r.Get("/session/{sessionID}", s.getSessionGraph)
				r.Get("/global", s.getGlobalGraph)
			})

			r.Route("/stats", func(r chi.Router) {
				r.Get("/dashboard", s.dashboardStats)
				r.Get("/endpoints", s.endpointStats)
				r.Get("/timeline", s.timelineStats)
				r.Get("/top-files", s.topFiles)
				r.Get("/top-commands", s.topCommands)
				r.Get("/top-domains", s.topDomains)
			})
		})
	})

	r.Group(func(r chi.Router) {
		r.Use(websocketAuth(s.cfg.DashboardToken))
		r.Get("/ws", s.hub.HandleWebSocket)
	})

	r.Handle("/metrics", promhttp.Handler())

	return r
}

func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "healthy", "service": "agentsleak"})
}

func (s *Server) collectorHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "healthy", "service": "collector"})
}

// overview is a light aggregate for the dashboard landing page.
func (s *Server) overview(w http.ResponseWriter, r *http.Request) {
	activeSessions, err := s.store.GetSessionCount("active")
	if err != nil {
		writeError(w, err)
		return
	}
	totalSessions, err := s.store.GetSessionCount("")
	if err != nil {
		writeError(w, err)
		return
	}
	totalEvents, err := s.store.GetEventCount(store.EventFilter{})
	if err != nil {
		writeError(w, err)
		return
	}
	totalAlerts, err := s.store.GetAlertCount(store.AlertFilter{})
	if err != nil {
		writeError(w, err)
		return
	}
	newAlerts, err := s.store.GetAlertCount(store.AlertFilter{Status: "new"})
	if err != nil {
		writeError(w, err)
		return
	}
	endpoints, err := s.store.GetUniqueEndpointCount()
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"active_sessions":   activeSessions,
		"total_sessions":    totalSessions,
		"total_events":      totalEvents,
		"total_alerts":      totalAlerts,
		"new_alerts":        newAlerts,
		"unique_endpoints":  endpoints,
		"connected_clients": s.hub.ClientCount(),
	})
}
