// Package server exposes the memory service over HTTP: a JSON API under
// /api/v1, a Prometheus scrape endpoint and a server-sent event stream.
package server

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/kadirpekel/memtree/pkg/observability"
	"github.com/kadirpekel/memtree/pkg/ratelimit"
	"github.com/kadirpekel/memtree/pkg/service"
)

// Server is the HTTP front of one service instance.
type Server struct {
	svc    *service.Service
	events *EventHub

	httpServer *http.Server
}

// New builds a server around an initialized service.
func New(svc *service.Service) *Server {
	s := &Server{
		svc:    svc,
		events: NewEventHub(),
	}
	s.httpServer = &http.Server{
		Addr:              svc.Config.ListenAddr(),
		Handler:           s.router(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

// Start serves until the listener fails or Stop is called.
func (s *Server) Start() error {
	slog.Info("HTTP server starting", "addr", s.httpServer.Addr,
		"auth", s.svc.Config.APIKey != "",
		"rate_limit", s.svc.Config.RateLimit)
	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("http server failed: %w", err)
	}
	return nil
}

// Stop drains in-flight requests and shuts the listener down.
func (s *Server) Stop(ctx context.Context) error {
	s.events.Close()
	if err := s.httpServer.Shutdown(ctx); err != nil {
		return fmt.Errorf("failed to shutdown http server: %w", err)
	}
	slog.Info("HTTP server stopped")
	return nil
}

func (s *Server) router() http.Handler {
	r := chi.NewRouter()

	// Order: logging -> rate limit -> auth.
	r.Use(loggingMiddleware)
	r.Use(ratelimit.Middleware(s.svc.Limiter))
	r.Use(authMiddleware(s.svc.Config.APIKey))

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
	})
	if s.svc.Config.Metrics.Enabled {
		r.Get("/metrics", observability.Handler().ServeHTTP)
	}

	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/events", s.handleEvents)

		r.Post("/branches", s.handleBranchCreate)
		r.Get("/branches", s.handleBranchList)
		r.Get("/branches/diff", s.handleBranchDiff)
		// Branch names are slash scoped, so the catch-all carries them.
		r.Get("/branches/*", s.handleBranchGet)
		r.Delete("/branches/*", s.handleBranchArchive)

		r.Post("/merge", s.handleMerge)
		r.Get("/merge/gate", s.handleMergeGate)

		r.Post("/search", s.handleSearchFacts)
		r.Post("/search/cross", s.handleSearchCross)
		r.Post("/search/observations", s.handleSearchObservations)

		r.Post("/facts", s.handleWriteFact)
		r.Get("/facts/{id}", s.handleGetFact)
		r.Post("/facts/{id}/supersede", s.handleSupersedeFact)
		r.Post("/observations", s.handleWriteObservation)
		r.Post("/messages", s.handleWriteMessage)
		r.Post("/relations", s.handleWriteRelation)
		r.Post("/backfill", s.handleBackfill)

		r.Post("/snapshots", s.handleSnapshotCreate)
		r.Get("/snapshots", s.handleSnapshotList)
		r.Post("/snapshots/{id}/restore", s.handleSnapshotRestore)
		r.Get("/time-travel", s.handleTimeTravel)

		r.Post("/consolidate", s.handleConsolidate)
		r.Post("/verify", s.handleVerify)

		r.Post("/conversations", s.handleConversationCreate)
		r.Get("/conversations/diff", s.handleConversationDiff)
		r.Get("/conversations/{id}", s.handleConversationGet)
		r.Post("/conversations/{id}/fork", s.handleConversationFork)
		r.Post("/conversations/{id}/cherry-pick", s.handleConversationCherryPick)
		r.Post("/conversations/{id}/replay", s.handleReplayCreate)
		r.Get("/replays/{id}", s.handleReplayGet)
		r.Post("/replays/{id}/complete", s.handleReplayComplete)

		r.Post("/tasks", s.handleTaskCreate)
		r.Get("/tasks/{id}", s.handleTaskGet)
		r.Post("/tasks/{id}/agents", s.handleTaskAssignAgent)
		r.Post("/tasks/{id}/agents/{agent}/complete", s.handleTaskCompleteAgent)
		r.Post("/tasks/{id}/complete", s.handleTaskComplete)

		r.Post("/sessions", s.handleSessionStart)
		r.Get("/sessions/{id}", s.handleSessionGet)
		r.Post("/sessions/{id}/end", s.handleSessionEnd)

		r.Post("/templates", s.handleTemplateCreate)
		r.Get("/templates/{name}", s.handleTemplateGet)
		r.Post("/templates/{name}/apply", s.handleTemplateApply)
		r.Post("/templates/{name}/deprecate", s.handleTemplateDeprecate)

		r.Post("/bundles", s.handleBundleCreate)
		r.Get("/bundles/{id}", s.handleBundleGet)
		r.Post("/bundles/{id}/import", s.handleBundleImport)

		r.Post("/handoffs", s.handleHandoffCreate)
		r.Get("/handoffs/{id}", s.handleHandoffGet)

		r.Get("/analytics", s.handleAnalytics)
	})

	return r
}
