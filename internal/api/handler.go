// Package api exposes the engine over HTTP: request/response operations
// for workers, worktrees, messaging, coordination, and consolidation, plus
// the server-sent event stream that mirrors the event fabric.
package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"go.uber.org/zap"

	"hive/internal/config"
	"hive/pkg/consolidate"
	"hive/pkg/coord"
	"hive/pkg/eventbus"
	"hive/pkg/eventlog"
	"hive/pkg/monitor"
	"hive/pkg/msgbus"
	"hive/pkg/registry"
	"hive/pkg/supervisor"
	"hive/pkg/vcs"
)

// Handler holds dependencies for HTTP handlers.
type Handler struct {
	reg      *registry.Registry
	sup      *supervisor.Supervisor
	mon      *monitor.Monitor
	msgs     *msgbus.Bus
	coord    *coord.Coordinator
	cons     *consolidate.Consolidator
	git      vcs.Adapter
	bus      *eventbus.Bus
	log      *eventlog.Log
	personas config.Personas
	logger   *zap.Logger
}

// NewHandler creates the API handler. log and personas may be nil.
func NewHandler(
	reg *registry.Registry,
	sup *supervisor.Supervisor,
	mon *monitor.Monitor,
	msgs *msgbus.Bus,
	coordinator *coord.Coordinator,
	cons *consolidate.Consolidator,
	git vcs.Adapter,
	bus *eventbus.Bus,
	log *eventlog.Log,
	personas config.Personas,
	logger *zap.Logger,
) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{
		reg: reg, sup: sup, mon: mon, msgs: msgs, coord: coordinator,
		cons: cons, git: git, bus: bus, log: log, personas: personas,
		logger: logger,
	}
}

// Router builds the chi router with all routes.
func (h *Handler) Router() http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Authorization", "Content-Type"},
	}))

	r.Route("/api", func(r chi.Router) {
		r.Get("/health", h.health)

		r.Route("/workers", func(r chi.Router) {
			r.Get("/", h.listWorkers)
			r.Post("/", h.spawnWorkers)
			r.Get("/{id}", h.getWorker)
			r.Delete("/{id}", h.terminateWorker)
			r.Get("/{id}/logs", h.workerLogs)
			r.Get("/{id}/stats", h.workerStats)
			r.Get("/{id}/diff", h.workerDiff)
			r.Get("/{id}/messages", h.workerQueue)
			r.Post("/{id}/send", h.sendToWorker)
		})

		r.Get("/worktrees", h.listWorktrees)

		r.Route("/messages", func(r chi.Router) {
			r.Post("/", h.postMessage)
			r.Post("/broadcast", h.postBroadcast)
			r.Post("/{id}/delivered", h.markDelivered)
			r.Post("/{id}/failed", h.markFailed)
		})

		r.Route("/coordination", func(r chi.Router) {
			r.Post("/barriers", h.createBarrier)
			r.Post("/barriers/{id}/signal", h.signalBarrier)
			r.Post("/elections", h.startElection)
			r.Post("/elections/{id}/vote", h.castVote)
			r.Post("/partition", h.partitionTask)
		})

		r.Route("/consolidations", func(r chi.Router) {
			r.Get("/", h.listConsolidations)
			r.Post("/", h.createConsolidation)
			r.Get("/{id}", h.getConsolidation)
			r.Delete("/{id}", h.deleteConsolidation)
			r.Post("/{id}/analyze", h.analyzeConsolidation)
			r.Post("/{id}/resolve", h.resolveConsolidation)
			r.Post("/{id}/export", h.exportConsolidation)
		})

		r.Get("/events", h.streamEvents)
		r.Get("/events/history", h.eventHistory)
	})

	return r
}

func (h *Handler) health(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":         "ok",
		"active_workers": h.reg.ActiveCount(),
	})
}
