// Package httpapi exposes the platform's JSON HTTP surface. Every
// document-scoped route is organization-scoped by the authenticated
// principal; client errors carry a detail string, server errors a
// correlation id.
package httpapi

import (
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/c360studio/docflow/asset"
	"github.com/c360studio/docflow/blob"
	"github.com/c360studio/docflow/queue"
	"github.com/c360studio/docflow/run"
	"github.com/c360studio/docflow/sam"
	"github.com/c360studio/docflow/schedule"
)

// Server holds the API's collaborators.
type Server struct {
	runs          *run.Service
	assets        asset.Store
	blobs         blob.Store
	queue         *queue.Service
	submitter     *queue.Submitter
	registry      *queue.Registry
	tasks         schedule.Store
	dispatcher    *schedule.Dispatcher
	forecasts     *sam.Forecasts
	groups        *run.Tracker
	uploadsBucket string
	logger        *slog.Logger
}

// NewServer wires the API server.
func NewServer(runs *run.Service, assets asset.Store, blobs blob.Store, q *queue.Service, submitter *queue.Submitter, registry *queue.Registry, tasks schedule.Store, dispatcher *schedule.Dispatcher, uploadsBucket string, logger *slog.Logger) *Server {
	return &Server{
		runs:          runs,
		assets:        assets,
		blobs:         blobs,
		queue:         q,
		submitter:     submitter,
		registry:      registry,
		tasks:         tasks,
		dispatcher:    dispatcher,
		uploadsBucket: uploadsBucket,
		logger:        logger,
	}
}

// Router builds the route tree.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()

	r.Get("/healthz", s.handleHealthz)
	r.Method(http.MethodGet, "/metrics", promhttp.Handler())

	r.Group(func(r chi.Router) {
		r.Use(s.identity)

		r.Route("/runs", func(r chi.Router) {
			r.Get("/", s.handleListRuns)
			r.Get("/stats", s.handleRunStats)
			r.Get("/{id}", s.handleGetRun)
		})

		r.Route("/assets", func(r chi.Router) {
			r.Get("/", s.handleListAssets)
			r.Get("/health", s.handleAssetsHealth)
			r.Route("/{id}", func(r chi.Router) {
				r.Get("/", s.handleGetAsset)
				r.Get("/extraction", s.handleAssetExtraction)
				r.Get("/runs", s.handleAssetRuns)
				r.Get("/versions", s.handleAssetVersions)
				r.Get("/versions/{n}", s.handleAssetVersion)
				r.Post("/reextract", s.handleReextract)
			})
		})

		r.Route("/bulk-upload", func(r chi.Router) {
			r.Post("/analyze", s.handleBulkAnalyze)
			r.Post("/apply", s.handleBulkApply)
		})

		r.Route("/scheduled-tasks", func(r chi.Router) {
			r.Get("/", s.handleListTasks)
			r.Post("/", s.handleCreateTask)
			r.Route("/{name}", func(r chi.Router) {
				r.Get("/", s.handleGetTask)
				r.Patch("/", s.handlePatchTask)
				r.Delete("/", s.handleDeleteTask)
				r.Post("/trigger-now", s.handleTriggerTask)
				r.Post("/enable", s.handleEnableTask)
				r.Post("/disable", s.handleDisableTask)
			})
		})

		r.Post("/queue/submit-tick", s.handleSubmitTick)

		if s.forecasts != nil {
			r.Get("/forecasts", s.handleListForecasts)
		}
	})

	return r
}

func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	s.respond(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) respond(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if body != nil {
		if err := json.NewEncoder(w).Encode(body); err != nil {
			s.logger.Warn("Failed to encode response", "error", err)
		}
	}
}

// clientError writes a 4xx with a human-readable detail string.
func (s *Server) clientError(w http.ResponseWriter, status int, detail string) {
	s.respond(w, status, map[string]string{"detail": detail})
}

// serverError writes a 500 carrying a correlation id and logs the cause
// under the same id. Internals never leak to the client.
func (s *Server) serverError(w http.ResponseWriter, r *http.Request, err error) {
	correlationID := uuid.New().String()
	s.logger.Error("Request failed",
		"correlation_id", correlationID, "method", r.Method, "path", r.URL.Path, "error", err)
	s.respond(w, http.StatusInternalServerError, map[string]string{
		"detail":         "internal error",
		"correlation_id": correlationID,
	})
}
