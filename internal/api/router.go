// Package api exposes the small HTTP control surface the orchestration core
// owns directly: health, build status lookup, cancellation, and a
// websocket log tail. The webhook ingress, auth and admin UI are owned by
// collaborators outside the core and are not part of this package.
package api

import (
	"log/slog"
	"net/http"

	"github.com/corvus-ci/ando-control-plane/internal/cancelregistry"
	"github.com/corvus-ci/ando-control-plane/internal/models"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

// BuildLookup reads build state for a status response as a BuildView.
// *store.Store does not satisfy it directly; StoreBuildLookup adapts it.
type BuildLookup interface {
	GetBuild(buildID int64) (*BuildView, error)
}

// SinkLookup resolves the live LogSink for a running build, if any, so the
// websocket handler can subscribe to it.
type SinkLookup interface {
	SinkFor(buildID int64) (Subscribable, bool)
}

// Subscribable is the subset of *logsink.Sink the websocket handler needs.
type Subscribable interface {
	Subscribe() (<-chan models.BuildLogEntry, func())
}

// RouterDependencies groups everything CreateAndSetupRouter needs,
// mirroring the teacher's struct-of-dependencies router construction.
type RouterDependencies struct {
	Logger   *slog.Logger
	Builds   BuildLookup
	Sinks    SinkLookup
	Registry *cancelregistry.Registry
}

// CreateAndSetupRouter builds the chi router for the core's control
// surface.
func CreateAndSetupRouter(deps RouterDependencies) http.Handler {
	router := chi.NewRouter()
	router.Use(middleware.Logger)
	router.Use(middleware.Recoverer)

	healthHandler := NewHealthHandler(deps.Logger)
	router.Get("/health", healthHandler.Health)

	buildsHandler := NewBuildsHandler(deps.Logger, deps.Builds, deps.Registry)
	router.Route("/api/builds", func(r chi.Router) {
		r.Get("/{id}", buildsHandler.GetBuild)
		r.Post("/{id}/cancel", buildsHandler.CancelBuild)
	})

	logsHandler := NewLogsHandler(deps.Logger, deps.Sinks)
	router.Get("/api/builds/{id}/logs/tail", logsHandler.TailLogs)

	return router
}
