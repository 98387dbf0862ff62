package api

import (
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/corvus-ci/ando-control-plane/internal/cancelregistry"
	"github.com/go-chi/chi/v5"
)

// BuildView is the read-only projection of a Build the API returns,
// decoupled from internal/models so the wire shape can evolve
// independently of the persisted entity.
type BuildView struct {
	ID           int64      `json:"id"`
	ProjectID    int64      `json:"projectId"`
	Branch       string     `json:"branch"`
	CommitSha    string     `json:"commitSha"`
	Status       string     `json:"status"`
	QueuedAt     time.Time  `json:"queuedAt"`
	StartedAt    *time.Time `json:"startedAt,omitempty"`
	FinishedAt   *time.Time `json:"finishedAt,omitempty"`
	ErrorMessage *string    `json:"errorMessage,omitempty"`
}

// BuildsHandler serves build status lookup and cancellation.
type BuildsHandler struct {
	logger   *slog.Logger
	builds   BuildLookup
	registry *cancelregistry.Registry
}

func NewBuildsHandler(logger *slog.Logger, builds BuildLookup, registry *cancelregistry.Registry) *BuildsHandler {
	return &BuildsHandler{logger: logger, builds: builds, registry: registry}
}

func (h *BuildsHandler) GetBuild(w http.ResponseWriter, r *http.Request) {
	buildID, err := parseBuildID(r)
	if err != nil {
		writeErrorAndLogIt(w, http.StatusBadRequest, err.Error(), h.logger)
		return
	}

	build, err := h.builds.GetBuild(buildID)
	if err != nil {
		if errors.Is(err, ErrBuildNotFound) {
			writeErrorAndLogIt(w, http.StatusNotFound, "build not found", h.logger)
			return
		}
		writeErrorAndLogIt(w, http.StatusInternalServerError, "failed to load build", h.logger)
		return
	}

	writeJSON(w, http.StatusOK, build)
}

func (h *BuildsHandler) CancelBuild(w http.ResponseWriter, r *http.Request) {
	buildID, err := parseBuildID(r)
	if err != nil {
		writeErrorAndLogIt(w, http.StatusBadRequest, err.Error(), h.logger)
		return
	}

	cancelled := h.registry.TryCancel(buildID)
	writeJSON(w, http.StatusAccepted, map[string]bool{"cancelled": cancelled})
}

// ErrBuildNotFound is the sentinel a BuildLookup implementation should wrap
// or return directly when no build with the given id exists.
var ErrBuildNotFound = errors.New("build not found")

func parseBuildID(r *http.Request) (int64, error) {
	raw := chi.URLParam(r, "id")
	buildID, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0, errors.New("invalid build id")
	}
	return buildID, nil
}
