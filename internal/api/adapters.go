package api

import (
	"errors"

	"github.com/corvus-ci/ando-control-plane/internal/logsink"
	"github.com/corvus-ci/ando-control-plane/internal/models"
	"github.com/corvus-ci/ando-control-plane/internal/store"
)

// StoreBuildLookup adapts *store.Store to BuildLookup, translating the
// persisted model into the API's wire view and mapping the store's
// not-found sentinel onto the API's own.
type StoreBuildLookup struct {
	Store *store.Store
}

func (a StoreBuildLookup) GetBuild(buildID int64) (*BuildView, error) {
	build, err := a.Store.GetBuild(buildID)
	if err != nil {
		if errors.Is(err, store.ErrRecordNotFound) {
			return nil, ErrBuildNotFound
		}
		return nil, err
	}
	return toBuildView(build), nil
}

func toBuildView(build *models.Build) *BuildView {
	return &BuildView{
		ID:           build.ID,
		ProjectID:    build.ProjectID,
		Branch:       build.Branch,
		CommitSha:    build.CommitSha,
		Status:       string(build.Status),
		QueuedAt:     build.QueuedAt,
		StartedAt:    build.StartedAt,
		FinishedAt:   build.FinishedAt,
		ErrorMessage: build.ErrorMessage,
	}
}

// SinkRegistryLookup adapts *logsink.Registry to SinkLookup.
type SinkRegistryLookup struct {
	Registry *logsink.Registry
}

func (a SinkRegistryLookup) SinkFor(buildID int64) (Subscribable, bool) {
	sink, ok := a.Registry.Get(buildID)
	if !ok {
		return nil, false
	}
	return sink, true
}
