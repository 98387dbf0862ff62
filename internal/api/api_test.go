package api

import (
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/corvus-ci/ando-control-plane/internal/cancelregistry"
	"github.com/corvus-ci/ando-control-plane/internal/models"
	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/require"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type fakeBuildLookup struct {
	builds map[int64]*BuildView
}

func (f fakeBuildLookup) GetBuild(buildID int64) (*BuildView, error) {
	build, ok := f.builds[buildID]
	if !ok {
		return nil, ErrBuildNotFound
	}
	return build, nil
}

func TestGetBuildReturnsView(t *testing.T) {
	lookup := fakeBuildLookup{builds: map[int64]*BuildView{
		1: {ID: 1, ProjectID: 2, Branch: "main", CommitSha: "deadbeef", Status: "success", QueuedAt: time.Now()},
	}}
	handler := NewBuildsHandler(testLogger(), lookup, cancelregistry.New())

	router := chi.NewRouter()
	router.Get("/api/builds/{id}", handler.GetBuild)

	req := httptest.NewRequest(http.MethodGet, "/api/builds/1", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	var view BuildView
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &view))
	require.Equal(t, "main", view.Branch)
}

func TestGetBuildNotFoundReturns404(t *testing.T) {
	handler := NewBuildsHandler(testLogger(), fakeBuildLookup{builds: map[int64]*BuildView{}}, cancelregistry.New())

	router := chi.NewRouter()
	router.Get("/api/builds/{id}", handler.GetBuild)

	req := httptest.NewRequest(http.MethodGet, "/api/builds/99", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestGetBuildInvalidIDReturns400(t *testing.T) {
	handler := NewBuildsHandler(testLogger(), fakeBuildLookup{builds: map[int64]*BuildView{}}, cancelregistry.New())

	router := chi.NewRouter()
	router.Get("/api/builds/{id}", handler.GetBuild)

	req := httptest.NewRequest(http.MethodGet, "/api/builds/not-a-number", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestCancelBuildReflectsRegistryState(t *testing.T) {
	registry := cancelregistry.New()
	registry.Register(7, func() {})
	handler := NewBuildsHandler(testLogger(), fakeBuildLookup{builds: map[int64]*BuildView{}}, registry)

	router := chi.NewRouter()
	router.Post("/api/builds/{id}/cancel", handler.CancelBuild)

	req := httptest.NewRequest(http.MethodPost, "/api/builds/7/cancel", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	require.Equal(t, http.StatusAccepted, rec.Code)
	var body map[string]bool
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.True(t, body["cancelled"])
}

func TestCancelBuildUnknownIDReportsNotCancelled(t *testing.T) {
	handler := NewBuildsHandler(testLogger(), fakeBuildLookup{builds: map[int64]*BuildView{}}, cancelregistry.New())

	router := chi.NewRouter()
	router.Post("/api/builds/{id}/cancel", handler.CancelBuild)

	req := httptest.NewRequest(http.MethodPost, "/api/builds/404/cancel", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	require.Equal(t, http.StatusAccepted, rec.Code)
	var body map[string]bool
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.False(t, body["cancelled"])
}

func TestHealthHandlerReportsOK(t *testing.T) {
	handler := NewHealthHandler(testLogger())

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rec := httptest.NewRecorder()
	handler.Health(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	var body healthResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Equal(t, "ok", body.Status)
}

func TestToLogEntryViewConvertsFields(t *testing.T) {
	now := time.Now()
	entry := models.BuildLogEntry{Sequence: 3, Type: models.LogEntryOutput, Message: "hello", Timestamp: now}

	view := toLogEntryView(entry)

	require.Equal(t, int64(3), view.Sequence)
	require.Equal(t, "output", view.Type)
	require.Equal(t, "hello", view.Message)
	require.Equal(t, now, view.Timestamp)
}
