package store

import (
	"io"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/corvus-ci/ando-control-plane/internal/models"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "test.db")
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	s, err := Open(dbPath, logger)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func seedProject(t *testing.T, s *Store) int64 {
	t.Helper()
	result, err := s.connection.Exec(
		`INSERT INTO projects (repo_full_name, timeout_minutes) VALUES (?, ?)`,
		"acme/widgets", 30,
	)
	require.NoError(t, err)
	id, err := result.LastInsertId()
	require.NoError(t, err)
	return id
}

func TestInsertAndGetBuild(t *testing.T) {
	s := newTestStore(t)
	projectID := seedProject(t, s)

	build := &models.Build{
		ProjectID: projectID,
		Branch:    "main",
		CommitSha: "abcdef0123456789",
		QueuedAt:  time.Now().UTC(),
	}
	require.NoError(t, s.InsertBuild(build))
	require.NotZero(t, build.ID)
	require.Equal(t, models.BuildStatusQueued, build.Status)

	loaded, err := s.GetBuild(build.ID)
	require.NoError(t, err)
	require.Equal(t, build.Branch, loaded.Branch)
	require.Nil(t, loaded.StartedAt)
	require.Nil(t, loaded.FinishedAt)
}

func TestGetBuildNotFound(t *testing.T) {
	s := newTestStore(t)
	_, err := s.GetBuild(999)
	require.ErrorIs(t, err, ErrRecordNotFound)
}

func TestMarkRunningThenFinish(t *testing.T) {
	s := newTestStore(t)
	projectID := seedProject(t, s)

	build := &models.Build{ProjectID: projectID, Branch: "main", CommitSha: "abc123", QueuedAt: time.Now().UTC()}
	require.NoError(t, s.InsertBuild(build))

	startedAt := time.Now().UTC()
	require.NoError(t, s.MarkRunning(build.ID, startedAt))

	loaded, err := s.GetBuild(build.ID)
	require.NoError(t, err)
	require.Equal(t, models.BuildStatusRunning, loaded.Status)
	require.NotNil(t, loaded.StartedAt)

	finishedAt := startedAt.Add(5 * time.Second)
	require.NoError(t, s.FinishBuild(build.ID, models.BuildStatusSuccess, finishedAt, nil, 0))

	loaded, err = s.GetBuild(build.ID)
	require.NoError(t, err)
	require.Equal(t, models.BuildStatusSuccess, loaded.Status)
	require.NotNil(t, loaded.Duration)
	require.Equal(t, 5*time.Second, *loaded.Duration)
}

func TestFinishBuildIsNotAppliedTwice(t *testing.T) {
	s := newTestStore(t)
	projectID := seedProject(t, s)

	build := &models.Build{ProjectID: projectID, Branch: "main", CommitSha: "abc123", QueuedAt: time.Now().UTC()}
	require.NoError(t, s.InsertBuild(build))
	require.NoError(t, s.MarkRunning(build.ID, time.Now().UTC()))
	require.NoError(t, s.FinishBuild(build.ID, models.BuildStatusSuccess, time.Now().UTC(), nil, 0))

	errMsg := "should not apply"
	err := s.FinishBuild(build.ID, models.BuildStatusFailed, time.Now().UTC(), &errMsg, 1)
	require.ErrorIs(t, err, ErrRecordNotFound)

	loaded, err := s.GetBuild(build.ID)
	require.NoError(t, err)
	require.Equal(t, models.BuildStatusSuccess, loaded.Status)
}

func TestLogEntrySequenceOrdering(t *testing.T) {
	s := newTestStore(t)
	projectID := seedProject(t, s)
	build := &models.Build{ProjectID: projectID, Branch: "main", CommitSha: "abc123", QueuedAt: time.Now().UTC()}
	require.NoError(t, s.InsertBuild(build))

	for i := int64(1); i <= 5; i++ {
		entry := &models.BuildLogEntry{
			BuildID:   build.ID,
			Sequence:  i,
			Type:      models.LogEntryOutput,
			Message:   "line",
			Timestamp: time.Now().UTC(),
		}
		require.NoError(t, s.InsertLogEntry(entry))
	}

	// duplicate sequence must fail the UNIQUE constraint
	dup := &models.BuildLogEntry{BuildID: build.ID, Sequence: 3, Type: models.LogEntryOutput, Message: "dup", Timestamp: time.Now().UTC()}
	require.Error(t, s.InsertLogEntry(dup))

	entries, err := s.ListLogEntries(build.ID)
	require.NoError(t, err)
	require.Len(t, entries, 5)
	for i, entry := range entries {
		require.Equal(t, int64(i+1), entry.Sequence)
	}
}

func TestProjectAvailableProfilesRoundTrip(t *testing.T) {
	s := newTestStore(t)
	projectID := seedProject(t, s)

	project, err := s.GetProject(projectID)
	require.NoError(t, err)
	require.Empty(t, project.AvailableProfiles)

	require.NoError(t, s.UpdateAvailableProfiles(projectID, map[string]struct{}{"debug": {}, "release": {}}))

	reloaded, err := s.GetProject(projectID)
	require.NoError(t, err)
	require.Len(t, reloaded.AvailableProfiles, 2)
	_, hasDebug := reloaded.AvailableProfiles["debug"]
	require.True(t, hasDebug)
}
