package store

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/corvus-ci/ando-control-plane/internal/models"
)

// InsertBuild creates a new build row in status Queued and sets build.ID to
// the assigned row id.
func (s *Store) InsertBuild(build *models.Build) error {
	result, err := s.connection.Exec(
		`INSERT INTO builds (project_id, branch, commit_sha, queued_at, status)
		 VALUES (?, ?, ?, ?, ?)`,
		build.ProjectID, build.Branch, build.CommitSha, build.QueuedAt, models.BuildStatusQueued,
	)
	if err != nil {
		return fmt.Errorf("failed to insert build: %w", err)
	}
	id, err := result.LastInsertId()
	if err != nil {
		return fmt.Errorf("failed to read inserted build id: %w", err)
	}
	build.ID = id
	build.Status = models.BuildStatusQueued
	return nil
}

// GetBuild loads a build by id, returning ErrRecordNotFound if absent.
func (s *Store) GetBuild(buildID int64) (*models.Build, error) {
	row := s.connection.QueryRow(
		`SELECT id, project_id, branch, commit_sha, queued_at, started_at, finished_at,
		        steps_total, steps_completed, steps_failed, status, error_message
		 FROM builds WHERE id = ?`,
		buildID,
	)
	return scanBuild(row)
}

// MarkRunning sets status to Running and records startedAt, satisfying
// invariant 2 ("startedAt is set iff the build has ever entered Running").
func (s *Store) MarkRunning(buildID int64, startedAt time.Time) error {
	result, err := s.connection.Exec(
		`UPDATE builds SET status = ?, started_at = ? WHERE id = ?`,
		models.BuildStatusRunning, startedAt, buildID,
	)
	return checkRowsAffected(result, err, "mark build running")
}

// FinishBuild records the terminal status, finish time and optional error
// message in one statement, satisfying invariant 1 (monotone transitions)
// and invariant 4 (non-empty errorMessage for every non-success terminal).
func (s *Store) FinishBuild(buildID int64, status models.BuildStatus, finishedAt time.Time, errorMessage *string, stepsFailed int) error {
	result, err := s.connection.Exec(
		`UPDATE builds SET status = ?, finished_at = ?, error_message = ?, steps_failed = ?
		 WHERE id = ? AND status NOT IN (?, ?, ?, ?)`,
		status, finishedAt, errorMessage, stepsFailed,
		buildID,
		models.BuildStatusSuccess, models.BuildStatusFailed, models.BuildStatusCancelled, models.BuildStatusTimedOut,
	)
	return checkRowsAffected(result, err, "finish build")
}

// ListQueuedBuildIDs returns up to limit build ids currently in status
// Queued, oldest first. Used by the dispatch queue to poll for work; it
// does not claim or mutate the rows it returns, since the orchestrator's
// cancelregistry already refuses a second concurrent Execute for the same
// id and Execute refuses a build that is no longer Queued, making
// at-least-once delivery from the queue harmless.
func (s *Store) ListQueuedBuildIDs(limit int) ([]int64, error) {
	rows, err := s.connection.Query(
		`SELECT id FROM builds WHERE status = ? ORDER BY queued_at ASC LIMIT ?`,
		models.BuildStatusQueued, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list queued builds: %w", err)
	}
	defer rows.Close()

	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to scan queued build id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func checkRowsAffected(result sql.Result, err error, action string) error {
	if err != nil {
		return fmt.Errorf("failed to %s: %w", action, err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read rows affected for %s: %w", action, err)
	}
	if rows == 0 {
		return fmt.Errorf("%s: %w", action, ErrRecordNotFound)
	}
	return nil
}

func scanBuild(row scanner) (*models.Build, error) {
	var build models.Build
	var startedAt, finishedAt sql.NullTime
	var errorMessage sql.NullString

	err := row.Scan(
		&build.ID, &build.ProjectID, &build.Branch, &build.CommitSha, &build.QueuedAt,
		&startedAt, &finishedAt,
		&build.StepsTotal, &build.StepsCompleted, &build.StepsFailed,
		&build.Status, &errorMessage,
	)
	if err == sql.ErrNoRows {
		return nil, ErrRecordNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan build row: %w", err)
	}

	if startedAt.Valid {
		build.StartedAt = &startedAt.Time
	}
	if finishedAt.Valid {
		build.FinishedAt = &finishedAt.Time
		if build.StartedAt != nil {
			d := finishedAt.Time.Sub(*build.StartedAt)
			build.Duration = &d
		}
	}
	if errorMessage.Valid {
		build.ErrorMessage = &errorMessage.String
	}
	return &build, nil
}
