package store

import (
	"fmt"

	"github.com/corvus-ci/ando-control-plane/internal/models"
)

// InsertLogEntry appends one log entry. The caller (LogSink) is responsible
// for assigning a dense, strictly-increasing sequence per build before
// calling this; the UNIQUE(build_id, sequence) constraint on the schema
// turns any violation of that contract into a hard error rather than a
// silently corrupted sequence.
func (s *Store) InsertLogEntry(entry *models.BuildLogEntry) error {
	result, err := s.connection.Exec(
		`INSERT INTO build_log_entries (build_id, sequence, type, message, step_name, timestamp)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		entry.BuildID, entry.Sequence, entry.Type, entry.Message, entry.StepName, entry.Timestamp,
	)
	if err != nil {
		return fmt.Errorf("failed to insert log entry (build %d seq %d): %w", entry.BuildID, entry.Sequence, err)
	}
	id, err := result.LastInsertId()
	if err != nil {
		return fmt.Errorf("failed to read inserted log entry id: %w", err)
	}
	entry.ID = id
	return nil
}

// ListLogEntries returns every log entry for a build, ordered by sequence.
func (s *Store) ListLogEntries(buildID int64) ([]models.BuildLogEntry, error) {
	rows, err := s.connection.Query(
		`SELECT id, build_id, sequence, type, message, step_name, timestamp
		 FROM build_log_entries WHERE build_id = ? ORDER BY sequence ASC`,
		buildID,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query log entries: %w", err)
	}
	defer rows.Close()

	var entries []models.BuildLogEntry
	for rows.Next() {
		var entry models.BuildLogEntry
		var stepName *string
		if err := rows.Scan(&entry.ID, &entry.BuildID, &entry.Sequence, &entry.Type, &entry.Message, &stepName, &entry.Timestamp); err != nil {
			return nil, fmt.Errorf("failed to scan log entry row: %w", err)
		}
		entry.StepName = stepName
		entries = append(entries, entry)
	}
	return entries, rows.Err()
}
