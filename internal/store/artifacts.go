package store

import (
	"fmt"

	"github.com/corvus-ci/ando-control-plane/internal/models"
)

// InsertArtifact records one file collected by the ArtifactCollector.
func (s *Store) InsertArtifact(artifact *models.BuildArtifact) error {
	result, err := s.connection.Exec(
		`INSERT INTO build_artifacts (build_id, name, storage_path, size_bytes, created_at, expires_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		artifact.BuildID, artifact.Name, artifact.StoragePath, artifact.SizeBytes, artifact.CreatedAt, artifact.ExpiresAt,
	)
	if err != nil {
		return fmt.Errorf("failed to insert artifact: %w", err)
	}
	id, err := result.LastInsertId()
	if err != nil {
		return fmt.Errorf("failed to read inserted artifact id: %w", err)
	}
	artifact.ID = id
	return nil
}

// ListArtifacts returns every artifact recorded for a build.
func (s *Store) ListArtifacts(buildID int64) ([]models.BuildArtifact, error) {
	rows, err := s.connection.Query(
		`SELECT id, build_id, name, storage_path, size_bytes, created_at, expires_at
		 FROM build_artifacts WHERE build_id = ? ORDER BY id`,
		buildID,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query artifacts: %w", err)
	}
	defer rows.Close()

	var artifacts []models.BuildArtifact
	for rows.Next() {
		var artifact models.BuildArtifact
		if err := rows.Scan(&artifact.ID, &artifact.BuildID, &artifact.Name, &artifact.StoragePath,
			&artifact.SizeBytes, &artifact.CreatedAt, &artifact.ExpiresAt); err != nil {
			return nil, fmt.Errorf("failed to scan artifact row: %w", err)
		}
		artifacts = append(artifacts, artifact)
	}
	return artifacts, rows.Err()
}
