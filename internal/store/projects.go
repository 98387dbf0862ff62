package store

import (
	"database/sql"
	"fmt"
	"strings"

	"github.com/corvus-ci/ando-control-plane/internal/models"
)

// GetProject loads a project and its secrets by id.
func (s *Store) GetProject(projectID int64) (*models.Project, error) {
	row := s.connection.QueryRow(
		`SELECT id, repo_full_name, installation_id, docker_image, timeout_minutes,
		        profile, available_profiles, notify_on_failure
		 FROM projects WHERE id = ?`,
		projectID,
	)

	project, err := scanProject(row)
	if err != nil {
		return nil, err
	}

	secrets, err := s.listSecrets(projectID)
	if err != nil {
		return nil, err
	}
	project.Secrets = secrets
	return project, nil
}

// UpdateAvailableProfiles rewrites the detected-profile set for a project.
// This is the only Project field the orchestrator is permitted to mutate.
func (s *Store) UpdateAvailableProfiles(projectID int64, profiles map[string]struct{}) error {
	result, err := s.connection.Exec(
		`UPDATE projects SET available_profiles = ? WHERE id = ?`,
		encodeProfiles(profiles), projectID,
	)
	return checkRowsAffected(result, err, "update available profiles")
}

func (s *Store) listSecrets(projectID int64) ([]models.Secret, error) {
	rows, err := s.connection.Query(
		`SELECT id, project_id, name, encrypted_value FROM secrets WHERE project_id = ? ORDER BY id`,
		projectID,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query secrets: %w", err)
	}
	defer rows.Close()

	var secrets []models.Secret
	for rows.Next() {
		var secret models.Secret
		if err := rows.Scan(&secret.ID, &secret.ProjectID, &secret.Name, &secret.EncryptedValue); err != nil {
			return nil, fmt.Errorf("failed to scan secret row: %w", err)
		}
		secrets = append(secrets, secret)
	}
	return secrets, rows.Err()
}

func scanProject(row scanner) (*models.Project, error) {
	var project models.Project
	var installationID, dockerImage, profile sql.NullString
	var availableProfilesRaw string
	var notifyOnFailure int

	err := row.Scan(
		&project.ID, &project.RepoFullName, &installationID, &dockerImage,
		&project.TimeoutMinutes, &profile, &availableProfilesRaw, &notifyOnFailure,
	)
	if err == sql.ErrNoRows {
		return nil, ErrRecordNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan project row: %w", err)
	}

	if installationID.Valid {
		project.InstallationID = &installationID.String
	}
	if dockerImage.Valid {
		project.DockerImage = &dockerImage.String
	}
	if profile.Valid {
		project.Profile = &profile.String
	}
	project.AvailableProfiles = decodeProfiles(availableProfilesRaw)
	project.NotifyOnFailure = notifyOnFailure != 0
	return &project, nil
}

func encodeProfiles(profiles map[string]struct{}) string {
	names := make([]string, 0, len(profiles))
	for name := range profiles {
		names = append(names, name)
	}
	return strings.Join(names, ",")
}

func decodeProfiles(raw string) map[string]struct{} {
	profiles := make(map[string]struct{})
	if raw == "" {
		return profiles
	}
	for _, name := range strings.Split(raw, ",") {
		if name != "" {
			profiles[name] = struct{}{}
		}
	}
	return profiles
}
