package provider

import (
	"context"
	"log/slog"
)

// NoopIntegration is a placeholder Integration used where no real
// repository-provider client is configured. Its concrete replacement (API
// client, webhook verification, credential minting) is explicitly out of
// scope for the orchestration core; this exists only so the core's
// dependency graph compiles end to end without one.
type NoopIntegration struct {
	Logger *slog.Logger
}

func (n NoopIntegration) MintInstallationToken(ctx context.Context, installationID, repoFullName string) (string, error) {
	return "", nil
}

func (n NoopIntegration) DetectProfiles(ctx context.Context, repoFullName, branch string) (map[string]struct{}, error) {
	return map[string]struct{}{}, nil
}

func (n NoopIntegration) PostCommitStatus(ctx context.Context, repoFullName, commitSha string, state CommitStatusState, description, targetURL string) error {
	n.Logger.Info("commit status (no provider configured)", "repo", repoFullName, "sha", commitSha, "state", state, "description", description)
	return nil
}

func (n NoopIntegration) ResolveNotificationAddress(ctx context.Context, repoFullName string) (string, bool) {
	return "", false
}
