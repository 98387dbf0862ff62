// Package statusreporter emits commit-status and optional failure-email
// notifications at the two points the orchestrator calls it: Pending after
// a build starts running, and a terminal report at finalization.
package statusreporter

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/corvus-ci/ando-control-plane/internal/models"
	"github.com/corvus-ci/ando-control-plane/internal/provider"
)

// internalToExternal maps a terminal Build.Status to the state reported to
// the hosting provider, per the table in the component design.
var internalToExternal = map[models.BuildStatus]provider.CommitStatusState{
	models.BuildStatusSuccess:   provider.CommitStatusSuccess,
	models.BuildStatusCancelled: provider.CommitStatusError,
	models.BuildStatusTimedOut:  provider.CommitStatusFailure,
	models.BuildStatusFailed:    provider.CommitStatusFailure,
}

// Mailer sends a failure notification email. Its transport is out of
// scope; this package only decides whether and what to send.
type Mailer interface {
	SendFailureNotification(ctx context.Context, address, repoFullName string, build *models.Build) error
}

// StatusReporter reports build status transitions to the hosting provider
// and, on failure, notifies by email. Every operation is best-effort: a
// failure here is logged and never changes the build's recorded outcome.
type StatusReporter struct {
	integration provider.Integration
	mailer      Mailer
	logger      *slog.Logger
	baseURL     string
}

// NewStatusReporter constructs a StatusReporter. mailer may be nil, in
// which case MaybeNotifyFailure is a no-op.
func NewStatusReporter(integration provider.Integration, mailer Mailer, logger *slog.Logger, baseURL string) *StatusReporter {
	return &StatusReporter{integration: integration, mailer: mailer, logger: logger, baseURL: baseURL}
}

// ReportPending posts a "pending" commit status after a build enters
// Running. A failure to emit is logged and does not affect the build.
func (r *StatusReporter) ReportPending(ctx context.Context, repoFullName string, build *models.Build) {
	targetURL := fmt.Sprintf("%s/builds/%d", r.baseURL, build.ID)
	err := r.integration.PostCommitStatus(ctx, repoFullName, build.CommitSha, provider.CommitStatusPending,
		"build is running", targetURL)
	if err != nil {
		r.logger.Warn("failed to report pending commit status", "build", build.ID, "error", err)
	}
}

// ReportTerminal posts the commit status corresponding to build's terminal
// status. Absent or unresolvable provider credentials make emission a
// no-op rather than an error — callers of Integration are expected to
// surface that as a non-error "nothing to do," not an error return.
func (r *StatusReporter) ReportTerminal(ctx context.Context, repoFullName string, build *models.Build) {
	state, ok := internalToExternal[build.Status]
	if !ok {
		r.logger.Warn("no commit-status mapping for non-terminal build status", "build", build.ID, "status", build.Status)
		return
	}

	description := terminalDescription(build)
	targetURL := fmt.Sprintf("%s/builds/%d", r.baseURL, build.ID)

	err := r.integration.PostCommitStatus(ctx, repoFullName, build.CommitSha, state, description, targetURL)
	if err != nil {
		r.logger.Warn("failed to report terminal commit status", "build", build.ID, "error", err)
	}
}

func terminalDescription(build *models.Build) string {
	switch build.Status {
	case models.BuildStatusSuccess:
		if build.Duration != nil {
			return fmt.Sprintf("build succeeded in %s", build.Duration.Round(1e6))
		}
		return "build succeeded"
	case models.BuildStatusTimedOut:
		if build.Duration != nil {
			return fmt.Sprintf("build timed out after %s", build.Duration.Round(1e6))
		}
		return "build timed out"
	default:
		if build.ErrorMessage != nil {
			return *build.ErrorMessage
		}
		return "build failed"
	}
}

// MaybeNotifyFailure sends exactly one failure email when all three
// conditions hold: the terminal status is Failed, the project opted in via
// notifyOnFailure, and a notification address is resolvable. Any other
// combination is a silent no-op.
func (r *StatusReporter) MaybeNotifyFailure(ctx context.Context, repoFullName string, notifyOnFailure bool, build *models.Build) {
	if r.mailer == nil || !notifyOnFailure || build.Status != models.BuildStatusFailed {
		return
	}

	address, ok := r.integration.ResolveNotificationAddress(ctx, repoFullName)
	if !ok {
		return
	}

	if err := r.mailer.SendFailureNotification(ctx, address, repoFullName, build); err != nil {
		r.logger.Warn("failed to send failure notification", "build", build.ID, "error", err)
	}
}
