package statusreporter

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/corvus-ci/ando-control-plane/internal/models"
	"github.com/corvus-ci/ando-control-plane/internal/provider"
	"github.com/stretchr/testify/require"
)

type fakeIntegration struct {
	postedStates []provider.CommitStatusState
	address      string
	addressOK    bool
}

func (f *fakeIntegration) MintInstallationToken(context.Context, string, string) (string, error) {
	return "", nil
}
func (f *fakeIntegration) DetectProfiles(context.Context, string, string) (map[string]struct{}, error) {
	return nil, nil
}
func (f *fakeIntegration) PostCommitStatus(_ context.Context, _, _ string, state provider.CommitStatusState, _, _ string) error {
	f.postedStates = append(f.postedStates, state)
	return nil
}
func (f *fakeIntegration) ResolveNotificationAddress(context.Context, string) (string, bool) {
	return f.address, f.addressOK
}

type fakeMailer struct {
	sentCount int
}

func (f *fakeMailer) SendFailureNotification(context.Context, string, string, *models.Build) error {
	f.sentCount++
	return nil
}

func newTestReporter(integration provider.Integration, mailer Mailer) *StatusReporter {
	return NewStatusReporter(integration, mailer, slog.New(slog.NewTextHandler(io.Discard, nil)), "http://localhost")
}

func TestReportTerminalMapsStatusCorrectly(t *testing.T) {
	cases := []struct {
		status   models.BuildStatus
		expected provider.CommitStatusState
	}{
		{models.BuildStatusSuccess, provider.CommitStatusSuccess},
		{models.BuildStatusCancelled, provider.CommitStatusError},
		{models.BuildStatusTimedOut, provider.CommitStatusFailure},
		{models.BuildStatusFailed, provider.CommitStatusFailure},
	}

	for _, tc := range cases {
		integration := &fakeIntegration{}
		reporter := newTestReporter(integration, nil)
		build := &models.Build{ID: 1, CommitSha: "abc123", Status: tc.status}
		reporter.ReportTerminal(context.Background(), "acme/widgets", build)
		require.Equal(t, []provider.CommitStatusState{tc.expected}, integration.postedStates)
	}
}

func TestMaybeNotifyFailureOnlyOnFailedWithOptInAndAddress(t *testing.T) {
	integration := &fakeIntegration{address: "oncall@acme.test", addressOK: true}
	mailer := &fakeMailer{}
	reporter := newTestReporter(integration, mailer)

	failed := &models.Build{ID: 1, Status: models.BuildStatusFailed}
	reporter.MaybeNotifyFailure(context.Background(), "acme/widgets", true, failed)
	require.Equal(t, 1, mailer.sentCount)

	success := &models.Build{ID: 2, Status: models.BuildStatusSuccess}
	reporter.MaybeNotifyFailure(context.Background(), "acme/widgets", true, success)
	require.Equal(t, 1, mailer.sentCount, "success must never trigger a failure notification")

	reporter.MaybeNotifyFailure(context.Background(), "acme/widgets", false, failed)
	require.Equal(t, 1, mailer.sentCount, "notifyOnFailure=false must suppress the email")
}

func TestMaybeNotifyFailureNoAddressIsNoOp(t *testing.T) {
	integration := &fakeIntegration{addressOK: false}
	mailer := &fakeMailer{}
	reporter := newTestReporter(integration, mailer)

	failed := &models.Build{ID: 1, Status: models.BuildStatusFailed}
	reporter.MaybeNotifyFailure(context.Background(), "acme/widgets", true, failed)
	require.Equal(t, 0, mailer.sentCount)
}

func TestTerminalDescriptionEmbedsDuration(t *testing.T) {
	duration := 5 * time.Second
	build := &models.Build{Status: models.BuildStatusSuccess, Duration: &duration}
	require.Contains(t, terminalDescription(build), "5s")
}
