// Package orchestrator owns the per-build state machine and composes every
// other build-orchestration component: RepoPreparer, ContainerRuntime,
// ToolProvisioner, PathResolver, LogSink, CancellationRegistry,
// ArtifactCollector and StatusReporter.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"path/filepath"
	"sort"
	"time"

	"github.com/corvus-ci/ando-control-plane/internal/cancelregistry"
	"github.com/corvus-ci/ando-control-plane/internal/containerrt"
	"github.com/corvus-ci/ando-control-plane/internal/logsink"
	"github.com/corvus-ci/ando-control-plane/internal/models"
	"github.com/corvus-ci/ando-control-plane/internal/provider"
	"github.com/corvus-ci/ando-control-plane/internal/util"
	"golang.org/x/sync/errgroup"
)

// runnerCommand is the in-container runner's fixed path, matching
// provisioner's install location.
const runnerCommand = "/tmp/ando-tools/ando"

// ErrAlreadyRunning is returned by Execute when a second invocation for the
// same buildID arrives while the first is still active.
var ErrAlreadyRunning = errors.New("build is already running")

// Store is the subset of store.Store the orchestrator needs directly (log
// and artifact persistence are delegated to LogSink/ArtifactCollector).
type Store interface {
	GetBuild(buildID int64) (*models.Build, error)
	GetProject(projectID int64) (*models.Project, error)
	MarkRunning(buildID int64, startedAt time.Time) error
	FinishBuild(buildID int64, status models.BuildStatus, finishedAt time.Time, errorMessage *string, stepsFailed int) error
	UpdateAvailableProfiles(projectID int64, profiles map[string]struct{}) error
}

// RepoPreparer is the subset of repoprep.RepoPreparer the orchestrator
// needs, narrowed to an interface so tests can fake it.
type RepoPreparer interface {
	Prepare(ctx context.Context, installationID, repoFullName, branch, commitSha, workingPath, tokenOverride string, logWriter io.Writer) bool
}

// ToolProvisioner is the subset of provisioner.ToolProvisioner the
// orchestrator drives.
type ToolProvisioner interface {
	EnsureRunner(ctx context.Context, containerID string) error
	EnsureVcs(ctx context.Context, containerID string) error
	EnsureContainerCli(ctx context.Context, containerID string) error
	EnsureReleaseCli(ctx context.Context, containerID string) error
	ConfigureVcsCredentials(ctx context.Context, containerID, providerHost string) error
}

// PathResolver is the subset of pathresolver.PathResolver the orchestrator
// needs.
type PathResolver interface {
	ResolveHostPath(ctx context.Context, orchestratorPath string) string
}

// ArtifactCollector is the subset of artifacts.Collector the orchestrator
// drives on success.
type ArtifactCollector interface {
	Collect(ctx context.Context, buildID, projectID int64, containerID string) error
}

// StatusReporter is the subset of statusreporter.StatusReporter the
// orchestrator drives at the two defined emission points.
type StatusReporter interface {
	ReportPending(ctx context.Context, repoFullName string, build *models.Build)
	ReportTerminal(ctx context.Context, repoFullName string, build *models.Build)
	MaybeNotifyFailure(ctx context.Context, repoFullName string, notifyOnFailure bool, build *models.Build)
}

// SecretDecrypter decrypts a Secret's opaque EncryptedValue. Its concrete
// implementation (the encryption primitive itself) is out of scope; the
// orchestrator depends only on this contract.
type SecretDecrypter interface {
	Decrypt(encryptedValue string) (string, error)
}

// Config groups the orchestrator's static, server-wide settings.
type Config struct {
	ReposRoot             string
	DefaultDockerImage    string
	BuildNetworkName      string
	MaxTimeoutMinutes     int
	ProviderHost          string
	VerbosityDebugEnabled bool
}

// BuildOrchestrator drives one build at a time per buildID through its full
// lifecycle. A single instance is shared across every concurrent build;
// per-build state lives only on the stack of the goroutine running Execute.
type BuildOrchestrator struct {
	store        Store
	runtime      containerrt.ContainerRuntime
	repoPreparer RepoPreparer
	provisioner  ToolProvisioner
	pathResolver PathResolver
	collector    ArtifactCollector
	reporter     StatusReporter
	registry     *cancelregistry.Registry
	integration  provider.Integration
	decrypter    SecretDecrypter
	logger       *slog.Logger
	config       Config

	// sinks tracks the active Sink for each running build so the API's
	// log-tail endpoint can subscribe to it; nil in tests that don't care.
	sinks *logsink.Registry

	// newSink is overridable in tests; production callers get the real
	// logsink.Sink backed by the store.
	newSink func(buildID int64) *logsink.Sink

	// effectiveTimeout is overridable in tests so a deadline expiry can be
	// exercised without waiting out a real whole-minute timeout; production
	// callers get defaultEffectiveTimeout.
	effectiveTimeout func(projectMinutes, serverMaxMinutes int) time.Duration
}

// New constructs a BuildOrchestrator wiring every collaborator.
func New(
	store Store,
	runtime containerrt.ContainerRuntime,
	repoPreparer RepoPreparer,
	toolProvisioner ToolProvisioner,
	pathResolver PathResolver,
	collector ArtifactCollector,
	reporter StatusReporter,
	registry *cancelregistry.Registry,
	integration provider.Integration,
	decrypter SecretDecrypter,
	logEntryStore logsink.EntryStore,
	sinks *logsink.Registry,
	logger *slog.Logger,
	config Config,
) *BuildOrchestrator {
	verbosity := logsink.VerbosityInfo
	if config.VerbosityDebugEnabled {
		verbosity = logsink.VerbosityDebug
	}

	return &BuildOrchestrator{
		store:        store,
		runtime:      runtime,
		repoPreparer: repoPreparer,
		provisioner:  toolProvisioner,
		pathResolver: pathResolver,
		collector:    collector,
		reporter:     reporter,
		registry:     registry,
		integration:  integration,
		decrypter:    decrypter,
		logger:       logger,
		config:       config,
		sinks:        sinks,
		newSink: func(buildID int64) *logsink.Sink {
			return logsink.NewSink(buildID, logEntryStore, verbosity)
		},
		effectiveTimeout: defaultEffectiveTimeout,
	}
}

// Execute drives buildID to a terminal state and returns. It is safe to
// call concurrently for distinct buildIDs; a second concurrent call for the
// same buildID returns ErrAlreadyRunning without touching any state, and a
// call for a build whose status is no longer Queued returns an error without
// running it again.
//
// externalCancel, when cancelled by the caller, causes Execute to terminate
// the build as Cancelled (unless the timeout deadline has already elapsed,
// in which case the terminal status is TimedOut instead).
func (o *BuildOrchestrator) Execute(externalCancel context.Context, buildID int64) error {
	build, err := o.store.GetBuild(buildID)
	if err != nil {
		return fmt.Errorf("failed to load build %d: %w", buildID, err)
	}
	project, err := o.store.GetProject(build.ProjectID)
	if err != nil {
		return fmt.Errorf("failed to load project %d: %w", build.ProjectID, err)
	}

	effectiveTimeout := o.effectiveTimeout(project.TimeoutMinutes, o.config.MaxTimeoutMinutes)

	timeoutCtx, cancelTimeout := context.WithTimeout(externalCancel, effectiveTimeout)
	defer cancelTimeout()
	compositeCtx, cancelComposite := context.WithCancel(timeoutCtx)
	defer cancelComposite()

	if o.registry.TryRegister(buildID, cancelComposite) {
		return ErrAlreadyRunning
	}
	defer o.registry.Unregister(buildID)

	// Re-read the status now that this call holds the registration: a
	// duplicate delivery of an id whose earlier run already moved it out of
	// Queued must not execute the build a second time.
	current, err := o.store.GetBuild(buildID)
	if err != nil {
		return fmt.Errorf("failed to reload build %d: %w", buildID, err)
	}
	if current.Status != models.BuildStatusQueued {
		return fmt.Errorf("build %d is %s, not queued; not executing it again", buildID, current.Status)
	}

	sink := o.newSink(buildID)
	if o.sinks != nil {
		o.sinks.Register(buildID, sink)
		defer o.sinks.Unregister(buildID)
	}

	// Boundary case: effectiveTimeout == 0 terminates immediately as
	// TimedOut, before any container is created.
	if effectiveTimeout <= 0 {
		sink.Error("effective timeout is zero, build cannot run")
		return o.finalize(compositeCtx, build, project, models.BuildStatusTimedOut,
			compositeMessage(models.BuildStatusTimedOut, 0), "", sink)
	}

	run := &buildRun{
		orchestrator: o,
		ctx:          compositeCtx,
		build:        build,
		project:      project,
		sink:         sink,
		timeout:      effectiveTimeout,
	}
	return run.execute()
}

// defaultEffectiveTimeout caps a project's configured timeout (in minutes)
// to the server-wide maximum.
func defaultEffectiveTimeout(projectMinutes, serverMaxMinutes int) time.Duration {
	minutes := projectMinutes
	if serverMaxMinutes > 0 && minutes > serverMaxMinutes {
		minutes = serverMaxMinutes
	}
	if minutes < 0 {
		minutes = 0
	}
	return time.Duration(minutes) * time.Minute
}

// buildRun holds per-Execute-call state so the orchestrator instance itself
// stays stateless between builds.
type buildRun struct {
	orchestrator *BuildOrchestrator
	ctx          context.Context
	build        *models.Build
	project      *models.Project
	sink         *logsink.Sink
	containerID  string
	timeout      time.Duration // effective timeout armed for this build, for timeout-message reporting
}

func (r *buildRun) execute() error {
	o := r.orchestrator

	if invalid, detected := r.validateProfile(); invalid {
		message := fmt.Sprintf("profile %q is not among the detected profiles %v", *r.project.Profile, sortedKeys(detected))
		r.sink.Error("%s", message)
		return o.finalize(r.ctx, r.build, r.project, models.BuildStatusFailed, message, "", r.sink)
	}

	workingPath := filepath.Join(o.config.ReposRoot, fmt.Sprint(r.project.ID), r.build.ShortSha())
	installationID := ""
	if r.project.InstallationID != nil {
		installationID = *r.project.InstallationID
	}

	if ok := o.repoPreparer.Prepare(r.ctx, installationID, r.project.RepoFullName, r.build.Branch, r.build.CommitSha, workingPath, "", sinkWriter{r.sink}); !ok {
		message := fmt.Sprintf("could not prepare working tree at commit %s", r.build.ShortSha())
		r.sink.Error("%s", message)
		return o.finalize(r.ctx, r.build, r.project, models.BuildStatusFailed, message, "", r.sink)
	}
	r.sink.Info("working tree ready at commit %s", r.build.ShortSha())

	if err := o.store.MarkRunning(r.build.ID, time.Now().UTC()); err != nil {
		return fmt.Errorf("failed to mark build %d running: %w", r.build.ID, err)
	}
	r.build.Status = models.BuildStatusRunning
	now := time.Now().UTC()
	r.build.StartedAt = &now

	o.reporter.ReportPending(r.ctx, r.project.RepoFullName, r.build)

	return r.runInContainer(workingPath)
}

// validateProfile checks project.Profile (if set) against freshly detected
// profiles and persists the detected set regardless of outcome — data model
// invariant 6 requires availableProfiles to reflect the working tree state
// observed before any script execution.
func (r *buildRun) validateProfile() (invalid bool, detected map[string]struct{}) {
	o := r.orchestrator
	detected, err := o.integration.DetectProfiles(r.ctx, r.project.RepoFullName, r.build.Branch)
	if err != nil {
		r.sink.Warning("failed to detect profiles: %v", err)
		detected = map[string]struct{}{}
	}

	if err := o.store.UpdateAvailableProfiles(r.project.ID, detected); err != nil {
		r.sink.Warning("failed to persist detected profiles: %v", err)
	}
	r.project.AvailableProfiles = detected

	if r.project.Profile == nil {
		return false, detected
	}
	_, ok := detected[*r.project.Profile]
	return !ok, detected
}

func (r *buildRun) runInContainer(workingPath string) error {
	o := r.orchestrator

	if err := o.runtime.EnsureNetwork(r.ctx, o.config.BuildNetworkName); err != nil {
		return o.finalizeInternalError(r, fmt.Errorf("failed to ensure build network: %w", err))
	}

	image := o.config.DefaultDockerImage
	if r.project.DockerImage != nil && *r.project.DockerImage != "" {
		image = *r.project.DockerImage
	}

	hostWorkingPath := o.pathResolver.ResolveHostPath(r.ctx, workingPath)
	env, err := r.buildEnv(hostWorkingPath)
	if err != nil {
		return o.finalizeInternalError(r, err)
	}

	containerID, err := o.runtime.Create(r.ctx, containerrt.CreateSpec{
		Name:  util.BuildContainerName(r.build.ID),
		Image: image,
		Mounts: []containerrt.Mount{
			{Source: hostWorkingPath, Destination: "/workspace", ReadOnly: false},
		},
		Env:     env,
		Workdir: "/workspace",
		Network: o.config.BuildNetworkName,
	})
	if err != nil {
		message := fmt.Sprintf("container create failed: %v", err)
		r.sink.Error("%s", message)
		return o.finalize(r.ctx, r.build, r.project, models.BuildStatusFailed, message, "", r.sink)
	}
	r.containerID = containerID
	r.sink.Info("container %s created", containerID)

	// Container removal is attempted unconditionally, best-effort, once
	// this function returns — regardless of how execution ends.
	defer func() {
		removeCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := o.runtime.Remove(removeCtx, containerID); err != nil {
			o.logger.Warn("failed to remove build container", "build", r.build.ID, "container", containerID, "error", err)
		}
	}()

	if err := r.provisionTools(); err != nil {
		message := fmt.Sprintf("tool provisioning failed: %v", err)
		r.sink.Error("%s", message)
		return o.finalize(r.ctx, r.build, r.project, models.BuildStatusFailed, message, "", r.sink)
	}

	return r.runRunnerAndFinalize()
}

func (r *buildRun) buildEnv(workspacePath string) ([]string, error) {
	o := r.orchestrator
	env := []string{"ANDO_HOST_ROOT=" + workspacePath}
	for _, secret := range r.project.Secrets {
		value, err := o.decrypter.Decrypt(secret.EncryptedValue)
		if err != nil {
			return nil, fmt.Errorf("failed to decrypt secret %q: %w", secret.Name, err)
		}
		env = append(env, secret.Name+"="+value)
	}
	return env, nil
}

func (r *buildRun) provisionTools() error {
	o := r.orchestrator
	group, ctx := errgroup.WithContext(r.ctx)
	group.Go(func() error { return o.provisioner.EnsureRunner(ctx, r.containerID) })
	group.Go(func() error { return o.provisioner.EnsureVcs(ctx, r.containerID) })
	group.Go(func() error { return o.provisioner.EnsureContainerCli(ctx, r.containerID) })
	group.Go(func() error { return o.provisioner.EnsureReleaseCli(ctx, r.containerID) })
	if err := group.Wait(); err != nil {
		return err
	}
	return o.provisioner.ConfigureVcsCredentials(r.ctx, r.containerID, o.config.ProviderHost)
}

func (r *buildRun) runRunnerAndFinalize() error {
	o := r.orchestrator

	argv := []string{runnerCommand, "run", "-p", ""}
	if r.project.Profile != nil {
		argv[3] = *r.project.Profile
	} else {
		argv = argv[:3]
	}

	exitCode, err := o.runtime.Exec(r.ctx, r.containerID, argv, "/workspace", nil, func(line containerrt.OutputLine) {
		r.sink.Output(line.Text)
	})

	if err != nil {
		if composite := classifyCompositeError(r.ctx, err); composite != "" {
			return o.finalize(r.ctx, r.build, r.project, composite, compositeMessage(composite, r.timeout), r.containerID, r.sink)
		}
		message := fmt.Sprintf("failed to start runner: %v", err)
		r.sink.Error("%s", message)
		return o.finalize(r.ctx, r.build, r.project, models.BuildStatusFailed, message, r.containerID, r.sink)
	}

	if exitCode != 0 {
		message := fmt.Sprintf("runner exited with status %d", exitCode)
		r.sink.Error("%s", message)
		r.build.StepsFailed = 1
		return o.finalize(r.ctx, r.build, r.project, models.BuildStatusFailed, message, r.containerID, r.sink)
	}

	r.sink.Info("runner exited 0")

	// Artifact collection is attempted only on success; a failure here is
	// logged and does not downgrade the otherwise-successful build.
	if err := o.collector.Collect(r.ctx, r.build.ID, r.project.ID, r.containerID); err != nil {
		o.logger.Warn("artifact collection failed", "build", r.build.ID, "error", err)
		r.sink.Warning("artifact collection failed: %v", err)
	}

	return o.finalize(r.ctx, r.build, r.project, models.BuildStatusSuccess, "", r.containerID, r.sink)
}

// classifyCompositeError distinguishes an external cancel from an elapsed
// timeout by inspecting ctx's own error, since both unwind through the same
// composite context.
func classifyCompositeError(ctx context.Context, _ error) models.BuildStatus {
	switch {
	case errors.Is(ctx.Err(), context.DeadlineExceeded):
		return models.BuildStatusTimedOut
	case errors.Is(ctx.Err(), context.Canceled):
		return models.BuildStatusCancelled
	default:
		return ""
	}
}

func compositeMessage(status models.BuildStatus, timeout time.Duration) string {
	if status == models.BuildStatusTimedOut {
		return fmt.Sprintf("timed out after %d minutes", int(timeout.Minutes()))
	}
	return "build was cancelled"
}

// finalizeInternalError handles an unclassified failure before a container
// id exists, mapping it to the Internal error kind.
func (o *BuildOrchestrator) finalizeInternalError(r *buildRun, err error) error {
	message := err.Error()
	r.sink.Error("internal error: %s", message)
	return o.finalize(r.ctx, r.build, r.project, models.BuildStatusFailed, message, "", r.sink)
}

// finalize persists the terminal status, reports it, and fires the
// failure-notification check. finishedAt is always recorded even when the
// composite context has already been cancelled, since cleanup itself is
// defined as not cancellable.
func (o *BuildOrchestrator) finalize(ctx context.Context, build *models.Build, project *models.Project, status models.BuildStatus, message string, _containerID string, sink *logsink.Sink) error {
	finishedAt := time.Now().UTC()

	var errorMessagePtr *string
	if status != models.BuildStatusSuccess {
		if message == "" {
			message = "build failed"
		}
		errorMessagePtr = &message
	}

	stepsFailed := 0
	if status != models.BuildStatusSuccess {
		stepsFailed = 1
	}

	if err := o.store.FinishBuild(build.ID, status, finishedAt, errorMessagePtr, stepsFailed); err != nil {
		o.logger.Error("failed to persist terminal build status", "build", build.ID, "error", err)
	}

	build.Status = status
	build.FinishedAt = &finishedAt
	build.ErrorMessage = errorMessagePtr
	if build.StartedAt != nil {
		d := finishedAt.Sub(*build.StartedAt)
		build.Duration = &d
	}

	// Reporting uses a fresh background-derived context: the composite
	// cancellation signal may already be cancelled/expired, but reporting
	// a terminal status must still be attempted.
	reportCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	o.reporter.ReportTerminal(reportCtx, project.RepoFullName, build)
	o.reporter.MaybeNotifyFailure(reportCtx, project.RepoFullName, project.NotifyOnFailure, build)

	if status != models.BuildStatusSuccess {
		return fmt.Errorf("build %d finished as %s: %s", build.ID, status, message)
	}
	return nil
}

func sortedKeys(m map[string]struct{}) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// sinkWriter adapts a *logsink.Sink to the io.Writer shape RepoPreparer's
// git subprocess output is routed through.
type sinkWriter struct {
	sink *logsink.Sink
}

func (w sinkWriter) Write(p []byte) (int, error) {
	if err := w.sink.Output(string(p)); err != nil {
		return 0, err
	}
	return len(p), nil
}
