// Package provisioner idempotently installs the in-container build runner,
// VCS client, container CLI and release CLI on first use, across whichever
// base image a project's build happens to use.
package provisioner

import (
	"context"
	"fmt"
	"strings"

	"github.com/corvus-ci/ando-control-plane/internal/containerrt"
)

// runnerPath is the fixed install location for the in-container runner so
// later Exec calls do not depend on PATH shape.
const runnerPath = "/tmp/ando-tools/ando"

// Execer is the subset of ContainerRuntime the provisioner needs.
type Execer interface {
	Exec(ctx context.Context, containerID string, argv []string, workdir string, env []string, onLine containerrt.LineCallback) (exitCode int, err error)
}

// ToolProvisioner runs idempotent probe-then-install steps inside a
// container via Exec; no tool is installed twice.
type ToolProvisioner struct {
	runtime Execer
}

// NewToolProvisioner constructs a ToolProvisioner over an Execer.
func NewToolProvisioner(runtime Execer) *ToolProvisioner {
	return &ToolProvisioner{runtime: runtime}
}

// EnsureRunner installs the in-container runner at runnerPath if it is not
// already present.
func (p *ToolProvisioner) EnsureRunner(ctx context.Context, containerID string) error {
	return p.ensure(ctx, containerID, runnerPath, fmt.Sprintf(
		"mkdir -p %s && curl -fsSL https://ando.invalid/install-runner.sh | sh -s -- %s",
		pathDir(runnerPath), runnerPath,
	), "runner")
}

// EnsureVcs installs git using whichever package manager the image has.
func (p *ToolProvisioner) EnsureVcs(ctx context.Context, containerID string) error {
	return p.ensureViaPackageManager(ctx, containerID, "git", "git")
}

// EnsureContainerCli installs the docker CLI.
func (p *ToolProvisioner) EnsureContainerCli(ctx context.Context, containerID string) error {
	return p.ensureViaPackageManager(ctx, containerID, "docker", "docker-cli")
}

// EnsureReleaseCli installs the GitHub CLI used for release automation.
func (p *ToolProvisioner) EnsureReleaseCli(ctx context.Context, containerID string) error {
	return p.ensureViaPackageManager(ctx, containerID, "gh", "github-cli")
}

// ConfigureVcsCredentials writes a host-scoped credentials file from the
// provider token present in the container's environment (if any), and
// configures a committer identity using the documented fallback precedence
// (GIT_COMMITTER_* → GIT_AUTHOR_* → GIT_USER_* → a neutral default), but
// only if the container has no committer identity configured yet.
func (p *ToolProvisioner) ConfigureVcsCredentials(ctx context.Context, containerID, providerHost string) error {
	script := strings.Join([]string{
		`if [ -n "$GIT_TOKEN" ]; then`,
		`  printf "https://x-access-token:%s@` + providerHost + `\n" "$GIT_TOKEN" > ~/.git-credentials`,
		`  chmod 600 ~/.git-credentials`,
		`  git config --global credential.helper store`,
		`  git config --global credential.useHttpPath false`,
		`fi`,
		`if ! git config --global user.email > /dev/null 2>&1; then`,
		`  EMAIL="${GIT_COMMITTER_EMAIL:-${GIT_AUTHOR_EMAIL:-${GIT_USER_EMAIL:-ando-ci@localhost}}}"`,
		`  NAME="${GIT_COMMITTER_NAME:-${GIT_AUTHOR_NAME:-${GIT_USER_NAME:-ando-ci}}}"`,
		`  git config --global user.email "$EMAIL"`,
		`  git config --global user.name "$NAME"`,
		`fi`,
	}, "\n")

	exitCode, err := p.runtime.Exec(ctx, containerID, []string{"sh", "-c", script}, "/workspace", nil, nil)
	if err != nil {
		return fmt.Errorf("failed to configure vcs credentials: %w", err)
	}
	if exitCode != 0 {
		return fmt.Errorf("configuring vcs credentials exited %d", exitCode)
	}
	return nil
}

// ensure runs a `command -v` probe for toolName and, only on a non-zero
// exit, runs installScript.
func (p *ToolProvisioner) ensure(ctx context.Context, containerID, toolName, installScript, label string) error {
	probeExit, err := p.runtime.Exec(ctx, containerID, []string{"sh", "-c", "command -v " + toolName}, "/", nil, nil)
	if err != nil {
		return fmt.Errorf("failed to probe for %s: %w", label, err)
	}
	if probeExit == 0 {
		return nil
	}

	installExit, err := p.runtime.Exec(ctx, containerID, []string{"sh", "-c", installScript}, "/", nil, nil)
	if err != nil {
		return fmt.Errorf("failed to install %s: %w", label, err)
	}
	if installExit != 0 {
		return fmt.Errorf("installing %s exited %d", label, installExit)
	}
	return nil
}

// ensureViaPackageManager probes for toolName and, if absent, installs
// packageName via whichever of apk/apt-get is detected in the image. An
// image with neither package manager is reported by name so the failure is
// actionable.
func (p *ToolProvisioner) ensureViaPackageManager(ctx context.Context, containerID, toolName, packageName string) error {
	probeExit, err := p.runtime.Exec(ctx, containerID, []string{"sh", "-c", "command -v " + toolName}, "/", nil, nil)
	if err != nil {
		return fmt.Errorf("failed to probe for %s: %w", toolName, err)
	}
	if probeExit == 0 {
		return nil
	}

	script := fmt.Sprintf(`
if command -v apk > /dev/null 2>&1; then
  apk add --no-cache %s
elif command -v apt-get > /dev/null 2>&1; then
  apt-get update && apt-get install -y %s
else
  echo "no recognized package manager for installing %s" >&2
  exit 1
fi`, packageName, packageName, packageName)

	installExit, err := p.runtime.Exec(ctx, containerID, []string{"sh", "-c", script}, "/", nil, nil)
	if err != nil {
		return fmt.Errorf("failed to install %s: %w", toolName, err)
	}
	if installExit != 0 {
		return fmt.Errorf("installing %s exited %d (no recognized package manager, or install failed)", toolName, installExit)
	}
	return nil
}

func pathDir(path string) string {
	idx := strings.LastIndexByte(path, '/')
	if idx <= 0 {
		return "/"
	}
	return path[:idx]
}
