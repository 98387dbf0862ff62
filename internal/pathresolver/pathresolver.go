// Package pathresolver translates orchestrator-visible paths to
// host-daemon-visible ones, needed only when the orchestrator itself runs
// inside a container (Docker-in-Docker) and must bind-mount a path the
// daemon can only resolve in host terms.
package pathresolver

import (
	"bufio"
	"context"
	"log/slog"
	"os"
	"strings"

	"github.com/corvus-ci/ando-control-plane/internal/containerrt"
	"golang.org/x/sys/unix"
)

// MountInspector is the subset of ContainerRuntime PathResolver needs —
// expressed as its own narrow interface so tests can fake it without a
// Docker daemon.
type MountInspector interface {
	InspectMounts(ctx context.Context, containerRef string) ([]containerrt.MountInfo, error)
}

// PathResolver resolves orchestrator paths to host paths via the
// container(s) the orchestrator itself runs in.
type PathResolver struct {
	runtime MountInspector
	logger  *slog.Logger

	// selfContainerCandidates and isContainerized are overridable for
	// tests; production callers use NewPathResolver's defaults.
	selfContainerCandidates func() []string
	isContainerized         func() bool
}

// NewPathResolver builds a PathResolver using the real self-detection
// probes (/.dockerenv, /proc/self/cgroup, HOSTNAME).
func NewPathResolver(runtime MountInspector, logger *slog.Logger) *PathResolver {
	return &PathResolver{
		runtime:                 runtime,
		logger:                  logger,
		selfContainerCandidates: defaultSelfContainerCandidates,
		isContainerized:         defaultIsContainerized,
	}
}

// ResolveHostPath implements the algorithm in §4.5: if the orchestrator is
// not itself containerized, the path is already host-visible and returned
// unchanged. Otherwise each self-container candidate is inspected in turn
// for the mount whose destination is the longest prefix of
// orchestratorPath; the first match wins.
func (r *PathResolver) ResolveHostPath(ctx context.Context, orchestratorPath string) string {
	if !r.isContainerized() {
		return orchestratorPath
	}

	for _, candidate := range r.selfContainerCandidates() {
		if candidate == "" {
			continue
		}
		mounts, err := r.runtime.InspectMounts(ctx, candidate)
		if err != nil {
			continue
		}
		if hostPath, ok := longestPrefixMatch(mounts, orchestratorPath); ok {
			return hostPath
		}
	}

	r.logger.Warn("path resolver found no matching mount, returning path unchanged",
		"path", orchestratorPath,
	)
	return orchestratorPath
}

func longestPrefixMatch(mounts []containerrt.MountInfo, orchestratorPath string) (string, bool) {
	bestLen := -1
	bestHostPath := ""
	for _, m := range mounts {
		if !strings.HasPrefix(orchestratorPath, m.Destination) {
			continue
		}
		if len(m.Destination) <= bestLen {
			continue
		}
		bestLen = len(m.Destination)
		bestHostPath = m.Source + strings.TrimPrefix(orchestratorPath, m.Destination)
	}
	if bestLen == -1 {
		return "", false
	}
	return bestHostPath, true
}

func defaultIsContainerized() bool {
	if statSelf("/.dockerenv") == nil {
		return true
	}
	return os.Getenv("DOTNET_RUNNING_IN_CONTAINER") == "true"
}

// defaultSelfContainerCandidates collects, in priority order: the container
// id parsed from /proc/self/cgroup, the HOSTNAME env var (Docker sets this
// to the short container id by default), and a well-known fallback name an
// administrator may have set explicitly on the container.
func defaultSelfContainerCandidates() []string {
	candidates := make([]string, 0, 3)
	if id, ok := cgroupContainerID(); ok {
		candidates = append(candidates, id)
	}
	if hostname := os.Getenv("HOSTNAME"); hostname != "" {
		candidates = append(candidates, hostname)
	}
	candidates = append(candidates, "ando-orchestrator")
	return candidates
}

// cgroupContainerID parses /proc/self/cgroup for a 64-hex-character
// container id, the form Docker writes into cgroup paths.
func cgroupContainerID() (string, bool) {
	file, err := os.Open("/proc/self/cgroup")
	if err != nil {
		return "", false
	}
	defer file.Close()

	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		line := scanner.Text()
		idx := strings.LastIndexByte(line, '/')
		if idx == -1 {
			continue
		}
		segment := line[idx+1:]
		if len(segment) == 64 && isHex(segment) {
			return segment, true
		}
	}
	return "", false
}

func isHex(s string) bool {
	for _, c := range s {
		if !((c >= '0' && c <= '9') || (c >= 'a' && c <= 'f')) {
			return false
		}
	}
	return true
}

// statSelf checks for path's existence via a raw unix.Stat rather than
// os.Stat, avoiding the extra os.FileInfo allocation on a check that runs on
// every ResolveHostPath call through defaultIsContainerized.
func statSelf(path string) error {
	var stat unix.Stat_t
	return unix.Stat(path, &stat)
}
