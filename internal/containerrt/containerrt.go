// Package containerrt is the thin contract over the container daemon that
// every other build-orchestration component depends on: create/exec/cp/rm,
// network management, and mount inspection.
package containerrt

import "context"

// Mount pairs a host source directory with an in-container destination.
type Mount struct {
	Source      string
	Destination string
	ReadOnly    bool
}

// OutputLine is one line emitted by a running Exec call, tagged by stream.
type OutputLine struct {
	Stream string // "stdout" or "stderr"
	Text   string
}

// LineCallback receives each output line as it arrives, in per-stream
// arrival order.
type LineCallback func(OutputLine)

// MountInfo describes one mount visible on an existing container, used by
// PathResolver to translate orchestrator paths into host paths.
type MountInfo struct {
	Source      string
	Destination string
}

// ContainerRuntime is the contract ContainerRuntime implementations satisfy.
// Every operation may block and must honor ctx cancellation — ctx here
// carries the composite cancellation signal (external cancel ∪ timeout).
type ContainerRuntime interface {
	// EnsureNetwork idempotently creates the named bridge network if it
	// does not already exist. Safe to call concurrently; exactly one
	// network is ever created for a given name.
	EnsureNetwork(ctx context.Context, name string) error

	// Create starts a detached container that sleeps forever under the
	// given entrypoint, with the given mounts, env and workdir attached to
	// the named network. Returns the full container id.
	Create(ctx context.Context, spec CreateSpec) (containerID string, err error)

	// Exec runs argv inside an already-running container, streaming output
	// lines to onLine as they arrive, and returns the process exit code.
	Exec(ctx context.Context, containerID string, argv []string, workdir string, env []string, onLine LineCallback) (exitCode int, err error)

	// CopyOut recursively copies srcPath inside the container to
	// destDirOnHost. Absent or empty srcPath is not an error.
	CopyOut(ctx context.Context, containerID, srcPath, destDirOnHost string) error

	// Remove force-removes a container. Callers treat failures as
	// non-fatal (logged, not surfaced).
	Remove(ctx context.Context, containerID string) error

	// InspectMounts returns the mount list for a running or stopped
	// container, by id or name.
	InspectMounts(ctx context.Context, containerRef string) ([]MountInfo, error)
}

// CreateSpec groups every parameter Create needs. Image defaults to the
// server-configured default when empty.
type CreateSpec struct {
	Name       string
	Image      string
	Mounts     []Mount
	Env        []string
	Workdir    string
	Network    string
	Entrypoint []string
	Command    []string
}

// RedactArgv returns a copy of argv with every value immediately following
// an "-e" flag replaced with "KEY=REDACTED", preserving the key name. This
// is the only form argv may take when written to a debug log line, per the
// rule that secret values must never appear in a logged command line.
func RedactArgv(argv []string) []string {
	redacted := make([]string, len(argv))
	copy(redacted, argv)
	for i, arg := range argv {
		if arg != "-e" || i+1 >= len(argv) {
			continue
		}
		kv := argv[i+1]
		key := kv
		for j := 0; j < len(kv); j++ {
			if kv[j] == '=' {
				key = kv[:j]
				break
			}
		}
		redacted[i+1] = key + "=REDACTED"
	}
	return redacted
}
