package containerrt

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/api/types/mount"
	"github.com/docker/docker/api/types/network"
	dockerSDKclient "github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"
	v1 "github.com/opencontainers/image-spec/specs-go/v1"
)

// DockerRuntime is the Docker-SDK-backed ContainerRuntime implementation.
// One instance is shared across every concurrent build; the underlying SDK
// client is itself safe for concurrent use.
type DockerRuntime struct {
	sdk    *dockerSDKclient.Client
	logger *slog.Logger
}

// NewDockerRuntime builds a DockerRuntime from the ambient Docker
// environment (DOCKER_HOST, certs, etc.) and negotiates the API version
// against the daemon. It pings the daemon with a short timeout so a
// misconfigured socket fails fast at startup rather than on the first build.
func NewDockerRuntime(logger *slog.Logger) (*DockerRuntime, error) {
	sdk, err := dockerSDKclient.NewClientWithOpts(
		dockerSDKclient.FromEnv,
		dockerSDKclient.WithAPIVersionNegotiation(),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to construct docker client: %w", err)
	}

	runtime := &DockerRuntime{sdk: sdk, logger: logger}
	if err := runtime.ping(); err != nil {
		return nil, err
	}
	return runtime, nil
}

func (d *DockerRuntime) ping() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if _, err := d.sdk.Ping(ctx); err != nil {
		return fmt.Errorf("failed to reach docker daemon: %w", err)
	}
	return nil
}

// Close releases the underlying SDK client's resources.
func (d *DockerRuntime) Close() error {
	return d.sdk.Close()
}

// EnsureNetwork creates the named bridge network if it does not already
// exist. If two callers race, one create wins and the other's "already
// exists" error is swallowed — the idempotent protocol §5 requires.
func (d *DockerRuntime) EnsureNetwork(ctx context.Context, name string) error {
	existing, err := d.sdk.NetworkList(ctx, network.ListOptions{
		Filters: filters.NewArgs(filters.Arg("name", name)),
	})
	if err != nil {
		return fmt.Errorf("failed to list networks: %w", err)
	}
	for _, net := range existing {
		if net.Name == name {
			return nil
		}
	}

	_, err = d.sdk.NetworkCreate(ctx, name, network.CreateOptions{Driver: "bridge"})
	if err != nil && !strings.Contains(err.Error(), "already exists") {
		return fmt.Errorf("failed to create network %q: %w", name, err)
	}
	return nil
}

// Create starts a detached container sleeping forever under "tail -f
// /dev/null" (overridden by spec.Entrypoint/Command when set), bind-mounted
// and network-attached up front so there is no Traefik-style post-start
// attach race.
func (d *DockerRuntime) Create(ctx context.Context, spec CreateSpec) (string, error) {
	if err := d.pullImageIfNotPresent(ctx, spec.Image); err != nil {
		return "", err
	}

	entrypoint := spec.Entrypoint
	command := spec.Command
	if len(entrypoint) == 0 && len(command) == 0 {
		entrypoint = []string{"tail"}
		command = []string{"-f", "/dev/null"}
	}

	containerConfig := &container.Config{
		Image:      spec.Image,
		Entrypoint: entrypoint,
		Cmd:        command,
		Env:        spec.Env,
		WorkingDir: spec.Workdir,
	}

	mounts := make([]mount.Mount, 0, len(spec.Mounts))
	for _, m := range spec.Mounts {
		mounts = append(mounts, mount.Mount{
			Type:     mount.TypeBind,
			Source:   m.Source,
			Target:   m.Destination,
			ReadOnly: m.ReadOnly,
		})
	}

	hostConfig := &container.HostConfig{
		Mounts: mounts,
	}

	var networkingConfig *network.NetworkingConfig
	if spec.Network != "" {
		networkingConfig = &network.NetworkingConfig{
			EndpointsConfig: map[string]*network.EndpointSettings{
				spec.Network: {},
			},
		}
	}

	platform := &v1.Platform{Architecture: "amd64", OS: "linux"}

	d.logger.Debug("creating build container",
		"name", spec.Name,
		"image", spec.Image,
		"argv", RedactArgv(append(entrypoint, command...)),
	)

	created, err := d.sdk.ContainerCreate(ctx, containerConfig, hostConfig, networkingConfig, platform, spec.Name)
	if err != nil {
		return "", fmt.Errorf("failed to create container %q: %w", spec.Name, err)
	}

	if err := d.sdk.ContainerStart(ctx, created.ID, container.StartOptions{}); err != nil {
		return "", fmt.Errorf("failed to start container %q: %w", spec.Name, err)
	}
	return created.ID, nil
}

// Exec runs argv inside a running container and streams stdout/stderr to
// onLine as full lines arrive, demultiplexed via stdcopy.
func (d *DockerRuntime) Exec(ctx context.Context, containerID string, argv []string, workdir string, env []string, onLine LineCallback) (int, error) {
	d.logger.Debug("exec in container", "container", containerID, "argv", RedactArgv(argv))

	created, err := d.sdk.ContainerExecCreate(ctx, containerID, container.ExecOptions{
		Cmd:          argv,
		WorkingDir:   workdir,
		Env:          env,
		AttachStdout: true,
		AttachStderr: true,
	})
	if err != nil {
		return -1, fmt.Errorf("failed to create exec for container %q: %w", containerID, err)
	}

	attached, err := d.sdk.ContainerExecAttach(ctx, created.ID, container.ExecAttachOptions{})
	if err != nil {
		return -1, fmt.Errorf("failed to attach exec for container %q: %w", containerID, err)
	}
	defer attached.Close()

	stdoutReader, stdoutWriter := io.Pipe()
	stderrReader, stderrWriter := io.Pipe()

	demuxDone := make(chan error, 1)
	go func() {
		_, copyErr := stdcopy.StdCopy(stdoutWriter, stderrWriter, attached.Reader)
		stdoutWriter.CloseWithError(copyErr)
		stderrWriter.CloseWithError(copyErr)
		demuxDone <- copyErr
	}()

	linesDone := make(chan struct{}, 2)
	go streamLines(stdoutReader, "stdout", onLine, linesDone)
	go streamLines(stderrReader, "stderr", onLine, linesDone)

	<-linesDone
	<-linesDone
	if err := <-demuxDone; err != nil && err != io.EOF {
		return -1, fmt.Errorf("failed to demux exec output: %w", err)
	}

	inspected, err := d.sdk.ContainerExecInspect(ctx, created.ID)
	if err != nil {
		return -1, fmt.Errorf("failed to inspect exec result for container %q: %w", containerID, err)
	}
	return inspected.ExitCode, nil
}

func streamLines(reader io.Reader, stream string, onLine LineCallback, done chan<- struct{}) {
	scanner := bufio.NewScanner(reader)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		if onLine != nil {
			onLine(OutputLine{Stream: stream, Text: scanner.Text()})
		}
	}
	done <- struct{}{}
}

// CopyOut recursively copies srcPath from inside the container to
// destDirOnHost. An absent or empty source directory is not an error — the
// caller interprets an empty result directory as "nothing to collect."
func (d *DockerRuntime) CopyOut(ctx context.Context, containerID, srcPath, destDirOnHost string) error {
	reader, _, err := d.sdk.CopyFromContainer(ctx, containerID, srcPath)
	if err != nil {
		if dockerSDKclient.IsErrNotFound(err) {
			return nil
		}
		return fmt.Errorf("failed to copy %q from container %q: %w", srcPath, containerID, err)
	}
	defer reader.Close()

	if err := os.MkdirAll(destDirOnHost, 0755); err != nil {
		return fmt.Errorf("failed to create artifact destination %q: %w", destDirOnHost, err)
	}
	return extractTar(reader, destDirOnHost)
}

// Remove force-removes a container. Callers treat the error as non-fatal.
func (d *DockerRuntime) Remove(ctx context.Context, containerID string) error {
	err := d.sdk.ContainerRemove(ctx, containerID, container.RemoveOptions{Force: true})
	if err != nil {
		return fmt.Errorf("failed to remove container %q: %w", containerID, err)
	}
	return nil
}

// InspectMounts returns the mount source/destination pairs for a container,
// used by PathResolver to translate orchestrator-visible paths to
// host-daemon-visible ones.
func (d *DockerRuntime) InspectMounts(ctx context.Context, containerRef string) ([]MountInfo, error) {
	inspected, err := d.sdk.ContainerInspect(ctx, containerRef)
	if err != nil {
		return nil, fmt.Errorf("failed to inspect container %q: %w", containerRef, err)
	}

	mounts := make([]MountInfo, 0, len(inspected.Mounts))
	for _, m := range inspected.Mounts {
		mounts = append(mounts, MountInfo{Source: m.Source, Destination: m.Destination})
	}
	return mounts, nil
}

func (d *DockerRuntime) pullImageIfNotPresent(ctx context.Context, imageName string) error {
	_, _, err := d.sdk.ImageInspectWithRaw(ctx, imageName)
	if err == nil {
		return nil
	}

	pullStream, err := d.sdk.ImagePull(ctx, imageName, image.PullOptions{})
	if err != nil {
		return fmt.Errorf("failed to pull image %q: %w", imageName, err)
	}
	defer pullStream.Close()

	// ImagePull's response is a stream of progress JSON; the caller only
	// cares that the pull completed, so the stream is drained and dropped.
	if _, err := io.Copy(io.Discard, pullStream); err != nil {
		return fmt.Errorf("failed to read pull stream for image %q: %w", imageName, err)
	}
	return nil
}
