// Package sandbox implements the spec's "Backend" collaborator: an
// ephemeral, container-isolated build/run environment. It is adapted from
// the teacher's internal/tools/docker.go (one-shot Exec-and-collect), made
// streaming: BeginExecute returns immediately with live stdout/stderr
// channels and a completion channel, instead of blocking for the whole run.
package sandbox

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/basket/play-session/internal/wsproto"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"
	"github.com/google/uuid"
)

// Status is the terminal outcome of one execution, mirroring the spec's
// ExecuteStatus.
type Status struct {
	Success    bool
	ExitDetail string
}

// ActiveExecution is the handle §6 calls begin_execute's return value: a
// completion signal plus two live output streams.
type ActiveExecution struct {
	Done   <-chan Status
	Stdout <-chan string
	Stderr <-chan string
}

// Backend is the collaborator contract consumed by the Execute Job Driver
// (§6 "Backend collaborator interface").
type Backend interface {
	BeginExecute(ctx context.Context, req wsproto.ValidatedExecuteRequest) (*ActiveExecution, error)
	Idle(ctx context.Context) error
	Shutdown(ctx context.Context) error
}

// ImageSet maps a requested channel to the container image that provides
// its toolchain. Configurable so an operator can pin exact image digests.
type ImageSet map[wsproto.Channel]string

// DefaultImages returns the conventional Rust Playground channel images.
func DefaultImages() ImageSet {
	return ImageSet{
		wsproto.ChannelStable:  "rustlang/rust:stable",
		wsproto.ChannelBeta:    "rustlang/rust:beta",
		wsproto.ChannelNightly: "rustlang/rust:nightly",
	}
}

// DockerBackend runs each execution in a fresh, auto-removed container.
type DockerBackend struct {
	client      *client.Client
	images      ImageSet
	memoryBytes int64
	networkMode string
	workspace   string
}

// NewDockerBackend constructs the backend. workspace is a host directory
// bind-mounted read/write into every container as /workspace; memoryMB<=0
// and empty networkMode fall back to the teacher's defaults (512MB, "none").
func NewDockerBackend(images ImageSet, memoryMB int64, networkMode, workspace string) (*DockerBackend, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("docker client: %w", err)
	}
	if images == nil {
		images = DefaultImages()
	}
	if memoryMB <= 0 {
		memoryMB = 512
	}
	if networkMode == "" {
		networkMode = "none"
	}
	return &DockerBackend{
		client:      cli,
		images:      images,
		memoryBytes: memoryMB * 1024 * 1024,
		networkMode: networkMode,
		workspace:   workspace,
	}, nil
}

// BeginExecute creates and starts a container for req, then returns
// immediately with channels the caller drains as output arrives.
func (b *DockerBackend) BeginExecute(ctx context.Context, req wsproto.ValidatedExecuteRequest) (*ActiveExecution, error) {
	image, ok := b.images[req.Channel]
	if !ok {
		return nil, fmt.Errorf("no image configured for channel %q", req.Channel)
	}

	runDir, cmd, err := b.writeWorkspace(req)
	if err != nil {
		return nil, fmt.Errorf("prepare workspace: %w", err)
	}

	resp, err := b.client.ContainerCreate(ctx, &container.Config{
		Image:      image,
		Cmd:        []string{"sh", "-c", cmd},
		WorkingDir: "/workspace",
		Tty:        false,
	}, &container.HostConfig{
		Resources:   container.Resources{Memory: b.memoryBytes},
		NetworkMode: container.NetworkMode(b.networkMode),
		Binds:       []string{runDir + ":/workspace"},
		AutoRemove:  true,
	}, nil, nil, "")
	if err != nil {
		return nil, fmt.Errorf("create container: %w", err)
	}

	if err := b.client.ContainerStart(ctx, resp.ID, container.StartOptions{}); err != nil {
		return nil, fmt.Errorf("start container: %w", err)
	}

	stdout := make(chan string, 16)
	stderr := make(chan string, 16)
	done := make(chan Status, 1)

	go b.streamLogs(ctx, resp.ID, stdout, stderr)
	go b.awaitExit(ctx, resp.ID, done)

	return &ActiveExecution{Done: done, Stdout: stdout, Stderr: stderr}, nil
}

// writeWorkspace materializes req as a minimal cargo project under a fresh
// subdirectory of the backend's workspace root and returns the directory
// plus the shell command that builds/runs/tests it.
func (b *DockerBackend) writeWorkspace(req wsproto.ValidatedExecuteRequest) (dir, cmd string, err error) {
	dir = filepath.Join(b.workspace, uuid.NewString())
	srcDir := filepath.Join(dir, "src")
	if err := os.MkdirAll(srcDir, 0o755); err != nil {
		return "", "", err
	}
	srcFile := "main.rs"
	if req.CrateType == wsproto.CrateTypeLib {
		srcFile = "lib.rs"
	}
	if err := os.WriteFile(filepath.Join(srcDir, srcFile), []byte(req.Code), 0o644); err != nil {
		return "", "", err
	}
	manifest := fmt.Sprintf("[package]\nname = \"playground\"\nversion = \"0.1.0\"\nedition = %q\n", req.Edition)
	if err := os.WriteFile(filepath.Join(dir, "Cargo.toml"), []byte(manifest), 0o644); err != nil {
		return "", "", err
	}
	return dir, buildCommand(req), nil
}

// buildCommand renders the cargo invocation for a validated request. The
// edition lives in the generated Cargo.toml, not on the command line.
func buildCommand(req wsproto.ValidatedExecuteRequest) string {
	verb := "run"
	switch {
	case req.Tests:
		verb = "test"
	case req.CrateType == wsproto.CrateTypeLib:
		verb = "build"
	}
	cmd := "cargo " + verb
	if req.Mode == wsproto.ModeRelease {
		cmd += " --release"
	}
	if req.Backtrace {
		cmd = "RUST_BACKTRACE=1 " + cmd
	}
	return cmd
}

// streamLogs demultiplexes the container's combined log stream into the
// stdout/stderr channels, preserving per-stream arrival order (§5).
func (b *DockerBackend) streamLogs(ctx context.Context, containerID string, stdout, stderr chan<- string) {
	defer close(stdout)
	defer close(stderr)

	out, err := b.client.ContainerLogs(ctx, containerID, container.LogsOptions{
		ShowStdout: true,
		ShowStderr: true,
		Follow:     true,
	})
	if err != nil {
		return
	}
	defer out.Close()

	stdoutR, stdoutW := io.Pipe()
	stderrR, stderrW := io.Pipe()

	go func() {
		_, _ = stdcopy.StdCopy(stdoutW, stderrW, out)
		stdoutW.Close()
		stderrW.Close()
	}()

	done := make(chan struct{}, 2)
	go pumpLines(stdoutR, stdout, done)
	go pumpLines(stderrR, stderr, done)
	<-done
	<-done
}

// pumpLines scans a reader line by line onto a channel until EOF.
func pumpLines(r io.Reader, out chan<- string, done chan<- struct{}) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		out <- scanner.Text() + "\n"
	}
	done <- struct{}{}
}

// awaitExit waits for the container to stop, killing it if ctx is
// cancelled first (the mechanism by which a preempted job's container is
// torn down — see coordinator.spawn's abort-on-replace).
func (b *DockerBackend) awaitExit(ctx context.Context, containerID string, done chan<- Status) {
	defer close(done)

	statusCh, errCh := b.client.ContainerWait(ctx, containerID, container.WaitConditionNotRunning)
	select {
	case err := <-errCh:
		done <- Status{Success: false, ExitDetail: fmt.Sprintf("wait error: %v", err)}
	case status := <-statusCh:
		done <- Status{Success: status.StatusCode == 0, ExitDetail: fmt.Sprintf("exit code %d", status.StatusCode)}
	case <-ctx.Done():
		_ = b.client.ContainerKill(context.Background(), containerID, "SIGKILL")
		done <- Status{Success: false, ExitDetail: "cancelled"}
	}
}

// Idle releases cached resources between bursts of activity. Requires the
// caller (coordinator.Manager) to guarantee no job is in flight.
func (b *DockerBackend) Idle(ctx context.Context) error {
	_, err := b.client.ContainersPrune(ctx, filtersArgsStopped())
	if err != nil {
		return fmt.Errorf("prune containers: %w", err)
	}
	return nil
}

// Shutdown closes the docker client. Requires the caller to guarantee no
// job is in flight.
func (b *DockerBackend) Shutdown(ctx context.Context) error {
	return b.client.Close()
}
