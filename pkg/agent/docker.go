package agent

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/api/types/mount"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"

	"github.com/holon-run/miyabi/pkg/failure"
	miyabilog "github.com/holon-run/miyabi/pkg/log"
	"github.com/holon-run/miyabi/pkg/logs/redact"
)

// Container paths of the Docker agent contract.
const (
	ContainerWorkspaceDir = "/workspace"
	ContainerInputDir     = "/input"
	ContainerOutputDir    = "/output"

	requestFile = "request.json"
	resultFile  = "result.json"
)

// containerAPI is the subset of the Docker client the agent uses.
type containerAPI interface {
	ImagePull(ctx context.Context, ref string, options image.PullOptions) (io.ReadCloser, error)
	ContainerCreate(ctx context.Context, config *container.Config, hostConfig *container.HostConfig, networkingConfig *network.NetworkingConfig, platform *ocispec.Platform, containerName string) (container.CreateResponse, error)
	ContainerStart(ctx context.Context, containerID string, options container.StartOptions) error
	ContainerWait(ctx context.Context, containerID string, condition container.WaitCondition) (<-chan container.WaitResponse, <-chan error)
	ContainerLogs(ctx context.Context, containerID string, options container.LogsOptions) (io.ReadCloser, error)
	ContainerStop(ctx context.Context, containerID string, options container.StopOptions) error
	ContainerRemove(ctx context.Context, containerID string, options container.RemoveOptions) error
}

// Docker runs the agent in a container. The workspace is bind-mounted at
// /workspace, the request at /input/request.json, and the agent writes
// /output/result.json.
type Docker struct {
	Image string
	Cmd   []string
	Env   map[string]string
	// Pull pulls the image before each run.
	Pull bool
	// Grace is passed to docker stop when the run is cancelled; the
	// daemon kills the container after it.
	Grace    time.Duration
	Redactor *redact.Redactor

	api containerAPI
}

// NewDocker connects to the daemon from the environment.
func NewDocker(imageRef string) (*Docker, error) {
	if strings.TrimSpace(imageRef) == "" {
		return nil, fmt.Errorf("agent image cannot be empty")
	}
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("create docker client: %w", err)
	}
	return &Docker{Image: imageRef, Grace: DefaultCancelGrace, api: cli}, nil
}

// Run executes one container to completion.
func (d *Docker) Run(ctx context.Context, req Request) (Result, error) {
	ioDir, err := os.MkdirTemp("", "miyabi-agent-*")
	if err != nil {
		return Result{}, failure.New(failure.Unexpected, "agent sandbox", err)
	}
	defer os.RemoveAll(ioDir)

	inDir := filepath.Join(ioDir, "input")
	outDir := filepath.Join(ioDir, "output")
	for _, dir := range []string{inDir, outDir} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return Result{}, failure.New(failure.Unexpected, "agent sandbox", err)
		}
	}
	containerReq := req
	containerReq.Workspace = ContainerWorkspaceDir
	data, err := json.MarshalIndent(containerReq, "", "  ")
	if err != nil {
		return Result{}, fmt.Errorf("marshal agent request: %w", err)
	}
	if err := os.WriteFile(filepath.Join(inDir, requestFile), data, 0o644); err != nil {
		return Result{}, failure.New(failure.Unexpected, "agent sandbox", err)
	}

	if d.Pull {
		if err := d.pull(ctx); err != nil {
			return Result{}, err
		}
	}

	resp, err := d.api.ContainerCreate(ctx, &container.Config{
		Image:      d.Image,
		Cmd:        d.Cmd,
		Env:        d.env(req),
		WorkingDir: ContainerWorkspaceDir,
		Labels:     map[string]string{"miyabi.run-id": req.RunID, "miyabi.task-id": req.TaskID},
		Tty:        false,
	}, &container.HostConfig{
		Mounts: BuildMounts(req.Workspace, inDir, outDir),
	}, nil, nil, "")
	if err != nil {
		return Result{}, &failure.Error{Kind: failure.Unexpected, Op: "create container", Retryable: true, Err: err}
	}
	defer func() {
		// The run context may already be done.
		if err := d.api.ContainerRemove(context.Background(), resp.ID, container.RemoveOptions{Force: true}); err != nil {
			miyabilog.Warn("failed to remove agent container", "run_id", req.RunID, "container", resp.ID, "error", err)
		}
	}()

	if err := d.api.ContainerStart(ctx, resp.ID, container.StartOptions{}); err != nil {
		return Result{}, &failure.Error{Kind: failure.Unexpected, Op: "start container", Retryable: true, Err: err}
	}

	statusCh, errCh := d.api.ContainerWait(ctx, resp.ID, container.WaitConditionNotRunning)
	var exitCode int64
	select {
	case <-ctx.Done():
		d.stop(resp.ID, req.RunID)
		return Result{}, ctx.Err()
	case err := <-errCh:
		if ctx.Err() != nil {
			d.stop(resp.ID, req.RunID)
			return Result{}, ctx.Err()
		}
		if err != nil {
			return Result{}, &failure.Error{Kind: failure.Unexpected, Op: "wait container", Retryable: true, Err: err}
		}
	case status := <-statusCh:
		exitCode = status.StatusCode
	}

	d.logContainer(ctx, resp.ID, req.RunID)

	out, readErr := readResult(filepath.Join(outDir, resultFile))
	if readErr == nil && out.Error != "" {
		return Result{}, Fail("%s", out.Error)
	}
	if exitCode != 0 {
		return Result{}, failure.Errorf(failure.Unexpected, "agent container", "container failed with exit code %d", exitCode)
	}
	if readErr != nil {
		return Result{}, failure.New(failure.Unexpected, "agent container", readErr)
	}
	return out.Result, nil
}

// BuildMounts assembles the bind mounts for a run.
func BuildMounts(workspace, inDir, outDir string) []mount.Mount {
	return []mount.Mount{
		{Type: mount.TypeBind, Source: workspace, Target: ContainerWorkspaceDir},
		{Type: mount.TypeBind, Source: inDir, Target: ContainerInputDir, ReadOnly: true},
		{Type: mount.TypeBind, Source: outDir, Target: ContainerOutputDir},
	}
}

func (d *Docker) env(req Request) []string {
	env := make([]string, 0, len(d.Env)+4)
	for k, v := range d.Env {
		env = append(env, fmt.Sprintf("%s=%s", k, v))
	}
	env = append(env,
		"MIYABI_RUN_ID="+req.RunID,
		"MIYABI_TASK_ID="+req.TaskID,
		"MIYABI_REQUEST="+ContainerInputDir+"/"+requestFile,
		"MIYABI_RESULT="+ContainerOutputDir+"/"+resultFile,
	)
	return env
}

func (d *Docker) pull(ctx context.Context) error {
	reader, err := d.api.ImagePull(ctx, d.Image, image.PullOptions{})
	if err != nil {
		return &failure.Error{Kind: failure.Unexpected, Op: "pull image", Retryable: true, Err: err}
	}
	defer reader.Close()
	_, _ = io.Copy(io.Discard, reader)
	return nil
}

func (d *Docker) stop(id, runID string) {
	grace := d.Grace
	if grace <= 0 {
		grace = DefaultCancelGrace
	}
	secs := int(grace.Round(time.Second) / time.Second)
	if secs < 1 {
		secs = 1
	}
	if err := d.api.ContainerStop(context.Background(), id, container.StopOptions{Timeout: &secs}); err != nil {
		miyabilog.Warn("failed to stop agent container", "run_id", runID, "container", id, "error", err)
	}
}

func (d *Docker) logContainer(ctx context.Context, id, runID string) {
	logs, err := d.api.ContainerLogs(ctx, id, container.LogsOptions{ShowStdout: true, ShowStderr: true})
	if err != nil {
		return
	}
	defer logs.Close()
	var buf bytes.Buffer
	if _, err := stdcopy.StdCopy(&buf, &buf, logs); err != nil {
		return
	}
	data := d.Redactor.Redact(buf.Bytes())
	for _, line := range strings.Split(strings.TrimRight(string(data), "\n"), "\n") {
		if line != "" {
			miyabilog.Debug("agent", "run_id", runID, "output", line)
		}
	}
}

func readResult(path string) (commandOutput, error) {
	var out commandOutput
	data, err := os.ReadFile(path)
	if err != nil {
		return out, fmt.Errorf("missing required artifact %s: %w", resultFile, err)
	}
	if err := json.Unmarshal(data, &out); err != nil {
		return out, fmt.Errorf("invalid %s: %w", resultFile, err)
	}
	return out, nil
}
