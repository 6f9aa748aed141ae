package worker

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/basket/clawforge/internal/safety"
	"github.com/basket/clawforge/internal/shared"
	"github.com/basket/clawforge/internal/workqueue"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"
)

// DockerBackend runs the instruction in an ephemeral container.
type DockerBackend struct {
	client      *client.Client
	image       string
	memoryBytes int64
	networkMode string
	timeout     time.Duration
	maxOutput   int
}

// DockerOptions configures NewDockerBackend.
type DockerOptions struct {
	Image     string
	MemoryMB  int64
	Network   string
	Timeout   time.Duration
	MaxOutput int
}

func NewDockerBackend(opts DockerOptions) (*DockerBackend, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("docker client: %w", err)
	}
	if opts.Image == "" {
		opts.Image = "alpine:3.20"
	}
	if opts.MemoryMB <= 0 {
		opts.MemoryMB = 512
	}
	if opts.Network == "" {
		opts.Network = "none"
	}
	if opts.Timeout <= 0 {
		opts.Timeout = defaultShellTimeout
	}
	if opts.MaxOutput <= 0 {
		opts.MaxOutput = defaultMaxOutput
	}
	return &DockerBackend{
		client:      cli,
		image:       opts.Image,
		memoryBytes: opts.MemoryMB * 1024 * 1024,
		networkMode: opts.Network,
		timeout:     opts.Timeout,
		maxOutput:   opts.MaxOutput,
	}, nil
}

func (d *DockerBackend) Name() string { return BackendDocker }

// Prepare pings the daemon.
func (d *DockerBackend) Prepare(ctx context.Context) error {
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if _, err := d.client.Ping(pingCtx); err != nil {
		return fmt.Errorf("docker daemon unreachable: %w", err)
	}
	return nil
}

func (d *DockerBackend) Run(ctx context.Context, req Request) (workqueue.Result, error) {
	res := workqueue.Result{Backend: BackendDocker, RuntimeMode: ModeContainer}
	cmd := strings.TrimSpace(req.Instruction)
	if cmd == "" {
		res.Error = "empty command"
		res.ErrorCode = string(shared.CodeInvalidArgs)
		return res, nil
	}
	image := d.image
	if req.Worker.DockerImage != "" {
		image = req.Worker.DockerImage
	}

	execCtx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()

	hostCfg := &container.HostConfig{
		Resources:   container.Resources{Memory: d.memoryBytes},
		NetworkMode: container.NetworkMode(d.networkMode),
	}
	if req.Worker.WorkDir != "" {
		hostCfg.Binds = []string{fmt.Sprintf("%s:/workspace", req.Worker.WorkDir)}
	}
	created, err := d.client.ContainerCreate(execCtx, &container.Config{
		Image:      image,
		Cmd:        []string{"sh", "-c", cmd},
		WorkingDir: "/workspace",
		Tty:        false,
		Labels:     map[string]string{"clawforge.job_id": req.JobID, "clawforge.worker_id": req.Worker.ID},
	}, hostCfg, nil, nil, "")
	if err != nil {
		res.Error = fmt.Sprintf("create container: %v", err)
		res.ErrorCode = string(shared.CodeExecPrepareFailed)
		return res, nil
	}
	containerID := created.ID
	defer func() {
		rmCtx, rmCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer rmCancel()
		_ = d.client.ContainerRemove(rmCtx, containerID, container.RemoveOptions{Force: true})
	}()

	if err := d.client.ContainerStart(execCtx, containerID, container.StartOptions{}); err != nil {
		res.Error = fmt.Sprintf("start container: %v", err)
		res.ErrorCode = string(shared.CodeExecPrepareFailed)
		return res, nil
	}
	ReportProgress(ctx, workqueue.Progress{Current: "container " + shortID(containerID) + " running"})

	var exitCode int64
	statusCh, errCh := d.client.ContainerWait(execCtx, containerID, container.WaitConditionNotRunning)
	select {
	case err := <-errCh:
		if execCtx.Err() == nil {
			res.Error = fmt.Sprintf("wait container: %v", err)
			res.ErrorCode = string(shared.CodeInternal)
			return res, fmt.Errorf("docker wait: %w", err)
		}
		return d.killed(ctx, execCtx, containerID, res)
	case status := <-statusCh:
		exitCode = status.StatusCode
	case <-execCtx.Done():
		return d.killed(ctx, execCtx, containerID, res)
	}

	logCtx, logCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer logCancel()
	out, err := d.client.ContainerLogs(logCtx, containerID, container.LogsOptions{ShowStdout: true, ShowStderr: true})
	if err != nil {
		res.Error = fmt.Sprintf("get logs: %v", err)
		res.ErrorCode = string(shared.CodeInternal)
		return res, nil
	}
	defer out.Close()
	var stdoutBuf, stderrBuf bytes.Buffer
	_, _ = stdcopy.StdCopy(&stdoutBuf, &stderrBuf, out)

	res.Text = safety.Redact(truncateOutput(stdoutBuf.String(), d.maxOutput))
	if exitCode != 0 {
		res.ErrorCode = string(shared.CodeCommandFailed)
		res.Error = fmt.Sprintf("exit status %d", exitCode)
		if s := strings.TrimSpace(safety.Redact(truncateOutput(stderrBuf.String(), d.maxOutput))); s != "" {
			res.Error += ": " + s
		}
		return res, nil
	}
	res.OK = true
	return res, nil
}

// killed force-stops the container after a timeout or cancellation.
func (d *DockerBackend) killed(parent, execCtx context.Context, containerID string, res workqueue.Result) (workqueue.Result, error) {
	killCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = d.client.ContainerKill(killCtx, containerID, "SIGKILL")
	if errors.Is(execCtx.Err(), context.DeadlineExceeded) && parent.Err() == nil {
		res.ErrorCode = string(shared.CodeTimeout)
		res.Error = fmt.Sprintf("container timed out after %s", d.timeout)
		return res, fmt.Errorf("docker: %w", context.DeadlineExceeded)
	}
	res.ErrorCode = string(shared.ClassifyError(parent.Err()))
	res.Error = "container stopped: " + fmt.Sprint(parent.Err())
	return res, fmt.Errorf("docker: %w", parent.Err())
}

// Close closes the docker client.
func (d *DockerBackend) Close() error {
	return d.client.Close()
}

func shortID(id string) string {
	if len(id) > 12 {
		return id[:12]
	}
	return id
}
