package worker

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/api/types/mount"
	"github.com/docker/docker/client"

	"batchdriver/internal/batch"
)

const managedBy = "batch-worker"

// ContainerMetrics is an optional interface for recording container metrics.
type ContainerMetrics interface {
	RecordContainerStarted(ctx context.Context, image string)
	RecordContainerFinished(ctx context.Context, image string, success bool, durationSeconds float64)
}

// DockerConfig holds configuration for the Docker runtime.
type DockerConfig struct {
	// SecretsRoot is a host directory secrets are written under before
	// being bind-mounted into containers.
	SecretsRoot string
	ExtraHosts  []string
	StopTimeout int // seconds
}

// Docker runs tasks as containers on the host Docker daemon.
type Docker struct {
	client  *client.Client
	config  DockerConfig
	metrics ContainerMetrics
	logger  *slog.Logger
}

// NewDocker connects to the daemon from the environment and removes job
// containers left behind by a previous run of the worker.
func NewDocker(ctx context.Context, cfg DockerConfig, metrics ContainerMetrics) (*Docker, error) {
	dockerClient, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("failed to create docker client: %w", err)
	}
	if cfg.SecretsRoot == "" {
		cfg.SecretsRoot = filepath.Join(os.TempDir(), "batch-worker-secrets")
	}
	if cfg.StopTimeout <= 0 {
		cfg.StopTimeout = 10
	}

	d := &Docker{
		client:  dockerClient,
		config:  cfg,
		metrics: metrics,
		logger:  slog.With("component", "docker"),
	}
	if err := d.removeOrphans(ctx); err != nil {
		d.logger.Warn("Failed to remove orphaned containers", "error", err)
	}
	return d, nil
}

// removeOrphans deletes every container this worker manages. The driver
// forgets a worker's jobs when it restarts, so none of them can be resumed.
func (d *Docker) removeOrphans(ctx context.Context) error {
	containers, err := d.client.ContainerList(ctx, container.ListOptions{
		All:     true,
		Filters: filters.NewArgs(filters.Arg("label", "managed-by="+managedBy)),
	})
	if err != nil {
		return fmt.Errorf("failed to list containers: %w", err)
	}
	for i := range containers {
		c := &containers[i]
		d.logger.Info("Removing orphaned container", "container", c.ID, "batchId", c.Labels["batch.batch_id"], "jobId", c.Labels["batch.job_id"])
		d.removeContainer(ctx, c.ID)
	}
	return nil
}

// RunTask pulls the image, runs the container to completion and removes it.
func (d *Docker) RunTask(ctx context.Context, task Task) *batch.TaskStatus {
	logger := d.logger.With("batchId", task.Key.BatchID, "jobId", task.Key.JobID, "task", task.Name)
	ts := &batch.TaskStatus{Name: task.Name}

	if err := d.pullImageIfNeeded(ctx, task.Image); err != nil {
		ts.Error = fmt.Sprintf("failed to pull image %s: %v", task.Image, err)
		return ts
	}

	mounts, secretsDir, err := d.writeSecrets(task)
	if secretsDir != "" {
		defer os.RemoveAll(secretsDir)
	}
	if err != nil {
		ts.Error = err.Error()
		return ts
	}

	containerID, err := d.createContainer(ctx, task, mounts)
	if err != nil {
		ts.Error = fmt.Sprintf("failed to create container: %v", err)
		return ts
	}
	defer d.removeContainer(context.WithoutCancel(ctx), containerID)

	start := time.Now()
	if err := d.client.ContainerStart(ctx, containerID, container.StartOptions{}); err != nil {
		ts.Error = fmt.Sprintf("failed to start container: %v", err)
		return ts
	}
	if d.metrics != nil {
		d.metrics.RecordContainerStarted(ctx, task.Image)
	}
	logger.Info("Container started", "container", containerID)

	exitCode, waitErr := d.waitForExit(ctx, containerID)
	runtime := time.Since(start).Seconds()
	ts.Timing.Runtime = &runtime

	if ctx.Err() != nil {
		ts.Error = "task was cancelled"
		if d.metrics != nil {
			d.metrics.RecordContainerFinished(context.WithoutCancel(ctx), task.Image, false, runtime)
		}
		return ts
	}

	state := &batch.ContainerState{ExitCode: &exitCode}
	if waitErr != nil {
		state.Error = waitErr.Error()
	}
	if inspect, err := d.client.ContainerInspect(ctx, containerID); err == nil && inspect.State != nil {
		switch {
		case inspect.State.OOMKilled:
			state.Error = "container was OOM killed"
		case inspect.State.Error != "":
			state.Error = inspect.State.Error
		}
	}
	ts.ContainerStatus = state

	success := exitCode == 0 && state.Error == ""
	if d.metrics != nil {
		d.metrics.RecordContainerFinished(ctx, task.Image, success, runtime)
	}
	logger.Info("Container exited", "exitCode", exitCode, "runtime", runtime)
	return ts
}

// Ready checks if the Docker daemon is reachable and responsive.
func (d *Docker) Ready(ctx context.Context) error {
	_, err := d.client.Ping(ctx)
	return err
}

// Close releases the daemon connection.
func (d *Docker) Close() error {
	return d.client.Close()
}

func (d *Docker) waitForExit(ctx context.Context, containerID string) (int, error) {
	statusCh, errCh := d.client.ContainerWait(ctx, containerID, container.WaitConditionNotRunning)

	select {
	case <-ctx.Done():
		return -1, ctx.Err()
	case err := <-errCh:
		return -1, err
	case status := <-statusCh:
		if status.Error != nil {
			return int(status.StatusCode), fmt.Errorf("%s", status.Error.Message)
		}
		return int(status.StatusCode), nil
	}
}

func containerName(task Task) string {
	return fmt.Sprintf("batch-%d-job-%d-%s", task.Key.BatchID, task.Key.JobID, task.Name)
}

func (d *Docker) createContainer(ctx context.Context, task Task, mounts []mount.Mount) (string, error) {
	env := make([]string, 0, len(task.Env)+2)
	for k, v := range task.Env {
		env = append(env, fmt.Sprintf("%s=%s", k, v))
	}
	env = append(env,
		fmt.Sprintf("BATCH_ID=%d", task.Key.BatchID),
		fmt.Sprintf("JOB_ID=%d", task.Key.JobID),
	)

	containerConfig := &container.Config{
		Image: task.Image,
		Cmd:   task.Command,
		Env:   env,
		Labels: map[string]string{
			"batch.batch_id": strconv.FormatInt(task.Key.BatchID, 10),
			"batch.job_id":   strconv.FormatInt(task.Key.JobID, 10),
			"batch.task":     task.Name,
			"managed-by":     managedBy,
		},
	}

	hostConfig := &container.HostConfig{
		Mounts:     mounts,
		ExtraHosts: d.config.ExtraHosts,
		Resources: container.Resources{
			NanoCPUs: task.CoresMcpu * 1e6,
		},
	}

	resp, err := d.client.ContainerCreate(ctx, containerConfig, hostConfig, nil, nil, containerName(task))
	if err != nil {
		return "", err
	}
	return resp.ID, nil
}

// writeSecrets materializes each secret as a directory of files, one per
// key, and returns read-only bind mounts for them.
func (d *Docker) writeSecrets(task Task) ([]mount.Mount, string, error) {
	if len(task.Secrets) == 0 {
		return nil, "", nil
	}
	dir := filepath.Join(d.config.SecretsRoot, containerName(task))
	mounts := make([]mount.Mount, 0, len(task.Secrets))
	for _, secret := range task.Secrets {
		secretDir := filepath.Join(dir, secret.Name)
		if err := os.MkdirAll(secretDir, 0o700); err != nil {
			return nil, dir, fmt.Errorf("failed to create secret dir: %w", err)
		}
		for key, value := range secret.Data {
			if err := os.WriteFile(filepath.Join(secretDir, filepath.Base(key)), []byte(value), 0o600); err != nil {
				return nil, dir, fmt.Errorf("failed to write secret %s: %w", secret.Name, err)
			}
		}
		mounts = append(mounts, mount.Mount{
			Type:     mount.TypeBind,
			Source:   secretDir,
			Target:   secret.MountPath,
			ReadOnly: true,
		})
	}
	return mounts, dir, nil
}

func (d *Docker) pullImageIfNeeded(ctx context.Context, imageName string) error {
	_, err := d.client.ImageInspect(ctx, imageName)
	if err == nil {
		return nil
	}

	reader, err := d.client.ImagePull(ctx, imageName, image.PullOptions{})
	if err != nil {
		return err
	}
	defer reader.Close()

	_, err = io.Copy(io.Discard, reader)
	return err
}

func (d *Docker) removeContainer(ctx context.Context, containerID string) {
	if containerID == "" {
		return
	}
	stopTimeout := d.config.StopTimeout
	_ = d.client.ContainerStop(ctx, containerID, container.StopOptions{Timeout: &stopTimeout})
	_ = d.client.ContainerRemove(ctx, containerID, container.RemoveOptions{Force: true})
}

var _ Runtime = (*Docker)(nil)
