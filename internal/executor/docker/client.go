// Package docker wraps the Docker SDK to provide executor container operations.
package docker

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	cerrdefs "github.com/containerd/errdefs"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/api/types/mount"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"
	"go.uber.org/zap"

	"github.com/runbox/runbox/internal/common/config"
	"github.com/runbox/runbox/internal/common/logger"
)

// ErrNotFound is returned when the daemon reports no such container.
var ErrNotFound = errors.New("container not found")

// ContainerConfig holds configuration for creating an executor container.
type ContainerConfig struct {
	Name        string
	Hostname    string
	Image       string
	Env         []string
	WorkingDir  string
	Mounts      []MountConfig
	NetworkMode string
	Labels      map[string]string
}

// MountConfig holds mount configuration.
type MountConfig struct {
	Source   string // Host path
	Target   string // Container path
	ReadOnly bool
}

// ContainerInfo holds information about a container.
type ContainerInfo struct {
	ID         string
	Name       string
	Image      string
	State      string // created, running, paused, restarting, removing, exited, dead
	Status     string // Human-readable status
	StartedAt  time.Time
	FinishedAt time.Time
	ExitCode   int
	Labels     map[string]string
}

// ExecConfig holds configuration for running a command inside a container.
type ExecConfig struct {
	Cmd        []string
	User       string
	WorkingDir string
	Env        []string

	// Stdin, when non-nil, is copied into the command's standard input and
	// then half-closed so the command observes EOF.
	Stdin io.Reader
}

// ExecResult holds the captured output of a completed command.
type ExecResult struct {
	ExitCode int
	Stdout   string
	Stderr   string
}

// Client wraps the Docker client.
type Client struct {
	cli    *client.Client
	logger *logger.Logger
}

// NewClient creates a new Docker client.
func NewClient(cfg config.ExecutorConfig, log *logger.Logger) (*Client, error) {
	opts := []client.Opt{
		client.FromEnv,
		client.WithAPIVersionNegotiation(),
	}

	if cfg.Host != "" {
		opts = append(opts, client.WithHost(cfg.Host))
	}

	cli, err := client.NewClientWithOpts(opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create docker client: %w", err)
	}

	log.Info("Docker client created", zap.String("host", cfg.Host))

	return &Client{
		cli:    cli,
		logger: log,
	}, nil
}

// Close closes the Docker client.
func (c *Client) Close() error {
	c.logger.Debug("Closing Docker client")
	return c.cli.Close()
}

// Ping checks if the Docker daemon is available.
func (c *Client) Ping(ctx context.Context) error {
	_, err := c.cli.Ping(ctx)
	if err != nil {
		return fmt.Errorf("docker ping failed: %w", err)
	}
	return nil
}

// ImageExists reports whether an image is available locally. Images are never
// pulled implicitly; a missing image is the operator's problem to fix.
func (c *Client) ImageExists(ctx context.Context, imageName string) (bool, error) {
	_, err := c.cli.ImageInspect(ctx, imageName)
	if err != nil {
		if cerrdefs.IsNotFound(err) {
			return false, nil
		}
		return false, fmt.Errorf("failed to inspect image %s: %w", imageName, err)
	}
	return true, nil
}

// CreateContainer creates a new executor container. The container runs the
// image's default command with a TTY and open stdin so it stays alive idle.
func (c *Client) CreateContainer(ctx context.Context, cfg ContainerConfig) (string, error) {
	c.logger.Info("Creating container",
		zap.String("name", cfg.Name),
		zap.String("image", cfg.Image),
	)

	// Build mounts
	mounts := make([]mount.Mount, 0, len(cfg.Mounts))
	for _, m := range cfg.Mounts {
		mounts = append(mounts, mount.Mount{
			Type:     mount.TypeBind,
			Source:   m.Source,
			Target:   m.Target,
			ReadOnly: m.ReadOnly,
		})
	}

	containerCfg := &container.Config{
		Image:      cfg.Image,
		Hostname:   cfg.Hostname,
		Env:        cfg.Env,
		WorkingDir: cfg.WorkingDir,
		Labels:     cfg.Labels,
		Tty:        true,
		OpenStdin:  true,
	}

	hostCfg := &container.HostConfig{
		Mounts:      mounts,
		NetworkMode: container.NetworkMode(cfg.NetworkMode),
	}

	resp, err := c.cli.ContainerCreate(ctx, containerCfg, hostCfg, nil, nil, cfg.Name)
	if err != nil {
		c.logger.Error("Failed to create container",
			zap.String("name", cfg.Name),
			zap.Error(err),
		)
		return "", fmt.Errorf("failed to create container %s: %w", cfg.Name, err)
	}

	c.logger.Info("Container created", zap.String("id", resp.ID), zap.String("name", cfg.Name))
	return resp.ID, nil
}

// StartContainer starts a container.
func (c *Client) StartContainer(ctx context.Context, containerID string) error {
	c.logger.Info("Starting container", zap.String("container_id", containerID))

	err := c.cli.ContainerStart(ctx, containerID, container.StartOptions{})
	if err != nil {
		c.logger.Error("Failed to start container", zap.String("container_id", containerID), zap.Error(err))
		return fmt.Errorf("failed to start container %s: %w", containerID, err)
	}

	return nil
}

// StopContainer stops a container with a timeout.
func (c *Client) StopContainer(ctx context.Context, containerID string, timeout time.Duration) error {
	c.logger.Info("Stopping container",
		zap.String("container_id", containerID),
		zap.Duration("timeout", timeout),
	)

	timeoutSeconds := int(timeout.Seconds())
	err := c.cli.ContainerStop(ctx, containerID, container.StopOptions{
		Timeout: &timeoutSeconds,
	})
	if err != nil {
		c.logger.Error("Failed to stop container", zap.String("container_id", containerID), zap.Error(err))
		return fmt.Errorf("failed to stop container %s: %w", containerID, err)
	}

	return nil
}

// RemoveContainer removes a container.
func (c *Client) RemoveContainer(ctx context.Context, containerID string, force bool) error {
	c.logger.Info("Removing container",
		zap.String("container_id", containerID),
		zap.Bool("force", force),
	)

	err := c.cli.ContainerRemove(ctx, containerID, container.RemoveOptions{
		Force:         force,
		RemoveVolumes: true,
	})
	if err != nil {
		c.logger.Error("Failed to remove container", zap.String("container_id", containerID), zap.Error(err))
		return fmt.Errorf("failed to remove container %s: %w", containerID, err)
	}

	return nil
}

// InspectContainer returns information about a container by name or ID.
// Returns ErrNotFound if the daemon has no such container.
func (c *Client) InspectContainer(ctx context.Context, nameOrID string) (*ContainerInfo, error) {
	inspect, err := c.cli.ContainerInspect(ctx, nameOrID)
	if err != nil {
		if cerrdefs.IsNotFound(err) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, nameOrID)
		}
		return nil, fmt.Errorf("failed to inspect container %s: %w", nameOrID, err)
	}

	info := &ContainerInfo{
		ID:       inspect.ID,
		Name:     trimContainerName(inspect.Name),
		State:    inspect.State.Status,
		Status:   inspect.State.Status,
		ExitCode: inspect.State.ExitCode,
	}

	if inspect.Config != nil {
		info.Image = inspect.Config.Image
		info.Labels = inspect.Config.Labels
	}

	// Parse timestamps
	if inspect.State.StartedAt != "" {
		if startedAt, err := time.Parse(time.RFC3339Nano, inspect.State.StartedAt); err == nil {
			info.StartedAt = startedAt
		}
	}
	if inspect.State.FinishedAt != "" {
		if finishedAt, err := time.Parse(time.RFC3339Nano, inspect.State.FinishedAt); err == nil {
			info.FinishedAt = finishedAt
		}
	}

	return info, nil
}

// ListContainers lists containers matching the given labels, including
// stopped ones.
func (c *Client) ListContainers(ctx context.Context, labels map[string]string) ([]ContainerInfo, error) {
	filterArgs := filters.NewArgs()
	for key, value := range labels {
		filterArgs.Add("label", fmt.Sprintf("%s=%s", key, value))
	}

	containers, err := c.cli.ContainerList(ctx, container.ListOptions{
		All:     true,
		Filters: filterArgs,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list containers: %w", err)
	}

	infos := make([]ContainerInfo, 0, len(containers))
	for _, ctr := range containers {
		name := ""
		if len(ctr.Names) > 0 {
			name = trimContainerName(ctr.Names[0])
		}

		infos = append(infos, ContainerInfo{
			ID:     ctr.ID,
			Name:   name,
			Image:  ctr.Image,
			State:  ctr.State,
			Status: ctr.Status,
			Labels: ctr.Labels,
		})
	}

	c.logger.Debug("Listed containers", zap.Int("count", len(infos)))
	return infos, nil
}

// Exec runs a command inside a container and captures its output. Stdout and
// stderr are demultiplexed into separate buffers. If the context is cancelled
// mid-run, the partial output collected so far is returned along with the
// context error; the in-container process is not waited for.
func (c *Client) Exec(ctx context.Context, containerID string, cfg ExecConfig) (*ExecResult, error) {
	execResp, err := c.cli.ContainerExecCreate(ctx, containerID, container.ExecOptions{
		Cmd:          cfg.Cmd,
		User:         cfg.User,
		WorkingDir:   cfg.WorkingDir,
		Env:          cfg.Env,
		AttachStdout: true,
		AttachStderr: true,
		AttachStdin:  cfg.Stdin != nil,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create exec in container %s: %w", containerID, err)
	}

	resp, err := c.cli.ContainerExecAttach(ctx, execResp.ID, container.ExecStartOptions{})
	if err != nil {
		return nil, fmt.Errorf("failed to attach exec: %w", err)
	}
	defer resp.Close()

	if cfg.Stdin != nil {
		go func() {
			_, _ = io.Copy(resp.Conn, cfg.Stdin)
			_ = resp.CloseWrite()
		}()
	}

	var stdout, stderr bytes.Buffer
	copyDone := make(chan error, 1)
	go func() {
		_, copyErr := stdcopy.StdCopy(&stdout, &stderr, resp.Reader)
		copyDone <- copyErr
	}()

	select {
	case copyErr := <-copyDone:
		if copyErr != nil {
			return nil, fmt.Errorf("failed to read exec output: %w", copyErr)
		}
	case <-ctx.Done():
		// Closing the hijacked connection unblocks the copier, so the
		// output collected up to this point can be handed back.
		resp.Close()
		<-copyDone
		return &ExecResult{
			ExitCode: -1,
			Stdout:   stdout.String(),
			Stderr:   stderr.String(),
		}, ctx.Err()
	}

	inspect, err := c.cli.ContainerExecInspect(ctx, execResp.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to inspect exec: %w", err)
	}

	return &ExecResult{
		ExitCode: inspect.ExitCode,
		Stdout:   stdout.String(),
		Stderr:   stderr.String(),
	}, nil
}

// trimContainerName removes the leading slash the daemon prepends to names.
func trimContainerName(name string) string {
	if len(name) > 0 && name[0] == '/' {
		return name[1:]
	}
	return name
}
