package runtime

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/api/types/mount"
	"github.com/docker/docker/client"
	"github.com/docker/go-connections/nat"
	"github.com/google/uuid"

	"github.com/branchbox/branchbox/internal/limits"
)

const mirrorMountPath = "/srv/mirror"

// DockerOptions configures the Docker-backed runtime.
type DockerOptions struct {
	// ContainerPort is the in-container IDE port, published to an ephemeral
	// host port on start.
	ContainerPort int

	// AdvertiseHost is the host baked into the container URLs handed back
	// to clients.
	AdvertiseHost string

	StopTimeout time.Duration

	// Env is merged under each StartSpec's env.
	Env map[string]string

	// Limits caps every session container. Zero fields are left to daemon
	// defaults.
	Limits limits.Limits
}

type DockerRuntime struct {
	cli  *client.Client
	opts DockerOptions
}

// NewDockerRuntime connects to the local daemon and verifies it answers.
func NewDockerRuntime(ctx context.Context, opts DockerOptions) (*DockerRuntime, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("create docker client: %w", err)
	}
	if _, err := cli.Ping(ctx); err != nil {
		cli.Close()
		return nil, fmt.Errorf("docker daemon unreachable: %w", err)
	}
	if opts.ContainerPort == 0 {
		opts.ContainerPort = 8443
	}
	if opts.AdvertiseHost == "" {
		opts.AdvertiseHost = "127.0.0.1"
	}
	return &DockerRuntime{cli: cli, opts: opts}, nil
}

func (d *DockerRuntime) Close() error { return d.cli.Close() }

func (d *DockerRuntime) Start(ctx context.Context, spec StartSpec) (StartResult, error) {
	if err := d.ensureImage(ctx, spec.Image); err != nil {
		return StartResult{}, err
	}

	port := nat.Port(fmt.Sprintf("%d/tcp", d.opts.ContainerPort))
	name := fmt.Sprintf("branchbox-%s-%s", sessionKeySafe(spec.SessionKey), uuid.NewString()[:8])

	resp, err := d.cli.ContainerCreate(ctx,
		&container.Config{
			Image:        spec.Image,
			Env:          d.envList(spec),
			ExposedPorts: nat.PortSet{port: struct{}{}},
			Labels: map[string]string{
				"branchbox.session":    "1",
				"branchbox.user":       fmt.Sprintf("%d", spec.UserID),
				"branchbox.repository": fmt.Sprintf("%d", spec.RepositoryID),
				"branchbox.branch":     spec.Branch,
			},
		},
		&container.HostConfig{
			PortBindings: nat.PortMap{
				// HostPort left empty: the daemon picks an ephemeral port,
				// read back from inspect below.
				port: []nat.PortBinding{{HostIP: "0.0.0.0"}},
			},
			Mounts: []mount.Mount{
				{
					Type:     mount.TypeBind,
					Source:   spec.MirrorPath,
					Target:   mirrorMountPath,
					ReadOnly: true,
				},
			},
			Resources: d.opts.Limits.Resources(),
		},
		nil, nil, name)
	if err != nil {
		return StartResult{}, fmt.Errorf("create container: %w", err)
	}

	if err := d.cli.ContainerStart(ctx, resp.ID, container.StartOptions{}); err != nil {
		// Never leave a created-but-unstarted container behind.
		_ = d.cli.ContainerRemove(ctx, resp.ID, container.RemoveOptions{Force: true})
		return StartResult{}, fmt.Errorf("start container: %w", err)
	}

	url, err := d.containerURL(ctx, resp.ID, port)
	if err != nil {
		_ = d.cli.ContainerRemove(ctx, resp.ID, container.RemoveOptions{Force: true})
		return StartResult{}, err
	}

	slog.Info("container started",
		"container_id", resp.ID[:12], "name", name, "url", url)
	return StartResult{ContainerID: resp.ID, URL: url}, nil
}

func (d *DockerRuntime) Stop(ctx context.Context, containerID string) error {
	opts := container.StopOptions{}
	if d.opts.StopTimeout > 0 {
		secs := int(d.opts.StopTimeout.Seconds())
		opts.Timeout = &secs
	}
	if err := d.cli.ContainerStop(ctx, containerID, opts); err != nil {
		if client.IsErrNotFound(err) {
			return nil
		}
		return fmt.Errorf("stop container: %w", err)
	}
	return nil
}

func (d *DockerRuntime) Probe(ctx context.Context, containerID string) (ProbeResult, error) {
	insp, err := d.cli.ContainerInspect(ctx, containerID)
	if err != nil {
		if client.IsErrNotFound(err) {
			return ProbeResult{}, ErrNotFound
		}
		return ProbeResult{}, fmt.Errorf("inspect container: %w", err)
	}
	res := ProbeResult{Status: insp.State.Status, Running: insp.State.Running}
	res.Healthy = res.Running &&
		(insp.State.Health == nil || insp.State.Health.Status == "healthy")
	return res, nil
}

func (d *DockerRuntime) Remove(ctx context.Context, containerID string) error {
	err := d.cli.ContainerRemove(ctx, containerID, container.RemoveOptions{Force: true})
	if err != nil && !client.IsErrNotFound(err) {
		return fmt.Errorf("remove container: %w", err)
	}
	return nil
}

// OpenTerminal execs an interactive shell in the container and returns the
// attached stream.
func (d *DockerRuntime) OpenTerminal(ctx context.Context, containerID string, opts TerminalOptions) (*Terminal, error) {
	cmd := opts.Command
	if len(cmd) == 0 {
		cmd = []string{"/bin/sh", "-l"}
	}
	exec, err := d.cli.ContainerExecCreate(ctx, containerID, container.ExecOptions{
		AttachStdin:  true,
		AttachStdout: true,
		AttachStderr: true,
		Tty:          true,
		Env:          []string{"TERM=xterm-256color"},
		Cmd:          cmd,
	})
	if err != nil {
		if client.IsErrNotFound(err) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("create exec: %w", err)
	}

	attach, err := d.cli.ContainerExecAttach(ctx, exec.ID, container.ExecStartOptions{Tty: true})
	if err != nil {
		return nil, fmt.Errorf("attach exec: %w", err)
	}

	if opts.Rows > 0 && opts.Cols > 0 {
		_ = d.cli.ContainerExecResize(ctx, exec.ID, container.ResizeOptions{
			Height: opts.Rows, Width: opts.Cols,
		})
	}

	return &Terminal{
		Input:  attach.Conn,
		Output: attach.Reader,
		resize: func(ctx context.Context, rows, cols uint) error {
			return d.cli.ContainerExecResize(ctx, exec.ID, container.ResizeOptions{
				Height: rows, Width: cols,
			})
		},
		exitCode: func(ctx context.Context) (int, error) {
			insp, err := d.cli.ContainerExecInspect(ctx, exec.ID)
			if err != nil {
				return 0, fmt.Errorf("inspect exec: %w", err)
			}
			if insp.Running {
				return 0, fmt.Errorf("exec %s still running", exec.ID)
			}
			return insp.ExitCode, nil
		},
		close: func() error {
			attach.Close()
			return nil
		},
	}, nil
}

// ListSessionContainers returns the ids of containers carrying the session
// label, running or not. Used by startup recovery to find strays.
func (d *DockerRuntime) ListSessionContainers(ctx context.Context) ([]string, error) {
	list, err := d.cli.ContainerList(ctx, container.ListOptions{
		All: true,
		Filters: filters.NewArgs(filters.KeyValuePair{
			Key:   "label",
			Value: "branchbox.session=1",
		}),
	})
	if err != nil {
		return nil, fmt.Errorf("list containers: %w", err)
	}
	ids := make([]string, 0, len(list))
	for _, c := range list {
		ids = append(ids, c.ID)
	}
	return ids, nil
}

func (d *DockerRuntime) ensureImage(ctx context.Context, ref string) error {
	images, err := d.cli.ImageList(ctx, image.ListOptions{
		Filters: filters.NewArgs(filters.KeyValuePair{Key: "reference", Value: ref}),
	})
	if err != nil {
		return fmt.Errorf("list images: %w", err)
	}
	if len(images) > 0 {
		return nil
	}

	slog.Info("pulling workspace image", "image", ref)
	reader, err := d.cli.ImagePull(ctx, ref, image.PullOptions{})
	if err != nil {
		return fmt.Errorf("pull image %s: %w", ref, err)
	}
	defer reader.Close()
	// Drain so the pull actually completes.
	_, _ = io.Copy(io.Discard, reader)
	return nil
}

func (d *DockerRuntime) containerURL(ctx context.Context, containerID string, port nat.Port) (string, error) {
	insp, err := d.cli.ContainerInspect(ctx, containerID)
	if err != nil {
		return "", fmt.Errorf("inspect container: %w", err)
	}
	bindings := insp.NetworkSettings.Ports[port]
	for _, b := range bindings {
		if b.HostPort != "" {
			return fmt.Sprintf("http://%s:%s", d.opts.AdvertiseHost, b.HostPort), nil
		}
	}
	return "", fmt.Errorf("no host port bound for %s", port)
}

func (d *DockerRuntime) envList(spec StartSpec) []string {
	merged := make(map[string]string, len(d.opts.Env)+len(spec.Env)+4)
	for k, v := range d.opts.Env {
		merged[k] = v
	}
	for k, v := range spec.Env {
		merged[k] = v
	}
	merged["BRANCHBOX_REPO"] = spec.RepoName
	merged["BRANCHBOX_BRANCH"] = spec.Branch
	merged["BRANCHBOX_CLONE_URL"] = mirrorMountPath
	merged["BRANCHBOX_PORT"] = fmt.Sprintf("%d", d.opts.ContainerPort)

	out := make([]string, 0, len(merged))
	for k, v := range merged {
		out = append(out, k+"="+v)
	}
	sort.Strings(out)
	return out
}

var _ Runtime = (*DockerRuntime)(nil)
var _ TerminalRuntime = (*DockerRuntime)(nil)

// sessionKeySafe truncates and sanitizes a key for container names.
func sessionKeySafe(key string) string {
	safe := strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_', r == '.':
			return r
		default:
			return '-'
		}
	}, key)
	if len(safe) > 48 {
		safe = safe[:48]
	}
	return safe
}
