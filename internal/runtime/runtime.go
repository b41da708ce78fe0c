// Package runtime abstracts the container runtime behind the four
// operations the session manager needs. The Docker implementation is the
// production backend; tests run against the in-memory fake.
package runtime

import (
	"context"
	"errors"
	"io"
)

// ErrNotFound reports that the runtime has no container with the given id.
// Callers reconcile it rather than propagate it: a vanished container is a
// state to converge on, not a failure.
var ErrNotFound = errors.New("container not found")

// StartSpec describes the workspace container for one session.
type StartSpec struct {
	// SessionKey is a short, stable slug for the (user, repository, branch)
	// triple, used in container names and labels.
	SessionKey string

	UserID       int64
	RepositoryID int64
	Branch       string
	RepoName     string

	// MirrorPath is bind-mounted read-only into the container; the image
	// entrypoint clones the branch from it locally.
	MirrorPath string

	Image string
	Env   map[string]string
}

type StartResult struct {
	ContainerID string
	URL         string
}

type ProbeResult struct {
	Running bool
	Healthy bool
	Status  string
}

type Runtime interface {
	// Start provisions and starts a container. Implementations must not
	// leave a created-but-unstarted container behind on failure.
	Start(ctx context.Context, spec StartSpec) (StartResult, error)

	// Stop halts the container. Stopping an already-stopped or missing
	// container succeeds.
	Stop(ctx context.Context, containerID string) error

	// Probe checks liveness within the ctx deadline. A missing container
	// returns ErrNotFound.
	Probe(ctx context.Context, containerID string) (ProbeResult, error)

	// Remove deletes the container. Removing a missing container succeeds.
	Remove(ctx context.Context, containerID string) error
}

// TerminalOptions configures an interactive exec in a session container.
type TerminalOptions struct {
	Command []string
	Rows    uint
	Cols    uint
}

// Terminal is a live bidirectional stream to a shell inside a container.
type Terminal struct {
	Input  io.Writer
	Output io.Reader

	resize   func(ctx context.Context, rows, cols uint) error
	exitCode func(ctx context.Context) (int, error)
	close    func() error
}

func (t *Terminal) Resize(ctx context.Context, rows, cols uint) error {
	if t.resize == nil {
		return nil
	}
	return t.resize(ctx, rows, cols)
}

// ExitCode reports the exit status of the terminal's process. Only
// meaningful after Output has reached EOF; runtimes that cannot report
// one return zero.
func (t *Terminal) ExitCode(ctx context.Context) (int, error) {
	if t.exitCode == nil {
		return 0, nil
	}
	return t.exitCode(ctx)
}

func (t *Terminal) Close() error {
	if t.close == nil {
		return nil
	}
	return t.close()
}

// TerminalRuntime is implemented by runtimes that support interactive
// terminal attach.
type TerminalRuntime interface {
	OpenTerminal(ctx context.Context, containerID string, opts TerminalOptions) (*Terminal, error)
}
