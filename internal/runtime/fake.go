package runtime

import (
	"context"
	"fmt"
	"io"
	"sync"
)

// FakeContainer is one container tracked by FakeRuntime.
type FakeContainer struct {
	ID      string
	Spec    StartSpec
	Running bool
	Healthy bool
}

// FakeRuntime is an in-memory Runtime for tests. All fields guarded by mu;
// the exported knobs (StartErr, StartHook, ProbeHang) are set before use.
type FakeRuntime struct {
	mu         sync.Mutex
	seq        int
	containers map[string]*FakeContainer

	// StartErr makes every Start fail until cleared.
	StartErr error
	// StartHook, when set, runs inside Start before a container is recorded;
	// a non-nil return fails the Start.
	StartHook func(spec StartSpec) error
	// ProbeHang lists container ids whose Probe blocks until ctx is done.
	ProbeHang map[string]bool

	StartCalls  int
	StopCalls   int
	ProbeCalls  int
	RemoveCalls int
	Removed     []string

	// LastTerminal is the container side of the most recent OpenTerminal.
	LastTerminal *FakeTerminal
}

func NewFakeRuntime() *FakeRuntime {
	return &FakeRuntime{
		containers: make(map[string]*FakeContainer),
		ProbeHang:  make(map[string]bool),
	}
}

func (f *FakeRuntime) Start(ctx context.Context, spec StartSpec) (StartResult, error) {
	f.mu.Lock()
	f.StartCalls++
	hook := f.StartHook
	startErr := f.StartErr
	f.mu.Unlock()

	if startErr != nil {
		return StartResult{}, startErr
	}
	if hook != nil {
		if err := hook(spec); err != nil {
			return StartResult{}, err
		}
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	f.seq++
	id := fmt.Sprintf("fake-%d", f.seq)
	f.containers[id] = &FakeContainer{ID: id, Spec: spec, Running: true, Healthy: true}
	return StartResult{
		ContainerID: id,
		URL:         fmt.Sprintf("http://127.0.0.1:%d", 30000+f.seq),
	}, nil
}

func (f *FakeRuntime) Stop(ctx context.Context, containerID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.StopCalls++
	if c, ok := f.containers[containerID]; ok {
		c.Running = false
		c.Healthy = false
	}
	return nil
}

func (f *FakeRuntime) Probe(ctx context.Context, containerID string) (ProbeResult, error) {
	f.mu.Lock()
	f.ProbeCalls++
	hang := f.ProbeHang[containerID]
	c, ok := f.containers[containerID]
	var snap FakeContainer
	if ok {
		snap = *c
	}
	f.mu.Unlock()

	if hang {
		<-ctx.Done()
		return ProbeResult{}, ctx.Err()
	}
	if !ok {
		return ProbeResult{}, ErrNotFound
	}
	status := "exited"
	if snap.Running {
		status = "running"
	}
	return ProbeResult{Running: snap.Running, Healthy: snap.Healthy, Status: status}, nil
}

func (f *FakeRuntime) Remove(ctx context.Context, containerID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.RemoveCalls++
	if _, ok := f.containers[containerID]; ok {
		delete(f.containers, containerID)
		f.Removed = append(f.Removed, containerID)
	}
	return nil
}

// Exists reports whether the container is still tracked.
func (f *FakeRuntime) Exists(containerID string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.containers[containerID]
	return ok
}

// Get returns a copy of the tracked container, if any.
func (f *FakeRuntime) Get(containerID string) (FakeContainer, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	c, ok := f.containers[containerID]
	if !ok {
		return FakeContainer{}, false
	}
	return *c, true
}

// SetRunning flips the container's running and healthy flags.
func (f *FakeRuntime) SetRunning(containerID string, running bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if c, ok := f.containers[containerID]; ok {
		c.Running = running
		c.Healthy = running
	}
}

// SetHealthy flips only the health flag, leaving running state alone.
func (f *FakeRuntime) SetHealthy(containerID string, healthy bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if c, ok := f.containers[containerID]; ok {
		c.Healthy = healthy
	}
}

// Drop forgets a container without going through Remove, simulating a
// container deleted behind the manager's back.
func (f *FakeRuntime) Drop(containerID string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.containers, containerID)
}

// Count returns how many containers are tracked.
func (f *FakeRuntime) Count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.containers)
}

// FakeTerminal is the container side of a terminal opened on the fake
// runtime. Tests read what the client typed from Stdin and write shell
// output to Stdout; closing Stdout ends the output stream.
type FakeTerminal struct {
	ContainerID string
	Opts        TerminalOptions

	// Stdin yields the bytes written to Terminal.Input.
	Stdin *io.PipeReader
	// Stdout feeds Terminal.Output.
	Stdout *io.PipeWriter

	mu       sync.Mutex
	rows     uint
	cols     uint
	closed   bool
	exitCode int
}

// SetExitCode sets the status the terminal's ExitCode will report after
// the test closes Stdout.
func (t *FakeTerminal) SetExitCode(code int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.exitCode = code
}

// Size returns the dimensions from the last resize (or the open options).
func (t *FakeTerminal) Size() (rows, cols uint) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.rows, t.cols
}

// Closed reports whether the client side closed the terminal.
func (t *FakeTerminal) Closed() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.closed
}

// OpenTerminal attaches to a running fake container. The Terminal is
// backed by in-memory pipes; the matching FakeTerminal lands in
// LastTerminal for the test to drive.
func (f *FakeRuntime) OpenTerminal(ctx context.Context, containerID string, opts TerminalOptions) (*Terminal, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	c, ok := f.containers[containerID]
	if !ok {
		return nil, ErrNotFound
	}
	if !c.Running {
		return nil, fmt.Errorf("container %s is not running", containerID)
	}

	inR, inW := io.Pipe()
	outR, outW := io.Pipe()
	ft := &FakeTerminal{
		ContainerID: containerID,
		Opts:        opts,
		Stdin:       inR,
		Stdout:      outW,
		rows:        opts.Rows,
		cols:        opts.Cols,
	}
	f.LastTerminal = ft
	return &Terminal{
		Input:  inW,
		Output: outR,
		resize: func(ctx context.Context, rows, cols uint) error {
			ft.mu.Lock()
			defer ft.mu.Unlock()
			ft.rows, ft.cols = rows, cols
			return nil
		},
		exitCode: func(ctx context.Context) (int, error) {
			ft.mu.Lock()
			defer ft.mu.Unlock()
			return ft.exitCode, nil
		},
		close: func() error {
			ft.mu.Lock()
			ft.closed = true
			ft.mu.Unlock()
			inW.Close()
			outR.Close()
			return nil
		},
	}, nil
}

// Terminal returns the container side of the most recent OpenTerminal,
// or nil when none has been opened yet.
func (f *FakeRuntime) Terminal() *FakeTerminal {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.LastTerminal
}

var (
	_ Runtime         = (*FakeRuntime)(nil)
	_ TerminalRuntime = (*FakeRuntime)(nil)
)
