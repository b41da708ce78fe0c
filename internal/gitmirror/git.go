package gitmirror

import (
	"context"
	"os"
	"os/exec"
)

// Runner executes a git invocation in dir and returns combined output.
// Implementations must honor ctx cancellation. The exec-backed runner is
// the only production implementation; tests substitute a scripted one.
type Runner interface {
	Run(ctx context.Context, dir string, args ...string) ([]byte, error)
}

type execRunner struct {
	gitPath string
}

// NewRunner returns a Runner that shells out to the git binary at gitPath
// ("git" resolves via PATH).
func NewRunner(gitPath string) Runner {
	if gitPath == "" {
		gitPath = "git"
	}
	return execRunner{gitPath: gitPath}
}

func (r execRunner) Run(ctx context.Context, dir string, args ...string) ([]byte, error) {
	cmd := exec.CommandContext(ctx, r.gitPath, args...)
	cmd.Dir = dir
	// Never hang on a credential prompt; a missing credential is an error.
	cmd.Env = append(os.Environ(),
		"GIT_TERMINAL_PROMPT=0",
		"GCM_INTERACTIVE=never",
		"LC_ALL=C",
	)
	return cmd.CombinedOutput()
}

var _ Runner = execRunner{}
