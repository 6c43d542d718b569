// Package vcs is the engine's only gateway to the revision-control tool.
// It creates and removes worktrees, lists them, computes diffs against a
// base revision, and applies the consolidation commit. Calls are serialized
// per project so concurrent worktree operations cannot race the shared
// index.
package vcs

import (
	"context"
	"fmt"
	"os/exec"
	"strings"
)

// Runner abstracts git command execution for testability.
type Runner interface {
	Run(ctx context.Context, dir string, args ...string) (stdout string, stderr string, err error)
}

// CommandError carries the failed git invocation and its stderr so callers
// can discriminate VCS failures from engine failures.
type CommandError struct {
	Args   []string
	Stderr string
	Err    error
}

func (e *CommandError) Error() string {
	return fmt.Sprintf("git %s: %v: %s", strings.Join(e.Args, " "), e.Err, strings.TrimSpace(e.Stderr))
}

func (e *CommandError) Unwrap() error { return e.Err }

// ExecRunner implements Runner using os/exec.
type ExecRunner struct{}

// Run executes a git command in the given directory and returns stdout and
// stderr.
func (r *ExecRunner) Run(ctx context.Context, dir string, args ...string) (stdout, stderr string, err error) {
	cmd := exec.CommandContext(ctx, "git", args...)
	cmd.Dir = dir

	var stdoutBuf, stderrBuf strings.Builder
	cmd.Stdout = &stdoutBuf
	cmd.Stderr = &stderrBuf

	err = cmd.Run()
	return stdoutBuf.String(), stderrBuf.String(), err
}
