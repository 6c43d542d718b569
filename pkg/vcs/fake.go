package vcs

import (
	"context"
	"fmt"
	"sync"
)

// Fake is an in-process Adapter for tests. It records every call, tracks
// worktrees in memory, and serves scripted diffs per directory.
type Fake struct {
	mu        sync.Mutex
	worktrees map[string]Worktree // path -> record
	diffs     map[string]string   // dir -> unified diff
	commits   int
	calls     []string

	// Error injection: non-nil values fail the corresponding operation.
	AddErr    error
	RemoveErr error
	DiffErr   error
	CommitErr error
	StageErr  error
}

// NewFake creates an empty fake adapter.
func NewFake() *Fake {
	return &Fake{
		worktrees: make(map[string]Worktree),
		diffs:     make(map[string]string),
	}
}

// SetDiff scripts the diff returned for a worktree directory.
func (f *Fake) SetDiff(dir, diff string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.diffs[dir] = diff
}

// Calls returns the recorded operation log.
func (f *Fake) Calls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.calls))
	copy(out, f.calls)
	return out
}

func (f *Fake) record(format string, args ...any) {
	f.calls = append(f.calls, fmt.Sprintf(format, args...))
}

// AddWorktree registers a worktree in memory.
func (f *Fake) AddWorktree(_ context.Context, project, path, branch, base string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("add %s %s %s", path, branch, base)
	if f.AddErr != nil {
		return f.AddErr
	}
	if _, exists := f.worktrees[path]; exists {
		return fmt.Errorf("worktree %s already exists", path)
	}
	f.worktrees[path] = Worktree{Path: path, Branch: branch, Head: base}
	_ = project
	return nil
}

// RemoveWorktree drops a worktree from memory.
func (f *Fake) RemoveWorktree(_ context.Context, _ string, path string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("remove %s", path)
	if f.RemoveErr != nil {
		return f.RemoveErr
	}
	delete(f.worktrees, path)
	return nil
}

// Prune is a no-op for the fake.
func (f *Fake) Prune(_ context.Context, _ string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("prune")
	return nil
}

// ListWorktrees returns the in-memory worktrees.
func (f *Fake) ListWorktrees(_ context.Context, _ string) ([]Worktree, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]Worktree, 0, len(f.worktrees))
	for _, wt := range f.worktrees {
		out = append(out, wt)
	}
	return out, nil
}

// Diff returns the scripted diff for dir.
func (f *Fake) Diff(_ context.Context, dir, base string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("diff %s %s", dir, base)
	if f.DiffErr != nil {
		return "", f.DiffErr
	}
	return f.diffs[dir], nil
}

// Stage records the staged paths.
func (f *Fake) Stage(_ context.Context, dir string, paths []string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("stage %s %v", dir, paths)
	return f.StageErr
}

// Commit returns a deterministic fake commit id.
func (f *Fake) Commit(_ context.Context, dir, message string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("commit %s %q", dir, message)
	if f.CommitErr != nil {
		return "", f.CommitErr
	}
	f.commits++
	return fmt.Sprintf("fake-sha-%04d", f.commits), nil
}

// RevParse echoes the revision back as its own id.
func (f *Fake) RevParse(_ context.Context, _ string, rev string) (string, error) {
	return "resolved-" + rev, nil
}
