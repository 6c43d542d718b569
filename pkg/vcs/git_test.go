package vcs //nolint:testpackage // internal test needs access to unexported types

import (
	"context"
	"errors"
	"sync"
	"testing"
)

// mockRunner records calls and returns pre-configured results in order.
// Exhausted results return empty success.
type mockRunner struct {
	mu      sync.Mutex
	calls   [][]string
	results []mockResult
}

type mockResult struct {
	Stdout string
	Stderr string
	Err    error
}

func (m *mockRunner) Run(_ context.Context, dir string, args ...string) (string, string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, append([]string{dir}, args...))
	if len(m.results) == 0 {
		return "", "", nil
	}
	r := m.results[0]
	m.results = m.results[1:]
	return r.Stdout, r.Stderr, r.Err
}

func TestAddWorktreeArgs(t *testing.T) {
	t.Parallel()

	mock := &mockRunner{}
	g := NewGit(mock, nil)

	err := g.AddWorktree(context.Background(), "/repo", "/repo/.hive/worktrees/w1", "agent/x-w1", "main")
	if err != nil {
		t.Fatalf("AddWorktree: %v", err)
	}

	want := []string{"/repo", "worktree", "add", "/repo/.hive/worktrees/w1", "-b", "agent/x-w1", "main"}
	got := mock.calls[0]
	if len(got) != len(want) {
		t.Fatalf("args = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("args = %v, want %v", got, want)
		}
	}
}

func TestAddWorktreeWrapsCommandError(t *testing.T) {
	t.Parallel()

	mock := &mockRunner{results: []mockResult{
		{Stderr: "fatal: 'agent/x' is already used", Err: errors.New("exit status 128")},
	}}
	g := NewGit(mock, nil)

	err := g.AddWorktree(context.Background(), "/repo", "/p", "agent/x", "main")
	var cmdErr *CommandError
	if !errors.As(err, &cmdErr) {
		t.Fatalf("err = %v, want *CommandError", err)
	}
	if cmdErr.Stderr == "" {
		t.Fatal("CommandError should carry stderr")
	}
}

func TestCommitReturnsHead(t *testing.T) {
	t.Parallel()

	mock := &mockRunner{results: []mockResult{
		{},                            // commit
		{Stdout: "deadbeefcafe1234\n"}, // rev-parse HEAD
	}}
	g := NewGit(mock, nil)

	sha, err := g.Commit(context.Background(), "/repo", "consolidate 3 workers")
	if err != nil {
		t.Fatalf("Commit: %v", err)
	}
	if sha != "deadbeefcafe1234" {
		t.Fatalf("sha = %q", sha)
	}
}

func TestFakeAdapterWorktreeLifecycle(t *testing.T) {
	t.Parallel()

	f := NewFake()
	ctx := context.Background()

	if err := f.AddWorktree(ctx, "/repo", "/repo/.hive/worktrees/w1", "agent/a-w1", "main"); err != nil {
		t.Fatal(err)
	}
	if err := f.AddWorktree(ctx, "/repo", "/repo/.hive/worktrees/w1", "agent/b", "main"); err == nil {
		t.Fatal("duplicate worktree path should fail")
	}

	list, _ := f.ListWorktrees(ctx, "/repo")
	if len(list) != 1 {
		t.Fatalf("worktrees = %d, want 1", len(list))
	}

	if err := f.RemoveWorktree(ctx, "/repo", "/repo/.hive/worktrees/w1"); err != nil {
		t.Fatal(err)
	}
	list, _ = f.ListWorktrees(ctx, "/repo")
	if len(list) != 0 {
		t.Fatalf("worktrees after remove = %d, want 0", len(list))
	}
}
