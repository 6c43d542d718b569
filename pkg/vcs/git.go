package vcs

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"go.uber.org/zap"
)

// Worktree is the adapter's view of one working copy.
type Worktree struct {
	Path     string `json:"path"`
	Head     string `json:"head"`
	Branch   string `json:"branch,omitempty"`
	Detached bool   `json:"detached"`
}

// Adapter is the interface consumed by the supervisor and the consolidator.
// Git is the production implementation; Fake is the in-process test double.
type Adapter interface {
	AddWorktree(ctx context.Context, project, path, branch, base string) error
	RemoveWorktree(ctx context.Context, project, path string) error
	Prune(ctx context.Context, project string) error
	ListWorktrees(ctx context.Context, project string) ([]Worktree, error)
	Diff(ctx context.Context, dir, base string) (string, error)
	Stage(ctx context.Context, dir string, paths []string) error
	Commit(ctx context.Context, dir, message string) (sha string, err error)
	RevParse(ctx context.Context, dir, rev string) (string, error)
}

// Git shells out to the git command-line tool via a Runner.
type Git struct {
	runner Runner
	logger *zap.Logger

	// Per-project serialization: git worktree operations mutate the shared
	// index under .git and must not interleave.
	mu       sync.Mutex
	projects map[string]*sync.Mutex
}

// NewGit creates a Git adapter backed by runner.
func NewGit(runner Runner, logger *zap.Logger) *Git {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Git{
		runner:   runner,
		logger:   logger,
		projects: make(map[string]*sync.Mutex),
	}
}

func (g *Git) projectLock(project string) *sync.Mutex {
	g.mu.Lock()
	defer g.mu.Unlock()
	m, ok := g.projects[project]
	if !ok {
		m = &sync.Mutex{}
		g.projects[project] = m
	}
	return m
}

func (g *Git) run(ctx context.Context, dir string, args ...string) (string, error) {
	stdout, stderr, err := g.runner.Run(ctx, dir, args...)
	if err != nil {
		return "", &CommandError{Args: args, Stderr: stderr, Err: err}
	}
	return stdout, nil
}

// AddWorktree runs `git worktree add <path> -b <branch> <base>`.
func (g *Git) AddWorktree(ctx context.Context, project, path, branch, base string) error {
	lock := g.projectLock(project)
	lock.Lock()
	defer lock.Unlock()

	_, err := g.run(ctx, project, "worktree", "add", path, "-b", branch, base)
	return err
}

// RemoveWorktree runs `git worktree remove <path> --force` and falls back to
// removing the directory when git no longer knows the worktree.
func (g *Git) RemoveWorktree(ctx context.Context, project, path string) error {
	lock := g.projectLock(project)
	lock.Lock()
	defer lock.Unlock()

	if _, err := g.run(ctx, project, "worktree", "remove", path, "--force"); err != nil {
		g.logger.Debug("worktree remove failed, removing directory",
			zap.String("path", path), zap.Error(err))
		if rmErr := os.RemoveAll(path); rmErr != nil {
			return err
		}
		_, _ = g.run(ctx, project, "worktree", "prune")
	}
	return nil
}

// Prune cleans up orphaned worktree state left by a previous crash: git's
// internal bookkeeping first, then every directory under the worktree root,
// whether or not git still lists it. Always returns nil; cleanup is
// best-effort.
func (g *Git) Prune(ctx context.Context, project string) error {
	lock := g.projectLock(project)
	lock.Lock()
	defer lock.Unlock()

	_, _ = g.run(ctx, project, "worktree", "prune")

	root := filepath.Join(project, WorktreeRoot)
	entries, err := os.ReadDir(root)
	if err != nil {
		return nil //nolint:nilerr // missing dir is expected, not an error
	}
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		_ = os.RemoveAll(filepath.Join(root, entry.Name()))
	}
	return nil
}

// ListWorktrees parses `git worktree list --porcelain`.
func (g *Git) ListWorktrees(ctx context.Context, project string) ([]Worktree, error) {
	out, err := g.run(ctx, project, "worktree", "list", "--porcelain")
	if err != nil {
		return nil, err
	}
	return parsePorcelain(out), nil
}

// Diff returns the unified diff of dir's branch and working tree against
// base.
func (g *Git) Diff(ctx context.Context, dir, base string) (string, error) {
	return g.run(ctx, dir, "diff", base, "--", ".")
}

// Stage adds the given paths to the index in dir.
func (g *Git) Stage(ctx context.Context, dir string, paths []string) error {
	args := append([]string{"add", "--"}, paths...)
	_, err := g.run(ctx, dir, args...)
	return err
}

// Commit records the staged changes and returns the resulting commit id.
func (g *Git) Commit(ctx context.Context, dir, message string) (string, error) {
	if _, err := g.run(ctx, dir, "commit", "-m", message); err != nil {
		return "", err
	}
	sha, err := g.run(ctx, dir, "rev-parse", "HEAD")
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(sha), nil
}

// RevParse resolves rev in dir.
func (g *Git) RevParse(ctx context.Context, dir, rev string) (string, error) {
	out, err := g.run(ctx, dir, "rev-parse", rev)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(out), nil
}

// WorktreeRoot is the project-relative directory that holds worker working
// copies.
const WorktreeRoot = ".hive/worktrees"

// parsePorcelain parses `git worktree list --porcelain` output. Entries are
// separated by blank lines; each starts with a "worktree <path>" line.
func parsePorcelain(out string) []Worktree {
	var (
		list []Worktree
		cur  *Worktree
	)
	flush := func() {
		if cur != nil {
			list = append(list, *cur)
			cur = nil
		}
	}
	for _, line := range strings.Split(out, "\n") {
		line = strings.TrimRight(line, "\r")
		switch {
		case line == "":
			flush()
		case strings.HasPrefix(line, "worktree "):
			flush()
			cur = &Worktree{Path: strings.TrimPrefix(line, "worktree ")}
		case cur == nil:
			// Attribute line before any worktree header; skip.
		case strings.HasPrefix(line, "HEAD "):
			cur.Head = strings.TrimPrefix(line, "HEAD ")
		case strings.HasPrefix(line, "branch "):
			ref := strings.TrimPrefix(line, "branch ")
			cur.Branch = strings.TrimPrefix(ref, "refs/heads/")
		case line == "detached":
			cur.Detached = true
		}
	}
	flush()
	return list
}
