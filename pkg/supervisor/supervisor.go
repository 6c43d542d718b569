// Package supervisor is the worker lifecycle and isolation engine. It
// creates a per-worker working copy on a base revision, spawns the child
// process inside it with piped stdio, enforces wall-clock and memory
// limits, streams output as events, and reclaims resources on exit.
package supervisor

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"hive/pkg/eventbus"
	"hive/pkg/registry"
	"hive/pkg/vcs"
)

// Termination reasons. The set is closed; new reasons need a protocol
// decision first.
const (
	ReasonUserInitiated = "user_initiated"
	ReasonTimeout       = "timeout"
	ReasonMemoryLimit   = "memory_limit"
	ReasonShutdown      = "shutdown"
)

// Environment tags injected into every child process.
const (
	EnvAgentID       = "AGENT_ID"
	EnvAgentWorktree = "AGENT_WORKTREE"
	EnvAgentIsolated = "AGENT_ISOLATED"
	EnvNodeEnv       = "NODE_ENV"
)

// Config holds supervisor limits and defaults.
type Config struct {
	MaxActive      int           // host-wide active worker cap
	WallClock      time.Duration // per-worker wall-clock limit
	GracePeriod    time.Duration // SIGTERM to SIGKILL delay
	LogBufferLines int           // captured stdio lines per worker
	DefaultCommand []string      // command when a spawn request has none
}

// DefaultConfig returns the engine defaults.
func DefaultConfig() Config {
	return Config{
		MaxActive:      10,
		WallClock:      30 * time.Minute,
		GracePeriod:    3 * time.Second,
		LogBufferLines: 10000,
	}
}

// Tracker is the resource-monitor hookup. Track begins sampling a pid,
// Untrack stops it.
type Tracker interface {
	Track(workerID string, pid int)
	Untrack(workerID string)
}

// SpawnRequest describes one worker to create.
type SpawnRequest struct {
	Project      string
	Name         string
	Type         string
	BaseRevision string
	Branch       string // optional; generated when empty
	Task         string
	Command      []string
	Env          map[string]string
	Metadata     map[string]any
}

// validate rejects impossible requests before any state is touched.
func (r SpawnRequest) validate() error {
	if r.Project == "" {
		return &ValidationError{Field: "project", Reason: "required"}
	}
	if !filepath.IsAbs(r.Project) {
		return &ValidationError{Field: "project", Reason: "must be an absolute path"}
	}
	if r.Name == "" {
		return &ValidationError{Field: "name", Reason: "required"}
	}
	if r.BaseRevision == "" {
		return &ValidationError{Field: "base_revision", Reason: "required"}
	}
	return nil
}

// child tracks one live worker process.
type child struct {
	id        string
	cmd       *exec.Cmd
	stdin     io.WriteCloser
	wallTimer *time.Timer
	exited    chan struct{}

	mu          sync.Mutex
	terminating bool
	reason      string
}

// Supervisor spawns and supervises worker processes.
type Supervisor struct {
	cfg    Config
	reg    *registry.Registry
	git    vcs.Adapter
	bus    *eventbus.Bus
	mon    Tracker
	logger *zap.Logger

	mu       sync.Mutex
	children map[string]*child
	logs     map[string]*LogBuffer // retained after exit for log paging
	reserved int                   // slots claimed by in-flight spawns
	draining bool

	wg sync.WaitGroup

	// cmdFactory builds the exec.Cmd for a spawn. Tests override it to
	// inject dummy commands.
	cmdFactory func(req SpawnRequest, worktree string, env []string) *exec.Cmd
}

// New creates a Supervisor. mon may be nil when resource monitoring is
// disabled.
func New(cfg Config, reg *registry.Registry, git vcs.Adapter, bus *eventbus.Bus, mon Tracker, logger *zap.Logger) *Supervisor {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Supervisor{
		cfg:      cfg,
		reg:      reg,
		git:      git,
		bus:      bus,
		mon:      mon,
		logger:   logger,
		children: make(map[string]*child),
		logs:     make(map[string]*LogBuffer),
	}
	s.cmdFactory = func(req SpawnRequest, worktree string, env []string) *exec.Cmd {
		command := req.Command
		if len(command) == 0 {
			command = cfg.DefaultCommand
		}
		//nolint:gosec // the caller chooses the worker command by design of the engine
		cmd := exec.Command(command[0], command[1:]...)
		cmd.Dir = worktree
		cmd.Env = env
		return cmd
	}
	return s
}

// SetCommandFactory replaces the command factory.
//
//hive:testonly
func (s *Supervisor) SetCommandFactory(f func(req SpawnRequest, worktree string, env []string) *exec.Cmd) {
	s.cmdFactory = f
}

// SetDraining toggles the drain directive: while draining, new spawns are
// rejected but running workers continue.
func (s *Supervisor) SetDraining(v bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.draining = v
}

// Spawn creates a working copy, registers the worker, and starts the child
// process. See the package comment for the full contract.
func (s *Supervisor) Spawn(ctx context.Context, req SpawnRequest) (registry.Worker, error) {
	if err := req.validate(); err != nil {
		return registry.Worker{}, err
	}
	if len(req.Command) == 0 && len(s.cfg.DefaultCommand) == 0 {
		return registry.Worker{}, &ValidationError{Field: "command", Reason: "no command given and no default configured"}
	}

	// Step 1: reserve a slot atomically.
	if err := s.reserveSlot(); err != nil {
		return registry.Worker{}, err
	}
	release := func() {
		s.mu.Lock()
		s.reserved--
		s.mu.Unlock()
	}

	id := uuid.NewString()
	short := id[:8]
	branch := req.Branch
	if branch == "" {
		branch = "agent/" + slug(req.Name) + "-" + short
	}
	if s.reg.BranchTaken(req.Project, branch) {
		release()
		return registry.Worker{}, &ValidationError{Field: "branch", Reason: fmt.Sprintf("%s already in use", branch)}
	}
	worktree := filepath.Join(req.Project, vcs.WorktreeRoot, id)

	// Step 2: working copy on a fresh branch from the base revision.
	if err := s.git.AddWorktree(ctx, req.Project, worktree, branch, req.BaseRevision); err != nil {
		release()
		return registry.Worker{}, &VCSError{WorkerID: id, Op: "worktree add", Err: err}
	}

	now := time.Now().UTC()
	w := registry.Worker{
		ID:           id,
		Name:         req.Name,
		Type:         req.Type,
		Status:       registry.StatusActive,
		Project:      req.Project,
		BaseRevision: req.BaseRevision,
		Branch:       branch,
		WorktreePath: worktree,
		Task:         req.Task,
		CreatedAt:    now,
		StartedAt:    now,
		Metadata:     req.Metadata,
	}

	// Step 3: register before start so events carry a known worker.
	s.reg.Register(w)
	release()

	s.publish("worker:spawning", map[string]any{
		"id": id, "name": req.Name, "worktree": worktree,
	})

	cmd := s.cmdFactory(req, worktree, buildEnv(req.Env, id, worktree))
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return registry.Worker{}, s.failSpawn(ctx, w, err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return registry.Worker{}, s.failSpawn(ctx, w, err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return registry.Worker{}, s.failSpawn(ctx, w, err)
	}

	// Step 5: start in the working copy with piped stdio.
	if err := cmd.Start(); err != nil {
		return registry.Worker{}, s.failSpawn(ctx, w, err)
	}

	c := &child{
		id:     id,
		cmd:    cmd,
		stdin:  stdin,
		exited: make(chan struct{}),
	}
	logs := NewLogBuffer(s.cfg.LogBufferLines)

	s.mu.Lock()
	s.children[id] = c
	s.logs[id] = logs
	s.mu.Unlock()

	pid := cmd.Process.Pid
	if _, err := s.reg.Update(id, registry.Patch{PID: &pid}); err != nil {
		s.logger.Warn("pid update failed", zap.String("worker", id), zap.Error(err))
	}

	// Step 6: wall clock, resource monitoring, output streaming.
	if s.cfg.WallClock > 0 {
		c.wallTimer = time.AfterFunc(s.cfg.WallClock, func() {
			_ = s.Terminate(context.Background(), id, ReasonTimeout)
		})
	}
	if s.mon != nil {
		s.mon.Track(id, pid)
	}

	s.wg.Add(3)
	go s.stream(id, "stdout", stdout, logs)
	go s.stream(id, "stderr", stderr, logs)
	go s.reap(c)

	s.publish("worker:spawned", map[string]any{
		"id": id, "pid": pid, "worktree": worktree,
	})

	w.PID = pid
	return w, nil
}

// reserveSlot claims an active slot or fails with CapacityError.
func (s *Supervisor) reserveSlot() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.draining {
		return &ValidationError{Field: "spawn", Reason: "engine is draining, new workers rejected"}
	}
	active := s.reg.ActiveCount() + s.reserved
	if active >= s.cfg.MaxActive {
		return &CapacityError{Active: active, Cap: s.cfg.MaxActive}
	}
	s.reserved++
	return nil
}

// failSpawn rolls back a worker whose process never started: mark failed,
// attempt worktree removal, emit spawn_failed.
func (s *Supervisor) failSpawn(ctx context.Context, w registry.Worker, cause error) error {
	status := registry.StatusFailed
	msg := cause.Error()
	now := time.Now().UTC()
	if _, err := s.reg.Update(w.ID, registry.Patch{Status: &status, Error: &msg, CompletedAt: &now}); err != nil {
		s.logger.Warn("failed-spawn status update failed", zap.String("worker", w.ID), zap.Error(err))
	}
	if err := s.git.RemoveWorktree(ctx, w.Project, w.WorktreePath); err != nil {
		s.logger.Warn("failed-spawn worktree cleanup failed",
			zap.String("worker", w.ID), zap.Error(err))
	}
	s.publish("worker:spawn_failed", map[string]any{"id": w.ID, "error": msg})
	return &SpawnError{WorkerID: w.ID, Err: cause}
}

// stream forwards one stdio pipe line by line into the log buffer and onto
// the bus.
func (s *Supervisor) stream(id, name string, pipe io.Reader, logs *LogBuffer) {
	defer s.wg.Done()

	scanner := bufio.NewScanner(pipe)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		logs.Append(name, line)
		s.publish("worker:"+name, map[string]any{"id": id, "data": line})
	}
}

// reap waits for the child to exit and settles its final status.
func (s *Supervisor) reap(c *child) {
	defer s.wg.Done()

	err := c.cmd.Wait()
	// The latch is closed last, after the registry reflects the final
	// status, so Terminate callers observe a fully settled worker.
	defer close(c.exited)

	if c.wallTimer != nil {
		c.wallTimer.Stop()
	}
	if s.mon != nil {
		s.mon.Untrack(c.id)
	}

	s.mu.Lock()
	delete(s.children, c.id)
	s.mu.Unlock()

	exitCode := 0
	exitSignal := ""
	if err != nil {
		exitCode = -1
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			exitCode = exitErr.ExitCode()
			if ws, ok := exitErr.Sys().(syscall.WaitStatus); ok && ws.Signaled() {
				exitSignal = ws.Signal().String()
			}
		}
	}

	c.mu.Lock()
	terminating := c.terminating
	reason := c.reason
	c.mu.Unlock()

	status := registry.StatusCompleted
	var cause string
	switch {
	case exitCode == 0 && !terminating:
		// Clean completion.
	case terminating:
		if exitCode == 0 {
			status = registry.StatusCompleted
		} else {
			status = registry.StatusFailed
			cause = reason
		}
	default:
		status = registry.StatusFailed
		if exitSignal != "" {
			cause = fmt.Sprintf("exit code %d (signal %s)", exitCode, exitSignal)
		} else {
			cause = fmt.Sprintf("exit code %d", exitCode)
		}
	}

	now := time.Now().UTC()
	patch := registry.Patch{Status: &status, CompletedAt: &now}
	if cause != "" {
		patch.Error = &cause
	}
	if _, err := s.reg.Update(c.id, patch); err != nil {
		s.logger.Warn("exit status update failed", zap.String("worker", c.id), zap.Error(err))
	}

	s.publish("worker:exit", map[string]any{
		"id": c.id, "exit_code": exitCode, "exit_signal": exitSignal,
	})
}

// Terminate signals a worker to stop: SIGTERM to its process group, SIGKILL
// after the grace period, then the working copy is removed. Terminating an
// unknown id returns registry.NotFoundError.
func (s *Supervisor) Terminate(ctx context.Context, id, reason string) error {
	s.mu.Lock()
	c, ok := s.children[id]
	s.mu.Unlock()
	if !ok {
		return &registry.NotFoundError{ID: id}
	}

	c.mu.Lock()
	if c.terminating {
		c.mu.Unlock()
		<-c.exited
		return nil
	}
	c.terminating = true
	c.reason = reason
	c.mu.Unlock()

	status := registry.StatusTerminating
	if _, err := s.reg.Update(id, registry.Patch{Status: &status}); err != nil {
		s.logger.Warn("terminating status update failed", zap.String("worker", id), zap.Error(err))
	}
	s.publish("worker:terminating", map[string]any{"id": id, "reason": reason})

	pgid := c.cmd.Process.Pid
	if err := syscall.Kill(-pgid, syscall.SIGTERM); err != nil {
		// Process already gone; the reaper settles the status.
		<-c.exited
	} else {
		select {
		case <-c.exited:
		case <-time.After(s.cfg.GracePeriod):
			_ = syscall.Kill(-pgid, syscall.SIGKILL)
			<-c.exited
		}
	}

	// The working copy is only reclaimed on explicit termination; normal
	// completion keeps it for consolidation.
	w, err := s.reg.Get(id)
	if err == nil {
		if rmErr := s.git.RemoveWorktree(ctx, w.Project, w.WorktreePath); rmErr != nil {
			s.logger.Warn("worktree removal failed",
				zap.String("worker", id), zap.Error(rmErr))
		}
	}
	return nil
}

// Send writes a payload line to the worker's stdin. Strings pass through
// verbatim; other shapes are serialized as JSON.
func (s *Supervisor) Send(id string, payload any) error {
	s.mu.Lock()
	c, ok := s.children[id]
	s.mu.Unlock()
	if !ok {
		return &registry.NotFoundError{ID: id}
	}
	if c.stdin == nil {
		return &NoStdinError{WorkerID: id}
	}

	var line []byte
	switch v := payload.(type) {
	case string:
		line = []byte(v)
	default:
		data, err := json.Marshal(v)
		if err != nil {
			return fmt.Errorf("marshal payload: %w", err)
		}
		line = data
	}
	line = append(line, '\n')
	if _, err := c.stdin.Write(line); err != nil {
		return &NoStdinError{WorkerID: id}
	}
	return nil
}

// Logs pages the captured stdio for a worker, live or exited.
func (s *Supervisor) Logs(id string, offset, count int) ([]LogLine, int, error) {
	s.mu.Lock()
	logs, ok := s.logs[id]
	s.mu.Unlock()
	if !ok {
		return nil, 0, &registry.NotFoundError{ID: id}
	}
	lines, total := logs.Page(offset, count)
	return lines, total, nil
}

// Running reports whether a child process is currently tracked for id.
func (s *Supervisor) Running(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.children[id]
	return ok
}

// Shutdown terminates all children with reason shutdown and waits for the
// stream and reaper goroutines to drain.
func (s *Supervisor) Shutdown(ctx context.Context) {
	s.mu.Lock()
	ids := make([]string, 0, len(s.children))
	for id := range s.children {
		ids = append(ids, id)
	}
	s.mu.Unlock()

	var wg sync.WaitGroup
	for _, id := range ids {
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			_ = s.Terminate(ctx, id, ReasonShutdown)
		}(id)
	}
	wg.Wait()
	s.wg.Wait()
}

func (s *Supervisor) publish(topic string, data map[string]any) {
	if s.bus != nil {
		s.bus.Publish(topic, data)
	}
}

// buildEnv assembles the child environment: parent env, caller overlay,
// isolation tags, and the working copy prepended to PATH.
func buildEnv(overlay map[string]string, id, worktree string) []string {
	merged := map[string]string{}
	for _, kv := range os.Environ() {
		if k, v, ok := strings.Cut(kv, "="); ok {
			merged[k] = v
		}
	}
	for k, v := range overlay {
		merged[k] = v
	}
	merged[EnvAgentID] = id
	merged[EnvAgentWorktree] = worktree
	merged[EnvAgentIsolated] = "1"
	merged[EnvNodeEnv] = "production"
	merged["PATH"] = worktree + string(os.PathListSeparator) + merged["PATH"]

	env := make([]string, 0, len(merged))
	for k, v := range merged {
		env = append(env, k+"="+v)
	}
	return env
}

// slug lowercases a worker name into a branch-safe token.
func slug(name string) string {
	var b strings.Builder
	for _, r := range strings.ToLower(name) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			b.WriteRune(r)
		case b.Len() > 0 && b.String()[b.Len()-1] != '-':
			b.WriteByte('-')
		}
	}
	out := strings.Trim(b.String(), "-")
	if out == "" {
		out = "worker"
	}
	if len(out) > 24 {
		out = out[:24]
	}
	return out
}
