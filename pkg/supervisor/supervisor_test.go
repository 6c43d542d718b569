package supervisor //nolint:testpackage // internal test overrides the command factory

import (
	"context"
	"errors"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"hive/pkg/eventbus"
	"hive/pkg/registry"
	"hive/pkg/vcs"
)

func newTestSupervisor(t *testing.T, cfg Config) (*Supervisor, *registry.Registry, *vcs.Fake, *eventbus.Bus) {
	t.Helper()

	bus := eventbus.New(nil)
	t.Cleanup(bus.Close)
	reg := registry.New(filepath.Join(t.TempDir(), "registry.json"), bus, nil)
	fake := vcs.NewFake()
	s := New(cfg, reg, fake, bus, nil, nil)
	t.Cleanup(func() { s.Shutdown(context.Background()) })
	return s, reg, fake, bus
}

// shFactory runs the given shell snippet regardless of the worktree path
// (the fake adapter does not create directories).
func shFactory(script string) func(SpawnRequest, string, []string) *exec.Cmd {
	return func(_ SpawnRequest, _ string, env []string) *exec.Cmd {
		cmd := exec.Command("/bin/sh", "-c", script)
		cmd.Env = env
		return cmd
	}
}

func spawnReq(name string) SpawnRequest {
	return SpawnRequest{
		Project:      "/repo",
		Name:         name,
		BaseRevision: "main",
		Command:      []string{"/bin/true"},
	}
}

func waitStatus(t *testing.T, reg *registry.Registry, id string, want registry.Status) registry.Worker {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		w, err := reg.Get(id)
		if err == nil && w.Status == want {
			return w
		}
		time.Sleep(10 * time.Millisecond)
	}
	w, _ := reg.Get(id)
	t.Fatalf("worker %s never reached %s (now %s)", id, want, w.Status)
	return registry.Worker{}
}

func TestSpawnCompletesOnExitZero(t *testing.T) {
	t.Parallel()

	s, reg, _, bus := newTestSupervisor(t, DefaultConfig())
	s.SetCommandFactory(shFactory("exit 0"))

	sub := bus.Subscribe("worker:spawning", "worker:spawned", "worker:exit")
	defer sub.Close()

	w, err := s.Spawn(context.Background(), spawnReq("builder"))
	if err != nil {
		t.Fatalf("Spawn: %v", err)
	}
	if w.PID == 0 {
		t.Fatal("spawned worker should carry a pid")
	}
	if !strings.HasPrefix(w.Branch, "agent/builder-") {
		t.Fatalf("branch = %q", w.Branch)
	}

	final := waitStatus(t, reg, w.ID, registry.StatusCompleted)
	if final.Error != "" {
		t.Fatalf("clean exit carried error %q", final.Error)
	}

	topics := map[string]bool{}
	timeout := time.After(3 * time.Second)
	for len(topics) < 3 {
		select {
		case ev := <-sub.C:
			topics[ev.Topic] = true
		case <-timeout:
			t.Fatalf("events seen: %v", topics)
		}
	}
}

func TestSpawnNonZeroExitFails(t *testing.T) {
	t.Parallel()

	s, reg, _, _ := newTestSupervisor(t, DefaultConfig())
	s.SetCommandFactory(shFactory("exit 3"))

	w, err := s.Spawn(context.Background(), spawnReq("crasher"))
	if err != nil {
		t.Fatalf("Spawn: %v", err)
	}

	final := waitStatus(t, reg, w.ID, registry.StatusFailed)
	if !strings.Contains(final.Error, "exit code 3") {
		t.Fatalf("error = %q, want exit code 3", final.Error)
	}
}

func TestSpawnValidation(t *testing.T) {
	t.Parallel()

	s, _, _, _ := newTestSupervisor(t, DefaultConfig())

	cases := []SpawnRequest{
		{Name: "x", BaseRevision: "main", Command: []string{"/bin/true"}},                       // no project
		{Project: "rel/path", Name: "x", BaseRevision: "main", Command: []string{"/bin/true"}}, // relative
		{Project: "/repo", BaseRevision: "main", Command: []string{"/bin/true"}},               // no name
		{Project: "/repo", Name: "x", Command: []string{"/bin/true"}},                          // no base
	}
	for _, req := range cases {
		var vErr *ValidationError
		if _, err := s.Spawn(context.Background(), req); !errors.As(err, &vErr) {
			t.Fatalf("req %+v: err = %v, want ValidationError", req, err)
		}
	}
}

func TestCapacityExceeded(t *testing.T) {
	t.Parallel()

	cfg := DefaultConfig()
	cfg.MaxActive = 1
	s, _, fake, _ := newTestSupervisor(t, cfg)
	s.SetCommandFactory(shFactory("sleep 30"))

	w, err := s.Spawn(context.Background(), spawnReq("holder"))
	if err != nil {
		t.Fatalf("first spawn: %v", err)
	}

	before := len(fake.Calls())
	var capErr *CapacityError
	if _, err := s.Spawn(context.Background(), spawnReq("overflow")); !errors.As(err, &capErr) {
		t.Fatalf("second spawn = %v, want CapacityError", err)
	}
	if len(fake.Calls()) != before {
		t.Fatal("capacity rejection must not touch the VCS")
	}

	_ = s.Terminate(context.Background(), w.ID, ReasonUserInitiated)
}

func TestTerminateIsIdempotentStyle(t *testing.T) {
	t.Parallel()

	s, reg, fake, _ := newTestSupervisor(t, DefaultConfig())
	s.SetCommandFactory(shFactory("sleep 30"))

	w, err := s.Spawn(context.Background(), spawnReq("victim"))
	if err != nil {
		t.Fatalf("Spawn: %v", err)
	}

	if err := s.Terminate(context.Background(), w.ID, ReasonUserInitiated); err != nil {
		t.Fatalf("Terminate: %v", err)
	}

	final := waitStatus(t, reg, w.ID, registry.StatusFailed)
	if final.Error != ReasonUserInitiated {
		t.Fatalf("error = %q, want %q", final.Error, ReasonUserInitiated)
	}

	removed := false
	for _, call := range fake.Calls() {
		if strings.HasPrefix(call, "remove ") && strings.Contains(call, w.ID) {
			removed = true
		}
	}
	if !removed {
		t.Fatal("terminate should remove the working copy")
	}

	var nf *registry.NotFoundError
	if err := s.Terminate(context.Background(), w.ID, ReasonUserInitiated); !errors.As(err, &nf) {
		t.Fatalf("second terminate = %v, want NotFoundError", err)
	}
}

func TestWallClockTimeout(t *testing.T) {
	t.Parallel()

	cfg := DefaultConfig()
	cfg.WallClock = 150 * time.Millisecond
	cfg.GracePeriod = 200 * time.Millisecond
	s, reg, _, _ := newTestSupervisor(t, cfg)
	s.SetCommandFactory(shFactory("sleep 30"))

	w, err := s.Spawn(context.Background(), spawnReq("slowpoke"))
	if err != nil {
		t.Fatalf("Spawn: %v", err)
	}

	final := waitStatus(t, reg, w.ID, registry.StatusFailed)
	if final.Error != ReasonTimeout {
		t.Fatalf("error = %q, want %q", final.Error, ReasonTimeout)
	}
}

func TestSendReachesChildStdin(t *testing.T) {
	t.Parallel()

	s, reg, _, _ := newTestSupervisor(t, DefaultConfig())
	// head -n1 exits after echoing the first line back.
	s.SetCommandFactory(shFactory("head -n1"))

	w, err := s.Spawn(context.Background(), spawnReq("echoer"))
	if err != nil {
		t.Fatalf("Spawn: %v", err)
	}

	if err := s.Send(w.ID, "ping from orchestrator"); err != nil {
		t.Fatalf("Send: %v", err)
	}

	waitStatus(t, reg, w.ID, registry.StatusCompleted)

	lines, total, err := s.Logs(w.ID, 0, 0)
	if err != nil {
		t.Fatalf("Logs: %v", err)
	}
	if total == 0 || len(lines) == 0 || lines[0].Text != "ping from orchestrator" {
		t.Fatalf("logs = %+v (total %d)", lines, total)
	}

	var nf *registry.NotFoundError
	if err := s.Send("missing", "x"); !errors.As(err, &nf) {
		t.Fatalf("Send to unknown = %v, want NotFoundError", err)
	}
}

func TestSendJSONPayload(t *testing.T) {
	t.Parallel()

	s, reg, _, _ := newTestSupervisor(t, DefaultConfig())
	s.SetCommandFactory(shFactory("head -n1"))

	w, err := s.Spawn(context.Background(), spawnReq("jsonee"))
	if err != nil {
		t.Fatalf("Spawn: %v", err)
	}
	if err := s.Send(w.ID, map[string]any{"kind": "task", "n": 1}); err != nil {
		t.Fatalf("Send: %v", err)
	}
	waitStatus(t, reg, w.ID, registry.StatusCompleted)

	lines, _, _ := s.Logs(w.ID, 0, 0)
	if len(lines) == 0 || !strings.Contains(lines[0].Text, `"kind":"task"`) {
		t.Fatalf("logs = %+v", lines)
	}
}

func TestVCSFailureRollsBack(t *testing.T) {
	t.Parallel()

	s, _, fake, _ := newTestSupervisor(t, DefaultConfig())
	fake.AddErr = errors.New("index locked")

	var vcsErr *VCSError
	if _, err := s.Spawn(context.Background(), spawnReq("doomed")); !errors.As(err, &vcsErr) {
		t.Fatalf("err = %v, want VCSError", err)
	}
}

func TestBranchConflictRejected(t *testing.T) {
	t.Parallel()

	s, _, _, _ := newTestSupervisor(t, DefaultConfig())
	s.SetCommandFactory(shFactory("sleep 30"))

	req := spawnReq("pinned")
	req.Branch = "agent/pinned"
	w, err := s.Spawn(context.Background(), req)
	if err != nil {
		t.Fatalf("first spawn: %v", err)
	}

	var vErr *ValidationError
	if _, err := s.Spawn(context.Background(), req); !errors.As(err, &vErr) {
		t.Fatalf("duplicate branch = %v, want ValidationError", err)
	}

	_ = s.Terminate(context.Background(), w.ID, ReasonUserInitiated)
}

func TestBuildEnvTags(t *testing.T) {
	t.Parallel()

	env := buildEnv(map[string]string{"EXTRA": "1"}, "w-123", "/repo/.hive/worktrees/w-123")
	asMap := map[string]string{}
	for _, kv := range env {
		if k, v, ok := strings.Cut(kv, "="); ok {
			asMap[k] = v
		}
	}
	if asMap[EnvAgentID] != "w-123" {
		t.Fatalf("AGENT_ID = %q", asMap[EnvAgentID])
	}
	if asMap[EnvAgentWorktree] != "/repo/.hive/worktrees/w-123" {
		t.Fatalf("AGENT_WORKTREE = %q", asMap[EnvAgentWorktree])
	}
	if asMap[EnvAgentIsolated] != "1" {
		t.Fatal("AGENT_ISOLATED missing")
	}
	if asMap[EnvNodeEnv] != "production" {
		t.Fatal("production tag missing")
	}
	if asMap["EXTRA"] != "1" {
		t.Fatal("overlay lost")
	}
	if !strings.HasPrefix(asMap["PATH"], "/repo/.hive/worktrees/w-123") {
		t.Fatalf("PATH = %q, want worktree prefix", asMap["PATH"])
	}
}

func TestSlug(t *testing.T) {
	t.Parallel()

	cases := map[string]string{
		"Builder One":     "builder-one",
		"x":               "x",
		"!!!":             "worker",
		"CamelCase_Name9": "camelcase-name9",
	}
	for in, want := range cases {
		if got := slug(in); got != want {
			t.Fatalf("slug(%q) = %q, want %q", in, got, want)
		}
	}
}
