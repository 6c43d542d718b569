package coord

import (
	"errors"
	"reflect"
	"testing"
	"time"
)

func TestBarrierCompletes(t *testing.T) {
	t.Parallel()

	c := New(nil, nil, nil)
	future, err := c.CreateBarrier("b1", []string{"a", "b"}, 5*time.Second)
	if err != nil {
		t.Fatal(err)
	}

	if err := c.SignalBarrier("a", "b1"); err != nil {
		t.Fatal(err)
	}
	// Duplicate signal is a no-op.
	if err := c.SignalBarrier("a", "b1"); err != nil {
		t.Fatal(err)
	}
	if err := c.SignalBarrier("b", "b1"); err != nil {
		t.Fatal(err)
	}

	select {
	case res := <-future:
		if !res.Success {
			t.Fatalf("result = %+v, want success", res)
		}
		if !reflect.DeepEqual(res.Arrived, []string{"a", "b"}) {
			t.Fatalf("arrived = %v", res.Arrived)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("barrier never resolved")
	}
}

func TestBarrierTimeout(t *testing.T) {
	t.Parallel()

	c := New(nil, nil, nil)
	future, err := c.CreateBarrier("b1", []string{"a", "b", "c"}, 100*time.Millisecond)
	if err != nil {
		t.Fatal(err)
	}
	if err := c.SignalBarrier("a", "b1"); err != nil {
		t.Fatal(err)
	}

	select {
	case res := <-future:
		if res.Success {
			t.Fatal("partial barrier should time out")
		}
		if !reflect.DeepEqual(res.Arrived, []string{"a"}) {
			t.Fatalf("arrived = %v", res.Arrived)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("barrier never timed out")
	}

	// Late signals are accepted but do not flip the outcome.
	if err := c.SignalBarrier("b", "b1"); err != nil {
		t.Fatalf("late signal rejected: %v", err)
	}
	select {
	case res := <-future:
		t.Fatalf("future resolved twice: %+v", res)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestBarrierUnknownID(t *testing.T) {
	t.Parallel()

	c := New(nil, nil, nil)
	var nf *NotFoundError
	if err := c.SignalBarrier("a", "ghost"); !errors.As(err, &nf) {
		t.Fatalf("err = %v, want NotFoundError", err)
	}
}

func TestBarrierDuplicateID(t *testing.T) {
	t.Parallel()

	c := New(nil, nil, nil)
	if _, err := c.CreateBarrier("b1", []string{"a"}, time.Second); err != nil {
		t.Fatal(err)
	}
	if _, err := c.CreateBarrier("b1", []string{"a"}, time.Second); err == nil {
		t.Fatal("duplicate barrier id should fail")
	}
}

func TestElectionEarlyResolve(t *testing.T) {
	t.Parallel()

	c := New(nil, nil, nil)
	future, err := c.ConductElection("e1", []string{"a", "b", "c"}, 5*time.Second)
	if err != nil {
		t.Fatal(err)
	}

	if err := c.CastVote("e1", "a", "b"); err != nil {
		t.Fatal(err)
	}
	if err := c.CastVote("e1", "b", "b"); err != nil {
		t.Fatal(err)
	}
	if err := c.CastVote("e1", "c", "a"); err != nil {
		t.Fatal(err)
	}

	select {
	case res := <-future:
		if res.Winner != "b" || res.TimedOut {
			t.Fatalf("result = %+v, want winner b", res)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("election never resolved")
	}
}

func TestElectionRevoteRejected(t *testing.T) {
	t.Parallel()

	c := New(nil, nil, nil)
	_, err := c.ConductElection("e1", []string{"a", "b"}, 5*time.Second)
	if err != nil {
		t.Fatal(err)
	}

	if err := c.CastVote("e1", "a", "a"); err != nil {
		t.Fatal(err)
	}
	if err := c.CastVote("e1", "a", "b"); err == nil {
		t.Fatal("revote should be rejected")
	}
	if err := c.CastVote("e1", "b", "zed"); err == nil {
		t.Fatal("unknown candidate should be rejected")
	}
}

func TestElectionTieBreaksLexicographically(t *testing.T) {
	t.Parallel()

	c := New(nil, nil, nil)
	future, err := c.ConductElection("e1", []string{"beta", "alpha"}, 150*time.Millisecond)
	if err != nil {
		t.Fatal(err)
	}

	if err := c.CastVote("e1", "beta", "beta"); err != nil {
		t.Fatal(err)
	}
	// alpha votes for itself: a one-one tie, and with every candidate having
	// voted the election resolves early.
	if err := c.CastVote("e1", "alpha", "alpha"); err != nil {
		t.Fatal(err)
	}

	select {
	case res := <-future:
		if res.Winner != "alpha" {
			t.Fatalf("tie should break to alpha, got %q", res.Winner)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("election never resolved")
	}
}

func TestElectionTimeoutWithNoVotes(t *testing.T) {
	t.Parallel()

	c := New(nil, nil, nil)
	future, err := c.ConductElection("e1", []string{"b", "a"}, 100*time.Millisecond)
	if err != nil {
		t.Fatal(err)
	}

	select {
	case res := <-future:
		if !res.TimedOut {
			t.Fatal("should resolve via timeout")
		}
		if res.Winner != "a" {
			t.Fatalf("zero-vote winner = %q, want a", res.Winner)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("election never timed out")
	}
}

func TestPartitionRoundRobinDeterministic(t *testing.T) {
	t.Parallel()

	task := map[string]any{"goal": "index files"}
	a, err := PartitionTask(task, 3, StrategyRoundRobin)
	if err != nil {
		t.Fatal(err)
	}
	b, _ := PartitionTask(task, 3, StrategyRoundRobin)
	if !reflect.DeepEqual(a, b) {
		t.Fatal("same input should partition identically")
	}

	if len(a) != 3 {
		t.Fatalf("partitions = %d", len(a))
	}
	for i, p := range a {
		if p.AgentIndex != i {
			t.Fatalf("round-robin agent index = %d, want %d", p.AgentIndex, i)
		}
		if p.Task["partition_index"] != i || p.Task["total_partitions"] != 3 {
			t.Fatalf("task overlay = %+v", p.Task)
		}
		if p.Task["goal"] != "index files" {
			t.Fatal("original task fields must be preserved")
		}
	}
	// The source task must not be mutated.
	if len(task) != 1 {
		t.Fatalf("source task mutated: %+v", task)
	}
}

func TestPartitionHashStableAndFallsBack(t *testing.T) {
	t.Parallel()

	keyed := map[string]any{"partition_key": "shard-7"}
	a, err := PartitionTask(keyed, 4, StrategyHash)
	if err != nil {
		t.Fatal(err)
	}
	b, _ := PartitionTask(keyed, 4, StrategyHash)
	if !reflect.DeepEqual(a, b) {
		t.Fatal("hash partitioning should be deterministic")
	}

	// Every agent index appears exactly once.
	seen := map[int]bool{}
	for _, p := range a {
		seen[p.AgentIndex] = true
	}
	if len(seen) != 4 {
		t.Fatalf("agent coverage = %v", seen)
	}

	// No key: identical to round-robin.
	plain, err := PartitionTask(map[string]any{"x": 1}, 3, StrategyHash)
	if err != nil {
		t.Fatal(err)
	}
	for i, p := range plain {
		if p.AgentIndex != i {
			t.Fatalf("fallback agent index = %d, want %d", p.AgentIndex, i)
		}
	}
}

func TestPartitionValidation(t *testing.T) {
	t.Parallel()

	if _, err := PartitionTask(nil, 0, StrategyRoundRobin); err == nil {
		t.Fatal("zero count should fail")
	}
	if _, err := PartitionTask(nil, 2, "zigzag"); err == nil {
		t.Fatal("unknown strategy should fail")
	}
}
