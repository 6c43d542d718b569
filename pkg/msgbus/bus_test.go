package msgbus //nolint:testpackage // internal test drives pass() directly

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"hive/pkg/eventbus"
	"hive/pkg/registry"
)

// scriptedDeliverer fails the first n attempts per message, then succeeds.
type scriptedDeliverer struct {
	mu         sync.Mutex
	failures   int
	attempts   map[string]int
	alwaysFail bool
}

func (d *scriptedDeliverer) Deliver(_ context.Context, msg Message) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.attempts == nil {
		d.attempts = map[string]int{}
	}
	d.attempts[msg.ID]++
	if d.alwaysFail || d.attempts[msg.ID] <= d.failures {
		return errors.New("delivery refused")
	}
	return nil
}

func (d *scriptedDeliverer) count(id string) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.attempts[id]
}

func mustMessage(t *testing.T, kind, target string, opts ...Option) Message {
	t.Helper()
	m, err := NewMessage(kind, SourceOrchestrator, target, map[string]any{"k": kind}, opts...)
	if err != nil {
		t.Fatal(err)
	}
	return m
}

func TestSendOrdersByPriorityThenFIFO(t *testing.T) {
	t.Parallel()

	b := New(t.TempDir(), DelivererFunc(func(context.Context, Message) error {
		return errors.New("hold")
	}), nil, nil, nil)

	ctx := context.Background()
	low, _ := b.Send(ctx, mustMessage(t, "low", "w1", WithPriority(PriorityLow)))
	n1, _ := b.Send(ctx, mustMessage(t, "normal-1", "w1"))
	crit, _ := b.Send(ctx, mustMessage(t, "crit", "w1", WithPriority(PriorityCritical)))
	n2, _ := b.Send(ctx, mustMessage(t, "normal-2", "w1"))

	got := b.Pending("w1")
	wantOrder := []string{crit.ID, n1.ID, n2.ID, low.ID}
	if len(got) != 4 {
		t.Fatalf("pending = %d", len(got))
	}
	for i, want := range wantOrder {
		if got[i].ID != want {
			t.Fatalf("order[%d] = %s (%s), want %s", i, got[i].ID, got[i].Kind, want)
		}
	}
}

func TestQueueCapacity(t *testing.T) {
	t.Parallel()

	b := New("", DelivererFunc(func(context.Context, Message) error {
		return errors.New("hold")
	}), nil, nil, nil)

	ctx := context.Background()
	for i := 0; i < QueueCap; i++ {
		if _, err := b.Send(ctx, mustMessage(t, "fill", "w1")); err != nil {
			t.Fatalf("send %d: %v", i, err)
		}
	}

	var full *QueueFullError
	if _, err := b.Send(ctx, mustMessage(t, "overflow", "w1")); !errors.As(err, &full) {
		t.Fatalf("err = %v, want QueueFullError", err)
	}

	// Another worker's queue is unaffected.
	if _, err := b.Send(ctx, mustMessage(t, "ok", "w2")); err != nil {
		t.Fatalf("other queue rejected: %v", err)
	}
}

func TestDeliverySuccessRemovesDurableFile(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	b := New(dir, DelivererFunc(func(context.Context, Message) error { return nil }), nil, nil, nil)

	msg, err := b.Send(context.Background(), mustMessage(t, "task", "w1"))
	if err != nil {
		t.Fatal(err)
	}
	if _, err := os.Stat(filepath.Join(dir, msg.ID+".json")); err != nil {
		t.Fatalf("durable file should exist after send: %v", err)
	}

	b.pass(context.Background())

	if _, err := os.Stat(filepath.Join(dir, msg.ID+".json")); !os.IsNotExist(err) {
		t.Fatal("durable file should be removed after delivery")
	}
	if got := b.Stats("w1").Total; got != 0 {
		t.Fatalf("queue should be empty, has %d", got)
	}
}

func TestRetryThenFail(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	events := eventbus.New(nil)
	defer events.Close()
	sub := events.Subscribe("message:failed")
	defer sub.Close()

	d := &scriptedDeliverer{alwaysFail: true}
	b := New(dir, d, events, nil, nil)

	msg, err := b.Send(context.Background(), mustMessage(t, "doomed", "w1"))
	if err != nil {
		t.Fatal(err)
	}

	ctx := context.Background()
	// Attempt 1 parks the message in retry; flip it back manually instead
	// of waiting out the backoff timers.
	for i := 0; i < MaxRetries; i++ {
		b.pass(ctx)
		b.mu.Lock()
		head := b.queues[queueKey{worktree: defaultBucket, target: "w1"}][0]
		if head.Status != StatusRetrying {
			b.mu.Unlock()
			t.Fatalf("after attempt %d status = %s, want retrying", i+1, head.Status)
		}
		head.Status = StatusPending
		b.mu.Unlock()
	}

	// Fourth attempt exceeds the ceiling.
	b.pass(ctx)

	select {
	case ev := <-sub.C:
		if ev.Data["id"] != msg.ID {
			t.Fatalf("failed event for %v", ev.Data)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no failed event")
	}

	if got := d.count(msg.ID); got != MaxRetries+1 {
		t.Fatalf("attempts = %d, want %d", got, MaxRetries+1)
	}
	if _, err := os.Stat(filepath.Join(dir, msg.ID+".json")); !os.IsNotExist(err) {
		t.Fatal("durable file should be removed after terminal failure")
	}
}

func TestRetryBackoffReleases(t *testing.T) {
	t.Parallel()

	d := &scriptedDeliverer{failures: 1}
	b := New("", d, nil, nil, nil)
	b.Start(context.Background())
	defer b.Shutdown()

	msg, err := b.Send(context.Background(), mustMessage(t, "flaky", "w1"))
	if err != nil {
		t.Fatal(err)
	}

	// First attempt fails, second succeeds after ~1s backoff.
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if b.Stats("w1").Total == 0 {
			if got := d.count(msg.ID); got != 2 {
				t.Fatalf("attempts = %d, want 2", got)
			}
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatal("message never delivered after retry")
}

func TestRetryDoesNotBlockOtherQueues(t *testing.T) {
	t.Parallel()

	d := &scriptedDeliverer{}
	b := New("", DelivererFunc(func(ctx context.Context, m Message) error {
		if m.Target == "stuck" {
			return errors.New("down")
		}
		return d.Deliver(ctx, m)
	}), nil, nil, nil)

	ctx := context.Background()
	if _, err := b.Send(ctx, mustMessage(t, "blocked", "stuck")); err != nil {
		t.Fatal(err)
	}
	ok, err := b.Send(ctx, mustMessage(t, "fine", "healthy"))
	if err != nil {
		t.Fatal(err)
	}

	b.pass(ctx) // stuck parks in retry, healthy delivers
	b.pass(ctx)

	if got := b.Stats("healthy").Total; got != 0 {
		t.Fatalf("healthy queue still has %d", got)
	}
	if got := d.count(ok.ID); got != 1 {
		t.Fatalf("healthy delivery attempts = %d", got)
	}
	if got := b.Stats("stuck").ByStatus[string(StatusRetrying)]; got != 1 {
		t.Fatalf("stuck head should be retrying, stats = %+v", b.Stats("stuck"))
	}
}

func TestRehydrateRestoresPending(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	hold := DelivererFunc(func(context.Context, Message) error { return errors.New("hold") })

	b1 := New(dir, hold, nil, nil, nil)
	ctx := context.Background()
	m1, _ := b1.Send(ctx, mustMessage(t, "first", "w1"))
	m2, _ := b1.Send(ctx, mustMessage(t, "second", "w1", WithPriority(PriorityHigh)))

	// Simulate restart.
	b2 := New(dir, hold, nil, nil, nil)
	pending := b2.Pending("w1")
	if len(pending) != 2 {
		t.Fatalf("rehydrated = %d, want 2", len(pending))
	}
	if pending[0].ID != m2.ID || pending[1].ID != m1.ID {
		t.Fatal("rehydrated order should honor priority")
	}
}

func TestBroadcastExcludes(t *testing.T) {
	t.Parallel()

	reg := registry.New(filepath.Join(t.TempDir(), "reg.json"), nil, nil)
	for _, id := range []string{"w1", "w2", "w3"} {
		reg.Register(registry.Worker{
			ID: id, Name: id, Status: registry.StatusActive,
			Project: "/repo", BaseRevision: "main", Branch: "agent/" + id,
			WorktreePath: "/repo/.hive/worktrees/" + id, CreatedAt: time.Now(),
		})
	}
	reg.Register(registry.Worker{
		ID: "done", Name: "done", Status: registry.StatusCompleted,
		Project: "/repo", BaseRevision: "main", Branch: "agent/done",
		WorktreePath: "/repo/.hive/worktrees/done", CreatedAt: time.Now(),
	})

	b := New("", DelivererFunc(func(context.Context, Message) error { return errors.New("hold") }), nil, reg, nil)

	queued := b.Broadcast(context.Background(), "sync", "w1", map[string]any{"go": true}, PriorityHigh, BroadcastOpts{
		Exclude: []string{"w3"},
	})

	// w1 is the source, w3 excluded, done is terminal: only w2 remains.
	if len(queued) != 1 || queued[0].Target != "w2" {
		t.Fatalf("queued = %+v", queued)
	}
}

func TestStatsByKindAndStatus(t *testing.T) {
	t.Parallel()

	b := New("", DelivererFunc(func(context.Context, Message) error { return errors.New("hold") }), nil, nil, nil)
	ctx := context.Background()
	_, _ = b.Send(ctx, mustMessage(t, "alpha", "w1"))
	_, _ = b.Send(ctx, mustMessage(t, "alpha", "w1"))
	_, _ = b.Send(ctx, mustMessage(t, "beta", "w2"))

	global := b.Stats("")
	if global.Total != 3 || global.ByKind["alpha"] != 2 || global.ByKind["beta"] != 1 {
		t.Fatalf("global stats = %+v", global)
	}
	one := b.Stats("w1")
	if one.Total != 2 || one.ByStatus[string(StatusPending)] != 2 {
		t.Fatalf("w1 stats = %+v", one)
	}
}
