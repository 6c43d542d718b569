package msgbus

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"hive/pkg/eventbus"
	"hive/pkg/registry"
)

// Engine limits.
const (
	QueueCap       = 1000
	MaxRetries     = 3
	RetryBaseDelay = 1 * time.Second
)

// defaultBucket is the queue bucket for messages without a worktree scope.
const defaultBucket = "default"

// Deliverer attempts delivery of one message and reports the outcome
// synchronously. The engine's default deliverer forwards to the worker's
// stdin via the supervisor. A nil return marks the message delivered and
// removes it at once; MarkDelivered / MarkFailed settle only messages that
// are still queued.
type Deliverer interface {
	Deliver(ctx context.Context, msg Message) error
}

// DelivererFunc adapts a function to the Deliverer interface.
type DelivererFunc func(ctx context.Context, msg Message) error

// Deliver calls f.
func (f DelivererFunc) Deliver(ctx context.Context, msg Message) error {
	return f(ctx, msg)
}

type queueKey struct {
	worktree string
	target   string
}

func keyFor(m Message) queueKey {
	wt := m.Worktree
	if wt == "" {
		wt = defaultBucket
	}
	return queueKey{worktree: wt, target: m.Target}
}

// Bus owns the message queues, the drain loop, and the durable message
// files.
type Bus struct {
	mu      sync.Mutex
	queues  map[queueKey][]*Message
	retries map[string]*time.Timer
	seq     int64
	closed  bool
	started bool

	dir       string
	deliverer Deliverer
	events    *eventbus.Bus
	reg       *registry.Registry
	logger    *zap.Logger

	kick chan struct{}
	stop chan struct{}
	done chan struct{}
	once sync.Once
}

// New creates a Bus persisting messages under dir. reg may be nil when
// broadcast is unused (tests). Non-terminal messages found in dir are
// rehydrated into their queues; terminal leftovers are removed.
func New(dir string, deliverer Deliverer, events *eventbus.Bus, reg *registry.Registry, logger *zap.Logger) *Bus {
	if logger == nil {
		logger = zap.NewNop()
	}
	b := &Bus{
		queues:    make(map[queueKey][]*Message),
		retries:   make(map[string]*time.Timer),
		dir:       dir,
		deliverer: deliverer,
		events:    events,
		reg:       reg,
		logger:    logger,
		kick:      make(chan struct{}, 1),
		stop:      make(chan struct{}),
		done:      make(chan struct{}),
	}
	b.rehydrate()
	return b
}

// SetDeliverer replaces the delivery subscriber. Intended for wiring order
// at startup and for tests.
func (b *Bus) SetDeliverer(d Deliverer) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.deliverer = d
}

// Start launches the drain loop.
func (b *Bus) Start(ctx context.Context) {
	b.mu.Lock()
	b.started = true
	b.mu.Unlock()
	go b.drainLoop(ctx)
	b.wake()
}

// Shutdown stops the drain loop, cancels retry timers, and leaves durable
// files in place for the next start.
func (b *Bus) Shutdown() {
	b.once.Do(func() { close(b.stop) })
	b.mu.Lock()
	started := b.started
	b.mu.Unlock()
	if started {
		<-b.done
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	for id, t := range b.retries {
		t.Stop()
		delete(b.retries, id)
	}
}

// Send enqueues a message: insert in priority order, persist, emit
// message:queued, and wake the drain loop. The durable write happens before
// the queued event so observers never see a message that could vanish.
func (b *Bus) Send(_ context.Context, msg Message) (Message, error) {
	if msg.Target == "" {
		return Message{}, fmt.Errorf("message target required")
	}
	if !msg.Priority.Valid() {
		return Message{}, fmt.Errorf("invalid priority %d", msg.Priority)
	}

	key := keyFor(msg)

	b.mu.Lock()
	if len(b.queues[key]) >= QueueCap {
		b.mu.Unlock()
		return Message{}, &QueueFullError{Target: msg.Target, Worktree: msg.Worktree, Cap: QueueCap}
	}
	b.seq++
	msg.seq = b.seq
	stored := msg
	b.queues[key] = insertSorted(b.queues[key], &stored)
	b.mu.Unlock()

	if err := b.persist(&stored); err != nil {
		b.logger.Warn("message persist failed", zap.String("id", stored.ID), zap.Error(err))
	}
	b.publish("message:queued", stored.snapshot())
	b.wake()
	return stored, nil
}

// BroadcastOpts selects broadcast recipients.
type BroadcastOpts struct {
	Worktree string   // restrict to workers in this worktree subtree
	Exclude  []string // worker ids to skip
}

// Broadcast sends the same payload to every active worker (or every worker
// under a worktree), excluding listed ids and the source itself. It returns
// the messages that were successfully queued.
func (b *Bus) Broadcast(ctx context.Context, kind, source string, payload any, priority Priority, opts BroadcastOpts) []Message {
	if b.reg == nil {
		return nil
	}
	var candidates []registry.Worker
	if opts.Worktree != "" {
		candidates = b.reg.ByWorktreePath(opts.Worktree)
	} else {
		candidates = b.reg.List(registry.Filter{Status: registry.StatusActive})
	}

	excluded := make(map[string]bool, len(opts.Exclude)+1)
	for _, id := range opts.Exclude {
		excluded[id] = true
	}
	excluded[source] = true

	var queued []Message
	for _, w := range candidates {
		if excluded[w.ID] {
			continue
		}
		msg, err := NewMessage(kind, source, w.ID, payload, WithPriority(priority), WithWorktree(opts.Worktree))
		if err != nil {
			b.logger.Warn("broadcast build failed", zap.String("target", w.ID), zap.Error(err))
			continue
		}
		sent, err := b.Send(ctx, msg)
		if err != nil {
			b.logger.Warn("broadcast send failed", zap.String("target", w.ID), zap.Error(err))
			continue
		}
		queued = append(queued, sent)
	}
	return queued
}

// MarkDelivered settles a message delivered out of band by an asynchronous
// subscriber.
func (b *Bus) MarkDelivered(id string) bool {
	return b.settle(id, StatusDelivered, "")
}

// MarkFailed settles a message failed out of band.
func (b *Bus) MarkFailed(id, reason string) bool {
	return b.settle(id, StatusFailed, reason)
}

func (b *Bus) settle(id string, status Status, reason string) bool {
	b.mu.Lock()
	var found *Message
	var foundKey queueKey
	var foundIdx int
	for key, q := range b.queues {
		for i, m := range q {
			if m.ID == id {
				found, foundKey, foundIdx = m, key, i
				break
			}
		}
		if found != nil {
			break
		}
	}
	if found == nil {
		b.mu.Unlock()
		return false
	}
	now := time.Now().UTC()
	found.Status = status
	if status == StatusDelivered {
		found.DeliveredAt = now
	} else {
		found.FailedAt = now
		found.Error = reason
	}
	b.queues[foundKey] = append(b.queues[foundKey][:foundIdx], b.queues[foundKey][foundIdx+1:]...)
	snap := found.snapshot()
	b.mu.Unlock()

	b.removeDurable(id)
	if status == StatusDelivered {
		b.publish("message:delivered", snap)
	} else {
		b.publish("message:failed", snap)
	}
	return true
}

// drainLoop runs delivery passes until stopped, sleeping between wakes.
func (b *Bus) drainLoop(ctx context.Context) {
	defer close(b.done)

	for {
		select {
		case <-ctx.Done():
			return
		case <-b.stop:
			return
		case <-b.kick:
			for b.pass(ctx) {
				// Keep passing while any queue makes progress.
			}
		}
	}
}

// pass walks every non-empty queue once, attempting the head message of
// each. A queue whose head is parked in retry is skipped so it cannot block
// the others. Returns whether any queue made progress.
func (b *Bus) pass(ctx context.Context) bool {
	b.mu.Lock()
	keys := make([]queueKey, 0, len(b.queues))
	for key, q := range b.queues {
		if len(q) > 0 {
			keys = append(keys, key)
		}
	}
	b.mu.Unlock()

	progress := false
	for _, key := range keys {
		b.mu.Lock()
		q := b.queues[key]
		if len(q) == 0 {
			b.mu.Unlock()
			continue
		}
		head := q[0]

		// Terminal heads are leftovers from out-of-band settlement; drop.
		if head.Status.Terminal() {
			b.queues[key] = q[1:]
			b.mu.Unlock()
			progress = true
			continue
		}
		// Parked for retry: skip this queue, others proceed.
		if head.Status == StatusRetrying {
			b.mu.Unlock()
			continue
		}
		msg := *head
		b.mu.Unlock()

		if b.attempt(ctx, key, head, msg) {
			progress = true
		}
	}
	return progress
}

// attempt delivers one head message and applies the outcome. Returns
// whether the queue advanced.
func (b *Bus) attempt(ctx context.Context, key queueKey, head *Message, msg Message) bool {
	// Expired wait timeout counts as failure without a delivery attempt.
	var err error
	if msg.Timeout > 0 && time.Since(msg.CreatedAt) > msg.Timeout {
		err = fmt.Errorf("wait timeout exceeded")
		b.fail(key, head, err.Error())
		return true
	}

	b.publish("message:delivering", msg.snapshot())
	err = b.deliverer.Deliver(ctx, msg)
	if err == nil {
		b.mu.Lock()
		head.Status = StatusDelivered
		head.DeliveredAt = time.Now().UTC()
		b.removeHead(key, head)
		snap := head.snapshot()
		b.mu.Unlock()

		b.removeDurable(head.ID)
		b.publish("message:delivered", snap)
		return true
	}

	b.mu.Lock()
	retries := head.RetryCount
	b.mu.Unlock()

	if retries >= MaxRetries {
		b.fail(key, head, "max retries: "+err.Error())
		return true
	}

	// Park for backoff: 1s · 2^retryCount, then back to pending.
	delay := RetryBaseDelay << uint(retries)
	b.mu.Lock()
	head.Status = StatusRetrying
	head.RetryCount++
	persistCopy := *head
	id := head.ID
	b.retries[id] = time.AfterFunc(delay, func() {
		b.mu.Lock()
		delete(b.retries, id)
		if head.Status == StatusRetrying {
			head.Status = StatusPending
		}
		b.mu.Unlock()
		b.wake()
	})
	b.mu.Unlock()

	if perr := b.persist(&persistCopy); perr != nil {
		b.logger.Warn("retry persist failed", zap.String("id", id), zap.Error(perr))
	}
	return false
}

// fail transitions a head message to failed and removes it.
func (b *Bus) fail(key queueKey, head *Message, reason string) {
	b.mu.Lock()
	head.Status = StatusFailed
	head.FailedAt = time.Now().UTC()
	head.Error = reason
	b.removeHead(key, head)
	snap := head.snapshot()
	b.mu.Unlock()

	b.removeDurable(head.ID)
	b.publish("message:failed", snap)
}

// removeHead drops head from its queue. Caller must hold b.mu.
func (b *Bus) removeHead(key queueKey, head *Message) {
	q := b.queues[key]
	for i, m := range q {
		if m.ID == head.ID {
			b.queues[key] = append(q[:i], q[i+1:]...)
			return
		}
	}
}

func (b *Bus) wake() {
	select {
	case b.kick <- struct{}{}:
	default:
	}
}

func (b *Bus) publish(topic string, data map[string]any) {
	if b.events != nil {
		b.events.Publish(topic, data)
	}
}

// insertSorted keeps the queue ordered by (priority asc, seq asc).
func insertSorted(q []*Message, m *Message) []*Message {
	idx := sort.Search(len(q), func(i int) bool {
		if q[i].Priority != m.Priority {
			return q[i].Priority > m.Priority
		}
		return q[i].seq > m.seq
	})
	q = append(q, nil)
	copy(q[idx+1:], q[idx:])
	q[idx] = m
	return q
}

// QueueStats summarizes queue contents.
type QueueStats struct {
	Total    int            `json:"total"`
	ByStatus map[string]int `json:"by_status"`
	ByKind   map[string]int `json:"by_kind"`
}

// Stats reports the queued messages for one worker, or globally when
// workerID is empty.
func (b *Bus) Stats(workerID string) QueueStats {
	b.mu.Lock()
	defer b.mu.Unlock()

	s := QueueStats{ByStatus: map[string]int{}, ByKind: map[string]int{}}
	for key, q := range b.queues {
		if workerID != "" && key.target != workerID {
			continue
		}
		for _, m := range q {
			s.Total++
			s.ByStatus[string(m.Status)]++
			s.ByKind[m.Kind]++
		}
	}
	return s
}

// Pending returns a snapshot of the queue for one worker in delivery order.
func (b *Bus) Pending(workerID string) []Message {
	b.mu.Lock()
	defer b.mu.Unlock()

	var out []Message
	for key, q := range b.queues {
		if key.target != workerID {
			continue
		}
		for _, m := range q {
			out = append(out, *m)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Priority != out[j].Priority {
			return out[i].Priority < out[j].Priority
		}
		return out[i].seq < out[j].seq
	})
	return out
}
