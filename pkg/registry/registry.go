package registry

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"hive/pkg/eventbus"
)

// Pruning thresholds: when the index reaches pruneCeiling records at
// register time, terminal records completed more than pruneAge ago are
// dropped.
const (
	pruneCeiling = 1000
	pruneAge     = 24 * time.Hour
)

// persistInterval is how often the background writer checks the dirty flag.
const persistInterval = 1 * time.Second

// Registry is the single-writer index of workers, mirrored to a JSON file.
type Registry struct {
	mu      sync.Mutex
	workers map[string]*Worker
	dirty   bool
	started bool

	path   string
	bus    *eventbus.Bus
	logger *zap.Logger

	stop     chan struct{}
	done     chan struct{}
	stopOnce sync.Once

	// now is swappable for prune tests.
	now func() time.Time
}

// New creates a Registry mirrored at path. An existing mirror is loaded; a
// corrupt one is logged and reset to empty.
func New(path string, bus *eventbus.Bus, logger *zap.Logger) *Registry {
	if logger == nil {
		logger = zap.NewNop()
	}
	r := &Registry{
		workers: make(map[string]*Worker),
		path:    path,
		bus:     bus,
		logger:  logger,
		stop:    make(chan struct{}),
		done:    make(chan struct{}),
		now:     time.Now,
	}
	r.load()
	return r
}

// Start launches the background persistence writer.
func (r *Registry) Start(ctx context.Context) {
	r.mu.Lock()
	r.started = true
	r.mu.Unlock()
	go r.persistLoop(ctx)
}

// Shutdown stops the writer and flushes a final snapshot.
func (r *Registry) Shutdown() {
	r.stopOnce.Do(func() { close(r.stop) })
	r.mu.Lock()
	started := r.started
	r.mu.Unlock()
	if started {
		<-r.done
	}
	r.flush()
}

// Register inserts or replaces a worker record and emits worker:registered.
// Replacing a record with a different status additionally emits the
// deterministic transition topic and worker:status_changed.
func (r *Registry) Register(w Worker) {
	r.mu.Lock()
	var oldStatus Status
	prev, existed := r.workers[w.ID]
	if existed {
		oldStatus = prev.Status
	}
	stored := w.clone()
	r.workers[w.ID] = &stored
	r.pruneLocked()
	r.dirty = true
	r.mu.Unlock()

	r.publish("worker:registered", map[string]any{
		"id":     w.ID,
		"name":   w.Name,
		"status": string(w.Status),
	})
	if existed && oldStatus != w.Status {
		r.publishTransition(w.ID, oldStatus, w.Status)
	}
}

// Update merges a patch into an existing record and emits worker:updated.
// Status changes additionally emit the transition topics.
func (r *Registry) Update(id string, p Patch) (Worker, error) {
	if err := p.validate(); err != nil {
		return Worker{}, err
	}

	r.mu.Lock()
	w, ok := r.workers[id]
	if !ok {
		r.mu.Unlock()
		return Worker{}, &NotFoundError{ID: id}
	}

	oldStatus := w.Status
	if p.Status != nil {
		w.Status = *p.Status
	}
	if p.PID != nil {
		w.PID = *p.PID
	}
	if p.Task != nil {
		w.Task = *p.Task
	}
	if p.Error != nil {
		w.Error = *p.Error
	}
	if p.StartedAt != nil {
		w.StartedAt = *p.StartedAt
	}
	if p.CompletedAt != nil {
		w.CompletedAt = *p.CompletedAt
	}
	if len(p.Metadata) > 0 {
		if w.Metadata == nil {
			w.Metadata = make(map[string]any, len(p.Metadata))
		}
		for k, v := range p.Metadata {
			w.Metadata[k] = v
		}
	}
	snapshot := w.clone()
	r.dirty = true
	r.mu.Unlock()

	r.publish("worker:updated", map[string]any{
		"id":     id,
		"status": string(snapshot.Status),
	})
	if p.Status != nil && oldStatus != snapshot.Status {
		r.publishTransition(id, oldStatus, snapshot.Status)
	}
	return snapshot, nil
}

// Unregister removes a record and emits worker:unregistered. Removing an
// unknown id returns NotFoundError.
func (r *Registry) Unregister(id string) error {
	r.mu.Lock()
	if _, ok := r.workers[id]; !ok {
		r.mu.Unlock()
		return &NotFoundError{ID: id}
	}
	delete(r.workers, id)
	r.dirty = true
	r.mu.Unlock()

	r.publish("worker:unregistered", map[string]any{"id": id})
	return nil
}

// Get returns a snapshot of one worker.
func (r *Registry) Get(id string) (Worker, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	w, ok := r.workers[id]
	if !ok {
		return Worker{}, &NotFoundError{ID: id}
	}
	return w.clone(), nil
}

// List returns snapshots matching the filter, ordered by creation time then
// id so output is stable.
func (r *Registry) List(f Filter) []Worker {
	r.mu.Lock()
	out := make([]Worker, 0, len(r.workers))
	for _, w := range r.workers {
		if f.Status != "" && w.Status != f.Status {
			continue
		}
		if f.Project != "" && w.Project != f.Project {
			continue
		}
		out = append(out, w.clone())
	}
	r.mu.Unlock()

	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// ByBranch returns the worker on the given branch, if any.
func (r *Registry) ByBranch(branch string) (Worker, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, w := range r.workers {
		if w.Branch == branch {
			return w.clone(), true
		}
	}
	return Worker{}, false
}

// ByWorktreePath returns workers whose worktree path equals prefix or nests
// under it.
func (r *Registry) ByWorktreePath(prefix string) []Worker {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []Worker
	for _, w := range r.workers {
		if w.WorktreePath == prefix || strings.HasPrefix(w.WorktreePath, strings.TrimSuffix(prefix, "/")+"/") {
			out = append(out, w.clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// ActiveCount returns the number of workers whose status is active.
func (r *Registry) ActiveCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, w := range r.workers {
		if w.Status == StatusActive {
			n++
		}
	}
	return n
}

// BranchTaken reports whether branch is already claimed within project.
func (r *Registry) BranchTaken(project, branch string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, w := range r.workers {
		if w.Project == project && w.Branch == branch && !w.Status.Terminal() {
			return true
		}
	}
	return false
}

// pruneLocked drops old terminal records once the ceiling is reached.
// Caller must hold r.mu.
func (r *Registry) pruneLocked() {
	if len(r.workers) < pruneCeiling {
		return
	}
	cutoff := r.now().Add(-pruneAge)
	for id, w := range r.workers {
		if !w.Status.Terminal() {
			continue
		}
		completed := w.CompletedAt
		if completed.IsZero() {
			// No completion time recorded: treat as just now, keep it.
			continue
		}
		if completed.Before(cutoff) {
			delete(r.workers, id)
		}
	}
}

func (r *Registry) publish(topic string, data map[string]any) {
	if r.bus != nil {
		r.bus.Publish(topic, data)
	}
}

func (r *Registry) publishTransition(id string, oldStatus, newStatus Status) {
	r.publish("worker:transition:"+string(oldStatus)+":"+string(newStatus), map[string]any{
		"id": id,
	})
	r.publish("worker:status_changed", map[string]any{
		"id":         id,
		"old_status": string(oldStatus),
		"new_status": string(newStatus),
	})
}
