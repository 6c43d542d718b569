// Package msgbus routes typed messages between workers through per-worker
// priority queues. Every message is durably persisted to its own file until
// it reaches a terminal state; delivery is retried with exponential backoff
// up to the retry ceiling.
package msgbus

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Priority orders messages within a queue; numerically smaller delivers
// first.
type Priority int

// Message priorities.
const (
	PriorityCritical Priority = 0
	PriorityHigh     Priority = 1
	PriorityNormal   Priority = 2
	PriorityLow      Priority = 3
)

// Valid reports whether p is a known priority.
func (p Priority) Valid() bool {
	return p >= PriorityCritical && p <= PriorityLow
}

// Status is a message delivery state.
type Status string

// Message delivery states. Delivered and Failed are terminal: the message
// leaves all queues and its durable file is removed.
const (
	StatusPending   Status = "pending"
	StatusRetrying  Status = "retrying"
	StatusDelivered Status = "delivered"
	StatusFailed    Status = "failed"
)

// Terminal reports whether s ends the message lifecycle.
func (s Status) Terminal() bool {
	return s == StatusDelivered || s == StatusFailed
}

// SourceOrchestrator marks messages originated by the engine rather than a
// worker.
const SourceOrchestrator = "orchestrator"

// Message is a durable routed record.
type Message struct {
	ID          string          `json:"id"`
	Kind        string          `json:"kind"`
	Source      string          `json:"source"`
	Target      string          `json:"target"`
	Worktree    string          `json:"worktree,omitempty"`
	Payload     json.RawMessage `json:"payload,omitempty"`
	Priority    Priority        `json:"priority"`
	Status      Status          `json:"status"`
	RetryCount  int             `json:"retry_count"`
	CreatedAt   time.Time       `json:"created_at"`
	DeliveredAt time.Time       `json:"delivered_at,omitzero"`
	FailedAt    time.Time       `json:"failed_at,omitzero"`
	Error       string          `json:"error,omitempty"`
	Timeout     time.Duration   `json:"timeout,omitempty"`
	Metadata    map[string]any  `json:"metadata,omitempty"`

	// seq fixes FIFO order within a priority level. Assigned at enqueue,
	// re-assigned on rehydration in created-at order.
	seq int64
}

// Option customizes a new message.
type Option func(*Message)

// WithPriority sets the priority.
func WithPriority(p Priority) Option {
	return func(m *Message) { m.Priority = p }
}

// WithWorktree scopes the message to a worktree queue bucket.
func WithWorktree(path string) Option {
	return func(m *Message) { m.Worktree = path }
}

// WithTimeout bounds how long the message may wait for delivery.
func WithTimeout(d time.Duration) Option {
	return func(m *Message) { m.Timeout = d }
}

// WithMetadata attaches opaque metadata.
func WithMetadata(md map[string]any) Option {
	return func(m *Message) { m.Metadata = md }
}

// NewMessage builds a pending message with a fresh id and priority NORMAL.
// The payload is serialized immediately so the message is self-contained.
func NewMessage(kind, source, target string, payload any, opts ...Option) (Message, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return Message{}, fmt.Errorf("marshal payload: %w", err)
	}
	m := Message{
		ID:        uuid.NewString(),
		Kind:      kind,
		Source:    source,
		Target:    target,
		Payload:   data,
		Priority:  PriorityNormal,
		Status:    StatusPending,
		CreatedAt: time.Now().UTC(),
	}
	for _, opt := range opts {
		opt(&m)
	}
	return m, nil
}

// QueueFullError reports a send rejected because the target queue is at
// capacity.
type QueueFullError struct {
	Target   string
	Worktree string
	Cap      int
}

func (e *QueueFullError) Error() string {
	return fmt.Sprintf("queue for %s full (cap %d)", e.Target, e.Cap)
}

// snapshot returns the event payload form of a message.
func (m *Message) snapshot() map[string]any {
	out := map[string]any{
		"id":          m.ID,
		"kind":        m.Kind,
		"source":      m.Source,
		"target":      m.Target,
		"priority":    int(m.Priority),
		"status":      string(m.Status),
		"retry_count": m.RetryCount,
	}
	if m.Worktree != "" {
		out["worktree"] = m.Worktree
	}
	if m.Error != "" {
		out["error"] = m.Error
	}
	return out
}
