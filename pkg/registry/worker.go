// Package registry maintains the durable index of workers. It is the single
// owner of Worker records: all mutation goes through the Registry actor and
// readers get copies. The index is mirrored to a JSON file with atomic
// rename so a crashed engine can rehydrate on restart.
package registry

import (
	"fmt"
	"time"
)

// Status is a worker lifecycle state.
type Status string

// Worker lifecycle states. Transitions are monotone except Terminating,
// which stages a Completed or Failed outcome.
const (
	StatusPending     Status = "pending"
	StatusActive      Status = "active"
	StatusTerminating Status = "terminating"
	StatusCompleted   Status = "completed"
	StatusFailed      Status = "failed"
)

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusActive, StatusTerminating, StatusCompleted, StatusFailed:
		return true
	}
	return false
}

// Terminal reports whether s is an end state.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// Worker is the registry's record of one orchestrated unit of work.
type Worker struct {
	ID           string         `json:"id"`
	Name         string         `json:"name"`
	Type         string         `json:"type,omitempty"`
	Status       Status         `json:"status"`
	Project      string         `json:"project"`
	BaseRevision string         `json:"base_revision"`
	Branch       string         `json:"branch"`
	WorktreePath string         `json:"worktree_path"`
	Task         string         `json:"task,omitempty"`
	PID          int            `json:"pid,omitempty"`
	CreatedAt    time.Time      `json:"created_at"`
	StartedAt    time.Time      `json:"started_at,omitzero"`
	CompletedAt  time.Time      `json:"completed_at,omitzero"`
	Error        string         `json:"error,omitempty"`
	Metadata     map[string]any `json:"metadata,omitempty"`
}

// clone returns a deep copy safe to hand outside the registry lock.
func (w Worker) clone() Worker {
	if w.Metadata != nil {
		md := make(map[string]any, len(w.Metadata))
		for k, v := range w.Metadata {
			md[k] = v
		}
		w.Metadata = md
	}
	return w
}

// NotFoundError is returned when a worker id is absent from the index.
type NotFoundError struct {
	ID string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("worker %s not found", e.ID)
}

// Patch describes a partial update to a Worker record. Nil fields are left
// untouched. Metadata entries are merged key by key.
type Patch struct {
	Status      *Status
	PID         *int
	Task        *string
	Error       *string
	StartedAt   *time.Time
	CompletedAt *time.Time
	Metadata    map[string]any
}

// validate rejects patches that would corrupt the record.
func (p Patch) validate() error {
	if p.Status != nil && !p.Status.Valid() {
		return fmt.Errorf("invalid status %q", *p.Status)
	}
	if p.StartedAt != nil && p.StartedAt.IsZero() {
		return fmt.Errorf("started_at must be a positive timestamp")
	}
	if p.CompletedAt != nil && p.CompletedAt.IsZero() {
		return fmt.Errorf("completed_at must be a positive timestamp")
	}
	return nil
}

// Filter selects workers in query operations. Zero fields match everything.
type Filter struct {
	Status  Status
	Project string
}
