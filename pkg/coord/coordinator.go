// Package coord provides host-local coordination primitives over the known
// worker set: barrier synchronization, leader election by vote, and task
// partitioning. Barriers and elections resolve through futures (buffered
// result channels); progress is observable on the event bus, and
// participating workers are notified through the message bus.
package coord

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"hive/pkg/eventbus"
	"hive/pkg/msgbus"
)

// Message kinds broadcast to workers during coordination.
const (
	KindBarrierSync    = "barrier_sync"
	KindLeaderElection = "leader_election"
)

// NotFoundError reports an unknown barrier or election id.
type NotFoundError struct {
	Kind string
	ID   string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s %s not found", e.Kind, e.ID)
}

// Coordinator tracks all live barriers and elections.
type Coordinator struct {
	mu        sync.Mutex
	barriers  map[string]*barrier
	elections map[string]*election

	events *eventbus.Bus
	msgs   *msgbus.Bus
	logger *zap.Logger
}

// New creates a Coordinator. msgs may be nil; worker notification is then
// skipped and only bus events are emitted.
func New(events *eventbus.Bus, msgs *msgbus.Bus, logger *zap.Logger) *Coordinator {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Coordinator{
		barriers:  make(map[string]*barrier),
		elections: make(map[string]*election),
		events:    events,
		msgs:      msgs,
		logger:    logger,
	}
}

func (c *Coordinator) publish(topic string, data map[string]any) {
	if c.events != nil {
		c.events.Publish(topic, data)
	}
}

func (c *Coordinator) broadcast(kind string, payload map[string]any) {
	if c.msgs != nil {
		c.msgs.Broadcast(context.Background(), kind, msgbus.SourceOrchestrator,
			payload, msgbus.PriorityHigh, msgbus.BroadcastOpts{})
	}
}
