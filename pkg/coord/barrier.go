package coord

import (
	"fmt"
	"sort"
	"time"
)

// BarrierResult resolves a barrier future.
type BarrierResult struct {
	Success bool     `json:"success"`
	Arrived []string `json:"arrived"`
}

type barrier struct {
	id       string
	expected map[string]bool
	arrived  map[string]bool
	deadline time.Time
	timer    *time.Timer
	result   chan BarrierResult
	resolved bool
}

func (b *barrier) arrivedList() []string {
	out := make([]string, 0, len(b.arrived))
	for id := range b.arrived {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// CreateBarrier registers a barrier over the expected participant set and
// returns a future that resolves with success when every expected
// participant has signalled, or with failure at the deadline.
func (c *Coordinator) CreateBarrier(id string, expected []string, timeout time.Duration) (<-chan BarrierResult, error) {
	if id == "" || len(expected) == 0 {
		return nil, fmt.Errorf("barrier id and participants required")
	}

	c.mu.Lock()
	if _, exists := c.barriers[id]; exists {
		c.mu.Unlock()
		return nil, fmt.Errorf("barrier %s already exists", id)
	}
	b := &barrier{
		id:       id,
		expected: make(map[string]bool, len(expected)),
		arrived:  make(map[string]bool),
		deadline: time.Now().Add(timeout),
		result:   make(chan BarrierResult, 1),
	}
	for _, p := range expected {
		b.expected[p] = true
	}
	c.barriers[id] = b
	b.timer = time.AfterFunc(timeout, func() { c.timeoutBarrier(id) })
	c.mu.Unlock()

	c.broadcast(KindBarrierSync, map[string]any{
		"action": "created", "barrier_id": id, "expected": expected,
	})
	return b.result, nil
}

// SignalBarrier records a participant's arrival. Signalling twice is a
// no-op; signalling a resolved barrier is accepted but cannot change the
// outcome.
func (c *Coordinator) SignalBarrier(workerID, barrierID string) error {
	c.mu.Lock()
	b, ok := c.barriers[barrierID]
	if !ok {
		c.mu.Unlock()
		return &NotFoundError{Kind: "barrier", ID: barrierID}
	}
	if b.arrived[workerID] {
		c.mu.Unlock()
		return nil
	}
	b.arrived[workerID] = true
	arrived := b.arrivedList()

	complete := false
	if !b.resolved {
		complete = true
		for p := range b.expected {
			if !b.arrived[p] {
				complete = false
				break
			}
		}
		if complete {
			b.resolved = true
			b.timer.Stop()
			b.result <- BarrierResult{Success: true, Arrived: arrived}
		}
	}
	c.mu.Unlock()

	c.publish("barrier:signal", map[string]any{
		"barrier_id": barrierID, "worker": workerID, "arrived": arrived,
	})
	c.broadcast(KindBarrierSync, map[string]any{
		"action": "signal", "barrier_id": barrierID, "worker": workerID,
	})

	if complete {
		c.publish("barrier:complete", map[string]any{
			"barrier_id": barrierID, "arrived": arrived,
		})
		c.broadcast(KindBarrierSync, map[string]any{
			"action": "completed", "barrier_id": barrierID,
		})
	}
	return nil
}

// timeoutBarrier resolves an unfinished barrier as failed at its deadline.
func (c *Coordinator) timeoutBarrier(id string) {
	c.mu.Lock()
	b, ok := c.barriers[id]
	if !ok || b.resolved {
		c.mu.Unlock()
		return
	}
	b.resolved = true
	arrived := b.arrivedList()
	b.result <- BarrierResult{Success: false, Arrived: arrived}
	c.mu.Unlock()

	c.publish("barrier:timeout", map[string]any{
		"barrier_id": id, "arrived": arrived,
	})
}

// DropBarrier forgets a resolved barrier. Late signals after a drop return
// NotFoundError.
func (c *Coordinator) DropBarrier(id string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if b, ok := c.barriers[id]; ok {
		b.timer.Stop()
		delete(c.barriers, id)
	}
}
