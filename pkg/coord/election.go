package coord

import (
	"fmt"
	"sort"
	"time"
)

// ElectionResult resolves an election future.
type ElectionResult struct {
	Winner   string            `json:"winner"`
	Votes    map[string]string `json:"votes"` // voter -> candidate
	TimedOut bool              `json:"timed_out"`
}

type election struct {
	id         string
	candidates map[string]bool
	votes      map[string]string
	timer      *time.Timer
	result     chan ElectionResult
	resolved   bool
}

// ConductElection starts an election over the candidate set and returns a
// future. The election resolves when every candidate has voted, or at the
// deadline; the winner is the candidate with the most votes, ties broken by
// the lexicographically smallest candidate id.
func (c *Coordinator) ConductElection(id string, candidates []string, timeout time.Duration) (<-chan ElectionResult, error) {
	if id == "" || len(candidates) == 0 {
		return nil, fmt.Errorf("election id and candidates required")
	}

	c.mu.Lock()
	if _, exists := c.elections[id]; exists {
		c.mu.Unlock()
		return nil, fmt.Errorf("election %s already exists", id)
	}
	e := &election{
		id:         id,
		candidates: make(map[string]bool, len(candidates)),
		votes:      make(map[string]string),
		result:     make(chan ElectionResult, 1),
	}
	for _, cand := range candidates {
		e.candidates[cand] = true
	}
	c.elections[id] = e
	e.timer = time.AfterFunc(timeout, func() { c.resolveElection(id, true) })
	c.mu.Unlock()

	c.publish("election:in_progress", map[string]any{
		"election_id": id, "candidates": candidates,
	})
	c.broadcast(KindLeaderElection, map[string]any{
		"action": "started", "election_id": id, "candidates": candidates,
	})
	return e.result, nil
}

// CastVote records one vote. A voter may not revote; a vote for an unknown
// candidate is rejected. When every candidate has voted the election
// resolves early.
func (c *Coordinator) CastVote(electionID, voter, candidate string) error {
	c.mu.Lock()
	e, ok := c.elections[electionID]
	if !ok {
		c.mu.Unlock()
		return &NotFoundError{Kind: "election", ID: electionID}
	}
	if e.resolved {
		c.mu.Unlock()
		return fmt.Errorf("election %s already resolved", electionID)
	}
	if !e.candidates[candidate] {
		c.mu.Unlock()
		return fmt.Errorf("unknown candidate %s", candidate)
	}
	if _, voted := e.votes[voter]; voted {
		c.mu.Unlock()
		return fmt.Errorf("voter %s already voted", voter)
	}
	e.votes[voter] = candidate
	allVoted := true
	for cand := range e.candidates {
		if _, ok := e.votes[cand]; !ok {
			allVoted = false
			break
		}
	}
	c.mu.Unlock()

	if allVoted {
		c.resolveElection(electionID, false)
	}
	return nil
}

// resolveElection tallies and resolves; safe to call from the deadline
// timer and the early-resolve path concurrently.
func (c *Coordinator) resolveElection(id string, timedOut bool) {
	c.mu.Lock()
	e, ok := c.elections[id]
	if !ok || e.resolved {
		c.mu.Unlock()
		return
	}
	e.resolved = true
	e.timer.Stop()

	votes := make(map[string]string, len(e.votes))
	for voter, cand := range e.votes {
		votes[voter] = cand
	}
	winner := tally(e.candidates, votes)
	e.result <- ElectionResult{Winner: winner, Votes: votes, TimedOut: timedOut}
	c.mu.Unlock()

	topic := "election:completed"
	if timedOut {
		topic = "election:timeout"
	}
	c.publish(topic, map[string]any{
		"election_id": id, "winner": winner, "votes": len(votes),
	})
	c.broadcast(KindLeaderElection, map[string]any{
		"action": "completed", "election_id": id, "winner": winner,
	})
}

// DropElection forgets a resolved election.
func (c *Coordinator) DropElection(id string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if e, ok := c.elections[id]; ok {
		e.timer.Stop()
		delete(c.elections, id)
	}
}

// tally returns the candidate with the most votes, ties broken by the
// lexicographically smallest candidate id. With no votes at all, the
// smallest candidate id wins.
func tally(candidates map[string]bool, votes map[string]string) string {
	counts := make(map[string]int, len(candidates))
	for cand := range candidates {
		counts[cand] = 0
	}
	for _, cand := range votes {
		counts[cand]++
	}

	ids := make([]string, 0, len(counts))
	for cand := range counts {
		ids = append(ids, cand)
	}
	sort.Strings(ids)

	winner := ""
	best := -1
	for _, cand := range ids {
		if counts[cand] > best {
			winner = cand
			best = counts[cand]
		}
	}
	return winner
}
