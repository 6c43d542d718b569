package coord

import (
	"fmt"
	"hash/fnv"
)

// Partition strategies.
const (
	StrategyRoundRobin = "round-robin"
	StrategyHash       = "hash"
)

// Partition is one slice of a task assigned to one agent.
type Partition struct {
	PartitionID string         `json:"partition_id"`
	AgentIndex  int            `json:"agent_index"`
	Task        map[string]any `json:"task"`
}

// PartitionTask splits a task into n partition descriptors. Round-robin
// assigns partition i to agent i; hash rotates the assignment by the FNV
// hash of the task's partition key ("partition_key" or "key"), falling back
// to round-robin when neither is present. Same inputs always produce the
// same output.
func PartitionTask(task map[string]any, n int, strategy string) ([]Partition, error) {
	if n < 1 {
		return nil, fmt.Errorf("agent count must be at least 1, got %d", n)
	}
	switch strategy {
	case StrategyRoundRobin, StrategyHash, "":
	default:
		return nil, fmt.Errorf("unknown partition strategy %q", strategy)
	}

	offset := 0
	if strategy == StrategyHash {
		if key, ok := partitionKey(task); ok {
			h := fnv.New32a()
			_, _ = h.Write([]byte(key))
			offset = int(h.Sum32() % uint32(n)) //nolint:gosec // n is small and positive
		}
	}

	out := make([]Partition, n)
	for i := 0; i < n; i++ {
		sub := make(map[string]any, len(task)+2)
		for k, v := range task {
			sub[k] = v
		}
		sub["partition_index"] = i
		sub["total_partitions"] = n

		out[i] = Partition{
			PartitionID: fmt.Sprintf("p%d", i),
			AgentIndex:  (i + offset) % n,
			Task:        sub,
		}
	}
	return out, nil
}

func partitionKey(task map[string]any) (string, bool) {
	for _, field := range []string{"partition_key", "key"} {
		if v, ok := task[field]; ok {
			if s, ok := v.(string); ok && s != "" {
				return s, true
			}
		}
	}
	return "", false
}
