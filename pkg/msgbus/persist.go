package msgbus

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"go.uber.org/zap"
)

// persist writes the message to its durable file. One file per message,
// removed when the message reaches a terminal state.
func (b *Bus) persist(m *Message) error {
	if b.dir == "" {
		return nil
	}
	if err := os.MkdirAll(b.dir, 0o700); err != nil {
		return err
	}
	data, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return err
	}
	path := b.durablePath(m.ID)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

func (b *Bus) removeDurable(id string) {
	if b.dir == "" {
		return
	}
	if err := os.Remove(b.durablePath(id)); err != nil && !os.IsNotExist(err) {
		b.logger.Warn("durable message remove failed", zap.String("id", id), zap.Error(err))
	}
}

func (b *Bus) durablePath(id string) string {
	return filepath.Join(b.dir, id+".json")
}

// rehydrate loads every non-terminal message from the persistence directory
// back into its queue. Terminal files left behind by a crash are removed.
func (b *Bus) rehydrate() {
	if b.dir == "" {
		return
	}
	entries, err := os.ReadDir(b.dir)
	if err != nil {
		return
	}

	var loaded []*Message
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".json") {
			continue
		}
		path := filepath.Join(b.dir, entry.Name())
		data, err := os.ReadFile(path)
		if err != nil {
			b.logger.Warn("durable message unreadable", zap.String("path", path), zap.Error(err))
			continue
		}
		var m Message
		if err := json.Unmarshal(data, &m); err != nil {
			b.logger.Warn("durable message corrupt, removing", zap.String("path", path), zap.Error(err))
			_ = os.Remove(path)
			continue
		}
		if m.Status.Terminal() {
			_ = os.Remove(path)
			continue
		}
		// A message parked mid-retry resumes as pending.
		m.Status = StatusPending
		loaded = append(loaded, &m)
	}

	// Re-assign FIFO sequence in creation order.
	sort.Slice(loaded, func(i, j int) bool { return loaded[i].CreatedAt.Before(loaded[j].CreatedAt) })

	b.mu.Lock()
	defer b.mu.Unlock()
	for _, m := range loaded {
		b.seq++
		m.seq = b.seq
		key := keyFor(*m)
		b.queues[key] = insertSorted(b.queues[key], m)
	}
	if len(loaded) > 0 {
		b.logger.Info("rehydrated messages", zap.Int("count", len(loaded)))
	}
}
