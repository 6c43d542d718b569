package registry

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"sort"
	"time"

	"go.uber.org/zap"
)

// load reads the JSON mirror into the in-memory map. A missing file is a
// clean first start; a corrupt file resets the map to empty without failing.
func (r *Registry) load() {
	data, err := os.ReadFile(r.path)
	if err != nil {
		if !os.IsNotExist(err) {
			r.logger.Warn("registry mirror unreadable, starting empty",
				zap.String("path", r.path), zap.Error(err))
		}
		return
	}

	var records []Worker
	if err := json.Unmarshal(data, &records); err != nil {
		r.logger.Warn("registry mirror corrupt, starting empty",
			zap.String("path", r.path), zap.Error(err))
		return
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	for i := range records {
		w := records[i]
		// Process handles do not survive a restart.
		w.PID = 0
		r.workers[w.ID] = &w
	}
}

// persistLoop flushes the mirror whenever the dirty flag is set.
func (r *Registry) persistLoop(ctx context.Context) {
	defer close(r.done)

	ticker := time.NewTicker(persistInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-r.stop:
			return
		case <-ticker.C:
			r.mu.Lock()
			dirty := r.dirty
			r.mu.Unlock()
			if dirty {
				r.flush()
			}
		}
	}
}

// flush writes the full record set to a temp file in the mirror's directory
// and renames it into place. Persistence errors are logged, never surfaced:
// in-memory truth is authoritative and the next mutation retries.
func (r *Registry) flush() {
	r.mu.Lock()
	records := make([]Worker, 0, len(r.workers))
	for _, w := range r.workers {
		records = append(records, w.clone())
	}
	r.dirty = false
	r.mu.Unlock()

	sort.Slice(records, func(i, j int) bool { return records[i].ID < records[j].ID })

	data, err := json.MarshalIndent(records, "", "  ")
	if err != nil {
		r.logger.Error("registry marshal failed", zap.Error(err))
		return
	}

	dir := filepath.Dir(r.path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		r.logger.Error("registry dir create failed", zap.String("dir", dir), zap.Error(err))
		r.markDirty()
		return
	}

	tmp, err := os.CreateTemp(dir, ".registry-*.json")
	if err != nil {
		r.logger.Error("registry temp create failed", zap.Error(err))
		r.markDirty()
		return
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
		r.logger.Error("registry temp write failed", zap.Error(err))
		r.markDirty()
		return
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpName)
		r.logger.Error("registry temp close failed", zap.Error(err))
		r.markDirty()
		return
	}
	if err := os.Rename(tmpName, r.path); err != nil {
		_ = os.Remove(tmpName)
		r.logger.Error("registry rename failed", zap.Error(err))
		r.markDirty()
		return
	}
}

func (r *Registry) markDirty() {
	r.mu.Lock()
	r.dirty = true
	r.mu.Unlock()
}
