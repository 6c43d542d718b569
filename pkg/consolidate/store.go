package consolidate

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"
)

// cacheTTL bounds how stale a read may be before the store goes back to
// disk.
const cacheTTL = 5 * time.Second

// Store persists consolidation records as a JSON array with the same
// atomic-rename discipline as the registry mirror. Reads are served from an
// in-memory cache with a short TTL; all writes go through the owning
// Consolidator.
type Store struct {
	mu       sync.Mutex
	path     string
	logger   *zap.Logger
	cache    map[string]*Consolidation
	cachedAt time.Time
}

// NewStore creates a store backed by the JSON file at path.
func NewStore(path string, logger *zap.Logger) *Store {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Store{path: path, logger: logger}
}

// loadLocked refreshes the cache from disk when the TTL has lapsed.
// Caller must hold s.mu.
func (s *Store) loadLocked() {
	if s.cache != nil && time.Since(s.cachedAt) < cacheTTL {
		return
	}
	s.cache = make(map[string]*Consolidation)
	s.cachedAt = time.Now()

	data, err := os.ReadFile(s.path)
	if err != nil {
		if !os.IsNotExist(err) {
			s.logger.Warn("consolidation store unreadable", zap.Error(err))
		}
		return
	}
	var records []Consolidation
	if err := json.Unmarshal(data, &records); err != nil {
		s.logger.Warn("consolidation store corrupt, starting empty", zap.Error(err))
		return
	}
	for i := range records {
		rec := records[i]
		s.cache[rec.ID] = &rec
	}
}

// flushLocked writes the cache to disk via temp file and rename.
// Caller must hold s.mu.
func (s *Store) flushLocked() {
	records := make([]Consolidation, 0, len(s.cache))
	for _, rec := range s.cache {
		records = append(records, *rec)
	}
	sort.Slice(records, func(i, j int) bool { return records[i].CreatedAt.Before(records[j].CreatedAt) })

	data, err := json.MarshalIndent(records, "", "  ")
	if err != nil {
		s.logger.Error("consolidation marshal failed", zap.Error(err))
		return
	}
	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		s.logger.Error("consolidation dir create failed", zap.Error(err))
		return
	}
	tmp, err := os.CreateTemp(dir, ".consolidations-*.json")
	if err != nil {
		s.logger.Error("consolidation temp create failed", zap.Error(err))
		return
	}
	name := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = os.Remove(name)
		s.logger.Error("consolidation write failed", zap.Error(err))
		return
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(name)
		return
	}
	if err := os.Rename(name, s.path); err != nil {
		_ = os.Remove(name)
		s.logger.Error("consolidation rename failed", zap.Error(err))
	}
}

// Get returns a copy of one record.
func (s *Store) Get(id string) (Consolidation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.loadLocked()
	rec, ok := s.cache[id]
	if !ok {
		return Consolidation{}, &NotFoundError{ID: id}
	}
	return *rec, nil
}

// List returns all records ordered by creation time.
func (s *Store) List() []Consolidation {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.loadLocked()
	out := make([]Consolidation, 0, len(s.cache))
	for _, rec := range s.cache {
		out = append(out, *rec)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

// Put inserts or replaces a record and persists immediately.
func (s *Store) Put(rec Consolidation) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.loadLocked()
	stored := rec
	s.cache[rec.ID] = &stored
	s.flushLocked()
}

// Delete removes a record. Unknown ids return NotFoundError.
func (s *Store) Delete(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.loadLocked()
	if _, ok := s.cache[id]; !ok {
		return &NotFoundError{ID: id}
	}
	delete(s.cache, id)
	s.flushLocked()
	return nil
}
