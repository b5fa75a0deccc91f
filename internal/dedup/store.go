// Package dedup tracks event keys that have already produced a
// notification, persisting the set to disk so restarts do not
// republish. See spec.md §4.2.
package dedup

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sync"

	"go.uber.org/zap"
)

// pruneRatio is the fraction of MaxEvents removed, in insertion order,
// once the store is full. Specified as 20% of the maximum, not of the
// current size — preserve this.
const pruneRatio = 0.2

// MaxEvents bounds the number of keys held in memory.
const MaxEvents = 100_000

// Store is a durable, concurrency-safe set of dedup keys.
type Store struct {
	log       *zap.Logger
	stateFile string

	mu    sync.Mutex
	keys  map[string]struct{}
	order []string // insertion order, for FIFO pruning
}

// New constructs a Store and loads any existing state from
// stateFile. A missing or corrupt state file is never fatal — the
// store simply starts empty.
func New(stateFile string, log *zap.Logger) *Store {
	s := &Store{
		log:       log,
		stateFile: stateFile,
		keys:      make(map[string]struct{}),
	}
	s.loadState()
	return s
}

func (s *Store) loadState() {
	data, err := os.ReadFile(s.stateFile)
	if err != nil {
		if !os.IsNotExist(err) {
			s.log.Warn("failed to read dedup state file, starting fresh", zap.String("path", s.stateFile), zap.Error(err))
		}
		return
	}

	var loaded []string
	if err := json.Unmarshal(data, &loaded); err != nil {
		s.log.Warn("failed to parse dedup state file, starting fresh", zap.String("path", s.stateFile), zap.Error(err))
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for _, k := range loaded {
		if _, exists := s.keys[k]; !exists {
			s.keys[k] = struct{}{}
			s.order = append(s.order, k)
		}
	}
	s.log.Info("loaded dedup state", zap.Int("count", len(loaded)))
}

// IsDuplicate reports whether key has already been marked processed.
func (s *Store) IsDuplicate(key string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.keys[key]
	return ok
}

// MarkProcessed adds key to the store, pruning the oldest entries
// first if the store is already at capacity. Returns true if key was
// newly added.
func (s *Store) MarkProcessed(key string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.keys[key]; exists {
		return false
	}
	if len(s.keys) >= MaxEvents {
		s.pruneLocked()
	}
	s.keys[key] = struct{}{}
	s.order = append(s.order, key)
	return true
}

func (s *Store) pruneLocked() {
	toRemove := int(float64(MaxEvents) * pruneRatio)
	if toRemove > len(s.order) {
		toRemove = len(s.order)
	}
	for i := 0; i < toRemove; i++ {
		delete(s.keys, s.order[i])
	}
	s.order = s.order[toRemove:]
	s.log.Debug("pruned dedup cache", zap.Int("removed", toRemove))
}

// Size returns the number of tracked keys.
func (s *Store) Size() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.keys)
}

// Clear empties the store without touching the state file on disk.
func (s *Store) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.keys = make(map[string]struct{})
	s.order = nil
	s.log.Info("dedup cache cleared")
}

// Close persists the current state and releases resources.
func (s *Store) Close() error {
	err := s.saveState()
	s.log.Info("dedup store closed", zap.Int("count", s.Size()))
	return err
}

// saveState writes the current key set to a temp file, then
// atomically renames it over the real state file, so a crash mid-write
// never corrupts the persisted state.
func (s *Store) saveState() error {
	s.mu.Lock()
	snapshot := make([]string, len(s.order))
	copy(snapshot, s.order)
	s.mu.Unlock()

	if dir := filepath.Dir(s.stateFile); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			s.log.Error("failed to create dedup state directory", zap.Error(err))
			return err
		}
	}

	data, err := json.Marshal(snapshot)
	if err != nil {
		s.log.Error("failed to marshal dedup state", zap.Error(err))
		return err
	}

	tmpPath := s.stateFile + ".tmp"
	if err := os.WriteFile(tmpPath, data, 0o644); err != nil {
		s.log.Error("failed to write dedup state file", zap.Error(err))
		return err
	}
	if err := os.Rename(tmpPath, s.stateFile); err != nil {
		s.log.Error("failed to rename dedup state file into place", zap.Error(err))
		return err
	}

	s.log.Debug("saved dedup state", zap.Int("count", len(snapshot)))
	return nil
}
