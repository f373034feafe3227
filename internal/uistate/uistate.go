// Package uistate persists the operator's UI settings as a single shallow
// JSON object on disk. All writes are best-effort: the broker must keep
// running even when the state file is unwritable.
package uistate

import (
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
)

// Store is a tiny key/value store backed by one JSON file. Concurrent
// mutators serialise on the internal mutex; every Set/Toggle performs a
// read-modify-write so external edits between calls are picked up.
type Store struct {
	path string
	log  *slog.Logger

	mu sync.Mutex
}

// New creates a store persisted at path.
func New(path string, log *slog.Logger) *Store {
	if log == nil {
		log = slog.Default()
	}
	return &Store{path: path, log: log}
}

// Get returns the value stored under key, or def when absent.
func (s *Store) Get(key string, def any) any {
	s.mu.Lock()
	defer s.mu.Unlock()
	state := s.load()
	if v, ok := state[key]; ok {
		return v
	}
	return def
}

// Set stores value under key.
func (s *Store) Set(key string, value any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	state := s.load()
	state[key] = value
	s.save(state)
}

// Toggle flips the boolean stored under key and returns the new value.
// A missing or non-boolean value is treated as def.
func (s *Store) Toggle(key string, def bool) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	state := s.load()
	cur := def
	if v, ok := state[key].(bool); ok {
		cur = v
	}
	state[key] = !cur
	s.save(state)
	return !cur
}

// All returns a copy of the whole state object.
func (s *Store) All() map[string]any {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.load()
}

// load reads the state file, tolerating a missing file, an empty file, and
// corrupt JSON — all of which yield an empty object.
func (s *Store) load() map[string]any {
	data, err := os.ReadFile(s.path)
	if err != nil || len(data) == 0 {
		return map[string]any{}
	}
	var state map[string]any
	if err := json.Unmarshal(data, &state); err != nil || state == nil {
		return map[string]any{}
	}
	return state
}

// save writes the state file, creating parent directories. Errors are
// logged and swallowed.
func (s *Store) save(state map[string]any) {
	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		s.log.Debug("uistate: mkdir failed", "path", s.path, "err", err)
		return
	}
	data, err := json.MarshalIndent(state, "", "  ")
	if err != nil {
		s.log.Debug("uistate: marshal failed", "err", err)
		return
	}
	if err := os.WriteFile(s.path, data, 0o644); err != nil {
		s.log.Debug("uistate: write failed", "path", s.path, "err", err)
	}
}
