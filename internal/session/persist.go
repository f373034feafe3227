package session

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// persistCap bounds the persisted speech log and history; the in-memory
// caps are larger, but only the last 100 entries survive a restart.
const persistCap = 100

// persistedSession is the on-disk shape of one registered session. Identity,
// activity counters and the log tails survive a restart; inbox state never
// does. Timestamps are epoch seconds.
type persistedSession struct {
	SessionID     string            `json:"session_id"`
	Name          string            `json:"name"`
	Cwd           string            `json:"cwd"`
	Hostname      string            `json:"hostname,omitempty"`
	TmuxSession   string            `json:"tmux_session,omitempty"`
	TmuxPane      string            `json:"tmux_pane,omitempty"`
	Voice         string            `json:"voice,omitempty"`
	Emotion       string            `json:"emotion,omitempty"`
	Metadata      map[string]string `json:"metadata,omitempty"`
	SpeechLog     []SpeechEntry     `json:"speech_log,omitempty"`
	History       []HistoryEntry    `json:"history,omitempty"`
	ToolCallCount uint64            `json:"tool_call_count"`
	LastToolName  string            `json:"last_tool_name,omitempty"`
	LastToolCall  float64           `json:"last_tool_call,omitempty"`
}

// Store persists registered sessions across broker restarts, keyed by
// name plus working directory. Load once at startup, then Restore each
// session as it registers.
type Store struct {
	path string

	mu    sync.Mutex
	saved []persistedSession
}

// NewStore builds a store writing to path.
func NewStore(path string) *Store { return &Store{path: path} }

// Save writes every registered session. The write is atomic: a temp file in
// the same directory is renamed over the target.
func (st *Store) Save(m *Manager) error {
	var out []persistedSession
	for _, s := range m.All() {
		s.mu.Lock()
		if !s.registered {
			s.mu.Unlock()
			continue
		}
		meta := make(map[string]string, len(s.metadata))
		for k, v := range s.metadata {
			meta[k] = v
		}
		out = append(out, persistedSession{
			SessionID:     s.ID,
			Name:          s.name,
			Cwd:           s.cwd,
			Hostname:      s.hostname,
			TmuxSession:   s.tmuxSession,
			TmuxPane:      s.tmuxPane,
			Voice:         s.voice,
			Emotion:       s.emotion,
			Metadata:      meta,
			SpeechLog:     tail(s.speechLog, persistCap),
			History:       tail(s.history, persistCap),
			ToolCallCount: s.toolCallCount,
			LastToolName:  s.lastToolName,
			LastToolCall:  tsec(s.lastToolCall),
		})
		s.mu.Unlock()
	}

	data, err := json.MarshalIndent(out, "", "  ")
	if err != nil {
		return fmt.Errorf("marshaling sessions: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(st.path), 0o755); err != nil {
		return fmt.Errorf("creating state dir: %w", err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(st.path), "sessions-*.json")
	if err != nil {
		return fmt.Errorf("creating temp file: %w", err)
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return fmt.Errorf("writing sessions: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("closing temp file: %w", err)
	}
	if err := os.Rename(tmp.Name(), st.path); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("replacing sessions file: %w", err)
	}
	return nil
}

// Load reads the persisted set into the store. A missing file is an empty
// set, not an error; a corrupt file is.
func (st *Store) Load() error {
	data, err := os.ReadFile(st.path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("reading sessions file: %w", err)
	}
	var out []persistedSession
	if err := json.Unmarshal(data, &out); err != nil {
		return fmt.Errorf("parsing sessions file %s: %w", st.path, err)
	}
	st.mu.Lock()
	st.saved = out
	st.mu.Unlock()
	return nil
}

// SavedCount returns how many sessions the last Load found.
func (st *Store) SavedCount() int {
	st.mu.Lock()
	defer st.mu.Unlock()
	return len(st.saved)
}

// Restore matches a freshly-registering session against the loaded set by
// name and working directory. On a hit the saved logs are prepended to
// whatever the session has already accumulated (additive), while the
// activity counters are replaced, so history survives agent restarts.
// Returns true on a hit.
func (st *Store) Restore(s *Session) bool {
	st.mu.Lock()
	saved := st.saved
	st.mu.Unlock()

	s.mu.Lock()
	defer s.mu.Unlock()
	for _, p := range saved {
		if p.Name != s.name || p.Cwd != s.cwd {
			continue
		}
		old := tail(p.SpeechLog, 0)
		for i := range old {
			old[i].Played = true
		}
		s.speechLog = capTail(append(old, s.speechLog...), speechLogCap)
		s.history = capTail(append(tail(p.History, 0), s.history...), historyCap)
		s.toolCallCount = p.ToolCallCount
		if p.LastToolName != "" {
			s.lastToolName = p.LastToolName
		}
		// The activity clock never moves backwards: restoring a stale
		// timestamp would make the health monitor flag a live agent.
		if ts := time.Unix(0, int64(p.LastToolCall*1e9)); p.LastToolCall > 0 && ts.After(s.lastToolCall) {
			s.lastToolCall = ts
		}
		if s.voice == "" {
			s.voice = p.Voice
		}
		if s.emotion == "" {
			s.emotion = p.Emotion
		}
		for k, v := range p.Metadata {
			if _, ok := s.metadata[k]; !ok {
				s.metadata[k] = v
			}
		}
		return true
	}
	return false
}

func capTail[T any](in []T, max int) []T {
	if len(in) > max {
		return in[len(in)-max:]
	}
	return in
}
