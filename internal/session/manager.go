package session

import (
	"context"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/earbridge/earbridge/internal/bus"
	"github.com/earbridge/earbridge/internal/observe"
)

// Manager owns all sessions: creation on first contact, tab order, focus,
// and stale cleanup. Tab order is insertion order and survives renames.
type Manager struct {
	mu      sync.Mutex
	byID    map[string]*Session
	order   []string
	focused string

	collab       Collaborator
	staleTimeout time.Duration

	pub bus.Publisher
	met *observe.Metrics
	log *slog.Logger
	now func() time.Time
}

// ManagerConfig configures a [Manager]. Zero values get defaults.
type ManagerConfig struct {
	// StaleTimeout is the inactivity span after which CleanupStale removes
	// a session. Defaults to one hour.
	StaleTimeout time.Duration

	// Collaborator presents items; each new session's drain loop is
	// started against it. Nil means drain loops are not started (tests).
	Collaborator Collaborator

	Publisher bus.Publisher
	Metrics   *observe.Metrics
	Logger    *slog.Logger
	Now       func() time.Time
}

// NewManager builds an empty manager.
func NewManager(cfg ManagerConfig) *Manager {
	if cfg.StaleTimeout <= 0 {
		cfg.StaleTimeout = time.Hour
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Manager{
		byID:         map[string]*Session{},
		collab:       cfg.Collaborator,
		staleTimeout: cfg.StaleTimeout,
		pub:          cfg.Publisher,
		met:          cfg.Metrics,
		log:          cfg.Logger,
		now:          cfg.Now,
	}
}

// GetOrCreate returns the session for id, creating it on first contact.
// The first session created becomes focused.
func (m *Manager) GetOrCreate(id string) *Session {
	m.mu.Lock()
	if s, ok := m.byID[id]; ok {
		m.mu.Unlock()
		return s
	}
	s := newSession(id, m.pub, m.log.With("session", id), m.now)
	s.met = m.met
	m.byID[id] = s
	m.order = append(m.order, id)
	if m.focused == "" {
		m.focused = id
	}
	collab := m.collab
	m.mu.Unlock()

	if m.met != nil {
		m.met.ActiveSessions.Add(context.Background(), 1)
	}
	if collab != nil {
		s.StartDrain(collab)
	}
	if m.pub != nil {
		m.pub.Emit(bus.EventSessionCreated, id, map[string]any{"name": s.Name()})
	}
	m.log.Info("session created", "session", id)
	return s
}

// Get returns the session for id, or nil.
func (m *Manager) Get(id string) *Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.byID[id]
}

// FindByName returns the first session whose display name matches, or nil.
func (m *Manager) FindByName(name string) *Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, id := range m.order {
		if s := m.byID[id]; s != nil && s.Name() == name {
			return s
		}
	}
	return nil
}

// Remove deletes a session, cancelling its pending items and stopping its
// drain loop. Focus moves to the nearest remaining tab.
func (m *Manager) Remove(id string) bool {
	m.mu.Lock()
	s, ok := m.byID[id]
	if !ok {
		m.mu.Unlock()
		return false
	}
	delete(m.byID, id)
	idx := slices.Index(m.order, id)
	m.order = slices.Delete(m.order, idx, idx+1)
	if m.focused == id {
		m.focused = ""
		if len(m.order) > 0 {
			if idx >= len(m.order) {
				idx = len(m.order) - 1
			}
			m.focused = m.order[idx]
		}
	}
	m.mu.Unlock()

	s.CancelAllPending()
	s.close()
	if m.met != nil {
		m.met.ActiveSessions.Add(context.Background(), -1)
	}
	if m.pub != nil {
		m.pub.Emit(bus.EventSessionRemoved, id, map[string]any{"name": s.Name()})
	}
	m.log.Info("session removed", "session", id)
	return true
}

// ── Focus & tab navigation ──────────────────────────────────────────────────

// Focused returns the focused session, or nil when there are none.
func (m *Manager) Focused() *Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.byID[m.focused]
}

// Focus moves focus to id. Returns false for unknown ids.
func (m *Manager) Focus(id string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.byID[id]; !ok {
		return false
	}
	m.focused = id
	return true
}

// NextTab moves focus one tab right, wrapping, and returns the new focus.
func (m *Manager) NextTab() *Session { return m.step(1) }

// PrevTab moves focus one tab left, wrapping, and returns the new focus.
func (m *Manager) PrevTab() *Session { return m.step(-1) }

func (m *Manager) step(delta int) *Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.order) == 0 {
		return nil
	}
	idx := slices.Index(m.order, m.focused)
	if idx < 0 {
		idx = 0
	} else {
		idx = (idx + delta + len(m.order)) % len(m.order)
	}
	m.focused = m.order[idx]
	return m.byID[m.focused]
}

// NextWithChoices moves focus to the next session (tab order, wrapping)
// that has an active choices presentation or a non-empty inbox, skipping
// the current focus. Returns nil when no other session needs attention.
func (m *Manager) NextWithChoices() *Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.order) == 0 {
		return nil
	}
	start := slices.Index(m.order, m.focused)
	if start < 0 {
		start = 0
	}
	for i := 1; i <= len(m.order); i++ {
		id := m.order[(start+i)%len(m.order)]
		s := m.byID[id]
		if s == nil || id == m.focused {
			continue
		}
		if s.Active() || s.InboxLen() > 0 {
			m.focused = id
			return s
		}
	}
	return nil
}

// All returns the sessions in tab order.
func (m *Manager) All() []*Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*Session, 0, len(m.order))
	for _, id := range m.order {
		out = append(out, m.byID[id])
	}
	return out
}

// Count returns the number of live sessions.
func (m *Manager) Count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.byID)
}

// ── Cleanup ─────────────────────────────────────────────────────────────────

// CleanupStale removes sessions idle past the stale timeout. The focused
// session and any session with an active presentation or queued items are
// spared regardless of idle time. Returns the removed ids.
func (m *Manager) CleanupStale() []string {
	m.mu.Lock()
	cutoff := m.now().Add(-m.staleTimeout)
	var stale []string
	for _, id := range m.order {
		s := m.byID[id]
		if id == m.focused || s.Active() || s.InboxLen() > 0 {
			continue
		}
		if s.LastActivity().Before(cutoff) {
			stale = append(stale, id)
		}
	}
	m.mu.Unlock()

	for _, id := range stale {
		m.log.Info("removing stale session", "session", id)
		m.Remove(id)
	}
	return stale
}

// ── Tab bar ─────────────────────────────────────────────────────────────────

// TabBarText renders the tab bar: each session's name with a status glyph.
// ● marks queued or active work and masks the health glyphs — an agent
// waiting on the operator is not stuck. Otherwise ⚠ warning, ✗
// unresponsive. The focused tab is bracketed.
func (m *Manager) TabBarText() string {
	m.mu.Lock()
	ids := slices.Clone(m.order)
	focused := m.focused
	m.mu.Unlock()

	var b strings.Builder
	for i, id := range ids {
		s := m.Get(id)
		if s == nil {
			continue
		}
		if i > 0 {
			b.WriteString("  ")
		}
		label := s.Name()
		switch {
		case s.Active() || s.InboxLen() > 0:
			label = "● " + label
		case s.Health() == HealthUnresponsive:
			label = "✗ " + label
		case s.Health() == HealthWarning:
			label = "⚠ " + label
		}
		if id == focused {
			b.WriteString("[" + label + "]")
		} else {
			b.WriteString(label)
		}
	}
	return b.String()
}
