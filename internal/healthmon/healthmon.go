// Package healthmon watches agent sessions for silence. A session that has
// not made a tool call for the warning threshold gets flagged; past the
// unresponsive threshold it is alerted on and, when its process is gone or
// unknowable, cleaned up.
package healthmon

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/earbridge/earbridge/internal/bus"
	"github.com/earbridge/earbridge/internal/config"
	"github.com/earbridge/earbridge/internal/notify"
	"github.com/earbridge/earbridge/internal/session"
	"github.com/earbridge/earbridge/internal/tts"
)

// deadGrace is how long a dead-process session is kept before cleanup.
const deadGrace = 5 * time.Minute

// Notifier is the outbound notification sink. *notify.Dispatcher satisfies
// it.
type Notifier interface {
	Notify(n notify.Note)
}

// ProcessProbe reports whether the session's agent process is still alive.
// known is false when the session carries no process locator.
type ProcessProbe func(s *session.Session) (alive, known bool)

// Config wires a [Monitor]. Sessions is required.
type Config struct {
	Sessions *session.Manager
	Bus      bus.Publisher
	Notify   Notifier
	TTS      *tts.Engine
	Health   config.HealthConfig
	Probe    ProcessProbe
	Logger   *slog.Logger
	Now      func() time.Time
}

// Monitor is the periodic session health sweeper.
type Monitor struct {
	sessions *session.Manager
	pub      bus.Publisher
	notify   Notifier
	tts      *tts.Engine
	probe    ProcessProbe
	log      *slog.Logger
	now      func() time.Time

	interval  time.Duration
	warnAfter time.Duration
	deadAfter time.Duration
	stop      chan struct{}
	stopOnce  sync.Once
}

// New builds a monitor; zero durations fall back to defaults.
func New(cfg Config) *Monitor {
	def := config.Default().Health
	if cfg.Health.CheckInterval <= 0 {
		cfg.Health.CheckInterval = def.CheckInterval
	}
	if cfg.Health.WarningAfter <= 0 {
		cfg.Health.WarningAfter = def.WarningAfter
	}
	if cfg.Health.UnresponsiveAfter <= 0 {
		cfg.Health.UnresponsiveAfter = def.UnresponsiveAfter
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Monitor{
		sessions:  cfg.Sessions,
		pub:       cfg.Bus,
		notify:    cfg.Notify,
		tts:       cfg.TTS,
		probe:     cfg.Probe,
		log:       cfg.Logger,
		now:       cfg.Now,
		interval:  cfg.Health.CheckInterval,
		warnAfter: cfg.Health.WarningAfter,
		deadAfter: cfg.Health.UnresponsiveAfter,
		stop:      make(chan struct{}),
	}
}

// Start launches the sweep goroutine.
func (m *Monitor) Start() {
	go m.run()
}

// Stop halts the sweep goroutine. Safe to call more than once.
func (m *Monitor) Stop() {
	m.stopOnce.Do(func() { close(m.stop) })
}

func (m *Monitor) run() {
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()
	for {
		select {
		case <-m.stop:
			return
		case <-ticker.C:
			m.sweep()
		}
	}
}

// sweep evaluates every session once. Active sessions are skipped: they are
// waiting on the operator, not stuck.
func (m *Monitor) sweep() {
	now := m.now()
	focused := m.sessions.Focused()

	for _, s := range m.sessions.All() {
		if s.Active() {
			continue
		}
		last := s.LastToolCall()
		if last.IsZero() {
			last = s.LastActivity()
		}
		if last.IsZero() {
			continue
		}
		elapsed := now.Sub(last)

		verdict := session.HealthHealthy
		switch {
		case elapsed >= m.deadAfter:
			verdict = session.HealthUnresponsive
		case elapsed >= m.warnAfter:
			verdict = session.HealthWarning
		}

		if s.SetHealth(verdict) {
			m.alert(s, verdict, elapsed)
		}

		if s != focused && m.shouldCleanup(s, elapsed) {
			m.cleanup(s, elapsed)
		}
	}
}

// alert fires once per transition into warning or unresponsive.
func (m *Monitor) alert(s *session.Session, verdict session.HealthStatus, elapsed time.Duration) {
	name := s.Name()
	mins := int(elapsed.Minutes())
	m.log.Warn("session health degraded",
		"session", s.ID, "name", name, "status", verdict, "elapsed", elapsed)

	eventType := bus.EventHealthWarning
	title := "Session warning: " + name
	tags := []string{"warning"}
	if verdict == session.HealthUnresponsive {
		eventType = bus.EventHealthUnresponsive
		title = "Session unresponsive: " + name
		tags = []string{"rotating_light"}
	}
	msg := fmt.Sprintf("No tool calls from %s for %d minutes.", name, mins)

	if m.pub != nil {
		m.pub.Emit(eventType, s.ID, map[string]any{
			"name":            name,
			"elapsed_seconds": elapsed.Seconds(),
		})
	}
	if m.notify != nil {
		m.notify.Notify(notify.Note{
			EventType:   string(eventType),
			Title:       title,
			Message:     msg,
			SessionName: name,
			SessionID:   s.ID,
			Tags:        tags,
		})
	}
	if m.tts != nil {
		m.tts.SpeakAsync(msg, tts.Options{})
	}
}

// shouldCleanup decides whether an unfocused, silent session gets removed:
// its process is known-dead and past the grace period, or nothing can vouch
// for it at all once the unresponsive threshold has passed.
func (m *Monitor) shouldCleanup(s *session.Session, elapsed time.Duration) bool {
	if m.probe != nil {
		alive, known := m.probe(s)
		if known {
			return !alive && elapsed > deadGrace
		}
	}
	return elapsed >= m.deadAfter
}

// cleanup force-cancels everything pending and removes the session.
func (m *Monitor) cleanup(s *session.Session, elapsed time.Duration) {
	m.log.Info("removing dead session",
		"session", s.ID, "name", s.Name(), "elapsed", elapsed)
	s.CancelAllPending()
	m.sessions.Remove(s.ID)
}
