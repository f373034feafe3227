// Package bus provides the in-process pub/sub event bus connecting the
// broker core to its frontends (TUI, SSE, WebSocket, notifications).
//
// Each subscriber owns a bounded channel. Publishing never blocks: when a
// subscriber's channel is full the event is dropped for that subscriber only
// and an overflow counter is incremented. Publish order is preserved per
// subscriber.
package bus

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/metric"

	"github.com/earbridge/earbridge/internal/observe"
)

// EventType identifies a frontend event.
type EventType string

const (
	EventSessionCreated     EventType = "session_created"
	EventSessionRemoved     EventType = "session_removed"
	EventChoicesPresented   EventType = "choices_presented"
	EventSelectionMade      EventType = "selection_made"
	EventSpeechRequested    EventType = "speech_requested"
	EventRecordingState     EventType = "recording_state"
	EventSettingsChanged    EventType = "settings_changed"
	EventHealthWarning      EventType = "health_warning"
	EventHealthUnresponsive EventType = "health_unresponsive"
	EventChoicesTimeout     EventType = "choices_timeout"
	EventAgentConnected     EventType = "agent_connected"
	EventAgentDisconnected  EventType = "agent_disconnected"
	EventError              EventType = "error"
	EventPulseDown          EventType = "pulse_down"
	EventPulseRecovered     EventType = "pulse_recovered"
	EventMessageQueued      EventType = "message_queued"
)

// IsValid reports whether t is a recognised event type.
func (t EventType) IsValid() bool {
	switch t {
	case EventSessionCreated, EventSessionRemoved, EventChoicesPresented,
		EventSelectionMade, EventSpeechRequested, EventRecordingState,
		EventSettingsChanged, EventHealthWarning, EventHealthUnresponsive,
		EventChoicesTimeout, EventAgentConnected, EventAgentDisconnected,
		EventError, EventPulseDown, EventPulseRecovered, EventMessageQueued:
		return true
	}
	return false
}

// Event is one frontend event as published on the bus.
type Event struct {
	Type      EventType      `json:"event_type"`
	Data      map[string]any `json:"data"`
	SessionID string         `json:"session_id"`
	Timestamp float64        `json:"timestamp"`
}

// ssePayload is the JSON body of the SSE "data:" line.
type ssePayload struct {
	Data      map[string]any `json:"data"`
	SessionID string         `json:"session_id"`
	Timestamp float64        `json:"timestamp"`
}

// SSE renders the event in Server-Sent Events wire form:
//
//	event: <type>\ndata: <JSON>\n\n
func (e Event) SSE() []byte {
	body, err := json.Marshal(ssePayload{
		Data:      e.Data,
		SessionID: e.SessionID,
		Timestamp: e.Timestamp,
	})
	if err != nil {
		body = []byte("{}")
	}
	return fmt.Appendf(nil, "event: %s\ndata: %s\n\n", e.Type, body)
}

// Publisher is the write side of the bus, consumed by components that only
// emit events.
type Publisher interface {
	Publish(ev Event)
	Emit(t EventType, sessionID string, data map[string]any)
}

// Subscriber is one registered consumer with its bounded delivery channel.
type Subscriber struct {
	id string
	ch chan Event

	mu       sync.Mutex
	overflow uint64
}

// Events returns the delivery channel. It is closed on unsubscribe.
func (s *Subscriber) Events() <-chan Event { return s.ch }

// Overflow returns the number of events dropped for this subscriber.
func (s *Subscriber) Overflow() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.overflow
}

// defaultQueueSize bounds each subscriber's channel.
const defaultQueueSize = 256

// Bus is the in-process event bus. The zero value is not usable; use [New].
type Bus struct {
	queueSize int
	log       *slog.Logger
	met       *observe.Metrics

	mu   sync.Mutex
	subs map[string]*Subscriber
}

// Option configures a [Bus].
type Option func(*Bus)

// WithQueueSize overrides the per-subscriber queue bound. Default 256.
func WithQueueSize(n int) Option {
	return func(b *Bus) {
		if n > 0 {
			b.queueSize = n
		}
	}
}

// WithLogger sets the logger used for overflow warnings.
func WithLogger(l *slog.Logger) Option {
	return func(b *Bus) {
		if l != nil {
			b.log = l
		}
	}
}

// WithMetrics records dropped events on the given instruments.
func WithMetrics(m *observe.Metrics) Option {
	return func(b *Bus) { b.met = m }
}

// New creates an event bus.
func New(opts ...Option) *Bus {
	b := &Bus{
		queueSize: defaultQueueSize,
		log:       slog.Default(),
		subs:      make(map[string]*Subscriber),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

var _ Publisher = (*Bus)(nil)

// Subscribe registers a new subscriber and returns it.
func (b *Bus) Subscribe() *Subscriber {
	sub := &Subscriber{
		id: uuid.NewString(),
		ch: make(chan Event, b.queueSize),
	}
	b.mu.Lock()
	b.subs[sub.id] = sub
	b.mu.Unlock()
	return sub
}

// Unsubscribe removes the subscriber and closes its channel. Safe to call
// more than once.
func (b *Bus) Unsubscribe(sub *Subscriber) {
	if sub == nil {
		return
	}
	b.mu.Lock()
	_, ok := b.subs[sub.id]
	if ok {
		delete(b.subs, sub.id)
	}
	b.mu.Unlock()
	if ok {
		close(sub.ch)
	}
}

// SubscriberCount returns the number of registered subscribers.
func (b *Bus) SubscriberCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs)
}

// Publish delivers ev to every subscriber. It never blocks: a full
// subscriber queue drops the event for that subscriber and bumps its
// overflow counter.
func (b *Bus) Publish(ev Event) {
	if ev.Timestamp == 0 {
		ev.Timestamp = float64(time.Now().UnixNano()) / 1e9
	}

	b.mu.Lock()
	subs := make([]*Subscriber, 0, len(b.subs))
	for _, s := range b.subs {
		subs = append(subs, s)
	}
	b.mu.Unlock()

	for _, s := range subs {
		select {
		case s.ch <- ev:
		default:
			s.mu.Lock()
			s.overflow++
			n := s.overflow
			s.mu.Unlock()
			if b.met != nil {
				b.met.BusDropped.Add(context.Background(), 1,
					metric.WithAttributes(observe.Attr("event_type", string(ev.Type))))
			}
			if n == 1 || n%100 == 0 {
				b.log.Warn("event bus: subscriber queue full, dropping event",
					"subscriber", s.id,
					"event_type", ev.Type,
					"dropped_total", n,
				)
			}
		}
	}
}

// Emit builds an [Event] from its parts and publishes it.
func (b *Bus) Emit(t EventType, sessionID string, data map[string]any) {
	if data == nil {
		data = map[string]any{}
	}
	b.Publish(Event{
		Type:      t,
		Data:      data,
		SessionID: sessionID,
		Timestamp: float64(time.Now().UnixNano()) / 1e9,
	})
}
