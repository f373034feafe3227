package session

import (
	"context"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/earbridge/earbridge/internal/bus"
	"github.com/earbridge/earbridge/internal/observe"
)

// Log and stack bounds. Oldest entries are trimmed on overflow.
const (
	doneLogCap   = 200
	speechLogCap = 200
	historyCap   = 200
	undoCap      = 5
)

// HealthStatus is the monitor's verdict on a session.
type HealthStatus string

const (
	HealthHealthy      HealthStatus = "healthy"
	HealthWarning      HealthStatus = "warning"
	HealthUnresponsive HealthStatus = "unresponsive"
)

// SpeechEntry is one spoken phrase in the speech log.
type SpeechEntry struct {
	Text      string  `json:"text"`
	Timestamp float64 `json:"timestamp"`
	Played    bool    `json:"played"`
}

// HistoryEntry is one resolved selection.
type HistoryEntry struct {
	Preamble  string  `json:"preamble"`
	Selected  string  `json:"selected"`
	Timestamp float64 `json:"timestamp"`
}

// UndoEntry is one frame of the undo stack.
type UndoEntry struct {
	Preamble  string
	Choices   []Choice
	Selection string
}

// Session is the per-agent state: identity, inbox, logs, undo stack, and
// health. All mutable state is guarded by the session mutex; the completion
// latches live outside it.
type Session struct {
	// ID is assigned by the caller's transport and never changes.
	ID string

	mu sync.Mutex

	// Descriptive attributes.
	name        string
	cwd         string
	hostname    string
	tmuxSession string
	tmuxPane    string
	voice       string
	emotion     string
	metadata    map[string]string
	registered  bool

	// Activity.
	lastActivity  time.Time
	lastToolCall  time.Time
	toolCallCount uint64
	lastToolName  string

	inbox     []*Item
	doneLog   []*Item
	speechLog []SpeechEntry
	history   []HistoryEntry

	pendingMessages []string
	flushedMessages []string

	undo         []UndoEntry
	lastPreamble string
	lastChoices  []Choice

	// Active-choice mirror: the presentation state of the current head.
	active     bool
	preamble   string
	choices    []Choice
	activeItem *Item

	healthStatus      HealthStatus
	healthAlertSpoken bool

	// UI ephemera, opaque to the core.
	inputMode        string
	scrollIndex      int
	waitingAnnounced bool

	// drainKick is the coalescing wakeup for the drain loop: buffered 1,
	// bumped by every enqueue and completion via non-blocking send.
	drainKick chan struct{}
	stop      chan struct{}
	stopOnce  sync.Once

	pub bus.Publisher
	met *observe.Metrics
	log *slog.Logger
	now func() time.Time
}

// newSession is called by the manager; sessions are never built directly.
func newSession(id string, pub bus.Publisher, log *slog.Logger, now func() time.Time) *Session {
	s := &Session{
		ID:           id,
		metadata:     map[string]string{},
		healthStatus: HealthHealthy,
		drainKick:    make(chan struct{}, 1),
		stop:         make(chan struct{}),
		pub:          pub,
		log:          log,
		now:          now,
	}
	s.lastActivity = now()
	s.lastToolCall = now()
	return s
}

// kick wakes the drain loop; multiple kicks while draining coalesce to one
// re-check.
func (s *Session) kick() {
	select {
	case s.drainKick <- struct{}{}:
	default:
	}
}

// close stops the drain loop. Idempotent.
func (s *Session) close() {
	s.stopOnce.Do(func() { close(s.stop) })
}

// ── Enqueue ─────────────────────────────────────────────────────────────────

// Enqueue appends item to the inbox. Urgent speech (priority > 0 or
// blocking) overtakes the trailing run of non-urgent speech, but never a
// choices-style item and never the head the collaborator is processing.
// Publishes choices_presented or speech_requested.
func (s *Session) Enqueue(item *Item) {
	s.mu.Lock()
	idx := len(s.inbox)
	if item.Kind == KindSpeech && (item.Priority > 0 || item.Blocking) {
		floor := 0
		if len(s.inbox) > 0 && s.inbox[0].Processing() {
			floor = 1
		}
		for idx > floor {
			prev := s.inbox[idx-1]
			if prev.Kind == KindSpeech && prev.Priority == 0 && !prev.Blocking {
				idx--
				continue
			}
			break
		}
	}
	s.inbox = slices.Insert(s.inbox, idx, item)
	s.mu.Unlock()

	if s.met != nil {
		s.met.InboxDepth.Add(context.Background(), 1)
	}
	if s.pub != nil {
		switch item.Kind {
		case KindSpeech:
			s.pub.Emit(bus.EventSpeechRequested, s.ID, map[string]any{
				"text":     item.Text,
				"blocking": item.Blocking,
			})
		default:
			s.pub.Emit(bus.EventChoicesPresented, s.ID, map[string]any{
				"preamble": item.Preamble,
				"choices":  item.labels(),
			})
		}
	}
	s.kick()
}

// DedupEnqueue enqueues item unless an identical pending choices item (same
// preamble and labels, not yet done) already exists, in which case the
// existing item is returned and the newcomer piggybacks on its resolution.
func (s *Session) DedupEnqueue(item *Item) *Item {
	if item.Kind == KindChoices || item.Kind == KindMultiSelect {
		s.mu.Lock()
		for _, queued := range s.inbox {
			if queued.Kind == item.Kind && !queued.Done() &&
				queued.Preamble == item.Preamble &&
				slices.Equal(queued.labels(), item.labels()) {
				s.mu.Unlock()
				return queued
			}
		}
		s.mu.Unlock()
	}
	s.Enqueue(item)
	return item
}

// ── Peek & resolve ──────────────────────────────────────────────────────────

// PeekInbox returns the presentable head, performing the head-walk: done
// heads are popped and orphaned heads are resolved with [SelectedRestart].
// One call drains all consecutive orphans. Returns nil when the inbox is
// effectively empty.
func (s *Session) PeekInbox() *Item {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.peekLocked()
}

func (s *Session) peekLocked() *Item {
	for len(s.inbox) > 0 {
		head := s.inbox[0]
		if head.Done() {
			s.popLocked(head)
			continue
		}
		if head.orphaned() {
			head.Resolve(Result{Selected: SelectedRestart})
			s.log.Debug("resolved orphaned inbox item", "session", s.ID, "kind", head.Kind)
			s.popLocked(head)
			continue
		}
		return head
	}
	return nil
}

// popLocked removes the head (which must be it) and appends it to the done
// log. Items resolved with [SelectedRestart] are not retained: they carry
// no operator decision worth replaying in the chat view.
func (s *Session) popLocked(it *Item) {
	s.inbox = s.inbox[1:]
	if s.met != nil {
		s.met.InboxDepth.Add(context.Background(), -1)
	}
	if s.activeItem == it {
		s.clearActiveLocked()
	}
	if res := it.Result(); res != nil && res.Selected == SelectedRestart {
		return
	}
	s.doneLog = append(s.doneLog, it)
	if len(s.doneLog) > doneLogCap {
		s.doneLog = s.doneLog[len(s.doneLog)-doneLogCap:]
	}
}

// ResolveFront resolves the current head with res and wakes the caller.
// Returns false when there is no pending head.
func (s *Session) ResolveFront(res Result) bool {
	s.mu.Lock()
	var head *Item
	if len(s.inbox) > 0 && !s.inbox[0].Done() {
		head = s.inbox[0]
	}
	s.mu.Unlock()
	if head == nil {
		return false
	}

	if !head.Resolve(res) {
		return false
	}
	s.recordSelection(head, res)
	if s.pub != nil && res.Selected != SelectedRestart {
		s.pub.Emit(bus.EventSelectionMade, s.ID, map[string]any{
			"selected": res.Selected,
			"preamble": head.Preamble,
		})
	}
	s.kick()
	return true
}

// recordSelection appends a resolved choices-style item to the history.
func (s *Session) recordSelection(it *Item, res Result) {
	if it.Kind == KindSpeech {
		return
	}
	sel := res.Selected
	if sel == "" && len(res.Multi) > 0 {
		sel = res.Multi[0]
	}
	s.mu.Lock()
	s.history = append(s.history, HistoryEntry{
		Preamble:  it.Preamble,
		Selected:  sel,
		Timestamp: tsec(s.now()),
	})
	if len(s.history) > historyCap {
		s.history = s.history[len(s.history)-historyCap:]
	}
	s.mu.Unlock()
}

// CancelAllPending force-resolves every inbox item with [SelectedCancelled]
// and signals every latch. The active mirror is cleared.
func (s *Session) CancelAllPending() int {
	s.mu.Lock()
	items := slices.Clone(s.inbox)
	s.inbox = nil
	s.clearActiveLocked()
	s.mu.Unlock()

	if s.met != nil && len(items) > 0 {
		s.met.InboxDepth.Add(context.Background(), -int64(len(items)))
	}

	n := 0
	for _, it := range items {
		if it.Resolve(Result{Selected: SelectedCancelled}) {
			n++
		}
	}
	s.kick()
	return n
}

// ── Active-choice mirror ────────────────────────────────────────────────────

// setActive publishes the presentation state of the head being processed.
func (s *Session) setActive(it *Item) {
	s.mu.Lock()
	s.active = true
	s.preamble = it.Preamble
	s.choices = slices.Clone(it.Choices)
	s.activeItem = it
	s.mu.Unlock()
}

func (s *Session) clearActiveLocked() {
	s.active = false
	s.preamble = ""
	s.choices = nil
	s.activeItem = nil
}

// Active reports whether a choices-style head is being presented.
func (s *Session) Active() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.active
}

// ActiveChoices returns the presentation mirror: preamble, choices, and the
// item under presentation (nil when idle).
func (s *Session) ActiveChoices() (string, []Choice, *Item) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.preamble, slices.Clone(s.choices), s.activeItem
}

// ── Undo stack ──────────────────────────────────────────────────────────────

// PushUndo records a resolved presentation for the undo key and mirrors it
// into the legacy last-preamble/last-choices fields. The stack is capped;
// the oldest entry drops on overflow.
func (s *Session) PushUndo(e UndoEntry) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.undo = append(s.undo, e)
	if len(s.undo) > undoCap {
		s.undo = s.undo[len(s.undo)-undoCap:]
	}
	s.lastPreamble = e.Preamble
	s.lastChoices = slices.Clone(e.Choices)
}

// PopUndo removes and returns the top undo frame plus the remaining depth.
// The mirror fields are restored to the new top's values, or cleared when
// the stack empties.
func (s *Session) PopUndo() (UndoEntry, int, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.undo) == 0 {
		return UndoEntry{}, 0, false
	}
	top := s.undo[len(s.undo)-1]
	s.undo = s.undo[:len(s.undo)-1]
	if len(s.undo) > 0 {
		prev := s.undo[len(s.undo)-1]
		s.lastPreamble = prev.Preamble
		s.lastChoices = slices.Clone(prev.Choices)
	} else {
		s.lastPreamble = ""
		s.lastChoices = nil
	}
	return top, len(s.undo), true
}

// UndoDepth returns the current undo stack depth.
func (s *Session) UndoDepth() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.undo)
}

// LastPresented returns the legacy mirror of the most recent undo frame.
func (s *Session) LastPresented() (string, []Choice) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastPreamble, slices.Clone(s.lastChoices)
}

// ── Messages ────────────────────────────────────────────────────────────────

// QueueMessage appends an operator-typed message for delivery on the
// agent's next tool call. Returns the new pending count.
func (s *Session) QueueMessage(text string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pendingMessages = append(s.pendingMessages, text)
	return len(s.pendingMessages)
}

// DrainMessages moves all pending messages to the flushed list and returns
// them. Flushed messages are kept briefly for UI replay.
func (s *Session) DrainMessages() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.pendingMessages) == 0 {
		return nil
	}
	out := s.pendingMessages
	s.flushedMessages = append(s.flushedMessages, out...)
	if len(s.flushedMessages) > historyCap {
		s.flushedMessages = s.flushedMessages[len(s.flushedMessages)-historyCap:]
	}
	s.pendingMessages = nil
	return out
}

// PendingCount returns the number of undelivered operator messages.
func (s *Session) PendingCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.pendingMessages)
}

// ── Logs ────────────────────────────────────────────────────────────────────

// AddSpeech appends to the speech log.
func (s *Session) AddSpeech(text string, played bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.speechLog = append(s.speechLog, SpeechEntry{
		Text:      text,
		Timestamp: tsec(s.now()),
		Played:    played,
	})
	if len(s.speechLog) > speechLogCap {
		s.speechLog = s.speechLog[len(s.speechLog)-speechLogCap:]
	}
}

// SpeechLog returns a copy of the newest n speech entries (all when n <= 0).
func (s *Session) SpeechLog(n int) []SpeechEntry {
	s.mu.Lock()
	defer s.mu.Unlock()
	return tail(s.speechLog, n)
}

// History returns a copy of the newest n selection entries (all when n <= 0).
func (s *Session) History(n int) []HistoryEntry {
	s.mu.Lock()
	defer s.mu.Unlock()
	return tail(s.history, n)
}

// DoneCount returns the done-log length.
func (s *Session) DoneCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.doneLog)
}

// InboxLen returns the number of queued items.
func (s *Session) InboxLen() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.inbox)
}

func tail[T any](in []T, n int) []T {
	if n <= 0 || n >= len(in) {
		return slices.Clone(in)
	}
	return slices.Clone(in[len(in)-n:])
}

// ── Activity & health ───────────────────────────────────────────────────────

// TouchToolCall records an incoming tool invocation: activity timestamps,
// counters, and a health reset back to healthy.
func (s *Session) TouchToolCall(tool string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	s.lastActivity = now
	s.lastToolCall = now
	s.toolCallCount++
	s.lastToolName = tool
	s.healthStatus = HealthHealthy
	s.healthAlertSpoken = false
	s.waitingAnnounced = false
}

// TouchActivity bumps only last_activity (operator-side interaction).
func (s *Session) TouchActivity() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastActivity = s.now()
}

// LastToolCall returns the time of the most recent tool invocation.
func (s *Session) LastToolCall() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastToolCall
}

// LastActivity returns the most recent activity timestamp.
func (s *Session) LastActivity() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastActivity
}

// Health returns the monitor's current verdict.
func (s *Session) Health() HealthStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.healthStatus
}

// SetHealth updates the health verdict; first transitions into warning or
// unresponsive return true so the monitor can emit exactly one alert.
func (s *Session) SetHealth(h HealthStatus) (firstAlert bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if h == s.healthStatus {
		return false
	}
	s.healthStatus = h
	if h == HealthWarning || h == HealthUnresponsive {
		if !s.healthAlertSpoken {
			s.healthAlertSpoken = true
			return true
		}
	} else {
		s.healthAlertSpoken = false
	}
	return false
}

// ── Identity & registration ─────────────────────────────────────────────────

// RegisterInfo carries the register_session tool's fields.
type RegisterInfo struct {
	Name        string
	Cwd         string
	Hostname    string
	TmuxSession string
	TmuxPane    string
	Voice       string
	Emotion     string
	Metadata    map[string]string
}

// Register marks the session registered and writes its identity.
func (s *Session) Register(info RegisterInfo) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.registered = true
	if info.Name != "" {
		s.name = info.Name
	}
	s.cwd = info.Cwd
	s.hostname = info.Hostname
	s.tmuxSession = info.TmuxSession
	s.tmuxPane = info.TmuxPane
	s.voice = info.Voice
	s.emotion = info.Emotion
	for k, v := range info.Metadata {
		s.metadata[k] = v
	}
}

// Registered reports whether register_session has been called.
func (s *Session) Registered() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.registered
}

// Rename changes the tab label.
func (s *Session) Rename(name string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.name = name
}

// Name returns the tab label, falling back to the session id.
func (s *Session) Name() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.name != "" {
		return s.name
	}
	return s.ID
}

// VoiceOverride returns the per-session TTS voice and emotion overrides.
func (s *Session) VoiceOverride() (voice, emotion string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.voice, s.emotion
}

// Info is a read-only snapshot for the HTTP API and get_sessions.
type Info struct {
	ID            string            `json:"id"`
	Name          string            `json:"name"`
	Active        bool              `json:"active"`
	Registered    bool              `json:"registered"`
	Cwd           string            `json:"cwd"`
	Hostname      string            `json:"hostname"`
	TmuxSession   string            `json:"tmux_session,omitempty"`
	TmuxPane      string            `json:"tmux_pane,omitempty"`
	Health        HealthStatus      `json:"health"`
	ToolCallCount uint64            `json:"tool_call_count"`
	LastToolName  string            `json:"last_tool_name,omitempty"`
	LastToolCall  float64           `json:"last_tool_call"`
	PendingCount  int               `json:"pending_messages"`
	InboxLen      int               `json:"inbox_len"`
	Metadata      map[string]string `json:"metadata,omitempty"`
}

// Snapshot returns the session's Info.
func (s *Session) Snapshot() Info {
	s.mu.Lock()
	defer s.mu.Unlock()
	name := s.name
	if name == "" {
		name = s.ID
	}
	meta := make(map[string]string, len(s.metadata))
	for k, v := range s.metadata {
		meta[k] = v
	}
	return Info{
		ID:            s.ID,
		Name:          name,
		Active:        s.active,
		Registered:    s.registered,
		Cwd:           s.cwd,
		Hostname:      s.hostname,
		TmuxSession:   s.tmuxSession,
		TmuxPane:      s.tmuxPane,
		Health:        s.healthStatus,
		ToolCallCount: s.toolCallCount,
		LastToolName:  s.lastToolName,
		LastToolCall:  tsec(s.lastToolCall),
		PendingCount:  len(s.pendingMessages),
		InboxLen:      len(s.inbox),
		Metadata:      meta,
	}
}

// tsec converts a time to wall-clock seconds.
func tsec(t time.Time) float64 {
	if t.IsZero() {
		return 0
	}
	return float64(t.UnixNano()) / 1e9
}
