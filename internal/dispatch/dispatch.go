// Package dispatch translates incoming tool invocations into inbox enqueues
// or immediate actions: session identity, message piggybacking, error
// shaping, and the full agent-facing tool surface.
package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/earbridge/earbridge/internal/bus"
	"github.com/earbridge/earbridge/internal/config"
	"github.com/earbridge/earbridge/internal/observe"
	"github.com/earbridge/earbridge/internal/session"
	"github.com/earbridge/earbridge/internal/tts"
)

// Wait budgets per the shared timeout contract: blocking tools wait on the
// operator, non-blocking tools only on the enqueue round-trip.
const (
	defaultBlockingTimeout = 5 * time.Minute
	defaultAckTimeout      = 10 * time.Second
	defaultCommandTimeout  = 60 * time.Second
)

// errorSuggestion is the fixed recovery hint attached to every tool error.
const errorSuggestion = "Retry the tool call, or call get_logs() to inspect recent errors."

// Handler is one tool implementation. It returns the raw response body;
// the dispatcher layers user messages and reminders on top.
type Handler func(ctx context.Context, s *session.Session, args map[string]any) (string, error)

// Config wires a [Dispatcher]. Sessions is required; everything else
// degrades gracefully when nil.
type Config struct {
	Sessions *session.Manager
	Store    *session.Store
	TTS      *tts.Engine
	Bus      bus.Publisher
	Logs     *LogBuffer
	Metrics  *observe.Metrics
	Logger   *slog.Logger

	// ConfigPath is where the settings mutators persist changes and
	// reload_config re-reads from.
	ConfigPath string
	Cfg        *config.Config

	Version string

	BlockingTimeout time.Duration
	CommandTimeout  time.Duration
}

// Dispatcher owns the tool table and the per-call pipeline: resolve
// session, run the handler, attach queued operator messages, and shape
// errors into the stable {error, tool, suggestion} object.
type Dispatcher struct {
	sessions *session.Manager
	store    *session.Store
	tts      *tts.Engine
	pub      bus.Publisher
	logs     *LogBuffer
	metrics  *observe.Metrics
	log      *slog.Logger

	cfgPath  string
	cfgMu    sync.Mutex
	cfg      *config.Config
	hostname string
	version  string

	blockingTimeout time.Duration
	commandTimeout  time.Duration

	tools map[string]Handler
}

// New builds a dispatcher with the complete tool surface registered.
func New(cfg Config) *Dispatcher {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.BlockingTimeout <= 0 {
		cfg.BlockingTimeout = defaultBlockingTimeout
	}
	if cfg.CommandTimeout <= 0 {
		cfg.CommandTimeout = defaultCommandTimeout
	}
	if cfg.Cfg == nil {
		cfg.Cfg = config.Default()
	}
	hostname, _ := os.Hostname()

	d := &Dispatcher{
		sessions:        cfg.Sessions,
		store:           cfg.Store,
		tts:             cfg.TTS,
		pub:             cfg.Bus,
		logs:            cfg.Logs,
		metrics:         cfg.Metrics,
		log:             cfg.Logger,
		cfgPath:         cfg.ConfigPath,
		cfg:             cfg.Cfg,
		hostname:        hostname,
		version:         cfg.Version,
		blockingTimeout: cfg.BlockingTimeout,
		commandTimeout:  cfg.CommandTimeout,
	}
	d.tools = map[string]Handler{
		"register_session":     d.registerSession,
		"rename_session":       d.renameSession,
		"speak":                d.speak,
		"speak_async":          d.speakAsync,
		"speak_urgent":         d.speakUrgent,
		"present_choices":      d.presentChoices,
		"present_multi_select": d.presentMultiSelect,
		"set_speed":            d.setSpeed,
		"set_voice":            d.setVoice,
		"set_tts_model":        d.setTTSModel,
		"set_stt_model":        d.setSTTModel,
		"set_emotion":          d.setEmotion,
		"get_settings":         d.getSettings,
		"reload_config":        d.reloadConfig,
		"run_command":          d.runCommand,
		"request_close":        d.requestClose,
		"check_inbox":          d.checkInbox,
		"get_logs":             d.getLogs,
		"get_sessions":         d.getSessions,
		"get_speech_history":   d.getSpeechHistory,
		"get_current_choices":  d.getCurrentChoices,
	}
	return d
}

// Tools returns the registered tool names, sorted.
func (d *Dispatcher) Tools() []string {
	names := make([]string, 0, len(d.tools))
	for name := range d.tools {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Call runs one tool invocation end to end and always returns a response
// body, never panics. sessionID comes from the transport.
func (d *Dispatcher) Call(ctx context.Context, sessionID, tool string, args map[string]any) string {
	start := time.Now()
	s := d.sessions.GetOrCreate(sessionID)
	s.TouchToolCall(tool)

	h, ok := d.tools[tool]
	if !ok {
		return d.errorBody(tool, fmt.Errorf("unknown tool %q", tool))
	}

	out, err := d.invoke(ctx, h, s, args)

	status := "ok"
	if err != nil {
		status = "error"
	}
	if d.metrics != nil {
		d.metrics.RecordToolCall(ctx, tool, status)
		d.metrics.ToolExecutionDuration.Record(ctx, time.Since(start).Seconds())
	}

	if err != nil {
		d.log.Error("tool failed", "tool", tool, "session", sessionID, "err", err)
		if d.tts != nil {
			d.tts.SpeakAsync("Tool error: "+tool+". "+excerpt(err.Error(), 80), tts.Options{})
		}
		return d.errorBody(tool, err)
	}

	out = d.attachMessages(out, s)
	if tool != "register_session" {
		out += registrationReminder(s)
	}
	return out
}

// invoke runs the handler with panic containment.
func (d *Dispatcher) invoke(ctx context.Context, h Handler, s *session.Session, args map[string]any) (out string, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return h(ctx, s, args)
}

// errorBody shapes err into the stable error object all tools share.
func (d *Dispatcher) errorBody(tool string, err error) string {
	body, _ := json.Marshal(map[string]string{
		"error":      errorName(err) + ": " + excerpt(err.Error(), 200),
		"tool":       tool,
		"suggestion": errorSuggestion,
	})
	return string(body)
}

// errorName reduces the error's concrete type to a bare name, mirroring an
// exception class name.
func errorName(err error) string {
	t := fmt.Sprintf("%T", err)
	t = strings.TrimPrefix(t, "*")
	if i := strings.LastIndex(t, "."); i >= 0 {
		t = t[i+1:]
	}
	return t
}

// excerpt truncates s to at most n bytes.
func excerpt(s string, n int) string {
	if len(s) > n {
		return s[:n]
	}
	return s
}

// attachMessages drains the session's pending operator messages into the
// response: merged as a user_messages field when the response is a JSON
// object, appended as a text block otherwise.
func (d *Dispatcher) attachMessages(response string, s *session.Session) string {
	msgs := s.DrainMessages()
	if len(msgs) == 0 {
		return response
	}

	var obj map[string]any
	if err := json.Unmarshal([]byte(response), &obj); err == nil && obj != nil {
		obj["user_messages"] = msgs
		merged, err := json.Marshal(obj)
		if err == nil {
			return string(merged)
		}
	}

	var sb strings.Builder
	sb.WriteString(response)
	sb.WriteString("\n\n[User messages queued while you were working:\n")
	for _, m := range msgs {
		sb.WriteString("- " + m + "\n")
	}
	sb.WriteString("]")
	return sb.String()
}

// registrationReminder nags unregistered sessions on every response.
func registrationReminder(s *session.Session) string {
	if s.Registered() {
		return ""
	}
	return "\n\n[REMINDER: Call register_session() first with your cwd, " +
		"hostname, tmux_session, and tmux_pane so earbridge can manage " +
		"your session properly.]"
}

// waitItem blocks until the item resolves, the caller vanishes, or the
// blocking budget runs out. On timeout the item stays pending so the
// operator can still answer; the next head-walk force-resolves it once the
// caller is gone.
func (d *Dispatcher) waitItem(ctx context.Context, s *session.Session, it *session.Item) (session.Result, error) {
	timer := time.NewTimer(d.blockingTimeout)
	defer timer.Stop()
	start := time.Now()

	select {
	case <-it.Latch():
		if d.metrics != nil && it.Kind != session.KindSpeech {
			d.metrics.ChoiceWaitDuration.Record(ctx, time.Since(start).Seconds())
		}
		return *it.Result(), nil
	case <-ctx.Done():
		return session.Result{}, ctx.Err()
	case <-timer.C:
		if d.pub != nil {
			d.pub.Emit(bus.EventChoicesTimeout, s.ID, map[string]any{"preamble": it.Preamble})
		}
		return session.Result{}, errors.New("timed out waiting for the operator")
	}
}

var errSessionRestarted = errors.New("session restarted — retry this call")
