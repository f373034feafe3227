// Package api serves the operator-facing HTTP surface: session listing,
// message queueing, the SSE and WebSocket event streams, and Prometheus
// metrics. It binds to loopback by default; browsers on other origins are
// let through with permissive CORS so local web UIs work without a proxy.
package api

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/coder/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/earbridge/earbridge/internal/bus"
	"github.com/earbridge/earbridge/internal/observe"
	"github.com/earbridge/earbridge/internal/session"
	"github.com/earbridge/earbridge/internal/tts"
	"github.com/earbridge/earbridge/internal/uistate"
)

// Config wires a [Server]. Sessions and Bus are required.
type Config struct {
	Sessions *session.Manager
	Bus      *bus.Bus
	TTS      *tts.Engine
	UIState  *uistate.Store
	Metrics  *observe.Metrics
	Logger   *slog.Logger
	Version  string
}

// Server is the frontend HTTP API.
type Server struct {
	sessions *session.Manager
	bus      *bus.Bus
	tts      *tts.Engine
	uistate  *uistate.Store
	metrics  *observe.Metrics
	log      *slog.Logger
	version  string
	started  time.Time
}

// New builds the frontend API server.
func New(cfg Config) *Server {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Server{
		sessions: cfg.Sessions,
		bus:      cfg.Bus,
		tts:      cfg.TTS,
		uistate:  cfg.UIState,
		metrics:  cfg.Metrics,
		log:      cfg.Logger,
		version:  cfg.Version,
		started:  time.Now(),
	}
}

// Handler returns the routed handler with CORS and request metrics applied.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/health", s.handleHealth)
	mux.HandleFunc("GET /api/sessions", s.handleSessions)
	mux.HandleFunc("GET /api/sessions/{id}", s.handleSession)
	mux.HandleFunc("POST /api/sessions/{id}/message", s.handleSessionMessage)
	mux.HandleFunc("POST /api/sessions/{id}/select", s.handleSelect)
	mux.HandleFunc("POST /api/message", s.handleBroadcast)
	mux.HandleFunc("GET /api/settings", s.handleSettings)
	mux.HandleFunc("GET /api/uistate", s.handleUIStateGet)
	mux.HandleFunc("POST /api/uistate", s.handleUIStateSet)
	mux.HandleFunc("GET /api/events", s.handleEvents)
	mux.HandleFunc("GET /api/ws", s.handleWebSocket)
	mux.Handle("GET /metrics", promhttp.Handler())

	var h http.Handler = cors(mux)
	if s.metrics != nil {
		h = observe.Middleware(s.metrics)(h)
	}
	return h
}

// cors stamps permissive CORS headers on every response and short-circuits
// preflight requests.
func cors(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		h := w.Header()
		h.Set("Access-Control-Allow-Origin", "*")
		h.Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		h.Set("Access-Control-Allow-Headers", "Content-Type")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"ok":      true,
		"version": s.version,
		"uptime":  time.Since(s.started).Seconds(),
	})
}

func (s *Server) handleSessions(w http.ResponseWriter, _ *http.Request) {
	all := s.sessions.All()
	infos := make([]session.Info, 0, len(all))
	for _, sess := range all {
		infos = append(infos, sess.Snapshot())
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"sessions": infos,
		"count":    len(infos),
	})
}

func (s *Server) handleSession(w http.ResponseWriter, r *http.Request) {
	sess := s.sessions.Get(r.PathValue("id"))
	if sess == nil {
		writeError(w, http.StatusNotFound, "no such session")
		return
	}
	preamble, choices, _ := sess.ActiveChoices()
	writeJSON(w, http.StatusOK, map[string]any{
		"session":  sess.Snapshot(),
		"preamble": preamble,
		"choices":  choices,
	})
}

func (s *Server) handleSessionMessage(w http.ResponseWriter, r *http.Request) {
	sess := s.sessions.Get(r.PathValue("id"))
	if sess == nil {
		writeError(w, http.StatusNotFound, "no such session")
		return
	}
	text, ok := readText(w, r)
	if !ok {
		return
	}
	n := sess.QueueMessage(text)
	if s.bus != nil {
		s.bus.Emit(bus.EventMessageQueued, sess.ID, map[string]any{"pending": n})
	}
	writeJSON(w, http.StatusOK, map[string]int{"pending": n})
}

// handleSelect resolves the session's active prompt with the given label.
func (s *Server) handleSelect(w http.ResponseWriter, r *http.Request) {
	sess := s.sessions.Get(r.PathValue("id"))
	if sess == nil {
		writeError(w, http.StatusNotFound, "no such session")
		return
	}
	var body struct {
		Selected string `json:"selected"`
		Summary  string `json:"summary"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.Selected == "" {
		writeError(w, http.StatusBadRequest, "selected is required")
		return
	}
	_, choices, it := sess.ActiveChoices()
	if it == nil {
		if head := sess.PeekInbox(); head != nil {
			choices = head.Choices
		}
	}
	selected := body.Selected
	summary := body.Summary
	if c, ok := session.MatchChoice(body.Selected, choices); ok {
		selected = c.Label
		if summary == "" {
			summary = c.Summary
		}
	}
	if !sess.ResolveFront(session.Result{Selected: selected, Summary: summary}) {
		writeError(w, http.StatusConflict, "no active prompt")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"selected": selected})
}

// handleBroadcast queues a message on all sessions or just the focused one.
func (s *Server) handleBroadcast(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Text   string `json:"text"`
		Target string `json:"target"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.Text == "" {
		writeError(w, http.StatusBadRequest, "text is required")
		return
	}

	var targets []*session.Session
	switch body.Target {
	case "", "active":
		if f := s.sessions.Focused(); f != nil {
			targets = append(targets, f)
		}
	case "all":
		targets = s.sessions.All()
	default:
		writeError(w, http.StatusBadRequest, `target must be "all" or "active"`)
		return
	}

	for _, sess := range targets {
		n := sess.QueueMessage(body.Text)
		if s.bus != nil {
			s.bus.Emit(bus.EventMessageQueued, sess.ID, map[string]any{"pending": n})
		}
	}
	writeJSON(w, http.StatusOK, map[string]int{"count": len(targets)})
}

func (s *Server) handleSettings(w http.ResponseWriter, _ *http.Request) {
	if s.tts == nil {
		writeError(w, http.StatusServiceUnavailable, "tts engine not configured")
		return
	}
	opts := s.tts.Defaults()
	writeJSON(w, http.StatusOK, map[string]any{
		"tts_model":   opts.Model,
		"tts_voice":   opts.Voice,
		"tts_speed":   opts.Speed,
		"tts_emotion": opts.Emotion,
	})
}

func (s *Server) handleUIStateGet(w http.ResponseWriter, _ *http.Request) {
	if s.uistate == nil {
		writeError(w, http.StatusServiceUnavailable, "ui state not configured")
		return
	}
	writeJSON(w, http.StatusOK, s.uistate.All())
}

// handleUIStateSet stores one key. A toggle request flips the stored
// boolean and reports the new value.
func (s *Server) handleUIStateSet(w http.ResponseWriter, r *http.Request) {
	if s.uistate == nil {
		writeError(w, http.StatusServiceUnavailable, "ui state not configured")
		return
	}
	var body struct {
		Key    string `json:"key"`
		Value  any    `json:"value"`
		Toggle bool   `json:"toggle"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.Key == "" {
		writeError(w, http.StatusBadRequest, "key is required")
		return
	}
	if body.Toggle {
		writeJSON(w, http.StatusOK, map[string]any{
			"key":   body.Key,
			"value": s.uistate.Toggle(body.Key, false),
		})
		return
	}
	s.uistate.Set(body.Key, body.Value)
	writeJSON(w, http.StatusOK, map[string]any{"key": body.Key, "value": body.Value})
}

// SendHandler returns the reduced handler served on the send address: just
// the message-queueing endpoints, for scripts that push operator messages.
func (s *Server) SendHandler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/sessions/{id}/message", s.handleSessionMessage)
	mux.HandleFunc("POST /api/message", s.handleBroadcast)
	return cors(mux)
}

// handleEvents streams bus events as SSE. The first frame is a synthetic
// "connected" event so clients can confirm the stream is live before any
// real event fires.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}

	h := w.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	sub := s.bus.Subscribe()
	defer s.bus.Unsubscribe(sub)
	if s.metrics != nil {
		s.metrics.SSESubscribers.Add(r.Context(), 1)
		defer s.metrics.SSESubscribers.Add(r.Context(), -1)
	}

	hello := bus.Event{
		Type:      "connected",
		Data:      map[string]any{"subscribers": s.bus.SubscriberCount()},
		Timestamp: float64(time.Now().UnixNano()) / 1e9,
	}
	if _, err := w.Write(hello.SSE()); err != nil {
		return
	}
	flusher.Flush()

	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			return
		case ev, open := <-sub.Events():
			if !open {
				return
			}
			if _, err := w.Write(ev.SSE()); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}

// handleWebSocket mirrors the event stream over a WebSocket, one JSON
// event per text frame.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	c, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: []string{"*"},
	})
	if err != nil {
		s.log.Debug("websocket accept failed", "err", err)
		return
	}
	defer c.CloseNow()

	sub := s.bus.Subscribe()
	defer s.bus.Unsubscribe(sub)
	if s.metrics != nil {
		s.metrics.SSESubscribers.Add(r.Context(), 1)
		defer s.metrics.SSESubscribers.Add(r.Context(), -1)
	}

	ctx := r.Context()
	hello, _ := json.Marshal(bus.Event{
		Type:      "connected",
		Data:      map[string]any{"subscribers": s.bus.SubscriberCount()},
		Timestamp: float64(time.Now().UnixNano()) / 1e9,
	})
	if err := c.Write(ctx, websocket.MessageText, hello); err != nil {
		return
	}

	for {
		select {
		case <-ctx.Done():
			return
		case ev, open := <-sub.Events():
			if !open {
				return
			}
			frame, err := json.Marshal(ev)
			if err != nil {
				continue
			}
			if err := c.Write(ctx, websocket.MessageText, frame); err != nil {
				return
			}
		}
	}
}

// readText decodes a {text} body, writing the error response itself on
// failure.
func readText(w http.ResponseWriter, r *http.Request) (string, bool) {
	var body struct {
		Text string `json:"text"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.Text == "" {
		writeError(w, http.StatusBadRequest, "text is required")
		return "", false
	}
	return body.Text, true
}
