package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/earbridge/earbridge/internal/bus"
	"github.com/earbridge/earbridge/internal/config"
	"github.com/earbridge/earbridge/internal/session"
	"github.com/earbridge/earbridge/internal/tts"
)

// ── Argument helpers ────────────────────────────────────────────────────────

func argString(args map[string]any, key string) string {
	v, _ := args[key].(string)
	return v
}

func argFloat(args map[string]any, key string) float64 {
	switch v := args[key].(type) {
	case float64:
		return v
	case int:
		return float64(v)
	}
	return 0
}

func argInt(args map[string]any, key string, def int) int {
	switch v := args[key].(type) {
	case float64:
		return int(v)
	case int:
		return v
	}
	return def
}

func argChoices(args map[string]any) []session.Choice {
	raw, _ := args["choices"].([]any)
	out := make([]session.Choice, 0, len(raw))
	for _, r := range raw {
		m, ok := r.(map[string]any)
		if !ok {
			continue
		}
		c := session.Choice{
			Label:   argString(m, "label"),
			Summary: argString(m, "summary"),
		}
		if flags, ok := m["flags"].([]any); ok {
			for _, f := range flags {
				if fs, ok := f.(string); ok {
					c.Flags = append(c.Flags, fs)
				}
			}
		}
		if c.Label != "" {
			out = append(out, c)
		}
	}
	return out
}

func argMetadata(args map[string]any) map[string]string {
	raw, _ := args["metadata"].(map[string]any)
	if len(raw) == 0 {
		return nil
	}
	out := make(map[string]string, len(raw))
	for k, v := range raw {
		out[k] = fmt.Sprint(v)
	}
	return out
}

// isSentinel reports whether a selection is a control-flow marker rather
// than an operator choice.
func isSentinel(sel string) bool { return strings.HasPrefix(sel, "_") }

// preview shortens spoken text for confirmation strings.
func preview(text string) string {
	if len(text) > 100 {
		return text[:100] + "..."
	}
	return text
}

func marshal(v any) (string, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("encoding response: %w", err)
	}
	return string(b), nil
}

// ── Registration & identity ─────────────────────────────────────────────────

func (d *Dispatcher) registerSession(ctx context.Context, s *session.Session, args map[string]any) (string, error) {
	s.Register(session.RegisterInfo{
		Name:        argString(args, "name"),
		Cwd:         argString(args, "cwd"),
		Hostname:    argString(args, "hostname"),
		TmuxSession: argString(args, "tmux_session"),
		TmuxPane:    argString(args, "tmux_pane"),
		Voice:       argString(args, "voice"),
		Emotion:     argString(args, "emotion"),
		Metadata:    argMetadata(args),
	})

	restored := false
	if d.store != nil {
		restored = d.store.Restore(s)
		if err := d.store.Save(d.sessions); err != nil {
			d.log.Warn("saving registered sessions failed", "err", err)
		}
	}

	agentHost := argString(args, "hostname")
	isLocal := agentHost == "" || agentHost == d.hostname

	return marshal(map[string]any{
		"status":          "registered",
		"session_id":      s.ID,
		"name":            s.Name(),
		"restored":        restored,
		"is_local":        isLocal,
		"server_hostname": d.hostname,
		"features":        d.Tools(),
	})
}

func (d *Dispatcher) renameSession(ctx context.Context, s *session.Session, args map[string]any) (string, error) {
	name := argString(args, "name")
	if name == "" {
		return "", errors.New("name is required")
	}
	s.Rename(name)
	return "Session renamed to: " + name, nil
}

// ── Speech ──────────────────────────────────────────────────────────────────

func (d *Dispatcher) enqueueSpeech(ctx context.Context, s *session.Session, text string, blocking bool, priority int) *session.Item {
	it := session.NewItem(session.KindSpeech, ctx)
	it.Text = text
	it.Blocking = blocking
	it.Priority = priority
	s.Enqueue(it)
	return it
}

func (d *Dispatcher) speak(ctx context.Context, s *session.Session, args map[string]any) (string, error) {
	text := argString(args, "text")
	if text == "" {
		return "", errors.New("text is required")
	}
	it := d.enqueueSpeech(ctx, s, text, true, 0)
	if _, err := d.waitItem(ctx, s, it); err != nil {
		return "", err
	}
	return "Spoke: " + preview(text), nil
}

func (d *Dispatcher) speakAsync(ctx context.Context, s *session.Session, args map[string]any) (string, error) {
	text := argString(args, "text")
	if text == "" {
		return "", errors.New("text is required")
	}
	d.enqueueSpeech(ctx, s, text, false, 0)
	return "Spoke: " + preview(text), nil
}

func (d *Dispatcher) speakUrgent(ctx context.Context, s *session.Session, args map[string]any) (string, error) {
	text := argString(args, "text")
	if text == "" {
		return "", errors.New("text is required")
	}
	it := d.enqueueSpeech(ctx, s, text, true, 1)
	if _, err := d.waitItem(ctx, s, it); err != nil {
		return "", err
	}
	return "Urgently spoke: " + preview(text), nil
}

// ── Choices ─────────────────────────────────────────────────────────────────

func (d *Dispatcher) presentChoices(ctx context.Context, s *session.Session, args map[string]any) (string, error) {
	preamble := argString(args, "preamble")
	choices := argChoices(args)
	if len(choices) == 0 {
		return marshal(map[string]string{"selected": "error", "summary": "No choices provided"})
	}

	// Undo loop: an _undo resolution re-presents the same choices; the
	// sentinel never reaches the agent.
	for {
		it := session.NewItem(session.KindChoices, ctx)
		it.Preamble = preamble
		it.Choices = choices
		it.Blocking = true
		it = s.DedupEnqueue(it)

		res, err := d.waitItem(ctx, s, it)
		if err != nil {
			return "", err
		}
		switch res.Selected {
		case session.SelectedUndo:
			continue
		case session.SelectedRestart:
			return "", errSessionRestarted
		}
		if !isSentinel(res.Selected) {
			s.PushUndo(session.UndoEntry{Preamble: preamble, Choices: choices, Selection: res.Selected})
		}
		return marshal(map[string]string{"selected": res.Selected, "summary": res.Summary})
	}
}

func (d *Dispatcher) presentMultiSelect(ctx context.Context, s *session.Session, args map[string]any) (string, error) {
	preamble := argString(args, "preamble")
	choices := argChoices(args)
	if len(choices) == 0 {
		return marshal(map[string]any{"selected": []string{}})
	}

	it := session.NewItem(session.KindMultiSelect, ctx)
	it.Preamble = preamble
	it.Choices = choices
	it.Blocking = true
	it = s.DedupEnqueue(it)

	res, err := d.waitItem(ctx, s, it)
	if err != nil {
		return "", err
	}
	if res.Selected == session.SelectedRestart {
		return "", errSessionRestarted
	}
	selected := res.Multi
	if selected == nil {
		selected = []string{}
	}
	return marshal(map[string]any{"selected": selected})
}

// ── Settings ────────────────────────────────────────────────────────────────

// mutateSettings applies fn under the config lock, persists the file, and
// clears the clip cache so the change is audible immediately.
func (d *Dispatcher) mutateSettings(fn func(c *config.Config)) {
	d.cfgMu.Lock()
	fn(d.cfg)
	c := d.cfg
	d.cfgMu.Unlock()

	if d.cfgPath != "" {
		if err := config.Save(c, d.cfgPath); err != nil {
			d.log.Warn("saving config failed", "err", err)
		}
	}
	if d.tts != nil {
		d.tts.SetDefaults(tts.Options{
			Voice:   c.TTS.Voice,
			Emotion: c.TTS.Emotion,
			Model:   c.TTS.Model,
			Speed:   c.TTS.Speed,
		})
		d.tts.ClearCache()
	}
	if d.pub != nil {
		d.pub.Emit(bus.EventSettingsChanged, "", d.settingsMap())
	}
}

func (d *Dispatcher) settingsMap() map[string]any {
	d.cfgMu.Lock()
	defer d.cfgMu.Unlock()
	return map[string]any{
		"tts_model":   d.cfg.TTS.Model,
		"tts_voice":   d.cfg.TTS.Voice,
		"tts_speed":   d.cfg.TTS.Speed,
		"tts_emotion": d.cfg.TTS.Emotion,
		"stt_model":   d.cfg.TTS.STTModel,
	}
}

func (d *Dispatcher) setSpeed(ctx context.Context, s *session.Session, args map[string]any) (string, error) {
	speed := argFloat(args, "speed")
	if speed < 0.25 || speed > 4.0 {
		return "", fmt.Errorf("speed %.2f is out of range [0.25, 4.0]", speed)
	}
	d.mutateSettings(func(c *config.Config) { c.TTS.Speed = speed })
	return fmt.Sprintf("Speed set to %g", speed), nil
}

func (d *Dispatcher) setVoice(ctx context.Context, s *session.Session, args map[string]any) (string, error) {
	voice := argString(args, "voice")
	if voice == "" {
		return "", errors.New("voice is required")
	}
	d.mutateSettings(func(c *config.Config) { c.TTS.Voice = voice })
	return "Voice set to " + voice, nil
}

func (d *Dispatcher) setTTSModel(ctx context.Context, s *session.Session, args map[string]any) (string, error) {
	model := argString(args, "model")
	if model == "" {
		return "", errors.New("model is required")
	}
	d.mutateSettings(func(c *config.Config) { c.TTS.Model = model })
	return "TTS model set to " + model, nil
}

func (d *Dispatcher) setSTTModel(ctx context.Context, s *session.Session, args map[string]any) (string, error) {
	model := argString(args, "model")
	if model == "" {
		return "", errors.New("model is required")
	}
	d.cfgMu.Lock()
	d.cfg.TTS.STTModel = model
	c := d.cfg
	d.cfgMu.Unlock()
	if d.cfgPath != "" {
		if err := config.Save(c, d.cfgPath); err != nil {
			d.log.Warn("saving config failed", "err", err)
		}
	}
	return "STT model set to " + model, nil
}

func (d *Dispatcher) setEmotion(ctx context.Context, s *session.Session, args map[string]any) (string, error) {
	emotion := argString(args, "emotion")
	if emotion == "" {
		return "", errors.New("emotion is required")
	}
	d.mutateSettings(func(c *config.Config) { c.TTS.Emotion = emotion })
	return "Emotion set to: " + emotion, nil
}

func (d *Dispatcher) getSettings(ctx context.Context, s *session.Session, args map[string]any) (string, error) {
	return marshal(d.settingsMap())
}

func (d *Dispatcher) reloadConfig(ctx context.Context, s *session.Session, args map[string]any) (string, error) {
	if d.cfgPath == "" {
		return marshal(map[string]string{"status": "no config to reload"})
	}
	fresh, err := config.Load(d.cfgPath)
	if err != nil {
		return "", fmt.Errorf("reloading config: %w", err)
	}
	d.cfgMu.Lock()
	d.cfg = fresh
	d.cfgMu.Unlock()

	if d.tts != nil {
		d.tts.SetDefaults(tts.Options{
			Voice:   fresh.TTS.Voice,
			Emotion: fresh.TTS.Emotion,
			Model:   fresh.TTS.Model,
			Speed:   fresh.TTS.Speed,
		})
		d.tts.ClearCache()
	}
	if d.pub != nil {
		d.pub.Emit(bus.EventSettingsChanged, "", d.settingsMap())
	}

	out := d.settingsMap()
	out["status"] = "reloaded"
	return marshal(out)
}

// ── Session lifecycle ───────────────────────────────────────────────────────

func (d *Dispatcher) requestClose(ctx context.Context, s *session.Session, args map[string]any) (string, error) {
	reason := argString(args, "reason")
	if reason == "" {
		reason = "Work complete"
	}

	it := session.NewItem(session.KindConfirm, ctx)
	it.Preamble = fmt.Sprintf("Agent %s wants to close: %s", s.Name(), reason)
	it.Choices = []session.Choice{
		{Label: "Accept", Summary: "Close this session and remove the tab"},
		{Label: "Decline", Summary: "Keep the session open"},
	}
	it.Blocking = true
	it = s.DedupEnqueue(it)

	res, err := d.waitItem(ctx, s, it)
	if err != nil {
		return "", err
	}
	if res.Selected == session.SelectedRestart {
		return "", errSessionRestarted
	}

	if res.Selected == "Accept" {
		d.sessions.Remove(s.ID)
		return marshal(map[string]string{"status": "closed"})
	}

	declineReason := res.Selected
	if declineReason == "Decline" || isSentinel(declineReason) || declineReason == "" {
		declineReason = "continue working"
	}
	return marshal(map[string]string{"status": "declined", "reason": declineReason})
}

// ── Introspection ───────────────────────────────────────────────────────────

func (d *Dispatcher) checkInbox(ctx context.Context, s *session.Session, args map[string]any) (string, error) {
	msgs := s.DrainMessages()
	if msgs == nil {
		msgs = []string{}
	}
	return marshal(map[string]any{"messages": msgs, "count": len(msgs)})
}

func (d *Dispatcher) getLogs(ctx context.Context, s *session.Session, args map[string]any) (string, error) {
	lines := argInt(args, "lines", 50)
	var logLines []string
	if d.logs != nil {
		logLines = d.logs.Recent(lines)
	}
	speech := make([]string, 0, lines)
	for _, e := range s.SpeechLog(lines) {
		speech = append(speech, e.Text)
	}
	return marshal(map[string]any{"log": logLines, "speech_log": speech})
}

func (d *Dispatcher) getSessions(ctx context.Context, s *session.Session, args map[string]any) (string, error) {
	all := d.sessions.All()
	infos := make([]session.Info, 0, len(all))
	for _, sess := range all {
		infos = append(infos, sess.Snapshot())
	}
	return marshal(map[string]any{"sessions": infos, "count": len(infos)})
}

func (d *Dispatcher) getSpeechHistory(ctx context.Context, s *session.Session, args map[string]any) (string, error) {
	lines := argInt(args, "lines", 30)
	target := argString(args, "session")
	if target == "" {
		target = "self"
	}

	entry := func(sess *session.Session) map[string]any {
		return map[string]any{
			"session_id": sess.ID,
			"speech":     sess.SpeechLog(lines),
			"selections": sess.History(lines),
		}
	}

	switch target {
	case "self":
		return marshal(entry(s))
	case "all":
		all := d.sessions.All()
		out := make([]map[string]any, 0, len(all))
		for _, sess := range all {
			out = append(out, entry(sess))
		}
		return marshal(map[string]any{"sessions": out})
	default:
		sess := d.sessions.Get(target)
		if sess == nil {
			return "", fmt.Errorf("unknown session %q", target)
		}
		return marshal(entry(sess))
	}
}

func (d *Dispatcher) getCurrentChoices(ctx context.Context, s *session.Session, args map[string]any) (string, error) {
	target := argString(args, "session")
	if target == "" {
		target = "focused"
	}

	var sess *session.Session
	if target == "focused" {
		sess = d.sessions.Focused()
	} else {
		sess = d.sessions.Get(target)
	}
	if sess == nil {
		return "", fmt.Errorf("unknown session %q", target)
	}

	preamble, choices, _ := sess.ActiveChoices()
	return marshal(map[string]any{
		"session_id": sess.ID,
		"active":     sess.Active(),
		"preamble":   preamble,
		"choices":    choices,
		"inbox_len":  sess.InboxLen(),
	})
}
