// Package collab implements the operator-facing presentation side of the
// broker: it speaks inbox items through the TTS engine and primes the clip
// cache for choice readouts. Selection input arrives through the HTTP API
// or UI, which resolve items directly on the session.
package collab

import (
	"log/slog"

	"github.com/earbridge/earbridge/internal/session"
	"github.com/earbridge/earbridge/internal/tts"
)

// readAheadCount is how many choice labels are pregenerated synchronously
// before presentation so scrolling is instant.
const readAheadCount = 3

// Voice presents items audibly. It implements [session.Collaborator].
type Voice struct {
	tts *tts.Engine
	log *slog.Logger
}

var _ session.Collaborator = (*Voice)(nil)

// NewVoice builds a voice collaborator on top of the TTS engine.
func NewVoice(engine *tts.Engine, log *slog.Logger) *Voice {
	if log == nil {
		log = slog.Default()
	}
	return &Voice{tts: engine, log: log}
}

// Present speaks the item. Speech items are resolved by this collaborator
// when playback finishes; choices stay pending until the operator resolves
// them through the UI or API.
func (v *Voice) Present(s *session.Session, it *session.Item) {
	switch it.Kind {
	case session.KindSpeech:
		go v.presentSpeech(s, it)
	default:
		go v.presentChoices(s, it)
	}
}

// presentSpeech plays the text and resolves the item. Suppressed speech
// (breaker open, no player) still resolves so the agent is not wedged on a
// silent item.
func (v *Voice) presentSpeech(s *session.Session, it *session.Item) {
	opts := v.sessionOptions(s)
	if it.Priority > 0 {
		// Urgent speech cuts off whatever is playing.
		v.tts.Stop()
	}
	if err := v.tts.Speak(it.Text, opts); err != nil {
		v.log.Warn("speech playback failed", "session", s.ID, "err", err)
		s.AddSpeech(it.Text, false)
	} else {
		s.AddSpeech(it.Text, true)
	}
	it.Resolve(session.Result{Selected: session.SelectedSpeechDone})
}

// presentChoices announces the preamble and warms the clip cache for the
// first labels the operator will scroll across.
func (v *Voice) presentChoices(s *session.Session, it *session.Item) {
	opts := v.sessionOptions(s)
	if it.Preamble != "" {
		v.tts.SpeakWithLocalFallback(it.Preamble, opts)
		s.AddSpeech(it.Preamble, true)
	}

	labels := make([]string, 0, len(it.Choices))
	for _, c := range it.Choices {
		labels = append(labels, c.Label)
	}
	v.tts.PregeneratePriority(labels, readAheadCount, opts)
}

// ReadChoice speaks one choice label during scrolling, preferring the
// cached clip.
func (v *Voice) ReadChoice(s *session.Session, label string) {
	v.tts.SpeakWithLocalFallback(label, v.sessionOptions(s))
}

// Chime forwards a UI chime to the engine.
func (v *Voice) Chime(style string) {
	go v.tts.PlayChime(style)
}

// sessionOptions applies the session's voice and emotion overrides.
func (v *Voice) sessionOptions(s *session.Session) tts.Options {
	voice, emotion := s.VoiceOverride()
	return tts.Options{Voice: voice, Emotion: emotion}
}
