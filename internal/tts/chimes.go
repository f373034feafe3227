package tts

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/earbridge/earbridge/internal/procgroup"
)

// Chime styles understood by [Engine.PlayChime]. Unknown styles are no-ops.
const (
	ChimeSelect  = "select"
	ChimeUndo    = "undo"
	ChimeError   = "error"
	ChimeSuccess = "success"
)

// toneStep is one note in a chime sequence.
type toneStep struct {
	freqHz float64
	durMs  int
	gapMs  int // pause before the next note
}

var chimes = map[string][]toneStep{
	ChimeSelect:  {{1320, 60, 0}},
	ChimeUndo:    {{880, 70, 40}, {660, 90, 0}},
	ChimeError:   {{220, 150, 60}, {220, 150, 0}},
	ChimeSuccess: {{660, 80, 40}, {990, 120, 0}},
}

// PlayChime plays a short pre-defined tone sequence. It blocks for the
// duration of the sequence; callers that must not block should run it on a
// goroutine.
func (e *Engine) PlayChime(style string) {
	seq, ok := chimes[style]
	if !ok {
		return
	}
	for _, step := range seq {
		e.PlayTone(step.freqHz, step.durMs)
		if step.gapMs > 0 {
			time.Sleep(time.Duration(step.gapMs) * time.Millisecond)
		}
	}
}

// PlayTone synthesises and plays one sine tone. The rendered WAV is cached
// on disk keyed by frequency and duration.
func (e *Engine) PlayTone(freqHz float64, durMs int) {
	if e.player == "" {
		return
	}
	path, err := e.tonePath(freqHz, durMs)
	if err != nil {
		e.log.Debug("tts: tone render failed", "err", err)
		return
	}
	proc, err := e.procs.Start(e.player, []string{path}, procgroup.StartConfig{
		Tag:     "chime",
		UsePgid: true,
	})
	if err != nil {
		e.log.Debug("tts: tone playback failed", "err", err)
		return
	}
	_ = proc.Wait()
}

// tonePath renders the tone to the cache directory if not already present.
func (e *Engine) tonePath(freqHz float64, durMs int) (string, error) {
	name := fmt.Sprintf("tone-%.0f-%d.wav", freqHz, durMs)
	path := filepath.Join(e.cfg.CacheDir, name)
	if _, err := os.Stat(path); err == nil {
		return path, nil
	}
	if err := os.WriteFile(path, synthesizeTone(freqHz, durMs), 0o644); err != nil {
		return "", err
	}
	return path, nil
}
