package tts

import (
	"context"
	"os"
	"sync"
	"time"
)

// Circuit breaker thresholds for the API generation path.
const (
	failThreshold = 3
	cooldown      = 60 * time.Second

	// suppressionChimeInterval rate-limits the audible error chime while
	// the breaker is open. The callback still fires on every suppression.
	suppressionChimeInterval = 10 * time.Second
)

// breakerState holds the API-generation circuit breaker. Guarded by its own
// mutex so breaker checks never contend with the clip cache.
type breakerState struct {
	mu                   sync.Mutex
	consecutiveFailures  int
	lastFailureTime      time.Time
	lastError            string
	probeInProgress      bool
	lastSuppressionChime time.Time
}

// Health is a snapshot of the breaker, serialisable for get_logs and the
// diagnostics endpoint.
type Health struct {
	Available           bool    `json:"available"`
	ConsecutiveFailures int     `json:"consecutive_failures"`
	LastError           string  `json:"last_error,omitempty"`
	CooldownRemaining   float64 `json:"cooldown_remaining_seconds"`
	ProbeInProgress     bool    `json:"probe_in_progress"`
}

// apiGenAvailable reports whether API generation may be attempted. When the
// breaker is open and the cooldown has elapsed, it spawns at most one
// recovery probe; the probe_in_progress flag is set inside this critical
// section so concurrent callers cannot double-spawn.
func (e *Engine) apiGenAvailable() bool {
	b := &e.breaker
	b.mu.Lock()
	if b.consecutiveFailures < failThreshold {
		b.mu.Unlock()
		return true
	}
	if !b.probeInProgress && e.now().Sub(b.lastFailureTime) >= cooldown {
		b.probeInProgress = true
		b.mu.Unlock()
		go e.recoveryProbe()
		return false
	}
	b.mu.Unlock()
	return false
}

// recoveryProbe issues one trivial synthesis to a scratch path to decide
// whether to close the breaker.
func (e *Engine) recoveryProbe() {
	b := &e.breaker
	defer func() {
		b.mu.Lock()
		b.probeInProgress = false
		b.mu.Unlock()
	}()

	path, reason := e.runSynthesis(e.binary, []string{"ok", "--stdout", "--response-format", "wav"}, "probe-scratch")
	if path != "" {
		os.Remove(path)
	}

	if reason == "" {
		b.mu.Lock()
		b.consecutiveFailures = 0
		b.lastError = ""
		b.mu.Unlock()
		e.log.Info("tts: recovery probe succeeded — speech restored")
		e.notifyRecovered()
		return
	}

	b.mu.Lock()
	b.lastFailureTime = e.now()
	switch reason {
	case "timeout":
		b.lastError = "probe timed out"
	default:
		b.lastError = "probe failed: " + reason
	}
	b.mu.Unlock()
	e.log.Warn("tts: recovery probe failed", "reason", reason)
}

// recordGenFailure notes one failed API generation.
func (e *Engine) recordGenFailure(reason string) {
	b := &e.breaker
	b.mu.Lock()
	b.consecutiveFailures++
	b.lastFailureTime = e.now()
	b.lastError = reason
	n := b.consecutiveFailures
	b.mu.Unlock()
	e.log.Warn("tts: generation failed", "reason", reason, "consecutive_failures", n)
}

// recordGenSuccess resets the failure streak after a good generation.
func (e *Engine) recordGenSuccess() {
	b := &e.breaker
	b.mu.Lock()
	b.consecutiveFailures = 0
	b.lastError = ""
	b.mu.Unlock()
}

// notifySuppressed reports a speech suppression to the collaborator and
// plays the error chime, rate-limited to one chime per
// suppressionChimeInterval.
func (e *Engine) notifySuppressed() {
	if e.met != nil {
		e.met.TTSSuppressed.Add(context.Background(), 1)
	}
	if e.onTTSError != nil {
		e.onTTSError("TTS unavailable")
	}

	b := &e.breaker
	b.mu.Lock()
	chime := e.now().Sub(b.lastSuppressionChime) >= suppressionChimeInterval
	if chime {
		b.lastSuppressionChime = e.now()
	}
	b.mu.Unlock()

	if chime {
		e.PlayChime(ChimeError)
	}
}

// notifyRecovered plays the success chime, announces the recovery, and
// resets the suppression-chime timer so the next outage chimes immediately.
func (e *Engine) notifyRecovered() {
	b := &e.breaker
	b.mu.Lock()
	b.lastSuppressionChime = time.Time{}
	b.mu.Unlock()

	e.PlayChime(ChimeSuccess)
	e.SpeakAsync("Speech restored", Options{})
}

// APIHealth returns a snapshot of the breaker state.
func (e *Engine) APIHealth() Health {
	b := &e.breaker
	b.mu.Lock()
	defer b.mu.Unlock()

	h := Health{
		ConsecutiveFailures: b.consecutiveFailures,
		LastError:           b.lastError,
		ProbeInProgress:     b.probeInProgress,
	}
	h.Available = b.consecutiveFailures < failThreshold
	if !h.Available {
		remaining := cooldown - e.now().Sub(b.lastFailureTime)
		if remaining > 0 {
			h.CooldownRemaining = remaining.Seconds()
		}
	}
	return h
}

// ResetFailureCounters manually closes the breaker, clearing the failure
// streak, last error, and probe flag.
func (e *Engine) ResetFailureCounters() {
	b := &e.breaker
	b.mu.Lock()
	b.consecutiveFailures = 0
	b.lastFailureTime = time.Time{}
	b.lastError = ""
	b.probeInProgress = false
	b.mu.Unlock()
	e.log.Info("tts: failure counters reset")
}

// LastError returns the most recent recorded generation failure, for logs.
func (e *Engine) LastError() string {
	b := &e.breaker
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.lastError
}
