// Package tts synthesises speech for the operator's earphones.
//
// Audio is generated to WAV files by an external synthesis binary and played
// back by a player binary running under the subprocess supervisor, so any
// playback can be cut instantly. Generated clips are cached by content so
// scroll readouts are instant, and the API generation path is protected by a
// circuit breaker with an automatic recovery probe.
package tts

import (
	"bytes"
	"context"
	"crypto/md5"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/earbridge/earbridge/internal/observe"
	"github.com/earbridge/earbridge/internal/procgroup"
)

// Config holds the engine's synthesis and playback settings.
type Config struct {
	// Binary is the API synthesis command. It receives the text plus
	// voice/emotion/model/speed flags and must stream a WAV to stdout.
	Binary string

	// Player receives a WAV file path and plays it.
	Player string

	// LocalBinary is the local fallback synthesiser (espeak-ng style:
	// --stdout -s <wpm> <text>).
	LocalBinary string

	// Local forces the local synthesiser for all speech.
	Local bool

	// Voice, Emotion, Model and Speed are the synthesis defaults; per-call
	// [Options] override them.
	Voice   string
	Emotion string
	Model   string
	Speed   float64

	// CacheDir holds generated WAV clips.
	CacheDir string

	// GenerateTimeout bounds one synthesis subprocess call. Default 30s.
	GenerateTimeout time.Duration
}

// Options override the engine's synthesis defaults for a single call.
type Options struct {
	Voice   string
	Emotion string
	Model   string
	Speed   float64
}

// Option configures an [Engine].
type Option func(*Engine)

// WithLogger sets the engine's logger.
func WithLogger(l *slog.Logger) Option {
	return func(e *Engine) {
		if l != nil {
			e.log = l
		}
	}
}

// WithSupervisor sets the subprocess supervisor used for playback.
func WithSupervisor(s *procgroup.Supervisor) Option {
	return func(e *Engine) {
		if s != nil {
			e.procs = s
		}
	}
}

// WithClock overrides the time source. Used by tests to drive the breaker
// cooldown without sleeping.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) {
		if now != nil {
			e.now = now
		}
	}
}

// WithErrorCallback registers the collaborator callback invoked whenever
// speech is suppressed by the open breaker.
func WithErrorCallback(fn func(msg string)) Option {
	return func(e *Engine) { e.onTTSError = fn }
}

// WithMetrics records synthesis runs, latency and suppressions on the given
// instruments.
func WithMetrics(m *observe.Metrics) Option {
	return func(e *Engine) { e.met = m }
}

// Engine is the speech synthesis and playback pipeline.
// All methods are safe for concurrent use.
type Engine struct {
	cfg   Config
	procs *procgroup.Supervisor
	log   *slog.Logger
	met   *observe.Metrics
	now   func() time.Time

	binary      string // resolved API synthesis binary ("" if absent)
	localBinary string // resolved local synthesiser ("" if absent)
	player      string // resolved player binary ("" if absent)

	onTTSError func(msg string)

	genGroup singleflight.Group

	mu        sync.Mutex
	cache     map[string]string // cache key → WAV path
	pregenGen uint64            // bumped by every Pregenerate* entry

	breaker breakerState
}

// New creates an engine. Missing binaries are tolerated: an absent player
// disables playback, an absent API binary falls back to local mode.
func New(cfg Config, opts ...Option) (*Engine, error) {
	if cfg.GenerateTimeout <= 0 {
		cfg.GenerateTimeout = 30 * time.Second
	}
	if cfg.Speed <= 0 {
		cfg.Speed = 1.0
	}
	if cfg.CacheDir == "" {
		cfg.CacheDir = filepath.Join(os.TempDir(), "earbridge-tts-cache")
	}

	e := &Engine{
		cfg:   cfg,
		procs: procgroup.NewSupervisor(),
		log:   slog.Default(),
		now:   time.Now,
		cache: make(map[string]string),
	}
	for _, opt := range opts {
		opt(e)
	}

	e.player = lookPath(cfg.Player)
	e.binary = lookPath(cfg.Binary)
	e.localBinary = lookPath(cfg.LocalBinary)

	if e.player == "" {
		e.log.Warn("tts: player binary not found — playback disabled", "player", cfg.Player)
	}
	if !e.cfg.Local && e.binary == "" {
		if e.localBinary != "" {
			e.log.Warn("tts: synthesis binary not found — falling back to local", "binary", cfg.Binary)
			e.cfg.Local = true
		} else {
			e.log.Warn("tts: no synthesis binary found — speech disabled")
		}
	}

	if err := os.MkdirAll(e.cfg.CacheDir, 0o755); err != nil {
		return nil, fmt.Errorf("tts: create cache dir %q: %w", e.cfg.CacheDir, err)
	}
	return e, nil
}

func lookPath(name string) string {
	if name == "" {
		return ""
	}
	if p, err := exec.LookPath(name); err == nil {
		return p
	}
	return ""
}

// SetDefaults replaces the synthesis defaults. Zero-valued fields keep the
// current setting. Callers normally pair this with [Engine.ClearCache] so
// the new voice takes effect on cached phrases too.
func (e *Engine) SetDefaults(opts Options) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if opts.Voice != "" {
		e.cfg.Voice = opts.Voice
	}
	if opts.Emotion != "" {
		e.cfg.Emotion = opts.Emotion
	}
	if opts.Model != "" {
		e.cfg.Model = opts.Model
	}
	if opts.Speed > 0 {
		e.cfg.Speed = opts.Speed
	}
}

// Defaults returns the current synthesis defaults.
func (e *Engine) Defaults() Options {
	e.mu.Lock()
	defer e.mu.Unlock()
	return Options{Voice: e.cfg.Voice, Emotion: e.cfg.Emotion, Model: e.cfg.Model, Speed: e.cfg.Speed}
}

// effective merges per-call options over the engine defaults.
func (e *Engine) effective(opts Options) Options {
	e.mu.Lock()
	defer e.mu.Unlock()
	if opts.Voice == "" {
		opts.Voice = e.cfg.Voice
	}
	if opts.Emotion == "" {
		opts.Emotion = e.cfg.Emotion
	}
	if opts.Model == "" {
		opts.Model = e.cfg.Model
	}
	if opts.Speed <= 0 {
		opts.Speed = e.cfg.Speed
	}
	return opts
}

// cacheKey derives the content address of one clip. Whitespace runs in the
// text are collapsed so reflowed prompts share a cache entry.
func (e *Engine) cacheKey(text string, opts Options) string {
	norm := strings.Join(strings.Fields(text), " ")
	sum := md5.Sum([]byte(fmt.Sprintf("%s|%s|%s|%s|%.2f",
		norm, opts.Voice, opts.Emotion, opts.Model, opts.Speed)))
	return hex.EncodeToString(sum[:])
}

// cachedPath returns the cached WAV path for key, re-checking that the file
// still exists on disk.
func (e *Engine) cachedPath(key string) string {
	e.mu.Lock()
	path := e.cache[key]
	e.mu.Unlock()
	if path == "" {
		return ""
	}
	if _, err := os.Stat(path); err != nil {
		return ""
	}
	return path
}

// Speak synthesises and plays text, blocking until playback finishes.
func (e *Engine) Speak(text string, opts Options) error {
	proc, err := e.startSpeech(text, opts)
	if err != nil || proc == nil {
		return err
	}
	_ = proc.Wait()
	return nil
}

// SpeakAsync synthesises and plays text without waiting for playback.
// Generation itself still happens on the caller when the clip is uncached.
func (e *Engine) SpeakAsync(text string, opts Options) {
	if _, err := e.startSpeech(text, opts); err != nil {
		e.log.Warn("tts: async speech failed", "err", err)
	}
}

// SpeakWithLocalFallback plays the cached clip when one exists; otherwise it
// speaks through the API only while the breaker is closed, and reports the
// suppression when it is open.
func (e *Engine) SpeakWithLocalFallback(text string, opts Options) {
	opts = e.effective(opts)
	if path := e.cachedPath(e.cacheKey(text, opts)); path != "" {
		e.Stop()
		if _, err := e.play(path); err != nil {
			e.log.Warn("tts: cached playback failed", "err", err)
		}
		return
	}
	if e.cfg.Local || e.apiGenAvailable() {
		e.SpeakAsync(text, opts)
		return
	}
	e.notifySuppressed()
}

// startSpeech stops current playback, resolves a WAV for text, and starts
// the player. A nil proc with nil error means the speech was suppressed.
func (e *Engine) startSpeech(text string, opts Options) (*procgroup.Proc, error) {
	if e.player == "" {
		return nil, nil
	}
	opts = e.effective(opts)
	path := e.generateToFile(text, opts)
	if path == "" {
		return nil, nil
	}
	e.Stop()
	return e.play(path)
}

// play starts the player on a WAV path under the "playback" tag.
func (e *Engine) play(path string) (*procgroup.Proc, error) {
	return e.procs.Start(e.player, []string{path}, procgroup.StartConfig{
		Tag:     "playback",
		UsePgid: true,
	})
}

// Stop cancels all in-flight playback; partially played audio is discarded.
// Synthesis subprocesses are bounded by their own timeout and left to finish
// so the clip still lands in the cache. Safe to call from any goroutine.
func (e *Engine) Stop() {
	e.procs.CancelTagged("playback")
}

// ClearCache forgets all cached clips and removes the cache directory
// contents.
func (e *Engine) ClearCache() {
	e.mu.Lock()
	e.cache = make(map[string]string)
	e.mu.Unlock()

	_ = os.RemoveAll(e.cfg.CacheDir)
	if err := os.MkdirAll(e.cfg.CacheDir, 0o755); err != nil {
		e.log.Warn("tts: recreate cache dir failed", "err", err)
	}
}

// Close stops playback and kills any remaining subprocesses.
func (e *Engine) Close() {
	e.Stop()
	e.procs.CancelAll()
}

// generateToFile resolves text to a cached WAV path, generating it when
// absent. Returns "" when generation failed or was suppressed; the failure
// reason is recorded in the breaker state.
func (e *Engine) generateToFile(text string, opts Options) string {
	key := e.cacheKey(text, opts)
	if path := e.cachedPath(key); path != "" {
		return path
	}

	// Concurrent pregeneration of the same clip collapses to one
	// subprocess call.
	v, _, _ := e.genGroup.Do(key, func() (any, error) {
		if path := e.cachedPath(key); path != "" {
			return path, nil
		}
		var path string
		if e.cfg.Local {
			path = e.generateLocal(text, key)
		} else {
			path = e.generateAPI(text, opts, key)
		}
		if path != "" {
			e.mu.Lock()
			e.cache[key] = path
			e.mu.Unlock()
		}
		return path, nil
	})
	path, _ := v.(string)
	return path
}

// generateAPI runs the API synthesis binary, guarded by the breaker.
func (e *Engine) generateAPI(text string, opts Options, key string) string {
	if e.binary == "" {
		e.recordGenFailure("tts binary not found")
		return ""
	}
	if !e.apiGenAvailable() {
		e.notifySuppressed()
		return ""
	}

	args := []string{text, "--stdout", "--response-format", "wav"}
	if opts.Voice != "" {
		args = append(args, "--voice", opts.Voice)
	}
	if opts.Emotion != "" {
		args = append(args, "--emotion", opts.Emotion)
	}
	if opts.Model != "" {
		args = append(args, "--model", opts.Model)
	}
	if opts.Speed > 0 && opts.Speed != 1.0 {
		args = append(args, "--speed", strconv.FormatFloat(opts.Speed, 'f', 2, 64))
	}

	path, reason := e.runSynthesis(e.binary, args, key)
	if reason != "" {
		e.recordGenFailure(reason)
		return ""
	}
	e.recordGenSuccess()
	return path
}

// generateLocal runs the local synthesiser. Local failures never touch the
// breaker; the local path has no remote dependency to protect.
func (e *Engine) generateLocal(text, key string) string {
	if e.localBinary == "" {
		return ""
	}
	wpm := int(160 * e.cfg.Speed)
	args := []string{"--stdout", "-s", strconv.Itoa(wpm), text}
	path, reason := e.runSynthesis(e.localBinary, args, key)
	if reason != "" {
		e.log.Warn("tts: local synthesis failed", "reason", reason)
		return ""
	}
	return path
}

// runSynthesis invokes one synthesis subprocess, streaming stdout into a
// temp file that is renamed into the cache on success. Returns the cache
// path or a failure reason string.
func (e *Engine) runSynthesis(bin string, args []string, key string) (path, reason string) {
	start := time.Now()
	defer func() {
		if e.met == nil {
			return
		}
		status := "success"
		if reason != "" {
			status = "failure"
		}
		e.met.TTSDuration.Record(context.Background(), time.Since(start).Seconds())
		e.met.RecordTTSGeneration(context.Background(), status)
	}()
	return e.runSynthesisProc(bin, args, key)
}

func (e *Engine) runSynthesisProc(bin string, args []string, key string) (path, reason string) {
	tmp, err := os.CreateTemp(e.cfg.CacheDir, "gen-*.wav")
	if err != nil {
		return "", "exception: " + err.Error()
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	ctx, cancel := context.WithTimeout(context.Background(), e.cfg.GenerateTimeout)
	defer cancel()

	var stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, bin, args...)
	cmd.Stdout = tmp
	cmd.Stderr = &stderr

	runErr := cmd.Run()
	closeErr := tmp.Close()

	if runErr != nil {
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return "", "timeout"
		}
		var exitErr *exec.ExitError
		if errors.As(runErr, &exitErr) {
			return "", fmt.Sprintf("exit code %d: %s", exitErr.ExitCode(), excerpt(stderr.String(), 200))
		}
		return "", "exception: " + runErr.Error()
	}
	if closeErr != nil {
		return "", "exception: " + closeErr.Error()
	}

	info, err := os.Stat(tmpName)
	if err != nil {
		return "", "exception: " + err.Error()
	}
	if ok, why := validWAV(info.Size()); !ok {
		return "", why
	}

	final := filepath.Join(e.cfg.CacheDir, key+".wav")
	if err := os.Rename(tmpName, final); err != nil {
		return "", "exception: " + err.Error()
	}
	return final, ""
}

// excerpt trims s to at most n characters for log-safe error strings.
func excerpt(s string, n int) string {
	s = strings.TrimSpace(s)
	if len(s) > n {
		return s[:n]
	}
	return s
}

// Pregenerate generates audio clips for all texts in the background, up to
// four at a time. Call it when choices arrive so scrolling is instant. A
// later Pregenerate* call obsoletes any still-unstarted work.
func (e *Engine) Pregenerate(texts []string, opts Options) {
	opts = e.effective(opts)
	gen := e.bumpPregenGen()
	go e.pregenerate(texts, opts, gen)
}

// PregeneratePriority synchronously generates the first count uncached
// texts, then queues the remainder into the background pipeline. The
// synchronous phase aborts as soon as a newer Pregenerate* call supersedes
// this one.
func (e *Engine) PregeneratePriority(texts []string, count int, opts Options) {
	opts = e.effective(opts)
	gen := e.bumpPregenGen()

	var rest []string
	done := 0
	for i, text := range texts {
		if done >= count || e.pregenObsolete(gen) {
			rest = texts[i:]
			break
		}
		if e.cachedPath(e.cacheKey(text, opts)) != "" {
			continue
		}
		if e.generateToFile(text, opts) != "" {
			done++
		}
	}
	if len(rest) > 0 {
		go e.pregenerate(rest, opts, gen)
	}
}

// pregenerate is the shared background worker pool.
func (e *Engine) pregenerate(texts []string, opts Options, gen uint64) {
	var todo []string
	for _, t := range texts {
		if e.cachedPath(e.cacheKey(t, opts)) == "" {
			todo = append(todo, t)
		}
	}
	if len(todo) == 0 {
		return
	}

	workers := 4
	if len(todo) < workers {
		workers = len(todo)
	}
	work := make(chan string)
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for text := range work {
				if e.pregenObsolete(gen) {
					continue
				}
				e.generateToFile(text, opts)
			}
		}()
	}
	for _, t := range todo {
		work <- t
	}
	close(work)
	wg.Wait()
}

func (e *Engine) bumpPregenGen() uint64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.pregenGen++
	return e.pregenGen
}

func (e *Engine) pregenObsolete(gen uint64) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.pregenGen != gen
}
