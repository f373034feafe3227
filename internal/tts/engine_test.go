package tts

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"

	"github.com/earbridge/earbridge/internal/observe"
)

// writeScript drops an executable shell script into dir and returns its path.
func writeScript(t *testing.T, dir, name, body string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte("#!/bin/sh\n"+body), 0o755); err != nil {
		t.Fatal(err)
	}
	return path
}

// fakeClock is a manually advanced time source.
type fakeClock struct {
	mu  sync.Mutex
	cur time.Time
}

func newFakeClock() *fakeClock { return &fakeClock{cur: time.Unix(1_700_000_000, 0)} }

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cur
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.cur = c.cur.Add(d)
	c.mu.Unlock()
}

// newTestEngine builds an engine whose synthesis binary and player are the
// given scripts and whose clock is controlled by the test.
func newTestEngine(t *testing.T, binary, player string, clk *fakeClock) *Engine {
	t.Helper()
	e, err := New(Config{
		Binary:          binary,
		Player:          player,
		CacheDir:        filepath.Join(t.TempDir(), "cache"),
		GenerateTimeout: 2 * time.Second,
	}, WithClock(clk.Now))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(e.Close)
	return e
}

// okBody emits a plausible WAV-sized blob on stdout.
const okBody = `head -c 512 /dev/zero`

func TestGenerateCachesByContent(t *testing.T) {
	dir := t.TempDir()
	count := filepath.Join(dir, "count")
	binary := writeScript(t, dir, "synth",
		"echo x >> "+count+"\n"+okBody)
	e := newTestEngine(t, binary, "true", newFakeClock())

	opts := e.effective(Options{})
	p1 := e.generateToFile("hello world", opts)
	if p1 == "" {
		t.Fatalf("generateToFile failed: %s", e.LastError())
	}
	p2 := e.generateToFile("hello   world", opts) // whitespace-normalised hit
	if p2 != p1 {
		t.Errorf("normalised text missed cache: %q vs %q", p2, p1)
	}

	data, _ := os.ReadFile(count)
	if got := strings.Count(string(data), "x"); got != 1 {
		t.Errorf("synthesis binary invoked %d times, want 1", got)
	}
}

func TestCacheKeyVariesWithVoice(t *testing.T) {
	e := newTestEngine(t, "", "true", newFakeClock())
	a := e.cacheKey("hi", Options{Voice: "alloy", Speed: 1})
	b := e.cacheKey("hi", Options{Voice: "ballad", Speed: 1})
	if a == b {
		t.Error("cache key identical across voices")
	}
}

func TestGenerateFailureRecordsExitCode(t *testing.T) {
	dir := t.TempDir()
	binary := writeScript(t, dir, "synth", `echo nope >&2; exit 1`)
	e := newTestEngine(t, binary, "true", newFakeClock())

	if got := e.generateToFile("x", e.effective(Options{})); got != "" {
		t.Fatalf("generateToFile = %q, want failure", got)
	}
	if got := e.LastError(); got != "exit code 1: nope" {
		t.Errorf("LastError = %q, want %q", got, "exit code 1: nope")
	}
}

func TestGenerateFailureRecordsInvalidWAV(t *testing.T) {
	dir := t.TempDir()
	binary := writeScript(t, dir, "synth", `printf tiny`)
	e := newTestEngine(t, binary, "true", newFakeClock())

	if got := e.generateToFile("x", e.effective(Options{})); got != "" {
		t.Fatalf("generateToFile = %q, want failure", got)
	}
	if got := e.LastError(); got != "invalid WAV (4 bytes)" {
		t.Errorf("LastError = %q, want %q", got, "invalid WAV (4 bytes)")
	}
}

func TestGenerateTimeout(t *testing.T) {
	dir := t.TempDir()
	binary := writeScript(t, dir, "synth", `sleep 5`)
	e, err := New(Config{
		Binary:          binary,
		Player:          "true",
		CacheDir:        filepath.Join(dir, "cache"),
		GenerateTimeout: 100 * time.Millisecond,
	})
	if err != nil {
		t.Fatal(err)
	}
	defer e.Close()

	if got := e.generateToFile("x", e.effective(Options{})); got != "" {
		t.Fatalf("generateToFile = %q, want failure", got)
	}
	if got := e.LastError(); got != "timeout" {
		t.Errorf("LastError = %q, want timeout", got)
	}
}

func TestBreakerOpensAfterThreeFailures(t *testing.T) {
	dir := t.TempDir()
	binary := writeScript(t, dir, "synth", `echo nope >&2; exit 1`)
	clk := newFakeClock()
	e := newTestEngine(t, binary, "true", clk)

	var suppressed []string
	e.onTTSError = func(msg string) { suppressed = append(suppressed, msg) }

	opts := e.effective(Options{})
	for i := 0; i < 3; i++ {
		e.generateToFile("x"+string(rune('a'+i)), opts)
	}

	h := e.APIHealth()
	if h.Available {
		t.Error("Available = true after three failures")
	}
	if h.ConsecutiveFailures != 3 {
		t.Errorf("ConsecutiveFailures = %d, want 3", h.ConsecutiveFailures)
	}
	if h.CooldownRemaining <= 0 || h.CooldownRemaining > 60 {
		t.Errorf("CooldownRemaining = %v, want (0, 60]", h.CooldownRemaining)
	}

	// Fourth call short-circuits without running the binary and reports
	// the suppression.
	if got := e.generateToFile("fourth", opts); got != "" {
		t.Errorf("generateToFile = %q while breaker open, want \"\"", got)
	}
	if len(suppressed) != 1 || suppressed[0] != "TTS unavailable" {
		t.Errorf("suppression callbacks = %v, want one %q", suppressed, "TTS unavailable")
	}
	if h := e.APIHealth(); h.ConsecutiveFailures != 3 {
		t.Errorf("short-circuited call changed failures to %d", h.ConsecutiveFailures)
	}
}

func TestBreakerStaysClosedBelowThreshold(t *testing.T) {
	dir := t.TempDir()
	mode := filepath.Join(dir, "mode")
	if err := os.WriteFile(mode, []byte("fail"), 0o644); err != nil {
		t.Fatal(err)
	}
	binary := writeScript(t, dir, "synth",
		`if [ "$(cat `+mode+`)" = ok ]; then `+okBody+`; else exit 1; fi`)
	e := newTestEngine(t, binary, "true", newFakeClock())
	opts := e.effective(Options{})

	e.generateToFile("a", opts)
	e.generateToFile("b", opts)
	if err := os.WriteFile(mode, []byte("ok"), 0o644); err != nil {
		t.Fatal(err)
	}
	if got := e.generateToFile("c", opts); got == "" {
		t.Fatal("generation failed with breaker closed")
	}

	if h := e.APIHealth(); h.ConsecutiveFailures != 0 || !h.Available {
		t.Errorf("health after success = %+v, want reset", h)
	}
}

func TestRecoveryProbeClosesBreaker(t *testing.T) {
	dir := t.TempDir()
	mode := filepath.Join(dir, "mode")
	if err := os.WriteFile(mode, []byte("fail"), 0o644); err != nil {
		t.Fatal(err)
	}
	binary := writeScript(t, dir, "synth",
		`if [ "$(cat `+mode+`)" = ok ]; then `+okBody+`; else echo nope >&2; exit 1; fi`)
	clk := newFakeClock()
	e := newTestEngine(t, binary, "true", clk)
	opts := e.effective(Options{})

	for i := 0; i < 3; i++ {
		e.generateToFile("t"+string(rune('a'+i)), opts)
	}
	if e.APIHealth().Available {
		t.Fatal("breaker still closed after three failures")
	}

	clk.Advance(61 * time.Second)
	if err := os.WriteFile(mode, []byte("ok"), 0o644); err != nil {
		t.Fatal(err)
	}

	// Next availability check spawns the probe.
	if e.apiGenAvailable() {
		t.Error("apiGenAvailable = true before probe completed")
	}

	deadline := time.Now().Add(5 * time.Second)
	for {
		h := e.APIHealth()
		if h.ConsecutiveFailures == 0 && !h.ProbeInProgress {
			if h.LastError != "" {
				t.Errorf("LastError = %q after successful probe, want empty", h.LastError)
			}
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("probe did not close breaker: %+v", h)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestRecoveryProbeSpawnsOnce(t *testing.T) {
	dir := t.TempDir()
	probeCount := filepath.Join(dir, "probes")
	// Slow success so concurrent availability checks overlap the probe.
	binary := writeScript(t, dir, "synth",
		"echo x >> "+probeCount+"\nsleep 0.3\n"+okBody)
	clk := newFakeClock()
	// No player: the post-probe "Speech restored" announcement must not
	// re-invoke the synthesis binary and skew the probe count.
	e := newTestEngine(t, binary, "no-such-player", clk)

	for i := 0; i < 3; i++ {
		e.recordGenFailure("exit code 1: nope")
	}
	clk.Advance(61 * time.Second)

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			e.apiGenAvailable()
		}()
	}
	wg.Wait()

	deadline := time.Now().Add(5 * time.Second)
	for e.APIHealth().ProbeInProgress {
		if time.Now().After(deadline) {
			t.Fatal("probe never finished")
		}
		time.Sleep(10 * time.Millisecond)
	}

	data, _ := os.ReadFile(probeCount)
	if got := strings.Count(string(data), "x"); got != 1 {
		t.Errorf("probe ran %d times, want exactly 1", got)
	}
}

func TestFailedProbeKeepsBreakerOpen(t *testing.T) {
	dir := t.TempDir()
	binary := writeScript(t, dir, "synth", `echo down >&2; exit 1`)
	clk := newFakeClock()
	e := newTestEngine(t, binary, "true", clk)

	for i := 0; i < 3; i++ {
		e.recordGenFailure("exit code 1: down")
	}
	clk.Advance(61 * time.Second)
	e.apiGenAvailable()

	deadline := time.Now().Add(5 * time.Second)
	for e.APIHealth().ProbeInProgress {
		if time.Now().After(deadline) {
			t.Fatal("probe never finished")
		}
		time.Sleep(10 * time.Millisecond)
	}

	h := e.APIHealth()
	if h.Available {
		t.Error("Available = true after failed probe")
	}
	if h.ConsecutiveFailures != 3 {
		t.Errorf("ConsecutiveFailures = %d after failed probe, want 3 (unchanged)", h.ConsecutiveFailures)
	}
	if !strings.HasPrefix(h.LastError, "probe failed: ") {
		t.Errorf("LastError = %q, want probe failed prefix", h.LastError)
	}
}

func TestSuppressionChimeRateLimited(t *testing.T) {
	dir := t.TempDir()
	chimeLog := filepath.Join(dir, "plays")
	player := writeScript(t, dir, "player", "echo played >> "+chimeLog)
	clk := newFakeClock()
	e := newTestEngine(t, "", player, clk)

	calls := 0
	e.onTTSError = func(string) { calls++ }

	e.notifySuppressed()
	e.notifySuppressed() // same instant: callback yes, chime no
	clk.Advance(11 * time.Second)
	e.notifySuppressed()

	if calls != 3 {
		t.Errorf("error callbacks = %d, want 3", calls)
	}
	data, _ := os.ReadFile(chimeLog)
	// ChimeError is two notes, so each audible suppression plays twice.
	if got := strings.Count(string(data), "played"); got != 4 {
		t.Errorf("chime notes played = %d, want 4 (two chimes of two notes)", got)
	}
}

func TestMetricsRecordGenerationsAndSuppressions(t *testing.T) {
	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	t.Cleanup(func() { _ = mp.Shutdown(context.Background()) })
	met, err := observe.NewMetrics(mp)
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}

	dir := t.TempDir()
	binary := writeScript(t, dir, "synth", okBody)
	e, err := New(Config{
		Binary:          binary,
		Player:          "true",
		CacheDir:        filepath.Join(dir, "cache"),
		GenerateTimeout: 2 * time.Second,
	}, WithMetrics(met))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(e.Close)

	if e.generateToFile("hello", e.effective(Options{})) == "" {
		t.Fatalf("generateToFile failed: %s", e.LastError())
	}
	e.notifySuppressed()
	e.notifySuppressed()

	var rm metricdata.ResourceMetrics
	if err := reader.Collect(context.Background(), &rm); err != nil {
		t.Fatalf("Collect: %v", err)
	}
	sum := func(name string) int64 {
		var total int64
		for _, sm := range rm.ScopeMetrics {
			for _, mt := range sm.Metrics {
				if mt.Name != name {
					continue
				}
				data, ok := mt.Data.(metricdata.Sum[int64])
				if !ok {
					t.Fatalf("%s data = %T, want Sum[int64]", name, mt.Data)
				}
				for _, dp := range data.DataPoints {
					total += dp.Value
				}
			}
		}
		return total
	}

	if got := sum("earbridge.tts.generations"); got != 1 {
		t.Errorf("tts.generations = %d, want 1", got)
	}
	if got := sum("earbridge.tts.suppressed"); got != 2 {
		t.Errorf("tts.suppressed = %d, want 2", got)
	}
}

func TestResetFailureCounters(t *testing.T) {
	e := newTestEngine(t, "", "true", newFakeClock())
	e.recordGenFailure("exit code 1: x")
	e.recordGenFailure("exit code 1: x")
	e.recordGenFailure("exit code 1: x")
	e.breaker.probeInProgress = true

	e.ResetFailureCounters()

	h := e.APIHealth()
	if !h.Available || h.ConsecutiveFailures != 0 || h.LastError != "" || h.ProbeInProgress {
		t.Errorf("health after reset = %+v, want clean", h)
	}
}

func TestPregenerateObsoletedByNewerCall(t *testing.T) {
	e := newTestEngine(t, "", "true", newFakeClock())
	gen := e.bumpPregenGen()
	if e.pregenObsolete(gen) {
		t.Error("fresh generation reported obsolete")
	}
	e.bumpPregenGen()
	if !e.pregenObsolete(gen) {
		t.Error("superseded generation not reported obsolete")
	}
}

func TestPregeneratePriorityGeneratesCountThenQueues(t *testing.T) {
	dir := t.TempDir()
	count := filepath.Join(dir, "count")
	binary := writeScript(t, dir, "synth", "echo x >> "+count+"\n"+okBody)
	e := newTestEngine(t, binary, "true", newFakeClock())

	e.PregeneratePriority([]string{"one", "two", "three", "four"}, 2, Options{})

	// The first two are generated synchronously.
	data, _ := os.ReadFile(count)
	if got := strings.Count(string(data), "x"); got < 2 {
		t.Errorf("synchronous generations = %d, want >= 2", got)
	}

	// The rest land in the background.
	deadline := time.Now().Add(5 * time.Second)
	for {
		data, _ := os.ReadFile(count)
		if strings.Count(string(data), "x") == 4 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("background pregeneration incomplete: %q", data)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestPlayChimeUnknownStyleIsNoop(t *testing.T) {
	dir := t.TempDir()
	chimeLog := filepath.Join(dir, "plays")
	player := writeScript(t, dir, "player", "echo played >> "+chimeLog)
	e := newTestEngine(t, "", player, newFakeClock())

	e.PlayChime("kazoo")

	if _, err := os.Stat(chimeLog); !os.IsNotExist(err) {
		t.Error("unknown chime style played audio")
	}
}

func TestSynthesizeToneProducesValidWAV(t *testing.T) {
	wav := synthesizeTone(440, 100)
	if len(wav) < minWAVSize {
		t.Fatalf("len = %d, want >= %d", len(wav), minWAVSize)
	}
	if string(wav[:4]) != "RIFF" || string(wav[8:12]) != "WAVE" {
		t.Errorf("bad RIFF header: % x", wav[:12])
	}
	wantSamples := toneSampleRate * 100 / 1000
	if got := len(wav) - minWAVSize; got != 2*wantSamples {
		t.Errorf("PCM bytes = %d, want %d", got, 2*wantSamples)
	}
}
