package procgroup

import (
	"testing"
	"time"
)

func startSleep(t *testing.T, s *Supervisor, tag string) *Proc {
	t.Helper()
	p, err := s.Start("sleep", []string{"30"}, StartConfig{Tag: tag, UsePgid: true})
	if err != nil {
		t.Fatalf("Start sleep: %v", err)
	}
	return p
}

func waitDead(t *testing.T, p *Proc) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for p.Alive() {
		if time.Now().After(deadline) {
			t.Fatalf("process %d still alive after kill", p.Pid())
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestStartTracksProcess(t *testing.T) {
	s := NewSupervisor()
	p := startSleep(t, s, "playback")
	defer s.CancelAll()

	if !p.Alive() {
		t.Error("Alive = false immediately after Start")
	}
	if p.Pid() <= 0 {
		t.Errorf("Pid = %d, want > 0", p.Pid())
	}
	if got := s.ActiveCount(); got != 1 {
		t.Errorf("ActiveCount = %d, want 1", got)
	}
}

func TestCancelAllKillsEverything(t *testing.T) {
	s := NewSupervisor()
	p1 := startSleep(t, s, "playback")
	p2 := startSleep(t, s, "tts")

	s.CancelAll()
	waitDead(t, p1)
	waitDead(t, p2)

	if s.HasActive("") {
		t.Error("HasActive = true after CancelAll")
	}
	// Killing again is a no-op.
	s.CancelAll()
}

func TestCancelTaggedPreservesOthers(t *testing.T) {
	s := NewSupervisor()
	playback := startSleep(t, s, "playback")
	tts := startSleep(t, s, "tts")
	defer s.CancelAll()

	s.CancelTagged("playback")
	waitDead(t, playback)

	if !tts.Alive() {
		t.Error("tts process was killed by CancelTagged(playback)")
	}
	if s.HasActive("playback") {
		t.Error(`HasActive("playback") = true after CancelTagged`)
	}
	if !s.HasActive("tts") {
		t.Error(`HasActive("tts") = false, want true`)
	}
}

func TestGetByTagReturnsMostRecentLive(t *testing.T) {
	s := NewSupervisor()
	old := startSleep(t, s, "playback")
	newer := startSleep(t, s, "playback")
	defer s.CancelAll()

	if got := s.GetByTag("playback"); got != newer {
		t.Errorf("GetByTag returned pid %d, want most recent %d", got.Pid(), newer.Pid())
	}

	newer.Kill()
	waitDead(t, newer)
	if got := s.GetByTag("playback"); got != old {
		t.Error("GetByTag did not fall back to the older live process")
	}
	if got := s.GetByTag("missing"); got != nil {
		t.Errorf("GetByTag(missing) = %v, want nil", got)
	}
}

func TestPruneOnStart(t *testing.T) {
	s := NewSupervisor()
	p, err := s.Start("true", nil, StartConfig{Tag: "short"})
	if err != nil {
		t.Fatalf("Start true: %v", err)
	}
	_ = p.Wait()

	startSleep(t, s, "playback")
	defer s.CancelAll()

	s.mu.Lock()
	n := len(s.active)
	s.mu.Unlock()
	if n != 1 {
		t.Errorf("tracked entries = %d, want 1 (dead entry pruned)", n)
	}
}

func TestWaitReturnsChildResult(t *testing.T) {
	s := NewSupervisor()
	p, err := s.Start("true", nil, StartConfig{Tag: "short"})
	if err != nil {
		t.Fatalf("Start true: %v", err)
	}

	// The background reaper must not steal the exit status: every waiter
	// sees the child's real result, never "no child processes".
	const waiters = 4
	errs := make(chan error, waiters)
	for i := 0; i < waiters; i++ {
		go func() { errs <- p.Wait() }()
	}
	for i := 0; i < waiters; i++ {
		if err := <-errs; err != nil {
			t.Errorf("Wait() = %v, want nil", err)
		}
	}

	f, err := s.Start("false", nil, StartConfig{Tag: "short"})
	if err != nil {
		t.Fatalf("Start false: %v", err)
	}
	if err := f.Wait(); err == nil {
		t.Error("Wait() = nil for failing child, want exit error")
	}
	if err := f.Wait(); err == nil {
		t.Error("second Wait() lost the stored exit error")
	}
}

func TestStartFailurePropagates(t *testing.T) {
	s := NewSupervisor()
	if _, err := s.Start("/nonexistent/binary", nil, StartConfig{}); err == nil {
		t.Error("Start of missing binary returned nil error")
	}
	if s.ActiveCount() != 0 {
		t.Errorf("ActiveCount = %d after failed Start, want 0", s.ActiveCount())
	}
}
