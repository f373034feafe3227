package session

import (
	"context"
	"fmt"
	"log/slog"
	"testing"
	"time"
)

func newTestSession(t *testing.T) *Session {
	t.Helper()
	s := newSession("sess-1", nil, slog.Default(), time.Now)
	t.Cleanup(s.close)
	return s
}

func choicesItem(preamble string, labels ...string) *Item {
	it := NewItem(KindChoices, context.Background())
	it.Preamble = preamble
	for _, l := range labels {
		it.Choices = append(it.Choices, Choice{Label: l})
	}
	return it
}

func speechItem(text string, priority int) *Item {
	it := NewItem(KindSpeech, context.Background())
	it.Text = text
	it.Priority = priority
	return it
}

func inboxKinds(s *Session) []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, len(s.inbox))
	for i, it := range s.inbox {
		if it.Kind == KindSpeech {
			out[i] = it.Text
		} else {
			out[i] = it.Preamble
		}
	}
	return out
}

func TestEnqueueKeepsFIFOOrder(t *testing.T) {
	s := newTestSession(t)
	s.Enqueue(speechItem("a", 0))
	s.Enqueue(choicesItem("q1", "yes", "no"))
	s.Enqueue(speechItem("b", 0))

	got := inboxKinds(s)
	want := []string{"a", "q1", "b"}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("inbox[%d] = %q, want %q", i, got[i], want[i])
		}
	}
}

func TestUrgentSpeechOvertakesTrailingSpeechOnly(t *testing.T) {
	s := newTestSession(t)
	s.Enqueue(choicesItem("q1", "yes"))
	s.Enqueue(speechItem("calm1", 0))
	s.Enqueue(speechItem("calm2", 0))
	s.Enqueue(speechItem("urgent", 1))

	got := inboxKinds(s)
	want := []string{"q1", "urgent", "calm1", "calm2"}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("inbox[%d] = %q, want %q", i, got[i], want[i])
		}
	}
}

func TestUrgentSpeechNeverPassesChoices(t *testing.T) {
	s := newTestSession(t)
	s.Enqueue(speechItem("calm", 0))
	s.Enqueue(choicesItem("q1", "yes"))
	s.Enqueue(speechItem("urgent", 2))

	got := inboxKinds(s)
	want := []string{"calm", "q1", "urgent"}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("inbox[%d] = %q, want %q", i, got[i], want[i])
		}
	}
}

func TestUrgentSpeechNeverPassesProcessingHead(t *testing.T) {
	s := newTestSession(t)
	head := speechItem("playing", 0)
	s.Enqueue(head)
	head.setProcessing(true)
	s.Enqueue(speechItem("urgent", 1))

	got := inboxKinds(s)
	want := []string{"playing", "urgent"}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("inbox[%d] = %q, want %q", i, got[i], want[i])
		}
	}
}

func TestDedupEnqueuePiggybacksIdenticalChoices(t *testing.T) {
	s := newTestSession(t)
	first := choicesItem("deploy?", "yes", "no")
	second := choicesItem("deploy?", "yes", "no")

	got1 := s.DedupEnqueue(first)
	got2 := s.DedupEnqueue(second)

	if got1 != first {
		t.Errorf("first DedupEnqueue returned a different item")
	}
	if got2 != first {
		t.Errorf("second DedupEnqueue did not piggyback on the first item")
	}
	if n := s.InboxLen(); n != 1 {
		t.Errorf("InboxLen() = %d, want 1", n)
	}

	// Both callers wait on the shared item's latch.
	s.ResolveFront(Result{Selected: "yes"})
	select {
	case <-got2.Latch():
	case <-time.After(time.Second):
		t.Fatal("piggybacked latch never signalled")
	}
}

func TestDedupEnqueueDifferentPreambleEnqueuesBoth(t *testing.T) {
	s := newTestSession(t)
	s.DedupEnqueue(choicesItem("q1", "yes"))
	s.DedupEnqueue(choicesItem("q2", "yes"))
	if n := s.InboxLen(); n != 2 {
		t.Errorf("InboxLen() = %d, want 2", n)
	}
}

func TestPeekDrainsConsecutiveOrphans(t *testing.T) {
	s := newTestSession(t)
	ctx1, cancel1 := context.WithCancel(context.Background())
	ctx2, cancel2 := context.WithCancel(context.Background())

	o1 := NewItem(KindChoices, ctx1)
	o1.Preamble = "orphan1"
	o2 := NewItem(KindSpeech, ctx2)
	o2.Text = "orphan2"
	live := choicesItem("live", "ok")

	s.Enqueue(o1)
	s.Enqueue(o2)
	s.Enqueue(live)
	cancel1()
	cancel2()

	head := s.PeekInbox()
	if head != live {
		t.Fatalf("PeekInbox() = %v, want the live item", head)
	}
	for _, o := range []*Item{o1, o2} {
		res := o.Result()
		if res == nil || res.Selected != SelectedRestart {
			t.Errorf("orphan result = %v, want %q", res, SelectedRestart)
		}
	}
	// Restart-resolved items never enter the done log.
	if n := s.DoneCount(); n != 0 {
		t.Errorf("DoneCount() = %d, want 0", n)
	}
}

func TestResolveFrontFirstWins(t *testing.T) {
	s := newTestSession(t)
	it := choicesItem("q", "a", "b")
	s.Enqueue(it)

	if !s.ResolveFront(Result{Selected: "a"}) {
		t.Fatal("first ResolveFront returned false")
	}
	if s.ResolveFront(Result{Selected: "b"}) {
		t.Error("second ResolveFront succeeded, want first-wins")
	}
	if res := it.Result(); res.Selected != "a" {
		t.Errorf("result = %q, want %q", res.Selected, "a")
	}
}

func TestUndoStackRoundTripAndMirrors(t *testing.T) {
	s := newTestSession(t)
	s.PushUndo(UndoEntry{Preamble: "p1", Choices: []Choice{{Label: "a"}}, Selection: "a"})
	s.PushUndo(UndoEntry{Preamble: "p2", Choices: []Choice{{Label: "b"}}, Selection: "b"})

	if p, _ := s.LastPresented(); p != "p2" {
		t.Errorf("LastPresented preamble = %q, want %q", p, "p2")
	}

	top, depth, ok := s.PopUndo()
	if !ok || top.Preamble != "p2" || depth != 1 {
		t.Errorf("PopUndo() = (%q, %d, %v), want (p2, 1, true)", top.Preamble, depth, ok)
	}
	if p, _ := s.LastPresented(); p != "p1" {
		t.Errorf("mirror after pop = %q, want %q", p, "p1")
	}

	_, _, _ = s.PopUndo()
	if p, cs := s.LastPresented(); p != "" || cs != nil {
		t.Errorf("mirror after emptying = (%q, %v), want empty", p, cs)
	}
	if _, _, ok := s.PopUndo(); ok {
		t.Error("PopUndo on empty stack returned true")
	}
}

func TestUndoStackCapped(t *testing.T) {
	s := newTestSession(t)
	for i := 0; i < undoCap+3; i++ {
		s.PushUndo(UndoEntry{Preamble: fmt.Sprintf("p%d", i)})
	}
	if d := s.UndoDepth(); d != undoCap {
		t.Errorf("UndoDepth() = %d, want %d", d, undoCap)
	}
	top, _, _ := s.PopUndo()
	if want := fmt.Sprintf("p%d", undoCap+2); top.Preamble != want {
		t.Errorf("top preamble = %q, want %q", top.Preamble, want)
	}
}

func TestSpeechLogCapped(t *testing.T) {
	s := newTestSession(t)
	for i := 0; i < speechLogCap+10; i++ {
		s.AddSpeech(fmt.Sprintf("line %d", i), true)
	}
	log := s.SpeechLog(0)
	if len(log) != speechLogCap {
		t.Fatalf("len(SpeechLog) = %d, want %d", len(log), speechLogCap)
	}
	if want := fmt.Sprintf("line %d", speechLogCap+9); log[len(log)-1].Text != want {
		t.Errorf("newest entry = %q, want %q", log[len(log)-1].Text, want)
	}
}

func TestQueueAndDrainMessages(t *testing.T) {
	s := newTestSession(t)
	if n := s.QueueMessage("hello"); n != 1 {
		t.Errorf("QueueMessage = %d, want 1", n)
	}
	s.QueueMessage("world")

	got := s.DrainMessages()
	if len(got) != 2 || got[0] != "hello" || got[1] != "world" {
		t.Errorf("DrainMessages() = %v, want [hello world]", got)
	}
	if n := s.PendingCount(); n != 0 {
		t.Errorf("PendingCount after drain = %d, want 0", n)
	}
	if again := s.DrainMessages(); again != nil {
		t.Errorf("second DrainMessages() = %v, want nil", again)
	}
}

func TestCancelAllPending(t *testing.T) {
	s := newTestSession(t)
	a := choicesItem("q1", "yes")
	b := speechItem("text", 0)
	s.Enqueue(a)
	s.Enqueue(b)

	if n := s.CancelAllPending(); n != 2 {
		t.Errorf("CancelAllPending() = %d, want 2", n)
	}
	if res := a.Result(); res == nil || res.Selected != SelectedCancelled {
		t.Errorf("choices result = %v, want %q", res, SelectedCancelled)
	}
	if s.InboxLen() != 0 {
		t.Errorf("inbox not emptied")
	}
}

func TestSetHealthAlertsOnce(t *testing.T) {
	s := newTestSession(t)
	if !s.SetHealth(HealthWarning) {
		t.Error("first warning transition should alert")
	}
	if s.SetHealth(HealthUnresponsive) {
		t.Error("escalation after an alert should not alert again")
	}
	s.TouchToolCall("speak")
	if h := s.Health(); h != HealthHealthy {
		t.Errorf("Health after tool call = %q, want healthy", h)
	}
	if !s.SetHealth(HealthWarning) {
		t.Error("warning after recovery should alert again")
	}
}

func TestMatchChoice(t *testing.T) {
	choices := []Choice{
		{Label: "Deploy to staging"},
		{Label: "Deploy to production"},
		{Label: "Abort"},
	}

	tests := []struct {
		input string
		want  string
		ok    bool
	}{
		{"Abort", "Abort", true},
		{"2", "Deploy to production", true},
		{"ab", "Abort", true},
		{"Abrot", "Abort", true},
		{"deploy", "", false}, // ambiguous prefix
		{"ship it somewhere", "", false},
		{"", "", false},
	}
	for _, tt := range tests {
		got, ok := MatchChoice(tt.input, choices)
		if ok != tt.ok || (ok && got.Label != tt.want) {
			t.Errorf("MatchChoice(%q) = (%q, %v), want (%q, %v)", tt.input, got.Label, ok, tt.want, tt.ok)
		}
	}
}
