// Package session implements the broker's core: per-agent sessions, the
// inbox state machine that serialises operator questions, the per-session
// drain loop, and the session manager with focus and tab navigation.
package session

import (
	"context"
	"sync"
	"time"
)

// Kind classifies one unit of operator work.
type Kind string

const (
	// KindChoices presents a menu and blocks the agent until one entry is
	// selected.
	KindChoices Kind = "choices"

	// KindMultiSelect presents a list where several entries may be picked.
	KindMultiSelect Kind = "multi_select"

	// KindSpeech speaks text to the operator.
	KindSpeech Kind = "speech"

	// KindConfirm presents a yes/no style confirmation dialog.
	KindConfirm Kind = "confirm"
)

// IsValid reports whether k is a recognised item kind.
func (k Kind) IsValid() bool {
	switch k {
	case KindChoices, KindMultiSelect, KindSpeech, KindConfirm:
		return true
	}
	return false
}

// Sentinel selections with control-flow meaning rather than a user choice.
const (
	// SelectedUndo is written by the undo key; the dispatcher consumes it
	// and re-enqueues the same item, so agents never see it.
	SelectedUndo = "_undo"

	// SelectedCancelled marks an item force-resolved without operator input.
	SelectedCancelled = "_cancelled"

	// SelectedSpeechDone marks completed (or force-completed) speech.
	SelectedSpeechDone = "_speech_done"

	// SelectedRestart marks an orphaned item; a revived caller should
	// redo the same tool call.
	SelectedRestart = "_restart"

	// SelectedSkip marks an item the operator deliberately skipped.
	SelectedSkip = "_skip"
)

// FreeformSummary flags a selection that was typed rather than picked.
const FreeformSummary = "(freeform input)"

// Choice is one selectable entry in a choices or multi_select item.
type Choice struct {
	Label   string   `json:"label"`
	Summary string   `json:"summary,omitempty"`
	Flags   []string `json:"flags,omitempty"`
}

// Result is the operator's resolution of an item.
type Result struct {
	// Selected is the chosen label or a sentinel. For multi_select items
	// it is empty and Multi carries the picks.
	Selected string `json:"selected"`

	// Multi holds multi_select picks.
	Multi []string `json:"multi,omitempty"`

	// Summary is the chosen entry's summary, or [FreeformSummary] when
	// the operator typed free text into Selected.
	Summary string `json:"summary"`
}

// Item is one unit of work awaiting operator action. Fields above the mutex
// are immutable after construction.
type Item struct {
	Kind     Kind
	Preamble string
	Choices  []Choice
	Text     string
	Blocking bool
	Priority int

	// Owner is the enqueuing caller's context. When it is cancelled the
	// item is orphaned and the next inbox peek resolves it with
	// [SelectedRestart]. A nil owner never orphans.
	Owner context.Context

	Timestamp time.Time

	mu         sync.Mutex
	processing bool
	done       bool
	result     *Result

	latch     chan struct{}
	latchOnce sync.Once
}

// NewItem builds an item with an armed completion latch.
func NewItem(kind Kind, owner context.Context) *Item {
	return &Item{
		Kind:      kind,
		Owner:     owner,
		Timestamp: time.Now(),
		latch:     make(chan struct{}),
	}
}

// Latch returns the completion latch. It is closed exactly once, when the
// item is resolved.
func (it *Item) Latch() <-chan struct{} { return it.latch }

// Done reports whether the item has been resolved.
func (it *Item) Done() bool {
	it.mu.Lock()
	defer it.mu.Unlock()
	return it.done
}

// Processing reports whether the drain loop has handed the item to the
// collaborator.
func (it *Item) Processing() bool {
	it.mu.Lock()
	defer it.mu.Unlock()
	return it.processing
}

// Result returns the resolution, or nil while the item is pending.
func (it *Item) Result() *Result {
	it.mu.Lock()
	defer it.mu.Unlock()
	return it.result
}

// Resolve writes the result, marks the item done, and signals the latch.
// The first resolution wins; later calls are ignored so force-cancel paths
// can race the operator safely.
func (it *Item) Resolve(res Result) bool {
	it.mu.Lock()
	if it.done {
		it.mu.Unlock()
		return false
	}
	it.done = true
	it.result = &res
	it.processing = false
	it.mu.Unlock()

	it.latchOnce.Do(func() { close(it.latch) })
	return true
}

// setProcessing flips the processing flag. Only the drain loop calls this.
func (it *Item) setProcessing(v bool) {
	it.mu.Lock()
	it.processing = v
	it.mu.Unlock()
}

// orphaned reports whether the owning caller is gone.
func (it *Item) orphaned() bool {
	return it.Owner != nil && it.Owner.Err() != nil
}

// fallbackResult is the kind-specific forced resolution used when the
// collaborator fails mid-presentation.
func (it *Item) fallbackResult() Result {
	if it.Kind == KindSpeech {
		return Result{Selected: SelectedSpeechDone}
	}
	return Result{Selected: SelectedCancelled}
}

// labels returns the choice labels, for events and matching.
func (it *Item) labels() []string {
	out := make([]string, len(it.Choices))
	for i, c := range it.Choices {
		out[i] = c.Label
	}
	return out
}
