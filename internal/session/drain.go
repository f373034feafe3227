package session

import (
	"time"
)

// Collaborator is the side that actually presents items to the operator:
// speaks speech items and renders choices in the UI. The drain loop calls
// Present with the head item and then waits on the item's latch; resolution
// arrives either through the UI ([Session.ResolveFront]) or through the
// collaborator resolving the item itself (speech playback finishing).
type Collaborator interface {
	// Present hands the head item to the operator surface. It must return
	// promptly; long work (speech playback) runs on the collaborator's own
	// goroutines, resolving the item when finished.
	Present(s *Session, it *Item)
}

// speechPresentTimeout bounds how long the drain loop waits for a speech
// item before force-resolving it. Choices wait indefinitely on the operator;
// only speech has a hard ceiling, generously above any playback length.
const speechPresentTimeout = 5 * time.Minute

// StartDrain launches the session's drain loop. One loop per session; it
// exits when the session is closed.
func (s *Session) StartDrain(c Collaborator) {
	go s.runDrain(c)
	s.kick()
}

// runDrain serialises presentation: one item at a time, head of the inbox,
// in order. Every enqueue and every resolution kicks the loop; kicks
// coalesce, so a burst of enqueues wakes it once.
func (s *Session) runDrain(c Collaborator) {
	for {
		select {
		case <-s.stop:
			return
		case <-s.drainKick:
		}

		for {
			head := s.PeekInbox()
			if head == nil {
				break
			}
			s.presentOne(c, head)
			select {
			case <-s.stop:
				return
			default:
			}
		}
	}
}

// presentOne hands head to the collaborator and blocks until it resolves,
// the owner vanishes, or the speech ceiling passes.
func (s *Session) presentOne(c Collaborator, head *Item) {
	head.setProcessing(true)
	if head.Kind != KindSpeech {
		s.setActive(head)
	}
	c.Present(s, head)

	var ownerDone <-chan struct{}
	if head.Owner != nil {
		ownerDone = head.Owner.Done()
	}
	var ceiling <-chan time.Time
	if head.Kind == KindSpeech {
		t := time.NewTimer(speechPresentTimeout)
		defer t.Stop()
		ceiling = t.C
	}

	select {
	case <-head.Latch():
	case <-ownerDone:
		// The enqueuing caller is gone; nobody will consume the answer.
		head.Resolve(Result{Selected: SelectedRestart})
		s.log.Debug("presented item orphaned mid-display", "session", s.ID, "kind", head.Kind)
	case <-ceiling:
		head.Resolve(head.fallbackResult())
		s.log.Warn("presented item timed out, force-resolved", "session", s.ID, "kind", head.Kind)
	case <-s.stop:
		head.Resolve(Result{Selected: SelectedCancelled})
		return
	}

	// Pop the now-done head so the next peek starts clean.
	s.mu.Lock()
	if len(s.inbox) > 0 && s.inbox[0] == head {
		s.popLocked(head)
	}
	s.mu.Unlock()
}
