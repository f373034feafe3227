package bus

// Emit helpers for the event types the core publishes on state changes.
// Each builds the canonical data payload and publishes it.

// EmitChoicesPresented announces a new choices prompt for a session.
func (b *Bus) EmitChoicesPresented(sessionID, preamble string, labels []string) {
	b.Emit(EventChoicesPresented, sessionID, map[string]any{
		"preamble": preamble,
		"choices":  labels,
	})
}

// EmitSpeechRequested announces queued speech for a session.
func (b *Bus) EmitSpeechRequested(sessionID, text string, blocking bool) {
	b.Emit(EventSpeechRequested, sessionID, map[string]any{
		"text":     text,
		"blocking": blocking,
	})
}

// EmitSessionCreated announces a newly created session.
func (b *Bus) EmitSessionCreated(sessionID, name string) {
	b.Emit(EventSessionCreated, sessionID, map[string]any{
		"name": name,
	})
}

// EmitSessionRemoved announces a removed session.
func (b *Bus) EmitSessionRemoved(sessionID, reason string) {
	b.Emit(EventSessionRemoved, sessionID, map[string]any{
		"reason": reason,
	})
}

// EmitSelectionMade announces that the operator resolved a prompt.
func (b *Bus) EmitSelectionMade(sessionID, selected string) {
	b.Emit(EventSelectionMade, sessionID, map[string]any{
		"selected": selected,
	})
}

// EmitRecordingState announces an STT recording state change.
func (b *Bus) EmitRecordingState(sessionID string, recording bool) {
	b.Emit(EventRecordingState, sessionID, map[string]any{
		"recording": recording,
	})
}

// EmitSettingsChanged announces a settings mutation or config reload.
func (b *Bus) EmitSettingsChanged(settings map[string]any) {
	b.Emit(EventSettingsChanged, "", settings)
}
