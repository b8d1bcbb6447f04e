package conversation

// View is a derived, disposable projection of raw history, built fresh
// for every outbound model call and never persisted. Construction
// copies, never aliases: mutating the caller's slices afterwards does
// not change the view, and the accessors hand out fresh copies so the
// view itself cannot be mutated through them.
type View struct {
	messages    []Message
	diagnostics []string
}

// NewView builds a view from messages and the diagnostics describing
// any transformations applied. Nil slices become empty ones.
func NewView(messages []Message, diagnostics []string) View {
	diags := make([]string, len(diagnostics))
	copy(diags, diagnostics)
	return View{
		messages:    cloneMessages(messages),
		diagnostics: diags,
	}
}

// ViewOf builds a pass-through view with empty diagnostics.
func ViewOf(messages []Message) View {
	return NewView(messages, nil)
}

// Messages returns a copy of the projected messages.
func (v View) Messages() []Message {
	return cloneMessages(v.messages)
}

// Diagnostics returns a copy of the transformation diagnostics. Empty
// when the view is a pass-through of raw history.
func (v View) Diagnostics() []string {
	out := make([]string, len(v.diagnostics))
	copy(out, v.diagnostics)
	return out
}

// Masked reports whether any transformation was applied.
func (v View) Masked() bool {
	return len(v.diagnostics) > 0
}
