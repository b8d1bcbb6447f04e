package conversation

// ViewBuilder decides, per outbound request, whether the raw history
// is safe to replay to the target model or must be masked first. It
// has no side effects: neither the session nor the raw history is ever
// mutated.
type ViewBuilder struct {
	mask func([]Message) ([]Message, []string)
}

// NewViewBuilder creates a builder using the flattening masker. There
// is exactly one masking implementation; the indirection exists so
// tests can observe whether masking was invoked.
func NewViewBuilder() *ViewBuilder {
	return &ViewBuilder{mask: Flatten}
}

// BuildView produces the outbound projection of messages for
// targetModel. sess supplies session continuity (the recorded
// last-used model) and may be nil for stateless calls.
//
// Decision rule:
//  1. No session — return the raw messages unchanged; masking is
//     neither possible nor needed without continuity.
//  2. No tool-call or tool-result messages in the history — nothing to
//     mask, return raw.
//  3. Recorded last-used model equals targetModel — the tool-call
//     structure is still valid for this model, return raw.
//  4. Models differ, or no model is recorded — mask. Absent provenance
//     is deliberately treated as incompatible, never as safe.
func (b *ViewBuilder) BuildView(messages []Message, sess *Session, targetModel string) View {
	if sess == nil {
		return ViewOf(messages)
	}
	if !hasToolTraffic(messages) {
		return ViewOf(messages)
	}
	if last, ok := sess.LastModel(); ok && last == targetModel {
		return ViewOf(messages)
	}
	masked, diags := b.mask(messages)
	return NewView(masked, diags)
}

// BuildSessionView is a convenience for callers that want the
// session's own history projected; it is a thin bridge over BuildView,
// not a second implementation.
func (b *ViewBuilder) BuildSessionView(sess *Session, targetModel string) View {
	if sess == nil {
		return ViewOf(nil)
	}
	return b.BuildView(sess.Messages(), sess, targetModel)
}

func hasToolTraffic(messages []Message) bool {
	for _, m := range messages {
		if m.HasToolCalls() || m.IsToolResult() {
			return true
		}
	}
	return false
}
