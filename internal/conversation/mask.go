package conversation

import (
	"fmt"
	"strings"
)

// Flatten rewrites structured tool traffic into plain assistant text.
//
// Different providers' tool-calling wire formats are not compatible
// with each other; replaying one provider's raw tool-call structure
// into another model can produce malformed requests or silently-wrong
// behavior. Flattening is lossy but always valid input to any model.
//
// Assistant messages carrying tool calls are replaced with an
// assistant text message containing a masking marker that names the
// tools. Tool-result messages are replaced with assistant prose,
// dropping the tool_call_id/tool_name linkage. Everything else passes
// through untouched. One diagnostic string is produced per rewritten
// message; a tool result whose call ID was never issued earlier in the
// slice gets an extra anomaly diagnostic (history may predate the
// current system, so this is never fatal).
//
// Flatten is pure: it never mutates its input. When the input contains
// no tool traffic it returns the input slice as-is with nil
// diagnostics, so the common case costs one scan.
func Flatten(raw []Message) ([]Message, []string) {
	hasToolTraffic := false
	for _, m := range raw {
		if m.HasToolCalls() || m.IsToolResult() {
			hasToolTraffic = true
			break
		}
	}
	if !hasToolTraffic {
		return raw, nil
	}

	out := make([]Message, 0, len(raw))
	var diags []string
	seenCalls := make(map[string]bool)

	for _, m := range raw {
		switch {
		case m.HasToolCalls():
			names := make([]string, len(m.ToolCalls))
			for i, tc := range m.ToolCalls {
				names[i] = tc.Name
				seenCalls[tc.ID] = true
			}
			var sb strings.Builder
			sb.WriteString(m.Content)
			if sb.Len() > 0 {
				sb.WriteString("\n")
			}
			fmt.Fprintf(&sb, "[Tool calls to %s were masked due to a model switch]", strings.Join(names, ", "))

			flat := m.Clone()
			flat.Role = RoleAssistant
			flat.Content = sb.String()
			flat.ToolCalls = nil
			out = append(out, flat)
			diags = append(diags, fmt.Sprintf(
				"flatten: assistant tool calls (%s) rewritten as text", strings.Join(names, ", ")))

		case m.IsToolResult():
			if m.ToolCallID == "" || !seenCalls[m.ToolCallID] {
				diags = append(diags, fmt.Sprintf(
					"anomaly: tool result %q has no matching tool call in history", m.ToolCallID))
			}
			name := m.ToolName
			if name == "" {
				name = "tool"
			}
			flat := m.Clone()
			flat.Role = RoleAssistant
			flat.Content = fmt.Sprintf("[Tool result: %s]\n%s", name, m.Content)
			flat.ToolCallID = ""
			flat.ToolName = ""
			out = append(out, flat)
			diags = append(diags, fmt.Sprintf(
				"flatten: %s tool result rewritten as assistant text", name))

		default:
			out = append(out, m)
		}
	}

	return out, diags
}
