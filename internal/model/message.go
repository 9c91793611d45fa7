// Package model defines the provider-agnostic conversation representation
// shared by every adapter and policy evaluator. Adapters produce these
// values from provider wire formats; evaluators only ever read them.
package model

// Message roles. Adapters normalize provider-specific framing (e.g. Gemini
// functionResponse parts inside user contents) onto these four roles.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleSystem    = "system"
	RoleTool      = "tool"
)

// CommonMessage is one conversation turn. A new slice is always built by
// adapters; messages are never mutated after construction.
type CommonMessage struct {
	Role      string
	Content   string
	ToolCalls []ToolCall
}

// ToolCall is either a call proposed by the assistant (Arguments set) or a
// result returned by a tool (Result set, carried on a RoleTool message).
type ToolCall struct {
	ID        string
	Name      string
	Arguments map[string]interface{}
	Result    interface{}
}

// ToolDefinition is a tool exposed to the model. Assigned definitions come
// from the agent registry; requested ones from the inbound wire request.
type ToolDefinition struct {
	Name        string
	Description string
	Parameters  map[string]interface{}
}

// ToolResults returns the tool-result entries across all messages, in
// conversation order. These are the inputs to trust evaluation.
func ToolResults(msgs []CommonMessage) []ToolCall {
	var out []ToolCall
	for _, m := range msgs {
		if m.Role != RoleTool {
			continue
		}
		out = append(out, m.ToolCalls...)
	}
	return out
}

// ToolNameByCallID resolves the tool name for a result whose provider wire
// format carries only the originating call ID. It scans prior assistant
// messages newest-first and returns the first matching call.
func ToolNameByCallID(callID string, prior []CommonMessage) (string, bool) {
	for i := len(prior) - 1; i >= 0; i-- {
		if prior[i].Role != RoleAssistant {
			continue
		}
		for _, tc := range prior[i].ToolCalls {
			if tc.ID == callID {
				return tc.Name, true
			}
		}
	}
	return "", false
}
