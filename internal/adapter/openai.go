package adapter

import (
	"encoding/json"

	"github.com/bastion-ai/bastion/internal/model"
)

// OpenAIAdapter handles the chat.completions wire shape. Cerebras and
// Zhipu expose the identical shape and share this adapter under their own
// provider names.
type OpenAIAdapter struct {
	provider string
}

func (a *OpenAIAdapter) Name() string { return a.provider }

type oaRequest struct {
	Messages []oaMessage `json:"messages"`
}

type oaMessage struct {
	Role       string          `json:"role"`
	Content    json.RawMessage `json:"content"`
	Name       string          `json:"name"`
	ToolCalls  []oaToolCall    `json:"tool_calls"`
	ToolCallID string          `json:"tool_call_id"`
}

// oaToolCall is the tagged tool-call variant. Type may be "function",
// "custom", or absent; absent and ambiguous entries are treated as the
// provider's default function style.
type oaToolCall struct {
	ID       string      `json:"id"`
	Type     string      `json:"type"`
	Function *oaFunction `json:"function"`
	Custom   *oaCustom   `json:"custom"`
}

type oaFunction struct {
	Name      string `json:"name"`
	Arguments string `json:"arguments"`
}

type oaCustom struct {
	Name  string `json:"name"`
	Input string `json:"input"`
}

func (c *oaToolCall) name() string {
	if c.Function != nil {
		return c.Function.Name
	}
	if c.Custom != nil {
		return c.Custom.Name
	}
	return ""
}

func (c *oaToolCall) arguments() map[string]interface{} {
	if c.Function != nil {
		return parseArguments([]byte(c.Function.Arguments))
	}
	if c.Custom != nil {
		return parseArguments([]byte(c.Custom.Input))
	}
	return map[string]interface{}{}
}

// oaContentText flattens string-or-parts content to plain text.
func oaContentText(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	var parts []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	}
	if err := json.Unmarshal(raw, &parts); err != nil {
		return ""
	}
	var out string
	for _, p := range parts {
		if p.Type == "text" || p.Type == "input_text" || p.Type == "output_text" {
			out += p.Text
		}
	}
	return out
}

func (a *OpenAIAdapter) ToCommon(body []byte) ([]model.CommonMessage, error) {
	var req oaRequest
	if err := json.Unmarshal(body, &req); err != nil {
		return nil, err
	}
	out := make([]model.CommonMessage, 0, len(req.Messages))
	for _, m := range req.Messages {
		switch m.Role {
		case "tool":
			name := m.Name
			if resolved, ok := model.ToolNameByCallID(m.ToolCallID, out); ok {
				name = resolved
			}
			out = append(out, model.CommonMessage{
				Role: model.RoleTool,
				ToolCalls: []model.ToolCall{{
					ID:     m.ToolCallID,
					Name:   name,
					Result: parseJSONValue(oaContentText(m.Content)),
				}},
			})
		case "assistant":
			cm := model.CommonMessage{Role: model.RoleAssistant, Content: oaContentText(m.Content)}
			for _, tc := range m.ToolCalls {
				cm.ToolCalls = append(cm.ToolCalls, model.ToolCall{
					ID:        tc.ID,
					Name:      tc.name(),
					Arguments: tc.arguments(),
				})
			}
			out = append(out, cm)
		default:
			out = append(out, model.CommonMessage{Role: m.Role, Content: oaContentText(m.Content)})
		}
	}
	return out, nil
}

func (a *OpenAIAdapter) ApplyUpdates(body []byte, updates map[string]string) ([]byte, error) {
	if len(updates) == 0 {
		return body, nil
	}
	var m map[string]interface{}
	if err := json.Unmarshal(body, &m); err != nil {
		return nil, err
	}
	msgs, ok := m["messages"].([]interface{})
	if !ok {
		return body, nil
	}
	for _, raw := range msgs {
		msg, ok := raw.(map[string]interface{})
		if !ok {
			continue
		}
		role, _ := msg["role"].(string)
		id, _ := msg["tool_call_id"].(string)
		if role != "tool" || id == "" {
			continue
		}
		if replacement, ok := updates[id]; ok {
			msg["content"] = replacement
		}
	}
	return json.Marshal(m)
}

func (a *OpenAIAdapter) ExtractUserRequest(body []byte) string {
	var req oaRequest
	if err := json.Unmarshal(body, &req); err != nil {
		return FallbackUserRequest
	}
	for i := len(req.Messages) - 1; i >= 0; i-- {
		if req.Messages[i].Role != "user" {
			continue
		}
		if text := firstText(req.Messages[i].Content); text != "" {
			return text
		}
		return FallbackUserRequest
	}
	return FallbackUserRequest
}

// firstText returns plain string content, or the first text-typed part of
// structured content.
func firstText(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	var parts []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	}
	if err := json.Unmarshal(raw, &parts); err != nil {
		return ""
	}
	for _, p := range parts {
		if (p.Type == "text" || p.Type == "input_text") && p.Text != "" {
			return p.Text
		}
	}
	return ""
}

func (a *OpenAIAdapter) UsageTokens(responseBody []byte) Usage {
	var resp struct {
		Usage struct {
			PromptTokens     int `json:"prompt_tokens"`
			CompletionTokens int `json:"completion_tokens"`
		} `json:"usage"`
	}
	if err := json.Unmarshal(responseBody, &resp); err != nil {
		return Usage{}
	}
	return Usage{Input: resp.Usage.PromptTokens, Output: resp.Usage.CompletionTokens}
}

// oaToolEntryName extracts the name from a raw tool entry regardless of
// declared type ("function", "custom", or Responses-API flat form).
func oaToolEntryName(tool map[string]interface{}) string {
	if fn, ok := tool["function"].(map[string]interface{}); ok {
		if n, ok := fn["name"].(string); ok {
			return n
		}
	}
	if c, ok := tool["custom"].(map[string]interface{}); ok {
		if n, ok := c["name"].(string); ok {
			return n
		}
	}
	if n, ok := tool["name"].(string); ok {
		return n
	}
	return ""
}

func (a *OpenAIAdapter) MergeTools(body []byte, assigned []model.ToolDefinition) ([]byte, error) {
	var m map[string]interface{}
	if err := json.Unmarshal(body, &m); err != nil {
		return nil, err
	}

	byName := map[string]interface{}{}
	var requestedNames []string
	if rawTools, ok := m["tools"].([]interface{}); ok {
		for _, raw := range rawTools {
			tool, ok := raw.(map[string]interface{})
			if !ok {
				continue
			}
			name := oaToolEntryName(tool)
			if name == "" {
				continue
			}
			if _, dup := byName[name]; !dup {
				requestedNames = append(requestedNames, name)
			}
			byName[name] = tool
		}
	}

	assignedNames := make([]string, 0, len(assigned))
	for _, t := range assigned {
		assignedNames = append(assignedNames, t.Name)
		fn := map[string]interface{}{
			"name":       t.Name,
			"parameters": model.NormalizeSchema(t.Parameters),
		}
		if t.Description != "" {
			fn["description"] = t.Description
		}
		// Assigned tools always win and are always emitted function-style,
		// replacing even a same-named custom tool from the request.
		byName[t.Name] = map[string]interface{}{
			"type":     "function",
			"function": fn,
		}
	}

	order, _ := mergedNames(requestedNames, assignedNames)
	if len(order) == 0 {
		delete(m, "tools")
		return json.Marshal(m)
	}
	merged := make([]interface{}, 0, len(order))
	for _, n := range order {
		merged = append(merged, byName[n])
	}
	m["tools"] = merged
	return json.Marshal(m)
}

func (a *OpenAIAdapter) ProposedToolCalls(responseBody []byte) []model.ToolCall {
	var resp struct {
		Choices []struct {
			Message struct {
				ToolCalls []oaToolCall `json:"tool_calls"`
			} `json:"message"`
		} `json:"choices"`
	}
	if err := json.Unmarshal(responseBody, &resp); err != nil {
		return nil
	}
	var calls []model.ToolCall
	for _, choice := range resp.Choices {
		for _, tc := range choice.Message.ToolCalls {
			calls = append(calls, model.ToolCall{
				ID:        tc.ID,
				Name:      tc.name(),
				Arguments: tc.arguments(),
			})
		}
	}
	return calls
}

func (a *OpenAIAdapter) WriteRefusal(responseBody []byte, text string) ([]byte, error) {
	var m map[string]interface{}
	if err := json.Unmarshal(responseBody, &m); err != nil {
		return nil, err
	}
	choices, _ := m["choices"].([]interface{})
	for _, raw := range choices {
		choice, ok := raw.(map[string]interface{})
		if !ok {
			continue
		}
		msg, ok := choice["message"].(map[string]interface{})
		if !ok {
			msg = map[string]interface{}{"role": "assistant"}
			choice["message"] = msg
		}
		msg["content"] = text
		delete(msg, "tool_calls")
		choice["finish_reason"] = "stop"
	}
	return json.Marshal(m)
}
