package adapter

import (
	"encoding/json"

	"github.com/bastion-ai/bastion/internal/model"
)

// AnthropicAdapter handles the messages API wire shape: content-block
// arrays with text / tool_use / tool_result variants.
type AnthropicAdapter struct{}

func (a *AnthropicAdapter) Name() string { return "anthropic" }

type antRequest struct {
	System   json.RawMessage `json:"system"`
	Messages []antMessage    `json:"messages"`
}

type antMessage struct {
	Role    string          `json:"role"`
	Content json.RawMessage `json:"content"`
}

// antBlock is the tagged content-block variant.
type antBlock struct {
	Type      string          `json:"type"`
	Text      string          `json:"text"`
	ID        string          `json:"id"`
	Name      string          `json:"name"`
	Input     json.RawMessage `json:"input"`
	ToolUseID string          `json:"tool_use_id"`
	Content   json.RawMessage `json:"content"`
}

// antBlocks decodes string-or-array content into blocks, treating a bare
// string as a single text block.
func antBlocks(raw json.RawMessage) []antBlock {
	if len(raw) == 0 {
		return nil
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return []antBlock{{Type: "text", Text: s}}
	}
	var blocks []antBlock
	if err := json.Unmarshal(raw, &blocks); err != nil {
		return nil
	}
	return blocks
}

// antBlockText concatenates text blocks.
func antBlockText(blocks []antBlock) string {
	var out string
	for _, b := range blocks {
		if b.Type == "text" {
			out += b.Text
		}
	}
	return out
}

// antResultText flattens a tool_result's content, which may be a string or
// an array of text blocks.
func antResultText(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	return antBlockText(antBlocks(raw))
}

func (a *AnthropicAdapter) ToCommon(body []byte) ([]model.CommonMessage, error) {
	var req antRequest
	if err := json.Unmarshal(body, &req); err != nil {
		return nil, err
	}
	var out []model.CommonMessage
	if sys := antBlockText(antBlocks(req.System)); sys != "" {
		out = append(out, model.CommonMessage{Role: model.RoleSystem, Content: sys})
	}
	for _, m := range req.Messages {
		blocks := antBlocks(m.Content)
		switch m.Role {
		case "assistant":
			cm := model.CommonMessage{Role: model.RoleAssistant, Content: antBlockText(blocks)}
			for _, b := range blocks {
				if b.Type != "tool_use" {
					continue
				}
				cm.ToolCalls = append(cm.ToolCalls, model.ToolCall{
					ID:        b.ID,
					Name:      b.Name,
					Arguments: parseArguments(b.Input),
				})
			}
			out = append(out, cm)
		default:
			// User messages carry tool_result blocks answering the previous
			// assistant turn; those become a tool-role message, remaining
			// text stays a user message.
			var results []model.ToolCall
			for _, b := range blocks {
				if b.Type != "tool_result" {
					continue
				}
				name, _ := model.ToolNameByCallID(b.ToolUseID, out)
				results = append(results, model.ToolCall{
					ID:     b.ToolUseID,
					Name:   name,
					Result: parseJSONValue(antResultText(b.Content)),
				})
			}
			if len(results) > 0 {
				out = append(out, model.CommonMessage{Role: model.RoleTool, ToolCalls: results})
			}
			if text := antBlockText(blocks); text != "" {
				out = append(out, model.CommonMessage{Role: model.RoleUser, Content: text})
			}
		}
	}
	return out, nil
}

func (a *AnthropicAdapter) ApplyUpdates(body []byte, updates map[string]string) ([]byte, error) {
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
	for _, rawMsg := range msgs {
		msg, ok := rawMsg.(map[string]interface{})
		if !ok {
			continue
		}
		blocks, ok := msg["content"].([]interface{})
		if !ok {
			continue
		}
		for _, rawBlock := range blocks {
			block, ok := rawBlock.(map[string]interface{})
			if !ok {
				continue
			}
			if t, _ := block["type"].(string); t != "tool_result" {
				continue
			}
			id, _ := block["tool_use_id"].(string)
			if replacement, ok := updates[id]; ok {
				block["content"] = replacement
			}
		}
	}
	return json.Marshal(m)
}

func (a *AnthropicAdapter) ExtractUserRequest(body []byte) string {
	var req antRequest
	if err := json.Unmarshal(body, &req); err != nil {
		return FallbackUserRequest
	}
	for i := len(req.Messages) - 1; i >= 0; i-- {
		if req.Messages[i].Role != "user" {
			continue
		}
		for _, b := range antBlocks(req.Messages[i].Content) {
			if b.Type == "text" && b.Text != "" {
				return b.Text
			}
		}
		return FallbackUserRequest
	}
	return FallbackUserRequest
}

func (a *AnthropicAdapter) UsageTokens(responseBody []byte) Usage {
	var resp struct {
		Usage struct {
			InputTokens  int `json:"input_tokens"`
			OutputTokens int `json:"output_tokens"`
		} `json:"usage"`
	}
	if err := json.Unmarshal(responseBody, &resp); err != nil {
		return Usage{}
	}
	return Usage{Input: resp.Usage.InputTokens, Output: resp.Usage.OutputTokens}
}

func (a *AnthropicAdapter) MergeTools(body []byte, assigned []model.ToolDefinition) ([]byte, error) {
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
			name, _ := tool["name"].(string)
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
		entry := map[string]interface{}{
			"name":         t.Name,
			"input_schema": model.NormalizeSchema(t.Parameters),
		}
		if t.Description != "" {
			entry["description"] = t.Description
		}
		byName[t.Name] = entry
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

func (a *AnthropicAdapter) ProposedToolCalls(responseBody []byte) []model.ToolCall {
	var resp struct {
		Content []antBlock `json:"content"`
	}
	if err := json.Unmarshal(responseBody, &resp); err != nil {
		return nil
	}
	var calls []model.ToolCall
	for _, b := range resp.Content {
		if b.Type != "tool_use" {
			continue
		}
		calls = append(calls, model.ToolCall{
			ID:        b.ID,
			Name:      b.Name,
			Arguments: parseArguments(b.Input),
		})
	}
	return calls
}

func (a *AnthropicAdapter) WriteRefusal(responseBody []byte, text string) ([]byte, error) {
	var m map[string]interface{}
	if err := json.Unmarshal(responseBody, &m); err != nil {
		return nil, err
	}
	m["content"] = []interface{}{
		map[string]interface{}{"type": "text", "text": text},
	}
	m["stop_reason"] = "end_turn"
	return json.Marshal(m)
}
