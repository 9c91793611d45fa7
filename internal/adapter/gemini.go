package adapter

import (
	"encoding/json"

	"github.com/bastion-ai/bastion/internal/model"
)

// GeminiAdapter handles the generateContent wire shape: contents with
// parts arrays carrying text / functionCall / functionResponse variants.
// Gemini has no tool-call IDs on the wire; the function name doubles as
// the call ID.
type GeminiAdapter struct{}

func (a *GeminiAdapter) Name() string { return "gemini" }

type gemRequest struct {
	SystemInstruction *gemContent  `json:"systemInstruction"`
	Contents          []gemContent `json:"contents"`
}

type gemContent struct {
	Role  string    `json:"role"`
	Parts []gemPart `json:"parts"`
}

// gemPart is the tagged part variant: exactly one of the fields is set.
type gemPart struct {
	Text             string               `json:"text,omitempty"`
	FunctionCall     *gemFunctionCall     `json:"functionCall,omitempty"`
	FunctionResponse *gemFunctionResponse `json:"functionResponse,omitempty"`
}

type gemFunctionCall struct {
	Name string          `json:"name"`
	Args json.RawMessage `json:"args"`
}

type gemFunctionResponse struct {
	Name     string          `json:"name"`
	Response json.RawMessage `json:"response"`
}

func gemPartsText(parts []gemPart) string {
	var out string
	for _, p := range parts {
		out += p.Text
	}
	return out
}

func (a *GeminiAdapter) ToCommon(body []byte) ([]model.CommonMessage, error) {
	var req gemRequest
	if err := json.Unmarshal(body, &req); err != nil {
		return nil, err
	}
	var out []model.CommonMessage
	if req.SystemInstruction != nil {
		if text := gemPartsText(req.SystemInstruction.Parts); text != "" {
			out = append(out, model.CommonMessage{Role: model.RoleSystem, Content: text})
		}
	}
	for _, c := range req.Contents {
		var calls, results []model.ToolCall
		for _, p := range c.Parts {
			switch {
			case p.FunctionCall != nil:
				calls = append(calls, model.ToolCall{
					ID:        p.FunctionCall.Name,
					Name:      p.FunctionCall.Name,
					Arguments: parseArguments(p.FunctionCall.Args),
				})
			case p.FunctionResponse != nil:
				var result interface{}
				if err := json.Unmarshal(p.FunctionResponse.Response, &result); err != nil {
					result = string(p.FunctionResponse.Response)
				}
				results = append(results, model.ToolCall{
					ID:     p.FunctionResponse.Name,
					Name:   p.FunctionResponse.Name,
					Result: result,
				})
			}
		}
		switch {
		case c.Role == "model":
			out = append(out, model.CommonMessage{
				Role:      model.RoleAssistant,
				Content:   gemPartsText(c.Parts),
				ToolCalls: calls,
			})
		default:
			if len(results) > 0 {
				out = append(out, model.CommonMessage{Role: model.RoleTool, ToolCalls: results})
			}
			if text := gemPartsText(c.Parts); text != "" {
				out = append(out, model.CommonMessage{Role: model.RoleUser, Content: text})
			}
		}
	}
	return out, nil
}

func (a *GeminiAdapter) ApplyUpdates(body []byte, updates map[string]string) ([]byte, error) {
	if len(updates) == 0 {
		return body, nil
	}
	var m map[string]interface{}
	if err := json.Unmarshal(body, &m); err != nil {
		return nil, err
	}
	contents, ok := m["contents"].([]interface{})
	if !ok {
		return body, nil
	}
	for _, rawContent := range contents {
		content, ok := rawContent.(map[string]interface{})
		if !ok {
			continue
		}
		parts, ok := content["parts"].([]interface{})
		if !ok {
			continue
		}
		for _, rawPart := range parts {
			part, ok := rawPart.(map[string]interface{})
			if !ok {
				continue
			}
			fr, ok := part["functionResponse"].(map[string]interface{})
			if !ok {
				continue
			}
			name, _ := fr["name"].(string)
			if replacement, ok := updates[name]; ok {
				fr["response"] = map[string]interface{}{"content": replacement}
			}
		}
	}
	return json.Marshal(m)
}

func (a *GeminiAdapter) ExtractUserRequest(body []byte) string {
	var req gemRequest
	if err := json.Unmarshal(body, &req); err != nil {
		return FallbackUserRequest
	}
	for i := len(req.Contents) - 1; i >= 0; i-- {
		if req.Contents[i].Role == "model" {
			continue
		}
		for _, p := range req.Contents[i].Parts {
			if p.Text != "" {
				return p.Text
			}
		}
		return FallbackUserRequest
	}
	return FallbackUserRequest
}

func (a *GeminiAdapter) UsageTokens(responseBody []byte) Usage {
	var resp struct {
		UsageMetadata struct {
			PromptTokenCount     int `json:"promptTokenCount"`
			CandidatesTokenCount int `json:"candidatesTokenCount"`
		} `json:"usageMetadata"`
	}
	if err := json.Unmarshal(responseBody, &resp); err != nil {
		return Usage{}
	}
	return Usage{
		Input:  resp.UsageMetadata.PromptTokenCount,
		Output: resp.UsageMetadata.CandidatesTokenCount,
	}
}

func (a *GeminiAdapter) MergeTools(body []byte, assigned []model.ToolDefinition) ([]byte, error) {
	var m map[string]interface{}
	if err := json.Unmarshal(body, &m); err != nil {
		return nil, err
	}

	// Requested declarations may be spread over several tools entries;
	// flatten them into one declarations list, which is what the API
	// expects from a single caller anyway.
	byName := map[string]interface{}{}
	var requestedNames []string
	if rawTools, ok := m["tools"].([]interface{}); ok {
		for _, rawTool := range rawTools {
			tool, ok := rawTool.(map[string]interface{})
			if !ok {
				continue
			}
			decls, ok := tool["functionDeclarations"].([]interface{})
			if !ok {
				continue
			}
			for _, rawDecl := range decls {
				decl, ok := rawDecl.(map[string]interface{})
				if !ok {
					continue
				}
				name, _ := decl["name"].(string)
				if name == "" {
					continue
				}
				if _, dup := byName[name]; !dup {
					requestedNames = append(requestedNames, name)
				}
				byName[name] = decl
			}
		}
	}

	assignedNames := make([]string, 0, len(assigned))
	for _, t := range assigned {
		assignedNames = append(assignedNames, t.Name)
		decl := map[string]interface{}{
			"name":       t.Name,
			"parameters": model.NormalizeSchema(t.Parameters),
		}
		if t.Description != "" {
			decl["description"] = t.Description
		}
		byName[t.Name] = decl
	}

	order, _ := mergedNames(requestedNames, assignedNames)
	if len(order) == 0 {
		delete(m, "tools")
		return json.Marshal(m)
	}
	decls := make([]interface{}, 0, len(order))
	for _, n := range order {
		decls = append(decls, byName[n])
	}
	m["tools"] = []interface{}{
		map[string]interface{}{"functionDeclarations": decls},
	}
	return json.Marshal(m)
}

func (a *GeminiAdapter) ProposedToolCalls(responseBody []byte) []model.ToolCall {
	var resp struct {
		Candidates []struct {
			Content gemContent `json:"content"`
		} `json:"candidates"`
	}
	if err := json.Unmarshal(responseBody, &resp); err != nil {
		return nil
	}
	var calls []model.ToolCall
	for _, cand := range resp.Candidates {
		for _, p := range cand.Content.Parts {
			if p.FunctionCall == nil {
				continue
			}
			calls = append(calls, model.ToolCall{
				ID:        p.FunctionCall.Name,
				Name:      p.FunctionCall.Name,
				Arguments: parseArguments(p.FunctionCall.Args),
			})
		}
	}
	return calls
}

func (a *GeminiAdapter) WriteRefusal(responseBody []byte, text string) ([]byte, error) {
	var m map[string]interface{}
	if err := json.Unmarshal(responseBody, &m); err != nil {
		return nil, err
	}
	candidates, _ := m["candidates"].([]interface{})
	for _, rawCand := range candidates {
		cand, ok := rawCand.(map[string]interface{})
		if !ok {
			continue
		}
		cand["content"] = map[string]interface{}{
			"role":  "model",
			"parts": []interface{}{map[string]interface{}{"text": text}},
		}
		cand["finishReason"] = "STOP"
	}
	return json.Marshal(m)
}
