package adapter

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bastion-ai/bastion/internal/model"
)

func mustAdapter(t *testing.T, provider string) Adapter {
	t.Helper()
	a, err := ForProvider(provider)
	require.NoError(t, err)
	return a
}

func TestForProvider(t *testing.T) {
	for _, p := range []string{"openai", "cerebras", "zhipu", "anthropic", "gemini"} {
		a, err := ForProvider(p)
		require.NoError(t, err, p)
		assert.Equal(t, p, a.Name())
	}
	_, err := ForProvider("mystery")
	assert.ErrorIs(t, err, ErrUnknownProvider)
}

func TestOpenAIToCommon_ResolvesToolNames(t *testing.T) {
	body := []byte(`{
		"model": "gpt-4o",
		"messages": [
			{"role": "user", "content": "check my inbox"},
			{"role": "assistant", "content": null, "tool_calls": [
				{"id": "call_1", "type": "function", "function": {"name": "read_email", "arguments": "{\"folder\":\"inbox\"}"}}
			]},
			{"role": "tool", "tool_call_id": "call_1", "content": "{\"subject\":\"hi\"}"}
		]
	}`)
	a := mustAdapter(t, "openai")
	msgs, err := a.ToCommon(body)
	require.NoError(t, err)
	require.Len(t, msgs, 3)

	assert.Equal(t, model.RoleUser, msgs[0].Role)
	assert.Equal(t, "check my inbox", msgs[0].Content)

	require.Len(t, msgs[1].ToolCalls, 1)
	assert.Equal(t, "read_email", msgs[1].ToolCalls[0].Name)
	assert.Equal(t, map[string]interface{}{"folder": "inbox"}, msgs[1].ToolCalls[0].Arguments)

	assert.Equal(t, model.RoleTool, msgs[2].Role)
	require.Len(t, msgs[2].ToolCalls, 1)
	assert.Equal(t, "read_email", msgs[2].ToolCalls[0].Name, "name resolved via tool_call_id")
	assert.Equal(t, map[string]interface{}{"subject": "hi"}, msgs[2].ToolCalls[0].Result)
}

func TestOpenAIToCommon_MalformedToolPayloads(t *testing.T) {
	body := []byte(`{
		"messages": [
			{"role": "assistant", "tool_calls": [
				{"id": "call_1", "type": "function", "function": {"name": "calc", "arguments": "{broken"}}
			]},
			{"role": "tool", "tool_call_id": "call_1", "content": "not json at all"}
		]
	}`)
	a := mustAdapter(t, "openai")
	msgs, err := a.ToCommon(body)
	require.NoError(t, err, "one malformed payload must not fail the conversion")
	assert.Equal(t, map[string]interface{}{}, msgs[0].ToolCalls[0].Arguments)
	assert.Equal(t, "not json at all", msgs[1].ToolCalls[0].Result)
}

func TestOpenAIToCommon_CustomToolTreatedAsFunction(t *testing.T) {
	body := []byte(`{
		"messages": [
			{"role": "assistant", "tool_calls": [
				{"id": "c1", "type": "custom", "custom": {"name": "run_query", "input": "{\"q\":\"select 1\"}"}}
			]}
		]
	}`)
	a := mustAdapter(t, "openai")
	msgs, err := a.ToCommon(body)
	require.NoError(t, err)
	require.Len(t, msgs[0].ToolCalls, 1)
	assert.Equal(t, "run_query", msgs[0].ToolCalls[0].Name)
	assert.Equal(t, map[string]interface{}{"q": "select 1"}, msgs[0].ToolCalls[0].Arguments)
}

func TestOpenAIApplyUpdates(t *testing.T) {
	body := []byte(`{
		"model": "gpt-4o",
		"temperature": 0.3,
		"messages": [
			{"role": "tool", "tool_call_id": "call_1", "content": "raw untrusted"},
			{"role": "tool", "tool_call_id": "call_2", "content": "untouched"}
		]
	}`)
	a := mustAdapter(t, "openai")
	updated, err := a.ApplyUpdates(body, map[string]string{"call_1": "sanitized summary"})
	require.NoError(t, err)

	var m map[string]interface{}
	require.NoError(t, json.Unmarshal(updated, &m))
	assert.Equal(t, 0.3, m["temperature"], "unrelated fields survive the rewrite")
	msgs := m["messages"].([]interface{})
	assert.Equal(t, "sanitized summary", msgs[0].(map[string]interface{})["content"])
	assert.Equal(t, "untouched", msgs[1].(map[string]interface{})["content"])
}

func TestApplyUpdates_EmptyMapIsNoOp(t *testing.T) {
	bodies := map[string][]byte{
		"openai":    []byte(`{"messages":[{"role":"tool","tool_call_id":"c","content":"x"},{"role":"user","content":"hi"}]}`),
		"anthropic": []byte(`{"messages":[{"role":"user","content":[{"type":"tool_result","tool_use_id":"c","content":"x"}]}]}`),
		"gemini":    []byte(`{"contents":[{"role":"user","parts":[{"functionResponse":{"name":"f","response":{"content":"x"}}}]}]}`),
	}
	for provider, body := range bodies {
		t.Run(provider, func(t *testing.T) {
			a := mustAdapter(t, provider)
			before, err := a.ToCommon(body)
			require.NoError(t, err)
			updated, err := a.ApplyUpdates(body, map[string]string{})
			require.NoError(t, err)
			after, err := a.ToCommon(updated)
			require.NoError(t, err)
			assert.Equal(t, before, after)
		})
	}
}

func TestOpenAIExtractUserRequest(t *testing.T) {
	a := mustAdapter(t, "openai")

	t.Run("plain string", func(t *testing.T) {
		body := []byte(`{"messages":[{"role":"user","content":"summarize this"},{"role":"assistant","content":"ok"}]}`)
		assert.Equal(t, "summarize this", a.ExtractUserRequest(body))
	})
	t.Run("multimodal takes first text part", func(t *testing.T) {
		body := []byte(`{"messages":[{"role":"user","content":[{"type":"image_url","image_url":{"url":"u"}},{"type":"text","text":"what is this"}]}]}`)
		assert.Equal(t, "what is this", a.ExtractUserRequest(body))
	})
	t.Run("no text falls back to sentinel", func(t *testing.T) {
		body := []byte(`{"messages":[{"role":"user","content":[{"type":"image_url","image_url":{"url":"u"}}]}]}`)
		assert.Equal(t, FallbackUserRequest, a.ExtractUserRequest(body))
	})
	t.Run("no user message falls back to sentinel", func(t *testing.T) {
		body := []byte(`{"messages":[{"role":"system","content":"be terse"}]}`)
		assert.Equal(t, FallbackUserRequest, a.ExtractUserRequest(body))
	})
}

func TestUsageTokens_PerProvider(t *testing.T) {
	cases := []struct {
		provider string
		body     string
		want     Usage
	}{
		{"openai", `{"usage":{"prompt_tokens":11,"completion_tokens":7}}`, Usage{11, 7}},
		{"anthropic", `{"usage":{"input_tokens":23,"output_tokens":5}}`, Usage{23, 5}},
		{"gemini", `{"usageMetadata":{"promptTokenCount":31,"candidatesTokenCount":9}}`, Usage{31, 9}},
	}
	for _, tc := range cases {
		t.Run(tc.provider, func(t *testing.T) {
			a := mustAdapter(t, tc.provider)
			assert.Equal(t, tc.want, a.UsageTokens([]byte(tc.body)))
		})
	}
}

// Assigned tools always replace same-named requested tools, as standard
// function tools, regardless of the requested tool's declared type.
func TestOpenAIMergeTools_AssignedWinsOverCustom(t *testing.T) {
	body := []byte(`{"model":"gpt-4o","messages":[],"tools":[{"type":"custom","custom":{"name":"x"}}]}`)
	assigned := []model.ToolDefinition{{
		Name:        "x",
		Description: "d",
		Parameters:  map[string]interface{}{"type": "object"},
	}}
	a := mustAdapter(t, "openai")
	merged, err := a.MergeTools(body, assigned)
	require.NoError(t, err)

	var m struct {
		Tools []struct {
			Type     string `json:"type"`
			Function struct {
				Name        string                 `json:"name"`
				Description string                 `json:"description"`
				Parameters  map[string]interface{} `json:"parameters"`
			} `json:"function"`
		} `json:"tools"`
	}
	require.NoError(t, json.Unmarshal(merged, &m))
	require.Len(t, m.Tools, 1)
	assert.Equal(t, "function", m.Tools[0].Type)
	assert.Equal(t, "x", m.Tools[0].Function.Name)
	assert.Equal(t, "d", m.Tools[0].Function.Description)
	assert.Equal(t, map[string]interface{}{"type": "object"}, m.Tools[0].Function.Parameters)
}

func TestOpenAIMergeTools_OrderAndAppend(t *testing.T) {
	body := []byte(`{"tools":[
		{"type":"function","function":{"name":"a","parameters":{"type":"object"}}},
		{"type":"function","function":{"name":"b","parameters":{"type":"object"}}}
	]}`)
	assigned := []model.ToolDefinition{
		{Name: "b", Description: "assigned b"},
		{Name: "c", Description: "assigned c"},
	}
	a := mustAdapter(t, "openai")
	merged, err := a.MergeTools(body, assigned)
	require.NoError(t, err)

	var m map[string]interface{}
	require.NoError(t, json.Unmarshal(merged, &m))
	tools := m["tools"].([]interface{})
	require.Len(t, tools, 3)
	names := make([]string, 0, 3)
	for _, raw := range tools {
		names = append(names, oaToolEntryName(raw.(map[string]interface{})))
	}
	assert.Equal(t, []string{"a", "b", "c"}, names, "requested order kept, collision updated in place, new appended")
}

func TestMergeTools_NoToolsAnywhere(t *testing.T) {
	for _, provider := range []string{"openai", "anthropic", "gemini"} {
		t.Run(provider, func(t *testing.T) {
			a := mustAdapter(t, provider)
			merged, err := a.MergeTools([]byte(`{"model":"m","messages":[]}`), nil)
			require.NoError(t, err)
			var m map[string]interface{}
			require.NoError(t, json.Unmarshal(merged, &m))
			_, present := m["tools"]
			assert.False(t, present, "no tools field sent upstream")
		})
	}
}

func TestMergeTools_NormalizesMissingSchema(t *testing.T) {
	a := mustAdapter(t, "openai")
	merged, err := a.MergeTools([]byte(`{}`), []model.ToolDefinition{{Name: "bare"}})
	require.NoError(t, err)
	var m struct {
		Tools []struct {
			Function struct {
				Parameters map[string]interface{} `json:"parameters"`
			} `json:"function"`
		} `json:"tools"`
	}
	require.NoError(t, json.Unmarshal(merged, &m))
	require.Len(t, m.Tools, 1)
	assert.Equal(t, "object", m.Tools[0].Function.Parameters["type"])
}

func TestOpenAIProposedToolCallsAndRefusal(t *testing.T) {
	resp := []byte(`{
		"id": "chatcmpl-1",
		"choices": [{
			"index": 0,
			"message": {"role": "assistant", "content": null, "tool_calls": [
				{"id": "call_9", "type": "function", "function": {"name": "send_email", "arguments": "{\"to\":\"a@b.c\"}"}}
			]},
			"finish_reason": "tool_calls"
		}],
		"usage": {"prompt_tokens": 5, "completion_tokens": 3}
	}`)
	a := mustAdapter(t, "openai")

	calls := a.ProposedToolCalls(resp)
	require.Len(t, calls, 1)
	assert.Equal(t, "send_email", calls[0].Name)

	refused, err := a.WriteRefusal(resp, "I cannot complete this request.")
	require.NoError(t, err)
	var m map[string]interface{}
	require.NoError(t, json.Unmarshal(refused, &m))
	choice := m["choices"].([]interface{})[0].(map[string]interface{})
	msg := choice["message"].(map[string]interface{})
	assert.Equal(t, "I cannot complete this request.", msg["content"])
	_, hasCalls := msg["tool_calls"]
	assert.False(t, hasCalls)
	assert.Equal(t, "stop", choice["finish_reason"])
	assert.Nil(t, a.ProposedToolCalls(refused), "refused response proposes nothing")
}
