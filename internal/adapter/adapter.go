// Package adapter converts provider wire formats to and from the common
// message model. Read-side operations decode into tagged structs and
// pattern-match on the type tag; write-side operations edit the raw JSON
// body in place so fields the gateway does not understand survive the
// round trip upstream.
package adapter

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/bastion-ai/bastion/internal/model"
)

// FallbackUserRequest is returned by ExtractUserRequest when the
// conversation carries no textual user intent. It is a sentinel, not user
// input: callers must treat it as "no intent available".
const FallbackUserRequest = "process this data"

var ErrUnknownProvider = errors.New("unknown provider")

// Usage is the provider-agnostic token count pair.
type Usage struct {
	Input  int
	Output int
}

// Adapter is the per-provider conversion contract. One instance per
// provider; all methods are pure functions of their inputs and safe for
// concurrent use.
type Adapter interface {
	// Name returns the provider identifier this adapter serves.
	Name() string

	// ToCommon converts the inbound request body's messages to the common
	// model. Malformed tool payloads degrade to empty objects or raw
	// strings; a single bad tool entry never fails the conversion.
	ToCommon(body []byte) ([]model.CommonMessage, error)

	// ApplyUpdates returns a new body where tool-result content whose call
	// ID appears in updates is replaced. An empty map is a no-op.
	ApplyUpdates(body []byte, updates map[string]string) ([]byte, error)

	// ExtractUserRequest returns the last user message's text, or
	// FallbackUserRequest when none exists.
	ExtractUserRequest(body []byte) string

	// UsageTokens maps the provider's usage fields from a response body to
	// the common pair. Missing usage yields zeros.
	UsageTokens(responseBody []byte) Usage

	// MergeTools merges centrally assigned tools into the request body's
	// tool list. Assigned tools overwrite same-named requested tools in
	// place and are appended otherwise, always in the provider's standard
	// function-tool shape. A resulting empty list removes the tools field.
	MergeTools(body []byte, assigned []model.ToolDefinition) ([]byte, error)

	// ProposedToolCalls extracts the tool calls an upstream response asks
	// the client to execute.
	ProposedToolCalls(responseBody []byte) []model.ToolCall

	// WriteRefusal returns a new response body whose tool calls are
	// replaced by plain assistant text. The result stays well-formed in
	// the provider's shape.
	WriteRefusal(responseBody []byte, text string) ([]byte, error)
}

// openAICompatible maps OpenAI-compatible provider names to themselves.
// Cerebras and Zhipu reuse the OpenAI chat.completions shape unchanged.
var openAICompatible = map[string]bool{
	"openai":   true,
	"cerebras": true,
	"zhipu":    true,
}

// ForProvider returns the adapter for the named provider.
func ForProvider(provider string) (Adapter, error) {
	switch {
	case openAICompatible[provider]:
		return &OpenAIAdapter{provider: provider}, nil
	case provider == "anthropic":
		return &AnthropicAdapter{}, nil
	case provider == "gemini":
		return &GeminiAdapter{}, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownProvider, provider)
	}
}

// parseJSONValue attempts to parse s as JSON, falling back to the raw
// string. Tool results arrive as serialized JSON more often than not, but
// plain-text results are legal in every provider.
func parseJSONValue(s string) interface{} {
	var v interface{}
	if err := json.Unmarshal([]byte(s), &v); err != nil {
		return s
	}
	return v
}

// parseArguments parses a tool-call arguments payload, degrading to an
// empty object on malformed JSON.
func parseArguments(raw []byte) map[string]interface{} {
	if len(raw) == 0 {
		return map[string]interface{}{}
	}
	var m map[string]interface{}
	if err := json.Unmarshal(raw, &m); err != nil || m == nil {
		return map[string]interface{}{}
	}
	return m
}

// mergedNames computes the final tool ordering: requested order first,
// assigned entries overwriting in place on name collision, new assigned
// names appended. Returns the ordered names and the set of assigned names.
func mergedNames(requested []string, assigned []string) ([]string, map[string]bool) {
	assignedSet := make(map[string]bool, len(assigned))
	for _, n := range assigned {
		assignedSet[n] = true
	}
	seen := make(map[string]bool, len(requested)+len(assigned))
	var order []string
	for _, n := range requested {
		if n == "" || seen[n] {
			continue
		}
		seen[n] = true
		order = append(order, n)
	}
	for _, n := range assigned {
		if seen[n] {
			continue
		}
		seen[n] = true
		order = append(order, n)
	}
	return order, assignedSet
}
