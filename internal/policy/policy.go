// Package policy holds the two policy kinds the gateway enforces over
// tool use: whether a proposed tool call may proceed, and how a tool's
// result affects the conversation's trust state, plus an OPA engine for
// operator-level access rules. Tool policies arrive per request as a
// read-only snapshot from the store; evaluation is a pure function of
// the snapshot and the conversation.
package policy

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"

	"go.opentelemetry.io/otel"

	"github.com/bastion-ai/bastion/internal/model"
)

var tracer = otel.Tracer("bastion/policy")

// InvocationAction decides whether a proposed tool call may proceed.
type InvocationAction string

const (
	InvocationBlockAlways        InvocationAction = "block_always"
	InvocationAllowWhenUntrusted InvocationAction = "allow_when_context_is_untrusted"
	InvocationBlockWhenUntrusted InvocationAction = "block_when_context_is_untrusted"
)

// TrustAction decides how a tool result affects context trust.
type TrustAction string

const (
	TrustBlockAlways TrustAction = "block_always"
	TrustMarkTrusted TrustAction = "mark_as_trusted"
	TrustSanitize    TrustAction = "sanitize_with_dual_llm"
)

// Condition is one predicate over a tool call. Field is a dotted path
// into the call's arguments or result ("arguments.folder",
// "result.sender"); a bare path is tried against arguments first, then
// the result.
type Condition struct {
	Field string `json:"field" yaml:"field"`
	Op    string `json:"op" yaml:"op"` // equals | not_equals | contains | matches
	Value string `json:"value" yaml:"value"`
}

// InvocationPolicy governs one tool's invocation. A policy with no
// conditions is the tool's default; policies with conditions take
// precedence when every condition matches the call.
type InvocationPolicy struct {
	ToolName   string           `json:"tool_name" yaml:"tool_name"`
	Action     InvocationAction `json:"action" yaml:"action"`
	Conditions []Condition      `json:"conditions,omitempty" yaml:"conditions,omitempty"`
	Reason     string           `json:"reason,omitempty" yaml:"reason,omitempty"`
}

// TrustPolicy governs how one tool's results affect context trust, with
// the same default/specific precedence as InvocationPolicy. A result
// matched by no policy at all marks the context untrusted.
type TrustPolicy struct {
	ToolName   string      `json:"tool_name" yaml:"tool_name"`
	Action     TrustAction `json:"action" yaml:"action"`
	Conditions []Condition `json:"conditions,omitempty" yaml:"conditions,omitempty"`
}

// Matches reports whether the condition holds for the given call. An
// absent field or unknown operator never matches, so a misconfigured
// condition falls through to the tool default instead of widening it.
func (c Condition) Matches(call model.ToolCall) bool {
	val, ok := fieldValue(call, c.Field)
	if !ok {
		return false
	}
	switch c.Op {
	case "equals", "":
		return val == c.Value
	case "not_equals":
		return val != c.Value
	case "contains":
		return strings.Contains(val, c.Value)
	case "matches":
		re, err := regexp.Compile(c.Value)
		if err != nil {
			return false
		}
		return re.MatchString(val)
	default:
		return false
	}
}

func fieldValue(call model.ToolCall, field string) (string, bool) {
	switch {
	case strings.HasPrefix(field, "arguments."):
		return lookupPath(mapValue(call.Arguments), strings.TrimPrefix(field, "arguments."))
	case strings.HasPrefix(field, "result."):
		return lookupPath(call.Result, strings.TrimPrefix(field, "result."))
	default:
		if v, ok := lookupPath(mapValue(call.Arguments), field); ok {
			return v, true
		}
		return lookupPath(call.Result, field)
	}
}

func mapValue(m map[string]interface{}) interface{} {
	if m == nil {
		return nil
	}
	return m
}

// lookupPath walks a dotted path through nested JSON objects and
// stringifies the leaf.
func lookupPath(v interface{}, path string) (string, bool) {
	cur := v
	for _, seg := range strings.Split(path, ".") {
		m, ok := cur.(map[string]interface{})
		if !ok {
			return "", false
		}
		cur, ok = m[seg]
		if !ok {
			return "", false
		}
	}
	switch leaf := cur.(type) {
	case string:
		return leaf, true
	case nil:
		return "", false
	case map[string]interface{}, []interface{}:
		b, err := json.Marshal(leaf)
		if err != nil {
			return "", false
		}
		return string(b), true
	default:
		return fmt.Sprint(leaf), true
	}
}

func allMatch(conds []Condition, call model.ToolCall) bool {
	for _, c := range conds {
		if !c.Matches(call) {
			return false
		}
	}
	return true
}

// matchInvocation resolves the policy for a call: first conditioned
// policy whose conditions all hold, else the tool's zero-condition
// default, else nil.
func matchInvocation(policies []InvocationPolicy, call model.ToolCall) *InvocationPolicy {
	var fallback *InvocationPolicy
	for i := range policies {
		p := &policies[i]
		if p.ToolName != call.Name {
			continue
		}
		if len(p.Conditions) == 0 {
			if fallback == nil {
				fallback = p
			}
			continue
		}
		if allMatch(p.Conditions, call) {
			return p
		}
	}
	return fallback
}

func matchTrust(policies []TrustPolicy, call model.ToolCall) *TrustPolicy {
	var fallback *TrustPolicy
	for i := range policies {
		p := &policies[i]
		if p.ToolName != call.Name {
			continue
		}
		if len(p.Conditions) == 0 {
			if fallback == nil {
				fallback = p
			}
			continue
		}
		if allMatch(p.Conditions, call) {
			return p
		}
	}
	return fallback
}
