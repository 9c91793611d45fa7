package policy

import (
	"context"
	"fmt"
	"strings"

	"go.opentelemetry.io/otel/attribute"

	"github.com/bastion-ai/bastion/internal/model"
)

// Refusal describes a turn that was rejected because at least one
// proposed tool call is not permitted. The whole turn is refused; there
// is no partial execution.
type Refusal struct {
	Message      string
	BlockedTools []string
}

// EvaluateInvocation resolves each proposed tool call against the
// invocation policies (specific-conditions-first, else the tool's
// zero-condition default, else block_when_context_is_untrusted) and
// returns a Refusal when any call is blocked, nil when all may proceed.
func EvaluateInvocation(ctx context.Context, calls []model.ToolCall, policies []InvocationPolicy, contextTrusted bool) *Refusal {
	_, span := tracer.Start(ctx, "policy.evaluate_invocation")
	defer span.End()

	var blocked []string
	var reasons []string
	for _, call := range calls {
		pol := matchInvocation(policies, call)
		action := InvocationBlockWhenUntrusted
		reason := ""
		if pol != nil {
			action = pol.Action
			reason = pol.Reason
		}
		if !callBlocked(action, contextTrusted) {
			continue
		}
		blocked = append(blocked, call.Name)
		if reason != "" {
			reasons = append(reasons, reason)
		}
	}

	span.SetAttributes(
		attribute.Int("invocation.proposed", len(calls)),
		attribute.Int("invocation.blocked", len(blocked)),
		attribute.Bool("invocation.context_trusted", contextTrusted),
	)

	if len(blocked) == 0 {
		return nil
	}
	return &Refusal{
		Message:      refusalMessage(blocked, reasons),
		BlockedTools: blocked,
	}
}

func callBlocked(action InvocationAction, contextTrusted bool) bool {
	switch action {
	case InvocationBlockAlways:
		return true
	case InvocationAllowWhenUntrusted:
		return false
	case InvocationBlockWhenUntrusted:
		return !contextTrusted
	default:
		// Unknown action: treat as the global default.
		return !contextTrusted
	}
}

func refusalMessage(blocked, reasons []string) string {
	msg := fmt.Sprintf("Tool call refused by security policy: %s. The requested tool calls were not executed.", strings.Join(blocked, ", "))
	if len(reasons) > 0 {
		msg += " " + strings.Join(reasons, " ")
	}
	return msg
}
