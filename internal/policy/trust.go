package policy

import (
	"context"
	"encoding/json"
	"fmt"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/bastion-ai/bastion/internal/model"
)

// Sanitizer produces a safe summary of an untrusted tool result. The
// quarantine orchestrator implements this; trust evaluation only needs
// the narrow surface.
type Sanitizer interface {
	Sanitize(ctx context.Context, toolCallID, rawContent, userRequest string) (summary string, err error)
}

// TrustVerdict is the outcome of evaluating trusted-data policies over a
// conversation's tool results.
type TrustVerdict struct {
	// ContextTrusted is true only when no result in the conversation
	// lowered trust: it is the conjunction over every tool result seen
	// so far, not just the latest turn.
	ContextTrusted bool

	// ResultUpdates maps tool call IDs to replacement content for
	// results that were sanitized.
	ResultUpdates map[string]string

	// UntrustedResults lists tool call IDs that lowered trust, for
	// logging and the persisted interaction record.
	UntrustedResults []string
}

// EvaluateTrust walks every tool result in the conversation and resolves
// its trusted-data policy: first a conditioned policy whose conditions
// all match, else the tool's zero-condition default, else the result is
// untrusted. mark_as_trusted exempts that one result from lowering
// trust; sanitize_with_dual_llm replaces the result content with the
// sanitizer's summary and leaves trust unaffected by that result;
// block_always lowers trust without touching content. A sanitizer
// failure counts the result as untrusted rather than passing raw content
// through.
func EvaluateTrust(ctx context.Context, msgs []model.CommonMessage, policies []TrustPolicy, userRequest string, sanitizer Sanitizer) (TrustVerdict, error) {
	ctx, span := tracer.Start(ctx, "policy.evaluate_trust")
	defer span.End()

	verdict := TrustVerdict{
		ContextTrusted: true,
		ResultUpdates:  map[string]string{},
	}

	for _, call := range model.ToolResults(msgs) {
		pol := matchTrust(policies, call)
		if pol == nil {
			verdict.ContextTrusted = false
			verdict.UntrustedResults = append(verdict.UntrustedResults, call.ID)
			continue
		}
		switch pol.Action {
		case TrustMarkTrusted:
			// Exempt: this result does not lower trust.
		case TrustSanitize:
			if sanitizer == nil {
				verdict.ContextTrusted = false
				verdict.UntrustedResults = append(verdict.UntrustedResults, call.ID)
				continue
			}
			summary, err := sanitizer.Sanitize(ctx, call.ID, resultText(call), userRequest)
			if err != nil {
				span.RecordError(err)
				span.SetStatus(codes.Error, err.Error())
				verdict.ContextTrusted = false
				verdict.UntrustedResults = append(verdict.UntrustedResults, call.ID)
				continue
			}
			verdict.ResultUpdates[call.ID] = summary
		case TrustBlockAlways:
			verdict.ContextTrusted = false
			verdict.UntrustedResults = append(verdict.UntrustedResults, call.ID)
		default:
			verdict.ContextTrusted = false
			verdict.UntrustedResults = append(verdict.UntrustedResults, call.ID)
		}
	}

	span.SetAttributes(
		attribute.Bool("trust.context_trusted", verdict.ContextTrusted),
		attribute.Int("trust.sanitized", len(verdict.ResultUpdates)),
		attribute.Int("trust.untrusted_results", len(verdict.UntrustedResults)),
	)

	return verdict, nil
}

// resultText renders a tool result for the quarantined agent. String
// results pass through; structured results are given as JSON.
func resultText(call model.ToolCall) string {
	switch r := call.Result.(type) {
	case string:
		return r
	case nil:
		return ""
	default:
		if b, err := json.Marshal(r); err == nil {
			return string(b)
		}
		return fmt.Sprint(r)
	}
}
