package gateway

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/bastion-ai/bastion/internal/quarantine"
	"github.com/bastion-ai/bastion/internal/store"
)

// recordingSanitizer runs the quarantine orchestrator for one tool
// result and persists the transcript as a DualLlmResult bound to the
// interaction being built. It satisfies policy.Sanitizer.
type recordingSanitizer struct {
	orch          *quarantine.Orchestrator
	store         *store.Store
	interactionID string
	logger        zerolog.Logger
}

func (s *recordingSanitizer) Sanitize(ctx context.Context, toolCallID, rawContent, userRequest string) (string, error) {
	res, err := s.orch.Run(ctx, rawContent, userRequest)
	if err != nil {
		return "", err
	}

	rec := &store.DualLlmResult{
		ID:            uuid.NewString(),
		InteractionID: s.interactionID,
		ToolCallID:    toolCallID,
		Rounds:        res.Rounds,
		FinalSummary:  res.Summary,
		CreatedAt:     time.Now().UTC(),
	}
	if err := s.store.SaveDualLlmResult(ctx, rec); err != nil {
		// The summary is still good; losing the transcript is a
		// persistence problem, not a trust problem.
		s.logger.Error().Err(err).Str("tool_call_id", toolCallID).Msg("dual_llm_result_save_failed")
	}
	return res.Summary, nil
}
