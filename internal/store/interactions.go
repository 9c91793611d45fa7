package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/bastion-ai/bastion/internal/quarantine"
)

// ErrInteractionNotFound is returned when an interaction ID does not resolve.
var ErrInteractionNotFound = errors.New("interaction not found")

// Interaction is one upstream LLM call as seen by the gateway: the
// original wire request, the processed request after tool merging and
// trust edits (null when unchanged), and the final response. Immutable
// once written.
type Interaction struct {
	ID               string          `json:"id"`
	AgentID          string          `json:"agentId"`
	Type             string          `json:"type"`
	Request          json.RawMessage `json:"request"`
	ProcessedRequest json.RawMessage `json:"processedRequest,omitempty"`
	Response         json.RawMessage `json:"response,omitempty"`
	InputTokens      int             `json:"inputTokens"`
	OutputTokens     int             `json:"outputTokens"`
	CostEUR          float64         `json:"costEur"`
	Refused          bool            `json:"refused,omitempty"`
	Error            string          `json:"error,omitempty"`
	CreatedAt        time.Time       `json:"createdAt"`
	Signature        string          `json:"signature,omitempty"`
}

// DualLlmResult records one sanitization run: the full question
// transcript and the final summary that replaced the tool result.
type DualLlmResult struct {
	ID            string             `json:"id"`
	InteractionID string             `json:"interactionId"`
	ToolCallID    string             `json:"toolCallId"`
	Rounds        []quarantine.Round `json:"rounds"`
	FinalSummary  string             `json:"finalSummary"`
	CreatedAt     time.Time          `json:"createdAt"`
}

// SaveInteraction signs and persists one interaction record.
func (s *Store) SaveInteraction(ctx context.Context, in *Interaction) error {
	ctx, span := tracer.Start(ctx, "store.save_interaction",
		trace.WithAttributes(
			attribute.String("interaction.id", in.ID),
			attribute.String("agent.id", in.AgentID),
			attribute.String("interaction.type", in.Type),
		))
	defer span.End()

	in.Signature = ""
	unsigned, err := json.Marshal(in)
	if err != nil {
		return fmt.Errorf("marshalling interaction: %w", err)
	}
	signature, err := s.signer.Sign(unsigned)
	if err != nil {
		return fmt.Errorf("signing interaction: %w", err)
	}
	in.Signature = signature

	signed, err := json.Marshal(in)
	if err != nil {
		return fmt.Errorf("marshalling signed interaction: %w", err)
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO interactions (id, agent_id, type, created_at, record_json, signature)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		in.ID, in.AgentID, in.Type, in.CreatedAt, string(signed), signature,
	)
	if err != nil {
		return fmt.Errorf("storing interaction: %w", err)
	}
	return nil
}

// GetInteraction retrieves one interaction by ID.
func (s *Store) GetInteraction(ctx context.Context, id string) (*Interaction, error) {
	var recordJSON string
	err := s.db.QueryRowContext(ctx,
		`SELECT record_json FROM interactions WHERE id = ?`, id,
	).Scan(&recordJSON)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrInteractionNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("querying interaction: %w", err)
	}

	var in Interaction
	if err := json.Unmarshal([]byte(recordJSON), &in); err != nil {
		return nil, fmt.Errorf("decoding interaction: %w", err)
	}
	return &in, nil
}

// ListInteractions returns interactions, newest first, optionally
// filtered by agent and bounded by limit.
func (s *Store) ListInteractions(ctx context.Context, agentID string, limit int) ([]Interaction, error) {
	ctx, span := tracer.Start(ctx, "store.list_interactions",
		trace.WithAttributes(attribute.String("agent.id", agentID)))
	defer span.End()

	query := `SELECT record_json FROM interactions`
	args := []interface{}{}
	if agentID != "" {
		query += ` WHERE agent_id = ?`
		args = append(args, agentID)
	}
	query += ` ORDER BY created_at DESC`
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying interactions: %w", err)
	}
	defer rows.Close()

	var results []Interaction
	for rows.Next() {
		var recordJSON string
		if err := rows.Scan(&recordJSON); err != nil {
			return nil, fmt.Errorf("scanning interaction: %w", err)
		}
		var in Interaction
		if err := json.Unmarshal([]byte(recordJSON), &in); err != nil {
			continue
		}
		results = append(results, in)
	}
	span.SetAttributes(attribute.Int("interactions.count", len(results)))
	return results, rows.Err()
}

// VerifyInteraction checks the HMAC signature of a stored interaction.
func (s *Store) VerifyInteraction(ctx context.Context, id string) (bool, error) {
	in, err := s.GetInteraction(ctx, id)
	if err != nil {
		return false, err
	}
	signature := in.Signature
	in.Signature = ""
	unsigned, err := json.Marshal(in)
	if err != nil {
		return false, fmt.Errorf("marshalling for verification: %w", err)
	}
	return s.signer.Verify(unsigned, signature), nil
}

// SaveDualLlmResult persists one sanitization transcript.
func (s *Store) SaveDualLlmResult(ctx context.Context, r *DualLlmResult) error {
	ctx, span := tracer.Start(ctx, "store.save_dual_llm_result",
		trace.WithAttributes(
			attribute.String("interaction.id", r.InteractionID),
			attribute.String("tool_call.id", r.ToolCallID),
			attribute.Int("rounds", len(r.Rounds)),
		))
	defer span.End()

	recordJSON, err := json.Marshal(r)
	if err != nil {
		return fmt.Errorf("marshalling dual-LLM result: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO dual_llm_results (id, interaction_id, tool_call_id, created_at, record_json)
		 VALUES (?, ?, ?, ?, ?)`,
		r.ID, r.InteractionID, r.ToolCallID, r.CreatedAt, string(recordJSON),
	)
	if err != nil {
		return fmt.Errorf("storing dual-LLM result: %w", err)
	}
	return nil
}

// DualLlmResults returns the sanitization transcripts for one tool call
// ID, newest first.
func (s *Store) DualLlmResults(ctx context.Context, toolCallID string) ([]DualLlmResult, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT record_json FROM dual_llm_results WHERE tool_call_id = ? ORDER BY created_at DESC`, toolCallID)
	if err != nil {
		return nil, fmt.Errorf("querying dual-LLM results: %w", err)
	}
	defer rows.Close()

	var results []DualLlmResult
	for rows.Next() {
		var recordJSON string
		if err := rows.Scan(&recordJSON); err != nil {
			return nil, fmt.Errorf("scanning dual-LLM result: %w", err)
		}
		var r DualLlmResult
		if err := json.Unmarshal([]byte(recordJSON), &r); err != nil {
			continue
		}
		results = append(results, r)
	}
	return results, rows.Err()
}

// PruneBefore deletes interactions and dual-LLM results created before
// the cutoff. Used by the retention job.
func (s *Store) PruneBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	ctx, span := tracer.Start(ctx, "store.prune_before")
	defer span.End()

	res, err := s.db.ExecContext(ctx, `DELETE FROM interactions WHERE created_at < ?`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("pruning interactions: %w", err)
	}
	pruned, _ := res.RowsAffected()

	res, err = s.db.ExecContext(ctx, `DELETE FROM dual_llm_results WHERE created_at < ?`, cutoff)
	if err != nil {
		return pruned, fmt.Errorf("pruning dual-LLM results: %w", err)
	}
	n, _ := res.RowsAffected()
	pruned += n

	span.SetAttributes(attribute.Int64("pruned.rows", pruned))
	return pruned, nil
}
