package store

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/bastion-ai/bastion/internal/policy"
)

// marshalConditions stores a nil condition slice as the empty array, so
// the '[]' ordering clause in the snapshot queries keeps sorting
// condition-less defaults last.
func marshalConditions(conds []policy.Condition) (string, error) {
	if len(conds) == 0 {
		return "[]", nil
	}
	b, err := json.Marshal(conds)
	if err != nil {
		return "", fmt.Errorf("marshalling conditions: %w", err)
	}
	return string(b), nil
}

// SaveInvocationPolicy stores one tool-invocation policy for an agent.
func (s *Store) SaveInvocationPolicy(ctx context.Context, agentID string, p policy.InvocationPolicy) error {
	conds, err := marshalConditions(p.Conditions)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO invocation_policies (id, agent_id, tool_name, action, conditions_json, reason)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		uuid.NewString(), agentID, p.ToolName, string(p.Action), conds, p.Reason,
	)
	if err != nil {
		return fmt.Errorf("saving invocation policy: %w", err)
	}
	return nil
}

// InvocationPolicies returns the read-only policy snapshot for one
// agent. Zero-condition defaults come last so conditioned policies win
// during linear resolution.
func (s *Store) InvocationPolicies(ctx context.Context, agentID string) ([]policy.InvocationPolicy, error) {
	ctx, span := tracer.Start(ctx, "store.invocation_policies",
		trace.WithAttributes(attribute.String("agent.id", agentID)))
	defer span.End()

	rows, err := s.db.QueryContext(ctx,
		`SELECT tool_name, action, conditions_json, reason FROM invocation_policies
		 WHERE agent_id = ? ORDER BY conditions_json = '[]', rowid`, agentID)
	if err != nil {
		return nil, fmt.Errorf("querying invocation policies: %w", err)
	}
	defer rows.Close()

	var policies []policy.InvocationPolicy
	for rows.Next() {
		var toolName, action, condsJSON, reason string
		if err := rows.Scan(&toolName, &action, &condsJSON, &reason); err != nil {
			return nil, fmt.Errorf("scanning invocation policy: %w", err)
		}
		var conds []policy.Condition
		if err := json.Unmarshal([]byte(condsJSON), &conds); err != nil {
			return nil, fmt.Errorf("decoding policy conditions: %w", err)
		}
		policies = append(policies, policy.InvocationPolicy{
			ToolName:   toolName,
			Action:     policy.InvocationAction(action),
			Conditions: conds,
			Reason:     reason,
		})
	}
	span.SetAttributes(attribute.Int("policies.count", len(policies)))
	return policies, rows.Err()
}

// SaveTrustPolicy stores one trusted-data policy for an agent.
func (s *Store) SaveTrustPolicy(ctx context.Context, agentID string, p policy.TrustPolicy) error {
	conds, err := marshalConditions(p.Conditions)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO trusted_data_policies (id, agent_id, tool_name, action, conditions_json)
		 VALUES (?, ?, ?, ?, ?)`,
		uuid.NewString(), agentID, p.ToolName, string(p.Action), conds,
	)
	if err != nil {
		return fmt.Errorf("saving trust policy: %w", err)
	}
	return nil
}

// TrustPolicies returns the trusted-data policy snapshot for one agent.
func (s *Store) TrustPolicies(ctx context.Context, agentID string) ([]policy.TrustPolicy, error) {
	ctx, span := tracer.Start(ctx, "store.trust_policies",
		trace.WithAttributes(attribute.String("agent.id", agentID)))
	defer span.End()

	rows, err := s.db.QueryContext(ctx,
		`SELECT tool_name, action, conditions_json FROM trusted_data_policies
		 WHERE agent_id = ? ORDER BY conditions_json = '[]', rowid`, agentID)
	if err != nil {
		return nil, fmt.Errorf("querying trust policies: %w", err)
	}
	defer rows.Close()

	var policies []policy.TrustPolicy
	for rows.Next() {
		var toolName, action, condsJSON string
		if err := rows.Scan(&toolName, &action, &condsJSON); err != nil {
			return nil, fmt.Errorf("scanning trust policy: %w", err)
		}
		var conds []policy.Condition
		if err := json.Unmarshal([]byte(condsJSON), &conds); err != nil {
			return nil, fmt.Errorf("decoding policy conditions: %w", err)
		}
		policies = append(policies, policy.TrustPolicy{
			ToolName:   toolName,
			Action:     policy.TrustAction(action),
			Conditions: conds,
		})
	}
	span.SetAttributes(attribute.Int("policies.count", len(policies)))
	return policies, rows.Err()
}
