package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/bastion-ai/bastion/internal/model"
)

// ErrAgentNotFound is returned when an agent ID does not resolve.
var ErrAgentNotFound = errors.New("agent not found")

// Agent is a registered caller of the gateway. Agents own assigned
// tools and policies.
type Agent struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	CreatedAt time.Time `json:"createdAt"`
}

// GetAgent looks up an agent by ID.
func (s *Store) GetAgent(ctx context.Context, id string) (*Agent, error) {
	var a Agent
	err := s.db.QueryRowContext(ctx,
		`SELECT id, name, created_at FROM agents WHERE id = ?`, id,
	).Scan(&a.ID, &a.Name, &a.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrAgentNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("querying agent: %w", err)
	}
	return &a, nil
}

// EnsureAgent returns the agent with the given name, creating it when
// missing. Used to resolve the default agent from a client-identifying
// header.
func (s *Store) EnsureAgent(ctx context.Context, name string) (*Agent, error) {
	ctx, span := tracer.Start(ctx, "store.ensure_agent",
		trace.WithAttributes(attribute.String("agent.name", name)))
	defer span.End()

	var a Agent
	err := s.db.QueryRowContext(ctx,
		`SELECT id, name, created_at FROM agents WHERE name = ?`, name,
	).Scan(&a.ID, &a.Name, &a.CreatedAt)
	if err == nil {
		return &a, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("querying agent by name: %w", err)
	}

	a = Agent{ID: uuid.NewString(), Name: name, CreatedAt: time.Now().UTC()}
	if _, err := s.db.ExecContext(ctx,
		`INSERT INTO agents (id, name, created_at) VALUES (?, ?, ?)`,
		a.ID, a.Name, a.CreatedAt,
	); err != nil {
		// Lost a create race: the row exists now, read it back.
		err2 := s.db.QueryRowContext(ctx,
			`SELECT id, name, created_at FROM agents WHERE name = ?`, name,
		).Scan(&a.ID, &a.Name, &a.CreatedAt)
		if err2 != nil {
			return nil, fmt.Errorf("creating agent: %w", err)
		}
	}
	return &a, nil
}

// AssignTool attaches a centrally managed tool definition to an agent,
// replacing any previous definition with the same name.
func (s *Store) AssignTool(ctx context.Context, agentID string, tool model.ToolDefinition) error {
	params, err := json.Marshal(model.NormalizeSchema(tool.Parameters))
	if err != nil {
		return fmt.Errorf("marshalling tool parameters: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO assigned_tools (agent_id, name, description, parameters_json)
		 VALUES (?, ?, ?, ?)
		 ON CONFLICT(agent_id, name) DO UPDATE SET description = excluded.description, parameters_json = excluded.parameters_json`,
		agentID, tool.Name, tool.Description, string(params),
	)
	if err != nil {
		return fmt.Errorf("assigning tool: %w", err)
	}
	return nil
}

// AssignedTools returns the centrally managed tool definitions for an
// agent, ordered by name for deterministic merging.
func (s *Store) AssignedTools(ctx context.Context, agentID string) ([]model.ToolDefinition, error) {
	ctx, span := tracer.Start(ctx, "store.assigned_tools",
		trace.WithAttributes(attribute.String("agent.id", agentID)))
	defer span.End()

	rows, err := s.db.QueryContext(ctx,
		`SELECT name, description, parameters_json FROM assigned_tools WHERE agent_id = ? ORDER BY name`, agentID)
	if err != nil {
		return nil, fmt.Errorf("querying assigned tools: %w", err)
	}
	defer rows.Close()

	var tools []model.ToolDefinition
	for rows.Next() {
		var name, description, paramsJSON string
		if err := rows.Scan(&name, &description, &paramsJSON); err != nil {
			return nil, fmt.Errorf("scanning assigned tool: %w", err)
		}
		var params map[string]interface{}
		if err := json.Unmarshal([]byte(paramsJSON), &params); err != nil {
			params = nil
		}
		tools = append(tools, model.ToolDefinition{
			Name:        name,
			Description: description,
			Parameters:  model.NormalizeSchema(params),
		})
	}
	span.SetAttributes(attribute.Int("tools.count", len(tools)))
	return tools, rows.Err()
}

// RemoveTool detaches an assigned tool from an agent.
func (s *Store) RemoveTool(ctx context.Context, agentID, name string) error {
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM assigned_tools WHERE agent_id = ? AND name = ?`, agentID, name)
	if err != nil {
		return fmt.Errorf("removing tool: %w", err)
	}
	return nil
}
