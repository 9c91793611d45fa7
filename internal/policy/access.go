package policy

import (
	"context"
	"embed"
	"fmt"

	"github.com/open-policy-agent/opa/rego"
	"github.com/open-policy-agent/opa/storage/inmem"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

//go:embed rego/*.rego
var embeddedPolicies embed.FS

const accessPolicyFile = "rego/access.rego"
const accessQuery = "data.bastion.policy.access.deny"

// AccessConfig is the operator-level access policy loaded at startup.
// Empty allowed_providers means all configured providers are allowed.
type AccessConfig struct {
	AllowedProviders []string `yaml:"allowed_providers" json:"allowed_providers"`
	BlockedModels    []string `yaml:"blocked_models" json:"blocked_models"`
	BlockedAgents    []string `yaml:"blocked_agents" json:"blocked_agents"`
}

// Decision is the outcome of an access evaluation.
type Decision struct {
	Allowed bool     `json:"allowed"`
	Reasons []string `json:"reasons,omitempty"`
}

// AccessEngine evaluates the embedded Rego access policy. The policy is
// compiled once at startup with the operator config loaded as OPA data;
// per-request evaluation only supplies input.
type AccessEngine struct {
	prepared rego.PreparedEvalQuery
}

// NewAccessEngine compiles the embedded access policy against the given
// operator configuration.
func NewAccessEngine(ctx context.Context, cfg AccessConfig) (*AccessEngine, error) {
	ctx, span := tracer.Start(ctx, "policy.access_engine.new")
	defer span.End()

	content, err := embeddedPolicies.ReadFile(accessPolicyFile)
	if err != nil {
		return nil, fmt.Errorf("reading embedded policy %s: %w", accessPolicyFile, err)
	}

	store := inmem.NewFromObject(map[string]interface{}{
		"access": map[string]interface{}{
			"allowed_providers": toInterfaces(cfg.AllowedProviders),
			"blocked_models":    toInterfaces(cfg.BlockedModels),
			"blocked_agents":    toInterfaces(cfg.BlockedAgents),
		},
	})

	prepared, err := rego.New(
		rego.Query(accessQuery),
		rego.Module(accessPolicyFile, string(content)),
		rego.Store(store),
	).PrepareForEval(ctx)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, fmt.Errorf("preparing access policy: %w", err)
	}

	return &AccessEngine{prepared: prepared}, nil
}

// Evaluate checks whether the request's provider, model, and agent are
// permitted by the operator policy.
func (e *AccessEngine) Evaluate(ctx context.Context, provider, modelName, agentID string) (*Decision, error) {
	ctx, span := tracer.Start(ctx, "policy.access.evaluate")
	defer span.End()

	input := map[string]interface{}{
		"provider": provider,
		"model":    modelName,
		"agent_id": agentID,
	}

	results, err := e.prepared.Eval(ctx, rego.EvalInput(input))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, fmt.Errorf("evaluating access policy: %w", err)
	}

	decision := &Decision{Allowed: true}
	if len(results) > 0 && len(results[0].Expressions) > 0 {
		// The deny query yields a set of reason strings; OPA hands it
		// back as []interface{}.
		if set, ok := results[0].Expressions[0].Value.([]interface{}); ok {
			for _, msg := range set {
				if s, ok := msg.(string); ok {
					decision.Reasons = append(decision.Reasons, s)
				}
			}
		}
	}
	if len(decision.Reasons) > 0 {
		decision.Allowed = false
	}

	span.SetAttributes(
		attribute.Bool("policy.allowed", decision.Allowed),
		attribute.Int("policy.deny_reasons", len(decision.Reasons)),
	)

	return decision, nil
}

func toInterfaces(ss []string) []interface{} {
	out := make([]interface{}, len(ss))
	for i, s := range ss {
		out[i] = s
	}
	return out
}
