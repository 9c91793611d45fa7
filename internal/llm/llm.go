// Package llm provides the internal LLM clients used by the quarantine
// sub-protocol. These are deliberately separate from the proxy path: the
// proxy forwards provider-native bytes untouched, while the quarantine
// orchestrator needs plain chat and schema-constrained calls against
// specific models.
package llm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/bastion-ai/bastion/internal/model"
	bastionotel "github.com/bastion-ai/bastion/internal/otel"
)

const callTimeout = 60 * time.Second

var tracer = bastionotel.Tracer("github.com/bastion-ai/bastion/internal/llm")

var (
	ErrProviderNotAvailable = errors.New("provider not available")
	ErrEmptyResponse        = errors.New("empty response from model")
)

// Client is a chat client bound to one provider and model.
type Client interface {
	// Name returns the provider identifier, e.g. "openai".
	Name() string
	// Chat sends the conversation and returns the assistant text.
	Chat(ctx context.Context, msgs []model.CommonMessage, temperature float64) (string, error)
	// ChatWithSchema sends the conversation and returns a JSON document
	// conforming to the given JSON Schema. Clients without native
	// schema support embed the schema in the prompt and extract JSON
	// from the reply.
	ChatWithSchema(ctx context.Context, msgs []model.CommonMessage, schema map[string]interface{}, temperature float64) (json.RawMessage, error)
	// SupportsSchema reports whether the provider enforces the schema
	// natively rather than by prompting.
	SupportsSchema() bool
}

// Options configures client construction.
type Options struct {
	Provider string
	Model    string
	APIKey   string
	// BaseURL overrides the provider endpoint, used for
	// OpenAI-compatible providers (cerebras, zhipu) and tests.
	BaseURL string
}

// New builds a Client for the given provider. OpenAI-compatible
// providers share the OpenAI client with a different base URL.
func New(ctx context.Context, opts Options) (Client, error) {
	switch opts.Provider {
	case "openai", "cerebras", "zhipu":
		return NewOpenAIClient(opts.Provider, opts.Model, opts.APIKey, opts.BaseURL), nil
	case "anthropic":
		return NewAnthropicClient(opts.Model, opts.APIKey, opts.BaseURL), nil
	case "gemini":
		return NewGeminiClient(ctx, opts.Model, opts.APIKey)
	case "ollama":
		return NewOllamaClient(opts.Model, opts.BaseURL), nil
	default:
		return nil, fmt.Errorf("%w: %s", ErrProviderNotAvailable, opts.Provider)
	}
}

// schemaPrompt renders a JSON Schema as a prompt suffix for providers
// without native structured output.
func schemaPrompt(schema map[string]interface{}) string {
	b, err := json.Marshal(schema)
	if err != nil {
		return "Respond with a single JSON object and nothing else."
	}
	return fmt.Sprintf("Respond with a single JSON object conforming to this JSON Schema, and nothing else:\n%s", string(b))
}

// withSchemaInstruction appends the schema instruction to the last user
// message, or adds a new user message when the conversation ends with
// the assistant.
func withSchemaInstruction(msgs []model.CommonMessage, schema map[string]interface{}) []model.CommonMessage {
	instruction := schemaPrompt(schema)
	out := make([]model.CommonMessage, len(msgs), len(msgs)+1)
	copy(out, msgs)
	for i := len(out) - 1; i >= 0; i-- {
		if out[i].Role == model.RoleUser {
			out[i].Content = out[i].Content + "\n\n" + instruction
			return out
		}
	}
	return append(out, model.CommonMessage{Role: model.RoleUser, Content: instruction})
}
