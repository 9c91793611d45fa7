package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/google/generative-ai-go/genai"
	"go.opentelemetry.io/otel/trace"
	"google.golang.org/api/option"

	"github.com/bastion-ai/bastion/internal/model"
	bastionotel "github.com/bastion-ai/bastion/internal/otel"
)

// GeminiClient implements Client for Google Gemini with native
// structured output via ResponseSchema.
type GeminiClient struct {
	model  string
	client *genai.Client
}

func NewGeminiClient(ctx context.Context, modelName, apiKey string) (*GeminiClient, error) {
	client, err := genai.NewClient(ctx, option.WithAPIKey(apiKey))
	if err != nil {
		return nil, fmt.Errorf("creating gemini client: %w", err)
	}
	return &GeminiClient{model: modelName, client: client}, nil
}

func (c *GeminiClient) Name() string { return "gemini" }

func (c *GeminiClient) SupportsSchema() bool { return true }

// Close releases the underlying gRPC connection.
func (c *GeminiClient) Close() error { return c.client.Close() }

func (c *GeminiClient) Chat(ctx context.Context, msgs []model.CommonMessage, temperature float64) (string, error) {
	return c.generate(ctx, msgs, temperature, nil)
}

func (c *GeminiClient) ChatWithSchema(ctx context.Context, msgs []model.CommonMessage, schema map[string]interface{}, temperature float64) (json.RawMessage, error) {
	text, err := c.generate(ctx, msgs, temperature, convertSchema(schema))
	if err != nil {
		return nil, err
	}
	if !json.Valid([]byte(text)) {
		return ExtractJSON(text)
	}
	return json.RawMessage(text), nil
}

func (c *GeminiClient) generate(ctx context.Context, msgs []model.CommonMessage, temperature float64, schema *genai.Schema) (string, error) {
	ctx, span := tracer.Start(ctx, "gen_ai.chat",
		trace.WithAttributes(bastionotel.LLMRequestAttributes("gemini", c.model, temperature)...))
	defer span.End()

	ctx, cancel := context.WithTimeout(ctx, callTimeout)
	defer cancel()

	gm := c.client.GenerativeModel(c.model)
	gm.SetTemperature(float32(temperature))
	if schema != nil {
		gm.GenerationConfig.ResponseMIMEType = "application/json"
		gm.GenerationConfig.ResponseSchema = schema
	}

	var systemParts []string
	var contents []*genai.Content
	for _, m := range msgs {
		switch m.Role {
		case model.RoleSystem:
			systemParts = append(systemParts, m.Content)
		case model.RoleAssistant:
			contents = append(contents, &genai.Content{Role: "model", Parts: []genai.Part{genai.Text(m.Content)}})
		default:
			contents = append(contents, &genai.Content{Role: "user", Parts: []genai.Part{genai.Text(m.Content)}})
		}
	}
	if len(systemParts) > 0 {
		gm.SystemInstruction = &genai.Content{Parts: []genai.Part{genai.Text(strings.Join(systemParts, "\n\n"))}}
	}
	if len(contents) == 0 {
		return "", fmt.Errorf("gemini api call: no messages to send")
	}

	cs := gm.StartChat()
	cs.History = contents[:len(contents)-1]
	last := contents[len(contents)-1]

	resp, err := cs.SendMessage(ctx, last.Parts...)
	if err != nil {
		span.RecordError(err)
		return "", fmt.Errorf("gemini api call: %w", err)
	}
	if len(resp.Candidates) == 0 || resp.Candidates[0].Content == nil {
		return "", fmt.Errorf("gemini api call: %w", ErrEmptyResponse)
	}

	if resp.UsageMetadata != nil {
		span.SetAttributes(bastionotel.LLMUsageAttributes(
			int(resp.UsageMetadata.PromptTokenCount),
			int(resp.UsageMetadata.CandidatesTokenCount),
		)...)
	}

	var out strings.Builder
	for _, part := range resp.Candidates[0].Content.Parts {
		if text, ok := part.(genai.Text); ok {
			out.WriteString(string(text))
		}
	}
	if out.Len() == 0 {
		return "", fmt.Errorf("gemini api call: %w", ErrEmptyResponse)
	}
	return out.String(), nil
}

// convertSchema maps a plain JSON Schema document onto genai's typed
// schema. Unsupported constructs degrade to a string-typed node, which
// Gemini treats as free text.
func convertSchema(schema map[string]interface{}) *genai.Schema {
	if schema == nil {
		return nil
	}
	out := &genai.Schema{Type: genai.TypeString}

	if desc, ok := schema["description"].(string); ok {
		out.Description = desc
	}

	typeName, _ := schema["type"].(string)
	switch typeName {
	case "object":
		out.Type = genai.TypeObject
		if props, ok := schema["properties"].(map[string]interface{}); ok {
			out.Properties = make(map[string]*genai.Schema, len(props))
			for name, sub := range props {
				if subMap, ok := sub.(map[string]interface{}); ok {
					out.Properties[name] = convertSchema(subMap)
				}
			}
		}
		if req, ok := schema["required"].([]interface{}); ok {
			for _, r := range req {
				if s, ok := r.(string); ok {
					out.Required = append(out.Required, s)
				}
			}
		}
	case "array":
		out.Type = genai.TypeArray
		if items, ok := schema["items"].(map[string]interface{}); ok {
			out.Items = convertSchema(items)
		}
	case "integer":
		out.Type = genai.TypeInteger
	case "number":
		out.Type = genai.TypeNumber
	case "boolean":
		out.Type = genai.TypeBoolean
	case "string":
		out.Type = genai.TypeString
		if enum, ok := schema["enum"].([]interface{}); ok {
			for _, e := range enum {
				if s, ok := e.(string); ok {
					out.Enum = append(out.Enum, s)
				}
			}
		}
	}
	return out
}
