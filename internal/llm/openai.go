package llm

import (
	"context"
	"encoding/json"
	"fmt"

	openai "github.com/sashabaranov/go-openai"
	"go.opentelemetry.io/otel/trace"

	"github.com/bastion-ai/bastion/internal/model"
	bastionotel "github.com/bastion-ai/bastion/internal/otel"
)

// OpenAIClient implements Client for OpenAI and OpenAI-compatible
// providers (cerebras, zhipu) via a custom base URL.
type OpenAIClient struct {
	provider string
	model    string
	client   *openai.Client
}

// NewOpenAIClient builds a client. baseURL is optional; when set it must
// include the full path prefix (e.g. "https://api.cerebras.ai/v1").
func NewOpenAIClient(provider, modelName, apiKey, baseURL string) *OpenAIClient {
	cfg := openai.DefaultConfig(apiKey)
	if baseURL != "" {
		cfg.BaseURL = baseURL
	}
	return &OpenAIClient{
		provider: provider,
		model:    modelName,
		client:   openai.NewClientWithConfig(cfg),
	}
}

func (c *OpenAIClient) Name() string { return c.provider }

func (c *OpenAIClient) SupportsSchema() bool { return true }

func (c *OpenAIClient) Chat(ctx context.Context, msgs []model.CommonMessage, temperature float64) (string, error) {
	resp, err := c.complete(ctx, msgs, temperature, nil)
	if err != nil {
		return "", err
	}
	return resp, nil
}

func (c *OpenAIClient) ChatWithSchema(ctx context.Context, msgs []model.CommonMessage, schema map[string]interface{}, temperature float64) (json.RawMessage, error) {
	schemaBytes, err := json.Marshal(schema)
	if err != nil {
		return nil, fmt.Errorf("marshalling schema: %w", err)
	}
	format := &openai.ChatCompletionResponseFormat{
		Type: openai.ChatCompletionResponseFormatTypeJSONSchema,
		JSONSchema: &openai.ChatCompletionResponseFormatJSONSchema{
			Name:   "reply",
			Schema: json.RawMessage(schemaBytes),
			Strict: true,
		},
	}
	content, err := c.complete(ctx, msgs, temperature, format)
	if err != nil {
		return nil, err
	}
	if !json.Valid([]byte(content)) {
		return ExtractJSON(content)
	}
	return json.RawMessage(content), nil
}

func (c *OpenAIClient) complete(ctx context.Context, msgs []model.CommonMessage, temperature float64, format *openai.ChatCompletionResponseFormat) (string, error) {
	ctx, span := tracer.Start(ctx, "gen_ai.chat",
		trace.WithAttributes(bastionotel.LLMRequestAttributes(c.provider, c.model, temperature)...))
	defer span.End()

	ctx, cancel := context.WithTimeout(ctx, callTimeout)
	defer cancel()

	messages := make([]openai.ChatCompletionMessage, len(msgs))
	for i, m := range msgs {
		messages[i] = openai.ChatCompletionMessage{
			Role:    string(m.Role),
			Content: m.Content,
		}
	}

	req := openai.ChatCompletionRequest{
		Model:          c.model,
		Messages:       messages,
		Temperature:    float32(temperature),
		ResponseFormat: format,
	}

	resp, err := c.client.CreateChatCompletion(ctx, req)
	if err != nil {
		span.RecordError(err)
		return "", fmt.Errorf("%s api call: %w", c.provider, err)
	}
	if len(resp.Choices) == 0 {
		return "", fmt.Errorf("%s api call: %w", c.provider, ErrEmptyResponse)
	}

	span.SetAttributes(bastionotel.LLMUsageAttributes(resp.Usage.PromptTokens, resp.Usage.CompletionTokens)...)
	span.SetAttributes(bastionotel.GenAIResponseFinishReason.String(string(resp.Choices[0].FinishReason)))

	return resp.Choices[0].Message.Content, nil
}
