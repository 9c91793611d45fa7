package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"go.opentelemetry.io/otel/trace"

	"github.com/bastion-ai/bastion/internal/model"
	bastionotel "github.com/bastion-ai/bastion/internal/otel"
)

// OllamaClient implements Client for local Ollama models, useful as a
// cheap quarantined agent. Ollama's format=json constrains output to
// JSON but not to a schema, so the schema rides along in the prompt.
type OllamaClient struct {
	model      string
	baseURL    string
	httpClient *http.Client
}

func NewOllamaClient(modelName, baseURL string) *OllamaClient {
	if baseURL == "" {
		baseURL = "http://localhost:11434"
	}
	return &OllamaClient{
		model:      modelName,
		baseURL:    baseURL,
		httpClient: &http.Client{},
	}
}

func (c *OllamaClient) Name() string { return "ollama" }

func (c *OllamaClient) SupportsSchema() bool { return false }

type ollamaChatRequest struct {
	Model    string          `json:"model"`
	Messages []ollamaMessage `json:"messages"`
	Stream   bool            `json:"stream"`
	Format   string          `json:"format,omitempty"`
	Options  ollamaOptions   `json:"options"`
}

type ollamaOptions struct {
	Temperature float64 `json:"temperature"`
}

type ollamaMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type ollamaChatResponse struct {
	Message struct {
		Content string `json:"content"`
	} `json:"message"`
	PromptEvalCount int `json:"prompt_eval_count"`
	EvalCount       int `json:"eval_count"`
}

func (c *OllamaClient) Chat(ctx context.Context, msgs []model.CommonMessage, temperature float64) (string, error) {
	return c.chat(ctx, msgs, temperature, "")
}

func (c *OllamaClient) ChatWithSchema(ctx context.Context, msgs []model.CommonMessage, schema map[string]interface{}, temperature float64) (json.RawMessage, error) {
	text, err := c.chat(ctx, withSchemaInstruction(msgs, schema), temperature, "json")
	if err != nil {
		return nil, err
	}
	if json.Valid([]byte(text)) {
		return json.RawMessage(text), nil
	}
	return ExtractJSON(text)
}

func (c *OllamaClient) chat(ctx context.Context, msgs []model.CommonMessage, temperature float64, format string) (string, error) {
	ctx, span := tracer.Start(ctx, "gen_ai.chat",
		trace.WithAttributes(bastionotel.LLMRequestAttributes("ollama", c.model, temperature)...))
	defer span.End()

	ctx, cancel := context.WithTimeout(ctx, callTimeout)
	defer cancel()

	messages := make([]ollamaMessage, len(msgs))
	for i, m := range msgs {
		messages[i] = ollamaMessage{Role: string(m.Role), Content: m.Content}
	}

	body, err := json.Marshal(ollamaChatRequest{
		Model:    c.model,
		Messages: messages,
		Stream:   false,
		Format:   format,
		Options:  ollamaOptions{Temperature: temperature},
	})
	if err != nil {
		return "", fmt.Errorf("marshalling ollama request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/chat", bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("creating ollama request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		span.RecordError(err)
		return "", fmt.Errorf("ollama api call: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("ollama api error %d", resp.StatusCode)
	}

	var apiResp ollamaChatResponse
	if err := json.NewDecoder(resp.Body).Decode(&apiResp); err != nil {
		return "", fmt.Errorf("decoding ollama response: %w", err)
	}
	if apiResp.Message.Content == "" {
		return "", fmt.Errorf("ollama api call: %w", ErrEmptyResponse)
	}

	span.SetAttributes(bastionotel.LLMUsageAttributes(apiResp.PromptEvalCount, apiResp.EvalCount)...)

	return apiResp.Message.Content, nil
}
