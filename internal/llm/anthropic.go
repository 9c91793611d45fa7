package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"go.opentelemetry.io/otel/trace"

	"github.com/bastion-ai/bastion/internal/model"
	bastionotel "github.com/bastion-ai/bastion/internal/otel"
)

const anthropicVersion = "2023-06-01"

// AnthropicClient implements Client for the Anthropic Messages API.
// Anthropic has no native structured-output mode, so ChatWithSchema
// prompts for JSON and extracts it from the reply.
type AnthropicClient struct {
	model      string
	apiKey     string
	baseURL    string
	httpClient *http.Client
}

func NewAnthropicClient(modelName, apiKey, baseURL string) *AnthropicClient {
	if baseURL == "" {
		baseURL = "https://api.anthropic.com"
	}
	return &AnthropicClient{
		model:      modelName,
		apiKey:     apiKey,
		baseURL:    baseURL,
		httpClient: &http.Client{},
	}
}

func (c *AnthropicClient) Name() string { return "anthropic" }

func (c *AnthropicClient) SupportsSchema() bool { return false }

type anthropicChatRequest struct {
	Model       string             `json:"model"`
	Messages    []anthropicMessage `json:"messages"`
	System      string             `json:"system,omitempty"`
	MaxTokens   int                `json:"max_tokens"`
	Temperature float64            `json:"temperature,omitempty"`
}

type anthropicMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type anthropicChatResponse struct {
	ID      string `json:"id"`
	Content []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	} `json:"content"`
	StopReason string `json:"stop_reason"`
	Usage      struct {
		InputTokens  int `json:"input_tokens"`
		OutputTokens int `json:"output_tokens"`
	} `json:"usage"`
}

func (c *AnthropicClient) Chat(ctx context.Context, msgs []model.CommonMessage, temperature float64) (string, error) {
	ctx, span := tracer.Start(ctx, "gen_ai.chat",
		trace.WithAttributes(bastionotel.LLMRequestAttributes("anthropic", c.model, temperature)...))
	defer span.End()

	ctx, cancel := context.WithTimeout(ctx, callTimeout)
	defer cancel()

	// The Messages API takes system directives in a separate field.
	// Collect all system messages so none is dropped.
	var systemParts []string
	messages := make([]anthropicMessage, 0, len(msgs))
	for _, m := range msgs {
		if m.Role == model.RoleSystem {
			systemParts = append(systemParts, m.Content)
			continue
		}
		messages = append(messages, anthropicMessage{Role: string(m.Role), Content: m.Content})
	}

	apiReq := anthropicChatRequest{
		Model:       c.model,
		Messages:    messages,
		System:      strings.Join(systemParts, "\n\n"),
		MaxTokens:   4096,
		Temperature: temperature,
	}

	body, err := json.Marshal(apiReq)
	if err != nil {
		return "", fmt.Errorf("marshalling anthropic request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v1/messages", bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("creating anthropic request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("x-api-key", c.apiKey)
	httpReq.Header.Set("anthropic-version", anthropicVersion)

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		span.RecordError(err)
		return "", fmt.Errorf("anthropic api call: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(resp.Body)
		return "", fmt.Errorf("anthropic api error %d: %s", resp.StatusCode, string(respBody))
	}

	var apiResp anthropicChatResponse
	if err := json.NewDecoder(resp.Body).Decode(&apiResp); err != nil {
		return "", fmt.Errorf("decoding anthropic response: %w", err)
	}

	span.SetAttributes(bastionotel.LLMUsageAttributes(apiResp.Usage.InputTokens, apiResp.Usage.OutputTokens)...)
	span.SetAttributes(
		bastionotel.GenAIResponseFinishReason.String(apiResp.StopReason),
		bastionotel.GenAIResponseID.String(apiResp.ID),
	)

	var content strings.Builder
	for _, block := range apiResp.Content {
		if block.Type == "text" {
			content.WriteString(block.Text)
		}
	}
	if content.Len() == 0 {
		return "", fmt.Errorf("anthropic api call: %w", ErrEmptyResponse)
	}
	return content.String(), nil
}

func (c *AnthropicClient) ChatWithSchema(ctx context.Context, msgs []model.CommonMessage, schema map[string]interface{}, temperature float64) (json.RawMessage, error) {
	text, err := c.Chat(ctx, withSchemaInstruction(msgs, schema), temperature)
	if err != nil {
		return nil, err
	}
	return ExtractJSON(text)
}
