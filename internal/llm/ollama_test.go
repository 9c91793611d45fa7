package llm

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bastion-ai/bastion/internal/model"
)

func TestOllamaClientChat(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/api/chat", r.URL.Path)
		var req map[string]interface{}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, false, req["stream"])
		resp := map[string]interface{}{
			"message":           map[string]interface{}{"role": "assistant", "content": "local answer"},
			"prompt_eval_count": 10,
			"eval_count":        3,
		}
		require.NoError(t, json.NewEncoder(w).Encode(resp))
	}))
	defer srv.Close()

	client := NewOllamaClient("llama3", srv.URL)
	out, err := client.Chat(context.Background(), []model.CommonMessage{{Role: model.RoleUser, Content: "hi"}}, 0.1)
	require.NoError(t, err)
	assert.Equal(t, "local answer", out)
}

func TestOllamaClientChatWithSchemaSetsJSONFormat(t *testing.T) {
	var captured map[string]interface{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, json.NewDecoder(r.Body).Decode(&captured))
		resp := map[string]interface{}{
			"message": map[string]interface{}{"role": "assistant", "content": `{"chosen": 0}`},
		}
		require.NoError(t, json.NewEncoder(w).Encode(resp))
	}))
	defer srv.Close()

	client := NewOllamaClient("llama3", srv.URL)
	raw, err := client.ChatWithSchema(context.Background(), []model.CommonMessage{
		{Role: model.RoleUser, Content: "pick"},
	}, map[string]interface{}{"type": "object"}, 0)
	require.NoError(t, err)
	assert.JSONEq(t, `{"chosen": 0}`, string(raw))
	assert.Equal(t, "json", captured["format"])
	assert.False(t, client.SupportsSchema())
}

func TestOllamaClientDefaultBaseURL(t *testing.T) {
	client := NewOllamaClient("llama3", "")
	assert.Equal(t, "http://localhost:11434", client.baseURL)
}
