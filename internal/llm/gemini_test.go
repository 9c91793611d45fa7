package llm

import (
	"testing"

	"github.com/google/generative-ai-go/genai"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConvertSchema(t *testing.T) {
	schema := map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"question": map[string]interface{}{"type": "string", "description": "the question text"},
			"options":  map[string]interface{}{"type": "array", "items": map[string]interface{}{"type": "string"}},
			"done":     map[string]interface{}{"type": "boolean"},
			"chosen":   map[string]interface{}{"type": "integer"},
		},
		"required": []interface{}{"question", "options", "done"},
	}

	got := convertSchema(schema)
	require.NotNil(t, got)
	assert.Equal(t, genai.TypeObject, got.Type)
	assert.ElementsMatch(t, []string{"question", "options", "done"}, got.Required)

	require.Contains(t, got.Properties, "question")
	assert.Equal(t, genai.TypeString, got.Properties["question"].Type)
	assert.Equal(t, "the question text", got.Properties["question"].Description)

	require.Contains(t, got.Properties, "options")
	assert.Equal(t, genai.TypeArray, got.Properties["options"].Type)
	require.NotNil(t, got.Properties["options"].Items)
	assert.Equal(t, genai.TypeString, got.Properties["options"].Items.Type)

	assert.Equal(t, genai.TypeBoolean, got.Properties["done"].Type)
	assert.Equal(t, genai.TypeInteger, got.Properties["chosen"].Type)
}

func TestConvertSchemaEnumAndNil(t *testing.T) {
	assert.Nil(t, convertSchema(nil))

	got := convertSchema(map[string]interface{}{
		"type": "string",
		"enum": []interface{}{"low", "high"},
	})
	require.NotNil(t, got)
	assert.Equal(t, []string{"low", "high"}, got.Enum)
}
