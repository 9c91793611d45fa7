package model

// emptyObjectSchema is the fallback parameters schema. Providers reject
// tools whose parameters are missing or have no usable type, so every tool
// handed upstream gets at least this.
func emptyObjectSchema() map[string]interface{} {
	return map[string]interface{}{
		"type":       "object",
		"properties": map[string]interface{}{},
	}
}

// NormalizeSchema guarantees a syntactically valid JSON Schema for tool
// parameters. Inputs that are not objects, or whose "type" is absent,
// "None", or "null" (both seen from clients that serialize a null type),
// are replaced with an empty object schema. Valid schemas pass unchanged.
func NormalizeSchema(schema interface{}) map[string]interface{} {
	m, ok := schema.(map[string]interface{})
	if !ok || m == nil {
		return emptyObjectSchema()
	}
	t, ok := m["type"].(string)
	if !ok || t == "" || t == "None" || t == "null" {
		return emptyObjectSchema()
	}
	return m
}
