package gateway

import (
	"encoding/json"
	"net/http"
)

// Gateway error types. Anything the gateway itself rejects uses one of
// these; upstream provider errors pass through in the provider's own
// shape with the upstream status.
const (
	ErrTypeValidation   = "validation_error"
	ErrTypeNotFound     = "not_found"
	ErrTypeUnauthorized = "unauthorized"
	ErrTypeAPIError     = "api_error"
	ErrTypeNotSupported = "not_supported"
)

type errorBody struct {
	Error errorDetail `json:"error"`
}

type errorDetail struct {
	Message string `json:"message"`
	Type    string `json:"type"`
}

// WriteError writes a gateway error body with the given status.
func WriteError(w http.ResponseWriter, status int, errType, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(errorBody{Error: errorDetail{
		Message: message,
		Type:    errType,
	}})
}
