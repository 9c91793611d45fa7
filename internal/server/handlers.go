package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/bastion-ai/bastion/internal/store"
)

func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, errType, message string) {
	writeJSON(w, status, map[string]interface{}{
		"error": map[string]string{
			"message": message,
			"type":    errType,
		},
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":         "ok",
		"version":        s.version,
		"uptime_seconds": int(time.Since(s.startTime).Seconds()),
	})
}

func (s *Server) handleInteractionsList(w http.ResponseWriter, r *http.Request) {
	agentID := r.URL.Query().Get("agent_id")
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	if limit <= 0 {
		limit = 50
	}
	list, err := s.store.ListInteractions(r.Context(), agentID, limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "api_error", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"interactions": list,
		"hint":         "use GET /v1/interactions/<id> for full detail, /verify to check the signature",
	})
}

func (s *Server) handleInteractionGet(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	in, err := s.store.GetInteraction(r.Context(), id)
	if errors.Is(err, store.ErrInteractionNotFound) {
		writeError(w, http.StatusNotFound, "not_found", "interaction not found")
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, "api_error", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, in)
}

func (s *Server) handleInteractionVerify(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	valid, err := s.store.VerifyInteraction(r.Context(), id)
	if errors.Is(err, store.ErrInteractionNotFound) {
		writeError(w, http.StatusNotFound, "not_found", "interaction not found")
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, "api_error", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"id": id, "valid": valid})
}

func (s *Server) handleQuarantineResults(w http.ResponseWriter, r *http.Request) {
	toolCallID := chi.URLParam(r, "toolCallID")
	results, err := s.store.DualLlmResults(r.Context(), toolCallID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "api_error", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"tool_call_id": toolCallID,
		"results":      results,
	})
}
