package testutil

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/bastion-ai/bastion/internal/model"
)

// ScriptedClient is an llm.Client whose replies come from fixed
// queues. Chat and ChatWithSchema consume separate scripts so a test
// can stage a full quarantine exchange up front.
type ScriptedClient struct {
	Provider string

	mu      sync.Mutex
	chat    []string
	schema  []string
	nChat   int
	nSchema int
}

// EnqueueChat appends plain-text replies for Chat calls.
func (s *ScriptedClient) EnqueueChat(replies ...string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.chat = append(s.chat, replies...)
}

// EnqueueSchema appends JSON replies for ChatWithSchema calls.
func (s *ScriptedClient) EnqueueSchema(replies ...string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.schema = append(s.schema, replies...)
}

// Calls reports how many Chat and ChatWithSchema calls were served.
func (s *ScriptedClient) Calls() (chat, schema int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.nChat, s.nSchema
}

func (s *ScriptedClient) Name() string {
	if s.Provider == "" {
		return "scripted"
	}
	return s.Provider
}

func (s *ScriptedClient) Chat(ctx context.Context, msgs []model.CommonMessage, temperature float64) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nChat++
	if len(s.chat) == 0 {
		return "", fmt.Errorf("scripted client: chat script exhausted after %d calls", s.nChat)
	}
	reply := s.chat[0]
	s.chat = s.chat[1:]
	return reply, nil
}

func (s *ScriptedClient) ChatWithSchema(ctx context.Context, msgs []model.CommonMessage, schema map[string]interface{}, temperature float64) (json.RawMessage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nSchema++
	if len(s.schema) == 0 {
		return nil, fmt.Errorf("scripted client: schema script exhausted after %d calls", s.nSchema)
	}
	reply := s.schema[0]
	s.schema = s.schema[1:]
	return json.RawMessage(reply), nil
}

func (s *ScriptedClient) SupportsSchema() bool { return true }
