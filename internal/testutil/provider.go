// Package testutil provides shared test doubles: an OpenAI-compatible
// upstream server with scripted replies, and a scripted quarantine
// client. Integration tests use these to exercise the proxy path
// without network access or provider credentials.
package testutil

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
)

// CapturedRequest is one request the mock provider received.
type CapturedRequest struct {
	Path    string
	Headers http.Header
	Body    []byte
}

// ProviderServer is an OpenAI-compatible chat completions endpoint
// backed by httptest. Responses are served from a script in order;
// once the script is exhausted the default completion is returned.
type ProviderServer struct {
	srv *httptest.Server

	mu       sync.Mutex
	script   []string
	captured []CapturedRequest
}

// NewProviderServer starts the mock provider. Callers must Close it.
func NewProviderServer() *ProviderServer {
	p := &ProviderServer{}
	p.srv = httptest.NewServer(http.HandlerFunc(p.handle))
	return p
}

// URL returns the base URL, suitable for a provider base_url override.
func (p *ProviderServer) URL() string { return p.srv.URL }

// Close shuts the server down.
func (p *ProviderServer) Close() { p.srv.Close() }

// Enqueue appends raw response bodies to the script. Each serves one
// request with status 200 and Content-Type application/json.
func (p *ProviderServer) Enqueue(bodies ...string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.script = append(p.script, bodies...)
}

// Requests returns a copy of everything received so far.
func (p *ProviderServer) Requests() []CapturedRequest {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]CapturedRequest, len(p.captured))
	copy(out, p.captured)
	return out
}

// LastRequest returns the most recent request, or nil.
func (p *ProviderServer) LastRequest() *CapturedRequest {
	reqs := p.Requests()
	if len(reqs) == 0 {
		return nil
	}
	return &reqs[len(reqs)-1]
}

func (p *ProviderServer) handle(w http.ResponseWriter, r *http.Request) {
	body, _ := io.ReadAll(r.Body)

	p.mu.Lock()
	p.captured = append(p.captured, CapturedRequest{
		Path:    r.URL.Path,
		Headers: r.Header.Clone(),
		Body:    body,
	})
	var reply string
	if len(p.script) > 0 {
		reply = p.script[0]
		p.script = p.script[1:]
	} else {
		reply = Completion("ok")
	}
	p.mu.Unlock()

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	w.Write([]byte(reply))
}

// Completion builds a chat completion body with the given assistant
// text and a small fixed usage block.
func Completion(text string) string {
	return CompletionWithUsage(text, 10, 5)
}

// CompletionWithUsage builds a chat completion body with explicit
// token counts.
func CompletionWithUsage(text string, inputTokens, outputTokens int) string {
	msg, _ := json.Marshal(text)
	return fmt.Sprintf(`{
		"id": "chatcmpl-test",
		"object": "chat.completion",
		"model": "gpt-4o-mini",
		"choices": [{"index": 0, "message": {"role": "assistant", "content": %s}, "finish_reason": "stop"}],
		"usage": {"prompt_tokens": %d, "completion_tokens": %d, "total_tokens": %d}
	}`, msg, inputTokens, outputTokens, inputTokens+outputTokens)
}

// ToolCallCompletion builds a chat completion whose assistant turn
// proposes a single tool call with the given name and arguments.
func ToolCallCompletion(callID, toolName, arguments string) string {
	args, _ := json.Marshal(arguments)
	return fmt.Sprintf(`{
		"id": "chatcmpl-test",
		"object": "chat.completion",
		"model": "gpt-4o-mini",
		"choices": [{"index": 0, "message": {"role": "assistant", "content": null, "tool_calls": [
			{"id": %q, "type": "function", "function": {"name": %q, "arguments": %s}}
		]}, "finish_reason": "tool_calls"}],
		"usage": {"prompt_tokens": 20, "completion_tokens": 12, "total_tokens": 32}
	}`, callID, toolName, args)
}
