package gateway

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/bastion-ai/bastion/internal/adapter"
)

const anthropicVersion = "2023-06-01"

// maxStreamLineSize bounds a single SSE line; provider chunks stay well
// under this.
const maxStreamLineSize = 512 * 1024

// hopHeaders are stripped from the inbound request before forwarding.
// Credentials are replaced with the gateway-held provider key, and the
// body may have been rewritten, so length and encoding headers must not
// survive either.
var hopHeaders = []string{
	"Authorization",
	"X-Api-Key",
	"X-Goog-Api-Key",
	"Accept-Encoding",
	"Content-Length",
	"Connection",
	"Host",
}

// NewUpstreamClient builds the shared HTTP client for provider calls.
// Safe for concurrent use across requests.
func NewUpstreamClient(t ParsedTimeouts) *http.Client {
	return &http.Client{
		Transport: &http.Transport{
			DialContext: (&net.Dialer{
				Timeout: t.ConnectTimeout,
			}).DialContext,
			ResponseHeaderTimeout: t.RequestTimeout,
			MaxIdleConnsPerHost:   8,
			IdleConnTimeout:       90 * time.Second,
		},
		// No client-level timeout: streaming responses outlive any
		// fixed budget. Idle detection happens per event in streamCopy.
	}
}

// buildUpstreamRequest clones the inbound request against the provider's
// base URL with the processed body, scrubbed headers and the gateway's
// provider credential.
func buildUpstreamRequest(ctx context.Context, r *http.Request, baseURL, provider, apiKey, upstreamPath string, body []byte) (*http.Request, error) {
	url := strings.TrimRight(baseURL, "/") + upstreamPath
	if r.URL.RawQuery != "" {
		url += "?" + r.URL.RawQuery
	}
	req, err := http.NewRequestWithContext(ctx, r.Method, url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("building upstream request: %w", err)
	}

	for k, vv := range r.Header {
		req.Header[k] = append([]string(nil), vv...)
	}
	for _, h := range hopHeaders {
		req.Header.Del(h)
	}
	if req.Header.Get("Content-Type") == "" {
		req.Header.Set("Content-Type", "application/json")
	}

	switch provider {
	case "anthropic":
		req.Header.Set("x-api-key", apiKey)
		if req.Header.Get("anthropic-version") == "" {
			req.Header.Set("anthropic-version", anthropicVersion)
		}
	case "gemini":
		req.Header.Set("x-goog-api-key", apiKey)
	default:
		req.Header.Set("Authorization", "Bearer "+apiKey)
	}
	return req, nil
}

// isStreamingRequest reports whether the inbound request asks for a
// streamed response: the OpenAI/Anthropic stream flag, or a Gemini
// streaming method in the path.
func isStreamingRequest(path string, body []byte) bool {
	if strings.Contains(path, ":streamGenerateContent") {
		return true
	}
	var probe struct {
		Stream bool `json:"stream"`
	}
	if err := json.Unmarshal(body, &probe); err != nil {
		return false
	}
	return probe.Stream
}

// isStreamingResponse reports whether the upstream reply is an event
// stream that must be copied incrementally.
func isStreamingResponse(resp *http.Response) bool {
	ct := resp.Header.Get("Content-Type")
	if strings.Contains(ct, "text/event-stream") {
		return true
	}
	for _, te := range resp.TransferEncoding {
		if te == "chunked" {
			return true
		}
	}
	return false
}

// streamLine carries one scanned line from the reader goroutine. eof
// marks the end of the stream, with err holding any scanner error.
type streamLine struct {
	line []byte
	err  error
	eof  bool
}

// streamCopy forwards the upstream event stream to the client, flushing
// per SSE event and accumulating token usage from the chunks that carry
// it. Reads happen on a separate goroutine so the idle timeout and a
// client disconnect interrupt a stalled upstream instead of waiting on
// a blocked read; the caller's deferred upstream close releases that
// goroutine after an early return. The idle deadline resets on every
// line received, so chunked non-SSE streams (Gemini's JSON array style)
// stay alive as long as data flows.
func streamCopy(ctx context.Context, w http.ResponseWriter, upstream io.Reader, idleTimeout time.Duration) (adapter.Usage, error) {
	var usage adapter.Usage
	flusher, _ := w.(http.Flusher)

	lines := make(chan streamLine)
	done := make(chan struct{})
	defer close(done)

	go func() {
		scanner := bufio.NewScanner(upstream)
		scanner.Buffer(make([]byte, 64*1024), maxStreamLineSize)
		for scanner.Scan() {
			line := append([]byte(nil), scanner.Bytes()...)
			select {
			case lines <- streamLine{line: line}:
			case <-done:
				return
			}
		}
		select {
		case lines <- streamLine{err: scanner.Err(), eof: true}:
		case <-done:
		}
	}()

	var idle *time.Timer
	var idleC <-chan time.Time
	if idleTimeout > 0 {
		idle = time.NewTimer(idleTimeout)
		defer idle.Stop()
		idleC = idle.C
	}

	for {
		if ctx.Err() != nil {
			return usage, ctx.Err()
		}
		select {
		case <-ctx.Done():
			return usage, ctx.Err()
		case <-idleC:
			return usage, fmt.Errorf("stream idle timeout after %s", idleTimeout)
		case res := <-lines:
			if res.eof {
				if flusher != nil {
					flusher.Flush()
				}
				if res.err != nil {
					if ctx.Err() != nil {
						return usage, ctx.Err()
					}
					return usage, fmt.Errorf("reading upstream stream: %w", res.err)
				}
				return usage, nil
			}
			if idle != nil {
				if !idle.Stop() {
					<-idle.C
				}
				idle.Reset(idleTimeout)
			}
			accumulateStreamUsage(res.line, &usage)
			if _, err := w.Write(res.line); err != nil {
				return usage, err
			}
			if _, err := w.Write([]byte("\n")); err != nil {
				return usage, err
			}
			// Blank line terminates an SSE event; flush so the client
			// sees tokens as they arrive.
			if len(res.line) == 0 && flusher != nil {
				flusher.Flush()
			}
		}
	}
}

// accumulateStreamUsage folds token counts out of one stream line.
// OpenAI reports usage once in a late chunk; Anthropic splits input
// tokens (message_start) from output tokens (message_delta); Gemini
// repeats usageMetadata with running totals.
func accumulateStreamUsage(line []byte, u *adapter.Usage) {
	payload := line
	if bytes.HasPrefix(line, []byte("data:")) {
		payload = bytes.TrimSpace(line[len("data:"):])
	}
	if len(payload) == 0 || payload[0] != '{' {
		return
	}

	var chunk struct {
		Usage *struct {
			PromptTokens     int `json:"prompt_tokens"`
			CompletionTokens int `json:"completion_tokens"`
			InputTokens      int `json:"input_tokens"`
			OutputTokens     int `json:"output_tokens"`
		} `json:"usage"`
		Message *struct {
			Usage *struct {
				InputTokens  int `json:"input_tokens"`
				OutputTokens int `json:"output_tokens"`
			} `json:"usage"`
		} `json:"message"`
		UsageMetadata *struct {
			PromptTokenCount     int `json:"promptTokenCount"`
			CandidatesTokenCount int `json:"candidatesTokenCount"`
		} `json:"usageMetadata"`
	}
	if err := json.Unmarshal(payload, &chunk); err != nil {
		return
	}

	if chunk.Usage != nil {
		mergeMax(&u.Input, chunk.Usage.PromptTokens)
		mergeMax(&u.Output, chunk.Usage.CompletionTokens)
		mergeMax(&u.Input, chunk.Usage.InputTokens)
		mergeMax(&u.Output, chunk.Usage.OutputTokens)
	}
	if chunk.Message != nil && chunk.Message.Usage != nil {
		mergeMax(&u.Input, chunk.Message.Usage.InputTokens)
		mergeMax(&u.Output, chunk.Message.Usage.OutputTokens)
	}
	if chunk.UsageMetadata != nil {
		mergeMax(&u.Input, chunk.UsageMetadata.PromptTokenCount)
		mergeMax(&u.Output, chunk.UsageMetadata.CandidatesTokenCount)
	}
}

func mergeMax(dst *int, v int) {
	if v > *dst {
		*dst = v
	}
}

// copyResponseHeaders forwards upstream headers to the client, dropping
// ones invalidated by the proxy rewrite.
func copyResponseHeaders(w http.ResponseWriter, resp *http.Response) {
	for k, vv := range resp.Header {
		switch http.CanonicalHeaderKey(k) {
		case "Content-Length", "Transfer-Encoding", "Connection":
			continue
		}
		for _, v := range vv {
			w.Header().Add(k, v)
		}
	}
}
