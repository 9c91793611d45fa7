// Package gateway implements the proxy pipeline between clients and LLM
// providers. Per request it resolves the acting agent, merges centrally
// assigned tools into the wire body, evaluates trusted-data policies
// over tool results (sanitizing untrusted ones through the quarantine
// loop), forwards to the upstream provider, evaluates tool-invocation
// policies over the response, and persists a signed interaction record.
package gateway

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/bastion-ai/bastion/internal/adapter"
	bastionotel "github.com/bastion-ai/bastion/internal/otel"
	"github.com/bastion-ai/bastion/internal/policy"
	"github.com/bastion-ai/bastion/internal/quarantine"
	"github.com/bastion-ai/bastion/internal/secrets"
	"github.com/bastion-ai/bastion/internal/store"
)

var tracer = bastionotel.Tracer("github.com/bastion-ai/bastion/internal/gateway")

// maxBodyBytes caps inbound request bodies.
const maxBodyBytes = 20 << 20

// interactionTypeChat is the only interaction type the proxy records
// today.
const interactionTypeChat = "chat"

// Deps are the collaborators the gateway needs. Store is required;
// Vault, Access and Quarantine degrade gracefully when nil (env-var
// keys, allow-all access, fail-closed sanitization respectively).
type Deps struct {
	Store      *store.Store
	Vault      *secrets.Vault
	Access     *policy.AccessEngine
	Quarantine *quarantine.Orchestrator
	Logger     zerolog.Logger
	// Client overrides the upstream HTTP client, used by tests.
	Client *http.Client
}

// Gateway is the proxy handler. One instance serves all providers; all
// per-request state lives on the stack.
type Gateway struct {
	cfg        *Config
	store      *store.Store
	vault      *secrets.Vault
	access     *policy.AccessEngine
	quarantine *quarantine.Orchestrator
	limiter    *RateLimiter
	client     *http.Client
	timeouts   ParsedTimeouts
	logger     zerolog.Logger
}

// New builds a Gateway from validated config and its collaborators.
func New(cfg *Config, deps Deps) (*Gateway, error) {
	if deps.Store == nil {
		return nil, fmt.Errorf("gateway requires a store")
	}
	timeouts, err := cfg.ParseTimeouts()
	if err != nil {
		return nil, err
	}
	client := deps.Client
	if client == nil {
		client = NewUpstreamClient(timeouts)
	}
	return &Gateway{
		cfg:        cfg,
		store:      deps.Store,
		vault:      deps.Vault,
		access:     deps.Access,
		quarantine: deps.Quarantine,
		limiter:    NewRateLimiter(cfg.RateLimits.GlobalRequestsPerMin, cfg.RateLimits.PerAgentRequestsPerMin),
		client:     client,
		timeouts:   timeouts,
		logger:     deps.Logger,
	}, nil
}

// Routes returns the proxy routes: the default-agent form and the
// explicit-agent form, both forwarding the remaining path upstream.
func (g *Gateway) Routes() chi.Router {
	r := chi.NewRouter()
	r.Post("/{provider}/agents/{agentID}/*", g.Handle)
	r.Post("/{provider}/*", g.Handle)
	return r
}

// Handle runs the proxy pipeline for one inbound request.
func (g *Gateway) Handle(w http.ResponseWriter, r *http.Request) {
	ctx, span := tracer.Start(r.Context(), "gateway.handle")
	defer span.End()

	provider := chi.URLParam(r, "provider")
	upstreamPath := "/" + chi.URLParam(r, "*")

	ad, err := adapter.ForProvider(provider)
	if err != nil {
		WriteError(w, http.StatusNotFound, ErrTypeNotFound, fmt.Sprintf("unknown provider %q", provider))
		return
	}
	pcfg, ok := g.cfg.Provider(provider)
	if !ok || !pcfg.Enabled {
		WriteError(w, http.StatusNotImplemented, ErrTypeNotSupported, fmt.Sprintf("provider %q is not enabled on this gateway", provider))
		return
	}
	span.SetAttributes(attribute.String("gateway.provider", provider))

	agent, errStatus, errType, errMsg := g.resolveAgent(ctx, r)
	if agent == nil {
		WriteError(w, errStatus, errType, errMsg)
		return
	}
	span.SetAttributes(attribute.String("gateway.agent_id", agent.ID))
	log := g.logger.With().
		Str("provider", provider).
		Str("agent_id", agent.ID).
		Str("agent", agent.Name).
		Logger()

	if !g.limiter.Allow(agent.ID) {
		log.Warn().Msg("gateway_rate_limited")
		WriteError(w, http.StatusTooManyRequests, ErrTypeAPIError, "rate limit exceeded, retry later")
		return
	}

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		WriteError(w, http.StatusBadRequest, ErrTypeValidation, "reading request body: "+err.Error())
		return
	}
	if !json.Valid(body) {
		WriteError(w, http.StatusBadRequest, ErrTypeValidation, "request body is not valid JSON")
		return
	}

	modelName := extractModelName(provider, upstreamPath, body)
	if g.access != nil {
		decision, err := g.access.Evaluate(ctx, provider, modelName, agent.ID)
		if err != nil {
			span.SetStatus(codes.Error, "access policy evaluation failed")
			WriteError(w, http.StatusInternalServerError, ErrTypeAPIError, "access policy evaluation failed")
			return
		}
		if !decision.Allowed {
			log.Warn().Strs("reasons", decision.Reasons).Msg("gateway_access_denied")
			WriteError(w, http.StatusForbidden, ErrTypeUnauthorized, strings.Join(decision.Reasons, "; "))
			return
		}
	}

	// Merge centrally assigned tools before any policy work so the
	// upstream model only ever sees the governed definitions.
	assigned, err := g.store.AssignedTools(ctx, agent.ID)
	if err != nil {
		WriteError(w, http.StatusInternalServerError, ErrTypeAPIError, "loading assigned tools failed")
		return
	}
	merged, err := ad.MergeTools(body, assigned)
	if err != nil {
		WriteError(w, http.StatusBadRequest, ErrTypeValidation, "merging tools: "+err.Error())
		return
	}

	msgs, err := ad.ToCommon(merged)
	if err != nil {
		WriteError(w, http.StatusBadRequest, ErrTypeValidation, "parsing messages: "+err.Error())
		return
	}

	// The interaction ID exists before the upstream call so quarantine
	// transcripts persisted mid-pipeline reference their interaction.
	interactionID := uuid.NewString()

	trustPolicies, err := g.store.TrustPolicies(ctx, agent.ID)
	if err != nil {
		WriteError(w, http.StatusInternalServerError, ErrTypeAPIError, "loading trusted-data policies failed")
		return
	}
	var sanitizer policy.Sanitizer
	if g.quarantine != nil {
		sanitizer = &recordingSanitizer{
			orch:          g.quarantine,
			store:         g.store,
			interactionID: interactionID,
			logger:        log,
		}
	}
	userRequest := ad.ExtractUserRequest(merged)
	verdict, err := policy.EvaluateTrust(ctx, msgs, trustPolicies, userRequest, sanitizer)
	if err != nil {
		if ctx.Err() != nil {
			return
		}
		span.SetStatus(codes.Error, "trust evaluation failed")
		WriteError(w, http.StatusInternalServerError, ErrTypeAPIError, "trust evaluation failed")
		return
	}
	span.SetAttributes(
		attribute.Bool("gateway.context_trusted", verdict.ContextTrusted),
		attribute.Int("gateway.sanitized_results", len(verdict.ResultUpdates)),
	)

	processed, err := ad.ApplyUpdates(merged, verdict.ResultUpdates)
	if err != nil {
		WriteError(w, http.StatusInternalServerError, ErrTypeAPIError, "applying sanitized results failed")
		return
	}

	apiKey, err := g.providerKey(ctx, provider, pcfg)
	if err != nil {
		log.Error().Err(err).Msg("gateway_provider_key_missing")
		WriteError(w, http.StatusInternalServerError, ErrTypeAPIError, fmt.Sprintf("no API key configured for provider %q", provider))
		return
	}

	interaction := &store.Interaction{
		ID:        interactionID,
		AgentID:   agent.ID,
		Type:      interactionTypeChat,
		Request:   json.RawMessage(body),
		CreatedAt: time.Now().UTC(),
	}
	// MergeTools re-marshals the body, so byte comparison would flag
	// every request as processed; record only semantic changes.
	if len(assigned) > 0 || len(verdict.ResultUpdates) > 0 {
		interaction.ProcessedRequest = json.RawMessage(processed)
	}

	req, err := buildUpstreamRequest(ctx, r, pcfg.BaseURL, provider, apiKey, upstreamPath, processed)
	if err != nil {
		WriteError(w, http.StatusInternalServerError, ErrTypeAPIError, err.Error())
		return
	}
	resp, err := g.client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			log.Debug().Msg("gateway_client_disconnected")
			return
		}
		interaction.Error = err.Error()
		g.persist(ctx, log, interaction)
		span.SetStatus(codes.Error, "upstream call failed")
		WriteError(w, http.StatusBadGateway, ErrTypeAPIError, "upstream provider call failed: "+err.Error())
		return
	}
	defer resp.Body.Close()

	if isStreamingRequest(upstreamPath, processed) && isStreamingResponse(resp) {
		g.relayStream(ctx, w, resp, interaction, modelName, log)
		return
	}

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		if ctx.Err() != nil {
			return
		}
		interaction.Error = err.Error()
		g.persist(ctx, log, interaction)
		WriteError(w, http.StatusBadGateway, ErrTypeAPIError, "reading upstream response: "+err.Error())
		return
	}

	// Upstream errors pass through verbatim with their status.
	if resp.StatusCode >= 400 {
		interaction.Error = fmt.Sprintf("upstream status %d", resp.StatusCode)
		interaction.Response = json.RawMessage(respBody)
		g.persist(ctx, log, interaction)
		copyResponseHeaders(w, resp)
		w.WriteHeader(resp.StatusCode)
		_, _ = w.Write(respBody)
		return
	}

	usage := ad.UsageTokens(respBody)
	finalBody := respBody

	if calls := ad.ProposedToolCalls(respBody); len(calls) > 0 {
		invocationPolicies, err := g.store.InvocationPolicies(ctx, agent.ID)
		if err != nil {
			WriteError(w, http.StatusInternalServerError, ErrTypeAPIError, "loading tool-invocation policies failed")
			return
		}
		if refusal := policy.EvaluateInvocation(ctx, calls, invocationPolicies, verdict.ContextTrusted); refusal != nil {
			log.Warn().
				Strs("blocked_tools", refusal.BlockedTools).
				Bool("context_trusted", verdict.ContextTrusted).
				Msg("gateway_tool_blocked")
			rewritten, err := ad.WriteRefusal(respBody, refusal.Message)
			if err != nil {
				WriteError(w, http.StatusInternalServerError, ErrTypeAPIError, "writing refusal failed")
				return
			}
			finalBody = rewritten
			interaction.Refused = true
		}
	}

	interaction.Response = json.RawMessage(finalBody)
	interaction.InputTokens = usage.Input
	interaction.OutputTokens = usage.Output
	interaction.CostEUR = estimateCostEUR(modelName, usage.Input, usage.Output)
	g.persist(ctx, log, interaction)

	span.SetAttributes(bastionotel.LLMUsageAttributes(usage.Input, usage.Output)...)
	copyResponseHeaders(w, resp)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(resp.StatusCode)
	_, _ = w.Write(finalBody)
}

// relayStream forwards a streamed upstream response, then records the
// interaction with whatever usage the stream carried. Streaming bodies
// are not buffered, so tool-invocation policy does not intercept them.
func (g *Gateway) relayStream(ctx context.Context, w http.ResponseWriter, resp *http.Response, interaction *store.Interaction, modelName string, log zerolog.Logger) {
	copyResponseHeaders(w, resp)
	w.WriteHeader(resp.StatusCode)

	usage, err := streamCopy(ctx, w, resp.Body, g.timeouts.StreamIdleTimeout)
	interaction.InputTokens = usage.Input
	interaction.OutputTokens = usage.Output
	interaction.CostEUR = estimateCostEUR(modelName, usage.Input, usage.Output)
	if err != nil {
		// Client disconnects and idle timeouts both land here. The
		// stream already started, so only the record can note it.
		interaction.Error = err.Error()
		log.Debug().Err(err).Msg("gateway_stream_aborted")
	}
	// Persist with a fresh context: the request context is dead when
	// the client disconnected.
	pctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	g.persist(pctx, log, interaction)
}

func (g *Gateway) persist(ctx context.Context, log zerolog.Logger, in *store.Interaction) {
	if err := g.store.SaveInteraction(ctx, in); err != nil {
		log.Error().Err(err).Str("interaction_id", in.ID).Msg("interaction_save_failed")
	}
}

// resolveAgent returns the acting agent: the one named by the path when
// present, otherwise a default agent derived from the client header and
// created on first use. A nil agent comes with the error status to
// write.
func (g *Gateway) resolveAgent(ctx context.Context, r *http.Request) (*store.Agent, int, string, string) {
	if agentID := chi.URLParam(r, "agentID"); agentID != "" {
		agent, err := g.store.GetAgent(ctx, agentID)
		if errors.Is(err, store.ErrAgentNotFound) {
			return nil, http.StatusNotFound, ErrTypeNotFound, fmt.Sprintf("agent %q not found", agentID)
		}
		if err != nil {
			return nil, http.StatusInternalServerError, ErrTypeAPIError, "resolving agent failed"
		}
		return agent, 0, "", ""
	}

	name := strings.TrimSpace(r.Header.Get(g.cfg.AgentHeader))
	if name == "" {
		name = defaultAgentName(r)
	}
	agent, err := g.store.EnsureAgent(ctx, name)
	if err != nil {
		return nil, http.StatusInternalServerError, ErrTypeAPIError, "resolving agent failed"
	}
	return agent, 0, "", ""
}

// defaultAgentName derives a stable per-client agent name when the
// identifying header is absent: a hash of the caller's credential, or a
// shared fallback for anonymous clients.
func defaultAgentName(r *http.Request) string {
	cred := r.Header.Get("Authorization")
	if cred == "" {
		cred = r.Header.Get("X-Api-Key")
	}
	if cred == "" {
		return "default"
	}
	sum := sha256.Sum256([]byte(cred))
	return "client-" + hex.EncodeToString(sum[:6])
}

// providerKey resolves the upstream credential: vault first, then the
// provider's environment variable.
func (g *Gateway) providerKey(ctx context.Context, provider string, pcfg ProviderConfig) (string, error) {
	if g.vault != nil {
		key, err := g.vault.ProviderKey(ctx, provider)
		if err == nil {
			return key, nil
		}
		if !errors.Is(err, secrets.ErrKeyNotFound) {
			return "", err
		}
	}
	if pcfg.APIKeyEnv != "" {
		if key := strings.TrimSpace(osGetenv(pcfg.APIKeyEnv)); key != "" {
			return key, nil
		}
	}
	return "", fmt.Errorf("no key in vault or %s", pcfg.APIKeyEnv)
}

// osGetenv is swapped in tests.
var osGetenv = os.Getenv

// extractModelName pulls the requested model for access policy and cost
// accounting: the body's model field for OpenAI-style and Anthropic
// requests, the path segment for Gemini.
func extractModelName(provider, path string, body []byte) string {
	if provider == "gemini" {
		if i := strings.Index(path, "/models/"); i >= 0 {
			rest := path[i+len("/models/"):]
			if j := strings.IndexAny(rest, ":/"); j >= 0 {
				return rest[:j]
			}
			return rest
		}
		return ""
	}
	var probe struct {
		Model string `json:"model"`
	}
	if err := json.Unmarshal(body, &probe); err != nil {
		return ""
	}
	return probe.Model
}
