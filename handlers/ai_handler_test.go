package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/upb/dispatch-core/middleware"
	"github.com/upb/dispatch-core/services/dispatch"
	"github.com/upb/dispatch-core/services/policy"
	"github.com/upb/dispatch-core/services/providers"
	"github.com/upb/dispatch-core/services/ratelimit"
	"github.com/upb/dispatch-core/utils"
)

type openTracker struct{}

func (openTracker) Allow(string, int, time.Duration) bool { return true }

type replayProvider struct {
	events []providers.StreamEvent
	last   providers.GenerationRequest
}

func (p *replayProvider) Name() string { return "replay" }

func (p *replayProvider) Stream(_ context.Context, req providers.GenerationRequest) (<-chan providers.StreamEvent, error) {
	p.last = req
	ch := make(chan providers.StreamEvent, len(p.events))
	for _, ev := range p.events {
		ch <- ev
	}
	close(ch)
	return ch, nil
}

func newAIHandler(t *testing.T, provider providers.Provider, engine *policy.Engine) *AIHandler {
	t.Helper()
	logger := zap.NewNop()
	registry := providers.NewRegistry(provider.Name(), logger)
	require.NoError(t, registry.Register(provider))
	svc := dispatch.NewService(engine, registry, logger, dispatch.Options{})
	return NewAIHandler(svc, logger)
}

func TestAIHandler_StreamsSSE(t *testing.T) {
	provider := &replayProvider{events: []providers.StreamEvent{
		providers.TextEvent{Text: "hello"},
		providers.TextEvent{Text: " world"},
		providers.DoneEvent{},
	}}
	handler := newAIHandler(t, provider, policy.NewEngine(openTracker{}, zap.NewNop()))

	req := httptest.NewRequest(http.MethodPost, "/api/ai/coding/assist",
		strings.NewReader(`{"question":"hi"}`))
	rec := httptest.NewRecorder()
	handler.Ask("coding", "/coding/assist")(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "text/event-stream", rec.Header().Get("Content-Type"))

	body := rec.Body.String()
	assert.Contains(t, body, `data: {"text":"hello"}`)
	assert.Contains(t, body, `data: {"text":" world"}`)
	assert.True(t, strings.HasSuffix(body, "data: [DONE]\n\n"))
}

func TestAIHandler_HaltedStreamCarriesMarker(t *testing.T) {
	provider := &replayProvider{events: []providers.StreamEvent{
		providers.TextEvent{Text: strings.Repeat("z", 30)},
		providers.DoneEvent{},
	}}
	handler := newAIHandler(t, provider, policy.NewEngine(openTracker{}, zap.NewNop()))

	req := httptest.NewRequest(http.MethodPost, "/api/ai/coding/assist",
		strings.NewReader(`{"question":"hi"}`))
	rec := httptest.NewRecorder()
	handler.Ask("coding", "/coding/assist")(rec, req)

	body := rec.Body.String()
	assert.Contains(t, body, "[System Alert: AI Output Halted - Infinite character repetition detected]")
	assert.Contains(t, body, "data: [DONE]")
}

func TestAIHandler_PolicyDenialIs403(t *testing.T) {
	engine := policy.NewEngine(openTracker{}, zap.NewNop())
	engine.Append(policy.Policy{
		ID:        "deny-coding",
		Effect:    policy.EffectDeny,
		Principal: &policy.Principal{Role: "restricted"},
		Actions:   []string{"invoke_tool"},
		Resource:  &policy.Resource{Endpoints: []string{"/coding/*"}},
	})
	handler := newAIHandler(t, &replayProvider{}, engine)

	req := httptest.NewRequest(http.MethodPost, "/api/ai/coding/assist",
		strings.NewReader(`{"question":"hi"}`))
	req = req.WithContext(middleware.WithClaims(req.Context(), &middleware.Claims{Sub: "u1", Role: "restricted"}))
	rec := httptest.NewRecorder()
	handler.Ask("coding", "/coding/assist")(rec, req)

	assert.Equal(t, http.StatusForbidden, rec.Code)

	var payload utils.PolicyViolationResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &payload))
	assert.Equal(t, "Policy Violation", payload.Error)
	assert.Equal(t, "deny-coding", payload.PolicyID)
}

func TestAIHandler_MissingQuestionIs400(t *testing.T) {
	handler := newAIHandler(t, &replayProvider{}, policy.NewEngine(openTracker{}, zap.NewNop()))

	req := httptest.NewRequest(http.MethodPost, "/api/ai/coding/assist", strings.NewReader(`{}`))
	rec := httptest.NewRecorder()
	handler.Ask("coding", "/coding/assist")(rec, req)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestAIHandler_PromptAcceptedAsQuestion(t *testing.T) {
	provider := &replayProvider{events: []providers.StreamEvent{
		providers.TextEvent{Text: "ok"},
		providers.DoneEvent{},
	}}
	handler := newAIHandler(t, provider, policy.NewEngine(openTracker{}, zap.NewNop()))

	req := httptest.NewRequest(http.MethodPost, "/api/ai/coding/assist",
		strings.NewReader(`{"prompt":"via prompt"}`))
	rec := httptest.NewRecorder()
	handler.Ask("coding", "/coding/assist")(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `data: {"text":"ok"}`)
}

func TestAIHandler_CodeAppendedToQuestion(t *testing.T) {
	provider := &replayProvider{events: []providers.StreamEvent{
		providers.TextEvent{Text: "ok"},
		providers.DoneEvent{},
	}}
	handler := newAIHandler(t, provider, policy.NewEngine(openTracker{}, zap.NewNop()))

	req := httptest.NewRequest(http.MethodPost, "/api/ai/coding/assist",
		strings.NewReader(`{"question":"review this","code":"func main() {}"}`))
	rec := httptest.NewRecorder()
	handler.Ask("coding", "/coding/assist")(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	require.NotEmpty(t, provider.last.Messages)
	user := provider.last.Messages[len(provider.last.Messages)-1]
	assert.Equal(t, "review this\n\nfunc main() {}", user.Content)
}

func TestAIHandler_RateBudgetChargedOncePerRequest(t *testing.T) {
	tracker := ratelimit.NewTracker(zap.NewNop())
	engine := policy.NewEngine(tracker, zap.NewNop())
	provider := &replayProvider{events: []providers.StreamEvent{
		providers.TextEvent{Text: "ok"},
		providers.DoneEvent{},
	}}
	handler := newAIHandler(t, provider, engine)
	chain := middleware.NewPolicyMiddleware(engine, nil, zap.NewNop()).
		Enforce(handler.Ask("coding", "/coding/assist"))

	// The default budget is 100/hour; every one of the first 100 requests
	// must pass, and only the 101st is rejected.
	for i := 1; i <= 100; i++ {
		rec := httptest.NewRecorder()
		chain.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/ai/coding/assist",
			strings.NewReader(`{"question":"hi"}`)))
		require.Equalf(t, http.StatusOK, rec.Code, "request %d should be within budget", i)
	}

	rec := httptest.NewRecorder()
	chain.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/ai/coding/assist",
		strings.NewReader(`{"question":"hi"}`)))
	require.Equal(t, http.StatusForbidden, rec.Code)

	var payload utils.PolicyViolationResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &payload))
	assert.Contains(t, payload.Violations, "Rate limit exceeded: 100/hour")
}

func TestAIHandler_NoProvidersIs503(t *testing.T) {
	logger := zap.NewNop()
	registry := providers.NewRegistry("none", logger)
	svc := dispatch.NewService(policy.NewEngine(openTracker{}, logger), registry, logger, dispatch.Options{})
	handler := NewAIHandler(svc, logger)

	req := httptest.NewRequest(http.MethodPost, "/api/ai/coding/assist",
		strings.NewReader(`{"question":"hi"}`))
	rec := httptest.NewRecorder()
	handler.Ask("coding", "/coding/assist")(rec, req)

	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}
