package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/upb/dispatch-core/services/broadcast"
	"github.com/upb/dispatch-core/services/personalization"
	"github.com/upb/dispatch-core/services/policy"
	"github.com/upb/dispatch-core/services/providers"
	"github.com/upb/dispatch-core/services/retrieval"
)

type openTracker struct{}

func (openTracker) Allow(string, int, time.Duration) bool { return true }

// countingTracker admits everything and counts how often it is consulted.
type countingTracker struct {
	mu    sync.Mutex
	calls int
}

func (c *countingTracker) Allow(string, int, time.Duration) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls++
	return true
}

// scriptedProvider replays one event script per Stream call and records
// every request it receives.
type scriptedProvider struct {
	mu      sync.Mutex
	name    string
	scripts [][]providers.StreamEvent
	calls   []providers.GenerationRequest
	err     error
}

func (p *scriptedProvider) Name() string {
	if p.name != "" {
		return p.name
	}
	return "scripted"
}

func (p *scriptedProvider) Stream(_ context.Context, req providers.GenerationRequest) (<-chan providers.StreamEvent, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.err != nil {
		return nil, p.err
	}

	p.calls = append(p.calls, req)
	idx := len(p.calls) - 1

	var script []providers.StreamEvent
	if idx < len(p.scripts) {
		script = p.scripts[idx]
	} else {
		script = []providers.StreamEvent{providers.DoneEvent{}}
	}

	ch := make(chan providers.StreamEvent, len(script))
	for _, ev := range script {
		ch <- ev
	}
	close(ch)
	return ch, nil
}

func (p *scriptedProvider) requests() []providers.GenerationRequest {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]providers.GenerationRequest(nil), p.calls...)
}

type stubExecutor struct {
	mu      sync.Mutex
	results map[string]string
	errs    map[string]error
	called  []string
	defs    []providers.ToolDefinition
}

func (e *stubExecutor) ListTools(context.Context) ([]providers.ToolDefinition, error) {
	return e.defs, nil
}

func (e *stubExecutor) Call(_ context.Context, name string, _ json.RawMessage) (string, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.called = append(e.called, name)
	if err, ok := e.errs[name]; ok {
		return "", err
	}
	return e.results[name], nil
}

type stubAuditor struct {
	mu        sync.Mutex
	completed int
	halted    []string
	tools     []string
}

func (a *stubAuditor) RecordDispatchCompleted(_, _, _, _ string, _ time.Duration) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.completed++
	return nil
}

func (a *stubAuditor) RecordOutputHalted(_, _, _, reason string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.halted = append(a.halted, reason)
	return nil
}

func (a *stubAuditor) RecordToolInvoked(_, tool string, failed bool) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	suffix := ""
	if failed {
		suffix = ":failed"
	}
	a.tools = append(a.tools, tool+suffix)
	return nil
}

type stubSearcher struct {
	snippets   []retrieval.Snippet
	err        error
	collection string
}

func (s *stubSearcher) Search(_ context.Context, collection, _ string, _ int) ([]retrieval.Snippet, error) {
	s.collection = collection
	return s.snippets, s.err
}

type stubWeakAreas struct {
	areas []personalization.WeakArea
	err   error
}

func (s *stubWeakAreas) WeakAreas(context.Context, string) ([]personalization.WeakArea, error) {
	return s.areas, s.err
}

func newTestService(t *testing.T, provider providers.Provider, opts Options) *Service {
	t.Helper()
	logger := zap.NewNop()
	engine := policy.NewEngine(openTracker{}, logger)
	registry := providers.NewRegistry(provider.Name(), logger)
	require.NoError(t, registry.Register(provider))
	return NewService(engine, registry, logger, opts)
}

func collectFragments(t *testing.T, ch <-chan Fragment) []Fragment {
	t.Helper()
	var out []Fragment
	timeout := time.After(2 * time.Second)
	for {
		select {
		case f, ok := <-ch:
			if !ok {
				return out
			}
			out = append(out, f)
		case <-timeout:
			t.Fatal("timed out collecting fragments")
		}
	}
}

func baseRequest() Request {
	return Request{
		SessionID: "sess-1",
		UserID:    "user-1",
		Role:      "user",
		Provider:  "scripted",
		Action:    "ask_question",
		Resource:  "/api/ai/ask",
		Question:  "what is a heap?",
		RequestID: "req-1",
	}
}

func TestDispatch_StreamsTextToDone(t *testing.T) {
	provider := &scriptedProvider{scripts: [][]providers.StreamEvent{{
		providers.TextEvent{Text: "A heap is "},
		providers.TextEvent{Text: "a tree."},
		providers.DoneEvent{},
	}}}
	auditor := &stubAuditor{}
	svc := newTestService(t, provider, Options{Auditor: auditor})

	ch, err := svc.Dispatch(context.Background(), baseRequest())
	require.NoError(t, err)

	frags := collectFragments(t, ch)
	require.Len(t, frags, 3)
	assert.Equal(t, Fragment{Type: FragmentText, Text: "A heap is "}, frags[0])
	assert.Equal(t, Fragment{Type: FragmentText, Text: "a tree."}, frags[1])
	assert.Equal(t, FragmentDone, frags[2].Type)
	assert.Equal(t, 1, auditor.completed)
}

func TestDispatch_PolicyDenialFailsFast(t *testing.T) {
	provider := &scriptedProvider{}
	svc := newTestService(t, provider, Options{})

	req := baseRequest()
	req.Action = "invoke_tool"
	req.Resource = "delete_profile"

	_, err := svc.Dispatch(context.Background(), req)

	var violation *policy.ViolationError
	require.ErrorAs(t, err, &violation)
	assert.Equal(t, "deny-admin-tools", violation.PolicyID)
	assert.Empty(t, provider.requests(), "provider must not be called on denial")
}

func TestDispatch_EmptyRegistryFails(t *testing.T) {
	logger := zap.NewNop()
	engine := policy.NewEngine(openTracker{}, logger)
	registry := providers.NewRegistry("openai", logger)
	svc := NewService(engine, registry, logger, Options{})

	_, err := svc.Dispatch(context.Background(), baseRequest())
	assert.ErrorIs(t, err, providers.ErrNoProvidersAvailable)
}

func TestDispatch_ValidatorHaltsRepetition(t *testing.T) {
	provider := &scriptedProvider{scripts: [][]providers.StreamEvent{{
		providers.TextEvent{Text: "looks fine"},
		providers.TextEvent{Text: strings.Repeat("a", 25)},
		providers.TextEvent{Text: "never delivered"},
		providers.DoneEvent{},
	}}}
	auditor := &stubAuditor{}
	hub := broadcast.NewHub(zap.NewNop())
	events, cancelSub := hub.Subscribe()
	defer cancelSub()

	svc := newTestService(t, provider, Options{Auditor: auditor, Hub: hub})

	ch, err := svc.Dispatch(context.Background(), baseRequest())
	require.NoError(t, err)

	frags := collectFragments(t, ch)
	require.Len(t, frags, 2)
	assert.Equal(t, FragmentText, frags[0].Type)

	halt := frags[1]
	assert.Equal(t, FragmentHalted, halt.Type)
	assert.Equal(t, "Infinite character repetition detected", halt.Reason)
	assert.Equal(t, "[System Alert: AI Output Halted - Infinite character repetition detected]", halt.Text)

	require.Equal(t, []string{"Infinite character repetition detected"}, auditor.halted)

	// Observers see the fragment and then the halt.
	first := <-events
	assert.Equal(t, broadcast.EventFragment, first.Type)
	second := <-events
	assert.Equal(t, broadcast.EventHalted, second.Type)
	assert.Equal(t, "sess-1", second.SessionID)
}

func TestDispatch_ToolLoop(t *testing.T) {
	provider := &scriptedProvider{scripts: [][]providers.StreamEvent{
		{
			providers.TextEvent{Text: "Let me check. "},
			providers.ToolCallEvent{Call: providers.ToolCall{ID: "c1", Name: "run_code", Arguments: json.RawMessage(`{"lang":"go"}`)}},
			providers.DoneEvent{},
		},
		{
			providers.TextEvent{Text: "The answer is 42."},
			providers.DoneEvent{},
		},
	}}
	executor := &stubExecutor{results: map[string]string{"run_code": "42"}}
	auditor := &stubAuditor{}
	svc := newTestService(t, provider, Options{Executor: executor, Auditor: auditor})

	ch, err := svc.Dispatch(context.Background(), baseRequest())
	require.NoError(t, err)

	frags := collectFragments(t, ch)
	require.Len(t, frags, 4)
	assert.Equal(t, "Let me check. ", frags[0].Text)
	assert.Equal(t, "\n[Invoking tool: run_code]\n", frags[1].Text)
	assert.Equal(t, "The answer is 42.", frags[2].Text)
	assert.Equal(t, FragmentDone, frags[3].Type)

	assert.Equal(t, []string{"run_code"}, executor.called)
	assert.Equal(t, []string{"run_code"}, auditor.tools)

	// The second generation sees the assistant tool call and its result.
	reqs := provider.requests()
	require.Len(t, reqs, 2)
	messages := reqs[1].Messages
	require.Len(t, messages, 3)
	assert.Equal(t, "assistant", messages[1].Role)
	require.Len(t, messages[1].ToolCalls, 1)
	assert.Equal(t, "run_code", messages[1].ToolCalls[0].Name)
	assert.Equal(t, "tool", messages[2].Role)
	assert.Equal(t, "42", messages[2].Content)
	assert.Equal(t, "c1", messages[2].ToolCallID)
}

func TestDispatch_DoesNotChargeRateBudget(t *testing.T) {
	// The gateway charges the rate window once on entry; the dispatch
	// recheck and the per-tool-call gates must not spend more of it.
	provider := &scriptedProvider{scripts: [][]providers.StreamEvent{
		{
			providers.ToolCallEvent{Call: providers.ToolCall{ID: "c1", Name: "run_code"}},
			providers.DoneEvent{},
		},
		{
			providers.TextEvent{Text: "done"},
			providers.DoneEvent{},
		},
	}}
	executor := &stubExecutor{results: map[string]string{"run_code": "ok"}}

	logger := zap.NewNop()
	tracker := &countingTracker{}
	engine := policy.NewEngine(tracker, logger)
	registry := providers.NewRegistry(provider.Name(), logger)
	require.NoError(t, registry.Register(provider))
	svc := NewService(engine, registry, logger, Options{Executor: executor})

	req := baseRequest()
	req.Action = "invoke_tool"
	ch, err := svc.Dispatch(context.Background(), req)
	require.NoError(t, err)
	collectFragments(t, ch)

	assert.Equal(t, []string{"run_code"}, executor.called)
	assert.Zero(t, tracker.calls)
}

func TestDispatch_ToolFailureBecomesVisibleResult(t *testing.T) {
	provider := &scriptedProvider{scripts: [][]providers.StreamEvent{
		{
			providers.ToolCallEvent{Call: providers.ToolCall{ID: "c1", Name: "run_code"}},
			providers.DoneEvent{},
		},
		{
			providers.TextEvent{Text: "I could not run the code."},
			providers.DoneEvent{},
		},
	}}
	executor := &stubExecutor{errs: map[string]error{"run_code": errors.New("sandbox crashed")}}
	auditor := &stubAuditor{}
	svc := newTestService(t, provider, Options{Executor: executor, Auditor: auditor})

	ch, err := svc.Dispatch(context.Background(), baseRequest())
	require.NoError(t, err)

	frags := collectFragments(t, ch)
	assert.Equal(t, FragmentDone, frags[len(frags)-1].Type)
	assert.Equal(t, []string{"run_code:failed"}, auditor.tools)

	reqs := provider.requests()
	require.Len(t, reqs, 2)
	toolMsg := reqs[1].Messages[len(reqs[1].Messages)-1]
	assert.Equal(t, "tool", toolMsg.Role)
	assert.Contains(t, toolMsg.Content, "Error: ")
	assert.Contains(t, toolMsg.Content, "sandbox crashed")
}

func TestDispatch_DeniedToolBecomesVisibleResult(t *testing.T) {
	provider := &scriptedProvider{scripts: [][]providers.StreamEvent{
		{
			providers.ToolCallEvent{Call: providers.ToolCall{ID: "c1", Name: "delete_profile"}},
			providers.DoneEvent{},
		},
		{
			providers.TextEvent{Text: "That tool is not available."},
			providers.DoneEvent{},
		},
	}}
	executor := &stubExecutor{results: map[string]string{"delete_profile": "never reached"}}
	auditor := &stubAuditor{}
	svc := newTestService(t, provider, Options{Executor: executor, Auditor: auditor})

	ch, err := svc.Dispatch(context.Background(), baseRequest())
	require.NoError(t, err)
	frags := collectFragments(t, ch)
	assert.Equal(t, FragmentDone, frags[len(frags)-1].Type)

	// The executor is never reached; the denial is injected as tool output.
	assert.Empty(t, executor.called)
	assert.Equal(t, []string{"delete_profile:failed"}, auditor.tools)

	reqs := provider.requests()
	require.Len(t, reqs, 2)
	toolMsg := reqs[1].Messages[len(reqs[1].Messages)-1]
	assert.Equal(t, "tool", toolMsg.Role)
	assert.Contains(t, toolMsg.Content, "Denied by policy: deny-admin-tools")
}

func TestDispatch_ToolIterationCap(t *testing.T) {
	// Every turn requests another tool call; the loop must stop at the cap.
	script := []providers.StreamEvent{
		providers.ToolCallEvent{Call: providers.ToolCall{ID: "c", Name: "loop_tool"}},
		providers.DoneEvent{},
	}
	provider := &scriptedProvider{scripts: [][]providers.StreamEvent{
		script, script, script, script, script, script, script,
	}}
	executor := &stubExecutor{results: map[string]string{"loop_tool": "again"}}
	svc := newTestService(t, provider, Options{Executor: executor, MaxToolIterations: 3})

	ch, err := svc.Dispatch(context.Background(), baseRequest())
	require.NoError(t, err)

	frags := collectFragments(t, ch)
	require.NotEmpty(t, frags)
	assert.Equal(t, FragmentDone, frags[len(frags)-1].Type)
	assert.Contains(t, frags[len(frags)-2].Text, "Tool iteration limit reached")

	assert.Len(t, provider.requests(), 3)
	assert.Len(t, executor.called, 2)
}

func TestDispatch_ProviderErrorMidStream(t *testing.T) {
	provider := &scriptedProvider{scripts: [][]providers.StreamEvent{{
		providers.TextEvent{Text: "partial"},
		providers.ErrorEvent{Err: providers.NewProviderError("scripted", "STREAM_ERROR", "connection reset", 0, true, nil)},
	}}}
	svc := newTestService(t, provider, Options{})

	ch, err := svc.Dispatch(context.Background(), baseRequest())
	require.NoError(t, err)

	frags := collectFragments(t, ch)
	require.Len(t, frags, 2)
	assert.Equal(t, FragmentError, frags[1].Type)

	var provErr *providers.ProviderError
	assert.ErrorAs(t, frags[1].Err, &provErr)
}

func TestDispatch_ContextAssembly(t *testing.T) {
	provider := &scriptedProvider{scripts: [][]providers.StreamEvent{{providers.DoneEvent{}}}}
	searcher := &stubSearcher{snippets: []retrieval.Snippet{{Text: "Heaps are complete binary trees."}}}
	weak := &stubWeakAreas{areas: []personalization.WeakArea{{Topic: "heaps", AverageScore: 1.2}}}
	svc := newTestService(t, provider, Options{Search: searcher, WeakAreas: weak})

	req := baseRequest()
	req.Kind = "behavioral"

	ch, err := svc.Dispatch(context.Background(), req)
	require.NoError(t, err)
	collectFragments(t, ch)

	assert.Equal(t, retrieval.CollectionInterviewQuestions, searcher.collection)

	reqs := provider.requests()
	require.Len(t, reqs, 1)

	userMsg := reqs[0].Messages[len(reqs[0].Messages)-1]
	assert.Contains(t, userMsg.Content, "## Relevant Examples:")
	assert.Contains(t, userMsg.Content, "Heaps are complete binary trees.")
	assert.Contains(t, userMsg.Content, "## User Question:\nwhat is a heap?")

	assert.Contains(t, reqs[0].System, "**PERSONALIZATION**: The user has shown weakness in: heaps.")
}

func TestDispatch_EnrichmentFailuresDegrade(t *testing.T) {
	provider := &scriptedProvider{scripts: [][]providers.StreamEvent{{
		providers.TextEvent{Text: "answer"},
		providers.DoneEvent{},
	}}}
	searcher := &stubSearcher{err: errors.New("index down")}
	weak := &stubWeakAreas{err: errors.New("profile service down")}
	svc := newTestService(t, provider, Options{Search: searcher, WeakAreas: weak})

	ch, err := svc.Dispatch(context.Background(), baseRequest())
	require.NoError(t, err)

	frags := collectFragments(t, ch)
	assert.Equal(t, FragmentDone, frags[len(frags)-1].Type)

	reqs := provider.requests()
	userMsg := reqs[0].Messages[len(reqs[0].Messages)-1]
	assert.Equal(t, "what is a heap?", userMsg.Content)
	assert.NotContains(t, reqs[0].System, "{{personalization}}")
	assert.NotContains(t, reqs[0].System, "PERSONALIZATION")
}

func TestDispatch_CustomTemplateWithContextPlaceholder(t *testing.T) {
	provider := &scriptedProvider{scripts: [][]providers.StreamEvent{{providers.DoneEvent{}}}}
	searcher := &stubSearcher{snippets: []retrieval.Snippet{{Text: "snippet"}}}
	svc := newTestService(t, provider, Options{Search: searcher})

	req := baseRequest()
	req.SystemPrompt = "Context:\n{{context}}{{personalization}}"

	ch, err := svc.Dispatch(context.Background(), req)
	require.NoError(t, err)
	collectFragments(t, ch)

	reqs := provider.requests()
	require.Len(t, reqs, 1)
	assert.Contains(t, reqs[0].System, "snippet")

	// With the template claiming the context, the user message stays raw.
	userMsg := reqs[0].Messages[len(reqs[0].Messages)-1]
	assert.Equal(t, "what is a heap?", userMsg.Content)
}
