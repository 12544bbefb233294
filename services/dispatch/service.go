package dispatch

import (
	"context"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/upb/dispatch-core/services/broadcast"
	"github.com/upb/dispatch-core/services/personalization"
	"github.com/upb/dispatch-core/services/policy"
	"github.com/upb/dispatch-core/services/providers"
	"github.com/upb/dispatch-core/services/retrieval"
	"github.com/upb/dispatch-core/services/tools"
	"github.com/upb/dispatch-core/services/validation"
)

const (
	defaultMaxToolIterations = 5
	collaboratorTimeout      = 3 * time.Second
	retrievalLimit           = 3
)

// Auditor receives dispatch lifecycle events. A nil Auditor disables
// auditing.
type Auditor interface {
	RecordDispatchCompleted(userID, resource, requestID, provider string, latency time.Duration) error
	RecordOutputHalted(userID, resource, provider, reason string) error
	RecordToolInvoked(userID, tool string, failed bool) error
}

// Service orchestrates a dispatch: policy enforcement, parallel context
// assembly, provider streaming with mid-stream validation, and the
// bounded tool loop.
type Service struct {
	engine            *policy.Engine
	registry          *providers.Registry
	search            retrieval.Searcher
	weakAreas         personalization.WeakAreaFinder
	executor          tools.Executor
	hub               *broadcast.Hub
	auditor           Auditor
	logger            *zap.Logger
	maxToolIterations int
}

// Options configures optional collaborators. Nil fields disable the
// corresponding enrichment step.
type Options struct {
	Search            retrieval.Searcher
	WeakAreas         personalization.WeakAreaFinder
	Executor          tools.Executor
	Hub               *broadcast.Hub
	Auditor           Auditor
	MaxToolIterations int
}

// NewService creates a dispatch service.
func NewService(engine *policy.Engine, registry *providers.Registry, logger *zap.Logger, opts Options) *Service {
	maxIter := opts.MaxToolIterations
	if maxIter <= 0 {
		maxIter = defaultMaxToolIterations
	}
	return &Service{
		engine:            engine,
		registry:          registry,
		search:            opts.Search,
		weakAreas:         opts.WeakAreas,
		executor:          opts.Executor,
		hub:               opts.Hub,
		auditor:           opts.Auditor,
		logger:            logger,
		maxToolIterations: maxIter,
	}
}

// Dispatch enforces policy, assembles context, and starts streaming.
// Policy denials and empty registries fail fast before any fragment is
// produced; everything after that is reported on the fragment channel.
func (s *Service) Dispatch(ctx context.Context, req Request) (<-chan Fragment, error) {
	pctx := policy.Context{
		UserID:    req.UserID,
		Role:      req.Role,
		Action:    req.Action,
		Resource:  req.Resource,
		Input:     req.Question,
		Timestamp: time.Now(),
	}
	// The gateway middleware already enforced and charged the rate window
	// for this request; Recheck guards direct callers without spending a
	// second unit of budget.
	if err := s.engine.Recheck(pctx); err != nil {
		return nil, err
	}

	provider, err := s.registry.Get(req.Provider)
	if err != nil {
		return nil, err
	}

	assembled := s.assembleContext(ctx, req)

	genReq := s.buildGenerationRequest(req, assembled)

	out := make(chan Fragment, 32)
	go s.run(ctx, req, provider, genReq, out)
	return out, nil
}

type assembledContext struct {
	augmentedQuestion string
	personalization   string
	tools             []providers.ToolDefinition
}

// assembleContext runs the enrichment lookups in parallel. Failures are
// logged and degrade to an unenriched request; they never fail the
// dispatch.
func (s *Service) assembleContext(ctx context.Context, req Request) assembledContext {
	assembled := assembledContext{augmentedQuestion: req.Question}

	g, gctx := errgroup.WithContext(ctx)

	if s.search != nil {
		g.Go(func() error {
			cctx, cancel := context.WithTimeout(gctx, collaboratorTimeout)
			defer cancel()

			snippets, err := s.search.Search(cctx, retrieval.CollectionFor(req.Kind), req.Question, retrievalLimit)
			if err != nil {
				s.logger.Warn("retrieval enrichment failed, continuing without",
					zap.String("session_id", req.SessionID),
					zap.Error(err))
				return nil
			}
			assembled.augmentedQuestion = retrieval.FormatContext(snippets, req.Question)
			return nil
		})
	}

	if s.weakAreas != nil && req.UserID != "" && req.Role != "" {
		g.Go(func() error {
			cctx, cancel := context.WithTimeout(gctx, collaboratorTimeout)
			defer cancel()

			areas, err := s.weakAreas.WeakAreas(cctx, req.UserID)
			if err != nil {
				s.logger.Warn("personalization enrichment failed, continuing without",
					zap.String("user_id", req.UserID),
					zap.Error(err))
				return nil
			}
			assembled.personalization = personalization.PromptFragment(areas)
			return nil
		})
	}

	if s.executor != nil {
		g.Go(func() error {
			cctx, cancel := context.WithTimeout(gctx, collaboratorTimeout)
			defer cancel()

			defs, err := s.executor.ListTools(cctx)
			if err != nil {
				s.logger.Warn("tool discovery failed, continuing without tools",
					zap.Error(err))
				return nil
			}
			assembled.tools = defs
			return nil
		})
	}

	_ = g.Wait()
	return assembled
}

func (s *Service) buildGenerationRequest(req Request, assembled assembledContext) providers.GenerationRequest {
	template := req.SystemPrompt
	if template == "" {
		template = DefaultSystemPrompt
	}

	question := assembled.augmentedQuestion
	if strings.Contains(template, "{{context}}") {
		// The template claims the retrieved context; the user message
		// stays unaugmented.
		template = strings.ReplaceAll(template, "{{context}}", assembled.augmentedQuestion)
		question = req.Question
	}
	template = strings.ReplaceAll(template, "{{personalization}}", assembled.personalization)

	messages := make([]providers.Message, 0, len(req.History)+1)
	messages = append(messages, req.History...)
	messages = append(messages, providers.Message{Role: "user", Content: question})

	return providers.GenerationRequest{
		System:   template,
		Messages: messages,
		Tools:    assembled.tools,
	}
}

// run drives the generation/tool loop and closes out when finished.
func (s *Service) run(ctx context.Context, req Request, provider providers.Provider, genReq providers.GenerationRequest, out chan<- Fragment) {
	defer close(out)

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	start := time.Now()
	validator := validation.NewStreamValidator()
	messages := genReq.Messages

	for iteration := 0; ; iteration++ {
		events, err := provider.Stream(runCtx, providers.GenerationRequest{
			System:   genReq.System,
			Messages: messages,
			Tools:    genReq.Tools,
		})
		if err != nil {
			s.emitError(req, out, err)
			return
		}

		var assistantText strings.Builder
		var calls []providers.ToolCall

	stream:
		for ev := range events {
			switch e := ev.(type) {
			case providers.TextEvent:
				if verdict := validator.Check(e.Text); !verdict.Valid {
					s.halt(req, provider.Name(), verdict.Reason, out)
					cancel()
					go drain(events)
					return
				}
				assistantText.WriteString(e.Text)
				s.emitText(req, out, e.Text)

			case providers.ToolCallEvent:
				calls = append(calls, e.Call)

			case providers.ErrorEvent:
				s.emitError(req, out, e.Err)
				go drain(events)
				return

			case providers.DoneEvent:
				break stream
			}
		}

		if len(calls) == 0 {
			s.finish(req, provider.Name(), start, out)
			return
		}

		if iteration+1 >= s.maxToolIterations {
			s.logger.Warn("tool iteration limit reached",
				zap.String("session_id", req.SessionID),
				zap.Int("limit", s.maxToolIterations))
			s.emitText(req, out, "\n\n[Tool iteration limit reached; answering with available information.]")
			s.finish(req, provider.Name(), start, out)
			return
		}

		messages = append(messages, providers.Message{
			Role:      "assistant",
			Content:   assistantText.String(),
			ToolCalls: calls,
		})
		for _, call := range calls {
			// In-band marker so the caller sees the round-trip between
			// the pre-tool and post-tool text.
			s.emitText(req, out, "\n[Invoking tool: "+call.Name+"]\n")
			messages = append(messages, s.executeTool(runCtx, req, call))
		}
	}
}

// executeTool runs one call and always returns a tool message; failures
// become visible tool output so the model can recover. Model-requested
// tools are policy-gated individually, so a permitted endpoint cannot
// reach a denied tool.
func (s *Service) executeTool(ctx context.Context, req Request, call providers.ToolCall) providers.Message {
	if err := s.engine.Recheck(policy.Context{
		UserID:    req.UserID,
		Role:      req.Role,
		Action:    "invoke_tool",
		Resource:  call.Name,
		Timestamp: time.Now(),
	}); err != nil {
		s.logger.Warn("tool call denied by policy",
			zap.String("tool", call.Name),
			zap.String("user_id", req.UserID))
		if s.auditor != nil {
			_ = s.auditor.RecordToolInvoked(req.UserID, call.Name, true)
		}
		return providers.Message{
			Role:       "tool",
			Content:    "Error: " + err.Error(),
			Name:       call.Name,
			ToolCallID: call.ID,
		}
	}

	result, err := s.callExecutor(ctx, call)
	failed := err != nil
	if failed {
		s.logger.Warn("tool execution failed",
			zap.String("tool", call.Name),
			zap.Error(err))
		result = "Error: " + err.Error()
	}

	if s.auditor != nil {
		_ = s.auditor.RecordToolInvoked(req.UserID, call.Name, failed)
	}

	return providers.Message{
		Role:       "tool",
		Content:    result,
		Name:       call.Name,
		ToolCallID: call.ID,
	}
}

func (s *Service) callExecutor(ctx context.Context, call providers.ToolCall) (string, error) {
	if s.executor == nil {
		return "", &tools.ExecutionError{Tool: call.Name, Message: "no tool executor configured"}
	}
	return s.executor.Call(ctx, call.Name, call.Arguments)
}

func (s *Service) emitText(req Request, out chan<- Fragment, text string) {
	out <- Fragment{Type: FragmentText, Text: text}
	if s.hub != nil {
		s.hub.Publish(broadcast.Event{Type: broadcast.EventFragment, SessionID: req.SessionID, Text: text})
	}
}

func (s *Service) emitError(req Request, out chan<- Fragment, err error) {
	s.logger.Error("dispatch stream failed",
		zap.String("session_id", req.SessionID),
		zap.Error(err))
	out <- Fragment{Type: FragmentError, Err: err}
}

func (s *Service) halt(req Request, providerName, reason string, out chan<- Fragment) {
	marker := HaltMarker(reason)
	s.logger.Warn("output halted by validator",
		zap.String("session_id", req.SessionID),
		zap.String("reason", reason))

	out <- Fragment{Type: FragmentHalted, Text: marker, Reason: reason}

	if s.hub != nil {
		s.hub.Publish(broadcast.Event{Type: broadcast.EventHalted, SessionID: req.SessionID, Text: marker, Reason: reason})
	}
	if s.auditor != nil {
		_ = s.auditor.RecordOutputHalted(req.UserID, req.Resource, providerName, reason)
	}
}

func (s *Service) finish(req Request, providerName string, start time.Time, out chan<- Fragment) {
	out <- Fragment{Type: FragmentDone}

	if s.hub != nil {
		s.hub.Publish(broadcast.Event{Type: broadcast.EventDone, SessionID: req.SessionID})
	}
	if s.auditor != nil {
		_ = s.auditor.RecordDispatchCompleted(req.UserID, req.Resource, req.RequestID, providerName, time.Since(start))
	}
}

func drain(events <-chan providers.StreamEvent) {
	for range events {
	}
}
