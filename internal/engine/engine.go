// Package engine advances sessions one user turn at a time: it streams the
// model response, dispatches tool calls, commits the transcript atomically,
// and routes the result across the output channels.
package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/convoke-ai/convoke/internal/agents"
	"github.com/convoke-ai/convoke/internal/backoff"
	"github.com/convoke-ai/convoke/internal/caps"
	"github.com/convoke-ai/convoke/internal/channels"
	"github.com/convoke-ai/convoke/internal/modelclient"
	"github.com/convoke-ai/convoke/internal/observability"
	"github.com/convoke-ai/convoke/internal/promptopt"
	"github.com/convoke-ai/convoke/internal/tools"
	"github.com/convoke-ai/convoke/pkg/models"
)

// toolErrorPrefix marks tool failures embedded in assistant content.
const toolErrorPrefix = "🔧 Tool Error: "

// ErrTurnInProgress is returned when a session already has a running turn.
var ErrTurnInProgress = errors.New("a turn is already in progress for this session")

// turnState tracks the per-turn state machine for logging.
type turnState string

const (
	stateIdle       turnState = "IDLE"
	stateStreaming  turnState = "STREAMING"
	stateTooling    turnState = "TOOLING"
	stateCommitting turnState = "COMMITTING"
	stateError      turnState = "ERROR"
)

const (
	defaultMaxParallelTools = 4
	defaultTurnTimeout      = 5 * time.Minute
	emptyRetryLimit         = 3
)

// Config holds engine construction settings.
type Config struct {
	// DefaultModel is used when the agent has no model override.
	DefaultModel string

	// TurnTimeout bounds one complete turn (stream + tools + retries).
	TurnTimeout time.Duration

	// MaxParallelTools bounds concurrent dispatch.
	MaxParallelTools int

	// ToolTimeout bounds a single tool execution; zero means unbounded.
	ToolTimeout time.Duration

	// SessionIdleTTL enables idle session reclamation when positive.
	SessionIdleTTL time.Duration
}

// Engine is the session integrator. All dependencies are injected; the
// engine owns only the session store.
type Engine struct {
	client    modelclient.Streamer
	registry  *tools.Registry
	agents    *agents.Registry
	caps      *caps.Table
	optimizer *promptopt.Optimizer
	router    *channels.Router
	sessions  *SessionStore

	dispatcher *dispatcher
	sleeper    backoff.Sleeper
	retryDelay backoff.Policy

	defaultModel string
	turnTimeout  time.Duration

	logger  *observability.Logger
	metrics *observability.Metrics
	tracer  *observability.Tracer
}

// Option configures an Engine.
type Option func(*Engine)

// WithSleeper overrides the retry sleeper, for tests.
func WithSleeper(s backoff.Sleeper) Option {
	return func(e *Engine) { e.sleeper = s }
}

// New wires an engine from its dependencies.
func New(
	cfg Config,
	client modelclient.Streamer,
	registry *tools.Registry,
	agentReg *agents.Registry,
	capsTable *caps.Table,
	optimizer *promptopt.Optimizer,
	router *channels.Router,
	logger *observability.Logger,
	metrics *observability.Metrics,
	opts ...Option,
) *Engine {
	if logger == nil {
		logger = observability.NopLogger()
	}
	if metrics == nil {
		metrics = observability.NopMetrics()
	}
	if cfg.TurnTimeout <= 0 {
		cfg.TurnTimeout = defaultTurnTimeout
	}
	if cfg.MaxParallelTools <= 0 {
		cfg.MaxParallelTools = defaultMaxParallelTools
	}

	e := &Engine{
		client:    client,
		registry:  registry,
		agents:    agentReg,
		caps:      capsTable,
		optimizer: optimizer,
		router:    router,
		sessions:  NewSessionStore(cfg.SessionIdleTTL),
		dispatcher: &dispatcher{
			registry:    registry,
			maxParallel: cfg.MaxParallelTools,
			callTimeout: cfg.ToolTimeout,
			logger:      logger,
			metrics:     metrics,
		},
		sleeper:      backoff.RealSleeper(),
		retryDelay:   backoff.LinearSecondsPolicy(3 * time.Second),
		defaultModel: cfg.DefaultModel,
		turnTimeout:  cfg.TurnTimeout,
		logger:       logger,
		metrics:      metrics,
		tracer:       observability.NewTracer(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Sessions exposes the session store to the runtime layer.
func (e *Engine) Sessions() *SessionStore { return e.sessions }

// Overrides carries optional per-call adjustments to a turn.
type Overrides struct {
	Temperature    float32
	MaxTokens      int
	ResponseFormat string

	// ToolFilter, when non-empty, intersects with the agent's tool policy.
	ToolFilter []string

	// Timeout replaces the engine's default turn timeout.
	Timeout time.Duration
}

// Outcome is a successful turn's result.
type Outcome struct {
	AssistantText string
	Reasoning     string
	ToolCalls     []models.ToolCall
	FinishReason  models.FinishReason
	Channel       []models.ChannelMessage
}

// Process runs exactly one user turn for the session. Turns on one session
// are strictly serialized; a concurrent call returns ErrTurnInProgress.
// On any non-tool failure nothing is committed.
func (e *Engine) Process(ctx context.Context, sessionID, userText string, ov Overrides) (*Outcome, error) {
	if strings.TrimSpace(userText) == "" {
		return nil, &TurnError{Kind: KindAPI, SessionID: sessionID, Message: "empty user message"}
	}
	session, ok := e.sessions.Get(sessionID)
	if !ok {
		return nil, &TurnError{Kind: KindAPI, SessionID: sessionID, Message: "unknown session"}
	}
	if !session.tryBeginTurn() {
		return nil, ErrTurnInProgress
	}
	defer session.endTurn()

	timeout := e.turnTimeout
	if ov.Timeout > 0 {
		timeout = ov.Timeout
	}
	turnCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	turnCtx = observability.WithSessionID(turnCtx, sessionID)
	turnCtx = observability.WithAgentID(turnCtx, session.AgentID)
	turnCtx, span := e.tracer.StartTurn(turnCtx, sessionID, session.AgentID)

	started := time.Now()
	outcome, err := e.runTurn(turnCtx, session, userText, ov)
	e.metrics.TurnDuration.WithLabelValues(session.AgentID).Observe(time.Since(started).Seconds())
	observability.EndWithError(span, err)
	if err != nil {
		e.metrics.TurnCounter.WithLabelValues(session.AgentID, string(TurnErrorKind(err))).Inc()
		e.logger.Error(turnCtx, "turn failed", "state", stateError, "error", err)
		return nil, err
	}
	e.metrics.TurnCounter.WithLabelValues(session.AgentID, "ok").Inc()
	return outcome, nil
}

// streamed accumulates one model response.
type streamed struct {
	content   strings.Builder
	reasoning strings.Builder
	toolCalls []models.ToolCall
	finish    models.FinishReason
}

func (s *streamed) empty() bool {
	// Reasoning-only responses are not empty.
	return s.content.Len() == 0 && s.reasoning.Len() == 0 && len(s.toolCalls) == 0
}

func (e *Engine) runTurn(ctx context.Context, session *Session, userText string, ov Overrides) (*Outcome, error) {
	agentID := session.AgentID
	def, ok := e.agents.Get(agentID)
	if !ok {
		return nil, &TurnError{Kind: KindConfigMissing, SessionID: session.ID, AgentID: agentID,
			Message: fmt.Sprintf("agent %q not registered", agentID)}
	}

	// Step 1: working history. The transcript is typed; entries with an
	// unrecognized role are coerced to user messages.
	history := e.prepareHistory(ctx, session)

	// Step 2: tool visibility, intersected with any per-call override.
	loaded, err := e.registry.LoadForAgent(ctx, def.ToolPolicy())
	if err != nil {
		return nil, &TurnError{Kind: KindConfigMissing, SessionID: session.ID, AgentID: agentID, Cause: err}
	}
	if len(ov.ToolFilter) > 0 {
		loaded = intersectTools(loaded, ov.ToolFilter)
	}
	defs := make([]tools.Definition, len(loaded))
	for i, t := range loaded {
		defs[i] = tools.Define(t)
	}

	// Step 3: capability-aware prompt rewrite. The transcript records the
	// original text; only the model sees the optimized form.
	model := e.modelFor(def)
	sendText := userText
	if e.optimizer != nil {
		sendText = e.optimizer.Optimize(userText, model, agentID).Text
	}

	req := &modelclient.Request{
		Model:          model,
		Messages:       append(history, models.Message{Role: models.RoleUser, Content: sendText}),
		Tools:          defs,
		ResponseFormat: ov.ResponseFormat,
		Temperature:    ov.Temperature,
		MaxTokens:      ov.MaxTokens,
	}
	if def.Model != nil {
		if def.Model.Temperature > 0 && req.Temperature == 0 {
			req.Temperature = float32(def.Model.Temperature)
		}
		if def.Model.MaxTokens > 0 && req.MaxTokens == 0 {
			req.MaxTokens = def.Model.MaxTokens
		}
	}

	// Steps 4-6: stream, accumulate, and retry empty responses.
	streamCtx, streamSpan := e.tracer.StartPhase(ctx, "stream")
	resp, err := e.streamWithRetry(streamCtx, session, req)
	observability.EndWithError(streamSpan, err)
	if err != nil {
		return nil, err
	}

	// Step 7: dispatch tool calls per the capability record.
	e.logger.Debug(ctx, "turn streaming complete", "state", stateTooling, "finish", resp.finish, "tool_calls", len(resp.toolCalls))
	var results []callResult
	violated := false
	assistantCalls := resp.toolCalls
	if resp.finish == models.FinishToolCalls && len(resp.toolCalls) > 0 {
		rec := e.caps.Lookup(model)
		strategy := chooseStrategy(len(resp.toolCalls), rec)
		if strategy == StrategyViolation {
			// The violated batch never executes: the error lands in the
			// assistant content, and no tool messages are committed.
			results = []callResult{violationResult(resp.toolCalls, model, rec.MaxToolsPerTurn)}
			violated = true
			assistantCalls = nil
		} else {
			toolCtx, toolSpan := e.tracer.StartPhase(ctx, "tools")
			results = e.dispatcher.dispatch(toolCtx, strategy, resp.toolCalls)
			toolSpan.End()
		}
	}

	// The turn deadline covers tool dispatch too. A tool may outlive it by
	// ignoring its context; the turn must still abort without committing.
	if ctxErr := ctx.Err(); ctxErr != nil {
		kind := KindShutdown
		if errors.Is(ctxErr, context.DeadlineExceeded) {
			kind = KindTimeout
		}
		return nil, &TurnError{Kind: kind, SessionID: session.ID, AgentID: agentID, Cause: ctxErr}
	}

	// Only locally-recovered kinds fold into the assistant content; any
	// other failing result aborts the turn uncommitted.
	content := resp.content.String()
	for _, r := range results {
		if r.IsError && !r.Kind.CommitsAnyway() {
			return nil, &TurnError{Kind: r.Kind, SessionID: session.ID, AgentID: agentID, Message: r.Content}
		}
		if r.IsError {
			if content != "" {
				content += "\n"
			}
			label := r.Call.Name
			if label == "" {
				label = "dispatch"
			}
			content += toolErrorPrefix + label + ": " + r.Content
		}
	}

	// Step 8: atomic commit. User, assistant, then one tool message per
	// call in declaration order.
	e.logger.Debug(ctx, "committing turn", "state", stateCommitting)
	_, commitSpan := e.tracer.StartPhase(ctx, "commit")
	now := time.Now()
	msgs := []models.Message{
		{
			ID:        uuid.NewString(),
			SessionID: session.ID,
			Role:      models.RoleUser,
			Content:   userText,
			CreatedAt: now,
		},
		{
			ID:        uuid.NewString(),
			SessionID: session.ID,
			Role:      models.RoleAssistant,
			Content:   content,
			Reasoning: resp.reasoning.String(),
			ToolCalls: assistantCalls,
			CreatedAt: now,
		},
	}
	if !violated {
		for _, r := range results {
			msgs = append(msgs, models.Message{
				ID:         uuid.NewString(),
				SessionID:  session.ID,
				Role:       models.RoleTool,
				Content:    r.Content,
				ToolCallID: r.Call.ID,
				ToolName:   r.Call.Name,
				CreatedAt:  now,
			})
		}
	}
	session.commit(msgs...)
	commitSpan.End()

	// Step 9: channel routing and notification.
	var routed []models.ChannelMessage
	if e.router != nil {
		raw := content
		if len(assistantCalls) > 0 {
			// Executed tool calls surface on the commentary channel even
			// when the model text carries no markers of its own.
			raw = "[COMMENTARY]" + formatToolActivity(results) + "[/COMMENTARY]" + content
		}
		routed = e.router.Route(ctx, session.ID, raw, channels.RouteOptions{
			AgentID:   agentID,
			ToolCalls: assistantCalls,
		})
	}

	return &Outcome{
		AssistantText: content,
		Reasoning:     resp.reasoning.String(),
		ToolCalls:     assistantCalls,
		FinishReason:  resp.finish,
		Channel:       routed,
	}, nil
}

// streamWithRetry drains the model stream, retrying a fully-empty response
// up to three times with 1s/2s/3s backoff.
func (e *Engine) streamWithRetry(ctx context.Context, session *Session, req *modelclient.Request) (*streamed, error) {
	for attempt := 1; ; attempt++ {
		resp, err := e.streamOnce(ctx, session, req)
		if err != nil {
			return nil, err
		}
		// A finish of tool_calls with an empty accumulated call list is
		// still an empty response.
		if !resp.empty() {
			return resp, nil
		}
		if attempt > emptyRetryLimit {
			return nil, &TurnError{Kind: KindEmptyResponse, SessionID: session.ID, AgentID: session.AgentID,
				Message: fmt.Sprintf("model returned no content after %d attempts", attempt)}
		}
		e.metrics.StreamRetries.WithLabelValues(req.Model).Inc()
		e.logger.Warn(ctx, "empty model response, retrying", "attempt", attempt)
		delay := backoff.ComputeLinear(e.retryDelay, attempt)
		if err := e.sleeper.Sleep(ctx, delay); err != nil {
			return nil, e.wrapStreamErr(err, session)
		}
	}
}

func (e *Engine) streamOnce(ctx context.Context, session *Session, req *modelclient.Request) (*streamed, error) {
	e.logger.Debug(ctx, "opening model stream", "state", stateStreaming, "model", req.Model)
	chunks, err := e.client.Stream(ctx, req)
	if err != nil {
		return nil, e.wrapStreamErr(err, session)
	}

	resp := &streamed{}
	for chunk := range chunks {
		if chunk.Err != nil {
			return nil, e.wrapStreamErr(chunk.Err, session)
		}
		resp.content.WriteString(chunk.DeltaContent)
		resp.reasoning.WriteString(chunk.DeltaReasoning)
		if chunk.ToolCall != nil {
			resp.toolCalls = append(resp.toolCalls, *chunk.ToolCall)
		}
		if chunk.FinishReason != "" {
			resp.finish = chunk.FinishReason
		}
	}
	if resp.finish == "" {
		resp.finish = models.FinishStop
	}
	return resp, nil
}

// wrapStreamErr maps transport failures to the turn taxonomy, recognizing
// the turn timeout.
func (e *Engine) wrapStreamErr(err error, session *Session) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return &TurnError{Kind: KindTimeout, SessionID: session.ID, AgentID: session.AgentID, Cause: err}
	}
	return fromClientError(err, session.ID, session.AgentID)
}

// prepareHistory copies the transcript, coercing any entry with an unknown
// role into a user message.
func (e *Engine) prepareHistory(ctx context.Context, session *Session) []models.Message {
	history := session.Transcript()
	for i, msg := range history {
		switch msg.Role {
		case models.RoleUser, models.RoleAssistant, models.RoleSystem, models.RoleTool:
		default:
			e.logger.Warn(ctx, "coercing message with unknown role", "index", i, "role", msg.Role)
			history[i].Role = models.RoleUser
		}
	}
	return history
}

func (e *Engine) modelFor(def *agents.Definition) string {
	if def.Model != nil && def.Model.Model != "" {
		return def.Model.Model
	}
	return e.defaultModel
}

// formatToolActivity renders executed calls and their outcomes for the
// commentary channel.
func formatToolActivity(results []callResult) string {
	var b strings.Builder
	for i, r := range results {
		if i > 0 {
			b.WriteString("\n")
		}
		status := "ok"
		if r.IsError {
			status = "error"
		}
		fmt.Fprintf(&b, "%s(%s) -> %s: %s", r.Call.Name, string(r.Call.Arguments), status, r.Content)
	}
	return b.String()
}

func intersectTools(loaded []tools.Tool, filter []string) []tools.Tool {
	allowed := make(map[string]bool, len(filter))
	for _, name := range filter {
		allowed[name] = true
	}
	out := loaded[:0]
	for _, t := range loaded {
		if allowed[t.Name()] {
			out = append(out, t)
		}
	}
	return out
}
