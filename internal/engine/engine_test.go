package engine

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/convoke-ai/convoke/internal/agents"
	"github.com/convoke-ai/convoke/internal/backoff"
	"github.com/convoke-ai/convoke/internal/caps"
	"github.com/convoke-ai/convoke/internal/channels"
	"github.com/convoke-ai/convoke/internal/modelclient"
	"github.com/convoke-ai/convoke/internal/promptopt"
	"github.com/convoke-ai/convoke/internal/tools"
	"github.com/convoke-ai/convoke/pkg/models"
)

// scriptedStreamer replays canned chunk sequences, one per Stream call.
type scriptedStreamer struct {
	mu      sync.Mutex
	scripts [][]*modelclient.Chunk
	calls   int
	openErr error
	lastReq *modelclient.Request
}

func (s *scriptedStreamer) Stream(_ context.Context, req *modelclient.Request) (<-chan *modelclient.Chunk, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastReq = req
	if s.openErr != nil {
		return nil, s.openErr
	}
	script := s.scripts[0]
	if len(s.scripts) > 1 {
		s.scripts = s.scripts[1:]
	}
	s.calls++

	ch := make(chan *modelclient.Chunk, len(script)+1)
	for _, chunk := range script {
		ch <- chunk
	}
	ch <- &modelclient.Chunk{Done: true}
	close(ch)
	return ch, nil
}

func textScript(parts ...string) []*modelclient.Chunk {
	var out []*modelclient.Chunk
	for _, p := range parts {
		out = append(out, &modelclient.Chunk{DeltaContent: p})
	}
	return append(out, &modelclient.Chunk{FinishReason: models.FinishStop})
}

type echoTool struct {
	name  string
	fail  bool
	slow  time.Duration
	calls []string
	mu    sync.Mutex
}

func (t *echoTool) Name() string        { return t.name }
func (t *echoTool) Description() string { return "echo" }
func (t *echoTool) Schema() json.RawMessage {
	return json.RawMessage(`{"type":"object","properties":{"city":{"type":"string"}},"required":["city"]}`)
}
func (t *echoTool) Tags() []string             { return []string{"test"} }
func (t *echoTool) Category() string           { return "test" }
func (t *echoTool) PromptInstructions() string { return "" }

func (t *echoTool) Execute(_ context.Context, args json.RawMessage) (*tools.Result, error) {
	if t.slow > 0 {
		time.Sleep(t.slow)
	}
	t.mu.Lock()
	t.calls = append(t.calls, string(args))
	t.mu.Unlock()
	if t.fail {
		return tools.ErrorResult("echo exploded"), nil
	}
	return &tools.Result{Content: "echo:" + string(args)}, nil
}

type harness struct {
	engine   *Engine
	streamer *scriptedStreamer
	tool     *echoTool
	router   *channels.Router
	sink     *captureSink
	caps     *caps.Table
}

type captureSink struct {
	mu   sync.Mutex
	msgs []models.ChannelMessage
}

func (c *captureSink) NotifyChannelMessage(_ context.Context, _ string, msg models.ChannelMessage) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.msgs = append(c.msgs, msg)
}

const testRoster = `
agents:
  - id: d
    display_name: Debbie the Debugger
    role: debugger
`

func newHarness(t *testing.T, scripts ...[]*modelclient.Chunk) *harness {
	t.Helper()

	streamer := &scriptedStreamer{scripts: scripts}
	tool := &echoTool{name: "get_weather"}

	reg := tools.NewRegistry(nil, nil)
	reg.RegisterSpec(&tools.Spec{
		Name:     "get_weather",
		Category: "test",
		Schema:   tool.Schema(),
		Tags:     []string{"test"},
		Build:    func() (tools.Tool, error) { return tool, nil },
	})

	agentReg := agents.NewRegistry(nil)
	if err := agentReg.LoadBytes(context.Background(), []byte(testRoster)); err != nil {
		t.Fatalf("roster: %v", err)
	}

	table := caps.NewTable()
	table.Set("test/multi", caps.Record{MultiTool: true, ParallelTools: true, MaxToolsPerTurn: 10})
	table.Set("test/seq", caps.Record{MultiTool: true, ParallelTools: false, MaxToolsPerTurn: 10})
	table.Set("test/single", caps.Record{MultiTool: false, MaxToolsPerTurn: 1})

	sink := &captureSink{}
	store := channels.NewStore(nil, nil)
	router := channels.NewRouter(store, nil, channels.WithNotifier(sink))

	eng := New(
		Config{DefaultModel: "test/multi"},
		streamer, reg, agentReg, table, promptopt.New(table), router, nil, nil,
		WithSleeper(backoff.SleeperFunc(func(context.Context, time.Duration) error { return nil })),
	)
	return &harness{engine: eng, streamer: streamer, tool: tool, router: router, sink: sink, caps: table}
}

func startSession(t *testing.T, h *harness) *Session {
	t.Helper()
	s, err := h.engine.Sessions().Create("", "user-1", "d")
	if err != nil {
		t.Fatalf("create session: %v", err)
	}
	return s
}

func roles(msgs []models.Message) []models.Role {
	out := make([]models.Role, len(msgs))
	for i, m := range msgs {
		out[i] = m.Role
	}
	return out
}

func TestTextOnlyTurn(t *testing.T) {
	h := newHarness(t, textScript("Hi!"))
	s := startSession(t, h)

	out, err := h.engine.Process(context.Background(), s.ID, "Say hello.", Overrides{})
	if err != nil {
		t.Fatalf("process: %v", err)
	}
	if out.AssistantText != "Hi!" || out.FinishReason != models.FinishStop {
		t.Fatalf("outcome = %+v", out)
	}

	transcript := s.Transcript()
	if len(transcript) != 2 {
		t.Fatalf("transcript roles = %v, want user+assistant", roles(transcript))
	}
	if transcript[0].Role != models.RoleUser || transcript[0].Content != "Say hello." {
		t.Fatalf("user message = %+v", transcript[0])
	}
	if transcript[1].Role != models.RoleAssistant || transcript[1].Content != "Hi!" {
		t.Fatalf("assistant message = %+v", transcript[1])
	}

	if len(out.Channel) != 1 || out.Channel[0].Channel != models.ChannelFinal {
		t.Fatalf("channel output = %+v, want single final", out.Channel)
	}
}

func toolCallScript(calls ...models.ToolCall) []*modelclient.Chunk {
	var out []*modelclient.Chunk
	out = append(out, &modelclient.Chunk{DeltaContent: "Checking the weather."})
	for i := range calls {
		out = append(out, &modelclient.Chunk{ToolCall: &calls[i]})
	}
	return append(out, &modelclient.Chunk{FinishReason: models.FinishToolCalls})
}

func TestParallelToolCalls(t *testing.T) {
	h := newHarness(t, toolCallScript(
		models.ToolCall{ID: "c1", Name: "get_weather", Arguments: json.RawMessage(`{"city":"NY"}`)},
		models.ToolCall{ID: "c2", Name: "get_weather", Arguments: json.RawMessage(`{"city":"London"}`)},
	))
	s := startSession(t, h)

	out, err := h.engine.Process(context.Background(), s.ID, "Check the weather in both cities.", Overrides{})
	if err != nil {
		t.Fatalf("process: %v", err)
	}
	if len(out.ToolCalls) != 2 {
		t.Fatalf("tool calls = %d, want 2", len(out.ToolCalls))
	}

	transcript := s.Transcript()
	want := []models.Role{models.RoleUser, models.RoleAssistant, models.RoleTool, models.RoleTool}
	got := roles(transcript)
	if len(got) != len(want) {
		t.Fatalf("roles = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("roles = %v, want %v", got, want)
		}
	}
	// Tool results in call-declaration order regardless of completion.
	if transcript[2].ToolCallID != "c1" || transcript[3].ToolCallID != "c2" {
		t.Fatalf("tool message order: %s then %s", transcript[2].ToolCallID, transcript[3].ToolCallID)
	}
	if !strings.Contains(transcript[2].Content, "NY") {
		t.Fatalf("first tool result = %q", transcript[2].Content)
	}

	// Commentary carries the calls, final carries the wrap-up, sequences
	// strictly increase.
	var sawCommentary, sawFinal bool
	var last uint64
	for _, msg := range out.Channel {
		if msg.Meta.Sequence <= last {
			t.Fatalf("sequence not strictly increasing: %v", out.Channel)
		}
		last = msg.Meta.Sequence
		switch msg.Channel {
		case models.ChannelCommentary:
			sawCommentary = true
			if len(msg.Meta.ToolCalls) != 2 {
				t.Fatalf("commentary tool calls = %d", len(msg.Meta.ToolCalls))
			}
		case models.ChannelFinal:
			sawFinal = true
		}
	}
	if !sawCommentary || !sawFinal {
		t.Fatalf("channels = %+v", out.Channel)
	}
}

func TestSequentialDispatchOrder(t *testing.T) {
	h := newHarness(t, toolCallScript(
		models.ToolCall{ID: "c1", Name: "get_weather", Arguments: json.RawMessage(`{"city":"first"}`)},
		models.ToolCall{ID: "c2", Name: "get_weather", Arguments: json.RawMessage(`{"city":"second"}`)},
	))
	s := startSession(t, h)

	// Sequential-capable model: calls run one after the other.
	h.caps.Set("test/multi", caps.Record{MultiTool: true, ParallelTools: false, MaxToolsPerTurn: 10})
	if _, err := h.engine.Process(context.Background(), s.ID, "Check both cities for me.", Overrides{}); err != nil {
		t.Fatalf("process: %v", err)
	}
	h.tool.mu.Lock()
	defer h.tool.mu.Unlock()
	if len(h.tool.calls) != 2 || !strings.Contains(h.tool.calls[0], "first") {
		t.Fatalf("sequential execution order wrong: %v", h.tool.calls)
	}
}

func TestCapabilityViolation(t *testing.T) {
	h := newHarness(t, toolCallScript(
		models.ToolCall{ID: "c1", Name: "get_weather", Arguments: json.RawMessage(`{"city":"NY"}`)},
		models.ToolCall{ID: "c2", Name: "get_weather", Arguments: json.RawMessage(`{"city":"London"}`)},
	))
	h.caps.Set("test/multi", caps.Record{MultiTool: false, MaxToolsPerTurn: 1})
	s := startSession(t, h)

	out, err := h.engine.Process(context.Background(), s.ID, "Check the weather everywhere.", Overrides{})
	if err != nil {
		t.Fatalf("violation should commit, got error %v", err)
	}
	if !strings.Contains(out.AssistantText, "Tool Error") || !strings.Contains(out.AssistantText, "max is 1") {
		t.Fatalf("assistant text = %q", out.AssistantText)
	}

	transcript := s.Transcript()
	if len(transcript) != 2 {
		t.Fatalf("roles = %v, want user+assistant only", roles(transcript))
	}
	// The batch never executed.
	h.tool.mu.Lock()
	defer h.tool.mu.Unlock()
	if len(h.tool.calls) != 0 {
		t.Fatalf("violated batch executed: %v", h.tool.calls)
	}
}

func TestToolExecutionErrorCommits(t *testing.T) {
	h := newHarness(t, toolCallScript(
		models.ToolCall{ID: "c1", Name: "get_weather", Arguments: json.RawMessage(`{"city":"NY"}`)},
	))
	h.tool.fail = true
	s := startSession(t, h)

	out, err := h.engine.Process(context.Background(), s.ID, "What's the weather in NY?", Overrides{})
	if err != nil {
		t.Fatalf("tool failure should commit, got %v", err)
	}
	if !strings.Contains(out.AssistantText, "🔧 Tool Error: get_weather") {
		t.Fatalf("assistant text = %q", out.AssistantText)
	}
	transcript := s.Transcript()
	if len(transcript) != 3 || transcript[2].Role != models.RoleTool {
		t.Fatalf("roles = %v, want user+assistant+tool", roles(transcript))
	}
}

func TestUnknownToolCommits(t *testing.T) {
	h := newHarness(t, toolCallScript(
		models.ToolCall{ID: "c1", Name: "no_such_tool", Arguments: json.RawMessage(`{}`)},
	))
	s := startSession(t, h)

	out, err := h.engine.Process(context.Background(), s.ID, "Use the mystery tool please.", Overrides{})
	if err != nil {
		t.Fatalf("unknown tool should commit, got %v", err)
	}
	if !strings.Contains(out.AssistantText, "unknown tool") {
		t.Fatalf("assistant text = %q", out.AssistantText)
	}
	if s.Len() != 3 {
		t.Fatalf("transcript length = %d", s.Len())
	}
}

func TestInvalidArgumentsCommit(t *testing.T) {
	h := newHarness(t, toolCallScript(
		models.ToolCall{ID: "c1", Name: "get_weather", Arguments: json.RawMessage(`{"city":42}`)},
	))
	s := startSession(t, h)

	out, err := h.engine.Process(context.Background(), s.ID, "Weather with bad arguments now.", Overrides{})
	if err != nil {
		t.Fatalf("invalid args should commit, got %v", err)
	}
	if !strings.Contains(out.AssistantText, "Tool Error") {
		t.Fatalf("assistant text = %q", out.AssistantText)
	}
	// The tool itself never ran.
	h.tool.mu.Lock()
	defer h.tool.mu.Unlock()
	if len(h.tool.calls) != 0 {
		t.Fatalf("tool ran despite invalid args")
	}
}

func TestTimeoutDuringToolsAborts(t *testing.T) {
	h := newHarness(t, toolCallScript(
		models.ToolCall{ID: "c1", Name: "get_weather", Arguments: json.RawMessage(`{"city":"NY"}`)},
	))
	// The tool ignores its context and outlives the turn deadline.
	h.tool.slow = 200 * time.Millisecond
	s := startSession(t, h)

	_, err := h.engine.Process(context.Background(), s.ID, "Slow weather lookup please now.", Overrides{
		Timeout: 50 * time.Millisecond,
	})
	if TurnErrorKind(err) != KindTimeout {
		t.Fatalf("err = %v, want timeout", err)
	}
	if s.Len() != 0 {
		t.Fatalf("transcript grew to %d after timeout; want unchanged", s.Len())
	}
}

func TestEmptyToolCallFinishRetries(t *testing.T) {
	// finish_reason=tool_calls with every fragment dropped is still an
	// empty response.
	empty := []*modelclient.Chunk{{FinishReason: models.FinishToolCalls}}
	h := newHarness(t, empty)
	s := startSession(t, h)

	_, err := h.engine.Process(context.Background(), s.ID, "Call a tool for me please.", Overrides{})
	if TurnErrorKind(err) != KindEmptyResponse {
		t.Fatalf("err = %v, want empty_response", err)
	}
	if h.streamer.calls != 4 {
		t.Fatalf("stream attempts = %d, want initial + 3 retries", h.streamer.calls)
	}
	if s.Len() != 0 {
		t.Fatalf("transcript changed on empty tool_calls response")
	}
}

func TestEmptyResponseRetries(t *testing.T) {
	empty := []*modelclient.Chunk{{FinishReason: models.FinishStop}}
	h := newHarness(t, empty, empty, empty, empty)
	s := startSession(t, h)

	before := s.Len()
	_, err := h.engine.Process(context.Background(), s.ID, "Please answer this question.", Overrides{})
	if TurnErrorKind(err) != KindEmptyResponse {
		t.Fatalf("err = %v, want empty_response", err)
	}
	if h.streamer.calls != 4 {
		t.Fatalf("stream attempts = %d, want initial + 3 retries", h.streamer.calls)
	}
	if s.Len() != before {
		t.Fatalf("transcript changed on empty response")
	}
}

func TestEmptyRetrySucceedsEventually(t *testing.T) {
	empty := []*modelclient.Chunk{{FinishReason: models.FinishStop}}
	h := newHarness(t, empty, textScript("Recovered."))
	s := startSession(t, h)

	out, err := h.engine.Process(context.Background(), s.ID, "Please answer this question.", Overrides{})
	if err != nil {
		t.Fatalf("process: %v", err)
	}
	if out.AssistantText != "Recovered." {
		t.Fatalf("text = %q", out.AssistantText)
	}
}

func TestReasoningOnlyIsNotEmpty(t *testing.T) {
	h := newHarness(t, []*modelclient.Chunk{
		{DeltaReasoning: "Thinking about it."},
		{FinishReason: models.FinishStop},
	})
	s := startSession(t, h)

	out, err := h.engine.Process(context.Background(), s.ID, "Mull this over for me.", Overrides{})
	if err != nil {
		t.Fatalf("reasoning-only response treated as empty: %v", err)
	}
	if out.Reasoning != "Thinking about it." || out.AssistantText != "" {
		t.Fatalf("reasoning conflated with content: %+v", out)
	}
	// Reasoning stays in its own field on the committed message too.
	transcript := s.Transcript()
	if transcript[1].Reasoning != "Thinking about it." || transcript[1].Content != "" {
		t.Fatalf("committed assistant = %+v", transcript[1])
	}
}

func TestTransportErrorCommitsNothing(t *testing.T) {
	h := newHarness(t, textScript("unused"))
	h.streamer.openErr = &modelclient.ClientError{Kind: modelclient.KindRateLimit}
	s := startSession(t, h)

	before := s.Len()
	_, err := h.engine.Process(context.Background(), s.ID, "This request will be throttled.", Overrides{})
	if TurnErrorKind(err) != KindRateLimit {
		t.Fatalf("kind = %v", TurnErrorKind(err))
	}
	if s.Len() != before {
		t.Fatalf("transcript changed on transport error")
	}
}

func TestShutdownDuringStream(t *testing.T) {
	h := newHarness(t, []*modelclient.Chunk{
		{DeltaContent: "partial"},
		{Err: modelclient.ErrShutdown},
	})
	s := startSession(t, h)

	_, err := h.engine.Process(context.Background(), s.ID, "Long task, interrupt it please.", Overrides{})
	if TurnErrorKind(err) != KindShutdown {
		t.Fatalf("kind = %v, want shutdown", TurnErrorKind(err))
	}
	if s.Len() != 0 {
		t.Fatalf("partial content committed on shutdown")
	}
}

func TestTurnsSerializedPerSession(t *testing.T) {
	h := newHarness(t, toolCallScript(
		models.ToolCall{ID: "c1", Name: "get_weather", Arguments: json.RawMessage(`{"city":"NY"}`)},
	))
	h.tool.slow = 100 * time.Millisecond
	s := startSession(t, h)

	started := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		close(started)
		h.engine.Process(context.Background(), s.ID, "Slow weather check please now.", Overrides{})
	}()
	<-started
	time.Sleep(20 * time.Millisecond)

	_, err := h.engine.Process(context.Background(), s.ID, "Second message during the turn.", Overrides{})
	if !errors.Is(err, ErrTurnInProgress) {
		t.Fatalf("concurrent turn err = %v, want ErrTurnInProgress", err)
	}
	wg.Wait()
}

func TestUnknownSessionRejected(t *testing.T) {
	h := newHarness(t, textScript("x"))
	if _, err := h.engine.Process(context.Background(), "ghost", "Hello over there, anyone?", Overrides{}); err == nil {
		t.Fatalf("unknown session accepted")
	}
}

func TestEmptyUserMessageRejected(t *testing.T) {
	h := newHarness(t, textScript("x"))
	s := startSession(t, h)
	if _, err := h.engine.Process(context.Background(), s.ID, "   ", Overrides{}); err == nil {
		t.Fatalf("blank message accepted")
	}
}

func TestPromptOptimizerAppliedToRequestOnly(t *testing.T) {
	h := newHarness(t, textScript("Done."))
	s := startSession(t, h)

	msg := "Please first read the config then check the logs"
	if _, err := h.engine.Process(context.Background(), s.ID, msg, Overrides{}); err != nil {
		t.Fatalf("process: %v", err)
	}

	sent := h.streamer.lastReq.Messages
	if !strings.Contains(sent[len(sent)-1].Content, "simultaneously") {
		t.Fatalf("optimizer not applied to outbound request: %q", sent[len(sent)-1].Content)
	}
	if s.Transcript()[0].Content != msg {
		t.Fatalf("transcript stored rewritten text: %q", s.Transcript()[0].Content)
	}
}

func TestToolFilterOverride(t *testing.T) {
	h := newHarness(t, textScript("ok"))
	s := startSession(t, h)

	if _, err := h.engine.Process(context.Background(), s.ID, "Respond with your tools hidden.", Overrides{
		ToolFilter: []string{"some_other_tool"},
	}); err != nil {
		t.Fatalf("process: %v", err)
	}
	if len(h.streamer.lastReq.Tools) != 0 {
		t.Fatalf("tool filter not applied: %+v", h.streamer.lastReq.Tools)
	}
}

func TestSessionStoreReclaimIdle(t *testing.T) {
	st := NewSessionStore(10 * time.Millisecond)
	s, _ := st.Create("stale", "u", "d")
	s.mu.Lock()
	s.lastActive = time.Now().Add(-time.Minute)
	s.mu.Unlock()
	st.Create("active", "u", "d")

	reclaimed := st.ReclaimIdle()
	if len(reclaimed) != 1 || reclaimed[0] != "stale" {
		t.Fatalf("reclaimed = %v", reclaimed)
	}
	if st.Len() != 1 {
		t.Fatalf("store len = %d", st.Len())
	}
}
