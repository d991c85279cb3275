// Package modelclient talks to the OpenRouter chat-completion API with
// streaming responses, a classified error taxonomy, and an optional identity
// cache for non-streaming calls.
package modelclient

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"

	openai "github.com/sashabaranov/go-openai"

	"github.com/convoke-ai/convoke/internal/backoff"
	"github.com/convoke-ai/convoke/internal/observability"
	"github.com/convoke-ai/convoke/internal/tools"
	"github.com/convoke-ai/convoke/pkg/models"
)

const defaultBaseURL = "https://openrouter.ai/api/v1"

// Request is one chat-completion call.
type Request struct {
	Model          string             `json:"model"`
	System         string             `json:"system,omitempty"`
	Messages       []models.Message   `json:"messages"`
	Tools          []tools.Definition `json:"tools,omitempty"`
	ResponseFormat string             `json:"response_format,omitempty"`
	Temperature    float32            `json:"temperature,omitempty"`
	MaxTokens      int                `json:"max_tokens,omitempty"`
}

// Chunk is one unit of a streaming response. Tool calls are emitted complete
// once their fragments have been accumulated. Exactly one chunk carries
// Done=true; it may also carry Err.
type Chunk struct {
	DeltaContent   string
	DeltaReasoning string
	ToolCall       *models.ToolCall
	FinishReason   models.FinishReason
	Err            error
	Done           bool
}

// Response is a fully-drained completion, used by the non-streaming variant.
type Response struct {
	Content      string
	Reasoning    string
	ToolCalls    []models.ToolCall
	FinishReason models.FinishReason
}

// Streamer is the engine-facing client contract.
type Streamer interface {
	Stream(ctx context.Context, req *Request) (<-chan *Chunk, error)
}

// Config holds client construction settings.
type Config struct {
	// APIKey is the OpenRouter key. Required.
	APIKey string `yaml:"api_key"`

	// BaseURL overrides the OpenRouter endpoint, mainly for tests.
	BaseURL string `yaml:"base_url,omitempty"`

	// DefaultModel is used when a request leaves Model empty. Required.
	DefaultModel string `yaml:"default_model"`

	// AppName is sent as the X-Title header.
	AppName string `yaml:"app_name,omitempty"`

	// SiteURL is sent as the HTTP-Referer header.
	SiteURL string `yaml:"site_url,omitempty"`

	// CacheSize enables the non-streaming identity cache when positive.
	CacheSize int `yaml:"cache_size,omitempty"`

	// MaxRetries bounds transparent retries of the stream open on
	// retryable failures (rate limit, connection). Zero disables them;
	// the error surfaces on the first failure.
	MaxRetries int `yaml:"max_retries,omitempty"`
}

// Client is the OpenRouter-backed Streamer. Safe for concurrent use.
type Client struct {
	api          *openai.Client
	defaultModel string
	shutdown     <-chan struct{}
	cache        *responseCache
	maxRetries   int
	retryPolicy  backoff.Policy
	sleeper      backoff.Sleeper
	logger       *observability.Logger
	metrics      *observability.Metrics
}

// Option configures a Client.
type Option func(*Client)

// WithShutdown wires the process-wide cooperative shutdown signal. Once the
// channel closes, every in-flight stream terminates promptly with a
// shutdown-classified chunk.
func WithShutdown(ch <-chan struct{}) Option {
	return func(c *Client) { c.shutdown = ch }
}

// WithSleeper overrides the retry sleeper, for tests.
func WithSleeper(s backoff.Sleeper) Option {
	return func(c *Client) { c.sleeper = s }
}

// headerTransport injects the OpenRouter identification headers.
type headerTransport struct {
	base    http.RoundTripper
	referer string
	title   string
}

func (t *headerTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	if t.referer != "" {
		req.Header.Set("HTTP-Referer", t.referer)
	}
	if t.title != "" {
		req.Header.Set("X-Title", t.title)
	}
	base := t.base
	if base == nil {
		base = http.DefaultTransport
	}
	return base.RoundTrip(req)
}

// New builds a client. A missing API key or default model is a config error;
// no requests are accepted.
func New(cfg Config, logger *observability.Logger, metrics *observability.Metrics, opts ...Option) (*Client, error) {
	if cfg.APIKey == "" {
		return nil, &ClientError{Kind: KindConfig, Message: "api key is required"}
	}
	if cfg.DefaultModel == "" {
		return nil, &ClientError{Kind: KindConfig, Message: "default model is required"}
	}
	if logger == nil {
		logger = observability.NopLogger()
	}
	if metrics == nil {
		metrics = observability.NopMetrics()
	}

	apiCfg := openai.DefaultConfig(cfg.APIKey)
	apiCfg.BaseURL = defaultBaseURL
	if cfg.BaseURL != "" {
		apiCfg.BaseURL = cfg.BaseURL
	}
	apiCfg.HTTPClient = &http.Client{
		Transport: &headerTransport{referer: cfg.SiteURL, title: cfg.AppName},
	}

	c := &Client{
		api:          openai.NewClientWithConfig(apiCfg),
		defaultModel: cfg.DefaultModel,
		maxRetries:   cfg.MaxRetries,
		retryPolicy:  backoff.DefaultPolicy(),
		sleeper:      backoff.RealSleeper(),
		logger:       logger,
		metrics:      metrics,
	}
	if cfg.CacheSize > 0 {
		c.cache = newResponseCache(cfg.CacheSize)
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// ErrShutdown marks a stream terminated by the cooperative shutdown signal.
var ErrShutdown = errors.New("model stream interrupted by shutdown")

// Stream opens a streaming completion. Retryable open failures are retried
// up to MaxRetries times with jittered exponential backoff before they
// surface. The returned channel is closed after the Done chunk.
func (c *Client) Stream(ctx context.Context, req *Request) (<-chan *Chunk, error) {
	chatReq, model := c.buildRequest(req)
	chatReq.Stream = true

	stream, err := c.openStream(ctx, chatReq, model)
	if err != nil {
		return nil, err
	}

	chunks := make(chan *Chunk)
	go c.pump(ctx, stream, chunks, model)
	return chunks, nil
}

// openStream establishes the SSE stream, retrying rate-limit and connection
// failures with jittered exponential delays.
func (c *Client) openStream(ctx context.Context, chatReq openai.ChatCompletionRequest, model string) (*openai.ChatCompletionStream, error) {
	for attempt := 1; ; attempt++ {
		stream, err := c.api.CreateChatCompletionStream(ctx, chatReq)
		if err == nil {
			return stream, nil
		}
		c.metrics.StreamCounter.WithLabelValues(model, "open_error").Inc()
		cerr := classify(err, model)
		if attempt > c.maxRetries || !KindOf(cerr).IsRetryable() {
			return nil, cerr
		}
		delay := backoff.Compute(c.retryPolicy, attempt)
		c.logger.Warn(ctx, "stream open failed, retrying",
			"model", model, "kind", string(KindOf(cerr)), "attempt", attempt, "delay", delay)
		c.metrics.StreamRetries.WithLabelValues(model).Inc()
		if serr := c.sleeper.Sleep(ctx, delay); serr != nil {
			return nil, cerr
		}
	}
}

// pump drains the SSE stream, accumulating tool-call fragments by index and
// emitting complete calls at finish. It observes both context cancellation
// and the cooperative shutdown signal between reads.
func (c *Client) pump(ctx context.Context, stream *openai.ChatCompletionStream, chunks chan<- *Chunk, model string) {
	defer close(chunks)
	defer stream.Close()

	calls := newToolCallAccumulator()
	emitCalls := func(finish models.FinishReason) {
		for _, tc := range calls.drain() {
			chunks <- &Chunk{ToolCall: tc}
		}
		if finish != "" {
			chunks <- &Chunk{FinishReason: finish}
		}
	}

	for {
		select {
		case <-ctx.Done():
			chunks <- &Chunk{Err: classify(ctx.Err(), model), Done: true}
			return
		case <-c.shutdownCh():
			c.metrics.StreamCounter.WithLabelValues(model, "shutdown").Inc()
			chunks <- &Chunk{Err: ErrShutdown, Done: true}
			return
		default:
		}

		resp, err := stream.Recv()
		if err != nil {
			if errors.Is(err, io.EOF) {
				emitCalls("")
				c.metrics.StreamCounter.WithLabelValues(model, "ok").Inc()
				chunks <- &Chunk{Done: true}
				return
			}
			c.metrics.StreamCounter.WithLabelValues(model, "error").Inc()
			chunks <- &Chunk{Err: classify(err, model), Done: true}
			return
		}
		if len(resp.Choices) == 0 {
			continue
		}
		choice := resp.Choices[0]

		if choice.Delta.Content != "" {
			chunks <- &Chunk{DeltaContent: choice.Delta.Content}
		}
		if choice.Delta.ReasoningContent != "" {
			chunks <- &Chunk{DeltaReasoning: choice.Delta.ReasoningContent}
		}
		calls.add(choice.Delta.ToolCalls)

		switch choice.FinishReason {
		case openai.FinishReasonToolCalls:
			emitCalls(models.FinishToolCalls)
		case openai.FinishReasonStop:
			emitCalls(models.FinishStop)
		case openai.FinishReasonLength:
			emitCalls(models.FinishLength)
		}
	}
}

func (c *Client) shutdownCh() <-chan struct{} {
	if c.shutdown != nil {
		return c.shutdown
	}
	// Nil channel blocks forever, which is the desired no-signal behavior.
	return nil
}

func (c *Client) buildRequest(req *Request) (openai.ChatCompletionRequest, string) {
	model := req.Model
	if model == "" {
		model = c.defaultModel
	}

	messages := make([]openai.ChatCompletionMessage, 0, len(req.Messages)+1)
	if req.System != "" {
		messages = append(messages, openai.ChatCompletionMessage{
			Role:    openai.ChatMessageRoleSystem,
			Content: req.System,
		})
	}
	for _, msg := range req.Messages {
		messages = append(messages, convertMessage(msg))
	}

	chatReq := openai.ChatCompletionRequest{
		Model:    model,
		Messages: messages,
	}
	if req.Temperature > 0 {
		chatReq.Temperature = req.Temperature
	}
	if req.MaxTokens > 0 {
		chatReq.MaxTokens = req.MaxTokens
	}
	if req.ResponseFormat == "json_object" {
		chatReq.ResponseFormat = &openai.ChatCompletionResponseFormat{
			Type: openai.ChatCompletionResponseFormatTypeJSONObject,
		}
	}
	for _, def := range req.Tools {
		chatReq.Tools = append(chatReq.Tools, openai.Tool{
			Type: openai.ToolTypeFunction,
			Function: &openai.FunctionDefinition{
				Name:        def.Name,
				Description: def.Description,
				Parameters:  def.Schema,
			},
		})
	}
	return chatReq, model
}

func convertMessage(msg models.Message) openai.ChatCompletionMessage {
	out := openai.ChatCompletionMessage{
		Role:    string(msg.Role),
		Content: msg.Content,
	}
	switch msg.Role {
	case models.RoleAssistant:
		for _, tc := range msg.ToolCalls {
			out.ToolCalls = append(out.ToolCalls, openai.ToolCall{
				ID:   tc.ID,
				Type: openai.ToolTypeFunction,
				Function: openai.FunctionCall{
					Name:      tc.Name,
					Arguments: string(tc.Arguments),
				},
			})
		}
	case models.RoleTool:
		out.ToolCallID = msg.ToolCallID
		out.Name = msg.ToolName
	}
	return out
}

// toolCallAccumulator merges streaming tool-call fragments keyed by their
// declaration index.
type toolCallAccumulator struct {
	byIndex map[int]*models.ToolCall
	order   []int
}

func newToolCallAccumulator() *toolCallAccumulator {
	return &toolCallAccumulator{byIndex: make(map[int]*models.ToolCall)}
}

func (a *toolCallAccumulator) add(fragments []openai.ToolCall) {
	for _, frag := range fragments {
		index := 0
		if frag.Index != nil {
			index = *frag.Index
		}
		tc, ok := a.byIndex[index]
		if !ok {
			tc = &models.ToolCall{}
			a.byIndex[index] = tc
			a.order = append(a.order, index)
		}
		if frag.ID != "" {
			tc.ID = frag.ID
		}
		if frag.Function.Name != "" {
			tc.Name = frag.Function.Name
		}
		if frag.Function.Arguments != "" {
			tc.Arguments = append(tc.Arguments, frag.Function.Arguments...)
		}
	}
}

// drain returns completed calls in declaration order and resets the
// accumulator.
func (a *toolCallAccumulator) drain() []*models.ToolCall {
	var out []*models.ToolCall
	for _, index := range a.order {
		tc := a.byIndex[index]
		if tc.ID != "" && tc.Name != "" {
			if len(tc.Arguments) == 0 {
				tc.Arguments = json.RawMessage(`{}`)
			}
			out = append(out, tc)
		}
	}
	a.byIndex = make(map[int]*models.ToolCall)
	a.order = nil
	return out
}
