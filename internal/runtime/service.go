// Package runtime exposes the session RPC surface consumed by transport
// adapters. The adapter itself (WebSocket, JSON-RPC framing) lives outside
// the core; this package owns session lifecycle, asynchronous turn
// execution, and the notification fan-out.
package runtime

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/convoke-ai/convoke/internal/channels"
	"github.com/convoke-ai/convoke/internal/engine"
	"github.com/convoke-ai/convoke/internal/observability"
	"github.com/convoke-ai/convoke/pkg/models"
)

// NotificationKind names the asynchronous events pushed to adapters.
type NotificationKind string

const (
	// NotifyChannelMessage carries one visible channel message.
	NotifyChannelMessage NotificationKind = "channel_message"
	// NotifyTurnError reports a failed turn. The transcript is unchanged.
	NotifyTurnError NotificationKind = "turn_error"
	// NotifySessionStopped reports that a session was stopped or reclaimed.
	NotifySessionStopped NotificationKind = "session_stopped"
)

// Notification is one asynchronous event. Exactly one payload field is set,
// matching Kind.
type Notification struct {
	Kind      NotificationKind       `json:"kind"`
	SessionID string                 `json:"sessionId"`
	Message   *models.ChannelMessage `json:"message,omitempty"`
	Error     *TurnErrorPayload      `json:"error,omitempty"`
}

// TurnErrorPayload is the wire form of a failed turn.
type TurnErrorPayload struct {
	Kind    string `json:"kind"`
	Message string `json:"message"`
}

// Sink receives notifications. Implementations must not block; the service
// calls them inline from turn goroutines.
type Sink interface {
	Notify(ctx context.Context, n Notification)
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(ctx context.Context, n Notification)

func (f SinkFunc) Notify(ctx context.Context, n Notification) { f(ctx, n) }

// SessionParams are the adapter-supplied options for a new session.
type SessionParams struct {
	SessionID string `json:"sessionId,omitempty"`
	AgentID   string `json:"agentId,omitempty"`

	// Visibility overrides the default channel visibility for the session.
	Visibility *models.ChannelVisibility `json:"visibility,omitempty"`
}

// Service is the RPC-facing session manager.
type Service struct {
	engine *engine.Engine
	router *channels.Router

	mu    sync.Mutex
	sinks []Sink

	defaultAgent string

	reclaimStop chan struct{}
	reclaimWg   sync.WaitGroup

	logger  *observability.Logger
	metrics *observability.Metrics
}

// Config configures the runtime service.
type Config struct {
	// DefaultAgent is used when startSession omits an agent.
	DefaultAgent string

	// ReclaimInterval is how often idle sessions are swept. Zero disables
	// the sweeper.
	ReclaimInterval time.Duration
}

// NewService wires the service. The router's notifier must be installed by
// the caller via ChannelNotifier before turns run.
func NewService(cfg Config, eng *engine.Engine, router *channels.Router, logger *observability.Logger, metrics *observability.Metrics) *Service {
	if logger == nil {
		logger = observability.NopLogger()
	}
	if metrics == nil {
		metrics = observability.NopMetrics()
	}
	s := &Service{
		engine:       eng,
		router:       router,
		defaultAgent: cfg.DefaultAgent,
		logger:       logger,
		metrics:      metrics,
	}
	if cfg.ReclaimInterval > 0 {
		s.reclaimStop = make(chan struct{})
		s.reclaimWg.Add(1)
		go s.reclaimLoop(cfg.ReclaimInterval)
	}
	return s
}

// Subscribe registers a notification sink. Sinks added after a turn started
// may miss that turn's early messages.
func (s *Service) Subscribe(sink Sink) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sinks = append(s.sinks, sink)
}

// ChannelNotifier adapts the service's fan-out to the channel router.
// Visibility filtering happens in the router before this is called.
func (s *Service) ChannelNotifier() channels.Notifier {
	return channels.NotifierFunc(func(ctx context.Context, sessionID string, msg models.ChannelMessage) {
		m := msg
		s.publish(ctx, Notification{
			Kind:      NotifyChannelMessage,
			SessionID: sessionID,
			Message:   &m,
		})
	})
}

func (s *Service) publish(ctx context.Context, n Notification) {
	s.mu.Lock()
	sinks := append([]Sink(nil), s.sinks...)
	s.mu.Unlock()
	for _, sink := range sinks {
		sink.Notify(ctx, n)
	}
}

// StartResult is the startSession response.
type StartResult struct {
	SessionID string `json:"sessionId"`
}

// StartSession creates a session for the user.
func (s *Service) StartSession(ctx context.Context, userID string, params SessionParams) (*StartResult, error) {
	if strings.TrimSpace(userID) == "" {
		return nil, errors.New("runtime: userId is required")
	}
	agentID := params.AgentID
	if agentID == "" {
		agentID = s.defaultAgent
	}
	if agentID == "" {
		return nil, errors.New("runtime: no agent specified and no default configured")
	}

	sess, err := s.engine.Sessions().Create(params.SessionID, userID, agentID)
	if err != nil {
		return nil, fmt.Errorf("runtime: start session: %w", err)
	}
	if params.Visibility != nil {
		s.router.SetVisibility(sess.ID, *params.Visibility)
	}

	s.metrics.ActiveSessions.Inc()
	s.logger.Info(ctx, "session started", "session_id", sess.ID, "agent_id", agentID, "user_id", userID)
	return &StartResult{SessionID: sess.ID}, nil
}

// SendResult is the sendUserMessage response. Accepted=false means the
// session has a turn in flight or does not exist; the payload arrives via
// notifications when accepted.
type SendResult struct {
	Accepted bool   `json:"accepted"`
	Reason   string `json:"reason,omitempty"`
}

// SendUserMessage runs one turn asynchronously. Channel messages reach the
// sinks as the turn routes them; a failed turn produces a turn_error
// notification instead.
func (s *Service) SendUserMessage(ctx context.Context, sessionID, message string) (*SendResult, error) {
	if _, ok := s.engine.Sessions().Get(sessionID); !ok {
		return &SendResult{Accepted: false, Reason: "unknown session"}, nil
	}
	if strings.TrimSpace(message) == "" {
		return &SendResult{Accepted: false, Reason: "empty message"}, nil
	}

	go func() {
		// Detach from the RPC call's deadline; the engine applies its own
		// turn timeout.
		turnCtx := context.WithoutCancel(ctx)
		_, err := s.engine.Process(turnCtx, sessionID, message, engine.Overrides{})
		if err == nil {
			return
		}
		if errors.Is(err, engine.ErrTurnInProgress) {
			// Raced with another sender after the accepted check. The other
			// turn's notifications cover the session.
			s.logger.Warn(turnCtx, "turn rejected mid-flight", "session_id", sessionID)
			return
		}
		s.publish(turnCtx, Notification{
			Kind:      NotifyTurnError,
			SessionID: sessionID,
			Error: &TurnErrorPayload{
				Kind:    string(engine.TurnErrorKind(err)),
				Message: err.Error(),
			},
		})
	}()
	return &SendResult{Accepted: true}, nil
}

// StopResult is the stopSession response.
type StopResult struct {
	Stopped bool `json:"stopped"`
}

// StopSession destroys a session and its channel history.
func (s *Service) StopSession(ctx context.Context, sessionID string) (*StopResult, error) {
	if !s.engine.Sessions().Delete(sessionID) {
		return &StopResult{Stopped: false}, nil
	}
	s.router.DropSession(sessionID)
	s.metrics.ActiveSessions.Dec()
	s.publish(ctx, Notification{Kind: NotifySessionStopped, SessionID: sessionID})
	s.logger.Info(ctx, "session stopped", "session_id", sessionID)
	return &StopResult{Stopped: true}, nil
}

// ChannelHistory returns stored channel messages for adapter snapshots.
func (s *Service) ChannelHistory(sessionID string, q channels.Query) []models.ChannelMessage {
	return s.router.History(sessionID, q)
}

func (s *Service) reclaimLoop(interval time.Duration) {
	defer s.reclaimWg.Done()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-s.reclaimStop:
			return
		case <-ticker.C:
			for _, id := range s.engine.Sessions().ReclaimIdle() {
				s.router.DropSession(id)
				s.metrics.ActiveSessions.Dec()
				s.publish(context.Background(), Notification{Kind: NotifySessionStopped, SessionID: id})
				s.logger.Info(context.Background(), "idle session reclaimed", "session_id", id)
			}
		}
	}
}

// Close stops background work. Sessions stay live for a later service.
func (s *Service) Close() {
	if s.reclaimStop != nil {
		close(s.reclaimStop)
		s.reclaimWg.Wait()
		s.reclaimStop = nil
	}
}
