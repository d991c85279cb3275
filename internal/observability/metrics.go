package observability

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics collects runtime counters and latency histograms.
//
// Tracked concerns:
//   - turns by agent and outcome (committed, empty, error kind)
//   - turn latency end to end
//   - model stream requests by model and status
//   - tool executions by tool and status
//   - channel messages by channel
//   - mailbox sends and unread depth
type Metrics struct {
	// TurnCounter counts turns by agent and outcome.
	// Labels: agent, outcome (committed|empty_response|auth|rate_limit|connection|api|shutdown|timeout)
	TurnCounter *prometheus.CounterVec

	// TurnDuration measures end-to-end turn latency in seconds.
	// Labels: agent
	TurnDuration *prometheus.HistogramVec

	// StreamCounter counts model stream requests.
	// Labels: model, status (success|error)
	StreamCounter *prometheus.CounterVec

	// StreamRetries counts empty-response retries.
	// Labels: model
	StreamRetries *prometheus.CounterVec

	// ToolExecutions counts tool invocations.
	// Labels: tool, status (success|error)
	ToolExecutions *prometheus.CounterVec

	// ToolDuration measures tool execution time in seconds.
	// Labels: tool
	ToolDuration *prometheus.HistogramVec

	// ChannelMessages counts routed channel messages.
	// Labels: channel (analysis|commentary|final)
	ChannelMessages *prometheus.CounterVec

	// MailSent counts mailbox sends by priority.
	// Labels: priority
	MailSent *prometheus.CounterVec

	// UnreadMail gauges unread mailbox depth per recipient.
	// Labels: recipient
	UnreadMail *prometheus.GaugeVec

	// ActiveSessions gauges current live sessions.
	ActiveSessions prometheus.Gauge
}

// NewMetrics creates the metric set registered against reg. Pass
// prometheus.DefaultRegisterer in production; a fresh registry in tests.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := func(c prometheus.Collector) {
		reg.MustRegister(c)
	}

	m := &Metrics{
		TurnCounter: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "convoke_turns_total",
				Help: "Total user turns by agent and outcome",
			},
			[]string{"agent", "outcome"},
		),
		TurnDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "convoke_turn_duration_seconds",
				Help:    "End-to-end turn latency in seconds",
				Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60, 120},
			},
			[]string{"agent"},
		),
		StreamCounter: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "convoke_model_streams_total",
				Help: "Model stream requests by model and status",
			},
			[]string{"model", "status"},
		),
		StreamRetries: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "convoke_model_stream_retries_total",
				Help: "Empty-response retries by model",
			},
			[]string{"model"},
		),
		ToolExecutions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "convoke_tool_executions_total",
				Help: "Tool invocations by tool and status",
			},
			[]string{"tool", "status"},
		),
		ToolDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "convoke_tool_duration_seconds",
				Help:    "Tool execution time in seconds",
				Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30},
			},
			[]string{"tool"},
		),
		ChannelMessages: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "convoke_channel_messages_total",
				Help: "Routed channel messages by channel",
			},
			[]string{"channel"},
		),
		MailSent: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "convoke_mail_sent_total",
				Help: "Mailbox sends by priority",
			},
			[]string{"priority"},
		),
		UnreadMail: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "convoke_mail_unread",
				Help: "Unread mailbox depth per recipient",
			},
			[]string{"recipient"},
		),
		ActiveSessions: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "convoke_active_sessions",
				Help: "Current live sessions",
			},
		),
	}

	factory(m.TurnCounter)
	factory(m.TurnDuration)
	factory(m.StreamCounter)
	factory(m.StreamRetries)
	factory(m.ToolExecutions)
	factory(m.ToolDuration)
	factory(m.ChannelMessages)
	factory(m.MailSent)
	factory(m.UnreadMail)
	factory(m.ActiveSessions)

	return m
}

// NopMetrics returns a metric set registered against a throwaway registry.
func NopMetrics() *Metrics {
	return NewMetrics(prometheus.NewRegistry())
}
