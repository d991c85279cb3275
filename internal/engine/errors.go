package engine

import (
	"errors"
	"fmt"

	"github.com/convoke-ai/convoke/internal/modelclient"
)

// ErrorKind classifies a turn failure. Tool-level kinds are captured into
// the result text and the turn still commits; every other kind aborts the
// turn with nothing committed.
type ErrorKind string

const (
	KindConfigMissing       ErrorKind = "config_missing"
	KindAuth                ErrorKind = "auth"
	KindRateLimit           ErrorKind = "rate_limit"
	KindConnection          ErrorKind = "connection"
	KindAPI                 ErrorKind = "api"
	KindEmptyResponse       ErrorKind = "empty_response"
	KindToolUnknown         ErrorKind = "tool_unknown"
	KindToolArgsInvalid     ErrorKind = "tool_args_invalid"
	KindToolExec            ErrorKind = "tool_exec"
	KindCapabilityViolation ErrorKind = "capability_violation"
	KindShutdown            ErrorKind = "shutdown"
	KindTimeout             ErrorKind = "timeout"
)

// CommitsAnyway reports whether the kind is recovered locally into the tool
// result text rather than aborting the turn.
func (k ErrorKind) CommitsAnyway() bool {
	switch k {
	case KindToolUnknown, KindToolArgsInvalid, KindToolExec, KindCapabilityViolation:
		return true
	}
	return false
}

// TurnError is the typed outcome of a failed turn.
type TurnError struct {
	Kind      ErrorKind
	SessionID string
	AgentID   string
	Message   string
	Cause     error
}

func (e *TurnError) Error() string {
	msg := fmt.Sprintf("turn failed [%s]", e.Kind)
	if e.SessionID != "" {
		msg += " session=" + e.SessionID
	}
	if e.Message != "" {
		msg += ": " + e.Message
	} else if e.Cause != nil {
		msg += ": " + e.Cause.Error()
	}
	return msg
}

func (e *TurnError) Unwrap() error { return e.Cause }

// TurnErrorKind extracts the kind from err, defaulting to api.
func TurnErrorKind(err error) ErrorKind {
	var te *TurnError
	if errors.As(err, &te) {
		return te.Kind
	}
	return KindAPI
}

// fromClientError maps a model-client failure onto the turn taxonomy.
func fromClientError(err error, sessionID, agentID string) *TurnError {
	te := &TurnError{SessionID: sessionID, AgentID: agentID, Cause: err}
	if errors.Is(err, modelclient.ErrShutdown) {
		te.Kind = KindShutdown
		return te
	}
	switch modelclient.KindOf(err) {
	case modelclient.KindConfig:
		te.Kind = KindConfigMissing
	case modelclient.KindAuth:
		te.Kind = KindAuth
	case modelclient.KindRateLimit:
		te.Kind = KindRateLimit
	case modelclient.KindConnection:
		te.Kind = KindConnection
	default:
		te.Kind = KindAPI
	}
	return te
}
