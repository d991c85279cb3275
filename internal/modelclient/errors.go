package modelclient

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"

	openai "github.com/sashabaranov/go-openai"
)

// ErrorKind categorizes a model-service failure for the turn outcome.
type ErrorKind string

const (
	// KindConfig means a required model id or API key was absent at
	// construction.
	KindConfig ErrorKind = "config"

	// KindAuth means the provider rejected the credentials.
	KindAuth ErrorKind = "auth"

	// KindRateLimit means the provider signalled throttling.
	KindRateLimit ErrorKind = "rate_limit"

	// KindConnection means a transport-level failure or timeout.
	KindConnection ErrorKind = "connection"

	// KindAPI means an unexpected status, error body, or malformed
	// response.
	KindAPI ErrorKind = "api"
)

// IsRetryable reports whether a new attempt could plausibly succeed.
func (k ErrorKind) IsRetryable() bool {
	switch k {
	case KindRateLimit, KindConnection:
		return true
	}
	return false
}

// ClientError is a classified model-service failure.
type ClientError struct {
	Kind    ErrorKind
	Model   string
	Status  int
	Message string
	Cause   error
}

func (e *ClientError) Error() string {
	parts := []string{fmt.Sprintf("[%s]", e.Kind)}
	if e.Model != "" {
		parts = append(parts, "model="+e.Model)
	}
	if e.Status != 0 {
		parts = append(parts, fmt.Sprintf("status=%d", e.Status))
	}
	if e.Message != "" {
		parts = append(parts, e.Message)
	} else if e.Cause != nil {
		parts = append(parts, e.Cause.Error())
	}
	return strings.Join(parts, " ")
}

func (e *ClientError) Unwrap() error { return e.Cause }

// KindOf extracts the classified kind from err, defaulting to api.
func KindOf(err error) ErrorKind {
	var ce *ClientError
	if errors.As(err, &ce) {
		return ce.Kind
	}
	return KindAPI
}

// classify maps transport errors, status codes, and body heuristics onto the
// error taxonomy.
func classify(err error, model string) *ClientError {
	ce := &ClientError{Kind: KindAPI, Model: model, Cause: err}

	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		ce.Status = apiErr.HTTPStatusCode
		ce.Message = apiErr.Message
		ce.Kind = kindFromStatus(apiErr.HTTPStatusCode)
		return ce
	}
	var reqErr *openai.RequestError
	if errors.As(err, &reqErr) {
		ce.Status = reqErr.HTTPStatusCode
		ce.Kind = kindFromStatus(reqErr.HTTPStatusCode)
		return ce
	}

	if errors.Is(err, context.DeadlineExceeded) {
		ce.Kind = KindConnection
		return ce
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		ce.Kind = KindConnection
		return ce
	}

	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "unauthorized"), strings.Contains(msg, "invalid api key"),
		strings.Contains(msg, "authentication"):
		ce.Kind = KindAuth
	case strings.Contains(msg, "rate limit"), strings.Contains(msg, "too many requests"):
		ce.Kind = KindRateLimit
	case strings.Contains(msg, "connection refused"), strings.Contains(msg, "connection reset"),
		strings.Contains(msg, "timeout"), strings.Contains(msg, "no such host"),
		strings.Contains(msg, "eof"):
		ce.Kind = KindConnection
	}
	return ce
}

func kindFromStatus(status int) ErrorKind {
	switch {
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return KindAuth
	case status == http.StatusTooManyRequests:
		return KindRateLimit
	case status == http.StatusRequestTimeout || status == http.StatusGatewayTimeout:
		return KindConnection
	default:
		return KindAPI
	}
}
