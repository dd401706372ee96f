package mcp

import (
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/shpitdev/developer-enricher/pkg/pipeline/core"
	"github.com/shpitdev/developer-enricher/pkg/pipeline/redact"
)

var (
	ErrNoSession = errors.New("no session id issued by service")
	ErrEmptyBody = errors.New("empty response body")
	ErrNoResult  = errors.New("response has neither result nor error")
	ErrNoContent = errors.New("tool result has no content")
)

const errSnippetMax = 256

// TransportError reports a failed HTTP exchange: the request never got a response,
// or the response status was not 2xx.
//
// Raw bodies are never kept; Snippet is a redacted, truncated hint.
type TransportError struct {
	Op         string
	StatusCode int
	Status     string
	Snippet    string
	Err        error
}

func (e *TransportError) Error() string {
	if e == nil {
		return "mcp transport error"
	}
	parts := []string{"mcp transport error: op=" + strings.TrimSpace(e.Op)}
	if strings.TrimSpace(e.Status) != "" {
		parts = append(parts, "status="+strings.TrimSpace(e.Status))
	}
	if strings.TrimSpace(e.Snippet) != "" {
		parts = append(parts, "body="+strings.TrimSpace(e.Snippet))
	}
	msg := strings.Join(parts, " ")
	if e.Err != nil {
		msg += ": " + redact.Secrets(e.Err.Error())
	}
	return msg
}

func (e *TransportError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

// newTransportError builds a TransportError and marks it retryable where a retry can help:
// 5xx and network failures are transient, 429 gets at most one extra attempt.
func newTransportError(op string, resp *http.Response, body []byte, cause error) error {
	te := &TransportError{Op: op, Err: cause}
	if resp != nil {
		te.StatusCode = resp.StatusCode
		te.Status = resp.Status
		te.Snippet = redact.Truncate(body, errSnippetMax)
	}

	switch {
	case te.StatusCode == http.StatusTooManyRequests:
		return &core.LimitedTransientError{Err: te, ExtraRetries: 1}
	case te.StatusCode/100 == 5:
		return &core.TransientError{Err: te}
	case resp == nil && cause != nil && !errors.Is(cause, ErrNoSession):
		return &core.TransientError{Err: te}
	}
	return te
}

// DecodeError reports a response body that carries no usable result.
type DecodeError struct {
	Err     error
	Snippet string
}

func (e *DecodeError) Error() string {
	if e == nil || e.Err == nil {
		return "mcp decode error"
	}
	if e.Snippet != "" {
		return fmt.Sprintf("mcp decode error: %s (body=%s)", e.Err.Error(), e.Snippet)
	}
	return "mcp decode error: " + e.Err.Error()
}

func (e *DecodeError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

// ToolError reports a tool result flagged with isError.
type ToolError struct {
	Tool string
	Text string
}

func (e *ToolError) Error() string {
	if e == nil {
		return "tool error"
	}
	if e.Tool == "" {
		return "tool error: " + e.Text
	}
	return fmt.Sprintf("tool %s error: %s", e.Tool, e.Text)
}
