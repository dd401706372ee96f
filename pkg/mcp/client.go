package mcp

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	json "github.com/goccy/go-json"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const (
	HeaderSessionID = "Mcp-Session-Id"
	QuerySessionID  = "sessionId"

	acceptRPC    = "application/json, text/event-stream"
	acceptStream = "text/event-stream"

	tracerName = "github.com/shpitdev/developer-enricher/pkg/mcp"
)

// Config configures a Client.
type Config struct {
	// Endpoint is the service URL, e.g. "https://app.offentligdata.com/mcp/".
	Endpoint string

	ClientName    string
	ClientVersion string

	// Timeout bounds one HTTP exchange when HTTPClient is nil. Defaults to 60s.
	Timeout time.Duration

	// HTTPClient overrides the transport (tests, proxies).
	HTTPClient *http.Client

	// IDs overrides the request id source. Defaults to a clock-seeded counter.
	IDs *IDGenerator
}

// Client speaks JSON-RPC to one MCP endpoint. It holds no session state; every
// operation takes the Session explicitly. It is safe for concurrent use.
type Client struct {
	endpoint *url.URL
	http     *http.Client
	ids      *IDGenerator
	info     Implementation
	tracer   trace.Tracer
}

// NewClient validates cfg and constructs a Client.
func NewClient(cfg Config) (*Client, error) {
	u, err := parseEndpoint(cfg.Endpoint)
	if err != nil {
		return nil, err
	}

	hc := cfg.HTTPClient
	if hc == nil {
		timeout := cfg.Timeout
		if timeout <= 0 {
			timeout = 60 * time.Second
		}
		hc = &http.Client{Timeout: timeout}
	}
	ids := cfg.IDs
	if ids == nil {
		ids = NewClockIDGenerator()
	}
	name := strings.TrimSpace(cfg.ClientName)
	if name == "" {
		name = "developer-enricher"
	}
	version := strings.TrimSpace(cfg.ClientVersion)
	if version == "" {
		version = "0.0.0"
	}

	return &Client{
		endpoint: u,
		http:     hc,
		ids:      ids,
		info:     Implementation{Name: name, Version: version},
		tracer:   otel.Tracer(tracerName),
	}, nil
}

func parseEndpoint(raw string) (*url.URL, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, fmt.Errorf("mcp endpoint is required")
	}
	if !strings.Contains(raw, "://") {
		raw = "https://" + raw
	}
	u, err := url.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("parse mcp endpoint: %w", err)
	}
	if u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("mcp endpoint must include a host (got %q)", raw)
	}
	u.RawQuery = ""
	u.Fragment = ""
	return u, nil
}

// Endpoint returns the service URL without session parameters.
func (c *Client) Endpoint() string {
	return c.endpoint.String()
}

// Establish opens a stream to the endpoint and returns the session id the service
// issues in the Mcp-Session-Id response header. The stream is closed as soon as the
// header is read: the id, not the connection, is the durable handle.
func (c *Client) Establish(ctx context.Context) (Session, error) {
	ctx, span := c.tracer.Start(ctx, "mcp.establish")
	defer span.End()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.endpoint.String(), nil)
	if err != nil {
		return Session{}, err
	}
	req.Header.Set("Accept", acceptStream)

	resp, err := c.http.Do(req)
	if err != nil {
		err = newTransportError("establish", nil, nil, err)
		recordSpanError(span, err)
		return Session{}, err
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	if resp.StatusCode/100 != 2 {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, errSnippetMax))
		err = newTransportError("establish", resp, b, nil)
		recordSpanError(span, err)
		return Session{}, err
	}

	id := strings.TrimSpace(resp.Header.Get(HeaderSessionID))
	if id == "" {
		err = &TransportError{Op: "establish", StatusCode: resp.StatusCode, Status: resp.Status, Err: ErrNoSession}
		recordSpanError(span, err)
		return Session{}, err
	}
	return Session{ID: id}, nil
}

// Initialize performs the initialize request and then always sends the
// notifications/initialized notification.
//
// A returned error means the service did not confirm initialization. Services differ
// in whether they still accept tool calls afterwards, so callers usually log it and
// continue.
func (c *Client) Initialize(ctx context.Context, s Session) (InitializeResult, error) {
	ctx, span := c.tracer.Start(ctx, "mcp.initialize")
	defer span.End()

	params := InitializeParams{
		ProtocolVersion: ProtocolVersion,
		Capabilities:    map[string]any{},
		ClientInfo:      c.info,
	}

	var out InitializeResult
	var initErr error
	body, err := c.post(ctx, s, NewRequest(MethodInitialize, params, c.ids.Next()))
	if err != nil {
		initErr = fmt.Errorf("%s: %w", MethodInitialize, err)
	} else if raw, err := Decode(body); err != nil {
		initErr = fmt.Errorf("%s: %w", MethodInitialize, err)
	} else if err := json.Unmarshal(raw, &out); err != nil {
		initErr = fmt.Errorf("%s: %w", MethodInitialize, &DecodeError{Err: err})
	}

	if err := c.Notify(ctx, s, MethodInitialized, nil); err != nil && initErr == nil {
		initErr = fmt.Errorf("%s: %w", MethodInitialized, err)
	}
	if initErr != nil {
		recordSpanError(span, initErr)
	}
	return out, initErr
}

// Call invokes a tool and returns the raw response body. The body is not interpreted;
// pass it to Decode.
func (c *Client) Call(ctx context.Context, s Session, tool string, args map[string]any) ([]byte, error) {
	id := c.ids.Next()
	ctx, span := c.tracer.Start(ctx, "mcp.tools/call", trace.WithAttributes(
		attribute.String("mcp.tool", tool),
		attribute.Int64("rpc.jsonrpc.request_id", id),
	))
	defer span.End()

	if args == nil {
		args = map[string]any{}
	}
	body, err := c.post(ctx, s, NewRequest(MethodToolsCall, ToolCallParams{Name: tool, Arguments: args}, id))
	if err != nil {
		recordSpanError(span, err)
		return nil, err
	}
	span.SetAttributes(attribute.Int("http.response.body.size", len(body)))
	return body, nil
}

// Notify sends a fire-and-forget message. Any response body is discarded. The error
// is informational: a failed notification must not abort the caller.
func (c *Client) Notify(ctx context.Context, s Session, method string, params any) error {
	_, err := c.post(ctx, s, NewNotification(method, params))
	return err
}

func (c *Client) post(ctx context.Context, s Session, rpc Request) ([]byte, error) {
	if strings.TrimSpace(s.ID) == "" {
		return nil, &TransportError{Op: rpc.Method, Err: ErrNoSession}
	}
	b, err := json.Marshal(rpc)
	if err != nil {
		return nil, fmt.Errorf("encode %s request: %w", rpc.Method, err)
	}

	u := *c.endpoint
	q := url.Values{}
	q.Set(QuerySessionID, s.ID)
	u.RawQuery = q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u.String(), bytes.NewReader(b))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", acceptRPC)
	req.Header.Set(HeaderSessionID, s.ID)

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, newTransportError(rpc.Method, nil, nil, err)
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	rb, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, newTransportError(rpc.Method, nil, nil, err)
	}
	if resp.StatusCode/100 != 2 {
		return nil, newTransportError(rpc.Method, resp, rb, nil)
	}
	return rb, nil
}

func recordSpanError(span trace.Span, err error) {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
}
