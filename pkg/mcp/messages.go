// Package mcp is a minimal client for MCP-style JSON-RPC 2.0 services reached over HTTP.
//
// A Session is obtained once with Client.Establish, announced with Client.Initialize,
// and then passed explicitly to every Call. Response bodies are returned raw; Decode
// turns a body (plain JSON or text/event-stream framed) into a result or a typed absence.
package mcp

import (
	"fmt"
	"strings"

	json "github.com/goccy/go-json"
)

const (
	JSONRPCVersion = "2.0"

	// ProtocolVersion is the MCP revision announced during initialize.
	ProtocolVersion = "2024-11-05"

	MethodInitialize  = "initialize"
	MethodInitialized = "notifications/initialized"
	MethodToolsCall   = "tools/call"
)

// Session is the server-issued handle correlating the requests of one run.
// It is immutable and safe to share between goroutines.
type Session struct {
	ID string
}

// Request is a JSON-RPC request. A nil ID makes it a notification.
type Request struct {
	JSONRPC string `json:"jsonrpc"`
	Method  string `json:"method"`
	Params  any    `json:"params"`
	ID      *int64 `json:"id,omitempty"`
}

// NewRequest builds a request carrying id.
func NewRequest(method string, params any, id int64) Request {
	return Request{JSONRPC: JSONRPCVersion, Method: method, Params: params, ID: &id}
}

// NewNotification builds a request without an id.
func NewNotification(method string, params any) Request {
	if params == nil {
		params = map[string]any{}
	}
	return Request{JSONRPC: JSONRPCVersion, Method: method, Params: params}
}

// Response is a JSON-RPC response. Exactly one of Result and Error is set on success.
type Response struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *Error          `json:"error,omitempty"`
}

// Error is the JSON-RPC error object. It is returned by Decode when the service
// answered with an error instead of a result.
type Error struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data,omitempty"`
}

func (e *Error) Error() string {
	if e == nil {
		return "rpc error"
	}
	msg := strings.TrimSpace(e.Message)
	if msg == "" {
		msg = "no message"
	}
	return fmt.Sprintf("rpc error %d: %s", e.Code, msg)
}

// Implementation names a client or server in the initialize exchange.
type Implementation struct {
	Name    string `json:"name"`
	Version string `json:"version"`
}

type InitializeParams struct {
	ProtocolVersion string         `json:"protocolVersion"`
	Capabilities    map[string]any `json:"capabilities"`
	ClientInfo      Implementation `json:"clientInfo"`
}

type InitializeResult struct {
	ProtocolVersion string         `json:"protocolVersion"`
	Capabilities    map[string]any `json:"capabilities,omitempty"`
	ServerInfo      Implementation `json:"serverInfo"`
}

type ToolCallParams struct {
	Name      string         `json:"name"`
	Arguments map[string]any `json:"arguments"`
}

// ToolResult is the result payload of tools/call.
type ToolResult struct {
	Content           []Content       `json:"content"`
	StructuredContent json.RawMessage `json:"structuredContent,omitempty"`
	IsError           bool            `json:"isError,omitempty"`
}

type Content struct {
	Type string `json:"type"` // text, image, resource
	Text string `json:"text,omitempty"`
}
