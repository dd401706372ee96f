package mockmcp

import (
	"fmt"
	"io"
	"net/http"
	"sort"
	"strings"
	"sync"

	"github.com/go-chi/chi/v5"
	json "github.com/goccy/go-json"
	"github.com/google/uuid"

	"github.com/shpitdev/developer-enricher/pkg/mcp"
)

// Framing selects how the server writes JSON-RPC responses.
type Framing int

const (
	FramingJSON Framing = iota
	FramingSSE
)

// RawText is returned by a ToolFunc to send text content verbatim instead of JSON-encoding it.
type RawText string

// ToolFunc produces the payload of one tool call. A returned error becomes a tool
// result flagged with isError.
type ToolFunc func(args map[string]any) (any, error)

// Fixtures maps tool name -> lookup key (the first string argument) -> payload.
type Fixtures map[string]map[string]json.RawMessage

// Call records one JSON-RPC message received by the mock service.
type Call struct {
	Method          string
	ID              *int64
	Tool            string
	Arguments       map[string]any
	QuerySessionID  string
	HeaderSessionID string
	Accept          string
}

// Server implements a minimal MCP-like service: a session-issuing stream endpoint and
// a JSON-RPC endpoint supporting initialize, notifications/initialized and tools/call.
type Server struct {
	mu sync.Mutex

	framing        Framing
	sessions       map[string]bool
	initialized    map[string]bool
	tools          map[string]ToolFunc
	toolStatus     map[string]int
	establishCode  int
	initializeCode int
	calls          []Call
}

// New constructs a server with no tools registered.
func New() *Server {
	return &Server{
		sessions:    make(map[string]bool),
		initialized: make(map[string]bool),
		tools:       make(map[string]ToolFunc),
		toolStatus:  make(map[string]int),
	}
}

// SetFraming switches between plain JSON and text/event-stream responses.
func (s *Server) SetFraming(f Framing) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.framing = f
}

// HandleTool registers fn for tool name, replacing any earlier handler.
func (s *Server) HandleTool(name string, fn ToolFunc) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tools[name] = fn
}

// FailTool makes every call of tool name fail with the given HTTP status. Status 0 clears it.
func (s *Server) FailTool(name string, status int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if status == 0 {
		delete(s.toolStatus, name)
		return
	}
	s.toolStatus[name] = status
}

// FailEstablish makes the session endpoint answer with status. Status 0 clears it.
func (s *Server) FailEstablish(status int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.establishCode = status
}

// FailInitialize makes initialize answer with status. Status 0 clears it.
func (s *Server) FailInitialize(status int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.initializeCode = status
}

// LoadFixtures registers one tool per fixture entry. The payload is selected by the
// first string-valued argument of the call; unknown keys produce an isError result.
func (s *Server) LoadFixtures(f Fixtures) {
	for tool, byKey := range f {
		byKey := byKey
		s.HandleTool(tool, func(args map[string]any) (any, error) {
			key := firstStringArg(args)
			payload, ok := byKey[key]
			if !ok {
				return nil, fmt.Errorf("no data for %q", key)
			}
			return payload, nil
		})
	}
}

// Calls returns a snapshot of the JSON-RPC messages received so far.
func (s *Server) Calls() []Call {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Call, len(s.calls))
	copy(out, s.calls)
	return out
}

// Initialized reports whether the session sent notifications/initialized.
func (s *Server) Initialized(sessionID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.initialized[sessionID]
}

// Handler serves the mock API on every path.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Get("/*", s.handleStream)
	r.Post("/*", s.handleRPC)
	return r
}

func (s *Server) handleStream(w http.ResponseWriter, _ *http.Request) {
	s.mu.Lock()
	code := s.establishCode
	id := ""
	if code == 0 {
		id = uuid.NewString()
		s.sessions[id] = true
	}
	s.mu.Unlock()

	if code != 0 {
		http.Error(w, http.StatusText(code), code)
		return
	}
	w.Header().Set(mcp.HeaderSessionID, id)
	w.Header().Set("Content-Type", "text/event-stream")
	w.WriteHeader(http.StatusOK)
	_, _ = io.WriteString(w, ": session opened\n\n")
	if f, ok := w.(http.Flusher); ok {
		f.Flush()
	}
}

type rpcRequest struct {
	JSONRPC string          `json:"jsonrpc"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params"`
	ID      *int64          `json:"id"`
}

func (s *Server) handleRPC(w http.ResponseWriter, r *http.Request) {
	querySession := r.URL.Query().Get(mcp.QuerySessionID)
	headerSession := r.Header.Get(mcp.HeaderSessionID)

	var req rpcRequest
	body, err := io.ReadAll(r.Body)
	if err != nil || json.Unmarshal(body, &req) != nil || req.JSONRPC != mcp.JSONRPCVersion {
		s.writeRPC(w, http.StatusBadRequest, mcp.Response{
			JSONRPC: mcp.JSONRPCVersion,
			Error:   &mcp.Error{Code: -32700, Message: "Parse error"},
		})
		return
	}

	call := Call{
		Method:          req.Method,
		ID:              req.ID,
		QuerySessionID:  querySession,
		HeaderSessionID: headerSession,
		Accept:          r.Header.Get("Accept"),
	}
	var params mcp.ToolCallParams
	if req.Method == mcp.MethodToolsCall && len(req.Params) > 0 {
		_ = json.Unmarshal(req.Params, &params)
		call.Tool = params.Name
		call.Arguments = params.Arguments
	}

	s.mu.Lock()
	s.calls = append(s.calls, call)
	known := s.sessions[querySession] && querySession == headerSession
	initCode := s.initializeCode
	failCode := s.toolStatus[params.Name]
	s.mu.Unlock()

	if !known {
		http.Error(w, "unknown session", http.StatusNotFound)
		return
	}

	if req.ID == nil {
		if req.Method == mcp.MethodInitialized {
			s.mu.Lock()
			s.initialized[querySession] = true
			s.mu.Unlock()
		}
		w.WriteHeader(http.StatusAccepted)
		return
	}

	id, _ := json.Marshal(*req.ID)
	resp := mcp.Response{JSONRPC: mcp.JSONRPCVersion, ID: id}

	switch req.Method {
	case mcp.MethodInitialize:
		if initCode != 0 {
			http.Error(w, http.StatusText(initCode), initCode)
			return
		}
		resp.Result = mustJSON(mcp.InitializeResult{
			ProtocolVersion: mcp.ProtocolVersion,
			Capabilities:    map[string]any{"tools": map[string]bool{"listChanged": false}},
			ServerInfo:      mcp.Implementation{Name: "mock-mcp", Version: "0.1.0"},
		})
	case mcp.MethodToolsCall:
		if failCode != 0 {
			http.Error(w, http.StatusText(failCode), failCode)
			return
		}
		result, rpcErr := s.callTool(params)
		resp.Result = result
		resp.Error = rpcErr
	default:
		resp.Error = &mcp.Error{Code: -32601, Message: "Method not found"}
	}
	s.writeRPC(w, http.StatusOK, resp)
}

func (s *Server) callTool(params mcp.ToolCallParams) (json.RawMessage, *mcp.Error) {
	s.mu.Lock()
	fn, ok := s.tools[params.Name]
	s.mu.Unlock()
	if !ok {
		return nil, &mcp.Error{Code: -32602, Message: fmt.Sprintf("Unknown tool: %s", params.Name)}
	}

	payload, err := fn(params.Arguments)
	if err != nil {
		return mustJSON(mcp.ToolResult{
			Content: []mcp.Content{{Type: "text", Text: err.Error()}},
			IsError: true,
		}), nil
	}

	var text string
	switch v := payload.(type) {
	case RawText:
		text = string(v)
	case json.RawMessage:
		text = string(v)
	default:
		text = string(mustJSON(v))
	}
	return mustJSON(mcp.ToolResult{Content: []mcp.Content{{Type: "text", Text: text}}}), nil
}

func (s *Server) writeRPC(w http.ResponseWriter, status int, resp mcp.Response) {
	s.mu.Lock()
	framing := s.framing
	s.mu.Unlock()

	b := mustJSON(resp)
	if framing == FramingSSE {
		w.Header().Set("Content-Type", "text/event-stream")
		w.WriteHeader(status)
		_, _ = fmt.Fprintf(w, "event: message\ndata: %s\n\n", b)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(b)
}

func mustJSON(v any) json.RawMessage {
	b, err := json.Marshal(v)
	if err != nil {
		panic(fmt.Sprintf("mockmcp: marshal %T: %v", v, err))
	}
	return b
}

func firstStringArg(args map[string]any) string {
	keys := make([]string, 0, len(args))
	for k := range args {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		if v, ok := args[k].(string); ok {
			return strings.TrimSpace(v)
		}
	}
	return ""
}
