package mcp

import (
	"bytes"
	"fmt"

	json "github.com/goccy/go-json"

	"github.com/shpitdev/developer-enricher/pkg/pipeline/redact"
)

var (
	ssePrefix  = []byte("data:")
	jsonNull   = []byte("null")
	lineBreak  = []byte("\n")
	dataJoiner = []byte("\n")
)

// Decode normalizes a response body into the JSON-RPC result it carries.
//
// The body may be a bare JSON document or a text/event-stream; for a stream only the
// last event carrying data is considered. Decode never panics. It returns:
//   - the raw result value when the document has a non-null "result",
//   - *Error when the service answered with a JSON-RPC error,
//   - *DecodeError for empty, unparsable, or result-less bodies.
func Decode(body []byte) (json.RawMessage, error) {
	text := bytes.TrimSpace(body)
	if payload, ok := lastEventData(text); ok {
		text = bytes.TrimSpace(payload)
	}
	if len(text) == 0 {
		return nil, &DecodeError{Err: ErrEmptyBody}
	}

	var env struct {
		Result json.RawMessage `json:"result"`
		Error  *Error          `json:"error"`
	}
	if err := json.Unmarshal(text, &env); err != nil {
		return nil, &DecodeError{Err: err, Snippet: redact.Truncate(text, errSnippetMax)}
	}
	if len(env.Result) > 0 && !bytes.Equal(bytes.TrimSpace(env.Result), jsonNull) {
		return append(json.RawMessage(nil), env.Result...), nil
	}
	if env.Error != nil {
		return nil, env.Error
	}
	return nil, &DecodeError{Err: ErrNoResult}
}

// lastEventData returns the data of the last server-sent event in body that has any
// "data:" lines. Multi-line data of one event is joined with "\n", as the SSE format
// prescribes. ok is false when body has no data lines at all.
func lastEventData(body []byte) (data []byte, ok bool) {
	var current [][]byte
	var last [][]byte
	flush := func() {
		if len(current) > 0 {
			last = current
			current = nil
		}
	}

	for _, line := range bytes.Split(body, lineBreak) {
		line = bytes.TrimRight(line, "\r")
		if len(line) == 0 {
			flush()
			continue
		}
		if !bytes.HasPrefix(line, ssePrefix) {
			continue
		}
		v := line[len(ssePrefix):]
		if len(v) > 0 && v[0] == ' ' {
			v = v[1:]
		}
		current = append(current, v)
	}
	flush()

	if last == nil {
		return nil, false
	}
	return bytes.Join(last, dataJoiner), true
}

// ToolPayload extracts the tool output from a tools/call result: the text of the first
// content item, or structuredContent when the service sends no text content.
func ToolPayload(result json.RawMessage) (json.RawMessage, error) {
	var tr ToolResult
	if err := json.Unmarshal(result, &tr); err != nil {
		return nil, &DecodeError{Err: fmt.Errorf("tool result: %w", err), Snippet: redact.Truncate(result, errSnippetMax)}
	}
	if tr.IsError {
		text := ""
		if len(tr.Content) > 0 {
			text = redact.Truncate([]byte(tr.Content[0].Text), errSnippetMax)
		}
		return nil, &ToolError{Text: text}
	}
	if len(tr.Content) > 0 && len(bytes.TrimSpace([]byte(tr.Content[0].Text))) > 0 {
		return json.RawMessage(tr.Content[0].Text), nil
	}
	if len(tr.StructuredContent) > 0 && !bytes.Equal(bytes.TrimSpace(tr.StructuredContent), jsonNull) {
		return append(json.RawMessage(nil), tr.StructuredContent...), nil
	}
	return nil, &DecodeError{Err: ErrNoContent}
}
