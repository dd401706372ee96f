package mcp_test

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shpitdev/developer-enricher/pkg/mcp"
)

func TestDecode_ReturnsResultUnchanged(t *testing.T) {
	t.Parallel()

	got, err := mcp.Decode([]byte(`{"jsonrpc":"2.0","id":7,"result":{"a":[1,2,{"b":null}]}}`))
	require.NoError(t, err)
	assert.JSONEq(t, `{"a":[1,2,{"b":null}]}`, string(got))
}

func TestDecode_FramingIsTransparent(t *testing.T) {
	t.Parallel()

	doc := `{"jsonrpc":"2.0","id":1,"result":{"content":[{"type":"text","text":"{}"}]}}`
	bare, err := mcp.Decode([]byte(doc))
	require.NoError(t, err)

	cases := map[string]string{
		"single frame":       "data: " + doc,
		"event header":       "event: message\ndata: " + doc + "\n\n",
		"no space":           "data:" + doc,
		"crlf":               "event: message\r\ndata: " + doc + "\r\n\r\n",
		"surrounding blanks": "\n\n  data: " + doc + "\n\n\n",
		"comment then frame": ": ping\n\ndata: " + doc + "\n\n",
	}
	for name, body := range cases {
		t.Run(name, func(t *testing.T) {
			got, err := mcp.Decode([]byte(body))
			require.NoError(t, err)
			assert.JSONEq(t, string(bare), string(got))
		})
	}
}

func TestDecode_LastEventWins(t *testing.T) {
	t.Parallel()

	body := "event: message\ndata: {\"jsonrpc\":\"2.0\",\"result\":{\"n\":1}}\n\n" +
		"event: message\ndata: {\"jsonrpc\":\"2.0\",\"result\":{\"n\":2}}\n\n"
	got, err := mcp.Decode([]byte(body))
	require.NoError(t, err)
	assert.JSONEq(t, `{"n":2}`, string(got))
}

func TestDecode_JoinsMultiLineData(t *testing.T) {
	t.Parallel()

	body := "data: {\"jsonrpc\":\"2.0\",\ndata: \"result\":{\"ok\":true}}\n\n"
	got, err := mcp.Decode([]byte(body))
	require.NoError(t, err)
	assert.JSONEq(t, `{"ok":true}`, string(got))
}

func TestDecode_ErrorField(t *testing.T) {
	t.Parallel()

	_, err := mcp.Decode([]byte(`{"jsonrpc":"2.0","id":1,"error":{"code":-32602,"message":"Unknown tool"}}`))
	var rpcErr *mcp.Error
	require.ErrorAs(t, err, &rpcErr)
	assert.Equal(t, -32602, rpcErr.Code)
	assert.Equal(t, "rpc error -32602: Unknown tool", rpcErr.Error())
}

func TestDecode_Absent(t *testing.T) {
	t.Parallel()

	cases := map[string]string{
		"empty":        "",
		"whitespace":   " \n\t ",
		"not json":     "<html>bad gateway</html>",
		"truncated":    `{"jsonrpc":"2.0","result":{`,
		"null result":  `{"jsonrpc":"2.0","id":1,"result":null}`,
		"no result":    `{"jsonrpc":"2.0","id":1}`,
		"empty frame":  "data: \n\n",
		"frame broken": "data: {oops\n\n",
	}
	for name, body := range cases {
		t.Run(name, func(t *testing.T) {
			got, err := mcp.Decode([]byte(body))
			assert.Nil(t, got)
			var de *mcp.DecodeError
			require.ErrorAs(t, err, &de)
		})
	}
}

func TestDecode_RedactsSnippet(t *testing.T) {
	t.Parallel()

	_, err := mcp.Decode([]byte(`not json sessionId=abc123`))
	require.Error(t, err)
	assert.NotContains(t, err.Error(), "abc123")
}

func TestToolPayload(t *testing.T) {
	t.Parallel()

	t.Run("text content", func(t *testing.T) {
		got, err := mcp.ToolPayload([]byte(`{"content":[{"type":"text","text":"{\"navn\":\"X\"}"},{"type":"text","text":"ignored"}]}`))
		require.NoError(t, err)
		assert.JSONEq(t, `{"navn":"X"}`, string(got))
	})

	t.Run("structured content fallback", func(t *testing.T) {
		got, err := mcp.ToolPayload([]byte(`{"content":[],"structuredContent":[{"navn":"X"}]}`))
		require.NoError(t, err)
		assert.JSONEq(t, `[{"navn":"X"}]`, string(got))
	})

	t.Run("is error", func(t *testing.T) {
		_, err := mcp.ToolPayload([]byte(`{"content":[{"type":"text","text":"not found"}],"isError":true}`))
		var te *mcp.ToolError
		require.ErrorAs(t, err, &te)
		assert.Equal(t, "not found", te.Text)
	})

	t.Run("no content", func(t *testing.T) {
		_, err := mcp.ToolPayload([]byte(`{"content":[]}`))
		require.True(t, errors.Is(err, mcp.ErrNoContent))
	})

	t.Run("not an object", func(t *testing.T) {
		_, err := mcp.ToolPayload([]byte(`[1,2]`))
		var de *mcp.DecodeError
		require.ErrorAs(t, err, &de)
	})
}
