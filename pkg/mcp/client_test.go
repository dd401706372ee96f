package mcp_test

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	json "github.com/goccy/go-json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shpitdev/developer-enricher/pkg/mcp"
	"github.com/shpitdev/developer-enricher/pkg/mockmcp"
	"github.com/shpitdev/developer-enricher/pkg/pipeline/core"
)

func newMockClient(t *testing.T) (*mcp.Client, *mockmcp.Server, *httptest.Server) {
	t.Helper()

	mock := mockmcp.New()
	srv := httptest.NewServer(mock.Handler())
	t.Cleanup(srv.Close)

	c, err := mcp.NewClient(mcp.Config{Endpoint: srv.URL + "/mcp/", HTTPClient: srv.Client()})
	require.NoError(t, err)
	return c, mock, srv
}

func TestNewClient_Endpoint(t *testing.T) {
	t.Parallel()

	_, err := mcp.NewClient(mcp.Config{Endpoint: "  "})
	require.Error(t, err)

	c, err := mcp.NewClient(mcp.Config{Endpoint: "app.offentligdata.com/mcp/"})
	require.NoError(t, err)
	assert.Equal(t, "https://app.offentligdata.com/mcp/", c.Endpoint())

	c, err = mcp.NewClient(mcp.Config{Endpoint: "http://localhost:8080/mcp/?sessionId=old#x"})
	require.NoError(t, err)
	assert.Equal(t, "http://localhost:8080/mcp/", c.Endpoint())
}

func TestClient_EstablishAndInitialize(t *testing.T) {
	t.Parallel()

	c, mock, _ := newMockClient(t)
	ctx := context.Background()

	s, err := c.Establish(ctx)
	require.NoError(t, err)
	require.NotEmpty(t, s.ID)

	res, err := c.Initialize(ctx, s)
	require.NoError(t, err)
	assert.Equal(t, mcp.ProtocolVersion, res.ProtocolVersion)
	assert.Equal(t, "mock-mcp", res.ServerInfo.Name)
	assert.True(t, mock.Initialized(s.ID))

	calls := mock.Calls()
	require.Len(t, calls, 2)
	assert.Equal(t, mcp.MethodInitialize, calls[0].Method)
	require.NotNil(t, calls[0].ID)
	assert.Equal(t, mcp.MethodInitialized, calls[1].Method)
	assert.Nil(t, calls[1].ID)
}

func TestClient_InitializeFailureStillNotifies(t *testing.T) {
	t.Parallel()

	c, mock, _ := newMockClient(t)
	mock.FailInitialize(http.StatusInternalServerError)
	ctx := context.Background()

	s, err := c.Establish(ctx)
	require.NoError(t, err)

	_, err = c.Initialize(ctx, s)
	var te *mcp.TransportError
	require.ErrorAs(t, err, &te)
	assert.Equal(t, http.StatusInternalServerError, te.StatusCode)
	assert.True(t, mock.Initialized(s.ID))
}

func TestClient_EstablishFailures(t *testing.T) {
	t.Parallel()

	t.Run("status", func(t *testing.T) {
		c, mock, _ := newMockClient(t)
		mock.FailEstablish(http.StatusServiceUnavailable)

		_, err := c.Establish(context.Background())
		var te *mcp.TransportError
		require.ErrorAs(t, err, &te)
		assert.Equal(t, http.StatusServiceUnavailable, te.StatusCode)
		var transient *core.TransientError
		assert.ErrorAs(t, err, &transient)
	})

	t.Run("missing header", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			w.WriteHeader(http.StatusOK)
		}))
		t.Cleanup(srv.Close)

		c, err := mcp.NewClient(mcp.Config{Endpoint: srv.URL, HTTPClient: srv.Client()})
		require.NoError(t, err)
		_, err = c.Establish(context.Background())
		require.ErrorIs(t, err, mcp.ErrNoSession)
	})
}

func TestClient_CallFraming(t *testing.T) {
	t.Parallel()

	var mu sync.Mutex
	var got *http.Request
	var gotBody []byte
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		b, _ := io.ReadAll(r.Body)
		mu.Lock()
		got, gotBody = r.Clone(context.Background()), b
		mu.Unlock()
		w.Header().Set("Content-Type", "application/json")
		_, _ = io.WriteString(w, `{"jsonrpc":"2.0","id":1,"result":{"content":[{"type":"text","text":"{}"}]}}`)
	}))
	t.Cleanup(srv.Close)

	c, err := mcp.NewClient(mcp.Config{
		Endpoint:   srv.URL + "/mcp/",
		HTTPClient: srv.Client(),
		IDs:        mcp.NewIDGenerator(41),
	})
	require.NoError(t, err)

	body, err := c.Call(context.Background(), mcp.Session{ID: "sess-1"}, "roller_i_enhet", map[string]any{"org_number": "123"})
	require.NoError(t, err)
	assert.Contains(t, string(body), `"result"`)

	mu.Lock()
	defer mu.Unlock()
	require.NotNil(t, got)
	assert.Equal(t, http.MethodPost, got.Method)
	assert.Equal(t, "/mcp/", got.URL.Path)
	assert.Equal(t, "sess-1", got.URL.Query().Get("sessionId"))
	assert.Equal(t, "sess-1", got.Header.Get("Mcp-Session-Id"))
	assert.Equal(t, "application/json", got.Header.Get("Content-Type"))
	assert.Equal(t, "application/json, text/event-stream", got.Header.Get("Accept"))

	var req struct {
		JSONRPC string `json:"jsonrpc"`
		Method  string `json:"method"`
		ID      int64  `json:"id"`
		Params  struct {
			Name      string         `json:"name"`
			Arguments map[string]any `json:"arguments"`
		} `json:"params"`
	}
	require.NoError(t, json.Unmarshal(gotBody, &req))
	assert.Equal(t, "2.0", req.JSONRPC)
	assert.Equal(t, "tools/call", req.Method)
	assert.EqualValues(t, 42, req.ID)
	assert.Equal(t, "roller_i_enhet", req.Params.Name)
	assert.Equal(t, map[string]any{"org_number": "123"}, req.Params.Arguments)
}

func TestClient_CallAgainstMock(t *testing.T) {
	t.Parallel()

	for _, framing := range []mockmcp.Framing{mockmcp.FramingJSON, mockmcp.FramingSSE} {
		c, mock, _ := newMockClient(t)
		mock.SetFraming(framing)
		mock.HandleTool("selskapsdetaljer", func(args map[string]any) (any, error) {
			return map[string]any{"navn": "ACME", "org": args["org_nr"]}, nil
		})

		ctx := context.Background()
		s, err := c.Establish(ctx)
		require.NoError(t, err)

		body, err := c.Call(ctx, s, "selskapsdetaljer", map[string]any{"org_nr": "999"})
		require.NoError(t, err)
		result, err := mcp.Decode(body)
		require.NoError(t, err)
		payload, err := mcp.ToolPayload(result)
		require.NoError(t, err)
		assert.JSONEq(t, `{"navn":"ACME","org":"999"}`, string(payload))

		calls := mock.Calls()
		require.Len(t, calls, 1)
		assert.Equal(t, s.ID, calls[0].QuerySessionID)
		assert.Equal(t, s.ID, calls[0].HeaderSessionID)
	}
}

func TestClient_CallErrors(t *testing.T) {
	t.Parallel()

	t.Run("server error is transient", func(t *testing.T) {
		c, mock, _ := newMockClient(t)
		mock.FailTool("t", http.StatusBadGateway)
		s, err := c.Establish(context.Background())
		require.NoError(t, err)

		_, err = c.Call(context.Background(), s, "t", nil)
		var transient *core.TransientError
		require.ErrorAs(t, err, &transient)
		var te *mcp.TransportError
		require.ErrorAs(t, err, &te)
		assert.Equal(t, http.StatusBadGateway, te.StatusCode)
	})

	t.Run("rate limited is limited transient", func(t *testing.T) {
		c, mock, _ := newMockClient(t)
		mock.FailTool("t", http.StatusTooManyRequests)
		s, err := c.Establish(context.Background())
		require.NoError(t, err)

		_, err = c.Call(context.Background(), s, "t", nil)
		var limited *core.LimitedTransientError
		require.ErrorAs(t, err, &limited)
		assert.Equal(t, 1, limited.MaxExtraRetries())
	})

	t.Run("unknown session is permanent", func(t *testing.T) {
		c, _, _ := newMockClient(t)
		_, err := c.Call(context.Background(), mcp.Session{ID: "nope"}, "t", nil)
		var te *mcp.TransportError
		require.ErrorAs(t, err, &te)
		assert.Equal(t, http.StatusNotFound, te.StatusCode)
		var transient *core.TransientError
		assert.False(t, errors.As(err, &transient))
	})

	t.Run("empty session", func(t *testing.T) {
		c, _, _ := newMockClient(t)
		_, err := c.Call(context.Background(), mcp.Session{}, "t", nil)
		require.ErrorIs(t, err, mcp.ErrNoSession)
	})

	t.Run("network failure is transient", func(t *testing.T) {
		c, _, srv := newMockClient(t)
		s, err := c.Establish(context.Background())
		require.NoError(t, err)
		srv.Close()

		_, err = c.Call(context.Background(), s, "t", nil)
		var transient *core.TransientError
		require.ErrorAs(t, err, &transient)
	})

	t.Run("notify failure is returned not panicked", func(t *testing.T) {
		c, _, srv := newMockClient(t)
		srv.Close()
		err := c.Notify(context.Background(), mcp.Session{ID: "x"}, mcp.MethodInitialized, nil)
		require.Error(t, err)
	})
}

func TestIDGenerator_Distinct(t *testing.T) {
	t.Parallel()

	g := mcp.NewClockIDGenerator()
	seen := make(map[int64]struct{}, 1000)
	prev := int64(-1)
	for i := 0; i < 1000; i++ {
		id := g.Next()
		_, dup := seen[id]
		require.False(t, dup, "duplicate id %d", id)
		require.Greater(t, id, prev)
		seen[id] = struct{}{}
		prev = id
	}
}

func TestIDGenerator_ConcurrentDistinct(t *testing.T) {
	t.Parallel()

	g := mcp.NewIDGenerator(0)
	const workers, per = 8, 250
	ids := make(chan int64, workers*per)
	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < per; i++ {
				ids <- g.Next()
			}
		}()
	}
	wg.Wait()
	close(ids)

	seen := make(map[int64]struct{}, workers*per)
	for id := range ids {
		seen[id] = struct{}{}
	}
	assert.Len(t, seen, workers*per)
}
