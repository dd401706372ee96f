package jobs_test

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	json "github.com/goccy/go-json"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shpitdev/developer-enricher/pkg/foundry/jobs"
)

type runtimeStub struct {
	mu      sync.Mutex
	queue   []string
	polls   int
	results map[string]string
	auth    []string
	onPost  func()
	failGet int
}

func (r *runtimeStub) handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/job", func(w http.ResponseWriter, req *http.Request) {
		r.mu.Lock()
		defer r.mu.Unlock()
		r.polls++
		r.auth = append(r.auth, req.Header.Get("Module-Auth-Token"))
		if r.failGet > 0 {
			r.failGet--
			http.Error(w, "sidecar starting", http.StatusServiceUnavailable)
			return
		}
		if len(r.queue) == 0 {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		id := r.queue[0]
		r.queue = r.queue[1:]
		_ = json.NewEncoder(w).Encode(map[string]any{
			"computeModuleJobV1": map[string]any{
				"jobId":     id,
				"queryType": "run",
				"query":     map[string]any{"only": []string{"details"}},
			},
		})
	})
	mux.HandleFunc("/result/", func(w http.ResponseWriter, req *http.Request) {
		b, _ := io.ReadAll(req.Body)
		r.mu.Lock()
		r.results[strings.TrimPrefix(req.URL.Path, "/result/")] = string(b)
		done := len(r.queue) == 0
		r.mu.Unlock()
		w.WriteHeader(http.StatusOK)
		if done && r.onPost != nil {
			r.onPost()
		}
	})
	return mux
}

func newPoller(t *testing.T, stub *runtimeStub) (*jobs.Poller, context.Context) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)
	stub.onPost = cancel

	ts := httptest.NewServer(stub.handler())
	t.Cleanup(ts.Close)

	p, err := jobs.NewPoller(jobs.Config{
		GetJobURI:       ts.URL + "/job",
		PostResultURI:   ts.URL + "/result/",
		ModuleAuthToken: "module-token",
	}, ts.Client(), zerolog.Nop())
	require.NoError(t, err)
	p.Idle = time.Millisecond
	p.ErrorBackoff = time.Millisecond
	p.MaxErrorBackoff = 2 * time.Millisecond
	return p, ctx
}

func TestPoller_RunsJobsAndPostsResults(t *testing.T) {
	t.Parallel()

	stub := &runtimeStub{queue: []string{"job-1", "job-2"}, results: map[string]string{}, failGet: 2}
	p, ctx := newPoller(t, stub)

	var seen []jobs.Job
	err := p.Run(ctx, func(_ context.Context, j jobs.Job) ([]byte, error) {
		seen = append(seen, j)
		if j.JobID == "job-2" {
			return nil, errors.New("dataset unavailable: Bearer s3cr3t")
		}
		return []byte(`{"records":3}`), nil
	})
	require.ErrorIs(t, err, context.Canceled)

	require.Len(t, seen, 2)
	assert.JSONEq(t, `{"only":["details"]}`, string(seen[0].Query))

	stub.mu.Lock()
	defer stub.mu.Unlock()
	assert.Equal(t, `{"records":3}`, stub.results["job-1"])
	assert.Contains(t, stub.results["job-2"], "dataset unavailable")
	assert.NotContains(t, stub.results["job-2"], "s3cr3t")
	for _, a := range stub.auth {
		assert.Equal(t, "module-token", a)
	}
}

func TestPoller_EmptyResultPostsOK(t *testing.T) {
	t.Parallel()

	stub := &runtimeStub{queue: []string{"job-1"}, results: map[string]string{}}
	p, ctx := newPoller(t, stub)

	err := p.Run(ctx, func(context.Context, jobs.Job) ([]byte, error) { return nil, nil })
	require.ErrorIs(t, err, context.Canceled)

	stub.mu.Lock()
	defer stub.mu.Unlock()
	assert.Equal(t, "ok", stub.results["job-1"])
}

func TestLoadConfigFromEnv(t *testing.T) {
	t.Setenv("GET_JOB_URI", "")
	t.Setenv("POST_RESULT_URI", "")
	_, ok, err := jobs.LoadConfigFromEnv()
	require.NoError(t, err)
	assert.False(t, ok)

	t.Setenv("GET_JOB_URI", "http://localhost:8945/interactive-module/api/internal-query/job")
	t.Setenv("POST_RESULT_URI", "http://localhost:8945/interactive-module/api/internal-query/results")
	_, _, err = jobs.LoadConfigFromEnv()
	require.Error(t, err, "token required")

	t.Setenv("MODULE_AUTH_TOKEN", "tok")
	t.Setenv("DEFAULT_CA_PATH", "/etc/ca.pem")
	cfg, ok, err := jobs.LoadConfigFromEnv()
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "http://127.0.0.1:8945/interactive-module/api/internal-query/job", cfg.GetJobURI)
	assert.Equal(t, "tok", cfg.ModuleAuthToken)
}
