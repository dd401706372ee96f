// Package jobs polls the compute-module runtime for jobs and posts their results.
//
// A module deployed in function mode receives work through two sidecar endpoints:
// GET_JOB_URI hands out the next job (204 when idle) and POST_RESULT_URI/<jobId>
// accepts the result bytes.
package jobs

import (
	"bytes"
	"context"
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path"
	"strings"
	"time"

	json "github.com/goccy/go-json"
	"github.com/rs/zerolog"

	"github.com/shpitdev/developer-enricher/pkg/pipeline/redact"
)

const headerModuleAuth = "Module-Auth-Token"

type jobEnvelope struct {
	ComputeModuleJobV1 Job `json:"computeModuleJobV1"`
}

// Job is one unit of work handed out by the runtime.
type Job struct {
	JobID                         string          `json:"jobId"`
	QueryType                     string          `json:"queryType"`
	Query                         json.RawMessage `json:"query"`
	TemporaryCredentialsAuthToken string          `json:"temporaryCredentialsAuthToken"`
	AuthHeader                    string          `json:"authHeader"`
}

// Handler runs one job. The returned bytes are posted as the job result; on error the
// redacted error text is posted instead when no result is returned.
type Handler func(context.Context, Job) ([]byte, error)

// Config locates the runtime endpoints.
type Config struct {
	GetJobURI       string
	PostResultURI   string
	ModuleAuthToken string
	DefaultCAPath   string
}

// LoadConfigFromEnv reads GET_JOB_URI, POST_RESULT_URI, MODULE_AUTH_TOKEN and
// DEFAULT_CA_PATH. ok is false when the module is not running in function mode.
func LoadConfigFromEnv() (cfg Config, ok bool, err error) {
	getJob, err := normalizeLocalhostURI(os.Getenv("GET_JOB_URI"))
	if err != nil {
		return Config{}, false, fmt.Errorf("invalid GET_JOB_URI: %w", err)
	}
	postRes, err := normalizeLocalhostURI(os.Getenv("POST_RESULT_URI"))
	if err != nil {
		return Config{}, false, fmt.Errorf("invalid POST_RESULT_URI: %w", err)
	}
	if getJob == "" || postRes == "" {
		return Config{}, false, nil
	}

	modTok, err := readValueOrFile(os.Getenv("MODULE_AUTH_TOKEN"), "MODULE_AUTH_TOKEN")
	if err != nil {
		return Config{}, false, err
	}
	if modTok == "" {
		return Config{}, false, fmt.Errorf("MODULE_AUTH_TOKEN is required when GET_JOB_URI/POST_RESULT_URI are set")
	}

	caPath := strings.TrimSpace(os.Getenv("DEFAULT_CA_PATH"))
	if caPath == "" {
		return Config{}, false, fmt.Errorf("DEFAULT_CA_PATH is required when GET_JOB_URI/POST_RESULT_URI are set")
	}

	return Config{
		GetJobURI:       getJob,
		PostResultURI:   postRes,
		ModuleAuthToken: modTok,
		DefaultCAPath:   caPath,
	}, true, nil
}

// normalizeLocalhostURI pins localhost to 127.0.0.1: the runtime sidecar often binds
// only to IPv4 loopback while Go may resolve localhost to ::1 first.
func normalizeLocalhostURI(raw string) (string, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return "", nil
	}
	u, err := url.Parse(raw)
	if err != nil {
		return "", err
	}
	host := strings.TrimSpace(u.Hostname())
	if host == "localhost" || host == "::1" {
		if port := strings.TrimSpace(u.Port()); port != "" {
			u.Host = "127.0.0.1:" + port
		} else {
			u.Host = "127.0.0.1"
		}
	}
	return u.String(), nil
}

// Poller fetches jobs one at a time and runs them sequentially.
type Poller struct {
	cfg    Config
	http   *http.Client
	logger zerolog.Logger

	// Idle is the wait after an empty poll. ErrorBackoff is the first wait after a failed
	// poll; it doubles up to MaxErrorBackoff.
	Idle            time.Duration
	ErrorBackoff    time.Duration
	MaxErrorBackoff time.Duration
	PostAttempts    int
}

// NewPoller builds a Poller. hc may be nil, in which case a client trusting
// cfg.DefaultCAPath is created.
func NewPoller(cfg Config, hc *http.Client, logger zerolog.Logger) (*Poller, error) {
	if hc == nil {
		var err error
		if hc, err = newHTTPClient(cfg.DefaultCAPath); err != nil {
			return nil, err
		}
	}
	return &Poller{
		cfg:             cfg,
		http:            hc,
		logger:          logger,
		Idle:            500 * time.Millisecond,
		ErrorBackoff:    500 * time.Millisecond,
		MaxErrorBackoff: 5 * time.Second,
		PostAttempts:    6,
	}, nil
}

// Run polls until ctx is done and returns ctx's error.
func (p *Poller) Run(ctx context.Context, handle Handler) error {
	p.logger.Info().Str("getJobURI", p.cfg.GetJobURI).Msg("compute module job polling enabled")

	backoff := p.ErrorBackoff
	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		job, ok, err := p.nextJob(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			p.logger.Warn().Str("error", redact.Secrets(err.Error())).Msg("get job failed")
			if err := sleep(ctx, backoff); err != nil {
				return err
			}
			backoff = nextBackoff(backoff, p.MaxErrorBackoff)
			continue
		}
		backoff = p.ErrorBackoff
		if !ok {
			if err := sleep(ctx, p.Idle); err != nil {
				return err
			}
			continue
		}

		jobID := strings.TrimSpace(job.JobID)
		if jobID == "" {
			p.logger.Warn().Msg("received job without jobId; skipping")
			continue
		}

		log := p.logger.With().Str("job", jobID).Logger()
		log.Info().Str("queryType", strings.TrimSpace(job.QueryType)).Msg("job received")
		result, jobErr := handle(ctx, job)
		if jobErr != nil {
			log.Error().Str("error", redact.Secrets(jobErr.Error())).Msg("job failed")
			if len(result) == 0 {
				result = []byte(redact.Secrets(jobErr.Error()))
			}
		} else if len(result) == 0 {
			result = []byte("ok")
		}

		if err := p.postWithRetry(ctx, jobID, result); err != nil {
			log.Error().Str("error", redact.Secrets(err.Error())).Msg("post result failed")
			continue
		}
		log.Info().Int("bytes", len(result)).Msg("job result posted")
	}
}

func nextBackoff(cur, limit time.Duration) time.Duration {
	next := cur * 2
	if limit > 0 && next > limit {
		return limit
	}
	return next
}

func (p *Poller) postWithRetry(ctx context.Context, jobID string, result []byte) error {
	attempts := p.PostAttempts
	if attempts <= 0 {
		attempts = 1
	}
	var err error
	for i := 0; i < attempts; i++ {
		if i > 0 {
			if serr := sleep(ctx, time.Duration(i)*time.Second); serr != nil {
				return serr
			}
		}
		if err = p.postResult(ctx, jobID, result); err == nil {
			return nil
		}
	}
	return err
}

func newHTTPClient(caPath string) (*http.Client, error) {
	b, err := os.ReadFile(caPath)
	if err != nil {
		return nil, fmt.Errorf("read DEFAULT_CA_PATH: %w", err)
	}
	pool := x509.NewCertPool()
	if ok := pool.AppendCertsFromPEM(b); !ok {
		return nil, fmt.Errorf("parse DEFAULT_CA_PATH PEM: no certs found")
	}

	tr := &http.Transport{
		TLSClientConfig: &tls.Config{RootCAs: pool, MinVersion: tls.VersionTLS12},
	}
	return &http.Client{Transport: tr, Timeout: 30 * time.Second}, nil
}

func (p *Poller) nextJob(ctx context.Context) (Job, bool, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.cfg.GetJobURI, nil)
	if err != nil {
		return Job{}, false, err
	}
	req.Header.Set(headerModuleAuth, p.cfg.ModuleAuthToken)
	req.Header.Set("Accept", "application/json")

	resp, err := p.http.Do(req)
	if err != nil {
		return Job{}, false, err
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode == http.StatusNoContent {
		return Job{}, false, nil
	}
	b, err := io.ReadAll(resp.Body)
	if err != nil {
		return Job{}, false, err
	}
	if resp.StatusCode/100 != 2 {
		return Job{}, false, fmt.Errorf("GET job: status=%d body=%s", resp.StatusCode, redact.Truncate(b, 256))
	}

	var env jobEnvelope
	if err := json.Unmarshal(b, &env); err != nil {
		return Job{}, false, fmt.Errorf("parse GET job response: %w", err)
	}
	return env.ComputeModuleJobV1, true, nil
}

func (p *Poller) postResult(ctx context.Context, jobID string, result []byte) error {
	base := strings.TrimRight(strings.TrimSpace(p.cfg.PostResultURI), "/")
	u := base + "/" + path.Clean("/" + jobID)[1:]

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u, bytes.NewReader(result))
	if err != nil {
		return err
	}
	req.Header.Set(headerModuleAuth, p.cfg.ModuleAuthToken)
	req.Header.Set("Content-Type", "application/octet-stream")

	resp, err := p.http.Do(req)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()
	b, _ := io.ReadAll(resp.Body)
	if resp.StatusCode/100 != 2 {
		return fmt.Errorf("POST result: status=%d body=%s", resp.StatusCode, redact.Truncate(b, 256))
	}
	return nil
}

func readValueOrFile(v string, varName string) (string, error) {
	v = strings.TrimSpace(v)
	if v == "" {
		return "", nil
	}
	if strings.ContainsAny(v, "\r\n") {
		return v, nil
	}
	if fi, err := os.Stat(v); err == nil && !fi.IsDir() {
		b, err := os.ReadFile(v)
		if err != nil {
			return "", fmt.Errorf("read %s file: %w", varName, err)
		}
		return strings.TrimSpace(string(b)), nil
	}
	return v, nil
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
