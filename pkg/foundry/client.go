package foundry

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
	"strconv"
	"strings"
	"time"

	json "github.com/goccy/go-json"
)

// Client is a minimal client for the dataset file and transaction endpoints.
type Client struct {
	apiBaseURL *url.URL
	token      string
	http       *http.Client
}

// NewClient constructs a client for an API gateway base URL such as
// "https://<stack>.palantirfoundry.com/api".
//
// defaultCAPath is optional and, when provided, is used as the TLS trust store.
func NewClient(apiGatewayURL, token, defaultCAPath string) (*Client, error) {
	apiBase, err := parseBaseURL(apiGatewayURL, "api gateway")
	if err != nil {
		return nil, err
	}
	hc, err := newHTTPClient(defaultCAPath)
	if err != nil {
		return nil, err
	}
	return &Client{
		apiBaseURL: apiBase,
		token:      strings.TrimSpace(token),
		http:       hc,
	}, nil
}

func parseBaseURL(raw string, name string) (*url.URL, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, fmt.Errorf("%s base URL is required", name)
	}
	if !strings.Contains(raw, "://") {
		raw = "https://" + raw
	}
	u, err := url.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("parse %s base URL: %w", name, err)
	}
	if u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("%s base URL must include a host (got %q)", name, raw)
	}
	// A trailing slash makes ResolveReference treat the base path as a directory.
	u.Path = strings.TrimRight(u.Path, "/") + "/"
	u.RawQuery = ""
	u.Fragment = ""
	return u, nil
}

func newHTTPClient(defaultCAPath string) (*http.Client, error) {
	tr := http.DefaultTransport.(*http.Transport).Clone()
	if strings.TrimSpace(defaultCAPath) != "" {
		b, err := os.ReadFile(strings.TrimSpace(defaultCAPath))
		if err != nil {
			return nil, fmt.Errorf("read DEFAULT_CA_PATH file: %w", err)
		}
		pool := x509.NewCertPool()
		if ok := pool.AppendCertsFromPEM(b); !ok {
			return nil, fmt.Errorf("parse DEFAULT_CA_PATH PEM: no certs found")
		}
		tr.TLSClientConfig = &tls.Config{RootCAs: pool, MinVersion: tls.VersionTLS12}
	}
	return &http.Client{
		Transport: tr,
		Timeout:   60 * time.Second,
	}, nil
}

type branchResponse struct {
	Name           string `json:"name"`
	TransactionRID string `json:"transactionRid"`
}

// GetBranchTransactionRID returns the latest transaction on the branch, used to pin reads
// to one committed view.
func (c *Client) GetBranchTransactionRID(ctx context.Context, datasetRID, branch string) (string, error) {
	datasetRID = strings.TrimSpace(datasetRID)
	if datasetRID == "" {
		return "", fmt.Errorf("dataset rid is required")
	}
	ref := DatasetRef{RID: datasetRID, Branch: branch}

	u := c.resolveAPI(fmt.Sprintf(
		"v2/datasets/%s/branches/%s",
		url.PathEscape(datasetRID),
		url.PathEscape(ref.BranchOrDefault()),
	))
	b, err := c.do(ctx, "getBranch", http.MethodGet, u, "", nil)
	if err != nil {
		return "", err
	}
	var out branchResponse
	if err := json.Unmarshal(b, &out); err != nil {
		return "", fmt.Errorf("parse get branch response: %w", err)
	}
	return strings.TrimSpace(out.TransactionRID), nil
}

// ReadFile returns the content of a dataset file as of the branch's latest transaction.
func (c *Client) ReadFile(ctx context.Context, ref DatasetRef, filePath string) ([]byte, error) {
	txnRID, err := c.GetBranchTransactionRID(ctx, ref.RID, ref.Branch)
	if err != nil {
		return nil, err
	}

	u := c.resolveAPI(fmt.Sprintf(
		"v2/datasets/%s/files/%s/content",
		url.PathEscape(ref.RID),
		escapeURLPath(filePath),
	))
	q := url.Values{}
	q.Set("branchName", ref.BranchOrDefault())
	if txnRID != "" {
		q.Set("endTransactionRid", txnRID)
	}
	u.RawQuery = q.Encode()
	return c.do(ctx, "readFile", http.MethodGet, u, "", nil)
}

type createTxnRequest struct {
	TransactionType string `json:"transactionType"`
}

type createTxnResponse struct {
	RID string `json:"rid"`

	// Older mocks answer with transactionId.
	TransactionID string `json:"transactionId"`
}

// CreateTransaction opens a SNAPSHOT transaction on the branch and returns its id.
func (c *Client) CreateTransaction(ctx context.Context, ref DatasetRef) (string, error) {
	b, err := json.Marshal(createTxnRequest{TransactionType: "SNAPSHOT"})
	if err != nil {
		return "", err
	}
	u := c.resolveAPI(fmt.Sprintf("v2/datasets/%s/transactions", url.PathEscape(ref.RID)))
	q := url.Values{}
	q.Set("branchName", ref.BranchOrDefault())
	u.RawQuery = q.Encode()

	rb, err := c.do(ctx, "createTransaction", http.MethodPost, u, "application/json", b)
	if err != nil {
		return "", err
	}
	var out createTxnResponse
	if err := json.Unmarshal(rb, &out); err != nil {
		return "", fmt.Errorf("parse create transaction response: %w", err)
	}
	txnID := strings.TrimSpace(out.TransactionID)
	if txnID == "" {
		txnID = strings.TrimSpace(out.RID)
	}
	if txnID == "" {
		return "", fmt.Errorf("create transaction response missing rid")
	}
	return txnID, nil
}

type Transaction struct {
	TransactionType string  `json:"transactionType"`
	CreatedTime     string  `json:"createdTime"`
	RID             string  `json:"rid"`
	ClosedTime      *string `json:"closedTime,omitempty"`
	Status          string  `json:"status"`
}

type listTxnsResponse struct {
	Data          []Transaction `json:"data"`
	NextPageToken string        `json:"nextPageToken"`
}

// ListTransactions lists transactions of a dataset, newest first. The endpoint is a
// preview API and requires preview=true.
func (c *Client) ListTransactions(ctx context.Context, datasetRID string, pageSize int, pageToken string) ([]Transaction, string, error) {
	u := c.resolveAPI(fmt.Sprintf("v2/datasets/%s/transactions", url.PathEscape(datasetRID)))
	q := url.Values{}
	q.Set("preview", "true")
	if pageSize > 0 {
		q.Set("pageSize", strconv.Itoa(pageSize))
	}
	if strings.TrimSpace(pageToken) != "" {
		q.Set("pageToken", strings.TrimSpace(pageToken))
	}
	u.RawQuery = q.Encode()

	rb, err := c.do(ctx, "listTransactions", http.MethodGet, u, "", nil)
	if err != nil {
		return nil, "", err
	}
	var out listTxnsResponse
	if err := json.Unmarshal(rb, &out); err != nil {
		return nil, "", fmt.Errorf("parse list transactions response: %w", err)
	}
	return out.Data, strings.TrimSpace(out.NextPageToken), nil
}

// FindLatestOpenTransaction returns the RID of the most recent OPEN transaction.
func (c *Client) FindLatestOpenTransaction(ctx context.Context, datasetRID string) (string, bool, error) {
	pageToken := ""
	for i := 0; i < 5; i++ {
		txns, next, err := c.ListTransactions(ctx, datasetRID, 100, pageToken)
		if err != nil {
			return "", false, err
		}
		for _, t := range txns {
			if strings.EqualFold(strings.TrimSpace(t.Status), "OPEN") && strings.TrimSpace(t.RID) != "" {
				return strings.TrimSpace(t.RID), true, nil
			}
		}
		if next == "" {
			break
		}
		pageToken = next
	}
	return "", false, nil
}

// UploadFile uploads file bytes into an open transaction.
func (c *Client) UploadFile(ctx context.Context, datasetRID, txnID, filePath, contentType string, b []byte) error {
	u := c.resolveAPI(fmt.Sprintf(
		"v2/datasets/%s/files/%s/upload",
		url.PathEscape(datasetRID),
		escapeURLPath(filePath),
	))
	q := url.Values{}
	if strings.TrimSpace(txnID) != "" {
		q.Set("transactionRid", strings.TrimSpace(txnID))
	}
	u.RawQuery = q.Encode()

	_, err := c.do(ctx, "uploadFile", http.MethodPost, u, contentType, b)
	return err
}

// CommitTransaction makes the transaction's files the branch's current view.
func (c *Client) CommitTransaction(ctx context.Context, datasetRID, txnID string) error {
	u := c.resolveAPI(fmt.Sprintf(
		"v2/datasets/%s/transactions/%s/commit",
		url.PathEscape(datasetRID),
		url.PathEscape(txnID),
	))
	_, err := c.do(ctx, "commitTransaction", http.MethodPost, u, "", nil)
	return err
}

// AbortTransaction discards an open transaction.
func (c *Client) AbortTransaction(ctx context.Context, datasetRID, txnID string) error {
	u := c.resolveAPI(fmt.Sprintf(
		"v2/datasets/%s/transactions/%s/abort",
		url.PathEscape(datasetRID),
		url.PathEscape(txnID),
	))
	_, err := c.do(ctx, "abortTransaction", http.MethodPost, u, "", nil)
	return err
}

func (c *Client) do(ctx context.Context, op, method string, u *url.URL, contentType string, body []byte) ([]byte, error) {
	var rdr io.Reader
	if body != nil {
		rdr = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, u.String(), rdr)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+c.token)
	req.Header.Set("Accept", "application/json")
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	rb, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode/100 != 2 {
		return nil, newHTTPError(op, resp, rb)
	}
	return rb, nil
}

func (c *Client) resolveAPI(relPath string) *url.URL {
	relPath = strings.TrimPrefix(relPath, "/")
	rel := &url.URL{Path: relPath}
	return c.apiBaseURL.ResolveReference(rel)
}

func escapeURLPath(p string) string {
	// Keep "/" separators while escaping each segment.
	cleaned := path.Clean("/" + p)
	cleaned = strings.TrimPrefix(cleaned, "/")
	if cleaned == "." {
		return ""
	}
	parts := strings.Split(cleaned, "/")
	for i, part := range parts {
		parts[i] = url.PathEscape(part)
	}
	return strings.Join(parts, "/")
}
