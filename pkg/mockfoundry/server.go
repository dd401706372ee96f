package mockfoundry

import (
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	json "github.com/goccy/go-json"
)

// Call records a request made to the mock service.
type Call struct {
	Method string
	Path   string
}

// Upload records a file upload into a dataset transaction.
type Upload struct {
	DatasetRID string
	TxnID      string
	FilePath   string
	Bytes      []byte
}

// Server implements the dataset file and transaction endpoints used by the Foundry
// record store.
//
// Seed files are read from <inputDir>/<rid>/<path>. Committed files are kept in memory
// and mirrored to <uploadDir>/<rid>/_committed/<path> so a restarted server serves the
// last committed state.
type Server struct {
	inputDir  string
	uploadDir string

	mu      sync.Mutex
	calls   []Call
	uploads []Upload

	expectedAuthorization string
	uploadStatus          int

	nextTxn int
	txns    map[string]*txnState
	order   []string

	// heads holds the last committed content per dataset and file path.
	heads map[string]map[string][]byte
	// headTxn is the last committed transaction per dataset.
	headTxn map[string]string
}

type txnState struct {
	id         string
	datasetRID string
	branch     string
	status     string
	files      map[string][]byte
}

// Transaction statuses reported by TransactionStatus.
const (
	StatusOpen      = "OPEN"
	StatusCommitted = "COMMITTED"
	StatusAborted   = "ABORTED"
)

// New constructs a mock server.
func New(inputDir, uploadDir string) *Server {
	return &Server{
		inputDir:  inputDir,
		uploadDir: uploadDir,
		nextTxn:   1,
		txns:      make(map[string]*txnState),
		heads:     make(map[string]map[string][]byte),
		headTxn:   make(map[string]string),
	}
}

// RequireBearerToken enforces an Authorization header matching token. Empty disables it.
func (s *Server) RequireBearerToken(token string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	token = strings.TrimSpace(token)
	if token == "" {
		s.expectedAuthorization = ""
		return
	}
	s.expectedAuthorization = "Bearer " + token
}

// FailUploads makes every upload answer with status. Status 0 clears it.
func (s *Server) FailUploads(status int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.uploadStatus = status
}

// SeedFile stores content as the committed state of a dataset file.
func (s *Server) SeedFile(datasetRID, filePath string, content []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.heads[datasetRID] == nil {
		s.heads[datasetRID] = make(map[string][]byte)
	}
	s.heads[datasetRID][filePath] = append([]byte(nil), content...)
}

// OpenTransaction creates an OPEN transaction without going through HTTP, to simulate a
// transaction left behind by an earlier run.
func (s *Server) OpenTransaction(datasetRID string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.newTxnLocked(datasetRID, "master").id
}

// TransactionStatus reports the status of a transaction, or "" when unknown.
func (s *Server) TransactionStatus(txnID string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if t, ok := s.txns[txnID]; ok {
		return t.status
	}
	return ""
}

// Handler returns an http.Handler that serves the mock API.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/v2/datasets/", s.handleV2Datasets)
	return mux
}

// Calls returns a snapshot of calls made to the server.
func (s *Server) Calls() []Call {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Call, len(s.calls))
	copy(out, s.calls)
	return out
}

// Uploads returns a snapshot of uploads made to the server.
func (s *Server) Uploads() []Upload {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Upload, len(s.uploads))
	copy(out, s.uploads)
	return out
}

func (s *Server) recordCall(r *http.Request) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = append(s.calls, Call{Method: r.Method, Path: r.URL.Path})
}

func (s *Server) authorize(w http.ResponseWriter, r *http.Request) bool {
	s.mu.Lock()
	expected := s.expectedAuthorization
	s.mu.Unlock()

	if expected == "" {
		return true
	}
	if r.Header.Get("Authorization") != expected {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return false
	}
	return true
}

func (s *Server) handleV2Datasets(w http.ResponseWriter, r *http.Request) {
	s.recordCall(r)
	if !s.authorize(w, r) {
		return
	}

	// /api/v2/datasets/{rid}/branches/{branch}
	// /api/v2/datasets/{rid}/files/{path...}/content
	// /api/v2/datasets/{rid}/files/{path...}/upload
	// /api/v2/datasets/{rid}/transactions
	// /api/v2/datasets/{rid}/transactions/{txn}/commit|abort
	rest := strings.TrimPrefix(r.URL.Path, "/api/v2/datasets/")
	parts := strings.Split(rest, "/")
	if len(parts) < 2 {
		http.NotFound(w, r)
		return
	}
	rid := parts[0]
	if !isSafeToken(rid) {
		http.Error(w, "invalid dataset rid", http.StatusBadRequest)
		return
	}

	switch {
	case len(parts) == 3 && parts[1] == "branches":
		if !allowMethod(w, r, http.MethodGet) {
			return
		}
		s.handleGetBranch(w, rid, parts[2])

	case len(parts) >= 4 && parts[1] == "files" && (parts[len(parts)-1] == "content" || parts[len(parts)-1] == "upload"):
		filePath := strings.Join(parts[2:len(parts)-1], "/")
		if !isSafeFilePath(filePath) {
			http.Error(w, "invalid file path", http.StatusBadRequest)
			return
		}
		if parts[len(parts)-1] == "content" {
			if allowMethod(w, r, http.MethodGet) {
				s.handleReadFile(w, rid, filePath)
			}
			return
		}
		if allowMethod(w, r, http.MethodPost) {
			s.handleUpload(w, r, rid, r.URL.Query().Get("transactionRid"), filePath)
		}

	case len(parts) == 2 && parts[1] == "transactions":
		switch r.Method {
		case http.MethodPost:
			s.handleCreateTransaction(w, r, rid)
		case http.MethodGet:
			s.handleListTransactions(w, rid)
		default:
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		}

	case len(parts) == 4 && parts[1] == "transactions" && (parts[3] == "commit" || parts[3] == "abort"):
		if !allowMethod(w, r, http.MethodPost) {
			return
		}
		txnID := parts[2]
		if !isSafeToken(txnID) {
			http.Error(w, "invalid transaction id", http.StatusBadRequest)
			return
		}
		if parts[3] == "commit" {
			s.handleCommit(w, rid, txnID)
		} else {
			s.handleAbort(w, rid, txnID)
		}

	default:
		http.NotFound(w, r)
	}
}

func allowMethod(w http.ResponseWriter, r *http.Request, method string) bool {
	if r.Method != method {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return false
	}
	return true
}

func (s *Server) handleGetBranch(w http.ResponseWriter, rid, branch string) {
	s.mu.Lock()
	txn := s.headTxn[rid]
	s.mu.Unlock()
	writeJSON(w, http.StatusOK, map[string]string{"name": branch, "transactionRid": txn})
}

func (s *Server) handleReadFile(w http.ResponseWriter, rid, filePath string) {
	s.mu.Lock()
	head, ok := s.heads[rid][filePath]
	s.mu.Unlock()
	if ok {
		w.Header().Set("Content-Type", "application/octet-stream")
		_, _ = w.Write(head)
		return
	}

	for _, p := range []string{s.committedPath(rid, filePath), filepath.Join(s.inputDir, rid, filepath.FromSlash(filePath))} {
		if b, err := os.ReadFile(p); err == nil {
			s.SeedFile(rid, filePath, b)
			w.Header().Set("Content-Type", "application/octet-stream")
			_, _ = w.Write(b)
			return
		}
	}
	writeConjureError(w, http.StatusNotFound, "NOT_FOUND", "FileNotFound")
}

type createTxnReq struct {
	TransactionType string `json:"transactionType"`
}

func (s *Server) handleCreateTransaction(w http.ResponseWriter, r *http.Request, rid string) {
	var req createTxnReq
	if b, _ := io.ReadAll(r.Body); len(b) > 0 {
		_ = json.Unmarshal(b, &req)
	}
	if req.TransactionType != "" && req.TransactionType != "SNAPSHOT" {
		http.Error(w, "only SNAPSHOT transactions are supported", http.StatusBadRequest)
		return
	}

	s.mu.Lock()
	for _, t := range s.txns {
		if t.datasetRID == rid && t.status == StatusOpen {
			s.mu.Unlock()
			writeConjureError(w, http.StatusConflict, "CONFLICT", "OpenTransactionAlreadyExists")
			return
		}
	}
	branch := r.URL.Query().Get("branchName")
	txn := s.newTxnLocked(rid, branch)
	s.mu.Unlock()

	writeJSON(w, http.StatusOK, map[string]string{
		"rid":             txn.id,
		"transactionType": "SNAPSHOT",
		"status":          txn.status,
	})
}

func (s *Server) newTxnLocked(rid, branch string) *txnState {
	t := &txnState{
		id:         fmt.Sprintf("ri.foundry.main.transaction.%06d", s.nextTxn),
		datasetRID: rid,
		branch:     branch,
		status:     StatusOpen,
		files:      make(map[string][]byte),
	}
	s.nextTxn++
	s.txns[t.id] = t
	s.order = append(s.order, t.id)
	return t
}

type txnView struct {
	RID             string `json:"rid"`
	TransactionType string `json:"transactionType"`
	Status          string `json:"status"`
	CreatedTime     string `json:"createdTime"`
}

func (s *Server) handleListTransactions(w http.ResponseWriter, rid string) {
	s.mu.Lock()
	var data []txnView
	for i := len(s.order) - 1; i >= 0; i-- {
		t := s.txns[s.order[i]]
		if t.datasetRID != rid {
			continue
		}
		data = append(data, txnView{RID: t.id, TransactionType: "SNAPSHOT", Status: t.status, CreatedTime: fmt.Sprintf("%06d", i)})
	}
	s.mu.Unlock()
	writeJSON(w, http.StatusOK, map[string]any{"data": data})
}

func (s *Server) handleUpload(w http.ResponseWriter, r *http.Request, rid, txnID, filePath string) {
	b, err := io.ReadAll(r.Body)
	if err != nil {
		http.Error(w, "read body", http.StatusBadRequest)
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.uploadStatus != 0 {
		http.Error(w, http.StatusText(s.uploadStatus), s.uploadStatus)
		return
	}
	txn, ok := s.txns[txnID]
	if !ok || txn.datasetRID != rid {
		writeConjureError(w, http.StatusNotFound, "NOT_FOUND", "TransactionNotFound")
		return
	}
	if txn.status != StatusOpen {
		writeConjureError(w, http.StatusConflict, "CONFLICT", "TransactionNotOpen")
		return
	}
	txn.files[filePath] = b
	s.uploads = append(s.uploads, Upload{DatasetRID: rid, TxnID: txnID, FilePath: filePath, Bytes: b})
	w.WriteHeader(http.StatusOK)
}

func (s *Server) handleCommit(w http.ResponseWriter, rid, txnID string) {
	s.mu.Lock()
	txn, ok := s.txns[txnID]
	if !ok || txn.datasetRID != rid {
		s.mu.Unlock()
		writeConjureError(w, http.StatusNotFound, "NOT_FOUND", "TransactionNotFound")
		return
	}
	if txn.status != StatusOpen {
		s.mu.Unlock()
		writeConjureError(w, http.StatusConflict, "CONFLICT", "TransactionNotOpen")
		return
	}
	if len(txn.files) == 0 {
		s.mu.Unlock()
		writeConjureError(w, http.StatusBadRequest, "INVALID_ARGUMENT", "Conjure:InvalidArgument")
		return
	}
	files := make(map[string][]byte, len(txn.files))
	for p, b := range txn.files {
		files[p] = b
	}
	s.mu.Unlock()

	// SNAPSHOT semantics: the committed files replace the dataset's view entirely.
	paths := make([]string, 0, len(files))
	for p := range files {
		paths = append(paths, p)
	}
	sort.Strings(paths)
	for _, p := range paths {
		dst := s.committedPath(rid, p)
		if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
			http.Error(w, "mkdir committed dir", http.StatusInternalServerError)
			return
		}
		if err := os.WriteFile(dst, files[p], 0o644); err != nil {
			http.Error(w, "write committed file", http.StatusInternalServerError)
			return
		}
	}

	s.mu.Lock()
	if txn.status != StatusOpen {
		s.mu.Unlock()
		writeConjureError(w, http.StatusConflict, "CONFLICT", "TransactionNotOpen")
		return
	}
	txn.status = StatusCommitted
	s.heads[rid] = files
	s.headTxn[rid] = txnID
	s.mu.Unlock()

	writeJSON(w, http.StatusOK, map[string]string{"rid": txnID, "status": StatusCommitted})
}

func (s *Server) handleAbort(w http.ResponseWriter, rid, txnID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	txn, ok := s.txns[txnID]
	if !ok || txn.datasetRID != rid {
		writeConjureError(w, http.StatusNotFound, "NOT_FOUND", "TransactionNotFound")
		return
	}
	if txn.status != StatusOpen {
		writeConjureError(w, http.StatusConflict, "CONFLICT", "TransactionNotOpen")
		return
	}
	txn.status = StatusAborted
	txn.files = nil
	writeJSON(w, http.StatusOK, map[string]string{"rid": txnID, "status": StatusAborted})
}

func (s *Server) committedPath(rid, filePath string) string {
	return filepath.Join(s.uploadDir, rid, "_committed", filepath.FromSlash(filePath))
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeConjureError(w http.ResponseWriter, status int, code, name string) {
	writeJSON(w, status, map[string]string{
		"errorCode":       code,
		"errorName":       name,
		"errorInstanceId": "mock",
	})
}

func isSafeToken(s string) bool {
	if s == "" {
		return false
	}
	return !strings.ContainsAny(s, "/\\")
}

func isSafeFilePath(p string) bool {
	if p == "" {
		return false
	}
	if strings.HasPrefix(p, "/") || strings.Contains(p, "\\") {
		return false
	}
	for _, part := range strings.Split(p, "/") {
		if part == "" || part == "." || part == ".." {
			return false
		}
	}
	return true
}
