package mockfoundry_test

import (
	"bytes"
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/shpitdev/developer-enricher/pkg/foundry"
	"github.com/shpitdev/developer-enricher/pkg/mockfoundry"
)

func newClient(t *testing.T, srv *mockfoundry.Server) *foundry.Client {
	t.Helper()
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)

	client, err := foundry.NewClient(ts.URL+"/api", "dummy-token", "")
	if err != nil {
		t.Fatalf("new foundry client: %v", err)
	}
	return client
}

func TestMockFoundry_CommitUpdatesReadFile(t *testing.T) {
	t.Parallel()

	srv := mockfoundry.New(t.TempDir(), t.TempDir())
	client := newClient(t, srv)

	ctx := context.Background()
	ref := foundry.DatasetRef{RID: "ri.foundry.main.dataset.99999999-9999-9999-9999-999999999999"}

	txnID, err := client.CreateTransaction(ctx, ref)
	if err != nil {
		t.Fatalf("create transaction: %v", err)
	}

	want := []byte(`[{"orgNumber":"923609016"}]`)
	if err := client.UploadFile(ctx, ref.RID, txnID, "developers.json", "application/json", want); err != nil {
		t.Fatalf("upload file: %v", err)
	}
	if err := client.CommitTransaction(ctx, ref.RID, txnID); err != nil {
		t.Fatalf("commit transaction: %v", err)
	}

	got, err := client.ReadFile(ctx, ref, "developers.json")
	if err != nil {
		t.Fatalf("read file: %v", err)
	}
	if !bytes.Equal(got, want) {
		t.Fatalf("read file mismatch:\n--- got ---\n%s\n--- want ---\n%s\n", got, want)
	}

	head, err := client.GetBranchTransactionRID(ctx, ref.RID, "")
	if err != nil {
		t.Fatalf("get branch: %v", err)
	}
	if head != txnID {
		t.Fatalf("branch head = %q, want %q", head, txnID)
	}
}

func TestMockFoundry_ReadsInputDirAndCommittedMirror(t *testing.T) {
	t.Parallel()

	inputDir := t.TempDir()
	uploadDir := t.TempDir()
	rid := "ri.foundry.main.dataset.eeeeeeee-eeee-eeee-eeee-eeeeeeeeeeee"

	if err := os.MkdirAll(filepath.Join(inputDir, rid, "in"), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(inputDir, rid, "in", "developers.json"), []byte("[]"), 0o644); err != nil {
		t.Fatal(err)
	}

	client := newClient(t, mockfoundry.New(inputDir, uploadDir))
	ctx := context.Background()
	ref := foundry.DatasetRef{RID: rid}

	got, err := client.ReadFile(ctx, ref, "in/developers.json")
	if err != nil {
		t.Fatalf("read seeded file: %v", err)
	}
	if string(got) != "[]" {
		t.Fatalf("seeded content = %q", got)
	}

	txnID, err := client.CreateTransaction(ctx, ref)
	if err != nil {
		t.Fatalf("create transaction: %v", err)
	}
	if err := client.UploadFile(ctx, rid, txnID, "out.json", "application/json", []byte(`[1]`)); err != nil {
		t.Fatalf("upload: %v", err)
	}
	if err := client.CommitTransaction(ctx, rid, txnID); err != nil {
		t.Fatalf("commit: %v", err)
	}

	// A fresh server over the same directories serves the committed file.
	restarted := newClient(t, mockfoundry.New(inputDir, uploadDir))
	got, err = restarted.ReadFile(ctx, ref, "out.json")
	if err != nil {
		t.Fatalf("read after restart: %v", err)
	}
	if string(got) != "[1]" {
		t.Fatalf("committed content = %q", got)
	}
}

func TestMockFoundry_RejectUploadDatasetMismatch(t *testing.T) {
	t.Parallel()

	client := newClient(t, mockfoundry.New(t.TempDir(), t.TempDir()))
	ctx := context.Background()
	ridA := "ri.foundry.main.dataset.aaaaaaaa-aaaa-aaaa-aaaa-aaaaaaaaaaaa"
	ridB := "ri.foundry.main.dataset.bbbbbbbb-bbbb-bbbb-bbbb-bbbbbbbbbbbb"

	txnID, err := client.CreateTransaction(ctx, foundry.DatasetRef{RID: ridA})
	if err != nil {
		t.Fatalf("create transaction: %v", err)
	}

	err = client.UploadFile(ctx, ridB, txnID, "developers.json", "application/json", []byte("[]"))
	if err == nil {
		t.Fatalf("expected upload to fail for dataset mismatch")
	}
	if !strings.Contains(err.Error(), "errorName=TransactionNotFound") {
		t.Fatalf("expected TransactionNotFound error, got: %v", err)
	}
}

func TestMockFoundry_RejectCommitWithoutUpload(t *testing.T) {
	t.Parallel()

	client := newClient(t, mockfoundry.New(t.TempDir(), t.TempDir()))
	ctx := context.Background()
	rid := "ri.foundry.main.dataset.cccccccc-cccc-cccc-cccc-cccccccccccc"

	txnID, err := client.CreateTransaction(ctx, foundry.DatasetRef{RID: rid})
	if err != nil {
		t.Fatalf("create transaction: %v", err)
	}

	err = client.CommitTransaction(ctx, rid, txnID)
	if err == nil {
		t.Fatalf("expected commit to fail with no uploaded files")
	}
	if !strings.Contains(err.Error(), "errorName=Conjure:InvalidArgument") {
		t.Fatalf("expected InvalidArgument error, got: %v", err)
	}
}

func TestMockFoundry_SecondOpenTransactionConflicts(t *testing.T) {
	t.Parallel()

	srv := mockfoundry.New(t.TempDir(), t.TempDir())
	client := newClient(t, srv)
	ctx := context.Background()
	ref := foundry.DatasetRef{RID: "ri.foundry.main.dataset.dddddddd-dddd-dddd-dddd-dddddddddddd"}

	first, err := client.CreateTransaction(ctx, ref)
	if err != nil {
		t.Fatalf("create transaction: %v", err)
	}

	_, err = client.CreateTransaction(ctx, ref)
	var he *foundry.HTTPError
	if !errors.As(err, &he) || he.StatusCode != http.StatusConflict || he.ErrorName != "OpenTransactionAlreadyExists" {
		t.Fatalf("expected OpenTransactionAlreadyExists conflict, got: %v", err)
	}

	open, ok, err := client.FindLatestOpenTransaction(ctx, ref.RID)
	if err != nil || !ok {
		t.Fatalf("find open transaction: ok=%v err=%v", ok, err)
	}
	if open != first {
		t.Fatalf("open transaction = %q, want %q", open, first)
	}

	if err := client.AbortTransaction(ctx, ref.RID, first); err != nil {
		t.Fatalf("abort: %v", err)
	}
	if got := srv.TransactionStatus(first); got != mockfoundry.StatusAborted {
		t.Fatalf("status after abort = %q", got)
	}
	if _, ok, _ := client.FindLatestOpenTransaction(ctx, ref.RID); ok {
		t.Fatalf("aborted transaction still listed as open")
	}
}

func TestMockFoundry_RequireBearerToken(t *testing.T) {
	t.Parallel()

	srv := mockfoundry.New(t.TempDir(), t.TempDir())
	srv.RequireBearerToken("other-token")
	client := newClient(t, srv)

	_, err := client.GetBranchTransactionRID(context.Background(), "ri.foundry.main.dataset.x", "master")
	var he *foundry.HTTPError
	if !errors.As(err, &he) || he.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401, got: %v", err)
	}
}
