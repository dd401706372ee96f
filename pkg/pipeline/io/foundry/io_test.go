package foundryio_test

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shpitdev/developer-enricher/pkg/enrichment"
	"github.com/shpitdev/developer-enricher/pkg/foundry"
	"github.com/shpitdev/developer-enricher/pkg/mockfoundry"
	"github.com/shpitdev/developer-enricher/pkg/pipeline/core"
	foundryio "github.com/shpitdev/developer-enricher/pkg/pipeline/io/foundry"
)

const datasetRID = "ri.foundry.main.dataset.11111111-1111-1111-1111-111111111111"

type fixture struct {
	srv       *mockfoundry.Server
	store     *foundryio.Store[enrichment.DeveloperRecord]
	uploadDir string
}

func newFixture(t *testing.T) fixture {
	t.Helper()
	uploadDir := t.TempDir()
	srv := mockfoundry.New(t.TempDir(), uploadDir)
	srv.RequireBearerToken("secret")
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)

	client, err := foundry.NewClient(ts.URL+"/api", "secret", "")
	require.NoError(t, err)
	store := foundryio.NewStore[enrichment.DeveloperRecord](client, foundry.DatasetRef{RID: datasetRID}, "")
	store.Backoff = time.Millisecond
	store.Attempts = 3
	return fixture{srv: srv, store: store, uploadDir: uploadDir}
}

func TestStore_LoadSeededFile(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	f.srv.SeedFile(datasetRID, foundryio.DefaultFilePath, []byte(`[{"orgNumber":"923609016","name":"Equinor"}]`))

	got, err := f.store.Load(context.Background())
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "923609016", got[0].OrgNumber)
}

func TestStore_LoadMissingFile(t *testing.T) {
	t.Parallel()
	f := newFixture(t)

	_, err := f.store.Load(context.Background())
	var se *core.StorageError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, "load", se.Op)
	var he *foundry.HTTPError
	require.ErrorAs(t, err, &he)
	assert.True(t, he.IsNotFound())
}

func TestStore_SaveCommitsSnapshot(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ctx := context.Background()

	addr := "Forusbeen 50, 4035 Stavanger"
	recs := []enrichment.DeveloperRecord{{OrgNumber: "923609016", Name: "Equinor", Address: &addr}}
	require.NoError(t, f.store.Save(ctx, recs))

	got, err := f.store.Load(ctx)
	require.NoError(t, err)
	require.Len(t, got, 1)
	require.NotNil(t, got[0].Address)
	assert.Equal(t, addr, *got[0].Address)

	uploads := f.srv.Uploads()
	require.Len(t, uploads, 1)
	assert.Equal(t, mockfoundry.StatusCommitted, f.srv.TransactionStatus(uploads[0].TxnID))

	b, err := os.ReadFile(filepath.Join(f.uploadDir, datasetRID, "_committed", foundryio.DefaultFilePath))
	require.NoError(t, err)
	assert.Contains(t, string(b), `"orgNumber": "923609016"`)
}

func TestStore_SaveReusesOpenTransaction(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	open := f.srv.OpenTransaction(datasetRID)

	require.NoError(t, f.store.Save(context.Background(), []enrichment.DeveloperRecord{{OrgNumber: "1"}}))

	uploads := f.srv.Uploads()
	require.Len(t, uploads, 1)
	assert.Equal(t, open, uploads[0].TxnID)
	assert.Equal(t, mockfoundry.StatusOpen, f.srv.TransactionStatus(open))
}

func TestStore_SaveAbortsOnUploadFailure(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	f.srv.FailUploads(http.StatusForbidden)

	err := f.store.Save(context.Background(), []enrichment.DeveloperRecord{{OrgNumber: "1"}})
	var se *core.StorageError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, "save", se.Op)

	var aborted bool
	for _, c := range f.srv.Calls() {
		if c.Method == http.MethodPost && filepath.Base(c.Path) == "abort" {
			aborted = true
		}
	}
	assert.True(t, aborted)
}

func TestStore_RetriesTransientUploadFailures(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	f.srv.FailUploads(http.StatusServiceUnavailable)

	err := f.store.Save(context.Background(), []enrichment.DeveloperRecord{{OrgNumber: "1"}})
	require.Error(t, err)

	var uploads int
	for _, c := range f.srv.Calls() {
		if filepath.Base(c.Path) == "upload" {
			uploads++
		}
	}
	assert.Equal(t, 3, uploads)
}

func TestStore_RejectsWrongToken(t *testing.T) {
	t.Parallel()
	srv := mockfoundry.New(t.TempDir(), t.TempDir())
	srv.RequireBearerToken("secret")
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)

	client, err := foundry.NewClient(ts.URL+"/api", "wrong", "")
	require.NoError(t, err)
	store := foundryio.NewStore[enrichment.DeveloperRecord](client, foundry.DatasetRef{RID: datasetRID}, "in.json")

	_, err = store.Load(context.Background())
	var he *foundry.HTTPError
	require.ErrorAs(t, err, &he)
	assert.Equal(t, http.StatusUnauthorized, he.StatusCode)
}
