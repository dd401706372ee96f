package main

import (
	"bytes"
	"context"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	json "github.com/goccy/go-json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shpitdev/developer-enricher/internal/version"
	"github.com/shpitdev/developer-enricher/pkg/mockmcp"
)

func runCLI(t *testing.T, args ...string) (int, string, string) {
	t.Helper()
	var stdout, stderr bytes.Buffer
	code := run(context.Background(), args, &stdout, &stderr)
	return code, stdout.String(), stderr.String()
}

func TestVersion(t *testing.T) {
	code, out, _ := runCLI(t, "version")
	assert.Equal(t, exitOK, code)
	assert.Equal(t, version.Current+"\n", out)
}

func TestUsageErrors(t *testing.T) {
	cases := []struct {
		name string
		args []string
	}{
		{"no command", nil},
		{"unknown command", []string{"nope"}},
		{"unknown flag", []string{"local", "--bogus"}},
		{"bad duration", []string{"local", "--request-timeout", "soon"}},
		{"invalid workers", []string{"local", "--workers", "0"}},
		{"missing config file", []string{"local", "--config", filepath.Join(t.TempDir(), "missing.yaml")}},
		{"unknown group", []string{"local", "--only", "weather"}},
		{"import without source", []string{"sqlite", "import"}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			code, _, stderr := runCLI(t, tc.args...)
			assert.Equal(t, exitUsage, code, stderr)
		})
	}
}

func TestLocalMissingInputFails(t *testing.T) {
	code, _, stderr := runCLI(t, "local", "--input", filepath.Join(t.TempDir(), "missing.json"), "--endpoint", "http://127.0.0.1:1/mcp/")
	assert.Equal(t, exitFailure, code)
	assert.Contains(t, stderr, "error:")
}

func TestLocalAndSQLiteRuns(t *testing.T) {
	mock := mockmcp.New()
	mock.LoadFixtures(mockmcp.Fixtures{
		"selskapsdetaljer": {
			"923609016": json.RawMessage(`{"forretningsadresse":{"adresse":["Forusbeen 50"]},"antallAnsatte":21000}`),
		},
	})
	srv := httptest.NewServer(mock.Handler())
	t.Cleanup(srv.Close)

	dir := t.TempDir()
	input := filepath.Join(dir, "in.json")
	require.NoError(t, os.WriteFile(input, []byte(`[{"orgNumber":"923609016","name":"Equinor"}]`), 0o644))

	common := []string{
		"--endpoint", srv.URL + "/mcp/",
		"--init-delay", "0s",
		"--record-interval", "0s",
		"--log-format", "json",
	}

	output := filepath.Join(dir, "out.json")
	code, _, stderr := runCLI(t, append([]string{"local", "--input", input, "--output", output}, common...)...)
	require.Equal(t, exitOK, code, stderr)
	assert.Contains(t, stderr, `"enrichment complete"`)

	b, err := os.ReadFile(output)
	require.NoError(t, err)
	assert.Contains(t, string(b), "Forusbeen 50")
	in, err := os.ReadFile(input)
	require.NoError(t, err)
	assert.False(t, strings.Contains(string(in), "Forusbeen"), "input must stay untouched")

	db := filepath.Join(dir, "developers.db")
	code, _, stderr = runCLI(t, "sqlite", "--db", db, "--log-format", "json", "import", "--from", input)
	require.Equal(t, exitOK, code, stderr)
	assert.Contains(t, stderr, `"imported records"`)
	assert.Contains(t, stderr, `"records":1`)

	code, _, stderr = runCLI(t, append([]string{"sqlite", "--db", db}, common...)...)
	require.Equal(t, exitOK, code, stderr)
	assert.Contains(t, stderr, `"records":1`)
}
