package logging_test

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	json "github.com/goccy/go-json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shpitdev/developer-enricher/internal/config"
	"github.com/shpitdev/developer-enricher/internal/logging"
)

func TestNew_JSONLevelFilter(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	logger, closer, err := logging.New(config.LogConfig{Level: "warn", Format: "json"}, &buf)
	require.NoError(t, err)
	defer closer.Close()

	logger.Info().Msg("hidden")
	logger.Warn().Str("org", "923609016").Msg("shown")

	lines := bytes.Split(bytes.TrimSpace(buf.Bytes()), []byte("\n"))
	require.Len(t, lines, 1)
	var ev map[string]any
	require.NoError(t, json.Unmarshal(lines[0], &ev))
	assert.Equal(t, "shown", ev["message"])
	assert.Equal(t, "923609016", ev["org"])
	assert.Contains(t, ev, "time")
}

func TestNew_ConsoleAndFile(t *testing.T) {
	t.Parallel()

	file := filepath.Join(t.TempDir(), "enricher.log")
	var buf bytes.Buffer
	logger, closer, err := logging.New(config.LogConfig{Level: "debug", Format: "console", File: file, MaxSizeMB: 1}, &buf)
	require.NoError(t, err)

	logger.Debug().Msg("call finished")
	require.NoError(t, closer.Close())

	assert.Contains(t, buf.String(), "call finished")
	assert.NotContains(t, buf.String(), `"message"`)

	b, err := os.ReadFile(file)
	require.NoError(t, err)
	assert.Contains(t, string(b), `"message":"call finished"`)
}

func TestNew_InvalidLevel(t *testing.T) {
	t.Parallel()

	_, _, err := logging.New(config.LogConfig{Level: "loud", Format: "json"}, &bytes.Buffer{})
	assert.Error(t, err)
}
