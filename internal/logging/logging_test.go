package logging

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestJSONFormatWritesKeyValues(t *testing.T) {
	var buf bytes.Buffer
	logger := NewWithWriter(&buf, Config{Level: "debug", Format: "json", Prefix: "worker"})

	logger.Debug("synced user", "user_id", "u1", "records", 3)

	var line map[string]any
	require.NoError(t, json.Unmarshal(bytes.TrimSpace(buf.Bytes()), &line))
	require.Equal(t, "synced user", line["msg"])
	require.Equal(t, "u1", line["user_id"])
}

func TestLevelFiltersLowerSeverity(t *testing.T) {
	var buf bytes.Buffer
	logger := NewWithWriter(&buf, Config{Level: "WARN", Format: "logfmt"})

	logger.Info("hidden")
	logger.Warn("shown", "metric", "steps")

	out := buf.String()
	require.NotContains(t, out, "hidden")
	require.Contains(t, out, "shown")
	require.Contains(t, out, "metric=steps")
}

func TestUnknownLevelFallsBackToInfo(t *testing.T) {
	var buf bytes.Buffer
	logger := NewWithWriter(&buf, Config{Level: "chatty"})
	logger.Debug("dropped")
	logger.Info("kept")
	require.False(t, strings.Contains(buf.String(), "dropped"))
	require.Contains(t, buf.String(), "kept")
}

func TestNewWithFileCreatesDirectory(t *testing.T) {
	path := filepath.Join(t.TempDir(), "logs", "fitfolio.log")
	logger, err := New(Config{Level: "info", File: path})
	require.NoError(t, err)
	logger.Info("to file")

	contents, err := os.ReadFile(path)
	require.NoError(t, err)
	require.Contains(t, string(contents), "to file")
}
