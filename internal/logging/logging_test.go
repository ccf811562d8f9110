package logging

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLevel(t *testing.T) {
	assert.Equal(t, slog.LevelInfo, Level(0))
	assert.Equal(t, slog.LevelDebug, Level(1))
	assert.Equal(t, slog.LevelDebug, Level(3))
}

func TestParseLevel(t *testing.T) {
	lvl, ok, err := ParseLevel("warn")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, slog.LevelWarn, lvl)

	_, ok, err = ParseLevel("none")
	require.NoError(t, err)
	assert.False(t, ok)

	_, _, err = ParseLevel("loud")
	assert.Error(t, err)
}

func TestFanout_RespectsLevels(t *testing.T) {
	var info, debug bytes.Buffer
	h := Fanout(
		slog.NewTextHandler(&info, &slog.HandlerOptions{Level: slog.LevelInfo}),
		slog.NewJSONHandler(&debug, &slog.HandlerOptions{Level: slog.LevelDebug}),
	)
	logger := slog.New(h).With("component", "test")

	logger.Debug("Only in debug")
	logger.Info("In both", "pages", 3)

	assert.NotContains(t, info.String(), "Only in debug")
	assert.Contains(t, info.String(), "In both")
	assert.Contains(t, info.String(), "component=test")

	lines := strings.Split(strings.TrimSpace(debug.String()), "\n")
	require.Len(t, lines, 2)
	var rec map[string]any
	require.NoError(t, json.Unmarshal([]byte(lines[1]), &rec))
	assert.Equal(t, "In both", rec["msg"])
	assert.Equal(t, float64(3), rec["pages"])
	assert.Equal(t, "test", rec["component"])
}

func TestSetup_WritesJSONFile(t *testing.T) {
	prev := slog.Default()
	defer slog.SetDefault(prev)

	path := filepath.Join(t.TempDir(), "pagecapture.log")
	closer := Setup(slog.LevelDebug, path)
	slog.Debug("Recorder created", "encoder", "wav")
	require.NoError(t, closer.Close())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"msg":"Recorder created"`)
	assert.Contains(t, string(data), `"encoder":"wav"`)
}
