package log

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

func TestNewWriter_JSON(t *testing.T) {
	var buf bytes.Buffer
	l, err := NewWriter(&buf, LevelInfo, FormatJSON)
	require.NoError(t, err)

	l.Debug("hidden")
	l.Info("run started", zap.String("run_id", "r1"))
	require.NoError(t, l.Sync())

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.Len(t, lines, 1)

	var entry map[string]interface{}
	require.NoError(t, json.Unmarshal([]byte(lines[0]), &entry))
	assert.Equal(t, "run started", entry["message"])
	assert.Equal(t, "INFO", entry["lvl"])
	assert.Equal(t, "r1", entry["run_id"])
}

func TestSetLevel(t *testing.T) {
	var buf bytes.Buffer
	l, err := NewWriter(&buf, LevelWarn, FormatConsole)
	require.NoError(t, err)
	child := l.Named("engine")

	child.Info("before")
	require.NoError(t, l.SetLevel(LevelDebug))
	assert.Equal(t, "debug", l.Level())
	child.Debug("after")

	out := buf.String()
	assert.NotContains(t, out, "before")
	assert.Contains(t, out, "after")

	assert.Error(t, l.SetLevel("verbose"))
}

func TestNewWriter_Errors(t *testing.T) {
	_, err := NewWriter(&bytes.Buffer{}, "loud", FormatJSON)
	assert.ErrorContains(t, err, "unknown log level")

	_, err = NewWriter(&bytes.Buffer{}, LevelInfo, "xml")
	assert.ErrorContains(t, err, "unknown log format")
}

func TestParseLevel(t *testing.T) {
	tests := []struct {
		in   string
		want zapcore.Level
	}{
		{"", zapcore.InfoLevel},
		{LevelDebug, zapcore.DebugLevel},
		{LevelInfo, zapcore.InfoLevel},
		{LevelWarn, zapcore.WarnLevel},
		{LevelError, zapcore.ErrorLevel},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseLevel(tt.in)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}
