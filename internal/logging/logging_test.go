package logging_test

import (
	"bytes"
	"encoding/json"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bavix/nestbridge/internal/logging"
)

func TestParseLevel(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		level    string
		expected zerolog.Level
	}{
		{name: "debug level", level: "debug", expected: zerolog.DebugLevel},
		{name: "trace level", level: "trace", expected: zerolog.TraceLevel},
		{name: "warn level", level: "warn", expected: zerolog.WarnLevel},
		{name: "uppercase level", level: "DEBUG", expected: zerolog.DebugLevel},
		{name: "whitespace level", level: " error ", expected: zerolog.ErrorLevel},
		{name: "empty level", level: "", expected: zerolog.InfoLevel},
		{name: "invalid level", level: "verbose", expected: zerolog.InfoLevel},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			assert.Equal(t, tt.expected, logging.ParseLevel(tt.level))
		})
	}
}

func TestNewJSON(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer

	logger := logging.New(&buf, "nestbridge", "info", "json")
	deviceLogger := logging.Device(logger, "dev-1")
	deviceLogger.Info().Str("family", "mode").Msg("flushed")
	logger.Debug().Msg("hidden")

	var entry map[string]any
	require.NoError(t, json.Unmarshal(bytes.TrimSpace(buf.Bytes()), &entry))

	assert.Equal(t, "nestbridge", entry["app"])
	assert.Equal(t, "dev-1", entry["device_id"])
	assert.Equal(t, "mode", entry["family"])
	assert.Equal(t, "flushed", entry["message"])
	assert.Contains(t, entry, "time")
}

func TestNewConsole(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer

	logger := logging.New(&buf, "nestbridge", "debug", "Console")
	logger.Debug().Msg("console message")

	assert.Contains(t, buf.String(), "console message")
	assert.NotContains(t, buf.String(), `"message"`)
}
