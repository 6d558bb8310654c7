package logging_test

import (
	"bytes"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ktao732084-arch/openclaw-memory-supersystem-v1.0-sub000/internal/logging"
)

func TestNewJSON(t *testing.T) {
	var buf bytes.Buffer
	logger, err := logging.New("warn", logging.FormatJSON, &buf)
	require.NoError(t, err)

	logger.Info().Msg("hidden")
	logger.Warn().Str("component", "decay").Msg("visible")

	var entry map[string]interface{}
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	assert.Equal(t, "warn", entry["level"])
	assert.Equal(t, "visible", entry["message"])
	assert.Equal(t, "decay", entry["component"])
	assert.Equal(t, "memsys", entry["app"])
}

func TestNewConsole(t *testing.T) {
	var buf bytes.Buffer
	logger, err := logging.New("", "", &buf)
	require.NoError(t, err)

	logger.Debug().Msg("hidden")
	logger.Info().Msg("storage opened")
	assert.Contains(t, buf.String(), "storage opened")
	assert.NotContains(t, buf.String(), "hidden")
}

func TestNewRejectsBadInput(t *testing.T) {
	_, err := logging.New("loud", logging.FormatJSON, nil)
	assert.Error(t, err)

	_, err = logging.New("info", "xml", nil)
	assert.Error(t, err)
}
