package log

import (
	"bytes"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func initBuffer(t *testing.T) *bytes.Buffer {
	t.Helper()
	buf := &bytes.Buffer{}
	Init(Config{Level: DebugLevel, JSONOutput: true, Output: buf})
	return buf
}

func lastLine(t *testing.T, buf *bytes.Buffer) map[string]any {
	t.Helper()
	lines := bytes.Split(bytes.TrimSpace(buf.Bytes()), []byte("\n"))
	require.NotEmpty(t, lines)
	var entry map[string]any
	require.NoError(t, json.Unmarshal(lines[len(lines)-1], &entry))
	return entry
}

// Level methods are chained directly on the helper results all over the
// codebase, so the helpers must return something those methods hang off.
func TestChildLoggersChainLevelMethods(t *testing.T) {
	buf := initBuffer(t)

	WithComponent("scheduler").Info().Msg("cycle done")
	entry := lastLine(t, buf)
	assert.Equal(t, "scheduler", entry["component"])
	assert.Equal(t, "cycle done", entry["message"])

	WithWorkerID("worker-1").Warn().Msg("drain started")
	entry = lastLine(t, buf)
	assert.Equal(t, "worker-1", entry["worker_id"])
	assert.Equal(t, "warn", entry["level"])

	WithInstanceID("inst-1").Error().Msg("placement failed")
	entry = lastLine(t, buf)
	assert.Equal(t, "inst-1", entry["instance_id"])

	WithDefinitionID("def-1").Debug().Msg("artifact synced")
	entry = lastLine(t, buf)
	assert.Equal(t, "def-1", entry["definition_id"])
}

func TestChildLoggersExtendWithContext(t *testing.T) {
	buf := initBuffer(t)

	logger := WithComponent("elector").With().Str("service", "scheduler").Logger()
	logger.Info().Uint64("epoch", 3).Msg("acquired leadership")

	entry := lastLine(t, buf)
	assert.Equal(t, "elector", entry["component"])
	assert.Equal(t, "scheduler", entry["service"])
	assert.Equal(t, float64(3), entry["epoch"])
}
