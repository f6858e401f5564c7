package logging

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func decodeLines(t *testing.T, buf *bytes.Buffer) []map[string]any {
	t.Helper()

	var records []map[string]any

	for line := range strings.SplitSeq(strings.TrimSpace(buf.String()), "\n") {
		if line == "" {
			continue
		}

		var record map[string]any
		require.NoError(t, json.Unmarshal([]byte(line), &record))

		records = append(records, record)
	}

	return records
}

func TestNew_FiltersPerModule(t *testing.T) {
	t.Parallel()

	filter, err := ParseFilter("info,kube=warn,cache=debug")
	require.NoError(t, err)

	var buf bytes.Buffer

	logger, err := New(&buf, FormatJSON, filter)
	require.NoError(t, err)

	Module(logger, "kube").Info("client chatter")
	Module(logger, "kube").Warn("client trouble")
	Module(logger, "cache").Debug("cache detail")
	Module(logger, "queue").Debug("queue detail")
	logger.Info("controller started")

	records := decodeLines(t, &buf)
	require.Len(t, records, 3)

	assert.Equal(t, "client trouble", records[0]["msg"])
	assert.Equal(t, "kube", records[0][ModuleKey])
	assert.Equal(t, "cache detail", records[1]["msg"])
	assert.Equal(t, "controller started", records[2]["msg"])
}

func TestNew_ModuleOff(t *testing.T) {
	t.Parallel()

	filter, err := ParseFilter("info,kube=off")
	require.NoError(t, err)

	var buf bytes.Buffer

	logger, err := New(&buf, FormatText, filter)
	require.NoError(t, err)

	Module(logger, "kube").Error("should not appear")
	Module(logger, "leader").Info("acquired lease")

	assert.NotContains(t, buf.String(), "should not appear")
	assert.Contains(t, buf.String(), "acquired lease")
	assert.Contains(t, buf.String(), "logger=leader")
}

func TestNew_Console(t *testing.T) {
	t.Parallel()

	filter, err := ParseFilter("debug")
	require.NoError(t, err)

	var buf bytes.Buffer

	logger, err := New(&buf, FormatConsole, filter)
	require.NoError(t, err)

	Module(logger, "sidecar").WithGroup("pod").Info("shut down container",
		"container", "istio-proxy",
		"attempt", 2,
		"error", errors.New("boom"),
	)

	out := buf.String()
	assert.Contains(t, out, "shut down container")
	assert.Contains(t, out, "istio-proxy")
	assert.Contains(t, out, "pod.container")
	assert.Contains(t, out, "boom")
}

func TestNew_UnknownFormat(t *testing.T) {
	t.Parallel()

	_, err := New(&bytes.Buffer{}, "xml", Filter{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "xml")
}
