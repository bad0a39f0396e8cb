package ctxlogger

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestContextHandler(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(ContextHandler{Handler: slog.NewJSONHandler(&buf, nil)}).With("component", "test")

	parent := AppendCtx(context.Background(), slog.String("request_id", "r1"))
	child := AppendCtx(parent, slog.String("scope_id", "team-1"))

	logger.InfoContext(child, "hello")

	var record map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &record))
	assert.Equal(t, "r1", record["request_id"])
	assert.Equal(t, "team-1", record["scope_id"])
	assert.Equal(t, "test", record["component"])

	buf.Reset()
	logger.InfoContext(parent, "parent only")
	require.NoError(t, json.Unmarshal(buf.Bytes(), &record))
	assert.NotContains(t, buf.String(), "scope_id")
}
