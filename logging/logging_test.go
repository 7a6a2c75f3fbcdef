package logging

import (
	"bytes"
	"context"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoggerLevels(t *testing.T) {
	var buf bytes.Buffer
	log := Logger(&buf, false, slog.LevelWarn)
	log.Info("hidden")
	log.Warn("visible")
	assert.NotContains(t, buf.String(), "hidden")
	assert.Contains(t, buf.String(), "visible")
}

func TestLoggerJSON(t *testing.T) {
	var buf bytes.Buffer
	log := Logger(&buf, true, slog.LevelInfo)
	log.Info("hello", "answer", 42)
	assert.Contains(t, buf.String(), `"msg":"hello"`)
	assert.Contains(t, buf.String(), `"answer":42`)
}

func TestAppendCtx(t *testing.T) {
	var buf bytes.Buffer
	log := Logger(&buf, true, slog.LevelInfo)

	ctx := AppendCtx(context.Background(), slog.String("job", "pack"))
	ctx = AppendCtx(ctx, slog.Int("worker", 3))
	log.InfoContext(ctx, "working")

	out := buf.String()
	require.NotEmpty(t, out)
	assert.Contains(t, out, `"job":"pack"`)
	assert.Contains(t, out, `"worker":3`)

	// attrs stay scoped to their context
	buf.Reset()
	log.InfoContext(context.Background(), "plain")
	assert.NotContains(t, buf.String(), "worker")
}
