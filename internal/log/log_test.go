package log_test

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/CZERTAINLY/Herald/internal/log"
)

func TestContextAttrs(t *testing.T) {
	var buf bytes.Buffer
	logger := log.NewTo(&buf, false).With("component", "test")

	ctx := log.ContextAttrs(context.Background(), slog.String("run_id", "r1"))
	ctx = log.ContextAttrs(ctx, slog.String("runnable", "echo"))
	logger.InfoContext(ctx, "hello")
	logger.DebugContext(ctx, "hidden")

	var rec map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &rec))
	require.Equal(t, "hello", rec["msg"])
	require.Equal(t, "r1", rec["run_id"])
	require.Equal(t, "echo", rec["runnable"])
	require.Equal(t, "test", rec["component"])
}

func TestVerbose(t *testing.T) {
	var buf bytes.Buffer
	log.NewTo(&buf, true).Debug("visible")
	require.Contains(t, buf.String(), "visible")
}

func TestContextAttrsSiblings(t *testing.T) {
	var buf bytes.Buffer
	logger := log.NewTo(&buf, false)

	parent := log.ContextAttrs(context.Background(), slog.String("cmd", "run"))
	a := log.ContextAttrs(parent, slog.String("run_id", "a"))
	_ = log.ContextAttrs(parent, slog.String("run_id", "b"))
	logger.InfoContext(a, "first")

	var rec map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &rec))
	require.Equal(t, "a", rec["run_id"])
}
