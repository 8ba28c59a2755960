package logcontext

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAppendCtxKeepsParentUntouched(t *testing.T) {
	parent := AppendCtx(context.Background(), slog.String("requestId", "r1"))
	child := AppendCtx(parent, slog.String("paymentId", "p1"))

	assert.Len(t, Attrs(parent), 1)
	assert.Len(t, Attrs(child), 2)
	assert.Nil(t, Attrs(context.Background()))
}

func TestContextHandlerAddsAttrs(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(ContextHandler{Handler: slog.NewJSONHandler(&buf, nil)})
	ctx := AppendCtx(context.Background(), slog.String("runId", "run-1"))

	logger.InfoContext(ctx, "Reconciliation run finished")

	var line map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &line))
	assert.Equal(t, "run-1", line["runId"])
}
