package tracing

import (
	"bytes"
	"context"
	"log/slog"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSpanTree(t *testing.T) {
	ctx, root := StartSpan(context.Background(), "search", "")
	require.Len(t, root.TraceID, 26)

	_, parse := StartChildSpan(ctx, "parse")
	parse.SetAttr("terms", 2)
	parse.End()
	_, rank := StartChildSpan(ctx, "rank")
	rank.End()
	root.End()

	assert.Same(t, root, SpanFromContext(ctx))
	require.Len(t, root.Children, 2)
	assert.Equal(t, root.TraceID, root.Children[1].TraceID)

	var buf bytes.Buffer
	root.Log(slog.New(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug})))
	out := buf.String()
	assert.Equal(t, 3, strings.Count(out, "msg=span"))
	assert.Contains(t, out, "terms=2")
}

func TestStartChildSpan_NoParent(t *testing.T) {
	_, span := StartChildSpan(context.Background(), "orphan")
	assert.NotEmpty(t, span.TraceID)
	assert.Nil(t, SpanFromContext(context.Background()))
}
