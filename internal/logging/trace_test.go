package logging

import (
	"bytes"
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewRequestID(t *testing.T) {
	id1 := NewRequestID()
	id2 := NewRequestID()
	assert.Len(t, id1, 36)
	assert.NotEqual(t, id1, id2)
}

func TestWithRequestID(t *testing.T) {
	ctx := WithRequestID(context.Background(), "test-id-123")
	assert.Equal(t, "test-id-123", GetRequestID(ctx))

	ctx = WithRequestID(context.Background(), "")
	assert.Len(t, GetRequestID(ctx), 36)

	assert.Empty(t, GetRequestID(context.Background()))
}

func TestFromContextTagsRequestID(t *testing.T) {
	var buf bytes.Buffer
	SetOutput(&buf)
	t.Cleanup(func() { SetOutput(nopWriter{}) })

	ctx := WithRequestID(context.Background(), "req-7")
	New("server").FromContext(ctx).Info("handled", nil)

	var line map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &line))
	assert.Equal(t, "req-7", line["request_id"])
}
