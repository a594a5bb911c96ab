package shared

import (
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/coder/llmsimulator/internal/engine"
)

func TestInvalidRequestErrorMessage(t *testing.T) {
	err := &InvalidRequestError{FieldPath: "model", Reason: "required"}
	assert.Contains(t, err.Error(), "model")
	assert.Contains(t, err.Error(), "required")
}

func TestVendorIDPrependsPrefix(t *testing.T) {
	assert.Equal(t, "chatcmpl-abc123", VendorID("chatcmpl-", "abc123"))
	assert.Equal(t, "msg_abc123", VendorID("msg_", "abc123"))
}

func TestWriteErrorJSONSetsStatusAndBody(t *testing.T) {
	w := httptest.NewRecorder()
	err := WriteErrorJSON(w, engine.ErrRateLimited, map[string]string{"message": "slow down"})
	require.NoError(t, err)

	assert.Equal(t, engine.ErrRateLimited.HTTPStatus(), w.Code)
	assert.Equal(t, "application/json", w.Header().Get("Content-Type"))
	assert.Contains(t, w.Body.String(), "slow down")
}

func TestNewStreamWriterSetsSSEHeaders(t *testing.T) {
	w := httptest.NewRecorder()
	sw, err := NewStreamWriter(w)
	require.NoError(t, err)
	require.NotNil(t, sw)

	assert.Equal(t, "text/event-stream", w.Header().Get("Content-Type"))
	assert.Equal(t, "no-cache", w.Header().Get("Cache-Control"))
}

func TestWriteEventFramesUnnamedData(t *testing.T) {
	w := httptest.NewRecorder()
	sw, err := NewStreamWriter(w)
	require.NoError(t, err)

	require.NoError(t, sw.WriteEvent("", map[string]string{"hello": "world"}))
	assert.Contains(t, w.Body.String(), `"hello":"world"`)
	assert.Contains(t, w.Body.String(), "data:")
}

func TestWriteEventFramesNamedData(t *testing.T) {
	w := httptest.NewRecorder()
	sw, err := NewStreamWriter(w)
	require.NoError(t, err)

	require.NoError(t, sw.WriteEvent("content_block_delta", map[string]string{"a": "b"}))
	assert.Contains(t, w.Body.String(), "event: content_block_delta")
}

func TestWriteRawWritesLiteralLine(t *testing.T) {
	w := httptest.NewRecorder()
	sw, err := NewStreamWriter(w)
	require.NoError(t, err)

	require.NoError(t, sw.WriteRaw("[DONE]"))
	assert.Equal(t, "data: [DONE]\n\n", w.Body.String())
}

func TestWriteCommentWritesColonPrefixedLine(t *testing.T) {
	w := httptest.NewRecorder()
	sw, err := NewStreamWriter(w)
	require.NoError(t, err)

	require.NoError(t, sw.WriteComment("keep-alive"))
	assert.Equal(t, ": keep-alive\n\n", w.Body.String())
}

func TestWriteNDJSONWritesNewlineDelimitedObject(t *testing.T) {
	w := httptest.NewRecorder()
	sw, err := NewStreamWriter(w)
	require.NoError(t, err)

	require.NoError(t, sw.WriteNDJSON(map[string]int{"n": 1}))
	require.NoError(t, sw.WriteNDJSON(map[string]int{"n": 2}))

	body := w.Body.String()
	assert.Equal(t, `{"n":1}`+"\n"+`{"n":2}`+"\n", body)
}
