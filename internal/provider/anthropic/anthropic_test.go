package anthropic

import (
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/coder/llmsimulator/internal/engine"
)

func TestParseMessagesRequestValid(t *testing.T) {
	body := strings.NewReader(`{"model":"claude-chat","system":"be terse","messages":[{"role":"user","content":"hi"}],"max_tokens":100}`)
	req, err := ParseMessagesRequest(body, "req-1", time.Unix(0, 0), "user-1")
	require.NoError(t, err)

	assert.Equal(t, "claude-chat", req.ModelID)
	require.Len(t, req.Messages, 2)
	assert.Equal(t, engine.RoleSystem, req.Messages[0].Role)
	assert.Equal(t, "be terse", req.Messages[0].Content)
	assert.Equal(t, engine.RoleUser, req.Messages[1].Role)
	assert.Equal(t, 100, req.Parameters.MaxTokens)
}

func TestParseMessagesRequestMissingMaxTokens(t *testing.T) {
	body := strings.NewReader(`{"model":"claude-chat","messages":[{"role":"user","content":"hi"}]}`)
	_, err := ParseMessagesRequest(body, "req-1", time.Now(), "")
	assert.Error(t, err)
}

func TestParseMessagesRequestZeroMaxTokens(t *testing.T) {
	body := strings.NewReader(`{"model":"claude-chat","messages":[{"role":"user","content":"hi"}],"max_tokens":0}`)
	_, err := ParseMessagesRequest(body, "req-1", time.Now(), "")
	assert.Error(t, err)
}

func TestParseMessagesRequestMissingMessages(t *testing.T) {
	body := strings.NewReader(`{"model":"claude-chat","messages":[],"max_tokens":10}`)
	_, err := ParseMessagesRequest(body, "req-1", time.Now(), "")
	assert.Error(t, err)
}

func TestParseMessagesRequestUnknownRole(t *testing.T) {
	body := strings.NewReader(`{"model":"claude-chat","messages":[{"role":"system","content":"hi"}],"max_tokens":10}`)
	_, err := ParseMessagesRequest(body, "req-1", time.Now(), "")
	assert.Error(t, err)
}

func TestParseMessagesRequestStopSequences(t *testing.T) {
	body := strings.NewReader(`{"model":"claude-chat","messages":[{"role":"user","content":"hi"}],"max_tokens":10,"stop_sequences":["a","b"]}`)
	req, err := ParseMessagesRequest(body, "req-1", time.Now(), "")
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b"}, req.Parameters.StopSequences)
}

func TestMessageResponseRoundTrip(t *testing.T) {
	original := &engine.NormalizedResponse{
		ID:           "resp-1",
		ModelID:      "claude-chat",
		FinishReason: engine.FinishLength,
		Choices:      []engine.Choice{{Role: engine.RoleAssistant, Content: "hello"}},
		Usage:        engine.Usage{PromptTokens: 4, CompletionTokens: 6, TotalTokens: 10},
	}

	rendered := RenderMessageResponse(original)
	data, err := json.Marshal(rendered)
	require.NoError(t, err)
	assert.Contains(t, string(data), "msg_resp-1")
	assert.Contains(t, string(data), "max_tokens")

	parsed, err := ParseMessageResponse(data)
	require.NoError(t, err)
	assert.Equal(t, "msg_resp-1", parsed.ID)
	assert.Equal(t, original.ModelID, parsed.ModelID)
	assert.Equal(t, original.Usage, parsed.Usage)
	require.Len(t, parsed.Choices, 1)
	assert.Equal(t, "hello", parsed.Choices[0].Content)
}

func TestStopReasonMapping(t *testing.T) {
	assert.Equal(t, "max_tokens", stopReason(engine.FinishLength))
	assert.Equal(t, "stop_sequence", stopReason(engine.FinishContentFilter))
	assert.Equal(t, "end_turn", stopReason(engine.FinishStop))
}

func TestRenderErrorShape(t *testing.T) {
	rendered := RenderError(engine.ErrServerError, "overloaded")
	data, err := json.Marshal(rendered)
	require.NoError(t, err)
	assert.Contains(t, string(data), "overloaded")
	assert.Contains(t, string(data), "server_error")
}
