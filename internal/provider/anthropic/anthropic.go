// Package anthropic implements the Anthropic-dialect provider adapter (C7):
// the /v1/messages surface, ingress parsing and egress rendering including
// the named-SSE-event streaming protocol, per spec.md §4.7.
package anthropic

import (
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/coder/llmsimulator/internal/engine"
	"github.com/coder/llmsimulator/internal/provider/shared"
)

const idPrefix = "msg_"

type messageWire struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// messagesRequestWire is the Anthropic /v1/messages request body.
// max_tokens is mandatory, unlike the OpenAI dialect (§4.7 vendor quirk).
type messagesRequestWire struct {
	Model       string          `json:"model"`
	Messages    []messageWire   `json:"messages"`
	System      string          `json:"system,omitempty"`
	MaxTokens   *int            `json:"max_tokens"`
	Temperature *float64        `json:"temperature,omitempty"`
	TopP        *float64        `json:"top_p,omitempty"`
	Stream      bool            `json:"stream,omitempty"`
	StopSeqs    json.RawMessage `json:"stop_sequences,omitempty"`
}

// ParseMessagesRequest parses an Anthropic /v1/messages request. Honors the
// vendor quirk that max_tokens is mandatory.
func ParseMessagesRequest(body io.Reader, requestID string, receivedAt time.Time, authPrincipal string) (*engine.NormalizedRequest, error) {
	var wire messagesRequestWire
	if err := json.NewDecoder(body).Decode(&wire); err != nil {
		return nil, &shared.InvalidRequestError{FieldPath: "$", Reason: "malformed JSON: " + err.Error()}
	}

	if wire.Model == "" {
		return nil, &shared.InvalidRequestError{FieldPath: "model", Reason: "required"}
	}
	if len(wire.Messages) == 0 {
		return nil, &shared.InvalidRequestError{FieldPath: "messages", Reason: "must contain at least one message"}
	}
	if wire.MaxTokens == nil {
		return nil, &shared.InvalidRequestError{FieldPath: "max_tokens", Reason: "required"}
	}
	if *wire.MaxTokens <= 0 {
		return nil, &shared.InvalidRequestError{FieldPath: "max_tokens", Reason: "must be positive"}
	}

	messages := make([]engine.Message, 0, len(wire.Messages)+1)
	if wire.System != "" {
		messages = append(messages, engine.Message{Role: engine.RoleSystem, Content: wire.System})
	}
	for i, m := range wire.Messages {
		role, err := parseRole(m.Role)
		if err != nil {
			return nil, &shared.InvalidRequestError{FieldPath: fmt.Sprintf("messages[%d].role", i), Reason: err.Error()}
		}
		messages = append(messages, engine.Message{Role: role, Content: m.Content})
	}

	temperature := 1.0
	if wire.Temperature != nil {
		temperature = *wire.Temperature
	}
	topP := 1.0
	if wire.TopP != nil {
		topP = *wire.TopP
	}

	stops, err := parseStopSequences(wire.StopSeqs)
	if err != nil {
		return nil, &shared.InvalidRequestError{FieldPath: "stop_sequences", Reason: err.Error()}
	}

	return &engine.NormalizedRequest{
		ID:        requestID,
		ModelID:   wire.Model,
		Operation: engine.OperationChat,
		Messages:  messages,
		Parameters: engine.Parameters{
			Temperature:   temperature,
			TopP:          topP,
			MaxTokens:     *wire.MaxTokens,
			Stream:        wire.Stream,
			StopSequences: stops,
		},
		ReceivedAt:    receivedAt,
		AuthPrincipal: authPrincipal,
	}, nil
}

func parseRole(s string) (engine.Role, error) {
	switch s {
	case "user":
		return engine.RoleUser, nil
	case "assistant":
		return engine.RoleAssistant, nil
	default:
		return "", fmt.Errorf("unknown role %q (anthropic messages carry system separately)", s)
	}
}

func parseStopSequences(raw json.RawMessage) ([]string, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	var out []string
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, fmt.Errorf("must be an array of strings")
	}
	return out, nil
}

// messagesResponseWire is the non-streaming /v1/messages response body.
type messagesResponseWire struct {
	ID           string             `json:"id"`
	Type         string             `json:"type"`
	Role         string             `json:"role"`
	Model        string             `json:"model"`
	Content      []contentBlockWire `json:"content"`
	StopReason   string             `json:"stop_reason"`
	Usage        usageWire          `json:"usage"`
}

type contentBlockWire struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

type usageWire struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

// stopReason maps the engine's vendor-neutral finish reason to Anthropic's
// vocabulary.
func stopReason(f engine.FinishReason) string {
	switch f {
	case engine.FinishLength:
		return "max_tokens"
	case engine.FinishContentFilter:
		return "stop_sequence"
	default:
		return "end_turn"
	}
}

// RenderMessageResponse renders a completed NormalizedResponse as the
// Anthropic non-streaming JSON body.
func RenderMessageResponse(resp *engine.NormalizedResponse) any {
	content := ""
	if len(resp.Choices) > 0 {
		content = resp.Choices[0].Content
	}
	return messagesResponseWire{
		ID:         shared.VendorID(idPrefix, resp.ID),
		Type:       "message",
		Role:       "assistant",
		Model:      resp.ModelID,
		Content:    []contentBlockWire{{Type: "text", Text: content}},
		StopReason: stopReason(resp.FinishReason),
		Usage:      usageWire{InputTokens: resp.Usage.PromptTokens, OutputTokens: resp.Usage.CompletionTokens},
	}
}

// ParseMessageResponse parses our own rendered /v1/messages JSON back into a
// NormalizedResponse, satisfying the §8 round-trip testable property.
func ParseMessageResponse(data []byte) (*engine.NormalizedResponse, error) {
	var wire messagesResponseWire
	if err := json.Unmarshal(data, &wire); err != nil {
		return nil, err
	}
	text := ""
	if len(wire.Content) > 0 {
		text = wire.Content[0].Text
	}
	return &engine.NormalizedResponse{
		ID:      wire.ID,
		ModelID: wire.Model,
		Choices: []engine.Choice{{Role: engine.RoleAssistant, Content: text}},
		Usage:   engine.Usage{PromptTokens: wire.Usage.InputTokens, CompletionTokens: wire.Usage.OutputTokens, TotalTokens: wire.Usage.InputTokens + wire.Usage.OutputTokens},
	}, nil
}

// message_start/delta/stop event payloads.
type messageStartPayload struct {
	Type    string               `json:"type"`
	Message messagesResponseWire `json:"message"`
}

type contentBlockStartPayload struct {
	Type         string           `json:"type"`
	Index        int              `json:"index"`
	ContentBlock contentBlockWire `json:"content_block"`
}

type textDeltaWire struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

type contentBlockDeltaPayload struct {
	Type  string        `json:"type"`
	Index int           `json:"index"`
	Delta textDeltaWire `json:"delta"`
}

type contentBlockStopPayload struct {
	Type  string `json:"type"`
	Index int    `json:"index"`
}

type messageDeltaInner struct {
	StopReason string `json:"stop_reason"`
}

type messageDeltaPayload struct {
	Type  string            `json:"type"`
	Delta messageDeltaInner `json:"delta"`
	Usage usageWire         `json:"usage"`
}

type messageStopPayload struct {
	Type string `json:"type"`
}

// WriteStream renders a ChunkEvent sequence as Anthropic's named-SSE-event
// protocol (§4.7 wire table / §8 scenario E6): message_start,
// content_block_start, content_block_delta*, content_block_stop,
// message_delta, message_stop. A mid-stream error renders as an `error`
// event followed by connection close (the caller closes the connection by
// returning from the handler; WriteStream itself just stops emitting).
func WriteStream(sw *shared.StreamWriter, modelID string, events <-chan engine.ChunkEvent) error {
	for ev := range events {
		switch ev.Kind {
		case engine.ChunkStart:
			start := messageStartPayload{
				Type: "message_start",
				Message: messagesResponseWire{
					ID:    shared.VendorID(idPrefix, ev.ResponseID),
					Type:  "message",
					Role:  "assistant",
					Model: modelID,
				},
			}
			if err := sw.WriteEvent("message_start", start); err != nil {
				return err
			}
			if err := sw.WriteEvent("content_block_start", contentBlockStartPayload{
				Type: "content_block_start", Index: 0, ContentBlock: contentBlockWire{Type: "text", Text: ""},
			}); err != nil {
				return err
			}

		case engine.ChunkDelta:
			if err := sw.WriteEvent("content_block_delta", contentBlockDeltaPayload{
				Type: "content_block_delta", Index: 0, Delta: textDeltaWire{Type: "text_delta", Text: ev.Text},
			}); err != nil {
				return err
			}

		case engine.ChunkKeepAlive:
			if err := sw.WriteComment("keep-alive"); err != nil {
				return err
			}

		case engine.ChunkEnd:
			if err := sw.WriteEvent("content_block_stop", contentBlockStopPayload{Type: "content_block_stop", Index: 0}); err != nil {
				return err
			}
			if err := sw.WriteEvent("message_delta", messageDeltaPayload{
				Type:  "message_delta",
				Delta: messageDeltaInner{StopReason: stopReason(ev.FinishReason)},
				Usage: usageWire{InputTokens: ev.Usage.PromptTokens, OutputTokens: ev.Usage.CompletionTokens},
			}); err != nil {
				return err
			}
			return sw.WriteEvent("message_stop", messageStopPayload{Type: "message_stop"})

		case engine.ChunkError:
			return sw.WriteEvent("error", errorEnvelope{Type: "error", Error: errorDetail{Type: string(ev.ErrorKind), Message: ev.Message}})
		}
	}
	return nil
}

type errorDetail struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

type errorEnvelope struct {
	Type  string      `json:"type"`
	Error errorDetail `json:"error"`
}

// RenderError renders a fail-fast (pre-stream) error as the Anthropic error
// envelope.
func RenderError(kind engine.ErrorKind, message string) any {
	return errorEnvelope{Type: "error", Error: errorDetail{Type: string(kind), Message: message}}
}
