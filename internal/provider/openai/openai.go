// Package openai implements the OpenAI-dialect provider adapter (C7): chat
// completions and embeddings, ingress parsing and egress rendering including
// SSE streaming, per spec.md §4.7.
package openai

import (
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/coder/llmsimulator/internal/engine"
	"github.com/coder/llmsimulator/internal/engine/registry"
	"github.com/coder/llmsimulator/internal/provider/shared"
)

const idPrefix = "chatcmpl-"

// chatMessageWire is one OpenAI chat message on the wire.
type chatMessageWire struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// chatCompletionRequestWire is the OpenAI /v1/chat/completions request body.
type chatCompletionRequestWire struct {
	Model       string            `json:"model"`
	Messages    []chatMessageWire `json:"messages"`
	Temperature *float64          `json:"temperature,omitempty"`
	TopP        *float64          `json:"top_p,omitempty"`
	MaxTokens   *int              `json:"max_tokens,omitempty"`
	Stream      bool              `json:"stream,omitempty"`
	Stop        json.RawMessage   `json:"stop,omitempty"`
	User        string            `json:"user,omitempty"`
	Seed        *int64            `json:"seed,omitempty"`
}

// ParseChatRequest parses an OpenAI chat completions request body into a
// NormalizedRequest. OpenAI's quirk honored here (§4.7): `stream: true` is
// the only signal for the streaming path, no header negotiation.
func ParseChatRequest(body io.Reader, requestID string, receivedAt time.Time, authPrincipal string) (*engine.NormalizedRequest, error) {
	var wire chatCompletionRequestWire
	if err := json.NewDecoder(body).Decode(&wire); err != nil {
		return nil, &shared.InvalidRequestError{FieldPath: "$", Reason: "malformed JSON: " + err.Error()}
	}

	if wire.Model == "" {
		return nil, &shared.InvalidRequestError{FieldPath: "model", Reason: "required"}
	}
	if len(wire.Messages) == 0 {
		return nil, &shared.InvalidRequestError{FieldPath: "messages", Reason: "must contain at least one message"}
	}

	messages := make([]engine.Message, 0, len(wire.Messages))
	for i, m := range wire.Messages {
		role, err := parseRole(m.Role)
		if err != nil {
			return nil, &shared.InvalidRequestError{FieldPath: fmt.Sprintf("messages[%d].role", i), Reason: err.Error()}
		}
		messages = append(messages, engine.Message{Role: role, Content: m.Content})
	}

	temperature := 1.0
	if wire.Temperature != nil {
		if *wire.Temperature < 0 || *wire.Temperature > 2 {
			return nil, &shared.InvalidRequestError{FieldPath: "temperature", Reason: "must be within [0, 2]"}
		}
		temperature = *wire.Temperature
	}
	topP := 1.0
	if wire.TopP != nil {
		topP = *wire.TopP
	}
	maxTokens := 0
	if wire.MaxTokens != nil {
		if *wire.MaxTokens < 0 {
			return nil, &shared.InvalidRequestError{FieldPath: "max_tokens", Reason: "must be non-negative"}
		}
		maxTokens = *wire.MaxTokens
	}

	stops, err := parseStop(wire.Stop)
	if err != nil {
		return nil, &shared.InvalidRequestError{FieldPath: "stop", Reason: err.Error()}
	}

	var seedOverride *int64
	if wire.Seed != nil {
		seedOverride = wire.Seed
	}

	return &engine.NormalizedRequest{
		ID:        requestID,
		ModelID:   wire.Model,
		Operation: engine.OperationChat,
		Messages:  messages,
		Parameters: engine.Parameters{
			Temperature:   temperature,
			TopP:          topP,
			MaxTokens:     maxTokens,
			Stream:        wire.Stream,
			StopSequences: stops,
			UserID:        wire.User,
			SeedOverride:  seedOverride,
		},
		ReceivedAt:    receivedAt,
		AuthPrincipal: authPrincipal,
	}, nil
}

func parseRole(s string) (engine.Role, error) {
	switch s {
	case "system":
		return engine.RoleSystem, nil
	case "user":
		return engine.RoleUser, nil
	case "assistant":
		return engine.RoleAssistant, nil
	default:
		return "", fmt.Errorf("unknown role %q", s)
	}
}

func parseStop(raw json.RawMessage) ([]string, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	var single string
	if err := json.Unmarshal(raw, &single); err == nil {
		return []string{single}, nil
	}
	var multi []string
	if err := json.Unmarshal(raw, &multi); err == nil {
		return multi, nil
	}
	return nil, fmt.Errorf("must be a string or array of strings")
}

// embeddingsRequestWire is the OpenAI /v1/embeddings request body. Input may
// be a single string or an array of strings on the wire.
type embeddingsRequestWire struct {
	Model      string          `json:"model"`
	Input      json.RawMessage `json:"input"`
	Dimensions int             `json:"dimensions,omitempty"`
	User       string          `json:"user,omitempty"`
}

// ParseEmbeddingsRequest parses an OpenAI embeddings request body.
func ParseEmbeddingsRequest(body io.Reader, requestID string, receivedAt time.Time, authPrincipal string) (*engine.NormalizedRequest, error) {
	var wire embeddingsRequestWire
	if err := json.NewDecoder(body).Decode(&wire); err != nil {
		return nil, &shared.InvalidRequestError{FieldPath: "$", Reason: "malformed JSON: " + err.Error()}
	}
	if wire.Model == "" {
		return nil, &shared.InvalidRequestError{FieldPath: "model", Reason: "required"}
	}

	inputs, err := parseEmbeddingInput(wire.Input)
	if err != nil {
		return nil, &shared.InvalidRequestError{FieldPath: "input", Reason: err.Error()}
	}
	if len(inputs) == 0 {
		return nil, &shared.InvalidRequestError{FieldPath: "input", Reason: "must contain at least one string"}
	}
	if wire.Dimensions < 0 {
		return nil, &shared.InvalidRequestError{FieldPath: "dimensions", Reason: "must be positive"}
	}

	return &engine.NormalizedRequest{
		ID:                  requestID,
		ModelID:             wire.Model,
		Operation:           engine.OperationEmbedding,
		EmbeddingInput:      inputs,
		Parameters:          engine.Parameters{UserID: wire.User},
		ReceivedAt:          receivedAt,
		AuthPrincipal:       authPrincipal,
		EmbeddingDimensions: wire.Dimensions,
	}, nil
}

func parseEmbeddingInput(raw json.RawMessage) ([]string, error) {
	if len(raw) == 0 {
		return nil, fmt.Errorf("required")
	}
	var single string
	if err := json.Unmarshal(raw, &single); err == nil {
		return []string{single}, nil
	}
	var multi []string
	if err := json.Unmarshal(raw, &multi); err == nil {
		return multi, nil
	}
	return nil, fmt.Errorf("must be a string or array of strings")
}

// chatCompletionResponseWire is the non-streaming /v1/chat/completions
// response body.
type chatCompletionResponseWire struct {
	ID      string           `json:"id"`
	Object  string           `json:"object"`
	Created int64            `json:"created"`
	Model   string           `json:"model"`
	Choices []choiceWire     `json:"choices"`
	Usage   usageWire        `json:"usage"`
}

type choiceWire struct {
	Index        int              `json:"index"`
	Message      *chatMessageWire `json:"message,omitempty"`
	Delta        *chatMessageWire `json:"delta,omitempty"`
	FinishReason *string          `json:"finish_reason"`
}

type usageWire struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// RenderChatResponse renders a completed NormalizedResponse as the OpenAI
// non-streaming JSON body.
func RenderChatResponse(resp *engine.NormalizedResponse) any {
	finish := string(resp.FinishReason)
	content := ""
	if len(resp.Choices) > 0 {
		content = resp.Choices[0].Content
	}
	return chatCompletionResponseWire{
		ID:      shared.VendorID(idPrefix, resp.ID),
		Object:  "chat.completion",
		Created: resp.CreatedAt.Unix(),
		Model:   resp.ModelID,
		Choices: []choiceWire{{
			Index:        0,
			Message:      &chatMessageWire{Role: "assistant", Content: content},
			FinishReason: &finish,
		}},
		Usage: usageWire{
			PromptTokens:     resp.Usage.PromptTokens,
			CompletionTokens: resp.Usage.CompletionTokens,
			TotalTokens:      resp.Usage.TotalTokens,
		},
	}
}

// ParseChatResponse parses our own rendered chat completion JSON back into
// the fields a NormalizedResponse carries, satisfying the §8 round-trip
// testable property. It is not a general-purpose OpenAI response parser.
func ParseChatResponse(data []byte) (*engine.NormalizedResponse, error) {
	var wire chatCompletionResponseWire
	if err := json.Unmarshal(data, &wire); err != nil {
		return nil, err
	}
	resp := &engine.NormalizedResponse{
		ID:      wire.ID,
		ModelID: wire.Model,
		Usage: engine.Usage{
			PromptTokens:     wire.Usage.PromptTokens,
			CompletionTokens: wire.Usage.CompletionTokens,
			TotalTokens:      wire.Usage.TotalTokens,
		},
	}
	if len(wire.Choices) > 0 {
		c := wire.Choices[0]
		if c.FinishReason != nil {
			resp.FinishReason = engine.FinishReason(*c.FinishReason)
		}
		if c.Message != nil {
			resp.Choices = []engine.Choice{{Role: engine.RoleAssistant, Content: c.Message.Content}}
		}
	}
	return resp, nil
}

// WriteStream renders a ChunkEvent sequence as OpenAI SSE chunks (§4.7 wire
// table): unnamed `data:` frames, keep-alive as comment lines, `[DONE]`
// sentinel terminal frame. A mid-stream Error renders as a final data chunk
// carrying an error object with no following [DONE], per the vendor error
// convention.
func WriteStream(sw *shared.StreamWriter, modelID string, events <-chan engine.ChunkEvent) error {
	responseID := ""
	created := time.Now().Unix()
	roleSent := false

	for ev := range events {
		switch ev.Kind {
		case engine.ChunkStart:
			responseID = shared.VendorID(idPrefix, ev.ResponseID)
			chunk := chatCompletionResponseWire{
				ID:      responseID,
				Object:  "chat.completion.chunk",
				Created: created,
				Model:   modelID,
				Choices: []choiceWire{{Index: 0, Delta: &chatMessageWire{Role: "assistant"}}},
			}
			if err := sw.WriteEvent("", chunk); err != nil {
				return err
			}
			roleSent = true

		case engine.ChunkDelta:
			delta := &chatMessageWire{Content: ev.Text}
			if !roleSent {
				delta.Role = "assistant"
				roleSent = true
			}
			chunk := chatCompletionResponseWire{
				ID:      responseID,
				Object:  "chat.completion.chunk",
				Created: created,
				Model:   modelID,
				Choices: []choiceWire{{Index: 0, Delta: delta}},
			}
			if err := sw.WriteEvent("", chunk); err != nil {
				return err
			}

		case engine.ChunkKeepAlive:
			if err := sw.WriteComment("keep-alive"); err != nil {
				return err
			}

		case engine.ChunkEnd:
			finish := string(ev.FinishReason)
			chunk := chatCompletionResponseWire{
				ID:      responseID,
				Object:  "chat.completion.chunk",
				Created: created,
				Model:   modelID,
				Choices: []choiceWire{{Index: 0, Delta: &chatMessageWire{}, FinishReason: &finish}},
				Usage: usageWire{
					PromptTokens:     ev.Usage.PromptTokens,
					CompletionTokens: ev.Usage.CompletionTokens,
					TotalTokens:      ev.Usage.TotalTokens,
				},
			}
			if err := sw.WriteEvent("", chunk); err != nil {
				return err
			}
			return sw.WriteRaw("[DONE]")

		case engine.ChunkError:
			errBody := errorEnvelope{Error: errorDetail{Message: ev.Message, Type: string(ev.ErrorKind)}}
			return sw.WriteEvent("", errBody)
		}
	}
	return nil
}

type errorDetail struct {
	Message string `json:"message"`
	Type    string `json:"type"`
}

type errorEnvelope struct {
	Error errorDetail `json:"error"`
}

// RenderError renders a fail-fast (pre-stream) error as the OpenAI error
// envelope.
func RenderError(kind engine.ErrorKind, message string) any {
	return errorEnvelope{Error: errorDetail{Message: message, Type: string(kind)}}
}

// embeddingsResponseWire is the /v1/embeddings response body.
type embeddingsResponseWire struct {
	Object string            `json:"object"`
	Data   []embeddingObject `json:"data"`
	Model  string            `json:"model"`
	Usage  usageWire         `json:"usage"`
}

type embeddingObject struct {
	Object    string    `json:"object"`
	Index     int       `json:"index"`
	Embedding []float32 `json:"embedding"`
}

// modelObjectWire is one entry of the GET /v1/models listing.
type modelObjectWire struct {
	ID      string `json:"id"`
	Object  string `json:"object"`
	OwnedBy string `json:"owned_by"`
}

type modelsListWire struct {
	Object string            `json:"object"`
	Data   []modelObjectWire `json:"data"`
}

// RenderModelsList renders the GET /v1/models listing from registry
// descriptors.
func RenderModelsList(descriptors []registry.Descriptor) any {
	data := make([]modelObjectWire, len(descriptors))
	for i, d := range descriptors {
		data[i] = modelObjectWire{ID: d.ID, Object: "model", OwnedBy: d.Owner}
	}
	return modelsListWire{Object: "list", Data: data}
}

// RenderModel renders a single GET /v1/models/{id} entry.
func RenderModel(d registry.Descriptor) any {
	return modelObjectWire{ID: d.ID, Object: "model", OwnedBy: d.Owner}
}

// RenderEmbeddingsResponse renders a completed embedding NormalizedResponse.
func RenderEmbeddingsResponse(resp *engine.NormalizedResponse) any {
	data := make([]embeddingObject, len(resp.Embeddings))
	for i, v := range resp.Embeddings {
		data[i] = embeddingObject{Object: "embedding", Index: i, Embedding: v}
	}
	return embeddingsResponseWire{
		Object: "list",
		Data:   data,
		Model:  resp.ModelID,
		Usage: usageWire{
			PromptTokens: resp.Usage.PromptTokens,
			TotalTokens:  resp.Usage.TotalTokens,
		},
	}
}
