// Package google implements the Google Gemini-dialect provider adapter (C7):
// generateContent, ingress parsing and egress rendering, per spec.md §4.7.
// The model id arrives in the URL path rather than the body (§4.7 vendor
// quirk); ParseGenerateContentRequest takes it as a separate argument.
package google

import (
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/coder/llmsimulator/internal/engine"
	"github.com/coder/llmsimulator/internal/provider/shared"
)

type partWire struct {
	Text string `json:"text"`
}

type contentWire struct {
	Role  string     `json:"role"`
	Parts []partWire `json:"parts"`
}

type generationConfigWire struct {
	Temperature     *float64 `json:"temperature,omitempty"`
	TopP            *float64 `json:"topP,omitempty"`
	MaxOutputTokens *int     `json:"maxOutputTokens,omitempty"`
	StopSequences   []string `json:"stopSequences,omitempty"`
}

// generateContentRequestWire is the Gemini generateContent request body.
type generateContentRequestWire struct {
	Contents         []contentWire         `json:"contents"`
	SystemInstruction *contentWire         `json:"systemInstruction,omitempty"`
	GenerationConfig *generationConfigWire `json:"generationConfig,omitempty"`
}

// ParseGenerateContentRequest parses a Gemini generateContent request body.
// modelID comes from the URL path segment preceding ":generateContent"
// (§4.7 vendor quirk), not the body.
func ParseGenerateContentRequest(body io.Reader, modelID, requestID string, receivedAt time.Time, authPrincipal string) (*engine.NormalizedRequest, error) {
	if modelID == "" {
		return nil, &shared.InvalidRequestError{FieldPath: "$.path", Reason: "model segment required"}
	}

	var wire generateContentRequestWire
	if err := json.NewDecoder(body).Decode(&wire); err != nil {
		return nil, &shared.InvalidRequestError{FieldPath: "$", Reason: "malformed JSON: " + err.Error()}
	}
	if len(wire.Contents) == 0 {
		return nil, &shared.InvalidRequestError{FieldPath: "contents", Reason: "must contain at least one entry"}
	}

	messages := make([]engine.Message, 0, len(wire.Contents)+1)
	if wire.SystemInstruction != nil {
		messages = append(messages, engine.Message{Role: engine.RoleSystem, Content: joinParts(wire.SystemInstruction.Parts)})
	}
	for i, c := range wire.Contents {
		role, err := parseRole(c.Role)
		if err != nil {
			return nil, &shared.InvalidRequestError{FieldPath: fmt.Sprintf("contents[%d].role", i), Reason: err.Error()}
		}
		messages = append(messages, engine.Message{Role: role, Content: joinParts(c.Parts)})
	}

	params := engine.Parameters{Temperature: 1.0, TopP: 1.0}
	if wire.GenerationConfig != nil {
		if wire.GenerationConfig.Temperature != nil {
			params.Temperature = *wire.GenerationConfig.Temperature
		}
		if wire.GenerationConfig.TopP != nil {
			params.TopP = *wire.GenerationConfig.TopP
		}
		if wire.GenerationConfig.MaxOutputTokens != nil {
			params.MaxTokens = *wire.GenerationConfig.MaxOutputTokens
		}
		params.StopSequences = wire.GenerationConfig.StopSequences
	}

	return &engine.NormalizedRequest{
		ID:            requestID,
		ModelID:       modelID,
		Operation:     engine.OperationChat,
		Messages:      messages,
		Parameters:    params,
		ReceivedAt:    receivedAt,
		AuthPrincipal: authPrincipal,
	}, nil
}

func joinParts(parts []partWire) string {
	out := ""
	for i, p := range parts {
		if i > 0 {
			out += "\n"
		}
		out += p.Text
	}
	return out
}

func parseRole(s string) (engine.Role, error) {
	switch s {
	case "", "user":
		return engine.RoleUser, nil
	case "model":
		return engine.RoleAssistant, nil
	default:
		return "", fmt.Errorf("unknown role %q", s)
	}
}

// finishReason maps the engine's vendor-neutral finish reason to Gemini's
// vocabulary.
func finishReason(f engine.FinishReason) string {
	switch f {
	case engine.FinishLength:
		return "MAX_TOKENS"
	case engine.FinishContentFilter:
		return "SAFETY"
	default:
		return "STOP"
	}
}

type candidateWire struct {
	Content      contentWire `json:"content"`
	FinishReason string      `json:"finishReason"`
	Index        int         `json:"index"`
}

type usageMetadataWire struct {
	PromptTokenCount     int `json:"promptTokenCount"`
	CandidatesTokenCount int `json:"candidatesTokenCount"`
	TotalTokenCount      int `json:"totalTokenCount"`
}

// generateContentResponseWire is the non-streaming generateContent response
// body. Google's dialect carries no top-level response id (§4.7).
type generateContentResponseWire struct {
	Candidates    []candidateWire    `json:"candidates"`
	UsageMetadata usageMetadataWire `json:"usageMetadata"`
}

// RenderGenerateContentResponse renders a completed NormalizedResponse as the
// Gemini generateContent JSON body.
func RenderGenerateContentResponse(resp *engine.NormalizedResponse) any {
	content := ""
	if len(resp.Choices) > 0 {
		content = resp.Choices[0].Content
	}
	return generateContentResponseWire{
		Candidates: []candidateWire{{
			Content:      contentWire{Role: "model", Parts: []partWire{{Text: content}}},
			FinishReason: finishReason(resp.FinishReason),
			Index:        0,
		}},
		UsageMetadata: usageMetadataWire{
			PromptTokenCount:     resp.Usage.PromptTokens,
			CandidatesTokenCount: resp.Usage.CompletionTokens,
			TotalTokenCount:      resp.Usage.TotalTokens,
		},
	}
}

// ParseGenerateContentResponse parses our own rendered response JSON back
// into a NormalizedResponse, satisfying the §8 round-trip testable property.
func ParseGenerateContentResponse(data []byte) (*engine.NormalizedResponse, error) {
	var wire generateContentResponseWire
	if err := json.Unmarshal(data, &wire); err != nil {
		return nil, err
	}
	resp := &engine.NormalizedResponse{
		Usage: engine.Usage{
			PromptTokens:     wire.UsageMetadata.PromptTokenCount,
			CompletionTokens: wire.UsageMetadata.CandidatesTokenCount,
			TotalTokens:      wire.UsageMetadata.TotalTokenCount,
		},
	}
	if len(wire.Candidates) > 0 {
		c := wire.Candidates[0]
		text := ""
		if len(c.Content.Parts) > 0 {
			text = c.Content.Parts[0].Text
		}
		resp.Choices = []engine.Choice{{Role: engine.RoleAssistant, Content: text}}
	}
	return resp, nil
}

// errorEnvelope is the Gemini error shape rendered here: a top-level error
// field (§4.7). promptFeedback.blockReason is not emitted.
type errorEnvelope struct {
	Error *errorDetail `json:"error,omitempty"`
}

type errorDetail struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Status  string `json:"status"`
}

// RenderError renders a fail-fast (pre-generation) error as Gemini's error
// envelope.
func RenderError(kind engine.ErrorKind, message string) any {
	return errorEnvelope{Error: &errorDetail{Code: kind.HTTPStatus(), Message: message, Status: string(kind)}}
}

// WriteStreamNDJSON renders a ChunkEvent sequence as Gemini's
// newline-delimited-JSON streaming format (§4.7 wire table): no DONE
// sentinel, EOF closes the stream. Spec.md §9 open question 2 leaves
// streamGenerateContent optional; that route is not registered, and the
// transport uses this for generateContent requests with ?alt=sse.
func WriteStreamNDJSON(sw *shared.StreamWriter, events <-chan engine.ChunkEvent) error {
	for ev := range events {
		switch ev.Kind {
		case engine.ChunkDelta:
			if err := sw.WriteNDJSON(generateContentResponseWire{
				Candidates: []candidateWire{{Content: contentWire{Role: "model", Parts: []partWire{{Text: ev.Text}}}, Index: 0}},
			}); err != nil {
				return err
			}

		case engine.ChunkEnd:
			return sw.WriteNDJSON(generateContentResponseWire{
				Candidates: []candidateWire{{
					Content:      contentWire{Role: "model", Parts: []partWire{{Text: ""}}},
					FinishReason: finishReason(ev.FinishReason),
					Index:        0,
				}},
				UsageMetadata: usageMetadataWire{
					PromptTokenCount:     ev.Usage.PromptTokens,
					CandidatesTokenCount: ev.Usage.CompletionTokens,
					TotalTokenCount:      ev.Usage.TotalTokens,
				},
			})

		case engine.ChunkError:
			return sw.WriteNDJSON(errorEnvelope{Error: &errorDetail{Code: ev.ErrorKind.HTTPStatus(), Message: ev.Message, Status: string(ev.ErrorKind)}})
		}
	}
	return nil
}
