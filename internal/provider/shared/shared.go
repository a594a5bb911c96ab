// Package shared holds the pieces of provider adapter plumbing that are
// identical across vendor dialects (§4.7): ingress validation errors, the
// vendor-shaped HTTP error envelope, and the SSE frame writer. Each vendor
// adapter still owns its own wire structs and rendering logic — this package
// only factors out what genuinely does not vary by vendor.
package shared

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/tmaxmax/go-sse"

	"github.com/coder/llmsimulator/internal/engine"
)

// InvalidRequestError is returned by adapter ingress parsing when a vendor
// request body fails validation before ever reaching the engine (§4.7).
type InvalidRequestError struct {
	FieldPath string
	Reason    string
}

func (e *InvalidRequestError) Error() string {
	return fmt.Sprintf("invalid request at %s: %s", e.FieldPath, e.Reason)
}

// VendorID prepends a vendor's conventional id prefix to a server-assigned
// raw identifier (e.g. "chatcmpl-" + ULID for OpenAI, "msg_" + ULID for
// Anthropic). Google's dialect does not echo a top-level id and ignores this.
func VendorID(prefix, raw string) string {
	return prefix + raw
}

// WriteErrorJSON renders kind/message as a fail-fast HTTP error body with the
// status mapped by ErrorKind.HTTPStatus (§7). body is the vendor-shaped JSON
// payload the caller has already constructed (each vendor nests its error
// object differently); WriteErrorJSON only owns the status line and headers.
func WriteErrorJSON(w http.ResponseWriter, kind engine.ErrorKind, body any) error {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(kind.HTTPStatus())
	return json.NewEncoder(w).Encode(body)
}

// StreamWriter wraps an http.ResponseWriter in the SSE framing every
// streaming vendor dialect shares (headers, flush-after-write), delegating
// the actual wire encoding of named/unnamed events to go-sse so the SSE
// adapters (OpenAI, Anthropic) don't hand-roll "data: ...\n\n" framing
// independently; Google's stream goes through WriteNDJSON instead. SSE
// comment lines (used for OpenAI-style keep-alives) are not part of
// go-sse's Message model, so WriteComment writes them directly.
type StreamWriter struct {
	w       http.ResponseWriter
	flusher http.Flusher
}

// NewStreamWriter sets the standard SSE response headers (§6 content
// negotiation) and returns a writer, or an error if the underlying
// ResponseWriter cannot be flushed incrementally.
func NewStreamWriter(w http.ResponseWriter) (*StreamWriter, error) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		return nil, fmt.Errorf("response writer does not support flushing")
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	return &StreamWriter{w: w, flusher: flusher}, nil
}

// WriteEvent writes one SSE frame. eventType is empty for vendors (OpenAI)
// that don't use named events; Anthropic passes its event
// name (e.g. "content_block_delta").
func (s *StreamWriter) WriteEvent(eventType string, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	msg := &sse.Message{}
	if eventType != "" {
		msg.Type = sse.Type(eventType)
	}
	msg.AppendData(string(data))
	if _, err := msg.WriteTo(s.w); err != nil {
		return err
	}
	s.flusher.Flush()
	return nil
}

// WriteRaw writes a pre-serialized "data: <line>\n\n" frame, used for the
// literal "[DONE]" sentinel which is not a JSON payload.
func (s *StreamWriter) WriteRaw(line string) error {
	if _, err := fmt.Fprintf(s.w, "data: %s\n\n", line); err != nil {
		return err
	}
	s.flusher.Flush()
	return nil
}

// WriteComment writes an SSE comment line (": text\n\n"), used for OpenAI
// keep-alive frames (§4.7 wire-format table).
func (s *StreamWriter) WriteComment(text string) error {
	if _, err := fmt.Fprintf(s.w, ": %s\n\n", text); err != nil {
		return err
	}
	s.flusher.Flush()
	return nil
}

// WriteNDJSON writes one newline-delimited JSON object, Google's streaming
// frame layout (§4.7). No terminal sentinel; EOF closes the stream.
func (s *StreamWriter) WriteNDJSON(payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	if _, err := s.w.Write(append(data, '\n')); err != nil {
		return err
	}
	s.flusher.Flush()
	return nil
}
