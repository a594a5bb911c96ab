// Package registry implements the Model Registry (C1): a read-only,
// startup-built mapping from model id to capability record.
package registry

import (
	"fmt"

	"github.com/coder/llmsimulator/internal/engine"
)

// ErrNotFound is returned by Resolve when a model id has no entry.
type ErrNotFound struct {
	ModelID string
}

func (e *ErrNotFound) Error() string {
	return fmt.Sprintf("registry: model %q not found", e.ModelID)
}

// ErrInvalid is returned by Validate when a request violates a model's
// capability constraints.
type ErrInvalid struct {
	Reason string
}

func (e *ErrInvalid) Error() string {
	return "registry: invalid request: " + e.Reason
}

// Descriptor is the public, vendor-facing view of a model.
type Descriptor struct {
	ID     string
	Family engine.Family
	Owner  string
}

// Registry resolves model ids to capability records. It is built once and
// is safe for concurrent read-only use without locks — every consumer is a
// request handler sharing the same pointer.
type Registry struct {
	byID map[string]engine.Capability
	ids  []string // declaration order, stable for List()
}

// New builds a Registry from an ordered slice of capabilities. Lookups are
// case-sensitive and exact: aliases must be expressed as additional explicit
// entries, never pattern matching.
func New(caps []engine.Capability) *Registry {
	r := &Registry{byID: make(map[string]engine.Capability, len(caps))}
	for _, c := range caps {
		r.byID[c.ID] = c
		r.ids = append(r.ids, c.ID)
	}
	return r
}

// Resolve looks up a model by exact id.
func (r *Registry) Resolve(modelID string) (engine.Capability, error) {
	rec, ok := r.byID[modelID]
	if !ok {
		return engine.Capability{}, &ErrNotFound{ModelID: modelID}
	}
	return rec, nil
}

// List returns public descriptors, optionally filtered by family, in
// declaration order.
func (r *Registry) List(familyFilter *engine.Family) []Descriptor {
	out := make([]Descriptor, 0, len(r.ids))
	for _, id := range r.ids {
		c := r.byID[id]
		if familyFilter != nil && c.Family != *familyFilter {
			continue
		}
		out = append(out, Descriptor{ID: c.ID, Family: c.Family, Owner: string(c.Family)})
	}
	return out
}

// Validate enforces max_tokens <= capability.max_output_tokens and that the
// requested operation is supported by the model (embedding vs chat).
func (r *Registry) Validate(req *engine.NormalizedRequest) error {
	capRec, err := r.Resolve(req.ModelID)
	if err != nil {
		return err
	}

	if req.Operation == engine.OperationEmbedding && !capRec.IsEmbeddingCapable() {
		return &ErrInvalid{Reason: fmt.Sprintf("model %q does not support embeddings", req.ModelID)}
	}
	if req.Operation == engine.OperationChat && capRec.ContextWindowTokens == 0 {
		// embedding-only models carry no context window budget
		return &ErrInvalid{Reason: fmt.Sprintf("model %q does not support chat", req.ModelID)}
	}
	if req.Parameters.MaxTokens > int(capRec.MaxOutputTokens) {
		return &ErrInvalid{Reason: fmt.Sprintf(
			"max_tokens %d exceeds model %q limit %d", req.Parameters.MaxTokens, req.ModelID, capRec.MaxOutputTokens)}
	}

	return nil
}
