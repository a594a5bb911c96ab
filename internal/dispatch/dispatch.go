// Package dispatch implements the request lifecycle described in spec.md
// §2: resolve the model via the registry, derive the per-request RNG, ask
// the chaos decider whether to fail fast, and otherwise run the stream
// scheduler. It is the one-way seam between the adapter-unaware engine core
// (C1-C6) and the vendor-aware provider adapters (C7) — dispatch depends on
// the engine; the engine never depends on dispatch or any adapter.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/coder/llmsimulator/internal/engine"
	"github.com/coder/llmsimulator/internal/engine/chaos"
	"github.com/coder/llmsimulator/internal/engine/latency"
	"github.com/coder/llmsimulator/internal/engine/registry"
	"github.com/coder/llmsimulator/internal/engine/rng"
	"github.com/coder/llmsimulator/internal/engine/scheduler"
	"github.com/coder/llmsimulator/internal/engine/tokengen"
)

// Error wraps an engine ErrorKind with a human-readable message so adapters
// can render it in their own vendor-shaped error envelope without caring how
// it originated inside the dispatcher. Shaped after the teacher's MCPError
// (lib/errors/mcp_errors.go): a classification code plus an optional wrapped
// cause and free-form metadata, trimmed to what the §7 taxonomy needs —
// HTTPStatus and Retryable already live on engine.ErrorKind itself.
type Error struct {
	Kind     engine.ErrorKind
	Message  string
	Err      error
	Metadata map[string]any

	// RuleName is set when Kind was produced by a firing chaos rule
	// (dispatch.prepare), or is "circuit_open" when the breaker rejected the
	// request, so the transport layer can report the cause without
	// re-parsing Message.
	RuleName string
}

func (e *Error) Error() string { return fmt.Sprintf("%s: %s", e.Kind, e.Message) }

func (e *Error) Unwrap() error { return e.Err }

// Config parametrizes one Dispatcher instance; it is built once from the
// loaded YAML configuration (§6) and never mutated.
type Config struct {
	// Seed is the configured root seed. Nil selects a process-lifetime-random
	// root, generated once at startup (§4.2).
	Seed              *int64
	LatencyMultiplier float64
	KeepAliveInterval time.Duration
}

// Dispatcher ties the engine core components together behind the two
// operations adapters call: Chat (streaming or not) and Embed.
type Dispatcher struct {
	registry   *registry.Registry
	decider    *chaos.Decider
	profiles   map[string]engine.LatencyProfile
	estimators map[engine.Family]tokengen.Estimator
	rootSeed   uint64
	cfg        Config
}

// New builds a Dispatcher. profiles must contain every
// default_latency_profile_id referenced by the registry's capabilities —
// callers validate this at config-load time (§9 open question 4), not here.
func New(reg *registry.Registry, decider *chaos.Decider, profiles map[string]engine.LatencyProfile, estimators map[engine.Family]tokengen.Estimator, cfg Config) *Dispatcher {
	rootSeed := rng.RandomRootSeed()
	if cfg.Seed != nil {
		rootSeed = uint64(*cfg.Seed)
	}
	return &Dispatcher{registry: reg, decider: decider, profiles: profiles, estimators: estimators, rootSeed: rootSeed, cfg: cfg}
}

// effectiveSeed returns the root seed to derive streams from for one
// request: a per-request seed_override fully supersedes the configured or
// random root (§4.2).
func (d *Dispatcher) effectiveSeed(req *engine.NormalizedRequest) uint64 {
	if req.Parameters.SeedOverride != nil {
		return uint64(*req.Parameters.SeedOverride)
	}
	return d.rootSeed
}

// resolve validates the request against the registry and returns its
// capability record, or a dispatch-level Error with the right ErrorKind.
func (d *Dispatcher) resolve(req *engine.NormalizedRequest) (engine.Capability, *Error) {
	capRec, err := d.registry.Resolve(req.ModelID)
	if err != nil {
		return engine.Capability{}, &Error{Kind: engine.ErrModelNotFound, Message: err.Error()}
	}
	if err := d.registry.Validate(req); err != nil {
		return engine.Capability{}, &Error{Kind: engine.ErrInvalidRequest, Message: err.Error()}
	}
	return capRec, nil
}

func (d *Dispatcher) profileFor(capRec engine.Capability) engine.LatencyProfile {
	return d.profiles[capRec.DefaultLatencyProfileID]
}

func (d *Dispatcher) estimatorFor(capRec engine.Capability) tokengen.Estimator {
	if e, ok := d.estimators[capRec.Family]; ok {
		return e
	}
	return tokengen.Estimator{BytesPerToken: 4.0}
}

func promptText(req *engine.NormalizedRequest) string {
	out := ""
	for _, m := range req.Messages {
		out += string(m.Role) + ":" + m.Content + "\n"
	}
	return out
}

func outputBound(req *engine.NormalizedRequest, capRec engine.Capability) int {
	bound := int(capRec.MaxOutputTokens)
	if req.Parameters.MaxTokens > 0 && req.Parameters.MaxTokens < bound {
		bound = req.Parameters.MaxTokens
	}
	return bound
}

// prepare runs everything in the §2 lifecycle up to (and including) the
// chaos decision, shared by Chat, ChatStream, and Embed.
func (d *Dispatcher) prepare(req *engine.NormalizedRequest) (engine.Capability, engine.Fingerprint, uint64, *Error) {
	capRec, derr := d.resolve(req)
	if derr != nil {
		return engine.Capability{}, engine.Fingerprint{}, 0, derr
	}

	fp := engine.ComputeFingerprint(req)
	seed := d.effectiveSeed(req)

	chaosStream := rng.Derive(seed, fp, rng.PurposeChaos)
	decision := d.decider.Decide(req, chaosStream, time.Now())
	if !decision.Proceed {
		return engine.Capability{}, engine.Fingerprint{}, 0, &Error{
			Kind:     decision.Kind,
			Message:  fmt.Sprintf("injected by rule %q", decision.RuleName),
			RuleName: decision.RuleName,
		}
	}

	return capRec, fp, seed, nil
}

func (d *Dispatcher) buildScheduler(req *engine.NormalizedRequest, capRec engine.Capability, fp engine.Fingerprint, seed uint64) *scheduler.Scheduler {
	estimator := d.estimatorFor(capRec)
	textStream := rng.Derive(seed, fp, rng.PurposeText)
	ttftStream := rng.Derive(seed, fp, rng.PurposeTTFT)
	itlStream := rng.Derive(seed, fp, rng.PurposeITL)

	promptTokens := estimator.Count(promptText(req))
	generator := tokengen.New(estimator, textStream, promptTokens, outputBound(req, capRec), req.Parameters.StopSequences)

	sampler := latency.New(d.profileFor(capRec), ttftStream, itlStream, d.cfg.LatencyMultiplier)
	return scheduler.New(sampler, generator, d.cfg.KeepAliveInterval)
}

// Chat runs the full non-streaming lifecycle for a chat request.
func (d *Dispatcher) Chat(ctx context.Context, req *engine.NormalizedRequest) (*engine.NormalizedResponse, *Error) {
	capRec, fp, seed, derr := d.prepare(req)
	if derr != nil {
		return nil, derr
	}

	sched := d.buildScheduler(req, capRec, fp, seed)
	resp, err := sched.Collect(ctx, req.ID, req.ModelID)
	if err != nil {
		kind := engine.ErrCanceled
		var canceled *scheduler.CanceledError
		if errors.As(err, &canceled) {
			kind = canceled.Kind()
		}
		return nil, &Error{Kind: kind, Message: err.Error(), Err: err}
	}
	resp.EstimatedCostUSD = estimateCost(capRec, resp.Usage)
	return resp, nil
}

// ChatStream runs the full streaming lifecycle, returning a channel of
// ChunkEvents. The channel is closed by the scheduler once the terminal
// event has been sent.
func (d *Dispatcher) ChatStream(ctx context.Context, req *engine.NormalizedRequest) (<-chan engine.ChunkEvent, *Error) {
	capRec, fp, seed, derr := d.prepare(req)
	if derr != nil {
		return nil, derr
	}

	sched := d.buildScheduler(req, capRec, fp, seed)
	out := make(chan engine.ChunkEvent, 8)
	go sched.Stream(ctx, req.ID, req.ModelID, out)
	return out, nil
}

// Embed runs the embedding lifecycle (§4.4 embedding path).
func (d *Dispatcher) Embed(ctx context.Context, req *engine.NormalizedRequest) (*engine.NormalizedResponse, *Error) {
	capRec, fp, seed, derr := d.prepare(req)
	if derr != nil {
		return nil, derr
	}
	if !capRec.IsEmbeddingCapable() {
		return nil, &Error{Kind: engine.ErrInvalidRequest, Message: fmt.Sprintf("model %q is not embedding-capable", req.ModelID)}
	}

	estimator := d.estimatorFor(capRec)
	perInput := func(index int) *rng.Stream {
		return rng.Derive(seed, fp, rng.Purpose(fmt.Sprintf("%s:%d", rng.PurposeEmbedding, index)))
	}

	dim := int(*capRec.EmbeddingDim)
	if req.EmbeddingDimensions > 0 && req.EmbeddingDimensions < dim {
		dim = req.EmbeddingDimensions
	}

	result := tokengen.Embed(estimator, perInput, req.EmbeddingInput, dim)
	return &engine.NormalizedResponse{
		ID:               req.ID,
		ModelID:          req.ModelID,
		CreatedAt:        time.Now(),
		FinishReason:     engine.FinishStop,
		Embeddings:       result.Vectors,
		Usage:            result.Usage,
		EstimatedCostUSD: estimateCost(capRec, result.Usage),
	}, nil
}

func estimateCost(capRec engine.Capability, usage engine.Usage) float64 {
	promptCost := float64(usage.PromptTokens) / 1_000_000 * capRec.PromptUSDPerMToken
	completionCost := float64(usage.CompletionTokens) / 1_000_000 * capRec.CompletionUSDPerMToken
	cost := promptCost + completionCost
	if cost < 0 {
		cost = 0
	}
	return cost
}

// ModelRegistry exposes the underlying registry for transport-layer model
// listing endpoints.
func (d *Dispatcher) ModelRegistry() *registry.Registry { return d.registry }

// Breaker exposes the circuit breaker backing a request's scope, for metrics
// and admin endpoints.
func (d *Dispatcher) Breaker(req *engine.NormalizedRequest) *chaos.Breaker {
	return d.decider.Breaker(req)
}
