// Package tokengen implements the Token Generator (C4): a deterministic,
// bounded, stop-aware producer of filler text and usage accounting, per
// spec.md §4.4.
package tokengen

import (
	"math"
	"strings"

	"gonum.org/v1/gonum/stat/distuv"

	"github.com/coder/llmsimulator/internal/engine"
	"github.com/coder/llmsimulator/internal/engine/rng"
)

// Estimator converts text into a token count. This is the single documented
// estimator named in spec.md §9 open question 1: a fixed bytes-per-token
// ratio per vendor family, rounded up so partial tokens always count. The
// same function is used at ingress (request validation) and egress (usage
// reporting) — never two different counters.
type Estimator struct {
	// BytesPerToken is the family-specific character-to-token ratio.
	BytesPerToken float64
}

// DefaultEstimators gives each family a plausible bytes-per-token ratio,
// loosely tracking published tokenizer behavior for English prose without
// implementing a real BPE tokenizer.
func DefaultEstimators() map[engine.Family]Estimator {
	return map[engine.Family]Estimator{
		engine.FamilyOpenAI:    {BytesPerToken: 4.0},
		engine.FamilyAnthropic: {BytesPerToken: 3.8},
		engine.FamilyGoogle:    {BytesPerToken: 4.2},
	}
}

// Count estimates the token count of s.
func (e Estimator) Count(s string) int {
	if s == "" {
		return 0
	}
	return int(math.Ceil(float64(len(s)) / e.BytesPerToken))
}

// fillerVocab alternates short word pieces and whitespace so concatenated
// fragments read as plausible, if meaningless, prose.
var fillerVocab = []string{
	"the", "model", "processes", "a", "request", "and", "produces", "a",
	"response", "that", "approximates", "realistic", "output", "for", "testing",
	"purposes", "without", "performing", "any", "actual", "inference", "or",
	"semantic", "reasoning", "over", "the", "provided", "input", "context",
}

// Result is the outcome of a completed (non-streamed) generation.
type Result struct {
	Text         string
	Usage        engine.Usage
	FinishReason engine.FinishReason
}

// Fragment is one unit of streamed output together with the usage totals
// accumulated through it, inclusive.
type Fragment struct {
	Text            string
	CumulativeUsage engine.Usage
}

// Generator produces the finite output sequence for one request. Each
// Collect or Iter call draws from textStream, so a second call on the same
// Generator yields different output; Generators built from identically
// derived streams produce identical output.
type Generator struct {
	estimator   Estimator
	textStream  *rng.Stream
	promptTok   int
	maxOutput   int // min(request.max_tokens, capability.max_output_tokens)
	stopStrings []string
}

// New builds a Generator for a chat request. promptTokens is computed once
// by the caller via Estimator.Count over the canonicalized prompt so ingress
// validation and egress usage never disagree.
func New(estimator Estimator, textStream *rng.Stream, promptTokens, maxOutput int, stopSequences []string) *Generator {
	return &Generator{
		estimator:   estimator,
		textStream:  textStream,
		promptTok:   promptTokens,
		maxOutput:   maxOutput,
		stopStrings: stopSequences,
	}
}

// sampledOutputLen draws the target completion length from one fixed
// log-normal distribution (median 48 tokens, sigma 0.6 in log-space), which
// gives a plausible short-to-medium reply length without the tail blowing
// past typical max_tokens caps. The same distribution is used for every
// model and family; it does not vary per model or per family.
func (g *Generator) sampledOutputLen() int {
	d := distuv.LogNormal{Mu: mathLog(48), Sigma: 0.6, Src: g.textStream.Source()}
	n := int(math.Round(d.Rand()))
	if n < 1 {
		n = 1
	}
	return n
}

func mathLog(x float64) float64 { return math.Log(x) }

// plan computes the fragments this generator will emit and the finish
// reason, without yet materializing cumulative usage.
func (g *Generator) plan() ([]string, engine.FinishReason) {
	target := g.sampledOutputLen()
	bound := target
	truncatedByCap := false
	if g.maxOutput > 0 && g.maxOutput < bound {
		bound = g.maxOutput
		truncatedByCap = true
	}
	if bound < 1 {
		bound = 1
	}

	fragments := make([]string, 0, bound)
	built := strings.Builder{}
	finish := engine.FinishStop
	if truncatedByCap {
		finish = engine.FinishLength
	}

	for i := 0; i < bound; i++ {
		word := fillerVocab[int(g.textStream.Uint64()%uint64(len(fillerVocab)))]
		frag := word
		if i > 0 {
			frag = " " + word
		}
		fragments = append(fragments, frag)
		built.WriteString(frag)

		if containsAnyStop(built.String(), g.stopStrings) {
			finish = engine.FinishStop
			break
		}
	}

	return fragments, finish
}

func containsAnyStop(text string, stops []string) bool {
	for _, s := range stops {
		if s == "" {
			continue
		}
		if strings.Contains(text, s) {
			return true
		}
	}
	return false
}

// Collect materializes the full output for non-streaming calls. Completion
// token count equals the fragment count exactly as it would in streaming
// mode (§8.2 invariant: completion_tokens equals the number of Delta events
// emitted) — the byte-ratio Estimator is only consulted for prompt-side
// counting, never to re-derive completion usage from rendered text.
func (g *Generator) Collect() Result {
	fragments, finish := g.plan()
	text := strings.Join(fragments, "")
	completion := len(fragments)
	return Result{
		Text:         text,
		FinishReason: finish,
		Usage: engine.Usage{
			PromptTokens:     g.promptTok,
			CompletionTokens: completion,
			TotalTokens:      g.promptTok + completion,
		},
	}
}

// Iter returns the planned fragments plus the final finish reason for
// streaming callers to pull one at a time. completion_tokens is defined as
// the number of emitted Delta events (§8.2), so each fragment is counted as
// exactly one token regardless of its estimated byte-derived weight — the
// estimator only contributes the prompt-side count, not completion usage.
func (g *Generator) Iter() ([]Fragment, engine.FinishReason) {
	fragments, finish := g.plan()
	out := make([]Fragment, len(fragments))
	for i, f := range fragments {
		completion := i + 1
		out[i] = Fragment{
			Text: f,
			CumulativeUsage: engine.Usage{
				PromptTokens:     g.promptTok,
				CompletionTokens: completion,
				TotalTokens:      g.promptTok + completion,
			},
		}
	}
	return out, finish
}

// EmbeddingResult is the outcome of an embedding generation.
type EmbeddingResult struct {
	Vectors []([]float32)
	Usage   engine.Usage
}

// Embed produces one unit-normalized vector per input string (§4.4
// embedding path). Each vector is derived deterministically from
// (root seed, fingerprint, input index) via the supplied stream — callers
// must pass a fresh per-index derivation so vectors for different inputs
// are independent.
func Embed(estimator Estimator, perInputStream func(index int) *rng.Stream, inputs []string, dim int) EmbeddingResult {
	vectors := make([][]float32, len(inputs))
	promptTokens := 0

	for i, in := range inputs {
		promptTokens += estimator.Count(in)
		stream := perInputStream(i)
		vec := make([]float32, dim)
		var sumSquares float64
		for d := 0; d < dim; d++ {
			v := stream.NormFloat64()
			vec[d] = float32(v)
			sumSquares += v * v
		}
		norm := math.Sqrt(sumSquares)
		if norm == 0 {
			norm = 1
		}
		for d := 0; d < dim; d++ {
			vec[d] = float32(float64(vec[d]) / norm)
		}
		vectors[i] = vec
	}

	return EmbeddingResult{
		Vectors: vectors,
		Usage: engine.Usage{
			PromptTokens:     promptTokens,
			CompletionTokens: 0,
			TotalTokens:      promptTokens,
		},
	}
}
