package tokengen

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/coder/llmsimulator/internal/engine"
	"github.com/coder/llmsimulator/internal/engine/rng"
)

func TestEstimatorCount(t *testing.T) {
	e := Estimator{BytesPerToken: 4.0}
	assert.Equal(t, 0, e.Count(""))
	assert.Equal(t, 1, e.Count("abcd"))
	assert.Equal(t, 2, e.Count("abcde"))
}

func TestDefaultEstimatorsCoverAllFamilies(t *testing.T) {
	e := DefaultEstimators()
	for _, f := range []engine.Family{engine.FamilyOpenAI, engine.FamilyAnthropic, engine.FamilyGoogle} {
		_, ok := e[f]
		assert.True(t, ok, "missing estimator for %s", f)
	}
}

func newGen(maxOutput int, stops []string) *Generator {
	stream := rng.Derive(42, engine.Fingerprint{1, 2, 3}, rng.PurposeText)
	return New(Estimator{BytesPerToken: 4.0}, stream, 10, maxOutput, stops)
}

func TestCollectIsDeterministicForFixedSeed(t *testing.T) {
	g1 := newGen(0, nil)
	g2 := newGen(0, nil)

	r1 := g1.Collect()
	r2 := g2.Collect()

	assert.Equal(t, r1.Text, r2.Text)
	assert.Equal(t, r1.Usage, r2.Usage)
	assert.Equal(t, r1.FinishReason, r2.FinishReason)
}

func TestCollectRespectsMaxOutputBound(t *testing.T) {
	g := newGen(3, nil)
	r := g.Collect()
	assert.LessOrEqual(t, r.Usage.CompletionTokens, 3)
	assert.Equal(t, engine.FinishLength, r.FinishReason)
}

func TestCollectUsageTotalsAddUp(t *testing.T) {
	g := newGen(0, nil)
	r := g.Collect()
	assert.Equal(t, r.Usage.PromptTokens+r.Usage.CompletionTokens, r.Usage.TotalTokens)
	assert.Equal(t, 10, r.Usage.PromptTokens)
}

func TestIterCumulativeUsageMatchesCollect(t *testing.T) {
	gIter := newGen(0, nil)
	fragments, finishIter := gIter.Iter()
	require.NotEmpty(t, fragments)

	gCollect := newGen(0, nil)
	collected := gCollect.Collect()

	assert.Equal(t, finishIter, collected.FinishReason)
	assert.Equal(t, len(fragments), collected.Usage.CompletionTokens)
	assert.Equal(t, collected.Usage, fragments[len(fragments)-1].CumulativeUsage)

	joined := ""
	for _, f := range fragments {
		joined += f.Text
	}
	assert.Equal(t, collected.Text, joined)
}

func TestIterCumulativeUsageMonotonic(t *testing.T) {
	g := newGen(0, nil)
	fragments, _ := g.Iter()
	for i, f := range fragments {
		assert.Equal(t, i+1, f.CumulativeUsage.CompletionTokens)
	}
}

func TestCollectStopsOnStopSequence(t *testing.T) {
	// Every fragment after the first is prefixed with a space, so a bare
	// space stop sequence is guaranteed to match by the second fragment
	// regardless of which filler words this seed happens to draw.
	g := newGen(0, []string{" "})
	r := g.Collect()
	assert.Equal(t, engine.FinishStop, r.FinishReason)
	assert.LessOrEqual(t, r.Usage.CompletionTokens, 2)
}

func TestEmbedProducesUnitNormVectors(t *testing.T) {
	estimator := Estimator{BytesPerToken: 4.0}
	perInput := func(index int) *rng.Stream {
		return rng.Derive(1, engine.Fingerprint{byte(index)}, rng.PurposeEmbedding)
	}

	result := Embed(estimator, perInput, []string{"hello", "world"}, 16)
	require.Len(t, result.Vectors, 2)

	for _, v := range result.Vectors {
		require.Len(t, v, 16)
		var sumSquares float64
		for _, x := range v {
			sumSquares += float64(x) * float64(x)
		}
		assert.InDelta(t, 1.0, math.Sqrt(sumSquares), 1e-4)
	}
}

func TestEmbedUsageHasNoCompletionTokens(t *testing.T) {
	estimator := Estimator{BytesPerToken: 4.0}
	perInput := func(index int) *rng.Stream {
		return rng.Derive(1, engine.Fingerprint{byte(index)}, rng.PurposeEmbedding)
	}
	result := Embed(estimator, perInput, []string{"abcd"}, 4)
	assert.Equal(t, 1, result.Usage.PromptTokens)
	assert.Equal(t, 0, result.Usage.CompletionTokens)
	assert.Equal(t, 1, result.Usage.TotalTokens)
}

func TestEmbedDistinctInputsYieldDistinctVectors(t *testing.T) {
	estimator := Estimator{BytesPerToken: 4.0}
	perInput := func(index int) *rng.Stream {
		return rng.Derive(1, engine.Fingerprint{byte(index)}, rng.PurposeEmbedding)
	}
	result := Embed(estimator, perInput, []string{"a", "b"}, 8)
	assert.NotEqual(t, result.Vectors[0], result.Vectors[1])
}
