// Package latency implements the Latency Sampler (C3): pure functions from
// RNG streams to TTFT/ITL durations, per spec.md §3/§4.3.
package latency

import (
	"time"

	"gonum.org/v1/gonum/stat/distuv"

	"github.com/coder/llmsimulator/internal/engine"
	"github.com/coder/llmsimulator/internal/engine/rng"
)

// Sampler draws TTFT and ITL durations from a LatencyProfile. It never
// touches the system clock — it is a pure function of its RNG inputs —
// so tests can assert exact sequences for a fixed seed.
type Sampler struct {
	profile    engine.LatencyProfile
	ttft       *rng.Stream
	itl        *rng.Stream
	multiplier float64
}

// New builds a Sampler bound to one TTFT stream and one ITL stream. ttft and
// itl must be distinct RngStreams (purposes "ttft" and "itl") so that a
// caller who only wants one of the two distributions doesn't perturb the
// other's sequence.
func New(profile engine.LatencyProfile, ttft, itl *rng.Stream, multiplier float64) *Sampler {
	return &Sampler{profile: profile, ttft: ttft, itl: itl, multiplier: multiplier}
}

// SampleTTFT draws one time-to-first-token duration. Called once per
// streamed (or non-streamed) response.
func (s *Sampler) SampleTTFT() time.Duration {
	return s.sample(s.profile.TTFT, s.ttft)
}

// NextITL draws one inter-token-latency duration. Called repeatedly between
// tokens; bounded by the token generator's emission count.
func (s *Sampler) NextITL() time.Duration {
	return s.sample(s.profile.ITL, s.itl)
}

// RawTTFT and RawITL expose the unperturbed (pre-multiplier) sample so
// tests can assert the raw distribution independently of the global
// latency_multiplier (§3 invariant).
func (s *Sampler) RawTTFT() time.Duration {
	return msToDuration(rawSampleMS(s.profile.TTFT, s.ttft))
}

func (s *Sampler) RawITL() time.Duration {
	return msToDuration(rawSampleMS(s.profile.ITL, s.itl))
}

func (s *Sampler) sample(spec engine.DistributionSpec, stream *rng.Stream) time.Duration {
	if s.multiplier == 0 {
		return 0
	}
	ms := rawSampleMS(spec, stream) * s.multiplier
	return msToDuration(ms)
}

func msToDuration(ms float64) time.Duration {
	if ms < 0 {
		ms = 0
	}
	return time.Duration(ms * float64(time.Millisecond))
}

// rawSampleMS draws one unperturbed sample, in milliseconds, from spec using
// stream as its entropy source. All variants are clamped to the
// non-negative reals per the §3 invariant.
func rawSampleMS(spec engine.DistributionSpec, stream *rng.Stream) float64 {
	switch spec.Kind {
	case engine.DistConstant:
		return clampNonNegative(spec.ConstantMS)

	case engine.DistNormal:
		d := distuv.Normal{Mu: spec.MeanMS, Sigma: spec.StdDevMS, Src: stream.Source()}
		return clampNonNegative(d.Rand())

	case engine.DistLogNormal:
		// distuv.LogNormal's Mu/Sigma parametrize the underlying normal of
		// ln(x), matching §4.3's documented semantics directly.
		d := distuv.LogNormal{Mu: spec.MeanMS, Sigma: spec.StdDevMS, Src: stream.Source()}
		return clampNonNegative(d.Rand())

	case engine.DistExponential:
		rate := 1.0
		if spec.ExpMeanMS > 0 {
			rate = 1.0 / spec.ExpMeanMS
		}
		d := distuv.Exponential{Rate: rate, Src: stream.Source()}
		return clampNonNegative(d.Rand())

	case engine.DistPareto:
		xm := spec.ParetoScaleMS
		if xm <= 0 {
			xm = 1
		}
		alpha := spec.ParetoShape
		if alpha <= 0 {
			alpha = 1
		}
		d := distuv.Pareto{Xm: xm, Alpha: alpha, Src: stream.Source()}
		return clampNonNegative(d.Rand())

	default:
		return 0
	}
}

func clampNonNegative(v float64) float64 {
	if v < 0 {
		return 0
	}
	return v
}
