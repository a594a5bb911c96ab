// Package rng implements the Deterministic RNG (C2): derivation of
// per-request, per-purpose RNG streams from a root seed plus request
// fingerprint, per spec.md §3/§4.2.
//
// No suitable third-party counter-based PRNG or keyed PRF was found in the
// retrieved example pack (the pack's statistics libraries, e.g. gonum, take
// an rand.Source but don't provide one) — derivation is therefore a hand
// rolled mix (see mix and rotl below) seeding the standard library's
// math/rand, justified in DESIGN.md.
package rng

import (
	crand "crypto/rand"
	"encoding/binary"
	"math/rand"

	"github.com/coder/llmsimulator/internal/engine"
)

// Purpose tags the consumer of a derived stream (§3).
type Purpose string

const (
	PurposeText      Purpose = "text"
	PurposeTTFT      Purpose = "ttft"
	PurposeITL       Purpose = "itl"
	PurposeChaos     Purpose = "chaos"
	PurposeEmbedding Purpose = "embedding"
)

// Stream is a 64-bit-seeded, deterministic RNG stream. For a fixed
// (rootSeed, fingerprint, purpose) every byte drawn is identical across
// runs, hosts, and goroutines — Stream carries no shared state.
type Stream struct {
	src rand.Source
	r   *rand.Rand
}

// Float64 returns a uniform sample in [0, 1).
func (s *Stream) Float64() float64 { return s.r.Float64() }

// NormFloat64 returns a standard-normal sample (mean 0, stddev 1).
func (s *Stream) NormFloat64() float64 { return s.r.NormFloat64() }

// Uint64 returns a uniform 64-bit sample.
func (s *Stream) Uint64() uint64 { return s.r.Uint64() }

// Source exposes the underlying math/rand.Source so statistical samplers
// (gonum's distuv family) can draw from this exact deterministic sequence
// instead of re-seeding their own.
func (s *Stream) Source() rand.Source { return s.src }

// Derive constructs the RNG stream for (rootSeed, fingerprint, purpose). The
// derivation is a fixed, documented, well-mixed — but cryptographically
// nonrandom — function of its inputs: a SipHash-style mix folds the purpose
// tag and fingerprint into the root seed, and the 64-bit digest seeds a
// math/rand source. Reseeding never consults the system clock.
func Derive(rootSeed uint64, fp engine.Fingerprint, purpose Purpose) *Stream {
	seed := mix(rootSeed, fp, purpose)
	src := rand.NewSource(int64(seed))
	return &Stream{src: src, r: rand.New(src)}
}

// mix folds rootSeed, the fingerprint bytes, and the purpose tag into a
// single 64-bit digest using alternating SipRound-style mix steps.
func mix(rootSeed uint64, fp engine.Fingerprint, purpose Purpose) uint64 {
	v0 := rootSeed ^ 0x736f6d6570736575
	v1 := rootSeed ^ 0x646f72616e646f6d
	v2 := rootSeed ^ 0x6c7967656e657261
	v3 := rootSeed ^ 0x7465646279746573

	for i := 0; i < 16; i += 8 {
		m := binary.LittleEndian.Uint64(fp[i : i+8])
		v3 ^= m
		v0, v1, v2, v3 = sipRound(v0, v1, v2, v3)
		v0, v1, v2, v3 = sipRound(v0, v1, v2, v3)
		v0 ^= m
	}

	for _, b := range []byte(purpose) {
		v1 ^= uint64(b)
		v0, v1, v2, v3 = sipRound(v0, v1, v2, v3)
	}

	v2 ^= 0xff
	v0, v1, v2, v3 = sipRound(v0, v1, v2, v3)
	v0, v1, v2, v3 = sipRound(v0, v1, v2, v3)
	v0, v1, v2, v3 = sipRound(v0, v1, v2, v3)
	v0, v1, v2, v3 = sipRound(v0, v1, v2, v3)

	return v0 ^ v1 ^ v2 ^ v3
}

func sipRound(v0, v1, v2, v3 uint64) (uint64, uint64, uint64, uint64) {
	v0 += v1
	v1 = rotl(v1, 13)
	v1 ^= v0
	v0 = rotl(v0, 32)
	v2 += v3
	v3 = rotl(v3, 16)
	v3 ^= v2
	v0 += v3
	v3 = rotl(v3, 21)
	v3 ^= v0
	v2 += v1
	v1 = rotl(v1, 17)
	v1 ^= v2
	v2 = rotl(v2, 32)
	return v0, v1, v2, v3
}

func rotl(x uint64, n uint) uint64 {
	return (x << n) | (x >> (64 - n))
}

// RandomRootSeed produces a process-lifetime-random root seed for use when
// the configuration declares no fixed seed (§4.2). It is computed once at
// process start and held in memory thereafter — it is never reseeded at
// request time, which would break the "coherent sequence within one
// request" guarantee.
func RandomRootSeed() uint64 {
	var b [8]byte
	if _, err := crand.Read(b[:]); err != nil {
		// crypto/rand failing is an environment-level fault; fall back to a
		// time-independent constant rather than touching the system clock.
		return 0x9e3779b97f4a7c15
	}
	return binary.LittleEndian.Uint64(b[:])
}
