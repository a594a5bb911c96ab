package rng

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/coder/llmsimulator/internal/engine"
)

func fp(b byte) engine.Fingerprint {
	var f engine.Fingerprint
	for i := range f {
		f[i] = b
	}
	return f
}

func TestDeriveIsDeterministic(t *testing.T) {
	f := fp(0x42)
	s1 := Derive(7, f, PurposeText)
	s2 := Derive(7, f, PurposeText)

	for i := 0; i < 32; i++ {
		assert.Equal(t, s1.Uint64(), s2.Uint64(), "stream %d diverged", i)
	}
}

func TestDeriveVariesByPurpose(t *testing.T) {
	f := fp(0x11)
	text := Derive(7, f, PurposeText)
	chaos := Derive(7, f, PurposeChaos)

	var same int
	for i := 0; i < 16; i++ {
		if text.Uint64() == chaos.Uint64() {
			same++
		}
	}
	assert.Less(t, same, 16, "text and chaos streams should not be identical")
}

func TestDeriveVariesByFingerprint(t *testing.T) {
	s1 := Derive(7, fp(0x01), PurposeText)
	s2 := Derive(7, fp(0x02), PurposeText)
	assert.NotEqual(t, s1.Uint64(), s2.Uint64())
}

func TestDeriveVariesBySeed(t *testing.T) {
	f := fp(0x33)
	s1 := Derive(1, f, PurposeText)
	s2 := Derive(2, f, PurposeText)
	assert.NotEqual(t, s1.Uint64(), s2.Uint64())
}

func TestFloat64InUnitRange(t *testing.T) {
	s := Derive(99, fp(0x09), PurposeChaos)
	for i := 0; i < 1000; i++ {
		v := s.Float64()
		assert.GreaterOrEqual(t, v, 0.0)
		assert.Less(t, v, 1.0)
	}
}

func TestRandomRootSeedNonDeterministicAcrossCalls(t *testing.T) {
	a := RandomRootSeed()
	b := RandomRootSeed()
	// Not a hard guarantee, but collisions on 64 bits of crypto/rand entropy
	// are astronomically unlikely and would indicate a broken implementation.
	assert.NotEqual(t, a, b)
}
