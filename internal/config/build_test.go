package config

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/coder/llmsimulator/internal/engine"
	"github.com/coder/llmsimulator/internal/engine/chaos"
)

func TestBuildRegistryTranslatesModels(t *testing.T) {
	root := &Root{
		Models: []ModelConfig{
			{ID: "gpt-chat", Family: "openai", ContextWindowTokens: 8192, MaxOutputTokens: 1024, DefaultLatencyProfile: "fast"},
		},
	}
	reg, err := BuildRegistry(root)
	require.NoError(t, err)

	capRec, err := reg.Resolve("gpt-chat")
	require.NoError(t, err)
	assert.Equal(t, engine.FamilyOpenAI, capRec.Family)
}

func TestBuildRegistryExpandsAliases(t *testing.T) {
	root := &Root{
		Models: []ModelConfig{
			{ID: "gpt-chat", Family: "openai", DefaultLatencyProfile: "fast", Aliases: []string{"gpt-chat-alias"}},
		},
	}
	reg, err := BuildRegistry(root)
	require.NoError(t, err)

	_, err = reg.Resolve("gpt-chat-alias")
	assert.NoError(t, err)
}

func TestBuildRegistryRejectsUnknownFamily(t *testing.T) {
	root := &Root{Models: []ModelConfig{{ID: "m", Family: "unknown"}}}
	_, err := BuildRegistry(root)
	assert.Error(t, err)
}

func TestBuildLatencyProfilesTranslatesAllKinds(t *testing.T) {
	root := &Root{
		Latency: LatencyConfig{
			Profiles: map[string]LatencyProfileConfig{
				"p": {
					TTFT: DistributionConfig{Kind: "normal", MeanMS: 100, StdDevMS: 10},
					ITL:  DistributionConfig{Kind: "exponential", ExpMeanMS: 20},
				},
			},
		},
	}
	profiles, err := BuildLatencyProfiles(root)
	require.NoError(t, err)
	require.Contains(t, profiles, "p")
	assert.Equal(t, engine.DistNormal, profiles["p"].TTFT.Kind)
	assert.Equal(t, engine.DistExponential, profiles["p"].ITL.Kind)
}

func TestBuildLatencyProfilesRejectsUnknownDistribution(t *testing.T) {
	root := &Root{
		Latency: LatencyConfig{
			Profiles: map[string]LatencyProfileConfig{
				"p": {TTFT: DistributionConfig{Kind: "bogus"}},
			},
		},
	}
	_, err := BuildLatencyProfiles(root)
	assert.Error(t, err)
}

func TestBuildChaosRulesTranslatesScopes(t *testing.T) {
	root := &Root{
		Chaos: ChaosConfig{
			Rules: []ChaosRuleConfig{
				{Name: "r1", ScopeModels: []string{"gpt-chat"}, ErrorKind: "server_error", Probability: 0.1, Enabled: true},
				{Name: "r2", ScopeOps: []string{"embedding"}, ErrorKind: "timeout", Probability: 0.2, Enabled: true},
				{Name: "r3", ErrorKind: "rate_limited", Probability: 0.3, Enabled: false},
			},
		},
	}
	rules, err := BuildChaosRules(root)
	require.NoError(t, err)
	require.Len(t, rules, 3)

	assert.Equal(t, engine.ScopeModels, rules[0].Scope.Kind)
	assert.Equal(t, engine.ScopeOperations, rules[1].Scope.Kind)
	assert.Equal(t, engine.ScopeAny, rules[2].Scope.Kind)
}

func TestBuildChaosRulesRejectsNonInjectableErrorKind(t *testing.T) {
	root := &Root{Chaos: ChaosConfig{Rules: []ChaosRuleConfig{{Name: "r", ErrorKind: "invalid_request", Probability: 0.5, Enabled: true}}}}
	_, err := BuildChaosRules(root)
	assert.Error(t, err)
}

func TestBuildBreakerConfigAndScope(t *testing.T) {
	root := &Root{Chaos: ChaosConfig{
		CircuitBreaker: CircuitBreakerConfig{FailureThreshold: 5, OpenDuration: 30 * time.Second, HalfOpenProbeCount: 2},
		BreakerScope:   "global",
	}}
	cfg := BuildBreakerConfig(root)
	assert.Equal(t, uint32(5), cfg.FailureThreshold)

	assert.Equal(t, chaos.BreakerGlobal, BuildBreakerScope(root))
}

func TestEffectiveLatencyMultiplierDisabledIsZero(t *testing.T) {
	root := &Root{Latency: LatencyConfig{Enabled: false, Multiplier: 2.0}}
	assert.Equal(t, 0.0, EffectiveLatencyMultiplier(root))
}

func TestEffectiveLatencyMultiplierEnabledPassesThrough(t *testing.T) {
	root := &Root{Latency: LatencyConfig{Enabled: true, Multiplier: 1.5}}
	assert.Equal(t, 1.5, EffectiveLatencyMultiplier(root))
}

func TestBuildRateLimiterDisabledWithEmptyAddr(t *testing.T) {
	root := &Root{RateLimit: RateLimitConfig{RequestsPerMinute: 60, BurstSize: 10}}
	limiter := BuildRateLimiter(root)
	require.NotNil(t, limiter)
	defer limiter.Close()

	allowed, err := limiter.Allow(context.Background(), "anyone")
	require.NoError(t, err)
	assert.True(t, allowed)
}

func TestBuildEstimatorsCoversAllFamilies(t *testing.T) {
	estimators := BuildEstimators()
	for _, f := range []engine.Family{engine.FamilyOpenAI, engine.FamilyAnthropic, engine.FamilyGoogle} {
		_, ok := estimators[f]
		assert.True(t, ok)
	}
}
