package config

import (
	"fmt"

	"github.com/coder/llmsimulator/internal/engine"
	"github.com/coder/llmsimulator/internal/engine/chaos"
	"github.com/coder/llmsimulator/internal/engine/registry"
	"github.com/coder/llmsimulator/internal/engine/tokengen"
	"github.com/coder/llmsimulator/internal/ratelimit"
)

// BuildRegistry translates the `models` block into a Model Registry (C1).
func BuildRegistry(root *Root) (*registry.Registry, error) {
	caps := make([]engine.Capability, 0, len(root.Models))
	for _, m := range root.Models {
		family, err := parseFamily(m.Family)
		if err != nil {
			return nil, err
		}
		caps = append(caps, engine.Capability{
			ID:                      m.ID,
			Family:                  family,
			ContextWindowTokens:     m.ContextWindowTokens,
			MaxOutputTokens:         m.MaxOutputTokens,
			EmbeddingDim:            m.EmbeddingDim,
			PromptUSDPerMToken:      m.PromptUSDPerMToken,
			CompletionUSDPerMToken:  m.CompletionUSDPerMToken,
			DefaultLatencyProfileID: m.DefaultLatencyProfile,
		})
		for _, alias := range m.Aliases {
			aliasCap := caps[len(caps)-1]
			aliasCap.ID = alias
			caps = append(caps, aliasCap)
		}
	}
	return registry.New(caps), nil
}

func parseFamily(s string) (engine.Family, error) {
	switch s {
	case "openai":
		return engine.FamilyOpenAI, nil
	case "anthropic":
		return engine.FamilyAnthropic, nil
	case "google":
		return engine.FamilyGoogle, nil
	default:
		return "", fmt.Errorf("config: unknown family %q", s)
	}
}

// BuildLatencyProfiles translates `latency.profiles` into engine.LatencyProfile.
func BuildLatencyProfiles(root *Root) (map[string]engine.LatencyProfile, error) {
	out := make(map[string]engine.LatencyProfile, len(root.Latency.Profiles))
	for id, p := range root.Latency.Profiles {
		ttft, err := buildDistribution(p.TTFT)
		if err != nil {
			return nil, fmt.Errorf("config: latency profile %q ttft: %w", id, err)
		}
		itl, err := buildDistribution(p.ITL)
		if err != nil {
			return nil, fmt.Errorf("config: latency profile %q itl: %w", id, err)
		}
		out[id] = engine.LatencyProfile{ID: id, TTFT: ttft, ITL: itl}
	}
	return out, nil
}

func buildDistribution(d DistributionConfig) (engine.DistributionSpec, error) {
	switch d.Kind {
	case "constant":
		return engine.DistributionSpec{Kind: engine.DistConstant, ConstantMS: d.ConstantMS}, nil
	case "normal":
		return engine.DistributionSpec{Kind: engine.DistNormal, MeanMS: d.MeanMS, StdDevMS: d.StdDevMS}, nil
	case "log_normal":
		return engine.DistributionSpec{Kind: engine.DistLogNormal, MeanMS: d.MeanMS, StdDevMS: d.StdDevMS}, nil
	case "exponential":
		return engine.DistributionSpec{Kind: engine.DistExponential, ExpMeanMS: d.ExpMeanMS}, nil
	case "pareto":
		return engine.DistributionSpec{Kind: engine.DistPareto, ParetoScaleMS: d.ScaleMS, ParetoShape: d.Shape}, nil
	default:
		return engine.DistributionSpec{}, fmt.Errorf("unknown distribution kind %q", d.Kind)
	}
}

// BuildChaosRules translates `chaos.rules` into engine.ChaosRule.
func BuildChaosRules(root *Root) ([]engine.ChaosRule, error) {
	out := make([]engine.ChaosRule, 0, len(root.Chaos.Rules))
	for _, r := range root.Chaos.Rules {
		kind, err := parseErrorKind(r.ErrorKind)
		if err != nil {
			return nil, fmt.Errorf("config: chaos rule %q: %w", r.Name, err)
		}
		out = append(out, engine.ChaosRule{
			Name:        r.Name,
			Scope:       buildScope(r),
			ErrorKind:   kind,
			Probability: r.Probability,
			Enabled:     r.Enabled,
		})
	}
	return out, nil
}

func buildScope(r ChaosRuleConfig) engine.ChaosScope {
	switch {
	case len(r.ScopeModels) > 0:
		models := make(map[string]struct{}, len(r.ScopeModels))
		for _, m := range r.ScopeModels {
			models[m] = struct{}{}
		}
		return engine.ChaosScope{Kind: engine.ScopeModels, Models: models}
	case len(r.ScopeOps) > 0:
		ops := make(map[engine.Operation]struct{}, len(r.ScopeOps))
		for _, o := range r.ScopeOps {
			ops[engine.Operation(o)] = struct{}{}
		}
		return engine.ChaosScope{Kind: engine.ScopeOperations, Operations: ops}
	default:
		return engine.ChaosScope{Kind: engine.ScopeAny}
	}
}

func parseErrorKind(s string) (engine.ErrorKind, error) {
	switch engine.ErrorKind(s) {
	case engine.ErrRateLimited, engine.ErrTimeout, engine.ErrServerError, engine.ErrResourceExhausted:
		return engine.ErrorKind(s), nil
	default:
		return "", fmt.Errorf("unsupported injectable error_kind %q", s)
	}
}

// BuildBreakerConfig translates `chaos.circuit_breaker`.
func BuildBreakerConfig(root *Root) chaos.BreakerConfig {
	return chaos.BreakerConfig{
		FailureThreshold:   root.Chaos.CircuitBreaker.FailureThreshold,
		OpenDuration:       root.Chaos.CircuitBreaker.OpenDuration,
		HalfOpenProbeCount: root.Chaos.CircuitBreaker.HalfOpenProbeCount,
	}
}

// BuildBreakerScope translates `chaos.breaker_scope`.
func BuildBreakerScope(root *Root) chaos.BreakerScope {
	if root.Chaos.BreakerScope == "global" {
		return chaos.BreakerGlobal
	}
	return chaos.BreakerPerModelOperation
}

// EffectiveLatencyMultiplier applies the §6 equivalence: latency.enabled=false
// is equivalent to latency.multiplier=0.
func EffectiveLatencyMultiplier(root *Root) float64 {
	if !root.Latency.Enabled {
		return 0
	}
	return root.Latency.Multiplier
}

// BuildRateLimiter constructs the upstream per-principal rate limiter from
// `rate_limit.*`. An empty redis_addr yields a Limiter that always allows.
func BuildRateLimiter(root *Root) *ratelimit.Limiter {
	return ratelimit.New(root.RateLimit.RedisAddr, ratelimit.Config{
		RequestsPerMinute: root.RateLimit.RequestsPerMinute,
		BurstSize:         root.RateLimit.BurstSize,
		KeyPrefix:         "simulator:ratelimit",
	})
}

// BuildEstimators returns the default per-family token estimators (§9 open
// question 1): a fixed bytes-per-token ratio, used consistently at ingress
// and egress.
func BuildEstimators() map[engine.Family]tokengen.Estimator {
	return tokengen.DefaultEstimators()
}
