// Package config loads and validates the simulator's YAML configuration
// (spec.md §6): server, latency, chaos, models, and the optional root seed.
// Loading follows the teacher's layered approach — a typed struct populated
// by yaml.v3, then a small set of `SIMULATOR_*` environment variables bound
// through viper override individual keys (see bindEnvOverrides); no other
// key has an environment or flag override.
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

// ServerConfig is the `server.*` block (§6).
type ServerConfig struct {
	Host                  string        `yaml:"host" mapstructure:"host"`
	Port                  int           `yaml:"port" mapstructure:"port"`
	MaxConcurrentRequests int           `yaml:"max_concurrent_requests" mapstructure:"max_concurrent_requests"`
	RequestTimeout        time.Duration `yaml:"request_timeout" mapstructure:"request_timeout"`
	ShutdownDrainTimeout  time.Duration `yaml:"shutdown_drain_timeout" mapstructure:"shutdown_drain_timeout"`
}

// DistributionConfig mirrors engine.DistributionSpec on the wire; Kind
// selects which of the other fields are meaningful.
type DistributionConfig struct {
	Kind string `yaml:"kind" mapstructure:"kind"` // constant | normal | log_normal | exponential | pareto

	ConstantMS float64 `yaml:"constant_ms,omitempty" mapstructure:"constant_ms"`
	MeanMS     float64 `yaml:"mean_ms,omitempty" mapstructure:"mean_ms"`
	StdDevMS   float64 `yaml:"std_dev_ms,omitempty" mapstructure:"std_dev_ms"`
	ExpMeanMS  float64 `yaml:"exp_mean_ms,omitempty" mapstructure:"exp_mean_ms"`
	ScaleMS    float64 `yaml:"scale_ms,omitempty" mapstructure:"scale_ms"`
	Shape      float64 `yaml:"shape,omitempty" mapstructure:"shape"`
}

// LatencyProfileConfig is one entry of `latency.profiles`.
type LatencyProfileConfig struct {
	TTFT DistributionConfig `yaml:"ttft" mapstructure:"ttft"`
	ITL  DistributionConfig `yaml:"itl" mapstructure:"itl"`
}

// LatencyConfig is the `latency.*` block (§6). Enabled=false is equivalent
// to Multiplier=0.
type LatencyConfig struct {
	Enabled    bool                            `yaml:"enabled" mapstructure:"enabled"`
	Multiplier float64                         `yaml:"multiplier" mapstructure:"multiplier"`
	Profiles   map[string]LatencyProfileConfig `yaml:"profiles" mapstructure:"profiles"`
}

// CircuitBreakerConfig is `chaos.circuit_breaker.*`.
type CircuitBreakerConfig struct {
	FailureThreshold   uint32        `yaml:"failure_threshold" mapstructure:"failure_threshold"`
	OpenDuration       time.Duration `yaml:"open_duration" mapstructure:"open_duration"`
	HalfOpenProbeCount uint32        `yaml:"half_open_probe_count" mapstructure:"half_open_probe_count"`
}

// ChaosRuleConfig is one entry of `chaos.rules`.
type ChaosRuleConfig struct {
	Name        string   `yaml:"name" mapstructure:"name"`
	ScopeModels []string `yaml:"scope_models,omitempty" mapstructure:"scope_models"`
	ScopeOps    []string `yaml:"scope_operations,omitempty" mapstructure:"scope_operations"`
	ErrorKind   string   `yaml:"error_kind" mapstructure:"error_kind"`
	Probability float64  `yaml:"probability" mapstructure:"probability"`
	Enabled     bool     `yaml:"enabled" mapstructure:"enabled"`
}

// ChaosConfig is the `chaos.*` block (§6).
type ChaosConfig struct {
	Enabled           bool                 `yaml:"enabled" mapstructure:"enabled"`
	GlobalProbability float64              `yaml:"global_probability" mapstructure:"global_probability"`
	CircuitBreaker    CircuitBreakerConfig `yaml:"circuit_breaker" mapstructure:"circuit_breaker"`
	BreakerScope      string               `yaml:"breaker_scope" mapstructure:"breaker_scope"` // per_model_operation | global
	Rules             []ChaosRuleConfig    `yaml:"rules" mapstructure:"rules"`

	// RedisAddr is the redis server chaos rule updates are fanned out through
	// and RedisChannel the pub/sub channel they are published/subscribed on
	// (SPEC_FULL.md §3 domain stack). An empty RedisAddr disables the
	// redis-backed hot reload path; local in-process updates still work.
	RedisAddr    string `yaml:"redis_addr,omitempty" mapstructure:"redis_addr"`
	RedisChannel string `yaml:"redis_channel,omitempty" mapstructure:"redis_channel"`
}

// ModelConfig is one entry of `models`.
type ModelConfig struct {
	ID                     string   `yaml:"id" mapstructure:"id"`
	Family                 string   `yaml:"family" mapstructure:"family"`
	ContextWindowTokens    uint32   `yaml:"context_window_tokens" mapstructure:"context_window_tokens"`
	MaxOutputTokens        uint32   `yaml:"max_output_tokens" mapstructure:"max_output_tokens"`
	EmbeddingDim           *uint32  `yaml:"embedding_dim,omitempty" mapstructure:"embedding_dim"`
	PromptUSDPerMToken     float64  `yaml:"prompt_usd_per_mtoken" mapstructure:"prompt_usd_per_mtoken"`
	CompletionUSDPerMToken float64  `yaml:"completion_usd_per_mtoken" mapstructure:"completion_usd_per_mtoken"`
	DefaultLatencyProfile  string   `yaml:"default_latency_profile_id" mapstructure:"default_latency_profile_id"`
	Aliases                []string `yaml:"aliases,omitempty" mapstructure:"aliases"`
}

// AuditConfig controls the sqlite operational audit trail.
type AuditConfig struct {
	Enabled bool   `yaml:"enabled" mapstructure:"enabled"`
	DBPath  string `yaml:"db_path" mapstructure:"db_path"`
}

// RateLimitConfig controls the upstream per-principal request rate filter
// (spec.md §1). Empty RedisAddr disables enforcement.
type RateLimitConfig struct {
	RedisAddr         string `yaml:"redis_addr,omitempty" mapstructure:"redis_addr"`
	RequestsPerMinute int    `yaml:"requests_per_minute" mapstructure:"requests_per_minute"`
	BurstSize         int    `yaml:"burst_size" mapstructure:"burst_size"`
}

// Root is the top-level configuration document (§6).
type Root struct {
	Server    ServerConfig    `yaml:"server" mapstructure:"server"`
	Latency   LatencyConfig   `yaml:"latency" mapstructure:"latency"`
	Chaos     ChaosConfig     `yaml:"chaos" mapstructure:"chaos"`
	Models    []ModelConfig   `yaml:"models" mapstructure:"models"`
	Audit     AuditConfig     `yaml:"audit" mapstructure:"audit"`
	RateLimit RateLimitConfig `yaml:"rate_limit" mapstructure:"rate_limit"`

	// Seed is the optional root seed (§6); absent means a per-process random
	// root.
	Seed *int64 `yaml:"seed,omitempty" mapstructure:"seed"`
}

// Default returns the baseline configuration applied before the YAML file
// and environment overrides are layered on top.
func Default() Root {
	return Root{
		Server: ServerConfig{
			Host:                  "0.0.0.0",
			Port:                  8080,
			MaxConcurrentRequests: 256,
			RequestTimeout:        30 * time.Second,
			ShutdownDrainTimeout:  10 * time.Second,
		},
		Latency:   LatencyConfig{Enabled: true, Multiplier: 1.0},
		Chaos:     ChaosConfig{Enabled: true, GlobalProbability: 1.0, BreakerScope: "per_model_operation", RedisChannel: "sim:chaos:rules"},
		Audit:     AuditConfig{Enabled: true, DBPath: "simulator_audit.db"},
		RateLimit: RateLimitConfig{RequestsPerMinute: 60, BurstSize: 10},
	}
}

// Load reads the YAML file at path (if non-empty), then layers viper-bound
// environment variable overrides (`SIMULATOR_` prefix, matching the
// teacher's env-override convention) on top, mirroring the layered
// precedence the teacher's config store follows.
func Load(path string) (*Root, error) {
	root := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("config: reading %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, &root); err != nil {
			return nil, fmt.Errorf("config: parsing %s: %w", path, err)
		}
	}

	v := viper.New()
	v.SetEnvPrefix("SIMULATOR")
	v.AutomaticEnv()
	bindEnvOverrides(v, &root)

	if err := Validate(&root); err != nil {
		return nil, err
	}
	return &root, nil
}

// bindEnvOverrides applies the small set of high-value env overrides
// operators reach for most often; every other key flows through the YAML
// file. This mirrors the teacher's practice of binding a curated subset of
// keys rather than the entire struct surface.
func bindEnvOverrides(v *viper.Viper, root *Root) {
	if v.IsSet("server.port") || os.Getenv("SIMULATOR_SERVER_PORT") != "" {
		v.BindEnv("server.port", "SIMULATOR_SERVER_PORT")
		root.Server.Port = v.GetInt("server.port")
	}
	if os.Getenv("SIMULATOR_SERVER_HOST") != "" {
		v.BindEnv("server.host", "SIMULATOR_SERVER_HOST")
		root.Server.Host = v.GetString("server.host")
	}
	if os.Getenv("SIMULATOR_SEED") != "" {
		v.BindEnv("seed", "SIMULATOR_SEED")
		seed := int64(v.GetInt64("seed"))
		root.Seed = &seed
	}
	if os.Getenv("SIMULATOR_LATENCY_MULTIPLIER") != "" {
		v.BindEnv("latency.multiplier", "SIMULATOR_LATENCY_MULTIPLIER")
		root.Latency.Multiplier = v.GetFloat64("latency.multiplier")
	}
}

// Validate checks cross-field invariants the YAML/env layers can't enforce
// structurally — most notably spec.md §9 open question 4: every model's
// default_latency_profile_id must name a profile that actually exists.
func Validate(root *Root) error {
	if root.Server.Port <= 0 || root.Server.Port > 65535 {
		return fmt.Errorf("config: server.port %d out of range", root.Server.Port)
	}
	if root.Server.MaxConcurrentRequests <= 0 {
		return fmt.Errorf("config: server.max_concurrent_requests must be positive")
	}

	seenIDs := make(map[string]struct{}, len(root.Models))
	for _, m := range root.Models {
		if m.ID == "" {
			return fmt.Errorf("config: models entry missing id")
		}
		if _, dup := seenIDs[m.ID]; dup {
			return fmt.Errorf("config: duplicate model id %q", m.ID)
		}
		seenIDs[m.ID] = struct{}{}

		switch m.Family {
		case "openai", "anthropic", "google":
		default:
			return fmt.Errorf("config: model %q has unknown family %q", m.ID, m.Family)
		}

		if m.DefaultLatencyProfile == "" {
			return fmt.Errorf("config: model %q missing default_latency_profile_id", m.ID)
		}
		if _, ok := root.Latency.Profiles[m.DefaultLatencyProfile]; !ok {
			return fmt.Errorf("config: model %q names non-existent latency profile %q", m.ID, m.DefaultLatencyProfile)
		}
	}

	for _, r := range root.Chaos.Rules {
		if r.Probability < 0 || r.Probability > 1 {
			return fmt.Errorf("config: chaos rule %q probability out of [0,1]", r.Name)
		}
	}

	return nil
}
