// Package ratelimit enforces a per-auth_principal request rate as an
// upstream filter, per spec.md §1 ("rate-limit enforcement [is] treated as
// an upstream filter that delivers already-authorized requests to the
// core"). It is grounded on the teacher's lib/ratelimit/limiter.go token
// bucket algorithm, adapted from the teacher's custom RedisClient wrapper
// directly onto github.com/redis/go-redis/v9 (the same client chaosadmin
// already uses), and narrowed from the teacher's user/org/IP/endpoint tiers
// down to a single auth_principal tier, since the simulator has no
// org/endpoint hierarchy of its own.
package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Config parametrizes the token bucket.
type Config struct {
	RequestsPerMinute int
	BurstSize         int
	KeyPrefix         string
}

// DefaultConfig mirrors the teacher's defaults.
func DefaultConfig() Config {
	return Config{RequestsPerMinute: 60, BurstSize: 10, KeyPrefix: "simulator:ratelimit"}
}

// Limiter is a distributed token bucket keyed by auth_principal. A Limiter
// with no redis client (New with addr == "") always allows — matching
// chaosadmin's nil-safety convention, since rate limiting is additive
// protection, not a correctness requirement of the core.
type Limiter struct {
	client *redis.Client
	cfg    Config
}

// New builds a Limiter. addr == "" disables enforcement entirely.
func New(addr string, cfg Config) *Limiter {
	if addr == "" {
		return &Limiter{cfg: cfg}
	}
	return &Limiter{client: redis.NewClient(&redis.Options{Addr: addr}), cfg: cfg}
}

// refillPerSecond is the steady-state token accrual rate.
func (l *Limiter) refillPerSecond() float64 {
	return float64(l.cfg.RequestsPerMinute) / 60.0
}

// Allow implements the token bucket: tokens accrue continuously since the
// last recorded refill, capped at BurstSize, and a request consumes one.
func (l *Limiter) Allow(ctx context.Context, principal string) (bool, error) {
	if l.client == nil {
		return true, nil
	}

	key := fmt.Sprintf("%s:%s", l.cfg.KeyPrefix, principal)
	now := time.Now()

	pipe := l.client.TxPipeline()
	tokensCmd := pipe.HGet(ctx, key, "tokens")
	lastCmd := pipe.HGet(ctx, key, "last_refill")
	_, _ = pipe.Exec(ctx)

	tokens := float64(l.cfg.BurstSize)
	if s, err := tokensCmd.Result(); err == nil {
		fmt.Sscanf(s, "%f", &tokens)
	}
	last := now
	if s, err := lastCmd.Result(); err == nil {
		if unix, err := time.Parse(time.RFC3339Nano, s); err == nil {
			last = unix
		}
	}

	elapsed := now.Sub(last).Seconds()
	tokens += elapsed * l.refillPerSecond()
	if tokens > float64(l.cfg.BurstSize) {
		tokens = float64(l.cfg.BurstSize)
	}

	allowed := tokens >= 1
	if allowed {
		tokens -= 1
	}

	writePipe := l.client.TxPipeline()
	writePipe.HSet(ctx, key, "tokens", fmt.Sprintf("%.4f", tokens))
	writePipe.HSet(ctx, key, "last_refill", now.Format(time.RFC3339Nano))
	writePipe.Expire(ctx, key, time.Minute)
	_, err := writePipe.Exec(ctx)

	return allowed, err
}

// Close releases the underlying redis client, if any.
func (l *Limiter) Close() error {
	if l.client == nil {
		return nil
	}
	return l.client.Close()
}
