// Package chaosadmin hot-reloads chaos rules across every simulator
// instance in a fleet, per spec.md §4.5's admin surface and SPEC_FULL.md §3.
// It is grounded on the teacher's lib/redis/client.go: a thin wrapper around
// github.com/redis/go-redis/v9, used here for Pub/Sub instead of the
// teacher's key/value and REST fallback paths, since a single channel is all
// a rule broadcast needs. When no redis_addr is configured, SetRules still
// updates the local chaos.Decider directly — the fan-out is additive, never
// required for correctness on a single instance.
package chaosadmin

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/redis/go-redis/v9"

	"github.com/coder/llmsimulator/internal/engine"
	"github.com/coder/llmsimulator/internal/engine/chaos"
)

// ruleWire is the JSON shape published on the channel; it mirrors
// config.ChaosRuleConfig rather than importing the config package, so
// chaosadmin has no dependency on how rules were originally loaded.
type ruleWire struct {
	Name        string   `json:"name"`
	ScopeModels []string `json:"scope_models,omitempty"`
	ScopeOps    []string `json:"scope_operations,omitempty"`
	ErrorKind   string   `json:"error_kind"`
	Probability float64  `json:"probability"`
	Enabled     bool     `json:"enabled"`
}

func toWire(rules []engine.ChaosRule) []ruleWire {
	out := make([]ruleWire, 0, len(rules))
	for _, r := range rules {
		w := ruleWire{Name: r.Name, ErrorKind: string(r.ErrorKind), Probability: r.Probability, Enabled: r.Enabled}
		switch r.Scope.Kind {
		case engine.ScopeModels:
			for m := range r.Scope.Models {
				w.ScopeModels = append(w.ScopeModels, m)
			}
		case engine.ScopeOperations:
			for op := range r.Scope.Operations {
				w.ScopeOps = append(w.ScopeOps, string(op))
			}
		}
		out = append(out, w)
	}
	return out
}

func fromWire(wire []ruleWire) []engine.ChaosRule {
	out := make([]engine.ChaosRule, 0, len(wire))
	for _, w := range wire {
		scope := engine.ChaosScope{Kind: engine.ScopeAny}
		switch {
		case len(w.ScopeModels) > 0:
			models := make(map[string]struct{}, len(w.ScopeModels))
			for _, m := range w.ScopeModels {
				models[m] = struct{}{}
			}
			scope = engine.ChaosScope{Kind: engine.ScopeModels, Models: models}
		case len(w.ScopeOps) > 0:
			ops := make(map[engine.Operation]struct{}, len(w.ScopeOps))
			for _, o := range w.ScopeOps {
				ops[engine.Operation(o)] = struct{}{}
			}
			scope = engine.ChaosScope{Kind: engine.ScopeOperations, Operations: ops}
		}
		out = append(out, engine.ChaosRule{
			Name:        w.Name,
			Scope:       scope,
			ErrorKind:   engine.ErrorKind(w.ErrorKind),
			Probability: w.Probability,
			Enabled:     w.Enabled,
		})
	}
	return out
}

// Broadcaster publishes rule updates to every subscribed instance and
// applies incoming updates to the local chaos.Decider. nil-safe: a
// Broadcaster built with no redis client still applies local-only updates.
type Broadcaster struct {
	client  *redis.Client
	channel string
	decider *chaos.Decider
	log     *slog.Logger
}

// New connects to addr (empty disables fan-out) and wires updates into
// decider.
func New(addr, channel string, decider *chaos.Decider, log *slog.Logger) *Broadcaster {
	b := &Broadcaster{channel: channel, decider: decider, log: log}
	if addr == "" {
		return b
	}
	b.client = redis.NewClient(&redis.Options{Addr: addr})
	return b
}

// Publish applies rules locally and, when redis is configured, broadcasts
// them to every other subscribed instance.
func (b *Broadcaster) Publish(ctx context.Context, rules []engine.ChaosRule) error {
	b.decider.SetRules(rules)
	if b.client == nil {
		return nil
	}
	payload, err := json.Marshal(toWire(rules))
	if err != nil {
		return fmt.Errorf("chaosadmin: marshaling rules: %w", err)
	}
	return b.client.Publish(ctx, b.channel, payload).Err()
}

// Listen subscribes to the channel and applies every incoming rule update to
// the local decider, until ctx is canceled. It is a no-op when redis isn't
// configured. Run it in its own goroutine.
func (b *Broadcaster) Listen(ctx context.Context) {
	if b.client == nil {
		return
	}
	sub := b.client.Subscribe(ctx, b.channel)
	defer sub.Close()

	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-ch:
			if !ok {
				return
			}
			var wire []ruleWire
			if err := json.Unmarshal([]byte(msg.Payload), &wire); err != nil {
				b.log.Error("chaosadmin: discarding malformed rule update", "error", err)
				continue
			}
			b.decider.SetRules(fromWire(wire))
			b.log.Info("chaosadmin: applied rule update", "rule_count", len(wire))
		}
	}
}

// Close releases the underlying redis client, if any.
func (b *Broadcaster) Close() error {
	if b.client == nil {
		return nil
	}
	return b.client.Close()
}
