package chaos

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/coder/llmsimulator/internal/engine"
	"github.com/coder/llmsimulator/internal/engine/rng"
)

// Decision is the outcome of Decider.Decide (§4.5).
type Decision struct {
	Proceed bool
	Kind    engine.ErrorKind // meaningful only when !Proceed
	RuleName string
}

// BreakerScope controls whether breakers are tracked per (model, operation)
// pair or as a single global instance (§4.5).
type BreakerScope int

const (
	BreakerPerModelOperation BreakerScope = iota
	BreakerGlobal
)

// breakerKey identifies one entry in the breaker table.
type breakerKey struct {
	model string
	op    engine.Operation
}

// Decider holds the chaos rule list and the circuit-breaker table, and
// implements the §4.5 algorithm. The rule list is read through an atomic
// handle: updates swap the pointer, never mutate the slice in place, so
// concurrent readers never observe a torn list and writers never block on
// readers (§4.5 admin surface, §5).
type Decider struct {
	rules atomic.Pointer[[]engine.ChaosRule]

	globalProbability float64
	breakerCfg        BreakerConfig
	breakerScope       BreakerScope

	mu       sync.Mutex
	breakers map[breakerKey]*Breaker
}

// NewDecider constructs a Decider with an initial rule set.
func NewDecider(rules []engine.ChaosRule, globalProbability float64, breakerCfg BreakerConfig, scope BreakerScope) *Decider {
	d := &Decider{
		globalProbability: globalProbability,
		breakerCfg:        breakerCfg,
		breakerScope:      scope,
		breakers:          make(map[breakerKey]*Breaker),
	}
	d.SetRules(rules)
	return d
}

// SetRules atomically swaps in a new rule list. Existing circuit-breaker
// state survives the swap untouched (§4.5 admin surface invariant).
func (d *Decider) SetRules(rules []engine.ChaosRule) {
	cp := append([]engine.ChaosRule(nil), rules...)
	d.rules.Store(&cp)
}

// Rules returns the currently active rule list.
func (d *Decider) Rules() []engine.ChaosRule {
	p := d.rules.Load()
	if p == nil {
		return nil
	}
	return *p
}

func (d *Decider) keyFor(req *engine.NormalizedRequest) breakerKey {
	if d.breakerScope == BreakerGlobal {
		return breakerKey{}
	}
	return breakerKey{model: req.ModelID, op: req.Operation}
}

func (d *Decider) breakerFor(key breakerKey) *Breaker {
	d.mu.Lock()
	defer d.mu.Unlock()
	b, ok := d.breakers[key]
	if !ok {
		b = NewBreaker(d.breakerCfg)
		d.breakers[key] = b
	}
	return b
}

// Breaker exposes the breaker instance backing a request's scope, for
// metrics and admin endpoints.
func (d *Decider) Breaker(req *engine.NormalizedRequest) *Breaker {
	return d.breakerFor(d.keyFor(req))
}

// Decide implements spec.md §4.5. now is passed explicitly rather than read
// from time.Now() inside so tests can drive breaker cool-downs precisely;
// production callers pass time.Now().
func (d *Decider) Decide(req *engine.NormalizedRequest, chaosStream *rng.Stream, now time.Time) Decision {
	breaker := d.breakerFor(d.keyFor(req))

	proceed, _ := breaker.BeforeRequest(now)
	if !proceed {
		return Decision{Proceed: false, Kind: engine.ErrCircuitOpen, RuleName: "circuit_open"}
	}

	for _, rule := range d.Rules() {
		if !rule.Enabled || !rule.Scope.Matches(req) {
			continue
		}
		sample := chaosStream.Float64()
		threshold := rule.Probability * d.globalProbability
		if sample < threshold {
			breaker.RecordFailure(now)
			return Decision{Proceed: false, Kind: rule.ErrorKind, RuleName: rule.Name}
		}
	}

	breaker.RecordSuccess()
	return Decision{Proceed: true}
}
