// Package router maps an event's key field to a target upstream via ordered
// first-match-wins rules with a fallback.
package router

import (
	"errors"
	"math/rand"
)

// ErrNoRoute means the event cannot be forwarded anywhere: no rule matched
// (or the match was disabled) and the fallback is absent or disabled. The
// event is still accepted and recorded by the caller.
var ErrNoRoute = errors.New("no matching route")

// Rule is one ordered entry in a rule set.
type Rule struct {
	Equals       string            `yaml:"equals"`
	Upstream     string            `yaml:"upstream"`
	Enabled      *bool             `yaml:"enabled"`
	Throttle     float64           `yaml:"throttle"`
	CustomParams map[string]string `yaml:"custom_params"`
	Debounce     *bool             `yaml:"debounce"`
}

// IsEnabled treats an omitted enabled flag as on.
func (r *Rule) IsEnabled() bool {
	return r.Enabled == nil || *r.Enabled
}

// RuleSet matches one event field against its ordered rules.
type RuleSet struct {
	MatchKey         string  `yaml:"match_key"`
	Rules            []Rule  `yaml:"rules"`
	FallbackUpstream string  `yaml:"fallback_upstream"`
	FallbackEnabled  bool    `yaml:"fallback_enabled"`
	FallbackThrottle float64 `yaml:"fallback_throttle"`
}

// Decision is a successful resolution. Rule is nil when the fallback won.
type Decision struct {
	UpstreamID string
	Throttle   float64
	Rule       *Rule
}

// Resolve scans the rule sets in order and returns the first enabled rule
// whose equals value matches the event's value at the set's match key. A miss
// or a disabled match falls back to the first set's fallback upstream when
// enabled; otherwise resolution fails with ErrNoRoute. Rule sets are
// immutable during a request, so resolution is deterministic for a fixed
// config generation.
func Resolve(sets []RuleSet, valueAt func(matchKey string) string) (*Decision, error) {
	if len(sets) == 0 {
		return nil, ErrNoRoute
	}

	for si := range sets {
		set := &sets[si]
		value := valueAt(set.MatchKey)
		if value == "" {
			continue
		}
		for ri := range set.Rules {
			rule := &set.Rules[ri]
			if rule.Equals != value {
				continue
			}
			if !rule.IsEnabled() {
				return fallback(sets)
			}
			return &Decision{UpstreamID: rule.Upstream, Throttle: rule.Throttle, Rule: rule}, nil
		}
	}
	return fallback(sets)
}

func fallback(sets []RuleSet) (*Decision, error) {
	first := &sets[0]
	if !first.FallbackEnabled || first.FallbackUpstream == "" {
		return nil, ErrNoRoute
	}
	return &Decision{UpstreamID: first.FallbackUpstream, Throttle: first.FallbackThrottle}, nil
}

// Throttled draws one independent uniform number per event and reports
// whether the dispatch should be deliberately skipped. It is a Bernoulli
// decision, approximate over the long run, never an exact-count guarantee.
func Throttled(throttle float64, rng *rand.Rand) bool {
	if throttle <= 0 {
		return false
	}
	if throttle >= 1 {
		return true
	}
	if rng != nil {
		return rng.Float64() < throttle
	}
	return rand.Float64() < throttle
}
