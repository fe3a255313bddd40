package config

import (
	"fmt"
	"os"
	"sync/atomic"

	"gopkg.in/yaml.v3"

	"github.com/issj6/ad-router/internal/adapter"
	"github.com/issj6/ad-router/internal/callback"
	"github.com/issj6/ad-router/internal/router"
)

// Settings holds gateway-wide values from the YAML file.
type Settings struct {
	CallbackBase string         `yaml:"callback_base"`
	AppSecret    string         `yaml:"app_secret"`
	Debounce     DebounceConfig `yaml:"debounce"`
}

// DebounceConfig controls the deferred-forward window for events routed
// through the debounce path.
type DebounceConfig struct {
	Enabled         bool  `yaml:"enabled"`
	MaxWaitMs       int64 `yaml:"max_wait_ms"`
	SubmitTimeoutMs int64 `yaml:"submit_timeout_ms"`
}

// Adapters groups one upstream's outbound templates and inbound callback
// mappings, keyed by event type.
type Adapters struct {
	Outbound        map[string]*adapter.Spec     `yaml:"outbound"`
	InboundCallback map[string]*callback.Inbound `yaml:"inbound_callback"`
}

// Upstream is one configured media platform.
type Upstream struct {
	ID       string            `yaml:"id"`
	Secrets  map[string]string `yaml:"secrets"`
	Adapters Adapters          `yaml:"adapters"`
}

// Gateway is one parsed revision of the gateway YAML file. Instances are
// immutable once built; reload swaps the whole snapshot.
type Gateway struct {
	Settings  Settings            `yaml:"settings"`
	Upstreams []*Upstream         `yaml:"upstreams"`
	Routes    []router.RuleSet    `yaml:"routes"`
	upstreams map[string]*Upstream
}

// Upstream returns the upstream with the given id, or nil.
func (g *Gateway) Upstream(id string) *Upstream {
	return g.upstreams[id]
}

// OutboundAdapter picks the outbound template for an upstream and event
// type. Impressions without their own template share the click template.
func (g *Gateway) OutboundAdapter(upID, eventType string) *adapter.Spec {
	up := g.upstreams[upID]
	if up == nil {
		return nil
	}
	if spec, ok := up.Adapters.Outbound[eventType]; ok {
		return spec
	}
	if eventType == "imp" {
		return up.Adapters.Outbound["click"]
	}
	return nil
}

// InboundAdapter picks the callback mapping for an upstream and the
// upstream's event name, falling back to the catch-all "*" entry.
func (g *Gateway) InboundAdapter(upID, event string) *callback.Inbound {
	up := g.upstreams[upID]
	if up == nil {
		return nil
	}
	if in, ok := up.Adapters.InboundCallback[event]; ok {
		return in
	}
	return up.Adapters.InboundCallback["*"]
}

func parseGateway(data []byte) (*Gateway, error) {
	var g Gateway
	if err := yaml.Unmarshal(data, &g); err != nil {
		return nil, fmt.Errorf("failed to parse gateway config: %w", err)
	}
	g.upstreams = make(map[string]*Upstream, len(g.Upstreams))
	for _, up := range g.Upstreams {
		if up.ID == "" {
			return nil, fmt.Errorf("gateway config: upstream with empty id")
		}
		if _, dup := g.upstreams[up.ID]; dup {
			return nil, fmt.Errorf("gateway config: duplicate upstream id %q", up.ID)
		}
		g.upstreams[up.ID] = up
	}
	for i := range g.Routes {
		if g.Routes[i].MatchKey == "" {
			return nil, fmt.Errorf("gateway config: route %d has no match_key", i)
		}
	}
	return &g, nil
}

// GatewayStore holds the current gateway snapshot. Readers see a
// consistent revision for the whole request; Reload swaps atomically.
type GatewayStore struct {
	file    string
	current atomic.Pointer[Gateway]
}

// LoadGateway reads and parses the YAML file and returns a store seeded
// with the first snapshot.
func LoadGateway(file string) (*GatewayStore, error) {
	s := &GatewayStore{file: file}
	if err := s.Reload(); err != nil {
		return nil, err
	}
	return s, nil
}

// Current returns the active snapshot.
func (s *GatewayStore) Current() *Gateway {
	return s.current.Load()
}

// Reload re-reads the file and swaps in the new snapshot. On any error
// the previous snapshot stays active.
func (s *GatewayStore) Reload() error {
	data, err := os.ReadFile(s.file)
	if err != nil {
		return fmt.Errorf("failed to read gateway config %s: %w", s.file, err)
	}
	g, err := parseGateway(data)
	if err != nil {
		return err
	}
	s.current.Store(g)
	return nil
}
