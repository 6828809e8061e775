// Package config loads and resolves the motorx configuration file (§6).
// Loading is file-based (encoding/json) rather than the teacher's env-var
// style, because §6 specifies a config *file* path as the sole CLI input;
// see SPEC_FULL.md's AMBIENT STACK section for the rationale. Defaults and
// the overall struct-with-Load shape otherwise follow the teacher's
// internal/config/config.go.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"sort"

	"motorx/internal/perr"
)

// DefaultMaxConnections is the default per-upstream connection budget (§3).
const DefaultMaxConnections = 10

// DefaultServerMaxConnections is the default server-wide admission limit (§6).
const DefaultServerMaxConnections = 100

// Upstream is a named backend HTTP endpoint (§3).
type Upstream struct {
	Address        string          `json:"address"`
	MaxConnections int             `json:"max_connections,omitempty"`
	Auth           *Authentication `json:"auth,omitempty"`
}

// Config is the top-level configuration document (§6).
type Config struct {
	Addr           string               `json:"addr"`
	TLS            TLSConfig            `json:"tls,omitempty"`
	MaxConnections int                  `json:"max_connections,omitempty"`
	Upstreams      map[string]*Upstream `json:"upstreams"`
	Rules          []*Rule              `json:"rules"`

	// UpstreamOrder maps a dense index to the upstream name it was assigned
	// at startup (§4.1, §9): the handler looks up upstreams by this index,
	// never by re-hashing the name on the hot path.
	UpstreamOrder []string `json:"-"`
	upstreamIndex map[string]int
}

// Load reads and fully resolves a configuration file from path.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, &perr.ConfigError{Op: "read config file", Err: err}
	}
	var cfg Config
	if err := json.Unmarshal(data, &cfg); err != nil {
		return nil, &perr.ConfigError{Op: "parse config file", Err: err}
	}
	if err := cfg.applyDefaultsAndResolve(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) applyDefaultsAndResolve() error {
	if c.Addr == "" {
		return &perr.ConfigError{Op: "validate config", Err: fmt.Errorf("%q is required", "addr")}
	}
	if c.MaxConnections <= 0 {
		c.MaxConnections = DefaultServerMaxConnections
	}

	// Assign dense upstream indices in a stable (sorted-by-name) order so
	// that repeated loads of an unchanged config produce the same indices.
	names := make([]string, 0, len(c.Upstreams))
	for name := range c.Upstreams {
		names = append(names, name)
	}
	sort.Strings(names)
	c.UpstreamOrder = names
	c.upstreamIndex = make(map[string]int, len(names))
	for i, name := range names {
		c.upstreamIndex[name] = i
		up := c.Upstreams[name]
		if up.MaxConnections <= 0 {
			up.MaxConnections = DefaultMaxConnections
		}
	}

	// Resolve named-upstream auth sources to their dense index now, so the
	// auth gate never does a string lookup per request.
	for name, up := range c.Upstreams {
		if up.Auth == nil || up.Auth.Source.Kind != SourceNamedUpstream {
			continue
		}
		idx, ok := c.upstreamIndex[up.Auth.Source.UpstreamName]
		if !ok {
			return &perr.ConfigError{Op: "resolve auth upstream", Err: fmt.Errorf("upstream %q auth references unknown upstream %q", name, up.Auth.Source.UpstreamName)}
		}
		up.Auth.Source.ResolvedIndex = idx
	}

	// Resolve each rule's upstream reference and assign dense cache indices,
	// then sort by match predicate priority (§3, §4.1, §8).
	cacheIndex := 0
	for _, r := range c.Rules {
		idx, ok := c.upstreamIndex[r.UpstreamName]
		if !ok {
			return &perr.ConfigError{Op: "resolve rule upstream", Err: fmt.Errorf("rule references unknown upstream %q", r.UpstreamName)}
		}
		r.UpstreamIndex = idx
		if r.Cache != nil {
			r.CacheIndex = cacheIndex
			cacheIndex++
		}
	}
	sort.SliceStable(c.Rules, func(i, j int) bool {
		return c.Rules[i].Less(c.Rules[j])
	})

	return nil
}

// UpstreamIndexOf returns the dense index for an upstream name, resolved at load time.
func (c *Config) UpstreamIndexOf(name string) (int, bool) {
	idx, ok := c.upstreamIndex[name]
	return idx, ok
}

// UpstreamAt returns the upstream assigned to dense index i.
func (c *Config) UpstreamAt(i int) *Upstream {
	if i < 0 || i >= len(c.UpstreamOrder) {
		return nil
	}
	return c.Upstreams[c.UpstreamOrder[i]]
}

// CacheRuleCount returns one past the highest cache index assigned, i.e. the
// size to allocate for a dense per-rule cache slice.
func (c *Config) CacheRuleCount() int {
	max := 0
	for _, r := range c.Rules {
		if r.Cache != nil && r.CacheIndex+1 > max {
			max = r.CacheIndex + 1
		}
	}
	return max
}
