package config

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"motorx/internal/perr"
)

// DefaultMaxCacheBodyBytes bounds how large a cached response body may be
// before the entry is forwarded but not stored (SPEC_FULL open-question #2).
const DefaultMaxCacheBodyBytes = 2 << 20

// CachePolicy controls whether and how a rule's responses are cached (§3).
type CachePolicy struct {
	Methods      []string      `json:"methods,omitempty"`
	MaxAge       time.Duration `json:"-"`
	MaxAgeRaw    string        `json:"max_age,omitempty"`
	MaxBodyBytes int           `json:"max_body_bytes,omitempty"`
	methodSet    map[string]struct{}
}

func (c *CachePolicy) applyDefaults() error {
	if len(c.Methods) == 0 {
		c.Methods = []string{"GET"}
	}
	c.methodSet = make(map[string]struct{}, len(c.Methods))
	for _, m := range c.Methods {
		c.methodSet[strings.ToUpper(m)] = struct{}{}
	}
	if c.MaxAgeRaw == "" {
		c.MaxAge = 10 * time.Second
	} else {
		d, err := time.ParseDuration(c.MaxAgeRaw)
		if err != nil {
			return &perr.ConfigError{Op: "parse cache max_age", Err: err}
		}
		c.MaxAge = d
	}
	if c.MaxBodyBytes <= 0 {
		c.MaxBodyBytes = DefaultMaxCacheBodyBytes
	}
	return nil
}

// NewCachePolicy builds a ready-to-use CachePolicy for callers that construct
// rules directly instead of through JSON (e.g. tests): it derives the same
// method-set/max-body-bytes defaults applyDefaults does, but takes maxAge as
// a time.Duration directly since there is no raw JSON string to parse.
func NewCachePolicy(methods []string, maxAge time.Duration, maxBodyBytes int) *CachePolicy {
	if len(methods) == 0 {
		methods = []string{"GET"}
	}
	c := &CachePolicy{Methods: methods, MaxAge: maxAge, MaxBodyBytes: maxBodyBytes}
	c.methodSet = make(map[string]struct{}, len(methods))
	for _, m := range methods {
		c.methodSet[strings.ToUpper(m)] = struct{}{}
	}
	if c.MaxBodyBytes <= 0 {
		c.MaxBodyBytes = DefaultMaxCacheBodyBytes
	}
	return c
}

// AllowsMethod reports whether method is eligible for caching under this policy.
func (c *CachePolicy) AllowsMethod(method string) bool {
	if c == nil {
		return false
	}
	_, ok := c.methodSet[strings.ToUpper(method)]
	return ok
}

// Equal reports whether two policies have the same max age and the same
// methods in the same order (§3); MaxBodyBytes is not compared.
func (c *CachePolicy) Equal(other *CachePolicy) bool {
	if c == nil || other == nil {
		return c == other
	}
	if c.MaxAge != other.MaxAge || len(c.Methods) != len(other.Methods) {
		return false
	}
	for i := range c.Methods {
		if c.Methods[i] != other.Methods[i] {
			return false
		}
	}
	return true
}

// Rule is one entry of the ordered rule set (§3).
type Rule struct {
	Path             MatchPredicate            `json:"path"`
	RemoveMatch      bool                      `json:"remove_match,omitempty"`
	HeaderPredicates map[string]MatchPredicate `json:"header_predicates,omitempty"`
	UpstreamName     string                    `json:"upstream"`
	Cache            *CachePolicy              `json:"cache,omitempty"`

	// Resolved at startup (§4.1); never looked up by string on the hot path.
	UpstreamIndex int `json:"-"`
	CacheIndex    int `json:"-"` // -1 if Cache is nil
}

// Matches reports whether req satisfies the rule's path and header predicates (§4.1).
func (r *Rule) Matches(path string, header func(name string) (string, bool)) bool {
	if !r.Path.Matches(path) {
		return false
	}
	for name, pred := range r.HeaderPredicates {
		value, ok := header(name)
		if !ok {
			return false
		}
		if !pred.Matches(value) {
			return false
		}
	}
	return true
}

// RewritePath implements §4.1's rewrite_path: only Prefix rules with
// RemoveMatch strip their literal; Contains/Regex are a documented no-op (§9).
func (r *Rule) RewritePath(incoming string) string {
	if !r.RemoveMatch || r.Path.Kind() != KindPrefix {
		return incoming
	}
	prefix := r.Path.Literal()
	rewritten := strings.Replace(incoming, prefix, "", 1)
	if rewritten == "" {
		return "/"
	}
	return rewritten
}

// Less implements rule sort ordering: by match predicate priority/length (§3/§8).
func (r *Rule) Less(other *Rule) bool {
	return r.Path.Less(other.Path)
}

func (r *Rule) UnmarshalJSON(data []byte) error {
	type alias Rule
	aux := &struct{ *alias }{alias: (*alias)(r)}
	if err := json.Unmarshal(data, aux); err != nil {
		return err
	}
	if r.UpstreamName == "" {
		return &perr.ConfigError{Op: "parse rule", Err: fmt.Errorf("rule missing \"upstream\"")}
	}
	if r.Cache != nil {
		if err := r.Cache.applyDefaults(); err != nil {
			return err
		}
	}
	r.CacheIndex = -1
	return nil
}
