package config

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"

	"motorx/internal/perr"
)

// PathWithWildcard is a literal path, or a path containing "*" wildcards that
// is compiled into an anchored regex (each "*" becomes ".+"), per §3.
type PathWithWildcard struct {
	raw string
	re  *regexp.Regexp // nil if raw has no "*"
}

// NewPathWithWildcard compiles raw into a PathWithWildcard.
func NewPathWithWildcard(raw string) (PathWithWildcard, error) {
	if !strings.Contains(raw, "*") {
		return PathWithWildcard{raw: raw}, nil
	}
	var b strings.Builder
	b.WriteString("^")
	for _, part := range strings.Split(raw, "*") {
		b.WriteString(regexp.QuoteMeta(part))
		b.WriteString(".+")
	}
	pattern := strings.TrimSuffix(b.String(), ".+") + "$"
	re, err := regexp.Compile(pattern)
	if err != nil {
		return PathWithWildcard{}, &perr.ConfigError{Op: "compile exclude path", Err: err}
	}
	return PathWithWildcard{raw: raw, re: re}, nil
}

// Matches reports whether path satisfies this exclusion entry.
func (p PathWithWildcard) Matches(path string) bool {
	if p.re != nil {
		return p.re.MatchString(path)
	}
	return p.raw == path
}

func (p PathWithWildcard) MarshalJSON() ([]byte, error) { return json.Marshal(p.raw) }

func (p *PathWithWildcard) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	parsed, err := NewPathWithWildcard(s)
	if err != nil {
		return err
	}
	*p = parsed
	return nil
}

// PathSourceKind tags which variant an authSourceJSON/PathSource holds.
type PathSourceKind int

const (
	// SourceSamePath sends the auth sub-request to the same upstream as the main request.
	SourceSamePath PathSourceKind = iota
	// SourceNamedUpstream sends the auth sub-request to a named, possibly different, upstream.
	SourceNamedUpstream
)

// PathSource is the auth sub-request's destination (§3 PathSource).
type PathSource struct {
	Kind          PathSourceKind
	Path          string
	UpstreamName  string // only for SourceNamedUpstream
	ResolvedIndex int    // resolved at startup by Config.resolveIndices
}

type authSourceJSON struct {
	Type     string `json:"type"`
	Path     string `json:"path"`
	Upstream string `json:"upstream,omitempty"`
}

func (s PathSource) MarshalJSON() ([]byte, error) {
	switch s.Kind {
	case SourceNamedUpstream:
		return json.Marshal(authSourceJSON{Type: "upstream", Path: s.Path, Upstream: s.UpstreamName})
	default:
		return json.Marshal(authSourceJSON{Type: "same_path", Path: s.Path})
	}
}

func (s *PathSource) UnmarshalJSON(data []byte) error {
	var raw authSourceJSON
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	switch raw.Type {
	case "", "same_path":
		*s = PathSource{Kind: SourceSamePath, Path: raw.Path}
	case "upstream":
		if raw.Upstream == "" {
			return &perr.ConfigError{Op: "parse auth source", Err: fmt.Errorf("upstream source requires \"upstream\" name")}
		}
		*s = PathSource{Kind: SourceNamedUpstream, Path: raw.Path, UpstreamName: raw.Upstream}
	default:
		return &perr.ConfigError{Op: "parse auth source", Err: fmt.Errorf("unknown auth source type %q", raw.Type)}
	}
	return nil
}

// Authentication gates a main request behind a sub-request, per §4.4.
type Authentication struct {
	Exclude []PathWithWildcard `json:"exclude,omitempty"`
	Source  PathSource         `json:"source"`
}

// Excluded reports whether path matches any exclusion entry and therefore
// skips the auth gate entirely.
func (a *Authentication) Excluded(path string) bool {
	if a == nil {
		return true
	}
	for _, p := range a.Exclude {
		if p.Matches(path) {
			return true
		}
	}
	return false
}
