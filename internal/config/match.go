package config

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"

	"motorx/internal/perr"
)

// MatchKind tags which variant a MatchPredicate holds.
type MatchKind int

const (
	// KindPrefix matches when the subject starts with the literal.
	KindPrefix MatchKind = iota
	// KindContains matches when the subject contains the literal anywhere.
	KindContains
	// KindRegex matches when the subject matches the compiled pattern.
	KindRegex
)

func (k MatchKind) priority() int {
	// Lower sorts first: Prefix < Contains < Regex (§3).
	return int(k)
}

// MatchPredicate is a tagged string/regex match used for both rule paths and
// header-value predicates. Construction compiles any regex eagerly: a bad
// pattern is a ConfigError (see FromString), never a request-time failure.
type MatchPredicate struct {
	kind    MatchKind
	literal string         // raw literal for Prefix/Contains, source pattern for Regex
	re      *regexp.Regexp // non-nil only for KindRegex
}

// NewPrefix builds a Prefix predicate.
func NewPrefix(literal string) MatchPredicate { return MatchPredicate{kind: KindPrefix, literal: literal} }

// NewContains builds a Contains predicate.
func NewContains(literal string) MatchPredicate {
	return MatchPredicate{kind: KindContains, literal: literal}
}

// NewRegex compiles and builds a Regex predicate, or returns a ConfigError.
func NewRegex(pattern string) (MatchPredicate, error) {
	re, err := regexp.Compile(pattern)
	if err != nil {
		return MatchPredicate{}, &perr.ConfigError{Op: "compile regex", Err: err}
	}
	return MatchPredicate{kind: KindRegex, literal: pattern, re: re}, nil
}

// FromString parses the compact syntax used in JSON config: a bare literal is
// a Prefix, "contains(x)" is a Contains, "regex(x)" is a Regex. This mirrors
// the original Rust MatchType::FromStr exactly.
func FromString(s string) (MatchPredicate, error) {
	switch {
	case strings.HasPrefix(s, "contains(") && strings.HasSuffix(s, ")"):
		return NewContains(s[len("contains(") : len(s)-1]), nil
	case strings.HasPrefix(s, "regex(") && strings.HasSuffix(s, ")"):
		return NewRegex(s[len("regex(") : len(s)-1])
	default:
		return NewPrefix(s), nil
	}
}

// Kind reports which variant this predicate holds.
func (m MatchPredicate) Kind() MatchKind { return m.kind }

// Literal returns the raw literal or pattern source.
func (m MatchPredicate) Literal() string { return m.literal }

// Matches reports whether subject satisfies the predicate.
func (m MatchPredicate) Matches(subject string) bool {
	switch m.kind {
	case KindPrefix:
		return strings.HasPrefix(subject, m.literal)
	case KindContains:
		return strings.Contains(subject, m.literal)
	case KindRegex:
		return m.re.MatchString(subject)
	default:
		return false
	}
}

// Less implements the §3 ordering: Prefix < Contains < Regex; within a tag,
// longer literal/pattern sorts first (more specific wins).
func (m MatchPredicate) Less(other MatchPredicate) bool {
	if m.kind != other.kind {
		return m.kind.priority() < other.kind.priority()
	}
	return len(m.literal) > len(other.literal)
}

func (m MatchPredicate) String() string {
	switch m.kind {
	case KindContains:
		return fmt.Sprintf("contains(%s)", m.literal)
	case KindRegex:
		return fmt.Sprintf("regex(%s)", m.literal)
	default:
		return m.literal
	}
}

// MarshalJSON renders the predicate back into its compact string form.
func (m MatchPredicate) MarshalJSON() ([]byte, error) {
	return json.Marshal(m.String())
}

// UnmarshalJSON parses the compact string form produced by FromString.
func (m *MatchPredicate) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	parsed, err := FromString(s)
	if err != nil {
		return err
	}
	*m = parsed
	return nil
}
