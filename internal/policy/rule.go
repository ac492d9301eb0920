// Package policy implements the declarative allow/deny rules that gate every
// resource read and action execution.
package policy

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"strings"
)

// Effect is the outcome a rule produces when it matches.
type Effect string

const (
	Allow Effect = "allow"
	Deny  Effect = "deny"
)

type matcherKind uint8

const (
	// matchUnset is the zero value: the field was absent and places no constraint.
	matchUnset matcherKind = iota
	matchAny
	matchLiteral
	matchSet
)

// Matcher is one of: unset, wildcard, a literal, or a set of literals.
type Matcher struct {
	kind   matcherKind
	values []string
}

// Any matches every value.
func Any() Matcher { return Matcher{kind: matchAny} }

// Literal matches exactly v.
func Literal(v string) Matcher { return Matcher{kind: matchLiteral, values: []string{v}} }

// OneOf matches any of vs. A "*" element turns the matcher into a wildcard.
func OneOf(vs ...string) Matcher {
	if slices.Contains(vs, "*") {
		return Any()
	}
	if len(vs) == 1 {
		return Literal(vs[0])
	}
	return Matcher{kind: matchSet, values: slices.Clone(vs)}
}

// IsSet reports whether the field was present in the rule.
func (m Matcher) IsSet() bool { return m.kind != matchUnset }

// IsZero lets encoding/json omit unset matchers.
func (m Matcher) IsZero() bool { return m.kind == matchUnset }

// Match reports whether v satisfies the matcher. Unset matchers accept anything.
func (m Matcher) Match(v string) bool {
	switch m.kind {
	case matchUnset, matchAny:
		return true
	case matchLiteral:
		return m.values[0] == v
	case matchSet:
		return slices.Contains(m.values, v)
	default:
		return false
	}
}

// MatchAny reports whether any of vs satisfies the matcher.
func (m Matcher) MatchAny(vs []string) bool {
	if m.kind == matchUnset || m.kind == matchAny {
		return true
	}
	return slices.ContainsFunc(vs, m.Match)
}

func (m Matcher) String() string {
	switch m.kind {
	case matchUnset:
		return ""
	case matchAny:
		return "*"
	default:
		return strings.Join(m.values, "|")
	}
}

// MarshalJSON renders the matcher in its source form.
func (m Matcher) MarshalJSON() ([]byte, error) {
	switch m.kind {
	case matchUnset:
		return []byte("null"), nil
	case matchAny:
		return json.Marshal("*")
	case matchLiteral:
		return json.Marshal(m.values[0])
	default:
		return json.Marshal(m.values)
	}
}

// UnmarshalJSON accepts a string (literal or "*") or an array of strings.
func (m *Matcher) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if bytes.Equal(data, []byte("null")) {
		*m = Matcher{}
		return nil
	}
	if len(data) > 0 && data[0] == '[' {
		var vs []string
		if err := json.Unmarshal(data, &vs); err != nil {
			return fmt.Errorf("matcher: %w", err)
		}
		if len(vs) == 0 {
			return errors.New("matcher: empty list")
		}
		for _, v := range vs {
			if strings.TrimSpace(v) == "" {
				return errors.New("matcher: empty value")
			}
		}
		*m = OneOf(vs...)
		return nil
	}
	var v string
	if err := json.Unmarshal(data, &v); err != nil {
		return fmt.Errorf("matcher: expected string or list: %w", err)
	}
	if strings.TrimSpace(v) == "" {
		return errors.New("matcher: empty value")
	}
	*m = OneOf(v)
	return nil
}

// Conditions narrow when a matching rule applies.
type Conditions struct {
	// TenantMatch requires the request to carry a tenant.
	TenantMatch bool `json:"tenantMatch,omitempty"`
	// OwnerOnly marks the grant as restricted to rows the caller owns.
	OwnerOnly bool `json:"ownerOnly,omitempty"`
}

// Rule is one entry of a policy set.
type Rule struct {
	Name       string     `json:"name,omitempty"`
	Role       Matcher    `json:"role"`
	Resource   Matcher    `json:"resource,omitzero"`
	Action     Matcher    `json:"action,omitzero"`
	Effect     Effect     `json:"effect"`
	Conditions Conditions `json:"conditions,omitzero"`
}

func (r Rule) label() string {
	if r.Name != "" {
		return r.Name
	}
	return fmt.Sprintf("%s role=%s resource=%s action=%s", r.Effect, r.Role, r.Resource, r.Action)
}

func (r Rule) validate() error {
	if r.Effect != Allow && r.Effect != Deny {
		return fmt.Errorf("unknown effect %q", r.Effect)
	}
	if !r.Role.IsSet() {
		return errors.New("role is required")
	}
	return nil
}

// Set is an ordered list of rules.
type Set struct {
	Rules []Rule `json:"rules"`
}

// Validate checks every rule and reports the first problem found.
func (s *Set) Validate() error {
	if s == nil || len(s.Rules) == 0 {
		return errors.New("policy: empty rule set")
	}
	for i, r := range s.Rules {
		if err := r.validate(); err != nil {
			return fmt.Errorf("policy: rule %d: %w", i, err)
		}
	}
	return nil
}
