package authz

import (
	"fmt"
	"strings"
)

// MatchMode selects how granted scopes are compared with a rule's scopes.
type MatchMode string

const (
	// MatchExact requires the granted set to equal the rule's set.
	MatchExact MatchMode = "exact"
	// MatchSubset requires the granted set to contain the rule's set.
	MatchSubset MatchMode = "subset"
)

func ParseMatchMode(s string) (MatchMode, error) {
	switch MatchMode(strings.ToLower(strings.TrimSpace(s))) {
	case "", MatchExact:
		return MatchExact, nil
	case MatchSubset:
		return MatchSubset, nil
	}
	return "", fmt.Errorf("unknown scope match mode %q", s)
}

// Rule is one row of the permission table.
type Rule struct {
	Resource string   `yaml:"resource" json:"resource" mapstructure:"resource"`
	Stage    string   `yaml:"stage" json:"stage" mapstructure:"stage"`
	HTTPVerb string   `yaml:"http_verb" json:"http_verb" mapstructure:"http_verb"`
	Scopes   []string `yaml:"scopes" json:"scopes" mapstructure:"scopes"`
}

// ScopeValidator maps granted scopes onto the permission table.
type ScopeValidator struct {
	mode MatchMode
}

func NewScopeValidator(mode MatchMode) *ScopeValidator {
	if mode == "" {
		mode = MatchExact
	}
	return &ScopeValidator{mode: mode}
}

func (v *ScopeValidator) Mode() MatchMode {
	return v.mode
}

// Match returns one Allow on methodArn per matching rule, in table order,
// or a single wildcard Deny when no rule matches.
func (v *ScopeValidator) Match(granted []string, methodArn string, rules []Rule) []Statement {
	have := scopeSet(granted)

	var statements []Statement
	for _, rule := range rules {
		if v.matches(have, scopeSet(rule.Scopes)) {
			statements = append(statements, NewStatement(EffectAllow, methodArn))
		}
	}
	if len(statements) == 0 {
		return []Statement{WildcardDeny()}
	}
	return statements
}

// matches never accepts a rule without scopes.
func (v *ScopeValidator) matches(have, want map[string]struct{}) bool {
	if len(want) == 0 {
		return false
	}
	if v.mode == MatchExact && len(have) != len(want) {
		return false
	}
	for s := range want {
		if _, ok := have[s]; !ok {
			return false
		}
	}
	return true
}

// scopeSet accepts entries that themselves hold several scopes separated by
// spaces or commas, as permission tables often store "openid,profile".
func scopeSet(scopes []string) map[string]struct{} {
	set := make(map[string]struct{}, len(scopes))
	for _, entry := range scopes {
		for _, s := range strings.FieldsFunc(entry, func(r rune) bool {
			return r == ' ' || r == ','
		}) {
			set[s] = struct{}{}
		}
	}
	return set
}
