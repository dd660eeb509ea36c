package authn

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v4"
)

// VerifiedClaims is only ever produced by a successful Verify.
type VerifiedClaims struct {
	Subject   string
	Issuer    string
	Audience  []string
	ExpiresAt time.Time
	Scopes    []string
}

// ScopeSet decodes a scope claim given either as a list of strings or as one
// string separated by spaces or commas.
type ScopeSet []string

func (s *ScopeSet) UnmarshalJSON(data []byte) error {
	var list []string
	if err := json.Unmarshal(data, &list); err == nil {
		*s = normalizeScopes(list)
		return nil
	}
	var str string
	if err := json.Unmarshal(data, &str); err != nil {
		return errors.New("scope claim must be a string or an array of strings")
	}
	*s = normalizeScopes(strings.FieldsFunc(str, func(r rune) bool {
		return r == ' ' || r == ','
	}))
	return nil
}

// normalizeScopes trims, drops empties and duplicates, and sorts.
func normalizeScopes(raw []string) []string {
	seen := make(map[string]struct{}, len(raw))
	out := make([]string, 0, len(raw))
	for _, s := range raw {
		s = strings.TrimSpace(s)
		if s == "" {
			continue
		}
		if _, ok := seen[s]; ok {
			continue
		}
		seen[s] = struct{}{}
		out = append(out, s)
	}
	sort.Strings(out)
	return out
}

// tokenClaims is the strict wire shape of the claims segment.
type tokenClaims struct {
	Subject   string           `json:"sub"`
	Issuer    string           `json:"iss"`
	Audience  jwt.ClaimStrings `json:"aud"`
	ExpiresAt *jwt.NumericDate `json:"exp"`
	NotBefore *jwt.NumericDate `json:"nbf,omitempty"`
	Scopes    *ScopeSet        `json:"scopes,omitempty"`
	Scp       *ScopeSet        `json:"scp,omitempty"`
	Scope     *ScopeSet        `json:"scope,omitempty"`
}

// Valid reports missing required claims. Time and issuer checks happen in
// the verifier against its own clock and configuration.
func (c *tokenClaims) Valid() error {
	switch {
	case c.Subject == "":
		return fmt.Errorf("%w: sub claim missing", ErrInvalidTokenStructure)
	case c.Issuer == "":
		return fmt.Errorf("%w: iss claim missing", ErrInvalidTokenStructure)
	case len(c.Audience) == 0:
		return fmt.Errorf("%w: aud claim missing", ErrInvalidTokenStructure)
	case c.ExpiresAt == nil:
		return fmt.Errorf("%w: exp claim missing", ErrInvalidTokenStructure)
	}
	return nil
}

// grantedScopes prefers "scopes", then "scp", then the RFC 8693 "scope".
func (c *tokenClaims) grantedScopes() []string {
	for _, s := range []*ScopeSet{c.Scopes, c.Scp, c.Scope} {
		if s != nil {
			return []string(*s)
		}
	}
	return nil
}
