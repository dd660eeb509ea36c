package authn

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v4"

	"github.com/wso2/open-apigw-authorizer/internal/keys"
)

// KeyResolver resolves verification keys by key identifier.
type KeyResolver interface {
	Resolve(ctx context.Context, kid string) (keys.SigningKey, error)
}

type VerifierConfig struct {
	Issuer    string
	Audience  string
	Algorithm string
	ClockSkew time.Duration
	Now       func() time.Time
}

var allowedAlgorithms = map[string]bool{
	"RS256": true, "RS384": true, "RS512": true,
	"PS256": true, "PS384": true, "PS512": true,
	"ES256": true, "ES384": true, "ES512": true,
}

// Verifier checks a token's signature against the issuer's keys and
// validates its standard claims.
type Verifier struct {
	resolver KeyResolver
	method   jwt.SigningMethod
	issuer   string
	audience string
	skew     time.Duration
	now      func() time.Time
	parser   *jwt.Parser
}

func NewVerifier(resolver KeyResolver, cfg VerifierConfig) (*Verifier, error) {
	if resolver == nil {
		return nil, errors.New("key resolver is required")
	}
	if cfg.Issuer == "" {
		return nil, errors.New("issuer is required")
	}
	if cfg.Audience == "" {
		return nil, errors.New("audience is required")
	}
	if cfg.ClockSkew < 0 {
		return nil, errors.New("clock skew must not be negative")
	}
	alg := cfg.Algorithm
	if alg == "" {
		alg = "RS256"
	}
	if !allowedAlgorithms[alg] {
		return nil, fmt.Errorf("unsupported token algorithm %q", alg)
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	return &Verifier{
		resolver: resolver,
		method:   jwt.GetSigningMethod(alg),
		issuer:   cfg.Issuer,
		audience: cfg.Audience,
		skew:     cfg.ClockSkew,
		now:      now,
		parser:   jwt.NewParser(),
	}, nil
}

// Verify returns the token's claims only when its structure, signature and
// standard claims are all valid.
func (v *Verifier) Verify(ctx context.Context, tokenStr string) (*VerifiedClaims, error) {
	parts := strings.Split(tokenStr, ".")
	if len(parts) != 3 {
		return nil, fmt.Errorf("%w: token must have three segments", ErrInvalidTokenStructure)
	}

	claims := &tokenClaims{}
	token, _, err := v.parser.ParseUnverified(tokenStr, claims)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidTokenStructure, err)
	}
	kid, _ := token.Header["kid"].(string)
	if kid == "" {
		return nil, fmt.Errorf("%w: kid header not found", ErrInvalidTokenStructure)
	}
	if err := claims.Valid(); err != nil {
		return nil, err
	}

	key, err := v.resolver.Resolve(ctx, kid)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrKeyResolutionFailed, err)
	}

	if err := v.verifySignature(token, key, parts); err != nil {
		return nil, err
	}
	if err := v.validateClaims(claims); err != nil {
		return nil, err
	}

	return &VerifiedClaims{
		Subject:   claims.Subject,
		Issuer:    claims.Issuer,
		Audience:  []string(claims.Audience),
		ExpiresAt: claims.ExpiresAt.Time,
		Scopes:    claims.grantedScopes(),
	}, nil
}

// verifySignature always uses the configured algorithm. The header and the
// key set may only confirm it.
func (v *Verifier) verifySignature(token *jwt.Token, key keys.SigningKey, parts []string) error {
	expected := v.method.Alg()
	if alg, _ := token.Header["alg"].(string); alg != expected {
		return fmt.Errorf("%w: token alg %q, expected %q", ErrSignatureInvalid, alg, expected)
	}
	if key.Algorithm != "" && key.Algorithm != expected {
		return fmt.Errorf("%w: key %q is declared for %q", ErrSignatureInvalid, key.KeyID, key.Algorithm)
	}
	signingString := parts[0] + "." + parts[1]
	if err := v.method.Verify(signingString, parts[2], key.Key); err != nil {
		return fmt.Errorf("%w: %v", ErrSignatureInvalid, err)
	}
	return nil
}

func (v *Verifier) validateClaims(claims *tokenClaims) error {
	if claims.Issuer != v.issuer {
		return fmt.Errorf("%w: %q", ErrIssuerMismatch, claims.Issuer)
	}

	found := false
	for _, aud := range claims.Audience {
		if aud == v.audience {
			found = true
			break
		}
	}
	if !found {
		return fmt.Errorf("%w: %v does not include %q", ErrAudienceMismatch, []string(claims.Audience), v.audience)
	}

	now := v.now()
	if !now.Before(claims.ExpiresAt.Time.Add(v.skew)) {
		return fmt.Errorf("%w: expired at %s", ErrTokenExpired, claims.ExpiresAt.Time.UTC().Format(time.RFC3339))
	}
	if claims.NotBefore != nil && now.Add(v.skew).Before(claims.NotBefore.Time) {
		return fmt.Errorf("%w: valid from %s", ErrTokenNotYetValid, claims.NotBefore.Time.UTC().Format(time.RFC3339))
	}
	return nil
}
