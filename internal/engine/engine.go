// Package engine turns a gateway request into an allow/deny decision
// document. It never fails: every error becomes a wildcard Deny.
package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/wso2/open-apigw-authorizer/internal/authn"
	"github.com/wso2/open-apigw-authorizer/internal/authz"
	logger "github.com/wso2/open-apigw-authorizer/internal/logging"
)

// Reasons reported for a decision. ReasonAllowed and ReasonNoMatchingRule
// follow a verified token; the others are failures.
const (
	ReasonAllowed               = "Allowed"
	ReasonNoMatchingRule        = "NoMatchingRule"
	ReasonMalformedRequest      = "MalformedRequest"
	ReasonMissingToken          = "MissingToken"
	ReasonMalformedToken        = "MalformedToken"
	ReasonInvalidTokenStructure = "InvalidTokenStructure"
	ReasonKeyResolutionFailed   = "KeyResolutionFailed"
	ReasonSignatureInvalid      = "SignatureInvalid"
	ReasonIssuerMismatch        = "IssuerMismatch"
	ReasonAudienceMismatch      = "AudienceMismatch"
	ReasonTokenExpired          = "TokenExpired"
	ReasonTokenNotYetValid      = "TokenNotYetValid"
	ReasonPermissionStore       = "PermissionStoreUnavailable"
	ReasonInternal              = "Internal"
)

var reasons = []struct {
	err    error
	reason string
}{
	{authn.ErrMalformedRequest, ReasonMalformedRequest},
	{authn.ErrMissingToken, ReasonMissingToken},
	{authn.ErrMalformedToken, ReasonMalformedToken},
	{authn.ErrInvalidTokenStructure, ReasonInvalidTokenStructure},
	{authn.ErrKeyResolutionFailed, ReasonKeyResolutionFailed},
	{authn.ErrSignatureInvalid, ReasonSignatureInvalid},
	{authn.ErrIssuerMismatch, ReasonIssuerMismatch},
	{authn.ErrAudienceMismatch, ReasonAudienceMismatch},
	{authn.ErrTokenExpired, ReasonTokenExpired},
	{authn.ErrTokenNotYetValid, ReasonTokenNotYetValid},
	{authz.ErrPermissionStoreUnavailable, ReasonPermissionStore},
}

// ReasonOf names the failure kind of err.
func ReasonOf(err error) string {
	for _, r := range reasons {
		if errors.Is(err, r.err) {
			return r.reason
		}
	}
	return ReasonInternal
}

// TokenVerifier is satisfied by *authn.Verifier.
type TokenVerifier interface {
	Verify(ctx context.Context, token string) (*authn.VerifiedClaims, error)
}

type Options struct {
	Verifier TokenVerifier
	Store    authz.PermissionStore
	Matcher  *authz.ScopeValidator
	Timeout  time.Duration
	Metrics  *Metrics
}

type Engine struct {
	verifier TokenVerifier
	store    authz.PermissionStore
	matcher  *authz.ScopeValidator
	timeout  time.Duration
	metrics  *Metrics
}

func New(opts Options) (*Engine, error) {
	if opts.Verifier == nil {
		return nil, errors.New("token verifier is required")
	}
	if opts.Store == nil {
		return nil, errors.New("permission store is required")
	}
	if opts.Matcher == nil {
		opts.Matcher = authz.NewScopeValidator(authz.MatchExact)
	}
	return &Engine{
		verifier: opts.Verifier,
		store:    opts.Store,
		matcher:  opts.Matcher,
		timeout:  opts.Timeout,
		metrics:  opts.Metrics,
	}, nil
}

// Authorize produces the decision for req. It always returns a well-formed
// document and never panics.
func (e *Engine) Authorize(ctx context.Context, req authn.Request) (doc authz.Document) {
	start := time.Now()
	reason := ReasonInternal
	defer func() {
		if r := recover(); r != nil {
			logger.Error("Recovered from panic while authorizing: %v", r)
			doc, reason = authz.DenyAll(), ReasonInternal
		}
		e.record(doc, reason, time.Since(start))
	}()

	if e.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.timeout)
		defer cancel()
	}

	doc, err := e.decide(ctx, req)
	if err != nil {
		reason = ReasonOf(err)
		logger.With("reason", reason, "methodArn", req.MethodArn).Warnf("Denying request: %v", err)
		return authz.DenyAll()
	}

	reason = ReasonNoMatchingRule
	if doc.Allowed() {
		reason = ReasonAllowed
	}
	logger.With("reason", reason, "principalId", doc.PrincipalID, "methodArn", req.MethodArn).Infof("Decision made")
	return doc
}

func (e *Engine) decide(ctx context.Context, req authn.Request) (authz.Document, error) {
	token, err := authn.ExtractBearerToken(req)
	if err != nil {
		return authz.Document{}, err
	}
	claims, err := e.verifier.Verify(ctx, token)
	if err != nil {
		return authz.Document{}, err
	}
	rules, err := e.store.ListRules(ctx)
	if err != nil {
		if !errors.Is(err, authz.ErrPermissionStoreUnavailable) {
			err = fmt.Errorf("%w: %v", authz.ErrPermissionStoreUnavailable, err)
		}
		return authz.Document{}, err
	}
	statements := e.matcher.Match(claims.Scopes, req.MethodArn, rules)
	return authz.BuildDocument(claims.Subject, statements), nil
}

func (e *Engine) record(doc authz.Document, reason string, elapsed time.Duration) {
	if e.metrics == nil {
		return
	}
	effect := string(authz.EffectDeny)
	if doc.Allowed() {
		effect = string(authz.EffectAllow)
	}
	e.metrics.Decisions.WithLabelValues(effect, reason).Inc()
	e.metrics.Latency.Observe(elapsed.Seconds())
}
