package engine

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v4"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	jose "gopkg.in/square/go-jose.v2"

	"github.com/wso2/open-apigw-authorizer/internal/authn"
	"github.com/wso2/open-apigw-authorizer/internal/authz"
	"github.com/wso2/open-apigw-authorizer/internal/jwks"
	"github.com/wso2/open-apigw-authorizer/internal/keys"
)

const (
	testIssuer   = "https://idp.example/"
	testAudience = "https://api.example/pets"
	testKid      = "test-key-id"
	testArn      = "arn:aws:execute-api:us-east-1:123456789012:abc123/test/GET/pets"
)

type harness struct {
	engine    *Engine
	priv      *rsa.PrivateKey
	jwksCalls *atomic.Int32
	metrics   *Metrics
	now       time.Time
}

func newHarness(t *testing.T, store authz.PermissionStore) *harness {
	t.Helper()
	priv, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)

	body, err := json.Marshal(jose.JSONWebKeySet{Keys: []jose.JSONWebKey{
		{Key: &priv.PublicKey, KeyID: testKid, Algorithm: "RS256", Use: "sig"},
	}})
	require.NoError(t, err)
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.Header().Set("Content-Type", "application/json")
		w.Write(body)
	}))
	t.Cleanup(server.Close)

	metrics, err := NewMetrics(prometheus.NewRegistry())
	require.NoError(t, err)

	provider, err := jwks.NewProvider(server.URL)
	require.NoError(t, err)
	resolver, err := keys.NewResolver(provider, keys.NewMemoryLimiter(10), keys.WithObserver(metrics.ObserveKeyEvent))
	require.NoError(t, err)
	t.Cleanup(func() { resolver.Close() })

	h := &harness{priv: priv, jwksCalls: &calls, metrics: metrics, now: time.Now()}
	verifier, err := authn.NewVerifier(resolver, authn.VerifierConfig{
		Issuer:   testIssuer,
		Audience: testAudience,
		Now:      func() time.Time { return h.now },
	})
	require.NoError(t, err)

	if store == nil {
		store = authz.NewStaticStore(authz.DefaultRules())
	}
	h.engine, err = New(Options{
		Verifier: verifier,
		Store:    store,
		Matcher:  authz.NewScopeValidator(authz.MatchExact),
		Timeout:  2 * time.Second,
		Metrics:  metrics,
	})
	require.NoError(t, err)
	return h
}

func (h *harness) token(t *testing.T, mutate func(jwt.MapClaims)) string {
	t.Helper()
	claims := jwt.MapClaims{
		"sub":    "user-123",
		"iss":    testIssuer,
		"aud":    testAudience,
		"exp":    h.now.Add(time.Hour).Unix(),
		"scopes": []string{"openid", "profile"},
	}
	if mutate != nil {
		mutate(claims)
	}
	token := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
	token.Header["kid"] = testKid
	s, err := token.SignedString(h.priv)
	require.NoError(t, err)
	return s
}

func request(authorization string) authn.Request {
	return authn.Request{Type: "TOKEN", AuthorizationToken: authorization, MethodArn: testArn}
}

func TestAuthorizeMalformedInputsDeny(t *testing.T) {
	h := newHarness(t, nil)

	tests := []struct {
		name   string
		req    authn.Request
		reason string
	}{
		{name: "Missing type", req: authn.Request{AuthorizationToken: "Bearer x", MethodArn: testArn}, reason: ReasonMalformedRequest},
		{name: "Missing token", req: authn.Request{Type: "TOKEN", MethodArn: testArn}, reason: ReasonMissingToken},
		{name: "Not a bearer token", req: request("Token abc"), reason: ReasonMalformedToken},
		{name: "Garbage token", req: request("Bearer not-a-jwt"), reason: ReasonInvalidTokenStructure},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			doc := h.engine.Authorize(context.Background(), tc.req)
			assert.Equal(t, authz.DenyAll(), doc)
			assert.Equal(t, 1.0, testutil.ToFloat64(h.metrics.Decisions.WithLabelValues("Deny", tc.reason)))
		})
	}
}

func TestAuthorizeExactScopesAllow(t *testing.T) {
	h := newHarness(t, nil)

	doc := h.engine.Authorize(context.Background(), request("Bearer "+h.token(t, nil)))

	assert.Equal(t, "user-123", doc.PrincipalID)
	require.Len(t, doc.PolicyDocument.Statement, 1)
	assert.Equal(t, authz.NewStatement(authz.EffectAllow, testArn), doc.PolicyDocument.Statement[0])
	assert.Equal(t, 1.0, testutil.ToFloat64(h.metrics.Decisions.WithLabelValues("Allow", ReasonAllowed)))
}

func TestAuthorizeUnmatchedScopesDeny(t *testing.T) {
	h := newHarness(t, nil)
	token := h.token(t, func(c jwt.MapClaims) { c["scopes"] = []string{"openid", "profile", "email"} })

	doc := h.engine.Authorize(context.Background(), request("Bearer "+token))

	assert.Equal(t, "user-123", doc.PrincipalID)
	require.Len(t, doc.PolicyDocument.Statement, 1)
	assert.Equal(t, authz.WildcardDeny(), doc.PolicyDocument.Statement[0])
	assert.Equal(t, 1.0, testutil.ToFloat64(h.metrics.Decisions.WithLabelValues("Deny", ReasonNoMatchingRule)))
}

func TestAuthorizeVerificationFailuresDeny(t *testing.T) {
	h := newHarness(t, nil)
	other, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)

	forged := jwt.NewWithClaims(jwt.SigningMethodRS256, jwt.MapClaims{
		"sub": "user-123", "iss": testIssuer, "aud": testAudience,
		"exp": h.now.Add(time.Hour).Unix(), "scopes": []string{"openid", "profile"},
	})
	forged.Header["kid"] = testKid
	forgedToken, err := forged.SignedString(other)
	require.NoError(t, err)

	tests := []struct {
		name   string
		token  string
		reason string
	}{
		{name: "Bad signature", token: forgedToken, reason: ReasonSignatureInvalid},
		{
			name:   "Issuer mismatch",
			token:  h.token(t, func(c jwt.MapClaims) { c["iss"] = "https://idp.example/other" }),
			reason: ReasonIssuerMismatch,
		},
		{
			name:   "Expired",
			token:  h.token(t, func(c jwt.MapClaims) { c["exp"] = h.now.Add(-time.Minute).Unix() }),
			reason: ReasonTokenExpired,
		},
		{
			name:   "Audience mismatch",
			token:  h.token(t, func(c jwt.MapClaims) { c["aud"] = "someone-else" }),
			reason: ReasonAudienceMismatch,
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			doc := h.engine.Authorize(context.Background(), request("Bearer "+tc.token))
			assert.Equal(t, authz.DenyAll(), doc)
			assert.Equal(t, 1.0, testutil.ToFloat64(h.metrics.Decisions.WithLabelValues("Deny", tc.reason)))
		})
	}
}

func TestAuthorizeIsIdempotent(t *testing.T) {
	h := newHarness(t, nil)
	req := request("Bearer " + h.token(t, nil))

	first, err := json.Marshal(h.engine.Authorize(context.Background(), req))
	require.NoError(t, err)
	second, err := json.Marshal(h.engine.Authorize(context.Background(), req))
	require.NoError(t, err)

	assert.Equal(t, first, second)
}

func TestAuthorizeFetchesKeyOnce(t *testing.T) {
	h := newHarness(t, nil)
	token := h.token(t, nil)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			doc := h.engine.Authorize(context.Background(), request("Bearer "+token))
			assert.True(t, doc.Allowed())
		}()
	}
	wg.Wait()

	assert.EqualValues(t, 1, h.jwksCalls.Load())
	assert.Equal(t, 1.0, testutil.ToFloat64(h.metrics.KeyCache.WithLabelValues(keys.EventFetch)))
}

type failingStore struct{}

func (failingStore) ListRules(context.Context) ([]authz.Rule, error) {
	return nil, errors.New("table locked")
}

func TestAuthorizeStoreFailureDenies(t *testing.T) {
	h := newHarness(t, failingStore{})

	doc := h.engine.Authorize(context.Background(), request("Bearer "+h.token(t, nil)))

	assert.Equal(t, authz.DenyAll(), doc)
	assert.Equal(t, 1.0, testutil.ToFloat64(h.metrics.Decisions.WithLabelValues("Deny", ReasonPermissionStore)))
}

type panickingVerifier struct{}

func (panickingVerifier) Verify(context.Context, string) (*authn.VerifiedClaims, error) {
	panic("unexpected")
}

func TestAuthorizeRecoversFromPanic(t *testing.T) {
	e, err := New(Options{Verifier: panickingVerifier{}, Store: authz.NewStaticStore(nil)})
	require.NoError(t, err)

	var doc authz.Document
	require.NotPanics(t, func() {
		doc = e.Authorize(context.Background(), request("Bearer a.b.c"))
	})
	assert.Equal(t, authz.DenyAll(), doc)
}

func TestAuthorizeTimesOutStalledKeyProvider(t *testing.T) {
	stalled := keys.ProviderFunc(func(ctx context.Context, kid string) (keys.SigningKey, error) {
		<-ctx.Done()
		return keys.SigningKey{}, ctx.Err()
	})
	resolver, err := keys.NewResolver(stalled, nil)
	require.NoError(t, err)
	defer resolver.Close()
	verifier, err := authn.NewVerifier(resolver, authn.VerifierConfig{Issuer: testIssuer, Audience: testAudience})
	require.NoError(t, err)
	e, err := New(Options{
		Verifier: verifier,
		Store:    authz.NewStaticStore(authz.DefaultRules()),
		Timeout:  50 * time.Millisecond,
	})
	require.NoError(t, err)

	h := newHarness(t, nil)
	start := time.Now()
	doc := e.Authorize(context.Background(), request("Bearer "+h.token(t, nil)))

	assert.Equal(t, authz.DenyAll(), doc)
	assert.Less(t, time.Since(start), time.Second)
}

func TestReasonOf(t *testing.T) {
	wrapped := errors.Join(errors.New("ctx"), authn.ErrKeyResolutionFailed, keys.ErrKeyNotFound)
	assert.Equal(t, ReasonKeyResolutionFailed, ReasonOf(wrapped))
	assert.Equal(t, ReasonInternal, ReasonOf(errors.New("other")))
}

func TestNewRequiresCollaborators(t *testing.T) {
	_, err := New(Options{Store: authz.NewStaticStore(nil)})
	require.Error(t, err)
	_, err = New(Options{Verifier: panickingVerifier{}})
	require.Error(t, err)
}
