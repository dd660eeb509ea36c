// Package jwks implements the Key Provider over a remote JSON Web Key Set.
package jwks

import (
	"context"
	"crypto/ecdsa"
	"crypto/rsa"
	"crypto/x509"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	jose "gopkg.in/square/go-jose.v2"

	"github.com/wso2/open-apigw-authorizer/internal/keys"
	logger "github.com/wso2/open-apigw-authorizer/internal/logging"
)

const (
	defaultTimeout = 5 * time.Second
	// Key sets are small; anything past this is not a key set.
	maxBodyBytes = 1 << 20
)

// Provider fetches signing keys from a JWKS endpoint. Every FetchKey call
// downloads the set; caching is the resolver's job.
type Provider struct {
	uri        string
	httpClient *http.Client
	timeout    time.Duration
}

type Option func(*Provider)

func WithHTTPClient(client *http.Client) Option {
	return func(p *Provider) {
		if client != nil {
			p.httpClient = client
		}
	}
}

// WithTimeout bounds a single key set download.
func WithTimeout(d time.Duration) Option {
	return func(p *Provider) {
		if d > 0 {
			p.timeout = d
		}
	}
}

func NewProvider(uri string, opts ...Option) (*Provider, error) {
	if uri == "" {
		return nil, errors.New("JWKS_URI is required")
	}
	p := &Provider{
		uri:        uri,
		httpClient: &http.Client{},
		timeout:    defaultTimeout,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p, nil
}

// FetchKey downloads the key set and returns the signing key for kid.
func (p *Provider) FetchKey(ctx context.Context, kid string) (keys.SigningKey, error) {
	set, err := p.fetchSet(ctx)
	if err != nil {
		return keys.SigningKey{}, fmt.Errorf("%w: %v", keys.ErrProviderUnavailable, err)
	}

	for _, jwk := range set.Key(kid) {
		key, ok := signingKey(jwk)
		if ok {
			return key, nil
		}
		logger.Debug("Skipping unusable JWK for kid %s (use=%q)", kid, jwk.Use)
	}
	return keys.SigningKey{}, fmt.Errorf("%w: kid %q", keys.ErrKeyNotFound, kid)
}

func (p *Provider) fetchSet(ctx context.Context) (*jose.JSONWebKeySet, error) {
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.uri, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("jwks fetch failed with status %d", resp.StatusCode)
	}

	var raw struct {
		Keys []json.RawMessage `json:"keys"`
	}
	if err := json.NewDecoder(io.LimitReader(resp.Body, maxBodyBytes)).Decode(&raw); err != nil {
		return nil, fmt.Errorf("decoding jwks: %w", err)
	}

	// One key the decoder does not understand must not hide the others.
	set := &jose.JSONWebKeySet{Keys: make([]jose.JSONWebKey, 0, len(raw.Keys))}
	for i, entry := range raw.Keys {
		jwk, err := decodeKey(entry)
		if err != nil {
			logger.Debug("Skipping JWK %d from %s: %v", i, p.uri, err)
			continue
		}
		set.Keys = append(set.Keys, jwk)
	}
	logger.Debug("Loaded %d of %d keys from %s", len(set.Keys), len(raw.Keys), p.uri)
	return set, nil
}

// x5cKey is the part of a JWK needed when the key material is only given
// as a certificate chain.
type x5cKey struct {
	KeyID     string   `json:"kid"`
	Algorithm string   `json:"alg"`
	Use       string   `json:"use"`
	X5c       []string `json:"x5c"`
}

func decodeKey(entry json.RawMessage) (jose.JSONWebKey, error) {
	var jwk jose.JSONWebKey
	err := jwk.UnmarshalJSON(entry)
	if err == nil {
		return jwk, nil
	}

	var chain x5cKey
	if json.Unmarshal(entry, &chain) != nil || len(chain.X5c) == 0 {
		return jose.JSONWebKey{}, err
	}
	der, decodeErr := base64.StdEncoding.DecodeString(chain.X5c[0])
	if decodeErr != nil {
		return jose.JSONWebKey{}, fmt.Errorf("x5c leaf: %w", decodeErr)
	}
	cert, parseErr := x509.ParseCertificate(der)
	if parseErr != nil {
		return jose.JSONWebKey{}, fmt.Errorf("x5c leaf: %w", parseErr)
	}
	return jose.JSONWebKey{
		Key:          cert.PublicKey,
		KeyID:        chain.KeyID,
		Algorithm:    chain.Algorithm,
		Use:          chain.Use,
		Certificates: []*x509.Certificate{cert},
	}, nil
}

// signingKey accepts public RSA and EC keys meant for signatures.
func signingKey(jwk jose.JSONWebKey) (keys.SigningKey, bool) {
	if jwk.Use != "" && jwk.Use != "sig" {
		return keys.SigningKey{}, false
	}
	pub := jwk.Key
	switch pub.(type) {
	case *rsa.PublicKey, *ecdsa.PublicKey:
	default:
		return keys.SigningKey{}, false
	}
	return keys.SigningKey{
		KeyID:     jwk.KeyID,
		Algorithm: jwk.Algorithm,
		Key:       pub,
	}, true
}
