// Package keys resolves token verification keys by key identifier, caching
// the answers of a remote Key Provider and rate limiting calls to it.
package keys

import (
	"context"
	"crypto"
	"errors"
)

var (
	ErrKeyNotFound         = errors.New("signing key not found")
	ErrProviderUnavailable = errors.New("key provider unavailable")
	ErrProviderThrottled   = errors.New("key provider throttled")
	ErrResolverClosed      = errors.New("key resolver closed")
)

// SigningKey is a public verification key together with its identifier.
// Algorithm is the algorithm the key set declares for it, empty when the
// key set does not say.
type SigningKey struct {
	KeyID     string
	Algorithm string
	Key       crypto.PublicKey
}

// Provider fetches a single signing key from the trusted issuer.
type Provider interface {
	FetchKey(ctx context.Context, kid string) (SigningKey, error)
}

// ProviderFunc adapts a function to the Provider interface.
type ProviderFunc func(ctx context.Context, kid string) (SigningKey, error)

func (f ProviderFunc) FetchKey(ctx context.Context, kid string) (SigningKey, error) {
	return f(ctx, kid)
}

// Limiter gates outbound Key Provider calls. Allow must not block.
type Limiter interface {
	Allow(ctx context.Context) (bool, error)
}

// Event names reported to an Observer.
const (
	EventHit       = "hit"
	EventMiss      = "miss"
	EventFetch     = "fetch"
	EventFetchErr  = "fetch_error"
	EventThrottled = "throttled"
	EventEvicted   = "evicted"
)

// Observer receives cache events, e.g. for metrics.
type Observer func(event string)
