package keys

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	logger "github.com/wso2/open-apigw-authorizer/internal/logging"
)

const (
	defaultMaxAge       = 10 * time.Minute
	defaultMaxEntries   = 5
	defaultFetchTimeout = 30 * time.Second
)

type cacheEntry struct {
	key       SigningKey
	fetchedAt time.Time
}

// Resolver is the process-wide key cache in front of a Provider. It is safe
// for concurrent use.
type Resolver struct {
	provider     Provider
	limiter      Limiter
	maxAge       time.Duration
	maxEntries   int
	fetchTimeout time.Duration
	now          func() time.Time
	observe      Observer

	// Fetches run on this context, not on any caller's, so one caller
	// giving up never fails the others sharing the flight. Close cancels it.
	fetchCtx    context.Context
	cancelFetch context.CancelFunc

	mu      sync.RWMutex
	entries map[string]cacheEntry
	closed  bool

	group singleflight.Group
}

type Option func(*Resolver)

// WithClock overrides the time source used for cache expiry.
func WithClock(now func() time.Time) Option {
	return func(r *Resolver) {
		if now != nil {
			r.now = now
		}
	}
}

// WithMaxAge sets how long a fetched key is served from cache.
func WithMaxAge(d time.Duration) Option {
	return func(r *Resolver) {
		if d > 0 {
			r.maxAge = d
		}
	}
}

// WithMaxEntries bounds the number of cached keys.
func WithMaxEntries(n int) Option {
	return func(r *Resolver) {
		if n > 0 {
			r.maxEntries = n
		}
	}
}

// WithFetchTimeout bounds one shared fetch, retry included.
func WithFetchTimeout(d time.Duration) Option {
	return func(r *Resolver) {
		if d > 0 {
			r.fetchTimeout = d
		}
	}
}

func WithObserver(o Observer) Option {
	return func(r *Resolver) {
		r.observe = o
	}
}

// NewResolver builds a Resolver. A nil limiter disables rate limiting.
func NewResolver(provider Provider, limiter Limiter, opts ...Option) (*Resolver, error) {
	if provider == nil {
		return nil, errors.New("key provider is required")
	}
	if limiter == nil {
		limiter = NewMemoryLimiter(0)
	}
	r := &Resolver{
		provider:     provider,
		limiter:      limiter,
		maxAge:       defaultMaxAge,
		maxEntries:   defaultMaxEntries,
		fetchTimeout: defaultFetchTimeout,
		now:          time.Now,
		observe:      func(string) {},
		entries:      make(map[string]cacheEntry),
	}
	r.fetchCtx, r.cancelFetch = context.WithCancel(context.Background())
	for _, opt := range opts {
		opt(r)
	}
	if r.observe == nil {
		r.observe = func(string) {}
	}
	return r, nil
}

// Resolve returns the signing key for kid, fetching it from the provider
// when it is not cached or its cache entry has expired.
func (r *Resolver) Resolve(ctx context.Context, kid string) (SigningKey, error) {
	if kid == "" {
		return SigningKey{}, fmt.Errorf("%w: empty key id", ErrKeyNotFound)
	}
	key, ok, err := r.lookup(kid)
	if err != nil {
		return SigningKey{}, err
	}
	if ok {
		r.observe(EventHit)
		return key, nil
	}
	r.observe(EventMiss)

	ch := r.group.DoChan(kid, func() (interface{}, error) {
		// A concurrent flight may have filled the entry already.
		if key, ok, _ := r.lookup(kid); ok {
			return key, nil
		}
		fetchCtx, cancel := context.WithTimeout(r.fetchCtx, r.fetchTimeout)
		defer cancel()
		key, err := r.fetch(fetchCtx, kid)
		if err != nil {
			return SigningKey{}, err
		}
		r.store(kid, key)
		return key, nil
	})

	select {
	case res := <-ch:
		if res.Err != nil {
			return SigningKey{}, res.Err
		}
		return res.Val.(SigningKey), nil
	case <-ctx.Done():
		return SigningKey{}, fmt.Errorf("%w: %v", ErrProviderUnavailable, ctx.Err())
	}
}

// fetch asks the provider for kid, retrying a transient failure once.
func (r *Resolver) fetch(ctx context.Context, kid string) (SigningKey, error) {
	key, err := r.fetchOnce(ctx, kid)
	if err == nil || !errors.Is(err, ErrProviderUnavailable) || ctx.Err() != nil {
		return key, err
	}
	logger.Debug("Retrying key fetch for kid %s after: %v", kid, err)
	return r.fetchOnce(ctx, kid)
}

func (r *Resolver) fetchOnce(ctx context.Context, kid string) (SigningKey, error) {
	allowed, err := r.limiter.Allow(ctx)
	if err != nil {
		logger.Warn("Key fetch limiter failed, treating as throttled: %v", err)
		allowed = false
	}
	if !allowed {
		r.observe(EventThrottled)
		return SigningKey{}, ErrProviderThrottled
	}

	r.observe(EventFetch)
	key, err := r.provider.FetchKey(ctx, kid)
	if err != nil {
		r.observe(EventFetchErr)
		if errors.Is(err, ErrKeyNotFound) || errors.Is(err, ErrProviderUnavailable) {
			return SigningKey{}, err
		}
		return SigningKey{}, fmt.Errorf("%w: %v", ErrProviderUnavailable, err)
	}
	if key.KeyID != kid {
		r.observe(EventFetchErr)
		return SigningKey{}, fmt.Errorf("%w: provider answered kid %q for %q", ErrKeyNotFound, key.KeyID, kid)
	}
	if key.Key == nil {
		r.observe(EventFetchErr)
		return SigningKey{}, fmt.Errorf("%w: provider returned no key material for %q", ErrKeyNotFound, kid)
	}
	return key, nil
}

func (r *Resolver) lookup(kid string) (SigningKey, bool, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.closed {
		return SigningKey{}, false, ErrResolverClosed
	}
	entry, ok := r.entries[kid]
	if !ok {
		return SigningKey{}, false, nil
	}
	if r.now().Sub(entry.fetchedAt) >= r.maxAge {
		return SigningKey{}, false, nil
	}
	return entry.key, true, nil
}

func (r *Resolver) store(kid string, key SigningKey) {
	now := r.now()
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return
	}
	if _, ok := r.entries[kid]; !ok && len(r.entries) >= r.maxEntries {
		r.evictLocked(now)
	}
	r.entries[kid] = cacheEntry{key: key, fetchedAt: now}
}

// evictLocked drops expired entries, then the oldest one if still full.
func (r *Resolver) evictLocked(now time.Time) {
	for kid, entry := range r.entries {
		if now.Sub(entry.fetchedAt) >= r.maxAge {
			delete(r.entries, kid)
			r.observe(EventEvicted)
		}
	}
	if len(r.entries) < r.maxEntries {
		return
	}
	var oldestKid string
	var oldest time.Time
	for kid, entry := range r.entries {
		if oldestKid == "" || entry.fetchedAt.Before(oldest) {
			oldestKid, oldest = kid, entry.fetchedAt
		}
	}
	delete(r.entries, oldestKid)
	r.observe(EventEvicted)
}

// Len reports the number of cached keys, expired ones included.
func (r *Resolver) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.entries)
}

// Purge drops every cached key.
func (r *Resolver) Purge() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries = make(map[string]cacheEntry)
}

// Close purges the cache, aborts fetches in flight and makes later lookups
// fail with ErrResolverClosed.
func (r *Resolver) Close() error {
	r.cancelFetch()
	r.mu.Lock()
	defer r.mu.Unlock()
	r.closed = true
	r.entries = make(map[string]cacheEntry)
	return nil
}
