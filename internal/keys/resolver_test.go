package keys

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type fakeProvider struct {
	calls atomic.Int32
	mu    sync.Mutex
	keys  map[string]SigningKey
	errs  []error
	delay time.Duration
}

func newFakeProvider(t *testing.T, kids ...string) *fakeProvider {
	t.Helper()
	priv, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	p := &fakeProvider{keys: map[string]SigningKey{}}
	for _, kid := range kids {
		p.keys[kid] = SigningKey{KeyID: kid, Algorithm: "RS256", Key: &priv.PublicKey}
	}
	return p
}

func (p *fakeProvider) FetchKey(ctx context.Context, kid string) (SigningKey, error) {
	p.calls.Add(1)
	if p.delay > 0 {
		select {
		case <-time.After(p.delay):
		case <-ctx.Done():
			return SigningKey{}, ctx.Err()
		}
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.errs) > 0 {
		err := p.errs[0]
		p.errs = p.errs[1:]
		if err != nil {
			return SigningKey{}, err
		}
	}
	key, ok := p.keys[kid]
	if !ok {
		return SigningKey{}, ErrKeyNotFound
	}
	return key, nil
}

func TestResolveCachesWithinMaxAge(t *testing.T) {
	provider := newFakeProvider(t, "kid-1")
	now := time.Date(2026, 1, 12, 0, 0, 0, 0, time.UTC)
	r, err := NewResolver(provider, nil, WithClock(func() time.Time { return now }), WithMaxAge(time.Minute))
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		key, err := r.Resolve(context.Background(), "kid-1")
		require.NoError(t, err)
		assert.Equal(t, "kid-1", key.KeyID)
	}
	assert.EqualValues(t, 1, provider.calls.Load())

	now = now.Add(2 * time.Minute)
	_, err = r.Resolve(context.Background(), "kid-1")
	require.NoError(t, err)
	assert.EqualValues(t, 2, provider.calls.Load(), "expired entry must be refetched")
}

func TestResolveDistinctKidsFetchEach(t *testing.T) {
	provider := newFakeProvider(t, "kid-1", "kid-2")
	r, err := NewResolver(provider, nil)
	require.NoError(t, err)

	k1, err := r.Resolve(context.Background(), "kid-1")
	require.NoError(t, err)
	k2, err := r.Resolve(context.Background(), "kid-2")
	require.NoError(t, err)

	assert.Equal(t, "kid-1", k1.KeyID)
	assert.Equal(t, "kid-2", k2.KeyID)
	assert.EqualValues(t, 2, provider.calls.Load())
}

func TestResolveKeyNotFound(t *testing.T) {
	provider := newFakeProvider(t, "kid-1")
	r, err := NewResolver(provider, nil)
	require.NoError(t, err)

	_, err = r.Resolve(context.Background(), "missing")
	require.ErrorIs(t, err, ErrKeyNotFound)
	assert.EqualValues(t, 1, provider.calls.Load(), "not found is not retried")
	assert.Zero(t, r.Len())
}

func TestResolveRejectsMismatchedKid(t *testing.T) {
	provider := newFakeProvider(t, "kid-1")
	wrong := ProviderFunc(func(ctx context.Context, kid string) (SigningKey, error) {
		return provider.keys["kid-1"], nil
	})
	r, err := NewResolver(wrong, nil)
	require.NoError(t, err)

	_, err = r.Resolve(context.Background(), "kid-2")
	require.ErrorIs(t, err, ErrKeyNotFound)
	assert.Zero(t, r.Len())
}

func TestResolveRetriesTransientFailureOnce(t *testing.T) {
	provider := newFakeProvider(t, "kid-1")
	provider.errs = []error{errors.New("connection reset")}
	r, err := NewResolver(provider, nil)
	require.NoError(t, err)

	_, err = r.Resolve(context.Background(), "kid-1")
	require.NoError(t, err)
	assert.EqualValues(t, 2, provider.calls.Load())
}

func TestResolveSurfacesUnavailableAfterRetry(t *testing.T) {
	provider := newFakeProvider(t, "kid-1")
	provider.errs = []error{errors.New("boom"), errors.New("boom again"), nil}
	r, err := NewResolver(provider, nil)
	require.NoError(t, err)

	_, err = r.Resolve(context.Background(), "kid-1")
	require.ErrorIs(t, err, ErrProviderUnavailable)
	assert.EqualValues(t, 2, provider.calls.Load())
}

func TestResolveThrottled(t *testing.T) {
	provider := newFakeProvider(t, "kid-1", "kid-2", "kid-3")
	r, err := NewResolver(provider, NewMemoryLimiter(2))
	require.NoError(t, err)

	_, err = r.Resolve(context.Background(), "kid-1")
	require.NoError(t, err)
	_, err = r.Resolve(context.Background(), "kid-2")
	require.NoError(t, err)
	_, err = r.Resolve(context.Background(), "kid-3")
	require.ErrorIs(t, err, ErrProviderThrottled)
	assert.EqualValues(t, 2, provider.calls.Load())

	// Cached keys stay available while throttled.
	_, err = r.Resolve(context.Background(), "kid-1")
	require.NoError(t, err)
}

type failingLimiter struct{}

func (failingLimiter) Allow(context.Context) (bool, error) {
	return false, errors.New("limiter backend down")
}

func TestResolveLimiterErrorFailsClosed(t *testing.T) {
	provider := newFakeProvider(t, "kid-1")
	r, err := NewResolver(provider, failingLimiter{})
	require.NoError(t, err)

	_, err = r.Resolve(context.Background(), "kid-1")
	require.ErrorIs(t, err, ErrProviderThrottled)
	assert.Zero(t, provider.calls.Load())
}

func TestResolveSingleflight(t *testing.T) {
	provider := newFakeProvider(t, "kid-1")
	provider.delay = 50 * time.Millisecond
	r, err := NewResolver(provider, nil)
	require.NoError(t, err)

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := r.Resolve(context.Background(), "kid-1"); err != nil {
				t.Errorf("resolve: %v", err)
			}
		}()
	}
	wg.Wait()

	assert.EqualValues(t, 1, provider.calls.Load())
}

func TestResolveHonoursContextDeadline(t *testing.T) {
	provider := newFakeProvider(t, "kid-1")
	provider.delay = time.Second
	r, err := NewResolver(provider, nil)
	require.NoError(t, err)
	defer r.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	start := time.Now()
	_, err = r.Resolve(ctx, "kid-1")
	require.ErrorIs(t, err, ErrProviderUnavailable)
	assert.Less(t, time.Since(start), 500*time.Millisecond)
}

func TestResolveSharedFetchOutlivesImpatientCaller(t *testing.T) {
	provider := newFakeProvider(t, "kid-1")
	provider.delay = 200 * time.Millisecond
	r, err := NewResolver(provider, nil)
	require.NoError(t, err)
	defer r.Close()

	impatient, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	impatientErr := make(chan error, 1)
	go func() {
		_, err := r.Resolve(impatient, "kid-1")
		impatientErr <- err
	}()
	time.Sleep(5 * time.Millisecond)

	key, err := r.Resolve(context.Background(), "kid-1")
	require.NoError(t, err)
	assert.Equal(t, "kid-1", key.KeyID)
	assert.ErrorIs(t, <-impatientErr, ErrProviderUnavailable)
	assert.EqualValues(t, 1, provider.calls.Load())
	assert.Equal(t, 1, r.Len())
}

func TestResolveFetchTimeout(t *testing.T) {
	provider := newFakeProvider(t, "kid-1")
	provider.delay = time.Second
	r, err := NewResolver(provider, nil, WithFetchTimeout(30*time.Millisecond))
	require.NoError(t, err)
	defer r.Close()

	start := time.Now()
	_, err = r.Resolve(context.Background(), "kid-1")
	require.ErrorIs(t, err, ErrProviderUnavailable)
	assert.Less(t, time.Since(start), 500*time.Millisecond)
	assert.Zero(t, r.Len())
}

func TestCloseAbortsFetchInFlight(t *testing.T) {
	provider := newFakeProvider(t, "kid-1")
	provider.delay = 5 * time.Second
	r, err := NewResolver(provider, nil)
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() {
		_, err := r.Resolve(context.Background(), "kid-1")
		done <- err
	}()
	time.Sleep(10 * time.Millisecond)
	require.NoError(t, r.Close())

	select {
	case err := <-done:
		assert.Error(t, err)
	case <-time.After(time.Second):
		t.Fatal("resolve did not return after Close")
	}
}

func TestResolveEvictsOldest(t *testing.T) {
	provider := newFakeProvider(t, "kid-1", "kid-2", "kid-3")
	now := time.Date(2026, 1, 12, 0, 0, 0, 0, time.UTC)
	var evicted atomic.Int32
	r, err := NewResolver(provider, nil,
		WithMaxEntries(2),
		WithClock(func() time.Time { return now }),
		WithObserver(func(event string) {
			if event == EventEvicted {
				evicted.Add(1)
			}
		}),
	)
	require.NoError(t, err)

	for _, kid := range []string{"kid-1", "kid-2", "kid-3"} {
		_, err := r.Resolve(context.Background(), kid)
		require.NoError(t, err)
		now = now.Add(time.Second)
	}
	assert.Equal(t, 2, r.Len())
	assert.EqualValues(t, 1, evicted.Load())

	_, err = r.Resolve(context.Background(), "kid-1")
	require.NoError(t, err)
	assert.EqualValues(t, 4, provider.calls.Load(), "evicted kid-1 must be refetched")
}

func TestCloseRejectsLookups(t *testing.T) {
	provider := newFakeProvider(t, "kid-1")
	r, err := NewResolver(provider, nil)
	require.NoError(t, err)

	_, err = r.Resolve(context.Background(), "kid-1")
	require.NoError(t, err)
	require.NoError(t, r.Close())

	_, err = r.Resolve(context.Background(), "kid-1")
	require.ErrorIs(t, err, ErrResolverClosed)
	assert.Zero(t, r.Len())
}

func TestNewResolverRequiresProvider(t *testing.T) {
	_, err := NewResolver(nil, nil)
	require.Error(t, err)
}
