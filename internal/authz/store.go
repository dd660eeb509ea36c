package authz

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"
)

var ErrPermissionStoreUnavailable = errors.New("permission store unavailable")

// PermissionStore lists the permission table.
type PermissionStore interface {
	ListRules(ctx context.Context) ([]Rule, error)
}

// StaticStore serves a fixed table.
type StaticStore struct {
	rules []Rule
}

func NewStaticStore(rules []Rule) *StaticStore {
	return &StaticStore{rules: copyRules(rules)}
}

// ListRules returns a copy; callers may modify it freely.
func (s *StaticStore) ListRules(_ context.Context) ([]Rule, error) {
	return copyRules(s.rules), nil
}

// DefaultRules is the table used when none is configured.
func DefaultRules() []Rule {
	return []Rule{
		{Resource: "pets", Stage: "test", HTTPVerb: "GET", Scopes: []string{"openid", "profile"}},
	}
}

// CachedStore reads an external store at most once per ttl. Concurrent
// refreshes collapse into one backing call that does not depend on any
// caller's context; each caller still gives up on its own deadline. A failed
// refresh drops the cached table and returns the error.
type CachedStore struct {
	store   PermissionStore
	ttl     time.Duration
	timeout time.Duration
	now     func() time.Time

	mu        sync.RWMutex
	rules     []Rule
	fetchedAt time.Time
	loaded    bool

	group singleflight.Group
}

const defaultRefreshTimeout = 10 * time.Second

func NewCachedStore(store PermissionStore, ttl time.Duration) *CachedStore {
	return &CachedStore{store: store, ttl: ttl, timeout: defaultRefreshTimeout, now: time.Now}
}

func (c *CachedStore) ListRules(ctx context.Context) ([]Rule, error) {
	if rules, ok := c.snapshot(); ok {
		return rules, nil
	}

	ch := c.group.DoChan("rules", func() (interface{}, error) {
		if rules, ok := c.snapshot(); ok {
			return rules, nil
		}
		refreshCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.timeout)
		defer cancel()

		rules, err := c.store.ListRules(refreshCtx)
		c.mu.Lock()
		defer c.mu.Unlock()
		if err != nil {
			c.rules, c.loaded = nil, false
			return nil, err
		}
		c.rules, c.fetchedAt, c.loaded = copyRules(rules), c.now(), true
		return nil, nil
	})

	select {
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return c.current(), nil
	case <-ctx.Done():
		return nil, fmt.Errorf("%w: %v", ErrPermissionStoreUnavailable, ctx.Err())
	}
}

func (c *CachedStore) snapshot() ([]Rule, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if !c.loaded || c.now().Sub(c.fetchedAt) >= c.ttl {
		return nil, false
	}
	return copyRules(c.rules), true
}

// current returns the table just stored by a refresh, even when ttl is zero.
func (c *CachedStore) current() []Rule {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return copyRules(c.rules)
}

// copyRules keeps callers from mutating a shared table.
func copyRules(rules []Rule) []Rule {
	if rules == nil {
		return nil
	}
	out := make([]Rule, len(rules))
	for i, r := range rules {
		r.Scopes = append([]string(nil), r.Scopes...)
		out[i] = r
	}
	return out
}
