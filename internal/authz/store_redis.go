package authz

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"
)

// RedisStore reads rules kept as JSON documents in a Redis list, one rule
// per entry, using the same keys as the YAML table:
//
//	{"resource":"pets","stage":"test","http_verb":"GET","scopes":["openid","profile"]}
type RedisStore struct {
	client redis.Cmdable
	key    string
}

func NewRedisStore(client redis.Cmdable, key string) (*RedisStore, error) {
	if client == nil {
		return nil, errors.New("redis client is required")
	}
	if key == "" {
		return nil, errors.New("redis permissions key is required")
	}
	return &RedisStore{client: client, key: key}, nil
}

func (s *RedisStore) ListRules(ctx context.Context) ([]Rule, error) {
	raw, err := s.client.LRange(ctx, s.key, 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrPermissionStoreUnavailable, err)
	}
	return decodeRules(raw)
}

func decodeRules(raw []string) ([]Rule, error) {
	rules := make([]Rule, 0, len(raw))
	for i, entry := range raw {
		var rule Rule
		if err := json.Unmarshal([]byte(entry), &rule); err != nil {
			return nil, fmt.Errorf("%w: rule %d: %v", ErrPermissionStoreUnavailable, i, err)
		}
		rules = append(rules, rule)
	}
	return rules, nil
}
