package main

import (
	"fmt"

	"github.com/redis/go-redis/v9"

	"github.com/wso2/open-apigw-authorizer/internal/authz"
	"github.com/wso2/open-apigw-authorizer/internal/config"
)

// MakePermissionStore picks the permission table backend. External sources
// are wrapped in a CachedStore; the returned closer releases their
// connections.
func MakePermissionStore(cfg *config.Config, client redis.Cmdable) (authz.PermissionStore, func() error, error) {
	noop := func() error { return nil }

	var store authz.PermissionStore
	closer := noop
	switch cfg.Permissions.Source {
	case config.StaticPermissions:
		return authz.NewStaticStore(cfg.Permissions.Rules), noop, nil

	case config.FilePermissions:
		store = authz.NewFileStore(cfg.Permissions.File)

	case config.RedisPermissions:
		if client == nil {
			return nil, nil, fmt.Errorf("redis permission source needs a redis client")
		}
		rs, err := authz.NewRedisStore(client, cfg.Permissions.RedisKey)
		if err != nil {
			return nil, nil, err
		}
		store = rs

	case config.PostgresPermissions:
		ps, err := authz.OpenPostgresStore(cfg.Permissions.PostgresDSN)
		if err != nil {
			return nil, nil, err
		}
		store, closer = ps, ps.Close

	default:
		return nil, nil, fmt.Errorf("unknown permission source %q", cfg.Permissions.Source)
	}

	return authz.NewCachedStore(store, cfg.Permissions.CacheTTL), closer, nil
}
