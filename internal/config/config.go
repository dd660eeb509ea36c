package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/wso2/open-apigw-authorizer/internal/authz"
	"github.com/wso2/open-apigw-authorizer/internal/constants"
)

// Where the permission table comes from
type PermissionSource string

const (
	StaticPermissions   PermissionSource = "static"
	FilePermissions     PermissionSource = "file"
	RedisPermissions    PermissionSource = "redis"
	PostgresPermissions PermissionSource = "postgres"
)

// Backend for the key provider rate limit
type RateLimitBackend string

const (
	MemoryRateLimit RateLimitBackend = "memory"
	RedisRateLimit  RateLimitBackend = "redis"
)

type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

type PermissionsConfig struct {
	Source      PermissionSource `mapstructure:"source"`
	File        string           `mapstructure:"file"`
	RedisKey    string           `mapstructure:"redis_key"`
	PostgresDSN string           `mapstructure:"postgres_dsn"`
	CacheTTL    time.Duration    `mapstructure:"cache_ttl"`
	Rules       []authz.Rule     `mapstructure:"rules"`
}

type Config struct {
	JWKSURI        string        `mapstructure:"jwks_uri"`
	TokenIssuerURI string        `mapstructure:"token_issuer_uri"`
	Audience       string        `mapstructure:"audience"`
	TokenAlgorithm string        `mapstructure:"token_algorithm"`
	ClockSkew      time.Duration `mapstructure:"clock_skew"`

	JWKSRequestsPerMinute int           `mapstructure:"jwks_requests_per_minute"`
	JWKSCacheMaxAge       time.Duration `mapstructure:"jwks_cache_max_age"`
	JWKSCacheMaxEntries   int           `mapstructure:"jwks_cache_max_entries"`
	JWKSTimeout           time.Duration `mapstructure:"jwks_timeout"`

	RateLimitBackend RateLimitBackend `mapstructure:"rate_limit_backend"`
	Redis            RedisConfig      `mapstructure:"redis"`

	ScopeMatch      string            `mapstructure:"scope_match"`
	Permissions     PermissionsConfig `mapstructure:"permissions"`
	DecisionTimeout time.Duration     `mapstructure:"decision_timeout"`

	ListenPort int  `mapstructure:"listen_port"`
	Debug      bool `mapstructure:"debug"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("jwks_uri", "")
	v.SetDefault("token_issuer_uri", "")
	v.SetDefault("audience", "")
	v.SetDefault("token_algorithm", constants.DefaultTokenAlgorithm)
	v.SetDefault("clock_skew", time.Duration(0))

	v.SetDefault("jwks_requests_per_minute", constants.DefaultJWKSRequestsPerMinute)
	v.SetDefault("jwks_cache_max_age", constants.DefaultJWKSCacheMaxAge)
	v.SetDefault("jwks_cache_max_entries", constants.DefaultJWKSCacheMaxEntries)
	v.SetDefault("jwks_timeout", constants.DefaultJWKSTimeout)

	v.SetDefault("rate_limit_backend", string(MemoryRateLimit))
	v.SetDefault("redis.addr", "localhost:6379")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)

	v.SetDefault("scope_match", string(authz.MatchExact))
	v.SetDefault("permissions.source", string(StaticPermissions))
	v.SetDefault("permissions.file", "")
	v.SetDefault("permissions.redis_key", constants.DefaultPermissionsRedisKey)
	v.SetDefault("permissions.postgres_dsn", "")
	v.SetDefault("permissions.cache_ttl", constants.DefaultPermissionsCacheTTL)
	v.SetDefault("decision_timeout", constants.DefaultDecisionTimeout)

	v.SetDefault("listen_port", constants.DefaultListenPort)
	v.SetDefault("debug", false)
}

// Load reads configuration from the environment (JWKS_URI, TOKEN_ISSUER_URI,
// AUDIENCE, PERMISSIONS_SOURCE, ...) and, when path is set, a YAML file.
// Environment values win over the file.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		v.SetConfigType("yaml")
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("reading config %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decoding config: %w", err)
	}
	if len(cfg.Permissions.Rules) == 0 && cfg.Permissions.Source == StaticPermissions {
		cfg.Permissions.Rules = authz.DefaultRules()
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks required settings and enum values
func (c *Config) Validate() error {
	var errs []error
	if c.JWKSURI == "" {
		errs = append(errs, errors.New("JWKS_URI is required"))
	}
	if c.TokenIssuerURI == "" {
		errs = append(errs, errors.New("TOKEN_ISSUER_URI is required"))
	}
	if c.Audience == "" {
		errs = append(errs, errors.New("AUDIENCE is required"))
	}
	if c.ClockSkew < 0 {
		errs = append(errs, errors.New("clock_skew must not be negative"))
	}
	if c.JWKSRequestsPerMinute <= 0 {
		errs = append(errs, errors.New("jwks_requests_per_minute must be positive"))
	}
	if c.JWKSCacheMaxEntries <= 0 {
		errs = append(errs, errors.New("jwks_cache_max_entries must be positive"))
	}
	if c.DecisionTimeout <= 0 {
		errs = append(errs, errors.New("decision_timeout must be positive"))
	}
	if _, err := authz.ParseMatchMode(c.ScopeMatch); err != nil {
		errs = append(errs, err)
	}

	switch c.RateLimitBackend {
	case MemoryRateLimit:
	case RedisRateLimit:
		if c.Redis.Addr == "" {
			errs = append(errs, errors.New("redis.addr is required for the redis rate limit backend"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown rate_limit_backend %q", c.RateLimitBackend))
	}

	switch c.Permissions.Source {
	case StaticPermissions:
	case FilePermissions:
		if c.Permissions.File == "" {
			errs = append(errs, errors.New("permissions.file is required for the file source"))
		}
	case RedisPermissions:
		if c.Redis.Addr == "" || c.Permissions.RedisKey == "" {
			errs = append(errs, errors.New("redis.addr and permissions.redis_key are required for the redis source"))
		}
	case PostgresPermissions:
		if c.Permissions.PostgresDSN == "" {
			errs = append(errs, errors.New("permissions.postgres_dsn is required for the postgres source"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown permissions.source %q", c.Permissions.Source))
	}

	return errors.Join(errs...)
}

// UsesRedis reports whether any component needs a Redis client
func (c *Config) UsesRedis() bool {
	return c.RateLimitBackend == RedisRateLimit || c.Permissions.Source == RedisPermissions
}
