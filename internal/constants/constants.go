package constants

import "time"

// Package constant provides constants for the API gateway authorizer

const (
	// TokenAuthType is the only request descriptor type the authorizer accepts
	TokenAuthType = "TOKEN"
	BearerPrefix  = "Bearer "

	PolicyVersion = "2012-10-17"
	InvokeAction  = "execute-api:Invoke"

	// Principal used when no verified subject is available
	UnauthenticatedPrincipal = "user"
	WildcardResource         = "*/*/*/*"
)

const (
	DefaultTokenAlgorithm         = "RS256"
	DefaultJWKSRequestsPerMinute  = 10
	DefaultJWKSCacheMaxEntries    = 5
	DefaultJWKSCacheMaxAge        = 10 * time.Minute
	DefaultJWKSTimeout            = 5 * time.Second
	DefaultDecisionTimeout        = 3 * time.Second
	DefaultPermissionsCacheTTL    = time.Minute
	DefaultListenPort             = 8080
	DefaultPermissionsRedisKey    = "authorizer:permissions"
	DefaultRateLimitRedisKeyspace = "authorizer:jwks:ratelimit"
)
