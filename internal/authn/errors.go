package authn

import "errors"

var (
	ErrMalformedRequest      = errors.New("malformed request")
	ErrMissingToken          = errors.New("missing token")
	ErrMalformedToken        = errors.New("malformed token")
	ErrInvalidTokenStructure = errors.New("invalid token structure")
	ErrKeyResolutionFailed   = errors.New("key resolution failed")
	ErrSignatureInvalid      = errors.New("signature invalid")
	ErrIssuerMismatch        = errors.New("issuer mismatch")
	ErrAudienceMismatch      = errors.New("audience mismatch")
	ErrTokenExpired          = errors.New("token expired")
	ErrTokenNotYetValid      = errors.New("token not yet valid")
)
