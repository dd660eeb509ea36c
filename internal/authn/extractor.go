// Package authn extracts bearer tokens from gateway requests and verifies
// them against the trusted issuer's signing keys.
package authn

import (
	"fmt"
	"strings"

	"github.com/wso2/open-apigw-authorizer/internal/constants"
)

// Request is the descriptor the host gateway sends for every call.
type Request struct {
	Type               string `json:"type"`
	AuthorizationToken string `json:"authorizationToken"`
	MethodArn          string `json:"methodArn"`
}

// ExtractBearerToken returns the raw token carried in the request's
// authorization value.
func ExtractBearerToken(req Request) (string, error) {
	if req.Type != constants.TokenAuthType {
		return "", fmt.Errorf("%w: type must be %q", ErrMalformedRequest, constants.TokenAuthType)
	}
	if req.AuthorizationToken == "" {
		return "", ErrMissingToken
	}

	token, ok := strings.CutPrefix(req.AuthorizationToken, constants.BearerPrefix)
	if !ok || token == "" {
		// The value is a credential; keep it out of the error.
		return "", fmt.Errorf("%w: value does not match %q", ErrMalformedToken, constants.BearerPrefix+"<token>")
	}
	if req.MethodArn == "" {
		return "", fmt.Errorf("%w: methodArn not set", ErrMalformedRequest)
	}
	return token, nil
}
