package authz

import (
	"github.com/wso2/open-apigw-authorizer/internal/constants"
)

type Effect string

const (
	EffectAllow Effect = "Allow"
	EffectDeny  Effect = "Deny"
)

// Statement grants or refuses invoking one resource.
type Statement struct {
	Action   string `json:"Action"`
	Effect   Effect `json:"Effect"`
	Resource string `json:"Resource"`
}

type PolicyDocument struct {
	Version   string      `json:"Version"`
	Statement []Statement `json:"Statement"`
}

// Document is the decision returned to the gateway.
type Document struct {
	PrincipalID    string         `json:"principalId"`
	PolicyDocument PolicyDocument `json:"policyDocument"`
}

// NewStatement builds an invoke statement for resource.
func NewStatement(effect Effect, resource string) Statement {
	return Statement{
		Action:   constants.InvokeAction,
		Effect:   effect,
		Resource: resource,
	}
}

// WildcardDeny refuses every stage, verb and resource of every API.
func WildcardDeny() Statement {
	return NewStatement(EffectDeny, constants.WildcardResource)
}

// BuildDocument wraps statements in a versioned policy document for
// principal. An empty statement list yields a single wildcard Deny.
func BuildDocument(principal string, statements []Statement) Document {
	if len(statements) == 0 {
		statements = []Statement{WildcardDeny()}
	}
	out := make([]Statement, len(statements))
	copy(out, statements)
	return Document{
		PrincipalID: principal,
		PolicyDocument: PolicyDocument{
			Version:   constants.PolicyVersion,
			Statement: out,
		},
	}
}

// DenyAll is the document returned whenever authentication fails.
func DenyAll() Document {
	return BuildDocument(constants.UnauthenticatedPrincipal, []Statement{WildcardDeny()})
}

// Allowed reports whether the document grants anything.
func (d Document) Allowed() bool {
	for _, s := range d.PolicyDocument.Statement {
		if s.Effect == EffectAllow {
			return true
		}
	}
	return false
}
