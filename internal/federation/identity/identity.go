// Package identity defines the credential contracts the exchange layer
// uses to assume and verify cross-instance trust roles.
package identity

import (
	"context"
	"time"
)

// Credentials are short-lived keys scoped to one assumed trust role.
type Credentials struct {
	AccessKeyID     string
	SecretAccessKey string
	SessionToken    string
	Expiry          time.Time
}

// CredentialIssuer exchanges a role ARN plus its external id for
// short-lived credentials. The external id must match the one bound to
// the role at creation time.
type CredentialIssuer interface {
	Assume(ctx context.Context, roleARN, externalID string) (Credentials, error)
}

// Verifier resolves a presented session token back to the proven role and
// the signing secret for its access key. The wire surface uses it to
// authenticate signed peer requests.
type Verifier interface {
	Verify(ctx context.Context, sessionToken, accessKeyID string) (roleARN string, secret string, err error)
}
