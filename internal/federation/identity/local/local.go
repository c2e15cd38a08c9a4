// Package local provides an in-process identity backend: a role registry
// for the trust broker plus a credential issuer whose session tokens are
// HMAC-signed JWTs. It backs single-node deployments and tests; hosted
// identity services implement the same contracts out of tree.
package local

import (
	"context"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/learningtapestry/ssdn-sub000/internal/federation/identity"
	"github.com/learningtapestry/ssdn-sub000/internal/federation/trust"
	apperrors "github.com/learningtapestry/ssdn-sub000/internal/platform/errors"
)

const (
	tokenIssuer       = "ssdn-local-identity"
	defaultLifetime   = time.Hour
	accessKeyIDPrefix = "SSDN"
)

type sessionClaims struct {
	jwt.RegisteredClaims
	AccessKeyID string `json:"access_key_id"`
}

// Identity is the in-process role registry and credential issuer.
type Identity struct {
	mu         sync.Mutex
	accountID  string
	sessionKey []byte
	roles      map[string]trust.RoleRecord
	attached   map[string][]string
	inline     map[string]trust.Document
	lifetime   time.Duration
	clock      func() time.Time
}

// New creates a local identity backend for the given account. The session
// key signs and verifies credential session tokens; peers exchanging
// signed calls must share it.
func New(accountID string, sessionKey []byte) *Identity {
	return &Identity{
		accountID:  strings.TrimSpace(accountID),
		sessionKey: sessionKey,
		roles:      make(map[string]trust.RoleRecord),
		attached:   make(map[string][]string),
		inline:     make(map[string]trust.Document),
		lifetime:   defaultLifetime,
		clock:      time.Now,
	}
}

// SetClock overrides the time source. Intended for tests.
func (l *Identity) SetClock(clock func() time.Time) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.clock = clock
}

// GetRole returns the role stored under name.
func (l *Identity) GetRole(_ context.Context, name string) (trust.RoleRecord, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	record, ok := l.roles[name]
	if !ok {
		return trust.RoleRecord{}, trust.ErrRoleNotFound
	}
	return record, nil
}

// CreateRole registers a role under name with the given trust policy.
func (l *Identity) CreateRole(_ context.Context, name string, policy trust.Policy) (trust.RoleRecord, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, exists := l.roles[name]; exists {
		return trust.RoleRecord{}, fmt.Errorf("role %s already exists", name)
	}
	record := trust.RoleRecord{
		ARN:   fmt.Sprintf("arn:ssdn:iam::%s:role/%s", l.accountID, name),
		Name:  name,
		Trust: policy,
	}
	l.roles[name] = record
	return record, nil
}

// AttachRolePolicy records a managed policy attachment.
func (l *Identity) AttachRolePolicy(_ context.Context, roleName, policyARN string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, ok := l.roles[roleName]; !ok {
		return trust.ErrRoleNotFound
	}
	l.attached[roleName] = append(l.attached[roleName], policyARN)
	return nil
}

// PutRolePolicy replaces the role's inline policy.
func (l *Identity) PutRolePolicy(_ context.Context, roleName, _ string, doc trust.Document) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, ok := l.roles[roleName]; !ok {
		return trust.ErrRoleNotFound
	}
	l.inline[roleName] = doc
	return nil
}

// AttachedPolicies returns the managed policies attached to roleName.
func (l *Identity) AttachedPolicies(roleName string) []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.attached[roleName]...)
}

// InlinePolicy returns the inline policy stored for roleName.
func (l *Identity) InlinePolicy(roleName string) (trust.Document, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	doc, ok := l.inline[roleName]
	return doc, ok
}

// Assume issues short-lived credentials for roleARN. The presented
// external id must match the one bound to the role's trust policy.
func (l *Identity) Assume(_ context.Context, roleARN, externalID string) (identity.Credentials, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	var matched *trust.RoleRecord
	for _, record := range l.roles {
		if record.ARN == roleARN {
			r := record
			matched = &r
			break
		}
	}
	if matched == nil {
		return identity.Credentials{}, apperrors.New(apperrors.CodeForbidden, "unknown role")
	}
	if subtleCompare(matched.Trust.ExternalID, externalID) != 1 {
		return identity.Credentials{}, apperrors.New(apperrors.CodeForbidden, "external id mismatch")
	}

	var raw [12]byte
	if _, err := rand.Read(raw[:]); err != nil {
		return identity.Credentials{}, fmt.Errorf("generate access key id: %w", err)
	}
	accessKeyID := accessKeyIDPrefix + strings.ToUpper(hex.EncodeToString(raw[:]))
	now := l.clock().UTC()
	expiry := now.Add(l.lifetime)

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, sessionClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    tokenIssuer,
			Subject:   roleARN,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(expiry),
		},
		AccessKeyID: accessKeyID,
	})
	signed, err := token.SignedString(l.sessionKey)
	if err != nil {
		return identity.Credentials{}, fmt.Errorf("sign session token: %w", err)
	}

	return identity.Credentials{
		AccessKeyID:     accessKeyID,
		SecretAccessKey: l.deriveSecret(accessKeyID),
		SessionToken:    signed,
		Expiry:          expiry,
	}, nil
}

// Verify resolves a session token back to its proven role ARN and the
// signing secret for accessKeyID.
func (l *Identity) Verify(_ context.Context, sessionToken, accessKeyID string) (string, string, error) {
	l.mu.Lock()
	clock := l.clock
	l.mu.Unlock()

	var claims sessionClaims
	_, err := jwt.ParseWithClaims(sessionToken, &claims, func(*jwt.Token) (any, error) {
		return l.sessionKey, nil
	},
		jwt.WithValidMethods([]string{"HS256"}),
		jwt.WithIssuer(tokenIssuer),
		jwt.WithTimeFunc(func() time.Time { return clock() }),
	)
	if err != nil {
		return "", "", apperrors.Wrap(apperrors.CodeUnauthorized, "invalid session token", err)
	}
	if subtleCompare(claims.AccessKeyID, accessKeyID) != 1 {
		return "", "", apperrors.New(apperrors.CodeUnauthorized, "session token does not match access key")
	}
	return claims.Subject, l.deriveSecret(accessKeyID), nil
}

// deriveSecret makes the secret for an access key a pure function of the
// session key so verification needs no issued-credential state.
func (l *Identity) deriveSecret(accessKeyID string) string {
	mac := hmac.New(sha256.New, l.sessionKey)
	mac.Write([]byte("secret:" + accessKeyID))
	return hex.EncodeToString(mac.Sum(nil))
}

func subtleCompare(a, b string) int {
	if hmac.Equal([]byte(a), []byte(b)) {
		return 1
	}
	return 0
}
