package local

import (
	"context"
	"testing"
	"time"

	"github.com/learningtapestry/ssdn-sub000/internal/federation/trust"
	apperrors "github.com/learningtapestry/ssdn-sub000/internal/platform/errors"
)

func newTestIdentity(t *testing.T) (*Identity, trust.RoleRecord) {
	t.Helper()
	ident := New("111111111111", []byte("test-session-key"))
	record, err := ident.CreateRole(context.Background(), "ssdn-ex-222-acme-peer", trust.Policy{
		PeerAccountID: "222222222222",
		ExternalID:    "shared-external-id",
	})
	if err != nil {
		t.Fatalf("create role: %v", err)
	}
	return ident, record
}

func TestAssumeAndVerifyRoundTrip(t *testing.T) {
	ident, record := newTestIdentity(t)

	creds, err := ident.Assume(context.Background(), record.ARN, "shared-external-id")
	if err != nil {
		t.Fatalf("assume: %v", err)
	}
	if creds.AccessKeyID == "" || creds.SecretAccessKey == "" || creds.SessionToken == "" {
		t.Fatalf("expected populated credentials, got %+v", creds)
	}
	if !creds.Expiry.After(time.Now()) {
		t.Fatal("expected future expiry")
	}

	roleARN, secret, err := ident.Verify(context.Background(), creds.SessionToken, creds.AccessKeyID)
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if roleARN != record.ARN {
		t.Fatalf("expected role arn %q, got %q", record.ARN, roleARN)
	}
	if secret != creds.SecretAccessKey {
		t.Fatal("expected verifier to derive the issued secret")
	}
}

func TestAssumeRejectsWrongExternalID(t *testing.T) {
	ident, record := newTestIdentity(t)

	_, err := ident.Assume(context.Background(), record.ARN, "wrong-external-id")
	if !apperrors.IsCode(err, apperrors.CodeForbidden) {
		t.Fatalf("expected forbidden error, got %v", err)
	}
}

func TestAssumeRejectsUnknownRole(t *testing.T) {
	ident, _ := newTestIdentity(t)

	_, err := ident.Assume(context.Background(), "arn:ssdn:iam::999:role/missing", "shared-external-id")
	if !apperrors.IsCode(err, apperrors.CodeForbidden) {
		t.Fatalf("expected forbidden error, got %v", err)
	}
}

func TestVerifyRejectsExpiredToken(t *testing.T) {
	ident, record := newTestIdentity(t)
	now := time.Now()
	ident.SetClock(func() time.Time { return now })

	creds, err := ident.Assume(context.Background(), record.ARN, "shared-external-id")
	if err != nil {
		t.Fatalf("assume: %v", err)
	}

	now = now.Add(2 * time.Hour)
	_, _, err = ident.Verify(context.Background(), creds.SessionToken, creds.AccessKeyID)
	if !apperrors.IsCode(err, apperrors.CodeUnauthorized) {
		t.Fatalf("expected unauthorized error for expired token, got %v", err)
	}
}

func TestVerifyRejectsMismatchedAccessKey(t *testing.T) {
	ident, record := newTestIdentity(t)

	creds, err := ident.Assume(context.Background(), record.ARN, "shared-external-id")
	if err != nil {
		t.Fatalf("assume: %v", err)
	}
	_, _, err = ident.Verify(context.Background(), creds.SessionToken, "SSDNOTHERKEY")
	if !apperrors.IsCode(err, apperrors.CodeUnauthorized) {
		t.Fatalf("expected unauthorized error, got %v", err)
	}
}

func TestVerifyRejectsTokenSignedWithOtherKey(t *testing.T) {
	ident, record := newTestIdentity(t)
	other := New("111111111111", []byte("different-session-key"))
	if _, err := other.CreateRole(context.Background(), record.Name, record.Trust); err != nil {
		t.Fatalf("create role: %v", err)
	}

	creds, err := other.Assume(context.Background(), record.ARN, "shared-external-id")
	if err != nil {
		t.Fatalf("assume: %v", err)
	}
	_, _, err = ident.Verify(context.Background(), creds.SessionToken, creds.AccessKeyID)
	if !apperrors.IsCode(err, apperrors.CodeUnauthorized) {
		t.Fatalf("expected unauthorized error, got %v", err)
	}
}

func TestRoleRegistryLifecycle(t *testing.T) {
	ident, record := newTestIdentity(t)

	got, err := ident.GetRole(context.Background(), record.Name)
	if err != nil {
		t.Fatalf("get role: %v", err)
	}
	if got.Trust.ExternalID != "shared-external-id" {
		t.Fatalf("unexpected trust policy: %+v", got.Trust)
	}

	if err := ident.AttachRolePolicy(context.Background(), record.Name, "arn:ssdn:iam::aws:policy/consumer"); err != nil {
		t.Fatalf("attach role policy: %v", err)
	}
	if policies := ident.AttachedPolicies(record.Name); len(policies) != 1 {
		t.Fatalf("expected 1 attached policy, got %d", len(policies))
	}

	doc := trust.Document{Version: "2012-10-17", Statement: []trust.Statement{{Effect: "Allow"}}}
	if err := ident.PutRolePolicy(context.Background(), record.Name, record.Name+"-access", doc); err != nil {
		t.Fatalf("put role policy: %v", err)
	}
	if _, ok := ident.InlinePolicy(record.Name); !ok {
		t.Fatal("expected inline policy to be stored")
	}

	if _, err := ident.GetRole(context.Background(), "missing"); err != trust.ErrRoleNotFound {
		t.Fatalf("expected ErrRoleNotFound, got %v", err)
	}
}
