// Package trust provisions cross-domain identity roles for peer
// instances. Each peer is granted one role, bound to a random external id
// it must present on every assumption.
package trust

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"net/url"
	"strings"

	"github.com/learningtapestry/ssdn-sub000/internal/federation/metadata"
	"github.com/learningtapestry/ssdn-sub000/internal/federation/stream"
)

// ErrRoleNotFound indicates the identity backend has no role under the
// requested name.
var ErrRoleNotFound = errors.New("role not found")

// Role is the provisioned identity handed back to callers.
type Role struct {
	ARN        string
	ExternalID string
	Name       string
}

// Policy is the trust document bound to a role: only the named peer
// account may assume it, and only when presenting the exact external id.
type Policy struct {
	PeerAccountID string
	ExternalID    string
}

// Statement is one access grant inside an inline policy document.
type Statement struct {
	Effect   string   `json:"effect"`
	Action   []string `json:"action"`
	Resource []string `json:"resource"`
}

// Document is an inline access policy attached to a role.
type Document struct {
	Version   string      `json:"version"`
	Statement []Statement `json:"statement"`
}

// RoleRecord is the identity backend's view of a role.
type RoleRecord struct {
	ARN   string
	Name  string
	Trust Policy
}

// IdentityBroker is the identity-service backend (out of scope for the
// core; implementations live elsewhere).
type IdentityBroker interface {
	// GetRole returns the role stored under name, or ErrRoleNotFound.
	GetRole(ctx context.Context, name string) (RoleRecord, error)

	// CreateRole creates a role under name with the given trust policy.
	CreateRole(ctx context.Context, name string, trust Policy) (RoleRecord, error)

	// AttachRolePolicy attaches a named managed policy to the role.
	AttachRolePolicy(ctx context.Context, roleName, policyARN string) error

	// PutRolePolicy replaces the role's inline policy.
	PutRolePolicy(ctx context.Context, roleName, policyName string, doc Document) error
}

// Broker finds or creates per-peer trust roles and manages their policies.
type Broker struct {
	backend    IdentityBroker
	meta       metadata.Provider
	externalID func() (string, error)
}

// NewBroker creates a trust broker over the given identity backend.
func NewBroker(backend IdentityBroker, meta metadata.Provider) *Broker {
	return &Broker{
		backend:    backend,
		meta:       meta,
		externalID: newExternalID,
	}
}

// SetExternalIDGenerator overrides external id generation. Intended for tests.
func (b *Broker) SetExternalIDGenerator(gen func() (string, error)) {
	b.externalID = gen
}

// RoleName derives the deterministic role identifier for a peer. The same
// derivation runs on creation and lookup so acquisition stays idempotent
// across retries and process restarts.
func RoleName(peerAccountID, ownEndpoint, peerEndpoint string) string {
	return fmt.Sprintf("ssdn-ex-%s-%s-%s",
		strings.TrimSpace(peerAccountID),
		endpointShortName(ownEndpoint),
		endpointShortName(peerEndpoint))
}

// endpointHost reduces an endpoint URL to its hostname, used as the
// per-peer prefix inside the shared object-store bucket.
func endpointHost(endpoint string) string {
	host := strings.TrimSpace(endpoint)
	if parsed, err := url.Parse(host); err == nil && parsed.Hostname() != "" {
		host = parsed.Hostname()
	}
	return strings.ToLower(host)
}

// endpointShortName reduces an endpoint URL to its first hostname label.
func endpointShortName(endpoint string) string {
	host := strings.TrimSpace(endpoint)
	if parsed, err := url.Parse(host); err == nil && parsed.Hostname() != "" {
		host = parsed.Hostname()
	}
	label, _, _ := strings.Cut(strings.ToLower(host), ".")
	var out strings.Builder
	for _, r := range label {
		if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') {
			out.WriteRune(r)
		} else {
			out.WriteRune('-')
		}
	}
	return out.String()
}

// FindOrCreateRole returns the role serving peerEndpoint, creating it with
// a fresh random external id when absent. Existing roles return the
// external id recorded in their trust policy.
func (b *Broker) FindOrCreateRole(ctx context.Context, peerEndpoint, peerAccountID string) (Role, error) {
	name := RoleName(peerAccountID, b.meta.Endpoint(), peerEndpoint)

	record, err := b.backend.GetRole(ctx, name)
	if err == nil {
		return Role{ARN: record.ARN, ExternalID: record.Trust.ExternalID, Name: record.Name}, nil
	}
	if !errors.Is(err, ErrRoleNotFound) {
		return Role{}, fmt.Errorf("get role %s: %w", name, err)
	}

	externalID, err := b.externalID()
	if err != nil {
		return Role{}, fmt.Errorf("generate external id: %w", err)
	}
	record, err = b.backend.CreateRole(ctx, name, Policy{
		PeerAccountID: peerAccountID,
		ExternalID:    externalID,
	})
	if err != nil {
		return Role{}, fmt.Errorf("create role %s: %w", name, err)
	}
	return Role{ARN: record.ARN, ExternalID: externalID, Name: record.Name}, nil
}

// AttachPolicy attaches a named managed policy to the role.
func (b *Broker) AttachPolicy(ctx context.Context, policyARN, roleName string) error {
	if strings.TrimSpace(policyARN) == "" {
		return fmt.Errorf("policy identifier is required")
	}
	if err := b.backend.AttachRolePolicy(ctx, roleName, policyARN); err != nil {
		return fmt.Errorf("attach policy to role %s: %w", roleName, err)
	}
	return nil
}

// SetInlinePolicy replaces the role's inline policy. A document with zero
// statements is a no-op: the write is skipped entirely.
func (b *Broker) SetInlinePolicy(ctx context.Context, doc Document, roleName string) error {
	if len(doc.Statement) == 0 {
		return nil
	}
	if err := b.backend.PutRolePolicy(ctx, roleName, roleName+"-access", doc); err != nil {
		return fmt.Errorf("put inline policy on role %s: %w", roleName, err)
	}
	return nil
}

// InlinePolicy builds the inline access document for a connection.
// Consumers get list access on the shared object-store bucket plus
// get-object access scoped per active output stream; providers get an
// empty statement list since only the pulling party needs object access.
func InlinePolicy(isConsumer bool, bucket, peerEndpoint string, outputStreams []stream.Stream) Document {
	doc := Document{Version: "2012-10-17"}
	if !isConsumer || strings.TrimSpace(bucket) == "" {
		return doc
	}
	doc.Statement = append(doc.Statement, Statement{
		Effect:   "Allow",
		Action:   []string{"storage:ListBucket"},
		Resource: []string{bucket},
	})
	for _, s := range outputStreams {
		if s.Status != stream.StatusActive {
			continue
		}
		doc.Statement = append(doc.Statement, Statement{
			Effect:   "Allow",
			Action:   []string{"storage:GetObject"},
			Resource: []string{fmt.Sprintf("%s/%s/%s/*", bucket, endpointHost(peerEndpoint), s.Format)},
		})
	}
	return doc
}

func newExternalID() (string, error) {
	var raw [32]byte
	if _, err := rand.Read(raw[:]); err != nil {
		return "", err
	}
	return hex.EncodeToString(raw[:]), nil
}
