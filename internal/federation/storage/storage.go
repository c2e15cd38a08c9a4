// Package storage defines persistence contracts for federation state.
package storage

import (
	"context"
	"net"
	"net/url"
	"strings"
	"time"

	"github.com/learningtapestry/ssdn-sub000/internal/federation/stream"
	apperrors "github.com/learningtapestry/ssdn-sub000/internal/platform/errors"
)

// RequestStatus is the lifecycle state of a connection request.
type RequestStatus string

const (
	RequestCreated  RequestStatus = "created"
	RequestPending  RequestStatus = "pending"
	RequestAccepted RequestStatus = "accepted"
	RequestRejected RequestStatus = "rejected"
	RequestCanceled RequestStatus = "canceled"

	// Incoming-only transient states bracketing the network call back to
	// the requesting peer.
	RequestAcceptedPending RequestStatus = "accepted_pending"
	RequestRejectedPending RequestStatus = "rejected_pending"
)

// Terminal reports whether the status permits no further transitions.
func (s RequestStatus) Terminal() bool {
	switch s {
	case RequestAccepted, RequestRejected, RequestCanceled:
		return true
	}
	return false
}

// ConnectionRequest is a proposal to link two instances.
type ConnectionRequest struct {
	ID               string        `json:"id"`
	ConsumerEndpoint string        `json:"consumerEndpoint"`
	ProviderEndpoint string        `json:"providerEndpoint"`
	Namespace        string        `json:"namespace"`
	Formats          []string      `json:"formats"`
	Organization     string        `json:"organization"`
	Contact          string        `json:"contact"`
	Email            string        `json:"email"`
	VerificationCode string        `json:"verificationCode"`
	AcceptanceToken  string        `json:"acceptanceToken"`
	Status           RequestStatus `json:"status"`
	AccountID        string        `json:"accountId"`
	InstanceID       string        `json:"instanceId"`
	CreatedAt        time.Time     `json:"creationDate"`
}

// RoleDetails describes the trust role this instance provisioned for the
// peer. The peer proves possession of the external id on every call back
// into this instance.
type RoleDetails struct {
	ARN           string `json:"arn"`
	ExternalID    string `json:"externalId"`
	RoleName      string `json:"roleName"`
	PeerAccountID string `json:"peerAccountId"`
}

// ExternalRoleDetails describes the role this instance assumes when it
// calls the peer.
type ExternalRoleDetails struct {
	ARN        string `json:"arn"`
	ExternalID string `json:"externalId"`
}

// PeerMetadata holds the peer's public service locators.
type PeerMetadata struct {
	EventLogURL       string `json:"eventLogUrl"`
	ObjectStoreBucket string `json:"objectStoreBucket"`
}

// Connection is the durable record one instance keeps about one peer
// endpoint. It always describes the other side from the holder's point of
// view.
type Connection struct {
	Endpoint      string              `json:"endpoint"`
	LocalRole     RoleDetails         `json:"connection"`
	ExternalRole  ExternalRoleDetails `json:"externalConnection"`
	IsConsumer    bool                `json:"isConsumer"`
	IsProvider    bool                `json:"isProvider"`
	InputStreams  []stream.Stream     `json:"inputStreams"`
	OutputStreams []stream.Stream     `json:"outputStreams"`
	PeerMetadata  PeerMetadata        `json:"metadata"`
	CreatedAt     time.Time           `json:"creationDate"`
	UpdatedAt     time.Time           `json:"updateDate"`
}

// Streams returns the stream list for the given direction.
func (c *Connection) Streams(d stream.Direction) []stream.Stream {
	if d == stream.DirectionInput {
		return c.InputStreams
	}
	return c.OutputStreams
}

// SetStreams replaces the stream list for the given direction.
func (c *Connection) SetStreams(d stream.Direction, streams []stream.Stream) {
	if d == stream.DirectionInput {
		c.InputStreams = streams
		return
	}
	c.OutputStreams = streams
}

// ConnectionRepository persists peer connection records keyed by endpoint.
type ConnectionRepository interface {
	// Get returns the connection for endpoint, or a typed not-found error.
	Get(ctx context.Context, endpoint string) (Connection, error)

	// Put upserts conn. The first write fixes CreatedAt; every write
	// refreshes UpdatedAt. The stored record is returned.
	Put(ctx context.Context, conn Connection) (Connection, error)

	// FindAllWithOutputStreams returns every connection carrying at least
	// one output stream.
	FindAllWithOutputStreams(ctx context.Context) ([]Connection, error)
}

// ConnectionRequestRepository persists outgoing requests keyed by id and
// incoming mirrors keyed by (consumerEndpoint, id).
type ConnectionRequestRepository interface {
	Get(ctx context.Context, id string) (ConnectionRequest, error)
	GetIncoming(ctx context.Context, consumerEndpoint, id string) (ConnectionRequest, error)
	Put(ctx context.Context, req ConnectionRequest) (ConnectionRequest, error)
	PutIncoming(ctx context.Context, req ConnectionRequest) (ConnectionRequest, error)
	UpdateStatus(ctx context.Context, id string, status RequestStatus) error
	UpdateIncomingStatus(ctx context.Context, consumerEndpoint, id string, status RequestStatus) error
}

// NormalizeEndpoint validates raw as a peer endpoint and returns its
// canonical form (scheme://host[:port], lowercased, no trailing slash).
// Endpoints must be absolute http(s) URLs with a dotted, non-local host.
func NormalizeEndpoint(raw string) (string, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return "", apperrors.New(apperrors.CodeEndpointInvalid, "endpoint is required")
	}
	parsed, err := url.Parse(trimmed)
	if err != nil {
		return "", apperrors.WithMetadata(apperrors.CodeEndpointInvalid,
			"endpoint is not a valid URL", map[string]string{"endpoint": trimmed})
	}
	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return "", apperrors.WithMetadata(apperrors.CodeEndpointInvalid,
			"endpoint scheme must be http or https", map[string]string{"endpoint": trimmed})
	}
	host := strings.ToLower(parsed.Hostname())
	if host == "" || !strings.Contains(host, ".") {
		return "", apperrors.WithMetadata(apperrors.CodeEndpointInvalid,
			"endpoint host must be a fully qualified domain", map[string]string{"endpoint": trimmed})
	}
	if host == "localhost" || strings.HasSuffix(host, ".localhost") || strings.HasSuffix(host, ".local") {
		return "", apperrors.WithMetadata(apperrors.CodeEndpointInvalid,
			"endpoint host must not be local", map[string]string{"endpoint": trimmed})
	}
	if ip := net.ParseIP(host); ip != nil && (ip.IsLoopback() || ip.IsLinkLocalUnicast() || ip.IsUnspecified()) {
		return "", apperrors.WithMetadata(apperrors.CodeEndpointInvalid,
			"endpoint host must not be local", map[string]string{"endpoint": trimmed})
	}
	normalized := parsed.Scheme + "://" + strings.ToLower(parsed.Host)
	return strings.TrimSuffix(normalized, "/"), nil
}

// SameEndpoint reports whether two endpoints normalize to the same value.
// Malformed endpoints never match.
func SameEndpoint(a, b string) bool {
	na, err := NormalizeEndpoint(a)
	if err != nil {
		return false
	}
	nb, err := NormalizeEndpoint(b)
	if err != nil {
		return false
	}
	return na == nb
}
