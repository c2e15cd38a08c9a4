// Package connection establishes and maintains peer connections: trust
// role provisioning on acceptance, stream bookkeeping, and relay of local
// stream changes to the peer.
package connection

import (
	"context"
	"fmt"
	"slices"

	"github.com/learningtapestry/ssdn-sub000/internal/federation/exchange"
	"github.com/learningtapestry/ssdn-sub000/internal/federation/metadata"
	"github.com/learningtapestry/ssdn-sub000/internal/federation/storage"
	"github.com/learningtapestry/ssdn-sub000/internal/federation/stream"
	"github.com/learningtapestry/ssdn-sub000/internal/federation/trust"
	apperrors "github.com/learningtapestry/ssdn-sub000/internal/platform/errors"
)

// RequestGuard asserts a connection request may still change status.
type RequestGuard interface {
	AssertUpdatable(req storage.ConnectionRequest, allowed ...storage.RequestStatus) error
}

// PeerClient is the subset of the exchange client the connection service
// calls.
type PeerClient interface {
	SendAcceptance(ctx context.Context, req storage.ConnectionRequest, payload exchange.AcceptancePayload) (exchange.ConnectionAck, error)
	SendRejection(ctx context.Context, req storage.ConnectionRequest) error
	SendStreamUpdate(ctx context.Context, conn storage.Connection, update stream.Update, direction stream.Direction) error
}

// TrustBroker provisions and configures per-peer trust roles.
type TrustBroker interface {
	FindOrCreateRole(ctx context.Context, peerEndpoint, peerAccountID string) (trust.Role, error)
	AttachPolicy(ctx context.Context, policyARN, roleName string) error
	SetInlinePolicy(ctx context.Context, doc trust.Document, roleName string) error
}

// Service manages peer connection records.
type Service struct {
	conns    storage.ConnectionRepository
	requests storage.ConnectionRequestRepository
	guard    RequestGuard
	peers    PeerClient
	broker   TrustBroker
	meta     metadata.Provider
}

// New creates a connection service.
func New(conns storage.ConnectionRepository, requests storage.ConnectionRequestRepository, guard RequestGuard, peers PeerClient, broker TrustBroker, meta metadata.Provider) *Service {
	return &Service{
		conns:    conns,
		requests: requests,
		guard:    guard,
		peers:    peers,
		broker:   broker,
		meta:     meta,
	}
}

// Get returns the connection for endpoint.
func (s *Service) Get(ctx context.Context, endpoint string) (storage.Connection, error) {
	return s.conns.Get(ctx, endpoint)
}

// FindAllWithOutputStreams returns every connection with at least one
// output stream.
func (s *Service) FindAllWithOutputStreams(ctx context.Context) ([]storage.Connection, error) {
	return s.conns.FindAllWithOutputStreams(ctx)
}

// CreateForConsumerRequest accepts an inbound request: provisions a trust
// role for the requesting peer, exchanges connection details with it, and
// records the requested channels as active output streams. The guard runs
// before any side effect, so a non-updatable request changes nothing.
func (s *Service) CreateForConsumerRequest(ctx context.Context, req storage.ConnectionRequest) (storage.Connection, error) {
	if err := s.guard.AssertUpdatable(req); err != nil {
		return storage.Connection{}, err
	}
	if err := s.requests.UpdateIncomingStatus(ctx, req.ConsumerEndpoint, req.ID, storage.RequestAcceptedPending); err != nil {
		return storage.Connection{}, err
	}

	conn, err := s.findOrInit(ctx, req.ConsumerEndpoint)
	if err != nil {
		return storage.Connection{}, err
	}
	if err := s.ensureLocalRole(ctx, &conn, req.AccountID); err != nil {
		return storage.Connection{}, err
	}

	ack, err := s.peers.SendAcceptance(ctx, req, exchange.AcceptancePayload{
		ExternalRole: storage.ExternalRoleDetails{
			ARN:        conn.LocalRole.ARN,
			ExternalID: conn.LocalRole.ExternalID,
		},
		Metadata:  s.meta.PublicMetadata(),
		AccountID: s.meta.Value(metadata.KeyAccountID),
	})
	if err != nil {
		return storage.Connection{}, err
	}

	conn.ExternalRole = ack.ExternalRole
	conn.PeerMetadata = storage.PeerMetadata{
		EventLogURL:       ack.Metadata.EventLogURL,
		ObjectStoreBucket: ack.Metadata.ObjectStoreBucket,
	}
	conn.IsConsumer = true

	if err := s.broker.AttachPolicy(ctx, s.meta.Value(metadata.KeyConsumerPolicyARN), conn.LocalRole.RoleName); err != nil {
		return storage.Connection{}, err
	}
	conn.OutputStreams = stream.Merge(conn.OutputStreams, requestedStreams(req))

	doc := trust.InlinePolicy(conn.IsConsumer, s.meta.PublicMetadata().ObjectStoreBucket, conn.Endpoint, conn.OutputStreams)
	if err := s.broker.SetInlinePolicy(ctx, doc, conn.LocalRole.RoleName); err != nil {
		return storage.Connection{}, err
	}

	stored, err := s.conns.Put(ctx, conn)
	if err != nil {
		return storage.Connection{}, err
	}
	if err := s.requests.UpdateIncomingStatus(ctx, req.ConsumerEndpoint, req.ID, storage.RequestAccepted); err != nil {
		return storage.Connection{}, err
	}
	return stored, nil
}

// CreateForProviderAcceptance records the provider's acceptance of an
// outgoing request: provisions the reciprocal trust role, stores the
// peer-supplied connection details, and records the requested channels as
// active input streams.
func (s *Service) CreateForProviderAcceptance(ctx context.Context, req storage.ConnectionRequest, ack exchange.ConnectionAck) (storage.Connection, error) {
	if err := s.guard.AssertUpdatable(req); err != nil {
		return storage.Connection{}, err
	}

	conn, err := s.findOrInit(ctx, req.ProviderEndpoint)
	if err != nil {
		return storage.Connection{}, err
	}
	if err := s.ensureLocalRole(ctx, &conn, ack.AccountID); err != nil {
		return storage.Connection{}, err
	}

	conn.ExternalRole = ack.ExternalRole
	conn.PeerMetadata = storage.PeerMetadata{
		EventLogURL:       ack.Metadata.EventLogURL,
		ObjectStoreBucket: ack.Metadata.ObjectStoreBucket,
	}
	conn.IsProvider = true

	if err := s.broker.AttachPolicy(ctx, s.meta.Value(metadata.KeyProviderPolicyARN), conn.LocalRole.RoleName); err != nil {
		return storage.Connection{}, err
	}
	conn.InputStreams = stream.Merge(conn.InputStreams, requestedStreams(req))

	doc := trust.InlinePolicy(conn.IsConsumer, s.meta.PublicMetadata().ObjectStoreBucket, conn.Endpoint, conn.OutputStreams)
	if err := s.broker.SetInlinePolicy(ctx, doc, conn.LocalRole.RoleName); err != nil {
		return storage.Connection{}, err
	}

	stored, err := s.conns.Put(ctx, conn)
	if err != nil {
		return storage.Connection{}, err
	}
	if err := s.requests.UpdateStatus(ctx, req.ID, storage.RequestAccepted); err != nil {
		return storage.Connection{}, err
	}
	return stored, nil
}

// RejectConsumerRequest declines an inbound request. The terminal write
// happens only after the peer acknowledged the rejection, so a partial
// failure leaves the request in rejected_pending where a retry can find
// it.
func (s *Service) RejectConsumerRequest(ctx context.Context, req storage.ConnectionRequest) error {
	if err := s.guard.AssertUpdatable(req); err != nil {
		return err
	}
	if err := s.requests.UpdateIncomingStatus(ctx, req.ConsumerEndpoint, req.ID, storage.RequestRejectedPending); err != nil {
		return err
	}
	if err := s.peers.SendRejection(ctx, req); err != nil {
		return err
	}
	return s.requests.UpdateIncomingStatus(ctx, req.ConsumerEndpoint, req.ID, storage.RequestRejected)
}

// UpdateStream applies a status change to one stream of the connection
// and persists it. Locally issued pauses are relayed to the peer with the
// direction inverted; externally received changes are never re-relayed.
func (s *Service) UpdateStream(ctx context.Context, conn storage.Connection, update stream.Update, direction stream.Direction, locallyIssued bool) (storage.Connection, error) {
	if !update.Status.Valid() {
		return storage.Connection{}, apperrors.WithMetadata(apperrors.CodeStreamInvalidStatus,
			"unknown stream status", map[string]string{"status": string(update.Status)})
	}
	if !direction.Valid() {
		return storage.Connection{}, apperrors.WithMetadata(apperrors.CodeStreamInvalidDirection,
			"unknown stream direction", map[string]string{"direction": string(direction)})
	}

	streams := slices.Clone(conn.Streams(direction))
	idx := slices.IndexFunc(streams, func(s stream.Stream) bool { return s.Key() == update.Key() })
	if idx < 0 {
		return storage.Connection{}, apperrors.WithMetadata(apperrors.CodeStreamNotFound,
			"A stream status update has been attempted for a stream which does not exist",
			map[string]string{"namespace": update.Namespace, "format": update.Format})
	}

	next, err := stream.Resolve(streams[idx].Status, update.Status, locallyIssued)
	if err != nil {
		return storage.Connection{}, err
	}
	streams[idx].Status = next
	conn.SetStreams(direction, streams)

	stored, err := s.conns.Put(ctx, conn)
	if err != nil {
		return storage.Connection{}, err
	}

	if locallyIssued && next == stream.StatusPaused {
		if err := s.peers.SendStreamUpdate(ctx, stored, update, direction.Invert()); err != nil {
			return storage.Connection{}, fmt.Errorf("relay stream update to %s: %w", stored.Endpoint, err)
		}
	}
	return stored, nil
}

// findOrInit loads the connection for endpoint, starting a fresh record
// when none exists yet.
func (s *Service) findOrInit(ctx context.Context, endpoint string) (storage.Connection, error) {
	conn, err := s.conns.Get(ctx, endpoint)
	switch {
	case err == nil:
		return conn, nil
	case apperrors.IsCode(err, apperrors.CodeConnectionNotFound):
		return storage.Connection{Endpoint: endpoint}, nil
	default:
		return storage.Connection{}, err
	}
}

// ensureLocalRole provisions the trust role for the peer unless the
// connection already carries one.
func (s *Service) ensureLocalRole(ctx context.Context, conn *storage.Connection, peerAccountID string) error {
	if conn.LocalRole.ARN != "" {
		return nil
	}
	role, err := s.broker.FindOrCreateRole(ctx, conn.Endpoint, peerAccountID)
	if err != nil {
		return err
	}
	conn.LocalRole = storage.RoleDetails{
		ARN:           role.ARN,
		ExternalID:    role.ExternalID,
		RoleName:      role.Name,
		PeerAccountID: peerAccountID,
	}
	return nil
}

// requestedStreams expands the request's formats into active streams.
func requestedStreams(req storage.ConnectionRequest) []stream.Stream {
	streams := make([]stream.Stream, 0, len(req.Formats))
	for _, format := range req.Formats {
		streams = append(streams, stream.Stream{
			Namespace: req.Namespace,
			Format:    format,
			Status:    stream.StatusActive,
		})
	}
	return streams
}
