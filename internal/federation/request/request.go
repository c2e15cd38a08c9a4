// Package request implements the connection-request lifecycle: outgoing
// requests this instance initiates and incoming mirrors stored on behalf
// of requesting peers.
package request

import (
	"context"
	"crypto/rand"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"log"
	"time"

	"github.com/learningtapestry/ssdn-sub000/internal/federation/metadata"
	"github.com/learningtapestry/ssdn-sub000/internal/federation/storage"
	"github.com/learningtapestry/ssdn-sub000/internal/federation/tasks"
	apperrors "github.com/learningtapestry/ssdn-sub000/internal/platform/errors"
	"github.com/learningtapestry/ssdn-sub000/internal/platform/id"
)

// Sender is the subset of the exchange client the lifecycle needs.
type Sender interface {
	SendConnectionRequest(ctx context.Context, req storage.ConnectionRequest) error
	CancelConnectionRequest(ctx context.Context, req storage.ConnectionRequest) error
}

// Service manages connection-request records and their status machine.
type Service struct {
	repo       storage.ConnectionRequestRepository
	sender     Sender
	meta       metadata.Provider
	dispatcher tasks.Dispatcher

	clock    func() time.Time
	newID    func() string
	newToken func() string
	newCode  func() string
}

// New creates a request service.
func New(repo storage.ConnectionRequestRepository, sender Sender, meta metadata.Provider, dispatcher tasks.Dispatcher) *Service {
	return &Service{
		repo:       repo,
		sender:     sender,
		meta:       meta,
		dispatcher: dispatcher,
		clock:      time.Now,
		newID:      newRequestID,
		newToken:   newToken,
		newCode:    newVerificationCode,
	}
}

// SetClock overrides the time source. Intended for tests.
func (s *Service) SetClock(clock func() time.Time) {
	s.clock = clock
}

// SetGenerators overrides id, token and verification-code generation.
// Intended for tests; nil arguments keep the current generator.
func (s *Service) SetGenerators(newID, newToken, newCode func() string) {
	if newID != nil {
		s.newID = newID
	}
	if newToken != nil {
		s.newToken = newToken
	}
	if newCode != nil {
		s.newCode = newCode
	}
}

// Create registers an outgoing connection request and attempts the first
// dispatch to the provider. A failed dispatch never fails the create:
// exactly one retry is scheduled through the task dispatcher instead.
func (s *Service) Create(ctx context.Context, req storage.ConnectionRequest) (storage.ConnectionRequest, error) {
	providerEndpoint, err := storage.NormalizeEndpoint(req.ProviderEndpoint)
	if err != nil {
		return storage.ConnectionRequest{}, err
	}
	if storage.SameEndpoint(providerEndpoint, s.meta.Endpoint()) {
		return storage.ConnectionRequest{}, apperrors.New(apperrors.CodeSelfReference, "cannot create a stream to itself")
	}

	req.ID = s.newID()
	req.ConsumerEndpoint = s.meta.Endpoint()
	req.ProviderEndpoint = providerEndpoint
	req.AcceptanceToken = s.newToken()
	req.VerificationCode = s.newCode()
	req.AccountID = s.meta.Value(metadata.KeyAccountID)
	req.InstanceID = s.meta.Value(metadata.KeyInstanceID)
	req.Status = storage.RequestCreated
	req.CreatedAt = s.clock()

	stored, err := s.repo.Put(ctx, req)
	if err != nil {
		return storage.ConnectionRequest{}, err
	}

	sent, err := s.SendConnectionRequest(ctx, stored)
	if err == nil {
		return sent, nil
	}
	log.Printf("send connection request %s to %s: %v", stored.ID, stored.ProviderEndpoint, err)
	s.dispatcher.Dispatch("connection-request-send", func(ctx context.Context) {
		if _, err := s.SendConnectionRequest(ctx, stored); err != nil {
			log.Printf("retry connection request %s to %s: %v", stored.ID, stored.ProviderEndpoint, err)
		}
	})
	return stored, nil
}

// CreateIncoming stores the mirror of a request initiated by a peer.
func (s *Service) CreateIncoming(ctx context.Context, req storage.ConnectionRequest) (storage.ConnectionRequest, error) {
	consumerEndpoint, err := storage.NormalizeEndpoint(req.ConsumerEndpoint)
	if err != nil {
		return storage.ConnectionRequest{}, err
	}
	if storage.SameEndpoint(consumerEndpoint, s.meta.Endpoint()) {
		return storage.ConnectionRequest{}, apperrors.New(apperrors.CodeSelfReference, "cannot create a stream to itself")
	}

	_, err = s.repo.GetIncoming(ctx, consumerEndpoint, req.ID)
	switch {
	case err == nil:
		return storage.ConnectionRequest{}, apperrors.WithMetadata(apperrors.CodeRequestDuplicate,
			"the connection request already exists",
			map[string]string{"id": req.ID, "consumerEndpoint": consumerEndpoint})
	case !apperrors.IsCode(err, apperrors.CodeRequestNotFound):
		return storage.ConnectionRequest{}, err
	}

	req.ConsumerEndpoint = consumerEndpoint
	req.Status = storage.RequestCreated
	if req.CreatedAt.IsZero() {
		req.CreatedAt = s.clock()
	}
	return s.repo.PutIncoming(ctx, req)
}

// SendConnectionRequest dispatches a created request to its provider and
// advances it to pending.
func (s *Service) SendConnectionRequest(ctx context.Context, req storage.ConnectionRequest) (storage.ConnectionRequest, error) {
	if err := s.AssertUpdatable(req, storage.RequestCreated); err != nil {
		return storage.ConnectionRequest{}, err
	}
	if err := s.sender.SendConnectionRequest(ctx, req); err != nil {
		return storage.ConnectionRequest{}, err
	}
	if err := s.repo.UpdateStatus(ctx, req.ID, storage.RequestPending); err != nil {
		return storage.ConnectionRequest{}, err
	}
	req.Status = storage.RequestPending
	return req, nil
}

// ReceiveProviderRejection records the provider's rejection of an
// outgoing request.
func (s *Service) ReceiveProviderRejection(ctx context.Context, req storage.ConnectionRequest) (storage.ConnectionRequest, error) {
	if err := s.AssertUpdatable(req, storage.RequestPending); err != nil {
		return storage.ConnectionRequest{}, err
	}
	if err := s.repo.UpdateStatus(ctx, req.ID, storage.RequestRejected); err != nil {
		return storage.ConnectionRequest{}, err
	}
	req.Status = storage.RequestRejected
	return req, nil
}

// Cancel withdraws an outgoing request before the provider answers it.
// The provider is told first; the local record is only marked canceled
// once the peer acknowledged the withdrawal.
func (s *Service) Cancel(ctx context.Context, requestID string) error {
	req, err := s.repo.Get(ctx, requestID)
	if err != nil {
		return err
	}
	if err := s.AssertUpdatable(req, storage.RequestCreated, storage.RequestPending); err != nil {
		return err
	}
	if err := s.sender.CancelConnectionRequest(ctx, req); err != nil {
		return err
	}
	return s.repo.UpdateStatus(ctx, requestID, storage.RequestCanceled)
}

// CancelIncoming withdraws an incoming request on behalf of the peer that
// created it. Only non-terminal, not-yet-answered mirrors can be
// canceled.
func (s *Service) CancelIncoming(ctx context.Context, consumerEndpoint, requestID string) error {
	req, err := s.repo.GetIncoming(ctx, consumerEndpoint, requestID)
	if err != nil {
		return err
	}
	if err := s.AssertUpdatable(req, storage.RequestCreated, storage.RequestPending); err != nil {
		return err
	}
	return s.repo.UpdateIncomingStatus(ctx, consumerEndpoint, requestID, storage.RequestCanceled)
}

// Get returns the outgoing request with the given id.
func (s *Service) Get(ctx context.Context, requestID string) (storage.ConnectionRequest, error) {
	return s.repo.Get(ctx, requestID)
}

// GetIncoming returns the incoming mirror keyed by consumer endpoint and
// request id.
func (s *Service) GetIncoming(ctx context.Context, consumerEndpoint, requestID string) (storage.ConnectionRequest, error) {
	return s.repo.GetIncoming(ctx, consumerEndpoint, requestID)
}

// AssertUpdatable fails unless the request status is in the allowed set.
// With no explicit set, every non-terminal status is allowed.
func (s *Service) AssertUpdatable(req storage.ConnectionRequest, allowed ...storage.RequestStatus) error {
	if len(allowed) == 0 {
		allowed = []storage.RequestStatus{
			storage.RequestCreated,
			storage.RequestPending,
			storage.RequestAcceptedPending,
			storage.RequestRejectedPending,
		}
	}
	for _, status := range allowed {
		if req.Status == status {
			return nil
		}
	}
	return apperrors.WithMetadata(apperrors.CodeRequestNotUpdatable,
		"The connection request cannot be updated",
		map[string]string{"id": req.ID, "status": string(req.Status)})
}

// newToken returns an opaque bearer secret for accept/reject/verify
// calls.
// newRequestID returns a fresh URL-safe request id.
func newRequestID() string {
	requestID, err := id.NewID()
	if err != nil {
		panic(fmt.Sprintf("generate request id: %v", err))
	}
	return requestID
}

func newToken() string {
	raw := make([]byte, 32)
	if _, err := rand.Read(raw); err != nil {
		panic(fmt.Sprintf("read random bytes: %v", err))
	}
	return hex.EncodeToString(raw)
}

// newVerificationCode returns a zero-padded 6-digit code shared
// out-of-band to prove request authorship.
func newVerificationCode() string {
	raw := make([]byte, 4)
	if _, err := rand.Read(raw); err != nil {
		panic(fmt.Sprintf("read random bytes: %v", err))
	}
	return fmt.Sprintf("%06d", binary.BigEndian.Uint32(raw)%1_000_000)
}
