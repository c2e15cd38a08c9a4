// Package exchange implements the authenticated wire protocol between two
// instances' public APIs: bearer-authenticated acceptance calls and
// signed stream-update and event-relay calls.
package exchange

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/learningtapestry/ssdn-sub000/internal/federation/events"
	"github.com/learningtapestry/ssdn-sub000/internal/federation/identity"
	"github.com/learningtapestry/ssdn-sub000/internal/federation/metadata"
	"github.com/learningtapestry/ssdn-sub000/internal/federation/signer"
	"github.com/learningtapestry/ssdn-sub000/internal/federation/storage"
	"github.com/learningtapestry/ssdn-sub000/internal/federation/stream"
	"github.com/learningtapestry/ssdn-sub000/internal/platform/cache"
	apperrors "github.com/learningtapestry/ssdn-sub000/internal/platform/errors"
	"github.com/learningtapestry/ssdn-sub000/internal/platform/timeouts"
)

// Wire paths served by every instance.
const (
	PathIncomingRequests = "/connections/incoming-requests"
	PathCancelIncoming   = "/connections/incoming-requests/cancel"
	PathStreamUpdate     = "/connections/streams/update"
	PathEvents           = "/events"
)

// credentialExpiryMargin keeps cached credentials from being used right at
// their expiry boundary.
const credentialExpiryMargin = time.Minute

// AcceptancePayload is the body of the accept call a provider sends to
// the consumer's accept endpoint.
type AcceptancePayload struct {
	Accepted     bool                        `json:"accepted"`
	ExternalRole storage.ExternalRoleDetails `json:"externalConnection,omitzero"`
	Metadata     metadata.PublicMetadata     `json:"metadata,omitzero"`
	AccountID    string                      `json:"accountId,omitempty"`
}

// ConnectionAck is the reciprocal connection details an accept call
// returns: the role the consumer provisioned for the provider plus the
// consumer's public metadata.
type ConnectionAck struct {
	ExternalRole storage.ExternalRoleDetails `json:"externalConnection"`
	Metadata     metadata.PublicMetadata     `json:"metadata"`
	AccountID    string                      `json:"accountId"`
}

// StreamUpdatePayload is the body of a signed stream update. Direction is
// expressed from the receiver's perspective; the sender inverts it before
// the call.
type StreamUpdatePayload struct {
	Endpoint  string           `json:"endpoint"`
	Direction stream.Direction `json:"direction"`
	Namespace string           `json:"namespace"`
	Format    string           `json:"format"`
	Status    stream.Status    `json:"status"`
}

// CancelPayload identifies the incoming request mirror to cancel.
type CancelPayload struct {
	ConsumerEndpoint string `json:"consumerEndpoint"`
	ID               string `json:"id"`
}

type credentialKey struct {
	roleARN    string
	externalID string
}

// Service is the wire client used against peer instances.
type Service struct {
	meta       metadata.Provider
	issuer     identity.CredentialIssuer
	logFactory events.LogClientFactory
	client     *http.Client
	creds      *cache.TTL[credentialKey, identity.Credentials]
	tracer     trace.Tracer
	clock      func() time.Time
}

// New creates an exchange service. A nil http.Client uses a default with
// the shared peer-request timeout.
func New(meta metadata.Provider, issuer identity.CredentialIssuer, logFactory events.LogClientFactory, client *http.Client) *Service {
	if client == nil {
		client = &http.Client{Timeout: timeouts.PeerRequest}
	}
	return &Service{
		meta:       meta,
		issuer:     issuer,
		logFactory: logFactory,
		client:     client,
		creds:      cache.NewTTL[credentialKey, identity.Credentials](time.Hour),
		tracer:     otel.Tracer("ssdn/federation/exchange"),
		clock:      time.Now,
	}
}

// SetClock overrides the time source. Intended for tests.
func (s *Service) SetClock(clock func() time.Time) {
	s.clock = clock
}

// SendConnectionRequest posts the request body to the provider's
// incoming-requests endpoint. The call is unauthenticated; the provider
// verifies the contents through the verify callback before acting.
func (s *Service) SendConnectionRequest(ctx context.Context, req storage.ConnectionRequest) error {
	_, err := s.postJSON(ctx, req.ProviderEndpoint+PathIncomingRequests, "", req, nil)
	return err
}

// SendAcceptance posts the acceptance payload to the consumer's accept
// endpoint, bearer-authenticated with the request's acceptance token, and
// returns the peer's reciprocal connection details.
func (s *Service) SendAcceptance(ctx context.Context, req storage.ConnectionRequest, payload AcceptancePayload) (ConnectionAck, error) {
	payload.Accepted = true
	var ack ConnectionAck
	_, err := s.postJSON(ctx, acceptURL(req), req.AcceptanceToken, payload, &ack)
	if err != nil {
		return ConnectionAck{}, err
	}
	return ack, nil
}

// SendRejection posts {accepted:false} to the consumer's accept endpoint.
func (s *Service) SendRejection(ctx context.Context, req storage.ConnectionRequest) error {
	_, err := s.postJSON(ctx, acceptURL(req), req.AcceptanceToken, AcceptancePayload{Accepted: false}, nil)
	return err
}

// CancelConnectionRequest withdraws an outgoing request at the provider.
func (s *Service) CancelConnectionRequest(ctx context.Context, req storage.ConnectionRequest) error {
	payload := CancelPayload{ConsumerEndpoint: req.ConsumerEndpoint, ID: req.ID}
	_, err := s.postJSON(ctx, req.ProviderEndpoint+PathCancelIncoming, req.AcceptanceToken, payload, nil)
	return err
}

// VerifyConnectionRequest confirms the acceptance token is still valid at
// the requesting instance. Every failure, network or non-2xx, collapses
// to one opaque verification error so transport details never reach the
// caller.
func (s *Service) VerifyConnectionRequest(ctx context.Context, req storage.ConnectionRequest) error {
	url := fmt.Sprintf("%s/connections/requests/%s/verify", req.ConsumerEndpoint, req.ID)
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return apperrors.New(apperrors.CodeVerificationFailed, "could not verify the connection request")
	}
	httpReq.Header.Set("Authorization", "Bearer "+req.AcceptanceToken)

	resp, err := s.client.Do(httpReq)
	if err != nil {
		log.Printf("verify connection request %s at %s: %v", req.ID, req.ConsumerEndpoint, err)
		return apperrors.New(apperrors.CodeVerificationFailed, "could not verify the connection request")
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		log.Printf("verify connection request %s at %s: status %d", req.ID, req.ConsumerEndpoint, resp.StatusCode)
		return apperrors.New(apperrors.CodeVerificationFailed, "could not verify the connection request")
	}
	return nil
}

// SendStreamUpdate relays a stream status change to the peer over a
// signed request. Direction must already be inverted to the receiver's
// perspective.
func (s *Service) SendStreamUpdate(ctx context.Context, conn storage.Connection, update stream.Update, direction stream.Direction) error {
	ctx, span := s.tracer.Start(ctx, "exchange.SendStreamUpdate",
		trace.WithAttributes(attribute.String("peer.endpoint", conn.Endpoint)))
	defer span.End()

	payload := StreamUpdatePayload{
		Endpoint:  s.meta.Endpoint(),
		Direction: direction,
		Namespace: update.Namespace,
		Format:    update.Format,
		Status:    update.Status,
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encode stream update: %w", err)
	}

	creds, err := s.assume(ctx, conn.ExternalRole)
	if err != nil {
		return err
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, conn.Endpoint+PathStreamUpdate, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build stream update request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	signer.Sign(httpReq, creds, body, s.clock())

	resp, err := s.client.Do(httpReq)
	if err != nil {
		return apperrors.Wrap(apperrors.CodePeerUnreachable, "could not send stream update", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return apperrors.WithMetadata(apperrors.CodePeerUnreachable,
			"peer rejected the stream update",
			map[string]string{"endpoint": conn.Endpoint, "status": fmt.Sprintf("%d", resp.StatusCode)})
	}
	return nil
}

// SendEvents relays a batch of events into the peer's event log using
// role-scoped credentials. Every outgoing event is stamped with this
// instance as its source so the peer's router will not re-propagate it.
func (s *Service) SendEvents(ctx context.Context, conn storage.Connection, batch []events.Event) error {
	if len(batch) == 0 {
		return nil
	}
	ctx, span := s.tracer.Start(ctx, "exchange.SendEvents",
		trace.WithAttributes(
			attribute.String("peer.endpoint", conn.Endpoint),
			attribute.Int("batch.size", len(batch)),
		))
	defer span.End()

	creds, err := s.assume(ctx, conn.ExternalRole)
	if err != nil {
		return err
	}
	client, err := s.logFactory(creds, conn.PeerMetadata.EventLogURL)
	if err != nil {
		return fmt.Errorf("open event log for %s: %w", conn.Endpoint, err)
	}

	source := &events.Source{Endpoint: s.meta.Endpoint()}
	stamped := make([]events.Event, len(batch))
	for i, evt := range batch {
		evt.Source = source
		stamped[i] = evt
	}
	return client.StoreBatch(ctx, stamped)
}

// assume returns cached credentials for the connection's external role,
// assuming the role again only after the cached set nears expiry.
func (s *Service) assume(ctx context.Context, role storage.ExternalRoleDetails) (identity.Credentials, error) {
	key := credentialKey{roleARN: role.ARN, externalID: role.ExternalID}
	if creds, ok := s.creds.Get(key); ok {
		return creds, nil
	}
	creds, err := s.issuer.Assume(ctx, role.ARN, role.ExternalID)
	if err != nil {
		return identity.Credentials{}, err
	}
	ttl := time.Until(creds.Expiry) - credentialExpiryMargin
	if ttl > 0 {
		s.creds.Set(key, creds, ttl)
	}
	return creds, nil
}

func acceptURL(req storage.ConnectionRequest) string {
	return fmt.Sprintf("%s/connections/requests/%s/accept", req.ConsumerEndpoint, req.ID)
}

// postJSON posts payload to url, optionally bearer-authenticated, and
// decodes a JSON response into out when non-nil.
func (s *Service) postJSON(ctx context.Context, url, bearer string, payload any, out any) (int, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return 0, fmt.Errorf("encode request body: %w", err)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return 0, fmt.Errorf("build request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if bearer != "" {
		httpReq.Header.Set("Authorization", "Bearer "+bearer)
	}

	resp, err := s.client.Do(httpReq)
	if err != nil {
		return 0, apperrors.Wrap(apperrors.CodePeerUnreachable, "could not reach peer", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		_, _ = io.Copy(io.Discard, resp.Body)
		return resp.StatusCode, apperrors.WithMetadata(apperrors.CodePeerUnreachable,
			"peer returned an error response",
			map[string]string{"url": url, "status": fmt.Sprintf("%d", resp.StatusCode)})
	}
	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return resp.StatusCode, apperrors.Wrap(apperrors.CodePeerUnreachable, "could not decode peer response", err)
		}
	} else {
		_, _ = io.Copy(io.Discard, resp.Body)
	}
	return resp.StatusCode, nil
}
