package rest

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/learningtapestry/ssdn-sub000/internal/federation/events"
	"github.com/learningtapestry/ssdn-sub000/internal/federation/exchange"
	"github.com/learningtapestry/ssdn-sub000/internal/federation/identity"
	"github.com/learningtapestry/ssdn-sub000/internal/federation/metadata"
	"github.com/learningtapestry/ssdn-sub000/internal/federation/signer"
	"github.com/learningtapestry/ssdn-sub000/internal/federation/storage"
	"github.com/learningtapestry/ssdn-sub000/internal/federation/stream"
	apperrors "github.com/learningtapestry/ssdn-sub000/internal/platform/errors"
)

type fakeRequests struct {
	outgoing  map[string]storage.ConnectionRequest
	incoming  map[string]storage.ConnectionRequest
	created   []storage.ConnectionRequest
	rejected  []string
	canceled  []string
	createErr error
}

func newFakeRequests() *fakeRequests {
	return &fakeRequests{
		outgoing: make(map[string]storage.ConnectionRequest),
		incoming: make(map[string]storage.ConnectionRequest),
	}
}

func (f *fakeRequests) Get(_ context.Context, id string) (storage.ConnectionRequest, error) {
	req, ok := f.outgoing[id]
	if !ok {
		return storage.ConnectionRequest{}, apperrors.New(apperrors.CodeRequestNotFound, "connection request not found")
	}
	return req, nil
}

func (f *fakeRequests) GetIncoming(_ context.Context, consumerEndpoint, id string) (storage.ConnectionRequest, error) {
	req, ok := f.incoming[consumerEndpoint+"|"+id]
	if !ok {
		return storage.ConnectionRequest{}, apperrors.New(apperrors.CodeRequestNotFound, "connection request not found")
	}
	return req, nil
}

func (f *fakeRequests) CreateIncoming(_ context.Context, req storage.ConnectionRequest) (storage.ConnectionRequest, error) {
	if f.createErr != nil {
		return storage.ConnectionRequest{}, f.createErr
	}
	req.Status = storage.RequestCreated
	f.created = append(f.created, req)
	return req, nil
}

func (f *fakeRequests) ReceiveProviderRejection(_ context.Context, req storage.ConnectionRequest) (storage.ConnectionRequest, error) {
	f.rejected = append(f.rejected, req.ID)
	req.Status = storage.RequestRejected
	return req, nil
}

func (f *fakeRequests) CancelIncoming(_ context.Context, consumerEndpoint, id string) error {
	f.canceled = append(f.canceled, id)
	return nil
}

type streamCall struct {
	endpoint      string
	update        stream.Update
	direction     stream.Direction
	locallyIssued bool
}

type fakeConns struct {
	conns       map[string]storage.Connection
	accepted    []exchange.ConnectionAck
	streamCalls []streamCall
}

func newFakeConns() *fakeConns {
	return &fakeConns{conns: make(map[string]storage.Connection)}
}

func (f *fakeConns) Get(_ context.Context, endpoint string) (storage.Connection, error) {
	conn, ok := f.conns[endpoint]
	if !ok {
		return storage.Connection{}, apperrors.New(apperrors.CodeConnectionNotFound, "connection not found")
	}
	return conn, nil
}

func (f *fakeConns) CreateForProviderAcceptance(_ context.Context, req storage.ConnectionRequest, ack exchange.ConnectionAck) (storage.Connection, error) {
	f.accepted = append(f.accepted, ack)
	return storage.Connection{
		Endpoint: req.ProviderEndpoint,
		LocalRole: storage.RoleDetails{
			ARN:        "arn:role:reciprocal",
			ExternalID: "reciprocal-ext",
		},
		ExternalRole: ack.ExternalRole,
	}, nil
}

func (f *fakeConns) UpdateStream(_ context.Context, conn storage.Connection, update stream.Update, direction stream.Direction, locallyIssued bool) (storage.Connection, error) {
	f.streamCalls = append(f.streamCalls, streamCall{
		endpoint:      conn.Endpoint,
		update:        update,
		direction:     direction,
		locallyIssued: locallyIssued,
	})
	return conn, nil
}

type fakeVerifier struct {
	err   error
	calls int
}

func (f *fakeVerifier) VerifyConnectionRequest(_ context.Context, req storage.ConnectionRequest) error {
	f.calls++
	return f.err
}

type fakeSessions struct {
	roleARN string
	secret  string
}

func (f *fakeSessions) Verify(_ context.Context, sessionToken, accessKeyID string) (string, string, error) {
	if sessionToken != "session-1" || accessKeyID != "AKID1" {
		return "", "", errors.New("unknown session")
	}
	return f.roleARN, f.secret, nil
}

type fixture struct {
	requests *fakeRequests
	conns    *fakeConns
	verifier *fakeVerifier
	log      *events.MemoryLog
	server   *httptest.Server
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	f := &fixture{
		requests: newFakeRequests(),
		conns:    newFakeConns(),
		verifier: &fakeVerifier{},
		log:      events.NewMemoryLog(),
	}
	meta := metadata.Static{
		InstanceEndpoint: "https://ssdn.acme.org",
		Metadata:         metadata.PublicMetadata{EventLogURL: "https://ssdn.acme.org/events"},
		Values:           map[string]string{metadata.KeyAccountID: "111111111111"},
	}
	sessions := &fakeSessions{roleARN: "arn:role:peer", secret: "signing-secret"}
	api := New(f.requests, f.conns, f.verifier, sessions, f.log, meta)
	mux := http.NewServeMux()
	api.Routes(mux)
	f.server = httptest.NewServer(mux)
	t.Cleanup(f.server.Close)
	return f
}

func (f *fixture) postJSON(t *testing.T, path, bearer string, payload any) *http.Response {
	t.Helper()

	body, err := json.Marshal(payload)
	if err != nil {
		t.Fatalf("marshal payload: %v", err)
	}
	req, err := http.NewRequest(http.MethodPost, f.server.URL+path, bytes.NewReader(body))
	if err != nil {
		t.Fatalf("build request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if bearer != "" {
		req.Header.Set("Authorization", "Bearer "+bearer)
	}
	resp, err := f.server.Client().Do(req)
	if err != nil {
		t.Fatalf("do request: %v", err)
	}
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func (f *fixture) postSigned(t *testing.T, path string, payload any) *http.Response {
	t.Helper()

	body, err := json.Marshal(payload)
	if err != nil {
		t.Fatalf("marshal payload: %v", err)
	}
	req, err := http.NewRequest(http.MethodPost, f.server.URL+path, bytes.NewReader(body))
	if err != nil {
		t.Fatalf("build request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	signer.Sign(req, identity.Credentials{
		AccessKeyID:     "AKID1",
		SecretAccessKey: "signing-secret",
		SessionToken:    "session-1",
	}, body, time.Now())
	resp, err := f.server.Client().Do(req)
	if err != nil {
		t.Fatalf("do request: %v", err)
	}
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func TestIncomingRequestStoredAfterVerification(t *testing.T) {
	f := newFixture(t)
	resp := f.postJSON(t, exchange.PathIncomingRequests, "", storage.ConnectionRequest{
		ID:               "req-1",
		ConsumerEndpoint: "https://consumer.example.org",
		AcceptanceToken:  "token-1",
	})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("status = %d, want 201", resp.StatusCode)
	}
	if f.verifier.calls != 1 {
		t.Errorf("verifier calls = %d, want 1", f.verifier.calls)
	}
	if len(f.requests.created) != 1 || f.requests.created[0].ID != "req-1" {
		t.Errorf("created = %+v", f.requests.created)
	}
}

func TestIncomingRequestRejectedWhenUnverified(t *testing.T) {
	f := newFixture(t)
	f.verifier.err = apperrors.New(apperrors.CodeVerificationFailed, "could not verify the connection request")
	resp := f.postJSON(t, exchange.PathIncomingRequests, "", storage.ConnectionRequest{ID: "req-1"})
	if resp.StatusCode != http.StatusBadGateway {
		t.Fatalf("status = %d, want 502", resp.StatusCode)
	}
	if len(f.requests.created) != 0 {
		t.Error("unverified request was stored")
	}
}

func TestIncomingRequestSelfReferenceIsBadRequest(t *testing.T) {
	f := newFixture(t)
	f.requests.createErr = apperrors.New(apperrors.CodeSelfReference, "cannot create a stream to itself")
	resp := f.postJSON(t, exchange.PathIncomingRequests, "", storage.ConnectionRequest{
		ID:               "req-1",
		ConsumerEndpoint: "https://ssdn.acme.org",
	})
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", resp.StatusCode)
	}
}

func TestAcceptReturnsReciprocalDetails(t *testing.T) {
	f := newFixture(t)
	f.requests.outgoing["req-1"] = storage.ConnectionRequest{
		ID:               "req-1",
		ProviderEndpoint: "https://provider.example.org",
		AcceptanceToken:  "token-1",
		Status:           storage.RequestPending,
	}
	resp := f.postJSON(t, "/connections/requests/req-1/accept", "token-1", exchange.AcceptancePayload{
		Accepted:     true,
		ExternalRole: storage.ExternalRoleDetails{ARN: "arn:provider:role", ExternalID: "prov-ext"},
		AccountID:    "333333333333",
	})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	var ack exchange.ConnectionAck
	if err := json.NewDecoder(resp.Body).Decode(&ack); err != nil {
		t.Fatalf("decode ack: %v", err)
	}
	if ack.ExternalRole.ARN != "arn:role:reciprocal" {
		t.Errorf("ack role = %+v", ack.ExternalRole)
	}
	if ack.AccountID != "111111111111" {
		t.Errorf("ack account = %q", ack.AccountID)
	}
	if len(f.conns.accepted) != 1 || f.conns.accepted[0].AccountID != "333333333333" {
		t.Errorf("accepted acks = %+v", f.conns.accepted)
	}
}

func TestAcceptRejectsBadBearer(t *testing.T) {
	f := newFixture(t)
	f.requests.outgoing["req-1"] = storage.ConnectionRequest{ID: "req-1", AcceptanceToken: "token-1"}
	resp := f.postJSON(t, "/connections/requests/req-1/accept", "wrong", exchange.AcceptancePayload{Accepted: true})
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", resp.StatusCode)
	}
}

func TestAcceptUnknownRequest(t *testing.T) {
	f := newFixture(t)
	resp := f.postJSON(t, "/connections/requests/missing/accept", "token-1", exchange.AcceptancePayload{Accepted: true})
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", resp.StatusCode)
	}
}

func TestAcceptWithRejectionPayload(t *testing.T) {
	f := newFixture(t)
	f.requests.outgoing["req-1"] = storage.ConnectionRequest{
		ID:              "req-1",
		AcceptanceToken: "token-1",
		Status:          storage.RequestPending,
	}
	resp := f.postJSON(t, "/connections/requests/req-1/accept", "token-1", exchange.AcceptancePayload{Accepted: false})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	if len(f.requests.rejected) != 1 || f.requests.rejected[0] != "req-1" {
		t.Errorf("rejected = %v", f.requests.rejected)
	}
}

func TestVerifyEndpoint(t *testing.T) {
	f := newFixture(t)
	f.requests.outgoing["req-1"] = storage.ConnectionRequest{ID: "req-1", AcceptanceToken: "token-1"}

	req, _ := http.NewRequest(http.MethodGet, f.server.URL+"/connections/requests/req-1/verify", nil)
	req.Header.Set("Authorization", "Bearer token-1")
	resp, err := f.server.Client().Do(req)
	if err != nil {
		t.Fatalf("do request: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}

	req.Header.Set("Authorization", "Bearer wrong")
	resp, err = f.server.Client().Do(req)
	if err != nil {
		t.Fatalf("do request: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", resp.StatusCode)
	}
}

func TestCancelIncoming(t *testing.T) {
	f := newFixture(t)
	f.requests.incoming["https://consumer.example.org|req-1"] = storage.ConnectionRequest{
		ID:               "req-1",
		ConsumerEndpoint: "https://consumer.example.org",
		AcceptanceToken:  "token-1",
		Status:           storage.RequestPending,
	}
	resp := f.postJSON(t, exchange.PathCancelIncoming, "token-1", exchange.CancelPayload{
		ConsumerEndpoint: "https://consumer.example.org",
		ID:               "req-1",
	})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	if len(f.requests.canceled) != 1 {
		t.Errorf("canceled = %v", f.requests.canceled)
	}

	resp = f.postJSON(t, exchange.PathCancelIncoming, "wrong", exchange.CancelPayload{
		ConsumerEndpoint: "https://consumer.example.org",
		ID:               "req-1",
	})
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("status with bad token = %d, want 401", resp.StatusCode)
	}
}

func TestStreamUpdateSignedFlow(t *testing.T) {
	f := newFixture(t)
	f.conns.conns["https://peer.example.org"] = storage.Connection{
		Endpoint:  "https://peer.example.org",
		LocalRole: storage.RoleDetails{ARN: "arn:role:peer"},
	}
	resp := f.postSigned(t, exchange.PathStreamUpdate, exchange.StreamUpdatePayload{
		Endpoint:  "https://peer.example.org",
		Direction: stream.DirectionOutput,
		Namespace: "acme.org",
		Format:    "xAPI",
		Status:    stream.StatusPaused,
	})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	if len(f.conns.streamCalls) != 1 {
		t.Fatalf("stream calls = %d, want 1", len(f.conns.streamCalls))
	}
	call := f.conns.streamCalls[0]
	if call.locallyIssued {
		t.Error("peer-delivered update marked as locally issued")
	}
	if call.direction != stream.DirectionOutput || call.update.Status != stream.StatusPaused {
		t.Errorf("call = %+v", call)
	}
}

func TestStreamUpdateRejectsForeignRole(t *testing.T) {
	f := newFixture(t)
	f.conns.conns["https://peer.example.org"] = storage.Connection{
		Endpoint:  "https://peer.example.org",
		LocalRole: storage.RoleDetails{ARN: "arn:role:someone-else"},
	}
	resp := f.postSigned(t, exchange.PathStreamUpdate, exchange.StreamUpdatePayload{
		Endpoint: "https://peer.example.org",
	})
	if resp.StatusCode != http.StatusForbidden {
		t.Fatalf("status = %d, want 403", resp.StatusCode)
	}
	if len(f.conns.streamCalls) != 0 {
		t.Error("unauthorized update reached the connection service")
	}
}

func TestStreamUpdateRejectsUnsigned(t *testing.T) {
	f := newFixture(t)
	resp := f.postJSON(t, exchange.PathStreamUpdate, "", exchange.StreamUpdatePayload{
		Endpoint: "https://peer.example.org",
	})
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", resp.StatusCode)
	}
}

func TestStreamUpdateRejectsTamperedBody(t *testing.T) {
	f := newFixture(t)
	body, _ := json.Marshal(exchange.StreamUpdatePayload{Endpoint: "https://peer.example.org"})
	req, _ := http.NewRequest(http.MethodPost, f.server.URL+exchange.PathStreamUpdate, bytes.NewReader(body))
	signer.Sign(req, identity.Credentials{
		AccessKeyID:     "AKID1",
		SecretAccessKey: "signing-secret",
		SessionToken:    "session-1",
	}, []byte("different body"), time.Now())
	resp, err := f.server.Client().Do(req)
	if err != nil {
		t.Fatalf("do request: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", resp.StatusCode)
	}
}

func TestEventsIntake(t *testing.T) {
	f := newFixture(t)
	f.conns.conns["https://peer.example.org"] = storage.Connection{
		Endpoint:  "https://peer.example.org",
		LocalRole: storage.RoleDetails{ARN: "arn:role:peer"},
	}
	batch := []events.Event{
		{ID: "1", Namespace: "acme.org", Format: "xAPI", Source: &events.Source{Endpoint: "https://peer.example.org"}},
		{ID: "2", Namespace: "acme.org", Format: "xAPI", Source: &events.Source{Endpoint: "https://peer.example.org"}},
	}
	resp := f.postSigned(t, exchange.PathEvents, batch)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	if got := len(f.log.Events()); got != 2 {
		t.Fatalf("stored events = %d, want 2", got)
	}
}

func TestEventsIntakeRejectsMixedOrigins(t *testing.T) {
	f := newFixture(t)
	f.conns.conns["https://peer.example.org"] = storage.Connection{
		Endpoint:  "https://peer.example.org",
		LocalRole: storage.RoleDetails{ARN: "arn:role:peer"},
	}
	cases := [][]events.Event{
		{
			{ID: "1", Source: &events.Source{Endpoint: "https://peer.example.org"}},
			{ID: "2", Source: &events.Source{Endpoint: "https://other.example.org"}},
		},
		{
			{ID: "1", Source: &events.Source{Endpoint: "https://peer.example.org"}},
			{ID: "2"},
		},
	}
	for _, batch := range cases {
		resp := f.postSigned(t, exchange.PathEvents, batch)
		if resp.StatusCode != http.StatusForbidden {
			t.Fatalf("status = %d, want 403", resp.StatusCode)
		}
	}
	if got := len(f.log.Events()); got != 0 {
		t.Fatalf("stored events = %d, want 0", got)
	}
}

func TestHealthz(t *testing.T) {
	f := newFixture(t)
	resp, err := f.server.Client().Get(f.server.URL + "/healthz")
	if err != nil {
		t.Fatalf("get healthz: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
}
