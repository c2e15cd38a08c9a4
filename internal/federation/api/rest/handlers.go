package rest

import (
	"bytes"
	"crypto/subtle"
	"encoding/json"
	"io"
	"log"
	"net/http"
	"strings"
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

type handlers struct {
	requests RequestService
	conns    ConnectionService
	verifier RequestVerifier
	sessions identity.Verifier
	eventLog events.LogClient
	meta     metadata.Provider
	clock    func() time.Time
}

func newHandlers(requests RequestService, conns ConnectionService, verifier RequestVerifier, sessions identity.Verifier, eventLog events.LogClient, meta metadata.Provider) handlers {
	return handlers{
		requests: requests,
		conns:    conns,
		verifier: verifier,
		sessions: sessions,
		eventLog: eventLog,
		meta:     meta,
		clock:    time.Now,
	}
}

// handleIncomingRequest stores the mirror of a request a peer initiated.
// The body is untrusted until the instance named as consumer confirms the
// acceptance token through its verify endpoint.
func (h handlers) handleIncomingRequest(w http.ResponseWriter, r *http.Request) {
	var req storage.ConnectionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeJSONError(w, apperrors.New(apperrors.CodeInvalidPayload, "invalid json body"))
		return
	}
	if err := h.verifier.VerifyConnectionRequest(r.Context(), req); err != nil {
		h.writeJSONError(w, err)
		return
	}
	stored, err := h.requests.CreateIncoming(r.Context(), req)
	if err != nil {
		h.writeJSONError(w, err)
		return
	}
	h.writeJSON(w, http.StatusCreated, stored)
}

// handleAccept records the provider's answer to an outgoing request. An
// acceptance returns the reciprocal connection details so both sides end
// up holding a role for each other.
func (h handlers) handleAccept(w http.ResponseWriter, r *http.Request) {
	req, ok := h.bearerRequest(w, r)
	if !ok {
		return
	}
	var payload exchange.AcceptancePayload
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		h.writeJSONError(w, apperrors.New(apperrors.CodeInvalidPayload, "invalid json body"))
		return
	}

	if !payload.Accepted {
		if _, err := h.requests.ReceiveProviderRejection(r.Context(), req); err != nil {
			h.writeJSONError(w, err)
			return
		}
		h.writeJSON(w, http.StatusOK, map[string]any{"status": string(storage.RequestRejected)})
		return
	}

	conn, err := h.conns.CreateForProviderAcceptance(r.Context(), req, exchange.ConnectionAck{
		ExternalRole: payload.ExternalRole,
		Metadata:     payload.Metadata,
		AccountID:    payload.AccountID,
	})
	if err != nil {
		h.writeJSONError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, exchange.ConnectionAck{
		ExternalRole: storage.ExternalRoleDetails{
			ARN:        conn.LocalRole.ARN,
			ExternalID: conn.LocalRole.ExternalID,
		},
		Metadata:  h.meta.PublicMetadata(),
		AccountID: h.meta.Value(metadata.KeyAccountID),
	})
}

// handleVerify confirms the acceptance token still authorizes the named
// request. Providers call it before acting on an unauthenticated intake.
func (h handlers) handleVerify(w http.ResponseWriter, r *http.Request) {
	if _, ok := h.bearerRequest(w, r); !ok {
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]any{"status": "ok"})
}

// handleCancelIncoming withdraws a not-yet-answered incoming request on
// behalf of the peer that created it.
func (h handlers) handleCancelIncoming(w http.ResponseWriter, r *http.Request) {
	var payload exchange.CancelPayload
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		h.writeJSONError(w, apperrors.New(apperrors.CodeInvalidPayload, "invalid json body"))
		return
	}
	mirror, err := h.requests.GetIncoming(r.Context(), payload.ConsumerEndpoint, payload.ID)
	if err != nil {
		h.writeJSONError(w, err)
		return
	}
	if !tokenMatches(r, mirror.AcceptanceToken) {
		h.writeJSONError(w, apperrors.New(apperrors.CodeUnauthorized, "invalid acceptance token"))
		return
	}
	if err := h.requests.CancelIncoming(r.Context(), payload.ConsumerEndpoint, payload.ID); err != nil {
		h.writeJSONError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]any{"status": string(storage.RequestCanceled)})
}

// handleStreamUpdate applies a signed stream change from a peer. The
// proven role ARN must be the one this instance provisioned for the
// connection; a matching ARN string presented by anyone else fails the
// signature check since the secret is derived per access key.
func (h handlers) handleStreamUpdate(w http.ResponseWriter, r *http.Request) {
	body, roleARN, ok := h.signedRequest(w, r)
	if !ok {
		return
	}
	var payload exchange.StreamUpdatePayload
	if err := json.Unmarshal(body, &payload); err != nil {
		h.writeJSONError(w, apperrors.New(apperrors.CodeInvalidPayload, "invalid json body"))
		return
	}
	conn, ok := h.authorizedConnection(w, r, payload.Endpoint, roleARN)
	if !ok {
		return
	}
	update := stream.Update{Namespace: payload.Namespace, Format: payload.Format, Status: payload.Status}
	updated, err := h.conns.UpdateStream(r.Context(), conn, update, payload.Direction, false)
	if err != nil {
		h.writeJSONError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, updated)
}

// handleEvents ingests a signed batch relayed by a peer into the local
// event log. The batch arrives source-stamped, which keeps the router
// from forwarding it again.
func (h handlers) handleEvents(w http.ResponseWriter, r *http.Request) {
	body, roleARN, ok := h.signedRequest(w, r)
	if !ok {
		return
	}
	var batch []events.Event
	if err := json.Unmarshal(body, &batch); err != nil {
		h.writeJSONError(w, apperrors.New(apperrors.CodeInvalidPayload, "invalid json body"))
		return
	}
	if len(batch) == 0 {
		h.writeJSON(w, http.StatusOK, map[string]any{"stored": 0})
		return
	}
	origin := ""
	if batch[0].Source != nil {
		origin = batch[0].Source.Endpoint
	}
	if _, ok := h.authorizedConnection(w, r, origin, roleARN); !ok {
		return
	}
	// Every event must name the authenticated origin; an unsourced event
	// would later be treated as locally produced and forwarded to peers.
	for _, event := range batch {
		if event.Source == nil || event.Source.Endpoint != origin {
			h.writeJSONError(w, apperrors.New(apperrors.CodeForbidden, "event batch mixes origins"))
			return
		}
	}
	if err := h.eventLog.StoreBatch(r.Context(), batch); err != nil {
		h.writeJSONError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]any{"stored": len(batch)})
}

func (h handlers) handleHealthz(w http.ResponseWriter, r *http.Request) {
	h.writeJSON(w, http.StatusOK, map[string]any{"status": "ok"})
}

// bearerRequest loads the outgoing request named in the path and checks
// the bearer token against its acceptance token.
func (h handlers) bearerRequest(w http.ResponseWriter, r *http.Request) (storage.ConnectionRequest, bool) {
	req, err := h.requests.Get(r.Context(), r.PathValue("id"))
	if err != nil {
		h.writeJSONError(w, err)
		return storage.ConnectionRequest{}, false
	}
	if !tokenMatches(r, req.AcceptanceToken) {
		h.writeJSONError(w, apperrors.New(apperrors.CodeUnauthorized, "invalid acceptance token"))
		return storage.ConnectionRequest{}, false
	}
	return req, true
}

// signedRequest reads the body and authenticates the call through its
// signature headers, returning the proven role ARN.
func (h handlers) signedRequest(w http.ResponseWriter, r *http.Request) ([]byte, string, bool) {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		h.writeJSONError(w, apperrors.New(apperrors.CodeUnauthorized, "could not read request body"))
		return nil, "", false
	}
	r.Body = io.NopCloser(bytes.NewReader(body))

	accessKeyID := r.Header.Get(signer.HeaderCredential)
	sessionToken := r.Header.Get(signer.HeaderSessionToken)
	if accessKeyID == "" || sessionToken == "" {
		h.writeJSONError(w, apperrors.New(apperrors.CodeUnauthorized, "request is not signed"))
		return nil, "", false
	}
	roleARN, secret, err := h.sessions.Verify(r.Context(), sessionToken, accessKeyID)
	if err != nil {
		log.Printf("verify session token: %v", err)
		h.writeJSONError(w, apperrors.New(apperrors.CodeUnauthorized, "invalid session token"))
		return nil, "", false
	}
	if err := signer.Verify(r.Method, r.Host, r.URL.Path, body, r.Header, secret, h.clock()); err != nil {
		h.writeJSONError(w, err)
		return nil, "", false
	}
	return body, roleARN, true
}

// authorizedConnection loads the connection for endpoint and requires the
// proven role to be the one provisioned for it.
func (h handlers) authorizedConnection(w http.ResponseWriter, r *http.Request, endpoint, roleARN string) (storage.Connection, bool) {
	conn, err := h.conns.Get(r.Context(), endpoint)
	if err != nil {
		h.writeJSONError(w, err)
		return storage.Connection{}, false
	}
	if conn.LocalRole.ARN == "" || conn.LocalRole.ARN != roleARN {
		h.writeJSONError(w, apperrors.New(apperrors.CodeForbidden, "role is not authorized for this connection"))
		return storage.Connection{}, false
	}
	return conn, true
}

func tokenMatches(r *http.Request, token string) bool {
	presented := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
	if presented == "" || token == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(presented), []byte(token)) == 1
}

func (handlers) writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func (h handlers) writeJSONError(w http.ResponseWriter, err error) {
	h.writeJSON(w, apperrors.HTTPStatus(err), map[string]any{"error": err.Error()})
}
