// Package rest exposes the peer-facing wire surface: request intake,
// accept/verify callbacks, signed stream updates and event relay.
package rest

import (
	"context"
	"net/http"

	"github.com/learningtapestry/ssdn-sub000/internal/federation/events"
	"github.com/learningtapestry/ssdn-sub000/internal/federation/exchange"
	"github.com/learningtapestry/ssdn-sub000/internal/federation/identity"
	"github.com/learningtapestry/ssdn-sub000/internal/federation/metadata"
	"github.com/learningtapestry/ssdn-sub000/internal/federation/storage"
	"github.com/learningtapestry/ssdn-sub000/internal/federation/stream"
)

// RequestService is the request-lifecycle surface the API dispatches to.
type RequestService interface {
	Get(ctx context.Context, requestID string) (storage.ConnectionRequest, error)
	GetIncoming(ctx context.Context, consumerEndpoint, requestID string) (storage.ConnectionRequest, error)
	CreateIncoming(ctx context.Context, req storage.ConnectionRequest) (storage.ConnectionRequest, error)
	ReceiveProviderRejection(ctx context.Context, req storage.ConnectionRequest) (storage.ConnectionRequest, error)
	CancelIncoming(ctx context.Context, consumerEndpoint, requestID string) error
}

// ConnectionService is the connection surface the API dispatches to.
type ConnectionService interface {
	Get(ctx context.Context, endpoint string) (storage.Connection, error)
	CreateForProviderAcceptance(ctx context.Context, req storage.ConnectionRequest, ack exchange.ConnectionAck) (storage.Connection, error)
	UpdateStream(ctx context.Context, conn storage.Connection, update stream.Update, direction stream.Direction, locallyIssued bool) (storage.Connection, error)
}

// RequestVerifier confirms an inbound request mirror with the instance
// that claims to have created it.
type RequestVerifier interface {
	VerifyConnectionRequest(ctx context.Context, req storage.ConnectionRequest) error
}

// API wires the wire surface onto an http mux.
type API struct {
	handlers handlers
}

// New creates the peer-facing API.
func New(requests RequestService, conns ConnectionService, verifier RequestVerifier, sessions identity.Verifier, eventLog events.LogClient, meta metadata.Provider) *API {
	return &API{handlers: newHandlers(requests, conns, verifier, sessions, eventLog, meta)}
}

// Routes registers every wire path on mux.
func (a *API) Routes(mux *http.ServeMux) {
	mux.HandleFunc("POST "+exchange.PathIncomingRequests, a.handlers.handleIncomingRequest)
	mux.HandleFunc("POST "+exchange.PathCancelIncoming, a.handlers.handleCancelIncoming)
	mux.HandleFunc("POST /connections/requests/{id}/accept", a.handlers.handleAccept)
	mux.HandleFunc("GET /connections/requests/{id}/verify", a.handlers.handleVerify)
	mux.HandleFunc("POST "+exchange.PathStreamUpdate, a.handlers.handleStreamUpdate)
	mux.HandleFunc("POST "+exchange.PathEvents, a.handlers.handleEvents)
	mux.HandleFunc("GET /healthz", a.handlers.handleHealthz)
}
