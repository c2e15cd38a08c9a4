// Package timeouts defines shared timeout constants used across the
// federation core. Centralizing these values prevents drift between the
// exchange client and the public wire surface and makes the durations
// discoverable.
package timeouts

import "time"

// PeerRequest caps the time allowed for a single HTTP call to a peer
// instance (accept, reject, verify, stream update, event relay).
const PeerRequest = 10 * time.Second

// ReadHeader limits how long the HTTP server waits for request headers.
const ReadHeader = 5 * time.Second

// Shutdown limits how long the HTTP server waits for in-flight requests
// during graceful shutdown.
const Shutdown = 5 * time.Second

// RoutingTable bounds how stale the event router's routing table may be
// before the next route call rebuilds it.
const RoutingTable = 60 * time.Second

// SignatureSkew is the maximum clock skew tolerated when validating the
// date on a signed peer request.
const SignatureSkew = 5 * time.Minute
