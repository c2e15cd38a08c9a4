// Package events defines the event records relayed between instances and
// the event-log client contract the exchange layer writes through.
package events

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/learningtapestry/ssdn-sub000/internal/federation/identity"
)

// Source marks an event as externally originated. The router drops any
// event carrying a source so peer events are never re-forwarded.
type Source struct {
	Endpoint string `json:"endpoint"`
}

// Event is one record flowing through the federation.
type Event struct {
	ID        string          `json:"id,omitempty"`
	Namespace string          `json:"namespace"`
	Format    string          `json:"format"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	Source    *Source         `json:"source,omitempty"`
}

// External reports whether the event arrived from a peer.
func (e Event) External() bool {
	return e.Source != nil && e.Source.Endpoint != ""
}

// LogClient writes event batches into one event log.
type LogClient interface {
	StoreBatch(ctx context.Context, batch []Event) error
}

// LogClientFactory opens a log client against logURL using the given
// role-scoped credentials.
type LogClientFactory func(creds identity.Credentials, logURL string) (LogClient, error)

// MemoryLog is an in-process event log used by tests and single-node
// wiring. It implements LogClient.
type MemoryLog struct {
	mu     sync.Mutex
	stored []Event
}

// NewMemoryLog creates an empty in-process event log.
func NewMemoryLog() *MemoryLog {
	return &MemoryLog{}
}

// StoreBatch appends batch to the log.
func (m *MemoryLog) StoreBatch(ctx context.Context, batch []Event) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.stored = append(m.stored, batch...)
	return nil
}

// Events returns a copy of everything stored so far.
func (m *MemoryLog) Events() []Event {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Event(nil), m.stored...)
}
