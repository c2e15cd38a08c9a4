// Package router fans incoming events out to every connected peer whose
// active output streams subscribe to them.
package router

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/learningtapestry/ssdn-sub000/internal/federation/events"
	"github.com/learningtapestry/ssdn-sub000/internal/federation/storage"
	"github.com/learningtapestry/ssdn-sub000/internal/federation/stream"
	"github.com/learningtapestry/ssdn-sub000/internal/platform/cache"
	"github.com/learningtapestry/ssdn-sub000/internal/platform/timeouts"
)

const routingTableKey = "connections"

// EventSender delivers an ordered batch of events to one peer.
type EventSender interface {
	SendEvents(ctx context.Context, conn storage.Connection, batch []events.Event) error
}

// Router matches events against connection output streams and dispatches
// them. The routing table is rebuilt from storage at most once per TTL
// window.
type Router struct {
	conns  storage.ConnectionRepository
	sender EventSender
	table  *cache.TTL[string, []storage.Connection]
	tracer trace.Tracer
}

// New creates a router over the given connection source and sender.
func New(conns storage.ConnectionRepository, sender EventSender) *Router {
	return &Router{
		conns:  conns,
		sender: sender,
		table:  cache.NewTTL[string, []storage.Connection](timeouts.RoutingTable),
		tracer: otel.Tracer("ssdn/federation/router"),
	}
}

// SetClock overrides the routing-table cache time source. Intended for
// tests.
func (r *Router) SetClock(clock func() time.Time) {
	r.table.SetClock(clock)
}

// Route dispatches batch to every connection subscribed to at least one
// of its events. Events that arrived from a peer are dropped so they can
// never circulate back. Per-connection order is preserved; delivery to
// the connections runs concurrently and a failed connection never blocks
// the others.
func (r *Router) Route(ctx context.Context, batch []events.Event) error {
	local := make([]events.Event, 0, len(batch))
	for _, evt := range batch {
		if evt.External() {
			continue
		}
		local = append(local, evt)
	}
	if len(local) == 0 {
		return nil
	}

	ctx, span := r.tracer.Start(ctx, "router.Route",
		trace.WithAttributes(attribute.Int("batch.size", len(local))))
	defer span.End()

	conns, err := r.routingTable(ctx)
	if err != nil {
		return err
	}

	var wg sync.WaitGroup
	errs := make([]error, len(conns))
	for i, conn := range conns {
		matched := matchEvents(conn, local)
		if len(matched) == 0 {
			continue
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs[i] = r.sender.SendEvents(ctx, conn, matched)
		}()
	}
	wg.Wait()
	return errors.Join(errs...)
}

// routingTable returns the connections carrying output streams, rebuilt
// from storage after the cache window lapses.
func (r *Router) routingTable(ctx context.Context) ([]storage.Connection, error) {
	return r.table.GetOrCompute(routingTableKey, func() ([]storage.Connection, error) {
		return r.conns.FindAllWithOutputStreams(ctx)
	})
}

// matchEvents selects, in order, the events covered by one of the
// connection's active output streams.
func matchEvents(conn storage.Connection, batch []events.Event) []events.Event {
	active := make(map[stream.Key]bool, len(conn.OutputStreams))
	for _, s := range conn.OutputStreams {
		if s.Status == stream.StatusActive {
			active[s.Key()] = true
		}
	}
	if len(active) == 0 {
		return nil
	}
	var matched []events.Event
	for _, evt := range batch {
		if active[stream.Key{Namespace: evt.Namespace, Format: evt.Format}] {
			matched = append(matched, evt)
		}
	}
	return matched
}
