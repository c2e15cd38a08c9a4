// Package server wires the federation runtime and HTTP lifecycle.
package server

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net"
	"net/http"
	"path/filepath"
	"strings"

	"github.com/learningtapestry/ssdn-sub000/internal/federation/api/rest"
	"github.com/learningtapestry/ssdn-sub000/internal/federation/connection"
	"github.com/learningtapestry/ssdn-sub000/internal/federation/events"
	"github.com/learningtapestry/ssdn-sub000/internal/federation/exchange"
	"github.com/learningtapestry/ssdn-sub000/internal/federation/identity/local"
	"github.com/learningtapestry/ssdn-sub000/internal/federation/metadata"
	"github.com/learningtapestry/ssdn-sub000/internal/federation/request"
	"github.com/learningtapestry/ssdn-sub000/internal/federation/router"
	federationsqlite "github.com/learningtapestry/ssdn-sub000/internal/federation/storage/sqlite"
	"github.com/learningtapestry/ssdn-sub000/internal/federation/tasks"
	"github.com/learningtapestry/ssdn-sub000/internal/federation/trust"
	"github.com/learningtapestry/ssdn-sub000/internal/platform/config"
	"github.com/learningtapestry/ssdn-sub000/internal/platform/timeouts"
)

type serverEnv struct {
	DBPath     string `env:"SSDN_FEDERATION_DB_PATH"`
	SessionKey string `env:"SSDN_SESSION_KEY"`
}

func loadServerEnv() (serverEnv, error) {
	var cfg serverEnv
	if err := config.ParseEnv(&cfg); err != nil {
		return serverEnv{}, err
	}
	if strings.TrimSpace(cfg.DBPath) == "" {
		cfg.DBPath = filepath.Join("data", "federation.db")
	}
	if err := config.RequireNonEmpty("SSDN_SESSION_KEY", cfg.SessionKey); err != nil {
		return serverEnv{}, err
	}
	return cfg, nil
}

// Server hosts the federation HTTP API and storage lifecycle.
type Server struct {
	listener   net.Listener
	httpServer *http.Server
	store      *federationsqlite.Store
	dispatcher *tasks.GoDispatcher
	router     *router.Router
	eventLog   *events.MemoryLog
}

// New creates a configured federation server listening on the provided port.
func New(port int) (*Server, error) {
	return NewWithAddr(fmt.Sprintf(":%d", port))
}

// NewWithAddr creates a configured federation server for the provided address.
func NewWithAddr(addr string) (*Server, error) {
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("listen on %s: %w", addr, err)
	}

	env, err := loadServerEnv()
	if err != nil {
		_ = listener.Close()
		return nil, err
	}
	meta, err := metadata.FromEnv()
	if err != nil {
		_ = listener.Close()
		return nil, err
	}
	store, err := federationsqlite.Open(env.DBPath)
	if err != nil {
		_ = listener.Close()
		return nil, err
	}

	backend := local.New(meta.Value(metadata.KeyAccountID), []byte(env.SessionKey))
	broker := trust.NewBroker(backend, meta)
	peers := exchange.New(meta, backend, events.NewHTTPLogFactory(nil), nil)
	dispatcher := &tasks.GoDispatcher{}

	requests := request.New(store.Requests(), peers, meta, dispatcher)
	conns := connection.New(store.Connections(), store.Requests(), requests, peers, broker, meta)
	eventRouter := router.New(store.Connections(), peers)
	eventLog := events.NewMemoryLog()
	intakeLog := &routingLog{log: eventLog, router: eventRouter, dispatcher: dispatcher}

	mux := http.NewServeMux()
	api := rest.New(requests, conns, peers, backend, intakeLog, meta)
	api.Routes(mux)

	return &Server{
		listener: listener,
		httpServer: &http.Server{
			Handler:           mux,
			ReadHeaderTimeout: timeouts.ReadHeader,
		},
		store:      store,
		dispatcher: dispatcher,
		router:     eventRouter,
		eventLog:   eventLog,
	}, nil
}

// routingLog stores incoming batches and hands them to the event router.
// The router drops peer-sourced events, so peer intake never loops back
// out; locally produced events fan out to subscribed consumers.
type routingLog struct {
	log        events.LogClient
	router     *router.Router
	dispatcher tasks.Dispatcher
}

func (r *routingLog) StoreBatch(ctx context.Context, batch []events.Event) error {
	if err := r.log.StoreBatch(ctx, batch); err != nil {
		return err
	}
	r.dispatcher.Dispatch("event-route", func(ctx context.Context) {
		if err := r.router.Route(ctx, batch); err != nil {
			log.Printf("route event batch: %v", err)
		}
	})
	return nil
}

// Addr returns the listener address for the server.
func (s *Server) Addr() string {
	if s == nil || s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

// Router returns the event router for in-process producers.
func (s *Server) Router() *router.Router {
	return s.router
}

// Run creates and serves a federation server until context cancellation.
func Run(ctx context.Context, port int) error {
	server, err := New(port)
	if err != nil {
		return err
	}
	return server.Serve(ctx)
}

// Serve starts the HTTP server and blocks until it stops or the context
// ends.
func (s *Server) Serve(ctx context.Context) error {
	if s == nil {
		return errors.New("server is nil")
	}
	if ctx == nil {
		ctx = context.Background()
	}
	defer s.Close()

	log.Printf("federation server listening at %v", s.listener.Addr())
	serveErr := make(chan error, 1)
	go func() {
		serveErr <- s.httpServer.Serve(s.listener)
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), timeouts.Shutdown)
		defer cancel()
		if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("shutdown federation server: %w", err)
		}
		err := <-serveErr
		if err == nil || errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case err := <-serveErr:
		if err == nil || errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("serve federation server: %w", err)
	}
}

// Close releases the server's resources. Safe to call more than once.
func (s *Server) Close() {
	if s == nil {
		return
	}
	if s.dispatcher != nil {
		s.dispatcher.Wait()
	}
	if s.store != nil {
		if err := s.store.Close(); err != nil {
			log.Printf("close federation store: %v", err)
		}
	}
}
