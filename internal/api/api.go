// Package api provides HTTP handlers and the API server for OrderPilot.
//
// The API is the operations surface: it accepts inbound messages from
// channel-less transports, exposes flow state for inspection, and lets staff
// resolve escalation cases and restore checkpoints. Customer traffic normally
// arrives over the messaging transports, not here.
package api

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/BakeDesk/OrderPilot/internal/flow"
	"github.com/BakeDesk/OrderPilot/internal/hitl"
	"github.com/BakeDesk/OrderPilot/internal/messaging"
	"github.com/BakeDesk/OrderPilot/internal/store"
)

// DefaultAddr is the listen address used when none is configured.
const DefaultAddr = ":8080"

// Opts holds configuration options for the API server.
type Opts struct {
	Addr          string
	TwilioWebhook http.HandlerFunc
}

// Option configures the API server.
type Option func(*Opts)

// WithAddr sets the listen address.
func WithAddr(addr string) Option {
	return func(o *Opts) {
		o.Addr = addr
	}
}

// WithTwilioWebhook mounts the Twilio inbound webhook handler at
// /webhooks/twilio. Only set when the Twilio messenger is active.
func WithTwilioWebhook(h http.HandlerFunc) Option {
	return func(o *Opts) {
		o.TwilioWebhook = h
	}
}

// Server serves the OrderPilot HTTP API.
type Server struct {
	addr          string
	engine        *flow.Engine
	hitl          *hitl.Service
	router        *messaging.Router
	st            store.Store
	twilioWebhook http.HandlerFunc
	httpServer    *http.Server
}

// NewServer creates an API server over the engine, escalation service,
// message router and backing store.
func NewServer(engine *flow.Engine, hitlSvc *hitl.Service, router *messaging.Router, st store.Store, opts ...Option) *Server {
	cfg := Opts{Addr: DefaultAddr}
	for _, opt := range opts {
		opt(&cfg)
	}

	s := &Server{
		addr:          cfg.Addr,
		engine:        engine,
		hitl:          hitlSvc,
		router:        router,
		st:            st,
		twilioWebhook: cfg.TwilioWebhook,
	}
	s.httpServer = &http.Server{
		Addr:              s.addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

// Handler returns the configured route table. Exposed for tests.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", s.healthHandler)
	mux.HandleFunc("/v1/messages/inbound", s.inboundMessageHandler)
	mux.HandleFunc("/v1/flows", s.flowsHandler)
	mux.HandleFunc("/v1/flows/", s.flowsHandler)
	mux.HandleFunc("/v1/hitl", s.hitlHandler)
	mux.HandleFunc("/v1/hitl/", s.hitlHandler)
	mux.HandleFunc("/v1/checkpoints/", s.checkpointsHandler)
	mux.HandleFunc("/v1/receipts", s.receiptsHandler)
	mux.HandleFunc("/v1/responses", s.responsesHandler)
	if s.twilioWebhook != nil {
		mux.HandleFunc("/webhooks/twilio", s.twilioWebhook)
	}
	return mux
}

// Start binds the listen address and begins serving in the background. Bind
// errors surface synchronously; serve errors are logged.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		slog.Error("Server.Start: failed to bind", "addr", s.addr, "error", err)
		return err
	}

	go func() {
		slog.Info("Server.Start: API listening", "addr", s.addr)
		if err := s.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("Server.Start: serve failed", "error", err)
		}
	}()
	return nil
}

// Stop gracefully shuts the server down, waiting for in-flight requests.
func (s *Server) Stop(ctx context.Context) error {
	slog.Info("Server.Stop: shutting down API server")
	return s.httpServer.Shutdown(ctx)
}
