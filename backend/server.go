package backend

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"connectrpc.com/connect"
	"github.com/fxamacker/cbor/v2"

	"github.com/chazu/netqasm/isa"
	"github.com/chazu/netqasm/message"
)

// SendProcedure is the Connect procedure carrying message envelopes.
const SendProcedure = "/netqasm.v1.Backend/Send"

// cborCodec lets Connect carry envelopes without generated protobuf types.
type cborCodec struct{}

func (cborCodec) Name() string { return "cbor" }

func (cborCodec) Marshal(v any) ([]byte, error) {
	return message.EncMode().Marshal(v)
}

func (cborCodec) Unmarshal(data []byte, v any) error {
	return cbor.Unmarshal(data, v)
}

// ---------------------------------------------------------------------------
// Server
// ---------------------------------------------------------------------------

// Server accepts message envelopes over Connect and applies them to a
// Registry through a Worker.
type Server struct {
	worker *Worker
	store  *Store
	mux    *http.ServeMux
}

// ServerOption configures a Server.
type ServerOption func(*serverConfig)

type serverConfig struct {
	flavour *isa.Flavour
	store   *Store
}

// WithFlavour sets the flavour subroutine payloads are decoded with.
func WithFlavour(f *isa.Flavour) ServerOption {
	return func(c *serverConfig) { c.flavour = f }
}

// WithStore persists accepted messages.
func WithStore(s *Store) ServerOption {
	return func(c *serverConfig) { c.store = s }
}

// NewServer creates a Server and starts its worker.
func NewServer(opts ...ServerOption) *Server {
	cfg := &serverConfig{flavour: isa.Vanilla}
	for _, opt := range opts {
		opt(cfg)
	}

	s := &Server{
		worker: NewWorker(NewRegistry(cfg.flavour, cfg.store)),
		store:  cfg.store,
		mux:    http.NewServeMux(),
	}
	s.mux.Handle(SendProcedure, connect.NewUnaryHandler(
		SendProcedure,
		s.send,
		connect.WithCodec(cborCodec{}),
	))
	return s
}

// Handler returns the HTTP handler serving the Connect procedures.
func (s *Server) Handler() http.Handler {
	return s.mux
}

// ListenAndServe serves on addr ("host:port" or ":port") until ctx is done,
// then shuts the HTTP server down gracefully.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	server := &http.Server{
		Addr:    addr,
		Handler: s.mux,
	}

	errc := make(chan error, 1)
	go func() {
		errc <- server.ListenAndServe()
	}()
	log.Noticef("backend listening on %s%s", addr, SendProcedure)

	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
	}

	log.Noticef("backend shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		return err
	}
	if err := <-errc; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

const shutdownTimeout = 5 * time.Second

// Stop shuts down the worker.
func (s *Server) Stop() {
	s.worker.Stop()
}

func (s *Server) send(ctx context.Context, req *connect.Request[message.Envelope]) (*connect.Response[message.Ack], error) {
	m, err := req.Msg.Open()
	if err != nil {
		return nil, connect.NewError(connect.CodeInvalidArgument, err)
	}
	ack, err := s.worker.Submit(ctx, req.Msg.Session, m)
	if err != nil {
		log.Warningf("session %s: rejected %s: %v", req.Msg.Session, m.Type(), err)
		return nil, rejection(err)
	}
	return connect.NewResponse(ack), nil
}

// ReasonHeader carries the name of the sentinel error behind a rejection,
// so clients can match it with errors.Is.
const ReasonHeader = "Netqasm-Reason"

var reasons = []struct {
	name string
	err  error
	code connect.Code
}{
	{"malformed-stream", isa.ErrMalformedStream, connect.CodeInvalidArgument},
	{"unknown-app", ErrUnknownApp, connect.CodeFailedPrecondition},
	{"app-registered", ErrAppRegistered, connect.CodeFailedPrecondition},
	{"stopped", ErrStopped, connect.CodeFailedPrecondition},
	{"worker-stopped", ErrWorkerStopped, connect.CodeUnavailable},
}

func rejection(err error) *connect.Error {
	for _, r := range reasons {
		if errors.Is(err, r.err) {
			cerr := connect.NewError(r.code, err)
			cerr.Meta().Set(ReasonHeader, r.name)
			return cerr
		}
	}
	switch {
	case errors.Is(err, context.Canceled):
		return connect.NewError(connect.CodeCanceled, err)
	case errors.Is(err, context.DeadlineExceeded):
		return connect.NewError(connect.CodeDeadlineExceeded, err)
	}
	return connect.NewError(connect.CodeInternal, err)
}

// reasonOf returns the sentinel named by a rejection, or nil.
func reasonOf(err error) error {
	var cerr *connect.Error
	if !errors.As(err, &cerr) {
		return nil
	}
	name := cerr.Meta().Get(ReasonHeader)
	for _, r := range reasons {
		if r.name == name {
			return r.err
		}
	}
	return nil
}

// ---------------------------------------------------------------------------
// Client
// ---------------------------------------------------------------------------

// Client is a Backend that sends messages to a Server.
type Client struct {
	session string
	client  *connect.Client[message.Envelope, message.Ack]
}

// NewClient creates a client for the server at baseURL. Every message is
// tagged with session.
func NewClient(httpClient connect.HTTPClient, baseURL, session string) *Client {
	return &Client{
		session: session,
		client: connect.NewClient[message.Envelope, message.Ack](
			httpClient,
			baseURL+SendProcedure,
			connect.WithCodec(cborCodec{}),
		),
	}
}

// Session returns the session id attached to every message.
func (c *Client) Session() string {
	return c.session
}

// Send delivers m and waits for the server to accept it. Rejections wrap
// both the Connect error and the backend sentinel that caused them.
func (c *Client) Send(ctx context.Context, m message.Message) error {
	env, err := message.Wrap(c.session, m)
	if err != nil {
		return err
	}
	if _, err := c.client.CallUnary(ctx, connect.NewRequest(env)); err != nil {
		if sentinel := reasonOf(err); sentinel != nil {
			return fmt.Errorf("send %s: %w: %w", m.Type(), sentinel, err)
		}
		return fmt.Errorf("send %s: %w", m.Type(), err)
	}
	return nil
}
