package sdk

import (
	"context"
	"errors"
	"fmt"

	"github.com/hashicorp/go-multierror"

	"github.com/chazu/netqasm/backend"
	"github.com/chazu/netqasm/encoding"
	"github.com/chazu/netqasm/isa"
	"github.com/chazu/netqasm/message"
)

// ErrClosed is returned when a closed connection is used.
var ErrClosed = errors.New("connection closed")

// Config describes an application and its entanglement sockets.
type Config struct {
	AppName      string
	AppID        uint32
	Flavour      *isa.Flavour
	MaxQubits    int
	ExplicitFree bool

	// NodeIDs resolves socket remote node names. Sockets with a name that
	// is not listed keep their RemoteNodeID.
	NodeIDs map[string]int
	Sockets []*EPRSocket

	// KeepBackend suppresses the stop signal sent on close.
	KeepBackend bool
}

// Connection ties a Builder to a backend. Open registers the application
// and its sockets; Flush sends the pending subroutine; Close stops the
// application.
type Connection struct {
	cfg     Config
	sockets []*EPRSocket
	backend backend.Backend
	builder *Builder
	closed  bool
}

// Open registers the application with be and opens every configured socket.
// Socket node names are resolved before anything is sent. If opening a
// socket fails the application is stopped again.
func Open(ctx context.Context, be backend.Backend, cfg Config) (*Connection, error) {
	sockets, err := resolveSockets(cfg)
	if err != nil {
		return nil, err
	}
	c := &Connection{
		cfg:     cfg,
		sockets: sockets,
		backend: be,
		builder: NewBuilder(BuilderConfig{
			AppID:        cfg.AppID,
			Flavour:      cfg.Flavour,
			MaxQubits:    cfg.MaxQubits,
			ExplicitFree: cfg.ExplicitFree,
		}),
	}

	if err := be.Send(ctx, message.InitNewApp{AppID: cfg.AppID, MaxQubits: uint32(c.builder.maxQubits)}); err != nil {
		return nil, fmt.Errorf("registering app %d: %w", cfg.AppID, err)
	}
	for _, s := range sockets {
		msg := message.OpenEPRSocket{
			AppID:             cfg.AppID,
			EPRSocketID:       uint32(s.ID),
			RemoteNodeID:      uint32(s.RemoteNodeID),
			RemoteEPRSocketID: uint32(s.RemoteID),
		}
		if err := be.Send(ctx, msg); err != nil {
			var result error
			result = multierror.Append(result, fmt.Errorf("opening %s: %w", s, err))
			if err := c.stop(ctx); err != nil {
				result = multierror.Append(result, err)
			}
			return nil, result
		}
	}
	log.Infof("app %d (%s) connected with %d sockets", cfg.AppID, cfg.AppName, len(sockets))
	return c, nil
}

// resolveSockets copies the configured sockets and fills in the node id of
// every socket that names its remote node.
func resolveSockets(cfg Config) ([]*EPRSocket, error) {
	out := make([]*EPRSocket, len(cfg.Sockets))
	for i, s := range cfg.Sockets {
		sock := *s
		if sock.RemoteNodeName != "" {
			id, ok := cfg.NodeIDs[sock.RemoteNodeName]
			if !ok {
				return nil, fmt.Errorf("%w: unknown node %q", isa.ErrUnboundReference, sock.RemoteNodeName)
			}
			sock.RemoteNodeID = id
		}
		out[i] = &sock
	}
	return out, nil
}

// Builder returns the builder of the connection.
func (c *Connection) Builder() *Builder {
	return c.builder
}

// Socket returns the opened socket with id.
func (c *Connection) Socket(id int) (*EPRSocket, error) {
	for _, s := range c.sockets {
		if s.ID == id {
			return s, nil
		}
	}
	return nil, fmt.Errorf("%w: epr socket %d", isa.ErrUnboundReference, id)
}

// Flush finishes the pending subroutine and sends it. Nothing is sent when
// no instruction is pending.
func (c *Connection) Flush(ctx context.Context) error {
	if c.closed {
		return ErrClosed
	}
	if c.builder.Len() == 0 && (!c.builder.explicitFree || len(c.builder.qubits) == 0) {
		return nil
	}
	s, err := c.builder.Subroutine()
	if err != nil {
		return err
	}
	return c.send(ctx, s)
}

func (c *Connection) send(ctx context.Context, s *isa.Subroutine) error {
	data, err := encoding.Encode(s)
	if err != nil {
		return err
	}
	log.Debugf("app %d: sending subroutine\n%s", s.AppID, s)
	return c.backend.Send(ctx, message.Subroutine{Payload: data})
}

// Close flushes, then stops the application and, unless configured
// otherwise, the backend.
func (c *Connection) Close(ctx context.Context) error {
	if c.closed {
		return ErrClosed
	}
	var result error
	if err := c.Flush(ctx); err != nil {
		result = multierror.Append(result, err)
		c.builder.Abort()
	}
	if err := c.stop(ctx); err != nil {
		result = multierror.Append(result, err)
	}
	return result
}

// Abort drops the pending subroutine, sends a subroutine that frees every
// live qubit and stops the application. cause is returned together with any
// error met on the way.
func (c *Connection) Abort(ctx context.Context, cause error) error {
	var result error
	if cause != nil {
		result = multierror.Append(result, cause)
	}
	if c.closed {
		return result
	}
	c.builder.Abort()
	if live := c.builder.LiveQubits(); len(live) > 0 {
		log.Warningf("app %d: releasing %d qubits after failure", c.cfg.AppID, len(live))
		if err := c.cleanup(ctx); err != nil {
			result = multierror.Append(result, err)
		}
	}
	if err := c.stop(ctx); err != nil {
		result = multierror.Append(result, err)
	}
	return result
}

func (c *Connection) cleanup(ctx context.Context) error {
	if err := c.builder.FreeAll(); err != nil {
		c.builder.Abort()
		return err
	}
	s, err := c.builder.Subroutine()
	if err != nil {
		return err
	}
	return c.send(ctx, s)
}

func (c *Connection) stop(ctx context.Context) error {
	c.closed = true
	var result error
	if err := c.backend.Send(ctx, message.StopApp{AppID: c.cfg.AppID}); err != nil {
		result = multierror.Append(result, err)
	}
	if !c.cfg.KeepBackend {
		if err := c.backend.Send(ctx, message.Signal{Kind: message.SignalStop}); err != nil {
			result = multierror.Append(result, err)
		}
	}
	return result
}

// Run opens a connection, runs fn with its builder and closes it. If fn
// fails or panics the pending subroutine is dropped, live qubits are freed
// and the application is stopped; the returned error then carries both the
// cause and any cleanup error.
func Run(ctx context.Context, be backend.Backend, cfg Config, fn func(*Connection) error) (err error) {
	c, err := Open(ctx, be, cfg)
	if err != nil {
		return err
	}
	defer func() {
		if r := recover(); r != nil {
			err = c.Abort(ctx, fmt.Errorf("panic: %v", r))
		}
	}()
	if err := fn(c); err != nil {
		return c.Abort(ctx, err)
	}
	return c.Close(ctx)
}
