// Package backend holds the collaborators that receive an application's
// messages: an in-memory recorder, a sqlite message store, and a Connect
// server and client that carry messages over HTTP.
package backend

import (
	"context"
	"errors"
	"sync"

	"github.com/tliron/commonlog"

	"github.com/chazu/netqasm/encoding"
	"github.com/chazu/netqasm/isa"
	"github.com/chazu/netqasm/message"
)

var log = commonlog.GetLogger("netqasm.backend")

var (
	ErrUnknownApp    = errors.New("application not registered")
	ErrAppRegistered = errors.New("application already registered")
	ErrStopped       = errors.New("backend stopped")
	ErrWorkerStopped = errors.New("worker stopped")
)

// Backend accepts messages from an application in order.
type Backend interface {
	Send(ctx context.Context, m message.Message) error
}

// ---------------------------------------------------------------------------
// Recorder
// ---------------------------------------------------------------------------

// Recorder is a Backend that keeps every message in memory. Messages pass
// through the CBOR envelope, so what is recorded is what a remote backend
// would have received.
type Recorder struct {
	mu       sync.Mutex
	messages []message.Message
}

// NewRecorder creates an empty recorder.
func NewRecorder() *Recorder {
	return &Recorder{}
}

// Send records m.
func (r *Recorder) Send(ctx context.Context, m message.Message) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	data, err := message.Marshal("", m)
	if err != nil {
		return err
	}
	_, got, err := message.Unmarshal(data)
	if err != nil {
		return err
	}
	r.mu.Lock()
	r.messages = append(r.messages, got)
	r.mu.Unlock()
	return nil
}

// Messages returns a copy of the recorded messages.
func (r *Recorder) Messages() []message.Message {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]message.Message, len(r.messages))
	copy(out, r.messages)
	return out
}

// Types returns the type of every recorded message.
func (r *Recorder) Types() []message.Type {
	msgs := r.Messages()
	out := make([]message.Type, len(msgs))
	for i, m := range msgs {
		out[i] = m.Type()
	}
	return out
}

// Subroutines decodes every recorded subroutine payload.
func (r *Recorder) Subroutines(flavour *isa.Flavour) ([]*isa.Subroutine, error) {
	var out []*isa.Subroutine
	for _, m := range r.Messages() {
		sub, ok := m.(message.Subroutine)
		if !ok {
			continue
		}
		s, err := encoding.Decode(sub.Payload, flavour)
		if err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, nil
}

// Reset forgets all recorded messages.
func (r *Recorder) Reset() {
	r.mu.Lock()
	r.messages = nil
	r.mu.Unlock()
}
