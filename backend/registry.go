package backend

import (
	"context"
	"fmt"

	"github.com/chazu/netqasm/encoding"
	"github.com/chazu/netqasm/isa"
	"github.com/chazu/netqasm/message"
)

type appKey struct {
	session string
	appID   uint32
}

type appState struct {
	maxQubits   uint32
	sockets     map[uint32]message.OpenEPRSocket
	subroutines int
}

// Registry checks the message protocol of every session: applications are
// registered before they send sockets or subroutines, subroutine payloads
// decode under the backend flavour, and nothing follows a stop signal.
// Accepted messages are appended to the store when one is set.
//
// Registry is not safe for concurrent use; the Worker serializes access.
type Registry struct {
	flavour *isa.Flavour
	store   *Store
	apps    map[appKey]*appState
	stopped map[string]bool
	seq     uint64
}

// NewRegistry creates a registry. store may be nil.
func NewRegistry(flavour *isa.Flavour, store *Store) *Registry {
	if flavour == nil {
		flavour = isa.Vanilla
	}
	return &Registry{
		flavour: flavour,
		store:   store,
		apps:    make(map[appKey]*appState),
		stopped: make(map[string]bool),
	}
}

// Apply validates m and updates the session state.
func (r *Registry) Apply(ctx context.Context, session string, m message.Message) (*message.Ack, error) {
	if r.stopped[session] {
		return nil, fmt.Errorf("%w: session %s", ErrStopped, session)
	}

	// Checks come first; the state only changes once the message is stored.
	ack := &message.Ack{}
	var commit func()
	switch m := m.(type) {
	case message.InitNewApp:
		key := appKey{session, m.AppID}
		if _, ok := r.apps[key]; ok {
			return nil, fmt.Errorf("%w: app %d", ErrAppRegistered, m.AppID)
		}
		commit = func() {
			r.apps[key] = &appState{maxQubits: m.MaxQubits, sockets: make(map[uint32]message.OpenEPRSocket)}
			log.Infof("session %s: registered app %d (%d qubits)", session, m.AppID, m.MaxQubits)
		}

	case message.OpenEPRSocket:
		app, err := r.app(session, m.AppID)
		if err != nil {
			return nil, err
		}
		commit = func() { app.sockets[m.EPRSocketID] = m }

	case message.Subroutine:
		s, err := encoding.Decode(m.Payload, r.flavour)
		if err != nil {
			return nil, err
		}
		app, err := r.app(session, s.AppID)
		if err != nil {
			return nil, err
		}
		ack.Instructions = uint32(s.Len())
		commit = func() {
			app.subroutines++
			log.Debugf("session %s: app %d subroutine %d with %d instructions", session, s.AppID, app.subroutines, s.Len())
		}

	case message.StopApp:
		if _, err := r.app(session, m.AppID); err != nil {
			return nil, err
		}
		commit = func() {
			delete(r.apps, appKey{session, m.AppID})
			log.Infof("session %s: stopped app %d", session, m.AppID)
		}

	case message.Signal:
		commit = func() {
			if m.Kind == message.SignalStop {
				r.stopped[session] = true
				log.Infof("session %s: stop signal", session)
			}
		}

	default:
		return nil, fmt.Errorf("unsupported message %T", m)
	}

	if r.store != nil {
		rec, err := r.store.Append(ctx, session, m)
		if err != nil {
			return nil, err
		}
		ack.Sequence = uint64(rec.Sequence)
	} else {
		r.seq++
		ack.Sequence = r.seq
	}
	commit()
	return ack, nil
}

// Apps returns the number of registered applications.
func (r *Registry) Apps() int {
	return len(r.apps)
}

func (r *Registry) app(session string, appID uint32) (*appState, error) {
	app, ok := r.apps[appKey{session, appID}]
	if !ok {
		return nil, fmt.Errorf("%w: app %d", ErrUnknownApp, appID)
	}
	return app, nil
}
