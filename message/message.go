// Package message defines the messages an application sends to its
// execution backend and their CBOR encoding.
package message

import (
	"fmt"

	"github.com/fxamacker/cbor/v2"
)

// Type identifies the kind of message in an Envelope.
type Type uint8

const (
	TypeInitNewApp    Type = 1
	TypeOpenEPRSocket Type = 2
	TypeSubroutine    Type = 3
	TypeStopApp       Type = 4
	TypeSignal        Type = 5
)

var typeNames = map[Type]string{
	TypeInitNewApp:    "init_new_app",
	TypeOpenEPRSocket: "open_epr_socket",
	TypeSubroutine:    "subroutine",
	TypeStopApp:       "stop_app",
	TypeSignal:        "signal",
}

func (t Type) String() string {
	if name, ok := typeNames[t]; ok {
		return name
	}
	return fmt.Sprintf("type_%d", uint8(t))
}

// Message is implemented by every message body.
type Message interface {
	Type() Type
}

// InitNewApp registers an application with the backend.
type InitNewApp struct {
	AppID     uint32 `cbor:"1,keyasint"`
	MaxQubits uint32 `cbor:"2,keyasint"`
}

// OpenEPRSocket opens an entanglement socket for an application.
type OpenEPRSocket struct {
	AppID             uint32 `cbor:"1,keyasint"`
	EPRSocketID       uint32 `cbor:"2,keyasint"`
	RemoteNodeID      uint32 `cbor:"3,keyasint"`
	RemoteEPRSocketID uint32 `cbor:"4,keyasint"`
}

// Subroutine carries an encoded subroutine.
type Subroutine struct {
	Payload []byte `cbor:"1,keyasint"`
}

// StopApp tells the backend an application has finished. The backend
// releases every qubit the application still holds.
type StopApp struct {
	AppID uint32 `cbor:"1,keyasint"`
}

// SignalKind identifies a backend level signal.
type SignalKind uint8

const (
	SignalStop SignalKind = 0
)

func (k SignalKind) String() string {
	if k == SignalStop {
		return "stop"
	}
	return fmt.Sprintf("signal_%d", uint8(k))
}

// Signal is a backend level control message.
type Signal struct {
	Kind SignalKind `cbor:"1,keyasint"`
}

func (InitNewApp) Type() Type    { return TypeInitNewApp }
func (OpenEPRSocket) Type() Type { return TypeOpenEPRSocket }
func (Subroutine) Type() Type    { return TypeSubroutine }
func (StopApp) Type() Type       { return TypeStopApp }
func (Signal) Type() Type        { return TypeSignal }

// ---------------------------------------------------------------------------
// Envelope
// ---------------------------------------------------------------------------

// Envelope frames one message on the wire. Session groups the messages of
// one connection.
type Envelope struct {
	Session string          `cbor:"1,keyasint,omitempty"`
	Type    Type            `cbor:"2,keyasint"`
	Body    cbor.RawMessage `cbor:"3,keyasint"`
}

// Ack is the backend reply to an accepted envelope.
type Ack struct {
	Sequence     uint64 `cbor:"1,keyasint"`
	Instructions uint32 `cbor:"2,keyasint,omitempty"`
}

var cborEncMode cbor.EncMode

func init() {
	em, err := cbor.CanonicalEncOptions().EncMode()
	if err != nil {
		panic(fmt.Sprintf("message: failed to create CBOR enc mode: %v", err))
	}
	cborEncMode = em
}

// EncMode returns the canonical CBOR encoding mode used for messages.
func EncMode() cbor.EncMode {
	return cborEncMode
}

// Wrap places m in an envelope.
func Wrap(session string, m Message) (*Envelope, error) {
	if m == nil {
		return nil, fmt.Errorf("message: nil message")
	}
	body, err := cborEncMode.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("message: marshal %s: %w", m.Type(), err)
	}
	return &Envelope{Session: session, Type: m.Type(), Body: body}, nil
}

// Open decodes the body of an envelope.
func (e *Envelope) Open() (Message, error) {
	var (
		m   Message
		err error
	)
	switch e.Type {
	case TypeInitNewApp:
		var v InitNewApp
		err = cbor.Unmarshal(e.Body, &v)
		m = v
	case TypeOpenEPRSocket:
		var v OpenEPRSocket
		err = cbor.Unmarshal(e.Body, &v)
		m = v
	case TypeSubroutine:
		var v Subroutine
		err = cbor.Unmarshal(e.Body, &v)
		m = v
	case TypeStopApp:
		var v StopApp
		err = cbor.Unmarshal(e.Body, &v)
		m = v
	case TypeSignal:
		var v Signal
		err = cbor.Unmarshal(e.Body, &v)
		m = v
	default:
		return nil, fmt.Errorf("message: unknown type %d", uint8(e.Type))
	}
	if err != nil {
		return nil, fmt.Errorf("message: unmarshal %s: %w", e.Type, err)
	}
	return m, nil
}

// Marshal serializes m inside an envelope.
func Marshal(session string, m Message) ([]byte, error) {
	env, err := Wrap(session, m)
	if err != nil {
		return nil, err
	}
	return cborEncMode.Marshal(env)
}

// Unmarshal deserializes an envelope and its body.
func Unmarshal(data []byte) (string, Message, error) {
	var env Envelope
	if err := cbor.Unmarshal(data, &env); err != nil {
		return "", nil, fmt.Errorf("message: unmarshal envelope: %w", err)
	}
	m, err := env.Open()
	if err != nil {
		return "", nil, err
	}
	return env.Session, m, nil
}
