// Package netstack fixes the layout of the arrays exchanged with the link
// layer when entanglement is requested. Field counts and positions are read
// by the remote party and must not drift.
package netstack

import (
	"fmt"

	"github.com/chazu/netqasm/isa"
)

// EPRType selects what the link layer delivers for each pair.
type EPRType int32

const (
	// TypeK keeps both halves of the pair as qubits.
	TypeK EPRType = 0
	// TypeM measures the local half immediately and returns the outcome.
	TypeM EPRType = 1
)

func (t EPRType) String() string {
	switch t {
	case TypeK:
		return "K"
	case TypeM:
		return "M"
	}
	return fmt.Sprintf("EPRType(%d)", int32(t))
}

// ProducesQubits reports whether requests of this type hand local qubits to
// the application.
func (t EPRType) ProducesQubits() bool {
	return t == TypeK
}

// ---------------------------------------------------------------------------
// Create request layout
// ---------------------------------------------------------------------------

// Field positions in the create argument array. The remote node id and
// purpose id of the link layer request are carried by the create_epr
// registers and are not repeated here.
const (
	CreateType = iota
	CreateNumber
	CreateRandomBasisLocal
	CreateRandomBasisRemote
	CreateMinimumFidelity
	CreateTimeUnit
	CreateMaxTime
	CreatePriority
	CreateAtomic
	CreateConsecutive
	CreateProbDistLocal1
	CreateProbDistLocal2
	CreateProbDistRemote1
	CreateProbDistRemote2
	CreateRotationXLocal1
	CreateRotationYLocal
	CreateRotationXLocal2
	CreateRotationXRemote1
	CreateRotationYRemote
	CreateRotationXRemote2

	createFieldCount
)

// CreateFields is the length of a create argument array.
const CreateFields = 20

// ---------------------------------------------------------------------------
// OK (result) layouts
// ---------------------------------------------------------------------------

// Field positions of one pair in the result array of a K type request.
const (
	OKKType = iota
	OKKCreateID
	OKKLogicalQubitID
	OKKDirectionality
	OKKSequenceNumber
	OKKPurposeID
	OKKRemoteNodeID
	OKKGoodness
	OKKGoodnessTime
	OKKBellState

	okKFieldCount
)

// Field positions of one pair in the result array of an M type request.
const (
	OKMType = iota
	OKMCreateID
	OKMMeasurementOutcome
	OKMMeasurementBasis
	OKMDirectionality
	OKMSequenceNumber
	OKMPurposeID
	OKMRemoteNodeID
	OKMGoodness
	OKMBellState

	okMFieldCount
)

const (
	// OKFieldsK is the per-pair result width of K type requests.
	OKFieldsK = 10
	// OKFieldsM is the per-pair result width of M type requests.
	OKFieldsM = 10
	// OKFields is the per-pair result width of the default (K) type.
	OKFields = OKFieldsK
)

// The declared constants must agree with the field tables above. A skew
// fails to compile.
var (
	_ [CreateFields - createFieldCount]struct{}
	_ [createFieldCount - CreateFields]struct{}
	_ [OKFieldsK - okKFieldCount]struct{}
	_ [okKFieldCount - OKFieldsK]struct{}
	_ [OKFieldsM - okMFieldCount]struct{}
	_ [okMFieldCount - OKFieldsM]struct{}
)

// OKFieldsFor returns the per-pair result width for a request type.
func OKFieldsFor(t EPRType) (int, error) {
	switch t {
	case TypeK:
		return OKFieldsK, nil
	case TypeM:
		return OKFieldsM, nil
	}
	return 0, fmt.Errorf("%w: unknown EPR type %d", isa.ErrProtocolFieldMismatch, int32(t))
}

// ResultIndex returns the position of field of pair in a result array.
func ResultIndex(t EPRType, pair, field int) (int, error) {
	width, err := OKFieldsFor(t)
	if err != nil {
		return 0, err
	}
	if field < 0 || field >= width {
		return 0, fmt.Errorf("%w: field %d outside %s result layout of %d", isa.ErrProtocolFieldMismatch, field, t, width)
	}
	return pair*width + field, nil
}

// CheckCreateArgs verifies the size of a create argument array.
func CheckCreateArgs(size int) error {
	if size != CreateFields {
		return fmt.Errorf("%w: create argument array has %d fields, protocol requires %d", isa.ErrProtocolFieldMismatch, size, CreateFields)
	}
	return nil
}

// CheckResults verifies the size of a result array for n pairs of type t.
func CheckResults(t EPRType, n, size int) error {
	width, err := OKFieldsFor(t)
	if err != nil {
		return err
	}
	if size != n*width {
		return fmt.Errorf("%w: result array for %d %s pairs has %d fields, protocol requires %d", isa.ErrProtocolFieldMismatch, n, t, size, n*width)
	}
	return nil
}
