package sdk

import (
	"fmt"

	"github.com/chazu/netqasm/isa"
	"github.com/chazu/netqasm/netstack"
)

// EPRSocket is an entanglement channel to one remote node.
type EPRSocket struct {
	ID             int
	RemoteNodeName string
	RemoteNodeID   int
	RemoteID       int
}

func (s *EPRSocket) String() string {
	return fmt.Sprintf("epr socket %d -> %s(%d)/%d", s.ID, s.RemoteNodeName, s.RemoteNodeID, s.RemoteID)
}

// CreateRequest parameterises an entanglement creation. Optional link layer
// fields are only written to the argument array when non-zero.
type CreateRequest struct {
	Number int
	Type   netstack.EPRType

	RandomBasisLocal  int
	RandomBasisRemote int
	MinimumFidelity   int
	TimeUnit          int
	MaxTime           int
	Priority          int
	Atomic            bool
	Consecutive       bool
}

// RecvRequest parameterises the receiving side of an entanglement request.
type RecvRequest struct {
	Number int
	Type   netstack.EPRType
}

// EPRResult holds the handles of one entanglement request.
type EPRResult struct {
	Type   netstack.EPRType
	Number int

	// Qubits are the local halves of K type pairs.
	Qubits []*Qubit

	Results    *Array
	QubitAddrs *Array // nil for M type requests
	Args       *Array // nil for receive requests
}

// Field returns a future for field of pair in the result array.
func (r *EPRResult) Field(pair, field int) (*Future, error) {
	if pair < 0 || pair >= r.Number {
		return nil, fmt.Errorf("%w: pair %d of %d", isa.ErrUnboundReference, pair, r.Number)
	}
	idx, err := netstack.ResultIndex(r.Type, pair, field)
	if err != nil {
		return nil, err
	}
	return r.Results.Get(idx)
}

// Outcome returns the measurement outcome of pair of an M type request.
func (r *EPRResult) Outcome(pair int) (*Future, error) {
	if r.Type != netstack.TypeM {
		return nil, fmt.Errorf("%w: %s type results carry no outcome", isa.ErrProtocolFieldMismatch, r.Type)
	}
	return r.Field(pair, netstack.OKMMeasurementOutcome)
}

type argField struct {
	index, value int
}

func (req CreateRequest) fields() []argField {
	fields := []argField{
		{netstack.CreateType, int(req.Type)},
		{netstack.CreateNumber, req.Number},
	}
	optional := []argField{
		{netstack.CreateRandomBasisLocal, req.RandomBasisLocal},
		{netstack.CreateRandomBasisRemote, req.RandomBasisRemote},
		{netstack.CreateMinimumFidelity, req.MinimumFidelity},
		{netstack.CreateTimeUnit, req.TimeUnit},
		{netstack.CreateMaxTime, req.MaxTime},
		{netstack.CreatePriority, req.Priority},
		{netstack.CreateAtomic, boolField(req.Atomic)},
		{netstack.CreateConsecutive, boolField(req.Consecutive)},
	}
	for _, f := range optional {
		if f.value != 0 {
			fields = append(fields, f)
		}
	}
	return fields
}

func boolField(v bool) int {
	if v {
		return 1
	}
	return 0
}

// Create emits a create_epr request followed by a wait on its results.
func (s *EPRSocket) Create(b *Builder, req CreateRequest) (*EPRResult, error) {
	return s.request(b, req.Number, req.Type, req.fields(), true)
}

// Recv emits a recv_epr request followed by a wait on its results.
func (s *EPRSocket) Recv(b *Builder, req RecvRequest) (*EPRResult, error) {
	return s.request(b, req.Number, req.Type, nil, false)
}

// request emits, in order: the result array, the qubit address array (K
// type only, filled with the virtual addresses of the new qubits), the
// argument array (create only), the request itself and a wait_all over the
// whole result array. M type requests pass a reserved C register in place of
// the qubit address array.
func (s *EPRSocket) request(b *Builder, n int, tp netstack.EPRType, fields []argField, create bool) (*EPRResult, error) {
	if n < 1 {
		return nil, fmt.Errorf("%w: number of pairs %d", isa.ErrInvalidOperand, n)
	}
	if s.RemoteNodeID < 0 {
		return nil, fmt.Errorf("%w: %s has no remote node", isa.ErrUnboundReference, s)
	}
	width, err := netstack.OKFieldsFor(tp)
	if err != nil {
		return nil, err
	}
	resultSize := n * width
	if err := netstack.CheckResults(tp, n, resultSize); err != nil {
		return nil, err
	}

	var ids []int
	var qaddr isa.Register
	if tp.ProducesQubits() {
		if ids, err = b.freeQubitIDs(n); err != nil {
			return nil, err
		}
	} else if qaddr, err = b.nextReservedC(); err != nil {
		return nil, err
	}

	res := &EPRResult{Type: tp, Number: n}
	e := b.begin()
	res.Results = e.declare(resultSize)
	if ids != nil {
		res.QubitAddrs = e.declare(n)
		for i, id := range ids {
			e.storeConst(res.QubitAddrs.addr, i, id)
		}
	}
	if create {
		res.Args = e.declare(netstack.CreateFields)
		if err := netstack.CheckCreateArgs(res.Args.size); err != nil {
			e.fail(err)
		}
		for _, f := range fields {
			e.storeConst(res.Args.addr, f.index, f.value)
		}
	}

	remote := e.reg(isa.ClassR)
	e.set(remote, s.RemoteNodeID)
	socket := e.reg(isa.ClassR)
	e.set(socket, s.ID)
	if res.QubitAddrs != nil {
		qaddr = e.reg(isa.ClassR)
		e.set(qaddr, int(res.QubitAddrs.addr))
	}
	if create {
		args := e.reg(isa.ClassR)
		e.set(args, int(res.Args.addr))
		results := e.reg(isa.ClassR)
		e.set(results, int(res.Results.addr))
		e.emit(isa.OpCreateEPR, remote, socket, qaddr, args, results)
		e.free(results)
		e.free(args)
	} else {
		results := e.reg(isa.ClassR)
		e.set(results, int(res.Results.addr))
		e.emit(isa.OpRecvEPR, remote, socket, qaddr, results)
		e.free(results)
	}
	if res.QubitAddrs != nil {
		e.free(qaddr)
	}
	e.free(socket)
	e.free(remote)

	start := e.reg(isa.ClassR)
	e.set(start, 0)
	stop := e.reg(isa.ClassR)
	e.set(stop, resultSize)
	e.emit(isa.OpWaitAll, isa.Slice(res.Results.addr, start, stop))

	if err := e.commit(); err != nil {
		return nil, err
	}
	if ids == nil {
		b.reservedC++
	}
	for _, id := range ids {
		res.Qubits = append(res.Qubits, b.activate(id))
	}
	verb := "recv"
	if create {
		verb = "create"
	}
	log.Debugf("app %d: %s request for %d %s pairs on %s", b.appID, verb, n, tp, s)
	return res, nil
}
