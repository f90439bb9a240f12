package sdk

import (
	"fmt"

	"github.com/chazu/netqasm/isa"
)

// Qubit is a handle to a virtual qubit address. Every instruction that acts
// on it first binds the address into a Q register with "set".
type Qubit struct {
	b      *Builder
	id     int
	active bool
}

// NewQubit allocates the lowest free virtual address and emits
// "set Q v; qalloc Q; init Q".
func (b *Builder) NewQubit() (*Qubit, error) {
	ids, err := b.freeQubitIDs(1)
	if err != nil {
		return nil, err
	}
	e := b.begin()
	q := e.reg(isa.ClassQ)
	e.set(q, ids[0])
	e.emit(isa.OpQAlloc, q)
	e.emit(isa.OpInit, q)
	if err := e.commit(); err != nil {
		return nil, err
	}
	return b.activate(ids[0]), nil
}

// ID returns the virtual address.
func (q *Qubit) ID() int {
	return q.id
}

// Active reports whether the qubit has not been measured destructively or
// freed.
func (q *Qubit) Active() bool {
	return q.active
}

func (q *Qubit) String() string {
	return fmt.Sprintf("qubit(%d)", q.id)
}

func (q *Qubit) check() error {
	if q == nil || !q.active || q.b.qubits[q.id] != q {
		return fmt.Errorf("%w: qubit is no longer active", isa.ErrUnboundReference)
	}
	return nil
}

// ---------------------------------------------------------------------------
// Gates
// ---------------------------------------------------------------------------

func (q *Qubit) X() error { return q.single(isa.OpX) }
func (q *Qubit) Y() error { return q.single(isa.OpY) }
func (q *Qubit) Z() error { return q.single(isa.OpZ) }
func (q *Qubit) H() error { return q.single(isa.OpH) }
func (q *Qubit) S() error { return q.single(isa.OpS) }
func (q *Qubit) K() error { return q.single(isa.OpK) }
func (q *Qubit) T() error { return q.single(isa.OpT) }

// RotX rotates around X by n*pi/2^d.
func (q *Qubit) RotX(n, d int) error { return q.rotate(isa.OpRotX, n, d) }

// RotY rotates around Y by n*pi/2^d.
func (q *Qubit) RotY(n, d int) error { return q.rotate(isa.OpRotY, n, d) }

// RotZ rotates around Z by n*pi/2^d.
func (q *Qubit) RotZ(n, d int) error { return q.rotate(isa.OpRotZ, n, d) }

// CNOT applies a controlled X with q as control.
func (q *Qubit) CNOT(target *Qubit) error { return q.two(isa.OpCNOT, target) }

// CPhase applies a controlled Z with q as control.
func (q *Qubit) CPhase(target *Qubit) error { return q.two(isa.OpCPhase, target) }

// CRotX applies a controlled X rotation by n*pi/2^d.
func (q *Qubit) CRotX(target *Qubit, n, d int) error {
	if err := checkAngle(n, d); err != nil {
		return err
	}
	return q.two(isa.OpCRotX, target, isa.Immediate(n), isa.Immediate(d))
}

// CRotY applies a controlled Y rotation by n*pi/2^d.
func (q *Qubit) CRotY(target *Qubit, n, d int) error {
	if err := checkAngle(n, d); err != nil {
		return err
	}
	return q.two(isa.OpCRotY, target, isa.Immediate(n), isa.Immediate(d))
}

func (q *Qubit) single(op isa.Opcode) error {
	if err := q.check(); err != nil {
		return err
	}
	e := q.b.begin()
	r := e.reg(isa.ClassQ)
	e.set(r, q.id)
	e.emit(op, r)
	return e.commit()
}

func (q *Qubit) rotate(op isa.Opcode, n, d int) error {
	if err := q.check(); err != nil {
		return err
	}
	if err := checkAngle(n, d); err != nil {
		return err
	}
	e := q.b.begin()
	r := e.reg(isa.ClassQ)
	e.set(r, q.id)
	e.emit(op, r, isa.Immediate(n), isa.Immediate(d))
	return e.commit()
}

func (q *Qubit) two(op isa.Opcode, target *Qubit, extra ...isa.Operand) error {
	if err := q.check(); err != nil {
		return err
	}
	if err := target.check(); err != nil {
		return err
	}
	if q == target {
		return fmt.Errorf("%w: %s cannot act on itself", isa.ErrInvalidOperand, op)
	}
	e := q.b.begin()
	control := e.reg(isa.ClassQ)
	e.set(control, q.id)
	t := e.reg(isa.ClassQ)
	e.set(t, target.id)
	e.emit(op, append([]isa.Operand{control, t}, extra...)...)
	return e.commit()
}

func checkAngle(n, d int) error {
	if d < 0 || d > 31 {
		return fmt.Errorf("%w: angle denominator exponent %d", isa.ErrInvalidOperand, d)
	}
	if int(int32(n)) != n {
		return fmt.Errorf("%w: angle numerator %d", isa.ErrInvalidOperand, n)
	}
	return nil
}

// ---------------------------------------------------------------------------
// Measurement and release
// ---------------------------------------------------------------------------

// Measure measures the qubit and frees it. The outcome is stored in a fresh
// one-entry array and is readable after the subroutine is flushed.
func (q *Qubit) Measure() (*Future, error) {
	return q.measure(false)
}

// MeasureInplace measures the qubit and keeps it live.
func (q *Qubit) MeasureInplace() (*Future, error) {
	return q.measure(true)
}

func (q *Qubit) measure(inplace bool) (*Future, error) {
	if err := q.check(); err != nil {
		return nil, err
	}
	e := q.b.begin()
	arr := e.declare(1)
	qr := e.reg(isa.ClassQ)
	e.set(qr, q.id)
	m := e.reg(isa.ClassM)
	e.emit(isa.OpMeas, qr, m)
	idx := e.reg(isa.ClassR)
	e.set(idx, 0)
	e.emit(isa.OpStore, m, isa.Entry(arr.addr, idx))
	if !inplace {
		e.emit(isa.OpQFree, qr)
	}
	if err := e.commit(); err != nil {
		return nil, err
	}
	if !inplace {
		q.b.deactivate(q)
	}
	return &Future{arr: arr, index: 0}, nil
}

// Free emits "set Q v; qfree Q" and releases the virtual address.
func (q *Qubit) Free() error {
	if err := q.check(); err != nil {
		return err
	}
	e := q.b.begin()
	r := e.reg(isa.ClassQ)
	e.set(r, q.id)
	e.emit(isa.OpQFree, r)
	if err := e.commit(); err != nil {
		return err
	}
	q.b.deactivate(q)
	return nil
}
