package sdk

import (
	"fmt"

	"github.com/chazu/netqasm/isa"
)

// Array is a classical array declared in the current subroutine. It is
// returned to the application when the subroutine finishes; handles from an
// earlier subroutine can no longer be used to emit instructions.
type Array struct {
	b    *Builder
	addr isa.Address
	size int
	gen  int
}

// NewArray declares an array of size entries.
func (b *Builder) NewArray(size int) (*Array, error) {
	e := b.begin()
	a := e.declare(size)
	if err := e.commit(); err != nil {
		return nil, err
	}
	return a, nil
}

// Address returns the array address.
func (a *Array) Address() isa.Address {
	return a.addr
}

// Len returns the number of entries.
func (a *Array) Len() int {
	return a.size
}

func (a *Array) check() error {
	if a.gen != a.b.generation {
		return fmt.Errorf("%w: array %s belongs to a finished subroutine", isa.ErrUnboundReference, a.addr)
	}
	return nil
}

// Get returns a future for entry i.
func (a *Array) Get(i int) (*Future, error) {
	if err := a.check(); err != nil {
		return nil, err
	}
	if i < 0 || i >= a.size {
		return nil, fmt.Errorf("%w: index %d outside array %s of %d entries", isa.ErrUnboundReference, i, a.addr, a.size)
	}
	return &Future{arr: a, index: i}, nil
}

// ---------------------------------------------------------------------------
// Future
// ---------------------------------------------------------------------------

// Future names an array entry whose value is only known once the backend
// has run the subroutine.
type Future struct {
	arr   *Array
	index int
}

// Array returns the array holding the value.
func (f *Future) Array() *Array {
	return f.arr
}

// Index returns the entry index.
func (f *Future) Index() int {
	return f.index
}

func (f *Future) String() string {
	return fmt.Sprintf("%s[%d]", f.arr.addr, f.index)
}

// load emits "set Ri index; load Rv @a[Ri]" and returns Rv, which stays held
// by the emitter.
func (f *Future) load(e *emitter) isa.Register {
	v := e.reg(isa.ClassR)
	idx := e.reg(isa.ClassR)
	e.set(idx, f.index)
	e.emit(isa.OpLoad, v, isa.Entry(f.arr.addr, idx))
	e.free(idx)
	return v
}

func (f *Future) store(e *emitter, v isa.Register) {
	idx := e.reg(isa.ClassR)
	e.set(idx, f.index)
	e.emit(isa.OpStore, v, isa.Entry(f.arr.addr, idx))
	e.free(idx)
}

// Set stores the constant n.
func (f *Future) Set(n int) error {
	if err := f.arr.check(); err != nil {
		return err
	}
	e := f.arr.b.begin()
	v := e.reg(isa.ClassR)
	e.set(v, n)
	f.store(e, v)
	return e.commit()
}

// Add adds the constant n to the stored value.
func (f *Future) Add(n int) error {
	return f.arith(isa.OpAdd, n)
}

// Sub subtracts the constant n from the stored value.
func (f *Future) Sub(n int) error {
	return f.arith(isa.OpSub, n)
}

func (f *Future) arith(op isa.Opcode, n int) error {
	if err := f.arr.check(); err != nil {
		return err
	}
	e := f.arr.b.begin()
	v := f.load(e)
	t := e.reg(isa.ClassR)
	e.set(t, n)
	e.emit(op, v, v, t)
	e.free(t)
	f.store(e, v)
	return e.commit()
}

// Undef marks the entry as not yet written.
func (f *Future) Undef() error {
	if err := f.arr.check(); err != nil {
		return err
	}
	e := f.arr.b.begin()
	idx := e.reg(isa.ClassR)
	e.set(idx, f.index)
	e.emit(isa.OpUndef, isa.Entry(f.arr.addr, idx))
	return e.commit()
}

// ---------------------------------------------------------------------------
// Conditionals
// ---------------------------------------------------------------------------

// IfEq emits body guarded by value == n.
func (f *Future) IfEq(n int, body func() error) error { return f.branch(isa.OpBne, n, body) }

// IfNe emits body guarded by value != n.
func (f *Future) IfNe(n int, body func() error) error { return f.branch(isa.OpBeq, n, body) }

// IfLt emits body guarded by value < n.
func (f *Future) IfLt(n int, body func() error) error { return f.branch(isa.OpBge, n, body) }

// IfGe emits body guarded by value >= n.
func (f *Future) IfGe(n int, body func() error) error { return f.branch(isa.OpBlt, n, body) }

// IfEz emits body guarded by value == 0.
func (f *Future) IfEz(body func() error) error { return f.branchZero(isa.OpBnz, body) }

// IfNz emits body guarded by value != 0.
func (f *Future) IfNz(body func() error) error { return f.branchZero(isa.OpBez, body) }

// branch emits the inverted comparison skip, which jumps past the block when
// the condition does not hold.
func (f *Future) branch(skip isa.Opcode, n int, body func() error) error {
	if err := f.arr.check(); err != nil {
		return err
	}
	b := f.arr.b
	e := b.begin()
	v := f.load(e)
	t := e.reg(isa.ClassR)
	e.set(t, n)
	line := e.line()
	e.emit(skip, v, t, isa.Immediate(placeholder))
	if err := e.commit(); err != nil {
		return err
	}
	return b.block(line, body)
}

func (f *Future) branchZero(skip isa.Opcode, body func() error) error {
	if err := f.arr.check(); err != nil {
		return err
	}
	b := f.arr.b
	e := b.begin()
	v := f.load(e)
	line := e.line()
	e.emit(skip, v, isa.Immediate(placeholder))
	if err := e.commit(); err != nil {
		return err
	}
	return b.block(line, body)
}
