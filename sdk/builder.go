// Package sdk compiles program-order calls (qubit allocation, gates,
// conditionals, entanglement requests) into subroutines.
package sdk

import (
	"fmt"
	"math"
	"sort"

	"github.com/tliron/commonlog"

	"github.com/chazu/netqasm/isa"
)

var log = commonlog.GetLogger("netqasm.sdk")

const (
	// DefaultMaxQubits is the qubit budget of an application when the
	// configuration does not name one.
	DefaultMaxQubits = 5

	// MaxArrays bounds the number of arrays declared in one subroutine.
	MaxArrays = 1024

	// placeholder is the target of a branch whose block is still open.
	placeholder = -1
)

// BuilderConfig configures a Builder.
type BuilderConfig struct {
	AppID     uint32
	Flavour   *isa.Flavour // defaults to isa.Vanilla
	MaxQubits int          // defaults to DefaultMaxQubits

	// ExplicitFree appends qfree instructions for every live qubit when a
	// subroutine is finished. Without it qubits are released by the backend
	// when the application stops.
	ExplicitFree bool
}

// ---------------------------------------------------------------------------
// Builder
// ---------------------------------------------------------------------------

// Builder accumulates instructions for one subroutine at a time. It is not
// safe for concurrent use; independent Builders share no state.
type Builder struct {
	appID        uint32
	flavour      *isa.Flavour
	maxQubits    int
	explicitFree bool

	// Per-subroutine state, cleared by reset.
	instrs     []isa.Instruction
	regs       [isa.NumRegisterClasses]regBank
	arrays     []*Array
	pending    map[int]bool // branch line -> waiting for its block to close
	reservedC  int
	generation int

	// Application state that survives flushes. committed is the live set as
	// of the last finished subroutine.
	qubits    map[int]*Qubit
	committed map[int]*Qubit
}

type regBank struct {
	live [isa.RegistersPerClass]bool
}

// NewBuilder creates a builder.
func NewBuilder(cfg BuilderConfig) *Builder {
	b := &Builder{
		appID:        cfg.AppID,
		flavour:      cfg.Flavour,
		maxQubits:    cfg.MaxQubits,
		explicitFree: cfg.ExplicitFree,
		pending:      make(map[int]bool),
		qubits:       make(map[int]*Qubit),
		committed:    make(map[int]*Qubit),
	}
	if b.flavour == nil {
		b.flavour = isa.Vanilla
	}
	if b.maxQubits <= 0 {
		b.maxQubits = DefaultMaxQubits
	}
	return b
}

// AppID returns the application id stamped on every subroutine.
func (b *Builder) AppID() uint32 {
	return b.appID
}

// Flavour returns the active gate flavour.
func (b *Builder) Flavour() *isa.Flavour {
	return b.flavour
}

// Len returns the number of instructions emitted for the current subroutine.
func (b *Builder) Len() int {
	return len(b.instrs)
}

// Instructions returns a copy of the instructions emitted so far.
func (b *Builder) Instructions() []isa.Instruction {
	out := make([]isa.Instruction, len(b.instrs))
	copy(out, b.instrs)
	return out
}

// LiveQubits returns the live qubits ordered by virtual address.
func (b *Builder) LiveQubits() []*Qubit {
	ids := make([]int, 0, len(b.qubits))
	for id := range b.qubits {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	out := make([]*Qubit, len(ids))
	for i, id := range ids {
		out[i] = b.qubits[id]
	}
	return out
}

// Subroutine finishes the current subroutine: it checks that every
// conditional block is closed, frees live qubits when configured to, returns
// every declared array in declaration order and validates the result. The
// builder is then reset for the next subroutine; the application id and the
// live qubits carry over.
func (b *Builder) Subroutine() (*isa.Subroutine, error) {
	if len(b.pending) > 0 {
		lines := make([]int, 0, len(b.pending))
		for line := range b.pending {
			lines = append(lines, line)
		}
		sort.Ints(lines)
		return nil, fmt.Errorf("%w: blocks opened at lines %v are still open", isa.ErrUnresolvedBranch, lines)
	}
	if b.explicitFree {
		if err := b.FreeAll(); err != nil {
			return nil, err
		}
	}

	instrs := make([]isa.Instruction, 0, len(b.instrs)+len(b.arrays))
	instrs = append(instrs, b.instrs...)
	for _, a := range b.arrays {
		ret, err := b.flavour.New(isa.OpRetArr, a.addr)
		if err != nil {
			return nil, err
		}
		instrs = append(instrs, ret)
	}
	if targetsEnd(instrs) {
		// A block closed on the last line; give its branch a line to land on.
		end, err := b.flavour.New(isa.OpSet, isa.Reg(isa.ClassR, 0), isa.Immediate(0))
		if err != nil {
			return nil, err
		}
		instrs = append(instrs, end)
	}

	s := isa.NewSubroutine(b.appID, instrs)
	if err := s.Validate(); err != nil {
		return nil, err
	}
	log.Debugf("app %d: finished subroutine with %d instructions", b.appID, len(instrs))
	b.committed = make(map[int]*Qubit, len(b.qubits))
	for id, q := range b.qubits {
		b.committed[id] = q
	}
	b.reset()
	return s, nil
}

func targetsEnd(instrs []isa.Instruction) bool {
	for _, ins := range instrs {
		if t, ok := ins.Target(); ok && t == len(instrs) {
			return true
		}
	}
	return false
}

// Abort drops the current subroutine without emitting it. The live qubits
// return to what they were after the last finished subroutine; the caller
// decides how those are released.
func (b *Builder) Abort() {
	if len(b.instrs) > 0 {
		log.Debugf("app %d: dropping %d pending instructions", b.appID, len(b.instrs))
	}
	for id, q := range b.qubits {
		if b.committed[id] != q {
			q.active = false
		}
	}
	b.qubits = make(map[int]*Qubit, len(b.committed))
	for id, q := range b.committed {
		q.active = true
		b.qubits[id] = q
	}
	b.reset()
}

// FreeAll frees every live qubit.
func (b *Builder) FreeAll() error {
	for _, q := range b.LiveQubits() {
		if err := q.Free(); err != nil {
			return err
		}
	}
	return nil
}

func (b *Builder) reset() {
	b.instrs = nil
	b.regs = [isa.NumRegisterClasses]regBank{}
	b.arrays = nil
	b.pending = make(map[int]bool)
	b.reservedC = 0
	b.generation++
}

// ---------------------------------------------------------------------------
// Allocation
// ---------------------------------------------------------------------------

func (b *Builder) acquire(class isa.RegisterClass) (isa.Register, error) {
	if class == isa.ClassC {
		return isa.Register{}, fmt.Errorf("%w: C registers are reserved", isa.ErrInvalidOperand)
	}
	bank := &b.regs[class]
	for i := range bank.live {
		if !bank.live[i] {
			bank.live[i] = true
			return isa.Reg(class, uint8(i)), nil
		}
	}
	return isa.Register{}, fmt.Errorf("%w: all %d %s registers are live", isa.ErrAllocationExhausted, isa.RegistersPerClass, class)
}

func (b *Builder) release(r isa.Register) {
	bank := &b.regs[r.Class]
	if bank.live[r.Index] {
		bank.live[r.Index] = false
	}
}

// nextReservedC returns the reserved register the next measure-type
// entanglement request of this subroutine will use. Reservations are
// sequential per request.
func (b *Builder) nextReservedC() (isa.Register, error) {
	if b.reservedC >= isa.RegistersPerClass {
		return isa.Register{}, fmt.Errorf("%w: all %d reserved C registers are in use", isa.ErrAllocationExhausted, isa.RegistersPerClass)
	}
	return isa.Reg(isa.ClassC, uint8(b.reservedC)), nil
}

// freeQubitIDs returns the n lowest unused virtual qubit addresses without
// claiming them.
func (b *Builder) freeQubitIDs(n int) ([]int, error) {
	ids := make([]int, 0, n)
	for id := 0; id < b.maxQubits && len(ids) < n; id++ {
		if _, live := b.qubits[id]; !live {
			ids = append(ids, id)
		}
	}
	if len(ids) < n {
		return nil, fmt.Errorf("%w: need %d qubits, %d of %d free", isa.ErrAllocationExhausted, n, len(ids), b.maxQubits)
	}
	return ids, nil
}

func (b *Builder) activate(id int) *Qubit {
	q := &Qubit{b: b, id: id, active: true}
	b.qubits[id] = q
	return q
}

func (b *Builder) deactivate(q *Qubit) {
	q.active = false
	delete(b.qubits, q.id)
}

// ---------------------------------------------------------------------------
// Emitter: all-or-nothing emission of one high-level call
// ---------------------------------------------------------------------------

// emitter collects the instructions of one high-level call. The first error
// sticks; commit then appends nothing, so a failed call never leaves partial
// instructions behind. Temporary registers are released on commit either way.
type emitter struct {
	b      *Builder
	instrs []isa.Instruction
	held   []isa.Register
	arrays []*Array
	err    error
}

func (b *Builder) begin() *emitter {
	return &emitter{b: b}
}

func (e *emitter) fail(err error) {
	if e.err == nil {
		e.err = err
	}
}

// reg claims the lowest free register of class until freed or committed.
func (e *emitter) reg(class isa.RegisterClass) isa.Register {
	if e.err != nil {
		return isa.Register{}
	}
	r, err := e.b.acquire(class)
	if err != nil {
		e.fail(err)
		return isa.Register{}
	}
	e.held = append(e.held, r)
	return r
}

func (e *emitter) free(r isa.Register) {
	for i, h := range e.held {
		if h == r {
			e.b.release(r)
			e.held = append(e.held[:i], e.held[i+1:]...)
			return
		}
	}
}

func (e *emitter) emit(op isa.Opcode, operands ...isa.Operand) {
	if e.err != nil {
		return
	}
	ins, err := e.b.flavour.New(op, operands...)
	if err != nil {
		e.fail(err)
		return
	}
	e.instrs = append(e.instrs, ins)
}

func (e *emitter) set(r isa.Register, v int) {
	if v < math.MinInt32 || v > math.MaxInt32 {
		e.fail(fmt.Errorf("%w: %d does not fit an immediate", isa.ErrInvalidOperand, v))
		return
	}
	e.emit(isa.OpSet, r, isa.Immediate(v))
}

// storeConst emits "set Rv value; set Ri index; store Rv @addr[Ri]".
func (e *emitter) storeConst(addr isa.Address, index, value int) {
	v := e.reg(isa.ClassR)
	e.set(v, value)
	idx := e.reg(isa.ClassR)
	e.set(idx, index)
	e.emit(isa.OpStore, v, isa.Entry(addr, idx))
	e.free(idx)
	e.free(v)
}

// declare emits "set R size; array R @addr" and returns the new array. The
// returned array is never nil; it is only registered on commit.
func (e *emitter) declare(size int) *Array {
	addr := len(e.b.arrays) + len(e.arrays)
	a := &Array{b: e.b, addr: isa.Address(addr), size: size, gen: e.b.generation}
	if e.err != nil {
		return a
	}
	if size <= 0 {
		e.fail(fmt.Errorf("%w: array size %d", isa.ErrInvalidOperand, size))
		return a
	}
	if addr >= MaxArrays {
		e.fail(fmt.Errorf("%w: %d arrays already declared", isa.ErrAllocationExhausted, addr))
		return a
	}
	r := e.reg(isa.ClassR)
	e.set(r, size)
	e.emit(isa.OpArray, r, a.addr)
	e.free(r)
	e.arrays = append(e.arrays, a)
	return a
}

// line returns the absolute index the next emitted instruction will get.
func (e *emitter) line() int {
	return len(e.b.instrs) + len(e.instrs)
}

func (e *emitter) commit() error {
	for _, r := range e.held {
		e.b.release(r)
	}
	e.held = nil
	if e.err != nil {
		return e.err
	}
	e.b.instrs = append(e.b.instrs, e.instrs...)
	e.b.arrays = append(e.b.arrays, e.arrays...)
	return nil
}

// ---------------------------------------------------------------------------
// Blocks and backpatching
// ---------------------------------------------------------------------------

// block records the branch at line as pending, runs body and patches the
// branch to the first instruction after the block. If body fails the branch
// stays pending and the subroutine can no longer be finished.
func (b *Builder) block(line int, body func() error) error {
	b.pending[line] = true
	if body != nil {
		if err := body(); err != nil {
			return err
		}
	}
	return b.close(line)
}

func (b *Builder) close(line int) error {
	if !b.pending[line] {
		return fmt.Errorf("%w: no open block at line %d", isa.ErrUnresolvedBranch, line)
	}
	patched, err := b.instrs[line].Retarget(len(b.instrs))
	if err != nil {
		return err
	}
	b.instrs[line] = patched
	delete(b.pending, line)
	return nil
}

// Loop emits body so that it runs times times on the backend.
func (b *Builder) Loop(times int, body func() error) error {
	if times < 0 {
		return fmt.Errorf("%w: negative loop count %d", isa.ErrInvalidOperand, times)
	}
	counter, err := b.acquire(isa.ClassR)
	if err != nil {
		return err
	}
	defer b.release(counter)
	stop, err := b.acquire(isa.ClassR)
	if err != nil {
		return err
	}
	defer b.release(stop)

	e := b.begin()
	e.set(counter, 0)
	e.set(stop, times)
	start := e.line()
	e.emit(isa.OpBeq, counter, stop, isa.Immediate(placeholder))
	if err := e.commit(); err != nil {
		return err
	}

	b.pending[start] = true
	if body != nil {
		if err := body(); err != nil {
			return err
		}
	}

	e = b.begin()
	one := e.reg(isa.ClassR)
	e.set(one, 1)
	e.emit(isa.OpAdd, counter, counter, one)
	e.emit(isa.OpJmp, isa.Immediate(start))
	if err := e.commit(); err != nil {
		return err
	}
	return b.close(start)
}
