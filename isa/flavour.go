package isa

import (
	"fmt"
	"strings"
)

// Flavour selects which gate subset is available on top of the common
// catalogue. A subroutine is always built and decoded against exactly one
// flavour.
type Flavour struct {
	name  string
	gates map[Opcode]bool
}

func newFlavour(name string, gates ...Opcode) *Flavour {
	f := &Flavour{name: name, gates: make(map[Opcode]bool, len(gates))}
	for _, op := range gates {
		f.gates[op] = true
	}
	return f
}

var (
	// Vanilla is the generic gate set.
	Vanilla = newFlavour("vanilla",
		OpX, OpY, OpZ, OpH, OpS, OpK, OpT,
		OpRotX, OpRotY, OpRotZ, OpCNOT, OpCPhase)

	// NV is the native gate set of nitrogen-vacancy centre hardware.
	NV = newFlavour("nv", OpRotX, OpRotY, OpRotZ, OpCRotX, OpCRotY)
)

var flavours = []*Flavour{Vanilla, NV}

// FlavourByName returns the flavour registered under name.
func FlavourByName(name string) (*Flavour, error) {
	for _, f := range flavours {
		if f.name == strings.ToLower(name) {
			return f, nil
		}
	}
	return nil, fmt.Errorf("unknown flavour %q", name)
}

// Name returns the flavour name.
func (f *Flavour) Name() string {
	return f.name
}

func (f *Flavour) String() string {
	return f.name
}

// Supports reports whether op may appear in a subroutine of this flavour.
func (f *Flavour) Supports(op Opcode) bool {
	info, ok := opcodeTable[op]
	if !ok {
		return false
	}
	if info.Group == GroupCore {
		return true
	}
	return f.gates[op]
}

// New constructs an instruction, validating operand count and kinds against
// the opcode signature and the opcode against the flavour.
func (f *Flavour) New(op Opcode, operands ...Operand) (Instruction, error) {
	if !op.Known() {
		return Instruction{}, fmt.Errorf("%w: unknown opcode %d", ErrInvalidOperand, uint8(op))
	}
	if !f.Supports(op) {
		return Instruction{}, fmt.Errorf("%w: %s is not part of the %s flavour", ErrInvalidOperand, op, f.name)
	}
	if err := checkSignature(op, operands); err != nil {
		return Instruction{}, err
	}
	ins := Instruction{op: op, n: uint8(len(operands))}
	copy(ins.args[:], operands)
	return ins, nil
}

// MustNew is like New but panics on error. Intended for fixed tables and
// tests.
func (f *Flavour) MustNew(op Opcode, operands ...Operand) Instruction {
	ins, err := f.New(op, operands...)
	if err != nil {
		panic(err)
	}
	return ins
}

func checkSignature(op Opcode, operands []Operand) error {
	sig := op.Info().Signature
	if len(operands) != len(sig) {
		return fmt.Errorf("%w: %s takes %d operands, got %d", ErrInvalidOperand, op, len(sig), len(operands))
	}
	for i, slot := range sig {
		if err := checkSlot(slot, operands[i]); err != nil {
			return fmt.Errorf("%w (%s operand %d)", err, op, i)
		}
	}
	return nil
}

func checkSlot(slot Slot, o Operand) error {
	if o == nil {
		return fmt.Errorf("%w: missing %s", ErrInvalidOperand, slot.Kind)
	}
	if o.Kind() != slot.Kind {
		return fmt.Errorf("%w: want %s, got %s %s", ErrInvalidOperand, slot.Kind, o.Kind(), o)
	}
	switch x := o.(type) {
	case Register:
		if !x.Valid() {
			return fmt.Errorf("%w: register %s out of range", ErrInvalidOperand, x)
		}
		if slot.Restricted && x.Class != slot.Class {
			return fmt.Errorf("%w: want %s register, got %s", ErrInvalidOperand, slot.Class, x)
		}
		if slot.Write && x.Class == ClassC {
			return fmt.Errorf("%w: %s is read only", ErrInvalidOperand, x)
		}
	case ArrayEntry:
		if !validValue(x.Index) {
			return fmt.Errorf("%w: bad index in %s", ErrInvalidOperand, x)
		}
	case ArraySlice:
		if !validValue(x.Start) || !validValue(x.Stop) {
			return fmt.Errorf("%w: bad bounds in %s", ErrInvalidOperand, x)
		}
	}
	return nil
}
