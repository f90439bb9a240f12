package isa

import (
	"fmt"
	"strconv"
)

// ---------------------------------------------------------------------------
// Register classes
// ---------------------------------------------------------------------------

// RegisterClass names a bank of registers. The numeric value is the tag
// written on the wire.
type RegisterClass uint8

const (
	// ClassC is reserved for the EPR encoder. The builder never hands out C
	// registers as general purpose temporaries.
	ClassC RegisterClass = 0
	// ClassR holds general purpose integers.
	ClassR RegisterClass = 1
	// ClassQ holds virtual qubit addresses.
	ClassQ RegisterClass = 2
	// ClassM holds measurement outcomes.
	ClassM RegisterClass = 3
)

// RegistersPerClass is the number of addressable registers in each class.
const RegistersPerClass = 16

// NumRegisterClasses is the number of register classes.
const NumRegisterClasses = 4

var classNames = [NumRegisterClasses]string{"C", "R", "Q", "M"}

// Valid reports whether c is a known register class.
func (c RegisterClass) Valid() bool {
	return c < NumRegisterClasses
}

// String returns the one-letter class name.
func (c RegisterClass) String() string {
	if !c.Valid() {
		return fmt.Sprintf("?%d", uint8(c))
	}
	return classNames[c]
}

// ParseRegisterClass maps a one-letter class name back to its class.
func ParseRegisterClass(s string) (RegisterClass, error) {
	for i, name := range classNames {
		if name == s {
			return RegisterClass(i), nil
		}
	}
	return 0, fmt.Errorf("%w: unknown register class %q", ErrInvalidOperand, s)
}

// ---------------------------------------------------------------------------
// Operands
// ---------------------------------------------------------------------------

// OperandKind discriminates the operand variants.
type OperandKind uint8

const (
	KindRegister OperandKind = iota + 1
	KindImmediate
	KindAddress
	KindArrayEntry
	KindArraySlice
)

var kindNames = map[OperandKind]string{
	KindRegister:   "register",
	KindImmediate:  "immediate",
	KindAddress:    "address",
	KindArrayEntry: "array entry",
	KindArraySlice: "array slice",
}

func (k OperandKind) String() string {
	if name, ok := kindNames[k]; ok {
		return name
	}
	return fmt.Sprintf("kind(%d)", uint8(k))
}

// Operand is one argument of an instruction. All implementations are
// comparable value types, so instructions compare structurally with ==.
type Operand interface {
	Kind() OperandKind
	String() string
}

// Value is an operand usable as an array index or slice bound: a Register
// or an Immediate.
type Value interface {
	Operand
	isValue()
}

// Register is a typed, indexed storage slot.
type Register struct {
	Class RegisterClass
	Index uint8
}

// Reg is shorthand for Register{Class: class, Index: index}.
func Reg(class RegisterClass, index uint8) Register {
	return Register{Class: class, Index: index}
}

func (r Register) Kind() OperandKind { return KindRegister }
func (r Register) isValue()          {}

func (r Register) String() string {
	return r.Class.String() + strconv.Itoa(int(r.Index))
}

// Valid reports whether the register names an existing slot.
func (r Register) Valid() bool {
	return r.Class.Valid() && r.Index < RegistersPerClass
}

// Immediate is a literal integer embedded in the instruction.
type Immediate int32

func (i Immediate) Kind() OperandKind { return KindImmediate }
func (i Immediate) isValue()          {}

func (i Immediate) String() string {
	return strconv.Itoa(int(i))
}

// Address identifies an array declared in the same subroutine.
type Address uint32

func (a Address) Kind() OperandKind { return KindAddress }

func (a Address) String() string {
	return "@" + strconv.FormatUint(uint64(a), 10)
}

// ArrayEntry references a single element of an array.
type ArrayEntry struct {
	Address Address
	Index   Value
}

// Entry is shorthand for an ArrayEntry.
func Entry(addr Address, index Value) ArrayEntry {
	return ArrayEntry{Address: addr, Index: index}
}

func (e ArrayEntry) Kind() OperandKind { return KindArrayEntry }

func (e ArrayEntry) String() string {
	return fmt.Sprintf("%s[%s]", e.Address, valueString(e.Index))
}

// ArraySlice references the half-open range [Start, Stop) of an array.
type ArraySlice struct {
	Address Address
	Start   Value
	Stop    Value
}

// Slice is shorthand for an ArraySlice.
func Slice(addr Address, start, stop Value) ArraySlice {
	return ArraySlice{Address: addr, Start: start, Stop: stop}
}

func (s ArraySlice) Kind() OperandKind { return KindArraySlice }

func (s ArraySlice) String() string {
	return fmt.Sprintf("%s[%s:%s]", s.Address, valueString(s.Start), valueString(s.Stop))
}

func valueString(v Value) string {
	if v == nil {
		return "?"
	}
	return v.String()
}

// validValue reports whether v is a well formed index or bound.
func validValue(v Value) bool {
	switch x := v.(type) {
	case Register:
		return x.Valid()
	case Immediate:
		return true
	default:
		return false
	}
}
