// Package encoding converts subroutines to and from the binary wire format
// consumed by execution backends.
//
// Layout (little-endian):
//
//	header:      major u8 | minor u8 | app_id u32 | count u32
//	instruction: opcode u8 | operand...
//	register:    class u8 | index u8
//	immediate:   i32
//	address:     u32
//	value:       kind u8 (0 register, 1 immediate) | 4 payload bytes
//	array entry: address | value
//	array slice: address | value | value
//
// A register inside a value occupies the first two payload bytes; the other
// two must be zero.
package encoding

import (
	"encoding/binary"
	"fmt"

	"github.com/chazu/netqasm/isa"
)

// ---------------------------------------------------------------------------
// Format constants
// ---------------------------------------------------------------------------

const (
	HeaderSize    = 10
	OpcodeSize    = 1
	RegisterSize  = 2
	ImmediateSize = 4
	AddressSize   = 4
	ValueSize     = 5
	EntrySize     = AddressSize + ValueSize
	SliceSize     = AddressSize + 2*ValueSize
)

const (
	valueKindRegister  byte = 0
	valueKindImmediate byte = 1
)

// OperandSize returns the encoded width of an operand kind.
func OperandSize(k isa.OperandKind) int {
	switch k {
	case isa.KindRegister:
		return RegisterSize
	case isa.KindImmediate:
		return ImmediateSize
	case isa.KindAddress:
		return AddressSize
	case isa.KindArrayEntry:
		return EntrySize
	case isa.KindArraySlice:
		return SliceSize
	}
	return 0
}

// InstructionSize returns the encoded width of instructions with opcode op.
func InstructionSize(op isa.Opcode) int {
	size := OpcodeSize
	for _, slot := range op.Info().Signature {
		size += OperandSize(slot.Kind)
	}
	return size
}

// ---------------------------------------------------------------------------
// Encoding
// ---------------------------------------------------------------------------

// Encode validates s and serializes it.
func Encode(s *isa.Subroutine) ([]byte, error) {
	if err := s.Validate(); err != nil {
		return nil, fmt.Errorf("encode: %w", err)
	}

	size := HeaderSize
	for _, ins := range s.Instructions {
		size += InstructionSize(ins.Opcode())
	}

	w := &writer{buf: make([]byte, 0, size)}
	w.uint8(s.Version.Major)
	w.uint8(s.Version.Minor)
	w.uint32(s.AppID)
	w.uint32(uint32(len(s.Instructions)))
	for _, ins := range s.Instructions {
		w.uint8(uint8(ins.Opcode()))
		for k := 0; k < ins.NumOperands(); k++ {
			w.operand(ins.Operand(k))
		}
	}
	return w.buf, nil
}

type writer struct {
	buf []byte
}

func (w *writer) uint8(v uint8) {
	w.buf = append(w.buf, v)
}

func (w *writer) uint32(v uint32) {
	w.buf = binary.LittleEndian.AppendUint32(w.buf, v)
}

func (w *writer) operand(o isa.Operand) {
	switch x := o.(type) {
	case isa.Register:
		w.register(x)
	case isa.Immediate:
		w.uint32(uint32(x))
	case isa.Address:
		w.uint32(uint32(x))
	case isa.ArrayEntry:
		w.uint32(uint32(x.Address))
		w.value(x.Index)
	case isa.ArraySlice:
		w.uint32(uint32(x.Address))
		w.value(x.Start)
		w.value(x.Stop)
	}
}

func (w *writer) register(r isa.Register) {
	w.buf = append(w.buf, byte(r.Class), r.Index)
}

func (w *writer) value(v isa.Value) {
	switch x := v.(type) {
	case isa.Register:
		w.buf = append(w.buf, valueKindRegister, byte(x.Class), x.Index, 0, 0)
	case isa.Immediate:
		w.uint8(valueKindImmediate)
		w.uint32(uint32(x))
	}
}
