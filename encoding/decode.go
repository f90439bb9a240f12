package encoding

import (
	"encoding/binary"
	"fmt"

	"github.com/chazu/netqasm/isa"
)

// DecodeError locates a structural violation in an encoded subroutine.
// It matches isa.ErrMalformedStream under errors.Is.
type DecodeError struct {
	Offset int        // byte offset where decoding failed
	Line   int        // instruction index, or -1 inside the header
	Opcode isa.Opcode // opcode being decoded, valid when Line >= 0
	Reason string
}

func (e *DecodeError) Error() string {
	if e.Line < 0 {
		return fmt.Sprintf("%s at offset %d (header): %s", isa.ErrMalformedStream, e.Offset, e.Reason)
	}
	return fmt.Sprintf("%s at offset %d (line %d, opcode %d %s): %s",
		isa.ErrMalformedStream, e.Offset, e.Line, uint8(e.Opcode), e.Opcode.Name(), e.Reason)
}

func (e *DecodeError) Unwrap() error {
	return isa.ErrMalformedStream
}

// Decode parses an encoded subroutine. Gates outside flavour are rejected; a
// nil flavour means isa.Vanilla. Decoding is all or nothing: any violation
// returns a *DecodeError and no subroutine.
func Decode(data []byte, flavour *isa.Flavour) (*isa.Subroutine, error) {
	if flavour == nil {
		flavour = isa.Vanilla
	}
	r := &reader{data: data, line: -1}

	if len(data) < HeaderSize {
		return nil, r.fail("truncated header: %d bytes", len(data))
	}
	major, _ := r.uint8()
	minor, _ := r.uint8()
	if major != isa.CurrentVersion.Major {
		r.offset = 0
		return nil, r.fail("unsupported version %d.%d", major, minor)
	}
	appID, _ := r.uint32()
	count, _ := r.uint32()

	// Every instruction takes at least two bytes, which bounds the count
	// before anything is allocated.
	if remaining := len(data) - r.offset; uint64(count)*2 > uint64(remaining) {
		r.offset -= 4
		return nil, r.fail("instruction count %d exceeds %d remaining bytes", count, remaining)
	}

	instrs := make([]isa.Instruction, 0, count)
	for i := 0; i < int(count); i++ {
		ins, err := r.instruction(i, flavour)
		if err != nil {
			return nil, err
		}
		instrs = append(instrs, ins)
	}
	if r.offset != len(data) {
		r.line = -1
		return nil, r.fail("%d trailing bytes", len(data)-r.offset)
	}

	return &isa.Subroutine{
		Version:      isa.Version{Major: major, Minor: minor},
		AppID:        appID,
		Instructions: instrs,
	}, nil
}

type reader struct {
	data   []byte
	offset int
	line   int
	op     isa.Opcode
}

func (r *reader) fail(format string, args ...interface{}) error {
	return &DecodeError{
		Offset: r.offset,
		Line:   r.line,
		Opcode: r.op,
		Reason: fmt.Sprintf(format, args...),
	}
}

func (r *reader) need(n int) error {
	if r.offset+n > len(r.data) {
		return r.fail("truncated: need %d bytes, have %d", n, len(r.data)-r.offset)
	}
	return nil
}

func (r *reader) uint8() (uint8, error) {
	if err := r.need(1); err != nil {
		return 0, err
	}
	v := r.data[r.offset]
	r.offset++
	return v, nil
}

func (r *reader) uint32() (uint32, error) {
	if err := r.need(4); err != nil {
		return 0, err
	}
	v := binary.LittleEndian.Uint32(r.data[r.offset:])
	r.offset += 4
	return v, nil
}

func (r *reader) instruction(line int, flavour *isa.Flavour) (isa.Instruction, error) {
	start := r.offset
	r.line = line
	r.op = 0

	tag, err := r.uint8()
	if err != nil {
		return isa.Instruction{}, err
	}
	op := isa.Opcode(tag)
	r.op = op
	if !op.Known() {
		r.offset = start
		return isa.Instruction{}, r.fail("unknown opcode")
	}
	if !flavour.Supports(op) {
		r.offset = start
		return isa.Instruction{}, r.fail("opcode not in %s flavour", flavour)
	}

	sig := op.Info().Signature
	operands := make([]isa.Operand, len(sig))
	for k, slot := range sig {
		o, err := r.operand(slot.Kind)
		if err != nil {
			return isa.Instruction{}, err
		}
		operands[k] = o
	}

	ins, err := flavour.New(op, operands...)
	if err != nil {
		r.offset = start
		return isa.Instruction{}, r.fail("%v", err)
	}
	return ins, nil
}

func (r *reader) operand(kind isa.OperandKind) (isa.Operand, error) {
	switch kind {
	case isa.KindRegister:
		return r.register()
	case isa.KindImmediate:
		v, err := r.uint32()
		return isa.Immediate(int32(v)), err
	case isa.KindAddress:
		v, err := r.uint32()
		return isa.Address(v), err
	case isa.KindArrayEntry:
		addr, err := r.uint32()
		if err != nil {
			return nil, err
		}
		index, err := r.value()
		if err != nil {
			return nil, err
		}
		return isa.Entry(isa.Address(addr), index), nil
	case isa.KindArraySlice:
		addr, err := r.uint32()
		if err != nil {
			return nil, err
		}
		start, err := r.value()
		if err != nil {
			return nil, err
		}
		stop, err := r.value()
		if err != nil {
			return nil, err
		}
		return isa.Slice(isa.Address(addr), start, stop), nil
	}
	return nil, r.fail("unsupported operand kind %s", kind)
}

func (r *reader) register() (isa.Register, error) {
	if err := r.need(RegisterSize); err != nil {
		return isa.Register{}, err
	}
	reg := isa.Register{Class: isa.RegisterClass(r.data[r.offset]), Index: r.data[r.offset+1]}
	if !reg.Valid() {
		return isa.Register{}, r.fail("invalid register class %d index %d", r.data[r.offset], r.data[r.offset+1])
	}
	r.offset += RegisterSize
	return reg, nil
}

func (r *reader) value() (isa.Value, error) {
	if err := r.need(ValueSize); err != nil {
		return nil, err
	}
	switch r.data[r.offset] {
	case valueKindRegister:
		if r.data[r.offset+3] != 0 || r.data[r.offset+4] != 0 {
			return nil, r.fail("non-zero register padding")
		}
		r.offset++
		reg, err := r.register()
		if err != nil {
			return nil, err
		}
		r.offset += 2
		return reg, nil
	case valueKindImmediate:
		r.offset++
		v, _ := r.uint32()
		return isa.Immediate(int32(v)), nil
	default:
		return nil, r.fail("invalid value kind %d", r.data[r.offset])
	}
}
