package isa

import (
	"fmt"
	"strings"
)

// Version is the format version pair written at the head of every encoded
// subroutine.
type Version struct {
	Major uint8
	Minor uint8
}

// CurrentVersion is the format version produced by this package.
var CurrentVersion = Version{Major: 0, Minor: 0}

func (v Version) String() string {
	return fmt.Sprintf("%d.%d", v.Major, v.Minor)
}

// Subroutine is a complete, ordered instruction sequence for one compiled
// program unit.
type Subroutine struct {
	Version      Version
	AppID        uint32
	Instructions []Instruction
}

// NewSubroutine creates a subroutine at the current format version.
func NewSubroutine(appID uint32, instrs []Instruction) *Subroutine {
	return &Subroutine{Version: CurrentVersion, AppID: appID, Instructions: instrs}
}

// Len returns the number of instructions.
func (s *Subroutine) Len() int {
	return len(s.Instructions)
}

// Equal reports structural equality over the header and every instruction.
func (s *Subroutine) Equal(o *Subroutine) bool {
	if s == nil || o == nil {
		return s == o
	}
	if s.Version != o.Version || s.AppID != o.AppID || len(s.Instructions) != len(o.Instructions) {
		return false
	}
	for i := range s.Instructions {
		if s.Instructions[i] != o.Instructions[i] {
			return false
		}
	}
	return true
}

// Validate checks the invariants every subroutine must hold before it is
// serialized:
//
//   - every branch target lies in [0, Len())
//   - every array is declared (in line order) before it is referenced, and
//     declared only once
//   - every R, Q and M register is written (in line order) before it is read;
//     C registers are constants and exempt
func (s *Subroutine) Validate() error {
	n := len(s.Instructions)
	declared := make(map[Address]bool)
	var written [NumRegisterClasses][RegistersPerClass]bool

	readReg := func(line int, ins Instruction, r Register) error {
		if r.Class == ClassC {
			return nil
		}
		if !written[r.Class][r.Index] {
			return fmt.Errorf("%w: line %d: %q reads %s before it is set", ErrUnboundReference, line, ins, r)
		}
		return nil
	}
	readValue := func(line int, ins Instruction, v Value) error {
		if r, ok := v.(Register); ok {
			return readReg(line, ins, r)
		}
		return nil
	}
	useArray := func(line int, ins Instruction, a Address) error {
		if !declared[a] {
			return fmt.Errorf("%w: line %d: %q uses undeclared array %s", ErrUnboundReference, line, ins, a)
		}
		return nil
	}

	for line, ins := range s.Instructions {
		info, ok := opcodeTable[ins.op]
		if !ok {
			return fmt.Errorf("%w: line %d: unknown opcode %d", ErrInvalidOperand, line, uint8(ins.op))
		}
		if err := checkSignature(ins.op, ins.Operands()); err != nil {
			return fmt.Errorf("line %d: %w", line, err)
		}
		for k, slot := range info.Signature {
			var err error
			switch o := ins.args[k].(type) {
			case Register:
				if !slot.Write {
					err = readReg(line, ins, o)
				}
			case Immediate:
				if slot.Target && (o < 0 || int(o) >= n) {
					err = fmt.Errorf("%w: line %d: target %d outside [0, %d)", ErrUnresolvedBranch, line, o, n)
				}
			case Address:
				if ins.op != OpArray {
					err = useArray(line, ins, o)
				}
			case ArrayEntry:
				if err = useArray(line, ins, o.Address); err == nil {
					err = readValue(line, ins, o.Index)
				}
			case ArraySlice:
				if err = useArray(line, ins, o.Address); err == nil {
					if err = readValue(line, ins, o.Start); err == nil {
						err = readValue(line, ins, o.Stop)
					}
				}
			}
			if err != nil {
				return err
			}
		}
		for k, slot := range info.Signature {
			if r, ok := ins.args[k].(Register); ok && slot.Write {
				written[r.Class][r.Index] = true
			}
		}
		if ins.op == OpArray {
			addr := ins.args[1].(Address)
			if declared[addr] {
				return fmt.Errorf("%w: line %d: array %s declared twice", ErrInvalidOperand, line, addr)
			}
			declared[addr] = true
		}
	}
	return nil
}

// String renders the subroutine as annotated assembly text.
func (s *Subroutine) String() string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "# NETQASM %s\n", s.Version)
	fmt.Fprintf(&sb, "# APPID %d\n", s.AppID)
	for _, ins := range s.Instructions {
		sb.WriteString(ins.String())
		sb.WriteByte('\n')
	}
	return sb.String()
}

// Listing renders the subroutine with line numbers, for disassembly output.
func (s *Subroutine) Listing() string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "# NETQASM %s\n", s.Version)
	fmt.Fprintf(&sb, "# APPID %d\n", s.AppID)
	width := len(fmt.Sprint(len(s.Instructions)))
	for i, ins := range s.Instructions {
		fmt.Fprintf(&sb, "%*d  %s\n", width, i, ins)
	}
	return sb.String()
}
