package isa

import (
	"fmt"
	"strings"
)

// Instruction is an opcode plus its operand tuple. Instructions are
// immutable values and compare structurally with ==. Construct them through
// Flavour.New.
type Instruction struct {
	op   Opcode
	n    uint8
	args [MaxOperands]Operand
}

// Opcode returns the instruction opcode.
func (i Instruction) Opcode() Opcode {
	return i.op
}

// NumOperands returns the operand count.
func (i Instruction) NumOperands() int {
	return int(i.n)
}

// Operand returns the k-th operand.
func (i Instruction) Operand(k int) Operand {
	if k < 0 || k >= int(i.n) {
		return nil
	}
	return i.args[k]
}

// Operands returns a copy of the operand tuple.
func (i Instruction) Operands() []Operand {
	out := make([]Operand, i.n)
	copy(out, i.args[:i.n])
	return out
}

// Target returns the branch target line and true for branch instructions.
func (i Instruction) Target() (int, bool) {
	slot := i.op.Info().TargetSlot()
	if slot < 0 {
		return 0, false
	}
	imm, ok := i.args[slot].(Immediate)
	if !ok {
		return 0, false
	}
	return int(imm), true
}

// Retarget returns a copy of a branch instruction with its target replaced.
func (i Instruction) Retarget(line int) (Instruction, error) {
	slot := i.op.Info().TargetSlot()
	if slot < 0 {
		return Instruction{}, fmt.Errorf("%w: %s is not a branch", ErrInvalidOperand, i.op)
	}
	i.args[slot] = Immediate(line)
	return i, nil
}

// Equal reports structural equality.
func (i Instruction) Equal(o Instruction) bool {
	return i == o
}

// String renders the instruction in assembly form, e.g. "store R0 @1[R1]".
func (i Instruction) String() string {
	var sb strings.Builder
	sb.WriteString(i.op.Name())
	for k := 0; k < int(i.n); k++ {
		sb.WriteByte(' ')
		sb.WriteString(i.args[k].String())
	}
	return sb.String()
}
