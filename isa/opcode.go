package isa

import "fmt"

// ---------------------------------------------------------------------------
// Opcode definitions
// ---------------------------------------------------------------------------

// Opcode identifies an instruction. The numeric value is the tag written on
// the wire.
type Opcode uint8

// Qubit and memory management
const (
	OpQAlloc Opcode = 1  // allocate the qubit addressed by a Q register
	OpInit   Opcode = 2  // initialize qubit to |0>
	OpArray  Opcode = 3  // declare array (size register, address)
	OpSet    Opcode = 4  // register <- immediate
	OpStore  Opcode = 5  // array entry <- register
	OpLoad   Opcode = 6  // register <- array entry
	OpUndef  Opcode = 7  // mark array entry undefined
	OpLea    Opcode = 8  // register <- array address
	OpQFree  Opcode = 38 // free qubit
)

// Control flow
const (
	OpJmp Opcode = 9  // unconditional jump to line
	OpBez Opcode = 10 // jump if register == 0
	OpBnz Opcode = 11 // jump if register != 0
	OpBeq Opcode = 12 // jump if a == b
	OpBne Opcode = 13 // jump if a != b
	OpBlt Opcode = 14 // jump if a < b
	OpBge Opcode = 15 // jump if a >= b
)

// Classical arithmetic
const (
	OpAdd  Opcode = 16 // out <- a + b
	OpSub  Opcode = 17 // out <- a - b
	OpAddM Opcode = 18 // out <- (a + b) mod m
	OpSubM Opcode = 19 // out <- (a - b) mod m
)

// Gates. Which of these may be used depends on the flavour.
const (
	OpX      Opcode = 20
	OpY      Opcode = 21
	OpZ      Opcode = 22
	OpH      Opcode = 23
	OpS      Opcode = 24
	OpK      Opcode = 25
	OpT      Opcode = 26
	OpRotX   Opcode = 27 // angle = n * pi / 2^d
	OpRotY   Opcode = 28
	OpRotZ   Opcode = 29
	OpCNOT   Opcode = 30
	OpCPhase Opcode = 31
	OpCRotX  Opcode = 51
	OpCRotY  Opcode = 52
)

// Measurement, entanglement and results
const (
	OpMeas       Opcode = 32
	OpCreateEPR  Opcode = 33 // remote node, socket, qubit array, args array, result array
	OpRecvEPR    Opcode = 34 // remote node, socket, qubit array, result array
	OpWaitAll    Opcode = 35
	OpWaitAny    Opcode = 36
	OpWaitSingle Opcode = 37
	OpRetReg     Opcode = 39
	OpRetArr     Opcode = 40
)

// ---------------------------------------------------------------------------
// Signatures
// ---------------------------------------------------------------------------

// Slot describes one operand position of an opcode.
type Slot struct {
	Kind OperandKind
	// Class restricts register operands to one class. Only meaningful when
	// Restricted is set.
	Class      RegisterClass
	Restricted bool
	// Write marks register operands the instruction assigns.
	Write bool
	// Target marks the immediate holding a branch target line.
	Target bool
}

var (
	slotReg    = Slot{Kind: KindRegister}
	slotRegOut = Slot{Kind: KindRegister, Write: true}
	slotQReg   = Slot{Kind: KindRegister, Class: ClassQ, Restricted: true}
	slotImm    = Slot{Kind: KindImmediate}
	slotLine   = Slot{Kind: KindImmediate, Target: true}
	slotAddr   = Slot{Kind: KindAddress}
	slotEntry  = Slot{Kind: KindArrayEntry}
	slotSlice  = Slot{Kind: KindArraySlice}
)

// Group separates the common catalogue from flavour specific gates.
type Group uint8

const (
	GroupCore Group = iota
	GroupGate
)

// OpcodeInfo holds metadata about an opcode.
type OpcodeInfo struct {
	Name      string
	Group     Group
	Signature []Slot
}

// TargetSlot returns the operand position of the branch target, or -1.
func (info OpcodeInfo) TargetSlot() int {
	for i, s := range info.Signature {
		if s.Target {
			return i
		}
	}
	return -1
}

var opcodeTable = map[Opcode]OpcodeInfo{
	OpQAlloc: {"qalloc", GroupCore, []Slot{slotQReg}},
	OpInit:   {"init", GroupCore, []Slot{slotQReg}},
	OpArray:  {"array", GroupCore, []Slot{slotReg, slotAddr}},
	OpSet:    {"set", GroupCore, []Slot{slotRegOut, slotImm}},
	OpStore:  {"store", GroupCore, []Slot{slotReg, slotEntry}},
	OpLoad:   {"load", GroupCore, []Slot{slotRegOut, slotEntry}},
	OpUndef:  {"undef", GroupCore, []Slot{slotEntry}},
	OpLea:    {"lea", GroupCore, []Slot{slotRegOut, slotAddr}},
	OpQFree:  {"qfree", GroupCore, []Slot{slotQReg}},

	OpJmp: {"jmp", GroupCore, []Slot{slotLine}},
	OpBez: {"bez", GroupCore, []Slot{slotReg, slotLine}},
	OpBnz: {"bnz", GroupCore, []Slot{slotReg, slotLine}},
	OpBeq: {"beq", GroupCore, []Slot{slotReg, slotReg, slotLine}},
	OpBne: {"bne", GroupCore, []Slot{slotReg, slotReg, slotLine}},
	OpBlt: {"blt", GroupCore, []Slot{slotReg, slotReg, slotLine}},
	OpBge: {"bge", GroupCore, []Slot{slotReg, slotReg, slotLine}},

	OpAdd:  {"add", GroupCore, []Slot{slotRegOut, slotReg, slotReg}},
	OpSub:  {"sub", GroupCore, []Slot{slotRegOut, slotReg, slotReg}},
	OpAddM: {"addm", GroupCore, []Slot{slotRegOut, slotReg, slotReg, slotReg}},
	OpSubM: {"subm", GroupCore, []Slot{slotRegOut, slotReg, slotReg, slotReg}},

	OpX:      {"x", GroupGate, []Slot{slotQReg}},
	OpY:      {"y", GroupGate, []Slot{slotQReg}},
	OpZ:      {"z", GroupGate, []Slot{slotQReg}},
	OpH:      {"h", GroupGate, []Slot{slotQReg}},
	OpS:      {"s", GroupGate, []Slot{slotQReg}},
	OpK:      {"k", GroupGate, []Slot{slotQReg}},
	OpT:      {"t", GroupGate, []Slot{slotQReg}},
	OpRotX:   {"rot_x", GroupGate, []Slot{slotQReg, slotImm, slotImm}},
	OpRotY:   {"rot_y", GroupGate, []Slot{slotQReg, slotImm, slotImm}},
	OpRotZ:   {"rot_z", GroupGate, []Slot{slotQReg, slotImm, slotImm}},
	OpCNOT:   {"cnot", GroupGate, []Slot{slotQReg, slotQReg}},
	OpCPhase: {"cphase", GroupGate, []Slot{slotQReg, slotQReg}},
	OpCRotX:  {"crot_x", GroupGate, []Slot{slotQReg, slotQReg, slotImm, slotImm}},
	OpCRotY:  {"crot_y", GroupGate, []Slot{slotQReg, slotQReg, slotImm, slotImm}},

	OpMeas:       {"meas", GroupCore, []Slot{slotQReg, slotRegOut}},
	OpCreateEPR:  {"create_epr", GroupCore, []Slot{slotReg, slotReg, slotReg, slotReg, slotReg}},
	OpRecvEPR:    {"recv_epr", GroupCore, []Slot{slotReg, slotReg, slotReg, slotReg}},
	OpWaitAll:    {"wait_all", GroupCore, []Slot{slotSlice}},
	OpWaitAny:    {"wait_any", GroupCore, []Slot{slotSlice}},
	OpWaitSingle: {"wait_single", GroupCore, []Slot{slotEntry}},
	OpRetReg:     {"ret_reg", GroupCore, []Slot{slotReg}},
	OpRetArr:     {"ret_arr", GroupCore, []Slot{slotAddr}},
}

// MaxOperands is the largest operand count of any opcode.
const MaxOperands = 5

// Info returns the metadata for an opcode.
func (op Opcode) Info() OpcodeInfo {
	if info, ok := opcodeTable[op]; ok {
		return info
	}
	return OpcodeInfo{Name: fmt.Sprintf("unknown_%02x", uint8(op))}
}

// Known reports whether op is part of the catalogue of any flavour.
func (op Opcode) Known() bool {
	_, ok := opcodeTable[op]
	return ok
}

// Name returns the assembly mnemonic.
func (op Opcode) Name() string {
	return op.Info().Name
}

// String implements the Stringer interface.
func (op Opcode) String() string {
	return op.Name()
}

// IsBranch reports whether op carries a branch target line.
func (op Opcode) IsBranch() bool {
	return op.Info().TargetSlot() >= 0
}

// LookupOpcode finds an opcode by mnemonic.
func LookupOpcode(name string) (Opcode, bool) {
	for op, info := range opcodeTable {
		if info.Name == name {
			return op, true
		}
	}
	return 0, false
}
