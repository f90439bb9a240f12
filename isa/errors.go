package isa

import "errors"

// ---------------------------------------------------------------------------
// Error kinds
// ---------------------------------------------------------------------------

// All errors produced while building, validating or decoding instruction
// streams wrap one of these sentinels, so callers can test with errors.Is.
var (
	// ErrInvalidOperand reports an operand count or kind that does not match
	// the opcode signature, or a gate outside the active flavour.
	ErrInvalidOperand = errors.New("invalid operand")

	// ErrUnboundReference reports use of a register, array, qubit or array
	// index that was never allocated (or is no longer live).
	ErrUnboundReference = errors.New("unbound reference")

	// ErrAllocationExhausted reports that a register class, the array
	// address space or the qubit budget is used up.
	ErrAllocationExhausted = errors.New("allocation exhausted")

	// ErrMalformedStream reports a structural violation in encoded bytes.
	ErrMalformedStream = errors.New("malformed stream")

	// ErrUnresolvedBranch reports a branch whose target was never patched or
	// lies outside the subroutine.
	ErrUnresolvedBranch = errors.New("unresolved branch")

	// ErrProtocolFieldMismatch reports an EPR argument or result array whose
	// field count disagrees with the link layer protocol constants.
	ErrProtocolFieldMismatch = errors.New("protocol field mismatch")
)
