// Package x86 implements the machine code core of the instrumentation engine
// for the x86 architecture: a single-instruction decoder, a code writer, and a
// relocator which translates a block of code so that it can execute at a
// different address.
package x86

import (
	"log"
	"os"

	"github.com/mewkiz/pkg/term"
)

var (
	// dbg is a logger which logs debug messages with "x86:" prefix to standard
	// error.
	dbg = log.New(os.Stderr, term.MagentaBold("x86:")+" ", 0)
	// warn is a logger which logs warning messages with "warning:" prefix to
	// standard error.
	warn = log.New(os.Stderr, term.RedBold("warning:")+" ", 0)
)

// Mode is the processor execution mode. Its numeric value doubles as the mode
// argument of x86asm.Decode.
type Mode int

// Processor modes.
const (
	// ModeIA32 is 32-bit protected mode.
	ModeIA32 Mode = 32
	// ModeX64 is 64-bit long mode.
	ModeX64 Mode = 64
)

// PtrSize returns the pointer width in bytes of the processor mode.
func (m Mode) PtrSize() int {
	return int(m) / 8
}

// MaxInstructionLen is the maximum length in bytes of a single x86
// instruction.
const MaxInstructionLen = 15

// Reg is an x86 general purpose register. The constant value is the hardware
// register number; registers R8 and above require a REX prefix and are only
// available in 64-bit mode. In 32-bit mode the names denote the corresponding
// 32-bit registers (RegRAX is EAX, and so on).
type Reg uint8

// General purpose registers.
const (
	RegRAX Reg = iota
	RegRCX
	RegRDX
	RegRBX
	RegRSP
	RegRBP
	RegRSI
	RegRDI
	RegR8
	RegR9
	RegR10
	RegR11
	RegR12
	RegR13
	RegR14
	RegR15
)

// low returns the low three bits of the register number, as encoded in ModR/M
// and opcode fields.
func (r Reg) low() byte {
	return byte(r) & 0x7
}

// extended reports whether the register requires the REX.B/REX.R extension
// bit.
func (r Reg) extended() bool {
	return r >= RegR8
}

// Cond is an x86 condition code, as encoded in the low nibble of the Jcc and
// SETcc opcodes.
type Cond uint8

// Condition codes.
const (
	CondO  Cond = 0x0 // overflow
	CondNO Cond = 0x1 // not overflow
	CondB  Cond = 0x2 // below (carry)
	CondAE Cond = 0x3 // above or equal
	CondE  Cond = 0x4 // equal (zero)
	CondNE Cond = 0x5 // not equal
	CondBE Cond = 0x6 // below or equal
	CondA  Cond = 0x7 // above
	CondS  Cond = 0x8 // sign
	CondNS Cond = 0x9 // not sign
	CondP  Cond = 0xA // parity
	CondNP Cond = 0xB // not parity
	CondL  Cond = 0xC // less
	CondGE Cond = 0xD // greater or equal
	CondLE Cond = 0xE // less or equal
	CondG  Cond = 0xF // greater
)

// Invert returns the negated condition code.
func (c Cond) Invert() Cond {
	return c ^ 1
}
