package x86

import (
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"

	"github.com/sangohan/frida-gum/bin"
)

func TestDecodeClassify(t *testing.T) {
	golden := []struct {
		name      string
		src       []byte
		mode      Mode
		class     Class
		length    int
		target    bin.Addr
		hasTarget bool
	}{
		{
			name:   "mov rax, rbx",
			src:    []byte{0x48, 0x89, 0xD8},
			mode:   ModeX64,
			class:  ClassDataMove,
			length: 3,
		},
		{
			name:   "push rbp",
			src:    []byte{0x55},
			mode:   ModeX64,
			class:  ClassStackOp,
			length: 1,
		},
		{
			name:   "sub rsp, 0x10",
			src:    []byte{0x48, 0x83, 0xEC, 0x10},
			mode:   ModeX64,
			class:  ClassArith,
			length: 4,
		},
		{
			name:      "call rel32",
			src:       []byte{0xE8, 0x10, 0x00, 0x00, 0x00},
			mode:      ModeX64,
			class:     ClassCall,
			length:    5,
			target:    0x1015,
			hasTarget: true,
		},
		{
			name:      "jmp rel8",
			src:       []byte{0xEB, 0x02},
			mode:      ModeX64,
			class:     ClassBranch,
			length:    2,
			target:    0x1004,
			hasTarget: true,
		},
		{
			name:      "je rel8",
			src:       []byte{0x74, 0x02},
			mode:      ModeX64,
			class:     ClassCondBranch,
			length:    2,
			target:    0x1004,
			hasTarget: true,
		},
		{
			name:      "je rel32",
			src:       []byte{0x0F, 0x84, 0x10, 0x00, 0x00, 0x00},
			mode:      ModeX64,
			class:     ClassCondBranch,
			length:    6,
			target:    0x1016,
			hasTarget: true,
		},
		{
			name:      "jrcxz rel8",
			src:       []byte{0xE3, 0x05},
			mode:      ModeX64,
			class:     ClassCondBranch,
			length:    2,
			target:    0x1007,
			hasTarget: true,
		},
		{
			name:      "loop rel8",
			src:       []byte{0xE2, 0xFE},
			mode:      ModeX64,
			class:     ClassCondBranch,
			length:    2,
			target:    0x1000,
			hasTarget: true,
		},
		{
			name:   "ret",
			src:    []byte{0xC3},
			mode:   ModeX64,
			class:  ClassRet,
			length: 1,
		},
		{
			name:   "jmp rax",
			src:    []byte{0xFF, 0xE0},
			mode:   ModeX64,
			class:  ClassIndirectBranch,
			length: 2,
		},
		{
			name:   "call rax",
			src:    []byte{0xFF, 0xD0},
			mode:   ModeX64,
			class:  ClassIndirectBranch,
			length: 2,
		},
		{
			name:   "mov rax, [rip+0x20]",
			src:    []byte{0x48, 0x8B, 0x05, 0x20, 0x00, 0x00, 0x00},
			mode:   ModeX64,
			class:  ClassRIPRelativeLoad,
			length: 7,
		},
		{
			name:      "jmp rel32 ia32",
			src:       []byte{0xE9, 0x00, 0x01, 0x00, 0x00},
			mode:      ModeIA32,
			class:     ClassBranch,
			length:    5,
			target:    0x1105,
			hasTarget: true,
		},
	}
	for _, g := range golden {
		t.Run(g.name, func(t *testing.T) {
			inst, err := Decode(g.src, 0x1000, g.mode)
			require.NoError(t, err)
			require.Equal(t, g.class, inst.Class)
			require.Equal(t, g.length, inst.Len)
			require.Equal(t, g.hasTarget, inst.HasTarget)
			if g.hasTarget {
				require.Equal(t, g.target, inst.Target)
			}
		})
	}
}

func TestDecodeRelField(t *testing.T) {
	// call rel32: displacement directly after the opcode byte.
	inst, err := Decode([]byte{0xE8, 0x10, 0x00, 0x00, 0x00}, 0x1000, ModeX64)
	require.NoError(t, err)
	require.Equal(t, 1, inst.RelOff)
	require.Equal(t, 4, inst.RelWidth)

	// je rel8: displacement in the final byte.
	inst, err = Decode([]byte{0x74, 0x02}, 0x1000, ModeX64)
	require.NoError(t, err)
	require.Equal(t, 1, inst.RelOff)
	require.Equal(t, 1, inst.RelWidth)

	// mov rax, [rip+0x20]: disp32 after REX, opcode and ModR/M.
	inst, err = Decode([]byte{0x48, 0x8B, 0x05, 0x20, 0x00, 0x00, 0x00}, 0x1000, ModeX64)
	require.NoError(t, err)
	require.True(t, inst.RIPRel)
	require.Equal(t, 3, inst.RelOff)
	require.Equal(t, 4, inst.RelWidth)

	// Two-byte opcode map with RIP-relative operand: movzx eax, byte [rip+1].
	inst, err = Decode([]byte{0x0F, 0xB6, 0x05, 0x01, 0x00, 0x00, 0x00}, 0x1000, ModeX64)
	require.NoError(t, err)
	require.True(t, inst.RIPRel)
	require.Equal(t, 3, inst.RelOff)
	require.Equal(t, 4, inst.RelWidth)
}

func TestDecodeInvalid(t *testing.T) {
	// push es is not encodable in 64-bit mode.
	_, err := Decode([]byte{0x06, 0x00, 0x00}, 0x1000, ModeX64)
	require.Error(t, err)
	require.Equal(t, ErrInvalid, errors.Cause(err))
}
