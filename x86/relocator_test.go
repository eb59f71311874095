package x86

import (
	"testing"

	"github.com/kr/pretty"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"

	"github.com/sangohan/frida-gum/bin"
)

// relocateAll reads min input bytes (or to end of block), writes every
// translation and flushes.
func relocateAll(t *testing.T, input []byte, src, dst bin.Addr, min int, mode Mode) (*Writer, *Relocator) {
	t.Helper()
	w := NewWriter(make([]byte, 256), dst, mode)
	rl := NewRelocator(input, src, w)
	for read := 0; read < min; {
		r, err := rl.ReadOne()
		require.NoError(t, err)
		if r == 0 {
			break
		}
		read = r
	}
	_, err := rl.WriteAll()
	require.NoError(t, err)
	require.NoError(t, w.Flush())
	return w, rl
}

func TestRelocateIdentity(t *testing.T) {
	// mov rax, rbx survives untouched.
	input := []byte{0x48, 0x89, 0xD8}
	w, rl := relocateAll(t, input, 0x1000, 0x2000, 3, ModeX64)
	require.Equal(t, input, w.Code())
	want := []MapEntry{{In: 0, Out: 0}, {In: 3, Out: 3}}
	if diff := pretty.Diff(want, rl.Mapping()); len(diff) > 0 {
		t.Errorf("mapping mismatch: %v", diff)
	}
}

func TestRelocateCallOutsideWindow(t *testing.T) {
	// call +0x10, target 0x1015 lies outside the window.
	input := []byte{0xE8, 0x10, 0x00, 0x00, 0x00}
	w, _ := relocateAll(t, input, 0x1000, 0x2000, 5, ModeX64)
	// 0x1015 - (0x2000+5) = -0xFF0.
	require.Equal(t, []byte{0xE8, 0x10, 0xF0, 0xFF, 0xFF}, w.Code())
}

func TestRelocateCallOutOfReach(t *testing.T) {
	// Same call relocated beyond rel32 range becomes an absolute call.
	input := []byte{0xE8, 0x10, 0x00, 0x00, 0x00}
	w, _ := relocateAll(t, input, 0x1000, 0x2_0000_0000, 5, ModeX64)
	want := []byte{
		0xFF, 0x15, 0x02, 0x00, 0x00, 0x00,
		0xEB, 0x08,
		0x15, 0x10, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00,
	}
	require.Equal(t, want, w.Code())
}

func TestRelocateJccInsideWindow(t *testing.T) {
	// je +2; nop; nop; ret -- the short branch targets the ret and is
	// widened to rel32.
	input := []byte{0x74, 0x02, 0x90, 0x90, 0xC3}
	w, rl := relocateAll(t, input, 0x1000, 0x2000, 5, ModeX64)
	want := []byte{
		0x0F, 0x84, 0x02, 0x00, 0x00, 0x00, // je +2 (to the ret)
		0x90,
		0x90,
		0xC3,
	}
	require.Equal(t, want, w.Code())
	wantMap := []MapEntry{{0, 0}, {2, 6}, {3, 7}, {4, 8}, {5, 9}}
	if diff := pretty.Diff(wantMap, rl.Mapping()); len(diff) > 0 {
		t.Errorf("mapping mismatch: %v", diff)
	}
	require.True(t, rl.Eob())
	require.True(t, rl.Eoi())
}

func TestRelocateJmpShortWidened(t *testing.T) {
	// jmp rel8 to an outside target is widened to rel32.
	input := []byte{0xEB, 0x10}
	w, rl := relocateAll(t, input, 0x1000, 0x2000, 2, ModeX64)
	// Target 0x1012; 0x1012 - (0x2000+5) = -0xFF3.
	require.Equal(t, []byte{0xE9, 0x0D, 0xF0, 0xFF, 0xFF}, w.Code())
	require.True(t, rl.Eob())
}

func TestRelocateJrcxzExpansion(t *testing.T) {
	// jrcxz +2; nop; nop; ret -- no rel32 form exists; expect the
	// three-instruction expansion branching to the relocated ret.
	input := []byte{0xE3, 0x02, 0x90, 0x90, 0xC3}
	w, rl := relocateAll(t, input, 0x1000, 0x2000, 5, ModeX64)
	want := []byte{
		0xE3, 0x02, // jrcxz taken
		0xEB, 0x05, // jmp skip
		0xE9, 0x02, 0x00, 0x00, 0x00, // taken: jmp (to the relocated ret)
		0x90, // skip: nop
		0x90,
		0xC3,
	}
	require.Equal(t, want, w.Code())
	wantMap := []MapEntry{{0, 0}, {2, 9}, {3, 10}, {4, 11}, {5, 12}}
	if diff := pretty.Diff(wantMap, rl.Mapping()); len(diff) > 0 {
		t.Errorf("mapping mismatch: %v", diff)
	}
}

func TestRelocateRIPRelative(t *testing.T) {
	// mov rax, [rip+0x20] at 0x10000 addresses 0x10027.
	input := []byte{0x48, 0x8B, 0x05, 0x20, 0x00, 0x00, 0x00}
	w, _ := relocateAll(t, input, 0x10000, 0x50000, 7, ModeX64)
	// 0x10027 - (0x50000+7) = -0x3FFE0.
	require.Equal(t, []byte{0x48, 0x8B, 0x05, 0x20, 0x00, 0xFC, 0xFF}, w.Code())
}

func TestRelocateRIPRelativeOutOfRange(t *testing.T) {
	input := []byte{0x48, 0x8B, 0x05, 0x20, 0x00, 0x00, 0x00}
	w := NewWriter(make([]byte, 64), 0x2_0000_0000, ModeX64)
	rl := NewRelocator(input, 0x10000, w)
	_, err := rl.ReadOne()
	require.NoError(t, err)
	_, err = rl.WriteAll()
	require.Error(t, err)
	require.Equal(t, ErrOutOfRange, errors.Cause(err))
}

func TestRelocateRetEndsBlock(t *testing.T) {
	input := []byte{0xC3, 0x90}
	w := NewWriter(make([]byte, 64), 0x2000, ModeX64)
	rl := NewRelocator(input, 0x1000, w)
	n, err := rl.ReadOne()
	require.NoError(t, err)
	require.Equal(t, 1, n)
	require.True(t, rl.Eob())
	// Reads past the end of block are refused.
	n, err = rl.ReadOne()
	require.NoError(t, err)
	require.Equal(t, 0, n)
}

func TestRelocatedOffset(t *testing.T) {
	input := []byte{0x74, 0x02, 0x90, 0x90, 0xC3}
	_, rl := relocateAll(t, input, 0x1000, 0x2000, 5, ModeX64)
	out, ok := rl.RelocatedOffset(0x1002)
	require.True(t, ok)
	require.Equal(t, 6, out)
	_, ok = rl.RelocatedOffset(0x1001)
	require.False(t, ok)
}

func TestCanRelocate(t *testing.T) {
	// push rbp; mov rbp, rsp; sub rsp, 0x10; ret
	code := []byte{0x55, 0x48, 0x89, 0xE5, 0x48, 0x83, 0xEC, 0x10, 0xC3}
	// The smallest whole-instruction span covering 5 bytes is 8.
	require.Equal(t, 8, CanRelocate(code, 0x1000, 5, ModeX64))
	require.Equal(t, 4, CanRelocate(code, 0x1000, 4, ModeX64))
	// A return inside the span makes the block too short.
	require.Equal(t, 0, CanRelocate([]byte{0x55, 0xC3, 0x90, 0x90, 0x90, 0x90}, 0x1000, 5, ModeX64))
	// Undecodable input.
	require.Equal(t, 0, CanRelocate([]byte{0x06, 0x00, 0x00, 0x00, 0x00}, 0x1000, 5, ModeX64))
}
