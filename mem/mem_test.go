package mem

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestProtectionBits(t *testing.T) {
	require.Equal(t, ProtRW, ProtRead|ProtWrite)
	require.Equal(t, ProtRX, ProtRead|ProtExec)
	require.Equal(t, ProtRWX, ProtRead|ProtWrite|ProtExec)
	require.Zero(t, ProtNone&ProtRead)
}

func TestPageAlign(t *testing.T) {
	ps := uintptr(PageSize())
	require.Equal(t, uintptr(0), PageAlign(ps-1))
	require.Equal(t, ps, PageAlign(ps))
	require.Equal(t, ps, PageAlign(ps+1))
}
