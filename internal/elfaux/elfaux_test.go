package elfaux

import (
	"os"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestLoadSelf(t *testing.T) {
	info, err := Load(os.Getpid())
	require.NoError(t, err)
	require.NotZero(t, info.Machine)
	require.NotEmpty(t, info.Auxv)
}

func TestAuxvValue(t *testing.T) {
	auxv := []AuxEntry{{Type: AT_PHDR, Value: 0x400040}, {Type: AT_ENTRY, Value: 0x401000}}

	v, ok := AuxvValue(auxv, AT_ENTRY)
	require.True(t, ok)
	require.Equal(t, uint64(0x401000), v)

	_, ok = AuxvValue(auxv, AT_PHNUM)
	require.False(t, ok)
}
