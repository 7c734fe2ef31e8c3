package procio

import (
	"encoding/binary"
	"os"
	"testing"
	"unsafe"

	"github.com/stretchr/testify/require"
)

func TestReadOwnMemory(t *testing.T) {
	var word uint64 = 0xdeadbeefcafef00d
	addr := uint64(uintptr(unsafe.Pointer(&word)))

	io, err := Open(os.Getpid())
	require.NoError(t, err)
	defer io.Close()

	got, err := io.PeekWord(addr)
	require.NoError(t, err)
	require.Equal(t, word, got)
}

func TestReadString(t *testing.T) {
	s := "hello, tracecore\x00trailing garbage that must not be read"
	addr := uint64(uintptr(unsafe.Pointer(unsafe.StringData(s))))

	io, err := Open(os.Getpid())
	require.NoError(t, err)
	defer io.Close()

	got, err := io.ReadString(addr, 4096)
	require.NoError(t, err)
	require.Equal(t, "hello, tracecore", got)
}

func TestReadScalarRejectsOversizedNbytes(t *testing.T) {
	io, err := Open(os.Getpid())
	require.NoError(t, err)
	defer io.Close()

	dst := make([]byte, 4)
	err = io.ReadScalar(dst, 8, 4, 0)
	require.Error(t, err)
	require.Equal(t, []byte{0, 0, 0, 0}, dst)
}

func TestReadScalarWidensLittleEndian(t *testing.T) {
	var v uint32 = 0x11223344
	addr := uint64(uintptr(unsafe.Pointer(&v)))

	io, err := Open(os.Getpid())
	require.NoError(t, err)
	defer io.Close()

	dst := make([]byte, 8)
	err = io.ReadScalar(dst, 4, 8, addr)
	require.NoError(t, err)
	require.Equal(t, uint64(0x11223344), binary.LittleEndian.Uint64(dst))
}
