package isa

import (
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/nestybox/tracecore/domain"
)

func TestDefaultRegistryLookup(t *testing.T) {
	r := Default()

	impl, ok := r.Lookup(domain.ISAKey{ELF64: true, Machine: EM_X86_64})
	require.True(t, ok)
	require.Equal(t, amd64RegsSize, impl.RegsSize())

	_, ok = r.Lookup(domain.ISAKey{ELF64: true, Machine: 0xffff})
	require.False(t, ok)
}

func TestAmd64ReadFirstArgAndBkptIP(t *testing.T) {
	regs := make([]byte, amd64RegsSize)
	binary.LittleEndian.PutUint64(regs[amd64OffRdi:], 0xdeadbeef)
	binary.LittleEndian.PutUint64(regs[amd64OffRip:], 0x401235)

	var isa amd64ISA
	v, err := isa.ReadFirstArg(regs)
	require.NoError(t, err)
	require.Equal(t, uint64(0xdeadbeef), v)

	require.Equal(t, uint64(0x401234), isa.GetBkptIP(regs))

	isa.ResetBkptIP(regs, 0x401234)
	require.Equal(t, uint64(0x401234), binary.LittleEndian.Uint64(regs[amd64OffRip:]))

	_, ok := isa.GetNextIP(regs, 0)
	require.False(t, ok)
}

func TestX86ReadFirstArgReturnsStackSlotAddress(t *testing.T) {
	regs := make([]byte, x86RegsSize)
	binary.LittleEndian.PutUint32(regs[x86OffEsp:], 0x7ffff000)

	var isa x86ISA
	v, err := isa.ReadFirstArg(regs)
	require.NoError(t, err)
	require.Equal(t, uint64(0x7ffff004), v)
}

func TestArm64ReadFirstArg(t *testing.T) {
	regs := make([]byte, arm64RegsSize)
	binary.LittleEndian.PutUint64(regs[arm64OffX0:], 42)

	var isa arm64ISA
	v, err := isa.ReadFirstArg(regs)
	require.NoError(t, err)
	require.Equal(t, uint64(42), v)
}

func TestSparc64GetNextIPReturnsTNPC(t *testing.T) {
	regs := make([]byte, sparc64RegsSize)
	binary.LittleEndian.PutUint64(regs[sparc64OffTNPC:], 0x105000)

	var isa sparc64ISA
	next, ok := isa.GetNextIP(regs, 0)
	require.True(t, ok)
	require.Equal(t, uint64(0x105000), next)
}

func TestReadU64RejectsShortBuffer(t *testing.T) {
	_, err := readU64(make([]byte, 4), 0)
	require.Error(t, err)
}
