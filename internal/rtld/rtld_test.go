package rtld

import (
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/nestybox/tracecore/domain"
)

// fakeMemory is an in-process byte-addressable memory used to exercise
// the agent's structural-discovery logic without a real ptrace target.
type fakeMemory struct {
	mem   map[uint64][]byte
	bkpts map[uint64]domain.BkptHandler
}

func newFakeMemory() *fakeMemory {
	return &fakeMemory{mem: make(map[uint64][]byte), bkpts: make(map[uint64]domain.BkptHandler)}
}

func (f *fakeMemory) putWord(addr, val uint64) {
	buf := make([]byte, 8)
	binary.LittleEndian.PutUint64(buf, val)
	f.mem[addr] = buf
}

func (f *fakeMemory) putString(addr uint64, s string) {
	f.mem[addr] = append([]byte(s), 0)
}

func (f *fakeMemory) Read(buf []byte, addr uint64) (int, error) {
	for i := range buf {
		b, ok := f.mem[addr+uint64(i)]
		if ok && len(b) > 0 {
			buf[i] = b[0]
			continue
		}
		// fall back to word-aligned storage
		base := addr + uint64(i)
		word, ok := f.mem[base-(base%8)]
		if ok {
			off := int(base % 8)
			if off < len(word) {
				buf[i] = word[off]
				continue
			}
		}
		buf[i] = 0
	}
	return len(buf), nil
}

func (f *fakeMemory) ReadString(addr uint64, maxLen int) (string, error) {
	b, ok := f.mem[addr]
	if !ok {
		return "", nil
	}
	for i, c := range b {
		if c == 0 {
			return string(b[:i]), nil
		}
	}
	return string(b), nil
}

func (f *fakeMemory) Bkpt(addr uint64, h domain.BkptHandler) error {
	f.bkpts[addr] = h
	return nil
}

func (f *fakeMemory) Unbkpt(addr uint64) error {
	delete(f.bkpts, addr)
	return nil
}

func (f *fakeMemory) ELF64() bool { return true }

type fakeAuxv struct {
	debugAddr uint64
	hasDebug  bool
	entry     uint64
}

func (a fakeAuxv) DynamicDebugAddr() (uint64, bool) { return a.debugAddr, a.hasDebug }
func (a fakeAuxv) EntryAddr() uint64                { return a.entry }

func TestInitLocatesRDebugViaAuxv(t *testing.T) {
	mem := newFakeMemory()
	const rDebugAddr = 0x600000
	mem.putWord(rDebugAddr+rDebugVersion, 1)
	mem.putWord(rDebugAddr+rDebugBrkOff, 0x401234)

	a := New(mem, fakeAuxv{debugAddr: rDebugAddr, hasDebug: true}, nil)
	err := a.Init()
	require.NoError(t, err)
	require.True(t, a.Ready())
	require.Equal(t, uint64(0x401234), a.rBrk)
}

func TestConsistentBeginRequiresReady(t *testing.T) {
	mem := newFakeMemory()
	a := New(mem, fakeAuxv{}, nil)
	err := a.ConsistentBegin()
	require.ErrorIs(t, err, domain.ErrNotReady)
}

func TestConsistentBeginEndNesting(t *testing.T) {
	mem := newFakeMemory()
	const rDebugAddr = 0x600000
	mem.putWord(rDebugAddr+rDebugVersion, 1)
	mem.putWord(rDebugAddr+rDebugBrkOff, 0x401234)
	mem.putWord(rDebugAddr+rDebugStateOff, uint64(domain.RStateConsistent))

	a := New(mem, fakeAuxv{debugAddr: rDebugAddr, hasDebug: true}, nil)
	require.NoError(t, a.Init())

	require.NoError(t, a.ConsistentBegin())
	require.NoError(t, a.ConsistentBegin())
	require.Equal(t, 2, a.nestCount)
	require.NoError(t, a.ConsistentEnd())
	require.Equal(t, 1, a.nestCount)
	require.NoError(t, a.ConsistentEnd())
	require.Equal(t, 0, a.nestCount)

	err := a.ConsistentEnd()
	require.Error(t, err)
}

func TestIterNamespaceWalksLinkMaps(t *testing.T) {
	mem := newFakeMemory()
	const rDebugAddr = 0x600000
	const map1 = 0x700000
	const map2 = 0x700100

	mem.putWord(rDebugAddr+rDebugVersion, 1)
	mem.putWord(rDebugAddr+rDebugBrkOff, 0x401234)
	mem.putWord(rDebugAddr+rDebugStateOff, uint64(domain.RStateConsistent))
	mem.putWord(rDebugAddr+rDebugMapOffset, map1)

	mem.putWord(map1+lMapAddr, 0x555000000000)
	mem.putString(0x800000, "/lib/libfoo.so")
	mem.putWord(map1+lMapName, 0x800000)
	mem.putWord(map1+lMapLd, 0x555000010000)
	mem.putWord(map1+lMapNext, map2)

	mem.putWord(map2+lMapAddr, 0x555000100000)
	mem.putWord(map2+lMapName, 0)
	mem.putWord(map2+lMapLd, 0x555000110000)
	mem.putWord(map2+lMapNext, 0)

	a := New(mem, fakeAuxv{debugAddr: rDebugAddr, hasDebug: true}, nil)
	require.NoError(t, a.Init())

	var names []string
	err := a.IterNamespace(0, func(obj *domain.LoadObj) bool {
		names = append(names, obj.Name)
		return true
	})
	require.NoError(t, err)
	require.Equal(t, []string{"/lib/libfoo.so", ""}, names)
}

func TestIterNamespaceNonzeroWithoutMultiLmidSupport(t *testing.T) {
	mem := newFakeMemory()
	const rDebugAddr = 0x600000
	mem.putWord(rDebugAddr+rDebugVersion, 1)
	mem.putWord(rDebugAddr+rDebugBrkOff, 0x401234)
	mem.putWord(rDebugAddr+rDebugStateOff, uint64(domain.RStateConsistent))

	a := New(mem, fakeAuxv{debugAddr: rDebugAddr, hasDebug: true}, nil)
	require.NoError(t, a.Init())

	err := a.IterNamespace(1, func(obj *domain.LoadObj) bool { return true })
	require.Error(t, err)
	require.False(t, a.MultiLmidSupported())
}
