package symtab

import (
	"os"
	"reflect"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/nestybox/tracecore/domain"
	"github.com/nestybox/tracecore/internal/mapcache"
)

func TestEnsureLoadedOwnExecutable(t *testing.T) {
	mc := mapcache.New(os.Getpid())
	exe, err := mc.Executable()
	require.NoError(t, err)
	if exe == nil || exe.File == nil {
		t.Skip("no named executable mapping found for test binary")
	}

	c := New(os.Getpid(), mc)
	err = c.EnsureLoaded(exe.File)
	require.NoError(t, err)
	require.True(t, exe.File.SymInitialized())
}

func TestLookupByAddrFindsOwnFunction(t *testing.T) {
	mc := mapcache.New(os.Getpid())
	c := New(os.Getpid(), mc)

	pc := funcAddr()
	fi, sym, ok := c.LookupByAddr(pc)
	if !ok {
		t.Skip("stripped test binary: no symbol covers funcAddr's pc")
	}
	require.NotNil(t, fi)
	require.NotNil(t, sym)
}

func TestLessByAddrTieBreakPrefersFunctions(t *testing.T) {
	fn := domain.Sym{Name: "foo", Value: 0x1000, IsFunc: true}
	obj := domain.Sym{Name: "bar", Value: 0x1000, IsFunc: false}
	require.True(t, lessByAddr(obj, fn))
	require.False(t, lessByAddr(fn, obj))
}

func TestLessByAddrTieBreakPrefersFewerUnderscores(t *testing.T) {
	a := domain.Sym{Name: "foo", Value: 0x1000}
	b := domain.Sym{Name: "__foo", Value: 0x1000}
	require.True(t, lessByAddr(b, a))
}

//go:noinline
func funcAddr() uint64 {
	return uint64(reflect.ValueOf(funcAddr).Pointer())
}
