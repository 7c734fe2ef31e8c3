package registry

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/nestybox/tracecore/domain"
)

type fakeProvider struct {
	name  string
	flags domain.ProviderFlags
}

func (p *fakeProvider) Name() string                  { return p.name }
func (p *fakeProvider) Flags() domain.ProviderFlags    { return p.flags }
func (p *fakeProvider) Populate(domain.ProbeRegistryIface) (int, error) { return 0, nil }
func (p *fakeProvider) Provide(domain.ProbeRegistryIface, domain.ProbeDesc) error { return nil }
func (p *fakeProvider) ProvidePid(domain.ProbeRegistryIface, uint32, string) error { return nil }
func (p *fakeProvider) Enable(*domain.Probe) error     { return nil }
func (p *fakeProvider) Trampoline(*domain.Probe, string) (interface{}, error) { return nil, nil }
func (p *fakeProvider) LoadProg(*domain.Probe, interface{}) (int, error) { return 0, nil }
func (p *fakeProvider) Attach(*domain.Probe, int) error { return nil }
func (p *fakeProvider) Detach(*domain.Probe) error      { return nil }
func (p *fakeProvider) ProbeInfo(*domain.Probe) ([]domain.ArgDesc, error) { return nil, nil }
func (p *fakeProvider) Destroy(*domain.Probe)           {}

func mkProbe(provider, module, function, name string) *domain.Probe {
	return &domain.Probe{Desc: domain.ProbeDesc{Provider: provider, Module: module, Function: function, Name: name}}
}

func TestRegisterProviderRejectsDuplicate(t *testing.T) {
	r := New()
	p := &fakeProvider{name: "fbt"}
	require.NoError(t, r.RegisterProvider(p))
	require.Error(t, r.RegisterProvider(p))

	got, ok := r.Provider("fbt")
	require.True(t, ok)
	require.Same(t, p, got)
	require.Len(t, r.Providers(), 1)
}

func TestInsertLookupRemove(t *testing.T) {
	r := New()
	probe := mkProbe("fbt", "vmlinux", "sys_open", "entry")
	require.NoError(t, r.Insert(probe))
	require.Equal(t, 1, r.Len())

	got, ok := r.Lookup(probe.Desc)
	require.True(t, ok)
	require.Same(t, probe, got)

	require.Error(t, r.Insert(probe))

	require.NoError(t, r.Remove(probe.Desc))
	require.Equal(t, 0, r.Len())
	_, ok = r.Lookup(probe.Desc)
	require.False(t, ok)

	require.ErrorIs(t, r.Remove(probe.Desc), domain.ErrProbeNotFound)
}

func TestSecondaryIndexes(t *testing.T) {
	r := New()
	a := mkProbe("fbt", "vmlinux", "sys_open", "entry")
	b := mkProbe("fbt", "vmlinux", "sys_close", "entry")
	c := mkProbe("syscall", "vmlinux", "sys_open", "entry")
	for _, p := range []*domain.Probe{a, b, c} {
		require.NoError(t, r.Insert(p))
	}

	require.ElementsMatch(t, []*domain.Probe{a, b}, r.ByProvider("fbt"))
	require.ElementsMatch(t, []*domain.Probe{a, b, c}, r.ByModule("vmlinux"))
	require.ElementsMatch(t, []*domain.Probe{a, c}, r.ByFunction("sys_open"))
}

func TestByNameExactMatch(t *testing.T) {
	r := New()
	a := mkProbe("fbt", "vmlinux", "sys_open", "entry")
	require.NoError(t, r.Insert(a))

	got := r.ByName("entry")
	require.Len(t, got, 1)
	require.Same(t, a, got[0])

	require.Empty(t, r.ByName("missing"))
}

func TestIterNameOnlyUsesPrefixWalk(t *testing.T) {
	r := New()
	a := mkProbe("fbt", "vmlinux", "sys_open", "entry")
	b := mkProbe("fbt", "vmlinux", "sys_open", "entry-alt")
	c := mkProbe("fbt", "vmlinux", "sys_close", "return")
	for _, p := range []*domain.Probe{a, b, c} {
		require.NoError(t, r.Insert(p))
	}

	var got []*domain.Probe
	r.Iter(domain.ProbeDesc{Name: "entry"}, func(p *domain.Probe) bool {
		got = append(got, p)
		return true
	})
	require.ElementsMatch(t, []*domain.Probe{a, b}, got)
}

func TestIterFullSweepWithMultipleFields(t *testing.T) {
	r := New()
	a := mkProbe("fbt", "vmlinux", "sys_open", "entry")
	b := mkProbe("syscall", "vmlinux", "sys_open", "entry")
	require.NoError(t, r.Insert(a))
	require.NoError(t, r.Insert(b))

	var got []*domain.Probe
	r.Iter(domain.ProbeDesc{Provider: "fbt", Function: "sys_open"}, func(p *domain.Probe) bool {
		got = append(got, p)
		return true
	})
	require.Equal(t, []*domain.Probe{a}, got)
}

func TestIterEarlyStop(t *testing.T) {
	r := New()
	a := mkProbe("fbt", "vmlinux", "sys_open", "entry")
	b := mkProbe("fbt", "vmlinux", "sys_close", "entry")
	require.NoError(t, r.Insert(a))
	require.NoError(t, r.Insert(b))

	calls := 0
	r.Iter(domain.ProbeDesc{Name: "entry"}, func(p *domain.Probe) bool {
		calls++
		return false
	})
	require.Equal(t, 1, calls)
}
