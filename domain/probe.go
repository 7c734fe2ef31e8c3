package domain

// ArgDesc describes one probe argument's native and translated type, as
// reported by a provider's probe_info callback (spec.md §4.5).
type ArgDesc struct {
	Argno        int
	NativeType   string
	XlateType    string
	TranslatorID int
	Mapping      int // which underlying argv[] slot this argument reads
}

// ProbeDesc is the fully-qualified (provider, module, function, name)
// quadruple that identifies a probe (spec.md §3 "Probe").
type ProbeDesc struct {
	Provider string
	Module   string
	Function string
	Name     string
}

func (d ProbeDesc) String() string {
	return d.Provider + ":" + d.Module + ":" + d.Function + ":" + d.Name
}

// Probe is one entry in the probe registry (spec.md §3 "Probe").
type Probe struct {
	Desc ProbeDesc
	ID   uint64

	Provider ProviderIface

	// PrvData is opaque provider-private state (e.g. a uprobe's
	// (dev,inode,offset) key, a tracepoint's trace-fs event id).
	PrvData interface{}

	Args []ArgDesc

	// Clauses is the list of compiled-clause function ids attached to
	// this probe by the (out-of-scope) D compiler/linker.
	Clauses []uint64

	// Dependents holds SDT-style probes mounted on this one (spec.md
	// §4.5 "Dependent probes").
	Dependents []*Probe

	enabled bool
}

func (p *Probe) Enabled() bool     { return p.enabled }
func (p *Probe) SetEnabled(v bool) { p.enabled = v }

// ProviderFlags are the per-provider capability bits from spec.md §3
// "Provider".
type ProviderFlags uint32

const (
	// ProviderPidBased marks providers (pid, USDT) that are instantiated
	// per target process rather than enumerated once globally.
	ProviderPidBased ProviderFlags = 1 << iota
)

// ProviderIface is the ops-vector contract every probe-provider family
// implements (spec.md §4.5, §9 "Polymorphism of providers"). Every member
// must be implemented; a family that does not support a member implements
// it as a stub that returns an error or zero values.
type ProviderIface interface {
	Name() string
	Flags() ProviderFlags

	// Populate enumerates every statically-knowable probe at open time.
	Populate(reg ProbeRegistryIface) (int, error)

	// Provide materializes a probe matching a user description that was
	// not populated (parametric providers: profile-Nms, cpc). Optional.
	Provide(reg ProbeRegistryIface, desc ProbeDesc) error

	// ProvidePid materializes a probe for a specific process (pid/USDT
	// providers). Optional.
	ProvidePid(reg ProbeRegistryIface, pid uint32, spec string) error

	// Enable notes that this probe is wanted, chaining to underlying
	// probes for dependent (SDT) probes.
	Enable(p *Probe) error

	// Trampoline emits the marshalling prologue/epilogue described in
	// spec.md §4.6 for p, returning the assembled instruction stream
	// (opaque to callers outside internal/trampoline).
	Trampoline(p *Probe, exitLabel string) (interface{}, error)

	// LoadProg loads the completed program with the program type
	// appropriate to this provider family. Optional override; providers
	// that don't override use the registry's default loader.
	LoadProg(p *Probe, prog interface{}) (int, error)

	// Attach performs the kernel-specific attach (perf event, uprobe
	// registration, ...).
	Attach(p *Probe, bpfFd int) error

	// Detach reverses Attach.
	Detach(p *Probe) error

	// ProbeInfo reports native/translated argument types.
	ProbeInfo(p *Probe) ([]ArgDesc, error)

	// Destroy frees provider-private state. Optional.
	Destroy(p *Probe)
}

// ProbeRegistryIface indexes probes five ways, as specified in spec.md §3
// "Probe" invariant and §4.5 "Probe lookup".
type ProbeRegistryIface interface {
	RegisterProvider(p ProviderIface) error
	Provider(name string) (ProviderIface, bool)
	Providers() []ProviderIface

	Insert(p *Probe) error
	Remove(desc ProbeDesc) error

	Lookup(desc ProbeDesc) (*Probe, bool)

	// Iter walks every probe matching a globbed subset of desc; empty
	// fields in desc act as wildcards.
	Iter(desc ProbeDesc, fn func(*Probe) bool)

	ByProvider(name string) []*Probe
	ByModule(name string) []*Probe
	ByFunction(name string) []*Probe
	ByName(name string) []*Probe

	Len() int
}
