package domain

// LinkerState mirrors r_debug.r_state: the dynamic linker announces
// whether its link maps are about to become inconsistent (ADD/DELETE) or
// have just returned to a consistent state (spec.md §4.3).
type LinkerState int

const (
	RStateConsistent LinkerState = iota
	RStateAdd
	RStateDelete
)

// LoadObj is one object loaded by the dynamic linker (spec.md §3 "Runtime
// linker agent", GLOSSARY "loadobj"): its load bias, name, and scope
// search list as of the most recent consistent iteration.
type LoadObj struct {
	Lmid       int
	Base       uint64 // l_addr: load bias
	DynAddr    uint64 // l_ld: address of the object's .dynamic section
	Name       string
	MapAddr    uint64 // address of the link_map struct itself, for identity
	SearchList []uint64 // scope searchlist: addresses of link maps in scope
}

// LoadObjCallback is invoked once per loaded object during an iteration.
// Returning false stops the iteration early.
type LoadObjCallback func(obj *LoadObj) bool

// DLActivityEvent is fired whenever the linker enters or leaves a
// dlopen/dlclose window (spec.md §4.3 "Event callback").
type DLActivityEvent int

const (
	DLActivityConsistent DLActivityEvent = iota
	DLActivityInconsistent
)

// RtldAgentIface is the runtime-linker agent contract (spec.md §4.3). One
// agent is owned per process handle once the linker is discovered.
type RtldAgentIface interface {
	// Init locates r_debug (via auxv/PT_DYNAMIC, or by symbol lookup for
	// static binaries) and completes initialization once r_version != 0.
	Init() error

	// Ready reports whether r_debug has been initialized (spec.md §8
	// invariant 12).
	Ready() bool

	// ConsistentBegin/ConsistentEnd bracket a consistency window,
	// reference-counted so nested calls are cheap (spec.md §4.3).
	ConsistentBegin() error
	ConsistentEnd() error

	// IterNamespace walks the link maps of the given lmid, requiring the
	// nonzero-lmid load-lock check when lmid != 0 (spec.md §4.3
	// "Nonzero-lmid consistency").
	IterNamespace(lmid int, cb LoadObjCallback) error

	// MultiLmidSupported reports whether secondary-namespace iteration
	// is available; it is permanently disabled the first time
	// find_dl_nns fails or the load-lock wait times out (spec.md §4.3,
	// §9 "Unstable glibc dependency").
	MultiLmidSupported() bool

	// SetEventCallback installs the DLACTIVITY callback (spec.md §4.3
	// "Event callback").
	SetEventCallback(cb func(DLActivityEvent))
}
