package domain

// Perm is the permission bitset of a single VM mapping.
type Perm uint8

const (
	PermRead Perm = 1 << iota
	PermWrite
	PermExec
)

func (p Perm) String() string {
	r, w, x := "-", "-", "-"
	if p&PermRead != 0 {
		r = "r"
	}
	if p&PermWrite != 0 {
		w = "w"
	}
	if p&PermExec != 0 {
		x = "x"
	}
	return r + w + x
}

// Mapping is a single VM mapping of the target, as described in spec.md
// §3 "Mapping entry". The mapping array that owns these is kept sorted by
// Start and mappings never overlap except where the kernel itself reports
// overlap.
type Mapping struct {
	Start  uint64
	Size   uint64
	Perms  Perm
	Dev    uint64
	Inode  uint64
	Offset uint64
	Path   string

	// File is nil for anonymous mappings; otherwise it points at the
	// shared FileInfo for this mapping's backing path.
	File *FileInfo
}

func (m *Mapping) End() uint64 { return m.Start + m.Size }

func (m *Mapping) Contains(addr uint64) bool {
	return addr >= m.Start && addr < m.End()
}

// FileInfo is one per distinct backing path across all mappings (spec.md
// §3 "File info"). It is reference counted by the mappings that point to
// it, and is freed only when that count reaches zero.
type FileInfo struct {
	Path  string
	Dev   uint64
	Inode uint64

	// LoadName is the name the runtime linker reports for this object,
	// which may differ from Path (e.g. a vDSO or a renamed library).
	LoadName string

	refs int

	// PrimaryMapIdx indexes the mapping array for the primary (first
	// executable, or first encountered) mapping of this file.
	PrimaryMapIdx int

	// Symbol table caches, built lazily on first reference.
	SymTab  *SymTable
	DynSym  *SymTable
	symInit bool
	symErr  error

	// DynBase is the computed load bias: for PIEs and shared objects,
	// the difference between the mapping's address and the first
	// PT_LOAD segment's vaddr; for non-relocatable executables this is 0.
	DynBase uint64

	// LoadObj is populated by the runtime-linker agent once this file is
	// known to correspond to a loaded shared object.
	LoadObj *LoadObj

	// SearchPath is the computed ordered list of FileInfos used for
	// scoped symbol lookups (spec.md §4.4 xlookup_by_name).
	SearchPath []*FileInfo
}

func (f *FileInfo) AddRef()  { f.refs++ }
func (f *FileInfo) DelRef()  { f.refs-- }
func (f *FileInfo) RefCount() int { return f.refs }

func (f *FileInfo) SetSymInit(err error) {
	f.symInit = true
	f.symErr = err
}

func (f *FileInfo) SymInitialized() bool { return f.symInit }
func (f *FileInfo) SymError() error      { return f.symErr }

// MappingCacheIface is the per-process cache of VM mappings and their
// backing FileInfos (spec.md §4.4 "Mapping update").
type MappingCacheIface interface {
	// Invalidate marks the cache stale; the next query triggers a
	// rebuild. Called on exec, fork/clone, and DLACTIVITY events
	// (spec.md §5).
	Invalidate()

	// Refresh rebuilds the cache now if it is stale; a no-op otherwise.
	Refresh() error

	// All returns the sorted mapping array. Callers must not retain it
	// across a Refresh/Invalidate cycle.
	All() ([]*Mapping, error)

	// ByPath returns every currently-known mapping whose backing path
	// equals path exactly.
	ByPath(path string) ([]*Mapping, error)

	// ByDevInode looks up the FileInfo for a given (dev, inode) pair, if
	// any mapping currently references it.
	ByDevInode(dev, inode uint64) (*FileInfo, error)

	// ByAddr returns the mapping containing addr, or nil if none does.
	ByAddr(addr uint64) (*Mapping, error)

	// Executable returns the mapping identified as the target's main
	// executable (spec.md §4.4 heuristic: matches /proc/pid/exe).
	Executable() (*Mapping, error)

	// Linker returns the mapping identified as the target's dynamic
	// linker (spec.md §4.4 heuristic: first executable mapping whose
	// basename starts with "ld-").
	Linker() (*Mapping, error)
}
