package domain

// Offsets of the dt_mstate_t fields within the per-firing machine-state
// block, matching libdtrace's dt_dctx.h layout referenced by spec.md §3
// "DTrace context (dctx)". These are used as literal immediates by the
// trampoline emitter (internal/trampoline), so the layout here is
// load-bearing: changing field order changes every emitted offset.
const (
	MstEpid        = 0  // uint32
	MstPrid        = 4  // uint32
	MstClid        = 8  // uint32
	MstTag         = 12 // uint32
	MstScratchTop  = 16 // uint32
	MstSyscallErrno = 20 // int32
	MstScalarizer  = 24 // uint64
	MstFault       = 32 // uint64
	MstTstamp      = 40 // uint64
	MstRegs        = 48 // dt_pt_regs, size is ISA-dependent
)

// ArgvSlots is the fixed argv[] arity every probe firing marshals into,
// per spec.md §3 and §4.6.
const ArgvSlots = 10

// MstArgOffset returns the byte offset of argv[n] within dt_mstate_t,
// given the ISA-dependent size of the embedded register snapshot.
func MstArgOffset(regsSize int, n int) int {
	return MstRegs + regsSize + n*8
}

// Offsets of the dt_dctx_t pointer fields (spec.md §3 invariant: "the
// addresses of fields in dctx are compile-time constants used as literal
// offsets by emitted trampolines").
const (
	DctxCtx        = 0  // void *ctx: raw kernel-provided context
	DctxAct        = 8  // dt_activity_t *act
	DctxMst        = 16 // dt_mstate_t *mst
	DctxBuf        = 24 // char *buf: trace-output scratch
	DctxMem        = 32 // char *mem: general scratch
	DctxScratchMem = 40 // char *scratchmem
	DctxStrtab     = 48 // char *strtab: string constants table
	DctxAgg        = 56 // char *agg: aggregation buffers
	DctxGvars      = 64 // char *gvars: global-variable buffer
	DctxLvars      = 72 // char *lvars: local-variable buffer

	DctxSize = 80
)

// ClauseLinker is the narrow interface this core consumes from the
// (out-of-scope) D compiler/BPF assembler: given a probe's compiled
// clause list, resolve the kernel function id the trampoline's call
// instruction should target (spec.md §1 "Explicitly out of scope", §4.6
// "Call and return").
type ClauseLinker interface {
	ResolveClause(clauseID uint64) (progFd int, err error)
	ResolvePredicate(clauseID uint64) (progFd int, ok bool)
}

// CTFOffsetResolver is the narrow interface this core consumes from the
// (out-of-scope) CTF reader, used by dependent-probe argument marshaling
// to chase pointers through kernel struct layouts it does not itself
// parse (spec.md §4.6 "SDT dependents").
type CTFOffsetResolver interface {
	OffsetOf(typeName, member string) (offset int, size int, err error)
}

// DOFPackager is the narrow interface this core hands assembled programs
// to; DOF serialization itself is out of scope (spec.md §1, §6).
type DOFPackager interface {
	PackageProgram(probe ProbeDesc, instructions interface{}) ([]byte, error)
}
