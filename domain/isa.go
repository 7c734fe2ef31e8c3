package domain

// ISAKey selects an ISA dispatch implementation by bitness and ELF
// machine (spec.md §4.7). ELF64 mirrors the process handle's ELF64 flag;
// Machine is the e_machine value from the target's ELF header.
type ISAKey struct {
	ELF64   bool
	Machine uint16
}

// ISAIface is the small per-(bitness, machine) dispatch table described
// in spec.md §4.7. A process whose (bitness, machine) is not registered
// fails early at attach time with ErrNoISASupport.
type ISAIface interface {
	// ReadFirstArg reads the first argument register/slot at a function
	// entry, per-ISA calling convention (spec.md §4.7). On ISAs that pass
	// the first argument in memory (32-bit x86's stack slot above %esp)
	// this returns the slot's address rather than its contents; callers
	// dereference it with the process handle's own Read.
	ReadFirstArg(regs []byte) (uint64, error)

	// GetBkptIP returns the instruction address that actually trapped,
	// correcting for ISAs (x86) where the trap PC has already advanced
	// past the breakpoint instruction.
	GetBkptIP(regs []byte) uint64

	// ResetBkptIP corrects the PC register in regs back to the
	// breakpoint address (x86); a no-op on ISAs that trap with the PC
	// already at the faulting instruction.
	ResetBkptIP(regs []byte, addr uint64)

	// GetNextIP computes the next instruction's address for ISAs that
	// require software single-step (spec.md §4.2 "Singlestep",
	// §4.7). Returns ok=false on hardware-singlestep ISAs, where callers
	// should use PTRACE_SINGLESTEP directly instead.
	GetNextIP(regs []byte, insn uint32) (addr uint64, ok bool)

	// BkptInsn is the platform's breakpoint instruction byte pattern
	// (spec.md §4.2 "Representation").
	BkptInsn() []byte

	// RegsSize is the size in bytes of this ISA's register snapshot, used
	// to compute dctx->mst->argv[] offsets (domain.MstArgOffset).
	RegsSize() int
}

// ISARegistryIface looks up the ISA dispatch table for a target.
type ISARegistryIface interface {
	Lookup(key ISAKey) (ISAIface, bool)
	Register(key ISAKey, impl ISAIface)
}
