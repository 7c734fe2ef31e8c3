package domain

// BkptAction is the verdict a breakpoint handler or notifier returns.
type BkptAction int

const (
	// ActionRun resumes the target normally once the breakpoint handling
	// is done (stepping past the original instruction first).
	ActionRun BkptAction = iota
	// ActionStop leaves the target halted at the breakpoint; the
	// controller converts this internally to StateTraceStop (spec.md
	// §4.2 "handle_start": "converting returned STOP to TRACESTOP").
	ActionStop
)

// BkptHandler is a primary handler or a notifier callback. addr is the
// breakpoint's address; data is the opaque value supplied at install
// time. Returning an error aborts the remaining chain for this firing
// (the breakpoint stays installed).
type BkptHandler struct {
	Func    func(proc ProcessHandleIface, addr uint64, data interface{}) (BkptAction, error)
	Cleanup func(data interface{})
	Data    interface{}

	// AfterSingleStep selects whether this handler observes the
	// instruction about to execute (false, the common case) or its
	// result (true), per spec.md §4.2 "Install".
	AfterSingleStep bool
}

// BkptEngineIface is the hash-by-address breakpoint table owned by a
// process handle (spec.md §4.2).
type BkptEngineIface interface {
	Install(proc ProcessHandleIface, addr uint64, h BkptHandler) error
	InstallNotifier(proc ProcessHandleIface, addr uint64, n BkptHandler) error
	Remove(proc ProcessHandleIface, addr uint64) error

	// Trigger is called by the process controller when a SIGTRAP's
	// (adjusted) IP matches a known breakpoint, including a temporary
	// software-singlestep breakpoint; it is not called when a hardware
	// single-step completes.
	Trigger(proc ProcessHandleIface, trapIP uint64) error

	// Continue resumes the target past the breakpoint currently halted
	// at (ActionStop path), if any.
	Continue(proc ProcessHandleIface) error

	// HaltedAt returns the address of the breakpoint the target is halted
	// at because its handler returned ActionStop, or 0 if none.
	HaltedAt() uint64

	// Has reports whether any breakpoint exists at addr.
	Has(addr uint64) bool

	// Len reports the number of installed breakpoints, notifier-only ones
	// included and temporary single-step ones excluded; used by Untrace's
	// detach-on-release gate (spec.md
	// §4.1).
	Len() int

	// CleanupFork pokes original instructions back into a forked
	// child's address space before it is detached from (spec.md §4.1
	// PTRACE_EVENT_FORK, §4.2 "Fork-time cleanup").
	CleanupFork(childPid int) error

	// Clear removes every breakpoint without touching the target's
	// memory (used on exec, where the old text no longer exists).
	Clear()
}
