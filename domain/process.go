//
// Copyright 2019-2020 Nestybox, Inc.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//    https://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.
//

// Package domain holds the shared interfaces and data types exchanged
// between the process-control core (ptrace state machine, breakpoint
// engine, mapping/symbol caches, runtime-linker agent) and the
// probe-provider core (probe registry, provider framework, trampoline
// emitter). Concrete implementations live under internal/; this package
// exists so those packages can depend on each other's contracts without
// importing each other's concrete packages, mirroring the sysbox-fs
// domain package's role as the cross-package contract layer.
package domain

// ProcState is one of the four abstract process states described in
// spec.md §4.1. Transitions are driven entirely by wait events.
type ProcState int

const (
	StateRun ProcState = iota
	StateStop
	StateTraceStop
	StateDead
)

func (s ProcState) String() string {
	switch s {
	case StateRun:
		return "RUN"
	case StateStop:
		return "STOP"
	case StateTraceStop:
		return "TRACESTOP"
	case StateDead:
		return "DEAD"
	default:
		return "UNKNOWN"
	}
}

// GrabLevel controls how aggressively Grab attempts to gain control of an
// already-running process (spec.md §4.1 "grab").
type GrabLevel int

const (
	// GrabLevel1 attempts invasive ptrace control and silently falls back
	// to noninvasive (read-only) mode if the seize fails.
	GrabLevel1 GrabLevel = iota
	// GrabLevel2 requires invasive ptrace control; a seize failure is a
	// hard error.
	GrabLevel2
)

// ReleaseMode controls how Release tears down a process handle.
type ReleaseMode int

const (
	ReleaseNormal ReleaseMode = iota
	ReleaseKill
	ReleaseNoDetach
)

// ProcessHandleIface is the public contract of one attached-or-created
// target process, as specified by spec.md §4.1. Implemented by
// internal/pcc.Handle.
type ProcessHandleIface interface {
	Pid() uint32
	State() ProcState
	Released() bool

	// Trace/Untrace implement the nested trace-request counter described
	// in spec.md §4.1.
	Trace(stopped bool) error
	Untrace(leaveStopped bool) error

	// Wait drains one or more wait events; see spec.md §4.1/§5 for the
	// block-demotion rules.
	Wait(block bool) (int, error)

	// Memory access, bitness/endianness aware.
	Read(buf []byte, addr uint64) (int, error)
	ReadString(addr uint64, maxLen int) (string, error)
	ReadScalar(dst []byte, nbytes int, addr uint64) error
	Poke(addr uint64, data []byte) error

	// Regs reads the current general-purpose register snapshot, sized
	// and laid out per the target's ISA (domain.ISAIface.RegsSize).
	Regs() ([]byte, error)
	SetRegs(regs []byte) error

	// SingleStep issues one hardware singlestep.
	SingleStep() error

	// ISA returns the dispatch table selected for this process at
	// attach/exec time (spec.md §4.7).
	ISA() ISAIface

	Release(mode ReleaseMode) error

	// Breakpoint interface, delegated to the owned breakpoint engine.
	Bkpt(addr uint64, h BkptHandler) error
	BkptNotifier(addr uint64, n BkptHandler) error
	Unbkpt(addr uint64) error
	BkptContinue() error
	BkptAddr() uint64

	// ELF/bitness facts cached at attach/exec time.
	ELF64() bool
	Machine() uint16

	// Accessors for the owned caches, used by higher layers (RDA,
	// providers) that need a consistent view of the address space.
	Mappings() MappingCacheIface
	Symbols() SymbolCacheIface
}

// ProcessServiceIface is the factory / global-hook surface, mirroring the
// teacher's XxxServiceIface + Setup(...) convention.
type ProcessServiceIface interface {
	Create(file string, argv []string, wrapArg interface{}) (ProcessHandleIface, error)
	Grab(pid uint32, level GrabLevel, alreadyPtraced bool, wrapArg interface{}) (ProcessHandleIface, error)

	SetPtraceWrapper(w PtraceWrapper)
	SetPwaitWrapper(w PwaitWrapper)
	SetPtraceLockHook(h func(acquire bool))
	SetUnwinderPad(f func() UnwinderPad)
}

// PtraceWrapper lets a multithreaded caller serialize raw ptrace(2) calls
// (spec.md §4.1, §5 "ptrace-lock hook").
type PtraceWrapper func(request int, pid int, addr uintptr, data uintptr) (uintptr, error)

// PwaitWrapper lets a caller serialize waitpid(2) calls the same way.
type PwaitWrapper func(pid int, options int) (int, int, error)

// UnwinderPad is a thread-local recovery point an exec-event handler
// longjmps through (spec.md §4.1 PTRACE_EVENT_EXEC, §9 "Exception
// unwinding across exec"). In Go there is no setjmp/longjmp; instead the
// process controller calls Recover directly with ErrUnwind when it sees
// the exec event and returns ErrUnwind as an ordinary error. No panic or
// recover() is involved.
type UnwinderPad interface {
	Recover(err error)
}
