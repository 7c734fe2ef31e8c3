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

// Package pcc implements the Process Controller (spec.md §2 and §4.1):
// attach/spawn, the ptrace-based abstract state machine, nested
// trace-request counting, wait-event servicing, and the process handle
// that owns the mapping cache, symbol cache, and breakpoint engine.
//
// sysbox-fs never ptrace-attaches to anything (it intercepts syscalls
// via seccomp-notify), so the state machine itself has no direct
// teacher analogue; the nested-counter, hook-injection
// (set_ptrace_wrapper/set_pwait_wrapper/set_ptrace_lock_hook), and
// domain-interface-plus-XxxServiceIface-with-Setup shape are carried
// over from the teacher's process.processService /
// domain.ProcessServiceIface pattern, with the actual
// seize/wait/singlestep sequencing grounded on the ptrace subprocess
// code in the pack's gVisor and delve reference material.
package pcc

import (
	"errors"
	"fmt"
	"os"
	"os/exec"
	"syscall"

	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"

	"github.com/nestybox/tracecore/domain"
	"github.com/nestybox/tracecore/internal/bkpt"
	"github.com/nestybox/tracecore/internal/elfaux"
	"github.com/nestybox/tracecore/internal/isa"
	"github.com/nestybox/tracecore/internal/mapcache"
	"github.com/nestybox/tracecore/internal/procio"
	"github.com/nestybox/tracecore/internal/symtab"
)

var _ domain.ProcessHandleIface = (*Handle)(nil)

// Handle is one attached-or-created target process (spec.md §3 "Process
// handle").
type Handle struct {
	pid      uint32
	state    domain.ProcState
	released bool

	traceCount    int
	pendingStop   int
	groupStop     bool
	listening     bool
	detachOnRel   bool
	noninvasive   bool
	staticallyLnk bool

	mem        *procio.IO
	mappings   *mapcache.Cache
	symbols    *symtab.Cache
	bkptEngine *bkpt.Engine
	auxv       *elfaux.Info
	rtld       domain.RtldAgentIface
	isaImpl    domain.ISAIface

	consumeSigtrapQuiet bool

	svc *Service
}

func (h *Handle) Pid() uint32             { return h.pid }
func (h *Handle) State() domain.ProcState { return h.state }
func (h *Handle) Released() bool          { return h.released }
func (h *Handle) ELF64() bool             { return h.auxv.ELF64 }
func (h *Handle) Machine() uint16         { return h.auxv.Machine }
func (h *Handle) ISA() domain.ISAIface    { return h.isaImpl }

func (h *Handle) Mappings() domain.MappingCacheIface {
	if h.mappings == nil {
		return nil
	}
	return h.mappings
}

func (h *Handle) Symbols() domain.SymbolCacheIface {
	if h.symbols == nil {
		return nil
	}
	return h.symbols
}

func (h *Handle) markDead() {
	h.state = domain.StateDead
	if h.mem != nil {
		h.mem.MarkDead()
	}
}

// pwait calls waitpid through the installed PwaitWrapper if a caller
// registered one (spec.md §4.1 "set_pwait_wrapper"), so a multithreaded
// caller can serialize wait calls the same way set_ptrace_wrapper lets
// it serialize ptrace calls.
func (h *Handle) pwait(options int) (int, int, error) {
	if h.svc.pwaitWrapper != nil {
		return h.svc.pwaitWrapper(int(h.pid), options)
	}
	var ws unix.WaitStatus
	wpid, err := unix.Wait4(int(h.pid), &ws, options, nil)
	return wpid, int(ws), err
}

func (h *Handle) ptrace(request int, addr uintptr, data uintptr) (uintptr, error) {
	if h.svc.ptraceWrapper != nil {
		return h.svc.ptraceWrapper(request, int(h.pid), addr, data)
	}
	r, _, errno := unix.Syscall6(unix.SYS_PTRACE, uintptr(request), uintptr(h.pid), addr, data, 0, 0)
	if errno != 0 {
		return 0, errno
	}
	return r, nil
}

func (h *Handle) checkPtraceErr(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, unix.ESRCH) {
		h.markDead()
		return domain.ErrProcessDead
	}
	return err
}

// Trace implements spec.md §4.1 "trace": nested trace-request counter.
func (h *Handle) Trace(stopped bool) error {
	if h.state == domain.StateDead {
		return domain.ErrProcessDead
	}

	wasZero := h.traceCount == 0
	h.traceCount++

	if wasZero && h.noninvasive {
		// Already running noninvasively (no ptrace ownership); nothing
		// further to seize.
		return nil
	}

	if wasZero {
		if err := h.seize(); err != nil {
			return err
		}
	}

	if stopped {
		if h.svc.ptraceLockHook != nil {
			h.svc.ptraceLockHook(true)
		}
		if err := h.interrupt(); err != nil {
			return err
		}
		h.pendingStop++
	}

	return nil
}

// Untrace implements spec.md §4.1 "untrace".
func (h *Handle) Untrace(leaveStopped bool) error {
	if h.traceCount == 0 {
		return fmt.Errorf("pcc: untrace without matching trace")
	}
	h.traceCount--

	if h.traceCount > 0 {
		return nil
	}

	if h.svc.ptraceLockHook != nil {
		h.svc.ptraceLockHook(false)
	}

	if leaveStopped {
		return nil
	}

	if h.detachOnRel && h.bkptEngine.Len() == 0 && (h.rtld == nil || !h.rtld.Ready()) {
		return h.detach()
	}

	return h.resume()
}

func (h *Handle) seize() error {
	if err := unix.PtraceSeize(int(h.pid), traceOptions); err != nil {
		return h.checkPtraceErr(fmt.Errorf("pcc: seize pid %d: %w", h.pid, err))
	}
	return nil
}

func (h *Handle) interrupt() error {
	if err := unix.PtraceInterrupt(int(h.pid)); err != nil {
		return h.checkPtraceErr(fmt.Errorf("pcc: interrupt pid %d: %w", h.pid, err))
	}
	return nil
}

func (h *Handle) detach() error {
	if err := unix.PtraceDetach(int(h.pid)); err != nil {
		return h.checkPtraceErr(fmt.Errorf("pcc: detach pid %d: %w", h.pid, err))
	}
	h.state = domain.StateRun
	return nil
}

// resume continues the target, going through the breakpoint engine's
// resumer if currently halted at a breakpoint (spec.md §4.1 "untrace").
func (h *Handle) resume() error {
	if h.bkptEngine.HaltedAt() != 0 {
		return h.bkptEngine.Continue(h)
	}
	if err := unix.PtraceCont(int(h.pid), 0); err != nil {
		return h.checkPtraceErr(fmt.Errorf("pcc: cont pid %d: %w", h.pid, err))
	}
	h.state = domain.StateRun
	return nil
}

// Wait implements spec.md §4.1 "wait": one waitpid, then drain
// nonblockingly. Block-waits demote to nonblock per the rules in the
// same section.
func (h *Handle) Wait(block bool) (int, error) {
	if h.state == domain.StateDead {
		return 0, domain.ErrProcessDead
	}

	effectiveBlock := block && h.state != domain.StateTraceStop &&
		h.pendingStop == 0 && h.bkptEngine.HaltedAt() == 0

	count := 0
	first := true
	for {
		options := unix.WALL
		if !first || !effectiveBlock {
			options |= unix.WNOHANG
		}
		first = false

		wpid, rawStatus, err := h.pwait(options)
		ws := unix.WaitStatus(rawStatus)
		if err != nil {
			if errors.Is(err, unix.ECHILD) {
				h.markDead()
				return count, domain.ErrProcessDead
			}
			if errors.Is(err, unix.EINTR) {
				continue
			}
			return count, fmt.Errorf("pcc: wait4 pid %d: %w", h.pid, err)
		}
		if wpid == 0 {
			break
		}

		count++
		if err := h.handleWaitStatus(ws); err != nil {
			return count, err
		}
		if h.state == domain.StateDead {
			break
		}
	}

	return count, nil
}

// handleWaitStatus implements the state-transition table in spec.md
// §4.1 "State machine".
func (h *Handle) handleWaitStatus(ws unix.WaitStatus) error {
	switch {
	case ws.Exited(), ws.Signaled():
		h.markDead()
		return nil

	case ws.Stopped():
		sig := ws.StopSignal()
		trapCause := ws.TrapCause()

		switch {
		case sig == unix.SIGTRAP && trapCause == unix.PTRACE_EVENT_EXIT:
			// Continue silently; the exit record has not yet fired.
			return unix.PtraceCont(int(h.pid), 0)

		case sig == unix.SIGTRAP && trapCause == unix.PTRACE_EVENT_EXEC:
			return h.handleExecEvent()

		case sig == unix.SIGTRAP && (trapCause == unix.PTRACE_EVENT_FORK || trapCause == unix.PTRACE_EVENT_VFORK):
			return h.handleForkEvent()

		case trapCause == unix.PTRACE_EVENT_STOP && sig == unix.SIGTRAP:
			return h.handleGroupStop()

		case trapCause == unix.PTRACE_EVENT_STOP && h.listening:
			// A stopping signal arrived after LISTEN; reinject and let
			// the kernel stop it again (spec.md §4.1).
			return h.reinjectAndResume(int(sig))

		case sig == unix.SIGTRAP && trapCause == unix.PTRACE_EVENT_CLONE:
			// Suppress further runtime-linker events; threading races
			// with lazy library loads are out of scope (spec.md §4.1).
			if h.rtld != nil {
				h.rtld.SetEventCallback(nil)
			}
			return unix.PtraceCont(int(h.pid), 0)

		case sig == unix.SIGTRAP:
			return h.handleTrap()

		case sig == (unix.SIGTRAP | 0x80):
			// PTRACE_O_TRACESYSGOOD marker on an ordinary signal-delivery
			// stop; treat like a plain SIGTRAP.
			return h.handleTrap()

		case sig == unix.SIGCONT:
			h.listening = false
			h.groupStop = false
			h.state = domain.StateRun
			return h.reinjectAndResume(int(sig))

		case isStoppingSignal(sig):
			h.state = domain.StateStop
			return h.reinjectAndResume(int(sig))

		default:
			return h.reinjectAndResume(int(sig))
		}
	}

	return nil
}

func isStoppingSignal(sig syscall.Signal) bool {
	switch sig {
	case unix.SIGSTOP, unix.SIGTSTP, unix.SIGTTIN, unix.SIGTTOU:
		return true
	default:
		return false
	}
}

func (h *Handle) reinjectAndResume(sig int) error {
	if err := unix.PtraceCont(int(h.pid), sig); err != nil {
		return h.checkPtraceErr(fmt.Errorf("pcc: reinject cont pid %d: %w", h.pid, err))
	}
	h.state = domain.StateRun
	return nil
}

// handleGroupStop implements spec.md §4.1's PTRACE_EVENT_STOP bullet:
// group-stop bookkeeping, then PTRACE_LISTEN so that further state
// changes on the tracee (e.g. SIGCONT) remain visible while it stays
// stopped.
func (h *Handle) handleGroupStop() error {
	h.groupStop = true
	if _, err := h.ptrace(unix.PTRACE_LISTEN, 0, 0); err != nil {
		return h.checkPtraceErr(fmt.Errorf("pcc: listen pid %d: %w", h.pid, err))
	}
	h.listening = true
	h.state = domain.StateStop
	return nil
}

func (h *Handle) handleTrap() error {
	regs, err := h.Regs()
	if err != nil {
		return err
	}
	ip := h.isaImpl.GetBkptIP(regs)

	if h.bkptEngine.Has(ip) {
		if err := h.bkptEngine.Trigger(h, ip); err != nil {
			return err
		}
		h.state = domain.StateTraceStop
		return nil
	}

	// Hardware-singlestep completion: re-arm the breakpoint handle_start
	// disarmed before issuing PTRACE_SINGLESTEP (spec.md §3 "single-step
	// cursor"). This trap has no address of its own registered in the
	// breakpoint hash for Trigger to dispatch on, so it is caught here;
	// the process resumes on its own rather than halting for the caller.
	if h.bkptEngine.StepCursor() != 0 {
		if err := h.bkptEngine.ResumeStepCursor(h); err != nil {
			return err
		}
		return h.reinjectAndResume(0)
	}

	// Reconcile a latent interrupt against the pending-stop counter
	// (spec.md §4.1 "trace": "so that latent interrupts from earlier
	// requests are not counted twice").
	if h.pendingStop > 0 {
		h.pendingStop--
		h.state = domain.StateTraceStop
		return nil
	}

	return h.reinjectAndResume(0)
}

// handleExecEvent implements spec.md §4.1's PTRACE_EVENT_EXEC bullet.
func (h *Handle) handleExecEvent() error {
	h.bkptEngine.Clear()

	auxv, err := elfaux.Load(int(h.pid))
	if err != nil {
		return fmt.Errorf("pcc: reread ELF info after exec: %w", err)
	}
	h.auxv = auxv
	h.staticallyLnk = auxv.Statically

	isaImpl, ok := h.svc.isaRegistry.Lookup(domain.ISAKey{ELF64: auxv.ELF64, Machine: auxv.Machine})
	if !ok {
		return domain.ErrNoISASupport
	}
	h.isaImpl = isaImpl

	h.mappings.Invalidate()
	h.rtld = nil

	if err := h.seize(); err != nil {
		return err
	}
	h.state = domain.StateTraceStop

	if h.svc.unwinderPad != nil {
		if pad := h.svc.unwinderPad(); pad != nil {
			pad.Recover(domain.ErrUnwind)
			return domain.ErrUnwind
		}
	}

	return h.Untrace(false)
}

// handleForkEvent implements spec.md §4.1's PTRACE_EVENT_FORK/VFORK
// bullet: flush breakpoints in the child, then detach without tracing it.
func (h *Handle) handleForkEvent() error {
	msg, err := h.ptrace(unix.PTRACE_GETEVENTMSG, 0, 0)
	if err != nil {
		logrus.Warnf("pcc: read fork event message for pid %d: %v", h.pid, err)
		return unix.PtraceCont(int(h.pid), 0)
	}
	childPid := int(msg)

	if err := h.bkptEngine.CleanupFork(childPid); err != nil {
		logrus.Warnf("pcc: cleanup breakpoints in forked child %d: %v", childPid, err)
	}

	reapIgnoredChild(childPid)

	return unix.PtraceCont(int(h.pid), 0)
}

// reapIgnoredChild detaches from and reaps a forked child we do not
// trace, independently of the parent's own wait loop (spec.md §4.1:
// "This is done by a sub-routine that reaps and signals the ignored
// child independently").
func reapIgnoredChild(childPid int) {
	_ = unix.PtraceDetach(childPid)
	go func() {
		var ws unix.WaitStatus
		unix.Wait4(childPid, &ws, 0, nil)
	}()
}

func (h *Handle) Read(buf []byte, addr uint64) (int, error) {
	if h.state == domain.StateDead {
		return 0, domain.ErrProcessDead
	}
	return h.mem.Read(buf, addr)
}

func (h *Handle) ReadString(addr uint64, maxLen int) (string, error) {
	return h.mem.ReadString(addr, maxLen)
}

func (h *Handle) ReadScalar(dst []byte, nbytes int, addr uint64) error {
	return h.mem.ReadScalar(dst, nbytes, len(dst), addr)
}

func (h *Handle) Poke(addr uint64, data []byte) error {
	return h.mem.Poke(addr, data)
}

func (h *Handle) Regs() ([]byte, error) {
	buf := make([]byte, h.isaImpl.RegsSize())
	if err := ptraceGetRegs(int(h.pid), buf); err != nil {
		return nil, h.checkPtraceErr(err)
	}
	return buf, nil
}

func (h *Handle) SetRegs(regs []byte) error {
	return h.checkPtraceErr(ptraceSetRegs(int(h.pid), regs))
}

func (h *Handle) SingleStep() error {
	if err := unix.PtraceSingleStep(int(h.pid)); err != nil {
		return h.checkPtraceErr(fmt.Errorf("pcc: singlestep pid %d: %w", h.pid, err))
	}
	return nil
}

func (h *Handle) Bkpt(addr uint64, hdlr domain.BkptHandler) error {
	return h.bkptEngine.Install(h, addr, hdlr)
}

func (h *Handle) BkptNotifier(addr uint64, n domain.BkptHandler) error {
	return h.bkptEngine.InstallNotifier(h, addr, n)
}

func (h *Handle) Unbkpt(addr uint64) error {
	return h.bkptEngine.Remove(h, addr)
}

func (h *Handle) BkptContinue() error {
	return h.bkptEngine.Continue(h)
}

func (h *Handle) BkptAddr() uint64 {
	return h.bkptEngine.HaltedAt()
}

// Release implements spec.md §4.1 "release".
func (h *Handle) Release(mode domain.ReleaseMode) error {
	if h.released {
		return nil
	}
	h.released = true

	switch mode {
	case domain.ReleaseKill:
		unix.Kill(int(h.pid), unix.SIGKILL)
		unix.PtraceDetach(int(h.pid))
	case domain.ReleaseNoDetach:
		// Leave the tracee running under ptrace; just drop our own
		// bookkeeping (spec.md: "used when the tracer is about to
		// replace itself, e.g. after exec inside our own process").
	default:
		unix.PtraceDetach(int(h.pid))
	}

	if h.mem != nil {
		h.mem.Close()
	}
	return nil
}

// Service is the concrete domain.ProcessServiceIface implementation.
type Service struct {
	isaRegistry domain.ISARegistryIface
	caps        capabilities

	ptraceWrapper  domain.PtraceWrapper
	pwaitWrapper   domain.PwaitWrapper
	ptraceLockHook func(acquire bool)
	unwinderPad    func() domain.UnwinderPad
}

var _ domain.ProcessServiceIface = (*Service)(nil)

func NewService() *Service {
	return &Service{isaRegistry: isa.Default()}
}

func (s *Service) SetPtraceWrapper(w domain.PtraceWrapper)           { s.ptraceWrapper = w }
func (s *Service) SetPwaitWrapper(w domain.PwaitWrapper)             { s.pwaitWrapper = w }
func (s *Service) SetPtraceLockHook(hk func(acquire bool))           { s.ptraceLockHook = hk }
func (s *Service) SetUnwinderPad(f func() domain.UnwinderPad)        { s.unwinderPad = f }

// Grab implements spec.md §4.1 "grab".
func (s *Service) Grab(pid uint32, level domain.GrabLevel, alreadyPtraced bool, wrapArg interface{}) (domain.ProcessHandleIface, error) {
	mem, err := procio.Open(int(pid))
	if err != nil {
		if os.IsPermission(err) {
			return nil, domain.ErrPermission
		}
		return nil, fmt.Errorf("pcc: grab pid %d: %w", pid, err)
	}

	auxv, err := elfaux.Load(int(pid))
	if err != nil {
		mem.Close()
		return nil, fmt.Errorf("pcc: grab pid %d: read ELF info: %w", pid, err)
	}

	isaImpl, ok := s.isaRegistry.Lookup(domain.ISAKey{ELF64: auxv.ELF64, Machine: auxv.Machine})
	if !ok {
		mem.Close()
		return nil, domain.ErrNoISASupport
	}

	h := &Handle{
		pid:           pid,
		state:         domain.StateTraceStop,
		mem:           mem,
		auxv:          auxv,
		staticallyLnk: auxv.Statically,
		isaImpl:       isaImpl,
		svc:           s,
		bkptEngine:    bkpt.New(isaImpl),
	}
	h.mappings = mapcache.New(int(pid))
	h.symbols = symtab.New(int(pid), h.mappings)

	if alreadyPtraced {
		return h, nil
	}

	err = unix.PtraceSeize(int(pid), traceOptions)
	if err != nil {
		if errors.Is(err, unix.EPERM) && !s.caps.hasSysPtrace() {
			logrus.Debugf("pcc: grab pid %d: denied and this process lacks CAP_SYS_PTRACE", pid)
		}

		if level == domain.GrabLevel2 {
			mem.Close()
			if errors.Is(err, unix.EPERM) {
				return nil, domain.ErrPermission
			}
			return nil, fmt.Errorf("pcc: grab pid %d: seize: %w", pid, err)
		}
		// GrabLevel1 falls back to noninvasive mode.
		h.noninvasive = true
		return h, nil
	}

	if err := unix.PtraceInterrupt(int(pid)); err != nil {
		logrus.Warnf("pcc: grab pid %d: interrupt: %v", pid, err)
	}
	h.traceCount = 1

	return h, nil
}

// Create implements spec.md §4.1 "create".
func (s *Service) Create(file string, argv []string, wrapArg interface{}) (domain.ProcessHandleIface, error) {
	cmd := exec.Command(file, argv...)
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	cmd.Stdin = os.Stdin
	cmd.SysProcAttr = &syscall.SysProcAttr{Ptrace: true}
	resetElevatedCredentials(cmd.SysProcAttr)

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("pcc: create %s: %w", file, err)
	}
	pid := cmd.Process.Pid

	var ws unix.WaitStatus
	if _, err := unix.Wait4(pid, &ws, 0, nil); err != nil {
		return nil, fmt.Errorf("pcc: create %s: wait for exec-stop: %w", file, err)
	}
	if ws.Exited() {
		return nil, fmt.Errorf("pcc: create %s: exited before exec-stop", file)
	}

	if err := unix.PtraceSetOptions(pid, traceOptions); err != nil {
		return nil, fmt.Errorf("pcc: create %s: set options: %w", file, err)
	}

	mem, err := procio.Open(pid)
	if err != nil {
		return nil, fmt.Errorf("pcc: create %s: open memory: %w", file, err)
	}

	auxv, err := elfaux.Load(pid)
	if err != nil {
		mem.Close()
		return nil, fmt.Errorf("pcc: create %s: read ELF info: %w", file, err)
	}

	isaImpl, ok := s.isaRegistry.Lookup(domain.ISAKey{ELF64: auxv.ELF64, Machine: auxv.Machine})
	if !ok {
		mem.Close()
		return nil, domain.ErrNoISASupport
	}

	h := &Handle{
		pid:           uint32(pid),
		state:         domain.StateTraceStop,
		mem:           mem,
		auxv:          auxv,
		staticallyLnk: auxv.Statically,
		isaImpl:       isaImpl,
		svc:           s,
		bkptEngine:    bkpt.New(isaImpl),
		traceCount:    1,
	}
	h.mappings = mapcache.New(pid)
	h.symbols = symtab.New(pid, h.mappings)

	if err := unix.PtraceCont(pid, 0); err != nil {
		mem.Close()
		return nil, fmt.Errorf("pcc: create %s: continue past exec-stop: %w", file, err)
	}
	h.state = domain.StateRun

	return h, nil
}
