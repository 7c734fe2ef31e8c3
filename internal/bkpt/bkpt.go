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

// Package bkpt implements the breakpoint engine of spec.md §2 and §4.2:
// a hash-by-address table of installed software breakpoints, each
// holding the original instruction word plus a handler and notifier
// chain, with hardware- and software-singlestep paths selected through
// the ISA dispatch table.
//
// There is no direct teacher precedent (sysbox-fs traces via seccomp
// notify, not breakpoints); the hash-by-address table and
// peek-overlay-poke install sequence are grounded on delve's
// proctl.BreakpointMap / Process.Continue breakpoint-hit dispatch in
// other_examples/, adapted from delve's single-native-ISA model to the
// per-process domain.ISAIface dispatch spec.md §4.7 requires.
package bkpt

import (
	"bytes"
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/nestybox/tracecore/domain"
	"github.com/nestybox/tracecore/internal/procio"
)

type entry struct {
	addr     uint64
	orig     []byte
	handler  domain.BkptHandler
	hasMain  bool
	notifiers []domain.BkptHandler

	// softStepBack, when nonzero, marks this entry as a temporary
	// software-singlestep breakpoint installed one instruction past
	// origin, pointing back at it.
	softStepBack uint64

	pendingRemoval bool
	inHandler      bool
}

var _ domain.BkptEngineIface = (*Engine)(nil)

// Engine is the per-process breakpoint hash table (spec.md §3 "Breakpoint
// hash").
type Engine struct {
	isa      domain.ISAIface
	byAddr   map[uint64]*entry
	haltedAt uint64

	// cursor is the breakpoint handle_start most recently disarmed to
	// hardware-singlestep over, pending re-arm once that step's SIGTRAP
	// arrives (spec.md §3 "single-step cursor"). nil when no hardware
	// step is outstanding.
	cursor *entry
}

func New(isaImpl domain.ISAIface) *Engine {
	return &Engine{isa: isaImpl, byAddr: make(map[uint64]*entry)}
}

// Install implements spec.md §4.2 "Install" for the primary handler
// (bkpt): re-entering an existing address replaces the handler.
func (e *Engine) Install(proc domain.ProcessHandleIface, addr uint64, h domain.BkptHandler) error {
	ent, ok := e.byAddr[addr]
	if !ok {
		var err error
		ent, err = e.install(proc, addr)
		if err != nil {
			return err
		}
	}
	ent.handler = h
	ent.hasMain = true
	return nil
}

// InstallNotifier implements spec.md §4.2 "Install" for bkpt_notifier:
// appends to the notifier chain rather than replacing a handler.
func (e *Engine) InstallNotifier(proc domain.ProcessHandleIface, addr uint64, n domain.BkptHandler) error {
	ent, ok := e.byAddr[addr]
	if !ok {
		var err error
		ent, err = e.install(proc, addr)
		if err != nil {
			return err
		}
	}
	ent.notifiers = append(ent.notifiers, n)
	return nil
}

func (e *Engine) install(proc domain.ProcessHandleIface, addr uint64) (*entry, error) {
	insn := e.isa.BkptInsn()
	orig := make([]byte, len(insn))
	if _, err := proc.Read(orig, addr); err != nil {
		return nil, fmt.Errorf("bkpt: peek original instruction at %#x: %w", addr, err)
	}

	if err := proc.Poke(addr, insn); err != nil {
		return nil, fmt.Errorf("bkpt: install breakpoint at %#x: %w", addr, err)
	}

	ent := &entry{addr: addr, orig: orig}
	e.byAddr[addr] = ent
	return ent, nil
}

// Remove implements spec.md §4.2 "Deletion during a handler": if called
// while the handler for this address is executing, defer the cleanup
// (pending_removal) until the handler returns.
func (e *Engine) Remove(proc domain.ProcessHandleIface, addr uint64) error {
	ent, ok := e.byAddr[addr]
	if !ok {
		return nil
	}
	if ent.inHandler {
		ent.pendingRemoval = true
		return nil
	}
	return e.remove(proc, ent)
}

func (e *Engine) remove(proc domain.ProcessHandleIface, ent *entry) error {
	if err := proc.Poke(ent.addr, ent.orig); err != nil {
		return fmt.Errorf("bkpt: restore original instruction at %#x: %w", ent.addr, err)
	}
	delete(e.byAddr, ent.addr)
	if e.haltedAt == ent.addr {
		e.haltedAt = 0
	}
	return nil
}

// Trigger implements spec.md §4.2 "Trigger": dispatch to
// handle_post_singlestep for a software-singlestep temporary breakpoint,
// otherwise handle_start.
func (e *Engine) Trigger(proc domain.ProcessHandleIface, trapIP uint64) error {
	ent, ok := e.byAddr[trapIP]
	if !ok {
		return fmt.Errorf("bkpt: trigger at %#x: no breakpoint installed", trapIP)
	}

	if ent.softStepBack != 0 {
		return e.handlePostSinglestep(proc, ent)
	}
	return e.handleStart(proc, ent)
}

// handleStart implements spec.md §4.2 "handle_start".
func (e *Engine) handleStart(proc domain.ProcessHandleIface, ent *entry) error {
	if err := proc.Poke(ent.addr, ent.orig); err != nil {
		return fmt.Errorf("bkpt: restore original at %#x: %w", ent.addr, err)
	}

	ent.inHandler = true
	action, err := e.dispatch(proc, ent, false)
	ent.inHandler = false

	if ent.pendingRemoval {
		ent.pendingRemoval = false
		return e.remove(proc, ent)
	}
	if err != nil {
		return err
	}

	if action == domain.ActionStop {
		e.haltedAt = ent.addr
		return nil
	}

	return e.singlestep(proc, ent)
}

func (e *Engine) dispatch(proc domain.ProcessHandleIface, ent *entry, afterStep bool) (domain.BkptAction, error) {
	for _, n := range ent.notifiers {
		if n.AfterSingleStep != afterStep {
			continue
		}
		if _, err := n.Func(proc, ent.addr, n.Data); err != nil {
			return domain.ActionRun, err
		}
	}

	if ent.hasMain && ent.handler.AfterSingleStep == afterStep {
		return ent.handler.Func(proc, ent.addr, ent.handler.Data)
	}
	return domain.ActionRun, nil
}

// singlestep implements spec.md §4.2 "Singlestep": hardware path resets
// the IP and issues PTRACE_SINGLESTEP; the software path computes the
// next IP via the ISA decoder and drops a temporary breakpoint there.
func (e *Engine) singlestep(proc domain.ProcessHandleIface, ent *entry) error {
	regs, err := proc.Regs()
	if err != nil {
		return err
	}

	insn := uint32(0)
	if len(ent.orig) >= 4 {
		insn = uint32(ent.orig[0]) | uint32(ent.orig[1])<<8 | uint32(ent.orig[2])<<16 | uint32(ent.orig[3])<<24
	}

	nextIP, needsSoftware := e.isa.GetNextIP(regs, insn)
	if !needsSoftware {
		e.isa.ResetBkptIP(regs, ent.addr)
		if err := proc.SetRegs(regs); err != nil {
			return err
		}
		if err := proc.SingleStep(); err != nil {
			return err
		}
		e.cursor = ent
		return nil
	}

	if nextIP == ent.addr {
		logrus.Warnf("bkpt: one-instruction loop at %#x requires emulation, deleting breakpoint", ent.addr)
		return e.remove(proc, ent)
	}

	if _, exists := e.byAddr[nextIP]; exists {
		// A real breakpoint already covers the next instruction; no
		// temporary is needed, just continue.
		return nil
	}

	tmp, err := e.install(proc, nextIP)
	if err != nil {
		return err
	}
	tmp.softStepBack = ent.addr
	return nil
}

// rearm implements spec.md §4.2 "handle_post_singlestep": re-peek to
// survive self-modifying PLT-style code, dispatch the after-singlestep
// notifiers/handler, then re-arm the breakpoint unless it was removed
// while its handler ran. Shared by the software-singlestep path (tmp
// breakpoints, via handlePostSinglestep) and the hardware-singlestep
// path (via ResumeStepCursor), since both leave ent's original
// instruction live in memory pending exactly this re-arm.
func (e *Engine) rearm(proc domain.ProcessHandleIface, ent *entry) error {
	insn := e.isa.BkptInsn()
	fresh := make([]byte, len(insn))
	if _, err := proc.Read(fresh, ent.addr); err != nil {
		return err
	}
	ent.orig = fresh

	ent.inHandler = true
	_, err := e.dispatch(proc, ent, true)
	ent.inHandler = false

	if ent.pendingRemoval {
		ent.pendingRemoval = false
		return e.remove(proc, ent)
	}
	if err != nil {
		return err
	}

	if err := proc.Poke(ent.addr, insn); err != nil {
		return fmt.Errorf("bkpt: reinstall at %#x: %w", ent.addr, err)
	}
	return nil
}

// handlePostSinglestep implements spec.md §4.2 "handle_post_singlestep"
// for the software-singlestep path: re-arm the original breakpoint the
// temporary singlestep breakpoint was tracking down, then remove the
// temporary.
func (e *Engine) handlePostSinglestep(proc domain.ProcessHandleIface, tmp *entry) error {
	orig, ok := e.byAddr[tmp.softStepBack]
	if !ok {
		return e.remove(proc, tmp)
	}
	if e.cursor == orig {
		e.cursor = nil
	}

	rearmErr := e.rearm(proc, orig)
	if err := e.remove(proc, tmp); err != nil {
		return err
	}
	return rearmErr
}

// StepCursor reports the address of a breakpoint currently disarmed
// pending re-arm via ResumeStepCursor (spec.md §3 "single-step cursor"),
// or 0 if none is outstanding.
func (e *Engine) StepCursor() uint64 {
	if e.cursor == nil {
		return 0
	}
	return e.cursor.addr
}

// ResumeStepCursor implements spec.md §4.2 "handle_post_singlestep" for
// the hardware-singlestep path: re-arms the breakpoint handle_start
// disarmed before issuing PTRACE_SINGLESTEP. Callers invoke this once
// the singlestep's own SIGTRAP arrives, before any other trap handling,
// since that trap carries no address of its own registered in the
// breakpoint hash for Trigger to dispatch on.
func (e *Engine) ResumeStepCursor(proc domain.ProcessHandleIface) error {
	ent := e.cursor
	if ent == nil {
		return nil
	}
	e.cursor = nil
	return e.rearm(proc, ent)
}

func (e *Engine) Continue(proc domain.ProcessHandleIface) error {
	if e.haltedAt == 0 {
		return nil
	}
	ent, ok := e.byAddr[e.haltedAt]
	e.haltedAt = 0
	if !ok {
		return nil
	}
	return e.singlestep(proc, ent)
}

func (e *Engine) HaltedAt() uint64 { return e.haltedAt }

func (e *Engine) Has(addr uint64) bool {
	_, ok := e.byAddr[addr]
	return ok
}

// Len counts real (non-temporary-softstep) breakpoints, per spec.md §4.1
// "Untrace"'s detach-on-release gate.
func (e *Engine) Len() int {
	n := 0
	for _, ent := range e.byAddr {
		if ent.softStepBack == 0 {
			n++
		}
	}
	return n
}

// CleanupFork implements spec.md §4.2 "Fork-time cleanup": poke original
// instructions back into the child's address space, but only where the
// child's text at that address still holds the breakpoint pattern
// (otherwise the text section was remapped since the fork and the
// address means something else now). Applied by walking the entire
// breakpoint hash before detaching from the child (spec.md §4.1
// PTRACE_EVENT_FORK).
func (e *Engine) CleanupFork(childPid int) error {
	if childPid <= 0 {
		return fmt.Errorf("bkpt: invalid child pid %d", childPid)
	}

	child, err := procio.Open(childPid)
	if err != nil {
		return fmt.Errorf("bkpt: open child %d memory: %w", childPid, err)
	}
	defer child.Close()

	insn := e.isa.BkptInsn()
	cur := make([]byte, len(insn))

	for _, ent := range e.byAddr {
		if ent.softStepBack != 0 {
			continue
		}
		n, err := child.Read(cur, ent.addr)
		if err != nil || n != len(cur) {
			continue
		}
		if !bytes.Equal(cur, insn) {
			continue
		}
		if err := child.Poke(ent.addr, ent.orig); err != nil {
			logrus.Warnf("bkpt: cleanup fork child %d at %#x: %v", childPid, ent.addr, err)
		}
	}

	return nil
}

// Clear removes every breakpoint without touching target memory (used
// on exec, where the old text no longer exists).
func (e *Engine) Clear() {
	e.byAddr = make(map[uint64]*entry)
	e.haltedAt = 0
	e.cursor = nil
}
