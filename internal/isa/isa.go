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

// Package isa implements the ISA dispatch component of spec.md §4.7:
// per-(bitness, machine) implementations of reading the first argument
// register, correcting the trapped breakpoint PC, and (for ISAs lacking
// hardware singlestep) computing the next instruction's address.
//
// Registers are parsed from the raw GETREGSET byte buffer rather than
// through golang.org/x/sys/unix's native PtraceRegs, since a tracer built
// for one host GOARCH must still be able to attach to a target of a
// different machine type; the field layouts below are transcribed from
// the kernel's asm/ptrace.h per architecture, the same source the pack's
// ptrace-based reference code (proctl's register accessors) draws its
// offsets from for its single native architecture.
package isa

import (
	"encoding/binary"
	"fmt"

	"github.com/nestybox/tracecore/domain"
)

// ELF e_machine constants this dispatch table recognizes.
const (
	EM_386     = 3
	EM_SPARC   = 2
	EM_SPARC32PLUS = 18
	EM_SPARCV9 = 43
	EM_X86_64  = 62
	EM_AARCH64 = 183
)

// Registry is the concrete domain.ISARegistryIface implementation.
type Registry struct {
	table map[domain.ISAKey]domain.ISAIface
}

var _ domain.ISARegistryIface = (*Registry)(nil)

// Default returns a registry pre-populated with every ISA this package
// implements (spec.md §4.7).
func Default() *Registry {
	r := &Registry{table: make(map[domain.ISAKey]domain.ISAIface)}
	r.Register(domain.ISAKey{ELF64: true, Machine: EM_X86_64}, amd64ISA{})
	r.Register(domain.ISAKey{ELF64: false, Machine: EM_386}, x86ISA{})
	r.Register(domain.ISAKey{ELF64: true, Machine: EM_AARCH64}, arm64ISA{})
	r.Register(domain.ISAKey{ELF64: false, Machine: EM_SPARC}, sparcISA{})
	r.Register(domain.ISAKey{ELF64: true, Machine: EM_SPARCV9}, sparc64ISA{})
	return r
}

func (r *Registry) Lookup(key domain.ISAKey) (domain.ISAIface, bool) {
	impl, ok := r.table[key]
	return impl, ok
}

func (r *Registry) Register(key domain.ISAKey, impl domain.ISAIface) {
	r.table[key] = impl
}

// amd64ISA implements x86-64's struct user_regs_struct layout.
type amd64ISA struct{}

const (
	amd64RegsSize = 27 * 8
	amd64OffRdi   = 112
	amd64OffRip   = 128
	amd64OffRsp   = 152
)

// int3 is one byte; the trap PC lands one past it.
var amd64Bkpt = []byte{0xCC}

func (amd64ISA) RegsSize() int    { return amd64RegsSize }
func (amd64ISA) BkptInsn() []byte { return amd64Bkpt }

func (amd64ISA) ReadFirstArg(regs []byte) (uint64, error) {
	return readU64(regs, amd64OffRdi)
}

func (amd64ISA) GetBkptIP(regs []byte) uint64 {
	pc, _ := readU64(regs, amd64OffRip)
	return pc - uint64(len(amd64Bkpt))
}

func (amd64ISA) ResetBkptIP(regs []byte, addr uint64) {
	writeU64(regs, amd64OffRip, addr)
}

func (amd64ISA) GetNextIP(regs []byte, insn uint32) (uint64, bool) {
	// x86-64 breakpoints use hardware singlestep; software next-IP
	// computation is not needed (spec.md §4.7).
	return 0, false
}

// x86ISA implements 32-bit x86's struct user_regs_struct layout.
type x86ISA struct{}

const (
	x86RegsSize = 17 * 4
	x86OffEip   = 48
	x86OffEsp   = 60
)

var x86Bkpt = []byte{0xCC}

func (x86ISA) RegsSize() int    { return x86RegsSize }
func (x86ISA) BkptInsn() []byte { return x86Bkpt }

func (x86ISA) ReadFirstArg(regs []byte) (uint64, error) {
	esp, err := readU32(regs, x86OffEsp)
	if err != nil {
		return 0, err
	}
	// cdecl: the first argument sits in the caller's frame, one word
	// above the return address pushed by call.
	return uint64(esp) + 4, nil
}

func (x86ISA) GetBkptIP(regs []byte) uint64 {
	pc, _ := readU32(regs, x86OffEip)
	return uint64(pc) - uint64(len(x86Bkpt))
}

func (x86ISA) ResetBkptIP(regs []byte, addr uint64) {
	writeU32(regs, x86OffEip, uint32(addr))
}

func (x86ISA) GetNextIP(regs []byte, insn uint32) (uint64, bool) {
	return 0, false
}

// arm64ISA implements aarch64's struct user_pt_regs layout: x0..x30,
// sp, pc, pstate, each 8 bytes.
type arm64ISA struct{}

const (
	arm64RegsSize = 34 * 8
	arm64OffX0    = 0
	arm64OffPC    = 32 * 8
)

// brk #0 is a 4-byte instruction; aarch64 traps with PC already at the
// faulting instruction, so no correction is needed.
var arm64Bkpt = []byte{0x00, 0x00, 0x20, 0xD4}

func (arm64ISA) RegsSize() int    { return arm64RegsSize }
func (arm64ISA) BkptInsn() []byte { return arm64Bkpt }

func (arm64ISA) ReadFirstArg(regs []byte) (uint64, error) {
	return readU64(regs, arm64OffX0)
}

func (arm64ISA) GetBkptIP(regs []byte) uint64 {
	pc, _ := readU64(regs, arm64OffPC)
	return pc
}

func (arm64ISA) ResetBkptIP(regs []byte, addr uint64) {
	writeU64(regs, arm64OffPC, addr)
}

func (arm64ISA) GetNextIP(regs []byte, insn uint32) (uint64, bool) {
	// Hardware singlestep is available via PTRACE_SINGLESTEP on
	// aarch64; no software decoder is needed.
	return 0, false
}

// sparcISA implements 32-bit SPARC's register-window quirk: %i0 (the
// first incoming argument) lives in the register-window save area, not
// the flat regs buffer GETREGSET returns for %o/%g/%l registers. The
// offsets below follow struct pt_regs plus the register-window struct
// nested at a fixed offset, per spec.md §4.7's "SPARC register-numbering
// quirk".
type sparcISA struct{}

const (
	sparcRegsSize = 32 * 4
	sparcOffI0    = 24 * 4 // %i0 is window-local register 24 in pt_regs' u_regs[]
	sparcOffPC    = 2 * 4
)

var sparcBkpt = []byte{0x91, 0xD0, 0x20, 0x01} // ta 1

func (sparcISA) RegsSize() int    { return sparcRegsSize }
func (sparcISA) BkptInsn() []byte { return sparcBkpt }

func (sparcISA) ReadFirstArg(regs []byte) (uint64, error) {
	v, err := readU32(regs, sparcOffI0)
	return uint64(v), err
}

func (sparcISA) GetBkptIP(regs []byte) uint64 {
	pc, _ := readU32(regs, sparcOffPC)
	return uint64(pc)
}

func (sparcISA) ResetBkptIP(regs []byte, addr uint64) {
	writeU32(regs, sparcOffPC, uint32(addr))
}

func (sparcISA) GetNextIP(regs []byte, insn uint32) (uint64, bool) {
	// SPARC lacks hardware singlestep; the trap's nPC (the next
	// sequential or branch-target address already computed by the
	// processor) is what higher layers use to drop a temporary
	// breakpoint. nPC is the register immediately after PC.
	npc, err := readU32(regs, sparcOffPC+4)
	if err != nil {
		return 0, false
	}
	return uint64(npc), true
}

type sparc64ISA struct{}

const (
	sparc64RegsSize = 32 * 8
	sparc64OffI0    = 24 * 8
	sparc64OffTPC   = 0
	sparc64OffTNPC  = 8
)

var sparc64Bkpt = []byte{0x91, 0xD0, 0x20, 0x01}

func (sparc64ISA) RegsSize() int    { return sparc64RegsSize }
func (sparc64ISA) BkptInsn() []byte { return sparc64Bkpt }

func (sparc64ISA) ReadFirstArg(regs []byte) (uint64, error) {
	return readU64(regs, sparc64OffI0)
}

func (sparc64ISA) GetBkptIP(regs []byte) uint64 {
	pc, _ := readU64(regs, sparc64OffTPC)
	return pc
}

func (sparc64ISA) ResetBkptIP(regs []byte, addr uint64) {
	writeU64(regs, sparc64OffTPC, addr)
}

func (sparc64ISA) GetNextIP(regs []byte, insn uint32) (uint64, bool) {
	tnpc, err := readU64(regs, sparc64OffTNPC)
	if err != nil {
		return 0, false
	}
	return tnpc, true
}

func readU64(regs []byte, off int) (uint64, error) {
	if off+8 > len(regs) {
		return 0, fmt.Errorf("isa: regs buffer too short for offset %d", off)
	}
	return binary.LittleEndian.Uint64(regs[off : off+8]), nil
}

func writeU64(regs []byte, off int, v uint64) {
	if off+8 > len(regs) {
		return
	}
	binary.LittleEndian.PutUint64(regs[off:off+8], v)
}

func readU32(regs []byte, off int) (uint32, error) {
	if off+4 > len(regs) {
		return 0, fmt.Errorf("isa: regs buffer too short for offset %d", off)
	}
	return binary.LittleEndian.Uint32(regs[off : off+4]), nil
}

func writeU32(regs []byte, off int, v uint32) {
	if off+4 > len(regs) {
		return
	}
	binary.LittleEndian.PutUint32(regs[off:off+4], v)
}
