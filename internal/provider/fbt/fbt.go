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

// Package fbt implements the function-boundary-tracing provider (spec.md
// §2 "function-boundary"): one entry and one return probe per ftrace-able
// kernel function, backed by the writable kprobe_events interface.
package fbt

import (
	"fmt"

	"github.com/cilium/ebpf/asm"

	"github.com/nestybox/tracecore/domain"
	"github.com/nestybox/tracecore/internal/provider"
	"github.com/nestybox/tracecore/internal/trampoline"
)

const (
	groupName = "tracecore_fbt"

	entryName = "entry"
	returnName = "return"
)

// amd64 pt_regs parameter-register offsets (arch/x86/include/asm/ptrace.h),
// used by the trampoline to read argv[0..5] (spec.md §4.6 "fbt-entry").
var amd64ArgOffsets = [6]int16{112, 104, 96, 88, 72, 64} // di, si, dx, cx, r8, r9

type probeData struct {
	function string
	isReturn bool
	installed bool
}

// Provider implements domain.ProviderIface for fbt probes.
type Provider struct {
	isa domain.ISAIface
}

func New(isa domain.ISAIface) *Provider { return &Provider{isa: isa} }

func (p *Provider) Name() string               { return "fbt" }
func (p *Provider) Flags() domain.ProviderFlags { return 0 }

// Populate enumerates every kallsyms-reported text symbol as a matched
// entry/return probe pair (spec.md §4.5 "populate ... enumerates every
// statically-knowable probe at open time").
func (p *Provider) Populate(reg domain.ProbeRegistryIface) (int, error) {
	count := 0
	err := provider.KallsymsFunctions(func(fn string) bool {
		for _, isReturn := range []bool{false, true} {
			name := entryName
			if isReturn {
				name = returnName
			}
			probe := &domain.Probe{
				Desc: domain.ProbeDesc{Provider: p.Name(), Module: "vmlinux", Function: fn, Name: name},
				Provider: p,
				PrvData: &probeData{function: fn, isReturn: isReturn},
			}
			if err := reg.Insert(probe); err == nil {
				count++
			}
		}
		return true
	})
	if err != nil {
		return count, err
	}
	return count, nil
}

func (p *Provider) Provide(domain.ProbeRegistryIface, domain.ProbeDesc) error {
	return fmt.Errorf("fbt: probes are only populated, not provided on demand")
}

func (p *Provider) ProvidePid(domain.ProbeRegistryIface, uint32, string) error {
	return fmt.Errorf("fbt: not a pid-based provider")
}

func (p *Provider) Enable(probe *domain.Probe) error {
	probe.SetEnabled(true)
	return nil
}

// Trampoline emits the entry/return argument-copy sequence (spec.md
// §4.6): entry copies argv[0..5] from the parameter registers; return
// copies argv[1] from the return-value register and argv[0] from the
// call-site PC.
func (p *Provider) Trampoline(probe *domain.Probe, exitLabel string) (interface{}, error) {
	pd, ok := probe.PrvData.(*probeData)
	if !ok {
		return nil, fmt.Errorf("fbt: probe %s missing provider data", probe.Desc.String())
	}

	b := trampoline.NewBuilder(p.isa)
	b.Prologue()

	if !pd.isReturn {
		for i, off := range amd64ArgOffsets {
			b.CopyRegArg(off, i)
		}
	} else {
		b.CopyRegArg(80 /* rax */, 1)
		b.CopyIPArg(128 /* rip */, 0)
	}

	for i, clauseID := range probe.Clauses {
		b.Call("tracecore_clauses", uint32(clauseID)+uint32(i)*0)
	}
	b.Epilogue()

	insn, err := b.Emit()
	if err != nil {
		return nil, fmt.Errorf("fbt: trampoline for %s: %w", probe.Desc.String(), err)
	}
	return asm.Instructions(insn), nil
}

func (p *Provider) LoadProg(*domain.Probe, interface{}) (int, error) { return 0, nil }

// Attach writes the kprobe_events install line, matching kernel probe
// placement semantics (spec.md §4.8 "kprobe_events for writable
// probe-management").
func (p *Provider) Attach(probe *domain.Probe, bpfFd int) error {
	pd := probe.PrvData.(*probeData)
	kind := "p"
	if pd.isReturn {
		kind = "r"
	}
	line := fmt.Sprintf("%s:%s/%s %s", kind, groupName, eventName(pd), pd.function)
	if err := provider.KprobeEvents().Install(line); err != nil {
		return err
	}
	pd.installed = true

	id, err := provider.TracepointID(groupName, eventName(pd))
	if err != nil {
		return err
	}

	attr := &provider.PerfEventAttr{Type: provider.PerfTypeTracepoint, Config: id}
	attr.SetDisabled()
	fd, err := attr.Open(-1, 0, -1, 0)
	if err != nil {
		return err
	}
	if err := provider.AttachBPF(fd, bpfFd); err != nil {
		return err
	}
	return provider.EnablePerf(fd)
}

func (p *Provider) Detach(probe *domain.Probe) error {
	pd := probe.PrvData.(*probeData)
	if !pd.installed {
		return nil
	}
	pd.installed = false
	return provider.KprobeEvents().Remove(groupName, eventName(pd))
}

func (p *Provider) ProbeInfo(probe *domain.Probe) ([]domain.ArgDesc, error) {
	pd := probe.PrvData.(*probeData)
	if !pd.isReturn {
		args := make([]domain.ArgDesc, 6)
		for i := range args {
			args[i] = domain.ArgDesc{Argno: i, NativeType: "uintptr_t", XlateType: "uintptr_t", Mapping: i}
		}
		return args, nil
	}
	return []domain.ArgDesc{
		{Argno: 0, NativeType: "uintptr_t", XlateType: "uintptr_t", Mapping: 0},
		{Argno: 1, NativeType: "int64_t", XlateType: "int64_t", Mapping: 1},
	}, nil
}

func (p *Provider) Destroy(*domain.Probe) {}

func eventName(pd *probeData) string {
	if pd.isReturn {
		return pd.function + "_ret"
	}
	return pd.function
}
