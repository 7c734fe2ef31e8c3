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

// Package cpc implements the CPU-performance-counter provider (spec.md
// §2, §4.6 "cpc: only arg0/arg1 are set, from the PC pair"), backed by
// PERF_TYPE_HARDWARE perf events (cycles, instructions, cache-misses,
// branch-misses), one of the parametric providers materialized by name
// on request (spec.md §4.5 "provide").
package cpc

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/nestybox/tracecore/domain"
	"github.com/nestybox/tracecore/internal/provider"
	"github.com/nestybox/tracecore/internal/trampoline"
)

// Hardware event codes (perf_event.h perf_hw_id), the fixed set
// cpc::<event>[-<period>] names resolve against.
var hwEvents = map[string]uint64{
	"cycles":        0,
	"instructions":  1,
	"cache-refs":    2,
	"cache-misses":  3,
	"branch-instr":  4,
	"branch-misses": 5,
}

type probeData struct {
	event  uint64
	period uint64
	perfFds []int
}

type Provider struct {
	isa domain.ISAIface
}

func New(isa domain.ISAIface) *Provider { return &Provider{isa: isa} }

func (p *Provider) Name() string               { return "cpc" }
func (p *Provider) Flags() domain.ProviderFlags { return 0 }

func (p *Provider) Populate(domain.ProbeRegistryIface) (int, error) { return 0, nil }

// Provide parses a "cpc:<event>" or "cpc:<event>-<period>" style name
// into a hardware perf event config and optional overflow-sampling
// period.
func (p *Provider) Provide(reg domain.ProbeRegistryIface, desc domain.ProbeDesc) error {
	event, period, err := parseEventSpec(desc.Name)
	if err != nil {
		return fmt.Errorf("cpc: %w", err)
	}
	code, ok := hwEvents[event]
	if !ok {
		return fmt.Errorf("cpc: unknown hardware event %q", event)
	}

	probe := &domain.Probe{
		Desc:     domain.ProbeDesc{Provider: p.Name(), Module: "cpc", Function: event, Name: desc.Name},
		Provider: p,
		PrvData:  &probeData{event: code, period: period},
	}
	return reg.Insert(probe)
}

func parseEventSpec(name string) (event string, period uint64, err error) {
	if i := strings.LastIndexByte(name, '-'); i >= 0 {
		if n, convErr := strconv.ParseUint(name[i+1:], 10, 64); convErr == nil {
			return name[:i], n, nil
		}
	}
	return name, 100000, nil
}

func (p *Provider) ProvidePid(domain.ProbeRegistryIface, uint32, string) error {
	return fmt.Errorf("cpc: not a pid-based provider")
}

func (p *Provider) Enable(probe *domain.Probe) error {
	probe.SetEnabled(true)
	return nil
}

// Trampoline sets only argv[0]/argv[1] from the PC pair (spec.md §4.6
// "cpc: only arg0/arg1 are set, from the PC pair"): the interrupted
// instruction pointer and its containing CPU, the only two observables a
// hardware counter overflow interrupt reliably carries.
func (p *Provider) Trampoline(probe *domain.Probe, exitLabel string) (interface{}, error) {
	b := trampoline.NewBuilder(p.isa)
	b.Prologue().SetRawCtxFromDctx().
		CopyIPArg(128 /* rip, perf sample ctx */, 0).
		CopyRegArg(8 /* cpu field offset within perf sample ctx */, 1)

	for i, clauseID := range probe.Clauses {
		b.Call("tracecore_clauses", uint32(clauseID)+uint32(i)*0)
	}
	b.Epilogue()

	insn, err := b.Emit()
	if err != nil {
		return nil, fmt.Errorf("cpc: trampoline for %s: %w", probe.Desc.String(), err)
	}
	return insn, nil
}

func (p *Provider) LoadProg(*domain.Probe, interface{}) (int, error) { return 0, nil }

func (p *Provider) Attach(probe *domain.Probe, bpfFd int) error {
	pd := probe.PrvData.(*probeData)

	ncpu, err := onlineCPUCount()
	if err != nil {
		return err
	}
	for cpu := 0; cpu < ncpu; cpu++ {
		attr := &provider.PerfEventAttr{Type: provider.PerfTypeHardware, Config: pd.event}
		attr.SamplePeriodOrFreq = pd.period
		attr.SetDisabled()
		fd, err := attr.Open(-1, cpu, -1, 0)
		if err != nil {
			p.Detach(probe)
			return fmt.Errorf("cpc: perf_event_open cpu %d: %w", cpu, err)
		}
		if err := provider.AttachBPF(fd, bpfFd); err != nil {
			p.Detach(probe)
			return err
		}
		if err := provider.EnablePerf(fd); err != nil {
			p.Detach(probe)
			return err
		}
		pd.perfFds = append(pd.perfFds, fd)
	}
	return nil
}

func (p *Provider) Detach(probe *domain.Probe) error {
	probe.PrvData.(*probeData).perfFds = nil
	return nil
}

func (p *Provider) ProbeInfo(*domain.Probe) ([]domain.ArgDesc, error) {
	return []domain.ArgDesc{
		{Argno: 0, NativeType: "uintptr_t", XlateType: "uintptr_t", Mapping: 0},
		{Argno: 1, NativeType: "int", XlateType: "int", Mapping: 1},
	}, nil
}

func (p *Provider) Destroy(*domain.Probe) {}

// onlineCPUCount parses the kernel's "N" or "N-M[,N-M...]" online-cpu
// list format (/sys/devices/system/cpu/online) into a count.
func onlineCPUCount() (int, error) {
	data, err := os.ReadFile("/sys/devices/system/cpu/online")
	if err != nil {
		return 0, fmt.Errorf("cpc: read online cpu list: %w", err)
	}

	total := 0
	for _, rng := range strings.Split(strings.TrimSpace(string(data)), ",") {
		if rng == "" {
			continue
		}
		if i := strings.IndexByte(rng, '-'); i >= 0 {
			lo, err1 := strconv.Atoi(rng[:i])
			hi, err2 := strconv.Atoi(rng[i+1:])
			if err1 != nil || err2 != nil || hi < lo {
				return 0, fmt.Errorf("cpc: malformed cpu range %q", rng)
			}
			total += hi - lo + 1
		} else {
			if _, err := strconv.Atoi(rng); err != nil {
				return 0, fmt.Errorf("cpc: malformed cpu entry %q", rng)
			}
			total++
		}
	}
	if total == 0 {
		return 0, fmt.Errorf("cpc: no online cpus found")
	}
	return total, nil
}
