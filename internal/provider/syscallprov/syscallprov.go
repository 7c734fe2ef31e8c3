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

// Package syscallprov implements the syscall entry/return provider
// (spec.md §2), backed by the kernel's syscalls:sys_enter_*/sys_exit_*
// tracepoints rather than kprobes, since every syscall already has a
// stable tracefs event with named argument fields.
package syscallprov

import (
	"fmt"
	"os"
	"strings"

	"github.com/nestybox/tracecore/domain"
	"github.com/nestybox/tracecore/internal/provider"
	"github.com/nestybox/tracecore/internal/trampoline"
)

const tracefsEventsDir = "/sys/kernel/tracing/events/syscalls"

type probeData struct {
	syscall   string
	isReturn  bool
	fields    map[string]int
	installed bool
}

type Provider struct {
	isa domain.ISAIface
}

func New(isa domain.ISAIface) *Provider { return &Provider{isa: isa} }

func (p *Provider) Name() string               { return "syscall" }
func (p *Provider) Flags() domain.ProviderFlags { return 0 }

// Populate walks the syscalls tracepoint group, pairing each
// sys_enter_<name>/sys_exit_<name> event into one entry and one return
// probe (spec.md §4.5).
func (p *Provider) Populate(reg domain.ProbeRegistryIface) (int, error) {
	entries, err := os.ReadDir(tracefsEventsDir)
	if err != nil {
		return 0, fmt.Errorf("syscallprov: read %s: %w", tracefsEventsDir, err)
	}

	count := 0
	for _, e := range entries {
		name := e.Name()
		var syscallName string
		var isReturn bool
		switch {
		case strings.HasPrefix(name, "sys_enter_"):
			syscallName = strings.TrimPrefix(name, "sys_enter_")
		case strings.HasPrefix(name, "sys_exit_"):
			syscallName = strings.TrimPrefix(name, "sys_exit_")
			isReturn = true
		default:
			continue
		}

		fields, err := provider.TracepointFields("syscalls", name)
		if err != nil {
			continue
		}

		probeName := "entry"
		if isReturn {
			probeName = "return"
		}
		probe := &domain.Probe{
			Desc:     domain.ProbeDesc{Provider: p.Name(), Module: "vmlinux", Function: syscallName, Name: probeName},
			Provider: p,
			PrvData:  &probeData{syscall: syscallName, isReturn: isReturn, fields: fields},
		}
		if err := reg.Insert(probe); err == nil {
			count++
		}
	}
	return count, nil
}

func (p *Provider) Provide(domain.ProbeRegistryIface, domain.ProbeDesc) error {
	return fmt.Errorf("syscallprov: probes are only populated, not provided on demand")
}

func (p *Provider) ProvidePid(domain.ProbeRegistryIface, uint32, string) error {
	return fmt.Errorf("syscallprov: not a pid-based provider")
}

func (p *Provider) Enable(probe *domain.Probe) error {
	probe.SetEnabled(true)
	return nil
}

// Trampoline copies the syscall's named fields out of the tracepoint
// format offsets (spec.md §4.6 "syscall entry/return: as fbt but reading
// from the syscall argument slots").
func (p *Provider) Trampoline(probe *domain.Probe, exitLabel string) (interface{}, error) {
	pd := probe.PrvData.(*probeData)

	b := trampoline.NewBuilder(p.isa)
	b.Prologue().SetRawCtxFromDctx()

	if !pd.isReturn {
		slot := 0
		for i := 0; i < 6 && slot < domain.ArgvSlots; i++ {
			field := fmt.Sprintf("arg%d", i)
			if off, ok := pd.fields[field]; ok {
				b.CopyRegArg(int16(off), slot)
				slot++
			}
		}
	} else if off, ok := pd.fields["ret"]; ok {
		b.CopyRegArg(int16(off), 0)
	}

	for i, clauseID := range probe.Clauses {
		b.Call("tracecore_clauses", uint32(clauseID)+uint32(i)*0)
	}
	b.Epilogue()

	insn, err := b.Emit()
	if err != nil {
		return nil, fmt.Errorf("syscallprov: trampoline for %s: %w", probe.Desc.String(), err)
	}
	return insn, nil
}

func (p *Provider) LoadProg(*domain.Probe, interface{}) (int, error) { return 0, nil }

func (p *Provider) Attach(probe *domain.Probe, bpfFd int) error {
	pd := probe.PrvData.(*probeData)
	eventName := "sys_enter_" + pd.syscall
	if pd.isReturn {
		eventName = "sys_exit_" + pd.syscall
	}

	id, err := provider.TracepointID("syscalls", eventName)
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
	pd.installed = true
	return provider.EnablePerf(fd)
}

func (p *Provider) Detach(probe *domain.Probe) error {
	probe.PrvData.(*probeData).installed = false
	return nil
}

func (p *Provider) ProbeInfo(probe *domain.Probe) ([]domain.ArgDesc, error) {
	pd := probe.PrvData.(*probeData)
	var args []domain.ArgDesc
	i := 0
	for field := range pd.fields {
		if !strings.HasPrefix(field, "arg") && field != "ret" {
			continue
		}
		args = append(args, domain.ArgDesc{Argno: i, NativeType: "long", XlateType: "long", Mapping: i})
		i++
	}
	return args, nil
}

func (p *Provider) Destroy(*domain.Probe) {}
