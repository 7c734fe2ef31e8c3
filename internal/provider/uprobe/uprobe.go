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
//
// Package uprobe implements the backing userspace-breakpoint provider
// spec.md §4.5 "pid/USDT" describes: probes keyed by (device, inode,
// offset), installed via the kernel's writable uprobe_events interface,
// shared by every pid probe that targets the same site. Session
// bookkeeping (who created an install line, so only that owner removes
// it) is grounded on the teacher's seccomp.syscallTracer pattern of
// ref-counted kernel-resource ownership.
package uprobe

import (
	"fmt"
	"sync"

	"github.com/nestybox/tracecore/domain"
	"github.com/nestybox/tracecore/internal/provider"
	"github.com/nestybox/tracecore/internal/trampoline"
)

// Key identifies one uprobe attachment site (spec.md §4.5 "keyed by
// (device, inode, offset)").
type Key struct {
	Dev    uint64
	Inode  uint64
	Offset uint64
}

type probeData struct {
	key       Key
	path      string
	eventName string
	installed bool
	ownsLine  bool

	mu  sync.Mutex
	pids []*domain.Probe // dependent per-pid probes sharing this uprobe
}

type Provider struct {
	isa domain.ISAIface

	mu   sync.Mutex
	byKey map[Key]*domain.Probe
}

func New(isa domain.ISAIface) *Provider {
	return &Provider{isa: isa, byKey: make(map[Key]*domain.Probe)}
}

func (p *Provider) Name() string               { return "uprobe" }
func (p *Provider) Flags() domain.ProviderFlags { return 0 }

// Populate enumerates nothing: uprobes only come into existence when a
// pid/USDT request names one (spec.md §4.5 "provide_pid").
func (p *Provider) Populate(domain.ProbeRegistryIface) (int, error) { return 0, nil }

func (p *Provider) Provide(domain.ProbeRegistryIface, domain.ProbeDesc) error {
	return fmt.Errorf("uprobe: use Locate/Create from internal/provider/pid instead")
}

func (p *Provider) ProvidePid(domain.ProbeRegistryIface, uint32, string) error {
	return fmt.Errorf("uprobe: use Locate/Create from internal/provider/pid instead")
}

// Locate returns the existing uprobe probe for key, if any, so callers
// (the pid provider) can share it instead of reinstalling.
func (p *Provider) Locate(key Key) (*domain.Probe, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	probe, ok := p.byKey[key]
	return probe, ok
}

// Create inserts a new backing uprobe probe for key at path, registering
// it in the registry and in this provider's key index.
func (p *Provider) Create(reg domain.ProbeRegistryIface, key Key, path string, fnName string) (*domain.Probe, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if existing, ok := p.byKey[key]; ok {
		return existing, nil
	}

	event := fmt.Sprintf("tc_%d_%d_%d", key.Dev, key.Inode, key.Offset)
	probe := &domain.Probe{
		Desc:     domain.ProbeDesc{Provider: p.Name(), Module: path, Function: fnName, Name: event},
		Provider: p,
		PrvData:  &probeData{key: key, path: path, eventName: event},
	}
	if err := reg.Insert(probe); err != nil {
		return nil, err
	}
	p.byKey[key] = probe
	return probe, nil
}

func (p *Provider) Enable(probe *domain.Probe) error {
	probe.SetEnabled(true)
	return nil
}

// Trampoline copies the first argument register into argv[0] (spec.md
// §4.6: a uprobe entry is read like any other function entry; USDT
// argument unpacking beyond arg0 is a CTF/DOF-layer concern out of this
// core's scope, per spec.md §1).
func (p *Provider) Trampoline(probe *domain.Probe, exitLabel string) (interface{}, error) {
	b := trampoline.NewBuilder(p.isa)
	b.Prologue().SetRawCtxFromDctx().CopyRegArg(112 /* rdi, amd64 */, 0)
	for i, clauseID := range probe.Clauses {
		b.Call("tracecore_clauses", uint32(clauseID)+uint32(i)*0)
	}
	b.Epilogue()

	insn, err := b.Emit()
	if err != nil {
		return nil, fmt.Errorf("uprobe: trampoline for %s: %w", probe.Desc.String(), err)
	}
	return insn, nil
}

func (p *Provider) LoadProg(*domain.Probe, interface{}) (int, error) { return 0, nil }

// Attach writes the uprobe_events install line and opens the resulting
// tracepoint as a perf event, binding bpfFd to it (spec.md §4.8).
func (p *Provider) Attach(probe *domain.Probe, bpfFd int) error {
	pd := probe.PrvData.(*probeData)

	line := fmt.Sprintf("p:%s/%s %s:0x%x", "tracecore_uprobe", pd.eventName, pd.path, pd.key.Offset)
	if err := provider.UprobeEvents().Install(line); err != nil {
		return err
	}
	pd.installed = true
	pd.ownsLine = true

	id, err := provider.TracepointID("tracecore_uprobe", pd.eventName)
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

// Detach removes the uprobe_events line only if this instance created it
// (spec.md §4.5: "only if this instance created it, not if a helper
// daemon did"), and only once every dependent pid probe has released it.
func (p *Provider) Detach(probe *domain.Probe) error {
	pd := probe.PrvData.(*probeData)
	pd.mu.Lock()
	defer pd.mu.Unlock()

	if len(pd.pids) > 0 {
		return nil
	}
	if !pd.installed || !pd.ownsLine {
		return nil
	}
	pd.installed = false
	return provider.UprobeEvents().Remove("tracecore_uprobe", pd.eventName)
}

// AddDependent/RemoveDependent track which per-pid probes currently
// share this uprobe (spec.md §4.5: "the uprobe carries a list of pid
// probes that it fires").
func (p *Provider) AddDependent(probe, pidProbe *domain.Probe) {
	pd := probe.PrvData.(*probeData)
	pd.mu.Lock()
	defer pd.mu.Unlock()
	pd.pids = append(pd.pids, pidProbe)
}

func (p *Provider) RemoveDependent(probe, pidProbe *domain.Probe) {
	pd := probe.PrvData.(*probeData)
	pd.mu.Lock()
	defer pd.mu.Unlock()
	out := pd.pids[:0]
	for _, q := range pd.pids {
		if q != pidProbe {
			out = append(out, q)
		}
	}
	pd.pids = out
}

func (p *Provider) ProbeInfo(*domain.Probe) ([]domain.ArgDesc, error) {
	return []domain.ArgDesc{{Argno: 0, NativeType: "uintptr_t", XlateType: "uintptr_t", Mapping: 0}}, nil
}

func (p *Provider) Destroy(probe *domain.Probe) {
	pd := probe.PrvData.(*probeData)
	p.mu.Lock()
	delete(p.byKey, pd.key)
	p.mu.Unlock()
}
