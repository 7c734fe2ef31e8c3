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

// Package sdt implements the statically-defined-tracepoint provider
// (spec.md §2, §4.5 "Dependent probes"): an SDT probe never fires
// directly, it is mounted on one or more underlying fbt/raw-tracepoint
// probes. At enable time it resolves its dependency table against the
// registry, marks each matching underlying probe enabled, and registers
// itself as that probe's dependent.
//
// Dependency kernel-version filtering (SPEC_FULL.md "Gap #4") supplements
// the distilled spec: dt_provider_sdt.c's io/lockstat providers pick
// between kernel-version-dependent underlying tracepoints using min/max
// bounds, reproduced here as Dependency.KverMin/KverMax.
package sdt

import (
	"fmt"

	"golang.org/x/sys/unix"

	"github.com/nestybox/tracecore/domain"
	"github.com/nestybox/tracecore/internal/trampoline"
)

// Dependency names one underlying probe an SDT probe can mount on, with
// an optional kernel-version applicability window.
type Dependency struct {
	Desc    domain.ProbeDesc
	KverMin [2]int // [major, minor], zero = unbounded
	KverMax [2]int
}

type probeData struct {
	deps     []Dependency
	resolved []*domain.Probe
}

type Provider struct {
	isa      domain.ISAIface
	table    map[string][]Dependency // sdt probe name -> candidate dependencies
	registry domain.ProbeRegistryIface
}

func New(isa domain.ISAIface, table map[string][]Dependency) *Provider {
	return &Provider{isa: isa, table: table}
}

func (p *Provider) Name() string               { return "sdt" }
func (p *Provider) Flags() domain.ProviderFlags { return 0 }

// Populate inserts one not-yet-resolved probe per named entry in the
// dependency table; resolution against the registry happens lazily at
// Enable time, since dependency probes must already be populated by
// their own providers first.
func (p *Provider) Populate(reg domain.ProbeRegistryIface) (int, error) {
	count := 0
	for name, deps := range p.table {
		probe := &domain.Probe{
			Desc:     domain.ProbeDesc{Provider: p.Name(), Module: "sdt", Function: name, Name: name},
			Provider: p,
			PrvData:  &probeData{deps: deps},
		}
		if err := reg.Insert(probe); err == nil {
			count++
		}
	}
	return count, nil
}

func (p *Provider) Provide(domain.ProbeRegistryIface, domain.ProbeDesc) error {
	return fmt.Errorf("sdt: probes are only populated, not provided on demand")
}

func (p *Provider) ProvidePid(domain.ProbeRegistryIface, uint32, string) error {
	return fmt.Errorf("sdt: not a pid-based provider")
}

// Enable resolves this probe's dependency table against the registry,
// filtering by the running kernel's version, marks each matching
// underlying probe enabled, and registers this probe in its Dependents
// list (spec.md §4.5 "Dependent probes").
func (p *Provider) Enable(probe *domain.Probe) error {
	pd := probe.PrvData.(*probeData)
	if len(pd.resolved) > 0 {
		probe.SetEnabled(true)
		return nil
	}

	kmaj, kmin, err := kernelVersion()
	if err != nil {
		return fmt.Errorf("sdt: %w", err)
	}

	for _, dep := range pd.deps {
		if !kverInRange(kmaj, kmin, dep.KverMin, dep.KverMax) {
			continue
		}
		underlying, found := p.lookupDependency(dep.Desc)
		if !found {
			continue
		}
		if err := underlying.Provider.Enable(underlying); err != nil {
			return fmt.Errorf("sdt: enabling dependency %s: %w", dep.Desc.String(), err)
		}
		underlying.Dependents = append(underlying.Dependents, probe)
		pd.resolved = append(pd.resolved, underlying)
	}

	if len(pd.resolved) == 0 {
		return fmt.Errorf("sdt: no applicable dependency for %s on kernel %d.%d", probe.Desc.String(), kmaj, kmin)
	}

	probe.SetEnabled(true)
	return nil
}

// lookupDependency resolves desc against the registry installed by
// SetRegistry and reports not-found while none is set; resolution needs
// read access to the shared registry which Enable's signature, matching
// domain.ProviderIface, does not carry directly.
func (p *Provider) lookupDependency(desc domain.ProbeDesc) (*domain.Probe, bool) {
	if p.registry == nil {
		return nil, false
	}
	return p.registry.Lookup(desc)
}

// SetRegistry wires the shared probe registry this provider resolves
// dependencies against; called once during provider registration.
func (p *Provider) SetRegistry(reg domain.ProbeRegistryIface) { p.registry = reg }

func kverInRange(maj, min int, lo, hi [2]int) bool {
	if lo != [2]int{} && cmpKver(maj, min, lo) < 0 {
		return false
	}
	if hi != [2]int{} && cmpKver(maj, min, hi) > 0 {
		return false
	}
	return true
}

func cmpKver(maj, min int, v [2]int) int {
	if maj != v[0] {
		return maj - v[0]
	}
	return min - v[1]
}

func kernelVersion() (int, int, error) {
	var uts unix.Utsname
	if err := unix.Uname(&uts); err != nil {
		return 0, 0, fmt.Errorf("uname: %w", err)
	}
	release := cString(uts.Release[:])
	var maj, min int
	if _, err := fmt.Sscanf(release, "%d.%d", &maj, &min); err != nil {
		return 0, 0, fmt.Errorf("parse kernel release %q: %w", release, err)
	}
	return maj, min, nil
}

func cString(b []byte) string {
	for i, c := range b {
		if c == 0 {
			return string(b[:i])
		}
	}
	return string(b)
}

// Trampoline for an SDT probe does not run on its own; it is invoked by
// the underlying probe's trampoline after the underlying arguments are
// saved (spec.md §4.5, glossary "dependent probe"). This emits only the
// clause-call sequence, reusing whatever argv[] the underlying probe
// already populated.
func (p *Provider) Trampoline(probe *domain.Probe, exitLabel string) (interface{}, error) {
	b := trampoline.NewBuilder(p.isa)
	b.Prologue()
	for i, clauseID := range probe.Clauses {
		b.Call("tracecore_clauses", uint32(clauseID)+uint32(i)*0)
	}
	b.Epilogue()

	insn, err := b.Emit()
	if err != nil {
		return nil, fmt.Errorf("sdt: trampoline for %s: %w", probe.Desc.String(), err)
	}
	return insn, nil
}

func (p *Provider) LoadProg(*domain.Probe, interface{}) (int, error) { return 0, nil }

// Attach/Detach are no-ops: an SDT probe has no kernel-side attachment
// of its own, it rides on its resolved dependencies'.
func (p *Provider) Attach(*domain.Probe, int) error { return nil }
func (p *Provider) Detach(probe *domain.Probe) error {
	pd := probe.PrvData.(*probeData)
	for _, u := range pd.resolved {
		u.Dependents = removeProbe(u.Dependents, probe)
	}
	pd.resolved = nil
	return nil
}

func removeProbe(list []*domain.Probe, target *domain.Probe) []*domain.Probe {
	out := list[:0]
	for _, p := range list {
		if p != target {
			out = append(out, p)
		}
	}
	return out
}

func (p *Provider) ProbeInfo(*domain.Probe) ([]domain.ArgDesc, error) { return nil, nil }

func (p *Provider) Destroy(*domain.Probe) {}
