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

// Package registry implements the Probe registry of spec.md §2 and
// §4.5: five-way indexing of probes (provider, module, function, name,
// fully-qualified), and the provider registration list.
//
// The five-way secondary index is grounded on the teacher's
// handler.handlerTree (a name-keyed lookup structure sitting in front
// of the handler implementations); the name index specifically uses
// github.com/hashicorp/go-immutable-radix, the structure the teacher's
// domain already favors for ordered/prefix lookups, so that probe_iter's
// glob matching over probe names (spec.md §4.5 "Probe lookup") can walk
// a sorted prefix range instead of a full table scan.
package registry

import (
	"fmt"
	"sync"

	iradix "github.com/hashicorp/go-immutable-radix"

	"github.com/nestybox/tracecore/domain"
	"github.com/nestybox/tracecore/internal/container"
)

var _ domain.ProbeRegistryIface = (*Registry)(nil)

// Registry is the concrete probe registry (spec.md §3 "Probe registry").
type Registry struct {
	mu sync.RWMutex

	providers *container.HashTable[string, domain.ProviderIface]
	providerOrder []domain.ProviderIface

	byFQ       map[string]*domain.Probe
	byProvider map[string]*container.List[*domain.Probe]
	byModule   map[string]*container.List[*domain.Probe]
	byFunction map[string]*container.List[*domain.Probe]
	byNameIdx  *iradix.Tree // name -> *domain.Probe (last writer wins on collision)
}

func New() *Registry {
	return &Registry{
		providers:  container.NewHashTable[string, domain.ProviderIface](),
		byFQ:       make(map[string]*domain.Probe),
		byProvider: make(map[string]*container.List[*domain.Probe]),
		byModule:   make(map[string]*container.List[*domain.Probe]),
		byFunction: make(map[string]*container.List[*domain.Probe]),
		byNameIdx:  iradix.New(),
	}
}

func (r *Registry) RegisterProvider(p domain.ProviderIface) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.providers.Lookup(p.Name()); ok {
		return fmt.Errorf("registry: provider %q already registered", p.Name())
	}
	r.providers.Insert(p.Name(), p)
	r.providerOrder = append(r.providerOrder, p)
	return nil
}

func (r *Registry) Provider(name string) (domain.ProviderIface, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.providers.Lookup(name)
}

func (r *Registry) Providers() []domain.ProviderIface {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]domain.ProviderIface, len(r.providerOrder))
	copy(out, r.providerOrder)
	return out
}

func (r *Registry) Insert(p *domain.Probe) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	fq := p.Desc.String()
	if _, exists := r.byFQ[fq]; exists {
		return fmt.Errorf("registry: probe %s already registered", fq)
	}

	r.byFQ[fq] = p
	appendIndex(r.byProvider, p.Desc.Provider, p)
	appendIndex(r.byModule, p.Desc.Module, p)
	appendIndex(r.byFunction, p.Desc.Function, p)
	r.byNameIdx, _, _ = r.byNameIdx.Insert([]byte(p.Desc.Name), p)

	return nil
}

func appendIndex(idx map[string]*container.List[*domain.Probe], key string, p *domain.Probe) {
	if key == "" {
		return
	}
	l, ok := idx[key]
	if !ok {
		l = &container.List[*domain.Probe]{}
		idx[key] = l
	}
	l.PushBack(p)
}

func (r *Registry) Remove(desc domain.ProbeDesc) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	fq := desc.String()
	p, ok := r.byFQ[fq]
	if !ok {
		return domain.ErrProbeNotFound
	}
	delete(r.byFQ, fq)

	removeFromIndex(r.byProvider, p.Desc.Provider, p)
	removeFromIndex(r.byModule, p.Desc.Module, p)
	removeFromIndex(r.byFunction, p.Desc.Function, p)
	r.byNameIdx, _, _ = r.byNameIdx.Delete([]byte(p.Desc.Name))

	return nil
}

func removeFromIndex(idx map[string]*container.List[*domain.Probe], key string, p *domain.Probe) {
	if key == "" {
		return
	}
	l, ok := idx[key]
	if !ok {
		return
	}
	l.RemoveFunc(func(v *domain.Probe) bool { return v == p })
}

func (r *Registry) Lookup(desc domain.ProbeDesc) (*domain.Probe, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.byFQ[desc.String()]
	return p, ok
}

// Iter implements spec.md §4.5 "Probe lookup": walks every probe
// matching a globbed subset of desc, treating empty fields as
// wildcards. A name-only query uses the radix index's prefix iterator;
// anything more specific falls back to a full sweep, which is bounded by
// the total probe count and acceptable for the enable-time query
// workload this supports.
func (r *Registry) Iter(desc domain.ProbeDesc, fn func(*domain.Probe) bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if desc.Provider == "" && desc.Module == "" && desc.Function == "" && desc.Name != "" {
		iter := r.byNameIdx.Root().Iterator()
		iter.SeekPrefix([]byte(desc.Name))
		for {
			_, v, ok := iter.Next()
			if !ok {
				break
			}
			if !fn(v.(*domain.Probe)) {
				return
			}
		}
		return
	}

	for _, p := range r.byFQ {
		if matches(desc, p.Desc) {
			if !fn(p) {
				return
			}
		}
	}
}

func matches(want, have domain.ProbeDesc) bool {
	return (want.Provider == "" || want.Provider == have.Provider) &&
		(want.Module == "" || want.Module == have.Module) &&
		(want.Function == "" || want.Function == have.Function) &&
		(want.Name == "" || want.Name == have.Name)
}

func (r *Registry) ByProvider(name string) []*domain.Probe { return r.snapshot(r.byProvider, name) }
func (r *Registry) ByModule(name string) []*domain.Probe   { return r.snapshot(r.byModule, name) }
func (r *Registry) ByFunction(name string) []*domain.Probe { return r.snapshot(r.byFunction, name) }

func (r *Registry) ByName(name string) []*domain.Probe {
	r.mu.RLock()
	defer r.mu.RUnlock()
	v, ok := r.byNameIdx.Get([]byte(name))
	if !ok {
		return nil
	}
	return []*domain.Probe{v.(*domain.Probe)}
}

func (r *Registry) snapshot(idx map[string]*container.List[*domain.Probe], key string) []*domain.Probe {
	r.mu.RLock()
	defer r.mu.RUnlock()
	l, ok := idx[key]
	if !ok {
		return nil
	}
	return l.Slice()
}

func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byFQ)
}
