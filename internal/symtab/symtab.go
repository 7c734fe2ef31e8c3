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

// Package symtab implements the Symbol cache component of spec.md §2 and
// §4.4: lazily parsing each mapped file's .symtab/.dynsym into address-
// and name-sorted indices, and resolving addresses and names across every
// currently mapped file.
//
// ELF parsing reuses debug/elf for the same reason internal/elfaux does
// (see that package's doc comment and DESIGN.md); the lazy-open,
// cache-on-FileInfo shape and the preference for /proc/<pid>/map_files
// over the plain path is grounded on the teacher's handler pattern of
// resolving a container-relative path through multiple candidate
// sources before falling back, adapted here to preferring a still-open
// fd over a possibly-deleted/renamed on-disk path.
package symtab

import (
	"debug/elf"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/nestybox/tracecore/domain"
)

var _ domain.SymbolCacheIface = (*Cache)(nil)

// Cache is the process-wide symbol cache: it owns no state of its own
// beyond a reference to the mapping cache it resolves files through,
// since the built tables live on each domain.FileInfo (spec.md §3).
type Cache struct {
	pid      int
	mappings domain.MappingCacheIface
}

func New(pid int, mappings domain.MappingCacheIface) *Cache {
	return &Cache{pid: pid, mappings: mappings}
}

// EnsureLoaded implements spec.md §4.4 "File symtab build": parse the
// backing file's .symtab and .dynsym exactly once, caching the result (or
// the failure) on the FileInfo so repeated lookups are free.
func (c *Cache) EnsureLoaded(fi *domain.FileInfo) error {
	if fi.SymInitialized() {
		return fi.SymError()
	}

	err := c.load(fi)
	fi.SetSymInit(err)
	return err
}

func (c *Cache) load(fi *domain.FileInfo) error {
	f, closeFn, err := c.openBacking(fi)
	if err != nil {
		return err
	}
	defer closeFn()

	ef, err := elf.NewFile(f)
	if err != nil {
		return fmt.Errorf("parse %s: %w", fi.Path, err)
	}
	defer ef.Close()

	fi.DynBase = c.computeLoadBias(fi, ef)

	if st, err := buildTable(ef, domain.SymTabStatic); err == nil {
		fi.SymTab = st
	}
	if dt, err := buildDynTable(ef, domain.SymTabDynamic); err == nil {
		fi.DynSym = dt
	}

	if fi.SymTab == nil && fi.DynSym == nil {
		return fmt.Errorf("%s: no .symtab or .dynsym", fi.Path)
	}
	return nil
}

// openBacking prefers /proc/<pid>/map_files/<range> (a still-open fd to
// the exact mapping, immune to the backing path having since been deleted
// or renamed) and falls back to the plain path, per spec.md §4.4.
func (c *Cache) openBacking(fi *domain.FileInfo) (*os.File, func(), error) {
	mappings, err := c.mappings.ByPath(fi.Path)
	if err == nil {
		for _, m := range mappings {
			mapFilesPath := filepath.Join("/proc", strconv.Itoa(c.pid), "map_files",
				fmt.Sprintf("%x-%x", m.Start, m.End()))
			if f, err := os.Open(mapFilesPath); err == nil {
				return f, func() { f.Close() }, nil
			}
		}
	}

	f, err := os.Open(fi.Path)
	if err != nil {
		return nil, nil, fmt.Errorf("open %s: %w", fi.Path, err)
	}
	return f, func() { f.Close() }, nil
}

// computeLoadBias implements spec.md §4.4: for relocatable objects
// (ET_DYN), the bias is the mapping's address minus the first PT_LOAD
// segment's vaddr; for non-relocatable executables it is zero.
func (c *Cache) computeLoadBias(fi *domain.FileInfo, ef *elf.File) uint64 {
	if ef.Type != elf.ET_DYN {
		return 0
	}

	all, err := c.mappings.All()
	if err != nil || fi.PrimaryMapIdx < 0 || fi.PrimaryMapIdx >= len(all) {
		return 0
	}
	mapAddr := all[fi.PrimaryMapIdx].Start

	for _, p := range ef.Progs {
		if p.Type == elf.PT_LOAD {
			return mapAddr - p.Vaddr
		}
	}
	return 0
}

func buildTable(ef *elf.File, kind domain.SymKind) (*domain.SymTable, error) {
	syms, err := ef.Symbols()
	if err != nil {
		return nil, err
	}
	return indexSyms(syms, kind)
}

func buildDynTable(ef *elf.File, kind domain.SymKind) (*domain.SymTable, error) {
	syms, err := ef.DynamicSymbols()
	if err != nil {
		return nil, err
	}
	return indexSyms(syms, kind)
}

func indexSyms(elfSyms []elf.Symbol, kind domain.SymKind) (*domain.SymTable, error) {
	syms := make([]domain.Sym, 0, len(elfSyms))
	for _, s := range elfSyms {
		bind := elf.ST_BIND(s.Info)
		typ := elf.ST_TYPE(s.Info)
		syms = append(syms, domain.Sym{
			Name:    s.Name,
			Value:   s.Value,
			Size:    s.Size,
			Info:    s.Info,
			Other:   s.Other,
			SHNDX:   uint16(s.Section),
			IsFunc:  typ == elf.STT_FUNC,
			IsWeak:  bind == elf.STB_WEAK,
			IsLocal: bind == elf.STB_LOCAL,
		})
	}

	addrIdx := make([]int, 0, len(syms))
	nameIdx := make([]int, 0, len(syms))
	for i, s := range syms {
		if s.Name == "" {
			continue
		}
		addrIdx = append(addrIdx, i)
		nameIdx = append(nameIdx, i)
	}

	sort.SliceStable(addrIdx, func(a, b int) bool {
		return lessByAddr(syms[addrIdx[a]], syms[addrIdx[b]])
	})
	sort.SliceStable(nameIdx, func(a, b int) bool {
		return syms[nameIdx[a]].Name < syms[nameIdx[b]].Name
	})

	return &domain.SymTable{Kind: kind, Syms: syms, AddrIdx: addrIdx, NameIdx: nameIdx}, nil
}

// lessByAddr orders the address index per spec.md §3's tie-break rules:
// address first, then prefer functions, prefer non-weak/non-local
// binding, fewer leading underscores, non-'$'-prefixed names, smaller
// size, and finally lexicographic order.
func lessByAddr(a, b domain.Sym) bool {
	if a.Value != b.Value {
		return a.Value < b.Value
	}
	if a.IsFunc != b.IsFunc {
		return a.IsFunc
	}
	aWeak := a.IsWeak || a.IsLocal
	bWeak := b.IsWeak || b.IsLocal
	if aWeak != bWeak {
		return !aWeak
	}
	if au, bu := leadingUnderscores(a.Name), leadingUnderscores(b.Name); au != bu {
		return au < bu
	}
	aDollar := strings.HasPrefix(a.Name, "$")
	bDollar := strings.HasPrefix(b.Name, "$")
	if aDollar != bDollar {
		return !aDollar
	}
	if a.Size != b.Size {
		return a.Size < b.Size
	}
	return a.Name < b.Name
}

func leadingUnderscores(s string) int {
	n := 0
	for n < len(s) && s[n] == '_' {
		n++
	}
	return n
}

// LookupByAddr implements spec.md §4.4 "lookup_by_addr": binary-search
// the address index of every symbol table covering addr, after
// subtracting each FileInfo's load bias, returning the best tie-break
// match.
func (c *Cache) LookupByAddr(addr uint64) (*domain.FileInfo, *domain.Sym, bool) {
	m, err := c.mappings.ByAddr(addr)
	if err != nil || m == nil || m.File == nil {
		return nil, nil, false
	}
	fi := m.File

	if err := c.EnsureLoaded(fi); err != nil {
		return nil, nil, false
	}

	target := addr - fi.DynBase

	var best *domain.Sym
	for _, tbl := range []*domain.SymTable{fi.DynSym, fi.SymTab} {
		if tbl == nil {
			continue
		}
		if s, ok := searchAddrIdx(tbl, target); ok {
			if best == nil || s.Value > best.Value || (s.Value == best.Value && lessByAddr(s, *best)) {
				best = &s
			}
		}
	}

	if best == nil {
		return nil, nil, false
	}
	return fi, best, true
}

func searchAddrIdx(tbl *domain.SymTable, addr uint64) (domain.Sym, bool) {
	idx := tbl.AddrIdx
	i := sort.Search(len(idx), func(i int) bool { return tbl.Syms[idx[i]].Value > addr })
	if i == 0 {
		return domain.Sym{}, false
	}

	for j := i - 1; j >= 0; j-- {
		s := tbl.Syms[idx[j]]
		if s.Value > addr {
			continue
		}
		if s.IsFunc && s.Size == 0 {
			// Zero-size function symbols (e.g. ifunc resolvers) only
			// match their exact address.
			if s.Value == addr {
				return s, true
			}
			continue
		}
		if addr < s.Value+s.Size || s.Value == addr {
			// The address index puts the preferred symbol first among equal
			// addresses; take the earliest entry at this address that covers addr.
			for k := j - 1; k >= 0 && tbl.Syms[idx[k]].Value == s.Value; k-- {
				if p := tbl.Syms[idx[k]]; p.Value == addr || addr < p.Value+p.Size {
					s = p
				}
			}
			return s, true
		}
	}
	return domain.Sym{}, false
}

// XLookupByName implements spec.md §4.4 "xlookup_by_name": search the
// named object's own search path first, then fall back to a linear sweep
// over every known file. Defined symbols are preferred over undefined
// ones (SHN_UNDEF).
func (c *Cache) XLookupByName(lmid int, object, name string) (*domain.FileInfo, *domain.Sym, bool) {
	all, err := c.mappings.All()
	if err != nil {
		return nil, nil, false
	}

	seen := make(map[*domain.FileInfo]bool)
	var ordered []*domain.FileInfo
	add := func(fi *domain.FileInfo) {
		if fi == nil || seen[fi] {
			return
		}
		seen[fi] = true
		ordered = append(ordered, fi)
	}

	if object != "" {
		for _, m := range all {
			if m.File != nil && (m.File.Path == object || m.File.LoadName == object) {
				for _, sp := range m.File.SearchPath {
					add(sp)
				}
				add(m.File)
			}
		}
	}
	for _, m := range all {
		add(m.File)
	}

	var undefFi *domain.FileInfo
	var undefSym *domain.Sym

	for _, fi := range ordered {
		if err := c.EnsureLoaded(fi); err != nil {
			continue
		}
		for _, tbl := range []*domain.SymTable{fi.DynSym, fi.SymTab} {
			if tbl == nil {
				continue
			}
			i := sort.Search(len(tbl.NameIdx), func(i int) bool {
				return tbl.Syms[tbl.NameIdx[i]].Name >= name
			})
			if i >= len(tbl.NameIdx) || tbl.Syms[tbl.NameIdx[i]].Name != name {
				continue
			}
			s := tbl.Syms[tbl.NameIdx[i]]
			if s.SHNDX == uint16(elf.SHN_UNDEF) {
				if undefSym == nil {
					f := fi
					sym := s
					undefFi, undefSym = f, &sym
				}
				continue
			}
			sym := s
			return fi, &sym, true
		}
	}

	if undefSym != nil {
		return undefFi, undefSym, true
	}
	return nil, nil, false
}
