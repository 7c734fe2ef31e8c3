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

// Package rtld implements the runtime-linker agent (RDA) of spec.md §2
// and §4.3: locating r_debug, brokering consistency windows against the
// rendezvous breakpoint, and walking link maps per namespace with
// structural-heuristic discovery of the non-ABI offsets glibc never
// promises to keep stable.
//
// There is no teacher or pack precedent for this exact problem (the
// sysbox-fs teacher never touches the dynamic linker), so the state
// machine here is built directly from original_source/elf/rtld.c and
// original_source/include/link.h's documented r_debug/link_map layout,
// expressed in the teacher's error-return and struct-field idiom rather
// than transliterated from C. The consistency-window reference counting
// mirrors the teacher's nested trace-request counter pattern in
// domain.ProcessHandleIface.Trace/Untrace.
package rtld

import (
	"encoding/binary"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/nestybox/tracecore/domain"
)

// r_debug field offsets (original_source/include/link.h "struct r_debug"),
// assuming the target's own pointer width.
const (
	rDebugVersion   = 0 // int, padded to pointer width before r_map
	rDebugMapOffset = 8 // struct link_map *r_map (after 4-byte int + 4 pad on LP64)
	rDebugStateOff  = 16
	rDebugBrkOff    = 24 // ElfW(Addr) r_brk
)

// link_map field offsets (original_source/include/link.h "struct link_map").
const (
	lMapAddr = 0  // ElfW(Addr) l_addr
	lMapName = 8  // char *l_name
	lMapLd   = 16 // ElfW(Dyn) *l_ld
	lMapNext = 24 // struct link_map *l_next
	lMapPrev = 32 // struct link_map *l_prev
)

// DL_NNS is glibc's compile-time bound on the number of loader namespaces
// (original_source/sysdeps/generic/ldsodefs.h).
const dlNNS = 16

const nsSearchBound = 64 * 1024
const lockTimeout = 7 * time.Second

// remoteMemory is the subset of domain.ProcessHandleIface the agent needs;
// narrowed for testability.
type remoteMemory interface {
	Read(buf []byte, addr uint64) (int, error)
	ReadString(addr uint64, maxLen int) (string, error)
	Bkpt(addr uint64, h domain.BkptHandler) error
	Unbkpt(addr uint64) error
	ELF64() bool
}

var _ domain.RtldAgentIface = (*Agent)(nil)

// Agent is the per-process runtime-linker agent (spec.md §3 "Runtime
// linker agent").
type Agent struct {
	proc     remoteMemory
	auxv     auxvSource
	symbols  domain.SymbolCacheIface
	wordSize int

	rDebugAddr uint64
	rBrk       uint64
	rtldGlobal uint64

	ready     bool
	installed bool

	// Consistency-window bookkeeping.
	nestCount   int
	stopOnCons  bool

	// Structural-heuristic discoveries, made once and cached.
	dlNnsOffset   int
	dlNnsKnown    bool
	lockOffset    int
	multiLmid     bool
	multiLmidDone bool

	lastKnownGoodLinkMap uint64

	cb func(domain.DLActivityEvent)
}

// auxvSource supplies the facts Init needs to locate r_debug without a
// direct procio/elfaux import cycle: callers construct Agent with the
// already-parsed auxv/ELF info from the process handle.
type auxvSource interface {
	// DynamicDebugAddr returns the DT_DEBUG value from the executable's
	// PT_DYNAMIC segment, or 0 if the binary is statically linked.
	DynamicDebugAddr() (uint64, bool)
	EntryAddr() uint64
}

func New(proc remoteMemory, auxv auxvSource, symbols domain.SymbolCacheIface) *Agent {
	wordSize := 4
	if proc.ELF64() {
		wordSize = 8
	}
	return &Agent{proc: proc, auxv: auxv, symbols: symbols, wordSize: wordSize}
}

// Init implements spec.md §4.3 "Initialization".
func (a *Agent) Init() error {
	if addr, ok := a.auxv.DynamicDebugAddr(); ok {
		a.rDebugAddr = addr
	} else {
		fi, sym, ok := a.symbols.XLookupByName(0, "", "_r_debug")
		if !ok {
			return fmt.Errorf("rtld: statically linked and _r_debug not found")
		}
		a.rDebugAddr = sym.Value + fi.DynBase
	}

	version, err := a.readWord(a.rDebugAddr + rDebugVersion)
	if err != nil {
		return fmt.Errorf("rtld: read r_debug.r_version: %w", err)
	}

	if version == 0 {
		// Linker not yet initialized; a breakpoint at the entry point
		// will be hit once ld.so has finished bootstrapping itself
		// (spec.md §4.3 "Initialization").
		return a.proc.Bkpt(a.auxv.EntryAddr(), domain.BkptHandler{
			Func: func(_ domain.ProcessHandleIface, _ uint64, _ interface{}) (domain.BkptAction, error) {
				if err := a.finishInit(); err != nil {
					return domain.ActionRun, err
				}
				return domain.ActionRun, nil
			},
		})
	}

	return a.finishInit()
}

func (a *Agent) finishInit() error {
	brk, err := a.readWord(a.rDebugAddr + rDebugBrkOff)
	if err != nil {
		return fmt.Errorf("rtld: read r_debug.r_brk: %w", err)
	}
	a.rBrk = brk
	a.ready = true
	return nil
}

func (a *Agent) Ready() bool { return a.ready }

func (a *Agent) readWord(addr uint64) (uint64, error) {
	buf := make([]byte, 8)
	n, err := a.proc.Read(buf[:a.wordSize], addr)
	if err != nil {
		return 0, err
	}
	if n != a.wordSize {
		return 0, fmt.Errorf("short read at %#x: %d/%d", addr, n, a.wordSize)
	}
	if a.wordSize == 8 {
		return binary.LittleEndian.Uint64(buf), nil
	}
	return uint64(binary.LittleEndian.Uint32(buf[:4])), nil
}

// ConsistentBegin implements spec.md §4.3 "Consistency window".
func (a *Agent) ConsistentBegin() error {
	if !a.ready {
		return domain.ErrNotReady
	}

	if a.nestCount == 0 {
		if !a.installed {
			if err := a.installRendezvous(); err != nil {
				return err
			}
		}

		state, err := a.readWord(a.rDebugAddr + rDebugStateOff)
		if err != nil {
			return err
		}
		if domain.LinkerState(state) != domain.RStateConsistent {
			a.stopOnCons = true
			// The caller (pcc) drives Wait()/Continue() until the
			// rendezvous breakpoint handler observes RStateConsistent
			// and clears stopOnCons; here we simply record intent.
		}
	}

	a.nestCount++
	return nil
}

func (a *Agent) ConsistentEnd() error {
	if a.nestCount == 0 {
		return fmt.Errorf("rtld: ConsistentEnd without matching ConsistentBegin")
	}
	a.nestCount--
	if a.nestCount == 0 {
		a.stopOnCons = false
	}
	return nil
}

func (a *Agent) installRendezvous() error {
	err := a.proc.Bkpt(a.rBrk, domain.BkptHandler{
		Func: func(_ domain.ProcessHandleIface, _ uint64, _ interface{}) (domain.BkptAction, error) {
			return a.onRendezvous()
		},
	})
	if err != nil {
		return fmt.Errorf("rtld: install rendezvous breakpoint: %w", err)
	}
	a.installed = true
	return nil
}

func (a *Agent) onRendezvous() (domain.BkptAction, error) {
	state, err := a.readWord(a.rDebugAddr + rDebugStateOff)
	if err != nil {
		return domain.ActionRun, err
	}

	ls := domain.LinkerState(state)
	if a.cb != nil {
		if ls == domain.RStateConsistent {
			a.cb(domain.DLActivityConsistent)
		} else {
			a.cb(domain.DLActivityInconsistent)
		}
	}

	if ls == domain.RStateConsistent && a.stopOnCons {
		a.stopOnCons = false
		return domain.ActionStop, nil
	}
	return domain.ActionRun, nil
}

func (a *Agent) SetEventCallback(cb func(domain.DLActivityEvent)) { a.cb = cb }

func (a *Agent) MultiLmidSupported() bool { return a.multiLmid }

// IterNamespace implements spec.md §4.3 "Iteration".
func (a *Agent) IterNamespace(lmid int, cb domain.LoadObjCallback) error {
	if err := a.ConsistentBegin(); err != nil {
		return err
	}
	defer a.ConsistentEnd()

	if lmid != 0 {
		if err := a.ensureNonzeroLmidReady(lmid); err != nil {
			return err
		}
	}

	head, err := a.firstLinkMap(lmid)
	if err != nil {
		return err
	}

	var knownMaps []uint64
	cur := head
	for cur != 0 {
		obj, next, err := a.readLinkMap(lmid, cur)
		if err != nil {
			return err
		}
		knownMaps = append(knownMaps, cur)
		a.lastKnownGoodLinkMap = cur

		obj.SearchList = a.discoverSearchList(cur, knownMaps)

		if !cb(obj) {
			return nil
		}
		cur = next
	}

	return nil
}

// firstLinkMap returns r_debug.r_map for namespace 0. For any nonzero
// lmid it returns an error, whether or not find_dl_nns succeeded: the
// per-namespace debug array is not walked.
func (a *Agent) firstLinkMap(lmid int) (uint64, error) {
	if lmid == 0 {
		return a.readWord(a.rDebugAddr + rDebugMapOffset)
	}
	return 0, fmt.Errorf("rtld: namespace %d iteration requires multi-lmid support", lmid)
}

func (a *Agent) readLinkMap(lmid int, addr uint64) (*domain.LoadObj, uint64, error) {
	base, err := a.readWord(addr + lMapAddr)
	if err != nil {
		return nil, 0, err
	}
	nameAddr, err := a.readWord(addr + lMapName)
	if err != nil {
		return nil, 0, err
	}
	ld, err := a.readWord(addr + lMapLd)
	if err != nil {
		return nil, 0, err
	}
	next, err := a.readWord(addr + lMapNext)
	if err != nil {
		return nil, 0, err
	}

	name := ""
	if nameAddr != 0 {
		name, _ = a.proc.ReadString(nameAddr, 4096)
	}

	return &domain.LoadObj{
		Lmid:    lmid,
		Base:    base,
		DynAddr: ld,
		Name:    name,
		MapAddr: addr,
	}, next, nil
}

// ensureNonzeroLmidReady implements spec.md §4.3 "Nonzero-lmid
// consistency": discover dl_nns once via find_dl_nns, then spin-wait
// (bounded by lockTimeout) for the associated load-lock to reach zero.
func (a *Agent) ensureNonzeroLmidReady(lmid int) error {
	if a.multiLmidDone && !a.multiLmid {
		return fmt.Errorf("rtld: multi-lmid support permanently disabled")
	}
	if lmid < 0 || lmid >= dlNNS {
		return fmt.Errorf("rtld: lmid %d out of range", lmid)
	}

	if !a.dlNnsKnown {
		if err := a.findDlNns(); err != nil {
			a.multiLmidDone = true
			a.multiLmid = false
			return fmt.Errorf("rtld: find_dl_nns failed, disabling multi-lmid: %w", err)
		}
	}

	deadline := time.Now().Add(lockTimeout)
	for {
		lock, err := a.readWord(a.rtldGlobal + uint64(a.lockOffset))
		if err != nil {
			return err
		}
		if lock == 0 {
			a.multiLmid = true
			a.multiLmidDone = true
			return nil
		}
		if time.Now().After(deadline) {
			a.multiLmidDone = true
			a.multiLmid = false
			return fmt.Errorf("rtld: load-lock busy past %s, disabling multi-lmid", lockTimeout)
		}
	}
}

// findDlNns implements spec.md §4.3 "Nonzero-lmid consistency": hunt
// forward from the start of _rtld_global for the uninitialized-namespace
// shape (pointer-sized zero, small nonnegative int <= DL_NNS). Each
// search starts from the beginning; it does not resume from an offset
// found earlier.
func (a *Agent) findDlNns() error {
	if a.rtldGlobal == 0 {
		if a.symbols == nil {
			return fmt.Errorf("_rtld_global not found: no symbol cache")
		}
		fi, sym, ok := a.symbols.XLookupByName(0, "", "_rtld_global")
		if !ok {
			return fmt.Errorf("_rtld_global not found")
		}
		a.rtldGlobal = sym.Value + fi.DynBase
	}

	for off := 0; off < nsSearchBound; off += a.wordSize {
		zero, err := a.readWord(a.rtldGlobal + uint64(off))
		if err != nil {
			continue
		}
		if zero != 0 {
			continue
		}
		count, err := a.readWord(a.rtldGlobal + uint64(off) + uint64(a.wordSize))
		if err != nil {
			continue
		}
		if count <= dlNNS {
			a.dlNnsOffset = off + a.wordSize
			a.lockOffset = off + 2*a.wordSize
			a.dlNnsKnown = true
			logrus.Debugf("rtld: find_dl_nns succeeded at offset %#x", a.dlNnsOffset)
			return nil
		}
	}

	return fmt.Errorf("dl_nns shape not found within %d bytes", nsSearchBound)
}

// discoverSearchList implements spec.md §4.3 "Searchlist discovery":
// scan forward from the link map's base for a (pointer, count) pair
// whose count pointers are all already-known link maps.
func (a *Agent) discoverSearchList(linkMap uint64, knownMaps []uint64) []uint64 {
	known := make(map[uint64]bool, len(knownMaps))
	for _, m := range knownMaps {
		known[m] = true
	}

	for off := lMapPrev + a.wordSize; off < nsSearchBound; off += a.wordSize {
		ptr, err := a.readWord(linkMap + uint64(off))
		if err != nil {
			break
		}
		count, err := a.readWord(linkMap + uint64(off) + uint64(a.wordSize))
		if err != nil {
			continue
		}
		if count < 2 || count > uint64(len(knownMaps))+1 {
			continue
		}

		list := make([]uint64, 0, count)
		ok := true
		for i := uint64(0); i < count; i++ {
			entry, err := a.readWord(ptr + i*uint64(a.wordSize))
			if err != nil || !known[entry] {
				ok = false
				break
			}
			list = append(list, entry)
		}
		if ok {
			return list
		}
	}
	return nil
}
