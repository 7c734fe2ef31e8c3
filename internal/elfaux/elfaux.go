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

// Package elfaux implements the ELF/auxv reader component of spec.md §2:
// parsing the target executable's ELF class and machine, and caching the
// auxiliary vector the runtime-linker agent needs to locate r_debug.
//
// ELF parsing uses the standard library's debug/elf, the same package the
// pack's own dynamic-tracing reference code parses executables with
// (proctl.DebuggedProcess.findExecutable); no third-party ELF library
// appears anywhere in the retrieved examples, so this is the one place
// this module reaches for the standard library for a domain concern — see
// DESIGN.md.
package elfaux

import (
	"debug/elf"
	"encoding/binary"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
)

// AuxEntry is one (type, value) pair from /proc/<pid>/auxv.
type AuxEntry struct {
	Type  uint64
	Value uint64
}

// Well-known auxv types the runtime-linker agent needs (spec.md §4.3
// "Initialization").
const (
	AT_NULL   = 0
	AT_PHDR   = 3
	AT_PHENT  = 4
	AT_PHNUM  = 5
	AT_ENTRY  = 9
)

// Info is the cached ELF-class/machine/auxv facts for one target,
// mirroring the fields spec.md §3 "Process handle" keeps inline
// (ELF64, machine identifier, cached auxiliary vector).
type Info struct {
	ELF64      bool
	Machine    uint16
	Entry      uint64
	Auxv       []AuxEntry
	Statically bool // true if the target has no PT_DYNAMIC segment
}

// Load reads /proc/<pid>/auxv and parses /proc/<pid>/exe's ELF header,
// producing the cached Info a process handle stores at attach/exec time.
func Load(pid int) (*Info, error) {
	auxv, elf64, err := readAuxv(pid)
	if err != nil {
		return nil, err
	}

	exePath := filepath.Join("/proc", strconv.Itoa(pid), "exe")
	f, err := elf.Open(exePath)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", exePath, err)
	}
	defer f.Close()

	statically := true
	for _, p := range f.Progs {
		if p.Type == elf.PT_DYNAMIC {
			statically = false
			break
		}
	}

	info := &Info{
		ELF64:      elf64,
		Machine:    uint16(f.Machine),
		Auxv:       auxv,
		Statically: statically,
	}
	for _, e := range auxv {
		if e.Type == AT_ENTRY {
			info.Entry = e.Value
		}
	}

	return info, nil
}

// readAuxv parses /proc/<pid>/auxv, which is a flat array of
// (unsigned long, unsigned long) pairs in the target's native word size.
// We detect the word size from /proc/<pid>/exe's class identification
// byte (EI_CLASS), since auxv itself carries no self-describing length.
func readAuxv(pid int) ([]AuxEntry, bool, error) {
	exePath := filepath.Join("/proc", strconv.Itoa(pid), "exe")
	elf64, err := isELF64(exePath)
	if err != nil {
		return nil, false, err
	}

	auxvPath := filepath.Join("/proc", strconv.Itoa(pid), "auxv")
	data, err := os.ReadFile(auxvPath)
	if err != nil {
		return nil, false, fmt.Errorf("read %s: %w", auxvPath, err)
	}

	wordSize := 4
	if elf64 {
		wordSize = 8
	}
	entrySize := wordSize * 2

	var entries []AuxEntry
	for off := 0; off+entrySize <= len(data); off += entrySize {
		var typ, val uint64
		if elf64 {
			typ = binary.LittleEndian.Uint64(data[off : off+8])
			val = binary.LittleEndian.Uint64(data[off+8 : off+16])
		} else {
			typ = uint64(binary.LittleEndian.Uint32(data[off : off+4]))
			val = uint64(binary.LittleEndian.Uint32(data[off+4 : off+8]))
		}
		if typ == AT_NULL {
			break
		}
		entries = append(entries, AuxEntry{Type: typ, Value: val})
	}

	return entries, elf64, nil
}

func isELF64(path string) (bool, error) {
	f, err := os.Open(path)
	if err != nil {
		return false, fmt.Errorf("open %s: %w", path, err)
	}
	defer f.Close()

	var ident [elf.EI_NIDENT]byte
	if _, err := f.Read(ident[:]); err != nil {
		return false, fmt.Errorf("read ident of %s: %w", path, err)
	}
	if string(ident[:4]) != elf.ELFMAG {
		return false, fmt.Errorf("%s: not an ELF file", path)
	}

	switch elf.Class(ident[elf.EI_CLASS]) {
	case elf.ELFCLASS64:
		return true, nil
	case elf.ELFCLASS32:
		return false, nil
	default:
		return false, fmt.Errorf("%s: unknown ELF class", path)
	}
}

// AuxvValue returns the value for the first auxv entry of the given type.
func AuxvValue(auxv []AuxEntry, typ uint64) (uint64, bool) {
	for _, e := range auxv {
		if e.Type == typ {
			return e.Value, true
		}
	}
	return 0, false
}
