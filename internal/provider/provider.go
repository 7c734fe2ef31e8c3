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

// Package provider holds the small helpers spec.md §4.5 calls "the
// tracepoint-based provider helper" and "uprobe helper": tracefs id/
// format resolution, the writable kprobe_events/uprobe_events interface,
// and the perf_event_open + BPF-attach plumbing every concrete provider
// family in internal/provider/{fbt,syscallprov,profile,rawtp,sdt,uprobe,
// pid,cpc} builds on, rather than each reimplementing its own copy.
//
// Grounded on the teacher's seccomp package, the one place in the
// example pack that already manages a writable kernel tracing interface
// with ref-counted install/remove lines (seccomp/tracer.go's
// syscallTracer session bookkeeping).
package provider

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"unsafe"

	"golang.org/x/sys/unix"
)

const tracefsRoot = "/sys/kernel/tracing"

// TracepointID resolves the numeric event id tracefs assigns a
// group/name tracepoint (spec.md §4.8 "events/<group>/<event>/id"),
// used to populate PERF_TYPE_TRACEPOINT's config field.
func TracepointID(group, name string) (uint64, error) {
	path := filepath.Join(tracefsRoot, "events", group, name, "id")
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, fmt.Errorf("provider: tracepoint id %s/%s: %w", group, name, err)
	}
	id, err := strconv.ParseUint(strings.TrimSpace(string(data)), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("provider: tracepoint id %s/%s: malformed id: %w", group, name, err)
	}
	return id, nil
}

// TracepointFields parses events/<group>/<name>/format's "field:" lines
// into name->byte-offset, used by syscall/raw-tracepoint providers to
// locate each argument slot without hardcoding struct layouts per kernel
// version.
func TracepointFields(group, name string) (map[string]int, error) {
	path := filepath.Join(tracefsRoot, "events", group, name, "format")
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("provider: tracepoint format %s/%s: %w", group, name, err)
	}
	defer f.Close()

	fields := make(map[string]int)
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if !strings.HasPrefix(line, "field:") {
			continue
		}
		var fieldName string
		var offset, size, sign int
		rest := strings.TrimPrefix(line, "field:")
		parts := strings.Split(rest, ";")
		if len(parts) == 0 {
			continue
		}
		decl := strings.TrimSpace(parts[0])
		if i := strings.LastIndexByte(decl, ' '); i >= 0 {
			fieldName = decl[i+1:]
		} else {
			fieldName = decl
		}
		for _, p := range parts[1:] {
			p = strings.TrimSpace(p)
			switch {
			case strings.HasPrefix(p, "offset:"):
				fmt.Sscanf(p, "offset:%d", &offset)
			case strings.HasPrefix(p, "size:"):
				fmt.Sscanf(p, "size:%d", &size)
			case strings.HasPrefix(p, "signed:"):
				fmt.Sscanf(p, "signed:%d", &sign)
			}
		}
		fields[fieldName] = offset
	}
	if err := sc.Err(); err != nil {
		return nil, err
	}
	return fields, nil
}

// eventsFile is one writable tracefs probe-definition file
// (kprobe_events or uprobe_events), taking the line grammar spec.md §4.8
// names: "p:<group>/<name> <target>" for entry, "r:..." for return
// probes. Install/Remove on one file are serialized by a per-file
// mutex, since the kernel file itself has no per-writer locking.
type eventsFile struct {
	mu   sync.Mutex
	path string
}

var (
	kprobeEvents = &eventsFile{path: filepath.Join(tracefsRoot, "kprobe_events")}
	uprobeEvents = &eventsFile{path: filepath.Join(tracefsRoot, "uprobe_events")}
)

func KprobeEvents() *eventsFile { return kprobeEvents }
func UprobeEvents() *eventsFile { return uprobeEvents }

// Install appends a definition line (spec.md §4.8: "writing a line to
// the kernel's uprobe-events interface"); Remove writes the matching
// "-:<group>/<name>" removal line.
func (e *eventsFile) Install(line string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	f, err := os.OpenFile(e.path, os.O_WRONLY|os.O_APPEND, 0)
	if err != nil {
		return fmt.Errorf("provider: open %s: %w", e.path, err)
	}
	defer f.Close()
	if _, err := f.WriteString(line + "\n"); err != nil {
		return fmt.Errorf("provider: write %s: %w", e.path, err)
	}
	return nil
}

func (e *eventsFile) Remove(group, name string) error {
	return e.Install(fmt.Sprintf("-:%s/%s", group, name))
}

// PerfEventAttr is the perf_event_attr layout; its Open method wraps
// the perf_event_open(2) syscall (no x/sys/unix
// typed helper exists for it), grounded on the same raw-syscall pattern
// internal/pcc/ptrace.go uses for PTRACE_GETREGSET.
type PerfEventAttr struct {
	Type        uint32
	Size        uint32
	Config      uint64
	SamplePeriodOrFreq uint64
	SampleType  uint64
	ReadFormat  uint64
	Bits        uint64 // disabled, inherit, pinned, exclusive, ... packed per perf_event.h
	WakeupEvents uint32
	BPType      uint32
	BPAddr      uint64
	BPLen       uint64
}

const (
	PerfTypeHardware   = 0
	PerfTypeSoftware   = 1
	PerfTypeTracepoint = 2

	PerfCountSWCPUClock = 0

	perfBitFreq     = 1 << 10
	perfBitDisabled = 1 << 0
)

// Open issues perf_event_open for a single (cpu, pid) target, returning
// the resulting fd. cpu=-1 / pid>=0 targets a specific process across
// all CPUs, matching the pid-probe attach pattern.
func (a *PerfEventAttr) Open(pid, cpu, groupFd int, flags uintptr) (int, error) {
	a.Size = uint32(unsafe.Sizeof(*a))
	fd, _, errno := unix.Syscall6(unix.SYS_PERF_EVENT_OPEN,
		uintptr(unsafe.Pointer(a)), uintptr(pid), uintptr(cpu), uintptr(groupFd), flags, 0)
	if errno != 0 {
		return -1, fmt.Errorf("provider: perf_event_open: %w", errno)
	}
	return int(fd), nil
}

// SetFreq configures a frequency-based sampling period (profile-Nms
// style providers); SetDisabled marks the counter created-but-not-armed,
// matching the attach-then-enable two-step spec.md's provider Attach/
// Enable split expects.
func (a *PerfEventAttr) SetFreq(hz uint64) { a.Bits |= perfBitFreq; a.SamplePeriodOrFreq = hz }
func (a *PerfEventAttr) SetDisabled()       { a.Bits |= perfBitDisabled }

const (
	perfEventIOCSetBPF  = 0x40042408
	perfEventIOCEnable  = 0x2400
	perfEventIOCDisable = 0x2401
)

// AttachBPF ioctl's a BPF program fd onto an open perf event fd (spec.md
// §4.8: "an IOCTL to attach a BPF program fd to a perf event").
func AttachBPF(perfFd, progFd int) error {
	_, _, errno := unix.Syscall(unix.SYS_IOCTL, uintptr(perfFd), uintptr(perfEventIOCSetBPF), uintptr(progFd))
	if errno != 0 {
		return fmt.Errorf("provider: PERF_EVENT_IOC_SET_BPF: %w", errno)
	}
	return nil
}

func EnablePerf(perfFd int) error {
	_, _, errno := unix.Syscall(unix.SYS_IOCTL, uintptr(perfFd), uintptr(perfEventIOCEnable), 0)
	if errno != 0 {
		return fmt.Errorf("provider: PERF_EVENT_IOC_ENABLE: %w", errno)
	}
	return nil
}

// KallsymsFunctions streams every ftrace-able kernel function name from
// /proc/kallsyms (symbol types 't'/'T' = local/global text), the source
// fbt's populate enumerates probes from.
func KallsymsFunctions(yield func(name string) bool) error {
	f, err := os.Open("/proc/kallsyms")
	if err != nil {
		return fmt.Errorf("provider: open kallsyms: %w", err)
	}
	defer f.Close()

	sc := bufio.NewScanner(f)
	for sc.Scan() {
		fields := strings.Fields(sc.Text())
		if len(fields) < 3 {
			continue
		}
		switch fields[1] {
		case "t", "T":
		default:
			continue
		}
		if !yield(fields[2]) {
			return nil
		}
	}
	return sc.Err()
}
