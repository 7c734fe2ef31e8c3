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

// Package procio implements the Process I/O component of spec.md §2:
// reading target memory via /proc/<pid>/mem, falling back to PEEKTEXT
// for addresses that overflow the positional-read offset range, and
// writing it word by word with POKETEXT (the /proc/<pid>/mem descriptor
// is opened read-only), plus the endianness/bitness-aware scalar widening
// spec.md §4.1 and §9 describe.
//
// The read path is grounded on the teacher's seccomp.processMemParse
// (bufio over an opened /proc/<pid>/mem, seek + read), generalized from
// that one-shot NUL-terminated use to arbitrary byte ranges, and on the
// PtracePeekData-based readMemory helper used throughout the dynamic
// tracing example (proctl.DebuggedProcess.readMemory) for the PEEKTEXT
// fallback.
package procio

import (
	"encoding/binary"
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"golang.org/x/sys/unix"
)

// maxPositiveOffset bounds os.File.ReadAt's signed int64 offset; beyond
// this, spec.md §4.1 "read" specifies falling back to word-at-a-time
// PEEKTEXT, since /proc/<pid>/mem's pread cannot represent offsets that
// turn negative once cast to the kernel's signed off_t.
const maxPositiveOffset = 1<<63 - 1

// ReadChunkSize is the chunk size ReadString reads in, per spec.md §4.1
// ("read_string(...) reads in 40-byte chunks").
const ReadChunkSize = 40

// IO is the per-process memory I/O handle: an open /proc/<pid>/mem
// descriptor plus the pid needed for the PEEKTEXT fallback.
type IO struct {
	pid  int
	mem  *os.File
	dead bool
}

// Open opens /proc/<pid>/mem for the given target. Grab/Create call this
// once and store the result on the process handle (spec.md §3 "Process
// handle": "a memory file descriptor for target reads").
func Open(pid int) (*IO, error) {
	path := filepath.Join("/proc", strconv.Itoa(pid), "mem")
	f, err := os.OpenFile(path, os.O_RDONLY, 0)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	return &IO{pid: pid, mem: f}, nil
}

func (io *IO) Close() error {
	if io.mem == nil {
		return nil
	}
	return io.mem.Close()
}

// Read implements spec.md §4.1 "read": positional read via the memory
// descriptor, falling back to PEEKTEXT word-at-a-time for addresses
// outside the representable offset range. A read that spans into
// unmapped memory returns short, never an error with partial data
// invented (spec.md §8 invariant 11).
func (io *IO) Read(buf []byte, addr uint64) (int, error) {
	if io.dead {
		return 0, os.ErrClosed
	}

	if addr <= maxPositiveOffset {
		n, err := io.mem.ReadAt(buf, int64(addr))
		if n > 0 {
			return n, nil
		}
		if err != nil && n == 0 {
			// Fall through to PEEKTEXT: some kernels return EIO rather
			// than a short read for the first unmapped byte.
		}
	}

	return io.peekFallback(buf, addr)
}

// peekFallback performs a word-at-a-time PEEKTEXT read, used both for
// addresses beyond the positional-read range and as the retry path when
// the positional read faults outright.
func (io *IO) peekFallback(buf []byte, addr uint64) (int, error) {
	const wordSize = 8
	n := 0
	for n < len(buf) {
		word, err := unix.PtracePeekText(io.pid, uintptr(addr)+uintptr(n), buf[n:min(n+wordSize, len(buf))])
		if err != nil {
			if n > 0 {
				return n, nil
			}
			return 0, fmt.Errorf("peektext at %#x: %w", addr, err)
		}
		if word == 0 {
			break
		}
		n += word
	}
	return n, nil
}

// Poke writes data into the target at addr via POKETEXT. Writing memory
// is restricted to the narrow cases spec.md §9 allows (same-bitness,
// same-endianness as this tool); callers (the breakpoint engine) are
// responsible for that restriction.
func (io *IO) Poke(addr uint64, data []byte) error {
	n, err := unix.PtracePokeText(io.pid, uintptr(addr), data)
	if err != nil {
		return fmt.Errorf("poketext at %#x: %w", addr, err)
	}
	if n != len(data) {
		return fmt.Errorf("poketext at %#x: short write %d/%d", addr, n, len(data))
	}
	return nil
}

// PeekWord reads exactly one machine word (8 bytes) at addr, the
// operation the breakpoint engine uses to save/restore original
// instructions (spec.md §4.2 "Install").
func (io *IO) PeekWord(addr uint64) (uint64, error) {
	var buf [8]byte
	n, err := io.Read(buf[:], addr)
	if err != nil {
		return 0, err
	}
	if n != 8 {
		return 0, fmt.Errorf("peekword at %#x: short read %d/8", addr, n)
	}
	return binary.LittleEndian.Uint64(buf[:]), nil
}

// ReadString implements spec.md §4.1 "read_string": reads in
// ReadChunkSize chunks and stops at the first NUL, returning the string
// without its terminator. maxLen bounds the total bytes read.
func (io *IO) ReadString(addr uint64, maxLen int) (string, error) {
	out := make([]byte, 0, ReadChunkSize)
	buf := make([]byte, ReadChunkSize)

	for len(out) < maxLen {
		want := ReadChunkSize
		if remaining := maxLen - len(out); remaining < want {
			want = remaining
		}
		n, err := io.Read(buf[:want], addr+uint64(len(out)))
		if err != nil {
			return "", err
		}
		if n == 0 {
			break
		}
		if idx := indexNUL(buf[:n]); idx >= 0 {
			out = append(out, buf[:idx]...)
			return string(out), nil
		}
		out = append(out, buf[:n]...)
	}

	return string(out), nil
}

func indexNUL(b []byte) int {
	for i, c := range b {
		if c == 0 {
			return i
		}
	}
	return -1
}

// ReadScalar implements spec.md §4.1 "read_scalar": performs
// endianness-correct widening from nbytes into a local scalarSize field.
// It fails cleanly (without writing dst) if nbytes exceeds scalarSize,
// per spec.md §8 boundary behavior 10.
func (io *IO) ReadScalar(dst []byte, nbytes int, scalarSize int, addr uint64) error {
	if nbytes > scalarSize {
		return fmt.Errorf("read_scalar: nbytes %d exceeds scalar size %d", nbytes, scalarSize)
	}
	if len(dst) < scalarSize {
		return fmt.Errorf("read_scalar: dst too small: %d < %d", len(dst), scalarSize)
	}

	raw := make([]byte, nbytes)
	n, err := io.Read(raw, addr)
	if err != nil {
		return err
	}
	if n != nbytes {
		return fmt.Errorf("read_scalar at %#x: short read %d/%d", addr, n, nbytes)
	}

	// Host and target share endianness (spec.md §9 "Endianness and
	// bitness"); zero-extend into the wider scalar field.
	for i := range dst[:scalarSize] {
		dst[i] = 0
	}
	copy(dst, raw)
	return nil
}

// MarkDead flags the handle as unusable after an ESRCH-class failure
// (spec.md §7 "Target disappeared").
func (io *IO) MarkDead() { io.dead = true }

func min(a, b int) int {
	if a < b {
		return a
	}
	return b
}
