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

package pcc

import (
	"fmt"
	"unsafe"

	"golang.org/x/sys/unix"
)

// PTRACE_GETREGSET/SETREGSET and the generic core NT_PRSTATUS note type
// (include/uapi/linux/ptrace.h, include/uapi/linux/elf.h) are stable
// across every architecture Linux ptrace supports, unlike
// golang.org/x/sys/unix's per-arch typed PtraceRegs helpers, which only
// compile for the host's own GOARCH. A cross-architecture tracer has to
// issue these directly, the same way delve's proctl package falls back
// to raw PTRACE_GETREGSET when tracing a non-native-word target.
const (
	ptraceGetRegSet = 0x4204
	ptraceSetRegSet = 0x4205
	ntPrstatus      = 1
)

type iovec struct {
	base uintptr
	len  uint64
}

func ptraceGetRegs(pid int, buf []byte) error {
	iov := iovec{base: uintptr(unsafe.Pointer(&buf[0])), len: uint64(len(buf))}
	_, _, errno := unix.Syscall6(unix.SYS_PTRACE, uintptr(ptraceGetRegSet), uintptr(pid),
		uintptr(ntPrstatus), uintptr(unsafe.Pointer(&iov)), 0, 0)
	if errno != 0 {
		return fmt.Errorf("ptrace getregset pid %d: %w", pid, errno)
	}
	return nil
}

func ptraceSetRegs(pid int, buf []byte) error {
	iov := iovec{base: uintptr(unsafe.Pointer(&buf[0])), len: uint64(len(buf))}
	_, _, errno := unix.Syscall6(unix.SYS_PTRACE, uintptr(ptraceSetRegSet), uintptr(pid),
		uintptr(ntPrstatus), uintptr(unsafe.Pointer(&iov)), 0, 0)
	if errno != 0 {
		return fmt.Errorf("ptrace setregset pid %d: %w", pid, errno)
	}
	return nil
}

// traceOptions is the full option set create/grab seize with (spec.md
// §4.1 "create": "all interesting ptrace options set (exec, fork,
// vfork, exit, clone)").
const traceOptions = unix.PTRACE_O_TRACEEXEC | unix.PTRACE_O_TRACEFORK |
	unix.PTRACE_O_TRACEVFORK | unix.PTRACE_O_TRACEEXIT | unix.PTRACE_O_TRACECLONE |
	unix.PTRACE_O_TRACESYSGOOD
