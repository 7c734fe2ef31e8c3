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

package domain

import "errors"

// Sentinel errors shared across the process-control and probe-provider
// cores. Each owning package may wrap these with fmt.Errorf("...: %w", ...)
// to add context; callers match with errors.Is.
var (
	// ErrProcessDead indicates the target process has exited or never
	// existed; the handle is permanently unusable from this point on.
	ErrProcessDead = errors.New("process is dead")

	// ErrPermission indicates a grab/attach was refused for lack of
	// privilege (e.g. missing ptrace capability, mismatched uid).
	ErrPermission = errors.New("permission denied")

	// ErrBreakpointBusy indicates a breakpoint-instruction collision: some
	// other tracer already owns the address.
	ErrBreakpointBusy = errors.New("breakpoint address already in use")

	// ErrNotReady indicates the runtime linker has not yet initialized
	// r_debug, or a consistency window could not be established.
	ErrNotReady = errors.New("runtime linker not ready")

	// ErrNoISASupport indicates the target's (bitness, machine) pair has
	// no registered ISA dispatch implementation.
	ErrNoISASupport = errors.New("unsupported instruction set")

	// ErrUnwind signals that an exec was detected during an operation that
	// registered an unwinder pad; the caller should treat this as an
	// early, successful-but-incomplete return rather than a failure.
	ErrUnwind = errors.New("exec detected, unwound")

	// ErrProbeNotFound indicates a probe lookup by fully-qualified
	// descriptor found no match.
	ErrProbeNotFound = errors.New("probe not found")

	// ErrProviderNotFound indicates no registered provider matches the
	// requested name.
	ErrProviderNotFound = errors.New("provider not found")

	// ErrVerifierRejected indicates the kernel BPF verifier rejected a
	// trial program load (used by the raw-tracepoint arity prober).
	ErrVerifierRejected = errors.New("bpf verifier rejected program")
)
