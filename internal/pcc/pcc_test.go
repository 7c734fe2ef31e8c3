package pcc

import (
	"testing"

	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"

	"github.com/nestybox/tracecore/domain"
)

func TestIsStoppingSignal(t *testing.T) {
	require.True(t, isStoppingSignal(unix.SIGSTOP))
	require.True(t, isStoppingSignal(unix.SIGTSTP))
	require.False(t, isStoppingSignal(unix.SIGCONT))
	require.False(t, isStoppingSignal(unix.SIGTRAP))
}

func TestCapabilitiesLoadIsIdempotent(t *testing.T) {
	c := &capabilities{}
	err := c.load()
	require.NoError(t, err)
	require.True(t, c.loaded)

	first := c.effective
	require.NoError(t, c.load())
	require.Equal(t, first, c.effective)
}

func TestServiceWrapperSetters(t *testing.T) {
	s := NewService()

	var calledPtrace bool
	s.SetPtraceWrapper(func(request, pid int, addr, data uintptr) (uintptr, error) {
		calledPtrace = true
		return 0, nil
	})
	_, err := s.ptraceWrapper(0, 0, 0, 0)
	require.NoError(t, err)
	require.True(t, calledPtrace)

	var lockAcquired *bool
	s.SetPtraceLockHook(func(acquire bool) { lockAcquired = &acquire })
	s.ptraceLockHook(true)
	require.NotNil(t, lockAcquired)
	require.True(t, *lockAcquired)
}

func TestGrabNonexistentPidFails(t *testing.T) {
	// An implausible pid makes Grab fail before ISA dispatch is reached:
	// this checks the no-such-process error path without requiring root,
	// not ISA rejection.
	s := NewService()
	_, err := s.Grab(1<<30, domain.GrabLevel1, false, nil)
	require.Error(t, err)
}
