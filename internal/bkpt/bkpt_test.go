package bkpt

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/nestybox/tracecore/domain"
)

// fakeISA is a minimal hardware-singlestep ISA for engine tests.
type fakeISA struct{}

func (fakeISA) ReadFirstArg(regs []byte) (uint64, error) { return 0, nil }
func (fakeISA) GetBkptIP(regs []byte) uint64              { return 0 }
func (fakeISA) ResetBkptIP(regs []byte, addr uint64)       {}
func (fakeISA) GetNextIP(regs []byte, insn uint32) (uint64, bool) { return 0, false }
func (fakeISA) BkptInsn() []byte                           { return []byte{0xCC} }
func (fakeISA) RegsSize() int                              { return 8 }

type fakeProc struct {
	mem        map[uint64]byte
	singleStep int
	regs       []byte
}

func newFakeProc() *fakeProc {
	return &fakeProc{mem: make(map[uint64]byte), regs: make([]byte, 8)}
}

func (p *fakeProc) Pid() uint32              { return 1 }
func (p *fakeProc) State() domain.ProcState  { return domain.StateTraceStop }
func (p *fakeProc) Released() bool           { return false }
func (p *fakeProc) Trace(bool) error         { return nil }
func (p *fakeProc) Untrace(bool) error       { return nil }
func (p *fakeProc) Wait(bool) (int, error)   { return 0, nil }

func (p *fakeProc) Read(buf []byte, addr uint64) (int, error) {
	for i := range buf {
		buf[i] = p.mem[addr+uint64(i)]
	}
	return len(buf), nil
}
func (p *fakeProc) ReadString(addr uint64, maxLen int) (string, error) { return "", nil }
func (p *fakeProc) ReadScalar(dst []byte, nbytes int, addr uint64) error { return nil }
func (p *fakeProc) Poke(addr uint64, data []byte) error {
	for i, b := range data {
		p.mem[addr+uint64(i)] = b
	}
	return nil
}
func (p *fakeProc) Regs() ([]byte, error)     { return p.regs, nil }
func (p *fakeProc) SetRegs(r []byte) error    { p.regs = r; return nil }
func (p *fakeProc) SingleStep() error         { p.singleStep++; return nil }
func (p *fakeProc) ISA() domain.ISAIface      { return fakeISA{} }

func (p *fakeProc) Release(domain.ReleaseMode) error { return nil }
func (p *fakeProc) Bkpt(uint64, domain.BkptHandler) error         { return nil }
func (p *fakeProc) BkptNotifier(uint64, domain.BkptHandler) error { return nil }
func (p *fakeProc) Unbkpt(uint64) error                           { return nil }
func (p *fakeProc) BkptContinue() error                           { return nil }
func (p *fakeProc) BkptAddr() uint64                              { return 0 }
func (p *fakeProc) ELF64() bool                                   { return true }
func (p *fakeProc) Machine() uint16                               { return 0x3e }
func (p *fakeProc) Mappings() domain.MappingCacheIface            { return nil }
func (p *fakeProc) Symbols() domain.SymbolCacheIface               { return nil }

func TestInstallSavesOriginalAndOverlaysBkptInsn(t *testing.T) {
	proc := newFakeProc()
	proc.mem[0x1000] = 0x55 // push %rbp

	e := New(fakeISA{})
	fired := false
	err := e.Install(proc, 0x1000, domain.BkptHandler{
		Func: func(domain.ProcessHandleIface, uint64, interface{}) (domain.BkptAction, error) {
			fired = true
			return domain.ActionRun, nil
		},
	})
	require.NoError(t, err)
	require.Equal(t, byte(0xCC), proc.mem[0x1000])

	err = e.Trigger(proc, 0x1000)
	require.NoError(t, err)
	require.True(t, fired)
	// handle_start restores the original instruction before dispatch,
	// then hardware-singlesteps past it, leaving it disarmed until the
	// step's own trap is reconciled via ResumeStepCursor.
	require.Equal(t, byte(0x55), proc.mem[0x1000])
	require.Equal(t, 1, proc.singleStep)
	require.Equal(t, uint64(0x1000), e.StepCursor())

	require.NoError(t, e.ResumeStepCursor(proc))
	require.Equal(t, uint64(0), e.StepCursor())
	require.Equal(t, byte(0xCC), proc.mem[0x1000])
}

// TestHardwareBreakpointFiresTwice guards against the breakpoint being
// disarmed forever after its first hit: on amd64/x86/arm64 (every ISA
// using hardware singlestep), handle_start restores the original
// instruction and the only thing that re-arms it is the step's own
// trap being routed through ResumeStepCursor.
func TestHardwareBreakpointFiresTwice(t *testing.T) {
	proc := newFakeProc()
	proc.mem[0x1000] = 0x55

	e := New(fakeISA{})
	fireCount := 0
	require.NoError(t, e.Install(proc, 0x1000, domain.BkptHandler{
		Func: func(domain.ProcessHandleIface, uint64, interface{}) (domain.BkptAction, error) {
			fireCount++
			return domain.ActionRun, nil
		},
	}))

	for i := 1; i <= 2; i++ {
		require.NoError(t, e.Trigger(proc, 0x1000))
		require.Equal(t, byte(0x55), proc.mem[0x1000], "iteration %d: original instruction must be live during the step", i)
		require.Equal(t, uint64(0x1000), e.StepCursor(), "iteration %d: step cursor must be armed", i)

		require.NoError(t, e.ResumeStepCursor(proc))
		require.Equal(t, byte(0xCC), proc.mem[0x1000], "iteration %d: breakpoint must be re-armed", i)
		require.Equal(t, uint64(0), e.StepCursor())
	}

	require.Equal(t, 2, fireCount)
	require.Equal(t, 2, proc.singleStep)
	require.True(t, e.Has(0x1000))
}

func TestInstallReplacesHandlerOnReentry(t *testing.T) {
	proc := newFakeProc()
	e := New(fakeISA{})

	calls := 0
	require.NoError(t, e.Install(proc, 0x2000, domain.BkptHandler{
		Func: func(domain.ProcessHandleIface, uint64, interface{}) (domain.BkptAction, error) {
			calls = 1
			return domain.ActionRun, nil
		},
	}))
	require.NoError(t, e.Install(proc, 0x2000, domain.BkptHandler{
		Func: func(domain.ProcessHandleIface, uint64, interface{}) (domain.BkptAction, error) {
			calls = 2
			return domain.ActionRun, nil
		},
	}))

	require.NoError(t, e.Trigger(proc, 0x2000))
	require.Equal(t, 2, calls)
}

func TestActionStopSetsHaltedAt(t *testing.T) {
	proc := newFakeProc()
	e := New(fakeISA{})

	require.NoError(t, e.Install(proc, 0x3000, domain.BkptHandler{
		Func: func(domain.ProcessHandleIface, uint64, interface{}) (domain.BkptAction, error) {
			return domain.ActionStop, nil
		},
	}))

	require.NoError(t, e.Trigger(proc, 0x3000))
	require.Equal(t, uint64(0x3000), e.HaltedAt())
	require.Equal(t, 0, proc.singleStep)

	require.NoError(t, e.Continue(proc))
	require.Equal(t, uint64(0), e.HaltedAt())
	require.Equal(t, 1, proc.singleStep)
}

func TestRemoveDuringHandlerDefersCleanup(t *testing.T) {
	proc := newFakeProc()
	proc.mem[0x4000] = 0x90

	e := New(fakeISA{})
	require.NoError(t, e.Install(proc, 0x4000, domain.BkptHandler{
		Func: func(domain.ProcessHandleIface, uint64, interface{}) (domain.BkptAction, error) {
			require.NoError(t, e.Remove(proc, 0x4000))
			require.True(t, e.Has(0x4000), "removal must be deferred while inHandler")
			return domain.ActionRun, nil
		},
	}))

	require.NoError(t, e.Trigger(proc, 0x4000))
	require.False(t, e.Has(0x4000))
}

func TestClearRemovesEverythingWithoutTouchingMemory(t *testing.T) {
	proc := newFakeProc()
	proc.mem[0x5000] = 0x90

	e := New(fakeISA{})
	require.NoError(t, e.Install(proc, 0x5000, domain.BkptHandler{}))
	require.Equal(t, byte(0xCC), proc.mem[0x5000])

	e.Clear()
	require.False(t, e.Has(0x5000))
	require.Equal(t, byte(0xCC), proc.mem[0x5000], "Clear must not touch target memory")
}

func TestLenCountsOnlyRealBreakpoints(t *testing.T) {
	proc := newFakeProc()
	e := New(fakeISA{})
	require.NoError(t, e.Install(proc, 0x6000, domain.BkptHandler{}))
	require.NoError(t, e.Install(proc, 0x6100, domain.BkptHandler{}))
	require.Equal(t, 2, e.Len())
}
