package trampoline

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/nestybox/tracecore/domain"
)

type fakeISA struct{ regsSize int }

func (f fakeISA) BkptInsn() []byte                              { return nil }
func (f fakeISA) RegsSize() int                                  { return f.regsSize }
func (f fakeISA) GetBkptIP(regs []byte) uint64                   { return 0 }
func (f fakeISA) ResetBkptIP(regs []byte, addr uint64)           {}
func (f fakeISA) GetNextIP(regs []byte, insn uint32) (uint64, bool) { return 0, false }
func (f fakeISA) ReadFirstArg(regs []byte) (uint64, error)       { return 0, nil }

func TestBuilderEmitsFbtEntrySequence(t *testing.T) {
	isa := fakeISA{regsSize: 27 * 8}
	b := NewBuilder(isa)
	b.Prologue().
		CopyRegArg(112, 0).
		CopyRegArg(96, 1).
		Call("clauses", 7).
		Epilogue()

	insn, err := b.Emit()
	require.NoError(t, err)
	require.NotEmpty(t, insn)
}

func TestBuilderRejectsOutOfRangeSlot(t *testing.T) {
	isa := fakeISA{regsSize: 27 * 8}
	b := NewBuilder(isa)
	b.Prologue().CopyRegArg(112, domain.ArgvSlots)

	_, err := b.Emit()
	require.Error(t, err)
}

func TestBuilderPredicateThenReject(t *testing.T) {
	isa := fakeISA{regsSize: 17 * 4}
	b := NewBuilder(isa)
	b.Prologue().
		Predicate("preds", 1).
		Reject()

	insn, err := b.Emit()
	require.NoError(t, err)
	require.NotEmpty(t, insn)
}
