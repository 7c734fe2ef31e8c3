package sdt

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/nestybox/tracecore/domain"
)

func TestKverInRangeUnbounded(t *testing.T) {
	require.True(t, kverInRange(5, 10, [2]int{}, [2]int{}))
}

func TestKverInRangeRespectsBounds(t *testing.T) {
	lo := [2]int{4, 15}
	hi := [2]int{5, 10}
	require.False(t, kverInRange(4, 10, lo, hi))
	require.True(t, kverInRange(4, 15, lo, hi))
	require.True(t, kverInRange(5, 0, lo, hi))
	require.False(t, kverInRange(5, 11, lo, hi))
}

func TestRemoveProbe(t *testing.T) {
	a := &domain.Probe{}
	b := &domain.Probe{}
	out := removeProbe([]*domain.Probe{a, b}, a)
	require.Equal(t, []*domain.Probe{b}, out)
}
