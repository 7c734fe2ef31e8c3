package mapcache

import (
	"os"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/nestybox/tracecore/domain"
)

func TestRefreshOwnMaps(t *testing.T) {
	c := New(os.Getpid())

	all, err := c.All()
	require.NoError(t, err)
	require.NotEmpty(t, all)

	for i := 1; i < len(all); i++ {
		require.LessOrEqual(t, all[i-1].Start, all[i].Start, "mappings must be sorted by start address")
	}
}

func TestByAddrFindsContainingMapping(t *testing.T) {
	c := New(os.Getpid())

	all, err := c.All()
	require.NoError(t, err)
	require.NotEmpty(t, all)

	mid := all[0].Start + all[0].Size/2
	m, err := c.ByAddr(mid)
	require.NoError(t, err)
	require.NotNil(t, m)
	require.True(t, m.Contains(mid))
}

func TestByAddrOutsideAnyMappingReturnsNil(t *testing.T) {
	c := New(os.Getpid())

	m, err := c.ByAddr(^uint64(0))
	require.NoError(t, err)
	require.Nil(t, m)
}

func TestInvalidateForcesRebuild(t *testing.T) {
	c := New(os.Getpid())

	first, err := c.All()
	require.NoError(t, err)
	require.NotEmpty(t, first)

	c.Invalidate()
	require.False(t, c.valid)

	second, err := c.All()
	require.NoError(t, err)
	require.NotEmpty(t, second)
}

func TestParseMapsLineWithPath(t *testing.T) {
	line := "00400000-00452000 r-xp 00000000 08:02 173521      /usr/bin/foo"

	m, id, err := parseMapsLine(line)
	require.NoError(t, err)
	require.Equal(t, uint64(0x00400000), m.Start)
	require.Equal(t, uint64(0x00452000-0x00400000), m.Size)
	require.Equal(t, domain.Perm(domain.PermRead|domain.PermExec), m.Perms)
	require.Equal(t, "/usr/bin/foo", m.Path)
	require.Equal(t, uint64(173521), id.inode)
}

func TestParseMapsLineAnonymous(t *testing.T) {
	line := "7f1234500000-7f1234521000 rw-p 00000000 00:00 0"

	m, _, err := parseMapsLine(line)
	require.NoError(t, err)
	require.Equal(t, "", m.Path)
	require.Equal(t, domain.Perm(domain.PermRead|domain.PermWrite), m.Perms)
}
