package main

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/nestybox/tracecore/domain"
)

func TestParseDescFullyQualified(t *testing.T) {
	desc, err := parseDesc("fbt:vmlinux:vfs_read:entry")
	require.NoError(t, err)
	require.Equal(t, domain.ProbeDesc{Provider: "fbt", Module: "vmlinux", Function: "vfs_read", Name: "entry"}, desc)
}

func TestParseDescWithWildcards(t *testing.T) {
	desc, err := parseDesc("fbt:::entry")
	require.NoError(t, err)
	require.Equal(t, "fbt", desc.Provider)
	require.Equal(t, "", desc.Module)
	require.Equal(t, "entry", desc.Name)
}
