package cpc

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestParseEventSpecWithPeriod(t *testing.T) {
	event, period, err := parseEventSpec("cache-misses-50000")
	require.NoError(t, err)
	require.Equal(t, "cache-misses", event)
	require.Equal(t, uint64(50000), period)
}

func TestParseEventSpecDefaultPeriod(t *testing.T) {
	event, period, err := parseEventSpec("cycles")
	require.NoError(t, err)
	require.Equal(t, "cycles", event)
	require.Equal(t, uint64(100000), period)
}
