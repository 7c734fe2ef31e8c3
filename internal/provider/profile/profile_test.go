package profile

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestParseFrequencyMilliseconds(t *testing.T) {
	hz, err := parseFrequency("profile-10ms")
	require.NoError(t, err)
	require.Equal(t, uint64(100), hz)
}

func TestParseFrequencyRaw(t *testing.T) {
	hz, err := parseFrequency("profile-997")
	require.NoError(t, err)
	require.Equal(t, uint64(997), hz)
}

func TestParseFrequencyRejectsMissingPrefix(t *testing.T) {
	_, err := parseFrequency("tick-997")
	require.Error(t, err)
}

func TestParseFrequencyRejectsZeroPeriod(t *testing.T) {
	_, err := parseFrequency("profile-0ms")
	require.Error(t, err)
}
