package pid

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestSplitObjectFunction(t *testing.T) {
	object, function, err := splitObjectFunction("/usr/lib/libfoo.so:foo_probe")
	require.NoError(t, err)
	require.Equal(t, "/usr/lib/libfoo.so", object)
	require.Equal(t, "foo_probe", function)
}

func TestSplitObjectFunctionRejectsMissingColon(t *testing.T) {
	_, _, err := splitObjectFunction("libfoo.so")
	require.Error(t, err)
}
