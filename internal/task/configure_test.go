package task

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestRlimitResourceKnownNames(t *testing.T) {
	for _, name := range []string{"nofile", "NOFILE", "nproc", "core", "as"} {
		_, ok := rlimitResource(name)
		require.True(t, ok, name)
	}
}

func TestRlimitResourceUnknown(t *testing.T) {
	_, ok := rlimitResource("bogus")
	require.False(t, ok)
}

func TestCapabilityByName(t *testing.T) {
	c, ok := capabilityByName("NET_ADMIN")
	require.True(t, ok)
	require.NotZero(t, c)

	_, ok = capabilityByName("not_a_cap")
	require.False(t, ok)
}

func TestHopsForMode(t *testing.T) {
	require.Equal(t, 1, HopsForMode(false, false))
	require.Equal(t, 2, HopsForMode(true, false))
	require.Equal(t, 3, HopsForMode(false, true))
	require.Equal(t, 3, HopsForMode(true, true))
}
