package property

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestParseBindList(t *testing.T) {
	binds, err := ParseBindList([]string{"/host/a /ct/a", "/host/b /ct/b ro", "/host/c /ct/c rw"})
	require.NoError(t, err)
	require.Equal(t, []BindMount{
		{Source: "/host/a", Dest: "/ct/a"},
		{Source: "/host/b", Dest: "/ct/b", ReadOnly: true},
		{Source: "/host/c", Dest: "/ct/c"},
	}, binds)
}

func TestParseBindListRejectsMalformedLine(t *testing.T) {
	_, err := ParseBindList([]string{"/host/a"})
	require.Error(t, err)

	_, err = ParseBindList([]string{"/host/a /ct/a bogus"})
	require.Error(t, err)
}
