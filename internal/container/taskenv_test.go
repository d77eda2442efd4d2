package container

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/portod/portod/internal/property"
	"github.com/portod/portod/internal/task"
)

func TestBuildMountsResolvesBindProperty(t *testing.T) {
	reg := newTestRegistry()
	c := New(reg, 1, "p", nil, Credentials{Privileged: true}, t.TempDir())

	require.NoError(t, c.Properties().Set(property.Caller{Privileged: true}, "bind", "/host/a /ct/a ro;/host/b /ct/b"))

	require.Equal(t, []task.Mount{
		{Source: "/host/a", Dest: "/ct/a", ReadOnly: true},
		{Source: "/host/b", Dest: "/ct/b"},
	}, c.buildMounts())
}
