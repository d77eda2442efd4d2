package container

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/portod/portod/internal/cstate"
	"github.com/portod/portod/internal/property"
)

func newTestRegistry() *property.Registry {
	reg := property.NewRegistry()
	property.Declare(reg)
	return reg
}

func TestStartWithNoCommandGoesMeta(t *testing.T) {
	reg := newTestRegistry()
	c := New(reg, 1, "p", nil, Credentials{Privileged: true}, t.TempDir())

	require.NoError(t, c.Start())
	require.Equal(t, cstate.Meta, c.State())
}

func TestStartTwiceIsInvalidState(t *testing.T) {
	reg := newTestRegistry()
	c := New(reg, 1, "p", nil, Credentials{Privileged: true}, t.TempDir())

	require.NoError(t, c.Start())
	err := c.Start()
	require.Error(t, err)
}

func TestPauseResumeCascadeOverMeta(t *testing.T) {
	reg := newTestRegistry()
	parent := New(reg, 1, "p", nil, Credentials{Privileged: true}, t.TempDir())
	child := New(reg, 2, "p/c", parent, Credentials{Privileged: true}, t.TempDir())
	parent.children = append(parent.children, child)

	require.NoError(t, parent.Start())
	require.NoError(t, child.Start())

	require.NoError(t, parent.Pause())
	require.Equal(t, cstate.Paused, child.State())

	err := child.Resume()
	require.Error(t, err)

	require.NoError(t, parent.Resume())
	require.Equal(t, cstate.Running, child.State())
}

// TestHierarchicalMemoryLimitRejection is scenario S2: a child's
// memory_limit may not exceed its parent's.
func TestHierarchicalMemoryLimitRejection(t *testing.T) {
	reg := newTestRegistry()
	parent := New(reg, 1, "p", nil, Credentials{Privileged: true}, t.TempDir())
	child := New(reg, 2, "p/c", parent, Credentials{Privileged: true}, t.TempDir())
	parent.children = append(parent.children, child)

	require.NoError(t, parent.Properties().Set(property.Caller{Privileged: true}, "memory_limit", "104857600"))

	err := child.Properties().Set(property.Caller{Privileged: true}, "memory_limit", "209715200")
	require.Error(t, err)
	require.Contains(t, err.Error(), "invalid hierarchical value")
}

func TestWaitReturnsImmediatelyOnCurrentState(t *testing.T) {
	reg := newTestRegistry()
	c := New(reg, 1, "p", nil, Credentials{Privileged: true}, t.TempDir())

	state, ok := c.Wait(nil, 0)
	require.True(t, ok)
	require.Equal(t, cstate.Stopped, state)
}

// TestMemoryGuaranteeRejectsPastHostReserve exercises the resolved
// "does memory_guarantee check against the live host total" Open
// Question: with the host total pinned low, a guarantee that would
// leave less than the configured reserve is rejected.
func TestMemoryGuaranteeRejectsPastHostReserve(t *testing.T) {
	property.SetHostMemoryReserve(func() (uint64, error) { return 100, nil }, 10)
	defer property.SetHostMemoryReserve(nil, 0)

	reg := newTestRegistry()
	c := New(reg, 1, "p", nil, Credentials{Privileged: true}, t.TempDir())

	require.NoError(t, c.Properties().Set(property.Caller{Privileged: true}, "memory_guarantee", "80"))

	err := c.Properties().Set(property.Caller{Privileged: true}, "memory_guarantee", "95")
	require.Error(t, err)
	require.Contains(t, err.Error(), "can't guarantee")
}

// TestMetaGoesDeadWhenLastChildExits is scenario S4.6: a task-less
// Meta container whose only child has exited follows it to Dead.
func TestMetaGoesDeadWhenLastChildExits(t *testing.T) {
	reg := newTestRegistry()
	parent := New(reg, 1, "p", nil, Credentials{Privileged: true}, t.TempDir())
	child := New(reg, 2, "p/c", parent, Credentials{Privileged: true}, t.TempDir())
	parent.children = append(parent.children, child)

	require.NoError(t, parent.Start())
	require.NoError(t, child.Start())
	require.Equal(t, cstate.Meta, parent.State())

	child.mu.Lock()
	child.setState(cstate.Dead)
	child.mu.Unlock()

	parent.onChildDead()
	require.Equal(t, cstate.Dead, parent.State())
}
