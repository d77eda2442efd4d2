package rpc

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/portod/portod/internal/holder"
	"github.com/portod/portod/internal/kvstore"
	"github.com/portod/portod/internal/property"
)

func newTestAdapter(t *testing.T) *CoreAdapter {
	reg := property.NewRegistry()
	property.Declare(reg)
	store, err := kvstore.Open(t.TempDir())
	require.NoError(t, err)
	h := holder.New(reg, store, nil, nil, nil, t.TempDir())
	return NewCoreAdapter(h)
}

func TestAdapterCreateGetSetList(t *testing.T) {
	a := newTestAdapter(t)

	require.NoError(t, a.Create("box", Credentials{UID: 1000}, Credentials{UID: 1000}))
	require.NoError(t, a.Set("box", "command", "/bin/true", Credentials{UID: 1000}))

	v, err := a.Get("box", "command", Credentials{UID: 1000})
	require.NoError(t, err)
	require.Equal(t, "/bin/true", v)

	names, err := a.List()
	require.NoError(t, err)
	require.Contains(t, names, "box")
}

func TestAdapterGetDataReadsComputedState(t *testing.T) {
	a := newTestAdapter(t)
	require.NoError(t, a.Create("box", Credentials{}, Credentials{}))

	state, err := a.GetData("box", "state")
	require.NoError(t, err)
	require.Equal(t, "stopped", state)
}

func TestAdapterDestroyRemovesContainer(t *testing.T) {
	a := newTestAdapter(t)
	require.NoError(t, a.Create("box", Credentials{}, Credentials{}))
	require.NoError(t, a.Destroy("box"))

	_, err := a.Get("box", "command", Credentials{})
	require.Error(t, err)
}

func TestAdapterOperationsOnUnknownContainerFail(t *testing.T) {
	a := newTestAdapter(t)

	require.Error(t, a.Start("ghost"))
	require.Error(t, a.Stop("ghost"))
	require.Error(t, a.Pause("ghost"))
	require.Error(t, a.Resume("ghost"))
	require.Error(t, a.Kill("ghost", 9))
}

func TestAdapterWaitTimesOutWhenNoStateChange(t *testing.T) {
	a := newTestAdapter(t)
	require.NoError(t, a.Create("box", Credentials{}, Credentials{}))

	results, err := a.Wait([]string{"box"}, 20*time.Millisecond)
	require.NoError(t, err)
	require.Len(t, results, 1)
	require.Equal(t, "box", results[0].Name)
	require.True(t, results[0].TimedOut)
}

func TestAdapterWaitRejectsEmptyNames(t *testing.T) {
	a := newTestAdapter(t)
	_, err := a.Wait(nil, time.Millisecond)
	require.Error(t, err)
}

func TestAsErrorWrapsPlainError(t *testing.T) {
	a := newTestAdapter(t)
	err := a.Start("ghost")
	require.NotNil(t, err)

	wire := AsError(err)
	require.NotNil(t, wire)
	require.NotEmpty(t, wire.Kind)
	require.Equal(t, "ContainerDoesNotExist", wire.Kind)
}
