package holder

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/portod/portod/internal/container"
	"github.com/portod/portod/internal/kvstore"
	"github.com/portod/portod/internal/property"
)

func newTestHolder(t *testing.T) (*Holder, *kvstore.Store) {
	reg := property.NewRegistry()
	property.Declare(reg)
	store, err := kvstore.Open(t.TempDir())
	require.NoError(t, err)
	h := New(reg, store, nil, nil, nil, t.TempDir())
	return h, store
}

func TestCreateAndGet(t *testing.T) {
	h, _ := newTestHolder(t)

	c, err := h.Create("a", container.Credentials{})
	require.NoError(t, err)
	require.Equal(t, "a", c.Name())

	got, err := h.Get("a")
	require.NoError(t, err)
	require.Same(t, c, got)

	gotByID, err := h.GetByID(c.ID())
	require.NoError(t, err)
	require.Same(t, c, gotByID)
}

func TestCreateDuplicateNameFails(t *testing.T) {
	h, _ := newTestHolder(t)

	_, err := h.Create("a", container.Credentials{})
	require.NoError(t, err)
	_, err = h.Create("a", container.Credentials{})
	require.Error(t, err)
}

func TestCreateMissingParentFails(t *testing.T) {
	h, _ := newTestHolder(t)

	_, err := h.Create("a/b", container.Credentials{})
	require.Error(t, err)
}

func TestCreateNestedChildIsAddedToParent(t *testing.T) {
	h, _ := newTestHolder(t)

	parent, err := h.Create("a", container.Credentials{})
	require.NoError(t, err)
	child, err := h.Create("a/b", container.Credentials{})
	require.NoError(t, err)

	require.Len(t, parent.Children(), 1)
	require.Same(t, child, parent.Children()[0].(*container.Container))
}

func TestListOrderedByDepthThenName(t *testing.T) {
	h, _ := newTestHolder(t)

	_, err := h.Create("b", container.Credentials{})
	require.NoError(t, err)
	_, err = h.Create("a", container.Credentials{})
	require.NoError(t, err)
	_, err = h.Create("a/c", container.Credentials{})
	require.NoError(t, err)

	require.Equal(t, []string{"a", "b", "/", "/porto", "a/c"}, h.List())
}

func TestDestroyRemovesFromTableAndStore(t *testing.T) {
	h, store := newTestHolder(t)

	c, err := h.Create("a", container.Credentials{})
	require.NoError(t, err)
	id := c.ID()

	require.NoError(t, h.Destroy("a"))

	_, err = h.Get("a")
	require.Error(t, err)

	pairs, err := store.Load(id)
	require.NoError(t, err)
	require.Empty(t, pairs)
}

func TestRestoreRecoversNameAndProperties(t *testing.T) {
	reg := property.NewRegistry()
	property.Declare(reg)
	dir := t.TempDir()
	store, err := kvstore.Open(dir)
	require.NoError(t, err)

	h := New(reg, store, nil, nil, nil, t.TempDir())
	c, err := h.Create("a", container.Credentials{Privileged: true})
	require.NoError(t, err)
	require.NoError(t, c.Properties().Set(property.Caller{Privileged: true}, "command", "/bin/true"))

	store2, err := kvstore.Open(dir)
	require.NoError(t, err)
	h2 := New(reg, store2, nil, nil, nil, t.TempDir())
	require.NoError(t, h2.Restore())

	restored, err := h2.Get("a")
	require.NoError(t, err)
	v, err := restored.Properties().Get("command")
	require.NoError(t, err)
	require.Equal(t, "/bin/true", v.S)
}

func TestRestoreMarksOrphanAsLost(t *testing.T) {
	reg := property.NewRegistry()
	property.Declare(reg)
	dir := t.TempDir()
	store, err := kvstore.Open(dir)
	require.NoError(t, err)

	require.NoError(t, store.Append(5, map[string]string{"raw_name": "gone/orphan"}))

	h := New(reg, store, nil, nil, nil, t.TempDir())
	require.NoError(t, h.Restore())

	c, err := h.GetByID(5)
	require.NoError(t, err)
	require.Error(t, c.Start())
}

func TestRestoreFailsFatallyOnCorruptRecord(t *testing.T) {
	reg := property.NewRegistry()
	property.Declare(reg)
	dir := t.TempDir()
	store, err := kvstore.Open(dir)
	require.NoError(t, err)

	require.NoError(t, os.WriteFile(filepath.Join(dir, "5"), []byte{0xff, 0xff, 0xff}, 0600))

	h := New(reg, store, nil, nil, nil, t.TempDir())
	require.Error(t, h.Restore())
}
