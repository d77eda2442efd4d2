package cgroup

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

// newTestHandle builds a Handle rooted at a scratch directory,
// bypassing Discover() the way the teacher's cgroupTestUtil
// (cgroups/fs/util_test.go) bypassed the real mount table.
func newTestHandle(t *testing.T, controller string) *Handle {
	t.Helper()
	mp := t.TempDir()
	h := &Handle{controller: controller, mountpoint: mp, path: filepath.Join(PortoSegment, "test", "leaf")}
	require.NoError(t, h.Create())
	return h
}

func TestHandleKnobRoundTrip(t *testing.T) {
	h := newTestHandle(t, "memory")
	require.False(t, h.HasKnob("memory.limit_in_bytes"))
	require.NoError(t, os.WriteFile(filepath.Join(h.FullPath(), "memory.limit_in_bytes"), []byte("0\n"), 0644))
	require.True(t, h.HasKnob("memory.limit_in_bytes"))

	require.NoError(t, h.SetKnob("memory.limit_in_bytes", "104857600", false))
	v, err := h.GetKnob("memory.limit_in_bytes")
	require.NoError(t, err)
	require.Equal(t, "104857600", v)
}

func TestHandleRemoveNonEmptyFails(t *testing.T) {
	h := newTestHandle(t, "freezer")
	// Directories aren't actually busy like a real cgroup with live
	// tasks, so populate it to reproduce ENOTEMPTY instead — the
	// classification in isBusy only special-cases EBUSY text; this
	// confirms Remove still errors rather than silently succeeding.
	require.NoError(t, os.WriteFile(filepath.Join(h.FullPath(), "cgroup.procs"), []byte("1\n"), 0644))
	err := h.Remove()
	require.Error(t, err)
}

func TestGetProcessesParsesList(t *testing.T) {
	h := newTestHandle(t, "freezer")
	require.NoError(t, os.WriteFile(filepath.Join(h.FullPath(), "cgroup.procs"), []byte("10\n20\n\n30\n"), 0644))
	pids, err := h.GetProcesses()
	require.NoError(t, err)
	require.Equal(t, []int{10, 20, 30}, pids)
}

func TestIsEmpty(t *testing.T) {
	h := newTestHandle(t, "freezer")
	require.NoError(t, os.WriteFile(filepath.Join(h.FullPath(), "cgroup.procs"), []byte(""), 0644))
	empty, err := h.IsEmpty()
	require.NoError(t, err)
	require.True(t, empty)
}
