package kvstore

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestAppendLastWriteWins(t *testing.T) {
	dir := t.TempDir()
	s, err := Open(dir)
	require.NoError(t, err)

	require.NoError(t, s.Append(1, map[string]string{"command": "/bin/true", "cwd": "/"}))
	require.NoError(t, s.Append(1, map[string]string{"command": "/bin/false"}))

	pairs, err := s.Load(1)
	require.NoError(t, err)
	require.Equal(t, "/bin/false", pairs["command"])
	require.Equal(t, "/", pairs["cwd"])
}

func TestSaveReplacesWholeFile(t *testing.T) {
	dir := t.TempDir()
	s, err := Open(dir)
	require.NoError(t, err)

	require.NoError(t, s.Append(2, map[string]string{"a": "1", "b": "2"}))
	require.NoError(t, s.Save(2, map[string]string{"b": "3"}))

	pairs, err := s.Load(2)
	require.NoError(t, err)
	require.Equal(t, map[string]string{"b": "3"}, pairs)
}

func TestLoadMissingIsEmpty(t *testing.T) {
	dir := t.TempDir()
	s, err := Open(dir)
	require.NoError(t, err)

	pairs, err := s.Load(99)
	require.NoError(t, err)
	require.Empty(t, pairs)
}

func TestRemoveAndList(t *testing.T) {
	dir := t.TempDir()
	s, err := Open(dir)
	require.NoError(t, err)

	require.NoError(t, s.Append(1, map[string]string{"a": "1"}))
	require.NoError(t, s.Append(3, map[string]string{"a": "1"}))
	require.NoError(t, s.Append(2, map[string]string{"a": "1"}))

	ids, err := s.List()
	require.NoError(t, err)
	require.Equal(t, []uint64{1, 2, 3}, ids)

	require.NoError(t, s.Remove(2))
	ids, err = s.List()
	require.NoError(t, err)
	require.Equal(t, []uint64{1, 3}, ids)
}

func TestLoadCorruptRecordWrapsErrCorrupt(t *testing.T) {
	dir := t.TempDir()
	s, err := Open(dir)
	require.NoError(t, err)

	require.NoError(t, os.WriteFile(filepath.Join(dir, "4"), []byte{0xff, 0xff, 0xff}, 0600))

	_, err = s.Load(4)
	require.Error(t, err)
	require.True(t, errors.Is(err, ErrCorrupt))
}
