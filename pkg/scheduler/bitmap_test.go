package scheduler

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestBitmapSetIsSetDone(t *testing.T) {
	b := NewBitmap(10)
	require.False(t, b.IsSet(3))
	require.Equal(t, 0, b.Done())

	b.Set(3)
	b.Set(7)
	require.True(t, b.IsSet(3))
	require.True(t, b.IsSet(7))
	require.False(t, b.IsSet(0))
	require.Equal(t, 2, b.Done())
	require.False(t, b.Complete())
}

func TestBitmapCompleteWhenAllSet(t *testing.T) {
	b := NewBitmap(4)
	for i := uint32(0); i < 4; i++ {
		b.Set(i)
	}
	require.True(t, b.Complete())
}

func TestBitmapSaveLoadRoundTrip(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "chunks_done.bits")

	b := NewBitmap(20)
	b.Set(0)
	b.Set(19)
	b.Set(5)
	require.NoError(t, b.Save(path))

	loaded, err := LoadBitmap(path, 20)
	require.NoError(t, err)
	require.True(t, loaded.IsSet(0))
	require.True(t, loaded.IsSet(19))
	require.True(t, loaded.IsSet(5))
	require.False(t, loaded.IsSet(1))
	require.Equal(t, 3, loaded.Done())
}

func TestLoadBitmapMissingFileReturnsCleared(t *testing.T) {
	dir := t.TempDir()
	b, err := LoadBitmap(filepath.Join(dir, "absent.bits"), 8)
	require.NoError(t, err)
	require.Equal(t, 0, b.Done())
}

func TestLoadBitmapSizeMismatchTreatedAsAbsent(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "chunks_done.bits")

	old := NewBitmap(8)
	old.Set(0)
	require.NoError(t, old.Save(path))

	// Manifest grew, changing the expected byte length: the stale file
	// must not be misread as completion state for the new chunk count.
	loaded, err := LoadBitmap(path, 100)
	require.NoError(t, err)
	require.Equal(t, 0, loaded.Done())
}

func TestBitmapClear(t *testing.T) {
	b := NewBitmap(5)
	b.Set(1)
	b.Set(2)
	b.Clear()
	require.Equal(t, 0, b.Done())
}
