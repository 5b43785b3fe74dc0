package contentstore

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestPutIsIdempotent(t *testing.T) {
	dir := t.TempDir()
	store, err := New(dir)
	require.NoError(t, err)

	payload := []byte("hello cube")
	hash1, path1, err := store.Put(FamilyCube, payload)
	require.NoError(t, err)

	hash2, path2, err := store.Put(FamilyCube, payload)
	require.NoError(t, err)

	require.Equal(t, hash1, hash2)
	require.Equal(t, path1, path2)

	entries, err := os.ReadDir(filepath.Dir(path1))
	require.NoError(t, err)
	require.Len(t, entries, 1)
}

func TestVerifyDetectsMismatch(t *testing.T) {
	dir := t.TempDir()
	store, err := New(dir)
	require.NoError(t, err)

	hash, path, err := store.Put(FamilySpine, []byte("spine snapshot"))
	require.NoError(t, err)

	ok, err := store.Verify(path, hash)
	require.NoError(t, err)
	require.True(t, ok)

	require.NoError(t, os.WriteFile(path, []byte("corrupted"), 0o644))

	ok, err = store.Verify(path, hash)
	require.NoError(t, err)
	require.False(t, ok)
}

func TestVerifyMissingFile(t *testing.T) {
	dir := t.TempDir()
	store, err := New(dir)
	require.NoError(t, err)

	_, err = store.Verify(filepath.Join(dir, "nope.json"), "deadbeefcafe")
	require.Error(t, err)
}
