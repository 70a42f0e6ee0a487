package fs

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestEnsureSecureDirIsIdempotent(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "data")

	first := EnsureSecureDir(dir)
	require.Equal(t, dir, first)

	second := EnsureSecureDir(dir)
	require.Equal(t, first, second)

	ok, err := PathExists(dir)
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = PathExists(filepath.Join(dir, "missing"))
	require.NoError(t, err)
	require.False(t, ok)
}

func TestNewSecureFileIsListedAndFound(t *testing.T) {
	dir := EnsureSecureDir(filepath.Join(t.TempDir(), "keys"))
	filePath := filepath.Join(dir, "network_keypair")

	f, err := NewSecureFile(filePath)
	require.NoError(t, err)
	require.NotNil(t, f)
	defer f.Close()

	info, err := f.Stat()
	require.NoError(t, err)
	require.Equal(t, os.FileMode(secureFilePerm), info.Mode().Perm())

	files, err := ListFiles(dir)
	require.NoError(t, err)
	require.Contains(t, files, filePath)
	require.True(t, HasFile(dir, filePath))
	require.False(t, HasDir(dir, filePath))
}

func TestCopyTreeRecreatesDirsAndFiles(t *testing.T) {
	src := EnsureSecureDir(filepath.Join(t.TempDir(), "src"))
	nested := EnsureSecureDir(filepath.Join(src, "nested"))
	require.NoError(t, os.WriteFile(filepath.Join(src, "a"), []byte("a"), 0600))
	require.NoError(t, os.WriteFile(filepath.Join(nested, "b"), []byte("b"), 0600))

	dst := filepath.Join(t.TempDir(), "dst")
	EnsureSecureDir(dst)
	require.NoError(t, CopyTree(src, dst))

	require.True(t, HasDir(dst, filepath.Join(dst, "nested")))
	require.True(t, HasFile(dst, filepath.Join(dst, "a")))
	require.True(t, HasFile(filepath.Join(dst, "nested"), filepath.Join(dst, "nested", "b")))

	got, err := os.ReadFile(filepath.Join(dst, "a"))
	require.NoError(t, err)
	require.Equal(t, "a", string(got))
}
