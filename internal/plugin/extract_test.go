package plugin

import (
	"archive/tar"
	"crypto/sha1"
	"encoding/hex"
	"os"
	"path/filepath"
	"testing"

	"github.com/klauspost/compress/gzip"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func buildTarGz(t *testing.T, files map[string]string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "pkg.tar.gz")

	f, err := os.Create(path)
	require.NoError(t, err)
	defer f.Close()

	gz := gzip.NewWriter(f)
	tw := tar.NewWriter(gz)
	for name, content := range files {
		hdr := &tar.Header{Name: name, Mode: 0o644, Size: int64(len(content))}
		require.NoError(t, tw.WriteHeader(hdr))
		_, err := tw.Write([]byte(content))
		require.NoError(t, err)
	}
	require.NoError(t, tw.Close())
	require.NoError(t, gz.Close())
	return path
}

func TestExtractTarGzWritesTree(t *testing.T) {
	archive := buildTarGz(t, map[string]string{
		"plugin-info":  `{"version":"1.0"}`,
		"entry.so":     "binary-stub",
		"var/data.txt": "hello",
	})

	root := t.TempDir()
	destDir := filepath.Join(root, "myplugin")

	require.NoError(t, extractTarGz(archive, destDir, nil))

	info, err := os.ReadFile(filepath.Join(destDir, "plugin-info"))
	require.NoError(t, err)
	assert.Equal(t, `{"version":"1.0"}`, string(info))

	data, err := os.ReadFile(filepath.Join(destDir, "var/data.txt"))
	require.NoError(t, err)
	assert.Equal(t, "hello", string(data))

	// no leftover temp siblings
	entries, err := os.ReadDir(root)
	require.NoError(t, err)
	assert.Len(t, entries, 1)
	assert.Equal(t, "myplugin", entries[0].Name())
}

func TestExtractTarGzRejectsPathEscape(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "evil.tar.gz")

	f, err := os.Create(path)
	require.NoError(t, err)
	gz := gzip.NewWriter(f)
	tw := tar.NewWriter(gz)
	content := []byte("pwn")
	require.NoError(t, tw.WriteHeader(&tar.Header{Name: "../../escape.txt", Mode: 0o644, Size: int64(len(content))}))
	_, err = tw.Write(content)
	require.NoError(t, err)
	require.NoError(t, tw.Close())
	require.NoError(t, gz.Close())
	require.NoError(t, f.Close())

	root := t.TempDir()
	destDir := filepath.Join(root, "target")
	err = extractTarGz(path, destDir, nil)
	assert.Error(t, err)

	_, statErr := os.Stat(destDir)
	assert.True(t, os.IsNotExist(statErr))
}

func TestExtractTarGzUpgradeReplacesExisting(t *testing.T) {
	root := t.TempDir()
	destDir := filepath.Join(root, "myplugin")
	require.NoError(t, os.MkdirAll(destDir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(destDir, "stale.txt"), []byte("old"), 0o644))

	archive := buildTarGz(t, map[string]string{"plugin-info": `{"version":"2.0"}`})
	require.NoError(t, extractTarGz(archive, destDir, nil))

	_, err := os.Stat(filepath.Join(destDir, "stale.txt"))
	assert.True(t, os.IsNotExist(err))

	info, err := os.ReadFile(filepath.Join(destDir, "plugin-info"))
	require.NoError(t, err)
	assert.Contains(t, string(info), "2.0")
}

func TestSHA1VerifyRoundTrip(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "f.bin")
	content := []byte("the quick brown fox")
	require.NoError(t, os.WriteFile(path, content, 0o644))

	hash := sha1.Sum(content)
	want := hex.EncodeToString(hash[:])

	ok, err := verifySHA1File(path, want)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = verifySHA1File(path, "0000000000000000000000000000000000000")
	require.NoError(t, err)
	assert.False(t, ok)
}
