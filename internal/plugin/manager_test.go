package plugin

import (
	"archive/tar"
	"context"
	"crypto/sha1"
	"encoding/hex"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/klauspost/compress/gzip"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestManager(t *testing.T, server string) *Manager {
	t.Helper()
	m, err := NewManager(Config{
		PluginsDir: filepath.Join(t.TempDir(), "plugins"),
		CacheDir:   filepath.Join(t.TempDir(), "cache"),
		Server:     server,
	}, discardLogger())
	require.NoError(t, err)
	t.Cleanup(m.Close)
	return m
}

// buildPackage returns the bytes of a tar.gz containing a single
// plugin-info file, plus its sha1 hex sum.
func buildPackage(t *testing.T) ([]byte, string) {
	t.Helper()
	var buf bufferWriter
	gz := gzip.NewWriter(&buf)
	tw := tar.NewWriter(gz)
	content := []byte(`{"version":"1.0","description":"test plugin"}`)
	require.NoError(t, tw.WriteHeader(&tar.Header{Name: InfoFilename, Mode: 0o644, Size: int64(len(content))}))
	_, err := tw.Write(content)
	require.NoError(t, err)
	require.NoError(t, tw.Close())
	require.NoError(t, gz.Close())

	sum := sha1.Sum(buf.data)
	return buf.data, hex.EncodeToString(sum[:])
}

type bufferWriter struct{ data []byte }

func (b *bufferWriter) Write(p []byte) (int, error) {
	b.data = append(b.data, p...)
	return len(p), nil
}

func TestRefreshInstallableAndInstall(t *testing.T) {
	pkgBytes, sha1sum := buildPackage(t)

	mux := http.NewServeMux()
	mux.HandleFunc("/plugins.db", func(w http.ResponseWriter, r *http.Request) {
		index := map[string]map[string]any{
			"demo-plugin": {
				"filename": "demo-plugin.tar.gz",
				"version":  "1.0",
				"dsize":    len(pkgBytes),
				"sha1sum":  sha1sum,
			},
		}
		require.NoError(t, json.NewEncoder(w).Encode(index))
	})
	mux.HandleFunc("/demo-plugin.tar.gz", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write(pkgBytes)
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)

	m := newTestManager(t, srv.URL)

	ctx := context.Background()
	require.NoError(t, m.RefreshInstallable(ctx))

	installable := m.Installable()
	require.Contains(t, installable, "demo-plugin")

	oip, err := m.Install(ctx, "demo-plugin")
	require.NoError(t, err)
	require.NotNil(t, oip)

	require.Eventually(t, func() bool {
		return oip.Snapshot().State == OIPSuccess || oip.Snapshot().State == OIPFail
	}, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, OIPSuccess, oip.Snapshot().State)

	installed, err := m.ListInstalled()
	require.NoError(t, err)
	assert.Contains(t, installed, "demo-plugin")
}

func TestInstallRejectsConcurrentSameID(t *testing.T) {
	pkgBytes, sha1sum := buildPackage(t)

	mux := http.NewServeMux()
	mux.HandleFunc("/plugins.db", func(w http.ResponseWriter, r *http.Request) {
		index := map[string]map[string]any{
			"demo-plugin": {"filename": "demo-plugin.tar.gz", "version": "1.0", "dsize": len(pkgBytes), "sha1sum": sha1sum},
		}
		require.NoError(t, json.NewEncoder(w).Encode(index))
	})
	mux.HandleFunc("/demo-plugin.tar.gz", func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(50 * time.Millisecond)
		_, _ = w.Write(pkgBytes)
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)

	m := newTestManager(t, srv.URL)
	ctx := context.Background()
	require.NoError(t, m.RefreshInstallable(ctx))

	first, err := m.Install(ctx, "demo-plugin")
	require.NoError(t, err)

	_, err = m.Install(ctx, "demo-plugin")
	assert.ErrorIs(t, err, ErrAlreadyInstalling)

	require.Eventually(t, func() bool {
		return first.Snapshot().State == OIPSuccess || first.Snapshot().State == OIPFail
	}, 2*time.Second, 10*time.Millisecond)
}

func TestInstallUnknownIDFails(t *testing.T) {
	m := newTestManager(t, "http://unused.invalid")
	_, err := m.Install(context.Background(), "nope")
	assert.ErrorIs(t, err, ErrNotInstallable)
}

func TestUninstallRejectsWhileLoaded(t *testing.T) {
	m := newTestManager(t, "http://unused.invalid")

	dir := filepath.Join(m.pluginsDir, "loaded-plugin")
	require.NoError(t, os.MkdirAll(dir, 0o755))

	m.mu.Lock()
	m.loaded["loaded-plugin"] = nil
	m.mu.Unlock()

	err := m.Uninstall("loaded-plugin")
	assert.ErrorIs(t, err, ErrPluginLoaded)
}

func TestUnloadUnknownFails(t *testing.T) {
	m := newTestManager(t, "http://unused.invalid")
	err := m.Unload("nope")
	assert.Error(t, err)
}
