package plugin

import (
	"archive/tar"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/renameio"
	"github.com/klauspost/compress/gzip"
)

// extractTarGz unpacks the gzip-compressed tarball at archivePath into a
// temporary sibling of destDir, then promotes it into place (spec §4.3:
// "extract to a temporary sibling then rename, or clean up on error" —
// "On any failure the partially-extracted tree must not be left behind").
// Each regular file inside the tree is itself written through renameio so
// a crash mid-file never leaves a truncated entry even within the
// temporary tree.
func extractTarGz(archivePath, destDir string, oip *OIP) error {
	f, err := os.Open(archivePath)
	if err != nil {
		return fmt.Errorf("plugin: extract %s: %w", archivePath, err)
	}
	defer f.Close()

	gz, err := gzip.NewReader(f)
	if err != nil {
		return fmt.Errorf("plugin: extract %s: %w", archivePath, err)
	}
	defer gz.Close()

	parent := filepath.Dir(destDir)
	if err := os.MkdirAll(parent, 0o755); err != nil {
		return fmt.Errorf("plugin: extract %s: %w", archivePath, err)
	}

	tmpDir, err := os.MkdirTemp(parent, ".extract-*")
	if err != nil {
		return fmt.Errorf("plugin: extract %s: %w", archivePath, err)
	}
	cleanupTmp := true
	defer func() {
		if cleanupTmp {
			os.RemoveAll(tmpDir)
		}
	}()

	tr := tar.NewReader(gz)
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return fmt.Errorf("plugin: extract %s: %w", archivePath, err)
		}
		if err := extractEntry(tmpDir, hdr, tr); err != nil {
			return fmt.Errorf("plugin: extract %s: %w", archivePath, err)
		}
	}
	if oip != nil {
		oip.setState(OIPProgress)
	}

	if err := promoteExtracted(tmpDir, destDir); err != nil {
		return fmt.Errorf("plugin: extract %s: %w", archivePath, err)
	}
	cleanupTmp = false
	return nil
}

func extractEntry(tmpDir string, hdr *tar.Header, tr *tar.Reader) error {
	target := filepath.Join(tmpDir, hdr.Name)
	if !withinDir(tmpDir, target) {
		return fmt.Errorf("tar entry escapes destination: %s", hdr.Name)
	}

	switch hdr.Typeflag {
	case tar.TypeDir:
		return os.MkdirAll(target, 0o755)
	case tar.TypeReg:
		if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
			return err
		}
		out, err := renameio.TempFile(filepath.Dir(target), target)
		if err != nil {
			return err
		}
		defer out.Cleanup()
		if _, err := io.Copy(out, tr); err != nil {
			return err
		}
		if err := out.Chmod(os.FileMode(hdr.Mode)); err != nil {
			return err
		}
		return out.CloseAtomicallyReplace()
	case tar.TypeSymlink:
		return os.Symlink(hdr.Linkname, target)
	default:
		return nil
	}
}

func withinDir(dir, target string) bool {
	clean := filepath.Clean(dir) + string(os.PathSeparator)
	return strings.HasPrefix(filepath.Clean(target)+string(os.PathSeparator), clean)
}

// promoteExtracted swaps a freshly-extracted temp tree into destDir. The
// remove-then-rename gap is not itself atomic, but its only failure mode
// leaves destDir absent — a legal "absent" plugin state that a retried
// Install cleanly repopulates, never a corrupt partial tree.
func promoteExtracted(tmpDir, destDir string) error {
	if err := os.RemoveAll(destDir); err != nil {
		return err
	}
	return os.Rename(tmpDir, destDir)
}
