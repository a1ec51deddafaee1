package builder

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"

	"github.com/klauspost/compress/zstd"

	"github.com/kachina-project/kachina/internal/hashkind"
	"github.com/kachina-project/kachina/internal/install"
	"github.com/kachina-project/kachina/internal/manifest"
)

// StageInstaller zstd-compresses the updater executable at updaterPath
// into outDir under the literal tagged payload name "installer" (not a
// content hash, per spec §3's index entry naming), and returns the
// InstallerInfo a manifest should carry for it.
//
// The hash is computed against the footer-zeroed bytes, the same
// transform the installer applies to its own self-patch download (spec
// §4.9), so two independent builds from identical source inputs produce
// the same InstallerInfo.Hash regardless of what payload happened to
// follow the updater stub at build time.
func StageInstaller(updaterPath, outDir string, alg hashkind.Algorithm) (*manifest.InstallerInfo, error) {
	raw, err := os.ReadFile(updaterPath)
	if err != nil {
		return nil, fmt.Errorf("builder: %w", err)
	}

	stripped, err := install.ZeroSelfIndexFooter(raw)
	if err != nil {
		return nil, fmt.Errorf("builder: stripping updater footer: %w", err)
	}
	h, _, err := hashkind.Sum(alg, bytes.NewReader(stripped))
	if err != nil {
		return nil, err
	}

	if err := os.MkdirAll(outDir, 0o755); err != nil {
		return nil, fmt.Errorf("builder: %w", err)
	}
	dest, err := os.Create(filepath.Join(outDir, "installer"))
	if err != nil {
		return nil, fmt.Errorf("builder: %w", err)
	}
	defer dest.Close()

	zw, err := zstd.NewWriter(dest)
	if err != nil {
		return nil, fmt.Errorf("builder: %w", err)
	}
	if _, err := zw.Write(raw); err != nil {
		zw.Close()
		return nil, fmt.Errorf("builder: %w", err)
	}
	if err := zw.Close(); err != nil {
		return nil, fmt.Errorf("builder: %w", err)
	}

	return &manifest.InstallerInfo{Size: uint64(len(raw)), Hash: h}, nil
}
