package install

import (
	"context"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"

	"github.com/kachina-project/kachina/internal/fsutil"
	"github.com/kachina-project/kachina/internal/hashkind"
	"github.com/kachina-project/kachina/internal/planner"
)

// footerByteLen mirrors format.footerSize's definition (magic + 5 u32
// fields) without importing internal/format, since the zeroing here
// operates on raw downloaded bytes rather than a parsed Index.
const footerMagicLen = len("!KachinaInstaller!")
const footerByteLen = footerMagicLen + 4*5

// ZeroSelfIndexFooter zeros the five numeric footer fields (payload_start,
// config_size, theme_size, index_size, metadata_size) in data, leaving the
// magic string and every byte before it untouched. Per spec §4.9, the
// footer of a downloaded self-patch binary references that binary's own
// payload region, which was never copied into the lighter "installer"
// entry; zeroing it makes two installer builds produced from identical
// source hash identically regardless of what payload bytes, if any,
// happened to trail the executable at build time.
func ZeroSelfIndexFooter(data []byte) ([]byte, error) {
	if len(data) < footerByteLen {
		return nil, fmt.Errorf("install: self-patch binary too short (%d bytes) to carry a footer", len(data))
	}
	out := make([]byte, len(data))
	copy(out, data)
	fieldsStart := len(out) - footerByteLen + footerMagicLen
	for i := fieldsStart; i < len(out); i++ {
		out[i] = 0
	}
	return out, nil
}

// SelfPatch is a new updater executable that DownloadSelfPatch has written
// to TempPath but not yet moved to FinalPath (its hash is checked
// separately by VerifyStripped, against the footer-zeroed bytes). The
// caller invokes Finalize only after every other task in the run has
// succeeded (spec §4.9: "Rename is delayed until all other tasks succeed").
type SelfPatch struct {
	TempPath  string
	FinalPath string
}

// Finalize performs the delayed atomic rename of the downloaded updater
// executable into place.
func (sp *SelfPatch) Finalize() error {
	return atomicReplace(sp.TempPath, sp.FinalPath)
}

// Abort discards the downloaded temp file without installing it, used
// when the downloaded bytes fail verification.
func (sp *SelfPatch) Abort() {
	os.Remove(sp.TempPath)
}

// DownloadSelfPatch runs task's decode step (the same Direct/Patch/
// HybridPatch decoding Install uses) and writes the result to a temp file
// next to finalPath, without renaming it into place. The caller must
// verify the downloaded bytes (ZeroSelfIndexFooter, then compare against
// task.Target.Hash) and either Finalize or Abort the result once every
// other task in the run has settled.
func (p *Pipeline) DownloadSelfPatch(ctx context.Context, task *planner.DiffTask, src Sources, finalPath string) (*SelfPatch, error) {
	decoded, err := p.decode(task, src)
	if err != nil {
		return nil, fmt.Errorf("install: self-patch %s: %w", task.Target.FileName, err)
	}

	dir := filepath.Dir(finalPath)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("install: self-patch %s: %w", task.Target.FileName, err)
	}
	tmpName, err := reserveTempName(dir)
	if err != nil {
		return nil, fmt.Errorf("install: self-patch %s: %w", task.Target.FileName, err)
	}
	tmpPath := filepath.Join(dir, tmpName)

	// The hash fsutil.CreateWriter tracks here is discarded: VerifyStripped
	// must hash the footer-zeroed bytes, which only exist after this write
	// completes, so it re-reads TempPath rather than trusting Entry.Digest.
	w, _, err := fsutil.CreateWriter(&fsutil.CreateOptions{Root: dir, Path: tmpName, Mode: 0o644})
	if err != nil {
		return nil, fmt.Errorf("install: self-patch %s: %w", task.Target.FileName, err)
	}

	if _, err := copyWithProgress(ctx, w, decoded, task.Target.FileName, p.Progress); err != nil {
		w.Close()
		os.Remove(tmpPath)
		return nil, fmt.Errorf("install: self-patch %s: %w", task.Target.FileName, err)
	}
	if err := w.Close(); err != nil {
		os.Remove(tmpPath)
		return nil, fmt.Errorf("install: self-patch %s: %w", task.Target.FileName, err)
	}

	return &SelfPatch{TempPath: tmpPath, FinalPath: finalPath}, nil
}

// VerifyStripped reads the file at TempPath, zeros its footer, and reports
// whether the result hashes to want (spec §4.9 self-patch stability).
func (sp *SelfPatch) VerifyStripped(alg hashkind.Algorithm, want hashkind.Hash) error {
	data, err := os.ReadFile(sp.TempPath)
	if err != nil {
		return fmt.Errorf("install: self-patch: %w", err)
	}
	stripped, err := ZeroSelfIndexFooter(data)
	if err != nil {
		return err
	}
	h, err := hashkind.NewHasher(alg)
	if err != nil {
		return err
	}
	h.Write(stripped)
	got := hashkind.Hash{Algorithm: alg, Hex: hex.EncodeToString(h.Sum(nil))}
	if !got.Equal(want) {
		return fmt.Errorf("install: self-patch hash mismatch: got %s, want %s", got, want)
	}
	return nil
}
