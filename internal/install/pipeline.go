// Package install implements the streaming install pipeline (spec §4.8):
// source -> decompressor -> optional patcher -> hasher -> temp file ->
// atomic rename, plus the self-patch handling of §4.9.
package install

import (
	"bytes"
	"context"
	"fmt"
	"hash"
	"io"
	"os"
	"path/filepath"

	"github.com/klauspost/compress/zstd"

	"github.com/kachina-project/kachina/internal/fsutil"
	"github.com/kachina-project/kachina/internal/hashkind"
	"github.com/kachina-project/kachina/internal/patch"
	"github.com/kachina-project/kachina/internal/planner"
)

// Progress receives periodic (bytes_downloaded, file_name) updates during
// a task's run (spec §4.8).
type Progress func(fileName string, bytesDownloaded uint64)

// Sources bundles the byte streams a task's install mode needs. Fields
// that don't apply to a given task's Mode are left nil; Pipeline.Install
// reads only what SelectMode says the mode requires.
type Sources struct {
	// Remote is the zstd-compressed whole-file blob (Direct) or
	// zstd-compressed patch diff blob (Patch, HybridPatch).
	Remote io.Reader
	// EmbeddedPayload is the zstd-compressed blob from the running
	// installer's own package (Local's whole file, or HybridPatch's base).
	EmbeddedPayload io.Reader
	// LocalFile is the raw (uncompressed) on-disk base file for Patch mode.
	LocalFile io.Reader
}

// Pipeline installs DiffTasks into TargetDir.
type Pipeline struct {
	TargetDir string
	Progress  Progress
}

// Install runs one task's pipeline end to end: decode, optionally patch,
// hash, and atomically replace the target file. alg is the manifest's hash
// algorithm. skipHash disables the post-write verification.
func (p *Pipeline) Install(ctx context.Context, task *planner.DiffTask, src Sources, alg hashkind.Algorithm, skipHash bool) error {
	decoded, err := p.decode(task, src)
	if err != nil {
		return fmt.Errorf("install: %s: %w", task.Target.FileName, err)
	}

	relPath := task.Target.FileName
	finalPath := filepath.Join(p.TargetDir, filepath.FromSlash(relPath))
	if task.Installer {
		finalPath = filepath.Join(filepath.Dir(selfPath()), relPath)
	}

	dir := filepath.Dir(finalPath)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("install: %s: %w", relPath, err)
	}

	tmpName, err := reserveTempName(dir)
	if err != nil {
		return fmt.Errorf("install: %s: %w", relPath, err)
	}
	tmpPath := filepath.Join(dir, tmpName)
	debugf("install: %s: mode=%s writing to %s", relPath, task.Mode, tmpPath)

	w, entry, err := fsutil.CreateWriter(&fsutil.CreateOptions{
		Root: dir,
		Path: tmpName,
		Mode: 0o644,
		NewHash: func() hash.Hash {
			h, herr := hashkind.NewHasher(alg)
			if herr != nil {
				// CreateOptions.NewHash has no error return; NewHasher only
				// fails on an unknown algorithm, already validated by the
				// manifest decoder before a task reaches the pipeline.
				panic(herr)
			}
			return h
		},
	})
	if err != nil {
		return fmt.Errorf("install: %s: %w", relPath, err)
	}
	committed := false
	defer func() {
		if !committed {
			os.Remove(tmpPath)
		}
	}()

	n, err := copyWithProgress(ctx, w, decoded, relPath, p.Progress)
	if err != nil {
		w.Close()
		return fmt.Errorf("install: %s: %w", relPath, err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("install: %s: %w", relPath, err)
	}

	if !skipHash {
		got := hashkind.Hash{Algorithm: alg, Hex: entry.Digest}
		if !got.Equal(task.Target.Hash) {
			return fmt.Errorf("install: %s: hash mismatch after writing %d bytes: got %s, want %s", relPath, n, got, task.Target.Hash)
		}
	}

	logf("install: %s: wrote %d bytes, hash verified", relPath, n)
	committed = true
	return atomicReplace(tmpPath, finalPath)
}

// reserveTempName allocates a name unique within dir without leaving a
// predictable window for a collision, the same trick os.CreateTemp uses
// internally, then hands the name (not the *os.File) to the caller so
// fsutil.CreateWriter can open and hash-track the real write.
func reserveTempName(dir string) (string, error) {
	f, err := os.CreateTemp(dir, ".kachina-*.tmp")
	if err != nil {
		return "", err
	}
	name := filepath.Base(f.Name())
	f.Close()
	os.Remove(f.Name())
	return name, nil
}

func (p *Pipeline) decode(task *planner.DiffTask, src Sources) (io.Reader, error) {
	switch task.Mode {
	case planner.ModeLocal:
		return zstdDecompress(src.EmbeddedPayload)
	case planner.ModeDirect:
		return zstdDecompress(src.Remote)
	case planner.ModeHybridPatch, planner.ModePatch:
		return p.decodePatch(task, src)
	default:
		return nil, fmt.Errorf("unknown install mode %v", task.Mode)
	}
}

func (p *Pipeline) decodePatch(task *planner.DiffTask, src Sources) (io.Reader, error) {
	var base []byte
	var err error
	switch task.Mode {
	case planner.ModeHybridPatch:
		base, err = readAllDecompressed(src.EmbeddedPayload)
	case planner.ModePatch:
		base, err = io.ReadAll(src.LocalFile)
	}
	if err != nil {
		return nil, fmt.Errorf("reading patch base: %w", err)
	}

	diff, err := io.ReadAll(src.Remote) // patch blob is itself one zstd stream (patch.Apply decompresses it)
	if err != nil {
		return nil, fmt.Errorf("reading patch diff: %w", err)
	}

	var out bytes.Buffer
	if err := patch.Apply(base, diff, &out); err != nil {
		return nil, fmt.Errorf("applying patch: %w", err)
	}
	return &out, nil
}

func zstdDecompress(r io.Reader) (io.Reader, error) {
	zr, err := zstd.NewReader(r)
	if err != nil {
		return nil, fmt.Errorf("zstd: %w", err)
	}
	return &closingReader{zr}, nil
}

func readAllDecompressed(r io.Reader) ([]byte, error) {
	zr, err := zstd.NewReader(r)
	if err != nil {
		return nil, fmt.Errorf("zstd: %w", err)
	}
	defer zr.Close()
	return io.ReadAll(zr)
}

type closingReader struct{ zr *zstd.Decoder }

func (c *closingReader) Read(p []byte) (int, error) {
	n, err := c.zr.Read(p)
	if err == io.EOF {
		c.zr.Close()
	}
	return n, err
}

func copyWithProgress(ctx context.Context, dst io.Writer, src io.Reader, name string, progress Progress) (int64, error) {
	buf := make([]byte, 256*1024)
	var total int64
	for {
		if err := ctx.Err(); err != nil {
			return total, err
		}
		n, rerr := src.Read(buf)
		if n > 0 {
			if _, werr := dst.Write(buf[:n]); werr != nil {
				return total, werr
			}
			total += int64(n)
			if progress != nil {
				progress(name, uint64(total))
			}
		}
		if rerr == io.EOF {
			return total, nil
		}
		if rerr != nil {
			return total, rerr
		}
	}
}

// atomicReplace renames tmpPath over finalPath, falling back to an
// explicit delete-then-rename when the platform's rename can't replace an
// existing file directly (spec §4.8).
func atomicReplace(tmpPath, finalPath string) error {
	if err := os.Rename(tmpPath, finalPath); err == nil {
		return nil
	}
	os.Remove(finalPath)
	return os.Rename(tmpPath, finalPath)
}

func selfPath() string {
	exe, err := os.Executable()
	if err != nil {
		return ""
	}
	return exe
}
