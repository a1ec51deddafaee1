package builder

import (
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/klauspost/compress/zstd"

	"github.com/kachina-project/kachina/internal/hashkind"
	"github.com/kachina-project/kachina/internal/manifest"
)

// HashTreeOptions configures HashTree (spec §4.2 hash_tree).
type HashTreeOptions struct {
	Dir       string
	OutDir    string // content-addressed staging directory for zstd blobs
	Algorithm hashkind.Algorithm
	Ignore    *IgnoreRules
	Jobs      int // concurrent hashing workers; <=0 means 1
}

type treeFile struct {
	relPath string
	absPath string
}

// HashTree walks Dir breadth-first, excluding anything Ignore matches,
// hashes and zstd-compresses each remaining file into
// OutDir/{hex_hash}, and returns one manifest.HashedFile per staged
// file. Staging a file whose hash was already produced by an earlier
// file in the walk is a no-op beyond the first write (write-time
// dedup): both HashedFile entries point at the same blob.
func HashTree(opts HashTreeOptions) ([]manifest.HashedFile, error) {
	if opts.Algorithm == "" {
		return nil, fmt.Errorf("builder: HashTree: algorithm is required")
	}
	if err := os.MkdirAll(opts.OutDir, 0o755); err != nil {
		return nil, fmt.Errorf("builder: %w", err)
	}

	files, err := walkBFS(opts.Dir, opts.Ignore)
	if err != nil {
		return nil, err
	}

	jobs := opts.Jobs
	if jobs <= 0 {
		jobs = 1
	}

	results := make([]manifest.HashedFile, len(files))
	errs := make([]error, len(files))

	var wg sync.WaitGroup
	sem := make(chan struct{}, jobs)
	var mu sync.Mutex // guards the dedup set in stageFile

	staged := map[string]bool{}

	for i, f := range files {
		i, f := i, f
		wg.Add(1)
		sem <- struct{}{}
		go func() {
			defer wg.Done()
			defer func() { <-sem }()
			hf, err := stageFile(f, opts.OutDir, opts.Algorithm, &mu, staged)
			results[i] = hf
			errs[i] = err
		}()
	}
	wg.Wait()

	for _, err := range errs {
		if err != nil {
			return nil, err
		}
	}

	sort.Slice(results, func(i, j int) bool { return results[i].FileName < results[j].FileName })
	return results, nil
}

// walkBFS lists every non-directory, non-ignored file under root,
// visiting directories breadth-first so a deeply nested tree doesn't
// starve shallower entries when job_count caps total throughput.
func walkBFS(root string, ignore *IgnoreRules) ([]treeFile, error) {
	var out []treeFile
	queue := []string{root}
	for len(queue) > 0 {
		dir := queue[0]
		queue = queue[1:]

		entries, err := os.ReadDir(dir)
		if err != nil {
			return nil, fmt.Errorf("builder: reading %s: %w", dir, err)
		}
		for _, e := range entries {
			abs := filepath.Join(dir, e.Name())
			rel, err := filepath.Rel(root, abs)
			if err != nil {
				return nil, err
			}
			rel = filepath.ToSlash(rel)

			if e.IsDir() {
				if ignore.Match(rel, true) {
					continue
				}
				queue = append(queue, abs)
				continue
			}
			if ignore.Match(rel, false) {
				continue
			}
			out = append(out, treeFile{relPath: rel, absPath: abs})
		}
	}
	return out, nil
}

func stageFile(f treeFile, outDir string, alg hashkind.Algorithm, mu *sync.Mutex, staged map[string]bool) (manifest.HashedFile, error) {
	src, err := os.Open(f.absPath)
	if err != nil {
		return manifest.HashedFile{}, fmt.Errorf("builder: %w", err)
	}
	defer src.Close()

	info, err := src.Stat()
	if err != nil {
		return manifest.HashedFile{}, fmt.Errorf("builder: %w", err)
	}

	hasher, err := hashkind.NewHasher(alg)
	if err != nil {
		return manifest.HashedFile{}, err
	}

	tmp, err := os.CreateTemp(outDir, ".staging-*.tmp")
	if err != nil {
		return manifest.HashedFile{}, fmt.Errorf("builder: %w", err)
	}
	tmpPath := tmp.Name()
	removeTmp := true
	defer func() {
		if removeTmp {
			tmp.Close()
			os.Remove(tmpPath)
		}
	}()

	zw, err := zstd.NewWriter(tmp)
	if err != nil {
		return manifest.HashedFile{}, fmt.Errorf("builder: %w", err)
	}
	if _, err := io.Copy(io.MultiWriter(zw, hasher), src); err != nil {
		zw.Close()
		return manifest.HashedFile{}, fmt.Errorf("builder: hashing %s: %w", f.relPath, err)
	}
	if err := zw.Close(); err != nil {
		return manifest.HashedFile{}, fmt.Errorf("builder: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return manifest.HashedFile{}, fmt.Errorf("builder: %w", err)
	}

	h := hashkind.Hash{Algorithm: alg, Hex: hex.EncodeToString(hasher.Sum(nil))}
	destPath := filepath.Join(outDir, h.Hex)

	mu.Lock()
	alreadyStaged := staged[h.Hex]
	if !alreadyStaged {
		staged[h.Hex] = true
	}
	mu.Unlock()

	if alreadyStaged {
		os.Remove(tmpPath)
	} else {
		if err := os.Rename(tmpPath, destPath); err != nil {
			return manifest.HashedFile{}, fmt.Errorf("builder: staging %s: %w", h.Hex, err)
		}
	}
	removeTmp = false

	return manifest.HashedFile{FileName: f.relPath, Size: uint64(info.Size()), Hash: h}, nil
}
