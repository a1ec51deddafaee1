package builder

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"github.com/kachina-project/kachina/internal/hashkind"
	"github.com/kachina-project/kachina/internal/manifest"
	"github.com/kachina-project/kachina/internal/patch"
)

// minCombinedBytesForDiff is the threshold gate from spec §4.2: files
// small enough that a patch's own framing overhead would dominate are
// never diffed, and fall back to a plain whole-file Direct download.
const minCombinedBytesForDiff = 4096

// DiffTreeOptions configures DiffTree (spec §4.2 diff_tree).
type DiffTreeOptions struct {
	// OldDirs lists previously published version trees to diff against,
	// most recent first. A file present under more than one matches
	// multiple "from" candidates; DiffTree keeps whichever patch comes
	// out smallest.
	OldDirs   []string
	NewDir    string
	Algorithm hashkind.Algorithm
}

// DiffTree pairs files present in both an old and the new tree by
// relative path, and for every pair whose combined size clears the
// threshold gate, produces the smallest patch available across all
// candidate old versions.
func DiffTree(opts DiffTreeOptions) ([]manifest.PatchRecord, error) {
	newFiles, err := walkBFS(opts.NewDir, nil)
	if err != nil {
		return nil, err
	}

	var records []manifest.PatchRecord
	for _, nf := range newFiles {
		newData, err := os.ReadFile(nf.absPath)
		if err != nil {
			return nil, fmt.Errorf("builder: %w", err)
		}
		newHash, _, err := hashkind.Sum(opts.Algorithm, bytes.NewReader(newData))
		if err != nil {
			return nil, err
		}

		candidates := candidateOldFiles(opts.OldDirs, nf.relPath, opts.Algorithm)
		var best *manifest.PatchRecord
		for _, cand := range candidates {
			if cand.hash.Equal(newHash) {
				continue // identical content, nothing to patch
			}
			if uint64(len(cand.data))+uint64(len(newData)) < minCombinedBytesForDiff {
				continue
			}
			blob, err := patch.Generate(cand.data, newData)
			if err != nil {
				return nil, fmt.Errorf("builder: diffing %s: %w", nf.relPath, err)
			}
			if best == nil || uint64(len(blob)) < best.Size {
				rec := manifest.PatchRecord{Size: uint64(len(blob)), From: cand.hash, To: newHash}
				best = &rec
			}
		}
		if best != nil {
			records = append(records, *best)
		}
	}

	sort.Slice(records, func(i, j int) bool { return records[i].From.Hex < records[j].From.Hex })
	return records, nil
}

// DeletedFiles returns the relative paths present under oldDir but no
// longer present under newDir, for a manifest's "deletes" list.
func DeletedFiles(oldDir, newDir string) ([]string, error) {
	oldFiles, err := walkBFS(oldDir, nil)
	if err != nil {
		return nil, err
	}
	newFiles, err := walkBFS(newDir, nil)
	if err != nil {
		return nil, err
	}
	present := map[string]bool{}
	for _, f := range newFiles {
		present[f.relPath] = true
	}

	var out []string
	for _, f := range oldFiles {
		if !present[f.relPath] {
			out = append(out, f.relPath)
		}
	}
	sort.Strings(out)
	return out, nil
}

type oldCandidate struct {
	hash hashkind.Hash
	data []byte
}

// candidateOldFiles reads relPath out of every old tree that has it,
// deduplicating identical content across trees.
func candidateOldFiles(oldDirs []string, relPath string, alg hashkind.Algorithm) []oldCandidate {
	seen := map[string]bool{}
	var out []oldCandidate
	for _, dir := range oldDirs {
		path := filepath.Join(dir, filepath.FromSlash(relPath))
		data, err := os.ReadFile(path)
		if err != nil {
			continue
		}
		h, _, err := hashkind.Sum(alg, bytes.NewReader(data))
		if err != nil || seen[h.Hex] {
			continue
		}
		seen[h.Hex] = true
		out = append(out, oldCandidate{hash: h, data: data})
	}
	return out
}
