package planner

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/kachina-project/kachina/internal/format"
	"github.com/kachina-project/kachina/internal/hashkind"
	"github.com/kachina-project/kachina/internal/lockprobe"
	"github.com/kachina-project/kachina/internal/manifest"
)

// Inputs gathers everything the Diff Planner needs (spec §4.4 "Inputs").
type Inputs struct {
	TargetManifest *manifest.Manifest
	LocalDir       string

	// EmbeddedIndex is the running installer's own package index, used to
	// find Local-mode payloads and hybrid-patch bases. Nil for a build
	// with no embedded payloads (online-only installer).
	EmbeddedIndex *format.Index

	// PreservePrefixes lists relative path prefixes, matched literally
	// against target file names, that must never be touched, such as user config or
	// save data living inside the install directory.
	PreservePrefixes []string

	// UpdaterSiblingName is the file name of the updater executable next
	// to the running one, used to recognize the self-patch task.
	UpdaterSiblingName string
}

func (in *Inputs) preserved(relName string) bool {
	for _, p := range in.PreservePrefixes {
		if strings.HasPrefix(relName, p) {
			return true
		}
	}
	return false
}

// Plan runs Diff Planner steps 1-4: hashing local files, classifying each
// target entry as satisfied or a DiffTask, resolving patch candidates,
// detecting unwritable files, and assigning an install Mode. Step 5 (the
// Range Merger) is applied separately once remote byte offsets are known,
// via MergeRanges.
func Plan(in Inputs) ([]*DiffTask, error) {
	alg := in.TargetManifest.Algorithm()

	var tasks []*DiffTask
	for _, target := range in.TargetManifest.Hashed {
		if in.preserved(target.FileName) {
			continue
		}

		localPath := filepath.Join(in.LocalDir, filepath.FromSlash(target.FileName))
		localHash, ok, err := hashLocal(localPath, alg)
		if err != nil {
			return nil, fmt.Errorf("planner: hashing %s: %w", target.FileName, err)
		}
		if ok && localHash.Equal(target.Hash) {
			continue // satisfied
		}

		task := &DiffTask{
			Target:       target,
			LocalHash:    localHash,
			Installer:    target.Installer,
			LocalAllowed: true,
			PatchAllowed: true,
			State:        Pending,
		}

		if ok {
			resolvePatch(task, in.TargetManifest, in.EmbeddedIndex)
		}

		if !task.Installer && lockprobe.Unwritable(localPath) {
			task.Unwritable = true
		}

		task.Mode = SelectMode(task, in.EmbeddedIndex)
		debugf("planner: %s needs update, mode=%s size=%d", target.FileName, task.Mode, task.Size())
		tasks = append(tasks, task)
	}

	sort.Slice(tasks, func(i, j int) bool { return tasks[i].Size() > tasks[j].Size() })
	logf("planner: %d of %d target files need work", len(tasks), len(in.TargetManifest.Hashed))
	return tasks, nil
}

// hashLocal hashes the file at path with alg. A missing file is reported
// as ok=false rather than an error: there is simply nothing to compare.
func hashLocal(path string, alg hashkind.Algorithm) (hashkind.Hash, bool, error) {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return hashkind.Hash{}, false, nil
		}
		return hashkind.Hash{}, false, err
	}
	defer f.Close()
	h, _, err := hashkind.Sum(alg, f)
	if err != nil {
		return hashkind.Hash{}, false, err
	}
	return h, true, nil
}

// PatchBlobName is the staging/payload name a patch from->to is stored
// under, per spec §4.2: "{from_hex}_{to_hex}".
func PatchBlobName(from, to hashkind.Hash) string {
	return from.Hex + "_" + to.Hex
}

// resolvePatch implements Diff Planner step 2's patch resolution: a direct
// patch record matching (local_hash -> target_hash), or a hybrid patch
// when the running installer's own embedded index already holds the base
// the patch needs.
func resolvePatch(task *DiffTask, m *manifest.Manifest, embedded *format.Index) {
	for i := range m.Patches {
		p := &m.Patches[i]
		if !p.To.Equal(task.Target.Hash) {
			continue
		}
		if p.From.Equal(task.LocalHash) {
			task.Patch = p
		}
		if embedded != nil {
			if entry, ok := embedded.Entries[p.From.String()]; ok {
				e := entry
				task.LocalPatchSource = &e
				task.Patch = p
			}
		}
	}
}

// SelectMode implements the Install Mode Selector table from spec §4.5,
// picking the first applicable mode.
func SelectMode(task *DiffTask, embedded *format.Index) Mode {
	if task.LocalAllowed && embedded != nil {
		if _, ok := embedded.Entries[task.Target.Hash.String()]; ok {
			return ModeLocal
		}
	}
	if task.PatchAllowed && task.Patch != nil && task.LocalPatchSource != nil {
		return ModeHybridPatch
	}
	if task.PatchAllowed && task.Patch != nil && !task.LocalHash.IsZero() && task.Patch.From.Equal(task.LocalHash) {
		return ModePatch
	}
	return ModeDirect
}

// Retry disables Local and Patch modes on task and re-selects, forcing
// Direct as described in spec §4.5's retry rule.
func Retry(task *DiffTask, embedded *format.Index) {
	task.LocalAllowed = false
	task.PatchAllowed = false
	task.Mode = SelectMode(task, embedded)
	task.State = Pending
	logf("planner: retrying %s forced to mode=%s", task.Target.FileName, task.Mode)
}
