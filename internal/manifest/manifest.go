// Package manifest implements the metadata JSON document emitted by the
// builder and consumed by the installer: the set of files a target version
// is made of, the patches available between versions, and the files a
// migration should delete. See spec §3 and §6 for the schema.
package manifest

import (
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/kachina-project/kachina/internal/hashkind"
)

// HashedFile is one file entry in a manifest: its relative path, size, and
// content hash. Installer marks the entry as the updater executable
// itself, which is handled specially during install (spec §4.9).
type HashedFile struct {
	FileName  string
	Size      uint64
	Hash      hashkind.Hash
	Installer bool
}

// PatchRecord describes a single-compressed-stream HDiff patch that turns
// a file with hash From into one with hash To.
type PatchRecord struct {
	Size uint64
	From hashkind.Hash
	To   hashkind.Hash
}

// InstallerInfo records the size and hash of the updater executable
// embedded alongside a manifest's file set.
type InstallerInfo struct {
	Size uint64
	Hash hashkind.Hash
}

// Manifest is the metadata document a package carries in its \0META
// segment and that the installer persists as its per-install state.
type Manifest struct {
	TagName   string
	Hashed    []HashedFile
	Patches   []PatchRecord
	Deletes   []string
	Installer *InstallerInfo
}

// Algorithm returns the single hash algorithm used throughout m, or ""
// for an empty manifest.
func (m *Manifest) Algorithm() hashkind.Algorithm {
	for _, h := range m.Hashed {
		return h.Hash.Algorithm
	}
	if len(m.Patches) > 0 {
		return m.Patches[0].From.Algorithm
	}
	if m.Installer != nil {
		return m.Installer.Hash.Algorithm
	}
	return ""
}

// Find returns the HashedFile entry for name, if present.
func (m *Manifest) Find(name string) (HashedFile, bool) {
	for _, h := range m.Hashed {
		if h.FileName == name {
			return h, true
		}
	}
	return HashedFile{}, false
}

// Validate checks the manifest invariants from spec §3: every patch target
// hash resolves to a hashed file entry, deletes and hashed file names are
// disjoint, and every hash in the document shares one algorithm.
func (m *Manifest) Validate() error {
	alg := m.Algorithm()

	byHash := map[string]bool{}
	byName := map[string]bool{}
	for _, h := range m.Hashed {
		if h.Hash.Algorithm != alg {
			return fmt.Errorf("manifest: file %q uses a different algorithm (%q) than the manifest (%q)", h.FileName, h.Hash.Algorithm, alg)
		}
		byHash[h.Hash.String()] = true
		byName[h.FileName] = true
	}

	for _, p := range m.Patches {
		if p.From.Algorithm != alg || p.To.Algorithm != alg {
			return fmt.Errorf("manifest: patch to %s uses a different algorithm than %q", p.To, alg)
		}
		if !byHash[p.To.String()] {
			return fmt.Errorf("manifest: patch target hash %s matches no hashed file entry", p.To)
		}
	}

	for _, d := range m.Deletes {
		if byName[d] {
			return fmt.Errorf("manifest: %q is listed in both hashed and deletes", d)
		}
	}

	if m.Installer != nil && m.Installer.Hash.Algorithm != alg {
		return fmt.Errorf("manifest: installer hash uses a different algorithm than %q", alg)
	}

	return nil
}

// Read parses a manifest document from r and validates it.
func Read(r io.Reader) (*Manifest, error) {
	var doc manifestJSON
	if err := json.NewDecoder(r).Decode(&doc); err != nil {
		return nil, fmt.Errorf("manifest: decoding: %w", err)
	}
	m, err := doc.toManifest()
	if err != nil {
		return nil, err
	}
	if err := m.Validate(); err != nil {
		return nil, err
	}
	return m, nil
}

// ReadFile reads and validates a manifest document from path.
func ReadFile(path string) (*Manifest, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("manifest: %w", err)
	}
	defer f.Close()
	return Read(f)
}

// Write encodes m as the metadata JSON document and writes it to w.
func Write(w io.Writer, m *Manifest) error {
	if err := m.Validate(); err != nil {
		return err
	}
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(fromManifest(m))
}

// WriteFile encodes and writes m to path, creating it if necessary.
func WriteFile(path string, m *Manifest) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("manifest: %w", err)
	}
	defer f.Close()
	return Write(f, m)
}
