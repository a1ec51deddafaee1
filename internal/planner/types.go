// Package planner computes the work a single install/update run must do:
// which target files are already satisfied, which need a DiffTask, which
// install mode each task should use, and how tasks group into merged HTTP
// range requests. See spec §4.4, §4.5, §4.6.
package planner

import (
	"errors"
	"fmt"
	"strings"

	"github.com/kachina-project/kachina/internal/format"
	"github.com/kachina-project/kachina/internal/hashkind"
	"github.com/kachina-project/kachina/internal/manifest"
)

// ErrUnwritable is returned by UnwritableFiles when a plan contains one or
// more tasks targeting a file that is locked or otherwise cannot be
// replaced (spec §4.4 step 3, §6.2 filesystem-error exit category).
var ErrUnwritable = errors.New("planner: target file is locked or otherwise unwritable")

// Mode is the install mode a DiffTask resolves to, per the selector table
// in spec §4.5.
type Mode int

const (
	ModeDirect Mode = iota
	ModeLocal
	ModePatch
	ModeHybridPatch
)

func (m Mode) String() string {
	switch m {
	case ModeLocal:
		return "local"
	case ModeHybridPatch:
		return "hybrid-patch"
	case ModePatch:
		return "patch"
	default:
		return "direct"
	}
}

// State is a DiffTask's lifecycle state.
type State int

const (
	Pending State = iota
	Running
	Succeeded
	Failed
)

func (s State) String() string {
	switch s {
	case Running:
		return "running"
	case Succeeded:
		return "succeeded"
	case Failed:
		return "failed"
	default:
		return "pending"
	}
}

// DiffTask is one file that needs to be brought to its target state,
// exactly as scoped in spec §3.
type DiffTask struct {
	Target           manifest.HashedFile
	LocalHash        hashkind.Hash
	Patch            *manifest.PatchRecord
	LocalPatchSource *format.IndexEntry
	Installer        bool
	Unwritable       bool

	Mode         Mode
	LocalAllowed bool // cleared on retry, forcing Direct (spec §4.5)
	PatchAllowed bool

	Downloaded uint64
	State      State

	// RemoteOffset/RemoteSize locate this task's bytes (patch blob or
	// whole-file blob) in the remote package, set once a source resolves
	// target hash/patch name to a payload entry.
	RemoteOffset int64
	RemoteSize   int64
}

// Size is the number of bytes this task must move, used for scheduler
// queue classification and ordering (spec §4.4 "Ordering", §4.7).
func (t *DiffTask) Size() uint64 {
	if t.Patch != nil {
		return t.Patch.Size
	}
	return t.Target.Size
}

// MergedGroup bundles several small Direct/Patch tasks into one HTTP range
// request, per spec §4.6.
type MergedGroup struct {
	Tasks []*DiffTask
	Start int64
	End   int64 // exclusive
}

// EffectiveBytes is the sum of the group's constituent task byte counts,
// used to validate the waste-ratio invariant.
func (g *MergedGroup) EffectiveBytes() int64 {
	var n int64
	for _, t := range g.Tasks {
		n += t.RemoteSize
	}
	return n
}

// TotalBytes is the size of the single contiguous range the group
// downloads, including any gaps between constituent files.
func (g *MergedGroup) TotalBytes() int64 {
	return g.End - g.Start
}

// UnwritableFiles returns ErrUnwritable naming every task marked Unwritable
// by Plan, or nil if none are. Callers use this after planning to decide
// whether the run must fail with the filesystem-error exit category before
// any network activity starts.
func UnwritableFiles(tasks []*DiffTask) error {
	var names []string
	for _, t := range tasks {
		if t.Unwritable {
			names = append(names, t.Target.FileName)
		}
	}
	if len(names) == 0 {
		return nil
	}
	return fmt.Errorf("%w: %s", ErrUnwritable, strings.Join(names, ", "))
}
