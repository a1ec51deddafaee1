package planner

import "sort"

// mergeMaxBytes and wasteRatioMax are the two constraints the Range Merger
// bounds a group by (spec §4.6).
const (
	mergeMaxBytes        = 10 * 1024 * 1024
	wasteRatioMax        = 0.20
	mergeEligibleMaxSize = 500 * 1024
)

// MergeRanges implements the Range Merger: it sorts Direct/Patch tasks
// small enough to be eligible by their remote offset and greedily groups
// adjacent ones as long as the merged request stays under the byte cap and
// the wasted-bandwidth ratio. Tasks must already have RemoteOffset/
// RemoteSize populated by the caller (a resolved remote package index).
// Returns the merged groups and the tasks that remain ungrouped (including
// every task not eligible for merging at all, such as Local/HybridPatch
// tasks or files over the per-file size limit).
func MergeRanges(tasks []*DiffTask) ([]*MergedGroup, []*DiffTask) {
	var eligible, rest []*DiffTask
	for _, t := range tasks {
		if (t.Mode == ModeDirect || t.Mode == ModePatch) && t.RemoteSize > 0 && t.RemoteSize <= mergeEligibleMaxSize {
			eligible = append(eligible, t)
		} else {
			rest = append(rest, t)
		}
	}

	sort.Slice(eligible, func(i, j int) bool { return eligible[i].RemoteOffset < eligible[j].RemoteOffset })

	var groups []*MergedGroup
	var current *MergedGroup
	flush := func() {
		if current == nil {
			return
		}
		if len(current.Tasks) >= 2 {
			groups = append(groups, current)
		} else {
			rest = append(rest, current.Tasks...)
		}
		current = nil
	}

	for _, t := range eligible {
		start := t.RemoteOffset
		end := t.RemoteOffset + t.RemoteSize
		if current == nil {
			current = &MergedGroup{Tasks: []*DiffTask{t}, Start: start, End: end}
			continue
		}
		candidateEnd := end
		if candidateEnd < current.End {
			candidateEnd = current.End
		}
		total := candidateEnd - current.Start
		effective := current.EffectiveBytes() + t.RemoteSize
		if total <= mergeMaxBytes && wasteRatio(total, effective) <= wasteRatioMax {
			current.Tasks = append(current.Tasks, t)
			current.End = candidateEnd
			continue
		}
		flush()
		current = &MergedGroup{Tasks: []*DiffTask{t}, Start: start, End: end}
	}
	flush()

	return groups, rest
}

func wasteRatio(total, effective int64) float64 {
	if total == 0 {
		return 0
	}
	return float64(total-effective) / float64(total)
}
