package rangetree

// NeedsCoalesce reports whether r plus its contiguous unscheduled
// neighbours would together still be below half the target range size
// (spec.md §4.1). totalBytes is the combined approximate size of r and
// the candidate neighbours, computed by the caller (the scheduler, which
// knows the configured page size).
func NeedsCoalesce(totalBytes, rangeSizeTarget uint64) bool {
	return totalBytes < rangeSizeTarget/2
}

// Coalesce merges participants (contiguous, ordered by Begin) into one
// new range holding the union of every participant's sealed mems and runs
// (spec.md §4.1). Active mems are sealed into the union first so no
// uncommitted routing state is lost. Callers must have already removed
// every participant from the scheduler heaps (spec.md §4.1: "No split
// ever runs concurrently with a coalesce on the same participants
// (enforced by scheduler-heap removal)").
func Coalesce(newRangeID uint64, participants []*Range, memSize uint) *Range {
	if len(participants) == 0 {
		return nil
	}
	first, last := participants[0], participants[len(participants)-1]
	result := NewRange(newRangeID, first.Begin, last.End, memSize, first.cmp)

	for _, p := range participants {
		p.mu.Lock()
		p.Active.Unpin() // release New()'s implicit "active writer" reference
		if !p.Active.IsEmpty() || p.Active.Pinned() {
			p.Active.Seal()
			result.Sealed = append(result.Sealed, p.Active)
		}
		result.Sealed = append(result.Sealed, p.Sealed...)
		result.Runs = append(result.Runs, p.Runs...)
		p.mu.Unlock()
	}
	return result
}
