// Package rangeutil implements the run-length coalescing used by the
// dumper's single_map/range_map event stream (spec §4.9): turning a
// sequence of individual (key, value, time) mappings into the fewest
// possible contiguous runs. It also provides FreeList, a set of free
// block ranges.
//
// Grounded on the teacher's lib/containers.IntervalTree augmented-range
// shape; the coalescing pass itself is simpler than a full interval
// tree (it only ever needs to compare each new entry against the single
// run still open), so it is implemented directly rather than through
// IntervalTree, which this package's Free-list helper does use.
package rangeutil

import "github.com/jthornber/thin-provisioning-tools-go/lib/containers"

// Mapping is the minimal shape a run needs to see: a logical key, the
// physical block it maps to, and the transaction time it was written.
type Mapping struct {
	Key  uint64
	Data uint64
	Time uint32
}

// Run is either a single mapping (Length == 1) or a maximal contiguous
// coalesced run: consecutive keys, consecutive data blocks, identical
// time (spec §4.9).
type Run struct {
	KeyBegin  uint64
	DataBegin uint64
	Time      uint32
	Length    uint64
}

// Coalesce greedily folds consecutive Mappings (already in key order,
// as every leaf-tree walk produces them) into maximal Runs.
func Coalesce(ms []Mapping) []Run {
	var runs []Run
	for _, m := range ms {
		if n := len(runs); n > 0 {
			last := &runs[n-1]
			if last.Time == m.Time &&
				last.KeyBegin+last.Length == m.Key &&
				last.DataBegin+last.Length == m.Data {
				last.Length++
				continue
			}
		}
		runs = append(runs, Run{KeyBegin: m.Key, DataBegin: m.Data, Time: m.Time, Length: 1})
	}
	return runs
}

// FreeList tracks free (unallocated) block ranges, backed by the
// teacher's IntervalTree so overlapping-range queries ("is this run
// entirely free?") stay logarithmic instead of a linear scan per
// allocation. The restorer's allocator hands out blocks sequentially and
// does not use it.
type FreeList struct {
	tree containers.IntervalTree[containers.NativeOrdered[uint64], span]
}

type span struct{ Begin, End uint64 } // [Begin, End], inclusive

// NewFreeList returns a FreeList covering [0, nrBlocks) as entirely free.
func NewFreeList(nrBlocks uint64) *FreeList {
	fl := &FreeList{}
	fl.tree.MinFn = func(s span) containers.NativeOrdered[uint64] { return containers.NativeOrdered[uint64]{Val: s.Begin} }
	fl.tree.MaxFn = func(s span) containers.NativeOrdered[uint64] { return containers.NativeOrdered[uint64]{Val: s.End} }
	if nrBlocks > 0 {
		fl.tree.Insert(span{Begin: 0, End: nrBlocks - 1})
	}
	return fl
}

// Alloc removes the lowest-numbered free block and returns it, or
// ok=false if none remain.
func (fl *FreeList) Alloc() (uint64, bool) {
	lowest, ok := fl.tree.Min()
	if !ok {
		return 0, false
	}
	s, ok := fl.tree.Lookup(lowest)
	if !ok {
		return 0, false
	}
	block := s.Begin
	fl.tree.Delete(
		containers.NativeOrdered[uint64]{Val: s.Begin},
		containers.NativeOrdered[uint64]{Val: s.End},
	)
	if s.Begin != s.End {
		fl.tree.Insert(span{Begin: s.Begin + 1, End: s.End})
	}
	return block, true
}

// Release marks a single block as free again.
func (fl *FreeList) Release(block uint64) {
	fl.tree.Insert(span{Begin: block, End: block})
}
