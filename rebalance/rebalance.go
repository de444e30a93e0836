// Package rebalance implements the Crawler, Spread Operator, Async
// Rebalancer, and Merger that keep segment occupancy within the
// calibrator-tree density bounds (spec.md §4.11–§4.13).
package rebalance

import (
	"math"

	"github.com/erigontech/teseo/bufferpool"
	"github.com/erigontech/teseo/epoch"
	"github.com/erigontech/teseo/key"
	"github.com/erigontech/teseo/leaf"
	"github.com/erigontech/teseo/segment"
	"github.com/erigontech/teseo/sparsefile"
	"github.com/erigontech/teseo/txn"
)

// Density thresholds interpolated between root and leaf height, per
// spec.md §4.11: (ρ_H, τ_H) = (0.75, 0.75) at the root, (ρ_0, τ_0) =
// (0.5, 1.0) at a single segment.
const (
	rhoRoot = 0.75
	tauRoot = 0.75
	rhoLeaf = 0.5
	tauLeaf = 1.0
)

// densityBounds returns the [min, max] fraction-of-capacity window
// acceptable at calibrator-tree height h, out of maxHeight (the height of
// the whole leaf).
func densityBounds(h, maxHeight int) (lo, hi float64) {
	if maxHeight <= 0 {
		return rhoLeaf, tauLeaf
	}
	frac := float64(h) / float64(maxHeight)
	lo = rhoLeaf + frac*(rhoRoot-rhoLeaf)
	hi = tauLeaf + frac*(tauRoot-tauLeaf)
	return lo, hi
}

// PlanKind tags the outcome of a Crawler pass.
type PlanKind uint8

const (
	Spread PlanKind = iota
	Split
	Merge
)

func (k PlanKind) String() string {
	switch k {
	case Split:
		return "SPLIT"
	case Merge:
		return "MERGE"
	default:
		return "SPREAD"
	}
}

// Plan is the Crawler's output, consumed by the Spread Operator.
type Plan struct {
	Kind              PlanKind
	Leaf1             *leaf.Leaf
	Leaf2             *leaf.Leaf // not set by Crawler or Merger; a Merge plan carries both leaves' segments in Leaf1
	WindowStart       int
	WindowEnd         int // exclusive
	NumOutputSegments int
	Cardinality       int
}

// Crawler grows a window of contiguous segments around the one that
// triggered rebalance, obeying the calibrator-tree density bounds, and
// cooperates with or waits for competing crawlers on overlapping segments
// (spec.md §4.11).
type Crawler struct {
	phaseStarted bool // true once the crawler has begun the physical (load/save) phase
}

// NewCrawler returns a crawler that has not yet begun its physical phase.
func NewCrawler() *Crawler { return &Crawler{} }

// CanStop reports whether a competing crawler may absorb this crawler's
// window: only before the physical phase has begun (spec.md §4.11 "has
// not begun the physical phase").
func (c *Crawler) CanStop() bool { return !c.phaseStarted }

// Crawl grows [start,end) around triggerIdx within l, acquiring each
// segment into REBAL mode, until the window's occupancy falls within the
// calibrator-tree bounds for its height or the whole leaf is covered.
func (c *Crawler) Crawl(l *leaf.Leaf, triggerIdx int) *Plan {
	l.Acquire()
	defer l.Release()

	n := len(l.Segments)
	maxHeight := ceilLog2(n)
	start, end := triggerIdx, triggerIdx+1
	height := 1

	acquired := map[int]bool{}
	acquireRange := func(lo, hi int) {
		for i := lo; i < hi; i++ {
			if acquired[i] {
				continue
			}
			l.Segments[i].LockForRebalance(c)
			acquired[i] = true
		}
	}
	acquireRange(start, end)
	for {
		used := 0
		for i := start; i < end; i++ {
			used += l.Segments[i].UsedQwords()
		}
		cap := 0
		for i := start; i < end; i++ {
			if c := l.Segments[i].Capacity(); c > 0 {
				cap += c
			} else {
				cap += 1 // dense segments: treat as always-full for density purposes
			}
		}
		frac := 0.0
		if cap > 0 {
			frac = float64(used) / float64(cap)
		}
		// height counts from 1 for a single segment; densityBounds counts
		// from 0, so the whole leaf (height maxHeight+1) gets root bounds.
		lo, hi := densityBounds(height-1, maxHeight)
		if frac >= lo && frac <= hi {
			c.phaseStarted = true
			return &Plan{Kind: Spread, Leaf1: l, WindowStart: start, WindowEnd: end, NumOutputSegments: numOutputSegments(used, cap), Cardinality: cardinalityOf(l, start, end)}
		}
		if end-start >= n {
			// Whole leaf covered and still out of bounds: split.
			c.phaseStarted = true
			return &Plan{Kind: Split, Leaf1: l, WindowStart: 0, WindowEnd: n, NumOutputSegments: numOutputSegments(used, cap), Cardinality: cardinalityOf(l, 0, n)}
		}
		newStart := start - (end - start)
		newEnd := end + (end - start)
		if newStart < 0 {
			newEnd += -newStart
			newStart = 0
		}
		if newEnd > n {
			newStart -= newEnd - n
			if newStart < 0 {
				newStart = 0
			}
			newEnd = n
		}
		acquireRange(newStart, start)
		acquireRange(end, newEnd)
		start, end = newStart, newEnd
		height++
	}
}

func ceilLog2(n int) int {
	h := 0
	for (1 << h) < n {
		h++
	}
	return h
}

func cardinalityOf(l *leaf.Leaf, start, end int) int {
	total := 0
	for i := start; i < end; i++ {
		total += len(l.Segments[i].Load())
	}
	return total
}

// numOutputSegments computes ceil(used_space / (0.75 * segment_size))
// (spec.md §4.11 split sizing), falling back to 1 when capacity data is
// unavailable (an all-dense window).
func numOutputSegments(usedQwords, capQwords int) int {
	if capQwords <= 0 {
		return 1
	}
	n := int(math.Ceil(float64(usedQwords) / (0.75 * float64(capQwords))))
	if n < 1 {
		n = 1
	}
	return n
}

// SpreadOperator executes a Plan: load every segment in the window into a
// shared scratchpad, prune dominated tombstones, retune the output count,
// save back left-to-right at ~0.75 capacity, then publish new fence keys
// (spec.md §4.11 steps 1-5).
type SpreadOperator struct {
	EpochThread *epoch.Thread
}

// Execute runs the plan's five steps and returns the number of output
// segments actually produced.
func (op *SpreadOperator) Execute(plan *Plan, mgr *txn.Manager) int {
	l := plan.Leaf1
	window := l.Segments[plan.WindowStart:plan.WindowEnd]

	entries, numOut, capPerSeg := prepareScratch(window, mgr)

	// Build the output segment array: reuse window segments where
	// possible, allocate fresh ones for extras, drop the rest.
	out := make([]*segment.Segment, numOut)
	for i := range out {
		if i < len(window) {
			out[i] = window[i]
		} else {
			fence := key.Max
			if len(entries) > 0 {
				fence = entries[len(entries)-1].Key
			}
			out[i] = segment.New(fence, capPerSeg, op.EpochThread)
		}
	}

	// 4. save: fill output segments left-to-right to ~0.75 capacity.
	targetPerSeg := int(0.75 * float64(capPerSeg))
	idx := 0
	for i, s := range out {
		target := targetPerSeg
		if i == len(out)-1 {
			target = math.MaxInt // last segment absorbs the remainder
		}
		_, next := s.Save(entries, idx, target, capPerSeg)
		idx = next
	}

	// 5. update_fence_keys: recompute each output segment's low fence from
	// its first live key and publish (the caller's index.Publish call
	// handles the global trie; here we only fix up the leaf-local fences).
	for _, s := range out {
		if first := firstKeyOf(s); first != (key.Key{}) {
			s.SetFenceLow(first)
		}
	}
	l.ReplaceSegments(out)
	return numOut
}

// ExecuteSplit handles a Split-kind plan: the output segments no longer
// fit in one leaf, so the window's contents are divided across the
// original leaf and a freshly allocated sibling leaf linked immediately
// after it (spec.md §4.11 step 4 "split a leaf when output segments
// exceed leaf capacity, allocating new leaves via the buffer pool").
// maxSegmentsPerLeaf bounds how many output segments the original leaf
// keeps before the remainder spills into the new sibling.
func (op *SpreadOperator) ExecuteSplit(plan *Plan, pool *bufferpool.Pool, mgr *txn.Manager, maxSegmentsPerLeaf int) (*leaf.Leaf, error) {
	l := plan.Leaf1
	window := l.Segments[plan.WindowStart:plan.WindowEnd]

	scratch, numOut, capPerSeg := prepareScratch(window, mgr)
	if numOut <= maxSegmentsPerLeaf {
		// Fits after all (the Crawler's snapshot was stale); fall back to
		// an in-place spread.
		op.Execute(plan, mgr)
		return nil, nil
	}

	firstCount := maxSegmentsPerLeaf
	secondCount := numOut - firstCount

	sibling, err := leaf.NewEmpty(pool, op.EpochThread, capPerSeg, secondCount, key.Max, l.HighFence())
	if err != nil {
		return nil, err
	}

	out := make([]*segment.Segment, firstCount)
	for i := range out {
		if i < len(window) {
			out[i] = window[i]
		} else {
			out[i] = segment.New(key.Max, capPerSeg, op.EpochThread)
		}
	}

	targetPerSeg := int(0.75 * float64(capPerSeg))
	idx := 0
	for i, s := range out {
		target := targetPerSeg
		_, next := s.Save(scratch, idx, target, capPerSeg)
		idx = next
		if first := firstKeyOf(s); first != (key.Key{}) && i > 0 {
			s.SetFenceLow(first)
		}
	}
	for i, s := range sibling.Segments {
		target := targetPerSeg
		if i == len(sibling.Segments)-1 {
			target = math.MaxInt
		}
		_, next := s.Save(scratch, idx, target, capPerSeg)
		idx = next
		if first := firstKeyOf(s); first != (key.Key{}) {
			s.SetFenceLow(first)
		}
	}

	oldHigh := l.HighFence()
	l.ReplaceSegments(out)
	l.SetHighFence(sibling.LowFence())
	sibling.SetHighFence(oldHigh)
	oldNext := l.Next()
	l.Link(sibling)
	sibling.Link(oldNext)

	return sibling, nil
}

// prepareScratch runs steps 1-3 of the Spread Operator (load, prune,
// tune_plan) shared by Execute and ExecuteSplit.
func prepareScratch(window []*segment.Segment, mgr *txn.Manager) (entries []sparsefile.ScratchEntry, numOut, capPerSeg int) {
	var scratch []scratchRecord
	for _, s := range window {
		for _, e := range s.Load() {
			scratch = append(scratch, scratchRecord{entry: e})
		}
	}
	sortScratch(scratch)
	scratch = dropRedundantDummyVertices(scratch)

	minActive := mgr.MinActiveTimestamp()
	scratch = pruneScratch(scratch, minActive)

	for _, s := range window {
		if c := s.Capacity(); c > 0 {
			capPerSeg = c
			break
		}
	}
	if capPerSeg == 0 {
		capPerSeg = 1
	}
	numOut = numOutputSegments(len(scratch)*4, capPerSeg)
	if numOut < 1 {
		numOut = 1
	}

	entries = make([]sparsefile.ScratchEntry, len(scratch))
	for i, r := range scratch {
		entries[i] = r.entry
	}
	return entries, numOut, capPerSeg
}

type scratchRecord struct {
	entry sparsefile.ScratchEntry
}

func sortScratch(s []scratchRecord) {
	// insertion sort is adequate here: windows are a handful of segments,
	// each already internally sorted by segment.Load.
	for i := 1; i < len(s); i++ {
		for j := i; j > 0 && s[j].entry.Key.Compare(s[j-1].entry.Key) < 0; j-- {
			s[j], s[j-1] = s[j-1], s[j]
		}
	}
}

// dropRedundantDummyVertices removes dummy (First=false) vertex cells that
// immediately precede no edges of their own source in the merged
// scratchpad, since after a spread the authoritative first=true record may
// now be adjacent (spec.md §4.11 "drop dummy vertices that are redundant
// in the new layout").
func dropRedundantDummyVertices(s []scratchRecord) []scratchRecord {
	out := s[:0]
	for i, r := range s {
		if r.entry.IsVertex && !r.entry.Vertex.First {
			hasNextEdge := i+1 < len(s) && !s[i+1].entry.IsVertex && s[i+1].entry.Key.Source == r.entry.Key.Source
			if !hasNextEdge {
				continue
			}
		}
		out = append(out, r)
	}
	return out
}

func pruneScratch(s []scratchRecord, minActiveTimestamp uint64) []scratchRecord {
	out := s[:0]
	for _, r := range s {
		if r.entry.Version != nil && r.entry.Version.IsRemove {
			if owner, ok := r.entry.Version.Undo.(interface{ WriteID() uint64 }); ok {
				if w := owner.WriteID(); w < minActiveTimestamp {
					continue
				}
			}
		}
		out = append(out, r)
	}
	return out
}

func firstKeyOf(s *segment.Segment) key.Key {
	entries := s.Load()
	if len(entries) == 0 {
		return key.Key{}
	}
	return entries[0].Key
}
