// Package leaf implements the fixed-size container of N segments, the
// leaf-level coordination latch, and the linked-list pointers scans follow
// across leaf boundaries (spec.md §4.9).
package leaf

import (
	"sort"

	"github.com/sasha-s/go-deadlock"

	"github.com/erigontech/teseo/bufferpool"
	"github.com/erigontech/teseo/epoch"
	"github.com/erigontech/teseo/key"
	"github.com/erigontech/teseo/segment"
)

// DefaultSegmentsPerLeaf is the compile-time N from spec.md §4.9
// ("Fixed-size container of N segments"), overridable per-graph via
// config.Config.Memstore.NumSegmentsPerLeaf.
const DefaultSegmentsPerLeaf = 16

// Leaf is a fixed-size ordered array of segments plus the coordination
// state a rebalancer or merger needs to act across them.
type Leaf struct {
	// busyMu/busy/waiters implement the "spin lock with a busy flag and a
	// wait list" described in spec.md §4.9, distinct from any individual
	// segment's own latch: it serializes cross-segment operations (splits,
	// merges) at the whole-leaf granularity.
	busyMu  deadlock.Mutex
	busy    bool
	waiters []chan struct{}

	lowFence  key.Key
	highFence key.Key

	Segments []*segment.Segment

	next *Leaf
	prev *Leaf

	// pool/page reserve a buffer-pool page for this leaf (nothing is
	// written to it), allocated when the leaf is created via NewEmpty (spec.md
	// §4.11 step 4: "allocating new leaves via the buffer pool") and
	// released by Free when the leaf is retired by a merge.
	pool    *bufferpool.Pool
	page    bufferpool.PageID
	hasPage bool
}

// New builds a leaf holding the given segments (already fence-ordered),
// with lowFence equal to segments[0]'s fence (spec.md §4.9 invariant).
func New(segments []*segment.Segment, highFence key.Key) *Leaf {
	var low key.Key
	if len(segments) > 0 {
		low = segments[0].FenceLow()
	}
	return &Leaf{lowFence: low, highFence: highFence, Segments: segments}
}

// LowFence returns the leaf's low fence key.
func (l *Leaf) LowFence() key.Key { return l.lowFence }

// HighFence returns the leaf's high fence key.
func (l *Leaf) HighFence() key.Key { return l.highFence }

// SetHighFence updates the leaf's high fence, used when a neighboring leaf
// is split or merged.
func (l *Leaf) SetHighFence(k key.Key) { l.highFence = k }

// Next returns the linked-list successor leaf (nil at the tail).
func (l *Leaf) Next() *Leaf { return l.next }

// Prev returns the linked-list predecessor leaf (nil at the head).
func (l *Leaf) Prev() *Leaf { return l.prev }

// Link makes next l's successor and l next's predecessor in the leaf-level
// linked list. It changes no fence keys and does not touch l's previous
// successor or next's own successor.
func (l *Leaf) Link(next *Leaf) {
	l.next = next
	if next != nil {
		next.prev = l
	}
}

// SegmentFor performs the fence-key lookup described in spec.md §4.9: a
// binary search over segment low fences, with the last segment owning up
// to the leaf's high fence.
func (l *Leaf) SegmentFor(k key.Key) *segment.Segment {
	if len(l.Segments) == 0 {
		return nil
	}
	i := sort.Search(len(l.Segments), func(i int) bool {
		return l.Segments[i].FenceLow().Compare(k) > 0
	})
	if i == 0 {
		return l.Segments[0]
	}
	return l.Segments[i-1]
}

// SegmentIndex returns the slot index of seg within this leaf, or -1.
func (l *Leaf) SegmentIndex(seg *segment.Segment) int {
	for i, s := range l.Segments {
		if s == seg {
			return i
		}
	}
	return -1
}

// Acquire spins/blocks until the leaf-level coordination lock is free, then
// takes it. Used by the rebalancer/merger before mutating Segments.
func (l *Leaf) Acquire() {
	l.busyMu.Lock()
	for l.busy {
		done := make(chan struct{})
		l.waiters = append(l.waiters, done)
		l.busyMu.Unlock()
		<-done
		l.busyMu.Lock()
	}
	l.busy = true
	l.busyMu.Unlock()
}

// Release frees the leaf-level coordination lock and wakes one waiter.
func (l *Leaf) Release() {
	l.busyMu.Lock()
	l.busy = false
	var w chan struct{}
	if len(l.waiters) > 0 {
		w = l.waiters[0]
		l.waiters = l.waiters[1:]
	}
	l.busyMu.Unlock()
	if w != nil {
		close(w)
	}
}

// UsedQwords sums the occupancy of every segment in the leaf, the input to
// the crawler's calibrator-tree density thresholds (spec.md §4.11).
func (l *Leaf) UsedQwords() int {
	total := 0
	for _, s := range l.Segments {
		total += s.UsedQwords()
	}
	return total
}

// Capacity sums the sparse-file qword budget of every segment.
func (l *Leaf) Capacity() int {
	total := 0
	for _, s := range l.Segments {
		total += s.Capacity()
	}
	return total
}

// ReplaceSegments swaps in a new segment array after a spread/split/merge
// commits, and recomputes the low fence from the new segment 0.
func (l *Leaf) ReplaceSegments(segs []*segment.Segment) {
	l.Segments = segs
	if len(segs) > 0 {
		l.lowFence = segs[0].FenceLow()
	}
}

// NewEmpty allocates a fresh leaf of n segments, backed by a page reserved
// from pool, used when the rebalancer allocates a new leaf during a split
// (spec.md §4.11 step 4: "allocating new leaves via the buffer pool"). If
// pool is nil (test fixtures that don't exercise physical backing), no
// page is reserved.
func NewEmpty(pool *bufferpool.Pool, epochThread *epoch.Thread, sparseCapacityQwords int, n int, fenceLow, fenceHigh key.Key) (*Leaf, error) {
	segs := make([]*segment.Segment, n)
	for i := range segs {
		segs[i] = segment.New(fenceLow, sparseCapacityQwords, epochThread)
	}
	l := New(segs, fenceHigh)
	if pool != nil {
		id, _, err := pool.AllocatePage()
		if err != nil {
			return nil, err
		}
		l.pool, l.page, l.hasPage = pool, id, true
	}
	return l, nil
}

// Free returns this leaf's backing page to its pool, if any. Called when
// a leaf is retired after a merge (spec.md §4.11 "the old leaves are
// returned to the buffer pool after publication").
func (l *Leaf) Free() {
	if l.hasPage {
		l.pool.DeallocatePage(l.page)
		l.hasPage = false
	}
}
