package memstore

import (
	"github.com/erigontech/teseo/key"
	"github.com/erigontech/teseo/segment"
	"github.com/erigontech/teseo/terrors"
	"github.com/erigontech/teseo/txn"
)

// lockedSegment records a segment that had the vertex's removal lock set
// during the lock-and-remove walk, so the unlock pass (or a rollback) can
// revisit exactly those segments.
type lockedSegment struct {
	seg *segment.Segment
}

// removeVertex implements the three-step RemoveVertex orchestration from
// spec.md §4.14: a lock-and-remove walk across every segment holding a
// cell of v, an undirected fix-up via remove_edge(dest, src) for each
// collected destination, then an unlock pass. A user error from step 1 or
// step 2 (most notably VertexLocked by a concurrent remover) rolls back
// everything already applied and returns the error, per the error
// recovery policy in spec.md §5.
func (s *Store) removeVertex(t *txn.Transaction, v uint64) (int, error) {
	vk := key.NewVertex(v)

	var destinations []uint64
	var locked []lockedSegment
	undoCount := 0

	rollbackApplied := func() {
		t.RollbackLast(undoCount)
		for _, ls := range locked {
			ls.seg.UnlockVertex(v)
		}
	}

	l, seg, err := s.resolve(vk)
	if err != nil {
		return 0, err
	}
	if seg == nil || !seg.HasItem(t, vk) {
		return 0, terrors.New(terrors.KindVertexDoesNotExist, vk.String())
	}

	// Step 1: lock-and-remove walk. The vertex's first cell lives in seg;
	// subsequent segments may hold dummy-vertex continuation cells with
	// further edges of the same source (spec.md §4.9 "dummy vertex
	// records").
	for cl, cs := l, seg; cs != nil; {
		cs.Lock()
		batch := &segment.RemoveVertexBatch{}
		rerr := cs.RemoveVertex(t, v, batch)
		if rerr != nil {
			cs.Unlock()
			rollbackApplied()
			return 0, rerr
		}
		// Every segment visited attaches one undo record for its (real or
		// dummy) vertex cell plus one per removed edge found there.
		undoCount += 1 + len(batch.Destinations)
		destinations = append(destinations, batch.Destinations...)
		if batch.UnlockRequired {
			locked = append(locked, lockedSegment{seg: cs})
		}
		cs.Unlock()

		idx := cl.SegmentIndex(cs)
		var next *segment.Segment
		if idx >= 0 && idx+1 < len(cl.Segments) {
			next = cl.Segments[idx+1]
		} else if cl.Next() != nil {
			nl := cl.Next()
			if len(nl.Segments) > 0 {
				next = nl.Segments[0]
				cl = nl
			}
		}
		if next == nil || next.FenceLow().Source != v {
			break
		}
		cs = next
	}

	// Step 2: undirected fix-up. Remove the reverse edge for every
	// destination the walk collected.
	for _, dst := range destinations {
		if err := s.RemoveEdge(t, dst, v); err != nil {
			if terrors.Is(err, terrors.KindEdgeDoesNotExist) {
				continue
			}
			rollbackApplied()
			return 0, err
		}
		undoCount++
	}

	t.AddDelta(-1, -int64(len(destinations)))

	// Step 3: unlock pass. Clear every removal lock step 1 set.
	for _, ls := range locked {
		ls.seg.UnlockVertex(v)
	}

	return len(destinations), nil
}
