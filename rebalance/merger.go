package rebalance

import (
	"github.com/erigontech/teseo/epoch"
	"github.com/erigontech/teseo/index"
	"github.com/erigontech/teseo/leaf"
	"github.com/erigontech/teseo/segment"
	"github.com/erigontech/teseo/txn"
)

// mergeThreshold is the combined-occupancy fraction below which two
// adjacent leaves are folded into one (spec.md §4.13: "combined used_space
// <= 0.75 * total_capacity").
const mergeThreshold = 0.75

// Merger is a periodic background pass over a memstore's leaf chain,
// folding lightly-loaded adjacent leaf pairs and pruning every segment it
// visits (spec.md §4.13).
type Merger struct {
	Index       *index.Index
	EpochThread *epoch.Thread
	Mgr         *txn.Manager
}

// Pass walks the leaf chain starting at head in fence-key order, merging
// eligible adjacent pairs, and returns the (possibly new) chain head.
func (m *Merger) Pass(head *leaf.Leaf) *leaf.Leaf {
	if head == nil {
		return nil
	}
	minActive := m.Mgr.MinActiveTimestamp()

	cur := head
	for cur != nil && cur.Next() != nil {
		next := cur.Next()
		cur.Acquire()
		next.Acquire()

		for _, s := range cur.Segments {
			s.Prune(minActive)
		}
		for _, s := range next.Segments {
			s.Prune(minActive)
		}

		combined := cur.UsedQwords() + next.UsedQwords()
		totalCap := cur.Capacity() + next.Capacity()
		if totalCap > 0 && float64(combined)/float64(totalCap) <= mergeThreshold {
			m.merge(cur, next)
			next.Release()
			cur.Release()
			// cur now absorbed next; re-examine cur against its new
			// successor without advancing, in case a further merge is
			// possible.
			continue
		}
		next.Release()
		cur.Release()
		cur = next
	}
	return head
}

// merge implements lock2merge + the Merge-mode Spread Operator pass: it
// builds a Plan spanning every segment of both leaves, executes it into
// cur, withdraws next from the index, and splices next out of the chain
// (spec.md §4.13, §4.11 "Merges are symmetric").
func (m *Merger) merge(cur, next *leaf.Leaf) {
	for _, s := range cur.Segments {
		s.LockForRebalance(m)
	}
	for _, s := range next.Segments {
		s.LockForRebalance(m)
	}

	combined := append(append([]*segment.Segment(nil), cur.Segments...), next.Segments...)
	mergedLeaf := leaf.New(combined, next.HighFence())

	op := &SpreadOperator{EpochThread: m.EpochThread}
	op.Execute(&Plan{Kind: Merge, Leaf1: mergedLeaf, WindowStart: 0, WindowEnd: len(combined)}, m.Mgr)

	cur.ReplaceSegments(mergedLeaf.Segments)
	cur.SetHighFence(next.HighFence())
	cur.Link(next.Next())

	if m.Index != nil {
		_ = m.Index.Publish(cur)
		_ = m.Index.Withdraw(next)
	}
	next.Free()

	for _, s := range cur.Segments {
		s.UnlockRebalance()
	}
}
