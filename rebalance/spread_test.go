package rebalance

import (
	"testing"

	"pgregory.net/rapid"

	"github.com/erigontech/teseo/key"
	"github.com/erigontech/teseo/leaf"
	"github.com/erigontech/teseo/model"
	"github.com/erigontech/teseo/segment"
	"github.com/erigontech/teseo/txn"
)

// Property 5: after a Spread that preserves cardinality, pre- and
// post-scan results are element-wise equal for every vertex.
func TestPropertySpreadPreservesVisibleVertices(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		loCount := rapid.IntRange(1, 15).Draw(t, "loCount")
		hiCount := rapid.IntRange(1, 15).Draw(t, "hiCount")

		mgr := txn.NewManager()
		segs := []*segment.Segment{
			segment.New(key.NewVertex(0), 256, nil),
			segment.New(key.NewVertex(1000), 256, nil),
		}
		l := leaf.New(segs, key.Max)

		fillVerticesRapid(t, mgr, segs[0], 1, uint64(loCount))
		fillVerticesRapid(t, mgr, segs[1], 1000, 1000+uint64(hiCount))

		before := scanPresence(t, mgr, l, 0, uint64(loCount), 1000, 1000+uint64(hiCount))

		op := &SpreadOperator{}
		plan := &Plan{Kind: Spread, Leaf1: l, WindowStart: 0, WindowEnd: 2}
		op.Execute(plan, mgr)

		after := scanPresence(t, mgr, l, 0, uint64(loCount), 1000, 1000+uint64(hiCount))

		if len(before) != len(after) {
			t.Fatalf("visible vertex count changed: before=%d after=%d", len(before), len(after))
		}
		for k, v := range before {
			if after[k] != v {
				t.Fatalf("visibility of vertex %d changed across Spread: before=%v after=%v", k, v, after[k])
			}
		}
	})
}

func fillVerticesRapid(t *rapid.T, mgr *txn.Manager, s *segment.Segment, from, to uint64) {
	for i := from; i < to; i++ {
		tx := mgr.Begin(false)
		if err := s.Update(tx, model.Update{Kind: model.UpdateVertex, Op: model.OpInsert, Key: key.NewVertex(i)}, false); err != nil {
			t.Fatalf("Update(%d): %v", i, err)
		}
		if err := tx.Commit(mgr); err != nil {
			t.Fatalf("Commit(%d): %v", i, err)
		}
	}
}

func scanPresence(t *rapid.T, mgr *txn.Manager, l *leaf.Leaf, lo1, hi1, lo2, hi2 uint64) map[uint64]bool {
	reader := mgr.Begin(true)
	out := make(map[uint64]bool)
	for i := lo1; i < hi1; i++ {
		out[i] = l.SegmentFor(key.NewVertex(i)).HasItem(reader, key.NewVertex(i))
	}
	for i := lo2; i < hi2; i++ {
		out[i] = l.SegmentFor(key.NewVertex(i)).HasItem(reader, key.NewVertex(i))
	}
	return out
}
