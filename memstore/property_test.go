package memstore

import (
	"sort"
	"testing"

	"github.com/google/go-cmp/cmp"
	"pgregory.net/rapid"

	"github.com/erigontech/teseo/txn"
)

// edgeOp is a rapid-generated instruction: insert a directed edge between
// two vertices in the 1..n range.
type edgeOp struct {
	Src, Dst uint64
	Weight   float64
}

func genEdgeOps(t *rapid.T, n uint64) []edgeOp {
	count := rapid.IntRange(0, 40).Draw(t, "count")
	ops := make([]edgeOp, 0, count)
	for i := 0; i < count; i++ {
		src := rapid.Uint64Range(1, n).Draw(t, "src")
		dst := rapid.Uint64Range(1, n).Draw(t, "dst")
		if src == dst {
			continue
		}
		w := rapid.Float64Range(0, 1000).Draw(t, "weight")
		ops = append(ops, edgeOp{src, dst, w})
	}
	return ops
}

// buildGraph inserts vertices 1..n and applies ops (skipping duplicate
// edges), returning the store, manager, and the de-duplicated edge set
// actually committed.
func buildGraph(t *rapid.T, n uint64, ops []edgeOp) (*Store, *txn.Manager, map[edgeOp]bool) {
	mgr := txn.NewManager()
	s, err := New(testOptions(), mgr)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	tx := mgr.Begin(false)
	for v := uint64(1); v <= n; v++ {
		if err := s.InsertVertex(tx, v); err != nil {
			t.Fatalf("InsertVertex(%d): %v", v, err)
		}
	}
	committed := make(map[edgeOp]bool)
	seen := make(map[[2]uint64]bool)
	for _, op := range ops {
		dedupKey := [2]uint64{op.Src, op.Dst}
		if seen[dedupKey] {
			continue
		}
		if err := s.InsertEdge(tx, op.Src, op.Dst, op.Weight, false); err != nil {
			continue
		}
		seen[dedupKey] = true
		committed[op] = true
	}
	if err := tx.Commit(mgr); err != nil {
		t.Fatalf("Commit: %v", err)
	}
	return s, mgr, committed
}

// Property 2: degree(v) equals the number of has_edge(v, x) that return
// true across all x in the vertex range.
func TestPropertyDegreeMatchesHasEdgeCount(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		n := rapid.Uint64Range(2, 12).Draw(t, "n")
		ops := genEdgeOps(t, n)
		s, mgr, _ := buildGraph(t, n, ops)
		defer s.Close()

		reader := mgr.Begin(true)
		for v := uint64(1); v <= n; v++ {
			d, err := s.Degree(reader, v)
			if err != nil {
				t.Fatalf("Degree(%d): %v", v, err)
			}
			count := 0
			for x := uint64(1); x <= n; x++ {
				has, err := s.HasEdge(reader, v, x)
				if err != nil {
					t.Fatalf("HasEdge(%d,%d): %v", v, x, err)
				}
				if has {
					count++
				}
			}
			if d != count {
				t.Fatalf("vertex %d: degree=%d but has_edge count=%d", v, d, count)
			}
		}
	})
}

// Property 3: scan(v) yields (v, d, w) tuples in strictly increasing d
// order, exactly once per visible edge.
func TestPropertyScanOrderedAndComplete(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		n := rapid.Uint64Range(2, 12).Draw(t, "n")
		ops := genEdgeOps(t, n)
		s, mgr, committed := buildGraph(t, n, ops)
		defer s.Close()

		reader := mgr.Begin(true)
		for v := uint64(1); v <= n; v++ {
			var dsts []uint64
			if err := s.Scan(reader, v, func(_, dst uint64, _ float64) bool {
				dsts = append(dsts, dst)
				return true
			}); err != nil {
				t.Fatalf("Scan(%d): %v", v, err)
			}
			for i := 1; i < len(dsts); i++ {
				if dsts[i] <= dsts[i-1] {
					t.Fatalf("scan(%d) not strictly increasing: %v", v, dsts)
				}
			}

			var want []uint64
			for op := range committed {
				if op.Src == v {
					want = append(want, op.Dst)
				}
			}
			sort.Slice(want, func(i, j int) bool { return want[i] < want[j] })
			if diff := cmp.Diff(want, dsts); diff != "" {
				t.Fatalf("scan(%d) mismatch (-want +got):\n%s", v, diff)
			}
		}
	})
}

type graphSnapshot struct {
	HasV1, HasV2, HasEdge bool
	NumVertices, NumEdges int64
}

func snapshotGraph(t *rapid.T, s *Store, mgr *txn.Manager, v1, v2 uint64) graphSnapshot {
	reader := mgr.Begin(true)
	h1, err := s.HasVertex(reader, v1)
	if err != nil {
		t.Fatalf("HasVertex(%d): %v", v1, err)
	}
	h2, err := s.HasVertex(reader, v2)
	if err != nil {
		t.Fatalf("HasVertex(%d): %v", v2, err)
	}
	he, err := s.HasEdge(reader, v1, v2)
	if err != nil {
		t.Fatalf("HasEdge(%d,%d): %v", v1, v2, err)
	}
	return graphSnapshot{
		HasV1: h1, HasV2: h2, HasEdge: he,
		NumVertices: mgr.NumVertices(), NumEdges: mgr.NumEdges(),
	}
}

// Property 4: for every insert/remove followed by rollback, the
// post-state equals the pre-state.
func TestPropertyRollbackRestoresPriorState(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		mgr := txn.NewManager()
		s, err := New(testOptions(), mgr)
		if err != nil {
			t.Fatalf("New: %v", err)
		}
		defer s.Close()

		base := mgr.Begin(false)
		if err := s.InsertVertex(base, 1); err != nil {
			t.Fatalf("InsertVertex(1): %v", err)
		}
		if err := s.InsertVertex(base, 2); err != nil {
			t.Fatalf("InsertVertex(2): %v", err)
		}
		if err := s.InsertEdge(base, 1, 2, 1.0, false); err != nil {
			t.Fatalf("InsertEdge: %v", err)
		}
		if err := base.Commit(mgr); err != nil {
			t.Fatalf("Commit: %v", err)
		}

		before := snapshotGraph(t, s, mgr, 1, 2)

		tx := mgr.Begin(false)
		switch rapid.IntRange(0, 2).Draw(t, "op") {
		case 0:
			_, _ = s.RemoveVertex(tx, 1)
		case 1:
			_ = s.RemoveEdge(tx, 1, 2)
		case 2:
			_ = s.InsertVertex(tx, 3)
		}
		tx.Rollback(mgr)

		after := snapshotGraph(t, s, mgr, 1, 2)
		if diff := cmp.Diff(before, after); diff != "" {
			t.Fatalf("post-rollback state diverges from pre-state (-before +after):\n%s", diff)
		}
	})
}

// Property 6: for every commit, num_vertices and num_edges counters
// change exactly by the transaction's local delta.
func TestPropertyCommitCountersMatchLocalDelta(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		mgr := txn.NewManager()
		s, err := New(testOptions(), mgr)
		if err != nil {
			t.Fatalf("New: %v", err)
		}
		defer s.Close()

		vBefore, eBefore := mgr.NumVertices(), mgr.NumEdges()

		tx := mgr.Begin(false)
		vDelta, eDelta := 0, 0
		numVerts := rapid.IntRange(1, 6).Draw(t, "numVerts")
		for i := 0; i < numVerts; i++ {
			v := uint64(i + 1)
			if err := s.InsertVertex(tx, v); err == nil {
				vDelta++
			}
		}
		if numVerts >= 2 {
			if err := s.InsertEdge(tx, 1, 2, 1.0, false); err == nil {
				eDelta++
			}
		}
		if err := tx.Commit(mgr); err != nil {
			t.Fatalf("Commit: %v", err)
		}

		if mgr.NumVertices()-vBefore != int64(vDelta) {
			t.Fatalf("vertex counter delta mismatch: want %d got %d", vDelta, mgr.NumVertices()-vBefore)
		}
		if mgr.NumEdges()-eBefore != int64(eDelta) {
			t.Fatalf("edge counter delta mismatch: want %d got %d", eDelta, mgr.NumEdges()-eBefore)
		}
	})
}
