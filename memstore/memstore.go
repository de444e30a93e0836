// Package memstore wires together the index, leaves, and segments into the
// single structure a transaction operates against: resolve a key to its
// owning segment via the global ART index, dispatch the requested
// operation, retry on optimistic Abort, and request a rebalance when a
// writer observes high occupancy (spec.md §2 "memstore glue").
package memstore

import (
	"go.uber.org/zap"

	"github.com/erigontech/teseo/bufferpool"
	"github.com/erigontech/teseo/epoch"
	"github.com/erigontech/teseo/index"
	"github.com/erigontech/teseo/key"
	"github.com/erigontech/teseo/latch"
	"github.com/erigontech/teseo/leaf"
	"github.com/erigontech/teseo/model"
	"github.com/erigontech/teseo/rebalance"
	"github.com/erigontech/teseo/segment"
	"github.com/erigontech/teseo/terrors"
	"github.com/erigontech/teseo/txn"
)

// rebalanceThreshold is the fraction of a segment's qword capacity above
// which a writer signals the async rebalancer (spec.md §4.8 "Rebalance
// request: a writer observing 'used space close to threshold'").
const rebalanceThreshold = 0.85

// Store is the per-graph memstore: the global index, the leaf linked list,
// the epoch GC thread/collector, the buffer pool, and the async rebalance
// service.
type Store struct {
	log *zap.Logger

	Index *index.Index
	head  *leaf.Leaf // first leaf in fence-key order

	EpochThread    *epoch.Thread
	EpochCollector *epoch.Collector
	Pool           *bufferpool.Pool
	Async          *rebalance.Service
	Merger         *rebalance.Merger

	sparseCapacityQwords int
	maxSegmentsPerLeaf   int
}

// Options configures a new Store; zero values fall back to sane defaults.
type Options struct {
	Log                  *zap.Logger
	SparseCapacityQwords int
	SegmentsPerLeaf      int
	MaxSegmentsPerLeaf   int
	AsyncWorkers         int
	BufferPool           bufferpool.Config
}

// New builds an empty Store with a single leaf spanning the whole key
// space.
func New(opts Options, mgr *txn.Manager) (*Store, error) {
	if opts.Log == nil {
		opts.Log = zap.NewNop()
	}
	if opts.SparseCapacityQwords == 0 {
		opts.SparseCapacityQwords = 1024
	}
	if opts.SegmentsPerLeaf == 0 {
		opts.SegmentsPerLeaf = leaf.DefaultSegmentsPerLeaf
	}
	if opts.MaxSegmentsPerLeaf == 0 {
		opts.MaxSegmentsPerLeaf = opts.SegmentsPerLeaf * 2
	}
	if opts.AsyncWorkers == 0 {
		opts.AsyncWorkers = 2
	}
	if opts.BufferPool.PageSize == 0 {
		opts.BufferPool = bufferpool.DefaultConfig()
	}

	pool, err := bufferpool.New(opts.BufferPool, opts.Log)
	if err != nil {
		return nil, err
	}

	et := epoch.NewThread(0)
	collector := epoch.NewCollector()
	collector.Register(et)

	s := &Store{
		log:                  opts.Log,
		Index:                index.New(et),
		EpochThread:          et,
		EpochCollector:       collector,
		Pool:                 pool,
		sparseCapacityQwords: opts.SparseCapacityQwords,
		maxSegmentsPerLeaf:   opts.MaxSegmentsPerLeaf,
	}

	l, err := leaf.NewEmpty(pool, et, opts.SparseCapacityQwords, opts.SegmentsPerLeaf, key.Min, key.Max)
	if err != nil {
		return nil, err
	}
	s.head = l
	if err := s.Index.Publish(l); err != nil {
		return nil, err
	}

	s.Async = rebalance.NewService(mgr, et, opts.AsyncWorkers, pool, s.Index, opts.MaxSegmentsPerLeaf)
	s.Merger = &rebalance.Merger{Index: s.Index, EpochThread: et, Mgr: mgr}
	return s, nil
}

// Close stops the async rebalancer and unmaps the buffer pool.
func (s *Store) Close() error {
	stopErr := s.Async.Stop()
	if err := s.Pool.Close(); err != nil {
		return err
	}
	return stopErr
}

// resolvedSegment bundles the pair resolve returns, so latch.Retry has a
// single value to carry across retries.
type resolvedSegment struct {
	leaf *leaf.Leaf
	seg  *segment.Segment
}

// resolve finds the segment owning k, retrying the whole index lookup on
// terrors.Abort (spec.md §4.10 "read optimistically by memstore
// traversals").
func (s *Store) resolve(k key.Key) (*leaf.Leaf, *segment.Segment, error) {
	rs, err := latch.Retry(func() (resolvedSegment, error) {
		entry, ok, err := s.Index.Lookup(k)
		if err != nil {
			return resolvedSegment{}, err
		}
		if !ok {
			// No published entry below k: fall back to the head leaf, which
			// covers key.Min.
			if s.head == nil {
				return resolvedSegment{}, terrors.New(terrors.KindLogicalError, "empty memstore")
			}
			return resolvedSegment{leaf: s.head, seg: s.head.SegmentFor(k)}, nil
		}
		return resolvedSegment{leaf: entry.Leaf, seg: entry.Leaf.SegmentFor(k)}, nil
	})
	if err != nil {
		return nil, nil, err
	}
	return rs.leaf, rs.seg, nil
}

// withWriteSegment resolves k, takes the owning segment's write lock, runs
// fn, and unlocks; on KindVertexPhantomWrite-eligible paths the caller
// checks IsVertexLocked separately (spec.md §7).
func (s *Store) withWriteSegment(k key.Key, fn func(seg *segment.Segment) error) error {
	_, seg, err := s.resolve(k)
	if err != nil {
		return err
	}
	if seg == nil {
		return terrors.New(terrors.KindLogicalError, "no segment for key "+k.String())
	}
	seg.Lock()
	defer seg.Unlock()
	return fn(seg)
}

// InsertVertex implements insert_vertex (spec.md §6).
func (s *Store) InsertVertex(t *txn.Transaction, v uint64) error {
	upd := model.Update{Kind: model.UpdateVertex, Op: model.OpInsert, Key: key.NewVertex(v)}
	return s.withWriteSegment(upd.Key, func(seg *segment.Segment) error {
		if err := seg.Update(t, upd, true); err != nil {
			return err
		}
		t.AddDelta(1, 0)
		s.maybeRequestRebalance(seg)
		return nil
	})
}

// RemoveVertex implements remove_vertex (spec.md §6, §4.14): it is the
// multi-segment cross-cutting operation delegated to remove_vertex.go.
func (s *Store) RemoveVertex(t *txn.Transaction, v uint64) (int, error) {
	return s.removeVertex(t, v)
}

// HasVertex implements has_vertex.
func (s *Store) HasVertex(t *txn.Transaction, v uint64) (bool, error) {
	k := key.NewVertex(v)
	_, seg, err := s.resolve(k)
	if err != nil {
		return false, err
	}
	if seg == nil {
		return false, nil
	}
	return seg.HasItem(t, k), nil
}

// InsertEdge implements insert_edge, including the undirected second leg
// with RollbackLast(1) cleanup on failure.
func (s *Store) InsertEdge(t *txn.Transaction, src, dst uint64, weight float64, undirected bool) error {
	if src == dst {
		return terrors.New(terrors.KindEdgeSelf, key.NewEdge(src, dst).String())
	}
	upd := model.Update{Kind: model.UpdateEdge, Op: model.OpInsert, Key: key.NewEdge(src, dst), Weight: weight}
	if err := s.withWriteSegment(upd.Key, func(seg *segment.Segment) error {
		if seg.IsVertexLocked(src) {
			return terrors.New(terrors.KindVertexPhantomWrite, upd.Key.String())
		}
		if err := seg.Update(t, upd, false); err == terrors.NotSureIfItHasSourceVertex {
			exists, herr := s.HasVertex(t, src)
			if herr != nil {
				return herr
			}
			if !exists {
				return terrors.New(terrors.KindVertexDoesNotExist, key.NewVertex(src).String())
			}
			return seg.Update(t, upd, true)
		} else if err != nil {
			return err
		}
		t.AddDelta(0, 1)
		s.maybeRequestRebalance(seg)
		return nil
	}); err != nil {
		return err
	}
	if !undirected {
		return nil
	}
	rev := model.Update{Kind: model.UpdateEdge, Op: model.OpInsert, Key: key.NewEdge(dst, src), Weight: weight}
	if err := s.withWriteSegment(rev.Key, func(seg *segment.Segment) error {
		if seg.IsVertexLocked(dst) {
			return terrors.New(terrors.KindVertexPhantomWrite, rev.Key.String())
		}
		if err := seg.Update(t, rev, false); err == terrors.NotSureIfItHasSourceVertex {
			exists, herr := s.HasVertex(t, dst)
			if herr != nil {
				return herr
			}
			if !exists {
				return terrors.New(terrors.KindVertexDoesNotExist, key.NewVertex(dst).String())
			}
			return seg.Update(t, rev, true)
		} else if err != nil {
			return err
		}
		t.AddDelta(0, 1)
		s.maybeRequestRebalance(seg)
		return nil
	}); err != nil {
		t.RollbackLast(1)
		t.AddDelta(0, -1)
		return err
	}
	return nil
}

// RemoveEdge implements remove_edge.
func (s *Store) RemoveEdge(t *txn.Transaction, src, dst uint64) error {
	upd := model.Update{Kind: model.UpdateEdge, Op: model.OpRemove, Key: key.NewEdge(src, dst)}
	return s.withWriteSegment(upd.Key, func(seg *segment.Segment) error {
		if err := seg.Update(t, upd, true); err != nil {
			return err
		}
		t.AddDelta(0, -1)
		return nil
	})
}

// HasEdge implements has_edge.
func (s *Store) HasEdge(t *txn.Transaction, src, dst uint64) (bool, error) {
	k := key.NewEdge(src, dst)
	_, seg, err := s.resolve(k)
	if err != nil {
		return false, err
	}
	if seg == nil {
		return false, nil
	}
	return seg.HasItem(t, k), nil
}

// GetWeight implements get_weight.
func (s *Store) GetWeight(t *txn.Transaction, src, dst uint64) (float64, error) {
	k := key.NewEdge(src, dst)
	_, seg, err := s.resolve(k)
	if err != nil {
		return 0, err
	}
	if seg == nil {
		return 0, terrors.New(terrors.KindEdgeDoesNotExist, k.String())
	}
	w, ok := seg.GetWeight(t, k)
	if !ok {
		return 0, terrors.New(terrors.KindEdgeDoesNotExist, k.String())
	}
	return w, nil
}

// Degree implements degree: a vertex's edges may span multiple segments
// (dummy-vertex continuation records), so this walks the leaf chain from
// the vertex's owning segment forward while cells still belong to source.
func (s *Store) Degree(t *txn.Transaction, v uint64) (int, error) {
	vk := key.NewVertex(v)
	l, seg, err := s.resolve(vk)
	if err != nil {
		return 0, err
	}
	if seg == nil {
		return 0, terrors.New(terrors.KindVertexDoesNotExist, vk.String())
	}
	if !seg.HasItem(t, vk) {
		return 0, terrors.New(terrors.KindVertexDoesNotExist, vk.String())
	}
	total := 0
	for cl, cs := l, seg; cs != nil; {
		total += cs.GetDegree(t, v)
		idx := cl.SegmentIndex(cs)
		if idx >= 0 && idx+1 < len(cl.Segments) {
			cs = cl.Segments[idx+1]
		} else if cl.Next() != nil {
			cl = cl.Next()
			if len(cl.Segments) == 0 {
				break
			}
			cs = cl.Segments[0]
		} else {
			break
		}
		if cs.FenceLow().Source != v {
			break
		}
	}
	return total, nil
}

// Scan implements scan(v, cb): it walks forward from v's key across
// segments and leaves (spec.md §6, §4.6.3). It passes no optimistic
// validation callback to the segments and does not retry: any error a
// segment returns is returned as is.
func (s *Store) Scan(t *txn.Transaction, v uint64, cb func(src, dst uint64, weight float64) bool) error {
	next := key.NewVertex(v)
	l, seg, err := s.resolve(next)
	if err != nil {
		return err
	}
	for seg != nil {
		stop := false
		wrapped := func(src, dst uint64, weight float64) bool {
			if src != v {
				stop = true
				return false
			}
			if dst == 0 {
				// First-vertex/dummy-vertex record, not an edge: sparsefile.Scan
				// emits these to let the walk find a source's edge run, but
				// scan(v) itself yields one tuple per edge (spec.md §6).
				return true
			}
			return cb(src, dst, weight)
		}
		if err := seg.Scan(t, next, wrapped, nil); err != nil {
			return err
		}
		if stop {
			return nil
		}
		idx := l.SegmentIndex(seg)
		if idx >= 0 && idx+1 < len(l.Segments) {
			seg = l.Segments[idx+1]
			next = seg.FenceLow()
			continue
		}
		if l.Next() == nil {
			return nil
		}
		l = l.Next()
		if len(l.Segments) == 0 {
			return nil
		}
		seg = l.Segments[0]
		next = seg.FenceLow()
	}
	return nil
}

// NumVertices/NumEdges proxy the transaction manager's global counters.
func (s *Store) NumVertices(mgr *txn.Manager) int64 { return mgr.NumVertices() }
func (s *Store) NumEdges(mgr *txn.Manager) int64    { return mgr.NumEdges() }

// maybeRequestRebalance submits an async rebalance request when seg's
// occupancy crosses rebalanceThreshold (spec.md §4.8).
func (s *Store) maybeRequestRebalance(seg *segment.Segment) {
	cap := seg.Capacity()
	if cap == 0 {
		return
	}
	if float64(seg.UsedQwords())/float64(cap) < rebalanceThreshold {
		return
	}
	l, _, err := s.resolve(seg.FenceLow())
	if err != nil || l == nil {
		return
	}
	s.Async.Submit(rebalance.Request{Leaf: l, SegmentKey: seg.FenceLow()})
}

// RunMergerPass runs one periodic Merger pass over the whole leaf chain
// (spec.md §4.13).
func (s *Store) RunMergerPass() {
	s.head = s.Merger.Pass(s.head)
}

// Stats is a read-only snapshot of the memstore's physical shape, useful
// for observability and benchmarking but not part of any transaction's
// visible state.
type Stats struct {
	NumVertices      int64
	NumEdges         int64
	NumLeaves        int
	NumSegments      int
	NumDenseSegments int
}

// Stats walks the leaf chain and counts leaves/segments/dense segments,
// combined with the manager's global vertex/edge counters.
func (s *Store) Stats(mgr *txn.Manager) Stats {
	st := Stats{NumVertices: mgr.NumVertices(), NumEdges: mgr.NumEdges()}
	start := s.Index.FirstLeaf()
	if start == nil {
		start = s.head
	}
	for l := start; l != nil; l = l.Next() {
		st.NumLeaves++
		for _, seg := range l.Segments {
			st.NumSegments++
			if seg.IsDense() {
				st.NumDenseSegments++
			}
		}
	}
	return st
}
