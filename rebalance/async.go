package rebalance

import (
	"sync"
	"time"

	"go.uber.org/multierr"
	"golang.org/x/sync/singleflight"

	"github.com/erigontech/teseo/bufferpool"
	"github.com/erigontech/teseo/epoch"
	"github.com/erigontech/teseo/index"
	"github.com/erigontech/teseo/key"
	"github.com/erigontech/teseo/leaf"
	"github.com/erigontech/teseo/txn"
)

// coalesceDelay is the short delay a rebalance request waits in the timer
// queue so bursts of writer-triggered requests for the same segment
// coalesce into one pass (spec.md §4.12).
const coalesceDelay = 5 * time.Millisecond

// Request is one rebalance trigger: a leaf plus the key whose segment
// triggered it. The segment is re-resolved by fence key at service time
// since it may have changed since the request was queued.
type Request struct {
	Leaf       *leaf.Leaf
	SegmentKey key.Key
	queuedAt   time.Time
}

// Service is the queue-driven worker pool described in spec.md §4.12.
// There is no master goroutine or timer queue: Submit starts one goroutine
// per accepted request, which sleeps for coalesceDelay and then appends the
// request to a condition-variable FIFO that worker goroutines consume.
type Service struct {
	mgr    *txn.Manager
	thread *epoch.Thread

	// pool and index let a Split-kind plan allocate and publish a new
	// sibling leaf; maxSegmentsPerLeaf bounds how many output segments the
	// original leaf keeps before the remainder spills into that sibling
	// (spec.md §4.11 step 4). Both may be nil/zero in tests that only
	// exercise Spread-kind plans.
	pool               *bufferpool.Pool
	index              *index.Index
	maxSegmentsPerLeaf int

	mu   sync.Mutex
	cond *sync.Cond
	fifo []Request
	// inflight dedupes concurrent runs against the same segment key via
	// singleflight, a belt-and-suspenders guard alongside the FIFO's own
	// dedup: two requests queued before a fence-key change can still both
	// resolve to the same segment by the time a worker dequeues them.
	inflight singleflight.Group
	pending  map[key.Key]bool // dedupes requests for the same segment key in flight

	numWorkers int
	wg         sync.WaitGroup

	// errs aggregates any error a worker's runOne reported while draining
	// toward Stop, surfaced to the caller via Stop's return value.
	errsMu sync.Mutex
	errs   error
}

// NewService starts numWorkers worker goroutines draining the FIFO; call
// Stop to drain and terminate them. pool and idx may be nil if the
// workload never produces a Split-kind plan (e.g. a fixed small leaf in
// tests).
func NewService(mgr *txn.Manager, thread *epoch.Thread, numWorkers int, pool *bufferpool.Pool, idx *index.Index, maxSegmentsPerLeaf int) *Service {
	s := &Service{
		mgr: mgr, thread: thread, pool: pool, index: idx, maxSegmentsPerLeaf: maxSegmentsPerLeaf,
		pending: make(map[key.Key]bool), numWorkers: numWorkers,
	}
	s.cond = sync.NewCond(&s.mu)
	for i := 0; i < numWorkers; i++ {
		s.wg.Add(1)
		go s.worker()
	}
	return s
}

// Submit enqueues a rebalance request with the spec's short coalescing
// delay; a request for a segment key already pending is dropped (a burst
// of writers hitting the same hot segment produces one pass, not N).
func (s *Service) Submit(req Request) {
	s.mu.Lock()
	if s.pending[req.SegmentKey] {
		s.mu.Unlock()
		return
	}
	s.pending[req.SegmentKey] = true
	s.mu.Unlock()

	req.queuedAt = time.Now()
	go func() {
		time.Sleep(coalesceDelay)
		s.mu.Lock()
		s.fifo = append(s.fifo, req)
		s.cond.Signal()
		s.mu.Unlock()
	}()
}

// sentinelKey marks a worker-termination request pushed once per worker on
// Stop (spec.md §4.12 "Cancellation").
var sentinelKey = key.Key{Source: ^uint64(0), Destination: ^uint64(0) - 1}

func (s *Service) worker() {
	defer s.wg.Done()
	et := s.thread
	for {
		s.mu.Lock()
		for len(s.fifo) == 0 {
			s.cond.Wait()
		}
		req := s.fifo[0]
		s.fifo = s.fifo[1:]
		delete(s.pending, req.SegmentKey)
		s.mu.Unlock()

		if req.SegmentKey == sentinelKey {
			return
		}

		scope := et.Enter()
		_, err, _ := s.inflight.Do(req.SegmentKey.String(), func() (any, error) {
			return nil, s.runOne(req)
		})
		if err != nil {
			s.errsMu.Lock()
			s.errs = multierr.Append(s.errs, err)
			s.errsMu.Unlock()
		}
		scope.Exit()
	}
}

func (s *Service) runOne(req Request) error {
	seg := req.Leaf.SegmentFor(req.SegmentKey)
	if seg == nil {
		return nil
	}
	idx := req.Leaf.SegmentIndex(seg)
	if idx < 0 {
		return nil
	}
	// Verify the fence key still matches and rebalance is still needed
	// (spec.md §4.12): a concurrent pass may already have relieved this
	// segment's occupancy.
	if seg.FenceLow() != req.SegmentKey {
		return nil
	}
	if cap := seg.Capacity(); cap > 0 {
		lo, _ := densityBounds(0, ceilLog2(len(req.Leaf.Segments)))
		if float64(seg.UsedQwords())/float64(cap) < lo {
			return nil
		}
	}

	crawler := NewCrawler()
	plan := crawler.Crawl(req.Leaf, idx)
	op := &SpreadOperator{EpochThread: s.thread}

	// A Split-kind plan needs a sibling leaf allocated and published, not
	// an in-place spread (spec.md §4.11 step 4); Spread and Merge plans
	// rewrite the window in place.
	if plan.Kind == Split && s.pool != nil {
		sibling, err := op.ExecuteSplit(plan, s.pool, s.mgr, s.maxSegmentsPerLeaf)
		if err != nil {
			s.unlockWindow(plan)
			return err
		}
		if s.index != nil {
			if err := s.index.Publish(plan.Leaf1); err != nil {
				s.unlockWindow(plan)
				return err
			}
			if sibling != nil {
				if err := s.index.Publish(sibling); err != nil {
					s.unlockWindow(plan)
					return err
				}
			}
		}
	} else {
		op.Execute(plan, s.mgr)
	}

	s.unlockWindow(plan)
	return nil
}

func (s *Service) unlockWindow(plan *Plan) {
	for _, sg := range plan.Leaf1.Segments[plan.WindowStart:min(plan.WindowEnd, len(plan.Leaf1.Segments))] {
		sg.UnlockRebalance()
	}
}

func min(a, b int) int {
	if a < b {
		return a
	}
	return b
}

// Stop drains the queue and pushes one sentinel request per worker, then
// waits for all workers to exit (spec.md §4.12 "Cancellation"), returning
// the aggregate of any errors runOne reported while draining.
func (s *Service) Stop() error {
	s.mu.Lock()
	for i := 0; i < s.numWorkers; i++ {
		s.fifo = append(s.fifo, Request{SegmentKey: sentinelKey})
	}
	s.cond.Broadcast()
	s.mu.Unlock()
	s.wg.Wait()

	s.errsMu.Lock()
	defer s.errsMu.Unlock()
	return s.errs
}
