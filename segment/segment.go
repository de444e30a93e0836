// Package segment implements the fixed-capacity content unit behind each
// leaf slot: a state machine (FREE/READ/WRITE/REBAL) guarding either a
// sparse or a dense file, with an ordered wait queue for suspended holders
// (spec.md §4.8).
package segment

import (
	"time"

	"github.com/sasha-s/go-deadlock"

	"github.com/erigontech/teseo/densefile"
	"github.com/erigontech/teseo/epoch"
	"github.com/erigontech/teseo/key"
	"github.com/erigontech/teseo/latch"
	"github.com/erigontech/teseo/model"
	"github.com/erigontech/teseo/sparsefile"
	"github.com/erigontech/teseo/txn"
)

// State is a segment's current holder mode.
type State uint8

const (
	Free State = iota
	Read
	Write
	Rebal
)

func (s State) String() string {
	switch s {
	case Read:
		return "READ"
	case Write:
		return "WRITE"
	case Rebal:
		return "REBAL"
	default:
		return "FREE"
	}
}

// Purpose tags a suspended wait-queue entry with what it was trying to do.
type Purpose uint8

const (
	PurposeRead Purpose = iota
	PurposeWrite
	PurposeRebal
	PurposeFree
)

type waiter struct {
	purpose Purpose
	done    chan struct{}
}

// Segment is one fixed-capacity slot of a leaf: an optimistic latch (whose
// payload bit records sparse-vs-dense), a low fence key, and either a
// sparse or dense content file.
type Segment struct {
	Latch latch.Latch

	// mu guards state/queue/readers/writer below. go-deadlock instruments
	// every segment's mutex with cycle detection: with one mutex per
	// segment and cross-segment operations that must acquire several in a
	// fixed order (spec.md §5 "acquire the leaf latch first, then the
	// target segments in order"), a reordered acquire is a real deadlock
	// risk worth catching in tests rather than in production.
	mu    deadlock.Mutex
	state State
	queue []waiter

	readers int
	writer  bool

	fenceLow key.Key

	sparse *sparsefile.File
	dense  *densefile.File

	crawler       any // set to the owning *rebalance.Crawler while REBAL
	lastRebalance time.Time

	epochThread *epoch.Thread
}

// densePayload, when set via Latch.SetPayload, marks this segment's
// storage as a dense file; clear means sparse (spec.md §4.7 "the latch
// payload bit distinguishes which file kind occupies the segment's
// storage").
const densePayload = true

// New returns a FREE segment backed by a freshly created sparse file of the
// given qword capacity, with fenceLow as its low fence key.
func New(fenceLow key.Key, sparseCapacityQwords int, epochThread *epoch.Thread) *Segment {
	s := &Segment{
		fenceLow:    fenceLow,
		sparse:      sparsefile.New(sparseCapacityQwords),
		epochThread: epochThread,
	}
	s.Latch = *latch.New()
	return s
}

// FenceLow returns the segment's low fence key.
func (s *Segment) FenceLow() key.Key { return s.fenceLow }

// SetFenceLow updates the low fence key, used by the rebalancer after a
// spread/split/merge publishes new fence keys (spec.md §4.11 step 5).
func (s *Segment) SetFenceLow(k key.Key) { s.fenceLow = k }

// IsDense reports whether this segment currently stores a dense file.
func (s *Segment) IsDense() bool { return s.Latch.Payload() == densePayload }

// acquire blocks until purpose is admissible given the current state,
// implementing the FREE/READ/WRITE/REBAL transition table (spec.md §4.8).
func (s *Segment) acquire(purpose Purpose) {
	s.mu.Lock()
	for {
		if s.admissible(purpose) {
			s.apply(purpose)
			s.mu.Unlock()
			return
		}
		done := make(chan struct{})
		s.queue = append(s.queue, waiter{purpose: purpose, done: done})
		s.mu.Unlock()
		<-done
		s.mu.Lock()
	}
}

func (s *Segment) admissible(p Purpose) bool {
	switch s.state {
	case Free:
		return true
	case Read:
		return p == PurposeRead
	default: // Write, Rebal
		return false
	}
}

func (s *Segment) apply(p Purpose) {
	switch p {
	case PurposeRead:
		s.state = Read
		s.readers++
	case PurposeWrite:
		s.state = Write
		s.writer = true
	case PurposeRebal:
		s.state = Rebal
	}
}

// RLock acquires the segment for a reader.
func (s *Segment) RLock() { s.acquire(PurposeRead) }

// RUnlock releases a reader's hold, transitioning to FREE once the last
// reader departs and waking the next eligible waiters.
func (s *Segment) RUnlock() {
	s.mu.Lock()
	s.readers--
	if s.readers == 0 {
		s.state = Free
		s.wakeNext()
	}
	s.mu.Unlock()
}

// Lock acquires the segment exclusively for a writer.
func (s *Segment) Lock() { s.acquire(PurposeWrite) }

// Unlock releases a writer's hold.
func (s *Segment) Unlock() {
	s.mu.Lock()
	s.writer = false
	s.state = Free
	s.wakeNext()
	s.mu.Unlock()
}

// LockForRebalance acquires the segment for a crawler, recording owner as
// the crawler-visible pointer (spec.md §4.8's "current crawler pointer").
func (s *Segment) LockForRebalance(owner any) {
	s.acquire(PurposeRebal)
	s.mu.Lock()
	s.crawler = owner
	s.mu.Unlock()
}

// UnlockRebalance releases a REBAL hold and records the rebalance time for
// the async scheduler's back-off.
func (s *Segment) UnlockRebalance() {
	s.mu.Lock()
	s.crawler = nil
	s.lastRebalance = time.Now()
	s.state = Free
	s.wakeAll()
	s.mu.Unlock()
}

// CrawlerOwner returns the crawler currently holding this segment in REBAL
// state, or nil.
func (s *Segment) CrawlerOwner() any {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.crawler
}

// TryStopCrawler lets a competing crawler cooperatively absorb this
// segment's window when it is REBAL-held but the owning crawler has not
// begun its physical phase (spec.md §4.11 "m_can_continue = false on the
// stopped one, transferring accounting"). canStop is supplied by the
// caller, which knows the owning crawler's phase.
func (s *Segment) TryStopCrawler(canStop func(owner any) bool) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != Rebal || s.crawler == nil {
		return false
	}
	if !canStop(s.crawler) {
		return false
	}
	s.crawler = nil
	return true
}

// State reports the segment's current holder mode.
func (s *Segment) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// LastRebalance reports the time of the last completed rebalance pass over
// this segment, used by the async scheduler's back-off.
func (s *Segment) LastRebalance() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastRebalance
}

// wakeNext implements spec.md §4.8's wake_next: FREE (phantom/optimistic)
// entries are skipped, or woken entirely if that is all that's queued;
// READ or REBAL entries wake contiguously up to the next mismatching kind;
// WRITE entries wake one at a time. Woken waiters re-check admissibility
// and apply their own state in acquire. Must be called with s.mu held.
func (s *Segment) wakeNext() {
	if len(s.queue) == 0 {
		return
	}
	allFree := true
	for _, w := range s.queue {
		if w.purpose != PurposeFree {
			allFree = false
			break
		}
	}
	if allFree {
		for _, w := range s.queue {
			s.apply(w.purpose)
			close(w.done)
		}
		s.queue = nil
		return
	}

	i := 0
	for i < len(s.queue) && s.queue[i].purpose == PurposeFree {
		i++
	}
	if i >= len(s.queue) {
		s.queue = nil
		return
	}
	head := s.queue[i].purpose
	switch head {
	case PurposeWrite:
		close(s.queue[i].done)
		s.queue = append(s.queue[:i], s.queue[i+1:]...)
	case PurposeRead, PurposeRebal:
		j := i
		for j < len(s.queue) && s.queue[j].purpose == head {
			close(s.queue[j].done)
			j++
		}
		s.queue = append(s.queue[:i], s.queue[j:]...)
	}
}

// wakeAll drains the entire wait queue, used on fence-key change after a
// rebalance: waiters must re-route since the key space they were waiting on
// may now belong to a different segment. Must be called with s.mu held.
func (s *Segment) wakeAll() {
	for _, w := range s.queue {
		close(w.done)
	}
	s.queue = nil
}

// Update dispatches to the current file kind's Update, upgrading sparse to
// dense on overflow (spec.md §4.7 "the sparse↔dense switch").
func (s *Segment) Update(t *txn.Transaction, upd model.Update, hasSourceVertex bool) error {
	if s.IsDense() {
		return s.dense.Update(t, upd, hasSourceVertex)
	}
	ok, err := s.sparse.Update(t, upd, hasSourceVertex)
	if err != nil {
		return err
	}
	if ok {
		return nil
	}
	s.toDenseFile()
	return s.dense.Update(t, upd, hasSourceVertex)
}

// toDenseFile materializes the sparse file's live contents into a fresh
// dense file and flips the latch payload bit (spec.md §4.7).
func (s *Segment) toDenseFile() {
	d := densefile.New(s.epochThread)
	for _, e := range s.sparse.Load() {
		upd := model.Update{Key: e.Key, Weight: e.Edge.Weight}
		if e.IsVertex {
			upd.Kind = model.UpdateVertex
		} else {
			upd.Kind = model.UpdateEdge
		}
		if e.Version != nil && e.Version.IsRemove {
			upd.Op = model.OpRemove
		}
		d.AppendRaw(upd, e.Version)
	}
	s.dense = d
	s.sparse = nil
	s.Latch.SetPayload(densePayload)
}

// toSparseFile is invoked by the merger/rebalancer only when dense content
// is proven to fit back into a sparse file's qword budget (spec.md §4.7).
func (s *Segment) toSparseFile(capacityQwords int) bool {
	entries := s.dense.Load()
	sf := sparsefile.New(capacityQwords)
	scratch := make([]sparsefile.ScratchEntry, 0, len(entries))
	for _, e := range entries {
		se := sparsefile.ScratchEntry{Key: e.Key, Version: e.Version}
		if e.Update.Kind == model.UpdateVertex {
			se.IsVertex = true
			se.Vertex = model.Vertex{ID: e.Key.Source, First: true}
		} else {
			se.Edge = model.Edge{Destination: e.Key.Destination, Weight: e.Update.Weight}
		}
		scratch = append(scratch, se)
	}
	written, next := sf.Save(scratch, 0, capacityQwords)
	if next != len(scratch) {
		return false
	}
	_ = written
	s.sparse = sf
	s.dense = nil
	s.Latch.SetPayload(false)
	return true
}

// Rollback dispatches to whichever file kind currently backs this segment.
// It is registered as the txn.RollbackTarget for every undo record this
// segment's Update created.
func (s *Segment) Rollback(undo model.Update, next model.UndoPointer) {
	if s.IsDense() {
		s.dense.Rollback(undo, next)
		return
	}
	s.sparse.Rollback(undo, next)
}

// HasItem reports whether k is visible to t.
func (s *Segment) HasItem(t *txn.Transaction, k key.Key) bool {
	if s.IsDense() {
		return s.dense.HasItem(t, k)
	}
	return s.sparse.HasItem(t, k)
}

// GetWeight returns the weight of edge k as visible to t.
func (s *Segment) GetWeight(t *txn.Transaction, k key.Key) (float64, bool) {
	if s.IsDense() {
		return s.dense.GetWeight(t, k)
	}
	return s.sparse.GetWeight(t, k)
}

// GetDegree returns source's visible out-degree contribution from this
// segment.
func (s *Segment) GetDegree(t *txn.Transaction, source uint64) int {
	if s.IsDense() {
		return s.dense.GetDegree(t, source)
	}
	return s.sparse.GetDegree(t, source)
}

// Scan iterates this segment's visible records starting at nextKey.
func (s *Segment) Scan(t *txn.Transaction, nextKey key.Key, cb func(source, destination uint64, weight float64) bool, optimisticValidate func() error) error {
	if s.IsDense() {
		return s.dense.Scan(t, nextKey, cb, optimisticValidate)
	}
	_, err := s.sparse.Scan(t, nextKey, cb, optimisticValidate)
	return err
}

// RemoveVertex dispatches a RemoveVertex pass to the current file kind,
// accumulating destinations and lock state into batch.
func (s *Segment) RemoveVertex(t *txn.Transaction, source uint64, batch *RemoveVertexBatch) error {
	if s.IsDense() {
		db := &densefile.RemoveVertexBatch{}
		if err := s.dense.RemoveVertex(t, source, db); err != nil {
			return err
		}
		batch.Destinations = append(batch.Destinations, db.Destinations...)
		batch.UnlockRequired = batch.UnlockRequired || db.UnlockRequired
		return nil
	}
	sb := &sparsefile.RemoveVertexBatch{}
	if err := s.sparse.RemoveVertex(t, source, sb); err != nil {
		return err
	}
	batch.Destinations = append(batch.Destinations, sb.Destinations...)
	batch.UnlockRequired = batch.UnlockRequired || sb.UnlockRequired
	return nil
}

// RemoveVertexBatch mirrors the sparse/dense-file batch types, unified at
// segment granularity for the memstore's cross-segment orchestration
// (spec.md §4.14).
type RemoveVertexBatch struct {
	Destinations   []uint64
	UnlockRequired bool
}

// UnlockVertex clears a vertex's removal lock on whichever file kind
// currently backs this segment.
func (s *Segment) UnlockVertex(source uint64) {
	if s.IsDense() {
		s.dense.UnlockVertex(source)
		return
	}
	s.sparse.UnlockVertex(source)
}

// IsVertexLocked reports whether source is locked by an in-progress
// RemoveVertex on this segment.
func (s *Segment) IsVertexLocked(source uint64) bool {
	if s.IsDense() {
		return s.dense.IsForeignVertexLocked(source)
	}
	return s.sparse.IsVertexLocked(source)
}

// Prune drops version chains and tombstoned cells fully dominated by
// minActiveTimestamp.
func (s *Segment) Prune(minActiveTimestamp uint64) {
	if s.IsDense() {
		s.dense.Compact(minActiveTimestamp)
		return
	}
	s.sparse.Prune(minActiveTimestamp)
}

// UsedQwords approximates occupancy for the rebalancer's density
// computation: sparse files report their real qword usage; dense files
// report item count scaled the same way, since they have no capacity
// ceiling of their own.
func (s *Segment) UsedQwords() int {
	if s.IsDense() {
		return s.dense.Cardinality() * 4
	}
	return s.sparse.Capacity() - s.sparse.FreeSpace()
}

// Capacity returns the segment's sparse-file qword budget (dense files are
// unbounded and report 0, meaning "ignore capacity ratio").
func (s *Segment) Capacity() int {
	if s.IsDense() {
		return 0
	}
	return s.sparse.Capacity()
}

// Load streams this segment's live contents into a uniform scratchpad,
// dispatching to whichever file kind is live.
func (s *Segment) Load() []sparsefile.ScratchEntry {
	if !s.IsDense() {
		return s.sparse.Load()
	}
	out := make([]sparsefile.ScratchEntry, 0)
	for _, e := range s.dense.Load() {
		se := sparsefile.ScratchEntry{Key: e.Key, Version: e.Version}
		if e.Update.Kind == model.UpdateVertex {
			se.IsVertex = true
			se.Vertex = model.Vertex{ID: e.Key.Source, First: true}
		} else {
			se.Edge = model.Edge{Destination: e.Key.Destination, Weight: e.Update.Weight}
		}
		out = append(out, se)
	}
	return out
}

// Save installs scratch[startAt:] into this segment as a fresh sparse
// file, used by the Spread operator (spec.md §4.11 step 4).
func (s *Segment) Save(scratch []sparsefile.ScratchEntry, startAt, targetQwords, capacityQwords int) (written, next int) {
	s.dense = nil
	s.Latch.SetPayload(false)
	sf := sparsefile.New(capacityQwords)
	written, next = sf.Save(scratch, startAt, targetQwords)
	s.sparse = sf
	return written, next
}
