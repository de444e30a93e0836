// Package txn implements snapshot-isolated transactions: per-transaction
// undo logs, conflict detection, commit/rollback, and lock ownership of
// version chains (spec.md §4.5). An ordered set of active transactions
// (backed by github.com/google/btree) lets the memstore's pruner and
// merger compute the oldest timestamp any reader could still need.
package txn

import (
	"sync"
	"sync/atomic"

	"github.com/google/btree"

	"github.com/erigontech/teseo/model"
	"github.com/erigontech/teseo/terrors"
)

// State is a transaction's lifecycle state.
type State uint8

const (
	Pending State = iota
	Committed
	Aborted
)

func (s State) String() string {
	switch s {
	case Pending:
		return "PENDING"
	case Committed:
		return "COMMITTED"
	case Aborted:
		return "ABORTED"
	default:
		return "UNKNOWN"
	}
}

// pendingBase is added to a PENDING transaction's startTime to produce its
// "write id": a sentinel that is unique (because startTime is unique) and
// guaranteed greater than any committed timestamp, so version checks read
// it as "locked by someone not yet committed" (spec.md §4.5).
const pendingBase = uint64(1) << 62

// RollbackTarget is implemented by whatever content structure attached an
// undo record (a sparse or dense file cell): it knows how to restore its
// prior state given the undone payload and the new chain head.
type RollbackTarget interface {
	Rollback(undo model.Update, next model.UndoPointer)
}

// UndoRecord is a linked per-item version-chain entry: a transaction
// pointer, a next-in-chain pointer, and a typed prior-image payload
// (spec.md §3.1, §4.5).
type UndoRecord struct {
	Txn     *Transaction
	next    *UndoRecord
	payload model.Update
	target  RollbackTarget

	// prevInTxn threads this transaction's own undo records together in
	// insertion order, independent of the per-cell backward `next` chain
	// above, so Rollback can walk them in reverse order.
	prevInTxn *UndoRecord
}

// Payload implements model.UndoPointer.
func (u *UndoRecord) Payload() model.Update { return u.payload }

// Next returns the next-older entry in the chain, or nil at the tail.
func (u *UndoRecord) Next() *UndoRecord { return u.next }

// WriteID reports the write timestamp that owns this undo record: the
// owning transaction's CommitTime if committed, else its PENDING sentinel.
func (u *UndoRecord) WriteID() uint64 { return u.Txn.writeID() }

// Transaction is a snapshot-isolated unit of work.
type Transaction struct {
	mgr   *Manager
	state atomic.Uint32

	StartTime  uint64
	commitTime atomic.Uint64 // 0 until committed

	ReadOnly bool

	writeMu sync.Mutex // serializes commit/rollback and undo-buffer appends

	undoHead *UndoRecord // most recently appended entry
	undoTail *UndoRecord // oldest entry still in the buffer

	userRefs   atomic.Int32
	systemRefs atomic.Int32

	deltaVertices int64
	deltaEdges    int64
}

func (t *Transaction) State() State { return State(t.state.Load()) }

// writeID returns the timestamp other transactions should compare against:
// CommitTime once committed, else the PENDING sentinel derived from
// StartTime.
func (t *Transaction) writeID() uint64 {
	if State(t.state.Load()) == Committed {
		return t.commitTime.Load()
	}
	return pendingBase + t.StartTime
}

// CommitTime returns the assigned commit timestamp, or 0 if not committed.
func (t *Transaction) CommitTime() uint64 { return t.commitTime.Load() }

// isPendingWriteID reports whether w is a PENDING sentinel rather than a
// real commit timestamp.
func isPendingWriteID(w uint64) bool { return w >= pendingBase }

// AddUndo appends a new undo record to t's buffer, chaining it in front of
// the content cell's previous head (prevHead may be nil for a fresh cell).
// It returns the new head for the caller to attach to its version record.
func (t *Transaction) AddUndo(payload model.Update, target RollbackTarget, prevHead *UndoRecord) *UndoRecord {
	rec := &UndoRecord{Txn: t, next: prevHead, payload: payload, target: target}
	t.writeMu.Lock()
	// prevInTxn threads this transaction's own records from most- to
	// least-recently added, a second chain distinct from the per-cell
	// `next` pointer above: rec becomes the new buffer head, pointing back
	// at whatever was the head a moment ago.
	rec.prevInTxn = t.undoHead
	t.undoHead = rec
	if t.undoTail == nil {
		t.undoTail = rec
	}
	t.writeMu.Unlock()
	return rec
}

// CanRead implements the visibility rule can_read(undo) from spec.md §4.5.
// A nil undo means the storage image itself is visible. Returns whether the
// caller may see the live cell (storage) or must instead read the payload
// carried by undo.
func (t *Transaction) CanRead(undo *UndoRecord) (visible bool, payload model.Update, ok bool) {
	return t.canRead(undo, model.Update{}, false)
}

// canRead walks the chain from undo toward its tail. fallback/fallbackOK
// carry the prior-image payload of the nearest-to-head record found so far
// whose writer is not visible to t: once the walk reaches a writer that IS
// visible (or runs out of chain), that fallback is exactly the version t
// must see, since a live version of the record is guaranteed to exist
// there (spec.md §4.5; the original's read_delta_impl never falls through
// to "storage" once any writer above in the chain was invisible).
func (t *Transaction) canRead(undo *UndoRecord, fallback model.Update, fallbackOK bool) (visible bool, payload model.Update, ok bool) {
	if undo == nil || undo.Txn == t {
		if fallbackOK {
			return false, fallback, true
		}
		return true, model.Update{}, false
	}
	w := undo.Txn.writeID()
	if isPendingWriteID(w) {
		return t.canRead(undo.next, undo.payload, true)
	}
	if w <= t.StartTime {
		if fallbackOK {
			return false, fallback, true
		}
		return true, model.Update{}, false
	}
	return t.canRead(undo.next, undo.payload, true)
}

// CanWrite implements can_write(undo) from spec.md §4.5: the head undo must
// belong either to self or to a terminated transaction whose write
// timestamp is <= self.StartTime (no concurrent writer).
func (t *Transaction) CanWrite(undo *UndoRecord) bool {
	if undo == nil {
		return true
	}
	if undo.Txn == t {
		return true
	}
	if undo.Txn.State() == Pending {
		return false
	}
	return undo.Txn.writeID() <= t.StartTime
}

// Commit assigns a commit timestamp, marks the transaction committed, and
// applies its local vertex/edge delta into the manager's global counters.
func (t *Transaction) Commit(mgr *Manager) error {
	t.writeMu.Lock()
	defer t.writeMu.Unlock()

	if State(t.state.Load()) != Pending {
		return terrors.New(terrors.KindLogicalError, "transaction already terminated")
	}
	ct := mgr.nextTimestamp()
	t.commitTime.Store(ct)
	t.state.Store(uint32(Committed))
	mgr.applyDelta(t.deltaVertices, t.deltaEdges)
	mgr.retire(t)
	return nil
}

// Rollback walks the undo buffer from most- to least-recently appended,
// invoking each target's Rollback(payload, next) callback, then discards
// the buffer.
func (t *Transaction) Rollback(mgr *Manager) {
	t.writeMu.Lock()
	defer t.writeMu.Unlock()

	if State(t.state.Load()) != Pending {
		return
	}
	for r := t.undoHead; r != nil; r = r.prevInTxn {
		if r.target != nil {
			r.target.Rollback(r.payload, r.next)
		}
	}
	t.undoHead, t.undoTail = nil, nil
	t.state.Store(uint32(Aborted))
	mgr.retire(t)
}

// RollbackLast undoes only the most recently appended N undo records
// (partial rollback, spec.md §5 "Cancellation"), used to undo the second
// leg of an undirected edge insertion that failed.
func (t *Transaction) RollbackLast(n int) {
	t.writeMu.Lock()
	defer t.writeMu.Unlock()

	r := t.undoHead
	for i := 0; i < n && r != nil; i++ {
		if r.target != nil {
			r.target.Rollback(r.payload, r.next)
		}
		r = r.prevInTxn
	}
	t.undoHead = r
	if t.undoHead == nil {
		t.undoTail = nil
	}
}

// AddDelta accumulates this transaction's local graph-property delta,
// applied to the global counters only at Commit.
func (t *Transaction) AddDelta(dv, de int64) {
	t.deltaVertices += dv
	t.deltaEdges += de
}

// Manager owns timestamp assignment, the active-transaction set, and the
// global vertex/edge counters.
type Manager struct {
	clock atomic.Uint64

	mu     sync.Mutex
	active *btree.BTreeG[uint64] // start times of PENDING transactions

	numVertices atomic.Int64
	numEdges    atomic.Int64
}

// NewManager returns a Manager with counters at zero.
func NewManager() *Manager {
	return &Manager{
		active: btree.NewG(32, func(a, b uint64) bool { return a < b }),
	}
}

func (m *Manager) nextTimestamp() uint64 { return m.clock.Add(1) }

// Begin starts a new snapshot transaction.
func (m *Manager) Begin(readOnly bool) *Transaction {
	t := &Transaction{mgr: m, StartTime: m.nextTimestamp(), ReadOnly: readOnly}
	t.state.Store(uint32(Pending))
	m.mu.Lock()
	m.active.ReplaceOrInsert(t.StartTime)
	m.mu.Unlock()
	return t
}

func (m *Manager) retire(t *Transaction) {
	m.mu.Lock()
	m.active.Delete(t.StartTime)
	m.mu.Unlock()
}

// MinActiveTimestamp returns the oldest start time among still-PENDING
// transactions, or the current clock value if none are active. The
// sparse/dense file pruners and the Merger use this as the horizon below
// which undo chains are fully dominated and may be compacted away
// (spec.md §4.6.6, §4.13).
func (m *Manager) MinActiveTimestamp() uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()

	min, ok := uint64(0), false
	m.active.Ascend(func(v uint64) bool {
		min, ok = v, true
		return false
	})
	if !ok {
		return m.clock.Load()
	}
	return min
}

func (m *Manager) applyDelta(dv, de int64) {
	m.numVertices.Add(dv)
	m.numEdges.Add(de)
}

// NumVertices returns the graph-wide vertex counter.
func (m *Manager) NumVertices() int64 { return m.numVertices.Load() }

// NumEdges returns the graph-wide edge counter.
func (m *Manager) NumEdges() int64 { return m.numEdges.Load() }
