// Package teseo is the public façade of an in-memory transactional graph
// store: it owns a memstore.Store and a txn.Manager, translates the
// external zero-based vertex ID space into the internal one-based space
// (spec.md §6 "Vertex IDs exposed to users are one less than internal
// IDs"), and guarantees that the three internal-only control-flow
// signals (Abort, RebalanceNotNecessary, NotSureIfItHasSourceVertex)
// never reach a caller.
package teseo

import (
	"go.uber.org/zap"

	"github.com/erigontech/teseo/config"
	"github.com/erigontech/teseo/memstore"
	"github.com/erigontech/teseo/terrors"
	"github.com/erigontech/teseo/txn"
)

// Graph is an in-memory transactional property graph: vertices plus
// weighted, optionally-undirected edges, accessed exclusively through
// snapshot-isolated Transactions (spec.md §6).
type Graph struct {
	mgr   *txn.Manager
	store *memstore.Store
}

// Open constructs an empty Graph from cfg (spec.md §6's tunables list, via
// package config), applying the teacher-style zero-value-means-default
// pattern used throughout memstore.Options. log may be nil.
func Open(cfg config.Config, log *zap.Logger) (*Graph, error) {
	mgr := txn.NewManager()
	opts := cfg.MemstoreOptions()
	opts.Log = log
	store, err := memstore.New(opts, mgr)
	if err != nil {
		return nil, err
	}
	return &Graph{mgr: mgr, store: store}, nil
}

// Close stops the graph's background workers and releases its buffer
// pool. No further transactions may be started afterward.
func (g *Graph) Close() error { return g.store.Close() }

// Transaction is a snapshot-isolated handle into a Graph; all its methods
// operate in the external, zero-based vertex ID space.
type Transaction struct {
	g *Graph
	t *txn.Transaction
}

// StartTransaction begins a new snapshot transaction (spec.md §6
// start_transaction).
func (g *Graph) StartTransaction(readOnly bool) *Transaction {
	return &Transaction{g: g, t: g.mgr.Begin(readOnly)}
}

// external converts an internal vertex ID (0 reserved) to the ID surfaced
// to callers.
func external(internal uint64) uint64 { return internal - 1 }

// internal converts a caller-supplied vertex ID into the internal space.
func internal(v uint64) uint64 { return v + 1 }

// scrub maps an internal control-flow signal to a logical error rather
// than ever letting it escape to the caller (spec.md §6 "strictly
// internal").
func scrub(err error) error {
	if err == nil {
		return nil
	}
	if terrors.IsInternalSignal(err) {
		return terrors.Wrap(err, terrors.KindLogicalError, "internal retry signal escaped memstore dispatch")
	}
	return err
}

// InsertVertex adds vertex v; error if it already exists.
func (tx *Transaction) InsertVertex(v uint64) error {
	return scrub(tx.g.store.InsertVertex(tx.t, internal(v)))
}

// RemoveVertex removes vertex v and all its edges, returning the number of
// edges removed.
func (tx *Transaction) RemoveVertex(v uint64) (int, error) {
	n, err := tx.g.store.RemoveVertex(tx.t, internal(v))
	return n, scrub(err)
}

// HasVertex reports whether v is visible to this transaction.
func (tx *Transaction) HasVertex(v uint64) (bool, error) {
	ok, err := tx.g.store.HasVertex(tx.t, internal(v))
	return ok, scrub(err)
}

// InsertEdge adds edge (s, d) with weight w; when undirected is true it
// also inserts (d, s), rolling back the first leg if the second fails.
func (tx *Transaction) InsertEdge(s, d uint64, w float64, undirected bool) error {
	return scrub(tx.g.store.InsertEdge(tx.t, internal(s), internal(d), w, undirected))
}

// RemoveEdge removes edge (s, d); error if absent.
func (tx *Transaction) RemoveEdge(s, d uint64) error {
	return scrub(tx.g.store.RemoveEdge(tx.t, internal(s), internal(d)))
}

// HasEdge reports whether edge (s, d) is visible to this transaction.
func (tx *Transaction) HasEdge(s, d uint64) (bool, error) {
	ok, err := tx.g.store.HasEdge(tx.t, internal(s), internal(d))
	return ok, scrub(err)
}

// GetWeight returns the weight of edge (s, d); error if absent.
func (tx *Transaction) GetWeight(s, d uint64) (float64, error) {
	w, err := tx.g.store.GetWeight(tx.t, internal(s), internal(d))
	return w, scrub(err)
}

// Degree returns the number of visible outgoing edges of v.
func (tx *Transaction) Degree(v uint64) (int, error) {
	n, err := tx.g.store.Degree(tx.t, internal(v))
	return n, scrub(err)
}

// NumVertices returns the graph-wide visible vertex count.
func (tx *Transaction) NumVertices() int64 { return tx.g.store.NumVertices(tx.g.mgr) }

// NumEdges returns the graph-wide visible edge count.
func (tx *Transaction) NumEdges() int64 { return tx.g.store.NumEdges(tx.g.mgr) }

// Scan invokes cb(src, dst, weight) for each visible outgoing edge of v in
// key order; cb returning false stops the scan early. Vertex IDs passed to
// cb are translated back to the external ID space.
func (tx *Transaction) Scan(v uint64, cb func(src, dst uint64, weight float64) bool) error {
	return scrub(tx.g.store.Scan(tx.t, internal(v), func(src, dst uint64, weight float64) bool {
		return cb(external(src), external(dst), weight)
	}))
}

// Commit finalizes the transaction's writes, making them visible to
// transactions that start afterward.
func (tx *Transaction) Commit() error {
	return scrub(tx.t.Commit(tx.g.mgr))
}

// Rollback discards every write this transaction made.
func (tx *Transaction) Rollback() {
	tx.t.Rollback(tx.g.mgr)
}

// RunMergerPass runs one Merger sweep over the whole leaf chain; intended
// to be invoked periodically by a caller-owned background goroutine
// (spec.md §4.13 "a periodic background task per memstore").
func (g *Graph) RunMergerPass() {
	g.store.RunMergerPass()
}

// Stats is a read-only snapshot of the graph's physical shape: vertex/edge
// counts plus leaf/segment/dense-segment counts, useful for benchmarking
// and observability without touching any transaction's visible state.
type Stats = memstore.Stats

// Stats returns a snapshot of g's current physical shape.
func (g *Graph) Stats() Stats {
	return g.store.Stats(g.mgr)
}
