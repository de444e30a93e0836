// Package model defines the shared entity types that flow between the
// transaction layer and the memstore's content files: vertices, edges,
// version chain heads, and undo payloads.
package model

import "github.com/erigontech/teseo/key"

// Vertex is a 64-bit identifier and the count of outgoing edges that follow
// it in the same side of a content file.
//
// Flag First marks the authoritative entry for this vertex ID in a segment
// chain; later appearances in subsequent segments are "dummy vertex"
// records that merely group further edges of the same source. Flag Locked
// records that a removal of this vertex is in progress, which blocks
// phantom edge insertions (VertexPhantomWrite, spec.md §7).
type Vertex struct {
	ID     uint64
	Count  uint32
	First  bool
	Locked bool
}

// Key returns the vertex-only key (ID, 0).
func (v Vertex) Key() key.Key { return key.NewVertex(v.ID) }

// Edge is a destination vertex ID and its weight.
type Edge struct {
	Destination uint64
	Weight      float64
}

// Key returns the edge key for a given source.
func (e Edge) Key(source uint64) key.Key { return key.NewEdge(source, e.Destination) }

// UpdateKind tags what an Update describes.
type UpdateKind uint8

const (
	// UpdateVertex tags an update to a vertex cell.
	UpdateVertex UpdateKind = iota
	// UpdateEdge tags an update to an edge cell.
	UpdateEdge
)

// UpdateOp tags whether an Update inserts or removes its target.
type UpdateOp uint8

const (
	// OpInsert inserts (or reinstates) the target.
	OpInsert UpdateOp = iota
	// OpRemove logically deletes the target.
	OpRemove
)

// Update is a tagged {vertex|edge, insert|remove, key, weight?} descriptor.
// It is both the payload applied to live storage and the prior-image stored
// in an undo record (spec.md §3.1, §4.1).
type Update struct {
	Kind   UpdateKind
	Op     UpdateOp
	Key    key.Key
	Weight float64
}

// IsRemove reports whether the update logically deletes its target.
func (u Update) IsRemove() bool { return u.Op == OpRemove }

// Inverse returns the update that undoes u: insert<->remove with the same
// key and weight, used to build a rollback's prior-image record.
func (u Update) Inverse() Update {
	inv := u
	if u.Op == OpInsert {
		inv.Op = OpRemove
	} else {
		inv.Op = OpInsert
	}
	return inv
}

// VersionMaxChainLength is the saturating clamp on undo-chain length used
// both for pruning triggers and heuristic thresholds (spec.md §9, open
// question: preserved as a single dual-purpose constant).
const VersionMaxChainLength = 7

// Version is the head of an undo chain attached to a content element.
// BackPointer is the ordinal index, within its side of the file, of the
// content element this version shadows.
type Version struct {
	IsRemove    bool
	ChainLength uint8 // clamped to VersionMaxChainLength
	BackPointer uint32
	Undo        UndoPointer
}

// ClampChainLength saturates n at VersionMaxChainLength.
func ClampChainLength(n int) uint8 {
	if n > VersionMaxChainLength {
		return VersionMaxChainLength
	}
	return uint8(n)
}

// UndoPointer is an opaque handle to an UndoRecord; the concrete type lives
// in package txn to avoid a dependency cycle (txn imports model for the
// payload it threads through undo records).
type UndoPointer interface {
	// Payload returns the prior-image Update carried by this undo record.
	Payload() Update
}
