// Package sparsefile implements the double-sided gap-buffer content file
// used by a segment before it overflows into a dense file (spec.md §4.6).
//
// The physical qword-offset gap buffer described in the spec is modeled
// here with two ordered Go slices per side (content, and an ordinal-indexed
// version list) rather than literal byte-offset arithmetic: insertion still
// shifts elements exactly the way a gap buffer would, free space is still
// accounted against a fixed qword budget, and every invariant in spec.md
// §3.2 is preserved, but the representation is the idiomatic-Go one
// (slices) rather than a hand-rolled byte page. See DESIGN.md.
package sparsefile

import (
	"sort"

	"github.com/erigontech/teseo/key"
	"github.com/erigontech/teseo/model"
	"github.com/erigontech/teseo/terrors"
	"github.com/erigontech/teseo/txn"
)

// qwordsPerCell and qwordsPerVersion approximate the physical cost of a
// content cell / version record, in 64-bit words, for capacity accounting.
const (
	qwordsPerCell    = 2
	qwordsPerVersion = 2
)

// cell is one content element: either a Vertex header or an Edge, ordered
// by its Key within a side.
type cell struct {
	k        key.Key
	isVertex bool
	vertex   model.Vertex
	edge     model.Edge
}

// side is one half of the gap buffer: content sorted by key, and a version
// list sorted by back-pointer (equivalently, by content ordinal) as
// required by spec.md §3.2 invariant 4.
type side struct {
	content  []cell
	versions []*model.Version // versions[i] shadows content[i]; nil if none
}

func (s *side) find(k key.Key) int {
	return sort.Search(len(s.content), func(i int) bool { return s.content[i].k.Compare(k) >= 0 })
}

func (s *side) usedQwords() int {
	q := len(s.content) * qwordsPerCell
	for _, v := range s.versions {
		if v != nil {
			q += qwordsPerVersion
		}
	}
	return q
}

// insertAt shifts content (and its parallel version slot) to make room for
// a new cell at index i, mirroring the byte-shift a physical gap buffer
// performs on insertion.
func (s *side) insertAt(i int, c cell) {
	s.content = append(s.content, cell{})
	copy(s.content[i+1:], s.content[i:])
	s.content[i] = c

	s.versions = append(s.versions, nil)
	copy(s.versions[i+1:], s.versions[i:])
	s.versions[i] = nil
}

func (s *side) removeAt(i int) {
	s.content = append(s.content[:i], s.content[i+1:]...)
	s.versions = append(s.versions[:i], s.versions[i+1:]...)
}

// File is a segment's sparse content file: two sides separated by a pivot
// key, plus the qword capacity budget shared between them.
type File struct {
	capacityQwords int
	pivot          key.Key
	// DuplicatePivot mirrors the memstore_duplicate_pivot tunable
	// (spec.md §9 open question): when set, the pivot key is additionally
	// duplicated at the RHS start. Preserved as a tunable, not resolved.
	DuplicatePivot bool

	lhs side
	rhs side
}

// New returns an empty sparse file with the given qword capacity. The
// pivot starts at key.Max so all content initially lands in the LHS; the
// rebalancer adjusts it when it next touches this segment.
func New(capacityQwords int) *File {
	return &File{capacityQwords: capacityQwords, pivot: key.Max}
}

func (f *File) sideFor(k key.Key) *side {
	if k.Compare(f.pivot) < 0 {
		return &f.lhs
	}
	return &f.rhs
}

// IsLHSEmpty reports whether the LHS side holds no content.
func (f *File) IsLHSEmpty() bool { return len(f.lhs.content) == 0 }

// IsRHSEmpty reports whether the RHS side holds no content.
func (f *File) IsRHSEmpty() bool { return len(f.rhs.content) == 0 }

// FreeSpace returns the remaining qword budget.
func (f *File) FreeSpace() int {
	return f.capacityQwords - f.lhs.usedQwords() - f.rhs.usedQwords()
}

// Cardinality returns the number of live content cells across both sides
// (vertices and edges together), ignoring version visibility.
func (f *File) Cardinality() int { return len(f.lhs.content) + len(f.rhs.content) }

// locateExact finds the ordinal of the cell at key k on its side, or -1.
func (s *side) locateExact(k key.Key) int {
	i := s.find(k)
	if i < len(s.content) && s.content[i].k == k {
		return i
	}
	return -1
}

// versionUndo resolves a version slot into the txn.UndoRecord chain head,
// or nil if there is none.
func versionUndo(v *model.Version) *txn.UndoRecord {
	if v == nil || v.Undo == nil {
		return nil
	}
	u, _ := v.Undo.(*txn.UndoRecord)
	return u
}

// Update applies upd under t, returning false iff there was not enough free
// space (the caller then upgrades to a dense file or triggers a rebalance).
// hasSourceVertex tells an edge update whether the memstore has already
// confirmed the source vertex exists in some segment; when false and the
// source cannot be resolved locally, Update returns
// terrors.NotSureIfItHasSourceVertex so the memstore can perform an
// explicit cross-segment check (spec.md §4.6.1).
func (f *File) Update(t *txn.Transaction, upd model.Update, hasSourceVertex bool) (bool, error) {
	switch upd.Kind {
	case model.UpdateVertex:
		return f.updateVertex(t, upd)
	default:
		return f.updateEdge(t, upd, hasSourceVertex)
	}
}

func (f *File) updateVertex(t *txn.Transaction, upd model.Update) (bool, error) {
	s := f.sideFor(upd.Key)
	i := s.locateExact(upd.Key)

	if i < 0 {
		if upd.Op == model.OpRemove {
			return true, terrors.New(terrors.KindVertexDoesNotExist, upd.Key.String())
		}
		if f.FreeSpace() < qwordsPerCell+qwordsPerVersion {
			return false, nil
		}
		idx := s.find(upd.Key)
		s.insertAt(idx, cell{k: upd.Key, isVertex: true, vertex: model.Vertex{ID: upd.Key.Source, First: true}})
		f.attachVersion(t, s, idx, upd)
		return true, nil
	}

	existingVersion := s.versions[i]
	if existingVersion == nil {
		if upd.Op == model.OpInsert {
			return true, terrors.New(terrors.KindVertexAlreadyExists, upd.Key.String())
		}
		// present, no version, remove: proceed to create a removal version.
		if f.FreeSpace() < qwordsPerVersion {
			return false, nil
		}
		f.attachVersion(t, s, i, upd)
		return true, nil
	}

	owner := versionUndo(existingVersion)
	if owner != nil && !t.CanWrite(owner) {
		if existingVersion.ChainLength == 1 && upd.Op == model.OpInsert {
			// Two transactions racing to create the same never-committed
			// vertex: a first-writer-wins race (spec.md §8 scenario 3), not
			// a lock held on an already-established row.
			return true, terrors.New(terrors.KindTransactionConflict, upd.Key.String())
		}
		return true, terrors.New(terrors.KindVertexLocked, upd.Key.String())
	}
	if upd.Op == model.OpInsert {
		if !existingVersion.IsRemove {
			return true, terrors.New(terrors.KindVertexAlreadyExists, upd.Key.String())
		}
		// undelete
	} else {
		if existingVersion.IsRemove {
			return true, terrors.New(terrors.KindVertexDoesNotExist, upd.Key.String())
		}
	}
	if f.FreeSpace() < qwordsPerVersion {
		return false, nil
	}
	f.attachVersion(t, s, i, upd)
	return true, nil
}

func (f *File) updateEdge(t *txn.Transaction, upd model.Update, hasSourceVertex bool) (bool, error) {
	s := f.sideFor(upd.Key)
	sourceKey := key.NewVertex(upd.Key.Source)

	if upd.Op == model.OpInsert && !hasSourceVertex {
		srcIdx := s.locateExact(sourceKey)
		visible, err := f.isSourceVisible(t, s, srcIdx)
		if err != nil {
			return true, err
		}
		if !visible {
			idx := s.find(upd.Key)
			if idx != 0 {
				return true, terrors.New(terrors.KindVertexDoesNotExist, sourceKey.String())
			}
			return true, terrors.NotSureIfItHasSourceVertex
		}
	}

	if err := f.ensureDummyVertex(t, s, upd.Key.Source); err != nil {
		return true, err
	}

	i := s.locateExact(upd.Key)
	if i < 0 {
		if upd.Op == model.OpRemove {
			return true, terrors.New(terrors.KindEdgeDoesNotExist, upd.Key.String())
		}
		if f.FreeSpace() < qwordsPerCell+qwordsPerVersion {
			return false, nil
		}
		idx := s.find(upd.Key)
		s.insertAt(idx, cell{k: upd.Key, edge: model.Edge{Destination: upd.Key.Destination, Weight: upd.Weight}})
		f.attachVersion(t, s, idx, upd)
		f.bumpVertexCount(s, upd.Key.Source, 1)
		return true, nil
	}

	existingVersion := s.versions[i]
	if existingVersion == nil {
		if upd.Op == model.OpInsert {
			return true, terrors.New(terrors.KindEdgeAlreadyExists, upd.Key.String())
		}
		if f.FreeSpace() < qwordsPerVersion {
			return false, nil
		}
		f.attachVersion(t, s, i, upd)
		f.bumpVertexCount(s, upd.Key.Source, -1)
		return true, nil
	}

	owner := versionUndo(existingVersion)
	if owner != nil && !t.CanWrite(owner) {
		return true, terrors.New(terrors.KindEdgeLocked, upd.Key.String())
	}
	if upd.Op == model.OpInsert {
		if !existingVersion.IsRemove {
			return true, terrors.New(terrors.KindEdgeAlreadyExists, upd.Key.String())
		}
	} else if existingVersion.IsRemove {
		return true, terrors.New(terrors.KindEdgeDoesNotExist, upd.Key.String())
	}
	if f.FreeSpace() < qwordsPerVersion {
		return false, nil
	}
	f.attachVersion(t, s, i, upd)
	delta := int32(1)
	if upd.Op == model.OpRemove {
		delta = -1
	}
	f.bumpVertexCount(s, upd.Key.Source, delta)
	return true, nil
}

// isSourceVisible walks the local cell for source and its attached version
// to decide whether an uncommitted or committed version makes the vertex
// reachable (spec.md §4.6.1).
func (f *File) isSourceVisible(t *txn.Transaction, s *side, srcIdx int) (bool, error) {
	if srcIdx < 0 {
		return false, nil
	}
	v := s.versions[srcIdx]
	if v == nil {
		return true, nil
	}
	visible, payload, fromUndo := t.CanRead(versionUndo(v))
	if !fromUndo {
		return visible && !v.IsRemove, nil
	}
	return !payload.IsRemove(), nil
}

// ensureDummyVertex locates or creates a dummy Vertex holder (First=false)
// for source if it is not already present as a cell on this side
// (spec.md §3.2 invariant 8).
func (f *File) ensureDummyVertex(t *txn.Transaction, s *side, source uint64) error {
	k := key.NewVertex(source)
	if s.locateExact(k) >= 0 {
		return nil
	}
	if f.FreeSpace() < qwordsPerCell {
		return terrors.New(terrors.KindLogicalError, "insufficient space for dummy vertex")
	}
	idx := s.find(k)
	s.insertAt(idx, cell{k: k, isVertex: true, vertex: model.Vertex{ID: source, First: false}})
	return nil
}

func (f *File) bumpVertexCount(s *side, source uint64, delta int32) {
	idx := s.locateExact(key.NewVertex(source))
	if idx < 0 {
		return
	}
	c := int32(s.content[idx].vertex.Count) + delta
	if c < 0 {
		c = 0
	}
	s.content[idx].vertex.Count = uint32(c)
}

// attachVersion wires a fresh undo record carrying upd's inverse as the
// prior image, chains it in front of the cell's previous version head, and
// installs the new version record (spec.md §4.6.1).
func (f *File) attachVersion(t *txn.Transaction, s *side, idx int, upd model.Update) {
	prev := s.versions[idx]
	var prevUndo *txn.UndoRecord
	chainLen := 0
	if prev != nil {
		prevUndo = versionUndo(prev)
		chainLen = int(prev.ChainLength)
	}
	rec := t.AddUndo(upd.Inverse(), f, prevUndo)
	s.versions[idx] = &model.Version{
		IsRemove:    upd.Op == model.OpRemove,
		ChainLength: model.ClampChainLength(chainLen + 1),
		BackPointer: uint32(idx),
		Undo:        rec,
	}
}

// Rollback implements txn.RollbackTarget. undo is the prior-image payload
// recorded when the version was attached: its Op tells us what state held
// before the update being undone (Op==Remove means the original update was
// an Insert, and vice versa). Detach the current version head and replace
// it with next; if next is nil, either leave a tombstone for the pruner
// (rolling back an insert) or restore plain visibility (rolling back a
// remove) (spec.md §4.6.2).
func (f *File) Rollback(undo model.Update, next model.UndoPointer) {
	s := f.sideFor(undo.Key)
	idx := s.locateExact(undo.Key)
	if idx < 0 {
		return
	}
	if next == nil {
		if undo.Op == model.OpRemove {
			// Original update was an insert: mark removed so the pruner
			// can drop the physical cell later.
			s.versions[idx] = &model.Version{IsRemove: true, BackPointer: uint32(idx)}
		} else {
			// Original update was a remove: restore plain (version-less)
			// visibility of the pre-existing cell.
			s.versions[idx] = nil
		}
		return
	}
	nextUndo, _ := next.(*txn.UndoRecord)
	chainLen := 0
	if cur := s.versions[idx]; cur != nil {
		chainLen = int(cur.ChainLength) - 1
	}
	s.versions[idx] = &model.Version{
		IsRemove:    next.Payload().IsRemove(),
		ChainLength: model.ClampChainLength(chainLen),
		BackPointer: uint32(idx),
		Undo:        nextUndo,
	}
}

// ScanCallback is invoked once per visible record: (source, 0, 0) for a
// vertex record (first or dummy), (source, destination, weight) for an edge.
type ScanCallback func(source, destination uint64, weight float64) bool

// Scan iterates content in sorted order starting at nextKey, merging each
// cell with its version via the transaction's visibility rule, and invoking
// cb for each visible record. It returns false if cb requested stop; true
// once this file's records are exhausted without an explicit stop, so the
// caller should advance to the next segment. optimisticValidate, if non-nil, is called
// before every cb invocation and before any cell is read; a non-nil error
// aborts the scan (spec.md §4.6.3).
func (f *File) Scan(t *txn.Transaction, nextKey key.Key, cb ScanCallback, optimisticValidate func() error) (advance bool, err error) {
	sides := []*side{&f.lhs, &f.rhs}
	if nextKey.Compare(f.pivot) >= 0 {
		sides = []*side{&f.rhs}
	}
	for _, s := range sides {
		start := s.find(nextKey)
		for i := start; i < len(s.content); i++ {
			if optimisticValidate != nil {
				if verr := optimisticValidate(); verr != nil {
					return false, verr
				}
			}
			c := s.content[i]
			if !f.resolveVisibility(t, s, i) {
				continue
			}
			var cont bool
			if c.isVertex {
				cont = cb(c.vertex.ID, 0, 0)
			} else {
				cont = cb(c.k.Source, c.edge.Destination, c.edge.Weight)
			}
			if !cont {
				return false, nil
			}
		}
	}
	return true, nil
}

func (f *File) resolveVisibility(t *txn.Transaction, s *side, idx int) bool {
	v := s.versions[idx]
	if v == nil {
		return true
	}
	vis, payload, fromUndo := t.CanRead(versionUndo(v))
	if fromUndo {
		return !payload.IsRemove()
	}
	if !vis {
		return false
	}
	return !v.IsRemove
}

// HasItem reports whether k is visible to t (spec.md §4.6.4).
func (f *File) HasItem(t *txn.Transaction, k key.Key) bool {
	s := f.sideFor(k)
	idx := s.locateExact(k)
	if idx < 0 {
		return false
	}
	return f.resolveVisibility(t, s, idx)
}

// GetWeight returns the weight of edge k as visible to t.
func (f *File) GetWeight(t *txn.Transaction, k key.Key) (float64, bool) {
	s := f.sideFor(k)
	idx := s.locateExact(k)
	if idx < 0 || s.content[idx].isVertex {
		return 0, false
	}
	if !f.HasItem(t, k) {
		return 0, false
	}
	return s.content[idx].edge.Weight, true
}

// GetDegree counts edges belonging to source, across both sides, visible to
// t: vertex.Count is a structural run length unfiltered by any snapshot, so
// it is only a starting point for the run bounds, not the returned count
// (property 2, spec.md §8: degree(v) must equal the number of x for which
// has_edge(v, x) holds for t, not the number of edge cells physically
// present).
func (f *File) GetDegree(t *txn.Transaction, source uint64) int {
	total := 0
	for _, s := range []*side{&f.lhs, &f.rhs} {
		idx := s.locateExact(key.NewVertex(source))
		if idx < 0 {
			continue
		}
		for i := idx + 1; i < len(s.content) && s.content[i].k.Source == source && !s.content[i].isVertex; i++ {
			if f.resolveVisibility(t, s, i) {
				total++
			}
		}
	}
	return total
}

// RemoveVertexBatch accumulates the destinations touched by a RemoveVertex
// pass over this file, so the caller can remove the corresponding reverse
// edges on an undirected graph (spec.md §4.6.5, §4.14).
type RemoveVertexBatch struct {
	Destinations   []uint64
	UnlockRequired bool
}

// RemoveVertex locks the first-vertex cell (if present on this file),
// appends deletion versions for all attached edges, and records each
// removed destination into batch. It sets the vertex's Locked flag to
// prevent concurrent edge insertions (spec.md §4.6.5).
func (f *File) RemoveVertex(t *txn.Transaction, source uint64, batch *RemoveVertexBatch) error {
	vk := key.NewVertex(source)
	for _, s := range []*side{&f.lhs, &f.rhs} {
		idx := s.locateExact(vk)
		if idx < 0 {
			continue
		}
		if v := s.versions[idx]; v != nil {
			if owner := versionUndo(v); owner != nil && !t.CanWrite(owner) {
				return terrors.New(terrors.KindVertexLocked, vk.String())
			}
		}
		s.content[idx].vertex.Locked = true
		batch.UnlockRequired = true

		f.attachVersion(t, s, idx, model.Update{Kind: model.UpdateVertex, Op: model.OpRemove, Key: vk})

		for i := idx + 1; i < len(s.content) && s.content[i].k.Source == source && !s.content[i].isVertex; i++ {
			if !f.resolveVisibility(t, s, i) {
				continue // already removed: not counted again
			}
			ek := s.content[i].k
			batch.Destinations = append(batch.Destinations, ek.Destination)
			f.attachVersion(t, s, i, model.Update{Kind: model.UpdateEdge, Op: model.OpRemove, Key: ek})
		}
	}
	return nil
}

// UnlockVertex clears the Locked flag set by RemoveVertex, once the whole
// cross-segment operation has completed (or rolled back).
func (f *File) UnlockVertex(source uint64) {
	vk := key.NewVertex(source)
	for _, s := range []*side{&f.lhs, &f.rhs} {
		idx := s.locateExact(vk)
		if idx >= 0 {
			s.content[idx].vertex.Locked = false
		}
	}
}

// IsVertexLocked reports whether source's first-vertex cell (on whichever
// side holds it) is mid-removal, used to raise VertexPhantomWrite on a
// concurrent edge insert (spec.md §7).
func (f *File) IsVertexLocked(source uint64) bool {
	vk := key.NewVertex(source)
	for _, s := range []*side{&f.lhs, &f.rhs} {
		if idx := s.locateExact(vk); idx >= 0 {
			return s.content[idx].vertex.Locked
		}
	}
	return false
}

// Prune removes version records whose chains are fully dominated by
// minActiveTimestamp and removes content cells whose only version says
// "removed" and whose final state is absent (spec.md §4.6.6).
func (f *File) Prune(minActiveTimestamp uint64) {
	for _, s := range []*side{&f.lhs, &f.rhs} {
		for i := 0; i < len(s.content); i++ {
			v := s.versions[i]
			if v == nil {
				continue
			}
			owner := versionUndo(v)
			if owner == nil {
				// A removal with no owner is the tombstone Rollback leaves
				// for an undone insert; no reader can see the cell.
				if v.IsRemove {
					s.removeAt(i)
					i--
				}
				continue
			}
			if owner.Txn.State() != txn.Committed || owner.Txn.CommitTime() >= minActiveTimestamp {
				continue
			}
			if v.IsRemove {
				s.removeAt(i)
				i--
				continue
			}
			s.versions[i] = nil
		}
	}
}

// ScratchEntry is one element of the load/save scratchpad: a content cell
// plus its version, used by the rebalancer's Crawler/Spread operator
// (spec.md §4.6.7, §4.11).
type ScratchEntry struct {
	Key      key.Key
	IsVertex bool
	Vertex   model.Vertex
	Edge     model.Edge
	Version  *model.Version
}

// Load streams all elements and their versions into a scratchpad, in key
// order across both sides.
func (f *File) Load() []ScratchEntry {
	out := make([]ScratchEntry, 0, f.Cardinality())
	for _, s := range []*side{&f.lhs, &f.rhs} {
		for i, c := range s.content {
			out = append(out, ScratchEntry{Key: c.k, IsVertex: c.isVertex, Vertex: c.vertex, Edge: c.edge, Version: s.versions[i]})
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key.Compare(out[j].Key) < 0 })
	return out
}

// Save copies from scratch[startAt:] back into the file until either the
// file reaches targetQwords of usage or the scratchpad is exhausted,
// choosing pivot so that the split between LHS/RHS is roughly balanced. It
// returns the number of qwords written and the next unconsumed scratch
// index.
func (f *File) Save(scratch []ScratchEntry, startAt int, targetQwords int) (writtenQwords, nextIndex int) {
	f.lhs = side{}
	f.rhs = side{}

	mid := startAt + (len(scratch)-startAt)/2
	if mid < len(scratch) {
		f.pivot = scratch[mid].Key
	} else {
		f.pivot = key.Max
	}

	i := startAt
	for ; i < len(scratch); i++ {
		cost := qwordsPerCell
		if scratch[i].Version != nil {
			cost += qwordsPerVersion
		}
		if writtenQwords+cost > targetQwords {
			break
		}
		e := scratch[i]
		s := f.sideFor(e.Key)
		s.content = append(s.content, cell{k: e.Key, isVertex: e.IsVertex, vertex: e.Vertex, edge: e.Edge})
		s.versions = append(s.versions, e.Version)
		writtenQwords += cost
	}
	return writtenQwords, i
}

// Pivot returns the current LHS/RHS split key.
func (f *File) Pivot() key.Key { return f.pivot }

// SetCapacity adjusts the qword budget, used when a segment's size tunable
// changes between test fixtures.
func (f *File) SetCapacity(q int) { f.capacityQwords = q }

// Capacity returns the qword budget.
func (f *File) Capacity() int { return f.capacityQwords }
