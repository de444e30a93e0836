// Package densefile implements the ART-trie-indexed item array used once a
// segment's sparse file overflows (spec.md §4.7). Node flavors N4/N16/N48/
// N256 share a common header with an inline prefix; structural replacement
// (grow/shrink/insert) hands the superseded node to an epoch.Thread for
// deferred reclamation, the same discipline the global index uses.
package densefile

import (
	"bytes"
	"sort"
	"sync/atomic"

	"github.com/cespare/xxhash/v2"
	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/erigontech/teseo/epoch"
	"github.com/erigontech/teseo/key"
	"github.com/erigontech/teseo/model"
	"github.com/erigontech/teseo/terrors"
	"github.com/erigontech/teseo/txn"
)

// node is the common shape of every ART node variant; the concrete
// variants differ only in how children are indexed.
type node interface {
	kind() nodeKind
	prefix() []byte
	setPrefix([]byte)
	numChildren() int
	child(b byte) node
	setChild(b byte, n node)
	removeChild(b byte)
	isLeaf() bool
}

type nodeKind uint8

const (
	kindLeaf nodeKind = iota
	kindN4
	kindN16
	kindN48
	kindN256
)

// leafNode is an ART leaf: it carries the full key (for verification after
// a possibly-implicit prefix match) and the position of its item in the
// append-only item file.
type leafNode struct {
	key key.Key
	pos int
}

func (l *leafNode) kind() nodeKind        { return kindLeaf }
func (l *leafNode) prefix() []byte        { return nil }
func (l *leafNode) setPrefix([]byte)      {}
func (l *leafNode) numChildren() int      { return 0 }
func (l *leafNode) child(byte) node       { return nil }
func (l *leafNode) setChild(byte, node)   {}
func (l *leafNode) removeChild(byte)      {}
func (l *leafNode) isLeaf() bool          { return true }

type baseNode struct {
	pfx []byte
}

func (b *baseNode) prefix() []byte    { return b.pfx }
func (b *baseNode) setPrefix(p []byte) { b.pfx = p }
func (b *baseNode) isLeaf() bool      { return false }

// n4 holds up to 4 children in parallel key/child arrays, linearly scanned.
type n4 struct {
	baseNode
	keys     [4]byte
	children [4]node
	count    int
}

func (n *n4) kind() nodeKind { return kindN4 }
func (n *n4) numChildren() int { return n.count }
func (n *n4) child(b byte) node {
	for i := 0; i < n.count; i++ {
		if n.keys[i] == b {
			return n.children[i]
		}
	}
	return nil
}
func (n *n4) setChild(b byte, c node) {
	for i := 0; i < n.count; i++ {
		if n.keys[i] == b {
			n.children[i] = c
			return
		}
	}
	n.keys[n.count] = b
	n.children[n.count] = c
	n.count++
}
func (n *n4) removeChild(b byte) {
	for i := 0; i < n.count; i++ {
		if n.keys[i] == b {
			copy(n.keys[i:], n.keys[i+1:n.count])
			copy(n.children[i:], n.children[i+1:n.count])
			n.count--
			return
		}
	}
}
func (n *n4) grow() node {
	g := &n16{baseNode: baseNode{pfx: n.pfx}}
	for i := 0; i < n.count; i++ {
		g.setChild(n.keys[i], n.children[i])
	}
	return g
}

// n16 holds up to 16 children, linearly scanned (a binary search over a
// sorted key array would also satisfy the spec; linear keeps the variant
// distinguishable from N4 only by capacity, matching typical ART write-ups).
type n16 struct {
	baseNode
	keys     [16]byte
	children [16]node
	count    int
}

func (n *n16) kind() nodeKind   { return kindN16 }
func (n *n16) numChildren() int { return n.count }
func (n *n16) child(b byte) node {
	for i := 0; i < n.count; i++ {
		if n.keys[i] == b {
			return n.children[i]
		}
	}
	return nil
}
func (n *n16) setChild(b byte, c node) {
	for i := 0; i < n.count; i++ {
		if n.keys[i] == b {
			n.children[i] = c
			return
		}
	}
	n.keys[n.count] = b
	n.children[n.count] = c
	n.count++
}
func (n *n16) removeChild(b byte) {
	for i := 0; i < n.count; i++ {
		if n.keys[i] == b {
			copy(n.keys[i:], n.keys[i+1:n.count])
			copy(n.children[i:], n.children[i+1:n.count])
			n.count--
			return
		}
	}
}
func (n *n16) shrink() node {
	s := &n4{baseNode: baseNode{pfx: n.pfx}}
	for i := 0; i < n.count; i++ {
		s.setChild(n.keys[i], n.children[i])
	}
	return s
}
func (n *n16) grow() node {
	g := &n48{baseNode: baseNode{pfx: n.pfx}}
	for i := 0; i < n.count; i++ {
		g.setChild(n.keys[i], n.children[i])
	}
	return g
}

// n48 indexes 256 possible bytes into a 48-slot child array.
type n48 struct {
	baseNode
	index    [256]int8 // 1-based index into children; 0 means absent
	children [48]node
	count    int
}

func (n *n48) kind() nodeKind   { return kindN48 }
func (n *n48) numChildren() int { return n.count }
func (n *n48) child(b byte) node {
	i := n.index[b]
	if i == 0 {
		return nil
	}
	return n.children[i-1]
}
func (n *n48) setChild(b byte, c node) {
	if i := n.index[b]; i != 0 {
		n.children[i-1] = c
		return
	}
	n.children[n.count] = c
	n.index[b] = int8(n.count + 1)
	n.count++
}
func (n *n48) removeChild(b byte) {
	i := n.index[b]
	if i == 0 {
		return
	}
	last := n.count - 1
	n.children[i-1] = n.children[last]
	for k, v := range n.index {
		if int(v)-1 == last {
			n.index[k] = i
			break
		}
	}
	n.children[last] = nil
	n.index[b] = 0
	n.count--
}
func (n *n48) shrink() node {
	s := &n16{baseNode: baseNode{pfx: n.pfx}}
	for b := 0; b < 256; b++ {
		if n.index[b] != 0 {
			s.setChild(byte(b), n.children[n.index[b]-1])
		}
	}
	return s
}
func (n *n48) grow() node {
	g := &n256{baseNode: baseNode{pfx: n.pfx}}
	for b := 0; b < 256; b++ {
		if n.index[b] != 0 {
			g.setChild(byte(b), n.children[n.index[b]-1])
		}
	}
	return g
}

// n256 is a direct 256-entry array, used for densely populated nodes.
type n256 struct {
	baseNode
	children [256]node
	count    int
}

func (n *n256) kind() nodeKind      { return kindN256 }
func (n *n256) numChildren() int    { return n.count }
func (n *n256) child(b byte) node   { return n.children[b] }
func (n *n256) setChild(b byte, c node) {
	if n.children[b] == nil {
		n.count++
	}
	n.children[b] = c
}
func (n *n256) removeChild(b byte) {
	if n.children[b] != nil {
		n.children[b] = nil
		n.count--
	}
}
func (n *n256) shrink() node {
	s := &n48{baseNode: baseNode{pfx: n.pfx}}
	for b := 0; b < 256; b++ {
		if n.children[b] != nil {
			s.setChild(byte(b), n.children[b])
		}
	}
	return s
}

// shrinkThreshold maps a node kind to the occupancy below which it should
// shrink to the next-smaller variant.
func shrinkThreshold(k nodeKind) int {
	switch k {
	case kindN16:
		return 4
	case kindN48:
		return 16
	case kindN256:
		return 48
	default:
		return -1
	}
}

func growThreshold(k nodeKind) int {
	switch k {
	case kindN4:
		return 4
	case kindN16:
		return 16
	case kindN48:
		return 48
	default:
		return -1
	}
}

// Item is one element of the append-only item file: an Update plus its
// version chain head. Positions of deleted items stay allocated
// (tombstoned by checking Update.Op) until Compact runs.
type Item struct {
	Update  model.Update
	Version *model.Version
}

// File is a segment's dense content file, used when the sparse file cannot
// fit an update.
type File struct {
	root  node
	items []Item

	// txLocks lists vertex IDs locked elsewhere that must be honored
	// (spec.md §4.7 "transaction-locks list").
	txLocks map[uint64]bool

	thread *epoch.Thread

	// id identifies this file in compactDigestCache across Compact calls.
	id uint64
}

var nextFileID atomic.Uint64

// compactDigestCache remembers the xxhash digest of each dense file's item
// keys as of its last Compact call, so a Compact invoked again while the
// key set is unchanged skips the O(items) version scan entirely (spec.md
// §4.13's periodic background task calls Compact on a schedule, not only
// when a segment is known dirty). Only keys are hashed: a Compact after
// changes that leave the key set as it was (new versions, commits, a
// later horizon) is skipped as well.
var compactDigestCache, _ = lru.New[uint64, uint64](4096)

// New returns an empty dense file. thread is used to defer reclamation of
// superseded ART nodes; it may be nil in tests that don't exercise GC
// timing.
func New(thread *epoch.Thread) *File {
	return &File{txLocks: make(map[uint64]bool), thread: thread, id: nextFileID.Add(1)}
}

// AppendRaw appends an item with its version directly (no undo record,
// no locking) and indexes it in the trie, returning its position. Used by
// segment.toDenseFile to materialize a sparse file's contents as-is.
func (f *File) AppendRaw(upd model.Update, v *model.Version) int {
	pos := len(f.items)
	f.items = append(f.items, Item{Update: upd, Version: v})
	f.insert(upd.Key, pos)
	return pos
}

func (f *File) reclaim(n node) {
	if f.thread == nil || n == nil {
		return
	}
	f.thread.Mark(n, func(any) {})
}

// find descends the trie for k, returning the leaf if present.
func (f *File) find(k key.Key) *leafNode {
	kb := k.Bytes()
	cur := f.root
	depth := 0
	for cur != nil {
		if cur.isLeaf() {
			l := cur.(*leafNode)
			if l.key == k {
				return l
			}
			return nil
		}
		p := cur.prefix()
		if len(p) > 0 {
			if depth+len(p) > len(kb) || !bytes.Equal(kb[depth:depth+len(p)], p) {
				return nil
			}
			depth += len(p)
		}
		if depth >= len(kb) {
			return nil
		}
		cur = cur.child(kb[depth])
		depth++
	}
	return nil
}

// locateExact returns the item index for k, or -1.
func (f *File) locateExact(k key.Key) int {
	l := f.find(k)
	if l == nil {
		return -1
	}
	return l.pos
}

// insert descends the trie inserting a leaf for k at position pos, growing
// or splitting nodes as needed (spec.md §4.7 "ART node mutations").
func (f *File) insert(k key.Key, pos int) {
	kb := k.Bytes()
	if f.root == nil {
		f.root = &leafNode{key: k, pos: pos}
		return
	}
	f.root = f.insertAt(f.root, kb, 0, k, pos)
}

func (f *File) insertAt(cur node, kb []byte, depth int, k key.Key, pos int) node {
	if cur.isLeaf() {
		l := cur.(*leafNode)
		if l.key == k {
			l.pos = pos
			return l
		}
		// Split: create a new N4 with the shared prefix above both leaves.
		// The prefix is stored in full, however long, so find can compare
		// it byte for byte.
		lb := l.key.Bytes()
		commonLen := 0
		for depth+commonLen < len(kb) && kb[depth+commonLen] == lb[depth+commonLen] {
			commonLen++
		}
		n4n := &n4{baseNode: baseNode{pfx: append([]byte(nil), kb[depth:depth+commonLen]...)}}
		n4n.setChild(lb[depth+commonLen], l)
		n4n.setChild(kb[depth+commonLen], &leafNode{key: k, pos: pos})
		return n4n
	}

	p := cur.prefix()
	matched := 0
	for matched < len(p) && depth+matched < len(kb) && kb[depth+matched] == p[matched] {
		matched++
	}
	if matched < len(p) {
		// Prefix mismatch: create a new N4 with the matching prefix above
		// the current node (spec.md §4.7).
		n4n := &n4{baseNode: baseNode{pfx: append([]byte(nil), p[:matched]...)}}
		cur.setPrefix(p[matched+1:])
		n4n.setChild(p[matched], cur)
		n4n.setChild(kb[depth+matched], &leafNode{key: k, pos: pos})
		return n4n
	}
	depth += len(p)
	if depth >= len(kb) {
		return cur
	}
	b := kb[depth]
	child := cur.child(b)
	if child == nil {
		if growThreshold(cur.kind()) >= 0 && cur.numChildren() >= growThreshold(cur.kind()) {
			old := cur
			cur = growNode(cur)
			f.reclaim(old)
		}
		cur.setChild(b, &leafNode{key: k, pos: pos})
		return cur
	}
	newChild := f.insertAt(child, kb, depth+1, k, pos)
	cur.setChild(b, newChild)
	return cur
}

func growNode(n node) node {
	switch t := n.(type) {
	case *n4:
		return t.grow()
	case *n16:
		return t.grow()
	case *n48:
		return t.grow()
	default:
		return n
	}
}

func shrinkNode(n node) node {
	switch t := n.(type) {
	case *n16:
		return t.shrink()
	case *n48:
		return t.shrink()
	case *n256:
		return t.shrink()
	default:
		return n
	}
}

func min(a, b int) int {
	if a < b {
		return a
	}
	return b
}

// remove deletes the leaf for k from the trie, shrinking nodes that fall
// under their shrink threshold.
func (f *File) remove(k key.Key) {
	kb := k.Bytes()
	f.root = f.removeAt(f.root, kb, 0)
}

func (f *File) removeAt(cur node, kb []byte, depth int) node {
	if cur == nil || cur.isLeaf() {
		return nil
	}
	p := cur.prefix()
	depth += len(p)
	if depth >= len(kb) {
		return cur
	}
	b := kb[depth]
	child := cur.child(b)
	if child == nil {
		return cur
	}
	if child.isLeaf() {
		cur.removeChild(b)
	} else {
		cur.setChild(b, f.removeAt(child, kb, depth+1))
	}
	if th := shrinkThreshold(cur.kind()); th >= 0 && cur.numChildren() < th {
		old := cur
		shrunk := shrinkNode(cur)
		f.reclaim(old)
		return shrunk
	}
	return cur
}

// Update mirrors sparsefile.File.Update: mutates the existing item when the
// key already exists, else appends and inserts the key into the trie.
func (f *File) Update(t *txn.Transaction, upd model.Update, hasSourceVertex bool) error {
	if upd.Kind == model.UpdateEdge && upd.Op == model.OpInsert && !hasSourceVertex {
		srcPos := f.locateExact(key.NewVertex(upd.Key.Source))
		if srcPos < 0 {
			if upd.Key.Destination != 0 {
				return terrors.NotSureIfItHasSourceVertex
			}
		} else if f.items[srcPos].Update.IsRemove() {
			return terrors.New(terrors.KindVertexDoesNotExist, upd.Key.String())
		}
	}

	pos := f.locateExact(upd.Key)
	if pos < 0 {
		if upd.Op == model.OpRemove {
			if upd.Kind == model.UpdateVertex {
				return terrors.New(terrors.KindVertexDoesNotExist, upd.Key.String())
			}
			return terrors.New(terrors.KindEdgeDoesNotExist, upd.Key.String())
		}
		pos = len(f.items)
		f.items = append(f.items, Item{Update: model.Update{Kind: upd.Kind, Op: model.OpInsert, Key: upd.Key, Weight: upd.Weight}})
		f.insert(upd.Key, pos)
		f.attachVersion(t, pos, upd)
		return nil
	}

	it := &f.items[pos]
	if owner := versionUndo(it.Version); owner != nil && !t.CanWrite(owner) {
		if upd.Kind == model.UpdateVertex {
			if it.Version != nil && it.Version.ChainLength == 1 && upd.Op == model.OpInsert {
				// Two transactions racing to create the same never-committed
				// vertex: a first-writer-wins race (spec.md §8 scenario 3),
				// not a lock held on an already-established row.
				return terrors.New(terrors.KindTransactionConflict, upd.Key.String())
			}
			return terrors.New(terrors.KindVertexLocked, upd.Key.String())
		}
		return terrors.New(terrors.KindEdgeLocked, upd.Key.String())
	}
	wasRemoved := it.Version != nil && it.Version.IsRemove
	if upd.Op == model.OpInsert && !wasRemoved && it.Version != nil {
		if upd.Kind == model.UpdateVertex {
			return terrors.New(terrors.KindVertexAlreadyExists, upd.Key.String())
		}
		return terrors.New(terrors.KindEdgeAlreadyExists, upd.Key.String())
	}
	if upd.Op == model.OpRemove && wasRemoved {
		if upd.Kind == model.UpdateVertex {
			return terrors.New(terrors.KindVertexDoesNotExist, upd.Key.String())
		}
		return terrors.New(terrors.KindEdgeDoesNotExist, upd.Key.String())
	}
	it.Update = model.Update{Kind: upd.Kind, Op: upd.Op, Key: upd.Key, Weight: upd.Weight}
	f.attachVersion(t, pos, upd)
	return nil
}

func versionUndo(v *model.Version) *txn.UndoRecord {
	if v == nil || v.Undo == nil {
		return nil
	}
	u, _ := v.Undo.(*txn.UndoRecord)
	return u
}

func (f *File) attachVersion(t *txn.Transaction, pos int, upd model.Update) {
	prev := f.items[pos].Version
	var prevUndo *txn.UndoRecord
	chainLen := 0
	if prev != nil {
		prevUndo = versionUndo(prev)
		chainLen = int(prev.ChainLength)
	}
	rec := t.AddUndo(upd.Inverse(), f, prevUndo)
	f.items[pos].Version = &model.Version{
		IsRemove:    upd.Op == model.OpRemove,
		ChainLength: model.ClampChainLength(chainLen + 1),
		BackPointer: uint32(pos),
		Undo:        rec,
	}
}

// Rollback implements txn.RollbackTarget, mirroring sparsefile.File.Rollback.
func (f *File) Rollback(undo model.Update, next model.UndoPointer) {
	pos := f.locateExact(undo.Key)
	if pos < 0 {
		return
	}
	if next == nil {
		if undo.Op == model.OpRemove {
			f.items[pos].Version = &model.Version{IsRemove: true, BackPointer: uint32(pos)}
		} else {
			f.items[pos].Version = nil
		}
		return
	}
	nextUndo, _ := next.(*txn.UndoRecord)
	chainLen := 0
	if cur := f.items[pos].Version; cur != nil {
		chainLen = int(cur.ChainLength) - 1
	}
	f.items[pos].Version = &model.Version{
		IsRemove:    next.Payload().IsRemove(),
		ChainLength: model.ClampChainLength(chainLen),
		BackPointer: uint32(pos),
		Undo:        nextUndo,
	}
}

func (f *File) resolveVisibility(t *txn.Transaction, pos int) bool {
	v := f.items[pos].Version
	if v == nil {
		return true
	}
	vis, payload, fromUndo := t.CanRead(versionUndo(v))
	if fromUndo {
		return !payload.IsRemove()
	}
	return vis && !v.IsRemove
}

// HasItem reports whether k is visible to t.
func (f *File) HasItem(t *txn.Transaction, k key.Key) bool {
	pos := f.locateExact(k)
	if pos < 0 {
		return false
	}
	return f.resolveVisibility(t, pos)
}

// GetWeight returns the weight of edge k as visible to t.
func (f *File) GetWeight(t *txn.Transaction, k key.Key) (float64, bool) {
	pos := f.locateExact(k)
	if pos < 0 || f.items[pos].Update.Kind != model.UpdateEdge {
		return 0, false
	}
	if !f.resolveVisibility(t, pos) {
		return 0, false
	}
	return f.items[pos].Update.Weight, true
}

// GetDegree counts visible edges for source by scanning the item file; the
// dense file has no per-vertex running counter (unlike the sparse file's
// Vertex.Count), so this is O(items) rather than O(1).
func (f *File) GetDegree(t *txn.Transaction, source uint64) int {
	total := 0
	for i, it := range f.items {
		if it.Update.Kind == model.UpdateEdge && it.Update.Key.Source == source && f.resolveVisibility(t, i) {
			total++
		}
	}
	return total
}

// Scan iterates all items in ascending key order starting at nextKey.
func (f *File) Scan(t *txn.Transaction, nextKey key.Key, cb func(source, destination uint64, weight float64) bool, optimisticValidate func() error) error {
	idxs := make([]int, 0, len(f.items))
	for i := range f.items {
		if f.items[i].Update.Key.Compare(nextKey) >= 0 {
			idxs = append(idxs, i)
		}
	}
	sort.Slice(idxs, func(a, b int) bool { return f.items[idxs[a]].Update.Key.Compare(f.items[idxs[b]].Update.Key) < 0 })

	for _, i := range idxs {
		if optimisticValidate != nil {
			if err := optimisticValidate(); err != nil {
				return err
			}
		}
		if !f.resolveVisibility(t, i) {
			continue
		}
		it := f.items[i]
		var cont bool
		if it.Update.Kind == model.UpdateVertex {
			cont = cb(it.Update.Key.Source, 0, 0)
		} else {
			cont = cb(it.Update.Key.Source, it.Update.Key.Destination, it.Update.Weight)
		}
		if !cont {
			return nil
		}
	}
	return nil
}

// RemoveVertexBatch mirrors sparsefile.RemoveVertexBatch.
type RemoveVertexBatch struct {
	Destinations   []uint64
	UnlockRequired bool
}

// RemoveVertex mirrors sparsefile.File.RemoveVertex.
func (f *File) RemoveVertex(t *txn.Transaction, source uint64, batch *RemoveVertexBatch) error {
	vk := key.NewVertex(source)
	pos := f.locateExact(vk)
	if pos >= 0 {
		if owner := versionUndo(f.items[pos].Version); owner != nil && !t.CanWrite(owner) {
			return terrors.New(terrors.KindVertexLocked, vk.String())
		}
		batch.UnlockRequired = true
		f.txLocks[source] = true
		f.attachVersion(t, pos, model.Update{Kind: model.UpdateVertex, Op: model.OpRemove, Key: vk})
	}
	for i := range f.items {
		it := f.items[i].Update
		if it.Kind == model.UpdateEdge && it.Key.Source == source && f.resolveVisibility(t, i) {
			batch.Destinations = append(batch.Destinations, it.Key.Destination)
			f.attachVersion(t, i, model.Update{Kind: model.UpdateEdge, Op: model.OpRemove, Key: it.Key})
		}
	}
	return nil
}

// UnlockVertex clears source from the txLocks list that RemoveVertex adds
// it to: the dense file tracks locking via that list (spec.md §4.7), not a
// per-item flag, since vertex cells aren't physically repositioned the way
// a sparse file's are.
func (f *File) UnlockVertex(source uint64) {
	delete(f.txLocks, source)
}

// LockForeignVertex records that source is locked by a remover in another
// segment (spec.md §4.7 "transaction-locks list").
func (f *File) LockForeignVertex(source uint64) { f.txLocks[source] = true }

// IsForeignVertexLocked reports whether source is locked by a remover
// operating from another segment.
func (f *File) IsForeignVertexLocked(source uint64) bool { return f.txLocks[source] }

// ClearVersions drops every item's version pointer, used after a
// successful compaction once no reader can need the old chains.
func (f *File) ClearVersions() {
	for i := range f.items {
		f.items[i].Version = nil
	}
}

// Load streams all live elements into a scratchpad, matching
// sparsefile.File.Load's contract so the rebalancer can treat sparse and
// dense segments uniformly.
func (f *File) Load() []struct {
	Key     key.Key
	Update  model.Update
	Version *model.Version
} {
	out := make([]struct {
		Key     key.Key
		Update  model.Update
		Version *model.Version
	}, 0, len(f.items))
	for _, it := range f.items {
		out = append(out, struct {
			Key     key.Key
			Update  model.Update
			Version *model.Version
		}{Key: it.Update.Key, Update: it.Update, Version: it.Version})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key.Compare(out[j].Key) < 0 })
	return out
}

// Cardinality returns the number of items in the file (tombstoned items
// are dropped by Compact, not marked in place).
func (f *File) Cardinality() int { return len(f.items) }

// itemsDigest hashes the current item key set, used to skip a Compact call
// while the key set is unchanged since the last one. Versions, owner
// states and the horizon are not part of the digest.
func (f *File) itemsDigest() uint64 {
	h := xxhash.New()
	for _, it := range f.items {
		b := it.Update.Key.Bytes()
		_, _ = h.Write(b[:])
	}
	return h.Sum64()
}

// Compact rewrites the item file dropping tombstoned entries, rebuilding
// the trie from scratch. It is invoked by the same pruning pass that calls
// sparsefile.File.Prune.
func (f *File) Compact(minActiveTimestamp uint64) {
	digest := f.itemsDigest()
	if cached, ok := compactDigestCache.Get(f.id); ok && cached == digest {
		return
	}

	var kept []Item
	for _, it := range f.items {
		if it.Version != nil && it.Version.IsRemove {
			// A removal with no owner is a rolled-back insert: no reader
			// can see the item, so it is dropped like a dominated removal.
			owner := versionUndo(it.Version)
			if owner == nil || (owner.Txn.State() == txn.Committed && owner.Txn.CommitTime() < minActiveTimestamp) {
				continue
			}
		}
		kept = append(kept, it)
	}
	f.items = kept
	f.root = nil
	for i, it := range f.items {
		f.insert(it.Update.Key, i)
	}

	compactDigestCache.Add(f.id, f.itemsDigest())
}
