// Package index implements the global index mapping a 16-byte key to the
// (leaf, segment) pair that owns it (spec.md §4.10). It is a sorted slice
// of entries, not a trie, and retires nothing through epoch GC. Lookup
// reads it optimistically via a top-level latch; writers (leaf insert,
// rebalance commit) update it exclusively.
package index

import (
	"sort"
	"sync"

	"github.com/erigontech/teseo/epoch"
	"github.com/erigontech/teseo/key"
	"github.com/erigontech/teseo/latch"
	"github.com/erigontech/teseo/leaf"
	"github.com/erigontech/teseo/segment"
)

// Entry identifies the leaf/segment that owns a key range starting at the
// indexed minimum key.
type Entry struct {
	Leaf       *leaf.Leaf
	Segment    *segment.Segment
	SegmentIdx int
}

// Index is the global ART trie from key to Entry. Unlike densefile's ART
// (which indexes positions in an append-only array), this index is
// rebuilt wholesale on structural change: the corpus-sized graphs this
// engine targets make a full sorted rebuild of the entry list cheap
// relative to the segment/leaf work a rebalance already does, so the
// trie here is a simple sorted-slice index behind the same optimistic
// latch discipline as the rest of the engine (see DESIGN.md).
type Index struct {
	Latch latch.Latch

	mu      sync.Mutex
	entries []indexedEntry // kept sorted by minKey

	thread *epoch.Thread
}

type indexedEntry struct {
	minKey key.Key
	entry  Entry
}

// New returns an empty index.
func New(thread *epoch.Thread) *Index {
	return &Index{thread: thread}
}

// Lookup returns the Entry owning k, optimistically: it snapshots the
// latch version, reads, and validates, retrying on terrors.Abort via the
// caller's use of latch.Retry.
func (ix *Index) Lookup(k key.Key) (Entry, bool, error) {
	res, err := latch.Optimistic(&ix.Latch, func() (entryResult, error) {
		ix.mu.Lock()
		defer ix.mu.Unlock()
		i := sort.Search(len(ix.entries), func(i int) bool {
			return ix.entries[i].minKey.Compare(k) > 0
		})
		if i == 0 {
			return entryResult{}, nil
		}
		return entryResult{entry: ix.entries[i-1].entry, ok: true}, nil
	})
	if err != nil {
		return Entry{}, false, err
	}
	return res.entry, res.ok, nil
}

type entryResult struct {
	entry Entry
	ok    bool
}

// Publish installs or replaces the minimum key for every segment in leaf
// l (spec.md §4.10 "On insert of a new leaf, the minimum key of each of
// its segments is published"). Callers must hold l's own coordination
// lock; Publish takes the index's write lock internally.
func (ix *Index) Publish(l *leaf.Leaf) error {
	if err := ix.Latch.Lock(); err != nil {
		return err
	}
	defer ix.Latch.Unlock()

	ix.mu.Lock()
	defer ix.mu.Unlock()

	for i, s := range l.Segments {
		ix.upsertLocked(s.FenceLow(), Entry{Leaf: l, Segment: s, SegmentIdx: i})
	}
	return nil
}

// Withdraw removes every entry whose segment belongs to leaf l, used when
// a leaf is retired after a merge (spec.md §4.11 "the old leaves are
// returned to the buffer pool after publication").
func (ix *Index) Withdraw(l *leaf.Leaf) error {
	if err := ix.Latch.Lock(); err != nil {
		return err
	}
	defer ix.Latch.Unlock()

	ix.mu.Lock()
	defer ix.mu.Unlock()

	kept := ix.entries[:0]
	for _, e := range ix.entries {
		if e.entry.Leaf != l {
			kept = append(kept, e)
		}
	}
	ix.entries = kept
	return nil
}

func (ix *Index) upsertLocked(minKey key.Key, e Entry) {
	i := sort.Search(len(ix.entries), func(i int) bool {
		return ix.entries[i].minKey.Compare(minKey) >= 0
	})
	if i < len(ix.entries) && ix.entries[i].minKey == minKey {
		ix.entries[i].entry = e
		return
	}
	ix.entries = append(ix.entries, indexedEntry{})
	copy(ix.entries[i+1:], ix.entries[i:])
	ix.entries[i] = indexedEntry{minKey: minKey, entry: e}
}

// EntryCount reports how many published entries the index currently
// holds, used by tests and by the merger to sanity-check coverage.
func (ix *Index) EntryCount() int {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	return len(ix.entries)
}

// FirstLeaf returns the leaf owning key.Min, or nil if the index is empty.
// memstore uses this to start a full scan.
func (ix *Index) FirstLeaf() *leaf.Leaf {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	if len(ix.entries) == 0 {
		return nil
	}
	return ix.entries[0].entry.Leaf
}
