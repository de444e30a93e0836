package rebalance

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/erigontech/teseo/index"
	"github.com/erigontech/teseo/key"
	"github.com/erigontech/teseo/leaf"
	"github.com/erigontech/teseo/model"
	"github.com/erigontech/teseo/segment"
	"github.com/erigontech/teseo/txn"
)

func TestMergerPassFoldsLightlyLoadedAdjacentLeaves(t *testing.T) {
	mgr := txn.NewManager()

	l1 := leaf.New([]*segment.Segment{segment.New(key.NewVertex(0), 256, nil)}, key.NewVertex(100))
	l2 := leaf.New([]*segment.Segment{segment.New(key.NewVertex(100), 256, nil)}, key.Max)
	l1.Link(l2)

	fillVertices(t, mgr, l1.Segments[0], 0, 3)
	fillVertices(t, mgr, l2.Segments[0], 100, 103)

	ix := index.New(nil)
	require.NoError(t, ix.Publish(l1))
	require.NoError(t, ix.Publish(l2))

	m := &Merger{Index: ix, Mgr: mgr}
	head := m.Pass(l1)

	assert.Same(t, l1, head)
	assert.Nil(t, l1.Next())

	reader := mgr.Begin(true)
	for i := uint64(0); i < 3; i++ {
		assert.True(t, l1.SegmentFor(key.NewVertex(i)).HasItem(reader, key.NewVertex(i)))
	}
	for i := uint64(100); i < 103; i++ {
		assert.True(t, l1.SegmentFor(key.NewVertex(i)).HasItem(reader, key.NewVertex(i)))
	}
}

func TestMergerPassLeavesHeavilyLoadedLeavesUnmerged(t *testing.T) {
	mgr := txn.NewManager()

	l1 := leaf.New([]*segment.Segment{segment.New(key.NewVertex(0), 32, nil)}, key.NewVertex(100))
	l2 := leaf.New([]*segment.Segment{segment.New(key.NewVertex(100), 32, nil)}, key.Max)
	l1.Link(l2)

	fillVertices(t, mgr, l1.Segments[0], 0, 20)
	fillVertices(t, mgr, l2.Segments[0], 100, 120)

	m := &Merger{Mgr: mgr}
	head := m.Pass(l1)

	assert.Same(t, l1, head)
	assert.Same(t, l2, l1.Next(), "combined occupancy exceeds threshold: leaves must stay separate")
}

func TestMergerPassPrunesSegmentsEvenWhenNotMerging(t *testing.T) {
	mgr := txn.NewManager()

	l1 := leaf.New([]*segment.Segment{segment.New(key.NewVertex(0), 32, nil)}, key.NewVertex(100))
	l2 := leaf.New([]*segment.Segment{segment.New(key.NewVertex(100), 32, nil)}, key.Max)
	l1.Link(l2)

	tx1 := mgr.Begin(false)
	require.NoError(t, l1.Segments[0].Update(tx1, model.Update{Kind: model.UpdateVertex, Op: model.OpInsert, Key: key.NewVertex(1)}, false))
	require.NoError(t, tx1.Commit(mgr))
	tx2 := mgr.Begin(false)
	require.NoError(t, l1.Segments[0].Update(tx2, model.Update{Kind: model.UpdateVertex, Op: model.OpRemove, Key: key.NewVertex(1)}, false))
	require.NoError(t, tx2.Commit(mgr))

	fillVertices(t, mgr, l1.Segments[0], 10, 25)
	fillVertices(t, mgr, l2.Segments[0], 100, 115)

	m := &Merger{Mgr: mgr}
	m.Pass(l1)
	// Pruning ran as a side effect of Pass; no panic and state stays
	// internally consistent is the behavior under test here.
	reader := mgr.Begin(true)
	assert.False(t, l1.Segments[0].HasItem(reader, key.NewVertex(1)))
}
