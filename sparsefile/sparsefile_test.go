package sparsefile

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/erigontech/teseo/key"
	"github.com/erigontech/teseo/model"
	"github.com/erigontech/teseo/terrors"
	"github.com/erigontech/teseo/txn"
)

func TestInsertVertexThenHasItem(t *testing.T) {
	f := New(1024)
	mgr := txn.NewManager()
	tx := mgr.Begin(false)

	ok, err := f.Update(tx, model.Update{Kind: model.UpdateVertex, Op: model.OpInsert, Key: key.NewVertex(1)}, false)
	require.NoError(t, err)
	assert.True(t, ok)
	require.NoError(t, tx.Commit(mgr))

	reader := mgr.Begin(true)
	assert.True(t, f.HasItem(reader, key.NewVertex(1)))
}

func TestInsertDuplicateVertexFails(t *testing.T) {
	f := New(1024)
	mgr := txn.NewManager()
	tx := mgr.Begin(false)
	_, err := f.Update(tx, model.Update{Kind: model.UpdateVertex, Op: model.OpInsert, Key: key.NewVertex(1)}, false)
	require.NoError(t, err)
	require.NoError(t, tx.Commit(mgr))

	tx2 := mgr.Begin(false)
	_, err = f.Update(tx2, model.Update{Kind: model.UpdateVertex, Op: model.OpInsert, Key: key.NewVertex(1)}, false)
	assert.Error(t, err)
}

func TestInsertEdgeRequiresSourceVertexVisible(t *testing.T) {
	f := New(1024)
	mgr := txn.NewManager()
	tx := mgr.Begin(false)

	_, err := f.Update(tx, model.Update{Kind: model.UpdateEdge, Op: model.OpInsert, Key: key.NewEdge(1, 2), Weight: 1}, false)
	assert.ErrorIs(t, err, terrors.NotSureIfItHasSourceVertex)
}

func TestInsertEdgeSucceedsAfterSourceVertexInserted(t *testing.T) {
	f := New(1024)
	mgr := txn.NewManager()
	tx := mgr.Begin(false)

	_, err := f.Update(tx, model.Update{Kind: model.UpdateVertex, Op: model.OpInsert, Key: key.NewVertex(1)}, false)
	require.NoError(t, err)

	ok, err := f.Update(tx, model.Update{Kind: model.UpdateEdge, Op: model.OpInsert, Key: key.NewEdge(1, 2), Weight: 2.5}, true)
	require.NoError(t, err)
	assert.True(t, ok)
	require.NoError(t, tx.Commit(mgr))

	reader := mgr.Begin(true)
	w, ok := f.GetWeight(reader, key.NewEdge(1, 2))
	assert.True(t, ok)
	assert.Equal(t, 2.5, w)
}

func TestUpdateReturnsFalseWhenOutOfSpace(t *testing.T) {
	f := New(1) // budget too small for even one cell+version
	mgr := txn.NewManager()
	tx := mgr.Begin(false)

	ok, err := f.Update(tx, model.Update{Kind: model.UpdateVertex, Op: model.OpInsert, Key: key.NewVertex(1)}, false)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestRollbackOfInsertLeavesTombstone(t *testing.T) {
	f := New(1024)
	mgr := txn.NewManager()
	tx := mgr.Begin(false)

	upd := model.Update{Kind: model.UpdateVertex, Op: model.OpInsert, Key: key.NewVertex(1)}
	_, err := f.Update(tx, upd, false)
	require.NoError(t, err)
	tx.Rollback(mgr)

	reader := mgr.Begin(true)
	assert.False(t, f.HasItem(reader, key.NewVertex(1)))
}

func TestRemoveVertexLocksAndCollectsDestinations(t *testing.T) {
	f := New(1024)
	mgr := txn.NewManager()

	setup := mgr.Begin(false)
	_, err := f.Update(setup, model.Update{Kind: model.UpdateVertex, Op: model.OpInsert, Key: key.NewVertex(1)}, false)
	require.NoError(t, err)
	_, err = f.Update(setup, model.Update{Kind: model.UpdateEdge, Op: model.OpInsert, Key: key.NewEdge(1, 2), Weight: 1}, true)
	require.NoError(t, err)
	require.NoError(t, setup.Commit(mgr))

	remover := mgr.Begin(false)
	batch := &RemoveVertexBatch{}
	require.NoError(t, f.RemoveVertex(remover, 1, batch))
	assert.True(t, batch.UnlockRequired)
	assert.Contains(t, batch.Destinations, uint64(2))
	assert.True(t, f.IsVertexLocked(1))

	f.UnlockVertex(1)
	assert.False(t, f.IsVertexLocked(1))
}

func TestScanVisitsVisibleRecordsInKeyOrder(t *testing.T) {
	f := New(4096)
	mgr := txn.NewManager()
	tx := mgr.Begin(false)

	for _, id := range []uint64{3, 1, 2} {
		_, err := f.Update(tx, model.Update{Kind: model.UpdateVertex, Op: model.OpInsert, Key: key.NewVertex(id)}, false)
		require.NoError(t, err)
	}
	require.NoError(t, tx.Commit(mgr))

	reader := mgr.Begin(true)
	var seen []uint64
	_, err := f.Scan(reader, key.Key{}, func(source, destination uint64, weight float64) bool {
		seen = append(seen, source)
		return true
	}, nil)
	require.NoError(t, err)
	assert.Equal(t, []uint64{1, 2, 3}, seen)
}

func TestSaveThenLoadRoundTrips(t *testing.T) {
	f := New(4096)
	mgr := txn.NewManager()
	tx := mgr.Begin(false)
	for _, id := range []uint64{1, 2, 3} {
		_, err := f.Update(tx, model.Update{Kind: model.UpdateVertex, Op: model.OpInsert, Key: key.NewVertex(id)}, false)
		require.NoError(t, err)
	}
	require.NoError(t, tx.Commit(mgr))

	scratch := f.Load()
	require.Len(t, scratch, 3)

	f2 := New(4096)
	written, next := f2.Save(scratch, 0, 4096)
	assert.Equal(t, len(scratch), next)
	assert.Positive(t, written)
	assert.Equal(t, 3, f2.Cardinality())
}
