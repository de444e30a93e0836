package segment

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/erigontech/teseo/key"
	"github.com/erigontech/teseo/model"
	"github.com/erigontech/teseo/txn"
)

func TestNewSegmentStartsSparseAndFree(t *testing.T) {
	s := New(key.NewVertex(0), 64, nil)
	assert.False(t, s.IsDense())
	assert.Equal(t, Free, s.State())
}

func TestUpdateInsertVertexThenHasItem(t *testing.T) {
	s := New(key.NewVertex(0), 64, nil)
	mgr := txn.NewManager()
	tx := mgr.Begin(false)

	upd := model.Update{Kind: model.UpdateVertex, Op: model.OpInsert, Key: key.NewVertex(1)}
	require.NoError(t, s.Update(tx, upd, false))
	require.NoError(t, tx.Commit(mgr))

	reader := mgr.Begin(true)
	assert.True(t, s.HasItem(reader, key.NewVertex(1)))
}

func TestUpdateOverflowPromotesToDenseFile(t *testing.T) {
	s := New(key.NewVertex(0), 1, nil) // tiny capacity forces overflow quickly
	mgr := txn.NewManager()

	for i := uint64(0); i < 64; i++ {
		tx := mgr.Begin(false)
		upd := model.Update{Kind: model.UpdateVertex, Op: model.OpInsert, Key: key.NewVertex(i)}
		require.NoError(t, s.Update(tx, upd, false))
		require.NoError(t, tx.Commit(mgr))
	}

	assert.True(t, s.IsDense())
}

func TestRollbackUndoesUncommittedInsert(t *testing.T) {
	s := New(key.NewVertex(0), 64, nil)
	mgr := txn.NewManager()
	tx := mgr.Begin(false)

	upd := model.Update{Kind: model.UpdateVertex, Op: model.OpInsert, Key: key.NewVertex(1)}
	require.NoError(t, s.Update(tx, upd, false))
	tx.Rollback(mgr)

	reader := mgr.Begin(true)
	assert.False(t, s.HasItem(reader, key.NewVertex(1)))
}

func TestRLockAllowsConcurrentReadersButBlocksWriter(t *testing.T) {
	s := New(key.NewVertex(0), 64, nil)
	s.RLock()
	s.RLock() // second reader must not block

	wrote := make(chan struct{})
	go func() {
		s.Lock()
		close(wrote)
		s.Unlock()
	}()

	select {
	case <-wrote:
		t.Fatal("writer should not acquire while readers hold the segment")
	case <-time.After(20 * time.Millisecond):
	}

	s.RUnlock()
	s.RUnlock()
	<-wrote
}

func TestLockForRebalanceRecordsOwnerAndUnlockClears(t *testing.T) {
	s := New(key.NewVertex(0), 64, nil)
	owner := "crawler-1"
	s.LockForRebalance(owner)
	assert.Equal(t, Rebal, s.State())
	assert.Equal(t, owner, s.CrawlerOwner())

	s.UnlockRebalance()
	assert.Equal(t, Free, s.State())
	assert.Nil(t, s.CrawlerOwner())
	assert.False(t, s.LastRebalance().IsZero())
}

func TestTryStopCrawlerRespectsCanStopCallback(t *testing.T) {
	s := New(key.NewVertex(0), 64, nil)
	s.LockForRebalance("owner")

	assert.False(t, s.TryStopCrawler(func(owner any) bool { return false }))
	assert.True(t, s.TryStopCrawler(func(owner any) bool { return true }))
	assert.Nil(t, s.CrawlerOwner())
}
