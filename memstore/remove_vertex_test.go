package memstore

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/erigontech/teseo/terrors"
)

func TestRemoveVertexOnMissingVertexFails(t *testing.T) {
	s, mgr := newTestStore(t)
	tx := mgr.Begin(false)
	_, err := s.RemoveVertex(tx, 1)
	assert.True(t, terrors.Is(err, terrors.KindVertexDoesNotExist))
}

func TestRemoveVertexUndirectedAlsoDropsReverseEdges(t *testing.T) {
	s, mgr := newTestStore(t)
	tx := mgr.Begin(false)
	require.NoError(t, s.InsertVertex(tx, 1))
	require.NoError(t, s.InsertVertex(tx, 2))
	require.NoError(t, s.InsertVertex(tx, 3))
	require.NoError(t, s.InsertEdge(tx, 1, 2, 1.0, true))
	require.NoError(t, s.InsertEdge(tx, 1, 3, 2.0, true))
	require.NoError(t, tx.Commit(mgr))

	tx2 := mgr.Begin(false)
	n, err := s.RemoveVertex(tx2, 1)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	require.NoError(t, tx2.Commit(mgr))

	reader := mgr.Begin(true)
	has, err := s.HasVertex(reader, 1)
	require.NoError(t, err)
	assert.False(t, has)

	has2to1, err := s.HasEdge(reader, 2, 1)
	require.NoError(t, err)
	assert.False(t, has2to1, "reverse edge must be cleared by the undirected fix-up")

	assert.Equal(t, int64(2), s.NumVertices(mgr))
	assert.Equal(t, int64(0), s.NumEdges(mgr))
}

func TestRemoveVertexTwiceInSameTransactionFails(t *testing.T) {
	s, mgr := newTestStore(t)
	tx := mgr.Begin(false)
	require.NoError(t, s.InsertVertex(tx, 1))
	require.NoError(t, tx.Commit(mgr))

	// Removing twice in the same uncommitted transaction: the second call
	// must return an error (vertex already removed).
	tx2 := mgr.Begin(false)
	_, err := s.RemoveVertex(tx2, 1)
	require.NoError(t, err)

	_, err = s.RemoveVertex(tx2, 1)
	assert.Error(t, err)
}
