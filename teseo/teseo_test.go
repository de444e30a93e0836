package teseo

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/erigontech/teseo/config"
)

func newTestGraph(t *testing.T) *Graph {
	t.Helper()
	cfg := config.Default()
	cfg.Memstore.NumSegmentsPerLeaf = 4
	cfg.Memstore.MaxNumSegmentsPerLeaf = 8
	cfg.Async.NumThreads = 1
	g, err := Open(cfg, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = g.Close() })
	return g
}

func TestExternalInternalIDTranslationIsZeroBased(t *testing.T) {
	assert.Equal(t, uint64(0), external(internal(0)))
	assert.Equal(t, uint64(41), external(internal(41)))
}

func TestInsertVertexAndEdgeUseExternalIDSpace(t *testing.T) {
	g := newTestGraph(t)
	tx := g.StartTransaction(false)
	require.NoError(t, tx.InsertVertex(0))
	require.NoError(t, tx.InsertVertex(1))
	require.NoError(t, tx.InsertEdge(0, 1, 2.0, false))
	require.NoError(t, tx.Commit())

	reader := g.StartTransaction(true)
	has, err := reader.HasEdge(0, 1)
	require.NoError(t, err)
	assert.True(t, has)

	w, err := reader.GetWeight(0, 1)
	require.NoError(t, err)
	assert.Equal(t, 2.0, w)
}

func TestScanTranslatesIDsBackToExternalSpace(t *testing.T) {
	g := newTestGraph(t)
	tx := g.StartTransaction(false)
	require.NoError(t, tx.InsertVertex(0))
	require.NoError(t, tx.InsertVertex(1))
	require.NoError(t, tx.InsertEdge(0, 1, 1.0, false))
	require.NoError(t, tx.Commit())

	reader := g.StartTransaction(true)
	var seen []uint64
	require.NoError(t, reader.Scan(0, func(src, dst uint64, weight float64) bool {
		seen = append(seen, dst)
		return true
	}))
	assert.Equal(t, []uint64{1}, seen)
}

func TestRollbackDiscardsUncommittedInsert(t *testing.T) {
	g := newTestGraph(t)
	tx := g.StartTransaction(false)
	require.NoError(t, tx.InsertVertex(5))
	tx.Rollback()

	reader := g.StartTransaction(true)
	has, err := reader.HasVertex(5)
	require.NoError(t, err)
	assert.False(t, has)
}

func TestStatsCountsVerticesAndEdges(t *testing.T) {
	g := newTestGraph(t)
	tx := g.StartTransaction(false)
	require.NoError(t, tx.InsertVertex(0))
	require.NoError(t, tx.InsertVertex(1))
	require.NoError(t, tx.InsertEdge(0, 1, 1.0, false))
	require.NoError(t, tx.Commit())

	st := g.Stats()
	assert.Equal(t, int64(2), st.NumVertices)
	assert.Equal(t, int64(1), st.NumEdges)
}

func TestRemoveVertexReturnsEdgeCountRemoved(t *testing.T) {
	g := newTestGraph(t)
	tx := g.StartTransaction(false)
	require.NoError(t, tx.InsertVertex(0))
	require.NoError(t, tx.InsertVertex(1))
	require.NoError(t, tx.InsertVertex(2))
	require.NoError(t, tx.InsertEdge(0, 1, 1.0, true))
	require.NoError(t, tx.InsertEdge(0, 2, 1.0, true))
	require.NoError(t, tx.Commit())

	tx2 := g.StartTransaction(false)
	n, err := tx2.RemoveVertex(0)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	require.NoError(t, tx2.Commit())
}
