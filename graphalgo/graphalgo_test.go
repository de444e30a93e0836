package graphalgo

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeScanner is an in-memory adjacency list satisfying Scanner, used to
// exercise BFS and WeightedDegreeSum without a real store.
type fakeScanner struct {
	adj map[uint64][]edge
}

type edge struct {
	dst    uint64
	weight float64
}

func (f *fakeScanner) HasVertex(v uint64) (bool, error) {
	_, ok := f.adj[v]
	return ok, nil
}

func (f *fakeScanner) Scan(v uint64, cb func(src, dst uint64, weight float64) bool) error {
	for _, e := range f.adj[v] {
		if !cb(v, e.dst, e.weight) {
			return nil
		}
	}
	return nil
}

func TestBFSVisitsReachableVerticesInDiscoveryOrder(t *testing.T) {
	f := &fakeScanner{adj: map[uint64][]edge{
		1: {{2, 1.0}, {3, 1.0}},
		2: {{4, 1.0}},
		3: {{4, 1.0}},
		4: {},
	}}

	var order []uint64
	err := BFS(f, 1, func(v uint64) bool {
		order = append(order, v)
		return true
	})
	require.NoError(t, err)
	assert.Equal(t, []uint64{1, 2, 3, 4}, order)
}

func TestBFSStopsEarlyWhenVisitReturnsFalse(t *testing.T) {
	f := &fakeScanner{adj: map[uint64][]edge{
		1: {{2, 1.0}, {3, 1.0}},
		2: {},
		3: {},
	}}

	var order []uint64
	err := BFS(f, 1, func(v uint64) bool {
		order = append(order, v)
		return v != 1
	})
	require.NoError(t, err)
	assert.Equal(t, []uint64{1}, order)
}

func TestBFSDoesNotRevisitAlreadyQueuedVertex(t *testing.T) {
	f := &fakeScanner{adj: map[uint64][]edge{
		1: {{2, 1.0}, {3, 1.0}},
		2: {{3, 1.0}},
		3: {},
	}}

	count := 0
	err := BFS(f, 1, func(v uint64) bool {
		if v == 3 {
			count++
		}
		return true
	})
	require.NoError(t, err)
	assert.Equal(t, 1, count)
}

func TestBFSRejectsVertexBeyondBitmapRange(t *testing.T) {
	f := &fakeScanner{adj: map[uint64][]edge{}}
	err := BFS(f, uint64(1)<<33, func(v uint64) bool { return true })
	assert.Error(t, err)
}

func TestWeightedDegreeSumSumsOutgoingWeights(t *testing.T) {
	f := &fakeScanner{adj: map[uint64][]edge{
		1: {{2, 1.5}, {3, 2.5}},
	}}
	c, err := NewDegreeSumCache(8)
	require.NoError(t, err)

	sum, err := c.WeightedDegreeSum(f, 1)
	require.NoError(t, err)
	assert.Equal(t, 4.0, sum)
}

func TestWeightedDegreeSumCachesAcrossCalls(t *testing.T) {
	f := &fakeScanner{adj: map[uint64][]edge{
		1: {{2, 1.0}},
	}}
	c, err := NewDegreeSumCache(8)
	require.NoError(t, err)

	first, err := c.WeightedDegreeSum(f, 1)
	require.NoError(t, err)

	// Mutate the underlying adjacency after the first call: a cache hit
	// must still return the stale, memoized sum.
	f.adj[1] = append(f.adj[1], edge{3, 100.0})

	second, err := c.WeightedDegreeSum(f, 1)
	require.NoError(t, err)
	assert.Equal(t, first, second)
}
