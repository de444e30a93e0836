package key

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCompareOrdersBySourceThenDestination(t *testing.T) {
	a := NewEdge(1, 5)
	b := NewEdge(1, 6)
	c := NewEdge(2, 0)

	assert.Equal(t, -1, a.Compare(b))
	assert.Equal(t, 1, b.Compare(a))
	assert.Equal(t, -1, b.Compare(c))
	assert.Equal(t, 0, a.Compare(a))
}

func TestIsVertex(t *testing.T) {
	assert.True(t, NewVertex(7).IsVertex())
	assert.False(t, NewEdge(7, 1).IsVertex())
}

func TestSuccessorCarriesIntoSource(t *testing.T) {
	k := Key{Source: 1, Destination: ^uint64(0)}
	succ := k.Successor()
	assert.Equal(t, Key{Source: 2, Destination: 0}, succ)
}

func TestSuccessorSaturatesAtMax(t *testing.T) {
	assert.Equal(t, Max, Max.Successor())
}

func TestBytesRoundTrip(t *testing.T) {
	k := NewEdge(42, 99)
	b := k.Bytes()
	require.Equal(t, k, FromBytes(b[:]))
}

func TestLessMatchesCompare(t *testing.T) {
	a, b := NewVertex(3), NewVertex(4)
	assert.True(t, a.Less(b))
	assert.False(t, b.Less(a))
}
