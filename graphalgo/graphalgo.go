// Package graphalgo is an interface-only consumer of a teseo.Transaction's
// scan primitive: spec.md's §1 scope note lists "the graph-algorithm
// layer that consumes scans" as out of core scope, so this package stays
// deliberately thin — a couple of read-only traversals exercised through
// the public Scan API, not a general algorithm library.
package graphalgo

import (
	"github.com/RoaringBitmap/roaring/v2"

	lru "github.com/hashicorp/golang-lru/v2"
)

// Scanner is the subset of teseo.Transaction a traversal needs: scanning a
// vertex's outgoing edges and checking vertex existence. Kept as an
// interface so this package never imports teseo and stays a leaf
// consumer, not a dependency of the core.
type Scanner interface {
	HasVertex(v uint64) (bool, error)
	Scan(v uint64, cb func(src, dst uint64, weight float64) bool) error
}

// visitedCap bounds vertex IDs trackable in the roaring.Bitmap visited
// set: the bitmap is 32-bit, so BFS/degree-sum traversals are only
// exercised against graphs whose external vertex IDs fit in uint32 (a
// documented limitation of this consumer, not of the core memstore).
const visitedCap = 1<<32 - 1

// BFS performs a breadth-first traversal of t starting at root, invoking
// visit(v) once for every reachable vertex (including root) in discovery
// order. It stops early if visit returns false. Visited vertices are
// tracked in a roaring.Bitmap rather than a plain set, since traversals
// over large graphs revisit the same hub vertices often enough that a
// compressed bitmap measurably beats a map[uint64]bool.
func BFS(t Scanner, root uint64, visit func(v uint64) bool) error {
	if root > visitedCap {
		return errVertexOutOfRange(root)
	}
	visited := roaring.New()
	queue := []uint64{root}
	visited.Add(uint32(root))

	for len(queue) > 0 {
		v := queue[0]
		queue = queue[1:]
		if !visit(v) {
			return nil
		}
		var walkErr error
		err := t.Scan(v, func(_, dst uint64, _ float64) bool {
			if dst > visitedCap {
				walkErr = errVertexOutOfRange(dst)
				return false
			}
			if visited.Contains(uint32(dst)) {
				return true
			}
			visited.Add(uint32(dst))
			queue = append(queue, dst)
			return true
		})
		if err != nil {
			return err
		}
		if walkErr != nil {
			return walkErr
		}
	}
	return nil
}

// DegreeSumCache memoizes per-vertex degree sums computed by WeightedDegreeSum,
// since repeated algorithm passes over a stable snapshot (no intervening
// commits) recompute the same vertex's sum identically every time.
type DegreeSumCache struct {
	cache *lru.Cache[uint64, float64]
}

// NewDegreeSumCache returns a cache holding up to size entries.
func NewDegreeSumCache(size int) (*DegreeSumCache, error) {
	c, err := lru.New[uint64, float64](size)
	if err != nil {
		return nil, err
	}
	return &DegreeSumCache{cache: c}, nil
}

// WeightedDegreeSum returns the sum of v's outgoing edge weights, serving
// a cached value when present.
func (c *DegreeSumCache) WeightedDegreeSum(t Scanner, v uint64) (float64, error) {
	if sum, ok := c.cache.Get(v); ok {
		return sum, nil
	}
	var sum float64
	if err := t.Scan(v, func(_, _ uint64, w float64) bool {
		sum += w
		return true
	}); err != nil {
		return 0, err
	}
	c.cache.Add(v, sum)
	return sum, nil
}

type errVertexOutOfRange uint64

func (e errVertexOutOfRange) Error() string {
	return "graphalgo: vertex id exceeds 32-bit traversal bitmap range"
}
