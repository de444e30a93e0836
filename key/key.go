// Package key implements the 16-byte composite (source, destination) keys
// used to order vertices and edges inside a segment.
package key

import (
	"encoding/binary"
	"math"
)

// Size is the on-wire length of a Key: two big-endian uint64s.
const Size = 16

// Key is the pair (source, destination). Vertices encode as (vid, 0).
// Keys compare lexicographically with big-endian byte order so trie
// prefix comparisons work bytewise.
type Key struct {
	Source      uint64
	Destination uint64
}

// Min is the smallest possible key, (0, 0).
var Min = Key{}

// Max is the largest possible key, (MaxUint64, MaxUint64).
var Max = Key{Source: math.MaxUint64, Destination: math.MaxUint64}

// NewVertex builds the key identifying a vertex's first-entry cell.
func NewVertex(source uint64) Key {
	return Key{Source: source}
}

// NewEdge builds the key identifying an edge cell.
func NewEdge(source, destination uint64) Key {
	return Key{Source: source, Destination: destination}
}

// IsVertex reports whether k addresses a vertex cell rather than an edge.
func (k Key) IsVertex() bool { return k.Destination == 0 }

// Compare returns -1, 0, or 1 as k is less than, equal to, or greater than
// other, using the same total order as the byte encoding.
func (k Key) Compare(other Key) int {
	switch {
	case k.Source < other.Source:
		return -1
	case k.Source > other.Source:
		return 1
	case k.Destination < other.Destination:
		return -1
	case k.Destination > other.Destination:
		return 1
	default:
		return 0
	}
}

// Less reports whether k sorts before other. It satisfies the comparator
// shape expected by github.com/google/btree.
func (k Key) Less(other Key) bool { return k.Compare(other) < 0 }

// Successor returns the next key in the total order, used to resume a scan
// past the current record. Max.Successor() saturates at Max.
func (k Key) Successor() Key {
	if k == Max {
		return Max
	}
	if k.Destination == math.MaxUint64 {
		return Key{Source: k.Source + 1, Destination: 0}
	}
	return Key{Source: k.Source, Destination: k.Destination + 1}
}

// Bytes encodes k as 16 big-endian bytes, suitable for ART trie traversal.
func (k Key) Bytes() [Size]byte {
	var b [Size]byte
	binary.BigEndian.PutUint64(b[0:8], k.Source)
	binary.BigEndian.PutUint64(b[8:16], k.Destination)
	return b
}

// FromBytes decodes a 16-byte big-endian encoding produced by Bytes.
func FromBytes(b []byte) Key {
	return Key{
		Source:      binary.BigEndian.Uint64(b[0:8]),
		Destination: binary.BigEndian.Uint64(b[8:16]),
	}
}

// String renders the key as "(source,destination)" for logs and tests.
func (k Key) String() string {
	buf := make([]byte, 0, 24)
	buf = appendUint(buf, k.Source)
	buf = append(buf, ',')
	buf = appendUint(buf, k.Destination)
	return "(" + string(buf) + ")"
}

func appendUint(buf []byte, v uint64) []byte {
	if v == 0 {
		return append(buf, '0')
	}
	var tmp [20]byte
	i := len(tmp)
	for v > 0 {
		i--
		tmp[i] = byte('0' + v%10)
		v /= 10
	}
	return append(buf, tmp[i:]...)
}
