package vbucket

import (
	"github.com/zeebo/xxh3"
)

// NodeSelector picks the node index for a key of a ketama bucket.
type NodeSelector func(key []byte, nodeCount int) int

// DefaultNodeSelector uses Jump Hash over xxh3 so that adding a node moves
// only a proportional share of keys.
func DefaultNodeSelector(key []byte, nodeCount int) int {
	if nodeCount <= 0 {
		return 0
	}
	return jump(xxh3.Hash(key), int64(nodeCount))
}

// jump is Lamping and Veach's consistent hash (arXiv:1406.2294).
func jump(h uint64, buckets int64) int {
	b, j := int64(-1), int64(0)
	for j < buckets {
		b = j
		h = h*2862933555777941757 + 1
		j = int64(float64(b+1) * (float64(int64(1)<<31) / float64((h>>33)+1)))
	}
	return int(b)
}
